package models

// InputBinding wires one output handle of a dependency node to an input
// handle of this task's node.
type InputBinding struct {
	SourceNodeID string `json:"source_node_id"`
	SourceHandle string `json:"source_handle"`
	TargetHandle string `json:"target_handle"`
}

// TaskSpec is one entry of a compiled execution plan. DependsOn references
// node IDs of tasks that appear strictly earlier in the plan.
type TaskSpec struct {
	NodeID         string            `json:"node_id"`
	NodeType       string            `json:"node_type"`
	Config         map[string]string `json:"config,omitempty"`
	DependsOn      []string          `json:"depends_on"`
	Inputs         []InputBinding    `json:"inputs,omitempty"`
	ExecutionOrder int               `json:"execution_order"`
}

// ExecutionPlan is the validated, topologically ordered task list derived
// from a PipelineDefinition. It is read-only once compiled; a run owns its
// own copy materialized as TaskExecutions.
type ExecutionPlan struct {
	PipelineID string     `json:"pipeline_id"`
	Tasks      []TaskSpec `json:"tasks"`
}
