package models

// Node is a single vertex of a pipeline graph. The orchestrator never
// interprets Config; it is handed verbatim to the node executor.
type Node struct {
	ID     string            `json:"id"`
	Type   string            `json:"type"`
	Config map[string]string `json:"config,omitempty"`
}

// Connection is a directed edge between two node handles.
type Connection struct {
	SourceNodeID string `json:"source_node_id"`
	SourceHandle string `json:"source_handle"`
	TargetNodeID string `json:"target_node_id"`
	TargetHandle string `json:"target_handle"`
}

// PipelineDefinition is the immutable node/connection graph a run is compiled
// from. The connection graph must be acyclic and every connection endpoint
// must reference a declared node.
type PipelineDefinition struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Nodes       []Node       `json:"nodes"`
	Connections []Connection `json:"connections"`
}
