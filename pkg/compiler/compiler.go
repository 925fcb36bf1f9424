// Package compiler turns a pipeline definition into a validated, topologically
// ordered execution plan. It is a pure function: no I/O, no store access, and
// all failures are returned as values rather than panics.
package compiler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/olereon/imaginarium-sub002/pkg/models"
)

// ValidationError is returned for any malformed definition. The run is never
// created when compilation fails.
type ValidationError struct {
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid pipeline definition: %v", e.Err)
	}
	return fmt.Sprintf("invalid pipeline definition: %s", e.Message)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// CyclicGraphError names the nodes left on a cycle after Kahn's algorithm
// exhausts the acyclic portion of the graph.
type CyclicGraphError struct {
	Nodes []string
}

func (e *CyclicGraphError) Error() string {
	return fmt.Sprintf("pipeline graph contains a cycle involving nodes [%s]", strings.Join(e.Nodes, ", "))
}

func invalid(format string, args ...interface{}) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// Compile validates def and produces its execution plan using Kahn's
// algorithm. Ties between nodes of equal topological rank are broken by the
// node's declaration order, so the same definition always compiles to the
// same task ordering. Isolated nodes are valid single-task entries.
func Compile(def models.PipelineDefinition) (models.ExecutionPlan, error) {
	if len(def.Nodes) == 0 {
		return models.ExecutionPlan{}, invalid("pipeline has no nodes")
	}

	declOrder := make(map[string]int, len(def.Nodes))
	for i, n := range def.Nodes {
		if n.ID == "" {
			return models.ExecutionPlan{}, invalid("node at position %d has an empty id", i)
		}
		if n.Type == "" {
			return models.ExecutionPlan{}, invalid("node %q has an empty type", n.ID)
		}
		if _, dup := declOrder[n.ID]; dup {
			return models.ExecutionPlan{}, invalid("duplicate node id %q", n.ID)
		}
		declOrder[n.ID] = i
	}

	// Adjacency and in-degree over the connection-induced graph. Parallel
	// connections between the same node pair collapse into one dependency
	// edge but keep their individual input bindings.
	adjacency := make(map[string][]string, len(def.Nodes))
	inDegree := make(map[string]int, len(def.Nodes))
	dependsOn := make(map[string]map[string]struct{}, len(def.Nodes))
	bindings := make(map[string][]models.InputBinding)
	for i, c := range def.Connections {
		if _, ok := declOrder[c.SourceNodeID]; !ok {
			return models.ExecutionPlan{}, invalid("connection %d references unknown source node %q", i, c.SourceNodeID)
		}
		if _, ok := declOrder[c.TargetNodeID]; !ok {
			return models.ExecutionPlan{}, invalid("connection %d references unknown target node %q", i, c.TargetNodeID)
		}
		if c.SourceHandle == "" || c.TargetHandle == "" {
			return models.ExecutionPlan{}, invalid("connection %d between %q and %q has an empty handle", i, c.SourceNodeID, c.TargetNodeID)
		}
		if c.SourceNodeID == c.TargetNodeID {
			return models.ExecutionPlan{}, &ValidationError{Err: &CyclicGraphError{Nodes: []string{c.SourceNodeID}}}
		}
		if dependsOn[c.TargetNodeID] == nil {
			dependsOn[c.TargetNodeID] = make(map[string]struct{})
		}
		if _, seen := dependsOn[c.TargetNodeID][c.SourceNodeID]; !seen {
			dependsOn[c.TargetNodeID][c.SourceNodeID] = struct{}{}
			adjacency[c.SourceNodeID] = append(adjacency[c.SourceNodeID], c.TargetNodeID)
			inDegree[c.TargetNodeID]++
		}
		bindings[c.TargetNodeID] = append(bindings[c.TargetNodeID], models.InputBinding{
			SourceNodeID: c.SourceNodeID,
			SourceHandle: c.SourceHandle,
			TargetHandle: c.TargetHandle,
		})
	}

	// Kahn's algorithm. The frontier is kept sorted by declaration order so
	// equal-rank nodes are emitted deterministically.
	frontier := make([]string, 0, len(def.Nodes))
	for _, n := range def.Nodes {
		if inDegree[n.ID] == 0 {
			frontier = append(frontier, n.ID)
		}
	}

	sorted := make([]string, 0, len(def.Nodes))
	for len(frontier) > 0 {
		curr := frontier[0]
		frontier = frontier[1:]
		sorted = append(sorted, curr)
		for _, next := range adjacency[curr] {
			inDegree[next]--
			if inDegree[next] == 0 {
				frontier = append(frontier, next)
			}
		}
		sort.Slice(frontier, func(i, j int) bool {
			return declOrder[frontier[i]] < declOrder[frontier[j]]
		})
	}

	if len(sorted) != len(def.Nodes) {
		var cyclic []string
		for _, n := range def.Nodes {
			if inDegree[n.ID] > 0 {
				cyclic = append(cyclic, n.ID)
			}
		}
		return models.ExecutionPlan{}, &ValidationError{Err: &CyclicGraphError{Nodes: cyclic}}
	}

	nodes := make(map[string]models.Node, len(def.Nodes))
	for _, n := range def.Nodes {
		nodes[n.ID] = n
	}

	plan := models.ExecutionPlan{PipelineID: def.ID, Tasks: make([]models.TaskSpec, 0, len(sorted))}
	for order, nodeID := range sorted {
		node := nodes[nodeID]
		deps := make([]string, 0, len(dependsOn[nodeID]))
		for dep := range dependsOn[nodeID] {
			deps = append(deps, dep)
		}
		sort.Slice(deps, func(i, j int) bool { return declOrder[deps[i]] < declOrder[deps[j]] })
		plan.Tasks = append(plan.Tasks, models.TaskSpec{
			NodeID:         node.ID,
			NodeType:       node.Type,
			Config:         node.Config,
			DependsOn:      deps,
			Inputs:         bindings[nodeID],
			ExecutionOrder: order,
		})
	}
	return plan, nil
}
