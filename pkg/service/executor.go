package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// NodeCall carries everything a node executor needs for one attempt: the
// node's static config plus the resolved outputs of its dependencies, keyed
// by the task's input handles.
type NodeCall struct {
	RunID    string
	TaskID   string
	NodeID   string
	NodeType string
	Config   map[string]string
	Inputs   map[string]string
}

// NodeResult is the successful outcome of a node execution.
type NodeResult struct {
	Outputs    map[string]string
	Cost       float64
	TokensUsed int64
}

// NodeExecutor is the node-execution collaborator. How a node type performs
// its work (an AI provider call, a data transform) is its own business; the
// orchestrator only sees this contract and the error classification.
type NodeExecutor interface {
	Execute(ctx context.Context, call NodeCall) (NodeResult, error)
}

// NodeTypeInfo is per-node-type execution policy.
type NodeTypeInfo struct {
	// Optional node failures do not fail the run (downstream tasks are
	// still skipped). Default: every failure is critical.
	Optional bool
	// NonRetryable treats timeouts and transient errors as permanent.
	NonRetryable bool
	// Timeout caps a single attempt. Zero means the pool default.
	Timeout time.Duration
}

// TransientError marks a failure worth retrying: network hiccups, provider
// rate limits, timeouts.
type TransientError struct{ Err error }

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks an unrecoverable failure: invalid config, a provider
// rejecting the request outright.
type PermanentError struct{ Err error }

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

type ErrorClass int

const (
	TransientFailure ErrorClass = iota
	PermanentFailure
)

// Classify maps an executor error to its retry class. Context deadlines count
// as transient (the provider may just be slow); anything unclassified is
// permanent, since retrying a programming or config error only burns quota.
func Classify(err error) ErrorClass {
	var tr *TransientError
	if errors.As(err, &tr) {
		return TransientFailure
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return TransientFailure
	}
	return PermanentFailure
}

// Registry maps node type names to executor implementations and their
// policy. The orchestrator holds only NodeExecutor values, never concrete
// types.
type Registry struct {
	mu    sync.RWMutex
	execs map[string]NodeExecutor
	infos map[string]NodeTypeInfo
}

func NewRegistry() *Registry {
	return &Registry{
		execs: make(map[string]NodeExecutor),
		infos: make(map[string]NodeTypeInfo),
	}
}

func (r *Registry) Register(nodeType string, exec NodeExecutor, info NodeTypeInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.execs[nodeType] = exec
	r.infos[nodeType] = info
}

func (r *Registry) Lookup(nodeType string) (NodeExecutor, NodeTypeInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exec, ok := r.execs[nodeType]
	return exec, r.infos[nodeType], ok
}

// Info returns the policy for a node type; the zero policy (critical,
// retryable) for unknown types.
func (r *Registry) Info(nodeType string) NodeTypeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.infos[nodeType]
}

// NodeExecutorFunc adapts a plain function to NodeExecutor.
type NodeExecutorFunc func(ctx context.Context, call NodeCall) (NodeResult, error)

func (f NodeExecutorFunc) Execute(ctx context.Context, call NodeCall) (NodeResult, error) {
	return f(ctx, call)
}

// RegisterBuiltins installs the node types that need no external provider:
// "input" emits its configured value, "transform" substitutes {{handle}}
// placeholders in a template with its inputs, "delay" sleeps. They cover CLI
// demos and smoke tests; provider-backed types are registered by the host.
func RegisterBuiltins(r *Registry) {
	r.Register("input", NodeExecutorFunc(func(ctx context.Context, call NodeCall) (NodeResult, error) {
		return NodeResult{Outputs: map[string]string{"output": call.Config["value"]}}, nil
	}), NodeTypeInfo{Timeout: 5 * time.Second})

	r.Register("transform", NodeExecutorFunc(func(ctx context.Context, call NodeCall) (NodeResult, error) {
		tmpl, ok := call.Config["template"]
		if !ok {
			return NodeResult{}, Permanent(errors.Errorf("transform node %s has no template", call.NodeID))
		}
		out := tmpl
		for handle, val := range call.Inputs {
			out = strings.ReplaceAll(out, "{{"+handle+"}}", val)
		}
		return NodeResult{Outputs: map[string]string{"output": out}}, nil
	}), NodeTypeInfo{Timeout: 5 * time.Second})

	r.Register("delay", NodeExecutorFunc(func(ctx context.Context, call NodeCall) (NodeResult, error) {
		d, err := time.ParseDuration(call.Config["duration"])
		if err != nil {
			return NodeResult{}, Permanent(errors.Wrapf(err, "delay node %s", call.NodeID))
		}
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return NodeResult{}, ctx.Err()
		}
		return NodeResult{Outputs: map[string]string{"output": call.Inputs["input"]}}, nil
	}), NodeTypeInfo{})
}
