package types

import (
	"context"
	"fmt"
	"sync"
)

// =============================================================================
// Minimal Agent Execution Interfaces
// =============================================================================
// These interfaces define the smallest common contract shared by every agent
// capability the orchestrator can call. Concrete capabilities (LLM wrappers,
// validators, renderers) live outside this module and are resolved by
// capability-type lookup, never by inheritance.
//
// The types package is the lowest-level package with no internal dependencies,
// so placing these interfaces here avoids circular imports.
// =============================================================================

// Executor is the minimal agent execution interface.
// All agent variants share this common contract: an identity (ID) and the
// ability to execute with arbitrary input/output.
type Executor interface {
	// ID returns the agent's unique identifier.
	ID() string
	// Execute runs the agent with the given input and returns the result.
	Execute(ctx context.Context, input any) (any, error)
}

// AgentRegistry resolves agent executors by capability type.
// The orchestration core only holds references; ownership of the concrete
// implementations stays with the caller.
type AgentRegistry interface {
	// Resolve returns the executor registered for the capability type.
	Resolve(capability string) (Executor, bool)
	// Capabilities lists all registered capability types.
	Capabilities() []string
}

// StaticAgentRegistry is a map-backed AgentRegistry, resolved once at
// submission time. Safe for concurrent use.
type StaticAgentRegistry struct {
	executors map[string]Executor
	mu        sync.RWMutex
}

// NewStaticAgentRegistry creates an empty registry.
func NewStaticAgentRegistry() *StaticAgentRegistry {
	return &StaticAgentRegistry{executors: make(map[string]Executor)}
}

// Register binds a capability type to an executor.
func (r *StaticAgentRegistry) Register(capability string, exec Executor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.executors[capability]; exists {
		return fmt.Errorf("capability %s already registered", capability)
	}
	r.executors[capability] = exec
	return nil
}

// Resolve implements AgentRegistry.
func (r *StaticAgentRegistry) Resolve(capability string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exec, ok := r.executors[capability]
	return exec, ok
}

// Capabilities implements AgentRegistry.
func (r *StaticAgentRegistry) Capabilities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	caps := make([]string, 0, len(r.executors))
	for c := range r.executors {
		caps = append(caps, c)
	}
	return caps
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc struct {
	AgentID string
	Fn      func(ctx context.Context, input any) (any, error)
}

// ID implements Executor.
func (f *ExecutorFunc) ID() string { return f.AgentID }

// Execute implements Executor.
func (f *ExecutorFunc) Execute(ctx context.Context, input any) (any, error) {
	return f.Fn(ctx, input)
}
