package workflow

import (
	"fmt"
	"time"

	"github.com/BaSui01/conductor/internal/retry"
	"github.com/BaSui01/conductor/types"
)

// StepStatus is the lifecycle state of one workflow step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepReady     StepStatus = "ready"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
	StepCancelled StepStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepCompleted, StepFailed, StepSkipped, StepCancelled:
		return true
	}
	return false
}

// Predicate gates a conditional step on a prior step's result.
type Predicate func(result any) bool

// Condition activates a step only when the predicate holds for the named
// step's result. When it does not hold the step is marked skipped and never
// runs.
type Condition struct {
	StepID    string
	Predicate Predicate
}

// Step is one unit of agent work within a workflow graph.
type Step struct {
	// ID uniquely identifies the step within its workflow.
	ID string
	// AgentType is the capability type used for registry lookup; it also
	// names the circuit breaker service guarding the call.
	AgentType string
	// DependsOn lists step ids that must complete before this step runs.
	DependsOn []string
	// Input is the static input passed to the agent alongside dependency
	// outputs.
	Input any
	// Retry is the per-step retry policy. Zero value uses the default.
	Retry retry.Policy
	// Timeout bounds the whole step invocation including retries.
	Timeout time.Duration
	// Priority is the execution queue priority, 0-100.
	Priority int
	// Condition optionally gates this step on a prior step's result.
	Condition *Condition
	// TolerateSkipped treats skipped dependencies as satisfied. Used by
	// merge steps after conditional branches.
	TolerateSkipped bool
}

// Graph is a directed acyclic dependency graph of steps. Build it directly or
// through the pattern builders, then hand it to the Engine.
type Graph struct {
	name  string
	steps map[string]*Step
	order []string // insertion order, for deterministic iteration
}

// NewGraph creates an empty graph.
func NewGraph(name string) *Graph {
	return &Graph{
		name:  name,
		steps: make(map[string]*Step),
	}
}

// Name returns the graph name.
func (g *Graph) Name() string { return g.name }

// AddStep adds a step. Duplicate ids are a validation error.
func (g *Graph) AddStep(step Step) error {
	if step.ID == "" {
		return types.NewError(types.ErrValidation, "step id must not be empty")
	}
	if step.AgentType == "" {
		return types.NewError(types.ErrValidation,
			fmt.Sprintf("step %s: agent type must not be empty", step.ID))
	}
	if _, exists := g.steps[step.ID]; exists {
		return types.NewError(types.ErrValidation,
			fmt.Sprintf("duplicate step id %s", step.ID))
	}
	s := step
	g.steps[step.ID] = &s
	g.order = append(g.order, step.ID)
	return nil
}

// Step returns a step by id.
func (g *Graph) Step(id string) (*Step, bool) {
	s, ok := g.steps[id]
	return s, ok
}

// Steps returns all steps in insertion order.
func (g *Graph) Steps() []*Step {
	out := make([]*Step, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.steps[id])
	}
	return out
}

// Len returns the number of steps.
func (g *Graph) Len() int { return len(g.steps) }

// Validate checks the graph for emptiness, unknown references, and cycles.
// Cycle detection is a Kahn-style topological pass; a cycle rejects the whole
// graph with CYCLE_DETECTED before any step runs.
func (g *Graph) Validate() error {
	if len(g.steps) == 0 {
		return types.NewError(types.ErrValidation, "graph has no steps")
	}

	indegree := make(map[string]int, len(g.steps))
	dependents := make(map[string][]string, len(g.steps))

	for _, id := range g.order {
		step := g.steps[id]
		for _, dep := range step.DependsOn {
			if _, ok := g.steps[dep]; !ok {
				return types.NewError(types.ErrValidation,
					fmt.Sprintf("step %s depends on unknown step %s", id, dep))
			}
			if dep == id {
				return types.NewError(types.ErrCycleDetected,
					fmt.Sprintf("step %s depends on itself", id))
			}
			indegree[id]++
			dependents[dep] = append(dependents[dep], id)
		}
		if step.Condition != nil {
			if _, ok := g.steps[step.Condition.StepID]; !ok {
				return types.NewError(types.ErrValidation,
					fmt.Sprintf("step %s condition references unknown step %s", id, step.Condition.StepID))
			}
		}
	}

	// Kahn: repeatedly remove zero-indegree steps; leftovers form a cycle.
	frontier := make([]string, 0, len(g.steps))
	for _, id := range g.order {
		if indegree[id] == 0 {
			frontier = append(frontier, id)
		}
	}
	visited := 0
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		visited++
		for _, dependent := range dependents[id] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				frontier = append(frontier, dependent)
			}
		}
	}
	if visited != len(g.steps) {
		remaining := make([]string, 0)
		for _, id := range g.order {
			if indegree[id] > 0 {
				remaining = append(remaining, id)
			}
		}
		return types.NewError(types.ErrCycleDetected,
			fmt.Sprintf("dependency cycle involving steps %v", remaining))
	}
	return nil
}
