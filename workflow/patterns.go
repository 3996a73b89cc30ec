package workflow

import (
	"fmt"

	"github.com/BaSui01/conductor/types"
)

// Pattern builders compose step graphs for the engine. They only build
// structure; validation and execution stay with the engine.

// Sequential chains the given steps so that each one depends on its
// predecessor. Any DependsOn already set on the steps is replaced.
func Sequential(name string, steps []Step) (*Graph, error) {
	if len(steps) == 0 {
		return nil, types.NewError(types.ErrValidation, "sequential pattern needs at least one step")
	}
	g := NewGraph(name)
	for i, step := range steps {
		if i == 0 {
			step.DependsOn = nil
		} else {
			step.DependsOn = []string{steps[i-1].ID}
		}
		if err := g.AddStep(step); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// Parallel runs the given steps independently and feeds them all into a join
// step that depends on every branch.
func Parallel(name string, steps []Step, join Step) (*Graph, error) {
	if len(steps) == 0 {
		return nil, types.NewError(types.ErrValidation, "parallel pattern needs at least one branch")
	}
	g := NewGraph(name)
	deps := make([]string, 0, len(steps))
	for _, step := range steps {
		step.DependsOn = nil
		if err := g.AddStep(step); err != nil {
			return nil, err
		}
		deps = append(deps, step.ID)
	}
	join.DependsOn = deps
	if err := g.AddStep(join); err != nil {
		return nil, err
	}
	return g, nil
}

// Conditional routes the source step's result through a predicate: when it
// holds, onTrue runs and onFalse is skipped; otherwise the reverse. The merge
// step depends on both branches and tolerates the skipped one, so exactly one
// branch feeds it.
func Conditional(name string, source Step, predicate Predicate, onTrue, onFalse, merge Step) (*Graph, error) {
	if predicate == nil {
		return nil, types.NewError(types.ErrValidation, "conditional pattern needs a predicate")
	}
	g := NewGraph(name)
	source.DependsOn = nil
	if err := g.AddStep(source); err != nil {
		return nil, err
	}

	onTrue.DependsOn = []string{source.ID}
	onTrue.Condition = &Condition{StepID: source.ID, Predicate: predicate}
	if err := g.AddStep(onTrue); err != nil {
		return nil, err
	}

	onFalse.DependsOn = []string{source.ID}
	onFalse.Condition = &Condition{StepID: source.ID, Predicate: func(result any) bool {
		return !predicate(result)
	}}
	if err := g.AddStep(onFalse); err != nil {
		return nil, err
	}

	merge.DependsOn = []string{onTrue.ID, onFalse.ID}
	merge.TolerateSkipped = true
	if err := g.AddStep(merge); err != nil {
		return nil, err
	}
	return g, nil
}

// MapReduce creates one independent map step per item, all feeding a reduce
// step that depends on the full set. makeStep builds the map step for one
// item; its ID is overridden to "<prefix>_<index>".
func MapReduce(name, prefix string, items []any, makeStep func(index int, item any) Step, reduce Step) (*Graph, error) {
	if len(items) == 0 {
		return nil, types.NewError(types.ErrValidation, "map-reduce pattern needs at least one item")
	}
	if makeStep == nil {
		return nil, types.NewError(types.ErrValidation, "map-reduce pattern needs a step constructor")
	}
	g := NewGraph(name)
	deps := make([]string, 0, len(items))
	for i, item := range items {
		step := makeStep(i, item)
		step.ID = fmt.Sprintf("%s_%d", prefix, i)
		step.DependsOn = nil
		if step.Input == nil {
			step.Input = item
		}
		if err := g.AddStep(step); err != nil {
			return nil, err
		}
		deps = append(deps, step.ID)
	}
	reduce.DependsOn = deps
	if err := g.AddStep(reduce); err != nil {
		return nil, err
	}
	return g, nil
}
