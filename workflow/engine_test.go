package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/conductor/breaker"
	"github.com/BaSui01/conductor/internal/retry"
	"github.com/BaSui01/conductor/internal/store"
	"github.com/BaSui01/conductor/process"
	"github.com/BaSui01/conductor/types"
)

// testHarness wires an engine with an in-memory stack and a mutable agent
// registry.
type testHarness struct {
	engine *Engine
	agents *types.StaticAgentRegistry
	store  *store.MemoryStore
}

func newHarness(t *testing.T, cfg EngineConfig) *testHarness {
	t.Helper()

	st := store.NewMemoryStore()
	queueCfg := process.DefaultConfig()
	queueCfg.MaxConcurrent = 50
	queueCfg.MaxQueueSize = 500
	queue := process.NewManager(queueCfg, st, nil, nil, nil)
	t.Cleanup(queue.Close)

	breakers := breaker.NewRegistry(breaker.DefaultConfig(), nil, nil)
	agents := types.NewStaticAgentRegistry()

	engine := NewEngine(cfg, queue, breakers, agents, st, nil, nil, nil)
	return &testHarness{engine: engine, agents: agents, store: st}
}

func (h *testHarness) register(t *testing.T, capability string, fn func(ctx context.Context, input StepInput) (any, error)) {
	t.Helper()
	err := h.agents.Register(capability, &types.ExecutorFunc{
		AgentID: capability,
		Fn: func(ctx context.Context, input any) (any, error) {
			return fn(ctx, input.(StepInput))
		},
	})
	require.NoError(t, err)
}

func noRetry() retry.Policy {
	return retry.Policy{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2}
}

func wfWait(t *testing.T, e *Engine, id string) *Workflow {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wf, err := e.Wait(ctx, id)
	require.NoError(t, err)
	return wf
}

func TestEngine_LinearWorkflow(t *testing.T) {
	t.Parallel()
	h := newHarness(t, DefaultEngineConfig())

	h.register(t, "extract", func(ctx context.Context, in StepInput) (any, error) {
		return "raw", nil
	})
	h.register(t, "transform", func(ctx context.Context, in StepInput) (any, error) {
		return in.Deps["a"].(string) + "-cooked", nil
	})

	g := NewGraph("linear")
	require.NoError(t, g.AddStep(Step{ID: "a", AgentType: "extract", Retry: noRetry()}))
	require.NoError(t, g.AddStep(Step{ID: "b", AgentType: "transform", DependsOn: []string{"a"}, Retry: noRetry()}))

	id, err := h.engine.Submit(context.Background(), g, nil)
	require.NoError(t, err)

	wf := wfWait(t, h.engine, id)
	assert.Equal(t, WorkflowCompleted, wf.Status)
	assert.Equal(t, StepCompleted, wf.Steps["a"].Status)
	assert.Equal(t, StepCompleted, wf.Steps["b"].Status)
	assert.Equal(t, "raw-cooked", wf.Steps["b"].Result)

	snap, err := h.engine.ContextSnapshot(id)
	require.NoError(t, err)
	assert.Equal(t, "raw", snap["a"].(map[string]any)["output"])
}

func TestEngine_JoinWaitsForAllDependencies(t *testing.T) {
	t.Parallel()
	h := newHarness(t, DefaultEngineConfig())

	var mu sync.Mutex
	finished := map[string]bool{}
	mark := func(name string) {
		mu.Lock()
		finished[name] = true
		mu.Unlock()
	}

	h.register(t, "branch-a", func(ctx context.Context, in StepInput) (any, error) {
		time.Sleep(30 * time.Millisecond)
		mark("a")
		return "a-out", nil
	})
	h.register(t, "branch-b", func(ctx context.Context, in StepInput) (any, error) {
		mark("b")
		return "b-out", nil
	})
	h.register(t, "join", func(ctx context.Context, in StepInput) (any, error) {
		mu.Lock()
		defer mu.Unlock()
		if !finished["a"] || !finished["b"] {
			return nil, errors.New("join ran before its dependencies")
		}
		return []any{in.Deps["a"], in.Deps["b"]}, nil
	})

	g := NewGraph("join")
	require.NoError(t, g.AddStep(Step{ID: "a", AgentType: "branch-a", Retry: noRetry()}))
	require.NoError(t, g.AddStep(Step{ID: "b", AgentType: "branch-b", Retry: noRetry()}))
	require.NoError(t, g.AddStep(Step{ID: "c", AgentType: "join", DependsOn: []string{"a", "b"}, Retry: noRetry()}))

	id, err := h.engine.Submit(context.Background(), g, nil)
	require.NoError(t, err)

	wf := wfWait(t, h.engine, id)
	require.Equal(t, WorkflowCompleted, wf.Status)
	assert.ElementsMatch(t, []any{"a-out", "b-out"}, wf.Steps["c"].Result.([]any))
}

func TestEngine_CyclicGraphRejectedAtomically(t *testing.T) {
	t.Parallel()
	h := newHarness(t, DefaultEngineConfig())
	h.register(t, "agent", func(ctx context.Context, in StepInput) (any, error) { return nil, nil })

	g := NewGraph("cyclic")
	require.NoError(t, g.AddStep(Step{ID: "a", AgentType: "agent", DependsOn: []string{"b"}}))
	require.NoError(t, g.AddStep(Step{ID: "b", AgentType: "agent", DependsOn: []string{"a"}}))

	_, err := h.engine.Submit(context.Background(), g, nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrCycleDetected, types.GetErrorCode(err))
}

func TestEngine_UnknownCapabilityRejected(t *testing.T) {
	t.Parallel()
	h := newHarness(t, DefaultEngineConfig())

	g := NewGraph("g")
	require.NoError(t, g.AddStep(Step{ID: "a", AgentType: "nobody"}))

	_, err := h.engine.Submit(context.Background(), g, nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrValidation, types.GetErrorCode(err))
}

func TestEngine_StrictPolicySkipsRemaining(t *testing.T) {
	t.Parallel()
	h := newHarness(t, DefaultEngineConfig())

	h.register(t, "bad", func(ctx context.Context, in StepInput) (any, error) {
		return nil, types.NewError(types.ErrAgentExecution, "broken")
	})
	h.register(t, "slow", func(ctx context.Context, in StepInput) (any, error) {
		time.Sleep(50 * time.Millisecond)
		return "slow-out", nil
	})
	h.register(t, "next", func(ctx context.Context, in StepInput) (any, error) {
		return "never", nil
	})

	g := NewGraph("strict")
	require.NoError(t, g.AddStep(Step{ID: "fail", AgentType: "bad", Retry: noRetry()}))
	require.NoError(t, g.AddStep(Step{ID: "slow", AgentType: "slow", Retry: noRetry()}))
	require.NoError(t, g.AddStep(Step{ID: "dependent", AgentType: "next", DependsOn: []string{"fail"}, Retry: noRetry()}))
	require.NoError(t, g.AddStep(Step{ID: "after_slow", AgentType: "next", DependsOn: []string{"slow"}, Retry: noRetry()}))

	id, err := h.engine.SubmitWithPolicy(context.Background(), g, nil, PolicyStrict)
	require.NoError(t, err)

	wf := wfWait(t, h.engine, id)
	assert.Equal(t, WorkflowFailed, wf.Status)
	assert.Equal(t, StepFailed, wf.Steps["fail"].Status)
	assert.Equal(t, StepSkipped, wf.Steps["dependent"].Status)
	// Already running steps finish; only pending ones are skipped.
	assert.Contains(t, []StepStatus{StepCompleted, StepSkipped}, wf.Steps["slow"].Status)
}

func TestEngine_LenientPolicyCompletesPartially(t *testing.T) {
	t.Parallel()
	h := newHarness(t, DefaultEngineConfig())

	h.register(t, "bad", func(ctx context.Context, in StepInput) (any, error) {
		return nil, types.NewError(types.ErrAgentExecution, "broken")
	})
	h.register(t, "good", func(ctx context.Context, in StepInput) (any, error) {
		return "fine", nil
	})

	g := NewGraph("lenient")
	require.NoError(t, g.AddStep(Step{ID: "fail", AgentType: "bad", Retry: noRetry()}))
	require.NoError(t, g.AddStep(Step{ID: "dependent", AgentType: "good", DependsOn: []string{"fail"}, Retry: noRetry()}))
	require.NoError(t, g.AddStep(Step{ID: "independent", AgentType: "good", Retry: noRetry()}))

	id, err := h.engine.SubmitWithPolicy(context.Background(), g, nil, PolicyLenient)
	require.NoError(t, err)

	wf := wfWait(t, h.engine, id)
	assert.Equal(t, WorkflowCompleted, wf.Status)
	assert.Equal(t, StepFailed, wf.Steps["fail"].Status)
	assert.Equal(t, StepSkipped, wf.Steps["dependent"].Status)
	assert.Equal(t, StepCompleted, wf.Steps["independent"].Status)
	assert.Contains(t, wf.Error, "PARTIAL_WORKFLOW_FAILURE")
}

func TestEngine_MaxParallelStepsBound(t *testing.T) {
	t.Parallel()
	cfg := DefaultEngineConfig()
	cfg.MaxParallelSteps = 2
	h := newHarness(t, cfg)

	var mu sync.Mutex
	running, peak := 0, 0
	h.register(t, "work", func(ctx context.Context, in StepInput) (any, error) {
		mu.Lock()
		running++
		if running > peak {
			peak = running
		}
		mu.Unlock()
		time.Sleep(30 * time.Millisecond)
		mu.Lock()
		running--
		mu.Unlock()
		return nil, nil
	})

	g := NewGraph("wide")
	for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
		require.NoError(t, g.AddStep(Step{ID: id, AgentType: "work", Retry: noRetry()}))
	}

	id, err := h.engine.Submit(context.Background(), g, nil)
	require.NoError(t, err)

	wf := wfWait(t, h.engine, id)
	require.Equal(t, WorkflowCompleted, wf.Status)

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, peak, 2, "in-flight steps must stay within MaxParallelSteps")
}

func TestEngine_Cancel(t *testing.T) {
	t.Parallel()
	h := newHarness(t, DefaultEngineConfig())

	started := make(chan struct{}, 1)
	h.register(t, "block", func(ctx context.Context, in StepInput) (any, error) {
		started <- struct{}{}
		<-ctx.Done()
		return nil, types.NewError(types.ErrCancelled, "stopped").WithCause(ctx.Err())
	})
	h.register(t, "next", func(ctx context.Context, in StepInput) (any, error) {
		return "never", nil
	})

	g := NewGraph("cancellable")
	require.NoError(t, g.AddStep(Step{ID: "a", AgentType: "block", Retry: noRetry()}))
	require.NoError(t, g.AddStep(Step{ID: "b", AgentType: "next", DependsOn: []string{"a"}, Retry: noRetry()}))

	id, err := h.engine.Submit(context.Background(), g, nil)
	require.NoError(t, err)
	<-started

	require.NoError(t, h.engine.Cancel(context.Background(), id))

	wf := wfWait(t, h.engine, id)
	assert.Equal(t, WorkflowCancelled, wf.Status)
	assert.Equal(t, StepCancelled, wf.Steps["a"].Status)
	assert.Equal(t, StepCancelled, wf.Steps["b"].Status)
}

func TestEngine_PauseResume(t *testing.T) {
	t.Parallel()
	h := newHarness(t, DefaultEngineConfig())

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	h.register(t, "gate", func(ctx context.Context, in StepInput) (any, error) {
		started <- struct{}{}
		<-release
		return "gated", nil
	})
	h.register(t, "next", func(ctx context.Context, in StepInput) (any, error) {
		return "done", nil
	})

	g := NewGraph("pausable")
	require.NoError(t, g.AddStep(Step{ID: "a", AgentType: "gate", Retry: noRetry()}))
	require.NoError(t, g.AddStep(Step{ID: "b", AgentType: "next", DependsOn: []string{"a"}, Retry: noRetry()}))

	id, err := h.engine.Submit(context.Background(), g, nil)
	require.NoError(t, err)
	<-started

	require.NoError(t, h.engine.Pause(context.Background(), id))
	close(release)

	// The running step finishes, but nothing new dispatches while paused.
	require.Eventually(t, func() bool {
		wf, err := h.engine.Status(context.Background(), id)
		return err == nil && wf.Steps["a"].Status == StepCompleted
	}, 3*time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	wf, err := h.engine.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, WorkflowPaused, wf.Status)
	assert.Equal(t, StepPending, wf.Steps["b"].Status)

	require.NoError(t, h.engine.Resume(context.Background(), id))
	wf = wfWait(t, h.engine, id)
	assert.Equal(t, WorkflowCompleted, wf.Status)
	assert.Equal(t, StepCompleted, wf.Steps["b"].Status)
}

func TestEngine_ConditionalPattern(t *testing.T) {
	t.Parallel()
	h := newHarness(t, DefaultEngineConfig())

	h.register(t, "classify", func(ctx context.Context, in StepInput) (any, error) {
		return map[string]any{"score": 0.9}, nil
	})
	h.register(t, "approve", func(ctx context.Context, in StepInput) (any, error) {
		return "approved", nil
	})
	h.register(t, "reject", func(ctx context.Context, in StepInput) (any, error) {
		return "rejected", nil
	})
	h.register(t, "notify", func(ctx context.Context, in StepInput) (any, error) {
		return in.Deps, nil
	})

	highScore := func(result any) bool {
		m, ok := result.(map[string]any)
		return ok && m["score"].(float64) > 0.5
	}

	g, err := Conditional("review",
		Step{ID: "classify", AgentType: "classify", Retry: noRetry()},
		highScore,
		Step{ID: "approve", AgentType: "approve", Retry: noRetry()},
		Step{ID: "reject", AgentType: "reject", Retry: noRetry()},
		Step{ID: "notify", AgentType: "notify", Retry: noRetry()},
	)
	require.NoError(t, err)

	id, err := h.engine.Submit(context.Background(), g, nil)
	require.NoError(t, err)

	wf := wfWait(t, h.engine, id)
	assert.Equal(t, WorkflowCompleted, wf.Status)
	assert.Equal(t, StepCompleted, wf.Steps["approve"].Status)
	assert.Equal(t, StepSkipped, wf.Steps["reject"].Status)
	assert.Equal(t, StepCompleted, wf.Steps["notify"].Status, "merge tolerates the skipped branch")

	deps := wf.Steps["notify"].Result.(map[string]any)
	assert.Equal(t, "approved", deps["approve"])
	_, hasReject := deps["reject"]
	assert.False(t, hasReject, "skipped branches contribute no output")
}

func TestEngine_MapReducePattern(t *testing.T) {
	t.Parallel()
	h := newHarness(t, DefaultEngineConfig())

	h.register(t, "double", func(ctx context.Context, in StepInput) (any, error) {
		return in.Input.(int) * 2, nil
	})
	h.register(t, "sum", func(ctx context.Context, in StepInput) (any, error) {
		total := 0
		for _, v := range in.Deps {
			total += v.(int)
		}
		return total, nil
	})

	items := []any{1, 2, 3}
	g, err := MapReduce("doubling", "map", items,
		func(index int, item any) Step {
			return Step{AgentType: "double", Retry: noRetry()}
		},
		Step{ID: "reduce", AgentType: "sum", Retry: noRetry()},
	)
	require.NoError(t, err)

	id, err := h.engine.Submit(context.Background(), g, nil)
	require.NoError(t, err)

	wf := wfWait(t, h.engine, id)
	require.Equal(t, WorkflowCompleted, wf.Status)
	assert.Equal(t, 12, wf.Steps["reduce"].Result)
}

func TestEngine_StepRetrySucceeds(t *testing.T) {
	t.Parallel()
	h := newHarness(t, DefaultEngineConfig())

	var mu sync.Mutex
	attempts := 0
	h.register(t, "flaky", func(ctx context.Context, in StepInput) (any, error) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n < 3 {
			return nil, types.NewError(types.ErrAgentExecution, "transient").WithRetryable(true)
		}
		return "recovered", nil
	})

	g := NewGraph("flaky")
	require.NoError(t, g.AddStep(Step{
		ID:        "a",
		AgentType: "flaky",
		Retry:     retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2},
	}))

	id, err := h.engine.Submit(context.Background(), g, nil)
	require.NoError(t, err)

	wf := wfWait(t, h.engine, id)
	assert.Equal(t, WorkflowCompleted, wf.Status)
	assert.Equal(t, "recovered", wf.Steps["a"].Result)
	assert.Equal(t, 3, wf.Steps["a"].Attempts)
}

func TestEngine_SeededContextFeedsSteps(t *testing.T) {
	t.Parallel()
	h := newHarness(t, DefaultEngineConfig())

	h.register(t, "reader", func(ctx context.Context, in StepInput) (any, error) {
		return in.Input, nil
	})

	g := NewGraph("seeded")
	require.NoError(t, g.AddStep(Step{ID: "a", AgentType: "reader", Input: "static", Retry: noRetry()}))

	id, err := h.engine.Submit(context.Background(), g, map[string]any{"params.query": "weather"})
	require.NoError(t, err)

	wf := wfWait(t, h.engine, id)
	require.Equal(t, WorkflowCompleted, wf.Status)

	snap, err := h.engine.ContextSnapshot(id)
	require.NoError(t, err)
	assert.Equal(t, "weather", snap["params"].(map[string]any)["query"])
}

func TestEngine_StatusFallsBackToStore(t *testing.T) {
	t.Parallel()
	h := newHarness(t, DefaultEngineConfig())

	_, err := h.engine.Status(context.Background(), "ghost")
	require.Error(t, err)
	assert.Equal(t, types.ErrNotFound, types.GetErrorCode(err))
}

func TestEngine_DeferredStepRunsWhenQueueFrees(t *testing.T) {
	t.Parallel()

	st := store.NewMemoryStore()
	queueCfg := process.DefaultConfig()
	queueCfg.MaxConcurrent = 1
	queueCfg.MaxQueueSize = 0
	queue := process.NewManager(queueCfg, st, nil, nil, nil)
	t.Cleanup(queue.Close)

	// A direct submission holds the only slot, so the workflow's first
	// dispatch attempt is rejected by the queue.
	release := make(chan struct{})
	_, err := queue.Submit(context.Background(), func(ctx context.Context) (any, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil, nil
	}, 50)
	require.NoError(t, err)

	agents := types.NewStaticAgentRegistry()
	require.NoError(t, agents.Register("echo", &types.ExecutorFunc{
		AgentID: "echo",
		Fn:      func(ctx context.Context, input any) (any, error) { return "ok", nil },
	}))
	engine := NewEngine(DefaultEngineConfig(), queue, breaker.NewRegistry(breaker.DefaultConfig(), nil, nil), agents, st, nil, nil, nil)

	g := NewGraph("deferred")
	require.NoError(t, g.AddStep(Step{ID: "only", AgentType: "echo", Retry: noRetry()}))

	id, err := engine.Submit(context.Background(), g, nil)
	require.NoError(t, err)

	// Free the slot while nothing in the run is in flight; the run must
	// recover without an external step transition.
	time.Sleep(100 * time.Millisecond)
	close(release)

	wf := wfWait(t, engine, id)
	assert.Equal(t, WorkflowCompleted, wf.Status)
	assert.Equal(t, "ok", wf.Steps["only"].Result)
}

func TestEngine_EvictsTerminalRuns(t *testing.T) {
	t.Parallel()
	cfg := DefaultEngineConfig()
	cfg.WorkflowTTL = 20 * time.Millisecond
	h := newHarness(t, cfg)

	h.register(t, "echo", func(ctx context.Context, in StepInput) (any, error) {
		return "ok", nil
	})

	g := NewGraph("short-lived")
	require.NoError(t, g.AddStep(Step{ID: "a", AgentType: "echo", Retry: noRetry()}))
	id, err := h.engine.Submit(context.Background(), g, nil)
	require.NoError(t, err)
	wfWait(t, h.engine, id)

	// Once both the in-memory run and the stored record pass the retention
	// window the workflow is gone.
	require.Eventually(t, func() bool {
		_, serr := h.engine.Status(context.Background(), id)
		return types.GetErrorCode(serr) == types.ErrNotFound
	}, 3*time.Second, 10*time.Millisecond)
}

func TestEngine_CancelledStepEmitsDistinctEvent(t *testing.T) {
	t.Parallel()

	sink := types.NewChanSink(64)
	st := store.NewMemoryStore()
	queue := process.NewManager(process.DefaultConfig(), st, nil, nil, nil)
	t.Cleanup(queue.Close)

	agents := types.NewStaticAgentRegistry()
	require.NoError(t, agents.Register("flaky", &types.ExecutorFunc{
		AgentID: "flaky",
		Fn: func(ctx context.Context, input any) (any, error) {
			return nil, types.NewError(types.ErrCancelled, "upstream gave up")
		},
	}))
	engine := NewEngine(DefaultEngineConfig(), queue, breaker.NewRegistry(breaker.DefaultConfig(), nil, nil), agents, st, sink, nil, nil)

	g := NewGraph("cancelled-step")
	require.NoError(t, g.AddStep(Step{ID: "a", AgentType: "flaky", Retry: noRetry()}))
	id, err := engine.Submit(context.Background(), g, nil)
	require.NoError(t, err)

	wf := wfWait(t, engine, id)
	assert.Equal(t, StepCancelled, wf.Steps["a"].Status)

	var got []types.EventType
	for drained := false; !drained; {
		select {
		case ev := <-sink.Events():
			got = append(got, ev.Type)
		default:
			drained = true
		}
	}
	assert.Contains(t, got, types.EventStepCancelled)
	assert.NotContains(t, got, types.EventStepFailed)
}
