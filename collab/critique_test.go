package collab

import (
	"context"
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

type collabHarness struct {
	queue    *process.Manager
	breakers *breaker.Registry
	agents   *types.StaticAgentRegistry
	store    *store.MemoryStore
}

func newCollabHarness(t *testing.T) *collabHarness {
	t.Helper()
	st := store.NewMemoryStore()
	queueCfg := process.DefaultConfig()
	queueCfg.MaxConcurrent = 50
	queueCfg.MaxQueueSize = 500
	queue := process.NewManager(queueCfg, st, nil, nil, nil)
	t.Cleanup(queue.Close)
	return &collabHarness{
		queue:    queue,
		breakers: breaker.NewRegistry(breaker.DefaultConfig(), nil, nil),
		agents:   types.NewStaticAgentRegistry(),
		store:    st,
	}
}

func (h *collabHarness) register(t *testing.T, capability string, fn func(ctx context.Context, input any) (any, error)) {
	t.Helper()
	require.NoError(t, h.agents.Register(capability, &types.ExecutorFunc{AgentID: capability, Fn: fn}))
}

func noRetryPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2}
}

// scriptedScores returns an evaluator that replays one score per iteration,
// keyed by the candidate's generation number.
func scriptedCritique(t *testing.T, h *collabHarness, scores []float64) {
	t.Helper()
	h.register(t, "generator", func(ctx context.Context, input any) (any, error) {
		req := input.(GenerationRequest)
		return req.Iteration, nil
	})
	h.register(t, "evaluator", func(ctx context.Context, input any) (any, error) {
		req := input.(EvaluationRequest)
		iteration := req.Candidate.(int)
		return Evaluation{Score: scores[iteration-1], Feedback: "tighten it"}, nil
	})
}

func critiqueConfig() CritiqueConfig {
	cfg := DefaultCritiqueConfig()
	cfg.GeneratorCapability = "generator"
	cfg.EvaluatorCapability = "evaluator"
	cfg.Retry = noRetryPolicy()
	return cfg
}

func TestCritique_StopsWhenThresholdMet(t *testing.T) {
	t.Parallel()
	h := newCollabHarness(t)
	scriptedCritique(t, h, []float64{0.60, 0.75, 0.82})

	c := NewCritique(h.queue, h.breakers, h.agents, h.store, nil, nil, nil)
	session, err := c.Run(context.Background(), critiqueConfig(), "draft an answer",
		[]Criterion{{Name: "clarity", Weight: 1}})
	require.NoError(t, err)

	assert.Equal(t, ReasonThresholdMet, session.Reason)
	assert.Len(t, session.Iterations, 3)
	assert.InDelta(t, 0.82, session.FinalScore, 1e-9)
	assert.Equal(t, 3, session.FinalCandidate)
	assert.NotNil(t, session.CompletedAt)
}

func TestCritique_StopsAtMaxIterations(t *testing.T) {
	t.Parallel()
	h := newCollabHarness(t)
	scriptedCritique(t, h, []float64{0.5, 0.6, 0.7})

	c := NewCritique(h.queue, h.breakers, h.agents, h.store, nil, nil, nil)
	session, err := c.Run(context.Background(), critiqueConfig(), "draft an answer",
		[]Criterion{{Name: "clarity", Weight: 1}})
	require.NoError(t, err)

	assert.Equal(t, ReasonMaxIterations, session.Reason)
	assert.Len(t, session.Iterations, 3)
	assert.InDelta(t, 0.7, session.FinalScore, 1e-9, "the best candidate so far is still returned")
}

func TestCritique_WeightedScoring(t *testing.T) {
	t.Parallel()
	h := newCollabHarness(t)

	h.register(t, "generator", func(ctx context.Context, input any) (any, error) {
		return "candidate", nil
	})
	h.register(t, "evaluator", func(ctx context.Context, input any) (any, error) {
		req := input.(EvaluationRequest)
		switch req.Criterion.Name {
		case "accuracy":
			return Evaluation{Score: 1.0}, nil
		default:
			return Evaluation{Score: 0.5}, nil
		}
	})

	cfg := critiqueConfig()
	cfg.MaxIterations = 1
	cfg.QualityThreshold = 0.9

	c := NewCritique(h.queue, h.breakers, h.agents, h.store, nil, nil, nil)
	session, err := c.Run(context.Background(), cfg, "input", []Criterion{
		{Name: "accuracy", Weight: 3},
		{Name: "style", Weight: 1},
	})
	require.NoError(t, err)

	// (1.0*3 + 0.5*1) / 4 = 0.875
	assert.InDelta(t, 0.875, session.FinalScore, 1e-9)
	assert.Equal(t, ReasonMaxIterations, session.Reason)
}

func TestCritique_FeedbackFlowsIntoNextPrompt(t *testing.T) {
	t.Parallel()
	h := newCollabHarness(t)

	var mu sync.Mutex
	var prompts []string
	h.register(t, "generator", func(ctx context.Context, input any) (any, error) {
		req := input.(GenerationRequest)
		mu.Lock()
		prompts = append(prompts, req.Prompt)
		mu.Unlock()
		return req.Iteration, nil
	})
	h.register(t, "evaluator", func(ctx context.Context, input any) (any, error) {
		return Evaluation{Score: 0.1, Feedback: "needs citations"}, nil
	})

	cfg := critiqueConfig()
	cfg.MaxIterations = 2

	c := NewCritique(h.queue, h.breakers, h.agents, h.store, nil, nil, nil)
	_, err := c.Run(context.Background(), cfg, "input", []Criterion{{Name: "rigor", Weight: 1}})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, prompts, 2)
	assert.Empty(t, prompts[0], "first generation has no critique yet")
	assert.Contains(t, prompts[1], "needs citations")
	assert.Contains(t, prompts[1], "rigor")
}

func TestCritique_HardIterationCap(t *testing.T) {
	t.Parallel()
	h := newCollabHarness(t)

	h.register(t, "generator", func(ctx context.Context, input any) (any, error) {
		return "candidate", nil
	})
	h.register(t, "evaluator", func(ctx context.Context, input any) (any, error) {
		return Evaluation{Score: 0.0}, nil
	})

	cfg := critiqueConfig()
	cfg.MaxIterations = 500

	c := NewCritique(h.queue, h.breakers, h.agents, h.store, nil, nil, nil)
	session, err := c.Run(context.Background(), cfg, "input", []Criterion{{Name: "q", Weight: 1}})
	require.NoError(t, err)
	assert.Len(t, session.Iterations, HardIterationCap)
}

func TestCritique_ValidationErrors(t *testing.T) {
	t.Parallel()
	h := newCollabHarness(t)
	c := NewCritique(h.queue, h.breakers, h.agents, h.store, nil, nil, nil)
	ctx := context.Background()

	_, err := c.Run(ctx, CritiqueConfig{}, "input", []Criterion{{Name: "q", Weight: 1}})
	assert.Equal(t, types.ErrValidation, types.GetErrorCode(err))

	_, err = c.Run(ctx, critiqueConfig(), "input", nil)
	assert.Equal(t, types.ErrValidation, types.GetErrorCode(err))

	_, err = c.Run(ctx, critiqueConfig(), "input", []Criterion{{Name: "q", Weight: 0}})
	assert.Equal(t, types.ErrValidation, types.GetErrorCode(err))
}

func TestCritique_GeneratorFailureReturnsPartialSession(t *testing.T) {
	t.Parallel()
	h := newCollabHarness(t)

	h.register(t, "generator", func(ctx context.Context, input any) (any, error) {
		return nil, types.NewError(types.ErrAgentExecution, "model unavailable")
	})
	h.register(t, "evaluator", func(ctx context.Context, input any) (any, error) {
		return Evaluation{Score: 1}, nil
	})

	c := NewCritique(h.queue, h.breakers, h.agents, h.store, nil, nil, nil)
	session, err := c.Run(context.Background(), critiqueConfig(), "input",
		[]Criterion{{Name: "q", Weight: 1}})
	require.Error(t, err)
	require.NotNil(t, session, "the partial session is returned for audit")
	assert.Empty(t, session.Iterations)

	// The partial record is also persisted.
	loaded, err := c.Session(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, session.ID, loaded.ID)
}

func TestCritique_SessionLoadAndMissing(t *testing.T) {
	t.Parallel()
	h := newCollabHarness(t)
	scriptedCritique(t, h, []float64{0.9})

	c := NewCritique(h.queue, h.breakers, h.agents, h.store, nil, nil, nil)
	session, err := c.Run(context.Background(), critiqueConfig(), "input",
		[]Criterion{{Name: "q", Weight: 1}})
	require.NoError(t, err)

	loaded, err := c.Session(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, session.FinalScore, loaded.FinalScore)
	assert.Equal(t, session.Reason, loaded.Reason)

	_, err = c.Session(context.Background(), "ghost")
	require.Error(t, err)
	assert.Equal(t, types.ErrNotFound, types.GetErrorCode(err))
}

func TestParseEvaluation_Shapes(t *testing.T) {
	t.Parallel()

	eval, err := parseEvaluation(Evaluation{Score: 0.5, Feedback: "fine"})
	require.NoError(t, err)
	assert.Equal(t, 0.5, eval.Score)

	eval, err = parseEvaluation(0.7)
	require.NoError(t, err)
	assert.Equal(t, 0.7, eval.Score)

	eval, err = parseEvaluation(map[string]any{"score": 0.3, "feedback": "meh"})
	require.NoError(t, err)
	assert.Equal(t, 0.3, eval.Score)
	assert.Equal(t, "meh", eval.Feedback)

	eval, err = parseEvaluation(1.7)
	require.NoError(t, err)
	assert.Equal(t, 1.0, eval.Score, "scores clamp to [0,1]")

	_, err = parseEvaluation("not a score")
	require.Error(t, err)
	_, err = parseEvaluation(map[string]any{"feedback": "no score"})
	require.Error(t, err)
}
