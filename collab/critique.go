package collab

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/conductor/breaker"
	"github.com/BaSui01/conductor/internal/metrics"
	"github.com/BaSui01/conductor/internal/retry"
	"github.com/BaSui01/conductor/internal/store"
	"github.com/BaSui01/conductor/process"
	"github.com/BaSui01/conductor/types"
)

const critiqueKeyPrefix = "conductor:critique:"

// HardIterationCap bounds self-critique loops regardless of configuration.
const HardIterationCap = 10

// Criterion is one weighted quality dimension.
type Criterion struct {
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Weight      float64 `json:"weight"`
}

// TerminationReason explains why a critique loop stopped.
type TerminationReason string

const (
	ReasonThresholdMet  TerminationReason = "threshold_met"
	ReasonMaxIterations TerminationReason = "max_iterations"
)

// GenerationRequest is what the generator agent receives each iteration.
type GenerationRequest struct {
	Input     any    `json:"input"`
	Prompt    string `json:"prompt,omitempty"`
	Iteration int    `json:"iteration"`
}

// EvaluationRequest is what the evaluator agent receives per criterion.
type EvaluationRequest struct {
	Candidate any       `json:"candidate"`
	Criterion Criterion `json:"criterion"`
}

// Evaluation is the evaluator's verdict for one criterion.
type Evaluation struct {
	Score    float64 `json:"score"`
	Feedback string  `json:"feedback,omitempty"`
}

// Iteration records one generate-evaluate cycle.
type Iteration struct {
	Number        int                   `json:"number"`
	Candidate     any                   `json:"candidate"`
	Scores        map[string]Evaluation `json:"scores"`
	WeightedScore float64               `json:"weighted_score"`
	Critique      string                `json:"critique,omitempty"`
}

// CritiqueSession is the full audit record of one self-critique loop.
type CritiqueSession struct {
	ID             string            `json:"id"`
	Input          any               `json:"input"`
	Criteria       []Criterion       `json:"criteria"`
	Iterations     []Iteration       `json:"iterations"`
	FinalCandidate any               `json:"final_candidate"`
	FinalScore     float64           `json:"final_score"`
	Reason         TerminationReason `json:"reason"`
	CreatedAt      time.Time         `json:"created_at"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
}

// CritiqueConfig configures a self-critique run.
type CritiqueConfig struct {
	// GeneratorCapability names the agent that produces candidates.
	GeneratorCapability string `yaml:"generator_capability" json:"generator_capability"`
	// EvaluatorCapability names the agent that scores criteria.
	EvaluatorCapability string `yaml:"evaluator_capability" json:"evaluator_capability"`
	// MaxIterations bounds the loop; clamped to HardIterationCap.
	MaxIterations int `yaml:"max_iterations" json:"max_iterations"`
	// QualityThreshold stops the loop once the weighted score reaches it.
	QualityThreshold float64 `yaml:"quality_threshold" json:"quality_threshold"`
	// Retry applies to every generator and evaluator call.
	Retry retry.Policy `yaml:"retry" json:"retry"`
	// Priority is the execution queue priority for all calls.
	Priority int `yaml:"priority" json:"priority"`
	// SessionTTL controls retention of the persisted session record.
	SessionTTL time.Duration `yaml:"session_ttl" json:"session_ttl"`
}

// DefaultCritiqueConfig returns the default critique configuration.
func DefaultCritiqueConfig() CritiqueConfig {
	return CritiqueConfig{
		MaxIterations:    3,
		QualityThreshold: 0.8,
		Retry:            retry.DefaultPolicy(),
		Priority:         50,
		SessionTTL:       24 * time.Hour,
	}
}

// Critique runs iterative generate-evaluate-improve loops.
type Critique struct {
	invoke    invoker
	store     store.Store
	sink      types.EventSink
	collector *metrics.Collector
	logger    *zap.Logger
}

// NewCritique creates the self-critique engine.
func NewCritique(
	queue *process.Manager,
	breakers *breaker.Registry,
	agents types.AgentRegistry,
	st store.Store,
	sink types.EventSink,
	collector *metrics.Collector,
	logger *zap.Logger,
) *Critique {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sink == nil {
		sink = types.NopSink{}
	}
	logger = logger.With(zap.String("component", "critique"))
	return &Critique{
		invoke:    invoker{queue: queue, breakers: breakers, agents: agents, logger: logger},
		store:     st,
		sink:      sink,
		collector: collector,
		logger:    logger,
	}
}

// Run executes the loop to completion and returns the session. Per-iteration
// agent failures abort the run; the partial session is still persisted for
// audit.
func (c *Critique) Run(ctx context.Context, config CritiqueConfig, input any, criteria []Criterion) (*CritiqueSession, error) {
	if config.GeneratorCapability == "" || config.EvaluatorCapability == "" {
		return nil, types.NewError(types.ErrValidation,
			"critique needs generator and evaluator capabilities")
	}
	if len(criteria) == 0 {
		return nil, types.NewError(types.ErrValidation, "critique needs at least one criterion")
	}
	totalWeight := 0.0
	for _, cr := range criteria {
		if cr.Weight <= 0 {
			return nil, types.NewError(types.ErrValidation,
				fmt.Sprintf("criterion %s has non-positive weight", cr.Name))
		}
		totalWeight += cr.Weight
	}
	maxIterations := config.MaxIterations
	if maxIterations < 1 {
		maxIterations = 1
	}
	if maxIterations > HardIterationCap {
		maxIterations = HardIterationCap
	}

	session := &CritiqueSession{
		ID:        uuid.New().String(),
		Input:     input,
		Criteria:  criteria,
		CreatedAt: time.Now(),
	}
	c.emit(types.EventCritiqueStarted, session.ID, map[string]any{
		"max_iterations": maxIterations,
		"threshold":      config.QualityThreshold,
	})

	prompt := ""
	for number := 1; number <= maxIterations; number++ {
		candidate, err := c.invoke.call(ctx, config.GeneratorCapability, GenerationRequest{
			Input:     input,
			Prompt:    prompt,
			Iteration: number,
		}, config.Retry, config.Priority)
		if err != nil {
			c.persist(ctx, session, config.SessionTTL)
			return session, err
		}

		iteration := Iteration{
			Number:    number,
			Candidate: candidate,
			Scores:    make(map[string]Evaluation, len(criteria)),
		}
		weighted := 0.0
		for _, criterion := range criteria {
			raw, err := c.invoke.call(ctx, config.EvaluatorCapability, EvaluationRequest{
				Candidate: candidate,
				Criterion: criterion,
			}, config.Retry, config.Priority)
			if err != nil {
				c.persist(ctx, session, config.SessionTTL)
				return session, err
			}
			eval, err := parseEvaluation(raw)
			if err != nil {
				c.persist(ctx, session, config.SessionTTL)
				return session, err
			}
			iteration.Scores[criterion.Name] = eval
			weighted += eval.Score * criterion.Weight
		}
		iteration.WeightedScore = weighted / totalWeight
		iteration.Critique = improvementPrompt(candidate, criteria, iteration.Scores)
		session.Iterations = append(session.Iterations, iteration)

		c.emit(types.EventCritiqueIteration, session.ID, map[string]any{
			"iteration":      number,
			"weighted_score": iteration.WeightedScore,
		})
		c.logger.Debug("critique iteration",
			zap.String("session_id", session.ID),
			zap.Int("iteration", number),
			zap.Float64("weighted_score", iteration.WeightedScore),
		)

		session.FinalCandidate = candidate
		session.FinalScore = iteration.WeightedScore

		if iteration.WeightedScore >= config.QualityThreshold {
			session.Reason = ReasonThresholdMet
			break
		}
		if number == maxIterations {
			session.Reason = ReasonMaxIterations
			break
		}
		prompt = iteration.Critique
	}

	now := time.Now()
	session.CompletedAt = &now
	if c.collector != nil {
		c.collector.ObserveCritiqueSession(len(session.Iterations))
	}
	c.persist(ctx, session, config.SessionTTL)
	c.emit(types.EventCritiqueCompleted, session.ID, map[string]any{
		"reason":     string(session.Reason),
		"iterations": len(session.Iterations),
		"score":      session.FinalScore,
	})
	return session, nil
}

// Session loads a persisted session record.
func (c *Critique) Session(ctx context.Context, id string) (*CritiqueSession, error) {
	var session CritiqueSession
	if err := store.GetJSON(ctx, c.store, critiqueKeyPrefix+id, &session); err != nil {
		if err == store.ErrKeyNotFound {
			return nil, types.NewError(types.ErrNotFound, "critique session "+id+" not found")
		}
		return nil, types.NewError(types.ErrStoreUnavailable, "read critique session").WithCause(err)
	}
	return &session, nil
}

func (c *Critique) persist(ctx context.Context, session *CritiqueSession, ttl time.Duration) {
	if c.store == nil {
		return
	}
	if err := store.SetJSON(ctx, c.store, critiqueKeyPrefix+session.ID, session, ttl); err != nil {
		c.logger.Warn("persist critique session failed",
			zap.String("session_id", session.ID),
			zap.Error(err),
		)
	}
}

func (c *Critique) emit(event types.EventType, sessionID string, payload map[string]any) {
	c.sink.Emit(context.Background(), types.Event{
		Type:      event,
		SubjectID: sessionID,
		Timestamp: time.Now(),
		Payload:   payload,
	})
}

// parseEvaluation accepts the evaluator shapes seen in practice: the typed
// struct, a bare score, or a loose map.
func parseEvaluation(raw any) (Evaluation, error) {
	switch v := raw.(type) {
	case Evaluation:
		return clampEvaluation(v), nil
	case *Evaluation:
		return clampEvaluation(*v), nil
	case float64:
		return clampEvaluation(Evaluation{Score: v}), nil
	case map[string]any:
		eval := Evaluation{}
		if score, ok := v["score"].(float64); ok {
			eval.Score = score
		} else {
			return Evaluation{}, types.NewError(types.ErrValidation,
				"evaluator response map has no numeric score")
		}
		if feedback, ok := v["feedback"].(string); ok {
			eval.Feedback = feedback
		}
		return clampEvaluation(eval), nil
	default:
		return Evaluation{}, types.NewError(types.ErrValidation,
			fmt.Sprintf("unsupported evaluator response type %T", raw))
	}
}

func clampEvaluation(eval Evaluation) Evaluation {
	if eval.Score < 0 {
		eval.Score = 0
	}
	if eval.Score > 1 {
		eval.Score = 1
	}
	return eval
}

// improvementPrompt synthesizes the next-iteration prompt from the prior
// candidate and the per-criterion feedback.
func improvementPrompt(candidate any, criteria []Criterion, scores map[string]Evaluation) string {
	var b strings.Builder
	b.WriteString("Improve the previous answer.\n\nPrevious answer:\n")
	fmt.Fprintf(&b, "%v\n\nFeedback:\n", candidate)
	for _, criterion := range criteria {
		eval := scores[criterion.Name]
		fmt.Fprintf(&b, "- %s (score %.2f)", criterion.Name, eval.Score)
		if eval.Feedback != "" {
			fmt.Fprintf(&b, ": %s", eval.Feedback)
		}
		b.WriteString("\n")
	}
	return b.String()
}
