package collab

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/conductor/breaker"
	"github.com/BaSui01/conductor/internal/metrics"
	"github.com/BaSui01/conductor/internal/retry"
	"github.com/BaSui01/conductor/internal/store"
	"github.com/BaSui01/conductor/process"
	"github.com/BaSui01/conductor/types"
)

const discussionKeyPrefix = "conductor:discussion:"

// ConsensusStrategy decides whether a round's contributions represent
// sufficient agreement.
type ConsensusStrategy string

const (
	// StrategyUnanimous converges only when every participant agrees.
	StrategyUnanimous ConsensusStrategy = "unanimous"
	// StrategyMajority converges when strictly more than half agree.
	StrategyMajority ConsensusStrategy = "majority"
	// StrategyWeighted converges when the weighted agreement fraction
	// reaches the convergence threshold.
	StrategyWeighted ConsensusStrategy = "weighted"
	// StrategyFacilitator lets the facilitator's signal alone decide.
	StrategyFacilitator ConsensusStrategy = "facilitator"
)

// Participant is one discussion member.
type Participant struct {
	ID string `json:"id"`
	// Role is included in every contribution request.
	Role string `json:"role"`
	// Weight is the participant's influence under the weighted strategy.
	Weight float64 `json:"weight"`
	// Capability names the agent that produces this participant's
	// contributions.
	Capability string `json:"capability"`
}

// ContributionRequest is what each participant's agent receives per round.
type ContributionRequest struct {
	Topic         string `json:"topic"`
	Round         int    `json:"round"`
	ParticipantID string `json:"participant_id"`
	Role          string `json:"role"`
	// Candidate is the previous round's synthesized candidate, nil in
	// round one.
	Candidate any `json:"candidate,omitempty"`
}

// ContributionResponse is the typed reply a participant agent may return.
// Loose maps with "content"/"agree" keys are also accepted.
type ContributionResponse struct {
	Content any  `json:"content"`
	Agree   bool `json:"agree"`
}

// SynthesisRequest is what the synthesis agent receives per round.
type SynthesisRequest struct {
	Topic         string         `json:"topic"`
	Round         int            `json:"round"`
	Contributions []Contribution `json:"contributions"`
}

// Contribution records one participant's input in one round.
type Contribution struct {
	ParticipantID string `json:"participant_id"`
	Content       any    `json:"content,omitempty"`
	Agree         bool   `json:"agree"`
	Error         string `json:"error,omitempty"`
}

// Round records one full discussion round.
type Round struct {
	Number         int            `json:"number"`
	Contributions  []Contribution `json:"contributions"`
	Candidate      any            `json:"candidate"`
	ConsensusScore float64        `json:"consensus_score"`
	Converged      bool           `json:"converged"`
}

// DiscussionSession is the full audit record of one discussion.
type DiscussionSession struct {
	ID             string        `json:"id"`
	Topic          string        `json:"topic"`
	Participants   []Participant `json:"participants"`
	Rounds         []Round       `json:"rounds"`
	FinalCandidate any           `json:"final_candidate"`
	Converged      bool          `json:"converged"`
	Reason         string        `json:"reason"`
	CreatedAt      time.Time     `json:"created_at"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty"`
}

// DiscussionConfig configures one discussion.
type DiscussionConfig struct {
	// SynthesisCapability names the agent that combines contributions.
	SynthesisCapability string `yaml:"synthesis_capability" json:"synthesis_capability"`
	// Strategy is the consensus rule. Defaults to majority.
	Strategy ConsensusStrategy `yaml:"strategy" json:"strategy"`
	// MaxRounds bounds the discussion.
	MaxRounds int `yaml:"max_rounds" json:"max_rounds"`
	// ConvergenceThreshold is the weighted-agreement fraction required by
	// the weighted strategy.
	ConvergenceThreshold float64 `yaml:"convergence_threshold" json:"convergence_threshold"`
	// FacilitatorID names the participant whose signal decides under the
	// facilitator strategy.
	FacilitatorID string `yaml:"facilitator_id" json:"facilitator_id"`
	// FacilitatorFallback is applied for a round in which the facilitator
	// fails to respond. Defaults to majority.
	FacilitatorFallback ConsensusStrategy `yaml:"facilitator_fallback" json:"facilitator_fallback"`
	// Retry applies to every participant and synthesis call.
	Retry retry.Policy `yaml:"retry" json:"retry"`
	// Priority is the execution queue priority for all calls.
	Priority int `yaml:"priority" json:"priority"`
	// SessionTTL controls retention of the persisted session record.
	SessionTTL time.Duration `yaml:"session_ttl" json:"session_ttl"`
}

// DefaultDiscussionConfig returns the default discussion configuration.
func DefaultDiscussionConfig() DiscussionConfig {
	return DiscussionConfig{
		Strategy:             StrategyMajority,
		MaxRounds:            5,
		ConvergenceThreshold: 0.5,
		FacilitatorFallback:  StrategyMajority,
		Retry:                retry.DefaultPolicy(),
		Priority:             50,
		SessionTTL:           24 * time.Hour,
	}
}

// Discussion runs multi-participant discussion rounds toward consensus.
type Discussion struct {
	invoke    invoker
	store     store.Store
	sink      types.EventSink
	collector *metrics.Collector
	logger    *zap.Logger
}

// NewDiscussion creates the discussion engine.
func NewDiscussion(
	queue *process.Manager,
	breakers *breaker.Registry,
	agents types.AgentRegistry,
	st store.Store,
	sink types.EventSink,
	collector *metrics.Collector,
	logger *zap.Logger,
) *Discussion {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sink == nil {
		sink = types.NopSink{}
	}
	logger = logger.With(zap.String("component", "discussion"))
	return &Discussion{
		invoke:    invoker{queue: queue, breakers: breakers, agents: agents, logger: logger},
		store:     st,
		sink:      sink,
		collector: collector,
		logger:    logger,
	}
}

// Run executes discussion rounds until consensus or round exhaustion.
// Exhaustion is non-fatal: the session with the last synthesized candidate is
// returned alongside a CONSENSUS_NOT_REACHED error.
func (d *Discussion) Run(ctx context.Context, config DiscussionConfig, topic string, participants []Participant) (*DiscussionSession, error) {
	if err := validateDiscussion(config, participants); err != nil {
		return nil, err
	}
	if config.Strategy == "" {
		config.Strategy = StrategyMajority
	}
	if config.FacilitatorFallback == "" {
		config.FacilitatorFallback = StrategyMajority
	}
	if config.ConvergenceThreshold <= 0 {
		config.ConvergenceThreshold = 0.5
	}
	if config.MaxRounds < 1 {
		config.MaxRounds = 1
	}

	session := &DiscussionSession{
		ID:           uuid.New().String(),
		Topic:        topic,
		Participants: participants,
		CreatedAt:    time.Now(),
	}
	d.emit(types.EventDiscussionStarted, session.ID, map[string]any{
		"topic":        topic,
		"participants": len(participants),
		"strategy":     string(config.Strategy),
	})

	var candidate any
	for number := 1; number <= config.MaxRounds; number++ {
		contributions, err := d.collectContributions(ctx, config, session, number, candidate)
		if err != nil {
			d.persist(ctx, session, config.SessionTTL)
			return session, err
		}

		synthesized, err := d.invoke.call(ctx, config.SynthesisCapability, SynthesisRequest{
			Topic:         topic,
			Round:         number,
			Contributions: contributions,
		}, config.Retry, config.Priority)
		if err != nil {
			d.persist(ctx, session, config.SessionTTL)
			return session, err
		}
		candidate = synthesized

		score, converged := evaluateConsensus(config, participants, contributions)
		round := Round{
			Number:         number,
			Contributions:  contributions,
			Candidate:      candidate,
			ConsensusScore: score,
			Converged:      converged,
		}
		session.Rounds = append(session.Rounds, round)
		session.FinalCandidate = candidate

		d.emit(types.EventDiscussionRound, session.ID, map[string]any{
			"round":     number,
			"score":     score,
			"converged": converged,
		})
		d.logger.Debug("discussion round",
			zap.String("session_id", session.ID),
			zap.Int("round", number),
			zap.Float64("score", score),
			zap.Bool("converged", converged),
		)

		if converged {
			session.Converged = true
			session.Reason = "consensus"
			break
		}
	}

	now := time.Now()
	session.CompletedAt = &now
	if d.collector != nil {
		d.collector.ObserveDiscussionSession(len(session.Rounds))
	}

	if !session.Converged {
		session.Reason = "max_rounds"
		d.persist(ctx, session, config.SessionTTL)
		d.emit(types.EventDiscussionExhausted, session.ID, map[string]any{
			"rounds": len(session.Rounds),
		})
		return session, types.NewError(types.ErrConsensusNotReached,
			fmt.Sprintf("no consensus after %d rounds", len(session.Rounds)))
	}

	d.persist(ctx, session, config.SessionTTL)
	d.emit(types.EventDiscussionConverged, session.ID, map[string]any{
		"rounds": len(session.Rounds),
		"score":  session.Rounds[len(session.Rounds)-1].ConsensusScore,
	})
	return session, nil
}

// Session loads a persisted session record.
func (d *Discussion) Session(ctx context.Context, id string) (*DiscussionSession, error) {
	var session DiscussionSession
	if err := store.GetJSON(ctx, d.store, discussionKeyPrefix+id, &session); err != nil {
		if err == store.ErrKeyNotFound {
			return nil, types.NewError(types.ErrNotFound, "discussion session "+id+" not found")
		}
		return nil, types.NewError(types.ErrStoreUnavailable, "read discussion session").WithCause(err)
	}
	return &session, nil
}

// collectContributions fans out to all participants concurrently. The bounded
// execution queue still caps true parallelism; errgroup only collects. A
// participant failure is recorded in its contribution, not fatal, unless
// every participant failed.
func (d *Discussion) collectContributions(ctx context.Context, config DiscussionConfig, session *DiscussionSession, round int, candidate any) ([]Contribution, error) {
	contributions := make([]Contribution, len(session.Participants))
	var mu sync.Mutex

	g, groupCtx := errgroup.WithContext(ctx)
	for i, participant := range session.Participants {
		g.Go(func() error {
			raw, err := d.invoke.call(groupCtx, participant.Capability, ContributionRequest{
				Topic:         session.Topic,
				Round:         round,
				ParticipantID: participant.ID,
				Role:          participant.Role,
				Candidate:     candidate,
			}, config.Retry, config.Priority)

			contribution := Contribution{ParticipantID: participant.ID}
			if err != nil {
				contribution.Error = err.Error()
				d.logger.Warn("participant contribution failed",
					zap.String("session_id", session.ID),
					zap.String("participant", participant.ID),
					zap.Error(err),
				)
			} else {
				contribution.Content, contribution.Agree = parseContribution(raw)
			}

			mu.Lock()
			contributions[i] = contribution
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	failed := 0
	for _, contribution := range contributions {
		if contribution.Error != "" {
			failed++
		}
	}
	if failed == len(contributions) {
		return nil, types.NewError(types.ErrAgentExecution,
			fmt.Sprintf("all %d participants failed in round %d", failed, round))
	}
	return contributions, nil
}

// evaluateConsensus computes the round's agreement score and whether the
// configured strategy converges on it.
func evaluateConsensus(config DiscussionConfig, participants []Participant, contributions []Contribution) (float64, bool) {
	switch config.Strategy {
	case StrategyUnanimous:
		agree := 0
		for _, c := range contributions {
			if c.Error == "" && c.Agree {
				agree++
			}
		}
		score := float64(agree) / float64(len(contributions))
		return score, agree == len(contributions)

	case StrategyWeighted:
		totalWeight := 0.0
		agreeWeight := 0.0
		for i, c := range contributions {
			weight := participants[i].Weight
			if weight <= 0 {
				weight = 1
			}
			totalWeight += weight
			if c.Error == "" && c.Agree {
				agreeWeight += weight
			}
		}
		score := agreeWeight / totalWeight
		return score, score >= config.ConvergenceThreshold

	case StrategyFacilitator:
		for _, c := range contributions {
			if c.ParticipantID != config.FacilitatorID {
				continue
			}
			if c.Error != "" {
				// Facilitator did not respond this round: fall back.
				fallback := config
				fallback.Strategy = config.FacilitatorFallback
				if fallback.Strategy == StrategyFacilitator {
					fallback.Strategy = StrategyMajority
				}
				return evaluateConsensus(fallback, participants, contributions)
			}
			if c.Agree {
				return 1.0, true
			}
			return 0.0, false
		}
		return 0.0, false

	default: // majority
		agree := 0
		for _, c := range contributions {
			if c.Error == "" && c.Agree {
				agree++
			}
		}
		score := float64(agree) / float64(len(contributions))
		return score, agree*2 > len(contributions)
	}
}

// parseContribution extracts content and the agreement signal from a
// participant reply. Untyped replies default to agreement: a participant that
// answers without dissenting is counted as agreeing.
func parseContribution(raw any) (content any, agree bool) {
	switch v := raw.(type) {
	case ContributionResponse:
		return v.Content, v.Agree
	case *ContributionResponse:
		return v.Content, v.Agree
	case map[string]any:
		content = v
		if c, ok := v["content"]; ok {
			content = c
		}
		if a, ok := v["agree"].(bool); ok {
			return content, a
		}
		return content, true
	default:
		return raw, true
	}
}

func validateDiscussion(config DiscussionConfig, participants []Participant) error {
	if config.SynthesisCapability == "" {
		return types.NewError(types.ErrValidation, "discussion needs a synthesis capability")
	}
	if len(participants) == 0 {
		return types.NewError(types.ErrValidation, "discussion needs at least one participant")
	}
	seen := make(map[string]bool, len(participants))
	for _, p := range participants {
		if p.ID == "" || p.Capability == "" {
			return types.NewError(types.ErrValidation,
				"participants need an id and a capability")
		}
		if seen[p.ID] {
			return types.NewError(types.ErrValidation,
				fmt.Sprintf("duplicate participant id %s", p.ID))
		}
		seen[p.ID] = true
	}
	if config.Strategy == StrategyFacilitator {
		if config.FacilitatorID == "" || !seen[config.FacilitatorID] {
			return types.NewError(types.ErrValidation,
				"facilitator strategy needs a facilitator that is a participant")
		}
	}
	return nil
}

func (d *Discussion) persist(ctx context.Context, session *DiscussionSession, ttl time.Duration) {
	if d.store == nil {
		return
	}
	if err := store.SetJSON(ctx, d.store, discussionKeyPrefix+session.ID, session, ttl); err != nil {
		d.logger.Warn("persist discussion session failed",
			zap.String("session_id", session.ID),
			zap.Error(err),
		)
	}
}

func (d *Discussion) emit(event types.EventType, sessionID string, payload map[string]any) {
	d.sink.Emit(context.Background(), types.Event{
		Type:      event,
		SubjectID: sessionID,
		Timestamp: time.Now(),
		Payload:   payload,
	})
}
