// Package breaker implements a per-service circuit breaker guarding outbound
// agent calls, plus the explicit registry that owns every breaker instance.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/conductor/internal/metrics"
	"github.com/BaSui01/conductor/types"
)

// State is the circuit breaker state.
type State int

const (
	// StateClosed lets calls pass through and tracks consecutive failures.
	StateClosed State = iota
	// StateOpen rejects calls immediately.
	StateOpen
	// StateHalfOpen lets a limited number of trial calls through.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config configures a circuit breaker.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit.
	FailureThreshold int `json:"failure_threshold" yaml:"failure_threshold"`
	// ResetTimeout is how long the circuit stays open before allowing trial calls.
	ResetTimeout time.Duration `json:"reset_timeout" yaml:"reset_timeout"`
	// SuccessThreshold is the number of consecutive half-open successes that closes the circuit.
	SuccessThreshold int `json:"success_threshold" yaml:"success_threshold"`
	// HalfOpenMaxProbes caps concurrent trial calls while half-open.
	HalfOpenMaxProbes int `json:"half_open_max_probes" yaml:"half_open_max_probes"`
	// CallTimeout bounds each guarded call independently of breaker state.
	CallTimeout time.Duration `json:"call_timeout" yaml:"call_timeout"`
}

// DefaultConfig returns the default breaker configuration.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:  5,
		ResetTimeout:      30 * time.Second,
		SuccessThreshold:  2,
		HalfOpenMaxProbes: 3,
		CallTimeout:       60 * time.Second,
	}
}

// Snapshot is a point-in-time view of one breaker.
type Snapshot struct {
	Service              string    `json:"service"`
	State                string    `json:"state"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	TotalSuccesses       int64     `json:"total_successes"`
	TotalFailures        int64     `json:"total_failures"`
	TotalRejections      int64     `json:"total_rejections"`
	LastTransition       time.Time `json:"last_transition"`
}

// Breaker is a three-state circuit breaker for one logical service.
type Breaker struct {
	service string
	config  Config

	state           State
	failures        int // consecutive failures
	successes       int // consecutive successes while half-open
	probeCount      int // trial calls issued while half-open
	lastFailureTime time.Time
	lastTransition  time.Time

	totalSuccesses  int64
	totalFailures   int64
	totalRejections int64

	collector *metrics.Collector
	logger    *zap.Logger
	mu        sync.Mutex
}

// New creates a breaker for the named service.
func New(service string, config Config, collector *metrics.Collector, logger *zap.Logger) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breaker{
		service:        service,
		config:         config,
		state:          StateClosed,
		lastTransition: time.Now(),
		collector:      collector,
		logger:         logger.With(zap.String("service", service)),
	}
}

// Execute runs fn through the breaker. An open circuit rejects the call with
// a CIRCUIT_OPEN error; a call exceeding the configured timeout is counted as
// a failure and returns a TIMEOUT error. Parent-context cancellation is
// passed through without being counted against the service.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	if err := b.allow(); err != nil {
		return nil, err
	}

	callCtx := ctx
	if b.config.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, b.config.CallTimeout)
		defer cancel()
	}

	type callResult struct {
		out any
		err error
	}
	done := make(chan callResult, 1)
	go func() {
		out, err := fn(callCtx)
		done <- callResult{out: out, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			b.recordFailure()
			return nil, res.err
		}
		b.recordSuccess()
		return res.out, nil

	case <-callCtx.Done():
		if ctx.Err() != nil {
			// Parent cancelled; not the service's fault.
			return nil, types.NewError(types.ErrCancelled, "call cancelled").
				WithService(b.service).WithCause(ctx.Err())
		}
		b.recordFailure()
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, types.NewError(types.ErrTimeout,
				fmt.Sprintf("call exceeded %v", b.config.CallTimeout)).
				WithService(b.service).WithRetryable(true)
		}
		return nil, types.NewError(types.ErrCancelled, "call cancelled").
			WithService(b.service).WithCause(callCtx.Err())
	}
}

// allow checks whether a call may proceed, transitioning open → half-open
// once the reset timeout has elapsed.
func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		if time.Since(b.lastFailureTime) >= b.config.ResetTimeout {
			b.transitionTo(StateHalfOpen, "reset timeout elapsed")
			b.probeCount = 1
			b.successes = 0
			return nil
		}
		b.totalRejections++
		if b.collector != nil {
			b.collector.ObserveBreakerRejection(b.service)
		}
		return types.NewError(types.ErrCircuitOpen,
			fmt.Sprintf("circuit open for %s after %d consecutive failures", b.service, b.failures)).
			WithService(b.service)

	case StateHalfOpen:
		if b.probeCount < b.config.HalfOpenMaxProbes {
			b.probeCount++
			return nil
		}
		b.totalRejections++
		if b.collector != nil {
			b.collector.ObserveBreakerRejection(b.service)
		}
		return types.NewError(types.ErrCircuitOpen,
			fmt.Sprintf("circuit half-open for %s, max probes reached", b.service)).
			WithService(b.service)

	default:
		return types.NewError(types.ErrInvalidTransition,
			fmt.Sprintf("unknown breaker state %d", b.state))
	}
}

// recordSuccess registers a successful call.
func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalSuccesses++

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.transitionTo(StateClosed, fmt.Sprintf("%d consecutive successes in half-open", b.successes))
			b.failures = 0
			b.successes = 0
			b.probeCount = 0
		}
	}
}

// recordFailure registers a failed or timed-out call.
func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalFailures++
	b.failures++
	b.lastFailureTime = time.Now()

	switch b.state {
	case StateClosed:
		if b.failures >= b.config.FailureThreshold {
			b.transitionTo(StateOpen, fmt.Sprintf("%d consecutive failures", b.failures))
		}
	case StateHalfOpen:
		// Any failure while half-open reopens immediately.
		b.successes = 0
		b.transitionTo(StateOpen, "failure in half-open state")
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns the breaker's counters and state.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Service:              b.service,
		State:                b.state.String(),
		ConsecutiveFailures:  b.failures,
		ConsecutiveSuccesses: b.successes,
		TotalSuccesses:       b.totalSuccesses,
		TotalFailures:        b.totalFailures,
		TotalRejections:      b.totalRejections,
		LastTransition:       b.lastTransition,
	}
}

// Reset forces the breaker back to closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateClosed {
		b.transitionTo(StateClosed, "manual reset")
	}
	b.failures = 0
	b.successes = 0
	b.probeCount = 0
}

// transitionTo must be called with the mutex held.
func (b *Breaker) transitionTo(newState State, reason string) {
	oldState := b.state
	b.state = newState
	b.lastTransition = time.Now()

	b.logger.Info("circuit breaker state change",
		zap.String("old_state", oldState.String()),
		zap.String("new_state", newState.String()),
		zap.String("reason", reason),
		zap.Int("failures", b.failures),
	)

	if b.collector != nil {
		b.collector.SetBreakerState(b.service, int(newState))
		b.collector.ObserveBreakerTransition(b.service, newState.String())
	}
}
