// Package retry provides a standalone retry-with-backoff combinator shared by
// the workflow engine and both collaboration protocols.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/conductor/types"
)

// Policy defines a retry policy: attempts, exponential backoff, and jitter.
type Policy struct {
	// MaxAttempts is the total number of attempts including the first one.
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`
	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration `json:"base_delay" yaml:"base_delay"`
	// MaxDelay caps the computed backoff delay.
	MaxDelay time.Duration `json:"max_delay" yaml:"max_delay"`
	// Multiplier grows the delay exponentially between attempts.
	Multiplier float64 `json:"multiplier" yaml:"multiplier"`
	// Jitter adds +/-25% random noise to each delay to avoid thundering herds.
	Jitter bool `json:"jitter" yaml:"jitter"`
}

// DefaultPolicy returns a policy suitable for most agent calls.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
		Jitter:      true,
	}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.Multiplier < 1.0 {
		p.Multiplier = 2.0
	}
	return p
}

// Do runs fn under the policy and returns its last error.
func Do(ctx context.Context, policy Policy, logger *zap.Logger, fn func() error) error {
	_, err := DoWithResult(ctx, policy, logger, func() (any, error) {
		return nil, fn()
	})
	return err
}

// DoWithResult runs fn under the policy until it succeeds, the attempts are
// exhausted, or the error is not retryable. An open circuit breaker never
// triggers a retry: the breaker already decided the service is down, and
// hammering it with more attempts would only delay the caller.
func DoWithResult(ctx context.Context, policy Policy, logger *zap.Logger, fn func() (any, error)) (any, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	policy = policy.normalized()

	var lastErr error
	var result any

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := backoffDelay(policy, attempt)
			logger.Debug("retrying",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", policy.MaxAttempts),
				zap.Duration("delay", delay),
				zap.Error(lastErr),
			)
			select {
			case <-ctx.Done():
				return nil, types.NewError(types.ErrCancelled, "retry cancelled").WithCause(ctx.Err())
			case <-time.After(delay):
			}
		}

		result, lastErr = fn()
		if lastErr == nil {
			if attempt > 1 {
				logger.Debug("retry succeeded", zap.Int("attempt", attempt))
			}
			return result, nil
		}

		if !retryable(lastErr) {
			logger.Debug("error not retryable", zap.Error(lastErr))
			return nil, lastErr
		}
	}

	logger.Warn("retries exhausted",
		zap.Int("attempts", policy.MaxAttempts),
		zap.Error(lastErr),
	)
	return nil, fmt.Errorf("failed after %d attempts: %w", policy.MaxAttempts, lastErr)
}

// backoffDelay computes delay = base * multiplier^(attempt-2), clamped to
// [base, max], with optional +/-25% jitter. attempt is 2 for the first retry.
func backoffDelay(policy Policy, attempt int) time.Duration {
	delay := float64(policy.BaseDelay) * math.Pow(policy.Multiplier, float64(attempt-2))
	if delay > float64(policy.MaxDelay) {
		delay = float64(policy.MaxDelay)
	}
	if policy.Jitter {
		jitter := delay * 0.25
		delay += (rand.Float64()*2 - 1) * jitter
	}
	if delay < float64(policy.BaseDelay) {
		delay = float64(policy.BaseDelay)
	}
	return time.Duration(delay)
}

func retryable(err error) bool {
	switch types.GetErrorCode(err) {
	case types.ErrCircuitOpen, types.ErrValidation, types.ErrCancelled, types.ErrConcurrencyLimit:
		return false
	case "":
		// Unclassified errors default to retryable.
		return true
	default:
		if e, ok := err.(*types.Error); ok {
			return e.Retryable || e.Code == types.ErrTimeout || e.Code == types.ErrAgentExecution
		}
		return true
	}
}
