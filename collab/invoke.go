// Package collab implements the two collaboration protocols built on the
// orchestration primitives: iterative self-critique and multi-participant
// discussion. Both run every agent call through the bounded execution queue,
// the per-service circuit breaker, and the shared retry combinator.
package collab

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/conductor/breaker"
	"github.com/BaSui01/conductor/internal/retry"
	"github.com/BaSui01/conductor/process"
	"github.com/BaSui01/conductor/types"
)

// statusPollInterval is how often a waiting call checks the process record. A
// unit cancelled while still queued never runs its body, so the result channel
// alone cannot be relied on for completion.
const statusPollInterval = 50 * time.Millisecond

// invoker funnels one agent call through queue, breaker, and retry. It is the
// single execution path shared by both protocols.
type invoker struct {
	queue    *process.Manager
	breakers *breaker.Registry
	agents   types.AgentRegistry
	logger   *zap.Logger
}

// call resolves the capability, submits the guarded invocation to the queue,
// and waits for its result or ctx cancellation.
func (v *invoker) call(ctx context.Context, capability string, input any, policy retry.Policy, priority int) (any, error) {
	exec, ok := v.agents.Resolve(capability)
	if !ok {
		return nil, types.NewError(types.ErrValidation,
			"no agent registered for capability "+capability)
	}
	b := v.breakers.GetOrCreate(capability)

	type callResult struct {
		out any
		err error
	}
	ch := make(chan callResult, 1)

	unit := func(unitCtx context.Context) (any, error) {
		out, err := retry.DoWithResult(unitCtx, policy, v.logger, func() (any, error) {
			return b.Execute(unitCtx, func(callCtx context.Context) (any, error) {
				out, execErr := exec.Execute(callCtx, input)
				if execErr != nil {
					if _, typed := execErr.(*types.Error); typed {
						return nil, execErr
					}
					return nil, types.NewError(types.ErrAgentExecution,
						"agent "+capability+" failed").
						WithService(capability).WithRetryable(true).WithCause(execErr)
				}
				return out, nil
			})
		})
		ch <- callResult{out: out, err: err}
		return out, err
	}

	pid, err := v.queue.Submit(ctx, unit, priority)
	if err != nil {
		return nil, err
	}

	ticker := time.NewTicker(statusPollInterval)
	defer ticker.Stop()
	for {
		select {
		case res := <-ch:
			return res.out, res.err
		case <-ctx.Done():
			return nil, types.NewError(types.ErrCancelled, "call cancelled").WithCause(ctx.Err())
		case <-ticker.C:
			proc, serr := v.queue.Status(ctx, pid)
			if serr != nil || !proc.Status.Terminal() {
				continue
			}
			// A unit that ran reports through ch before the record turns
			// terminal; prefer that result when both are ready.
			select {
			case res := <-ch:
				return res.out, res.err
			default:
			}
			switch proc.Status {
			case process.StatusTimeout:
				return nil, types.NewError(types.ErrTimeout,
					"call to "+capability+" timed out").WithService(capability).WithRetryable(true)
			case process.StatusFailed:
				return nil, types.NewError(types.ErrAgentExecution,
					"agent "+capability+" failed: "+proc.Error).WithService(capability)
			default:
				return nil, types.NewError(types.ErrCancelled,
					"call to "+capability+" cancelled before completion").WithService(capability)
			}
		}
	}
}
