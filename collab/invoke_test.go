package collab

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/conductor/breaker"
	"github.com/BaSui01/conductor/internal/store"
	"github.com/BaSui01/conductor/process"
	"github.com/BaSui01/conductor/types"
)

func TestInvokerCallReturnsWhenQueueCloses(t *testing.T) {
	t.Parallel()

	queueCfg := process.DefaultConfig()
	queueCfg.MaxConcurrent = 1
	queue := process.NewManager(queueCfg, store.NewMemoryStore(), nil, nil, nil)

	// Hold the only slot so the call below stays queued and its unit body
	// never runs.
	_, err := queue.Submit(context.Background(), func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, 50)
	require.NoError(t, err)

	agents := types.NewStaticAgentRegistry()
	require.NoError(t, agents.Register("echo", &types.ExecutorFunc{
		AgentID: "echo",
		Fn:      func(ctx context.Context, input any) (any, error) { return input, nil },
	}))
	v := invoker{
		queue:    queue,
		breakers: breaker.NewRegistry(breaker.DefaultConfig(), nil, nil),
		agents:   agents,
		logger:   zap.NewNop(),
	}

	done := make(chan error, 1)
	go func() {
		_, callErr := v.call(context.Background(), "echo", "hello", noRetryPolicy(), 50)
		done <- callErr
	}()

	time.Sleep(50 * time.Millisecond) // let the call land behind the blocker
	queue.Close()

	select {
	case callErr := <-done:
		require.Error(t, callErr)
		assert.Equal(t, types.ErrCancelled, types.GetErrorCode(callErr))
	case <-time.After(3 * time.Second):
		t.Fatal("call never returned after the queue shut down")
	}
}
