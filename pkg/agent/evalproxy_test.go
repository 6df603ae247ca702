package agent

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-fleet/pkg/logging"
)

// blockingEvaluator counts calls per script and holds them until released.
type blockingEvaluator struct {
	mu      sync.Mutex
	calls   map[string]int
	release chan struct{}
}

func newBlockingEvaluator() *blockingEvaluator {
	return &blockingEvaluator{
		calls:   make(map[string]int),
		release: make(chan struct{}),
	}
}

func (e *blockingEvaluator) Eval(ctx context.Context, script string) (string, error) {
	e.mu.Lock()
	e.calls[script]++
	e.mu.Unlock()

	select {
	case <-e.release:
		return "result:" + script, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (e *blockingEvaluator) callCount(script string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[script]
}

func TestEvalProxyDeduplicatesConcurrentIdenticalScripts(t *testing.T) {
	child := newBlockingEvaluator()
	proxy := NewEvalProxy(child, logging.NewNopLogger())

	const waiters = 8
	results := make(chan string, waiters)
	for i := 0; i < waiters; i++ {
		go func() {
			out, err := proxy.Eval(context.Background(), "1+1")
			require.NoError(t, err)
			results <- out
		}()
	}

	// Every waiter must end up joined to a single child trip.
	require.Eventually(t, func() bool { return child.callCount("1+1") >= 1 },
		2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond) // let the rest arrive and join
	close(child.release)

	for i := 0; i < waiters; i++ {
		select {
		case out := <-results:
			assert.Equal(t, "result:1+1", out)
		case <-time.After(2 * time.Second):
			t.Fatal("waiter never got a result")
		}
	}
	assert.Equal(t, 1, child.callCount("1+1"), "identical in-flight scripts share one evaluation")
}

func TestEvalProxyDistinctScriptsRunIndependently(t *testing.T) {
	child := newBlockingEvaluator()
	close(child.release)
	proxy := NewEvalProxy(child, logging.NewNopLogger())

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		script := fmt.Sprintf("script-%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := proxy.Eval(context.Background(), script)
			require.NoError(t, err)
			assert.Equal(t, "result:"+script, out)
		}()
	}
	wg.Wait()

	for i := 0; i < 4; i++ {
		assert.Equal(t, 1, child.callCount(fmt.Sprintf("script-%d", i)))
	}
}

func TestEvalProxyReusesAfterCompletion(t *testing.T) {
	var calls atomic.Int64
	proxy := NewEvalProxy(evalFunc(func(ctx context.Context, script string) (string, error) {
		calls.Add(1)
		return "ok", nil
	}), logging.NewNopLogger())

	for i := 0; i < 3; i++ {
		out, err := proxy.Eval(context.Background(), "same")
		require.NoError(t, err)
		assert.Equal(t, "ok", out)
	}
	// Sequential repeats are separate flights: dedup is for concurrency,
	// not caching.
	assert.Equal(t, int64(3), calls.Load())
}

type evalFunc func(ctx context.Context, script string) (string, error)

func (f evalFunc) Eval(ctx context.Context, script string) (string, error) {
	return f(ctx, script)
}
