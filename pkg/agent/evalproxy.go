package agent

import (
	"context"
	"sync"

	"github.com/dd0wney/cluso-fleet/pkg/logging"
)

// evaluator is what the proxy forwards scripts to; the supervisor in
// production, a stub in tests.
type evaluator interface {
	Eval(ctx context.Context, script string) (string, error)
}

// EvalProxy deduplicates script evaluation between the orchestrator and the
// child. The orchestrator may deliver the same script on several requests
// (a broadcast retry, overlapping commands); the child evaluates each
// distinct script text once per flight and every waiter shares the outcome.
type EvalProxy struct {
	child  evaluator
	logger logging.Logger

	mu       sync.Mutex
	inflight map[string]*evalFlight
}

type evalFlight struct {
	done   chan struct{}
	output string
	err    error
}

// NewEvalProxy wraps child evaluation with per-script deduplication.
func NewEvalProxy(child evaluator, logger logging.Logger) *EvalProxy {
	return &EvalProxy{
		child:    child,
		logger:   logger,
		inflight: make(map[string]*evalFlight),
	}
}

// Eval returns the child's output for script, joining an identical
// in-flight evaluation when one exists.
func (p *EvalProxy) Eval(ctx context.Context, script string) (string, error) {
	p.mu.Lock()
	if flight, ok := p.inflight[script]; ok {
		p.mu.Unlock()
		p.logger.Debug("joining in-flight eval")
		select {
		case <-flight.done:
			return flight.output, flight.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	flight := &evalFlight{done: make(chan struct{})}
	p.inflight[script] = flight
	p.mu.Unlock()

	flight.output, flight.err = p.child.Eval(ctx, script)

	p.mu.Lock()
	delete(p.inflight, script)
	p.mu.Unlock()
	close(flight.done)

	return flight.output, flight.err
}
