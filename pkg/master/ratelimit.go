package master

import (
	"context"
	"sync"
	"time"
)

// connLimiter enforces a per-source-address sliding window on connection
// attempts. Attempts over the limit are refused before any authentication
// work happens, so a misbehaving host cannot burn signature verifications.
type connLimiter struct {
	mu     sync.Mutex
	window time.Duration
	limit  int
	seen   map[string][]time.Time

	now func() time.Time
}

func newConnLimiter(window time.Duration, limit int) *connLimiter {
	return &connLimiter{
		window: window,
		limit:  limit,
		seen:   make(map[string][]time.Time),
		now:    time.Now,
	}
}

// Allow records an attempt from source and reports whether it is within the
// window limit. The attempt counts against the window even when refused.
func (l *connLimiter) Allow(source string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)

	attempts := l.seen[source]
	kept := attempts[:0]
	for _, t := range attempts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	l.seen[source] = kept

	return len(kept) <= l.limit
}

// Run evicts idle sources until ctx is done.
func (l *connLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(l.window)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

func (l *connLimiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.window)
	for source, attempts := range l.seen {
		live := false
		for _, t := range attempts {
			if t.After(cutoff) {
				live = true
				break
			}
		}
		if !live {
			delete(l.seen, source)
		}
	}
}
