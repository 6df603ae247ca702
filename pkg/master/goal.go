package master

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// GoalSource supplies the goal partition count for a reconcile pass.
type GoalSource interface {
	Goal(ctx context.Context) (int, error)
}

// FixedGoalSource always returns a configured count.
type FixedGoalSource int

// Goal implements GoalSource.
func (f FixedGoalSource) Goal(context.Context) (int, error) {
	return int(f), nil
}

// HTTPGoalSource fetches a recommended partition count from an external
// endpoint, at most once per refresh interval. Between fetches, and after a
// fetch failure, the last good value is served so the reconciler never stalls
// on a flaky recommender.
type HTTPGoalSource struct {
	url      string
	interval time.Duration
	client   *http.Client

	mu       sync.Mutex
	last     int
	fetched  time.Time
	everGood bool
}

// NewHTTPGoalSource builds an HTTP goal source with fallback as the value
// served before the first successful fetch.
func NewHTTPGoalSource(url string, interval time.Duration, fallback int) *HTTPGoalSource {
	return &HTTPGoalSource{
		url:      url,
		interval: interval,
		client:   &http.Client{Timeout: 10 * time.Second},
		last:     fallback,
	}
}

type goalRecommendation struct {
	Partitions int `json:"partitions"`
}

// Goal implements GoalSource.
func (s *HTTPGoalSource) Goal(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if time.Since(s.fetched) < s.interval {
		return s.last, nil
	}
	s.fetched = time.Now()

	n, err := s.fetch(ctx)
	if err != nil {
		if s.everGood || s.last > 0 {
			return s.last, nil
		}
		return 0, err
	}
	s.last = n
	s.everGood = true
	return n, nil
}

func (s *HTTPGoalSource) fetch(ctx context.Context) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch recommendation: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("recommendation endpoint returned %d", resp.StatusCode)
	}

	var rec goalRecommendation
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return 0, fmt.Errorf("failed to decode recommendation: %w", err)
	}
	if rec.Partitions < 1 {
		return 0, fmt.Errorf("recommendation out of range: %d", rec.Partitions)
	}
	return rec.Partitions, nil
}
