package master

import (
	"context"
	"fmt"
	"time"

	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/surveyor"
	_ "go.nanomsg.org/mangos/v3/transport/tcp"

	"github.com/dd0wney/cluso-fleet/pkg/logging"
	"github.com/dd0wney/cluso-fleet/pkg/registry"
)

// Surveyor runs a liveness side channel next to the websocket: a periodic
// survey that every agent answers with its worker id. It catches the case
// where a host is up but the websocket path is wedged, and feeds lastSeen
// so reconciliation has a second opinion on liveness.
type Surveyor struct {
	sock     mangos.Socket
	interval time.Duration
	store    *registry.Store
	logger   logging.Logger
}

// NewSurveyor binds the survey socket.
func NewSurveyor(addr string, interval time.Duration, store *registry.Store, logger logging.Logger) (*Surveyor, error) {
	sock, err := surveyor.NewSocket()
	if err != nil {
		return nil, fmt.Errorf("failed to create surveyor socket: %w", err)
	}
	if err := sock.Listen(addr); err != nil {
		_ = sock.Close()
		return nil, fmt.Errorf("failed to bind survey socket %s: %w", addr, err)
	}
	if err := sock.SetOption(mangos.OptionSurveyTime, interval/2); err != nil {
		_ = sock.Close()
		return nil, fmt.Errorf("failed to set survey deadline: %w", err)
	}

	return &Surveyor{
		sock:     sock,
		interval: interval,
		store:    store,
		logger:   logger.With(logging.Component("surveyor")),
	}, nil
}

// Run surveys until ctx is done.
func (s *Surveyor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.survey()
		}
	}
}

func (s *Surveyor) survey() {
	if err := s.sock.Send([]byte("liveness")); err != nil {
		s.logger.Warn("survey send failed", logging.Error(err))
		return
	}

	heard := 0
	now := time.Now()
	for {
		resp, err := s.sock.Recv()
		if err != nil {
			// Deadline expired; the survey round is over.
			break
		}
		workerID := string(resp)
		if err := s.store.TouchSeen(workerID, now); err != nil {
			s.logger.Debug("survey response from unknown worker",
				logging.WorkerID(workerID))
			continue
		}
		heard++
	}

	s.logger.Debug("survey round complete", logging.Count(heard))
}

// Close releases the socket.
func (s *Surveyor) Close() {
	_ = s.sock.Close()
}
