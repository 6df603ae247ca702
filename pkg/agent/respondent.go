package agent

import (
	"context"
	"fmt"

	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/respondent"
	_ "go.nanomsg.org/mangos/v3/transport/tcp"

	"github.com/dd0wney/cluso-fleet/pkg/logging"
)

// Respondent answers the orchestrator's liveness surveys with this worker's
// id. It runs beside the websocket so the orchestrator can tell a dead host
// from a wedged websocket path.
type Respondent struct {
	sock     mangos.Socket
	workerID string
	logger   logging.Logger
}

// NewRespondent dials the survey side channel.
func NewRespondent(addr, workerID string, logger logging.Logger) (*Respondent, error) {
	sock, err := respondent.NewSocket()
	if err != nil {
		return nil, fmt.Errorf("failed to create respondent socket: %w", err)
	}
	if err := sock.Dial(addr); err != nil {
		_ = sock.Close()
		return nil, fmt.Errorf("failed to dial survey socket %s: %w", addr, err)
	}

	return &Respondent{
		sock:     sock,
		workerID: workerID,
		logger:   logger.With(logging.Component("respondent")),
	}, nil
}

// Run answers surveys until ctx is done.
func (r *Respondent) Run(ctx context.Context) {
	defer r.sock.Close()

	go func() {
		<-ctx.Done()
		_ = r.sock.Close()
	}()

	for {
		if _, err := r.sock.Recv(); err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Debug("survey receive failed", logging.Error(err))
			continue
		}
		if err := r.sock.Send([]byte(r.workerID)); err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Debug("survey answer failed", logging.Error(err))
		}
	}
}
