package master

import (
	"context"
	"sync"
	"time"

	"github.com/dd0wney/cluso-fleet/pkg/logging"
	"github.com/dd0wney/cluso-fleet/pkg/protocol"
)

// dispatcher owns the heartbeat cadence: when each connected worker gets
// its next update directive. Retire directives bypass the cadence entirely
// and are sent the moment the reconciler decides them.
//
// Push style sends to every worker each interval; pull style sends only
// after a worker reports status. Disperse spreads the sends across the
// interval instead of firing them all at once.
type dispatcher struct {
	m      *Master
	logger logging.Logger

	mu     sync.Mutex
	queued map[string]struct{}
	kick   chan struct{}
}

func newDispatcher(m *Master, logger logging.Logger) *dispatcher {
	return &dispatcher{
		m:      m,
		logger: logger.With(logging.Component("dispatcher")),
		queued: make(map[string]struct{}),
		kick:   make(chan struct{}, 1),
	}
}

// enqueue marks a worker as owed a directive. Used by pull style after each
// status report and after a fresh handshake.
func (d *dispatcher) enqueue(workerID string) {
	d.mu.Lock()
	d.queued[workerID] = struct{}{}
	d.mu.Unlock()

	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// Run drives the cadence until ctx is done.
func (d *dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.m.Config().HeartbeatInterval)
	defer ticker.Stop()

	for {
		cfg := d.m.Config()
		ticker.Reset(cfg.HeartbeatInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if cfg.HeartbeatStyle == protocol.HeartbeatPush {
				d.pushRound(ctx, cfg)
			}
		case <-d.kick:
			if cfg.HeartbeatStyle == protocol.HeartbeatPull {
				d.drainQueue(ctx, cfg)
			}
		}
	}
}

// pushRound sends an update to every connected worker, spread across the
// interval when disperse is on so the fleet's heartbeats do not thunder.
func (d *dispatcher) pushRound(ctx context.Context, cfg *Config) {
	conns := d.m.hub.all()
	if len(conns) == 0 {
		return
	}

	slot := disperseSlot(cfg, len(conns))
	for i, c := range conns {
		if slot > 0 && i > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(slot):
			}
		}
		d.sendUpdate(c.workerID)
	}
}

// drainQueue serves pull-style workers that reported status since the last
// drain.
func (d *dispatcher) drainQueue(ctx context.Context, cfg *Config) {
	d.mu.Lock()
	ids := make([]string, 0, len(d.queued))
	for id := range d.queued {
		ids = append(ids, id)
	}
	d.queued = make(map[string]struct{})
	d.mu.Unlock()

	slot := disperseSlot(cfg, len(ids))
	for i, id := range ids {
		if slot > 0 && i > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(slot):
			}
		}
		d.sendUpdate(id)
	}
}

// disperseSlot is the gap between consecutive sends in one round: the
// heartbeat interval split evenly across the recipients, or zero when
// dispersal is off or there is nobody to stagger against.
func disperseSlot(cfg *Config, n int) time.Duration {
	if !cfg.Disperse || n < 2 {
		return 0
	}
	return cfg.HeartbeatInterval / time.Duration(n)
}

// sendUpdate delivers the worker's current goal assignment.
func (d *dispatcher) sendUpdate(workerID string) {
	c, ok := d.m.hub.get(workerID)
	if !ok {
		return
	}
	entry, ok := d.m.store.Get(workerID)
	if !ok {
		return
	}

	cfg := d.m.Config()
	directive := protocol.UpdateDirective{
		GoalPartitionID:    entry.GoalPartitionID,
		GoalPartitionCount: entry.GoalPartitionCount,
		IsMaster:           entry.IsMaster,
		HeartbeatStyle:     cfg.HeartbeatStyle,
		HeartbeatMillis:    cfg.HeartbeatInterval.Milliseconds(),
		ChildParams:        cfg.ChildParams,
	}

	msg, err := protocol.NewEvent(protocol.MsgUpdate, directive)
	if err != nil {
		return
	}
	if err := c.Send(msg); err != nil {
		c.logger.Warn("failed to send update directive", logging.Error(err))
		return
	}

	kind := "update"
	if entry.Retired() {
		kind = "retire"
	}
	d.m.metrics.DirectivesTotal.WithLabelValues(kind).Inc()
}

// sendRespawn asks one worker to restart its child.
func (d *dispatcher) sendRespawn(workerID string, delay time.Duration) {
	c, ok := d.m.hub.get(workerID)
	if !ok {
		return
	}
	msg, err := protocol.NewEvent(protocol.MsgRespawn, protocol.RespawnDirective{
		DelayMillis: delay.Milliseconds(),
	})
	if err != nil {
		return
	}
	if err := c.Send(msg); err != nil {
		c.logger.Warn("failed to send respawn directive", logging.Error(err))
		return
	}
	d.m.metrics.DirectivesTotal.WithLabelValues("respawn").Inc()
}
