package agent

import (
	"context"
	"syscall"
	"time"

	"github.com/dd0wney/cluso-fleet/pkg/logging"
	"github.com/dd0wney/cluso-fleet/pkg/registry"
)

// statsCollector assembles the health snapshot each heartbeat carries:
// child-reported figures, disk headroom for the project root, and deltas
// against the previous snapshot.
type statsCollector struct {
	workerID    string
	projectRoot string
	supervisor  *Supervisor
	logger      logging.Logger

	prev         *registry.Snapshot
	prevCPULoads []float64
}

func newStatsCollector(workerID, projectRoot string, supervisor *Supervisor, logger logging.Logger) *statsCollector {
	return &statsCollector{
		workerID:    workerID,
		projectRoot: projectRoot,
		supervisor:  supervisor,
		logger:      logger,
	}
}

// Collect builds the next snapshot. The child being down is not an error;
// the snapshot then reports an unassigned worker with zero child figures.
func (c *statsCollector) Collect(ctx context.Context, goalID, goalCount int) *registry.Snapshot {
	now := time.Now()
	a := c.supervisor.Assignment()

	snap := &registry.Snapshot{
		WorkerID:              c.workerID,
		CurrentPartitionID:    a.PartitionID,
		CurrentPartitionCount: a.PartitionCount,
		GoalPartitionID:       goalID,
		GoalPartitionCount:    goalCount,
		IsMaster:              a.IsMaster,
		TimestampMillis:       now.UnixMilli(),
	}
	if boot := c.supervisor.BootTime(); !boot.IsZero() {
		snap.BootMillis = boot.UnixMilli()
	}

	if c.supervisor.Running() {
		if stats, err := c.supervisor.Stats(ctx); err == nil {
			snap.MemoryBytes = stats.MemoryBytes
			snap.MessagesHandled = stats.MessagesHandled
			snap.CPULoadDeltas = c.cpuDeltas(stats.CPULoads)
		} else {
			c.logger.Warn("child stats unavailable", logging.Error(err))
		}
	}

	var fs syscall.Statfs_t
	if err := syscall.Statfs(c.projectRoot, &fs); err == nil {
		snap.DiskTotalBytes = fs.Blocks * uint64(fs.Bsize)
		snap.DiskFreeBytes = fs.Bavail * uint64(fs.Bsize)
	} else {
		c.logger.Warn("statfs failed", logging.Path(c.projectRoot), logging.Error(err))
	}

	if c.prev != nil {
		snap.DeltaMillis = snap.TimestampMillis - c.prev.TimestampMillis
		if snap.MessagesHandled >= c.prev.MessagesHandled {
			snap.MessagesDelta = snap.MessagesHandled - c.prev.MessagesHandled
		} else {
			// Child restarted; the counter reset.
			snap.MessagesDelta = snap.MessagesHandled
		}
	}
	c.prev = snap
	return snap
}

// cpuDeltas turns cumulative per-core load figures into per-interval deltas.
func (c *statsCollector) cpuDeltas(loads []float64) []float64 {
	prev := c.prevCPULoads
	c.prevCPULoads = loads

	if len(prev) != len(loads) {
		// First sample, or the core count changed with a child restart.
		return loads
	}
	deltas := make([]float64, len(loads))
	for i := range loads {
		d := loads[i] - prev[i]
		if d < 0 {
			d = loads[i]
		}
		deltas[i] = d
	}
	return deltas
}
