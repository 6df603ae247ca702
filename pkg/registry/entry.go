// Package registry holds the orchestrator's table of known worker
// identities: who they are, what partition they should run, what they are
// actually running, and when they were last heard from.
package registry

import (
	"time"
)

// Sentinel goal partition ids. Entries are never deleted from the registry;
// they are retired or terminated by driving the goal id negative.
const (
	// GoalRetired marks a worker that was told to shut down.
	GoalRetired = -1
	// GoalTerminated marks a worker permanently removed from service.
	GoalTerminated = -2
)

// State is the liveness state of a registry entry, derived on demand from
// its timestamps and the configured staleness thresholds.
type State string

const (
	// StateUnassigned means the entry has no non-negative goal.
	StateUnassigned State = "unassigned"
	// StateConfiguring means goal and current assignment disagree.
	StateConfiguring State = "configuring"
	// StateConfigured means the assignment matches and heartbeats are fresh.
	StateConfigured State = "configured"
	// StateStale means the last heartbeat is older than requestRebootAfter.
	StateStale State = "stale"
	// StateDead means the last heartbeat is older than assumeDeadAfter; the
	// entry is excluded from live counts.
	StateDead State = "dead"
)

// Entry is one known worker.
type Entry struct {
	ID        string `json:"id"`
	PublicKey string `json:"publicKey"`
	// IsMaster is true for exactly one entry: the worker that runs the
	// privileged master-role partition.
	IsMaster bool `json:"isMaster"`

	GoalPartitionID    int `json:"goalPartitionId"`
	GoalPartitionCount int `json:"goalPartitionCount"`

	// Current assignment as last reported by the worker. Not persisted;
	// rebuilt from heartbeats after a restart.
	CurrentPartitionID    int `json:"-"`
	CurrentPartitionCount int `json:"-"`

	LastSeen      time.Time `json:"-"`
	LastHeartbeat time.Time `json:"-"`
	BootTime      time.Time `json:"-"`
	StopTime      time.Time `json:"-"`

	// Stats is the latest health snapshot; only the newest value is kept.
	Stats *Snapshot `json:"-"`
}

// Retired reports whether the entry has been told to shut down or terminated.
func (e *Entry) Retired() bool {
	return e.GoalPartitionID < 0
}

// Assigned reports whether the entry holds a real target partition.
func (e *Entry) Assigned() bool {
	return e.GoalPartitionID >= 0
}

// Converged reports whether the worker runs exactly what it was asked to.
func (e *Entry) Converged() bool {
	return e.Assigned() &&
		e.CurrentPartitionID == e.GoalPartitionID &&
		e.CurrentPartitionCount == e.GoalPartitionCount
}

// HeartbeatAge returns the time since the last heartbeat, or a very large
// value if no heartbeat was ever received.
func (e *Entry) HeartbeatAge(now time.Time) time.Duration {
	if e.LastHeartbeat.IsZero() {
		return time.Duration(1<<62 - 1)
	}
	return now.Sub(e.LastHeartbeat)
}

// DeriveState computes the entry's liveness state.
func (e *Entry) DeriveState(now time.Time, requestRebootAfter, assumeDeadAfter time.Duration) State {
	if !e.Assigned() {
		return StateUnassigned
	}

	age := e.HeartbeatAge(now)
	switch {
	case age >= assumeDeadAfter:
		return StateDead
	case age >= requestRebootAfter:
		return StateStale
	}

	if e.Converged() {
		return StateConfigured
	}
	return StateConfiguring
}

// ApplySnapshot records a heartbeat: updates the current assignment, the
// timestamps, and the latest stats.
func (e *Entry) ApplySnapshot(snap *Snapshot, now time.Time) {
	e.CurrentPartitionID = snap.CurrentPartitionID
	e.CurrentPartitionCount = snap.CurrentPartitionCount
	e.LastHeartbeat = now
	e.LastSeen = now
	e.Stats = snap
	if snap.BootMillis > 0 {
		e.BootTime = time.UnixMilli(snap.BootMillis)
	}
}
