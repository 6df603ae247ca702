package protocol

import (
	"encoding/json"

	"github.com/dd0wney/cluso-fleet/pkg/registry"
)

// HeartbeatStyle selects who drives the heartbeat cadence.
type HeartbeatStyle string

const (
	// HeartbeatPush means the orchestrator sends directives on a fixed timer.
	HeartbeatPush HeartbeatStyle = "push"
	// HeartbeatPull means the orchestrator waits for a status report before
	// issuing the next directive.
	HeartbeatPull HeartbeatStyle = "pull"
)

// MasterVerification proves the orchestrator's identity to a freshly
// authenticated worker: a signature over ChallengeText with the master key.
type MasterVerification struct {
	ChallengeText string `json:"challengeText"`
	Signature     []byte `json:"signature"`
}

// EvalRequest asks a worker to have its child evaluate an opaque script.
type EvalRequest struct {
	Script string `json:"script"`
}

// EvalResult carries the child's evaluation output back.
type EvalResult struct {
	Output string `json:"output"`
	Error  string `json:"error,omitempty"`
}

// UpdateDirective pushes a worker's goal assignment and the knobs the agent
// needs to run it. A negative goal partition id retires the worker
// (-1 shut down, -2 terminated).
type UpdateDirective struct {
	GoalPartitionID    int               `json:"goalPartitionId"`
	GoalPartitionCount int               `json:"goalPartitionCount"`
	IsMaster           bool              `json:"isMaster"`
	HeartbeatStyle     HeartbeatStyle    `json:"heartbeatStyle,omitempty"`
	HeartbeatMillis    int64             `json:"heartbeatMillis,omitempty"`
	ChildParams        map[string]string `json:"childParams,omitempty"`
}

// RespawnDirective asks a worker to restart its child after an optional delay.
type RespawnDirective struct {
	DelayMillis int64 `json:"delayMillis,omitempty"`
}

// WriteFileRequest pushes a file to a worker's disk. Data is
// snappy-compressed by the sender.
type WriteFileRequest struct {
	Path string `json:"path"`
	Data []byte `json:"data"`
}

// GetFileRequest pulls a file from a worker's disk.
type GetFileRequest struct {
	Path string `json:"path"`
}

// FileData answers a GetFileRequest. Data is snappy-compressed.
type FileData struct {
	Path string `json:"path"`
	Data []byte `json:"data"`
}

// StatusReport is the worker's heartbeat payload.
type StatusReport struct {
	Snapshot registry.Snapshot `json:"snapshot"`
}

// BroadcastEvalRequest asks the orchestrator to fan an eval out to every
// correctly configured worker.
type BroadcastEvalRequest struct {
	Script string `json:"script"`
}

// BroadcastEvalResult carries one reply per worker, keyed by its current
// partition id.
type BroadcastEvalResult struct {
	Results map[int]string `json:"results"`
}

// RespawnAllRequest asks the orchestrator to stagger-restart the fleet.
type RespawnAllRequest struct{}

// SQLRequest relays a query string to the orchestrator's backing store.
type SQLRequest struct {
	Query string `json:"query"`
}

// SQLResult relays the rows or error back. Values are rendered to strings;
// this is a convenience relay, not a typed result set.
type SQLResult struct {
	Columns []string   `json:"columns,omitempty"`
	Rows    [][]string `json:"rows,omitempty"`
	Error   string     `json:"error,omitempty"`
}

// Reply is the generic answer payload. Data, when present, holds a typed
// payload the requester knows how to decode.
type Reply struct {
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// OK reports whether the reply carries no error.
func (r *Reply) OK() bool {
	return r.Error == ""
}
