package agent

import (
	"encoding/json"
	"fmt"
)

// The agent talks to its child over stdin/stdout: one JSON object per line,
// tagged by type. The child never sees the network; everything it needs
// arrives on this pipe.

// ChildMessageType tags a child IPC line.
type ChildMessageType string

const (
	// Agent -> child
	ChildStatsRequest ChildMessageType = "statsRequest"
	ChildEval         ChildMessageType = "eval"
	ChildShutdown     ChildMessageType = "shutdown"

	// Child -> agent
	ChildStatsReport ChildMessageType = "statsReport"
	ChildEvalResult  ChildMessageType = "evalResult"

	// Child -> agent fleet commands, relayed to the orchestrator
	ChildBroadcastEval ChildMessageType = "broadcastEval"
	ChildRespawnAll    ChildMessageType = "respawnAll"
	ChildSendSQL       ChildMessageType = "sendSQL"

	// Agent -> child relayed command outcomes
	ChildBroadcastEvalResult ChildMessageType = "broadcastEvalResult"
	ChildRespawnAllResult    ChildMessageType = "respawnAllResult"
	ChildSendSQLResult       ChildMessageType = "sendSQLResult"
)

// ChildMessage is one IPC line. ID correlates requests with responses.
type ChildMessage struct {
	Type ChildMessageType `json:"type"`
	ID   string           `json:"id,omitempty"`
	Data json.RawMessage  `json:"data,omitempty"`
}

// NewChildMessage builds an IPC line with an encoded payload.
func NewChildMessage(msgType ChildMessageType, id string, payload any) (*ChildMessage, error) {
	msg := &ChildMessage{Type: msgType, ID: id}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode child message: %w", err)
		}
		msg.Data = data
	}
	return msg, nil
}

// Decode unmarshals the payload into v.
func (m *ChildMessage) Decode(v any) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("child message %q has no payload", m.Type)
	}
	return json.Unmarshal(m.Data, v)
}

// ChildStats is the child's self-reported portion of a health snapshot.
type ChildStats struct {
	MemoryBytes     uint64    `json:"memoryBytes"`
	MessagesHandled uint64    `json:"messagesHandled"`
	CPULoads        []float64 `json:"cpuLoads,omitempty"`
}

// ChildEvalRequest carries a script for the child to evaluate.
type ChildEvalRequest struct {
	Script string `json:"script"`
}

// ChildEvalResponse carries the evaluation outcome back.
type ChildEvalResponse struct {
	Output string `json:"output"`
	Error  string `json:"error,omitempty"`
}

// ChildCommandResult carries a relayed fleet command's outcome back to the
// child: the orchestrator's typed payload on success, an error otherwise.
type ChildCommandResult struct {
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ChildEnv names the environment variables the agent sets when launching a
// child. The child reads its assignment from these instead of arguments so
// command lines stay stable across reassignments.
const (
	EnvPartitionID    = "FLEET_PARTITION_ID"
	EnvPartitionCount = "FLEET_PARTITION_COUNT"
	EnvIsMaster       = "FLEET_IS_MASTER"
	EnvWorkerID       = "FLEET_WORKER_ID"
	EnvChildParam     = "FLEET_PARAM_" // prefix, one per directive param
)
