package protocol

import (
	"encoding/json"
	"testing"

	"github.com/dd0wney/cluso-fleet/pkg/registry"
)

// TestMessageRoundTrip tests envelope encode/decode for each payload kind
func TestMessageRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		msgType MessageType
		payload any
	}{
		{
			name:    "update directive",
			msgType: MsgUpdate,
			payload: UpdateDirective{
				GoalPartitionID:    3,
				GoalPartitionCount: 8,
				IsMaster:           false,
				HeartbeatStyle:     HeartbeatPull,
				HeartbeatMillis:    5000,
				ChildParams:        map[string]string{"logLevel": "debug"},
			},
		},
		{
			name:    "retire directive",
			msgType: MsgUpdate,
			payload: UpdateDirective{GoalPartitionID: -1},
		},
		{
			name:    "status report",
			msgType: MsgStatus,
			payload: StatusReport{Snapshot: registry.Snapshot{
				WorkerID:              "w-abc",
				CurrentPartitionID:    3,
				CurrentPartitionCount: 8,
				MemoryBytes:           64 << 20,
				MessagesHandled:       1000,
				MessagesDelta:         17,
			}},
		},
		{
			name:    "eval request",
			msgType: MsgEvalRequest,
			payload: EvalRequest{Script: "stats()"},
		},
		{
			name:    "respawn with delay",
			msgType: MsgRespawn,
			payload: RespawnDirective{DelayMillis: 1500},
		},
		{
			name:    "sql request",
			msgType: MsgSendSQL,
			payload: SQLRequest{Query: "select 1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := NewMessage(tt.msgType, tt.payload)
			if err != nil {
				t.Fatalf("NewMessage: %v", err)
			}
			if msg.ID == "" {
				t.Error("request envelope must carry an id")
			}

			wire, err := json.Marshal(msg)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}

			var decoded Message
			if err := json.Unmarshal(wire, &decoded); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if decoded.Type != tt.msgType || decoded.ID != msg.ID {
				t.Errorf("envelope fields lost: %+v", decoded)
			}
		})
	}
}

// TestReplyCorrelation tests that replies echo the request id
func TestReplyCorrelation(t *testing.T) {
	req, err := NewMessage(MsgEvalRequest, EvalRequest{Script: "1+1"})
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}

	reply, err := NewReply(req, EvalResult{Output: "2"})
	if err != nil {
		t.Fatalf("NewReply: %v", err)
	}
	if reply.ID != req.ID {
		t.Errorf("reply id %q does not match request id %q", reply.ID, req.ID)
	}
	if reply.Type != MsgReply {
		t.Errorf("reply type = %v", reply.Type)
	}

	// The requesting side always unwraps Reply first, then decodes the
	// typed payload out of Reply.Data.
	var r Reply
	if err := reply.Decode(&r); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !r.OK() {
		t.Errorf("success reply carries error %q", r.Error)
	}
	var result EvalResult
	if err := json.Unmarshal(r.Data, &result); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if result.Output != "2" {
		t.Errorf("payload did not survive the Reply wrapper: Error=%q Data=%q", r.Error, r.Data)
	}
}

// TestEmptyReplyIsOK tests acknowledgement replies with no payload
func TestEmptyReplyIsOK(t *testing.T) {
	req, _ := NewMessage(MsgWriteFile, WriteFileRequest{Path: "a.txt"})
	reply, err := NewReply(req, nil)
	if err != nil {
		t.Fatalf("NewReply: %v", err)
	}

	var r Reply
	if err := reply.Decode(&r); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !r.OK() {
		t.Errorf("ack reply should be OK, got error %q", r.Error)
	}
	if len(r.Data) != 0 {
		t.Errorf("ack reply should carry no data, got %q", r.Data)
	}
}

// TestErrorReply tests the error reply helper
func TestErrorReply(t *testing.T) {
	req, _ := NewMessage(MsgGetFile, GetFileRequest{Path: "conf/x.yaml"})
	errReply := NewErrorReply(req, "no such file")

	var r Reply
	if err := errReply.Decode(&r); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if r.OK() {
		t.Error("error reply should not be OK")
	}
	if r.Error != "no such file" {
		t.Errorf("error text lost: %q", r.Error)
	}
}

// TestEventHasNoID tests fire-and-forget envelopes
func TestEventHasNoID(t *testing.T) {
	ev, err := NewEvent(MsgRespawn, RespawnDirective{})
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	if ev.ID != "" {
		t.Error("event should carry no request id")
	}
}

// TestBroadcastResultKeys tests that partition-id keys survive JSON
func TestBroadcastResultKeys(t *testing.T) {
	orig := BroadcastEvalResult{Results: map[int]string{0: "a", 3: "b"}}
	data, err := json.Marshal(orig)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded BroadcastEvalResult
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Results[0] != "a" || decoded.Results[3] != "b" {
		t.Errorf("results lost: %+v", decoded.Results)
	}
}
