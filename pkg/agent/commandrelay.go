package agent

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/dd0wney/cluso-fleet/pkg/logging"
	"github.com/dd0wney/cluso-fleet/pkg/protocol"
)

// The child never sees the network, but the fleet command surface
// (broadcast eval, respawn-all, the SQL proxy) belongs to it: the child
// asks over IPC, the agent forwards the request to the orchestrator and
// relays the outcome back as an IPC line.

// relayCommand forwards one child-initiated fleet command. Returns the IPC
// line to write back, or nil when the message is not a command.
func (a *Agent) relayCommand(msg *ChildMessage) *ChildMessage {
	var wireType protocol.MessageType
	var resultType ChildMessageType
	switch msg.Type {
	case ChildBroadcastEval:
		wireType, resultType = protocol.MsgBroadcastEval, ChildBroadcastEvalResult
	case ChildRespawnAll:
		wireType, resultType = protocol.MsgRespawnAll, ChildRespawnAllResult
	case ChildSendSQL:
		wireType, resultType = protocol.MsgSendSQL, ChildSendSQLResult
	default:
		return nil
	}

	outcome := func(errText string, data json.RawMessage) *ChildMessage {
		out, err := NewChildMessage(resultType, msg.ID, ChildCommandResult{Error: errText, Data: data})
		if err != nil {
			a.logger.Warn("failed to encode command outcome", logging.Error(err))
			return nil
		}
		return out
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.EvalTimeout)
	defer cancel()

	reply, err := a.requestMaster(ctx, wireType, msg.Data)
	if err != nil {
		return outcome(err.Error(), nil)
	}
	if !reply.OK() {
		return outcome(reply.Error, nil)
	}
	return outcome("", reply.Data)
}

// requestMaster sends one correlated request over the live connection and
// waits for the orchestrator's reply.
func (a *Agent) requestMaster(ctx context.Context, msgType protocol.MessageType, payload any) (*protocol.Reply, error) {
	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	ws := a.ws
	state := a.state
	a.mu.Unlock()
	if ws == nil || state != StateVerified {
		return nil, errors.New("no verified orchestrator connection")
	}

	ch := make(chan protocol.Reply, 1)
	a.replyMu.Lock()
	a.pendingReplies[msg.ID] = ch
	a.replyMu.Unlock()
	defer func() {
		a.replyMu.Lock()
		delete(a.pendingReplies, msg.ID)
		a.replyMu.Unlock()
	}()

	a.reply(ws, msg)

	select {
	case r := <-ch:
		return &r, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// resolveReply routes an orchestrator reply to whoever asked.
func (a *Agent) resolveReply(msg *protocol.Message) {
	var reply protocol.Reply
	if err := msg.Decode(&reply); err != nil {
		a.logger.Warn("malformed reply from orchestrator", logging.Error(err))
		return
	}

	a.replyMu.Lock()
	ch, ok := a.pendingReplies[msg.ID]
	a.replyMu.Unlock()
	if !ok {
		a.logger.Debug("reply with no pending request",
			logging.String("request_id", msg.ID))
		return
	}
	ch <- reply
}
