package master

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dd0wney/cluso-fleet/pkg/logging"
	"github.com/dd0wney/cluso-fleet/pkg/protocol"
	"github.com/dd0wney/cluso-fleet/pkg/registry"
)

// handleMessage dispatches worker-originated messages. Replies to requests
// are matched in the connection actor before this is called.
func (m *Master) handleMessage(c *conn, msg *protocol.Message) {
	switch msg.Type {
	case protocol.MsgStatus:
		m.handleStatus(c, msg)
	case protocol.MsgBroadcastEval:
		m.handleBroadcastEval(c, msg)
	case protocol.MsgRespawnAll:
		m.handleRespawnAll(c, msg)
	case protocol.MsgSendSQL:
		m.handleSendSQL(c, msg)
	default:
		c.logger.Warn("unexpected message from worker",
			logging.String("type", string(msg.Type)))
	}
}

func (m *Master) handleStatus(c *conn, msg *protocol.Message) {
	var report protocol.StatusReport
	if err := msg.Decode(&report); err != nil {
		c.logger.Warn("malformed status report", logging.Error(err))
		return
	}
	if report.Snapshot.WorkerID != c.workerID {
		// A worker may only report on itself.
		c.logger.Warn("status report for foreign worker refused",
			logging.String("claimed", report.Snapshot.WorkerID))
		return
	}

	if err := m.store.ApplySnapshot(&report.Snapshot, m.now()); err != nil {
		c.logger.Warn("failed to apply snapshot", logging.Error(err))
		return
	}
	m.metrics.HeartbeatsTotal.Inc()

	if m.Config().HeartbeatStyle == protocol.HeartbeatPull {
		m.dispatcher.enqueue(c.workerID)
	}
}

func (m *Master) handleBroadcastEval(c *conn, msg *protocol.Message) {
	var req protocol.BroadcastEvalRequest
	if err := msg.Decode(&req); err != nil {
		m.replyTo(c, protocol.NewErrorReply(msg, "malformed broadcastEval request"))
		return
	}

	// Fan-out can take a while; never block the read loop.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.Config().EvalTimeout)
		defer cancel()

		results, err := m.BroadcastEval(ctx, req.Script)
		if err != nil {
			m.replyTo(c, protocol.NewErrorReply(msg, err.Error()))
			return
		}
		reply, err := protocol.NewReply(msg, protocol.BroadcastEvalResult{Results: results})
		if err != nil {
			m.replyTo(c, protocol.NewErrorReply(msg, err.Error()))
			return
		}
		m.replyTo(c, reply)
	}()
}

func (m *Master) handleRespawnAll(c *conn, msg *protocol.Message) {
	m.RespawnAll()
	reply, err := protocol.NewReply(msg, nil)
	if err != nil {
		reply = protocol.NewErrorReply(msg, err.Error())
	}
	m.replyTo(c, reply)
}

func (m *Master) handleSendSQL(c *conn, msg *protocol.Message) {
	var req protocol.SQLRequest
	if err := msg.Decode(&req); err != nil {
		m.replyTo(c, protocol.NewErrorReply(msg, "malformed sendSQL request"))
		return
	}
	if m.sql == nil {
		m.replyTo(c, protocol.NewErrorReply(msg, "sql relay is not configured"))
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), sqlQueryTimeout)
		defer cancel()

		result := m.sql.Query(ctx, req.Query)
		reply, err := protocol.NewReply(msg, result)
		if err != nil {
			reply = protocol.NewErrorReply(msg, err.Error())
		}
		m.replyTo(c, reply)
	}()
}

func (m *Master) replyTo(c *conn, reply *protocol.Message) {
	if err := c.Send(reply); err != nil {
		c.logger.Warn("failed to deliver reply", logging.Error(err))
	}
}

// BroadcastEval fans an eval out to every connected worker in parallel and
// collects the outputs keyed by the worker's current partition id. The
// first failure cancels the rest; partial results are not returned.
func (m *Master) BroadcastEval(ctx context.Context, script string) (map[int]string, error) {
	conns := m.hub.all()
	if len(conns) == 0 {
		return map[int]string{}, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type evalOutcome struct {
		partitionID int
		output      string
		err         error
	}

	outcomes := make(chan evalOutcome, len(conns))
	var wg sync.WaitGroup

	for _, c := range conns {
		entry, ok := m.store.Get(c.workerID)
		if !ok {
			continue
		}
		partitionID := entry.CurrentPartitionID

		wg.Add(1)
		go func(c *conn) {
			defer wg.Done()
			output, err := m.evalOn(ctx, c, script)
			if err != nil {
				cancel()
				outcomes <- evalOutcome{err: fmt.Errorf("eval on %s failed: %w", c.workerID, err)}
				return
			}
			outcomes <- evalOutcome{partitionID: partitionID, output: output}
		}(c)
	}

	wg.Wait()
	close(outcomes)

	results := make(map[int]string, len(conns))
	for o := range outcomes {
		if o.err != nil {
			return nil, o.err
		}
		results[o.partitionID] = o.output
	}
	return results, nil
}

// evalOn runs one eval round trip against a single worker.
func (m *Master) evalOn(ctx context.Context, c *conn, script string) (string, error) {
	msg, err := protocol.NewMessage(protocol.MsgEvalRequest, protocol.EvalRequest{Script: script})
	if err != nil {
		return "", err
	}

	reply, err := c.Request(ctx, msg)
	if err != nil {
		return "", err
	}
	if !reply.OK() {
		return "", fmt.Errorf("%s", reply.Error)
	}

	var result protocol.EvalResult
	if len(reply.Data) > 0 {
		if err := json.Unmarshal(reply.Data, &result); err != nil {
			return "", fmt.Errorf("malformed eval result: %w", err)
		}
	}
	if result.Error != "" {
		return "", fmt.Errorf("%s", result.Error)
	}
	return result.Output, nil
}

// RespawnAll stagger-restarts every connected worker's child. Each worker
// gets a successively longer delay so the fleet never restarts at once.
func (m *Master) RespawnAll() {
	delayStep := m.Config().RespawnDelay
	for i, c := range m.hub.all() {
		directive := protocol.RespawnDirective{
			DelayMillis: int64(i) * delayStep.Milliseconds(),
		}
		msg, err := protocol.NewEvent(protocol.MsgRespawn, directive)
		if err != nil {
			continue
		}
		if err := c.Send(msg); err != nil {
			c.logger.Warn("failed to send respawn directive", logging.Error(err))
			continue
		}
		m.metrics.DirectivesTotal.WithLabelValues("respawn").Inc()
	}
	m.logger.Info("respawn-all dispatched", logging.Count(m.hub.size()))
}

// PushFile relays a local file to a worker's disk. Contents are
// snappy-compressed on the wire; the agent validates the destination path
// against its project root.
func (m *Master) PushFile(ctx context.Context, workerID, path string, contents []byte) error {
	c, ok := m.hub.get(workerID)
	if !ok {
		return fmt.Errorf("%w: %s", registry.ErrUnknownWorker, workerID)
	}

	req := protocol.WriteFileRequest{Path: path, Data: protocol.EncodeFileData(contents)}
	msg, err := protocol.NewMessage(protocol.MsgWriteFile, req)
	if err != nil {
		return err
	}

	reply, err := c.Request(ctx, msg)
	if err != nil {
		return err
	}
	if !reply.OK() {
		return fmt.Errorf("worker refused file write: %s", reply.Error)
	}
	return nil
}

// PullFile relays a file from a worker's disk back to the orchestrator.
func (m *Master) PullFile(ctx context.Context, workerID, path string) ([]byte, error) {
	c, ok := m.hub.get(workerID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", registry.ErrUnknownWorker, workerID)
	}

	msg, err := protocol.NewMessage(protocol.MsgGetFile, protocol.GetFileRequest{Path: path})
	if err != nil {
		return nil, err
	}

	reply, err := c.Request(ctx, msg)
	if err != nil {
		return nil, err
	}
	if !reply.OK() {
		return nil, fmt.Errorf("worker refused file read: %s", reply.Error)
	}

	var data protocol.FileData
	if err := json.Unmarshal(reply.Data, &data); err != nil {
		return nil, fmt.Errorf("malformed file payload: %w", err)
	}
	return protocol.DecodeFileData(data.Data)
}
