package master

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dd0wney/cluso-fleet/pkg/logging"
	"github.com/dd0wney/cluso-fleet/pkg/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 20 // file relay payloads can be large
	sendBuffer     = 64
)

// conn is the per-worker connection actor. All writes go through the send
// channel so a single goroutine owns the websocket writer.
type conn struct {
	workerID string
	remote   string
	ws       *websocket.Conn
	logger   logging.Logger

	send chan *protocol.Message

	mu      sync.Mutex
	pending map[string]chan protocol.Reply
	closed  bool
	done    chan struct{}

	onMessage func(c *conn, msg *protocol.Message)
	onClose   func(c *conn)
}

func newConn(workerID, remote string, ws *websocket.Conn, logger logging.Logger) *conn {
	return &conn{
		workerID: workerID,
		remote:   remote,
		ws:       ws,
		logger:   logger.With(logging.WorkerID(workerID), logging.RemoteAddr(remote)),
		send:     make(chan *protocol.Message, sendBuffer),
		pending:  make(map[string]chan protocol.Reply),
		done:     make(chan struct{}),
	}
}

// run pumps the connection until it drops. Blocks; callers run it in its own
// goroutine per connection.
func (c *conn) run() {
	go c.writePump()
	c.readPump()
}

func (c *conn) readPump() {
	defer c.teardown()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg protocol.Message
		if err := c.ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("worker connection dropped", logging.Error(err))
			}
			return
		}

		if msg.Type == protocol.MsgReply {
			c.resolve(&msg)
			continue
		}
		if c.onMessage != nil {
			c.onMessage(c, &msg)
		}
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteJSON(msg); err != nil {
				c.logger.Warn("failed to write to worker", logging.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// Send queues msg for delivery. Fails fast when the connection is closed or
// the worker cannot drain its queue.
func (c *conn) Send(msg *protocol.Message) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("connection to %s is closed", c.workerID)
	}
	c.mu.Unlock()

	select {
	case c.send <- msg:
		return nil
	case <-c.done:
		return fmt.Errorf("connection to %s is closed", c.workerID)
	default:
		return fmt.Errorf("send queue to %s is full", c.workerID)
	}
}

// Request sends msg and waits for the correlated reply.
func (c *conn) Request(ctx context.Context, msg *protocol.Message) (*protocol.Reply, error) {
	ch := make(chan protocol.Reply, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("connection to %s is closed", c.workerID)
	}
	c.pending[msg.ID] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, msg.ID)
		c.mu.Unlock()
	}()

	if err := c.Send(msg); err != nil {
		return nil, err
	}

	select {
	case reply := <-ch:
		return &reply, nil
	case <-c.done:
		return nil, fmt.Errorf("connection to %s closed while awaiting reply", c.workerID)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *conn) resolve(msg *protocol.Message) {
	var reply protocol.Reply
	if err := msg.Decode(&reply); err != nil {
		c.logger.Warn("malformed reply from worker", logging.Error(err))
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[msg.ID]
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("reply with no pending request",
			logging.String("request_id", msg.ID))
		return
	}
	ch <- reply
}

// Close tears the connection down.
func (c *conn) Close() {
	c.teardown()
}

func (c *conn) teardown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	close(c.done)
	_ = c.ws.Close()
	if c.onClose != nil {
		c.onClose(c)
	}
}
