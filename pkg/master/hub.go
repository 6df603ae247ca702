package master

import (
	"sort"
	"sync"
)

// hub tracks live, verified worker connections keyed by worker id. At most
// one connection per worker may exist; a second simultaneous attempt for the
// same id is refused at handshake time, not replaced.
type hub struct {
	mu    sync.RWMutex
	conns map[string]*conn
}

func newHub() *hub {
	return &hub{conns: make(map[string]*conn)}
}

// add registers a connection. Reports false when the worker already has one.
func (h *hub) add(c *conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.conns[c.workerID]; exists {
		return false
	}
	h.conns[c.workerID] = c
	return true
}

// remove drops the connection if it is still the registered one for its id.
func (h *hub) remove(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if current, ok := h.conns[c.workerID]; ok && current == c {
		delete(h.conns, c.workerID)
	}
}

func (h *hub) get(workerID string) (*conn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[workerID]
	return c, ok
}

func (h *hub) has(workerID string) bool {
	_, ok := h.get(workerID)
	return ok
}

// all returns the live connections sorted by worker id.
func (h *hub) all() []*conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].workerID < out[j].workerID })
	return out
}

func (h *hub) size() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// closeAll tears down every connection, used on shutdown.
func (h *hub) closeAll() {
	for _, c := range h.all() {
		c.Close()
	}
}
