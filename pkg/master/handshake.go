package master

import (
	"crypto/ed25519"
	"errors"
	"net"
	"net/http"

	"github.com/google/uuid"

	"github.com/dd0wney/cluso-fleet/pkg/identity"
	"github.com/dd0wney/cluso-fleet/pkg/logging"
	"github.com/dd0wney/cluso-fleet/pkg/protocol"
	"github.com/dd0wney/cluso-fleet/pkg/registry"
)

// serveWorker runs the connect-time handshake: rate limit, signed header
// verification, duplicate refusal, upgrade, then the orchestrator's own
// proof of identity. Rejections happen before the upgrade so a refused
// worker never holds a websocket.
func (m *Master) serveWorker(w http.ResponseWriter, r *http.Request) {
	source := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		source = host
	}

	// Rate limiting runs before any signature work.
	if !m.limiter.Allow(source) {
		m.metrics.AuthFailuresTotal.WithLabelValues("rate_limited").Inc()
		m.logger.Warn("connection rate limit exceeded", logging.RemoteAddr(source))
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	entry, reason, status := m.authenticate(r)
	if entry == nil {
		m.metrics.AuthFailuresTotal.WithLabelValues(reason).Inc()
		m.logger.Warn("worker authentication refused",
			logging.RemoteAddr(source), logging.String("reason", reason))
		http.Error(w, "authentication refused", status)
		return
	}

	if m.hub.has(entry.ID) {
		m.metrics.AuthFailuresTotal.WithLabelValues("duplicate").Inc()
		m.logger.Warn("duplicate connection refused", logging.WorkerID(entry.ID))
		http.Error(w, "worker already connected", http.StatusConflict)
		return
	}

	ws, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Warn("websocket upgrade failed", logging.Error(err))
		return
	}

	_ = m.store.TouchSeen(entry.ID, m.now())

	c := newConn(entry.ID, source, ws, m.logger)
	c.onMessage = m.handleMessage
	c.onClose = func(c *conn) {
		m.hub.remove(c)
		m.metrics.ConnectionsActive.Set(float64(m.hub.size()))
		c.logger.Info("worker disconnected")
	}

	if !m.hub.add(c) {
		// Lost the race with another connection for the same id.
		m.metrics.AuthFailuresTotal.WithLabelValues("duplicate").Inc()
		_ = ws.Close()
		return
	}
	m.metrics.ConnectionsActive.Set(float64(m.hub.size()))

	if err := m.sendVerification(c); err != nil {
		c.logger.Warn("failed to send master verification", logging.Error(err))
		c.Close()
		return
	}

	c.logger.Info("worker connected",
		logging.PartitionID(entry.GoalPartitionID),
		logging.PartitionCount(entry.GoalPartitionCount))

	if m.Config().HeartbeatStyle == protocol.HeartbeatPull {
		// Kick the pull cycle so a fresh worker is not waiting on a
		// directive it never asked for.
		m.dispatcher.enqueue(entry.ID)
	}

	c.run()
}

// authenticate verifies the signed auth header against the registry. The
// only registry mutation allowed here is the lastSeen touch done by the
// caller after success.
func (m *Master) authenticate(r *http.Request) (*registry.Entry, string, int) {
	raw := r.Header.Get(protocol.AuthHeaderKey)
	if raw == "" {
		return nil, "missing_header", http.StatusUnauthorized
	}

	hdr, err := identity.ParseAuthHeader(raw)
	if err != nil {
		return nil, "malformed_header", http.StatusBadRequest
	}

	entry, ok := m.store.Get(hdr.ID)
	if !ok {
		return nil, "unknown_id", http.StatusUnauthorized
	}
	if entry.GoalPartitionID == registry.GoalTerminated {
		return nil, "terminated", http.StatusUnauthorized
	}

	pub, err := identity.DecodePublicKey(entry.PublicKey)
	if err != nil {
		return nil, "bad_registry_key", http.StatusUnauthorized
	}

	if err := hdr.Verify(pub, m.now(), m.Config().Precision); err != nil {
		switch {
		case errors.Is(err, identity.ErrTimestampSkew):
			return nil, "skew", http.StatusUnauthorized
		default:
			return nil, "bad_signature", http.StatusUnauthorized
		}
	}

	return entry, "", 0
}

// sendVerification proves the orchestrator's identity to the worker: a
// fresh challenge signed with the master private key, verifiable against
// the master public key baked into the worker's artifact.
func (m *Master) sendVerification(c *conn) error {
	challenge := uuid.NewString()
	payload := protocol.MasterVerification{
		ChallengeText: challenge,
		Signature:     ed25519.Sign(m.keys.Private, []byte(challenge)),
	}
	msg, err := protocol.NewEvent(protocol.MsgMasterVerification, payload)
	if err != nil {
		return err
	}
	return c.Send(msg)
}
