package master

import (
	"context"
	"crypto/ed25519"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-fleet/pkg/identity"
	"github.com/dd0wney/cluso-fleet/pkg/protocol"
	"github.com/dd0wney/cluso-fleet/pkg/registry"
)

// registerWorker puts a worker identity in the master's registry and
// returns its keys.
func registerWorker(t *testing.T, m *Master, id string, pid, count int) *identity.KeyPair {
	t.Helper()
	keys, err := identity.GenerateKeyPair()
	require.NoError(t, err)

	m.store.Put(&registry.Entry{
		ID:                 id,
		PublicKey:          identity.EncodeKey(keys.Public),
		GoalPartitionID:    pid,
		GoalPartitionCount: count,
	})
	return keys
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func dialWorker(t *testing.T, url string, id string, keys *identity.KeyPair) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	hdr := http.Header{}
	hdr.Set(protocol.AuthHeaderKey, identity.NewAuthHeader(id, keys.Private, time.Now()).String())

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	return dialer.Dial(url, hdr)
}

func TestBareHTTPGets501(t *testing.T) {
	m := newTestMaster(t, planConfig())
	server := httptest.NewServer(m.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL + "/anything")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)
}

func TestHandshakeUnknownWorkerRefused(t *testing.T) {
	m := newTestMaster(t, planConfig())
	server := httptest.NewServer(m.Handler())
	defer server.Close()

	keys, err := identity.GenerateKeyPair()
	require.NoError(t, err)

	_, resp, err := dialWorker(t, wsURL(server), "w-nobody", keys)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandshakeWrongKeyRefused(t *testing.T) {
	m := newTestMaster(t, planConfig())
	server := httptest.NewServer(m.Handler())
	defer server.Close()

	registerWorker(t, m, "w-real", 0, 1)
	imposter, err := identity.GenerateKeyPair()
	require.NoError(t, err)

	_, resp, err := dialWorker(t, wsURL(server), "w-real", imposter)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	entry, ok := m.store.Get("w-real")
	require.True(t, ok)
	assert.True(t, entry.LastSeen.IsZero(), "refused handshakes must not count as contact")
}

func TestHandshakeStaleTimestampRefused(t *testing.T) {
	m := newTestMaster(t, planConfig())
	server := httptest.NewServer(m.Handler())
	defer server.Close()

	keys := registerWorker(t, m, "w-a", 0, 1)

	hdr := http.Header{}
	stale := time.Now().Add(-10 * time.Minute)
	hdr.Set(protocol.AuthHeaderKey, identity.NewAuthHeader("w-a", keys.Private, stale).String())

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	_, resp, err := dialer.Dial(wsURL(server), hdr)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandshakeDeliversSignedMasterVerification(t *testing.T) {
	m := newTestMaster(t, planConfig())
	server := httptest.NewServer(m.Handler())
	defer server.Close()

	keys := registerWorker(t, m, "w-a", 0, 1)

	ws, _, err := dialWorker(t, wsURL(server), "w-a", keys)
	require.NoError(t, err)
	defer ws.Close()

	var msg protocol.Message
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, ws.ReadJSON(&msg))
	require.Equal(t, protocol.MsgMasterVerification, msg.Type)

	var mv protocol.MasterVerification
	require.NoError(t, msg.Decode(&mv))
	assert.NotEmpty(t, mv.ChallengeText)
	assert.True(t, ed25519.Verify(m.keys.Public, []byte(mv.ChallengeText), mv.Signature),
		"verification must be signed by the master key")

	// A successful handshake touches lastSeen.
	entry, ok := m.store.Get("w-a")
	require.True(t, ok)
	assert.False(t, entry.LastSeen.IsZero())
}

func TestHandshakeDuplicateConnectionRefused(t *testing.T) {
	m := newTestMaster(t, planConfig())
	server := httptest.NewServer(m.Handler())
	defer server.Close()

	keys := registerWorker(t, m, "w-a", 0, 1)

	first, _, err := dialWorker(t, wsURL(server), "w-a", keys)
	require.NoError(t, err)
	defer first.Close()

	// Wait for the first connection to be registered.
	require.Eventually(t, func() bool { return m.hub.has("w-a") },
		2*time.Second, 10*time.Millisecond)

	_, resp, err := dialWorker(t, wsURL(server), "w-a", keys)
	require.Error(t, err)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestHandshakeRateLimited(t *testing.T) {
	cfg := planConfig()
	cfg.RateLimitCount = 2
	cfg.RateLimitWindow = time.Minute
	m := newTestMaster(t, cfg)
	server := httptest.NewServer(m.Handler())
	defer server.Close()

	keys, err := identity.GenerateKeyPair()
	require.NoError(t, err)

	// Unknown worker: every attempt is refused, but the first two with 401.
	for i := 0; i < 2; i++ {
		_, resp, _ := dialWorker(t, wsURL(server), "w-x", keys)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}

	_, resp, _ := dialWorker(t, wsURL(server), "w-x", keys)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode,
		"limit exceeded attempts are refused before authentication")
}

func TestStatusReportUpdatesRegistry(t *testing.T) {
	m := newTestMaster(t, planConfig())
	server := httptest.NewServer(m.Handler())
	defer server.Close()

	keys := registerWorker(t, m, "w-a", 0, 2)

	ws, _, err := dialWorker(t, wsURL(server), "w-a", keys)
	require.NoError(t, err)
	defer ws.Close()

	var hello protocol.Message
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, ws.ReadJSON(&hello))

	report := protocol.StatusReport{Snapshot: registry.Snapshot{
		WorkerID:              "w-a",
		CurrentPartitionID:    0,
		CurrentPartitionCount: 2,
		MemoryBytes:           1 << 20,
	}}
	msg, err := protocol.NewEvent(protocol.MsgStatus, report)
	require.NoError(t, err)
	require.NoError(t, ws.WriteJSON(msg))

	require.Eventually(t, func() bool {
		e, ok := m.store.Get("w-a")
		return ok && !e.LastHeartbeat.IsZero()
	}, 2*time.Second, 10*time.Millisecond)

	e, _ := m.store.Get("w-a")
	assert.Equal(t, 0, e.CurrentPartitionID)
	assert.Equal(t, 2, e.CurrentPartitionCount)
	require.NotNil(t, e.Stats)
	assert.Equal(t, uint64(1<<20), e.Stats.MemoryBytes)
}

func TestStatusReportForForeignWorkerIgnored(t *testing.T) {
	m := newTestMaster(t, planConfig())
	server := httptest.NewServer(m.Handler())
	defer server.Close()

	keys := registerWorker(t, m, "w-a", 0, 1)
	registerWorker(t, m, "w-b", 1, 2)

	ws, _, err := dialWorker(t, wsURL(server), "w-a", keys)
	require.NoError(t, err)
	defer ws.Close()

	var hello protocol.Message
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, ws.ReadJSON(&hello))

	report := protocol.StatusReport{Snapshot: registry.Snapshot{WorkerID: "w-b"}}
	msg, err := protocol.NewEvent(protocol.MsgStatus, report)
	require.NoError(t, err)
	require.NoError(t, ws.WriteJSON(msg))

	time.Sleep(100 * time.Millisecond)
	e, _ := m.store.Get("w-b")
	assert.True(t, e.LastHeartbeat.IsZero(), "w-a must not report for w-b")
}

func TestBroadcastEvalCollectsByPartition(t *testing.T) {
	m := newTestMaster(t, planConfig())
	server := httptest.NewServer(m.Handler())
	defer server.Close()

	// Two workers that answer evals like an agent would.
	for i, id := range []string{"w-a", "w-b"} {
		keys := registerWorker(t, m, id, i, 2)
		ws, _, err := dialWorker(t, wsURL(server), id, keys)
		require.NoError(t, err)
		defer ws.Close()

		e, _ := m.store.Get(id)
		e.CurrentPartitionID = i

		go func(ws *websocket.Conn, answer string) {
			for {
				var msg protocol.Message
				if err := ws.ReadJSON(&msg); err != nil {
					return
				}
				if msg.Type != protocol.MsgEvalRequest {
					continue
				}
				reply, _ := protocol.NewReply(&msg, protocol.EvalResult{Output: answer})
				_ = ws.WriteJSON(reply)
			}
		}(ws, id+"-output")
	}

	require.Eventually(t, func() bool { return m.hub.size() == 2 },
		2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	results, err := m.BroadcastEval(ctx, "1+1")
	require.NoError(t, err)
	assert.Equal(t, map[int]string{0: "w-a-output", 1: "w-b-output"}, results)
}

func TestBroadcastEvalFailsFast(t *testing.T) {
	m := newTestMaster(t, planConfig())
	server := httptest.NewServer(m.Handler())
	defer server.Close()

	keys := registerWorker(t, m, "w-a", 0, 1)
	ws, _, err := dialWorker(t, wsURL(server), "w-a", keys)
	require.NoError(t, err)
	defer ws.Close()

	go func() {
		for {
			var msg protocol.Message
			if err := ws.ReadJSON(&msg); err != nil {
				return
			}
			if msg.Type != protocol.MsgEvalRequest {
				continue
			}
			_ = ws.WriteJSON(protocol.NewErrorReply(&msg, "boom"))
		}
	}()

	require.Eventually(t, func() bool { return m.hub.size() == 1 },
		2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = m.BroadcastEval(ctx, "explode()")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}
