package agent

import (
	"context"
	"crypto/ed25519"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dd0wney/cluso-fleet/pkg/identity"
	"github.com/dd0wney/cluso-fleet/pkg/logging"
	"github.com/dd0wney/cluso-fleet/pkg/protocol"
	"github.com/dd0wney/cluso-fleet/pkg/registry"
)

// ConnState is where the agent stands with the orchestrator.
type ConnState string

const (
	// StateDisconnected means no socket exists.
	StateDisconnected ConnState = "disconnected"
	// StateConnecting means a dial is in progress.
	StateConnecting ConnState = "connecting"
	// StateConnected means the socket is up but the orchestrator has not
	// proven its identity yet. Directives are not obeyed in this state.
	StateConnected ConnState = "connected"
	// StateVerified means the orchestrator's challenge signature checked
	// out against the artifact's master public key.
	StateVerified ConnState = "verified"
)

// ErrTerminated is returned from Run when the orchestrator permanently
// removed this worker from service.
var ErrTerminated = errors.New("worker terminated by orchestrator")

// ErrWatchdogExpired is returned from Run when the orchestrator has been
// silent longer than AssumeDeadAfter. The process is expected to exit and be
// restarted from scratch by an external supervisor.
var ErrWatchdogExpired = errors.New("orchestrator silent past assumeDeadAfter")

// Agent is a fleet worker: one identity, one connection, one child.
type Agent struct {
	cfg       *Config
	artifact  *identity.Artifact
	privKey   ed25519.PrivateKey
	masterPub ed25519.PublicKey

	supervisor *Supervisor
	evals      *EvalProxy
	stats      *statsCollector
	logger     logging.Logger

	mu    sync.Mutex
	state ConnState
	ws    *websocket.Conn
	// goal is the last verified directive; reported on every heartbeat.
	goal protocol.UpdateDirective
	// lastDirective feeds the watchdog.
	lastDirective time.Time

	heartbeat time.Duration

	// expired is closed by the watchdog when the orchestrator has been
	// silent past AssumeDeadAfter; Run returns ErrWatchdogExpired.
	expired chan struct{}

	// pendingReplies correlates agent-initiated requests (relayed child
	// commands) with orchestrator replies.
	replyMu        sync.Mutex
	pendingReplies map[string]chan protocol.Reply

	respondent *Respondent
}

// New builds an agent from its config and unlocked identity artifact.
func New(cfg *Config, artifact *identity.Artifact, logger logging.Logger) (*Agent, error) {
	privKey, err := artifact.PrivateKey(cfg.Passphrase())
	if err != nil {
		return nil, err
	}
	masterPub, err := identity.DecodePublicKey(artifact.MasterPubKey)
	if err != nil {
		return nil, err
	}

	logger = logger.With(logging.WorkerID(artifact.ID))
	supervisor := NewSupervisor(artifact.ID, cfg.ChildCommand, cfg.GraceWindow, logger)

	a := &Agent{
		cfg:        cfg,
		artifact:   artifact,
		privKey:    privKey,
		masterPub:  masterPub,
		supervisor: supervisor,
		evals:      NewEvalProxy(supervisor, logger),
		stats:      newStatsCollector(artifact.ID, cfg.ProjectRoot, supervisor, logger),
		logger:     logger,
		state:      StateDisconnected,
		heartbeat:  cfg.HeartbeatInterval,
		goal:       protocol.UpdateDirective{GoalPartitionID: registry.GoalRetired},
		expired:    make(chan struct{}),

		pendingReplies: make(map[string]chan protocol.Reply),
	}
	supervisor.SetRelay(a.relayCommand)

	if cfg.SurveyAddr != "" {
		r, err := NewRespondent(cfg.SurveyAddr, artifact.ID, logger)
		if err != nil {
			return nil, err
		}
		a.respondent = r
	}

	return a, nil
}

// State returns the current connection state.
func (a *Agent) State() ConnState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Agent) setState(s ConnState) {
	a.mu.Lock()
	prev := a.state
	a.state = s
	a.mu.Unlock()
	if prev != s {
		a.logger.Info("connection state changed",
			logging.String("from", string(prev)), logging.String("to", string(s)))
	}
}

// Run connects, obeys, and reconnects until ctx is done or the orchestrator
// terminates this worker. Every dial attempt signs a fresh auth header; a
// header is never reused across attempts.
func (a *Agent) Run(ctx context.Context) error {
	if a.respondent != nil {
		go a.respondent.Run(ctx)
	}
	go a.watchdog(ctx)

	backoff := a.cfg.ReconnectMin
	for {
		select {
		case <-ctx.Done():
			a.supervisor.Stop()
			return nil
		case <-a.expired:
			a.supervisor.Stop()
			return ErrWatchdogExpired
		default:
		}

		sessionStart := time.Now()
		verified, err := a.session(ctx)
		select {
		case <-a.expired:
			a.supervisor.Stop()
			return ErrWatchdogExpired
		default:
		}
		if errors.Is(err, ErrTerminated) {
			a.supervisor.Stop()
			return ErrTerminated
		}
		// Only a session the orchestrator verified earns a redial. Anything
		// less means refusal or an impostor, and retrying would turn every
		// refused worker into a reconnect storm.
		if !verified {
			a.supervisor.Stop()
			if ctx.Err() != nil {
				return nil
			}
			if err == nil {
				err = errors.New("connection closed before verification")
			}
			a.logger.Error("connection ended before orchestrator verification, giving up",
				logging.Error(err))
			return err
		}
		if err != nil {
			a.logger.Warn("session ended", logging.Error(err))
		}

		// A session that held for at least one heartbeat earns a fresh
		// backoff; one that dropped straight away backs off harder.
		if time.Since(sessionStart) >= a.cfg.HeartbeatInterval {
			backoff = a.cfg.ReconnectMin
		} else {
			backoff *= 2
			if backoff > a.cfg.ReconnectMax {
				backoff = a.cfg.ReconnectMax
			}
		}

		select {
		case <-ctx.Done():
			a.supervisor.Stop()
			return nil
		case <-a.expired:
			a.supervisor.Stop()
			return ErrWatchdogExpired
		case <-time.After(backoff):
		}
	}
}

// session runs one connect-verify-serve cycle. Reports whether the master
// was verified before the session ended.
func (a *Agent) session(ctx context.Context) (bool, error) {
	a.setState(StateConnecting)

	hdr := http.Header{}
	hdr.Set(protocol.AuthHeaderKey,
		identity.NewAuthHeader(a.artifact.ID, a.privKey, time.Now()).String())

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, resp, err := dialer.DialContext(ctx, "ws://"+a.artifact.Host+"/", hdr)
	if err != nil {
		a.setState(StateDisconnected)
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			// Could be terminated, could be clock skew; only the
			// orchestrator knows. Keep retrying at full backoff.
			a.logger.Warn("authentication refused by orchestrator")
		}
		return false, err
	}
	defer ws.Close()

	a.mu.Lock()
	a.ws = ws
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		if a.ws == ws {
			a.ws = nil
		}
		a.mu.Unlock()
	}()
	a.setState(StateConnected)

	// The orchestrator must prove itself before anything it says is obeyed.
	if err := a.awaitVerification(ws); err != nil {
		a.setState(StateDisconnected)
		return false, err
	}
	a.setState(StateVerified)
	a.touchDirective()

	hbCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go a.heartbeatLoop(hbCtx, ws)

	err = a.serve(ctx, ws)
	a.setState(StateDisconnected)
	return true, err
}

// awaitVerification reads the first message and checks the orchestrator's
// challenge signature against the artifact's master public key.
func (a *Agent) awaitVerification(ws *websocket.Conn) error {
	_ = ws.SetReadDeadline(time.Now().Add(10 * time.Second))
	defer ws.SetReadDeadline(time.Time{})

	var msg protocol.Message
	if err := ws.ReadJSON(&msg); err != nil {
		return err
	}
	if msg.Type != protocol.MsgMasterVerification {
		return errors.New("orchestrator spoke before verifying itself")
	}

	var mv protocol.MasterVerification
	if err := msg.Decode(&mv); err != nil {
		return err
	}
	if !ed25519.Verify(a.masterPub, []byte(mv.ChallengeText), mv.Signature) {
		return errors.New("orchestrator failed identity verification")
	}
	return nil
}

// serve handles directives until the socket drops.
func (a *Agent) serve(ctx context.Context, ws *websocket.Conn) error {
	for {
		var msg protocol.Message
		if err := ws.ReadJSON(&msg); err != nil {
			return err
		}
		// Anything from a verified orchestrator counts as contact.
		a.touchDirective()

		switch msg.Type {
		case protocol.MsgUpdate:
			if err := a.handleUpdate(&msg); err != nil {
				if errors.Is(err, ErrTerminated) {
					return err
				}
				a.logger.Warn("update directive failed", logging.Error(err))
			}
		case protocol.MsgRespawn:
			a.handleRespawn(&msg)
		case protocol.MsgEvalRequest:
			a.handleEval(ctx, ws, &msg)
		case protocol.MsgWriteFile:
			a.handleWriteFile(ws, &msg)
		case protocol.MsgGetFile:
			a.handleGetFile(ws, &msg)
		case protocol.MsgReply:
			a.resolveReply(&msg)
		default:
			a.logger.Warn("unexpected message from orchestrator",
				logging.String("type", string(msg.Type)))
		}
	}
}

func (a *Agent) handleUpdate(msg *protocol.Message) error {
	var d protocol.UpdateDirective
	if err := msg.Decode(&d); err != nil {
		return err
	}

	a.mu.Lock()
	a.goal = d
	if d.HeartbeatMillis > 0 {
		a.heartbeat = time.Duration(d.HeartbeatMillis) * time.Millisecond
	}
	a.mu.Unlock()

	if err := a.supervisor.Apply(d); err != nil {
		return err
	}
	if d.GoalPartitionID == registry.GoalTerminated {
		// Terminated: this identity will never be served again.
		return ErrTerminated
	}
	return nil
}

func (a *Agent) handleRespawn(msg *protocol.Message) {
	var d protocol.RespawnDirective
	if err := msg.Decode(&d); err != nil {
		a.logger.Warn("malformed respawn directive", logging.Error(err))
		return
	}
	a.supervisor.Respawn(time.Duration(d.DelayMillis) * time.Millisecond)
}

func (a *Agent) handleEval(ctx context.Context, ws *websocket.Conn, msg *protocol.Message) {
	var req protocol.EvalRequest
	if err := msg.Decode(&req); err != nil {
		a.reply(ws, protocol.NewErrorReply(msg, "malformed eval request"))
		return
	}

	// Evals run off the read loop; identical scripts share one child trip.
	go func() {
		evalCtx, cancel := context.WithTimeout(ctx, a.cfg.EvalTimeout)
		defer cancel()

		output, err := a.evals.Eval(evalCtx, req.Script)
		result := protocol.EvalResult{Output: output}
		if err != nil {
			result = protocol.EvalResult{Error: err.Error()}
		}
		reply, rerr := protocol.NewReply(msg, result)
		if rerr != nil {
			reply = protocol.NewErrorReply(msg, rerr.Error())
		}
		a.reply(ws, reply)
	}()
}

// reply serializes writes; gorilla allows one concurrent writer only.
func (a *Agent) reply(ws *websocket.Conn, msg *protocol.Message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := ws.WriteJSON(msg); err != nil {
		a.logger.Warn("failed to send reply", logging.Error(err))
	}
}

// heartbeatLoop sends a status snapshot on the agreed cadence.
func (a *Agent) heartbeatLoop(ctx context.Context, ws *websocket.Conn) {
	for {
		a.mu.Lock()
		interval := a.heartbeat
		a.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}

		a.sendStatus(ctx, ws)
	}
}

func (a *Agent) sendStatus(ctx context.Context, ws *websocket.Conn) {
	a.mu.Lock()
	goal := a.goal
	a.mu.Unlock()

	statsCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	snap := a.stats.Collect(statsCtx, goal.GoalPartitionID, goal.GoalPartitionCount)
	cancel()

	msg, err := protocol.NewEvent(protocol.MsgStatus, protocol.StatusReport{Snapshot: *snap})
	if err != nil {
		return
	}
	a.reply(ws, msg)
}

func (a *Agent) touchDirective() {
	a.mu.Lock()
	a.lastDirective = time.Now()
	a.mu.Unlock()
}

// watchdog guards against a wedged orchestrator path: past
// requestRebootAfter of silence the connection is forced down so a fresh
// dial can find a healthy orchestrator; past assumeDeadAfter the whole
// process shuts down so an unreachable worker never keeps serving a
// partition the orchestrator has given away. An external process
// supervisor restarts the agent from scratch.
func (a *Agent) watchdog(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.RequestRebootAfter / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		a.mu.Lock()
		last := a.lastDirective
		ws := a.ws
		state := a.state
		a.mu.Unlock()

		// Before the first directive there is nothing to measure silence
		// against; reconnect backoff governs that phase.
		if last.IsZero() {
			continue
		}
		silence := time.Since(last)

		if silence >= a.cfg.AssumeDeadAfter {
			a.logger.Error("orchestrator silent past assume-dead threshold, shutting down")
			if ws != nil {
				_ = ws.Close()
			}
			close(a.expired)
			return
		}
		// Only a verified session gets forced down; a handshake still in
		// flight is the reconnect already happening.
		if silence >= a.cfg.RequestRebootAfter && state == StateVerified && ws != nil {
			a.logger.Warn("orchestrator silent, forcing reconnect",
				logging.Any("silence", silence.String()))
			_ = ws.Close()
		}
	}
}
