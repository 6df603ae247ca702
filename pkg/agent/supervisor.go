package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dd0wney/cluso-fleet/pkg/logging"
	"github.com/dd0wney/cluso-fleet/pkg/protocol"
)

// crashRestartDelay paces automatic restarts of a crashed child.
const crashRestartDelay = 250 * time.Millisecond

// Assignment is what the child is currently running.
type Assignment struct {
	PartitionID    int
	PartitionCount int
	IsMaster       bool
	Params         map[string]string
}

// Unassigned reports whether the assignment names no real partition.
func (a Assignment) Unassigned() bool {
	return a.PartitionCount == 0 && !a.IsMaster
}

// Supervisor owns the child process: launching it with its assignment,
// restarting it on directives or crashes, and routing IPC lines.
type Supervisor struct {
	workerID string
	command  []string
	grace    time.Duration
	logger   logging.Logger

	mu         sync.Mutex
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	exited     chan struct{}
	assignment Assignment
	bootTime   time.Time
	// respawning coalesces overlapping respawn requests into one restart.
	respawning bool
	// stopping marks a deliberate Stop so readLoop can tell a commanded
	// shutdown from a crash.
	stopping bool

	pendingMu sync.Mutex
	pending   map[string]chan *ChildMessage

	// writeMu serializes IPC lines; relayed command outcomes and agent
	// requests share the child's stdin.
	writeMu sync.Mutex

	// relay handles child-initiated fleet commands; set by the agent.
	relay func(msg *ChildMessage) *ChildMessage
}

// NewSupervisor builds a supervisor; the child is not started until an
// assignment arrives.
func NewSupervisor(workerID string, command []string, grace time.Duration, logger logging.Logger) *Supervisor {
	return &Supervisor{
		workerID: workerID,
		command:  command,
		grace:    grace,
		logger:   logger.With(logging.Component("supervisor")),
		pending:  make(map[string]chan *ChildMessage),
	}
}

// SetRelay installs the handler for child-initiated fleet commands.
func (s *Supervisor) SetRelay(fn func(msg *ChildMessage) *ChildMessage) {
	s.mu.Lock()
	s.relay = fn
	s.mu.Unlock()
}

// Assignment returns the child's current assignment.
func (s *Supervisor) Assignment() Assignment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.assignment
}

// BootTime returns when the current child started; zero when not running.
func (s *Supervisor) BootTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bootTime
}

// Running reports whether a child process is up.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cmd != nil
}

// Apply drives the child toward a directive. A retire directive stops the
// child; a changed assignment restarts it; an unchanged one is a no-op. A
// spawn failure clears the assignment so the next heartbeat reports the
// truth instead of a child that does not exist.
func (s *Supervisor) Apply(d protocol.UpdateDirective) error {
	if d.GoalPartitionID < 0 {
		s.logger.Info("retire directive received, stopping child",
			logging.PartitionID(d.GoalPartitionID))
		s.Stop()
		s.mu.Lock()
		s.assignment = Assignment{}
		s.mu.Unlock()
		return nil
	}

	next := Assignment{
		PartitionID:    d.GoalPartitionID,
		PartitionCount: d.GoalPartitionCount,
		IsMaster:       d.IsMaster,
		Params:         d.ChildParams,
	}

	s.mu.Lock()
	same := s.cmd != nil && assignmentsEqual(s.assignment, next)
	s.mu.Unlock()
	if same {
		return nil
	}

	s.Stop()
	if err := s.start(next); err != nil {
		s.mu.Lock()
		s.assignment = Assignment{}
		s.mu.Unlock()
		return fmt.Errorf("failed to spawn child: %w", err)
	}
	return nil
}

func assignmentsEqual(a, b Assignment) bool {
	if a.PartitionID != b.PartitionID ||
		a.PartitionCount != b.PartitionCount ||
		a.IsMaster != b.IsMaster ||
		len(a.Params) != len(b.Params) {
		return false
	}
	for k, v := range a.Params {
		if b.Params[k] != v {
			return false
		}
	}
	return true
}

func (s *Supervisor) start(a Assignment) error {
	cmd := exec.Command(s.command[0], s.command[1:]...)
	cmd.Env = append(os.Environ(),
		EnvWorkerID+"="+s.workerID,
		EnvPartitionID+"="+strconv.Itoa(a.PartitionID),
		EnvPartitionCount+"="+strconv.Itoa(a.PartitionCount),
		EnvIsMaster+"="+strconv.FormatBool(a.IsMaster),
	)
	for k, v := range a.Params {
		cmd.Env = append(cmd.Env, EnvChildParam+k+"="+v)
	}
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}

	exited := make(chan struct{})
	s.mu.Lock()
	s.cmd = cmd
	s.stdin = stdin
	s.exited = exited
	s.assignment = a
	s.bootTime = time.Now()
	s.stopping = false
	s.mu.Unlock()

	s.logger.Info("child started",
		logging.Int("pid", cmd.Process.Pid),
		logging.PartitionID(a.PartitionID),
		logging.PartitionCount(a.PartitionCount))

	go s.readLoop(cmd, stdout, exited)
	return nil
}

// readLoop routes the child's IPC lines until its stdout closes.
func (s *Supervisor) readLoop(cmd *exec.Cmd, stdout io.Reader, exited chan struct{}) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 16<<20)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg ChildMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			s.logger.Warn("unparseable line from child", logging.Error(err))
			continue
		}
		s.dispatch(&msg)
	}

	err := cmd.Wait()
	close(exited)

	s.mu.Lock()
	ours := s.cmd == cmd
	var crashed bool
	if ours {
		s.cmd = nil
		s.stdin = nil
		s.exited = nil
		s.bootTime = time.Time{}
		crashed = !s.stopping && !s.assignment.Unassigned()
	}
	s.mu.Unlock()
	if !ours {
		return
	}

	s.logger.Warn("child exited", logging.Error(err))
	s.failPending("child exited")

	// An uncommanded exit with a live assignment is a crash; the child
	// comes back without waiting for the orchestrator to notice. The delay
	// paces a child that dies on boot.
	if crashed {
		s.logger.Info("restarting crashed child")
		s.Respawn(crashRestartDelay)
	}
}

func (s *Supervisor) dispatch(msg *ChildMessage) {
	if msg.ID != "" {
		s.pendingMu.Lock()
		ch, ok := s.pending[msg.ID]
		s.pendingMu.Unlock()
		if ok {
			ch <- msg
			return
		}
	}

	switch msg.Type {
	case ChildBroadcastEval, ChildRespawnAll, ChildSendSQL:
		s.mu.Lock()
		relay := s.relay
		stdin := s.stdin
		s.mu.Unlock()
		if relay == nil {
			s.logger.Warn("child fleet command with no relay installed",
				logging.String("type", string(msg.Type)))
			return
		}
		// The relay blocks on the orchestrator; never stall readLoop on it.
		go func() {
			if resp := relay(msg); resp != nil && stdin != nil {
				_ = s.writeLine(stdin, resp)
			}
		}()
	default:
		s.logger.Debug("unsolicited child message",
			logging.String("type", string(msg.Type)))
	}
}

func (s *Supervisor) failPending(reason string) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	for id, ch := range s.pending {
		select {
		case ch <- &ChildMessage{Type: ChildEvalResult, ID: id,
			Data: mustEncode(ChildEvalResponse{Error: reason})}:
		default:
		}
	}
}

func mustEncode(v any) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}

// request writes one IPC line and waits for the correlated response.
func (s *Supervisor) request(ctx context.Context, msg *ChildMessage) (*ChildMessage, error) {
	s.mu.Lock()
	stdin := s.stdin
	s.mu.Unlock()
	if stdin == nil {
		return nil, fmt.Errorf("no child running")
	}

	ch := make(chan *ChildMessage, 1)
	s.pendingMu.Lock()
	s.pending[msg.ID] = ch
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, msg.ID)
		s.pendingMu.Unlock()
	}()

	if err := s.writeLine(stdin, msg); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Supervisor) writeLine(w io.Writer, msg *ChildMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err = w.Write(append(data, '\n'))
	return err
}

// Eval asks the child to evaluate a script.
func (s *Supervisor) Eval(ctx context.Context, script string) (string, error) {
	msg, err := NewChildMessage(ChildEval, uuid.NewString(), ChildEvalRequest{Script: script})
	if err != nil {
		return "", err
	}

	resp, err := s.request(ctx, msg)
	if err != nil {
		return "", err
	}

	var result ChildEvalResponse
	if err := resp.Decode(&result); err != nil {
		return "", fmt.Errorf("malformed eval result from child: %w", err)
	}
	if result.Error != "" {
		return "", fmt.Errorf("%s", result.Error)
	}
	return result.Output, nil
}

// Stats asks the child for its self-reported health figures.
func (s *Supervisor) Stats(ctx context.Context) (*ChildStats, error) {
	msg, err := NewChildMessage(ChildStatsRequest, uuid.NewString(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.request(ctx, msg)
	if err != nil {
		return nil, err
	}

	var stats ChildStats
	if err := resp.Decode(&stats); err != nil {
		return nil, fmt.Errorf("malformed stats from child: %w", err)
	}
	return &stats, nil
}

// Respawn restarts the child after delay, soft shutdown first. Requests
// arriving while a respawn is already scheduled coalesce into it.
func (s *Supervisor) Respawn(delay time.Duration) {
	s.mu.Lock()
	if s.respawning {
		s.mu.Unlock()
		s.logger.Debug("respawn already scheduled, coalescing")
		return
	}
	s.respawning = true
	assignment := s.assignment
	s.mu.Unlock()

	go func() {
		if delay > 0 {
			time.Sleep(delay)
		}
		s.Stop()

		s.mu.Lock()
		s.respawning = false
		s.mu.Unlock()

		if assignment.Unassigned() {
			return
		}
		if err := s.start(assignment); err != nil {
			s.logger.Error("failed to respawn child", logging.Error(err))
			s.mu.Lock()
			s.assignment = Assignment{}
			s.mu.Unlock()
		}
	}()
}

// Stop shuts the child down: a soft shutdown line first, then a kill when
// the grace window runs out.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	cmd := s.cmd
	stdin := s.stdin
	exited := s.exited
	// stopping latches until the next start so readLoop cannot mistake
	// this commanded exit for a crash, however late it observes it.
	s.stopping = true
	s.mu.Unlock()
	if cmd == nil {
		return
	}

	if stdin != nil {
		if msg, err := NewChildMessage(ChildShutdown, "", nil); err == nil {
			_ = s.writeLine(stdin, msg)
		}
	}

	select {
	case <-exited:
	case <-time.After(s.grace):
		s.logger.Warn("child ignored shutdown, killing",
			logging.Int("pid", cmd.Process.Pid))
		_ = cmd.Process.Kill()
		<-exited
	}
}
