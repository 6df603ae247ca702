package agent

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-fleet/pkg/logging"
	"github.com/dd0wney/cluso-fleet/pkg/protocol"
)

// fakeChildScript speaks the child IPC protocol: answers stats requests
// with fixed figures, answers evals with its partition id from the
// environment, and exits cleanly on shutdown.
const fakeChildScript = `#!/usr/bin/env bash
while IFS= read -r line; do
  case "$line" in
    *'"shutdown"'*) exit 0 ;;
    *'"statsRequest"'*)
      id=$(printf '%s' "$line" | sed -n 's/.*"id":"\([^"]*\)".*/\1/p')
      printf '{"type":"statsReport","id":"%s","data":{"memoryBytes":1024,"messagesHandled":7}}\n' "$id"
      ;;
    *'"eval"'*)
      id=$(printf '%s' "$line" | sed -n 's/.*"id":"\([^"]*\)".*/\1/p')
      printf '{"type":"evalResult","id":"%s","data":{"output":"%s"}}\n' "$id" "$FLEET_PARTITION_ID"
      ;;
  esac
done
`

func writeFakeChild(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake child needs a shell")
	}
	path := filepath.Join(t.TempDir(), "child.sh")
	require.NoError(t, os.WriteFile(path, []byte(fakeChildScript), 0o755))
	return path
}

func newTestSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	s := NewSupervisor("w-test", []string{writeFakeChild(t)}, 2*time.Second, logging.NewNopLogger())
	t.Cleanup(s.Stop)
	return s
}

func TestSupervisorSpawnsChildWithAssignment(t *testing.T) {
	s := newTestSupervisor(t)

	require.NoError(t, s.Apply(protocol.UpdateDirective{
		GoalPartitionID:    3,
		GoalPartitionCount: 8,
	}))

	assert.True(t, s.Running())
	a := s.Assignment()
	assert.Equal(t, 3, a.PartitionID)
	assert.Equal(t, 8, a.PartitionCount)
	assert.False(t, s.BootTime().IsZero())
}

func TestSupervisorEvalRoundTrip(t *testing.T) {
	s := newTestSupervisor(t)
	require.NoError(t, s.Apply(protocol.UpdateDirective{
		GoalPartitionID:    5,
		GoalPartitionCount: 8,
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := s.Eval(ctx, "whoami()")
	require.NoError(t, err)
	// The fake child answers with its partition id from the environment,
	// proving the assignment made it through.
	assert.Equal(t, "5", out)
}

func TestSupervisorStatsRoundTrip(t *testing.T) {
	s := newTestSupervisor(t)
	require.NoError(t, s.Apply(protocol.UpdateDirective{GoalPartitionCount: 1}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1024), stats.MemoryBytes)
	assert.Equal(t, uint64(7), stats.MessagesHandled)
}

func TestSupervisorUnchangedDirectiveIsNoOp(t *testing.T) {
	s := newTestSupervisor(t)
	d := protocol.UpdateDirective{GoalPartitionID: 1, GoalPartitionCount: 2}

	require.NoError(t, s.Apply(d))
	boot := s.BootTime()

	require.NoError(t, s.Apply(d))
	assert.Equal(t, boot, s.BootTime(), "same assignment must not restart the child")
}

func TestSupervisorChangedAssignmentRestartsChild(t *testing.T) {
	s := newTestSupervisor(t)
	require.NoError(t, s.Apply(protocol.UpdateDirective{GoalPartitionID: 0, GoalPartitionCount: 2}))

	require.NoError(t, s.Apply(protocol.UpdateDirective{GoalPartitionID: 1, GoalPartitionCount: 2}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := s.Eval(ctx, "whoami()")
	require.NoError(t, err)
	assert.Equal(t, "1", out, "the new child carries the new assignment")
}

func TestSupervisorRetireStopsChild(t *testing.T) {
	s := newTestSupervisor(t)
	require.NoError(t, s.Apply(protocol.UpdateDirective{GoalPartitionCount: 1}))
	require.True(t, s.Running())

	require.NoError(t, s.Apply(protocol.UpdateDirective{GoalPartitionID: -1}))

	assert.False(t, s.Running())
	assert.True(t, s.Assignment().Unassigned())
}

func TestSupervisorSoftShutdownHonored(t *testing.T) {
	s := newTestSupervisor(t)
	require.NoError(t, s.Apply(protocol.UpdateDirective{GoalPartitionCount: 1}))

	started := time.Now()
	s.Stop()

	// The fake child exits on the shutdown line, well inside the grace
	// window; a kill would take the full window.
	assert.Less(t, time.Since(started), 2*time.Second)
	assert.False(t, s.Running())
}

func TestSupervisorSpawnFailureClearsAssignment(t *testing.T) {
	s := NewSupervisor("w-test", []string{"/nonexistent/child"}, time.Second, logging.NewNopLogger())

	err := s.Apply(protocol.UpdateDirective{GoalPartitionID: 0, GoalPartitionCount: 1})
	require.Error(t, err)

	assert.False(t, s.Running())
	assert.True(t, s.Assignment().Unassigned(),
		"a failed spawn must not leave a goal the heartbeat would lie about")
}

func TestSupervisorRespawnCoalesces(t *testing.T) {
	s := newTestSupervisor(t)
	require.NoError(t, s.Apply(protocol.UpdateDirective{GoalPartitionID: 2, GoalPartitionCount: 4}))

	s.Respawn(100 * time.Millisecond)
	s.Respawn(100 * time.Millisecond)
	s.Respawn(100 * time.Millisecond)

	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return !s.respawning
	}, 5*time.Second, 20*time.Millisecond)

	require.Eventually(t, s.Running, 5*time.Second, 20*time.Millisecond)
	a := s.Assignment()
	assert.Equal(t, 2, a.PartitionID, "respawn keeps the assignment")
}

// crashOnceChildScript exits immediately on its first boot, then behaves
// like a normal child on every boot after that.
const crashOnceChildScript = `#!/usr/bin/env bash
if [ ! -f "$FLEET_PARAM_MARKER" ]; then
  : > "$FLEET_PARAM_MARKER"
  exit 1
fi
while IFS= read -r line; do
  case "$line" in
    *'"shutdown"'*) exit 0 ;;
    *'"eval"'*)
      id=$(printf '%s' "$line" | sed -n 's/.*"id":"\([^"]*\)".*/\1/p')
      printf '{"type":"evalResult","id":"%s","data":{"output":"%s"}}\n' "$id" "$FLEET_PARTITION_ID"
      ;;
  esac
done
`

func TestSupervisorRespawnsCrashedChild(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("fake child needs a shell")
	}
	dir := t.TempDir()
	script := filepath.Join(dir, "child.sh")
	marker := filepath.Join(dir, "crashed-once")
	require.NoError(t, os.WriteFile(script, []byte(crashOnceChildScript), 0o755))

	s := NewSupervisor("w-test", []string{script}, 2*time.Second, logging.NewNopLogger())
	t.Cleanup(s.Stop)

	require.NoError(t, s.Apply(protocol.UpdateDirective{
		GoalPartitionID:    1,
		GoalPartitionCount: 2,
		ChildParams:        map[string]string{"MARKER": marker},
	}))

	// The first child dies on boot; the supervisor must bring a working
	// one back without any orchestrator directive.
	require.Eventually(t, func() bool {
		if !s.Running() {
			return false
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		out, err := s.Eval(ctx, "whoami()")
		return err == nil && out == "1"
	}, 5*time.Second, 50*time.Millisecond)
}

// commandingChildScript asks for a fleet-wide eval as soon as it boots,
// then idles until shutdown.
const commandingChildScript = `#!/usr/bin/env bash
printf '{"type":"broadcastEval","id":"b1","data":{"script":"sum()"}}\n'
while IFS= read -r line; do
  case "$line" in
    *'"shutdown"'*) exit 0 ;;
  esac
done
`

func TestSupervisorRoutesChildCommandsToRelay(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("fake child needs a shell")
	}
	script := filepath.Join(t.TempDir(), "child.sh")
	require.NoError(t, os.WriteFile(script, []byte(commandingChildScript), 0o755))

	s := NewSupervisor("w-test", []string{script}, 2*time.Second, logging.NewNopLogger())
	t.Cleanup(s.Stop)

	got := make(chan *ChildMessage, 1)
	s.SetRelay(func(msg *ChildMessage) *ChildMessage {
		got <- msg
		out, _ := NewChildMessage(ChildBroadcastEvalResult, msg.ID, ChildCommandResult{})
		return out
	})

	require.NoError(t, s.Apply(protocol.UpdateDirective{GoalPartitionCount: 1}))

	select {
	case msg := <-got:
		assert.Equal(t, ChildBroadcastEval, msg.Type)
		assert.Equal(t, "b1", msg.ID)
		var req ChildEvalRequest
		require.NoError(t, msg.Decode(&req))
		assert.Equal(t, "sum()", req.Script)
	case <-time.After(5 * time.Second):
		t.Fatal("child fleet command never reached the relay")
	}
}
