package recovery

import (
	"os"
	"os/exec"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ilocn/warden/internal/worker"
	"github.com/ilocn/warden/internal/workspace"
)

func newWS(t *testing.T) *workspace.Workspace {
	t.Helper()
	ws, err := workspace.Init(t.TempDir())
	require.NoError(t, err)
	return ws
}

// exitedPID returns the pid of a process that has already been reaped.
func exitedPID(t *testing.T) int {
	t.Helper()
	cmd := exec.Command("true")
	require.NoError(t, cmd.Run())
	return cmd.Process.Pid
}

func TestRecoverReapsOrphans(t *testing.T) {
	t.Parallel()
	ws := newWS(t)

	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	waited := make(chan struct{})
	go func() {
		cmd.Wait() //nolint:errcheck
		close(waited)
	}()
	ct, err := worker.CreateTime(cmd.Process.Pid)
	require.NoError(t, err)

	require.NoError(t, worker.Register(ws, &worker.Record{TaskID: 1, PID: cmd.Process.Pid, CreatedAt: ct, Supervisor: exitedPID(t)}))
	require.NoError(t, worker.Register(ws, &worker.Record{TaskID: 2, PID: exitedPID(t), Supervisor: exitedPID(t)}))

	rep, err := Recover(ws)
	require.NoError(t, err)
	assert.Equal(t, Report{Reaped: 1, Dead: 1}, rep)

	select {
	case <-waited:
	case <-time.After(5 * time.Second):
		t.Fatal("orphan not killed")
	}
	recs, err := worker.List(ws)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestRecoverSkipsLiveSupervisor(t *testing.T) {
	t.Parallel()
	ws := newWS(t)
	// The test's parent process stands in for another live supervisor.
	require.NoError(t, worker.Register(ws, &worker.Record{TaskID: 4, PID: exitedPID(t), Supervisor: os.Getppid()}))

	rep, err := Recover(ws)
	require.NoError(t, err)
	assert.Equal(t, Report{Skipped: 1}, rep)
	_, err = worker.Get(ws, 4)
	require.NoError(t, err)
}

func TestRecoverRemovesStalePIDFile(t *testing.T) {
	t.Parallel()
	ws := newWS(t)
	require.NoError(t, os.WriteFile(ws.SupervisorPIDPath(), []byte(strconv.Itoa(exitedPID(t))), 0644))

	_, err := Recover(ws)
	require.NoError(t, err)
	assert.NoFileExists(t, ws.SupervisorPIDPath())
}

func TestClaimAndRelease(t *testing.T) {
	t.Parallel()
	ws := newWS(t)
	assert.False(t, IsSupervisorRunning(ws))

	require.NoError(t, Claim(ws))
	pid, ok := SupervisorPID(ws)
	require.True(t, ok)
	assert.Equal(t, os.Getpid(), pid)
	assert.True(t, IsSupervisorRunning(ws))
	require.NoError(t, Claim(ws), "reclaiming our own pid file succeeds")

	Release(ws)
	assert.NoFileExists(t, ws.SupervisorPIDPath())
}

func TestClaimRefusesLiveOwner(t *testing.T) {
	t.Parallel()
	ws := newWS(t)
	require.NoError(t, os.WriteFile(ws.SupervisorPIDPath(), []byte(strconv.Itoa(os.Getppid())), 0644))

	err := Claim(ws)
	require.ErrorIs(t, err, ErrSupervisorRunning)

	Release(ws)
	assert.FileExists(t, ws.SupervisorPIDPath(), "release leaves another owner's file")
}

func TestSupervisorPIDMalformed(t *testing.T) {
	t.Parallel()
	ws := newWS(t)
	require.NoError(t, os.WriteFile(ws.SupervisorPIDPath(), []byte("nope"), 0644))
	_, ok := SupervisorPID(ws)
	assert.False(t, ok)
}
