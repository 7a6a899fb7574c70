package main

import (
	"bytes"
	"context"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ilocn/warden/internal/console"
	"github.com/ilocn/warden/internal/logbuf"
	"github.com/ilocn/warden/internal/protocol"
	"github.com/ilocn/warden/internal/recovery"
	"github.com/ilocn/warden/internal/supervisor"
	"github.com/ilocn/warden/internal/task"
	"github.com/ilocn/warden/internal/web"
	"github.com/ilocn/warden/internal/workspace"
)

// serveWorkspace runs a local-mode supervisor behind the web adapter and
// records its address the way `warden run` does.
func serveWorkspace(t *testing.T) (*workspace.Workspace, *web.Hub) {
	t.Helper()
	ws := newTestWS(t)
	cfg := withMode(ws.Config, workspace.UnitModeLocal)

	sv, err := supervisor.New(supervisorConfig(cfg), newLauncher(ws, cfg))
	require.NoError(t, err)
	hub := web.NewHub(sv.Events())
	srv := web.New(sv, hub, logbuf.New(10), prometheus.NewRegistry())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, workspace.AtomicWrite(ws.WebAddrPath(), []byte(ln.Addr().String()+"\n")))
	require.NoError(t, recovery.Claim(ws))

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = sv.Run(ctx)
	}()
	go hub.Run()
	go func() { _ = srv.Serve(ctx, ln) }()

	t.Cleanup(func() {
		cancel()
		<-runDone
		<-hub.Done()
	})
	return ws, hub
}

func TestDialRemoteWithoutSupervisor(t *testing.T) {
	t.Parallel()
	ws := newTestWS(t)
	_, err := dialRemote(ws)
	assert.ErrorIs(t, err, errNoSupervisor)

	// An address left behind by a dead supervisor is not trusted.
	require.NoError(t, workspace.AtomicWrite(ws.WebAddrPath(), []byte("127.0.0.1:1\n")))
	_, err = dialRemote(ws)
	assert.ErrorIs(t, err, errNoSupervisor)
}

func TestRemoteSubmitAndStatus(t *testing.T) {
	t.Parallel()
	ws, _ := serveWorkspace(t)
	r, err := dialRemote(ws)
	require.NoError(t, err)

	require.NoError(t, r.send(protocol.Submit{Payload: "Texture analysis"}))
	var rows []taskRow
	require.Eventually(t, func() bool {
		rows, err = r.tasks()
		return err == nil && len(rows) == 1 && rows[0].Status == task.StatusCompleted
	}, 10*time.Second, 10*time.Millisecond)
	assert.Equal(t, "Texture analysis", rows[0].Payload)
	assert.Equal(t, 100, rows[0].Progress)

	var buf bytes.Buffer
	printTasks(&buf, rows)
	assert.Contains(t, buf.String(), "PROGRESS")
	assert.Contains(t, buf.String(), "completed")
	assert.Contains(t, buf.String(), "Texture analysis")
}

func TestRemoteBadRequestSurfacesError(t *testing.T) {
	t.Parallel()
	ws, _ := serveWorkspace(t)
	r, err := dialRemote(ws)
	require.NoError(t, err)

	// Unknown ids are accepted on the wire; the supervisor answers with an
	// Error event.
	require.NoError(t, r.send(protocol.Kill{ID: 99}))

	resp, err := r.http.Post(r.url("/api/requests"), "application/json", strings.NewReader(`{"type":"nope"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Contains(t, apiError(resp).Error(), "unknown message type")
}

func TestRemoteWatchStreamsUntilStop(t *testing.T) {
	t.Parallel()
	ws, hub := serveWorkspace(t)
	r, err := dialRemote(ws)
	require.NoError(t, err)

	var out bytes.Buffer
	done := make(chan error, 1)
	go func() {
		done <- r.watch(context.Background(), console.NewPrinter(&out, false))
	}()
	require.Eventually(t, func() bool { return hub.Len() == 1 }, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, r.send(protocol.Submit{Payload: "A"}))
	require.NoError(t, r.send(protocol.Kill{ID: 1}))
	require.NoError(t, r.send(protocol.Shutdown{}))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("watch did not end with the supervisor")
	}
	assert.Contains(t, out.String(), "task 1: started")
}

func TestLogsCmdReadsUnitLog(t *testing.T) {
	t.Parallel()
	ws := newTestWS(t)
	require.NoError(t, os.WriteFile(ws.LogPath(3), []byte("one\ntwo\nthree\n"), 0644))
	g := &Globals{}
	g.once.Do(func() { g.ws = ws })

	require.NoError(t, (&LogsCmd{ID: 3, Tail: 1}).Run(g))
	assert.Error(t, (&LogsCmd{ID: 4}).Run(g))
}
