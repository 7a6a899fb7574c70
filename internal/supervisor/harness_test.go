package supervisor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ilocn/warden/internal/protocol"
	"github.com/ilocn/warden/internal/task"
	"github.com/ilocn/warden/internal/unit"
	"github.com/ilocn/warden/internal/watchdog"
)

var t0 = time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeHandle is a unit whose output the test scripts by hand.
type fakeHandle struct {
	spec      unit.Spec
	ch        chan protocol.Event
	keepOpen  bool // Kill leaves the channel open, like a unit still flushing
	closeOnce sync.Once
	stops     atomic.Int32
	kills     atomic.Int32
	exited    atomic.Bool
	onStop    func()
}

func (h *fakeHandle) Events() <-chan protocol.Event { return h.ch }

func (h *fakeHandle) Stop() {
	h.stops.Add(1)
	if h.onStop != nil {
		h.onStop()
	}
}

func (h *fakeHandle) Kill() error {
	if h.exited.Load() {
		return unit.ErrAlreadyExited
	}
	h.kills.Add(1)
	if !h.keepOpen {
		h.close()
	}
	return nil
}

func (h *fakeHandle) PID() int { return 1000 + int(h.spec.ID) }

func (h *fakeHandle) close() {
	h.closeOnce.Do(func() {
		h.exited.Store(true)
		close(h.ch)
	})
}

func (h *fakeHandle) progress(pct int, msg string) {
	h.ch <- protocol.Progress{ID: h.spec.ID, Progress: pct, Message: msg, Time: time.Now()}
}

// finish sends a terminal event and closes the channel, as a real unit does.
func (h *fakeHandle) finish(ev protocol.Event) {
	h.ch <- ev
	h.close()
}

type fakeLauncher struct {
	mu       sync.Mutex
	handles  []*fakeHandle
	err      error
	panicMsg string
	keepOpen bool
	onStop   func()
	launched chan *fakeHandle
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{launched: make(chan *fakeHandle, 64)}
}

func (l *fakeLauncher) Launch(_ context.Context, spec unit.Spec) (unit.Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.panicMsg != "" {
		panic(l.panicMsg)
	}
	if l.err != nil {
		return nil, l.err
	}
	h := &fakeHandle{spec: spec, ch: make(chan protocol.Event, 64), keepOpen: l.keepOpen, onStop: l.onStop}
	l.handles = append(l.handles, h)
	l.launched <- h
	return h, nil
}

func (l *fakeLauncher) set(fn func(l *fakeLauncher)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fn(l)
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.handles)
}

type harness struct {
	t      *testing.T
	sv     *Supervisor
	clock  *fakeClock
	cancel context.CancelFunc
	runErr chan error
}

func testConfig() Config {
	return Config{
		RequestBuffer: 16,
		EventBuffer:   256,
		ShutdownGrace: 500 * time.Millisecond,
		Watchdog: watchdog.Config{
			Interval:    2 * time.Millisecond,
			Threshold:   10 * time.Second,
			JoinTimeout: time.Second,
		},
	}
}

// start runs a supervisor on l with a fake clock pinned at t0.
func start(t *testing.T, l unit.Launcher, opts ...Option) *harness {
	t.Helper()
	return startWith(t, testConfig(), l, opts...)
}

func startWith(t *testing.T, cfg Config, l unit.Launcher, opts ...Option) *harness {
	t.Helper()
	clock := &fakeClock{now: t0}
	sv, err := New(cfg, l, append([]Option{WithClock(clock.Now)}, opts...)...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{t: t, sv: sv, clock: clock, cancel: cancel, runErr: make(chan error, 1)}
	go func() { h.runErr <- sv.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		for range sv.Events() {
		}
	})
	return h
}

func (h *harness) send(req protocol.Request) {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(h.t, h.sv.Send(ctx, req))
}

// next returns the next event or fails after a few seconds.
func (h *harness) next() protocol.Event {
	h.t.Helper()
	select {
	case ev, ok := <-h.sv.Events():
		require.True(h.t, ok, "events closed")
		return ev
	case <-time.After(5 * time.Second):
		h.t.Fatal("timed out waiting for event")
		return nil
	}
}

// none asserts no event arrives within d.
func (h *harness) none(d time.Duration) {
	h.t.Helper()
	select {
	case ev, ok := <-h.sv.Events():
		if ok {
			h.t.Fatalf("unexpected event: %s", protocol.Describe(ev))
		}
	case <-time.After(d):
	}
}

func (h *harness) record(id int64) task.Record {
	h.t.Helper()
	for _, r := range h.sv.Snapshot() {
		if r.ID == id {
			return r
		}
	}
	h.t.Fatalf("no record %d", id)
	return task.Record{}
}

// waitRun waits for Run to return and then for the events channel to close.
func (h *harness) waitRun() error {
	h.t.Helper()
	select {
	case err := <-h.runErr:
		return err
	case <-time.After(5 * time.Second):
		h.t.Fatal("Run did not return")
		return errors.New("timeout")
	}
}

func launchedHandle(t *testing.T, l *fakeLauncher) *fakeHandle {
	t.Helper()
	select {
	case fh := <-l.launched:
		return fh
	case <-time.After(5 * time.Second):
		t.Fatal("no unit launched")
		return nil
	}
}
