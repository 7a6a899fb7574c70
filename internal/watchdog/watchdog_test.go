package watchdog

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ilocn/warden/internal/protocol"
	"github.com/ilocn/warden/internal/task"
)

var t0 = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

type sink struct {
	mu  sync.Mutex
	evs []protocol.Event
}

func (s *sink) emit(ev protocol.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evs = append(s.evs, ev)
}

func (s *sink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.evs)
}

func newTable(t *testing.T, recs ...task.Record) *task.Table {
	t.Helper()
	tbl, err := task.NewTable(0)
	require.NoError(t, err)
	for _, r := range recs {
		require.NoError(t, tbl.Insert(r))
	}
	return tbl
}

func newDog(t *testing.T, src Source, s *sink) *Watchdog {
	t.Helper()
	w, err := New(src, s.emit, Config{Interval: time.Second, Threshold: 10 * time.Second})
	require.NoError(t, err)
	return w
}

func TestNewValidates(t *testing.T) {
	t.Parallel()
	tbl := newTable(t)
	s := &sink{}
	_, err := New(nil, s.emit, Config{Interval: time.Second, Threshold: time.Second})
	require.Error(t, err)
	_, err = New(tbl, nil, Config{Interval: time.Second, Threshold: time.Second})
	require.Error(t, err)
	_, err = New(tbl, s.emit, Config{Interval: 0, Threshold: time.Second})
	require.Error(t, err)
	_, err = New(tbl, s.emit, Config{Interval: time.Second, Threshold: -1})
	require.Error(t, err)
}

func TestWarnsOnlyPastThreshold(t *testing.T) {
	t.Parallel()
	tbl := newTable(t, task.Record{ID: 2, Status: task.StatusRunning, LastUpdate: t0})
	s := &sink{}
	w := newDog(t, tbl, s)

	assert.Empty(t, w.Check(t0.Add(5*time.Second)))
	assert.Empty(t, w.Check(t0.Add(10*time.Second)), "exactly the threshold is not stuck yet")

	got := w.Check(t0.Add(11 * time.Second))
	require.Len(t, got, 1)
	assert.Equal(t, int64(2), got[0].ID)
	assert.Contains(t, got[0].Message, StuckMessage)
	assert.Contains(t, got[0].Message, "11s")
	assert.Equal(t, 1, s.len())

	rec, _ := tbl.Get(2)
	assert.Equal(t, task.StatusRunning, rec.Status, "warning must not touch status")
}

func TestWarnsOncePerStallThenRepeats(t *testing.T) {
	t.Parallel()
	tbl := newTable(t, task.Record{ID: 1, Status: task.StatusRunning, LastUpdate: t0})
	s := &sink{}
	w := newDog(t, tbl, s)

	require.Len(t, w.Check(t0.Add(11*time.Second)), 1)
	for sec := 12; sec < 21; sec++ {
		assert.Empty(t, w.Check(t0.Add(time.Duration(sec)*time.Second)), "second %d", sec)
	}
	require.Len(t, w.Check(t0.Add(21*time.Second)), 1)
	assert.Equal(t, 2, s.len())
}

func TestProgressClearsStall(t *testing.T) {
	t.Parallel()
	tbl := newTable(t, task.Record{ID: 2, Status: task.StatusRunning, LastUpdate: t0})
	s := &sink{}
	w := newDog(t, tbl, s)

	require.Len(t, w.Check(t0.Add(11*time.Second)), 1)

	resumed := t0.Add(12 * time.Second)
	require.NoError(t, tbl.Update(2, func(r *task.Record) {
		r.Progress = 50
		r.LastUpdate = resumed
	}))
	for sec := 13; sec <= 22; sec++ {
		assert.Empty(t, w.Check(t0.Add(time.Duration(sec)*time.Second)))
	}
	// Silent again for more than a full threshold after resuming.
	got := w.Check(resumed.Add(11 * time.Second))
	require.Len(t, got, 1)
	assert.Contains(t, got[0].Message, "11s")
}

func TestIgnoresInactiveTasks(t *testing.T) {
	t.Parallel()
	tbl := newTable(t,
		task.Record{ID: 1, Status: task.StatusPending, LastUpdate: t0},
		task.Record{ID: 2, Status: task.StatusCompleted, LastUpdate: t0},
		task.Record{ID: 3, Status: task.StatusCancelRequested, LastUpdate: t0},
		task.Record{ID: 4, Status: task.StatusKilled, LastUpdate: t0},
	)
	s := &sink{}
	w := newDog(t, tbl, s)

	got := w.Check(t0.Add(time.Minute))
	require.Len(t, got, 1)
	assert.Equal(t, int64(3), got[0].ID)
}

func TestForgetsFinishedTasks(t *testing.T) {
	t.Parallel()
	tbl := newTable(t, task.Record{ID: 1, Status: task.StatusRunning, LastUpdate: t0})
	s := &sink{}
	w := newDog(t, tbl, s)

	require.Len(t, w.Check(t0.Add(11*time.Second)), 1)
	require.NoError(t, tbl.Update(1, func(r *task.Record) { r.Status = task.StatusKilled }))
	assert.Empty(t, w.Check(t0.Add(12*time.Second)))
	assert.Empty(t, w.warned)
}

func TestLoopUsesClockAndStops(t *testing.T) {
	t.Parallel()
	tbl := newTable(t, task.Record{ID: 1, Status: task.StatusRunning, LastUpdate: t0})
	s := &sink{}
	w, err := New(tbl, s.emit,
		Config{Interval: 5 * time.Millisecond, Threshold: time.Second, JoinTimeout: time.Second},
		WithClock(func() time.Time { return t0.Add(time.Hour) }))
	require.NoError(t, err)

	w.Start()
	w.Start()
	require.Eventually(t, func() bool { return s.len() >= 1 }, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, w.Stop())
	require.NoError(t, w.Stop())

	n := s.len()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, s.len(), "no warnings after stop")
}

func TestStopWithoutStart(t *testing.T) {
	t.Parallel()
	w := newDog(t, newTable(t), &sink{})
	require.NoError(t, w.Stop())
	w.Start() // no-op after stop
	require.NoError(t, w.Stop())
}

type blockingSource struct{ release chan struct{} }

func (b blockingSource) Stalled(time.Time, time.Duration) []task.Record {
	<-b.release
	return nil
}

func TestStopJoinIsBounded(t *testing.T) {
	t.Parallel()
	src := blockingSource{release: make(chan struct{})}
	defer close(src.release)
	w, err := New(src, (&sink{}).emit, Config{Interval: time.Millisecond, Threshold: time.Second, JoinTimeout: 20 * time.Millisecond})
	require.NoError(t, err)
	w.Start()
	time.Sleep(10 * time.Millisecond)

	start := time.Now()
	require.ErrorIs(t, w.Stop(), ErrJoinTimeout)
	assert.Less(t, time.Since(start), time.Second)
}
