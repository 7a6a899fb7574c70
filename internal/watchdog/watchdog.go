// Package watchdog raises advisory warnings for tasks that have gone quiet.
// It only reads task state and never changes it.
package watchdog

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ilocn/warden/internal/protocol"
	"github.com/ilocn/warden/internal/task"
)

// Source yields active tasks silent for longer than threshold at now.
// *task.Table satisfies it.
type Source interface {
	Stalled(now time.Time, threshold time.Duration) []task.Record
}

// Config holds the watchdog timings.
type Config struct {
	Interval    time.Duration // time between checks
	Threshold   time.Duration // silence that counts as stuck
	JoinTimeout time.Duration // how long Stop waits for the loop to exit
}

// ErrJoinTimeout is returned by Stop when the loop did not exit in time.
var ErrJoinTimeout = errors.New("watchdog did not stop in time")

// StuckMessage prefixes every warning text.
const StuckMessage = "Task appears stuck"

// Watchdog periodically checks a Source and emits a Warning per stalled
// task. A task is warned once when it first exceeds the threshold and again
// after each further threshold of silence.
type Watchdog struct {
	src  Source
	emit func(protocol.Event)
	cfg  Config
	now  func() time.Time

	// warned is touched only by Check, which runs on one goroutine.
	warned map[int64]stall

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

type stall struct {
	since    time.Time // LastUpdate of the record when first warned
	warnedAt time.Time
}

// Option configures a Watchdog.
type Option func(*Watchdog)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(w *Watchdog) { w.now = now }
}

// New validates cfg and returns a stopped watchdog. emit must not block for
// long; it is called from the watchdog goroutine.
func New(src Source, emit func(protocol.Event), cfg Config, opts ...Option) (*Watchdog, error) {
	if src == nil || emit == nil {
		return nil, errors.New("watchdog: source and emit are required")
	}
	if cfg.Interval <= 0 || cfg.Threshold <= 0 {
		return nil, fmt.Errorf("watchdog: interval (%v) and threshold (%v) must be positive", cfg.Interval, cfg.Threshold)
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = time.Second
	}
	w := &Watchdog{
		src:    src,
		emit:   emit,
		cfg:    cfg,
		now:    time.Now,
		warned: make(map[int64]stall),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}
	return w, nil
}

// Start launches the check loop. Calling it more than once has no effect.
func (w *Watchdog) Start() {
	w.startOnce.Do(func() { go w.loop() })
}

func (w *Watchdog) loop() {
	defer close(w.done)
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.Check(w.now())
		}
	}
}

// Check runs one pass at now and returns the warnings it emitted. The loop
// calls it on every tick; it is exported so callers can drive it with a
// fake clock.
func (w *Watchdog) Check(now time.Time) []protocol.Warning {
	stalled := w.src.Stalled(now, w.cfg.Threshold)
	seen := make(map[int64]struct{}, len(stalled))
	var out []protocol.Warning

	for _, rec := range stalled {
		seen[rec.ID] = struct{}{}
		prev, ok := w.warned[rec.ID]
		if ok && prev.since.Equal(rec.LastUpdate) && now.Sub(prev.warnedAt) < w.cfg.Threshold {
			continue
		}
		w.warned[rec.ID] = stall{since: rec.LastUpdate, warnedAt: now}
		silent := now.Sub(rec.LastUpdate).Truncate(time.Second)
		ev := protocol.Warning{
			ID:      rec.ID,
			Message: fmt.Sprintf("%s: no progress for %s", StuckMessage, silent),
			Time:    now,
		}
		slog.Warn("task stalled", slog.Int64("task_id", rec.ID), slog.Duration("silent", silent), slog.String("status", string(rec.Status)))
		w.emit(ev)
		out = append(out, ev)
	}
	for id := range w.warned {
		if _, ok := seen[id]; !ok {
			delete(w.warned, id)
		}
	}
	return out
}

// Stop ends the loop and waits up to the join timeout for it to exit. It is
// safe to call more than once and on a watchdog that was never started.
func (w *Watchdog) Stop() error {
	w.stopOnce.Do(func() { close(w.stop) })
	// Never started: nothing to join, and Start becomes a no-op.
	w.startOnce.Do(func() { close(w.done) })
	select {
	case <-w.done:
		return nil
	case <-time.After(w.cfg.JoinTimeout):
		return ErrJoinTimeout
	}
}
