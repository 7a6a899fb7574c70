// Package supervisor owns every task: it launches units, relays their
// output as status events, applies control requests and shuts everything
// down. All task state is mutated on the goroutine running Run.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ilocn/warden/internal/idgen"
	"github.com/ilocn/warden/internal/protocol"
	"github.com/ilocn/warden/internal/task"
	"github.com/ilocn/warden/internal/unit"
	"github.com/ilocn/warden/internal/watchdog"
)

// Config holds the supervisor's tunables.
type Config struct {
	// RequestBuffer and EventBuffer size the inbound and outbound channels.
	RequestBuffer int
	EventBuffer   int
	// ShutdownGrace bounds how long shutdown waits for killed units to be
	// reaped and for the consumer to take the final events.
	ShutdownGrace time.Duration
	// RetainTerminal caps how many finished records are kept; 0 keeps all.
	RetainTerminal int
	Watchdog       watchdog.Config
}

var (
	// ErrAlreadyRunning is returned by a second call to Run.
	ErrAlreadyRunning = errors.New("supervisor already running")
	// ErrStopped is returned by Send once the supervisor has shut down.
	ErrStopped = errors.New("supervisor stopped")
)

// Supervisor dispatches control requests to task units and publishes their
// status as one event stream.
type Supervisor struct {
	cfg      Config
	launcher unit.Launcher
	table    *task.Table
	ids      idgen.Sequence
	dog      *watchdog.Watchdog
	metrics  *Metrics
	now      func() time.Time

	requests chan protocol.Request
	events   chan protocol.Event
	updates  chan update
	warnings chan protocol.Event
	stopping chan struct{}

	// units is touched only by the Run goroutine.
	units  map[int64]*running
	relays sync.WaitGroup

	// sendMu orders Send against the final drain of requests; closed is set
	// once the drain begins.
	sendMu sync.RWMutex
	closed bool

	runOnce    sync.Once
	signalOnce sync.Once
	stopOnce   sync.Once
}

// running is the live unit behind an active task.
type running struct {
	handle    unit.Handle
	attempt   int
	startedAt time.Time
}

// update is one item of unit output tagged with the run that produced it.
// closed marks the end of that run's event channel.
type update struct {
	id      int64
	attempt int
	ev      protocol.Event
	closed  bool
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithClock replaces time.Now for record timestamps, events and the
// watchdog.
func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) { s.now = now }
}

// WithMetrics records activity into m.
func WithMetrics(m *Metrics) Option {
	return func(s *Supervisor) { s.metrics = m }
}

// New validates cfg and allocates the supervisor's channels, table and
// watchdog. Errors here are the only ones that keep the loop from starting.
func New(cfg Config, launcher unit.Launcher, opts ...Option) (*Supervisor, error) {
	if launcher == nil {
		return nil, errors.New("supervisor: launcher is required")
	}
	if cfg.RequestBuffer < 0 || cfg.EventBuffer < 0 {
		return nil, fmt.Errorf("supervisor: negative channel buffer (requests %d, events %d)", cfg.RequestBuffer, cfg.EventBuffer)
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 3 * time.Second
	}
	table, err := task.NewTable(cfg.RetainTerminal)
	if err != nil {
		return nil, fmt.Errorf("supervisor: %w", err)
	}

	s := &Supervisor{
		cfg:      cfg,
		launcher: launcher,
		table:    table,
		now:      time.Now,
		requests: make(chan protocol.Request, cfg.RequestBuffer),
		events:   make(chan protocol.Event, cfg.EventBuffer),
		updates:  make(chan update, 64),
		warnings: make(chan protocol.Event, 16),
		stopping: make(chan struct{}),
		units:    make(map[int64]*running),
	}
	for _, o := range opts {
		o(s)
	}

	s.dog, err = watchdog.New(table, s.forwardWarning, cfg.Watchdog, watchdog.WithClock(s.now))
	if err != nil {
		return nil, fmt.Errorf("supervisor: %w", err)
	}
	return s, nil
}

// Requests is the inbound control channel. It is never closed; once the
// supervisor stops, requests sent here are never processed. Prefer Send.
func (s *Supervisor) Requests() chan<- protocol.Request { return s.requests }

// Events is the outbound status stream. The single consumer must keep
// reading until it is closed, which happens when Run returns.
func (s *Supervisor) Events() <-chan protocol.Event { return s.events }

// Done is closed when the supervisor begins shutting down.
func (s *Supervisor) Done() <-chan struct{} { return s.stopping }

// Send delivers req unless the supervisor has stopped or ctx ends first.
func (s *Supervisor) Send(ctx context.Context, req protocol.Request) error {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.closed {
		return ErrStopped
	}
	select {
	case <-s.stopping:
		return ErrStopped
	default:
	}
	select {
	case s.requests <- req:
		return nil
	case <-s.stopping:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns copies of all task records ordered by ID.
func (s *Supervisor) Snapshot() []task.Record { return s.table.Snapshot() }

// StuckThreshold is the silence after which a record counts as stuck.
func (s *Supervisor) StuckThreshold() time.Duration { return s.cfg.Watchdog.Threshold }

// Now is the supervisor's clock.
func (s *Supervisor) Now() time.Time { return s.now() }

// Run starts the watchdog and serves requests and unit output until a
// Shutdown request arrives or ctx ends. Shutdown always runs on the way out.
func (s *Supervisor) Run(ctx context.Context) error {
	first := false
	s.runOnce.Do(func() { first = true })
	if !first {
		return ErrAlreadyRunning
	}

	slog.Info("supervisor starting",
		slog.Duration("watchdog_interval", s.cfg.Watchdog.Interval),
		slog.Duration("stuck_threshold", s.cfg.Watchdog.Threshold))
	s.dog.Start()
	defer s.shutdown()

	for {
		// Unit output first, so a burst of requests cannot starve it.
		s.drainOutput()

		select {
		case u := <-s.updates:
			s.guard("relay", func() { s.handleUpdate(u) })
		case w := <-s.warnings:
			s.guard("relay", func() { s.relayWarning(w) })
		case req := <-s.requests:
			if _, ok := req.(protocol.Shutdown); ok {
				slog.Info("shutdown requested")
				s.signalStop()
				return nil
			}
			s.guard(string(req.Kind()), func() { s.apply(ctx, req) })
		case <-ctx.Done():
			slog.Info("supervisor context done, shutting down")
			return nil
		}
	}
}

func (s *Supervisor) drainOutput() {
	for {
		select {
		case u := <-s.updates:
			s.guard("relay", func() { s.handleUpdate(u) })
		case w := <-s.warnings:
			s.guard("relay", func() { s.relayWarning(w) })
		default:
			return
		}
	}
}

// guard runs fn and turns a panic into a supervisor-level Error event.
func (s *Supervisor) guard(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("control loop fault", slog.String("during", what), slog.Any("panic", r))
			s.metrics.relayFault()
			s.emit(protocol.Error{ID: protocol.SentinelID, Message: fmt.Sprintf("internal fault during %s: %v", what, r), Time: s.now()})
		}
	}()
	fn()
}

func (s *Supervisor) emit(ev protocol.Event) {
	s.metrics.event(ev)
	s.events <- ev
}

// requestError reports a rejected request. The offending id has no Started
// event of its own, so the error is scoped to the supervisor.
func (s *Supervisor) requestError(kind protocol.Kind, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	slog.Warn("request rejected", slog.String("request", string(kind)), slog.String("reason", msg))
	s.metrics.requestError(kind)
	s.emit(protocol.Error{ID: protocol.SentinelID, Message: msg, Time: s.now()})
}

func (s *Supervisor) syncMetrics() {
	if s.metrics != nil {
		s.metrics.setTaskCounts(s.table.Counts())
	}
}

// ─── Requests ────────────────────────────────────────────────────────────────

func (s *Supervisor) apply(ctx context.Context, req protocol.Request) {
	defer s.syncMetrics()
	switch r := req.(type) {
	case protocol.Submit:
		s.submit(ctx, r.Payload)
	case protocol.Cancel:
		s.cancel(r.ID)
	case protocol.Kill:
		s.killRequest(r.ID)
	case protocol.Restart:
		s.restart(ctx, r.ID)
	default:
		s.requestError(req.Kind(), "unsupported request %T", req)
	}
}

func (s *Supervisor) submit(ctx context.Context, payload string) {
	id := s.ids.Next()
	now := s.now()
	rec := task.Record{
		ID:         id,
		Payload:    payload,
		Status:     task.StatusPending,
		Attempt:    1,
		CreatedAt:  now,
		LastUpdate: now,
	}
	if err := s.table.Insert(rec); err != nil {
		s.requestError(protocol.KindSubmit, "submit: %v", err)
		return
	}
	slog.Info("task submitted", slog.Int64("task_id", id), slog.String("payload", payload))
	s.launch(ctx, protocol.KindSubmit, id, 1, payload)
}

// launch starts a unit for a pending record and emits Started. A failed
// first attempt is reported on the sentinel, since the id was never
// announced; a failed relaunch is a fault of the task itself.
func (s *Supervisor) launch(ctx context.Context, kind protocol.Kind, id int64, attempt int, payload string) {
	h, err := s.safeLaunch(ctx, unit.Spec{ID: id, Attempt: attempt, Payload: payload})
	if err != nil {
		msg := fmt.Sprintf("task %d: launch failed: %v", id, err)
		now := s.now()
		s.table.Update(id, func(r *task.Record) { //nolint:errcheck
			r.Status = task.StatusFailed
			r.Message = msg
			r.LastUpdate = now
		})
		if attempt == 1 {
			s.requestError(kind, "%s", msg)
			return
		}
		slog.Warn("relaunch failed", slog.String("request", string(kind)), slog.Int64("task_id", id),
			slog.Int("attempt", attempt), slog.Any("error", err))
		s.metrics.requestError(kind)
		s.emit(protocol.Error{ID: id, Message: msg, Time: now})
		return
	}

	now := s.now()
	s.units[id] = &running{handle: h, attempt: attempt, startedAt: now}
	if err := s.table.Update(id, func(r *task.Record) {
		r.Status = task.StatusRunning
		r.PID = h.PID()
		r.LastUpdate = now
	}); err != nil {
		panic(err)
	}
	slog.Info("task started", slog.Int64("task_id", id), slog.Int("attempt", attempt), slog.Int("pid", h.PID()))
	s.emit(protocol.Started{ID: id, Attempt: attempt, Time: now})

	s.relays.Add(1)
	go s.relay(id, attempt, h)
}

func (s *Supervisor) safeLaunch(ctx context.Context, spec unit.Spec) (h unit.Handle, err error) {
	defer func() {
		if r := recover(); r != nil {
			h, err = nil, fmt.Errorf("launcher panicked: %v", r)
		}
	}()
	h, err = s.launcher.Launch(ctx, spec)
	if err == nil && h == nil {
		err = errors.New("launcher returned no handle")
	}
	return h, err
}

func (s *Supervisor) cancel(id int64) {
	rec, ok := s.table.Get(id)
	if !ok {
		s.requestError(protocol.KindCancel, "cancel: unknown task %d", id)
		return
	}
	ru := s.units[id]
	if rec.Status != task.StatusRunning || ru == nil {
		slog.Debug("cancel ignored", slog.Int64("task_id", id), slog.String("status", string(rec.Status)))
		return
	}
	ru.handle.Stop()
	if err := s.table.Update(id, func(r *task.Record) {
		r.Status = task.StatusCancelRequested
	}); err != nil {
		panic(err)
	}
	slog.Info("cancel requested", slog.Int64("task_id", id))
}

func (s *Supervisor) killRequest(id int64) {
	rec, ok := s.table.Get(id)
	if !ok {
		s.requestError(protocol.KindKill, "kill: unknown task %d", id)
		return
	}
	if !rec.Status.IsActive() {
		slog.Debug("kill ignored", slog.Int64("task_id", id), slog.String("status", string(rec.Status)))
		return
	}
	s.kill(id, "killed by request")
}

// kill destroys the unit behind an active task, marks it killed and emits
// Killed. Output still in flight from that unit is dropped by handleUpdate.
func (s *Supervisor) kill(id int64, reason string) {
	s.emit(s.destroy(id, reason))
}

// destroy kills the unit for id and records the task as killed. The unit is
// treated as gone as soon as Kill returns.
func (s *Supervisor) destroy(id int64, reason string) protocol.Killed {
	now := s.now()
	if ru := s.units[id]; ru != nil {
		delete(s.units, id)
		if err := ru.handle.Kill(); err != nil && !errors.Is(err, unit.ErrAlreadyExited) {
			slog.Error("unit kill failed", slog.Int64("task_id", id), slog.Any("error", err))
		}
		s.metrics.observeRun(task.StatusKilled, now.Sub(ru.startedAt))
	}
	if err := s.table.Update(id, func(r *task.Record) {
		r.Status = task.StatusKilled
		r.Message = reason
		r.LastUpdate = now
	}); err != nil {
		panic(err)
	}
	slog.Info("task killed", slog.Int64("task_id", id), slog.String("reason", reason))
	return protocol.Killed{ID: id, Message: reason, Time: now}
}

func (s *Supervisor) restart(ctx context.Context, id int64) {
	rec, ok := s.table.Get(id)
	if !ok {
		s.requestError(protocol.KindRestart, "restart: unknown task %d", id)
		return
	}
	if rec.Status.IsActive() {
		s.kill(id, "killed for restart")
	}
	attempt := rec.Attempt + 1
	now := s.now()
	if err := s.table.Update(id, func(r *task.Record) {
		r.Status = task.StatusPending
		r.Progress = 0
		r.Message = ""
		r.PID = 0
		r.Attempt = attempt
		r.LastUpdate = now
	}); err != nil {
		panic(err)
	}
	slog.Info("task restarting", slog.Int64("task_id", id), slog.Int("attempt", attempt))
	s.launch(ctx, protocol.KindRestart, id, attempt, rec.Payload)
}

// ─── Unit output ─────────────────────────────────────────────────────────────

// relay forwards one run's events into the loop. After shutdown begins it
// keeps draining so the unit's producer never blocks.
func (s *Supervisor) relay(id int64, attempt int, h unit.Handle) {
	defer s.relays.Done()
	forward := true
	for ev := range h.Events() {
		if !forward {
			continue
		}
		select {
		case s.updates <- update{id: id, attempt: attempt, ev: ev}:
		case <-s.stopping:
			forward = false
		}
	}
	if forward {
		select {
		case s.updates <- update{id: id, attempt: attempt, closed: true}:
		case <-s.stopping:
		}
	}
}

func (s *Supervisor) handleUpdate(u update) {
	ru := s.units[u.id]
	if ru == nil || ru.attempt != u.attempt {
		// Killed, finished or superseded by a restart.
		return
	}
	defer s.syncMetrics()

	if u.closed {
		s.finish(u.id, ru, task.StatusFailed, protocol.Error{
			ID: u.id, Message: "unit exited without a result", Time: s.now(),
		})
		return
	}

	now := s.now()
	switch ev := u.ev.(type) {
	case protocol.Progress:
		var pct int
		if err := s.table.Update(u.id, func(r *task.Record) {
			pct = min(max(ev.Progress, r.Progress), 100)
			r.Progress = pct
			r.Message = ev.Message
			r.LastUpdate = now
		}); err != nil {
			panic(err)
		}
		s.emit(protocol.Progress{ID: u.id, Progress: pct, Message: ev.Message, Time: now})
	case protocol.Completed:
		s.finish(u.id, ru, task.StatusCompleted, protocol.Completed{ID: u.id, Message: ev.Message, Time: now})
	case protocol.Cancelled:
		s.finish(u.id, ru, task.StatusCancelled, protocol.Cancelled{ID: u.id, Message: ev.Message, Time: now})
	case protocol.Error:
		s.finish(u.id, ru, task.StatusFailed, protocol.Error{ID: u.id, Message: ev.Message, Time: now})
	default:
		slog.Warn("ignoring unexpected unit event", slog.Int64("task_id", u.id), slog.String("kind", string(u.ev.Kind())))
	}
}

// finish records a unit's own terminal outcome and publishes it.
func (s *Supervisor) finish(id int64, ru *running, status task.Status, ev protocol.Event) {
	delete(s.units, id)
	now := s.now()
	var msg string
	switch e := ev.(type) {
	case protocol.Completed:
		msg = e.Message
	case protocol.Cancelled:
		msg = e.Message
	case protocol.Error:
		msg = e.Message
	}
	if err := s.table.Update(id, func(r *task.Record) {
		r.Status = status
		r.Message = msg
		r.LastUpdate = now
		if status == task.StatusCompleted {
			r.Progress = 100
		}
	}); err != nil {
		panic(err)
	}
	s.metrics.observeRun(status, now.Sub(ru.startedAt))
	slog.Info("task finished", slog.Int64("task_id", id), slog.String("status", string(status)), slog.String("message", msg))
	s.emit(ev)
}

// forwardWarning is the watchdog's emit hook.
func (s *Supervisor) forwardWarning(ev protocol.Event) {
	select {
	case s.warnings <- ev:
	case <-s.stopping:
	}
}

// relayWarning publishes a watchdog warning if the task is still stuck; a
// progress report may have landed since the watchdog looked.
func (s *Supervisor) relayWarning(ev protocol.Event) {
	rec, ok := s.table.Get(ev.TaskID())
	if !ok || !rec.Stuck(ev.At(), s.cfg.Watchdog.Threshold) {
		return
	}
	s.emit(ev)
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// shutdown stops the watchdog, rejects requests left in the queue, kills
// every unit still running with a Killed event for each, and closes the
// event stream.
func (s *Supervisor) shutdown() {
	s.stopOnce.Do(func() {
		s.signalStop()
		// Blocked senders have seen stopping; later ones see closed.
		s.sendMu.Lock()
		s.closed = true
		s.sendMu.Unlock()

		if err := s.dog.Stop(); err != nil {
			slog.Warn("watchdog stop", slog.Any("error", err))
		}

		expired := make(chan struct{})
		grace := time.AfterFunc(s.cfg.ShutdownGrace, func() { close(expired) })
		defer grace.Stop()
		dropped := 0
		s.rejectPending(expired, &dropped)

		ids := make([]int64, 0, len(s.units))
		for id := range s.units {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

		for _, id := range ids {
			func() {
				defer func() {
					if r := recover(); r != nil {
						slog.Error("shutdown kill fault", slog.Int64("task_id", id), slog.Any("panic", r))
					}
				}()
				s.killForShutdown(id, expired, &dropped)
			}()
		}
		s.syncMetrics()
		if dropped > 0 {
			slog.Warn("events dropped during shutdown, consumer not reading", slog.Int("dropped", dropped))
		}

		// Give killed units their grace period to be reaped.
		reaped := make(chan struct{})
		go func() {
			s.relays.Wait()
			close(reaped)
		}()
		select {
		case <-reaped:
		case <-expired:
			slog.Warn("units not reaped within grace period", slog.Duration("grace", s.cfg.ShutdownGrace))
		}

		close(s.events)
		slog.Info("supervisor stopped", slog.Int("killed", len(ids)))
	})
}

// signalStop closes stopping, which makes Send fail and releases relays.
func (s *Supervisor) signalStop() {
	s.signalOnce.Do(func() { close(s.stopping) })
}

// rejectPending answers every request still queued when the loop stopped
// with a supervisor-level Error.
func (s *Supervisor) rejectPending(expired <-chan struct{}, dropped *int) {
	for {
		select {
		case req := <-s.requests:
			if req.Kind() == protocol.KindShutdown {
				continue
			}
			msg := fmt.Sprintf("%s rejected: supervisor shutting down", req.Kind())
			slog.Warn("request rejected", slog.String("request", string(req.Kind())), slog.String("reason", msg))
			s.metrics.requestError(req.Kind())
			ev := protocol.Error{ID: protocol.SentinelID, Message: msg, Time: s.now()}
			s.metrics.event(ev)
			select {
			case s.events <- ev:
			case <-expired:
				*dropped++
			}
		default:
			return
		}
	}
}

// killForShutdown is kill with a bounded publish: once the grace period
// expires the remaining events are dropped rather than blocking forever.
func (s *Supervisor) killForShutdown(id int64, expired <-chan struct{}, dropped *int) {
	ev := s.destroy(id, "supervisor shutting down")
	s.metrics.event(ev)
	select {
	case s.events <- ev:
	case <-expired:
		*dropped++
	}
}
