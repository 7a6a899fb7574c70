// Package unit runs one task's work and reports its progress as protocol
// events. A unit knows nothing about the supervisor: it is started by a
// Launcher and controlled through the Handle it returns.
package unit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ilocn/warden/internal/protocol"
)

// Reporter receives progress from running work.
type Reporter interface {
	Progress(pct int, msg string)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(pct int, msg string)

func (f ReporterFunc) Progress(pct int, msg string) { f(pct, msg) }

// Work is the body of a task. It should check ctx between steps and return
// ctx.Err() once it notices a stop. Any other non-nil error is a fault.
// report must be called from the goroutine running the work.
type Work func(ctx context.Context, payload string, report Reporter) error

// Spec identifies one run of a task.
type Spec struct {
	ID      int64
	Attempt int
	Payload string
}

// Handle controls a started unit. Stop and Kill are distinct: Stop asks the
// work to finish at its next check point, Kill destroys it without its
// cooperation and guarantees nothing about further events.
type Handle interface {
	// Events yields the unit's Progress events followed by at most one
	// terminal event. It is closed once the unit is gone.
	Events() <-chan protocol.Event
	// Stop requests a cooperative stop. It never blocks and is a no-op once
	// the unit has finished.
	Stop()
	// Kill destroys the unit. It returns ErrAlreadyExited if the unit had
	// already finished.
	Kill() error
	// PID is the OS process id backing the unit, or 0 for in-process units.
	PID() int
}

// Launcher starts units.
type Launcher interface {
	Launch(ctx context.Context, spec Spec) (Handle, error)
}

// Tracker is told about unit processes as they start and exit.
type Tracker interface {
	Track(taskID int64, attempt, pid int)
	Untrack(taskID int64, pid int)
}

// ErrAlreadyExited is returned by Handle.Kill when there was nothing left to
// kill.
var ErrAlreadyExited = errors.New("unit already exited")

// Message texts of the terminal events a unit emits itself.
const (
	CompletedMessage = "done"
	CancelledMessage = "stopped at check point"
)

// Execute runs work for id and turns its outcome into events passed to emit:
// any number of Progress events with non-decreasing values, then exactly one
// of Completed, Cancelled or Error. A panic inside work becomes an Error.
func Execute(ctx context.Context, id int64, payload string, work Work, emit func(protocol.Event)) {
	terminal := false
	finish := func(ev protocol.Event) {
		if !terminal {
			terminal = true
			emit(ev)
		}
	}
	defer func() {
		if r := recover(); r != nil {
			finish(protocol.Error{ID: id, Message: fmt.Sprintf("unit panicked: %v", r), Time: time.Now()})
		}
	}()

	last := 0
	report := ReporterFunc(func(pct int, msg string) {
		if terminal {
			return
		}
		pct = max(min(pct, 100), last)
		last = pct
		emit(protocol.Progress{ID: id, Progress: pct, Message: msg, Time: time.Now()})
	})

	err := work(ctx, payload, report)
	switch {
	case err == nil:
		finish(protocol.Completed{ID: id, Message: CompletedMessage, Time: time.Now()})
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		finish(protocol.Cancelled{ID: id, Message: CancelledMessage, Time: time.Now()})
	default:
		finish(protocol.Error{ID: id, Message: err.Error(), Time: time.Now()})
	}
}
