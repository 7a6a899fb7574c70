// Package protocol defines the two message shapes exchanged with a
// supervisor: control requests flowing in and status events flowing out.
//
// Both are closed sets. Request and Event carry an unexported marker method
// so only the types declared here satisfy them, and every switch over them in
// this module ends in a default branch that reports the unknown type.
package protocol

import (
	"fmt"
	"time"
)

// SentinelID tags events that describe the supervisor itself rather than a
// task. No task is ever assigned this ID.
const SentinelID int64 = -1

// Kind is the wire discriminant of a Request or Event.
type Kind string

// Request kinds.
const (
	KindSubmit   Kind = "submit"
	KindCancel   Kind = "cancel"
	KindKill     Kind = "kill"
	KindRestart  Kind = "restart"
	KindShutdown Kind = "shutdown"
)

// Event kinds.
const (
	KindStarted   Kind = "started"
	KindProgress  Kind = "progress"
	KindCompleted Kind = "completed"
	KindCancelled Kind = "cancelled"
	KindKilled    Kind = "killed"
	KindWarning   Kind = "warning"
	KindError     Kind = "error"
)

// ─── Requests ────────────────────────────────────────────────────────────────

// Request is a control request sent to a supervisor.
type Request interface {
	Kind() Kind
	isRequest()
}

// Submit asks for a new task running Payload.
type Submit struct {
	Payload string `json:"payload"`
}

// Cancel asks a task to stop cooperatively.
type Cancel struct {
	ID int64 `json:"id"`
}

// Kill destroys a task's unit without its cooperation.
type Kill struct {
	ID int64 `json:"id"`
}

// Restart reruns a task's payload under the same ID.
type Restart struct {
	ID int64 `json:"id"`
}

// Shutdown stops the supervisor and every unit it still owns.
type Shutdown struct{}

func (Submit) Kind() Kind   { return KindSubmit }
func (Cancel) Kind() Kind   { return KindCancel }
func (Kill) Kind() Kind     { return KindKill }
func (Restart) Kind() Kind  { return KindRestart }
func (Shutdown) Kind() Kind { return KindShutdown }

func (Submit) isRequest()   {}
func (Cancel) isRequest()   {}
func (Kill) isRequest()     {}
func (Restart) isRequest()  {}
func (Shutdown) isRequest() {}

// ─── Events ──────────────────────────────────────────────────────────────────

// Event is a status event published by a supervisor.
type Event interface {
	Kind() Kind
	TaskID() int64
	At() time.Time
	isEvent()
}

// Started reports that a unit is running for ID. Attempt is 1 for the first
// run and grows with every restart.
type Started struct {
	ID      int64     `json:"id"`
	Attempt int       `json:"attempt"`
	Time    time.Time `json:"time"`
}

// Progress reports a percentage in [0,100] plus free text.
type Progress struct {
	ID       int64     `json:"id"`
	Progress int       `json:"progress"`
	Message  string    `json:"message"`
	Time     time.Time `json:"time"`
}

// Completed is the terminal event of a unit that finished its work.
type Completed struct {
	ID      int64     `json:"id"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// Cancelled is the terminal event of a unit that honoured a cooperative stop.
type Cancelled struct {
	ID      int64     `json:"id"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// Killed is the terminal event the supervisor synthesizes after destroying a
// unit. The unit itself never sends it.
type Killed struct {
	ID      int64     `json:"id"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// Warning is advisory and never changes a task's status.
type Warning struct {
	ID      int64     `json:"id"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// Error reports a unit fault (terminal for ID) or, with SentinelID, a
// supervisor-level fault.
type Error struct {
	ID      int64     `json:"id"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

func (Started) Kind() Kind   { return KindStarted }
func (Progress) Kind() Kind  { return KindProgress }
func (Completed) Kind() Kind { return KindCompleted }
func (Cancelled) Kind() Kind { return KindCancelled }
func (Killed) Kind() Kind    { return KindKilled }
func (Warning) Kind() Kind   { return KindWarning }
func (Error) Kind() Kind     { return KindError }

func (e Started) TaskID() int64   { return e.ID }
func (e Progress) TaskID() int64  { return e.ID }
func (e Completed) TaskID() int64 { return e.ID }
func (e Cancelled) TaskID() int64 { return e.ID }
func (e Killed) TaskID() int64    { return e.ID }
func (e Warning) TaskID() int64   { return e.ID }
func (e Error) TaskID() int64     { return e.ID }

func (e Started) At() time.Time   { return e.Time }
func (e Progress) At() time.Time  { return e.Time }
func (e Completed) At() time.Time { return e.Time }
func (e Cancelled) At() time.Time { return e.Time }
func (e Killed) At() time.Time    { return e.Time }
func (e Warning) At() time.Time   { return e.Time }
func (e Error) At() time.Time     { return e.Time }

func (Started) isEvent()   {}
func (Progress) isEvent()  {}
func (Completed) isEvent() {}
func (Cancelled) isEvent() {}
func (Killed) isEvent()    {}
func (Warning) isEvent()   {}
func (Error) isEvent()     {}

// IsTerminal reports whether ev ends a task's run.
func IsTerminal(ev Event) bool {
	switch ev.(type) {
	case Completed, Cancelled, Killed, Error:
		return true
	default:
		return false
	}
}

// Describe renders ev as a single human-readable line.
func Describe(ev Event) string {
	subject := fmt.Sprintf("task %d", ev.TaskID())
	if ev.TaskID() == SentinelID {
		subject = "supervisor"
	}
	switch e := ev.(type) {
	case Started:
		if e.Attempt > 1 {
			return fmt.Sprintf("%s: started (attempt %d)", subject, e.Attempt)
		}
		return subject + ": started"
	case Progress:
		return fmt.Sprintf("%s: %3d%% %s", subject, e.Progress, e.Message)
	case Completed:
		return subject + ": completed: " + e.Message
	case Cancelled:
		return subject + ": cancelled: " + e.Message
	case Killed:
		return subject + ": killed: " + e.Message
	case Warning:
		return subject + ": warning: " + e.Message
	case Error:
		return subject + ": error: " + e.Message
	default:
		return fmt.Sprintf("%s: unknown event %T", subject, ev)
	}
}
