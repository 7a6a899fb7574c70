package task

import (
	"errors"
	"fmt"
)

// Status is a task's lifecycle state.
type Status string

const (
	StatusPending         Status = "pending"
	StatusRunning         Status = "running"
	StatusCancelRequested Status = "cancel_requested"
	StatusCompleted       Status = "completed"
	StatusCancelled       Status = "cancelled"
	StatusKilled          Status = "killed"
	StatusFailed          Status = "failed"
)

var (
	ErrUnknownTask       = errors.New("unknown task")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrDuplicateTask     = errors.New("task already exists")
)

// AllStatuses lists every status in lifecycle order.
func AllStatuses() []Status {
	return []Status{
		StatusPending, StatusRunning, StatusCancelRequested,
		StatusCompleted, StatusCancelled, StatusKilled, StatusFailed,
	}
}

// IsTerminal reports whether s ends a run. Only Restart leaves a terminal state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusKilled, StatusFailed:
		return true
	}
	return false
}

// IsActive reports whether a unit is (or should be) executing for s.
func (s Status) IsActive() bool {
	return s == StatusRunning || s == StatusCancelRequested
}

// transitions lists the allowed moves. Self-loops on the active states carry
// progress updates.
var transitions = map[Status][]Status{
	StatusPending:         {StatusRunning, StatusFailed},
	StatusRunning:         {StatusRunning, StatusCancelRequested, StatusCompleted, StatusCancelled, StatusKilled, StatusFailed},
	StatusCancelRequested: {StatusCancelRequested, StatusCancelled, StatusKilled, StatusCompleted, StatusFailed},
	StatusCompleted:       {StatusPending},
	StatusCancelled:       {StatusPending},
	StatusKilled:          {StatusPending},
	StatusFailed:          {StatusPending},
}

// CanTransition reports whether from → to is allowed.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// checkTransition returns ErrInvalidTransition wrapped with context.
func checkTransition(id int64, from, to Status) error {
	if CanTransition(from, to) {
		return nil
	}
	return fmt.Errorf("task %d: %s → %s: %w", id, from, to, ErrInvalidTransition)
}
