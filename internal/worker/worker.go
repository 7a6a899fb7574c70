// Package worker keeps an on-disk record of every unit process the
// supervisor has started, so processes orphaned by a crashed supervisor can
// be found and reaped on the next start.
package worker

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/ilocn/warden/internal/workspace"
)

// Record tracks one running unit process.
type Record struct {
	TaskID  int64 `json:"task_id"`
	Attempt int   `json:"attempt"`
	PID     int   `json:"pid"`
	// CreatedAt is the process creation time in unix milliseconds as seen
	// by the OS. It guards against signalling a recycled pid.
	CreatedAt int64 `json:"created_at"`
	// Supervisor is the pid of the supervisor that started the unit.
	Supervisor int `json:"supervisor"`
}

// Register writes a unit record to disk.
func Register(ws *workspace.Workspace, r *Record) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return workspace.AtomicWrite(ws.UnitPath(r.TaskID), data)
}

// Delete removes the record for taskID. A missing record is not an error.
func Delete(ws *workspace.Workspace, taskID int64) error {
	err := os.Remove(ws.UnitPath(taskID))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Get reads the record for taskID.
func Get(ws *workspace.Workspace, taskID int64) (*Record, error) {
	data, err := os.ReadFile(ws.UnitPath(taskID))
	if err != nil {
		return nil, fmt.Errorf("read unit %d: %w", taskID, err)
	}
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse unit %d: %w", taskID, err)
	}
	return &r, nil
}

// List returns all current unit records ordered by file name.
func List(ws *workspace.Workspace) ([]*Record, error) {
	entries, err := os.ReadDir(ws.UnitsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []*Record
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		id, err := strconv.ParseInt(strings.TrimSuffix(e.Name(), ".json"), 10, 64)
		if err != nil {
			continue
		}
		r, err := Get(ws, id)
		if err != nil {
			slog.Warn("skipping unreadable unit record", slog.Int64("task_id", id), slog.Any("error", err))
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// IsAlive reports whether a process with pid exists.
func IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	ok, err := process.PidExists(int32(pid))
	return err == nil && ok
}

// CreateTime returns the OS creation time of pid in unix milliseconds.
func CreateTime(pid int) (int64, error) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return 0, err
	}
	return p.CreateTime()
}

// Owns reports whether r still describes a live process: the pid exists and
// its creation time matches the one recorded when the unit started.
func (r *Record) Owns() bool {
	if !IsAlive(r.PID) {
		return false
	}
	if r.CreatedAt == 0 {
		return true
	}
	ct, err := CreateTime(r.PID)
	return err == nil && ct == r.CreatedAt
}

// ErrNotOwned is returned by Reap when the recorded pid now belongs to a
// different process or no process at all.
var ErrNotOwned = errors.New("recorded pid no longer belongs to the unit")

// Reap SIGKILLs the process described by r. A unit that leads its own
// process group is killed together with the group.
func Reap(r *Record) error {
	if !r.Owns() {
		return ErrNotOwned
	}
	if pgid, err := syscall.Getpgid(r.PID); err == nil && pgid == r.PID {
		if err := syscall.Kill(-r.PID, syscall.SIGKILL); err == nil {
			return nil
		}
	}
	p, err := process.NewProcess(int32(r.PID))
	if err != nil {
		return fmt.Errorf("unit %d pid %d: %w", r.TaskID, r.PID, err)
	}
	if err := p.Kill(); err != nil {
		return fmt.Errorf("kill unit %d pid %d: %w", r.TaskID, r.PID, err)
	}
	return nil
}

// Tracker registers unit processes as they start and forgets them as they
// exit. It satisfies unit.Tracker.
type Tracker struct {
	WS *workspace.Workspace
}

// Track records a freshly started unit process. Failures are logged; a
// missing record only weakens orphan recovery.
func (t Tracker) Track(taskID int64, attempt, pid int) {
	r := &Record{TaskID: taskID, Attempt: attempt, PID: pid, Supervisor: os.Getpid()}
	if ct, err := CreateTime(pid); err == nil {
		r.CreatedAt = ct
	}
	if err := Register(t.WS, r); err != nil {
		slog.Warn("unit record not written", slog.Int64("task_id", taskID), slog.Any("error", err))
	}
}

// Untrack removes the record if it still refers to pid. A restart may have
// already replaced it with the next attempt's process.
func (t Tracker) Untrack(taskID int64, pid int) {
	r, err := Get(t.WS, taskID)
	if err != nil || r.PID != pid {
		return
	}
	if err := Delete(t.WS, taskID); err != nil {
		slog.Warn("unit record not removed", slog.Int64("task_id", taskID), slog.Any("error", err))
	}
}
