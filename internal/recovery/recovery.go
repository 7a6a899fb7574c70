// Package recovery cleans up after a supervisor that did not shut down
// cleanly: unit processes it left running are killed and their records
// removed.
package recovery

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/ilocn/warden/internal/worker"
	"github.com/ilocn/warden/internal/workspace"
)

// Report summarizes one recovery pass.
type Report struct {
	Reaped  int `json:"reaped"`  // orphaned processes killed
	Dead    int `json:"dead"`    // records whose process had already gone
	Skipped int `json:"skipped"` // records owned by another live supervisor
}

// Recover kills orphaned unit processes and deletes their records. Records
// belonging to a different supervisor that is still alive are left alone.
func Recover(ws *workspace.Workspace) (Report, error) {
	var (
		rep  Report
		errs []error
	)

	slog.Info("starting recovery pass")

	recs, err := worker.List(ws)
	if err != nil {
		return rep, fmt.Errorf("listing units: %w", err)
	}
	self := os.Getpid()
	for _, r := range recs {
		if r.Supervisor != self && worker.IsAlive(r.Supervisor) {
			rep.Skipped++
			continue
		}
		if r.Owns() {
			slog.Warn("reaping orphaned unit", slog.Int64("task_id", r.TaskID), slog.Int("pid", r.PID))
			if err := worker.Reap(r); err != nil && !errors.Is(err, worker.ErrNotOwned) {
				errs = append(errs, err)
				continue
			}
			rep.Reaped++
		} else {
			slog.Info("deleting dead unit record", slog.Int64("task_id", r.TaskID), slog.Int("pid", r.PID))
			rep.Dead++
		}
		if err := worker.Delete(ws, r.TaskID); err != nil {
			errs = append(errs, err)
		}
	}

	if pid, ok := SupervisorPID(ws); ok && pid != self && !worker.IsAlive(pid) {
		if err := os.Remove(ws.SupervisorPIDPath()); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return rep, fmt.Errorf("recovery completed with %d errors: %w", len(errs), errors.Join(errs...))
	}
	slog.Info("recovery pass complete",
		slog.Int("reaped", rep.Reaped), slog.Int("dead", rep.Dead), slog.Int("skipped", rep.Skipped))
	return rep, nil
}

// SupervisorPID reads the pid file written by a running supervisor.
func SupervisorPID(ws *workspace.Workspace) (int, bool) {
	data, err := os.ReadFile(ws.SupervisorPIDPath())
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// IsSupervisorRunning reports whether the pid file names a live process.
func IsSupervisorRunning(ws *workspace.Workspace) bool {
	pid, ok := SupervisorPID(ws)
	return ok && worker.IsAlive(pid)
}

// ErrSupervisorRunning is returned by Claim when another supervisor owns
// the workspace.
var ErrSupervisorRunning = errors.New("a supervisor is already running in this workspace")

// Claim writes the current pid into the supervisor pid file, failing if a
// different live supervisor already holds it.
func Claim(ws *workspace.Workspace) error {
	if pid, ok := SupervisorPID(ws); ok && pid != os.Getpid() && worker.IsAlive(pid) {
		return fmt.Errorf("pid %d: %w", pid, ErrSupervisorRunning)
	}
	return workspace.AtomicWrite(ws.SupervisorPIDPath(), []byte(strconv.Itoa(os.Getpid())+"\n"))
}

// Release removes the pid file if it still names the current process.
func Release(ws *workspace.Workspace) {
	if pid, ok := SupervisorPID(ws); ok && pid == os.Getpid() {
		os.Remove(ws.SupervisorPIDPath()) //nolint:errcheck
	}
}
