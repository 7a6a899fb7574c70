package unit

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ilocn/warden/internal/protocol"
)

// ProcessLauncher runs every unit in its own OS process so Kill is
// unconditional. The child is expected to speak the unit protocol: one
// wire-encoded event per line on stdout, diagnostics on stderr, SIGTERM as a
// cooperative stop. See RunChild.
type ProcessLauncher struct {
	// Executable is the program to start. Empty means the running binary.
	Executable string
	// Args builds the child's argument list. Nil uses UnitArgs.
	Args func(Spec) []string
	// Env is the child's environment. Nil inherits the current one.
	Env []string
	// LogPath returns the file that receives the child's stderr and a copy of
	// its stdout. Nil discards both.
	LogPath func(id int64) string
	// Tracker, if set, is told about each child process.
	Tracker Tracker
	// Buffer is the capacity of each handle's events channel.
	Buffer int
}

// UnitArgs is the default child command line: `unit --id N --attempt A -- payload`.
func UnitArgs(s Spec) []string {
	return []string{
		"unit",
		"--id", strconv.FormatInt(s.ID, 10),
		"--attempt", strconv.Itoa(s.Attempt),
		"--", s.Payload,
	}
}

// Launch starts the child process for spec.
func (p *ProcessLauncher) Launch(ctx context.Context, spec Spec) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	exe := p.Executable
	if exe == "" {
		var err error
		if exe, err = os.Executable(); err != nil {
			return nil, fmt.Errorf("locating unit executable: %w", err)
		}
	}
	argsFn := p.Args
	if argsFn == nil {
		argsFn = UnitArgs
	}

	var logFile *os.File
	if p.LogPath != nil {
		f, err := os.OpenFile(p.LogPath(spec.ID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("opening unit log: %w", err)
		}
		logFile = f
		fmt.Fprintf(f, "--- task %d attempt %d started %s\n", spec.ID, spec.Attempt, time.Now().Format(time.RFC3339))
	}

	cmd := exec.Command(exe, argsFn(spec)...)
	cmd.Env = p.Env
	// Own process group: a terminal ^C reaches the supervisor, which then
	// decides what happens to its units.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if logFile != nil {
		cmd.Stderr = logFile
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		closeLog(logFile)
		return nil, fmt.Errorf("unit stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		closeLog(logFile)
		return nil, fmt.Errorf("starting unit: %w", err)
	}

	h := &procHandle{
		spec:    spec,
		cmd:     cmd,
		events:  make(chan protocol.Event, max(p.Buffer, 0)),
		exited:  make(chan struct{}),
		tracker: p.Tracker,
	}
	if h.tracker != nil {
		h.tracker.Track(spec.ID, spec.Attempt, cmd.Process.Pid)
	}
	slog.Debug("unit process started",
		slog.Int64("task_id", spec.ID), slog.Int("attempt", spec.Attempt), slog.Int("pid", cmd.Process.Pid))

	go h.pump(stdout, logFile)
	return h, nil
}

func closeLog(f *os.File) {
	if f != nil {
		f.Close()
	}
}

type procHandle struct {
	spec    Spec
	cmd     *exec.Cmd
	events  chan protocol.Event
	exited  chan struct{}
	killed  atomic.Bool
	tracker Tracker
}

// pump decodes the child's stdout into events, waits for the process and
// closes the events channel.
func (h *procHandle) pump(stdout io.Reader, logFile *os.File) {
	defer close(h.events)

	terminal := false
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if logFile != nil {
			logFile.Write(line)          //nolint:errcheck
			logFile.Write([]byte{'\n'}) //nolint:errcheck
		}
		ev, err := protocol.UnmarshalEvent(line)
		if err != nil {
			slog.Warn("discarding unit output",
				slog.Int64("task_id", h.spec.ID), slog.String("line", string(line)), slog.Any("error", err))
			continue
		}
		if ev.TaskID() != h.spec.ID || terminal {
			continue
		}
		terminal = protocol.IsTerminal(ev)
		h.events <- ev
	}
	// Drain whatever is left so the child never blocks on a full pipe.
	io.Copy(io.Discard, stdout) //nolint:errcheck

	waitErr := h.cmd.Wait()
	close(h.exited)
	if h.tracker != nil {
		h.tracker.Untrack(h.spec.ID, h.cmd.Process.Pid)
	}
	if logFile != nil {
		fmt.Fprintf(logFile, "--- task %d attempt %d exited: %s\n", h.spec.ID, h.spec.Attempt, exitText(waitErr))
		logFile.Close()
	}

	if !terminal && !h.killed.Load() {
		h.events <- protocol.Error{
			ID:      h.spec.ID,
			Message: "unit process exited without a result: " + exitText(waitErr),
			Time:    time.Now(),
		}
	}
}

func exitText(err error) string {
	if err == nil {
		return "exit status 0"
	}
	return err.Error()
}

func (h *procHandle) Events() <-chan protocol.Event { return h.events }

// Stop sends SIGTERM. Errors mean the process is already gone.
func (h *procHandle) Stop() {
	select {
	case <-h.exited:
		return
	default:
	}
	h.cmd.Process.Signal(syscall.SIGTERM) //nolint:errcheck
}

// Kill sends SIGKILL to the unit's process group, so anything the unit
// spawned dies with it.
func (h *procHandle) Kill() error {
	select {
	case <-h.exited:
		return ErrAlreadyExited
	default:
	}
	h.killed.Store(true)
	if err := syscall.Kill(-h.cmd.Process.Pid, syscall.SIGKILL); err == nil {
		return nil
	}
	if err := h.cmd.Process.Kill(); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return ErrAlreadyExited
		}
		return fmt.Errorf("kill unit %d: %w", h.spec.ID, err)
	}
	return nil
}

func (h *procHandle) PID() int { return h.cmd.Process.Pid }
