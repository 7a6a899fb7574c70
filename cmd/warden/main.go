package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/fatih/color"
	"golang.org/x/sync/errgroup"

	"github.com/ilocn/warden/internal/console"
	"github.com/ilocn/warden/internal/idgen"
	"github.com/ilocn/warden/internal/logbuf"
	"github.com/ilocn/warden/internal/logger"
	"github.com/ilocn/warden/internal/protocol"
	"github.com/ilocn/warden/internal/recovery"
	"github.com/ilocn/warden/internal/supervisor"
	"github.com/ilocn/warden/internal/unit"
	"github.com/ilocn/warden/internal/watchdog"
	"github.com/ilocn/warden/internal/web"
	"github.com/ilocn/warden/internal/worker"
	"github.com/ilocn/warden/internal/workspace"
)

var version = "dev" // injected via ldflags at build time

// workspaceEnv names the workspace explicitly; unit children inherit it.
const workspaceEnv = "WARDEN_WORKSPACE"

// Globals holds shared state injected into Run methods that need a workspace.
type Globals struct {
	once sync.Once
	ws   *workspace.Workspace
	err  error
}

// WS lazily opens the workspace on first call.
func (g *Globals) WS() (*workspace.Workspace, error) {
	g.once.Do(func() {
		g.ws, g.err = openWS()
	})
	return g.ws, g.err
}

// ─── Top-level CLI struct ────────────────────────────────────────────────────

type CLI struct {
	Init    InitCmd    `cmd:"" group:"workspace" help:"Create a new workspace."`
	Run     RunCmd     `cmd:"" group:"execution" help:"Run the supervisor with a console (and optionally the web adapter)."`
	Unit    UnitCmd    `cmd:"" hidden:"" help:"Run one task unit. (Started by the supervisor.)"`
	Status  StatusCmd  `cmd:"" group:"control"   help:"Show every task of the running supervisor."`
	Submit  SubmitCmd  `cmd:"" group:"control"   help:"Submit a new task."`
	Cancel  CancelCmd  `cmd:"" group:"control"   help:"Ask a task to stop at its next check point."`
	Kill    KillCmd    `cmd:"" group:"control"   help:"Stop a task immediately."`
	Restart RestartCmd `cmd:"" group:"control"   help:"Run a task's payload again under the same id."`
	Stop    StopCmd    `cmd:"" group:"control"   help:"Shut the running supervisor down."`
	Watch   WatchCmd   `cmd:"" group:"observe"   help:"Stream status events from the running supervisor."`
	Logs    LogsCmd    `cmd:"" group:"observe"   help:"Print a task's unit log, or the supervisor log."`
	Recover RecoverCmd `cmd:"" group:"maint"     help:"Kill unit processes left behind by a crashed supervisor."`
	Version VersionCmd `cmd:"" group:"maint"     help:"Print version and platform info."`
}

// ─── init ────────────────────────────────────────────────────────────────────

type InitCmd struct {
	Dir string `arg:"" default:"." help:"Directory to initialize."`
}

func (c *InitCmd) Run() error {
	ws, err := workspace.Init(c.Dir)
	if err != nil {
		return fmt.Errorf("init failed: %w", err)
	}
	fmt.Printf("initialized warden workspace at %s\n", ws.Root)
	fmt.Printf("config: %s\n", ws.ConfigPath())
	return nil
}

// ─── run ─────────────────────────────────────────────────────────────────────

type RunCmd struct {
	Port       int    `default:"-1" help:"Web adapter port (-1 = from config; 0 = disabled)."`
	RandomPort bool   `name:"random-port" help:"Serve the web adapter on a random free port."`
	Mode       string `help:"Unit mode override: process or local."`
	NoConsole  bool   `name:"no-console" help:"Do not read commands from stdin."`
}

func (c *RunCmd) Run(g *Globals) error {
	ws, err := g.WS()
	if err != nil {
		return err
	}
	cfg := ws.Config
	if c.Mode != "" {
		cfg.Unit.Mode = c.Mode
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	webAddr := ""
	switch {
	case c.RandomPort:
		webAddr = net.JoinHostPort(cfg.Web.Host, "0")
	case c.Port > 0:
		webAddr = net.JoinHostPort(cfg.Web.Host, fmt.Sprint(c.Port))
	case c.Port < 0 && cfg.Web.Port > 0:
		webAddr = cfg.Web.Address()
	}

	logger.Init(cfg.Log.Level)
	lb := logbuf.New(1000)
	logger.SetLogBuf(lb)
	defer logger.SetLogBuf(nil)

	if err := recovery.Claim(ws); err != nil {
		return err
	}
	defer recovery.Release(ws)
	if rep, err := recovery.Recover(ws); err != nil {
		slog.Warn("startup recovery incomplete", slog.Any("error", err))
	} else if rep.Reaped > 0 {
		fmt.Printf("reaped %d orphaned unit(s) from a previous run\n", rep.Reaped)
	}

	sv, err := supervisor.New(supervisorConfig(cfg), newLauncher(ws, cfg), supervisor.WithMetrics(supervisor.DefaultMetrics()))
	if err != nil {
		return err
	}

	var ln net.Listener
	if webAddr != "" {
		if ln, err = net.Listen("tcp", webAddr); err != nil {
			return fmt.Errorf("web adapter: %w", err)
		}
		addr := ln.Addr().String()
		if err := workspace.AtomicWrite(ws.WebAddrPath(), []byte(addr+"\n")); err != nil {
			slog.Warn("web address not recorded", slog.Any("error", err))
		}
		defer os.Remove(ws.WebAddrPath()) //nolint:errcheck
		fmt.Printf("dashboard: http://%s/\n", addr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	grp, gctx := errgroup.WithContext(ctx)
	runCtx, cancelAll := context.WithCancel(gctx)
	defer cancelAll()

	session := idgen.NewSessionID("run")
	slog.Info("warden running", slog.String("session", session), slog.String("workspace", ws.Root), slog.String("unit_mode", cfg.Unit.Mode))
	fmt.Println("warden running. type help for commands, ctrl+c to exit.")

	hub := web.NewHub(sv.Events())
	printer := console.NewPrinter(os.Stdout, !color.NoColor)
	_, events := hub.Subscribe(64, true)
	con := console.New(os.Stdin, printer, sv)

	grp.Go(func() error {
		defer cancelAll()
		return sv.Run(runCtx)
	})
	grp.Go(func() error {
		hub.Run()
		return nil
	})
	grp.Go(func() error {
		con.PrintEvents(events)
		return nil
	})
	if ln != nil {
		srv := web.New(sv, hub, lb, nil)
		grp.Go(func() error { return srv.Serve(runCtx, ln) })
	}
	if !c.NoConsole {
		grp.Go(func() error {
			err := con.ReadCommands(runCtx)
			if errors.Is(err, io.EOF) {
				if ln != nil {
					// Remote control keeps working without stdin.
					return nil
				}
				err = sv.Send(runCtx, protocol.Shutdown{})
			}
			if errors.Is(err, supervisor.ErrStopped) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	err = grp.Wait()
	slog.Info("warden stopped", slog.String("session", session))
	return err
}

func supervisorConfig(cfg workspace.Config) supervisor.Config {
	return supervisor.Config{
		RequestBuffer:  cfg.Supervisor.RequestBuffer,
		EventBuffer:    cfg.Supervisor.EventBuffer,
		ShutdownGrace:  cfg.Supervisor.ShutdownGrace,
		RetainTerminal: cfg.Registry.RetainTerminal,
		Watchdog: watchdog.Config{
			Interval:    cfg.Watchdog.Interval,
			Threshold:   cfg.Watchdog.Threshold,
			JoinTimeout: cfg.Watchdog.JoinTimeout,
		},
	}
}

func simulated(cfg workspace.UnitConfig) unit.Simulated {
	return unit.Simulated{
		MinSteps: cfg.MinSteps,
		MaxSteps: cfg.MaxSteps,
		MinDelay: cfg.MinStepDelay,
		MaxDelay: cfg.MaxStepDelay,
		StallFor: cfg.StallFor,
	}
}

// newLauncher picks the unit runtime named by cfg.Unit.Mode.
func newLauncher(ws *workspace.Workspace, cfg workspace.Config) unit.Launcher {
	if cfg.Unit.Mode == workspace.UnitModeLocal {
		return &unit.LocalLauncher{Work: simulated(cfg.Unit).Run, Buffer: 16}
	}
	return &unit.ProcessLauncher{
		Env:     append(os.Environ(), workspaceEnv+"="+ws.Root),
		LogPath: ws.LogPath,
		Tracker: worker.Tracker{WS: ws},
		Buffer:  16,
	}
}

// ─── unit (hidden) ───────────────────────────────────────────────────────────

type UnitCmd struct {
	ID      int64  `required:"" help:"Task ID."`
	Attempt int    `default:"1" help:"Attempt number."`
	Payload string `arg:"" optional:"" help:"Task payload."`
}

func (c *UnitCmd) Run(g *Globals) error {
	ws, err := g.WS()
	if err != nil {
		return err
	}
	log := logger.NewUnitLogger(os.Stderr, ws.Config.Log.Level, c.ID, c.Attempt)
	spec := unit.Spec{ID: c.ID, Attempt: c.Attempt, Payload: c.Payload}
	unit.RunChild(context.Background(), spec, simulated(ws.Config.Unit).Run, os.Stdout, log)
	return nil
}

// ─── recover ─────────────────────────────────────────────────────────────────

type RecoverCmd struct{}

func (c *RecoverCmd) Run(g *Globals) error {
	ws, err := g.WS()
	if err != nil {
		return err
	}
	if recovery.IsSupervisorRunning(ws) {
		return fmt.Errorf("recover: %w", recovery.ErrSupervisorRunning)
	}
	rep, err := recovery.Recover(ws)
	if err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	fmt.Printf("recovery complete: %d reaped, %d stale records removed, %d skipped\n", rep.Reaped, rep.Dead, rep.Skipped)
	return nil
}

// ─── version ─────────────────────────────────────────────────────────────────

type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Printf("warden %s %s/%s\n", version, runtime.GOOS, runtime.GOARCH)
	return nil
}

// ─── main ────────────────────────────────────────────────────────────────────

const description = "warden — supervise long-running tasks\n\nSubmit work, watch progress, cancel or kill tasks, and get warned when one stops reporting.\n\nUSAGE:  warden <command> [arguments]"

func kongOptions(globals *Globals) []kong.Option {
	return []kong.Option{
		kong.Name("warden"),
		kong.Description(description),
		kong.UsageOnError(),
		kong.Bind(globals),
		kong.ExplicitGroups([]kong.Group{
			{Key: "workspace", Title: "── WORKSPACE ────────────────────────────────────────────────────────────────────"},
			{Key: "execution", Title: "── EXECUTION ─────────────────────────────────────────────────────────────────────"},
			{Key: "control", Title: "── CONTROL ───────────────────────────────────────────────────────────────────────"},
			{Key: "observe", Title: "── MONITORING ────────────────────────────────────────────────────────────────────"},
			{Key: "maint", Title: "── MAINTENANCE ───────────────────────────────────────────────────────────────────"},
		}),
	}
}

func main() {
	logger.Init("")

	var cli CLI
	globals := &Globals{}
	ctx := kong.Parse(&cli, kongOptions(globals)...)
	err := ctx.Run()
	ctx.FatalIfErrorf(err)
}

// openWS finds the workspace from WARDEN_WORKSPACE (preferred) or the CWD.
func openWS() (*workspace.Workspace, error) {
	if dir := os.Getenv(workspaceEnv); dir != "" {
		ws, err := workspace.Open(dir)
		if err != nil {
			return nil, fmt.Errorf("open workspace from %s: %w", workspaceEnv, err)
		}
		return ws, nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("cannot determine current directory and %s is not set", workspaceEnv)
	}
	ws, err := workspace.FindRoot(cwd)
	if err != nil {
		return nil, fmt.Errorf("%w\n\nTo create a new workspace here:    warden init .\nTo use an existing workspace:      export %s=/path/to/workspace", err, workspaceEnv)
	}
	return ws, nil
}

// trimLines keeps the last n lines of s (all when n <= 0).
func trimLines(s string, n int) string {
	if n <= 0 {
		return s
	}
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if n < len(lines) {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n") + "\n"
}
