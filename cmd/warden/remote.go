package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"github.com/ilocn/warden/internal/console"
	"github.com/ilocn/warden/internal/protocol"
	"github.com/ilocn/warden/internal/recovery"
	"github.com/ilocn/warden/internal/task"
	"github.com/ilocn/warden/internal/workspace"
)

// errNoSupervisor is returned when no running supervisor exposes a web
// address for this workspace.
var errNoSupervisor = errors.New("no reachable supervisor (start one with: warden run --random-port)")

// remote talks to a running supervisor through its web adapter.
type remote struct {
	addr string
	http *http.Client
}

// taskRow mirrors one entry of GET /api/tasks.
type taskRow struct {
	task.Record
	Stuck bool `json:"stuck"`
}

func dialRemote(ws *workspace.Workspace) (*remote, error) {
	data, err := os.ReadFile(ws.WebAddrPath())
	if err != nil || !recovery.IsSupervisorRunning(ws) {
		return nil, errNoSupervisor
	}
	addr := strings.TrimSpace(string(data))
	if addr == "" {
		return nil, errNoSupervisor
	}
	return &remote{addr: addr, http: &http.Client{Timeout: 10 * time.Second}}, nil
}

func (r *remote) url(path string) string { return "http://" + r.addr + path }

// apiError extracts the "error" field of a JSON error body.
func apiError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	if msg := gjson.GetBytes(body, "error").String(); msg != "" {
		return fmt.Errorf("supervisor: %s", msg)
	}
	return fmt.Errorf("supervisor: HTTP %d", resp.StatusCode)
}

func (r *remote) send(req protocol.Request) error {
	body, err := protocol.MarshalRequest(req)
	if err != nil {
		return err
	}
	resp, err := r.http.Post(r.url("/api/requests"), "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("sending %s: %w", req.Kind(), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return apiError(resp)
	}
	return nil
}

func (r *remote) tasks() ([]taskRow, error) {
	resp, err := r.http.Get(r.url("/api/tasks"))
	if err != nil {
		return nil, fmt.Errorf("fetching tasks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}
	var payload struct {
		Tasks []taskRow `json:"tasks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decoding tasks: %w", err)
	}
	return payload.Tasks, nil
}

func (r *remote) logs(tail int) ([]string, error) {
	resp, err := r.http.Get(r.url(fmt.Sprintf("/api/logs?tail=%d", tail)))
	if err != nil {
		return nil, fmt.Errorf("fetching logs: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}
	var lines []string
	if err := json.NewDecoder(resp.Body).Decode(&lines); err != nil {
		return nil, fmt.Errorf("decoding logs: %w", err)
	}
	return lines, nil
}

// watch prints every status event until the stream ends or ctx is done.
func (r *remote) watch(ctx context.Context, p *console.Printer) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, "ws://"+r.addr+"/ws", nil)
	if err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				return nil
			}
			return err
		}
		switch gjson.GetBytes(data, protocol.TypeField).String() {
		case "log", "rejected":
			continue
		}
		ev, err := protocol.UnmarshalEvent(data)
		if err != nil {
			return fmt.Errorf("bad event from supervisor: %w", err)
		}
		p.Print(ev)
	}
}

// printTasks renders rows as an aligned table.
func printTasks(w io.Writer, rows []taskRow) {
	if len(rows) == 0 {
		fmt.Fprintln(w, "no tasks")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tPROGRESS\tATTEMPT\tPAYLOAD\tMESSAGE")
	for _, r := range rows {
		status := string(r.Status)
		if r.Stuck {
			status += " (stuck)"
		}
		fmt.Fprintf(tw, "%d\t%s\t%d%%\t%d\t%s\t%s\n", r.ID, status, r.Progress, r.Attempt, r.Payload, r.Message)
	}
	tw.Flush()
}

// ─── control commands ────────────────────────────────────────────────────────

func withRemote(g *Globals, fn func(*remote) error) error {
	ws, err := g.WS()
	if err != nil {
		return err
	}
	r, err := dialRemote(ws)
	if err != nil {
		return err
	}
	return fn(r)
}

type StatusCmd struct{}

func (c *StatusCmd) Run(g *Globals) error {
	return withRemote(g, func(r *remote) error {
		rows, err := r.tasks()
		if err != nil {
			return err
		}
		printTasks(os.Stdout, rows)
		return nil
	})
}

type SubmitCmd struct {
	Payload []string `arg:"" help:"Task payload (words are joined with spaces)."`
}

func (c *SubmitCmd) Run(g *Globals) error {
	payload := strings.Join(c.Payload, " ")
	return withRemote(g, func(r *remote) error {
		if err := r.send(protocol.Submit{Payload: payload}); err != nil {
			return err
		}
		fmt.Printf("submitted %q\n", payload)
		return nil
	})
}

type CancelCmd struct {
	ID int64 `arg:"" help:"Task ID."`
}

func (c *CancelCmd) Run(g *Globals) error {
	return withRemote(g, func(r *remote) error { return r.send(protocol.Cancel{ID: c.ID}) })
}

type KillCmd struct {
	ID int64 `arg:"" help:"Task ID."`
}

func (c *KillCmd) Run(g *Globals) error {
	return withRemote(g, func(r *remote) error { return r.send(protocol.Kill{ID: c.ID}) })
}

type RestartCmd struct {
	ID int64 `arg:"" help:"Task ID."`
}

func (c *RestartCmd) Run(g *Globals) error {
	return withRemote(g, func(r *remote) error { return r.send(protocol.Restart{ID: c.ID}) })
}

type StopCmd struct{}

func (c *StopCmd) Run(g *Globals) error {
	return withRemote(g, func(r *remote) error {
		if err := r.send(protocol.Shutdown{}); err != nil {
			return err
		}
		fmt.Println("shutdown requested")
		return nil
	})
}

type WatchCmd struct{}

func (c *WatchCmd) Run(g *Globals) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return withRemote(g, func(r *remote) error {
		return r.watch(ctx, console.NewPrinter(os.Stdout, !color.NoColor))
	})
}

// ─── logs ────────────────────────────────────────────────────────────────────

type LogsCmd struct {
	ID   int64 `arg:"" optional:"" help:"Task ID (omit for the supervisor log)."`
	Tail int   `default:"0" help:"Show last N lines (0 = all)."`
}

func (c *LogsCmd) Run(g *Globals) error {
	ws, err := g.WS()
	if err != nil {
		return err
	}
	if c.ID == 0 {
		r, err := dialRemote(ws)
		if err != nil {
			return err
		}
		lines, err := r.logs(c.Tail)
		if err != nil {
			return err
		}
		for _, l := range lines {
			fmt.Println(l)
		}
		return nil
	}
	data, err := os.ReadFile(ws.LogPath(c.ID))
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("no log found for task %d", c.ID)
		}
		return err
	}
	fmt.Print(trimLines(string(data), c.Tail))
	return nil
}
