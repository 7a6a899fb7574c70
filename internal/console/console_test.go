package console

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ilocn/warden/internal/protocol"
)

func TestParseCommand(t *testing.T) {
	t.Parallel()
	tests := []struct {
		line string
		want protocol.Request
	}{
		{"submit Texture analysis 3", protocol.Submit{Payload: "Texture analysis 3"}},
		{"  s   padded  ", protocol.Submit{Payload: "padded"}},
		{"cancel 4", protocol.Cancel{ID: 4}},
		{"KILL 5", protocol.Kill{ID: 5}},
		{"r 6", protocol.Restart{ID: 6}},
		{"quit", protocol.Shutdown{}},
		{"exit", protocol.Shutdown{}},
	}
	for _, tt := range tests {
		got, err := ParseCommand(tt.line)
		require.NoError(t, err, tt.line)
		assert.Equal(t, tt.want, got, tt.line)
	}
}

func TestParseCommandErrors(t *testing.T) {
	t.Parallel()
	_, err := ParseCommand("   ")
	assert.ErrorIs(t, err, ErrEmpty)
	_, err = ParseCommand("help")
	assert.ErrorIs(t, err, ErrHelp)

	for _, line := range []string{"submit", "cancel", "kill x", "restart 1.5", "teleport 3"} {
		_, err := ParseCommand(line)
		assert.Error(t, err, line)
	}
}

func TestPrinterPlain(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	p := NewPrinter(&buf, false)
	p.Print(protocol.Started{ID: 1, Attempt: 2})
	p.Print(protocol.Error{ID: protocol.SentinelID, Message: "kill: unknown task 9"})
	assert.Equal(t, "task 1: started (attempt 2)\nsupervisor: error: kill: unknown task 9\n", buf.String())
}

func TestPrinterColor(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	NewPrinter(&buf, true).Print(protocol.Warning{ID: 3, Message: "stuck"})
	assert.Contains(t, buf.String(), "\x1b[")
	assert.Contains(t, buf.String(), "task 3: warning: stuck")
}

type recordingSender struct {
	mu   sync.Mutex
	reqs []protocol.Request
	err  error
}

func (r *recordingSender) Send(_ context.Context, req protocol.Request) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reqs = append(r.reqs, req)
	return r.err
}

func TestReadCommandsUntilQuit(t *testing.T) {
	t.Parallel()
	in := strings.NewReader("submit A\n\nbogus\nhelp\nkill 1\nquit\nsubmit never\n")
	var out bytes.Buffer
	s := &recordingSender{}
	c := New(in, NewPrinter(&out, false), s)

	require.NoError(t, c.ReadCommands(context.Background()))
	assert.Equal(t, []protocol.Request{protocol.Submit{Payload: "A"}, protocol.Kill{ID: 1}, protocol.Shutdown{}}, s.reqs)
	assert.Contains(t, out.String(), `unknown command "bogus"`)
	assert.Contains(t, out.String(), "restart <id>")
}

func TestReadCommandsEOF(t *testing.T) {
	t.Parallel()
	s := &recordingSender{}
	c := New(strings.NewReader("cancel 2"), NewPrinter(io.Discard, false), s)
	err := c.ReadCommands(context.Background())
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, []protocol.Request{protocol.Cancel{ID: 2}}, s.reqs)
}

func TestReadCommandsSendFailure(t *testing.T) {
	t.Parallel()
	s := &recordingSender{err: errors.New("supervisor stopped")}
	c := New(strings.NewReader("submit A\n"), NewPrinter(io.Discard, false), s)
	err := c.ReadCommands(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sending submit")
}

func TestReadCommandsStopsOnContext(t *testing.T) {
	t.Parallel()
	pr, pw := io.Pipe()
	defer pw.Close()
	c := New(pr, NewPrinter(io.Discard, false), &recordingSender{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.ReadCommands(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("ReadCommands ignored cancellation")
	}
}

func TestPrintEvents(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	c := New(strings.NewReader(""), NewPrinter(&buf, false), &recordingSender{})
	ch := make(chan protocol.Event, 2)
	ch <- protocol.Progress{ID: 1, Progress: 30, Message: "processing step 1/3"}
	ch <- protocol.Completed{ID: 1, Message: "done"}
	close(ch)
	c.PrintEvents(ch)
	assert.Equal(t, "task 1:  30% processing step 1/3\ntask 1: completed: done\n", buf.String())
}
