// Package console is the line-oriented adapter: it turns typed commands into
// control requests and prints status events, one per line.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/fatih/color"

	"github.com/ilocn/warden/internal/protocol"
)

// Sender delivers a request to a supervisor.
type Sender interface {
	Send(ctx context.Context, req protocol.Request) error
}

var (
	// ErrEmpty is returned by ParseCommand for a blank line.
	ErrEmpty = errors.New("empty command")
	// ErrHelp is returned by ParseCommand for "help".
	ErrHelp = errors.New("help requested")
)

// Usage lists the commands ParseCommand understands.
const Usage = `commands:
  submit <payload>   start a new task
  cancel <id>        ask a task to stop at its next check point
  kill <id>          stop a task immediately
  restart <id>       run a task's payload again under the same id
  quit               shut the supervisor down`

// ParseCommand turns one input line into a request.
func ParseCommand(line string) (protocol.Request, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, ErrEmpty
	}
	verb, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch strings.ToLower(verb) {
	case "submit", "s":
		if rest == "" {
			return nil, errors.New("submit needs a payload")
		}
		return protocol.Submit{Payload: rest}, nil
	case "cancel", "c":
		id, err := parseID(verb, rest)
		return protocol.Cancel{ID: id}, err
	case "kill", "k":
		id, err := parseID(verb, rest)
		return protocol.Kill{ID: id}, err
	case "restart", "r":
		id, err := parseID(verb, rest)
		return protocol.Restart{ID: id}, err
	case "quit", "q", "exit", "shutdown":
		return protocol.Shutdown{}, nil
	case "help", "h", "?":
		return nil, ErrHelp
	default:
		return nil, fmt.Errorf("unknown command %q (type help)", verb)
	}
}

func parseID(verb, arg string) (int64, error) {
	if arg == "" {
		return 0, fmt.Errorf("%s needs a task id", verb)
	}
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: bad task id %q", verb, arg)
	}
	return id, nil
}

// Printer writes events as single lines.
type Printer struct {
	mu  sync.Mutex
	w   io.Writer
	pal map[protocol.Kind]*color.Color
}

// NewPrinter returns a printer writing to w, colored when useColor is set.
func NewPrinter(w io.Writer, useColor bool) *Printer {
	p := &Printer{w: w}
	if useColor {
		p.pal = map[protocol.Kind]*color.Color{
			protocol.KindStarted:   color.New(color.FgCyan),
			protocol.KindProgress:  color.New(color.Faint),
			protocol.KindCompleted: color.New(color.FgGreen),
			protocol.KindCancelled: color.New(color.FgHiBlack),
			protocol.KindKilled:    color.New(color.FgRed),
			protocol.KindWarning:   color.New(color.FgYellow, color.Bold),
			protocol.KindError:     color.New(color.FgRed, color.Bold),
		}
		for _, c := range p.pal {
			c.EnableColor()
		}
	}
	return p
}

// Print writes ev.
func (p *Printer) Print(ev protocol.Event) {
	line := protocol.Describe(ev)
	if c, ok := p.pal[ev.Kind()]; ok {
		line = c.Sprint(line)
	}
	p.Println(line)
}

// Println writes one plain line.
func (p *Printer) Println(line string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w, line)
}

// Console reads commands from in and prints events and feedback to out.
type Console struct {
	in     io.Reader
	sender Sender
	out    *Printer
}

// New returns a console.
func New(in io.Reader, out *Printer, sender Sender) *Console {
	return &Console{in: in, sender: sender, out: out}
}

// PrintEvents prints every event until events is closed.
func (c *Console) PrintEvents(events <-chan protocol.Event) {
	for ev := range events {
		c.out.Print(ev)
	}
}

// ReadCommands sends a request per input line until quit, end of input or
// ctx ends. It returns io.EOF when the input ran out, so the caller can decide
// whether that means shutdown. A blocked read of in is left behind when ctx
// ends.
func (c *Console) ReadCommands(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(c.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			if err != nil {
				return fmt.Errorf("reading commands: %w", err)
			}
			return io.EOF
		case line := <-lines:
			req, err := ParseCommand(line)
			switch {
			case errors.Is(err, ErrEmpty):
				continue
			case errors.Is(err, ErrHelp):
				c.out.Println(Usage)
				continue
			case err != nil:
				c.out.Println(err.Error())
				continue
			}
			if err := c.sender.Send(ctx, req); err != nil {
				return fmt.Errorf("sending %s: %w", req.Kind(), err)
			}
			if _, ok := req.(protocol.Shutdown); ok {
				return nil
			}
		}
	}
}
