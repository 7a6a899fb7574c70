package unit

import (
	"context"
	"errors"
	"sync"

	"github.com/ilocn/warden/internal/protocol"
)

// LocalLauncher runs Work on a goroutine in the current process.
//
// A goroutine cannot be preempted, so Kill only cancels the work's context
// and detaches the handle: the events channel closes at once and nothing the
// work produces afterwards is delivered. Work blocked in an uninterruptible
// step keeps its goroutine until that step returns.
type LocalLauncher struct {
	Work Work
	// Buffer is the capacity of each handle's events channel.
	Buffer int
}

// Launch starts spec.Payload on a new goroutine. The unit outlives ctx; only
// Stop and Kill end it early.
func (l *LocalLauncher) Launch(ctx context.Context, spec Spec) (Handle, error) {
	if l.Work == nil {
		return nil, errors.New("local launcher: no work configured")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h := &localHandle{
		events: make(chan protocol.Event, max(l.Buffer, 0)),
		cancel: cancel,
		killed: make(chan struct{}),
		exited: make(chan struct{}),
	}
	raw := make(chan protocol.Event)

	go func() {
		defer close(raw)
		defer close(h.exited)
		defer cancel()
		Execute(wctx, spec.ID, spec.Payload, l.Work, func(ev protocol.Event) {
			select {
			case raw <- ev:
			case <-h.killed:
			}
		})
	}()
	go h.pump(raw)
	return h, nil
}

type localHandle struct {
	events   chan protocol.Event
	cancel   context.CancelFunc
	killOnce sync.Once
	killed   chan struct{}
	exited   chan struct{}
}

// pump forwards raw to events until the work ends or the handle is killed.
func (h *localHandle) pump(raw <-chan protocol.Event) {
	defer close(h.events)
	for {
		select {
		case ev, ok := <-raw:
			if !ok {
				return
			}
			select {
			case <-h.killed:
				return
			default:
			}
			select {
			case h.events <- ev:
			case <-h.killed:
				return
			}
		case <-h.killed:
			return
		}
	}
}

func (h *localHandle) Events() <-chan protocol.Event { return h.events }

func (h *localHandle) Stop() { h.cancel() }

func (h *localHandle) Kill() error {
	select {
	case <-h.exited:
		return ErrAlreadyExited
	default:
	}
	h.killOnce.Do(func() {
		close(h.killed)
		h.cancel()
	})
	return nil
}

func (h *localHandle) PID() int { return 0 }
