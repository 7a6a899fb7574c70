package web

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/ilocn/warden/internal/protocol"
)

// Hub is the single reader of a supervisor's event stream. Every event it
// reads is handed to each subscriber registered at that moment.
type Hub struct {
	src  <-chan protocol.Event
	mu   sync.Mutex
	subs map[string]*subscriber
	done chan struct{}
	over bool
}

type subscriber struct {
	ch       chan protocol.Event
	gone     chan struct{}
	lossless bool
	dropped  atomic.Int64
}

// NewHub returns a hub reading src. Nothing is read until Run.
func NewHub(src <-chan protocol.Event) *Hub {
	return &Hub{src: src, subs: make(map[string]*subscriber), done: make(chan struct{})}
}

// Subscribe registers a subscriber and returns its ID and channel.
//
// A lossless subscriber holds the hub (and so, eventually, the supervisor)
// until it takes each event; use it for consumers that must see the whole
// stream, like the console. Other subscribers lose events while their buffer
// is full. The channel is closed when the source ends; after Unsubscribe it
// simply stops receiving.
func (h *Hub) Subscribe(buffer int, lossless bool) (string, <-chan protocol.Event) {
	s := &subscriber{
		ch:       make(chan protocol.Event, max(buffer, 0)),
		gone:     make(chan struct{}),
		lossless: lossless,
	}
	id := uuid.NewString()

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.over {
		close(s.ch)
		return id, s.ch
	}
	h.subs[id] = s
	return id, s.ch
}

// Unsubscribe removes a subscriber. Unknown IDs are ignored.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	s, ok := h.subs[id]
	delete(h.subs, id)
	h.mu.Unlock()
	if ok {
		close(s.gone)
	}
}

// Dropped reports how many events a subscriber has lost to a full buffer.
func (h *Hub) Dropped(id string) int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.subs[id]; ok {
		return s.dropped.Load()
	}
	return 0
}

// Len returns the number of subscribers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Done is closed once the source has ended and every subscriber channel has
// been closed.
func (h *Hub) Done() <-chan struct{} { return h.done }

// Run fans events out until the source is closed.
func (h *Hub) Run() {
	defer h.finish()
	for ev := range h.src {
		for _, s := range h.current() {
			s.deliver(ev)
		}
	}
}

func (h *Hub) current() []*subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		out = append(out, s)
	}
	return out
}

func (h *Hub) finish() {
	h.mu.Lock()
	h.over = true
	for id, s := range h.subs {
		close(s.ch)
		delete(h.subs, id)
	}
	h.mu.Unlock()
	close(h.done)
}

func (s *subscriber) deliver(ev protocol.Event) {
	if s.lossless {
		select {
		case s.ch <- ev:
		case <-s.gone:
		}
		return
	}
	select {
	case s.ch <- ev:
	case <-s.gone:
	default:
		s.dropped.Add(1)
	}
}
