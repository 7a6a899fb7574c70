package logbuf

import (
	"strings"
	"sync"
)

// LogBuf is a ring buffer of log lines with pub/sub support. It implements
// io.Writer so it can sit behind a slog handler.
type LogBuf struct {
	mu      sync.Mutex
	lines   []string
	max     int
	partial strings.Builder
	subs    map[chan string]struct{}
}

// SubscriberBuffer is the capacity of each subscriber channel. Lines are
// dropped for a subscriber whose channel is full.
const SubscriberBuffer = 256

// New creates a LogBuf with the given maximum line capacity.
func New(max int) *LogBuf {
	if max < 1 {
		max = 1
	}
	return &LogBuf{max: max, subs: make(map[chan string]struct{})}
}

// Write implements io.Writer. Complete lines are appended to the ring and
// fanned out to subscribers; a trailing partial line is held until its
// newline arrives.
func (lb *LogBuf) Write(p []byte) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	s := string(p)
	for {
		i := strings.IndexByte(s, '\n')
		if i < 0 {
			lb.partial.WriteString(s)
			break
		}
		lb.partial.WriteString(s[:i])
		line := lb.partial.String()
		lb.partial.Reset()
		s = s[i+1:]
		if line == "" {
			continue
		}
		lb.appendLocked(line)
	}
	return len(p), nil
}

func (lb *LogBuf) appendLocked(line string) {
	lb.lines = append(lb.lines, line)
	if len(lb.lines) > lb.max {
		lb.lines = lb.lines[len(lb.lines)-lb.max:]
	}
	for ch := range lb.subs {
		select {
		case ch <- line:
		default:
		}
	}
}

// Subscribe returns a channel that receives new log lines as they arrive.
func (lb *LogBuf) Subscribe() chan string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	ch := make(chan string, SubscriberBuffer)
	lb.subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes and closes a previously subscribed channel. It is a
// no-op for unknown channels.
func (lb *LogBuf) Unsubscribe(ch chan string) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if _, ok := lb.subs[ch]; ok {
		delete(lb.subs, ch)
		close(ch)
	}
}

// Lines returns a snapshot of all currently buffered lines.
func (lb *LogBuf) Lines() []string {
	return lb.Tail(0)
}

// Tail returns the last n buffered lines, or all of them when n <= 0.
func (lb *LogBuf) Tail(n int) []string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	src := lb.lines
	if n > 0 && n < len(src) {
		src = src[len(src)-n:]
	}
	out := make([]string, len(src))
	copy(out, src)
	return out
}
