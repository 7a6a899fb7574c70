// Package idgen mints identifiers: monotonic task IDs and time-sortable
// session IDs.
package idgen

import (
	"strconv"
	"strings"
	"sync"
	"time"
)

// Sequence hands out strictly increasing int64 IDs starting at 1. An ID is
// never handed out twice, even after the task it named is gone.
type Sequence struct {
	mu   sync.Mutex
	last int64
}

// Next returns the next ID.
func (s *Sequence) Next() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last++
	return s.last
}

// Last returns the most recently minted ID, or 0 if none was minted.
func (s *Sequence) Last() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// epochMs is 2024-01-01T00:00:00Z in milliseconds.
const epochMs int64 = 1704067200000

// nowMs is a variable so tests can pin the clock.
var nowMs = func() int64 {
	return time.Now().UnixMilli() - epochMs
}

var (
	sessMu  sync.Mutex
	sessMs  int64 = -1
	sessSeq int64
)

// NewSessionID returns an ID like "s-0abc12de001" whose lexicographic order
// matches creation order: 8 base36 chars of milliseconds since 2024-01-01,
// then a 3-char base36 per-millisecond counter.
func NewSessionID(prefix string) string {
	sessMu.Lock()
	ms := nowMs()
	if ms < 0 {
		ms = 0
	}
	if ms == sessMs {
		sessSeq++
	} else {
		sessMs = ms
		sessSeq = 0
	}
	seq := sessSeq % 46656 // 36^3
	sessMu.Unlock()

	return prefix + "-" + pad36(ms, 8) + pad36(seq, 3)
}

func pad36(v int64, width int) string {
	s := strconv.FormatInt(v, 36)
	if len(s) >= width {
		return s
	}
	return strings.Repeat("0", width-len(s)) + s
}
