package idgen

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSequenceStartsAtOneAndIncrements(t *testing.T) {
	t.Parallel()
	var s Sequence
	assert.Equal(t, int64(0), s.Last())
	assert.Equal(t, int64(1), s.Next())
	assert.Equal(t, int64(2), s.Next())
	assert.Equal(t, int64(2), s.Last())
}

func TestSequenceConcurrentUnique(t *testing.T) {
	t.Parallel()
	var s Sequence
	const n = 500
	ids := make(chan int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids <- s.Next()
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[int64]bool, n)
	for id := range ids {
		require.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true
	}
	assert.Len(t, seen, n)
	assert.Equal(t, int64(n), s.Last())
}

func TestNewSessionIDFormat(t *testing.T) {
	t.Parallel()
	id := NewSessionID("s")
	require.True(t, strings.HasPrefix(id, "s-"), id)
	suffix := id[2:]
	assert.Len(t, suffix, 11)
	for _, c := range suffix {
		assert.True(t, (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z'), "non-base36 char %q in %q", c, id)
	}
}

// Not parallel: pins the package clock.
func TestNewSessionIDSameMillisecondIsSortable(t *testing.T) {
	orig := nowMs
	nowMs = func() int64 { return 1000 }
	defer func() { nowMs = orig }()

	a := NewSessionID("s")
	b := NewSessionID("s")
	assert.Less(t, a, b)
}

func TestNewSessionIDClampsNegativeClock(t *testing.T) {
	orig := nowMs
	nowMs = func() int64 { return -5 }
	defer func() { nowMs = orig }()

	id := NewSessionID("s")
	assert.Equal(t, "00000000", id[2:10])
}
