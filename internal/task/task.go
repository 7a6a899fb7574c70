// Package task holds the supervisor's bookkeeping: one Record per submitted
// task, the lifecycle statuses a record moves through, and the Table that
// stores them.
package task

import (
	"fmt"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Record is a copy of one task's state. Records handed out by Table are
// snapshots; mutating them does not affect the table.
type Record struct {
	ID         int64     `json:"id"`
	Payload    string    `json:"payload"`
	Status     Status    `json:"status"`
	Progress   int       `json:"progress"`
	Message    string    `json:"message,omitempty"`
	Attempt    int       `json:"attempt"`
	PID        int       `json:"pid,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	LastUpdate time.Time `json:"last_update"`
}

// Stuck reports the watchdog overlay: an active task silent for longer than
// threshold. It is derived, so the next progress report clears it.
func (r Record) Stuck(now time.Time, threshold time.Duration) bool {
	return r.Status.IsActive() && now.Sub(r.LastUpdate) > threshold
}

// Table maps task IDs to records. One goroutine (the supervisor) writes;
// any goroutine may read through Get, Snapshot and Stalled.
type Table struct {
	mu      sync.RWMutex
	records map[int64]*Record

	// retired orders terminal records by the time they ended. Nil means
	// terminal records are kept for the whole session.
	retired *lru.Cache[int64, struct{}]
	retain  int
}

// NewTable returns an empty table. retainTerminal > 0 caps how many terminal
// records are kept; the oldest-ended is dropped first. Active records are
// never dropped.
func NewTable(retainTerminal int) (*Table, error) {
	t := &Table{records: make(map[int64]*Record)}
	if retainTerminal > 0 {
		c, err := lru.New[int64, struct{}](retainTerminal)
		if err != nil {
			return nil, fmt.Errorf("terminal retention cache: %w", err)
		}
		t.retired = c
		t.retain = retainTerminal
	}
	return t, nil
}

// Insert adds rec. The ID must be new.
func (t *Table) Insert(rec Record) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.records[rec.ID]; ok {
		return fmt.Errorf("task %d: %w", rec.ID, ErrDuplicateTask)
	}
	r := rec
	t.records[rec.ID] = &r
	if r.Status.IsTerminal() {
		t.retire(r.ID)
	}
	return nil
}

// Get returns a copy of the record for id.
func (t *Table) Get(id int64) (Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.records[id]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// Update applies fn to the record for id. A status change made by fn must be
// an allowed transition, otherwise the record is left untouched and
// ErrInvalidTransition is returned.
func (t *Table) Update(id int64, fn func(*Record)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.records[id]
	if !ok {
		return fmt.Errorf("task %d: %w", id, ErrUnknownTask)
	}
	next := *cur
	fn(&next)
	next.ID = id
	if next.Status != cur.Status {
		if err := checkTransition(id, cur.Status, next.Status); err != nil {
			return err
		}
	}
	wasTerminal := cur.Status.IsTerminal()
	*cur = next
	switch {
	case !wasTerminal && next.Status.IsTerminal():
		t.retire(id)
	case wasTerminal && !next.Status.IsTerminal() && t.retired != nil:
		t.retired.Remove(id)
	}
	return nil
}

// Remove drops id from the table. Removing an unknown id is a no-op.
func (t *Table) Remove(id int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, id)
	if t.retired != nil {
		t.retired.Remove(id)
	}
}

// retire records id as terminal and drops the oldest terminal record when the
// retention cap is hit. Caller holds t.mu.
func (t *Table) retire(id int64) {
	if t.retired == nil {
		return
	}
	if t.retired.Len() >= t.retain {
		if old, _, ok := t.retired.RemoveOldest(); ok {
			delete(t.records, old)
		}
	}
	t.retired.Add(id, struct{}{})
}

// Snapshot returns copies of all records ordered by ID.
func (t *Table) Snapshot() []Record {
	t.mu.RLock()
	out := make([]Record, 0, len(t.records))
	for _, r := range t.records {
		out = append(out, *r)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Stalled returns the active records whose last update is older than
// threshold at now, ordered by ID.
func (t *Table) Stalled(now time.Time, threshold time.Duration) []Record {
	var out []Record
	for _, r := range t.Snapshot() {
		if r.Stuck(now, threshold) {
			out = append(out, r)
		}
	}
	return out
}

// Counts returns the number of records per status.
func (t *Table) Counts() map[Status]int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	counts := make(map[Status]int)
	for _, r := range t.records {
		counts[r.Status]++
	}
	return counts
}

// Len returns the number of records.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}
