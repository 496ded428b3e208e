// Package recorder keeps a bounded in-memory journal of the requests the
// system under test sent to its stubbed upstreams, so suites can assert on
// what was called after the fact.
package recorder

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Entry is one observed application request and how it was answered.
type Entry struct {
	ID         string              `json:"id"`
	Service    string              `json:"service"`
	Route      string              `json:"route"`
	Method     string              `json:"method"`
	Path       string              `json:"path"`
	Query      map[string][]string `json:"query,omitempty"`
	Headers    map[string][]string `json:"headers,omitempty"`
	Body       string              `json:"body,omitempty"`
	Truncated  bool                `json:"truncated,omitempty"`
	Status     int                 `json:"status"`
	ReceivedAt time.Time           `json:"receivedAt"`
}

// Filter narrows a Snapshot. Zero values match everything; Limit keeps the
// most recent entries.
type Filter struct {
	Service string
	Route   string
	Limit   int
}

// Journal is a fixed-capacity FIFO of entries. When full, recording a new
// entry evicts the oldest.
type Journal struct {
	mu        sync.Mutex
	entries   []Entry
	capacity  int
	bodyLimit int64
	dropped   uint64
}

// NewJournal creates a journal holding at most capacity entries, storing at
// most bodyLimit bytes of each request body.
func NewJournal(capacity int, bodyLimit int64) *Journal {
	if capacity <= 0 {
		capacity = 1
	}
	return &Journal{
		capacity:  capacity,
		bodyLimit: bodyLimit,
	}
}

// Record stores an entry, assigning its ID and timestamp when unset and
// truncating the body to the journal's limit. The stored entry is returned.
func (j *Journal) Record(e Entry) Entry {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = time.Now().UTC()
	}
	if j.bodyLimit > 0 && int64(len(e.Body)) > j.bodyLimit {
		e.Body = e.Body[:j.bodyLimit]
		e.Truncated = true
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if len(j.entries) == j.capacity {
		copy(j.entries, j.entries[1:])
		j.entries[len(j.entries)-1] = e
		j.dropped++
	} else {
		j.entries = append(j.entries, e)
	}
	return e
}

// Snapshot returns matching entries in arrival order.
func (j *Journal) Snapshot(f Filter) []Entry {
	j.mu.Lock()
	defer j.mu.Unlock()

	matched := make([]Entry, 0, len(j.entries))
	for _, e := range j.entries {
		if f.Service != "" && e.Service != f.Service {
			continue
		}
		if f.Route != "" && e.Route != f.Route {
			continue
		}
		matched = append(matched, e)
	}

	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[len(matched)-f.Limit:]
	}
	return matched
}

// Clear removes all entries and returns how many were removed.
func (j *Journal) Clear() int {
	j.mu.Lock()
	defer j.mu.Unlock()

	removed := len(j.entries)
	j.entries = nil
	return removed
}

// Len reports the current number of entries.
func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.entries)
}

// Dropped reports how many entries were evicted since construction.
func (j *Journal) Dropped() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.dropped
}
