package core

import (
	"fmt"
	"sync"
	"time"
)

// DefaultHistorySize bounds the history when no explicit size is configured.
const DefaultHistorySize = 50

// History is a bounded, append-only log of task runs. The oldest record is
// evicted once the bound is exceeded.
//
// Append, Finish and eviction are driven by the controller's tick loop only.
// Readers always receive copies.
type History struct {
	mu      sync.RWMutex
	records []TaskRecord // oldest first
	limit   int
}

// NewHistory returns an empty history holding at most limit records.
func NewHistory(limit int) *History {
	if limit <= 0 {
		limit = DefaultHistorySize
	}
	return &History{limit: limit}
}

// Limit returns the configured bound.
func (h *History) Limit() int {
	return h.limit
}

// Append pushes rec to the tail and evicts from the head beyond the bound.
func (h *History) Append(rec TaskRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, rec.clone())
	if over := len(h.records) - h.limit; over > 0 {
		// Copy down so the evicted prefix does not pin the backing array.
		h.records = append(h.records[:0:0], h.records[over:]...)
	}
}

// Finish sets the terminal outcome of a running record. A record can be
// finished exactly once.
func (h *History) Finish(id string, outcome Outcome, endedAt time.Time, errMsg string) (TaskRecord, error) {
	if !outcome.Terminal() {
		return TaskRecord{}, fmt.Errorf("finish record %s: outcome %q is not terminal", id, outcome)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := len(h.records) - 1; i >= 0; i-- {
		rec := &h.records[i]
		if rec.ID != id {
			continue
		}
		if rec.Outcome.Terminal() {
			return rec.clone(), fmt.Errorf("finish record %s: %w", id, ErrRecordTerminal)
		}
		ended := endedAt
		rec.EndedAt = &ended
		rec.Outcome = outcome
		rec.Error = errMsg
		return rec.clone(), nil
	}
	return TaskRecord{}, fmt.Errorf("finish record %s: %w", id, ErrRecordNotFound)
}

// Snapshot returns up to limit of the most recent records, newest first.
// A non-positive limit returns everything.
func (h *History) Snapshot(limit int) []TaskRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := len(h.records)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]TaskRecord, 0, n)
	for i := len(h.records) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, h.records[i].clone())
	}
	return out
}

// SnapshotOutcome is Snapshot restricted to records with the given outcome.
func (h *History) SnapshotOutcome(limit int, outcome Outcome) []TaskRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := []TaskRecord{}
	for i := len(h.records) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		if h.records[i].Outcome == outcome {
			out = append(out, h.records[i].clone())
		}
	}
	return out
}

// Get returns the record with the given id.
func (h *History) Get(id string) (TaskRecord, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for i := len(h.records) - 1; i >= 0; i-- {
		if h.records[i].ID == id {
			return h.records[i].clone(), true
		}
	}
	return TaskRecord{}, false
}

// Latest returns the most recent record, if any.
func (h *History) Latest() (TaskRecord, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.records) == 0 {
		return TaskRecord{}, false
	}
	return h.records[len(h.records)-1].clone(), true
}

// Len returns the number of retained records.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.records)
}

// Clear drops every terminal record. A running record is kept so the tick
// loop can still close it.
func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	kept := h.records[:0:0]
	for _, rec := range h.records {
		if !rec.Outcome.Terminal() {
			kept = append(kept, rec)
		}
	}
	h.records = kept
}

// Load replaces the contents with records given oldest first, keeping the
// newest ones within the bound.
func (h *History) Load(records []TaskRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if over := len(records) - h.limit; over > 0 {
		records = records[over:]
	}
	h.records = make([]TaskRecord, 0, len(records))
	for _, rec := range records {
		h.records = append(h.records, rec.clone())
	}
}
