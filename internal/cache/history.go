package cache

import "sync"

// maxHistoryDepth is the cap on per-MAC advertisement history (§3).
const maxHistoryDepth = 10

// history is a capped, newest-last sequence of Records for one MAC.
//
// Ingest has a single writer (the scan callback); Newest/Snapshot have
// many concurrent readers. An RWMutex is enough discipline for that
// single-writer/many-reader shape — no lock-free structure in the
// example pack offers non-destructive, order-preserving reads of a
// capped ring, so this one is hand-rolled (see DESIGN.md).
type history struct {
	mu      sync.RWMutex
	records []Record
}

func newHistory() *history {
	return &history{records: make([]Record, 0, maxHistoryDepth)}
}

// ingest appends rec, evicting the oldest entry once the cap is exceeded.
func (h *history) ingest(rec Record) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, rec)
	if len(h.records) > maxHistoryDepth {
		h.records = h.records[len(h.records)-maxHistoryDepth:]
	}
}

// newest returns the most recently ingested record and true, or the zero
// value and false if the history is empty.
func (h *history) newest() (Record, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.records) == 0 {
		return Record{}, false
	}
	return h.records[len(h.records)-1], true
}

// snapshot returns a defensive copy of the full history, oldest first.
func (h *history) snapshot() []Record {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Record, len(h.records))
	copy(out, h.records)
	return out
}
