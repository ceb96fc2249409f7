package cache

import (
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
)

// Cache is the MAC -> DeviceHistory map described in §3/§4.1, backed by
// a concurrent hashmap since the access pattern is one writer (the scan
// callback) and many readers (lookups).
type Cache struct {
	ttl    time.Duration
	logger *logrus.Logger
	m      *hashmap.Map[string, *history]
}

// New constructs a Cache with the given TTL (default 300s per §6).
func New(ttl time.Duration, logger *logrus.Logger) *Cache {
	if logger == nil {
		logger = logrus.New()
	}
	return &Cache{
		ttl:    ttl,
		logger: logger,
		m:      hashmap.New[string, *history](),
	}
}

// Ingest appends rec to its MAC's history, creating the history if this is
// the first observation of that MAC. O(1). Single-writer by contract: the
// scan callback is the only caller.
func (c *Cache) Ingest(rec Record) {
	mac := NormalizeMAC(rec.MAC)
	rec.MAC = mac
	h, _ := c.m.GetOrInsert(mac, newHistory())
	h.ingest(rec)
}

// Lookup returns the newest record for mac if its age is within TTL.
// An expired entry is pruned as a side effect of the lookup, matching
// §4.1's "prune on next access or periodic sweep" rule.
func (c *Cache) Lookup(mac string) (Record, bool) {
	mac = NormalizeMAC(mac)
	h, ok := c.m.Get(mac)
	if !ok {
		return Record{}, false
	}
	rec, ok := h.newest()
	if !ok {
		return Record{}, false
	}
	if time.Since(rec.ObservedAt) > c.ttl {
		c.m.Del(mac)
		return Record{}, false
	}
	return rec, true
}

// Entry is a (mac, newest) pair returned by List, for status reporting.
type Entry struct {
	MAC    string
	Newest Record
}

// List returns a snapshot of (mac, newest) for every entry that holds a
// record, expired ones included; it does not prune.
func (c *Cache) List() []Entry {
	var out []Entry
	c.m.Range(func(mac string, h *history) bool {
		if rec, ok := h.newest(); ok {
			out = append(out, Entry{MAC: mac, Newest: rec})
		}
		return true
	})
	return out
}

// Sweep drops every entry whose newest record is older than TTL. It is
// invoked from the Scanner's tick (§4.1: "sweep runs on the scanner's
// tick").
func (c *Cache) Sweep() int {
	now := time.Now()
	var expired []string
	c.m.Range(func(mac string, h *history) bool {
		rec, ok := h.newest()
		if !ok || now.Sub(rec.ObservedAt) > c.ttl {
			expired = append(expired, mac)
		}
		return true
	})
	for _, mac := range expired {
		c.m.Del(mac)
	}
	if len(expired) > 0 {
		c.logger.WithField("count", len(expired)).Debug("scan cache sweep evicted expired entries")
	}
	return len(expired)
}

// History returns the full capped history for mac, oldest first, without
// regard to TTL (used for diagnostics; Lookup is the TTL-respecting path).
func (c *Cache) History(mac string) []Record {
	h, ok := c.m.Get(NormalizeMAC(mac))
	if !ok {
		return nil
	}
	return h.snapshot()
}

// Len reports the number of tracked MACs, expired or not.
func (c *Cache) Len() int {
	return int(c.m.Len())
}
