package bus

import (
	"sync"
	"time"
)

// DedupeCache suppresses duplicate deliveries by key within a TTL window.
// The transport redelivers inbound messages after reconnects and retry
// receipts; the controller keys this cache by (channel, message id) so each
// message is surfaced once.
type DedupeCache struct {
	mu      sync.Mutex
	entries map[string]int64 // key → unix millis of first sighting
	ttl     time.Duration
	maxSize int
}

// NewDedupeCache creates a cache. Entries expire after ttl and the cache
// never grows beyond maxSize keys.
func NewDedupeCache(ttl time.Duration, maxSize int) *DedupeCache {
	return &DedupeCache{
		entries: make(map[string]int64, 256),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

// IsDuplicate reports whether key was already seen within the TTL window.
// First sightings are recorded for future checks.
func (d *DedupeCache) IsDuplicate(key string) bool {
	now := time.Now().UnixMilli()
	cutoff := now - d.ttl.Milliseconds()

	d.mu.Lock()
	defer d.mu.Unlock()

	if ts, ok := d.entries[key]; ok && ts >= cutoff {
		return true
	}

	d.cleanup(cutoff)
	d.entries[key] = now
	return false
}

// Len returns the number of live entries.
func (d *DedupeCache) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

// cleanup removes expired entries and evicts arbitrary ones while over
// maxSize. Must be called with d.mu held.
func (d *DedupeCache) cleanup(cutoff int64) {
	for k, ts := range d.entries {
		if ts < cutoff {
			delete(d.entries, k)
		}
	}
	if d.maxSize > 0 && len(d.entries) >= d.maxSize {
		excess := len(d.entries) - d.maxSize + 1
		for k := range d.entries {
			if excess <= 0 {
				break
			}
			delete(d.entries, k)
			excess--
		}
	}
}
