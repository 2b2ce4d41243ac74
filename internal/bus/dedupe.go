package bus

import (
	"sync"
	"time"
)

// fingerprintSep joins user id and message text into a cache key. Exact
// string equality, not semantic: re-observing the same on-screen message
// within the TTL is the only case this guards against.
const fingerprintSep = "\u0001"

// FingerprintKey builds the dedupe key for a buyer message.
func FingerprintKey(userID, text string) string {
	return userID + fingerprintSep + text
}

// DedupeCache is a TTL set of already-answered message fingerprints.
// Safe for concurrent use. Entries are pruned opportunistically on writes
// when the cache approaches its cap, and via Purge on the poll loop.
type DedupeCache struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time // injectable for tests
}

// NewDedupeCache creates an empty fingerprint cache.
func NewDedupeCache() *DedupeCache {
	return &DedupeCache{
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

// ShouldSkip reports whether the key was marked less than ttl ago.
// An expired entry is evicted on the way out.
func (d *DedupeCache) ShouldSkip(key string, ttl time.Duration) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	at, ok := d.entries[key]
	if !ok {
		return false
	}
	if d.now().Sub(at) >= ttl {
		delete(d.entries, key)
		return false
	}
	return true
}

// MarkProcessed records the key at the current time.
// maxEntries bounds the cache; stale entries are pruned first, then the
// oldest survivors are evicted if the cap is still exceeded.
func (d *DedupeCache) MarkProcessed(key string, ttl time.Duration, maxEntries int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if maxEntries > 0 && len(d.entries) >= maxEntries {
		now := d.now()
		for k, at := range d.entries {
			if now.Sub(at) >= ttl {
				delete(d.entries, k)
			}
		}
		for len(d.entries) >= maxEntries {
			var oldestKey string
			var oldest time.Time
			for k, at := range d.entries {
				if oldestKey == "" || at.Before(oldest) {
					oldestKey, oldest = k, at
				}
			}
			delete(d.entries, oldestKey)
		}
	}

	d.entries[key] = d.now()
}

// Purge drops all entries older than ttl and returns how many were removed.
func (d *DedupeCache) Purge(ttl time.Duration) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	removed := 0
	for k, at := range d.entries {
		if now.Sub(at) >= ttl {
			delete(d.entries, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of live entries (expired included until purged).
func (d *DedupeCache) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}
