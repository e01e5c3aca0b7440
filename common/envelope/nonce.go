package envelope

import (
	"sync"
	"time"
)

// nonceCache remembers recently seen nonces for twice the permitted clock
// skew. It is bounded: at capacity, expired entries are purged first and the
// oldest-expiring entry is evicted if the cache is still full. A single
// mutex guards the map; the hot path is one lookup plus one insert.
type nonceCache struct {
	mu    sync.Mutex
	seen  map[string]time.Time // nonce → expiry
	limit int
}

func newNonceCache(limit int) *nonceCache {
	return &nonceCache{seen: make(map[string]time.Time), limit: limit}
}

// remember atomically records a nonce, returning false when it was already
// present and unexpired. Check-and-insert is one critical section so two
// concurrent copies of the same request cannot both pass.
func (c *nonceCache) remember(nonce string, now, expiry time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if exp, ok := c.seen[nonce]; ok && now.Before(exp) {
		return false
	}

	if len(c.seen) >= c.limit {
		c.purgeLocked(now)
	}
	if len(c.seen) >= c.limit {
		c.evictOldestLocked()
	}

	c.seen[nonce] = expiry
	return true
}

func (c *nonceCache) purgeLocked(now time.Time) {
	for n, exp := range c.seen {
		if !now.Before(exp) {
			delete(c.seen, n)
		}
	}
}

func (c *nonceCache) evictOldestLocked() {
	var oldest string
	var oldestExp time.Time
	for n, exp := range c.seen {
		if oldest == "" || exp.Before(oldestExp) {
			oldest, oldestExp = n, exp
		}
	}
	if oldest != "" {
		delete(c.seen, oldest)
	}
}

func (c *nonceCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}
