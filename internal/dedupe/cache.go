// ABOUTME: Thread-safe TTL cache of outbound sends awaiting their broker echo.
// ABOUTME: Sessions Mark on publish and Consume when the echo frame arrives.

package dedupe

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// cacheEntry stores the pending echo count for a key and when it was last marked.
type cacheEntry struct {
	timestamp time.Time
	count     int
	element   *list.Element
}

// Cache is a size-limited, TTL-based multiset of keys. The oldest key is
// evicted first when the cache is full.
type Cache struct {
	mu      sync.RWMutex
	seen    map[string]*cacheEntry
	order   *list.List // keys in mark order, oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a cache with the given TTL and maximum number of distinct keys.
// A background goroutine periodically drops expired entries; call Close to stop it.
func New(ttl time.Duration, maxSize int) *Cache {
	c := &Cache{
		seen:    make(map[string]*cacheEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Key builds the echo key for a message between two identities.
// The content is hashed so long messages do not bloat the cache.
func Key(sender, recipient, content string) string {
	sum := sha256.Sum256([]byte(content))
	return sender + "\x00" + recipient + "\x00" + hex.EncodeToString(sum[:8])
}

// Mark records one pending echo for key, refreshing its TTL.
func (c *Cache) Mark(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if entry, exists := c.seen[key]; exists {
		if now.Sub(entry.timestamp) >= c.ttl {
			entry.count = 0
		}
		entry.count++
		entry.timestamp = now
		c.order.MoveToBack(entry.element)
		return
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldest()
	}

	elem := c.order.PushBack(key)
	c.seen[key] = &cacheEntry{
		timestamp: now,
		count:     1,
		element:   elem,
	}
}

// Consume removes one mark for key. It returns true if a live mark was
// present, meaning the caller should treat the frame as an echo.
func (c *Cache) Consume(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.seen[key]
	if !ok {
		return false
	}
	if c.now().Sub(entry.timestamp) >= c.ttl {
		c.removeLocked(key, entry)
		return false
	}

	entry.count--
	if entry.count <= 0 {
		c.removeLocked(key, entry)
	}
	return true
}

// Forget drops one mark for key, used when a send failed and no echo will come.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.seen[key]; ok {
		entry.count--
		if entry.count <= 0 {
			c.removeLocked(key, entry)
		}
	}
}

// Len returns the number of distinct keys currently held.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.seen)
}

// removeLocked deletes key. Must be called with mu held.
func (c *Cache) removeLocked(key string, entry *cacheEntry) {
	c.order.Remove(entry.element)
	delete(c.seen, key)
}

// evictOldest removes the oldest entry. Must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}

	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, key)
}

// cleanup runs in a background goroutine, periodically removing expired entries.
func (c *Cache) cleanup() {
	interval := c.ttl
	if interval <= 0 || interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runCleanup()
		case <-c.done:
			return
		}
	}
}

// runCleanup removes all expired entries from the cache.
func (c *Cache) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for key, entry := range c.seen {
		if now.Sub(entry.timestamp) >= c.ttl {
			c.removeLocked(key, entry)
		}
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
