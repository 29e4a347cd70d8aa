// ABOUTME: TTL-based dedupe cache for inbound chat messages
// ABOUTME: Fingerprints (chat, timestamp, body) and rejects replays within the window

package dedupe

import (
	"container/list"
	"fmt"
	"hash/fnv"
	"sync"
	"time"
)

const (
	defaultTTL     = 5 * time.Minute
	defaultMaxSize = 1000
)

// Fingerprint derives the dedupe key for an inbound message. Drivers that
// redeliver after a reconnect produce the same fingerprint, so the message
// is processed once.
func Fingerprint(chatID string, sentAt time.Time, body string) string {
	h := fnv.New64a()
	h.Write([]byte(body))
	return fmt.Sprintf("%s|%d|%x", chatID, sentAt.UnixMilli(), h.Sum64())
}

type entry struct {
	seenAt  time.Time
	element *list.Element
}

// Cache tracks recently seen message fingerprints. Entries expire after the
// TTL; when the cache is full the oldest entry is evicted. Safe for
// concurrent use.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*entry
	order   *list.List // fingerprints in insertion order, oldest at front
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a cache. Zero values select the defaults. A background
// goroutine sweeps expired entries until Close.
func New(ttl time.Duration, maxSize int) *Cache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if maxSize <= 0 {
		maxSize = defaultMaxSize
	}
	c := &Cache{
		seen:    make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.sweep()
	return c
}

// Seen atomically checks whether the fingerprint was already recorded within
// the TTL and records it if not. Returns true for a duplicate.
func (c *Cache) Seen(fingerprint string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.seen[fingerprint]; ok && time.Since(e.seenAt) < c.ttl {
		return true
	}

	if e, ok := c.seen[fingerprint]; ok {
		// Expired entry for the same key: refresh in place.
		e.seenAt = time.Now()
		c.order.MoveToBack(e.element)
		return false
	}

	if len(c.seen) >= c.maxSize {
		c.evictOldest()
	}
	elem := c.order.PushBack(fingerprint)
	c.seen[fingerprint] = &entry{seenAt: time.Now(), element: elem}
	return false
}

// Len returns the number of tracked fingerprints.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// evictOldest must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.seen, key)
}

func (c *Cache) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.removeExpired()
		case <-c.done:
			return
		}
	}
}

func (c *Cache) removeExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, e := range c.seen {
		if now.Sub(e.seenAt) > c.ttl {
			c.order.Remove(e.element)
			delete(c.seen, key)
		}
	}
}

// Close stops the sweep goroutine. Safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
