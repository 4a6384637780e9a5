// ABOUTME: Thread-safe TTL cache that remembers inbound fragment IDs per conversation
// ABOUTME: Transports redeliver events on reconnect; the aggregator drops repeats through this cache

package dedupe

import (
	"container/list"
	"sync"
	"time"

	"github.com/2389/fold-relay/internal/clock"
	"github.com/2389/fold-relay/internal/conv"
)

type entry struct {
	seenAt  time.Time
	element *list.Element
}

// Cache is a TTL-bounded, size-bounded set of (conversation, fragment ID)
// pairs. Insertion order is kept in a linked list so eviction of the oldest
// entry is O(1).
type Cache struct {
	mu      sync.Mutex
	seen    map[string]*entry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	clock   clock.Clock
}

// New creates a cache. A nil clock means the real clock.
func New(ttl time.Duration, maxSize int, clk clock.Clock) *Cache {
	if clk == nil {
		clk = clock.Real()
	}
	if maxSize <= 0 {
		maxSize = 1
	}
	return &Cache{
		seen:    make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		clock:   clk,
	}
}

func cacheKey(key conv.Key, fragmentID string) string {
	return key.String() + "\x00" + fragmentID
}

// Seen reports whether the fragment was marked within the TTL.
func (c *Cache) Seen(key conv.Key, fragmentID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.seen[cacheKey(key, fragmentID)]
	return ok && c.clock.Now().Sub(e.seenAt) < c.ttl
}

// CheckAndMark atomically reports whether the fragment is a duplicate and, if
// it is not, marks it. Fragments without an ID are never duplicates.
func (c *Cache) CheckAndMark(key conv.Key, fragmentID string) bool {
	if fragmentID == "" {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	k := cacheKey(key, fragmentID)
	now := c.clock.Now()
	if e, ok := c.seen[k]; ok && now.Sub(e.seenAt) < c.ttl {
		return true
	}
	c.markLocked(k, now)
	return false
}

// markLocked must be called with mu held.
func (c *Cache) markLocked(k string, now time.Time) {
	if e, ok := c.seen[k]; ok {
		e.seenAt = now
		c.order.MoveToBack(e.element)
		return
	}

	if len(c.seen) >= c.maxSize {
		if front := c.order.Front(); front != nil {
			oldest, _ := front.Value.(string)
			c.order.Remove(front)
			delete(c.seen, oldest)
		}
	}

	c.seen[k] = &entry{seenAt: now, element: c.order.PushBack(k)}
}

// Sweep removes expired entries and returns how many were removed.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	removed := 0
	for k, e := range c.seen {
		if now.Sub(e.seenAt) >= c.ttl {
			c.order.Remove(e.element)
			delete(c.seen, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked entries, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}
