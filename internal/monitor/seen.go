package monitor

import (
	"container/list"
	"sync"
	"time"
)

type seenEntry struct {
	key string
	at  time.Time
}

// SeenCache remembers event IDs for a TTL, bounded to maxEntries by evicting
// the oldest. Safe for concurrent use.
type SeenCache struct {
	mu         sync.Mutex
	ttl        time.Duration
	maxEntries int
	order      *list.List // oldest first
	index      map[string]*list.Element
	now        func() time.Time
}

// NewSeenCache creates a SeenCache.
func NewSeenCache(ttl time.Duration, maxEntries int) *SeenCache {
	return &SeenCache{
		ttl:        ttl,
		maxEntries: maxEntries,
		order:      list.New(),
		index:      make(map[string]*list.Element),
		now:        time.Now,
	}
}

// Seen records key and reports whether it was already present.
func (c *SeenCache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.expire(now)
	if _, ok := c.index[key]; ok {
		return true
	}
	c.index[key] = c.order.PushBack(seenEntry{key: key, at: now})
	for c.maxEntries > 0 && c.order.Len() > c.maxEntries {
		c.remove(c.order.Front())
	}
	return false
}

// Len returns the number of remembered keys.
func (c *SeenCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *SeenCache) expire(now time.Time) {
	for el := c.order.Front(); el != nil; el = c.order.Front() {
		if now.Sub(el.Value.(seenEntry).at) < c.ttl {
			return
		}
		c.remove(el)
	}
}

func (c *SeenCache) remove(el *list.Element) {
	delete(c.index, el.Value.(seenEntry).key)
	c.order.Remove(el)
}
