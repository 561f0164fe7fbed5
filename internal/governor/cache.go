package governor

import (
	"container/list"
	"sync"
	"time"
)

// Cache is a bounded memoization store with per-entry time-to-live. When
// full, Set evicts the entry with the oldest creation time; reads do not
// refresh an entry's position.
type Cache struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*list.Element
	byAge    *list.List
	now      func() time.Time
}

type cacheEntry struct {
	key     string
	value   any
	created time.Time
	ttl     time.Duration
}

// expired reports whether the entry outlived its ttl. A non-positive ttl never expires.
func (e *cacheEntry) expired(now time.Time) bool {
	return e.ttl > 0 && now.Sub(e.created) > e.ttl
}

func newCache(capacity int, now func() time.Time) *Cache {
	return &Cache{
		capacity: capacity,
		items:    make(map[string]*list.Element),
		byAge:    list.New(),
		now:      now,
	}
}

// Set stores value under key for ttl. Overwriting a key resets its creation time.
func (c *Cache) Set(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.removeElement(el)
	}
	if len(c.items) >= c.capacity {
		if oldest := c.byAge.Front(); oldest != nil {
			c.removeElement(oldest)
		}
	}
	c.items[key] = c.byAge.PushBack(&cacheEntry{key: key, value: value, created: c.now(), ttl: ttl})
}

// Get returns the value stored under key. Expired entries are reported
// absent and removed.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	ent := el.Value.(*cacheEntry)
	if ent.expired(c.now()) {
		c.removeElement(el)
		return nil, false
	}
	return ent.value, true
}

// Delete removes key.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.removeElement(el)
	}
}

// Len returns the number of stored entries, including expired ones not yet swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// sweep removes every expired entry and returns how many were removed.
func (c *Cache) sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	removed := 0
	for el := c.byAge.Front(); el != nil; {
		next := el.Next()
		if el.Value.(*cacheEntry).expired(now) {
			c.removeElement(el)
			removed++
		}
		el = next
	}
	return removed
}

func (c *Cache) removeElement(el *list.Element) {
	c.byAge.Remove(el)
	delete(c.items, el.Value.(*cacheEntry).key)
}
