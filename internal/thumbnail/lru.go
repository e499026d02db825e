package thumbnail

import (
	"sync"
	"time"
)

// Result is one probe outcome. Found false is a cached negative so items
// without reachable artwork are not re-probed on every delivery.
type Result struct {
	URL   string
	Found bool
}

type lruEntry struct {
	key       string
	value     Result
	prev      *lruEntry
	next      *lruEntry
	expiresAt time.Time
}

// lruCache is a thread-safe least-recently-used cache with lazy TTL
// expiration. A doubly-linked list with sentinel nodes keeps access order,
// the map gives O(1) lookups; head.next is the most recently used.
type lruCache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	items    map[string]*lruEntry
	head     *lruEntry
	tail     *lruEntry

	hits   int64
	misses int64

	now func() time.Time
}

func newLRUCache(capacity int, ttl time.Duration) *lruCache {
	c := &lruCache{
		capacity: capacity,
		ttl:      ttl,
		items:    make(map[string]*lruEntry, capacity),
		head:     &lruEntry{},
		tail:     &lruEntry{},
		now:      time.Now,
	}
	c.head.next = c.tail
	c.tail.prev = c.head
	return c
}

// get returns the cached outcome and moves it to the front. Expired entries
// are removed and count as misses.
func (c *lruCache) get(key string) (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, exists := c.items[key]; exists {
		if c.now().After(entry.expiresAt) {
			c.removeEntry(entry)
			c.misses++
			return Result{}, false
		}
		c.moveToFront(entry)
		c.hits++
		return entry.value, true
	}

	c.misses++
	return Result{}, false
}

// add stores an outcome, evicting the least recently used entries when the
// cache is at capacity.
func (c *lruCache) add(key string, value Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := c.now().Add(c.ttl)
	if entry, exists := c.items[key]; exists {
		entry.value = value
		entry.expiresAt = expiresAt
		c.moveToFront(entry)
		return
	}

	entry := &lruEntry{
		key:       key,
		value:     value,
		expiresAt: expiresAt,
	}
	c.addToFront(entry)
	c.items[key] = entry

	for len(c.items) > c.capacity {
		c.evictOldest()
	}
}

func (c *lruCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// cleanupExpired removes all expired entries and reports how many went away.
func (c *lruCache) cleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for entry := c.tail.prev; entry != c.head; {
		prev := entry.prev
		if now.After(entry.expiresAt) {
			c.removeEntry(entry)
			removed++
		}
		entry = prev
	}
	return removed
}

// stats returns hit/miss counters and the current size.
func (c *lruCache) stats() (hits, misses int64, size int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses, len(c.items)
}

func (c *lruCache) addToFront(entry *lruEntry) {
	entry.prev = c.head
	entry.next = c.head.next
	c.head.next.prev = entry
	c.head.next = entry
}

func (c *lruCache) moveToFront(entry *lruEntry) {
	entry.prev.next = entry.next
	entry.next.prev = entry.prev
	c.addToFront(entry)
}

func (c *lruCache) removeEntry(entry *lruEntry) {
	entry.prev.next = entry.next
	entry.next.prev = entry.prev
	delete(c.items, entry.key)
}

func (c *lruCache) evictOldest() {
	oldest := c.tail.prev
	if oldest == c.head {
		return
	}
	c.removeEntry(oldest)
}
