// Package eventcache implements the bounded FIFO event-id
// de-duplication cache used to enforce P2 (no duplicate delivery
// across a reconnect or an overlapping subscription).
package eventcache

import (
	"container/list"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
)

// Cache is a fixed-capacity set of event ids. Mark evicts the oldest
// entry once capacity is exceeded (P5): a bounded structure, never an
// unbounded map.
type Cache struct {
	capacity int
	index    *xsync.MapOf[string, *list.Element]

	mu    sync.Mutex
	order *list.List // front = oldest, back = newest
}

// New returns an empty Cache holding at most capacity ids.
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = 1
	}
	return &Cache{
		capacity: capacity,
		index:    xsync.NewMapOf[string, *list.Element](),
		order:    list.New(),
	}
}

// Seen reports whether id is already present in the cache.
func (c *Cache) Seen(id string) bool {
	_, ok := c.index.Load(id)
	return ok
}

// Mark records id as seen, returning true if it was newly added
// (false if it was already present). Adding past capacity evicts the
// oldest entry.
func (c *Cache) Mark(id string) (added bool) {
	if _, ok := c.index.Load(id); ok {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	// re-check under lock: another goroutine may have inserted id
	// between the Load above and acquiring mu.
	if _, ok := c.index.Load(id); ok {
		return false
	}
	el := c.order.PushBack(id)
	c.index.Store(id, el)
	if c.order.Len() > c.capacity {
		oldest := c.order.Front()
		if oldest != nil {
			c.order.Remove(oldest)
			c.index.Delete(oldest.Value.(string))
		}
	}
	return true
}

// Len returns the number of ids currently held.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
