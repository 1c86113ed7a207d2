package page

import (
	"container/list"
	"sync"
)

// Cache is a write-through LRU page cache layered over another [IO].
// Reads of a cached page are served from memory; writes update the cache
// and fall through to the inner store immediately, so Flush semantics are
// the inner store's. Eviction is least-recently-used (spec.md §5).
type Cache struct {
	mu       sync.Mutex
	inner    IO
	capacity int
	entries  map[ID]*list.Element
	order    *list.List // front = most recently used
}

type cacheEntry struct {
	id  ID
	buf []byte
}

// NewCache wraps inner with an LRU cache holding up to capacity pages.
// A capacity < 1 is clamped to 1.
func NewCache(inner IO, capacity int) *Cache {
	if capacity < 1 {
		capacity = 1
	}
	return &Cache{
		inner:    inner,
		capacity: capacity,
		entries:  make(map[ID]*list.Element, capacity),
		order:    list.New(),
	}
}

func (c *Cache) PageSize() Size { return c.inner.PageSize() }

func (c *Cache) ReadPage(id ID, buf []byte) error {
	if err := checkBuf(buf, c.inner.PageSize()); err != nil {
		return err
	}

	c.mu.Lock()
	if el, ok := c.entries[id]; ok {
		copy(buf, el.Value.(*cacheEntry).buf)
		c.order.MoveToFront(el)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.inner.ReadPage(id, buf); err != nil {
		return err
	}

	c.mu.Lock()
	c.insertLocked(id, buf)
	c.mu.Unlock()
	return nil
}

func (c *Cache) WritePage(id ID, buf []byte) error {
	if err := c.inner.WritePage(id, buf); err != nil {
		return err
	}

	c.mu.Lock()
	if el, ok := c.entries[id]; ok {
		copy(el.Value.(*cacheEntry).buf, buf)
		c.order.MoveToFront(el)
	} else {
		c.insertLocked(id, buf)
	}
	c.mu.Unlock()
	return nil
}

// insertLocked adds a copy of buf under id, evicting the least recently
// used entry if the cache is full. Eviction is free: every cached page is
// already written through to the inner store.
func (c *Cache) insertLocked(id ID, buf []byte) {
	if c.order.Len() >= c.capacity {
		oldest := c.order.Back()
		if oldest != nil {
			delete(c.entries, oldest.Value.(*cacheEntry).id)
			c.order.Remove(oldest)
		}
	}
	cp := make([]byte, len(buf))
	copy(cp, buf)
	c.entries[id] = c.order.PushFront(&cacheEntry{id: id, buf: cp})
}

func (c *Cache) Flush() error { return c.inner.Flush() }

func (c *Cache) SetLength(numPages uint32) error {
	c.mu.Lock()
	// Pages beyond the new length must not be served stale from cache.
	for id, el := range c.entries {
		if uint32(id) >= numPages {
			c.order.Remove(el)
			delete(c.entries, id)
		}
	}
	c.mu.Unlock()
	return c.inner.SetLength(numPages)
}

func (c *Cache) NumPages() (uint32, error) { return c.inner.NumPages() }

func (c *Cache) Close() error { return c.inner.Close() }

// Invalidate drops id from the cache, used after a page is rewritten
// beneath the cache (e.g. by WAL replay against the physical store).
func (c *Cache) Invalidate(id ID) {
	c.mu.Lock()
	if el, ok := c.entries[id]; ok {
		c.order.Remove(el)
		delete(c.entries, id)
	}
	c.mu.Unlock()
}

// Reset empties the cache entirely.
func (c *Cache) Reset() {
	c.mu.Lock()
	c.entries = make(map[ID]*list.Element, c.capacity)
	c.order.Init()
	c.mu.Unlock()
}
