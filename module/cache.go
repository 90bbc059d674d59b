package module

import "sync"

// Cache is the arena of module records, keyed by identity. Records are never
// removed.
type Cache struct {
	mu      sync.RWMutex
	records map[Identity]*Record
	order   []Identity
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{records: make(map[Identity]*Record)}
}

// GetOrCreate returns the record for id in whatever state it is in, or
// creates a Loading record. The boolean reports whether it already existed.
func (c *Cache) GetOrCreate(id Identity) (*Record, bool) {
	c.mu.RLock()
	if rec, ok := c.records[id]; ok {
		c.mu.RUnlock()
		return rec, true
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if rec, ok := c.records[id]; ok {
		return rec, true
	}
	rec := &Record{ID: id, state: StateLoading}
	c.records[id] = rec
	c.order = append(c.order, id)
	return rec, false
}

// Get returns the record for id, if any.
func (c *Cache) Get(id Identity) (*Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.records[id]
	return rec, ok
}

// Len returns the number of records.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records)
}

// Records returns the records in creation order.
func (c *Cache) Records() []*Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Record, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.records[id])
	}
	return out
}
