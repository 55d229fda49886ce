package cache

import (
	"sync"

	"github.com/nameshigawa/bboxviewer/internal/util"
)

// ShapeIDCache maps shape display names to the box id parsed from them
type ShapeIDCache struct {
	mu  sync.RWMutex
	ids map[string]int
}

// NewShapeIDCache creates a new ShapeIDCache
func NewShapeIDCache() *ShapeIDCache {
	return &ShapeIDCache{
		ids: make(map[string]int),
	}
}

// ID returns the id for name, parsing and remembering it on first use
func (c *ShapeIDCache) ID(name string) int {
	c.mu.RLock()
	id, ok := c.ids[name]
	c.mu.RUnlock()
	if ok {
		return id
	}

	id = util.ParseShapeID(name)
	c.mu.Lock()
	c.ids[name] = id
	c.mu.Unlock()
	return id
}

// Get retrieves a cached id by name without parsing
func (c *ShapeIDCache) Get(name string) (int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.ids[name]
	return id, ok
}

// Delete removes a name, e.g. after the shape was renamed
func (c *ShapeIDCache) Delete(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.ids, name)
}

// Reset clears all names from the cache
func (c *ShapeIDCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids = make(map[string]int)
}
