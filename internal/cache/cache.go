package cache

import (
	"sync"
	"sync/atomic"

	"github.com/nameshigawa/bboxviewer/internal/mapper"
	"github.com/nameshigawa/bboxviewer/pkg/core"
)

// SourceCache maps source names to loaded sequences. Replacing a name swaps
// in a new sequence identity; entries derived from the old one must be
// dropped by the caller (see TrackCache.Forget).
type SourceCache struct {
	mu      sync.RWMutex
	sources map[string]*core.Sequence
}

// NewSourceCache creates an empty SourceCache.
func NewSourceCache() *SourceCache {
	return &SourceCache{sources: make(map[string]*core.Sequence)}
}

// Get returns the sequence loaded for name.
func (c *SourceCache) Get(name string) (*core.Sequence, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	seq, ok := c.sources[name]
	return seq, ok
}

// Set stores seq under name and returns the sequence it replaced, if any.
func (c *SourceCache) Set(name string, seq *core.Sequence) (previous *core.Sequence) {
	c.mu.Lock()
	defer c.mu.Unlock()
	previous = c.sources[name]
	c.sources[name] = seq
	return previous
}

// Delete drops name and returns the sequence it held.
func (c *SourceCache) Delete(name string) *core.Sequence {
	c.mu.Lock()
	defer c.mu.Unlock()
	seq := c.sources[name]
	delete(c.sources, name)
	return seq
}

// Len returns the number of cached sources.
func (c *SourceCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sources)
}

// Reset clears the cache.
func (c *SourceCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources = make(map[string]*core.Sequence)
}

// Column is the box one shape id resolves to in every frame of a sequence;
// nil where the box is absent.
type Column []*core.Box

type trackKey struct {
	seq *core.Sequence
	id  int
}

// TrackCache memoizes per-id columns keyed by (sequence identity, id).
// A different sequence pointer is a different key, so a reloaded source
// never sees stale columns.
type TrackCache struct {
	mu      sync.RWMutex
	columns map[trackKey]Column
	hits    atomic.Int64
	misses  atomic.Int64
}

// NewTrackCache creates an empty TrackCache.
func NewTrackCache() *TrackCache {
	return &TrackCache{columns: make(map[trackKey]Column)}
}

// Column returns the column for id in seq, building it on first use.
func (c *TrackCache) Column(seq *core.Sequence, id int) Column {
	key := trackKey{seq: seq, id: id}

	c.mu.RLock()
	col, ok := c.columns[key]
	c.mu.RUnlock()
	if ok {
		c.hits.Add(1)
		return col
	}

	col = make(Column, seq.Len())
	for i := range col {
		if b, ok := seq.Frames[i].Box(id); ok {
			col[i] = &b
		}
	}

	c.misses.Add(1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.columns[key]; ok {
		return existing
	}
	c.columns[key] = col
	return col
}

// Evaluate gives the same result as mapper.Evaluate, reading the box from
// the cached column.
func (c *TrackCache) Evaluate(seq *core.Sequence, t, frameRate float64, id int, ctrl core.Controller, opts mapper.Options) (core.ShapeVisual, error) {
	if err := mapper.ValidateFrameRate(frameRate); err != nil {
		return core.ShapeVisual{}, err
	}

	idx, ok := mapper.FrameIndex(t, frameRate)
	if !ok {
		return mapper.Compose(core.Box{}, mapper.NoFrame, false, ctrl, opts), nil
	}
	frame, ok := mapper.ClampFrame(seq, idx)
	if !ok {
		return mapper.Compose(core.Box{}, mapper.NoFrame, false, ctrl, opts), nil
	}

	col := c.Column(seq, id)
	if b := col[frame]; b != nil {
		return mapper.Compose(*b, frame, true, ctrl, opts), nil
	}
	return mapper.Compose(core.Box{}, frame, false, ctrl, opts), nil
}

// Forget drops every column derived from seq.
func (c *TrackCache) Forget(seq *core.Sequence) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.columns {
		if key.seq == seq {
			delete(c.columns, key)
		}
	}
}

// Len returns the number of cached columns.
func (c *TrackCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.columns)
}

// Stats returns hit and miss counts since creation.
func (c *TrackCache) Stats() (hits, misses int) {
	return int(c.hits.Load()), int(c.misses.Load())
}

// Reset clears the cache.
func (c *TrackCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.columns = make(map[trackKey]Column)
	c.hits.Store(0)
	c.misses.Store(0)
}
