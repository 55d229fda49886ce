// internal/storage/memory/memory.go
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/nameshigawa/bboxviewer/internal/source"
	"github.com/nameshigawa/bboxviewer/pkg/core"
)

// Backend keeps sources in process memory. Stored sequences are shared,
// not copied; callers treat them as read-only.
type Backend struct {
	mu      sync.RWMutex
	sources map[string]*core.Sequence
}

// New creates a new memory backend
func New() *Backend {
	return &Backend{
		sources: make(map[string]*core.Sequence),
	}
}

// Init initializes the backend
func (b *Backend) Init() error {
	return nil
}

// Close cleans up resources
func (b *Backend) Close() error {
	return nil
}

func (b *Backend) Get(_ context.Context, name string) (*core.Sequence, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	seq, ok := b.sources[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", source.ErrNotFound, name)
	}
	return seq, nil
}

func (b *Backend) Put(_ context.Context, name string, seq *core.Sequence) error {
	if err := source.ValidateName(name); err != nil {
		return err
	}
	if seq == nil {
		seq = &core.Sequence{}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.sources[name] = seq
	return nil
}

func (b *Backend) Delete(_ context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.sources[name]; !ok {
		return fmt.Errorf("%w: %s", source.ErrNotFound, name)
	}
	delete(b.sources, name)
	return nil
}

func (b *Backend) List(_ context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	names := make([]string, 0, len(b.sources))
	for name := range b.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}
