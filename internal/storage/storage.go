// internal/storage/storage.go
package storage

import (
	"context"

	"github.com/nameshigawa/bboxviewer/pkg/core"
)

// Backend is the interface all source stores must satisfy.
// Get returns source.ErrNotFound (wrapped) for unknown names.
type Backend interface {
	// Lifecycle
	Init() error
	Close() error

	Get(ctx context.Context, name string) (*core.Sequence, error)
	Put(ctx context.Context, name string, seq *core.Sequence) error
	Delete(ctx context.Context, name string) error
	List(ctx context.Context) ([]string, error)
}

// Locator is an optional interface for backends that can say where a named
// source lives, for logs and CLI output.
type Locator interface {
	Location(name string) string
}

// Location returns where b keeps name, or the bare name when b does not
// implement Locator.
func Location(b Backend, name string) string {
	if l, ok := b.(Locator); ok {
		return l.Location(name)
	}
	return name
}
