// Package storagetest holds the behavior every source store must share.
package storagetest

import (
	"context"
	"testing"

	"github.com/nameshigawa/bboxviewer/internal/source"
	"github.com/nameshigawa/bboxviewer/internal/storage"
	"github.com/nameshigawa/bboxviewer/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Sample returns a small two-frame sequence with one malformed box.
func Sample() *core.Sequence {
	id := 2
	return &core.Sequence{Frames: []core.Frame{
		{&core.Box{X: 10, Y: 20, Width: 5, Height: 5, TrackID: &id, Label: "person", Confidence: 0.5}},
		{nil, &core.Box{X: 1, Y: 2, Width: 3, Height: 4}},
	}}
}

// Run exercises b through the storage.Backend contract. b must be
// initialized and empty.
func Run(t *testing.T, b storage.Backend) {
	t.Helper()
	ctx := context.Background()

	t.Run("get missing", func(t *testing.T) {
		_, err := b.Get(ctx, "missing")
		assert.ErrorIs(t, err, source.ErrNotFound)
	})

	t.Run("put and get", func(t *testing.T) {
		require.NoError(t, b.Put(ctx, "clip_a", Sample()))

		got, err := b.Get(ctx, "clip_a")
		require.NoError(t, err)
		assert.Equal(t, Sample(), got)
	})

	t.Run("put replaces", func(t *testing.T) {
		replacement := &core.Sequence{Frames: []core.Frame{{&core.Box{Width: 9, Height: 9}}}}
		require.NoError(t, b.Put(ctx, "clip_a", replacement))

		got, err := b.Get(ctx, "clip_a")
		require.NoError(t, err)
		assert.Equal(t, 1, got.Len())
		assert.Equal(t, 9.0, got.Frames[0][0].Width)
	})

	t.Run("invalid name", func(t *testing.T) {
		assert.ErrorIs(t, b.Put(ctx, "../escape", Sample()), source.ErrInvalidName)
	})

	t.Run("list sorted", func(t *testing.T) {
		require.NoError(t, b.Put(ctx, "clip_0", Sample()))

		names, err := b.List(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"clip_0", "clip_a"}, names)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, b.Delete(ctx, "clip_0"))
		assert.ErrorIs(t, b.Delete(ctx, "clip_0"), source.ErrNotFound)

		_, err := b.Get(ctx, "clip_0")
		assert.ErrorIs(t, err, source.ErrNotFound)

		names, err := b.List(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"clip_a"}, names)
	})
}
