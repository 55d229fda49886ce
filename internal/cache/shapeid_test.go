package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShapeIDCache(t *testing.T) {
	c := NewShapeIDCache()

	_, ok := c.Get("BBox_3")
	assert.False(t, ok)

	assert.Equal(t, 3, c.ID("BBox_3"))
	assert.Equal(t, 12, c.ID("Box12_alt"))
	assert.Equal(t, 0, c.ID("NoDigitsHere"))

	id, ok := c.Get("BBox_3")
	assert.True(t, ok)
	assert.Equal(t, 3, id)

	c.Delete("BBox_3")
	_, ok = c.Get("BBox_3")
	assert.False(t, ok)

	c.Reset()
	_, ok = c.Get("Box12_alt")
	assert.False(t, ok)
}
