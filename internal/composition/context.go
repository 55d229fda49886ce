package composition

import (
	"log/slog"
	"sync"

	"github.com/nameshigawa/bboxviewer/internal/mapper"
	"github.com/nameshigawa/bboxviewer/pkg/core"
)

// DefaultFrameRate is used until the host reports its own.
const DefaultFrameRate = 30

// Snapshot is a consistent copy of the composition state for one evaluation.
type Snapshot struct {
	FrameRate  float64
	Controller core.Controller
	Options    mapper.Options
}

// Context holds the current composition state: frame rate, controller
// values and mapper options.
type Context struct {
	mu         sync.RWMutex
	frameRate  float64
	controller core.Controller
	options    mapper.Options
}

// NewContext creates a new Context with default values
func NewContext() *Context {
	return &Context{
		frameRate:  DefaultFrameRate,
		controller: core.DefaultController(),
		options:    mapper.DefaultOptions(),
	}
}

// Snapshot returns the current state.
func (c *Context) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Snapshot{
		FrameRate:  c.frameRate,
		Controller: c.controller,
		Options:    c.options,
	}
}

// Controller returns the current controller values
func (c *Context) Controller() core.Controller {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.controller
}

// FrameRate returns the composition frame rate
func (c *Context) FrameRate() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.frameRate
}

// SetFrameRate validates and stores the composition frame rate.
func (c *Context) SetFrameRate(fps float64) error {
	if err := mapper.ValidateFrameRate(fps); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frameRate = fps
	return nil
}

// SetController replaces the controller values.
func (c *Context) SetController(ctrl core.Controller) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.controller = ctrl
}

// UpdateController applies fn to a copy of the controller and stores the
// result atomically.
func (c *Context) UpdateController(fn func(*core.Controller) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctrl := c.controller
	if err := fn(&ctrl); err != nil {
		return err
	}
	c.controller = ctrl
	return nil
}

// SetOptions replaces the mapper options.
func (c *Context) SetOptions(opts mapper.Options) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.options = opts
}

// LogAttrs describes the composition for the log handler stamp.
func (c *Context) LogAttrs() []slog.Attr {
	s := c.Snapshot()
	return []slog.Attr{
		slog.String("source", s.Controller.SourceName),
		slog.Float64("fps", s.FrameRate),
	}
}
