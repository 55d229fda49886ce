package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/nameshigawa/bboxviewer/internal/cache"
	"github.com/nameshigawa/bboxviewer/internal/composition"
	"github.com/nameshigawa/bboxviewer/internal/export"
	"github.com/nameshigawa/bboxviewer/internal/logging"
	"github.com/nameshigawa/bboxviewer/internal/mapper"
	"github.com/nameshigawa/bboxviewer/internal/source"
	"github.com/nameshigawa/bboxviewer/internal/storage"
	"github.com/nameshigawa/bboxviewer/internal/util"
	"github.com/nameshigawa/bboxviewer/pkg/core"
	"github.com/nameshigawa/bboxviewer/pkg/streaming"
)

var (
	// ErrUnknownShape is returned for a shape name that was never registered.
	ErrUnknownShape = errors.New("unknown shape")
	// ErrNoStorage is returned when a source operation needs a store and none is configured.
	ErrNoStorage = errors.New("no source storage configured")
)

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Storage    storage.Backend
	Sources    *cache.SourceCache
	ShapeIDs   *cache.ShapeIDCache
	Tracks     *cache.TrackCache // optional
	LogManager *logging.SlogManager
}

// Shape is a registered shape: its display name, the box id parsed from it
// and the position it holds before its first box.
type Shape struct {
	Name string    `json:"name"`
	ID   int       `json:"id"`
	Rest core.Vec2 `json:"rest"`
}

type shapeState struct {
	mu    sync.Mutex
	shape Shape
	track *mapper.Track
}

// Service provides handler methods for the host bridge
type Service struct {
	deps Dependencies
	ctx  *composition.Context

	mu     sync.RWMutex
	shapes map[string]*shapeState

	writeLogFunc func(functionName, data, level string)
}

// NewService creates a new handler service
func NewService(deps Dependencies, ctx *composition.Context) *Service {
	if deps.Sources == nil {
		deps.Sources = cache.NewSourceCache()
	}
	if deps.ShapeIDs == nil {
		deps.ShapeIDs = cache.NewShapeIDCache()
	}
	if ctx == nil {
		ctx = composition.NewContext()
	}

	s := &Service{
		deps:   deps,
		ctx:    ctx,
		shapes: make(map[string]*shapeState),
	}
	// Default writeLog function uses the logging manager
	s.writeLogFunc = func(functionName, data, level string) {
		if deps.LogManager != nil {
			deps.LogManager.WriteLog(functionName, data, level)
		}
	}
	return s
}

// GetContext returns the composition context
func (s *Service) GetContext() *composition.Context {
	return s.ctx
}

// Storage returns the configured source store, which may be nil.
func (s *Service) Storage() storage.Backend {
	return s.deps.Storage
}

func (s *Service) writeLog(functionName, data, level string) {
	s.writeLogFunc(functionName, data, level)
}

func (s *Service) logger() *slog.Logger {
	if s.deps.LogManager == nil {
		return slog.Default()
	}
	return s.deps.LogManager.Logger()
}

// SetController updates one controller value. Setting "source" also loads
// the named source; the name is kept even when loading fails so that
// evaluation resolves every shape absent.
func (s *Service) SetController(ctx context.Context, key, value string) error {
	functionName := CmdControllerSet

	var loadSource string
	err := s.ctx.UpdateController(func(c *core.Controller) error {
		switch strings.ToLower(key) {
		case "visible":
			v, err := util.ParseBool(value)
			if err != nil {
				return err
			}
			c.Visible = v
		case "strokewidth", "stroke_width":
			w, err := util.ParseFloats(value)
			if err != nil {
				return fmt.Errorf("error converting stroke width: %w", err)
			}
			if len(w) != 1 || math.IsNaN(w[0]) || math.IsInf(w[0], 0) || w[0] < 0 {
				return fmt.Errorf("stroke width must be a finite non-negative number, got %q", value)
			}
			c.StrokeWidth = w[0]
		case "strokecolor", "stroke_color":
			col, err := util.ParseColor(value)
			if err != nil {
				return fmt.Errorf("error converting stroke color: %w", err)
			}
			c.StrokeColor = col
		case "source", "json_name":
			c.SourceName = value
			loadSource = value
		default:
			return fmt.Errorf("unknown controller key %q", key)
		}
		return nil
	})
	if err != nil {
		s.writeLog(functionName, fmt.Sprintf(`Error setting %s: %v`, key, err), "ERROR")
		return err
	}

	if loadSource != "" {
		if _, err := s.LoadSource(ctx, loadSource); err != nil {
			s.writeLog(functionName, fmt.Sprintf(`Source %q not loaded: %v`, loadSource, err), "WARN")
		}
	}
	return nil
}

// ControllerState returns the current controller values.
func (s *Service) ControllerState() core.Controller {
	return s.ctx.Controller()
}

// SetFrameRate stores the composition frame rate.
func (s *Service) SetFrameRate(fps float64) error {
	if err := s.ctx.SetFrameRate(fps); err != nil {
		s.writeLog(CmdFrameRateSet, fmt.Sprintf(`Error setting frame rate: %v`, err), "ERROR")
		return err
	}
	return nil
}

// LoadSource reads name from the store into the source cache and returns its
// frame count. A reload swaps the cached sequence and drops its track columns.
func (s *Service) LoadSource(ctx context.Context, name string) (int, error) {
	if err := source.ValidateName(name); err != nil {
		return 0, err
	}
	if s.deps.Storage == nil {
		return 0, ErrNoStorage
	}

	seq, err := s.deps.Storage.Get(ctx, name)
	if err != nil {
		return 0, fmt.Errorf("load source %s: %w", name, err)
	}
	s.cacheSource(name, seq)

	s.logger().Info("Source loaded",
		"source", name,
		"location", storage.Location(s.deps.Storage, name),
		"frames", seq.Len(),
		"maxBoxes", seq.MaxBoxes())
	return seq.Len(), nil
}

// PreloadSources loads every name that is not cached yet. Failures do not
// stop the remaining names; their errors are joined.
func (s *Service) PreloadSources(ctx context.Context, names ...string) error {
	var errs []error
	for _, name := range names {
		if _, ok := s.deps.Sources.Get(name); ok {
			continue
		}
		if _, err := s.LoadSource(ctx, name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// HostLog records a message sent by a host script.
func (s *Service) HostLog(level, message string) {
	s.writeLog(CmdLog, message, level)
}

// PutSource stores seq under name. A cached copy is replaced.
func (s *Service) PutSource(ctx context.Context, name string, seq *core.Sequence) error {
	if err := source.ValidateName(name); err != nil {
		return err
	}
	if s.deps.Storage == nil {
		return ErrNoStorage
	}
	if err := s.deps.Storage.Put(ctx, name, seq); err != nil {
		return fmt.Errorf("store source %s: %w", name, err)
	}
	if _, ok := s.deps.Sources.Get(name); ok {
		s.cacheSource(name, seq)
	}
	return nil
}

// DeleteSource removes name from the store and the cache.
func (s *Service) DeleteSource(ctx context.Context, name string) error {
	if s.deps.Storage == nil {
		return ErrNoStorage
	}
	if err := s.deps.Storage.Delete(ctx, name); err != nil {
		return fmt.Errorf("delete source %s: %w", name, err)
	}
	if prev := s.deps.Sources.Delete(name); prev != nil && s.deps.Tracks != nil {
		s.deps.Tracks.Forget(prev)
	}
	return nil
}

// ListSources returns the names in the store.
func (s *Service) ListSources(ctx context.Context) ([]string, error) {
	if s.deps.Storage == nil {
		return nil, ErrNoStorage
	}
	return s.deps.Storage.List(ctx)
}

func (s *Service) cacheSource(name string, seq *core.Sequence) {
	prev := s.deps.Sources.Set(name, seq)
	if prev != nil && prev != seq && s.deps.Tracks != nil {
		s.deps.Tracks.Forget(prev)
	}
}

// activeSequence returns the sequence for the controller's source, loading
// it on first use. Any failure yields nil, which every shape reads as absent.
func (s *Service) activeSequence(ctx context.Context, name string) *core.Sequence {
	if name == "" {
		return nil
	}
	if seq, ok := s.deps.Sources.Get(name); ok {
		return seq
	}
	if _, err := s.LoadSource(ctx, name); err != nil {
		s.writeLog(CmdEval, fmt.Sprintf(`Source %q unavailable: %v`, name, err), "DEBUG")
		return nil
	}
	seq, _ := s.deps.Sources.Get(name)
	return seq
}

// ActiveSequence returns the sequence evaluation currently reads, or nil.
func (s *Service) ActiveSequence(ctx context.Context) *core.Sequence {
	return s.activeSequence(ctx, s.ctx.Controller().SourceName)
}

// RegisterShape adds a shape, or updates the rest position of an existing
// one when rest is given. It returns the box id parsed from name.
func (s *Service) RegisterShape(name string, rest *core.Vec2) (int, error) {
	if strings.TrimSpace(name) == "" {
		return 0, errors.New("shape name is empty")
	}
	id := s.deps.ShapeIDs.ID(name)

	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.shapes[name]; ok {
		if rest != nil {
			st.mu.Lock()
			st.shape.Rest = *rest
			st.track = mapper.NewTrack(id, *rest)
			st.mu.Unlock()
		}
		return id, nil
	}

	shape := Shape{Name: name, ID: id}
	if rest != nil {
		shape.Rest = *rest
	}
	s.shapes[name] = &shapeState{shape: shape, track: mapper.NewTrack(id, shape.Rest)}
	s.writeLog(CmdShapeRegister, fmt.Sprintf(`Registered %q as box %d`, name, id), "DEBUG")
	return id, nil
}

// RemoveShape forgets a registered shape.
func (s *Service) RemoveShape(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.shapes[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownShape, name)
	}
	delete(s.shapes, name)
	s.deps.ShapeIDs.Delete(name)
	return nil
}

// Shapes lists registered shapes sorted by name.
func (s *Service) Shapes() []Shape {
	s.mu.RLock()
	states := make([]*shapeState, 0, len(s.shapes))
	for _, st := range s.shapes {
		states = append(states, st)
	}
	s.mu.RUnlock()

	out := make([]Shape, 0, len(states))
	for _, st := range states {
		st.mu.Lock()
		out = append(out, st.shape)
		st.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Service) shape(name string) (*shapeState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.shapes[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownShape, name)
	}
	return st, nil
}

// Evaluate computes the visual of a registered shape at time t against the
// active source, holding the shape's last position while its box is absent.
func (s *Service) Evaluate(ctx context.Context, name string, t float64) (streaming.ShapeState, error) {
	st, err := s.shape(name)
	if err != nil {
		return streaming.ShapeState{}, err
	}

	snap := s.ctx.Snapshot()
	seq := s.activeSequence(ctx, snap.Controller.SourceName)
	return s.evaluateState(st, seq, t, snap)
}

func (s *Service) evaluateState(st *shapeState, seq *core.Sequence, t float64, snap composition.Snapshot) (streaming.ShapeState, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	var (
		v   core.ShapeVisual
		err error
	)
	if s.deps.Tracks != nil && seq != nil {
		v, err = s.deps.Tracks.Evaluate(seq, t, snap.FrameRate, st.shape.ID, snap.Controller, snap.Options)
	} else {
		v, err = mapper.Evaluate(seq, t, snap.FrameRate, st.shape.ID, snap.Controller, snap.Options)
	}
	if err != nil {
		return streaming.ShapeState{}, err
	}

	return streaming.ShapeState{
		Name:        st.shape.Name,
		ID:          st.shape.ID,
		ShapeVisual: st.track.Apply(v),
	}, nil
}

// EvaluateAll evaluates every registered shape at time t, sorted by name.
// A shape that fails is logged and left out.
func (s *Service) EvaluateAll(ctx context.Context, t float64) []streaming.ShapeState {
	snap := s.ctx.Snapshot()
	seq := s.activeSequence(ctx, snap.Controller.SourceName)

	s.mu.RLock()
	states := make([]*shapeState, 0, len(s.shapes))
	for _, st := range s.shapes {
		states = append(states, st)
	}
	s.mu.RUnlock()

	out := make([]streaming.ShapeState, 0, len(states))
	for _, st := range states {
		res, err := s.evaluateState(st, seq, t, snap)
		if err != nil {
			s.writeLog(CmdEvalAll, fmt.Sprintf(`Error evaluating %s: %v`, st.shape.Name, err), "ERROR")
			continue
		}
		out = append(out, res)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Bake evaluates every frame of the active source for every registered shape.
func (s *Service) Bake(ctx context.Context) (*export.Document, error) {
	snap := s.ctx.Snapshot()
	seq := s.activeSequence(ctx, snap.Controller.SourceName)

	registered := s.Shapes()
	shapes := make([]export.Shape, 0, len(registered))
	for _, sh := range registered {
		shapes = append(shapes, export.Shape{Name: sh.Name, ID: sh.ID, Rest: sh.Rest})
	}
	return export.Bake(seq, snap.FrameRate, shapes, snap.Controller, snap.Options)
}

// Timeline describes what playback would iterate over right now.
type Timeline struct {
	Source    string  `json:"source"`
	FrameRate float64 `json:"frameRate"`
	Frames    int     `json:"frames"`
}

// Duration returns the length of the timeline in seconds.
func (t Timeline) Duration() float64 {
	if t.FrameRate <= 0 {
		return 0
	}
	return float64(t.Frames) / t.FrameRate
}

// Timeline returns the active source and its frame count.
func (s *Service) Timeline(ctx context.Context) Timeline {
	snap := s.ctx.Snapshot()
	return Timeline{
		Source:    snap.Controller.SourceName,
		FrameRate: snap.FrameRate,
		Frames:    s.activeSequence(ctx, snap.Controller.SourceName).Len(),
	}
}
