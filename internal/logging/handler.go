package logging

import (
	"context"
	"errors"
	"log/slog"
)

// ContextProvider returns the composition attributes stamped on every
// record, such as the active source and frame rate.
type ContextProvider func() []slog.Attr

// Sink is one destination of a Handler. Level, when set, is the minimum
// level the sink accepts on top of the sink handler's own filter.
type Sink struct {
	Handler slog.Handler
	Level   slog.Leveler
}

func (s Sink) admits(ctx context.Context, level slog.Level) bool {
	if s.Level != nil && level < s.Level.Level() {
		return false
	}
	return s.Handler.Enabled(ctx, level)
}

// Handler stamps composition attributes on each record and sends it to
// every sink that admits its level.
//
// A stamped key is skipped when the record or the logger already carries it,
// so a message about another source keeps its own "source". Empty string
// values are not stamped.
type Handler struct {
	sinks []Sink
	stamp ContextProvider
	bound map[string]bool // keys from WithAttrs before any group
	group bool
}

// NewHandler creates a Handler. stamp may be nil; nil sink handlers are
// ignored.
func NewHandler(stamp ContextProvider, sinks ...Sink) *Handler {
	h := &Handler{stamp: stamp}
	for _, s := range sinks {
		if s.Handler != nil {
			h.sinks = append(h.sinks, s)
		}
	}
	return h
}

// Enabled reports whether any sink admits level.
func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, s := range h.sinks {
		if s.admits(ctx, level) {
			return true
		}
	}
	return false
}

// Handle delivers r to every admitting sink. A failing sink does not stop
// the others; their errors are joined.
func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	if h.stamp != nil {
		h.addStamp(&r)
	}

	var errs []error
	for _, s := range h.sinks {
		if !s.admits(ctx, r.Level) {
			continue
		}
		if err := s.Handler.Handle(ctx, r.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (h *Handler) addStamp(r *slog.Record) {
	present := make(map[string]bool, r.NumAttrs())
	r.Attrs(func(a slog.Attr) bool {
		present[a.Key] = true
		return true
	})
	for _, a := range h.stamp() {
		if present[a.Key] || h.bound[a.Key] {
			continue
		}
		if a.Value.Kind() == slog.KindString && a.Value.String() == "" {
			continue
		}
		r.AddAttrs(a)
	}
}

// WithAttrs binds attrs on every sink.
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := h.derive(func(s slog.Handler) slog.Handler { return s.WithAttrs(attrs) })
	if !h.group && len(attrs) > 0 {
		out.bound = make(map[string]bool, len(h.bound)+len(attrs))
		for k := range h.bound {
			out.bound[k] = true
		}
		for _, a := range attrs {
			out.bound[a.Key] = true
		}
	}
	return out
}

// WithGroup opens group name on every sink. Stamped attributes land in the
// open group like any other record attribute.
func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	out := h.derive(func(s slog.Handler) slog.Handler { return s.WithGroup(name) })
	out.group = true
	return out
}

func (h *Handler) derive(fn func(slog.Handler) slog.Handler) *Handler {
	sinks := make([]Sink, len(h.sinks))
	for i, s := range h.sinks {
		sinks[i] = Sink{Handler: fn(s.Handler), Level: s.Level}
	}
	return &Handler{sinks: sinks, stamp: h.stamp, bound: h.bound, group: h.group}
}
