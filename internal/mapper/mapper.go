// Package mapper resolves which bounding box drives a shape at a given time
// and computes the shape's visual properties from it.
//
// Evaluate is pure: it reads the sequence and the controller snapshot and
// retains nothing between calls, so shapes can be evaluated in any order
// and from any goroutine.
package mapper

import (
	"errors"
	"fmt"
	"math"

	"github.com/nameshigawa/bboxviewer/pkg/core"
)

// ErrInvalidConfiguration is returned when the frame rate cannot be used to
// resolve a frame index.
var ErrInvalidConfiguration = errors.New("invalid configuration")

// NoFrame is the frame index reported when resolution failed.
const NoFrame = -1

// Options selects between the opacity policies the rig supports.
type Options struct {
	// GateOnVisibility hides present boxes while the controller's Visible
	// toggle is off. When false, opacity follows box presence only.
	GateOnVisibility bool
}

// DefaultOptions gates opacity on the controller's visibility toggle.
func DefaultOptions() Options {
	return Options{GateOnVisibility: true}
}

// ValidateFrameRate reports ErrInvalidConfiguration for a frame rate that is
// not a positive finite number.
func ValidateFrameRate(frameRate float64) error {
	if math.IsNaN(frameRate) || math.IsInf(frameRate, 0) || frameRate <= 0 {
		return fmt.Errorf("%w: frame rate must be positive, got %v", ErrInvalidConfiguration, frameRate)
	}
	return nil
}

// FrameIndex converts elapsed seconds to a discrete frame index by
// truncation. It returns false for negative or non-finite times.
func FrameIndex(t, frameRate float64) (int, bool) {
	if math.IsNaN(t) || math.IsInf(t, 0) || t < 0 {
		return 0, false
	}
	f := math.Floor(t * frameRate)
	if math.IsInf(f, 0) || f >= math.MaxInt {
		return math.MaxInt, true
	}
	return int(f), true
}

// ClampFrame limits a frame index to the last frame of seq.
// It returns false when seq has no frames or the index is negative.
func ClampFrame(seq *core.Sequence, frameIndex int) (int, bool) {
	n := seq.Len()
	if n == 0 || frameIndex < 0 {
		return NoFrame, false
	}
	return min(frameIndex, n-1), true
}

// LookupBox resolves the box for id at time t. frame is NoFrame when no
// frame could be resolved.
func LookupBox(seq *core.Sequence, t, frameRate float64, id int) (box core.Box, frame int, ok bool) {
	idx, ok := FrameIndex(t, frameRate)
	if !ok {
		return core.Box{}, NoFrame, false
	}
	frame, ok = ClampFrame(seq, idx)
	if !ok {
		return core.Box{}, NoFrame, false
	}
	box, ok = seq.Frames[frame].Box(id)
	return box, frame, ok
}

// Evaluate computes the visual for shape id at time t.
//
// Missing data never fails: an empty sequence, an out of range id, a
// malformed box or a negative time all produce the absent branch (zero size,
// hidden, no position). The only error is ErrInvalidConfiguration for an
// unusable frame rate.
func Evaluate(seq *core.Sequence, t, frameRate float64, id int, ctrl core.Controller, opts Options) (core.ShapeVisual, error) {
	if err := ValidateFrameRate(frameRate); err != nil {
		return core.ShapeVisual{}, err
	}

	box, frame, present := LookupBox(seq, t, frameRate, id)
	return Compose(box, frame, present, ctrl, opts), nil
}

// Compose builds the visual for an already resolved box. present is false
// for every absent branch; box is ignored then.
func Compose(box core.Box, frame int, present bool, ctrl core.Controller, opts Options) core.ShapeVisual {
	v := core.ShapeVisual{
		Frame:       frame,
		BoxPresent:  present,
		Opacity:     core.OpacityHidden,
		StrokeWidth: ctrl.StrokeWidth,
		StrokeColor: ctrl.StrokeColor,
	}
	if !present {
		return v
	}

	v.Size = box.Size()
	v.Position = box.Center()
	v.HasPosition = true
	if !opts.GateOnVisibility || ctrl.Visible {
		v.Opacity = core.OpacityVisible
	}
	return v
}
