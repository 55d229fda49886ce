package mapper

import (
	"github.com/nameshigawa/bboxviewer/pkg/core"
)

// Track holds the last position of one shape so that frames without a box
// keep the shape where it was instead of snapping it somewhere else.
// A Track belongs to a single shape and is not safe for concurrent use.
type Track struct {
	ID       int
	position core.Vec2
}

// NewTrack starts a track at the shape's rest position.
func NewTrack(id int, rest core.Vec2) *Track {
	return &Track{ID: id, position: rest}
}

// Position returns the position the shape currently holds.
func (t *Track) Position() core.Vec2 {
	return t.position
}

// Apply folds a visual into the track and returns it with the held position
// filled in.
func (t *Track) Apply(v core.ShapeVisual) core.ShapeVisual {
	t.position = v.PositionOr(t.position)
	v.Position = t.position
	return v
}

// Evaluate runs the mapper for this track's shape and applies the result.
func (t *Track) Evaluate(seq *core.Sequence, at, frameRate float64, ctrl core.Controller, opts Options) (core.ShapeVisual, error) {
	v, err := Evaluate(seq, at, frameRate, t.ID, ctrl, opts)
	if err != nil {
		return v, err
	}
	return t.Apply(v), nil
}
