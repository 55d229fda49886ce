// pkg/core/box.go
package core

// Box is one axis-aligned bounding box in source-data units.
// TrackID, Label and Confidence are optional producer metadata and are
// carried through unchanged.
type Box struct {
	X          float64 `json:"x" cbor:"x"`
	Y          float64 `json:"y" cbor:"y"`
	Width      float64 `json:"width" cbor:"width"`
	Height     float64 `json:"height" cbor:"height"`
	TrackID    *int    `json:"id,omitempty" cbor:"id,omitempty"`
	Label      string  `json:"label,omitempty" cbor:"label,omitempty"`
	Confidence float64 `json:"conf,omitempty" cbor:"conf,omitempty"`
}

// Center returns the midpoint of the box.
func (b Box) Center() Vec2 {
	return Vec2{X: b.X + b.Width/2, Y: b.Y + b.Height/2}
}

// Size returns the box extent as a vector.
func (b Box) Size() Vec2 {
	return Vec2{X: b.Width, Y: b.Height}
}

// Frame holds every box detected at one time sample, indexed by box id.
// A nil entry is a malformed record and counts as absent.
type Frame []*Box

// Box returns the box at id, or false when id is out of range or the entry
// is malformed.
func (f Frame) Box(id int) (Box, bool) {
	if id < 0 || id >= len(f) {
		return Box{}, false
	}
	b := f[id]
	if b == nil {
		return Box{}, false
	}
	return *b, true
}

// Sequence is the read-only, frame-indexed view of a box data source.
type Sequence struct {
	Frames []Frame
}

// Len returns the number of frames. A nil sequence has none.
func (s *Sequence) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Frames)
}

// MaxBoxes returns the largest frame length in the sequence.
func (s *Sequence) MaxBoxes() int {
	n := 0
	for _, f := range s.frames() {
		if len(f) > n {
			n = len(f)
		}
	}
	return n
}

func (s *Sequence) frames() []Frame {
	if s == nil {
		return nil
	}
	return s.Frames
}
