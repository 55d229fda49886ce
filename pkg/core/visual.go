// pkg/core/visual.go
package core

// Vec2 is a 2D value such as a size or a position.
type Vec2 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Color is a normalized RGB triple.
type Color struct {
	R float64 `json:"r"`
	G float64 `json:"g"`
	B float64 `json:"b"`
}

// Array returns the color as [r, g, b].
func (c Color) Array() [3]float64 {
	return [3]float64{c.R, c.G, c.B}
}

// Controller is the per-composition parameter set every shape reads on
// evaluation.
type Controller struct {
	SourceName  string  `json:"source"`
	Visible     bool    `json:"visible"`
	StrokeWidth float64 `json:"strokeWidth"`
	StrokeColor Color   `json:"strokeColor"`
}

// DefaultController returns the controller values a fresh composition starts with.
func DefaultController() Controller {
	return Controller{
		Visible:     true,
		StrokeWidth: 2,
		StrokeColor: Color{R: 0, G: 1, B: 0},
	}
}

// Opacity levels a shape can take.
const (
	OpacityHidden  = 0
	OpacityVisible = 100
)

// ShapeVisual is what a shape looks like at one instant.
// When HasPosition is false the caller keeps the shape's current position.
type ShapeVisual struct {
	Frame       int     `json:"frame"` // -1 when no frame could be resolved
	BoxPresent  bool    `json:"boxPresent"`
	Size        Vec2    `json:"size"`
	Position    Vec2    `json:"position"`
	HasPosition bool    `json:"hasPosition"`
	Opacity     float64 `json:"opacity"`
	StrokeWidth float64 `json:"strokeWidth"`
	StrokeColor Color   `json:"strokeColor"`
}

// PositionOr returns the computed position, or prev when there is none.
func (v ShapeVisual) PositionOr(prev Vec2) Vec2 {
	if v.HasPosition {
		return v.Position
	}
	return prev
}
