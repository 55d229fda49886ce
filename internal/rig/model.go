// Package rig builds the host side of a bounding box overlay: a controller
// layer carrying the shared parameters and shape layers whose properties are
// driven by expressions that read the box data.
//
// The composition model here is an in-memory stand-in for the host document.
// Script renders the same operations as a standalone installer the host runs.
package rig

import (
	"errors"
	"fmt"
)

// Effect match names the controller uses.
const (
	MatchLayerControl    = "ADBE Layer Control"
	MatchCheckboxControl = "ADBE Checkbox Control"
	MatchSliderControl   = "ADBE Slider Control"
	MatchColorControl    = "ADBE Color Control"
)

// Controller layer and effect names.
const (
	ControllerName    = "Controller"
	ControllerLabel   = 9
	EffectSource      = "JSON_Name"
	EffectVisible     = "Visible"
	EffectStrokeWidth = "Stroke_Width"
	EffectStrokeColor = "Stroke_Color"
)

// Shape content match names.
const (
	MatchVectorGroup = "ADBE Vector Group"
	MatchRect        = "ADBE Vector Shape - Rect"
	MatchFill        = "ADBE Vector Graphic - Fill"
	MatchStroke      = "ADBE Vector Graphic - Stroke"
)

// BBoxGroup is the name of the content group CreateBBox adds.
const BBoxGroup = "BBox"

// Property paths expressions and values are attached to.
const (
	PropRectSize     = "Contents/Rect/Size"
	PropRectPosition = "Contents/Rect/Position"
	PropFillOpacity  = "Contents/Fill/Opacity"
	PropStrokeWidth  = "Contents/Stroke/Width"
	PropStrokeColor  = "Contents/Stroke/Color"
	PropPosition     = "Transform/Position"
	PropOpacity      = "Transform/Opacity"
)

var (
	// ErrNotShapeLayer is returned when box expressions are applied to a layer
	// that cannot carry them.
	ErrNotShapeLayer = errors.New("not a shape layer")
	// ErrNoContents is returned for a shape layer without a content group.
	ErrNoContents = errors.New("shape layer has no content group")
)

// LayerKind distinguishes the layer types the rig touches.
type LayerKind string

const (
	KindNull  LayerKind = "null"
	KindShape LayerKind = "shape"
)

// Effect is one effect instance on a layer. Value is nil until set.
type Effect struct {
	MatchName string `json:"matchName" yaml:"matchName"`
	Name      string `json:"name" yaml:"name"`
	Value     any    `json:"value,omitempty" yaml:"value,omitempty"`
}

// Group is a shape content group and the match names of its items, in order.
type Group struct {
	Name  string   `json:"name"`
	Items []string `json:"items"`
}

// Has reports whether the group contains an item with matchName.
func (g Group) Has(matchName string) bool {
	for _, it := range g.Items {
		if it == matchName {
			return true
		}
	}
	return false
}

// Layer is a layer in the composition.
type Layer struct {
	Name        string            `json:"name"`
	Kind        LayerKind         `json:"kind"`
	Label       int               `json:"label"`
	Effects     []*Effect         `json:"effects,omitempty"`
	Contents    []Group           `json:"contents,omitempty"`
	Values      map[string]any    `json:"values,omitempty"`
	Expressions map[string]string `json:"expressions,omitempty"`
}

// Effect returns the first effect with matchName.
func (l *Layer) Effect(matchName string) *Effect {
	for _, e := range l.Effects {
		if e.MatchName == matchName {
			return e
		}
	}
	return nil
}

// EnsureEffect finds the effect by match name or adds it under name. A
// non-nil init is written in both cases.
func (l *Layer) EnsureEffect(matchName, name string, init any) *Effect {
	e := l.Effect(matchName)
	if e == nil {
		e = &Effect{MatchName: matchName, Name: name}
		l.Effects = append(l.Effects, e)
	}
	if init != nil {
		e.Value = init
	}
	return e
}

// SetExpression attaches an expression to a property.
func (l *Layer) SetExpression(prop, expr string) {
	if l.Expressions == nil {
		l.Expressions = make(map[string]string)
	}
	l.Expressions[prop] = expr
}

// SetValue sets a static property value.
func (l *Layer) SetValue(prop string, v any) {
	if l.Values == nil {
		l.Values = make(map[string]any)
	}
	l.Values[prop] = v
}

// Composition is an ordered list of layers.
type Composition struct {
	Name   string   `json:"name"`
	Layers []*Layer `json:"layers"`
}

// Layer returns the first layer named name.
func (c *Composition) Layer(name string) *Layer {
	for _, l := range c.Layers {
		if l.Name == name {
			return l
		}
	}
	return nil
}

// AddLayer inserts a layer on top, the way the host does.
func (c *Composition) AddLayer(l *Layer) *Layer {
	c.Layers = append([]*Layer{l}, c.Layers...)
	return l
}

// ControllerDefaults are the initial effect values EnsureController writes.
type ControllerDefaults struct {
	Source      string     `yaml:"source"`
	Visible     bool       `yaml:"visible"`
	StrokeWidth float64    `yaml:"strokeWidth"`
	StrokeColor [3]float64 `yaml:"strokeColor"`
}

// DefaultControllerDefaults matches core.DefaultController.
func DefaultControllerDefaults() ControllerDefaults {
	return ControllerDefaults{
		Visible:     true,
		StrokeWidth: 2,
		StrokeColor: [3]float64{0, 1, 0},
	}
}

func boolValue(b bool) int {
	if b {
		return 1
	}
	return 0
}

// EnsureController finds the controller layer or adds it, then makes sure
// every controller effect exists with the default values.
func EnsureController(c *Composition, d ControllerDefaults) *Layer {
	ctrl := c.Layer(ControllerName)
	if ctrl == nil {
		ctrl = c.AddLayer(&Layer{Name: ControllerName, Kind: KindNull, Label: ControllerLabel})
	}

	var source any
	if d.Source != "" {
		source = d.Source
	}
	ctrl.EnsureEffect(MatchLayerControl, EffectSource, source)
	ctrl.EnsureEffect(MatchCheckboxControl, EffectVisible, boolValue(d.Visible))
	ctrl.EnsureEffect(MatchSliderControl, EffectStrokeWidth, d.StrokeWidth)
	ctrl.EnsureEffect(MatchColorControl, EffectStrokeColor, d.StrokeColor)
	return ctrl
}

// ApplyBBox attaches the box expressions to the first content group of a
// shape layer. Size and stroke expressions are only set when the group has
// a rectangle or a stroke.
func ApplyBBox(l *Layer, variant Variant) error {
	if l.Kind != KindShape {
		return fmt.Errorf("%w: %s", ErrNotShapeLayer, l.Name)
	}
	if len(l.Contents) == 0 {
		return fmt.Errorf("%w: %s", ErrNoContents, l.Name)
	}

	exprs, err := Expressions(variant)
	if err != nil {
		return err
	}

	group := l.Contents[0]
	if group.Has(MatchRect) {
		l.SetExpression(PropRectSize, exprs.Size)
	}
	if group.Has(MatchStroke) {
		l.SetExpression(PropStrokeWidth, exprs.StrokeWidth)
		l.SetExpression(PropStrokeColor, exprs.StrokeColor)
	}
	l.SetExpression(PropPosition, exprs.Position)
	l.SetExpression(PropOpacity, exprs.Opacity)
	return nil
}

// CreateBBox adds a shape layer with a rectangle, a transparent fill and a
// stroke, and applies the box expressions to it.
func CreateBBox(c *Composition, name string, variant Variant) (*Layer, error) {
	l := &Layer{
		Name: name,
		Kind: KindShape,
		Contents: []Group{{
			Name:  BBoxGroup,
			Items: []string{MatchRect, MatchFill, MatchStroke},
		}},
	}
	l.SetValue(PropRectPosition, [2]float64{0, 0})
	l.SetValue(PropFillOpacity, 0)

	if err := ApplyBBox(l, variant); err != nil {
		return nil, err
	}
	return c.AddLayer(l), nil
}
