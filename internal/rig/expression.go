package rig

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
)

// Variant selects the opacity expression.
type Variant string

const (
	// VariantGated shows a present box only while the Visible checkbox is on.
	VariantGated Variant = "gated"
	// VariantPresence shows a box whenever it is present.
	VariantPresence Variant = "presence"
)

// ParseVariant accepts a variant name; empty means gated.
func ParseVariant(s string) (Variant, error) {
	switch Variant(strings.ToLower(strings.TrimSpace(s))) {
	case "", VariantGated:
		return VariantGated, nil
	case VariantPresence:
		return VariantPresence, nil
	}
	return "", fmt.Errorf("unknown variant %q (want %q or %q)", s, VariantGated, VariantPresence)
}

// GateOnVisibility reports whether the variant uses the Visible checkbox.
func (v Variant) GateOnVisibility() bool {
	return v != VariantPresence
}

// ExpressionSet is the expression text for every driven property.
type ExpressionSet struct {
	Size        string
	Position    string
	Opacity     string
	StrokeWidth string
	StrokeColor string
}

// The lookup prelude mirrors the evaluation rules: frames come from
// "frames" or a bare array, the frame index is truncated and clamped, the
// id is the first digit run of the layer name, and a box counts only when
// all four fields are numbers.
const lookupPrelude = `var c = thisComp.layer("{{.Controller}}");
var src = c.effect("{{.Source}}")("{{.LayerControl}}-0001").name;
var d = footage(src).sourceData;
var frames = (d && d.frames instanceof Array) ? d.frames : ((d instanceof Array) ? d : []);
var fi = Math.min(timeToFrames(time), frames.length - 1);
var m = thisLayer.name.match(/\d+/);
var id = m ? parseInt(m[0], 10) : 0;
var b = (fi >= 0 && frames[fi] instanceof Array) ? frames[fi][id] : null;
var ok = !!b && typeof b.x == "number" && typeof b.y == "number" && typeof b.width == "number" && typeof b.height == "number";
`

var expressionTemplates = template.Must(template.New("expressions").Parse(`
{{define "size"}}` + lookupPrelude + `ok ? [b.width, b.height] : [0, 0];{{end}}
{{define "position"}}` + lookupPrelude + `ok ? [b.x + b.width / 2, b.y + b.height / 2] : value;{{end}}
{{define "opacity"}}` + lookupPrelude +
	`{{if .Gated}}(ok && c.effect("{{.Visible}}")("{{.CheckboxControl}}-0001") == 1) ? 100 : 0;{{else}}ok ? 100 : 0;{{end}}{{end}}
{{define "strokeWidth"}}thisComp.layer("{{.Controller}}").effect("{{.StrokeWidth}}")("{{.SliderControl}}-0001");{{end}}
{{define "strokeColor"}}thisComp.layer("{{.Controller}}").effect("{{.StrokeColor}}")("{{.ColorControl}}-0001");{{end}}
`))

type expressionData struct {
	Controller      string
	Source          string
	Visible         string
	StrokeWidth     string
	StrokeColor     string
	LayerControl    string
	CheckboxControl string
	SliderControl   string
	ColorControl    string
	Gated           bool
}

// Expressions renders the expression set for a variant.
func Expressions(variant Variant) (ExpressionSet, error) {
	if variant != VariantGated && variant != VariantPresence {
		return ExpressionSet{}, fmt.Errorf("unknown variant %q", variant)
	}

	data := expressionData{
		Controller:      ControllerName,
		Source:          EffectSource,
		Visible:         EffectVisible,
		StrokeWidth:     EffectStrokeWidth,
		StrokeColor:     EffectStrokeColor,
		LayerControl:    MatchLayerControl,
		CheckboxControl: MatchCheckboxControl,
		SliderControl:   MatchSliderControl,
		ColorControl:    MatchColorControl,
		Gated:           variant.GateOnVisibility(),
	}

	var set ExpressionSet
	targets := []struct {
		name string
		dst  *string
	}{
		{"size", &set.Size},
		{"position", &set.Position},
		{"opacity", &set.Opacity},
		{"strokeWidth", &set.StrokeWidth},
		{"strokeColor", &set.StrokeColor},
	}
	for _, t := range targets {
		var buf bytes.Buffer
		if err := expressionTemplates.ExecuteTemplate(&buf, t.name, data); err != nil {
			return ExpressionSet{}, fmt.Errorf("render %s expression: %w", t.name, err)
		}
		*t.dst = buf.String()
	}
	return set, nil
}
