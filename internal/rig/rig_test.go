package rig

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureController_CreatesLayer(t *testing.T) {
	c := &Composition{Name: "Main", Layers: []*Layer{{Name: "footage.json", Kind: KindNull}}}

	ctrl := EnsureController(c, DefaultControllerDefaults())
	require.NotNil(t, ctrl)
	assert.Same(t, ctrl, c.Layers[0], "added on top")
	assert.Equal(t, ControllerName, ctrl.Name)
	assert.Equal(t, KindNull, ctrl.Kind)
	assert.Equal(t, ControllerLabel, ctrl.Label)

	require.Len(t, ctrl.Effects, 4)
	src := ctrl.Effect(MatchLayerControl)
	require.NotNil(t, src)
	assert.Equal(t, EffectSource, src.Name)
	assert.Nil(t, src.Value)
	assert.Equal(t, 1, ctrl.Effect(MatchCheckboxControl).Value)
	assert.Equal(t, 2.0, ctrl.Effect(MatchSliderControl).Value)
	assert.Equal(t, [3]float64{0, 1, 0}, ctrl.Effect(MatchColorControl).Value)
	assert.Equal(t, EffectStrokeColor, ctrl.Effect(MatchColorControl).Name)
}

func TestEnsureController_ReusesLayerAndEffects(t *testing.T) {
	existing := &Layer{Name: ControllerName, Kind: KindNull, Effects: []*Effect{
		{MatchName: MatchSliderControl, Name: "Width I renamed", Value: 7.0},
	}}
	c := &Composition{Layers: []*Layer{existing}}

	d := DefaultControllerDefaults()
	d.Source = "clip.json"
	d.Visible = false
	ctrl := EnsureController(c, d)

	assert.Same(t, existing, ctrl)
	assert.Len(t, c.Layers, 1)
	require.Len(t, ctrl.Effects, 4)

	slider := ctrl.Effect(MatchSliderControl)
	assert.Equal(t, "Width I renamed", slider.Name, "matched by match name, not display name")
	assert.Equal(t, 2.0, slider.Value)
	assert.Equal(t, "clip.json", ctrl.Effect(MatchLayerControl).Value)
	assert.Equal(t, 0, ctrl.Effect(MatchCheckboxControl).Value)

	// idempotent
	EnsureController(c, d)
	assert.Len(t, ctrl.Effects, 4)
}

func TestCreateBBox(t *testing.T) {
	c := &Composition{}
	l, err := CreateBBox(c, "BBox_3", VariantGated)
	require.NoError(t, err)

	assert.Same(t, l, c.Layer("BBox_3"))
	assert.Equal(t, KindShape, l.Kind)
	require.Len(t, l.Contents, 1)
	assert.Equal(t, BBoxGroup, l.Contents[0].Name)
	assert.Equal(t, []string{MatchRect, MatchFill, MatchStroke}, l.Contents[0].Items)
	assert.Equal(t, 0, l.Values[PropFillOpacity])
	assert.Equal(t, [2]float64{0, 0}, l.Values[PropRectPosition])

	for _, prop := range []string{PropRectSize, PropStrokeWidth, PropStrokeColor, PropPosition, PropOpacity} {
		assert.NotEmpty(t, l.Expressions[prop], prop)
	}
}

func TestApplyBBox_PartialGroup(t *testing.T) {
	l := &Layer{Name: "Box 1", Kind: KindShape, Contents: []Group{{Name: "Ellipse", Items: []string{MatchFill}}}}
	require.NoError(t, ApplyBBox(l, VariantPresence))

	assert.Contains(t, l.Expressions, PropPosition)
	assert.Contains(t, l.Expressions, PropOpacity)
	assert.NotContains(t, l.Expressions, PropRectSize)
	assert.NotContains(t, l.Expressions, PropStrokeWidth)
}

func TestApplyBBox_Errors(t *testing.T) {
	assert.ErrorIs(t, ApplyBBox(&Layer{Name: "n", Kind: KindNull}, VariantGated), ErrNotShapeLayer)
	assert.ErrorIs(t, ApplyBBox(&Layer{Name: "s", Kind: KindShape}, VariantGated), ErrNoContents)

	l := &Layer{Name: "s", Kind: KindShape, Contents: []Group{{Items: []string{MatchRect}}}}
	assert.Error(t, ApplyBBox(l, Variant("fancy")))
}

func TestExpressions_Variants(t *testing.T) {
	gated, err := Expressions(VariantGated)
	require.NoError(t, err)
	presence, err := Expressions(VariantPresence)
	require.NoError(t, err)

	assert.Contains(t, gated.Opacity, `c.effect("Visible")("ADBE Checkbox Control-0001") == 1`)
	assert.NotContains(t, presence.Opacity, "Visible")
	assert.True(t, strings.HasSuffix(presence.Opacity, "ok ? 100 : 0;"))

	assert.Equal(t, gated.Size, presence.Size)
	assert.Equal(t, gated.Position, presence.Position)

	assert.Contains(t, gated.Size, `thisComp.layer("Controller")`)
	assert.Contains(t, gated.Size, `c.effect("JSON_Name")("ADBE Layer Control-0001").name`)
	assert.Contains(t, gated.Size, `thisLayer.name.match(/\d+/)`)
	assert.Contains(t, gated.Size, `Math.min(timeToFrames(time), frames.length - 1)`)
	assert.True(t, strings.HasSuffix(gated.Size, "ok ? [b.width, b.height] : [0, 0];"))
	assert.True(t, strings.HasSuffix(gated.Position, ": value;"), "absent keeps the current position")
	assert.Equal(t, `thisComp.layer("Controller").effect("Stroke_Width")("ADBE Slider Control-0001");`, gated.StrokeWidth)
	assert.Equal(t, `thisComp.layer("Controller").effect("Stroke_Color")("ADBE Color Control-0001");`, gated.StrokeColor)

	_, err = Expressions("")
	assert.Error(t, err)
}

func TestParseVariant(t *testing.T) {
	v, err := ParseVariant("")
	require.NoError(t, err)
	assert.Equal(t, VariantGated, v)

	v, err = ParseVariant(" Presence ")
	require.NoError(t, err)
	assert.Equal(t, VariantPresence, v)
	assert.False(t, v.GateOnVisibility())
	assert.True(t, VariantGated.GateOnVisibility())

	_, err = ParseVariant("always")
	assert.Error(t, err)
}

func TestParsePreset(t *testing.T) {
	p, err := ParsePreset([]byte(`
composition: Main
variant: presence
controller:
  source: clip.json
  strokeWidth: 3.5
  strokeColor: [1, 0, 0]
shapes: [BBox_0, BBox_1]
`))
	require.NoError(t, err)

	assert.Equal(t, "Main", p.Composition)
	assert.Equal(t, VariantPresence, p.Variant)
	assert.Equal(t, "clip.json", p.Controller.Source)
	assert.True(t, p.Controller.Visible, "absent keys keep defaults")
	assert.Equal(t, 3.5, p.Controller.StrokeWidth)
	assert.Equal(t, [3]float64{1, 0, 0}, p.Controller.StrokeColor)
	assert.Equal(t, []string{"BBox_0", "BBox_1"}, p.Shapes)
}

func TestParsePreset_Empty(t *testing.T) {
	p, err := ParsePreset(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultPreset(), p)
}

func TestParsePreset_Invalid(t *testing.T) {
	tests := map[string]string{
		"unknown key":     "colour: red\n",
		"bad variant":     "variant: sometimes\n",
		"negative width":  "controller:\n  strokeWidth: -1\n",
		"color range":     "controller:\n  strokeColor: [0, 2, 0]\n",
		"color length":    "controller:\n  strokeColor: [0, 1]\n",
		"duplicate shape": "shapes: [a, a]\n",
		"empty shape":     "shapes: ['']\n",
		"nothing to rig":  "shapes: []\n",
		"not yaml":        "shapes: [\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParsePreset([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestPreset_MarshalRoundTrip(t *testing.T) {
	p := DefaultPreset()
	p.Shapes = []string{"BBox_0", "BBox_2"}
	p.ApplySelected = true

	data, err := p.Marshal()
	require.NoError(t, err)

	back, err := ParsePreset(data)
	require.NoError(t, err)
	assert.Equal(t, p, back)
}

func TestLoadPreset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rig.yaml")
	require.NoError(t, os.WriteFile(path, []byte("shapes: [Person 4]\n"), 0644))

	p, err := LoadPreset(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"Person 4"}, p.Shapes)

	_, err = LoadPreset(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestBuild(t *testing.T) {
	existing := &Layer{Name: "BBox_1", Kind: KindShape, Contents: []Group{{Name: "Mine", Items: []string{MatchRect}}}}
	c := &Composition{Layers: []*Layer{existing}}

	p := DefaultPreset()
	p.Shapes = []string{"BBox_0", "BBox_1"}
	require.NoError(t, Build(c, p))

	require.Len(t, c.Layers, 3)
	assert.Equal(t, "BBox_0", c.Layers[0].Name)
	assert.Equal(t, ControllerName, c.Layers[1].Name)
	assert.Same(t, existing, c.Layers[2])
	assert.Equal(t, "Mine", existing.Contents[0].Name, "existing layers are refreshed, not replaced")
	assert.Contains(t, existing.Expressions, PropRectSize)
}

func TestScript(t *testing.T) {
	p := DefaultPreset()
	p.Composition = `Main "cut"`
	p.Controller.Source = "clip.json"
	p.Shapes = []string{"BBox_0", "BBox_1"}
	p.ApplySelected = true

	var buf bytes.Buffer
	require.NoError(t, Script(&buf, p))
	out := buf.String()

	assert.Contains(t, out, `item.name === "Main \"cut\""`)
	assert.Contains(t, out, `ctrl.label = 9;`)
	assert.Contains(t, out, `ensureEffect(ctrl, "ADBE Checkbox Control", "Visible", 1);`)
	assert.Contains(t, out, `ensureEffect(ctrl, "ADBE Slider Control", "Stroke_Width", 2);`)
	assert.Contains(t, out, `ensureEffect(ctrl, "ADBE Color Control", "Stroke_Color", [0,1,0]);`)
	assert.Contains(t, out, `comp.layer(si).name === "clip.json"`)
	assert.Contains(t, out, `createBBox("BBox_0");`)
	assert.Contains(t, out, `createBBox("BBox_1");`)
	assert.Contains(t, out, `applyBBox(targets[ti]);`)
	assert.Contains(t, out, `fill.property("ADBE Vector Fill Opacity").setValue(0);`)
	assert.Contains(t, out, `&&`, "expressions are not HTML escaped")
	assert.NotContains(t, out, `\u0026`)
}

func TestScript_ActiveCompWithoutSelection(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Script(&buf, DefaultPreset()))
	out := buf.String()

	assert.Contains(t, out, "comp = app.project.activeItem;")
	assert.NotContains(t, out, "applyBBox(targets[ti])")
	assert.NotContains(t, out, "sourceFx.property(1).setValue")
}

func TestScript_InvalidPreset(t *testing.T) {
	p := DefaultPreset()
	p.Shapes = nil
	assert.Error(t, Script(&bytes.Buffer{}, p))
}
