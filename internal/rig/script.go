package rig

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/template"
)

// jsLiteral renders v as a JavaScript literal. JSON is a subset of the
// ExtendScript literal syntax for strings, numbers and arrays.
func jsLiteral(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

var scriptTemplate = template.Must(template.New("installer").Funcs(template.FuncMap{
	"lit": jsLiteral,
}).Parse(`/*
@name        BBox Viewer rig
@description Drive shape layers from bounding box data
@variant     {{.Preset.Variant}}
*/

(function () {
    app.beginUndoGroup("BBox Viewer rig");

    var comp = null;
{{- if .Preset.Composition}}
    for (var ci = 1; ci <= app.project.numItems; ci++) {
        var item = app.project.item(ci);
        if (item instanceof CompItem && item.name === {{lit .Preset.Composition}}) {
            comp = item;
            break;
        }
    }
{{- else}}
    comp = app.project.activeItem;
{{- end}}
    if (!(comp && comp instanceof CompItem)) {
        alert("Please select a composition.");
        app.endUndoGroup();
        return;
    }

    var targets = comp.selectedLayers.slice();

    function findByMatchName(group, matchName) {
        for (var i = 1; i <= group.numProperties; i++) {
            if (group.property(i).matchName === matchName) {
                return group.property(i);
            }
        }
        return null;
    }

    function ensureEffect(layer, matchName, name, initValue) {
        var fx = layer.property("ADBE Effect Parade");
        var e = findByMatchName(fx, matchName);
        if (!e) {
            e = fx.addProperty(matchName);
            e.name = name;
        }
        if (initValue !== undefined) {
            try { e.property(1).setValue(initValue); } catch (_) {}
        }
        return e;
    }

    var ctrl = null;
    for (var li = 1; li <= comp.numLayers; li++) {
        if (comp.layer(li).name === {{lit .Controller}}) {
            ctrl = comp.layer(li);
            break;
        }
    }
    if (!ctrl) {
        ctrl = comp.layers.addNull();
        ctrl.name = {{lit .Controller}};
        ctrl.label = {{.Label}};
    }

    var sourceFx = ensureEffect(ctrl, {{lit .Match.Layer}}, {{lit .Effects.Source}});
{{- if .Preset.Controller.Source}}
    for (var si = 1; si <= comp.numLayers; si++) {
        if (comp.layer(si).name === {{lit .Preset.Controller.Source}}) {
            try { sourceFx.property(1).setValue(si); } catch (_) {}
            break;
        }
    }
{{- end}}
    ensureEffect(ctrl, {{lit .Match.Checkbox}}, {{lit .Effects.Visible}}, {{.VisibleValue}});
    ensureEffect(ctrl, {{lit .Match.Slider}}, {{lit .Effects.StrokeWidth}}, {{lit .Preset.Controller.StrokeWidth}});
    ensureEffect(ctrl, {{lit .Match.Color}}, {{lit .Effects.StrokeColor}}, {{lit .Preset.Controller.StrokeColor}});

    var EXPR = {
        size: {{lit .Expr.Size}},
        position: {{lit .Expr.Position}},
        opacity: {{lit .Expr.Opacity}},
        strokeWidth: {{lit .Expr.StrokeWidth}},
        strokeColor: {{lit .Expr.StrokeColor}}
    };

    function applyBBox(layer) {
        if (!(layer instanceof ShapeLayer)) return false;
        var contents = layer.property("ADBE Root Vectors Group");
        if (!contents || contents.numProperties === 0) return false;
        var vectors = contents.property(1).property("ADBE Vectors Group");

        var rect = findByMatchName(vectors, {{lit .Match.Rect}});
        if (rect && rect.property("ADBE Vector Rect Size").canSetExpression) {
            rect.property("ADBE Vector Rect Size").expression = EXPR.size;
        }
        var stroke = findByMatchName(vectors, {{lit .Match.Stroke}});
        if (stroke) {
            stroke.property("ADBE Vector Stroke Width").expression = EXPR.strokeWidth;
            stroke.property("ADBE Vector Stroke Color").expression = EXPR.strokeColor;
        }
        var xf = layer.property("ADBE Transform Group");
        xf.property("ADBE Position").expression = EXPR.position;
        xf.property("ADBE Opacity").expression = EXPR.opacity;
        return true;
    }

    function createBBox(name) {
        var layer = comp.layers.addShape();
        layer.name = name;
        var group = layer.property("ADBE Root Vectors Group").addProperty({{lit .Match.Group}});
        group.name = {{lit .Group}};
        var vectors = group.property("ADBE Vectors Group");
        var rect = vectors.addProperty({{lit .Match.Rect}});
        rect.property("ADBE Vector Rect Position").setValue([0, 0]);
        var fill = vectors.addProperty({{lit .Match.Fill}});
        fill.property("ADBE Vector Fill Opacity").setValue(0);
        vectors.addProperty({{lit .Match.Stroke}});
        applyBBox(layer);
        return layer;
    }
{{range .Preset.Shapes}}
    createBBox({{lit .}});
{{- end}}
{{- if .Preset.ApplySelected}}

    for (var ti = 0; ti < targets.length; ti++) {
        applyBBox(targets[ti]);
    }
{{- end}}

    app.endUndoGroup();
})();
`))

type matchNames struct {
	Layer, Checkbox, Slider, Color string
	Group, Rect, Fill, Stroke      string
}

type effectNames struct {
	Source, Visible, StrokeWidth, StrokeColor string
}

type scriptData struct {
	Preset       Preset
	Controller   string
	Label        int
	Group        string
	VisibleValue int
	Match        matchNames
	Effects      effectNames
	Expr         ExpressionSet
}

// Script writes a standalone installer that performs Build inside the host.
func Script(w io.Writer, p Preset) error {
	if err := p.Validate(); err != nil {
		return err
	}
	exprs, err := Expressions(p.Variant)
	if err != nil {
		return err
	}

	data := scriptData{
		Preset:       p,
		Controller:   ControllerName,
		Label:        ControllerLabel,
		Group:        BBoxGroup,
		VisibleValue: boolValue(p.Controller.Visible),
		Match: matchNames{
			Layer:    MatchLayerControl,
			Checkbox: MatchCheckboxControl,
			Slider:   MatchSliderControl,
			Color:    MatchColorControl,
			Group:    MatchVectorGroup,
			Rect:     MatchRect,
			Fill:     MatchFill,
			Stroke:   MatchStroke,
		},
		Effects: effectNames{
			Source:      EffectSource,
			Visible:     EffectVisible,
			StrokeWidth: EffectStrokeWidth,
			StrokeColor: EffectStrokeColor,
		},
		Expr: exprs,
	}

	if err := scriptTemplate.Execute(w, data); err != nil {
		return fmt.Errorf("render installer: %w", err)
	}
	return nil
}
