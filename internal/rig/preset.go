package rig

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Preset describes a rig to install.
type Preset struct {
	// Composition names the target composition; empty uses the active one.
	Composition string             `yaml:"composition"`
	Variant     Variant            `yaml:"variant"`
	Controller  ControllerDefaults `yaml:"controller"`
	Shapes      []string           `yaml:"shapes"`
	// ApplySelected also rigs the shape layers selected in the host.
	ApplySelected bool `yaml:"applySelected"`
}

// DefaultPreset rigs a single BBox_0 layer with the default controller.
func DefaultPreset() Preset {
	return Preset{
		Variant:    VariantGated,
		Controller: DefaultControllerDefaults(),
		Shapes:     []string{"BBox_0"},
	}
}

// ParsePreset decodes YAML onto DefaultPreset and validates the result.
// Keys that are absent keep their defaults.
func ParsePreset(data []byte) (Preset, error) {
	p := DefaultPreset()
	if len(bytes.TrimSpace(data)) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&p); err != nil {
			return Preset{}, fmt.Errorf("parse preset: %w", err)
		}
	}
	if err := p.Validate(); err != nil {
		return Preset{}, err
	}
	return p, nil
}

// LoadPreset reads and parses a preset file.
func LoadPreset(path string) (Preset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Preset{}, fmt.Errorf("read preset: %w", err)
	}
	return ParsePreset(data)
}

// Validate normalizes the variant and checks the controller defaults and
// shape names.
func (p *Preset) Validate() error {
	v, err := ParseVariant(string(p.Variant))
	if err != nil {
		return err
	}
	p.Variant = v

	var errs []error
	w := p.Controller.StrokeWidth
	if math.IsNaN(w) || math.IsInf(w, 0) || w < 0 {
		errs = append(errs, fmt.Errorf("controller.strokeWidth must be finite and >= 0, got %v", w))
	}
	for i, c := range p.Controller.StrokeColor {
		if c < 0 || c > 1 {
			errs = append(errs, fmt.Errorf("controller.strokeColor[%d] outside [0,1]: %v", i, c))
		}
	}

	seen := make(map[string]bool, len(p.Shapes))
	for _, name := range p.Shapes {
		if strings.TrimSpace(name) == "" {
			errs = append(errs, errors.New("shape name is empty"))
			continue
		}
		if seen[name] {
			errs = append(errs, fmt.Errorf("duplicate shape %q", name))
		}
		seen[name] = true
	}
	if len(p.Shapes) == 0 && !p.ApplySelected {
		errs = append(errs, errors.New("preset rigs nothing: no shapes and applySelected is off"))
	}
	return errors.Join(errs...)
}

// Marshal encodes the preset as YAML.
func (p Preset) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(p); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Build applies the preset to c: the controller first, then one new box
// layer per shape. Shapes that already exist as shape layers get their
// expressions refreshed instead.
func Build(c *Composition, p Preset) error {
	if err := p.Validate(); err != nil {
		return err
	}

	EnsureController(c, p.Controller)
	for _, name := range p.Shapes {
		if l := c.Layer(name); l != nil && l.Kind == KindShape {
			if err := ApplyBBox(l, p.Variant); err != nil {
				return err
			}
			continue
		}
		if _, err := CreateBBox(c, name, p.Variant); err != nil {
			return err
		}
	}
	return nil
}
