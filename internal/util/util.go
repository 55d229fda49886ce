// Package util provides small parsing helpers shared by the command handlers
// and the CLI.
package util

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/nameshigawa/bboxviewer/pkg/core"
)

// TrimQuotes removes one pair of enclosing double quotes from a string.
// Quotes that belong to the value, escaped or not, are left alone.
func TrimQuotes(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

// FixEscapeQuotes replaces escaped double quotes ("") with single double quotes (").
func FixEscapeQuotes(s string) string {
	return strings.ReplaceAll(s, `""`, `"`)
}

// CleanArg undoes the quoting a host applies to string arguments.
func CleanArg(s string) string {
	return FixEscapeQuotes(TrimQuotes(strings.TrimSpace(s)))
}

// ParseShapeID returns the integer formed by the first run of ASCII digits
// in a shape's display name, or 0 when the name has no digits.
// A run too large for int saturates to math.MaxInt.
func ParseShapeID(name string) int {
	start := strings.IndexFunc(name, isDigit)
	if start < 0 {
		return 0
	}
	end := start
	for end < len(name) && isDigit(rune(name[end])) {
		end++
	}

	id, err := strconv.ParseInt(name[start:end], 10, 0)
	if err != nil {
		// only a range error is possible for a run of digits
		return math.MaxInt
	}
	return int(id)
}

func isDigit(r rune) bool {
	return r >= '0' && r <= '9'
}

// ParseFloats splits a comma separated list of numbers, tolerating the
// surrounding brackets a host array literal carries.
func ParseFloats(s string) ([]float64, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}

	parts := strings.Split(s, ",")
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("parse number %q: %w", p, err)
		}
		out = append(out, f)
	}
	return out, nil
}

// ParseColor parses "r,g,b" (optionally bracketed) into a normalized color.
func ParseColor(s string) (core.Color, error) {
	vals, err := ParseFloats(s)
	if err != nil {
		return core.Color{}, err
	}
	if len(vals) != 3 {
		return core.Color{}, fmt.Errorf("color needs 3 components, got %d", len(vals))
	}
	for _, v := range vals {
		if v < 0 || v > 1 {
			return core.Color{}, fmt.Errorf("color component %v outside [0,1]", v)
		}
	}
	return core.Color{R: vals[0], G: vals[1], B: vals[2]}, nil
}

// ParseVec2 parses "x,y" (optionally bracketed).
func ParseVec2(s string) (core.Vec2, error) {
	vals, err := ParseFloats(s)
	if err != nil {
		return core.Vec2{}, err
	}
	if len(vals) != 2 {
		return core.Vec2{}, fmt.Errorf("vector needs 2 components, got %d", len(vals))
	}
	return core.Vec2{X: vals[0], Y: vals[1]}, nil
}

// ParseBool accepts the forms a host checkbox or a CLI flag produce.
func ParseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "on", "yes":
		return true, nil
	case "0", "false", "off", "no":
		return false, nil
	}
	return false, fmt.Errorf("not a boolean: %q", s)
}
