package source

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"math"

	"github.com/fxamacker/cbor/v2"
	"github.com/nameshigawa/bboxviewer/pkg/core"
)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	utf8BOM   = []byte{0xef, 0xbb, 0xbf}
)

var cborDecMode = func() cbor.DecMode {
	dm, err := cbor.DecOptions{
		DefaultMapType: typeOfStringMap,
	}.DecMode()
	if err != nil {
		panic(err)
	}
	return dm
}()

// Decode parses a box data source. Gzip input is unwrapped first; the
// payload is then read as CBOR when it starts with a CBOR map or array
// header and as JSON otherwise.
//
// Both top-level shapes are accepted: an object with a "frames" array, or a
// bare array of frames. Anything that parses but has no usable frames yields
// an empty sequence. Boxes missing a numeric x, y, width or height become
// nil entries and resolve as absent.
func Decode(data []byte) (*core.Sequence, error) {
	if bytes.HasPrefix(data, gzipMagic) {
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("open gzip: %w", err)
		}
		defer zr.Close()
		data, err = io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("read gzip: %w", err)
		}
	}

	data = bytes.TrimPrefix(data, utf8BOM)
	if isCBOR(data) {
		return DecodeCBOR(data)
	}
	return DecodeJSON(data)
}

// DecodeJSON parses a JSON box data source. A leading UTF-8 byte order
// mark is skipped.
func DecodeJSON(data []byte) (*core.Sequence, error) {
	data = bytes.TrimPrefix(data, utf8BOM)
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode json source: %w", err)
	}
	return fromValue(v), nil
}

// DecodeCBOR parses a CBOR box data source.
func DecodeCBOR(data []byte) (*core.Sequence, error) {
	var v any
	if err := cborDecMode.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode cbor source: %w", err)
	}
	return fromValue(v), nil
}

func isCBOR(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	major := data[0] >> 5
	// 4 = array, 5 = map; JSON text never starts with these bytes
	return major == 4 || major == 5
}

func fromValue(v any) *core.Sequence {
	var frames []any
	switch t := v.(type) {
	case map[string]any:
		frames, _ = t["frames"].([]any)
	case []any:
		frames = t
	}

	seq := &core.Sequence{Frames: make([]core.Frame, len(frames))}
	for i, f := range frames {
		seq.Frames[i] = frameFromValue(f)
	}
	return seq
}

func frameFromValue(v any) core.Frame {
	boxes, ok := v.([]any)
	if !ok {
		return core.Frame{}
	}
	frame := make(core.Frame, len(boxes))
	for i, b := range boxes {
		frame[i] = boxFromValue(b)
	}
	return frame
}

func boxFromValue(v any) *core.Box {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}

	var b core.Box
	for key, dst := range map[string]*float64{"x": &b.X, "y": &b.Y, "width": &b.Width, "height": &b.Height} {
		f, ok := toFloat(m[key])
		if !ok {
			return nil
		}
		*dst = f
	}

	if id, ok := toFloat(m["id"]); ok && id == math.Trunc(id) && math.Abs(id) <= math.MaxInt32 {
		n := int(id)
		b.TrackID = &n
	}
	if label, ok := m["label"].(string); ok {
		b.Label = label
	}
	if conf, ok := toFloat(m["conf"]); ok {
		b.Confidence = conf
	}
	return &b
}

func toFloat(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint64:
		f = float64(n)
	case int:
		f = float64(n)
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
