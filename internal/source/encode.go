package source

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/nameshigawa/bboxviewer/pkg/core"
)

var typeOfStringMap = reflect.TypeOf(map[string]any(nil))

// document is the canonical on-disk form.
type document struct {
	Frames []core.Frame `json:"frames" cbor:"frames"`
}

func canonical(seq *core.Sequence) document {
	doc := document{Frames: []core.Frame{}}
	if seq != nil && seq.Frames != nil {
		doc.Frames = seq.Frames
	}
	return doc
}

// Encode writes seq as JSON in the { "frames": [...] } form.
func Encode(seq *core.Sequence) ([]byte, error) {
	data, err := json.Marshal(canonical(seq))
	if err != nil {
		return nil, fmt.Errorf("encode json source: %w", err)
	}
	return data, nil
}

// EncodeGzip writes seq as gzip-compressed JSON.
func EncodeGzip(seq *core.Sequence) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if err := json.NewEncoder(zw).Encode(canonical(seq)); err != nil {
		return nil, fmt.Errorf("encode gzip source: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("close gzip: %w", err)
	}
	return buf.Bytes(), nil
}

// EncodeCBOR writes seq as CBOR in the { "frames": [...] } form.
func EncodeCBOR(seq *core.Sequence) ([]byte, error) {
	data, err := cbor.Marshal(canonical(seq))
	if err != nil {
		return nil, fmt.Errorf("encode cbor source: %w", err)
	}
	return data, nil
}
