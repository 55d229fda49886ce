package source

import (
	"bytes"
	"compress/gzip"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/nameshigawa/bboxviewer/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_FramesObject(t *testing.T) {
	seq, err := Decode([]byte(`{"frames": [[{"x": 10, "y": 20, "width": 5, "height": 5}]]}`))
	require.NoError(t, err)

	require.Equal(t, 1, seq.Len())
	b, ok := seq.Frames[0].Box(0)
	require.True(t, ok)
	assert.Equal(t, core.Box{X: 10, Y: 20, Width: 5, Height: 5}, b)
}

func TestDecode_BareArray(t *testing.T) {
	seq, err := Decode([]byte(`[[{"x":1,"y":2,"width":3,"height":4}], []]`))
	require.NoError(t, err)

	require.Equal(t, 2, seq.Len())
	assert.Len(t, seq.Frames[0], 1)
	assert.Empty(t, seq.Frames[1])
}

func TestDecode_EmptyShapes(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty object", `{}`},
		{"frames not an array", `{"frames": {"0": []}}`},
		{"frames null", `{"frames": null}`},
		{"empty frames", `{"frames": []}`},
		{"empty array", `[]`},
		{"scalar", `42`},
		{"string", `"clip"`},
		{"null", `null`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seq, err := Decode([]byte(tt.input))
			require.NoError(t, err)
			assert.Equal(t, 0, seq.Len())
		})
	}
}

func TestDecode_InvalidJSON(t *testing.T) {
	_, err := Decode([]byte(`{"frames": [`))
	assert.Error(t, err)

	_, err = Decode(nil)
	assert.Error(t, err)
}

func TestDecode_MalformedBoxesAreNil(t *testing.T) {
	input := `{"frames": [[
		{"x": 1, "y": 2, "width": 3},
		null,
		{"x": "1", "y": 2, "width": 3, "height": 4},
		7,
		{"x": 1, "y": 2, "width": 3, "height": 4}
	]]}`

	seq, err := Decode([]byte(input))
	require.NoError(t, err)
	require.Equal(t, 1, seq.Len())

	frame := seq.Frames[0]
	require.Len(t, frame, 5)
	for i := 0; i < 4; i++ {
		assert.Nil(t, frame[i], "box %d", i)
	}
	b, ok := frame.Box(4)
	require.True(t, ok)
	assert.Equal(t, 3.0, b.Width)
}

func TestDecode_NonArrayFrameIsEmpty(t *testing.T) {
	seq, err := Decode([]byte(`{"frames": [{"x":1,"y":1,"width":1,"height":1}, [{"x":1,"y":1,"width":1,"height":1}]]}`))
	require.NoError(t, err)

	require.Equal(t, 2, seq.Len())
	assert.Empty(t, seq.Frames[0])
	assert.Len(t, seq.Frames[1], 1)
}

func TestDecode_OptionalMetadata(t *testing.T) {
	seq, err := Decode([]byte(`[[{"x":0,"y":0,"width":1,"height":1,"id":7,"label":"person","conf":0.91},
		{"x":0,"y":0,"width":1,"height":1,"id":1.5}]]`))
	require.NoError(t, err)

	b, ok := seq.Frames[0].Box(0)
	require.True(t, ok)
	require.NotNil(t, b.TrackID)
	assert.Equal(t, 7, *b.TrackID)
	assert.Equal(t, "person", b.Label)
	assert.InDelta(t, 0.91, b.Confidence, 1e-9)

	b, ok = seq.Frames[0].Box(1)
	require.True(t, ok)
	assert.Nil(t, b.TrackID, "fractional ids are dropped")
}

func TestDecode_Gzip(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(`{"frames": [[{"x": 1, "y": 2, "width": 3, "height": 4}]]}`))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	seq, err := Decode(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, 1, seq.Len())
}

func TestDecode_ByteOrderMark(t *testing.T) {
	body := `{"frames": [[{"x": 1, "y": 2, "width": 3, "height": 4}]]}`
	withBOM := append([]byte("\xef\xbb\xbf"), body...)

	seq, err := Decode(withBOM)
	require.NoError(t, err)
	require.Equal(t, 1, seq.Len())
	b, ok := seq.Frames[0].Box(0)
	require.True(t, ok)
	assert.Equal(t, 3.0, b.Width)

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err = zw.Write(withBOM)
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	seq, err = Decode(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, 1, seq.Len())

	seq, err = DecodeJSON(withBOM)
	require.NoError(t, err)
	assert.Equal(t, 1, seq.Len())
}

func TestDecode_CorruptGzip(t *testing.T) {
	_, err := Decode([]byte{0x1f, 0x8b, 0x00, 0x01})
	assert.Error(t, err)
}

func TestDecode_CBOR(t *testing.T) {
	payload := map[string]any{
		"frames": []any{
			[]any{
				map[string]any{"x": 10, "y": 20.5, "width": uint64(5), "height": -5, "id": 3},
				map[string]any{"x": 1},
			},
		},
	}
	data, err := cbor.Marshal(payload)
	require.NoError(t, err)

	seq, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, 1, seq.Len())

	b, ok := seq.Frames[0].Box(0)
	require.True(t, ok)
	assert.Equal(t, 10.0, b.X)
	assert.Equal(t, 20.5, b.Y)
	assert.Equal(t, 5.0, b.Width)
	assert.Equal(t, -5.0, b.Height)
	require.NotNil(t, b.TrackID)
	assert.Equal(t, 3, *b.TrackID)

	_, ok = seq.Frames[0].Box(1)
	assert.False(t, ok)
}

func TestDecode_CBORBareArray(t *testing.T) {
	data, err := cbor.Marshal([]any{[]any{map[string]any{"x": 1, "y": 1, "width": 2, "height": 2}}})
	require.NoError(t, err)

	seq, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, 1, seq.Len())
}

func TestEncode_Canonical(t *testing.T) {
	data, err := Encode(nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"frames": []}`, string(data))

	id := 4
	seq := &core.Sequence{Frames: []core.Frame{{&core.Box{X: 1, Y: 2, Width: 3, Height: 4, TrackID: &id}, nil}}}
	data, err = Encode(seq)
	require.NoError(t, err)
	assert.JSONEq(t, `{"frames": [[{"x":1,"y":2,"width":3,"height":4,"id":4}, null]]}`, string(data))
}

func TestEncodeFormats_DecodeBack(t *testing.T) {
	seq := &core.Sequence{Frames: []core.Frame{
		{&core.Box{X: 1, Y: 2, Width: 3, Height: 4, Label: "car"}},
		{},
		{nil, &core.Box{X: 5, Y: 6, Width: 7, Height: 8}},
	}}

	encoders := map[string]func(*core.Sequence) ([]byte, error){
		"json": Encode,
		"gzip": EncodeGzip,
		"cbor": EncodeCBOR,
	}

	for name, enc := range encoders {
		t.Run(name, func(t *testing.T) {
			data, err := enc(seq)
			require.NoError(t, err)

			got, err := Decode(data)
			require.NoError(t, err)
			assert.Equal(t, seq, got)
		})
	}
}

func TestValidateName(t *testing.T) {
	assert.NoError(t, ValidateName("clip_boxes"))
	assert.NoError(t, ValidateName("shot 010.v2"))

	for _, bad := range []string{"", "  ", "a/b", `a\b`, ".", ".."} {
		assert.ErrorIs(t, ValidateName(bad), ErrInvalidName, "name %q", bad)
	}
}
