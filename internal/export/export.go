// Package export bakes evaluated shape visuals into per-frame keyframes and
// writes them to disk for hosts that import keyframes instead of running
// expressions.
package export

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nameshigawa/bboxviewer/internal/mapper"
	"github.com/nameshigawa/bboxviewer/pkg/core"
)

// Shape is one shape to bake.
type Shape struct {
	Name string
	ID   int
	Rest core.Vec2
}

// Keyframe is a shape's visual at one frame.
type Keyframe struct {
	Frame    int       `json:"frame"`
	Time     float64   `json:"time"`
	Present  bool      `json:"present"`
	Size     core.Vec2 `json:"size"`
	Position core.Vec2 `json:"position"`
	Opacity  float64   `json:"opacity"`
}

// ShapeTrack holds the keyframes of one shape.
type ShapeTrack struct {
	Name      string     `json:"name"`
	ID        int        `json:"id"`
	Keyframes []Keyframe `json:"keyframes"`
}

// Document is the root JSON structure of a baked file.
type Document struct {
	Source      string       `json:"source"`
	FrameRate   float64      `json:"frameRate"`
	FrameCount  int          `json:"frameCount"`
	StrokeWidth float64      `json:"strokeWidth"`
	StrokeColor core.Color   `json:"strokeColor"`
	BakedAt     time.Time    `json:"bakedAt"`
	Shapes      []ShapeTrack `json:"shapes"`
}

// Bake evaluates every frame of seq for every shape. Frames without a box
// hold the shape's previous position, starting from its rest position.
func Bake(seq *core.Sequence, frameRate float64, shapes []Shape, ctrl core.Controller, opts mapper.Options) (*Document, error) {
	if err := mapper.ValidateFrameRate(frameRate); err != nil {
		return nil, err
	}

	n := seq.Len()
	doc := &Document{
		Source:      ctrl.SourceName,
		FrameRate:   frameRate,
		FrameCount:  n,
		StrokeWidth: ctrl.StrokeWidth,
		StrokeColor: ctrl.StrokeColor,
		Shapes:      make([]ShapeTrack, 0, len(shapes)),
	}

	for _, s := range shapes {
		track := mapper.NewTrack(s.ID, s.Rest)
		st := ShapeTrack{Name: s.Name, ID: s.ID, Keyframes: make([]Keyframe, 0, n)}
		for i := 0; i < n; i++ {
			// frame i directly; recomputing it from i/frameRate can round down
			box, ok := seq.Frames[i].Box(s.ID)
			v := track.Apply(mapper.Compose(box, i, ok, ctrl, opts))
			st.Keyframes = append(st.Keyframes, Keyframe{
				Frame:    i,
				Time:     float64(i) / frameRate,
				Present:  v.BoxPresent,
				Size:     v.Size,
				Position: v.Position,
				Opacity:  v.Opacity,
			})
		}
		doc.Shapes = append(doc.Shapes, st)
	}

	return doc, nil
}

var fileNameReplacer = strings.NewReplacer(" ", "_", ":", "_", "/", "_", "\\", "_")

// FileName builds "<source>_<timestamp>.json", with a ".gz" suffix when
// compressed. Path separators in source never reach the file name.
func FileName(source string, at time.Time, compress bool) string {
	name := fileNameReplacer.Replace(source)
	if name == "" {
		name = "bake"
	}
	filename := fmt.Sprintf("%s_%s.json", name, at.Format("20060102_150405"))
	if compress {
		filename += ".gz"
	}
	return filename
}

// Write stores doc in outputDir and returns the file path. BakedAt is set
// when it is zero.
func Write(outputDir string, doc *Document, compress bool) (string, error) {
	if doc.BakedAt.IsZero() {
		doc.BakedAt = time.Now().UTC()
	}

	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}

	outputPath := filepath.Join(outputDir, FileName(doc.Source, doc.BakedAt, compress))

	var err error
	if compress {
		err = writeGzipJSON(outputPath, doc)
	} else {
		err = writeJSON(outputPath, doc)
	}
	if err != nil {
		return "", err
	}
	return outputPath, nil
}

func writeJSON(path string, doc *Document) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer f.Close()

	return json.NewEncoder(f).Encode(doc)
}

func writeGzipJSON(path string, doc *Document) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer f.Close()

	gzWriter := gzip.NewWriter(f)
	if err := json.NewEncoder(gzWriter).Encode(doc); err != nil {
		gzWriter.Close()
		return err
	}
	return gzWriter.Close()
}

// Read loads a document written by Write.
func Read(path string) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("open gzip: %w", err)
		}
		defer gz.Close()
		r = gz
	}

	var doc Document
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &doc, nil
}
