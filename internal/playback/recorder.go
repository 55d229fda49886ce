package playback

import (
	"sort"

	"github.com/nameshigawa/bboxviewer/internal/export"
	"github.com/nameshigawa/bboxviewer/internal/queue"
	"github.com/nameshigawa/bboxviewer/pkg/core"
	"github.com/nameshigawa/bboxviewer/pkg/streaming"
)

// Recorder keeps the most recent frame updates of a session so they can be
// baked afterwards.
type Recorder struct {
	updates *queue.Queue[streaming.FrameUpdate]
}

// NewRecorder keeps at most limit updates; limit <= 0 keeps everything.
func NewRecorder(limit int) *Recorder {
	return &Recorder{updates: queue.NewBounded[streaming.FrameUpdate](limit)}
}

// Record stores one update.
func (r *Recorder) Record(u streaming.FrameUpdate) {
	r.updates.Push(u)
}

// Tee records every update read from in and forwards it on the returned
// channel, which closes when in does.
func (r *Recorder) Tee(in <-chan streaming.FrameUpdate) <-chan streaming.FrameUpdate {
	out := make(chan streaming.FrameUpdate, cap(in))
	go func() {
		defer close(out)
		for u := range in {
			r.Record(u)
			out <- u
		}
	}()
	return out
}

// Len returns the number of recorded updates.
func (r *Recorder) Len() int {
	return r.updates.Len()
}

// Dropped returns how many updates were evicted by the limit.
func (r *Recorder) Dropped() int {
	return r.updates.Dropped()
}

// Updates returns the recorded updates in order.
func (r *Recorder) Updates() []streaming.FrameUpdate {
	return r.updates.Snapshot()
}

// Reset discards everything recorded.
func (r *Recorder) Reset() {
	r.updates.Clear()
}

// Document turns the recording into baked keyframes, one track per shape
// name. A frame recorded more than once (looping) keeps its first
// recording.
func (r *Recorder) Document(frameRate float64, ctrl core.Controller) *export.Document {
	updates := r.updates.Snapshot()

	doc := &export.Document{
		Source:      ctrl.SourceName,
		FrameRate:   frameRate,
		StrokeWidth: ctrl.StrokeWidth,
		StrokeColor: ctrl.StrokeColor,
	}
	if len(updates) > 0 && updates[0].Source != "" {
		doc.Source = updates[0].Source
	}

	tracks := make(map[string]*export.ShapeTrack)
	seen := make(map[string]map[int]bool)
	frames := make(map[int]bool)
	for _, u := range updates {
		frames[u.Frame] = true
		for _, s := range u.Shapes {
			track, ok := tracks[s.Name]
			if !ok {
				track = &export.ShapeTrack{Name: s.Name, ID: s.ID}
				tracks[s.Name] = track
				seen[s.Name] = make(map[int]bool)
			}
			if seen[s.Name][u.Frame] {
				continue
			}
			seen[s.Name][u.Frame] = true
			track.Keyframes = append(track.Keyframes, export.Keyframe{
				Frame:    u.Frame,
				Time:     u.Time,
				Present:  s.BoxPresent,
				Size:     s.Size,
				Position: s.Position,
				Opacity:  s.Opacity,
			})
		}
	}
	doc.FrameCount = len(frames)

	names := make([]string, 0, len(tracks))
	for name := range tracks {
		names = append(names, name)
	}
	sort.Strings(names)

	doc.Shapes = make([]export.ShapeTrack, 0, len(names))
	for _, name := range names {
		track := tracks[name]
		sort.Slice(track.Keyframes, func(i, j int) bool {
			return track.Keyframes[i].Frame < track.Keyframes[j].Frame
		})
		doc.Shapes = append(doc.Shapes, *track)
	}
	return doc
}
