package playback

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nameshigawa/bboxviewer/internal/mapper"
	"github.com/nameshigawa/bboxviewer/pkg/core"
	"github.com/nameshigawa/bboxviewer/pkg/streaming"
)

// fakeEvaluator reports one shape whose frame is derived from t
type fakeEvaluator struct {
	mu        sync.Mutex
	frameRate float64
	times     []float64
}

func (f *fakeEvaluator) EvaluateAll(_ context.Context, t float64) []streaming.ShapeState {
	f.mu.Lock()
	f.times = append(f.times, t)
	f.mu.Unlock()

	frame, _ := mapper.FrameIndex(t, f.frameRate)
	return []streaming.ShapeState{{
		Name: "BBox_0",
		ShapeVisual: core.ShapeVisual{
			Frame:      frame,
			BoxPresent: true,
			Position:   core.Vec2{X: float64(frame)},
			Opacity:    core.OpacityVisible,
		},
	}}
}

func collect(t *testing.T, ch <-chan streaming.FrameUpdate) []streaming.FrameUpdate {
	t.Helper()
	var out []streaming.FrameUpdate
	timeout := time.After(5 * time.Second)
	for {
		select {
		case u, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, u)
		case <-timeout:
			t.Fatal("playback did not finish")
			return nil
		}
	}
}

func frames(updates []streaming.FrameUpdate) []int {
	out := make([]int, 0, len(updates))
	for _, u := range updates {
		out = append(out, u.Frame)
	}
	return out
}

func TestPlay_WholeSource(t *testing.T) {
	eval := &fakeEvaluator{frameRate: 30}
	p := NewPlayer(eval, nil, WithInterval(time.Millisecond))

	ch, err := p.Play(context.Background(), Session{Source: "clip", FrameRate: 30, Frames: 5})
	require.NoError(t, err)

	updates := collect(t, ch)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, frames(updates))
	for _, u := range updates {
		assert.Equal(t, "clip", u.Source)
		assert.InDelta(t, float64(u.Frame)/30, u.Time, 1e-12)
		require.Len(t, u.Shapes, 1)
		assert.Equal(t, u.Frame, u.Shapes[0].Frame, "evaluation resolves the published frame")
	}
	assert.False(t, p.Playing())
}

func TestPlay_Range(t *testing.T) {
	eval := &fakeEvaluator{frameRate: 10}
	p := NewPlayer(eval, nil, WithInterval(time.Millisecond))

	ch, err := p.Play(context.Background(), Session{FrameRate: 10, Frames: 100, Start: 0.25, End: 0.55})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3, 4, 5}, frames(collect(t, ch)))
}

func TestPlay_LoopUntilCancelled(t *testing.T) {
	eval := &fakeEvaluator{frameRate: 30}
	p := NewPlayer(eval, nil, WithInterval(time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := p.Play(ctx, Session{FrameRate: 30, Frames: 3, Loop: true})
	require.NoError(t, err)

	var got []int
	for u := range ch {
		got = append(got, u.Frame)
		if len(got) == 7 {
			cancel()
			break
		}
	}
	assert.Equal(t, []int{0, 1, 2, 0, 1, 2, 0}, got)

	// drain so the goroutine can exit
	for range ch {
	}
	p.Stop()
	assert.False(t, p.Playing())
}

func TestPlay_StopEndsSession(t *testing.T) {
	p := NewPlayer(&fakeEvaluator{frameRate: 30}, nil, WithInterval(time.Hour), WithBuffer(0))

	ch, err := p.Play(context.Background(), Session{FrameRate: 30, Frames: 100})
	require.NoError(t, err)

	first := <-ch
	assert.Equal(t, 0, first.Frame)
	assert.True(t, p.Playing())

	p.Stop()
	_, ok := <-ch
	assert.False(t, ok, "channel closes after stop")
	assert.False(t, p.Playing())

	// stopping twice is harmless
	p.Stop()
}

func TestPlay_RestartStopsPrevious(t *testing.T) {
	p := NewPlayer(&fakeEvaluator{frameRate: 30}, nil, WithInterval(time.Hour), WithBuffer(0))

	first, err := p.Play(context.Background(), Session{FrameRate: 30, Frames: 100})
	require.NoError(t, err)
	<-first

	second, err := p.Play(context.Background(), Session{FrameRate: 30, Frames: 100, Start: 1})
	require.NoError(t, err)

	for range first {
	}
	u := <-second
	assert.Equal(t, 30, u.Frame)
	p.Stop()
}

func TestPlay_Errors(t *testing.T) {
	p := NewPlayer(&fakeEvaluator{frameRate: 30}, nil)

	_, err := p.Play(context.Background(), Session{FrameRate: 0, Frames: 3})
	assert.ErrorIs(t, err, mapper.ErrInvalidConfiguration)

	_, err = p.Play(context.Background(), Session{FrameRate: 30})
	assert.ErrorIs(t, err, ErrEmptyTimeline)

	_, err = p.Play(context.Background(), Session{FrameRate: 30, Frames: 3, Start: 5})
	assert.ErrorIs(t, err, ErrEmptyTimeline)
}

func TestSession_FrameRange(t *testing.T) {
	tests := []struct {
		name        string
		sess        Session
		first, stop int
	}{
		{"whole", Session{FrameRate: 30, Frames: 10}, 0, 10},
		{"negative start", Session{FrameRate: 30, Frames: 10, Start: -4}, 0, 10},
		{"end before start plays to the end", Session{FrameRate: 30, Frames: 10, Start: 0.1, End: 0.05}, 3, 10},
		{"explicit end without frames", Session{FrameRate: 2, End: 2}, 0, 4},
		{"huge end saturates", Session{FrameRate: 30, Frames: 10, End: 1e300}, 0, math.MaxInt},
		{"end overflowing after scaling saturates", Session{FrameRate: 1e10, End: math.MaxFloat64 / 1e5}, 0, math.MaxInt},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			first, stop, err := tt.sess.frameRange()
			require.NoError(t, err)
			assert.Equal(t, tt.first, first)
			assert.Equal(t, tt.stop, stop)
		})
	}
}
