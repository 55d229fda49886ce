// Package playback steps through a source at the composition frame rate and
// publishes the evaluated shapes for every frame.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/nameshigawa/bboxviewer/internal/mapper"
	"github.com/nameshigawa/bboxviewer/pkg/streaming"
)

// ErrEmptyTimeline is returned when a session would publish no frames.
var ErrEmptyTimeline = errors.New("nothing to play")

// Evaluator evaluates every registered shape at a time.
type Evaluator interface {
	EvaluateAll(ctx context.Context, t float64) []streaming.ShapeState
}

// Session describes one playback run. End <= Start plays to the last frame.
type Session struct {
	Source    string
	FrameRate float64
	Frames    int
	Start     float64
	End       float64
	Loop      bool
}

// frameRange returns the first frame and the frame after the last one.
func (s Session) frameRange() (first, stop int, err error) {
	if err := mapper.ValidateFrameRate(s.FrameRate); err != nil {
		return 0, 0, err
	}
	start := s.Start
	if math.IsNaN(start) || start < 0 {
		start = 0
	}
	first, _ = mapper.FrameIndex(start, s.FrameRate)

	if s.End > start && !math.IsInf(s.End, 0) {
		end := math.Ceil(s.End * s.FrameRate)
		if math.IsInf(end, 0) || end >= math.MaxInt {
			stop = math.MaxInt
		} else {
			stop = int(end)
		}
	} else {
		stop = s.Frames
	}
	if stop <= first {
		return 0, 0, fmt.Errorf("%w: frames %d..%d", ErrEmptyTimeline, first, stop)
	}
	return first, stop, nil
}

// Player runs one session at a time.
type Player struct {
	eval     Evaluator
	logger   *slog.Logger
	interval time.Duration // zero: one tick per frame
	buffer   int

	sessionMu sync.Mutex // serializes Play and Stop

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Player.
type Option func(*Player)

// WithInterval overrides the wall clock time between frames.
func WithInterval(d time.Duration) Option {
	return func(p *Player) {
		p.interval = d
	}
}

// WithBuffer sets the update channel capacity.
func WithBuffer(n int) Option {
	return func(p *Player) {
		p.buffer = n
	}
}

// NewPlayer creates a player that evaluates through eval.
func NewPlayer(eval Evaluator, logger *slog.Logger, opts ...Option) *Player {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Player{eval: eval, logger: logger, buffer: 16}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Play starts sess, stopping any session already running. The returned
// channel receives one update per frame and is closed when the session
// ends, is stopped, or ctx is cancelled.
func (p *Player) Play(ctx context.Context, sess Session) (<-chan streaming.FrameUpdate, error) {
	first, stop, err := sess.frameRange()
	if err != nil {
		return nil, err
	}

	p.sessionMu.Lock()
	defer p.sessionMu.Unlock()
	p.stop()

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	out := make(chan streaming.FrameUpdate, p.buffer)

	p.mu.Lock()
	p.cancel = cancel
	p.done = done
	p.mu.Unlock()

	interval := p.interval
	if interval <= 0 {
		interval = time.Duration(float64(time.Second) / sess.FrameRate)
	}

	p.logger.Info("Playback started",
		"source", sess.Source,
		"fps", sess.FrameRate,
		"first", first,
		"stop", stop,
		"loop", sess.Loop)

	go func() {
		defer close(done)
		defer close(out)
		defer cancel()
		published := p.run(runCtx, sess, first, stop, interval, out)
		p.logger.Info("Playback stopped", "source", sess.Source, "frames", published)
	}()

	return out, nil
}

func (p *Player) run(ctx context.Context, sess Session, first, stop int, interval time.Duration, out chan<- streaming.FrameUpdate) int {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	published := 0
	frame := first
	for {
		// sample mid-frame so float rounding never lands on the previous frame
		t := (float64(frame) + 0.5) / sess.FrameRate
		update := streaming.FrameUpdate{
			Time:   float64(frame) / sess.FrameRate,
			Frame:  frame,
			Source: sess.Source,
			Shapes: p.eval.EvaluateAll(ctx, t),
		}

		select {
		case out <- update:
			published++
		case <-ctx.Done():
			return published
		}

		frame++
		if frame >= stop {
			if !sess.Loop {
				return published
			}
			frame = first
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return published
		}
	}
}

// Stop ends the running session, if any, and waits for it to finish.
func (p *Player) Stop() {
	p.sessionMu.Lock()
	defer p.sessionMu.Unlock()
	p.stop()
}

func (p *Player) stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Playing reports whether a session is running.
func (p *Player) Playing() bool {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}
