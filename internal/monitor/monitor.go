// Package monitor periodically snapshots viewer state to a status file and
// exposes the same numbers as OTel gauges.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/nameshigawa/bboxviewer/internal/cache"
	"github.com/nameshigawa/bboxviewer/internal/composition"
	"github.com/nameshigawa/bboxviewer/internal/handlers"
	"github.com/nameshigawa/bboxviewer/internal/logging"
	"github.com/nameshigawa/bboxviewer/internal/playback"
)

// DefaultInterval is how often the status file is rewritten.
const DefaultInterval = time.Second

// Dependencies holds all dependencies for the monitor service.
// Everything except Context and Service is optional.
type Dependencies struct {
	LogManager *logging.SlogManager
	Context    *composition.Context
	Service    *handlers.Service
	Sources    *cache.SourceCache
	Tracks     *cache.TrackCache
	Player     *playback.Player
	Recorder   *playback.Recorder
	Clients    func() int
	StatusFile string
	Interval   time.Duration
}

// Status is one snapshot of the viewer.
type Status struct {
	Time          time.Time `json:"time"`
	Source        string    `json:"source"`
	FrameRate     float64   `json:"frameRate"`
	Shapes        int       `json:"shapes"`
	CachedSources int       `json:"cachedSources"`
	CachedTracks  int       `json:"cachedTracks"`
	TrackHits     int       `json:"trackHits"`
	TrackMisses   int       `json:"trackMisses"`
	Clients       int       `json:"clients"`
	Playing       bool      `json:"playing"`
	Recorded      int       `json:"recorded"`
	Dropped       int       `json:"dropped"`
}

// Service manages status monitoring
type Service struct {
	deps      Dependencies
	isRunning bool
	mu        sync.RWMutex
	stopChan  chan struct{}
	done      chan struct{}
}

// NewService creates a new monitor service
func NewService(deps Dependencies) *Service {
	if deps.Interval <= 0 {
		deps.Interval = DefaultInterval
	}
	return &Service{deps: deps}
}

// IsRunning returns whether the status monitor is running
func (s *Service) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// Status returns the current viewer status.
func (s *Service) Status() Status {
	snap := s.deps.Context.Snapshot()
	st := Status{
		Time:      time.Now(),
		Source:    snap.Controller.SourceName,
		FrameRate: snap.FrameRate,
		Shapes:    len(s.deps.Service.Shapes()),
	}
	if s.deps.Sources != nil {
		st.CachedSources = s.deps.Sources.Len()
	}
	if s.deps.Tracks != nil {
		st.CachedTracks = s.deps.Tracks.Len()
		st.TrackHits, st.TrackMisses = s.deps.Tracks.Stats()
	}
	if s.deps.Clients != nil {
		st.Clients = s.deps.Clients()
	}
	if s.deps.Player != nil {
		st.Playing = s.deps.Player.Playing()
	}
	if s.deps.Recorder != nil {
		st.Recorded = s.deps.Recorder.Len()
		st.Dropped = s.deps.Recorder.Dropped()
	}
	return st
}

// WriteStatus replaces the status file with the current status.
func (s *Service) WriteStatus() error {
	if s.deps.StatusFile == "" {
		return nil
	}
	data, err := json.MarshalIndent(s.Status(), "", "  ")
	if err != nil {
		return err
	}
	tmp := s.deps.StatusFile + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("write status: %w", err)
	}
	return os.Rename(tmp, s.deps.StatusFile)
}

// RegisterMetrics reports the status as observable gauges on m.
func (s *Service) RegisterMetrics(m metric.Meter) error {
	shapes, err := m.Int64ObservableGauge("bbox.shapes",
		metric.WithDescription("Registered shape layers"))
	if err != nil {
		return fmt.Errorf("creating shapes gauge: %w", err)
	}
	clients, err := m.Int64ObservableGauge("bbox.ws.clients",
		metric.WithDescription("Connected WebSocket clients"))
	if err != nil {
		return fmt.Errorf("creating clients gauge: %w", err)
	}
	tracks, err := m.Int64ObservableGauge("bbox.cache.tracks",
		metric.WithDescription("Cached per-shape box columns"))
	if err != nil {
		return fmt.Errorf("creating tracks gauge: %w", err)
	}
	dropped, err := m.Int64ObservableGauge("bbox.recorder.dropped",
		metric.WithDescription("Frame updates evicted from the recorder"))
	if err != nil {
		return fmt.Errorf("creating dropped gauge: %w", err)
	}

	_, err = m.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		st := s.Status()
		o.ObserveInt64(shapes, int64(st.Shapes))
		o.ObserveInt64(clients, int64(st.Clients))
		o.ObserveInt64(tracks, int64(st.CachedTracks))
		o.ObserveInt64(dropped, int64(st.Dropped))
		return nil
	}, shapes, clients, tracks, dropped)
	if err != nil {
		return fmt.Errorf("registering status callback: %w", err)
	}
	return nil
}

func (s *Service) logWarn(msg string, err error) {
	if s.deps.LogManager != nil {
		s.deps.LogManager.Logger().Warn(msg, "error", err)
	}
}

// Start starts the status monitor goroutine
func (s *Service) Start() {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.stopChan = make(chan struct{})
	s.done = make(chan struct{})
	stop, done := s.stopChan, s.done
	s.mu.Unlock()

	go func() {
		defer close(done)

		ticker := time.NewTicker(s.deps.Interval)
		defer ticker.Stop()

		for {
			if err := s.WriteStatus(); err != nil {
				s.logWarn("Error writing status file", err)
			}
			select {
			case <-stop:
				return
			case <-ticker.C:
			}
		}
	}()
}

// Stop stops the status monitor and waits for it to exit.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopChan)
	done := s.done
	s.mu.Unlock()
	<-done
}
