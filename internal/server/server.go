// Package server exposes the handler service over HTTP and a WebSocket
// that accepts host commands and streams playback frames.
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/nameshigawa/bboxviewer/internal/config"
	"github.com/nameshigawa/bboxviewer/internal/dispatcher"
	"github.com/nameshigawa/bboxviewer/internal/export"
	"github.com/nameshigawa/bboxviewer/internal/handlers"
	"github.com/nameshigawa/bboxviewer/internal/mapper"
	"github.com/nameshigawa/bboxviewer/internal/playback"
	"github.com/nameshigawa/bboxviewer/internal/source"
	"github.com/nameshigawa/bboxviewer/internal/util"
	"github.com/nameshigawa/bboxviewer/pkg/core"
	"github.com/nameshigawa/bboxviewer/pkg/streaming"
)

// MaxUploadSize bounds a source upload.
const MaxUploadSize = 64 << 20

// Options holds everything the server needs.
type Options struct {
	Service    *handlers.Service
	Dispatcher *dispatcher.Dispatcher
	Player     *playback.Player
	Recorder   *playback.Recorder // optional
	Export     config.ExportConfig
	APIKey     string // empty disables authentication
	Logger     *slog.Logger
}

// Server serves the HTTP API and the WebSocket endpoint.
type Server struct {
	svc      *handlers.Service
	dispatch *dispatcher.Dispatcher
	player   *playback.Player
	recorder *playback.Recorder
	export   config.ExportConfig
	apiKey   string
	logger   *slog.Logger

	upgrader websocket.Upgrader
	router   *gin.Engine

	mu      sync.Mutex
	clients map[*client]struct{}
}

// New builds the server and its routes.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	player := opts.Player
	if player == nil {
		player = playback.NewPlayer(opts.Service, logger)
	}

	s := &Server{
		svc:      opts.Service,
		dispatch: opts.Dispatcher,
		player:   player,
		recorder: opts.Recorder,
		export:   opts.Export,
		apiKey:   opts.APIKey,
		logger:   logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
	s.router = s.newRouter()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.player.Stop()
		s.closeClients()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info("Server listening", "address", addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) newRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/healthz", s.handleHealth)
	r.GET("/ws", s.requireKey(), s.handleWS)

	api := r.Group("/api", s.requireKey())
	api.GET("/sources", s.handleListSources)
	api.POST("/sources/:name", s.handleUploadSource)
	api.DELETE("/sources/:name", s.handleDeleteSource)
	api.GET("/controller", s.handleGetController)
	api.PUT("/controller", s.handlePutController)
	api.PUT("/framerate", s.handlePutFrameRate)
	api.GET("/shapes", s.handleListShapes)
	api.POST("/shapes", s.handleRegisterShape)
	api.DELETE("/shapes/:name", s.handleRemoveShape)
	api.GET("/evaluate", s.handleEvaluateAll)
	api.GET("/evaluate/:shape", s.handleEvaluate)
	api.GET("/timeline", s.handleTimeline)
	api.POST("/command", s.handleCommand)
	api.POST("/bake", s.handleBake)
	api.POST("/playback", s.handleStartPlayback)
	api.DELETE("/playback", s.handleStopPlayback)
	return r
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("HTTP request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

// APIKeyHeader carries the shared secret on HTTP requests. WebSocket clients
// may pass it as the "secret" query parameter instead.
const APIKeyHeader = "X-API-Key"

func (s *Server) requireKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.apiKey == "" {
			c.Next()
			return
		}
		key := c.GetHeader(APIKeyHeader)
		if key == "" {
			key = c.Query("secret")
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid api key"})
			return
		}
		c.Next()
	}
}

// errorStatus maps sentinel errors to HTTP status codes.
func errorStatus(err error, fallback int) int {
	switch {
	case errors.Is(err, handlers.ErrUnknownShape),
		errors.Is(err, source.ErrNotFound),
		errors.Is(err, dispatcher.ErrUnknownCommand):
		return http.StatusNotFound
	case errors.Is(err, source.ErrInvalidName),
		errors.Is(err, mapper.ErrInvalidConfiguration),
		errors.Is(err, playback.ErrEmptyTimeline):
		return http.StatusBadRequest
	case errors.Is(err, handlers.ErrNoStorage),
		errors.Is(err, dispatcher.ErrClosed),
		errors.Is(err, dispatcher.ErrQueueFull):
		return http.StatusServiceUnavailable
	}
	return fallback
}

func (s *Server) fail(c *gin.Context, err error, fallback int) {
	status := errorStatus(err, fallback)
	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func queryTime(c *gin.Context) (float64, error) {
	raw := c.Query("time")
	if raw == "" {
		return 0, errors.New("time query parameter is required")
	}
	t, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid time %q: %w", raw, err)
	}
	return t, nil
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "clients": s.ClientCount()})
}

func (s *Server) handleListSources(c *gin.Context) {
	names, err := s.svc.ListSources(c.Request.Context())
	if err != nil {
		s.fail(c, err, http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sources": names})
}

// readUpload returns the multipart "file" field when present, else the raw body.
func readUpload(c *gin.Context) ([]byte, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadSize)

	if c.ContentType() == gin.MIMEMultipartPOSTForm {
		fh, err := c.FormFile("file")
		if err != nil {
			return nil, err
		}
		f, err := fh.Open()
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return io.ReadAll(f)
	}
	return c.GetRawData()
}

func (s *Server) handleUploadSource(c *gin.Context) {
	name := c.Param("name")
	if err := source.ValidateName(name); err != nil {
		s.fail(c, err, http.StatusBadRequest)
		return
	}

	data, err := readUpload(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	seq, err := source.Decode(data)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.svc.PutSource(c.Request.Context(), name, seq); err != nil {
		s.fail(c, err, http.StatusInternalServerError)
		return
	}

	s.logger.Info("Source uploaded", "source", name, "frames", seq.Len())
	c.JSON(http.StatusCreated, gin.H{"name": name, "frames": seq.Len(), "maxBoxes": seq.MaxBoxes()})
}

func (s *Server) handleDeleteSource(c *gin.Context) {
	if err := s.svc.DeleteSource(c.Request.Context(), c.Param("name")); err != nil {
		s.fail(c, err, http.StatusInternalServerError)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleGetController(c *gin.Context) {
	c.JSON(http.StatusOK, s.svc.ControllerState())
}

// controllerPatch holds the controller fields a PUT may change.
type controllerPatch struct {
	Source      *string     `json:"source"`
	Visible     *bool       `json:"visible"`
	StrokeWidth *float64    `json:"strokeWidth"`
	StrokeColor *core.Color `json:"strokeColor"`
}

func (p controllerPatch) updates() [][2]string {
	var out [][2]string
	if p.Visible != nil {
		out = append(out, [2]string{"visible", strconv.FormatBool(*p.Visible)})
	}
	if p.StrokeWidth != nil {
		out = append(out, [2]string{"strokeWidth", strconv.FormatFloat(*p.StrokeWidth, 'g', -1, 64)})
	}
	if p.StrokeColor != nil {
		col := p.StrokeColor
		out = append(out, [2]string{"strokeColor", fmt.Sprintf("%g,%g,%g", col.R, col.G, col.B)})
	}
	if p.Source != nil {
		out = append(out, [2]string{"source", *p.Source})
	}
	return out
}

func (s *Server) handlePutController(c *gin.Context) {
	var patch controllerPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	for _, kv := range patch.updates() {
		if err := s.svc.SetController(c.Request.Context(), kv[0], kv[1]); err != nil {
			s.fail(c, err, http.StatusBadRequest)
			return
		}
	}
	c.JSON(http.StatusOK, s.svc.ControllerState())
}

func (s *Server) handlePutFrameRate(c *gin.Context) {
	var req struct {
		FPS float64 `json:"fps"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.svc.SetFrameRate(req.FPS); err != nil {
		s.fail(c, err, http.StatusBadRequest)
		return
	}
	c.JSON(http.StatusOK, gin.H{"fps": req.FPS})
}

func (s *Server) handleListShapes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"shapes": s.svc.Shapes()})
}

func (s *Server) handleRegisterShape(c *gin.Context) {
	var req struct {
		Name string     `json:"name" binding:"required"`
		Rest *core.Vec2 `json:"rest"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id, err := s.svc.RegisterShape(req.Name, req.Rest)
	if err != nil {
		s.fail(c, err, http.StatusBadRequest)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"name": req.Name, "id": id})
}

func (s *Server) handleRemoveShape(c *gin.Context) {
	if err := s.svc.RemoveShape(c.Param("name")); err != nil {
		s.fail(c, err, http.StatusInternalServerError)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleEvaluateAll(c *gin.Context) {
	t, err := queryTime(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"time": t, "shapes": s.svc.EvaluateAll(c.Request.Context(), t)})
}

func (s *Server) handleEvaluate(c *gin.Context) {
	t, err := queryTime(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := s.svc.Evaluate(c.Request.Context(), c.Param("shape"), t)
	if err != nil {
		s.fail(c, err, http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleTimeline(c *gin.Context) {
	c.JSON(http.StatusOK, s.svc.Timeline(c.Request.Context()))
}

func (s *Server) handleCommand(c *gin.Context) {
	var req streaming.CommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	result, err := s.runCommand(req)
	if err != nil {
		status := errorStatus(err, http.StatusBadRequest)
		c.JSON(status, gin.H{"error": err.Error(), "reply": dispatcher.ErrorReply(req.Command, err)})
		return
	}
	c.JSON(http.StatusOK, streaming.CommandResult{Command: req.Command, Result: result})
}

func (s *Server) runCommand(req streaming.CommandRequest) (any, error) {
	if s.dispatch == nil {
		return nil, fmt.Errorf("%w: %s", dispatcher.ErrUnknownCommand, req.Command)
	}
	return s.dispatch.Dispatch(dispatcher.NewEvent(util.CleanArg(req.Command), req.Args...))
}

func (s *Server) handleBake(c *gin.Context) {
	doc, err := s.svc.Bake(c.Request.Context())
	if err != nil {
		s.fail(c, err, http.StatusInternalServerError)
		return
	}
	path, err := export.Write(s.export.OutputDir, doc, s.export.Compress)
	if err != nil {
		s.fail(c, err, http.StatusInternalServerError)
		return
	}
	s.logger.Info("Bake written", "path", path, "frames", doc.FrameCount, "shapes", len(doc.Shapes))
	c.JSON(http.StatusCreated, gin.H{"path": path, "frames": doc.FrameCount, "shapes": len(doc.Shapes)})
}

func (s *Server) handleStartPlayback(c *gin.Context) {
	var req streaming.PlayRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	tl, err := s.startPlayback(req)
	if err != nil {
		s.fail(c, err, http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusAccepted, tl)
}

func (s *Server) handleStopPlayback(c *gin.Context) {
	s.player.Stop()
	c.Status(http.StatusNoContent)
}

// startPlayback runs a session over the active source and broadcasts every
// frame to the connected WebSocket clients.
func (s *Server) startPlayback(req streaming.PlayRequest) (handlers.Timeline, error) {
	if math.IsNaN(req.Start) || math.IsNaN(req.End) {
		return handlers.Timeline{}, fmt.Errorf("%w: start and end must be numbers", playback.ErrEmptyTimeline)
	}

	// playback outlives the request that started it
	ctx := context.Background()
	tl := s.svc.Timeline(ctx)
	updates, err := s.player.Play(ctx, playback.Session{
		Source:    tl.Source,
		FrameRate: tl.FrameRate,
		Frames:    tl.Frames,
		Start:     req.Start,
		End:       req.End,
		Loop:      req.Loop,
	})
	if err != nil {
		return tl, err
	}
	if s.recorder != nil {
		s.recorder.Reset()
		updates = s.recorder.Tee(updates)
	}

	go func() {
		for u := range updates {
			env, err := streaming.NewEnvelope(streaming.TypeFrame, "", u)
			if err != nil {
				s.logger.Error("Frame encode failed", "frame", u.Frame, "error", err)
				continue
			}
			s.broadcast(env)
		}
	}()
	return tl, nil
}
