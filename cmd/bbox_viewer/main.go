package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/nameshigawa/bboxviewer/internal/cache"
	"github.com/nameshigawa/bboxviewer/internal/composition"
	"github.com/nameshigawa/bboxviewer/internal/config"
	"github.com/nameshigawa/bboxviewer/internal/dispatcher"
	"github.com/nameshigawa/bboxviewer/internal/handlers"
	"github.com/nameshigawa/bboxviewer/internal/logging"
	"github.com/nameshigawa/bboxviewer/internal/mapper"
	intOtel "github.com/nameshigawa/bboxviewer/internal/otel"
	"github.com/nameshigawa/bboxviewer/internal/storage"
	"github.com/nameshigawa/bboxviewer/pkg/core"
)

// module defs - BuildDate can be set at build time via ldflags
var (
	CurrentVersion string = "0.0.1"
	BuildDate      string = "unknown"

	AppName string = "bbox_viewer"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// app holds the services shared by the subcommands.
type app struct {
	slogManager  *logging.SlogManager
	logger       *slog.Logger
	otelProvider *intOtel.Provider
	logFile      *os.File

	comp       *composition.Context
	sources    *cache.SourceCache
	tracks     *cache.TrackCache
	backend    storage.Backend
	service    *handlers.Service
	dispatcher *dispatcher.Dispatcher
}

// newApp loads configuration and sets up logging and telemetry. Storage is
// opened separately by the subcommands that need it.
func newApp(configDir string, stderr io.Writer, toFile bool) (*app, error) {
	a := &app{slogManager: logging.NewSlogManager()}

	if err := config.Load(configDir); err != nil {
		return nil, err
	}

	a.comp = composition.NewContext()
	if err := applyComposition(a.comp); err != nil {
		return nil, err
	}
	a.slogManager.SetContextProvider(a.comp.LogAttrs)

	var logOut io.Writer = stderr
	if toFile {
		logsDir := config.GetString("logsDir")
		if err := os.MkdirAll(logsDir, 0755); err != nil {
			return nil, fmt.Errorf("create logs dir: %w", err)
		}
		path := logging.LogFilePath(logsDir, AppName, time.Now())
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		a.logFile = f
		logOut = io.MultiWriter(f, stderr)
	}

	provider, err := intOtel.New(intOtel.FromConfig(config.GetOTelConfig(), logOut))
	if err != nil {
		return nil, fmt.Errorf("init otel: %w", err)
	}
	a.otelProvider = provider

	a.slogManager.Setup(logOut, config.GetString("logLevel"), provider.LoggerProvider())
	a.logger = a.slogManager.Logger()
	a.logger.Info("Starting", "app", AppName, "version", CurrentVersion, "buildDate", BuildDate)
	return a, nil
}

// applyComposition seeds the composition from configuration.
func applyComposition(c *composition.Context) error {
	if err := c.SetFrameRate(config.GetFloat64("frameRate")); err != nil {
		return err
	}
	c.SetOptions(mapper.Options{GateOnVisibility: config.GetBool("mapper.gateOnVisibility")})

	cc := config.GetControllerConfig()
	ctrl := core.DefaultController()
	ctrl.SourceName = cc.Source
	ctrl.Visible = cc.Visible
	ctrl.StrokeWidth = cc.StrokeWidth
	if len(cc.StrokeColor) == 3 {
		ctrl.StrokeColor = core.Color{R: cc.StrokeColor[0], G: cc.StrokeColor[1], B: cc.StrokeColor[2]}
	} else if cc.StrokeColor != nil {
		return fmt.Errorf("controller.strokeColor must have 3 components, got %d", len(cc.StrokeColor))
	}
	c.SetController(ctrl)
	return nil
}

// openService opens the configured store and builds the handler service and
// command dispatcher on top of it.
func (a *app) openService(ctx context.Context, stderr io.Writer) error {
	backend, err := openStorage(ctx, a.logger, config.GetStorageConfig())
	if err != nil {
		return err
	}
	a.backend = backend

	a.sources = cache.NewSourceCache()
	a.tracks = cache.NewTrackCache()
	a.service = handlers.NewService(handlers.Dependencies{
		Storage:    backend,
		Sources:    a.sources,
		ShapeIDs:   cache.NewShapeIDCache(),
		Tracks:     a.tracks,
		LogManager: a.slogManager,
	}, a.comp)

	d, err := dispatcher.NewWithMeter(
		logging.NewConsoleDispatcherLogger(stderr, config.GetString("logLevel")),
		a.otelProvider.Meter("bbox-viewer"),
	)
	if err != nil {
		return fmt.Errorf("create dispatcher: %w", err)
	}
	a.dispatcher = d
	handlers.Register(ctx, d, a.service)
	a.logger.Debug("Commands registered", "commands", d.Commands())

	if name := a.comp.Controller().SourceName; name != "" {
		if _, err := a.service.LoadSource(ctx, name); err != nil {
			a.logger.Warn("Configured source not loaded", "source", name, "error", err)
		}
	}
	return nil
}

// close releases everything newApp and openService acquired.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if a.dispatcher != nil {
		a.dispatcher.Close()
	}
	if a.backend != nil {
		if err := a.backend.Close(); err != nil {
			a.logger.Error("Failed to close storage", "error", err)
		}
	}
	if err := a.slogManager.Flush(ctx); err != nil {
		a.logger.Warn("Failed to flush logs", "error", err)
	}
	if a.otelProvider != nil {
		_ = a.otelProvider.Shutdown(ctx)
	}
	if a.logFile != nil {
		_ = a.logFile.Close()
	}
}

// defaultConfigDir is the directory holding the executable.
func defaultConfigDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exe)
}
