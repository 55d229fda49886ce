package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/nameshigawa/bboxviewer/internal/api"
	"github.com/nameshigawa/bboxviewer/internal/config"
	"github.com/nameshigawa/bboxviewer/internal/export"
	"github.com/nameshigawa/bboxviewer/internal/handlers"
	"github.com/nameshigawa/bboxviewer/internal/mapper"
	"github.com/nameshigawa/bboxviewer/internal/monitor"
	"github.com/nameshigawa/bboxviewer/internal/playback"
	"github.com/nameshigawa/bboxviewer/internal/rig"
	"github.com/nameshigawa/bboxviewer/internal/server"
	"github.com/nameshigawa/bboxviewer/internal/source"
	"github.com/nameshigawa/bboxviewer/internal/storage"
	"github.com/nameshigawa/bboxviewer/internal/util"
	"github.com/nameshigawa/bboxviewer/pkg/core"
	"github.com/nameshigawa/bboxviewer/pkg/streaming"
)

const usageText = `Usage: bbox_viewer <command> [flags]

Commands:
  serve    run the HTTP and WebSocket viewer
  eval     evaluate shapes against a source file at one time
  bake     write per-frame keyframes for every shape
  import   store a source file under a name
  sources  list stored sources
  rig      render the host installer script from a preset
  push     upload a source file to a running viewer
  watch    print frames streamed by a running viewer
  version  print the version

Run "bbox_viewer <command> --help" for command flags.
`

// run executes one subcommand and returns the process exit code.
func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usageText)
		return 2
	}

	cmd, rest := strings.ToLower(args[0]), args[1:]
	var err error
	switch cmd {
	case "serve":
		err = runServe(rest, stderr)
	case "eval":
		err = runEval(rest, stdout, stderr)
	case "bake":
		err = runBake(rest, stdout, stderr)
	case "import":
		err = runImport(rest, stdout, stderr)
	case "sources":
		err = runSources(rest, stdout, stderr)
	case "rig":
		err = runRig(rest, stdout, stderr)
	case "push":
		err = runPush(rest, stdout, stderr)
	case "watch":
		err = runWatch(rest, stdout, stderr)
	case "version":
		fmt.Fprintf(stdout, "%s %s (built %s)\n", AppName, CurrentVersion, BuildDate)
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usageText)
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", args[0], usageText)
		return 2
	}

	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(stderr, "%s: %v\n", cmd, err)
		return 1
	}
	return 0
}

func newFlagSet(name string, stderr io.Writer) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.SortFlags = false
	return fs
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// controllerFlags are the offline controller overrides shared by eval and bake.
type controllerFlags struct {
	fps         float64
	visible     bool
	strokeWidth float64
	strokeColor string
	variant     string
}

func (f *controllerFlags) register(fs *pflag.FlagSet) {
	fs.Float64Var(&f.fps, "fps", 30, "composition frame rate")
	fs.BoolVar(&f.visible, "visible", true, "controller visibility toggle")
	fs.Float64Var(&f.strokeWidth, "stroke-width", 2, "stroke width")
	fs.StringVar(&f.strokeColor, "stroke-color", "0,1,0", "stroke color as r,g,b in 0..1")
	fs.StringVar(&f.variant, "variant", string(rig.VariantGated), "opacity policy: gated or presence")
}

func (f *controllerFlags) resolve(sourceName string) (core.Controller, mapper.Options, error) {
	col, err := util.ParseColor(f.strokeColor)
	if err != nil {
		return core.Controller{}, mapper.Options{}, fmt.Errorf("--stroke-color: %w", err)
	}
	variant, err := rig.ParseVariant(f.variant)
	if err != nil {
		return core.Controller{}, mapper.Options{}, err
	}
	ctrl := core.Controller{
		SourceName:  sourceName,
		Visible:     f.visible,
		StrokeWidth: f.strokeWidth,
		StrokeColor: col,
	}
	return ctrl, mapper.Options{GateOnVisibility: variant.GateOnVisibility()}, nil
}

func readSourceFile(path string) (*core.Sequence, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return source.Decode(data)
}

// fileSourceName names an offline source after its file, without directory
// or extension.
func fileSourceName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func shapeList(names []string) []export.Shape {
	shapes := make([]export.Shape, 0, len(names))
	for _, name := range names {
		shapes = append(shapes, export.Shape{Name: name, ID: util.ParseShapeID(name)})
	}
	return shapes
}

func runServe(args []string, stderr io.Writer) error {
	fs := newFlagSet("serve", stderr)
	configDir := fs.String("config", defaultConfigDir(), "directory holding "+config.FileName)
	addr := fs.String("addr", "", "listen address (overrides server.address)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := newApp(*configDir, stderr, true)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.openService(ctx, stderr); err != nil {
		return err
	}

	srvCfg := config.GetServerConfig()
	if *addr != "" {
		srvCfg.Address = *addr
	}

	player := playback.NewPlayer(a.service, a.logger)
	recorder := playback.NewRecorder(srvCfg.RecordLimit)
	srv := server.New(server.Options{
		Service:    a.service,
		Dispatcher: a.dispatcher,
		Player:     player,
		Recorder:   recorder,
		Export:     config.GetExportConfig(),
		APIKey:     srvCfg.APIKey,
		Logger:     a.logger,
	})

	mon := monitor.NewService(monitor.Dependencies{
		LogManager: a.slogManager,
		Context:    a.comp,
		Service:    a.service,
		Sources:    a.sources,
		Tracks:     a.tracks,
		Player:     player,
		Recorder:   recorder,
		Clients:    srv.ClientCount,
		StatusFile: filepath.Join(config.GetString("logsDir"), "status.json"),
	})
	if err := mon.RegisterMetrics(a.otelProvider.Meter("bbox-viewer")); err != nil {
		a.logger.Warn("Status metrics unavailable", "error", err)
	}
	mon.Start()
	defer mon.Stop()

	return srv.Run(ctx, srvCfg.Address)
}

func runEval(args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("eval", stderr)
	file := fs.String("file", "", "source file (JSON, gzip or CBOR)")
	shapes := fs.StringSlice("shape", []string{"BBox_0"}, "shape layer names")
	at := fs.Float64("time", 0, "composition time in seconds")
	var cf controllerFlags
	cf.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *file == "" {
		return errors.New("--file is required")
	}

	seq, err := readSourceFile(*file)
	if err != nil {
		return err
	}
	ctrl, opts, err := cf.resolve(*file)
	if err != nil {
		return err
	}

	out := make([]streaming.ShapeState, 0, len(*shapes))
	for _, name := range *shapes {
		id := util.ParseShapeID(name)
		v, err := mapper.Evaluate(seq, *at, cf.fps, id, ctrl, opts)
		if err != nil {
			return err
		}
		out = append(out, streaming.ShapeState{Name: name, ID: id, ShapeVisual: v})
	}
	return writeJSON(stdout, out)
}

func runBake(args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("bake", stderr)
	file := fs.String("file", "", "bake a source file directly instead of a stored source")
	sourceName := fs.String("source", "", "stored source to bake (default controller.source)")
	configDir := fs.String("config", defaultConfigDir(), "directory holding "+config.FileName)
	shapes := fs.StringSlice("shape", []string{"BBox_0"}, "shape layer names")
	outDir := fs.String("out", "", "output directory (default export.outputDir)")
	compress := fs.Bool("gzip", true, "gzip the baked document")
	var cf controllerFlags
	cf.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	var doc *export.Document
	if *file != "" {
		seq, err := readSourceFile(*file)
		if err != nil {
			return err
		}
		ctrl, opts, err := cf.resolve(fileSourceName(*file))
		if err != nil {
			return err
		}
		doc, err = export.Bake(seq, cf.fps, shapeList(*shapes), ctrl, opts)
		if err != nil {
			return err
		}
		if *outDir == "" {
			*outDir = "."
		}
	} else {
		a, err := newApp(*configDir, stderr, false)
		if err != nil {
			return err
		}
		defer a.close()

		ctx := context.Background()
		if err := a.openService(ctx, stderr); err != nil {
			return err
		}
		if *sourceName != "" {
			if err := a.service.SetController(ctx, "source", *sourceName); err != nil {
				return err
			}
		}
		if a.service.ActiveSequence(ctx) == nil {
			return fmt.Errorf("source %q could not be loaded", a.service.ControllerState().SourceName)
		}
		for _, name := range *shapes {
			if _, err := a.service.RegisterShape(name, nil); err != nil {
				return err
			}
		}
		doc, err = a.service.Bake(ctx)
		if err != nil {
			return err
		}
		if *outDir == "" {
			*outDir = config.GetExportConfig().OutputDir
		}
	}

	path, err := export.Write(*outDir, doc, *compress)
	if err != nil {
		return err
	}
	return writeJSON(stdout, map[string]any{"path": path, "frames": doc.FrameCount, "shapes": len(doc.Shapes)})
}

func runImport(args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("import", stderr)
	configDir := fs.String("config", defaultConfigDir(), "directory holding "+config.FileName)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return errors.New("usage: import [flags] NAME FILE")
	}
	name, file := fs.Arg(0), fs.Arg(1)

	seq, err := readSourceFile(file)
	if err != nil {
		return err
	}

	a, err := newApp(*configDir, stderr, false)
	if err != nil {
		return err
	}
	defer a.close()

	ctx := context.Background()
	if err := a.openService(ctx, stderr); err != nil {
		return err
	}
	if err := a.service.PutSource(ctx, name, seq); err != nil {
		return err
	}
	return writeJSON(stdout, map[string]any{
		"name":     name,
		"location": storage.Location(a.backend, name),
		"frames":   seq.Len(),
		"maxBoxes": seq.MaxBoxes(),
	})
}

func runSources(args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("sources", stderr)
	configDir := fs.String("config", defaultConfigDir(), "directory holding "+config.FileName)
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := newApp(*configDir, stderr, false)
	if err != nil {
		return err
	}
	defer a.close()

	ctx := context.Background()
	if err := a.openService(ctx, stderr); err != nil {
		return err
	}
	names, err := a.service.ListSources(ctx)
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintln(stdout, name)
	}
	return nil
}

func runRig(args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("rig", stderr)
	presetPath := fs.String("preset", "", "YAML preset (default: one gated BBox_0 layer)")
	outPath := fs.String("out", "", "write the script here instead of stdout")
	printPreset := fs.Bool("print-preset", false, "print the resolved preset as YAML and exit")
	if err := fs.Parse(args); err != nil {
		return err
	}

	p := rig.DefaultPreset()
	if *presetPath != "" {
		var err error
		if p, err = rig.LoadPreset(*presetPath); err != nil {
			return err
		}
	}

	if *printPreset {
		data, err := p.Marshal()
		if err != nil {
			return err
		}
		_, err = stdout.Write(data)
		return err
	}

	if *outPath == "" {
		return rig.Script(stdout, p)
	}
	f, err := os.Create(*outPath)
	if err != nil {
		return err
	}
	if err := rig.Script(f, p); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func runPush(args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("push", stderr)
	url := fs.String("url", "http://localhost:8080", "viewer base URL")
	key := fs.String("key", "", "viewer API key")
	activate := fs.Bool("activate", false, "make the pushed source the controller source")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return errors.New("usage: push [flags] NAME FILE")
	}

	ctx := context.Background()
	c := api.New(*url, *key)
	if err := c.Healthcheck(ctx); err != nil {
		return err
	}
	info, err := c.UploadSource(ctx, fs.Arg(0), fs.Arg(1))
	if err != nil {
		return err
	}
	if *activate {
		if _, err := c.Command(ctx, handlers.CmdControllerSet, "source", info.Name); err != nil {
			return err
		}
	}
	return writeJSON(stdout, info)
}

func runWatch(args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("watch", stderr)
	url := fs.String("url", "http://localhost:8080", "viewer base URL")
	key := fs.String("key", "", "viewer API key")
	play := fs.Bool("play", false, "start playback before watching")
	loop := fs.Bool("loop", false, "loop playback")
	count := fs.Int("count", 0, "stop after this many frames; 0 watches until interrupted")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := api.Dial(api.New(*url, *key).StreamURL(), *key, nil)
	if err != nil {
		return err
	}
	defer s.Close()

	if *play {
		if err := s.Play(ctx, streaming.PlayRequest{Loop: *loop}); err != nil {
			return err
		}
	}

	enc := json.NewEncoder(stdout)
	for seen := 0; *count == 0 || seen < *count; seen++ {
		select {
		case u := <-s.Frames():
			if err := enc.Encode(u); err != nil {
				return err
			}
		case <-s.Done():
			return api.ErrStreamClosed
		case <-ctx.Done():
			return nil
		}
	}
	return nil
}
