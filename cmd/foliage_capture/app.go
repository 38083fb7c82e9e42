package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/rs/zerolog"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"github.com/terrascape/foliage/internal/config"
	"github.com/terrascape/foliage/internal/corrector"
	"github.com/terrascape/foliage/internal/dispatcher"
	"github.com/terrascape/foliage/internal/foliage"
	"github.com/terrascape/foliage/internal/geo"
	"github.com/terrascape/foliage/internal/influx"
	"github.com/terrascape/foliage/internal/journal"
	"github.com/terrascape/foliage/internal/logging"
	"github.com/terrascape/foliage/internal/monitor"
	"github.com/terrascape/foliage/internal/orchestrator"
	intOtel "github.com/terrascape/foliage/internal/otel"
	"github.com/terrascape/foliage/internal/pool"
	"github.com/terrascape/foliage/internal/readback"
	"github.com/terrascape/foliage/internal/sampler"
	"github.com/terrascape/foliage/internal/scene"
)

// drainFrames bounds the frames ticked after --frames while a build finishes.
const drainFrames = 10000

// reportQueueSize bounds the reports waiting for a slow sink.
const reportQueueSize = 16

// app holds the wired pipeline for one run.
type app struct {
	settings config.Settings
	opts     options

	logs    *logging.SlogManager
	logger  *slog.Logger
	logFile *os.File
	otel    *intOtel.Provider
	gelf    *logging.GelfSink

	influx  *influx.Manager
	journal *journal.Journal
	reports *dispatcher.Dispatcher

	readback *readback.Service
	pools    *pool.Manager
	factory  *scene.Factory
	orch     *orchestrator.Orchestrator
	monitor  *monitor.Service

	// static is set when the capture comes from image files.
	static *orchestrator.Capture
}

func newApp(settings config.Settings, o options, start time.Time) (a *app, err error) {
	a = &app{settings: settings, opts: o}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	var current atomic.Pointer[orchestrator.Orchestrator]
	a.setupLogging(start, func() []slog.Attr {
		if o := current.Load(); o != nil {
			return o.LogAttrs()
		}
		return nil
	})
	zlog := a.zerolog()

	categories, err := settings.FoliageCategories()
	if err != nil {
		return a, err
	}

	a.reports, err = dispatcher.New(a.logger)
	if err != nil {
		return a, err
	}
	a.reports.RegisterReporter("logs", flushReporter{a.logs})
	if settings.Journal.Enabled {
		a.journal, err = journal.Open(journalConfig(settings), zlog.With().Str("component", "journal").Logger())
		if err != nil {
			a.logger.Error("Failed to open build journal", "error", err)
		} else {
			a.reports.RegisterReporter("journal", a.journal, dispatcher.Buffered(reportQueueSize), dispatcher.Blocking(), dispatcher.Logged())
		}
	}
	if settings.Influx.Enabled {
		if err := os.MkdirAll(settings.Influx.BackupDir, 0755); err != nil {
			a.logger.Error("Failed to create InfluxDB backup directory", "error", err)
		}
		a.influx = influx.NewManager(zlog.With().Str("component", "influx").Logger(), influx.Config{
			URL:        fmt.Sprintf("%s://%s:%s", settings.Influx.Protocol, settings.Influx.Host, settings.Influx.Port),
			Token:      settings.Influx.Token,
			Org:        settings.Influx.Org,
			Bucket:     settings.Influx.Bucket,
			BackupPath: logging.LogFilePath(settings.Influx.BackupDir, ExtensionName+"_influx", start) + ".gz",
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = a.influx.Connect(ctx)
		cancel()
		if err != nil {
			a.logger.Error("Failed to connect to InfluxDB", "error", err)
		} else {
			a.reports.RegisterReporter("influx", a.influx, dispatcher.Buffered(reportQueueSize), dispatcher.Logged())
		}
	}

	a.readback, err = readback.New(
		logging.NewZerologAdapter(zlog.With().Str("component", "readback").Logger()),
		readback.Workers(settings.Readback.Workers),
		readback.QueueSize(settings.Readback.QueueSize),
		readback.Timeout(settings.Readback.Timeout),
	)
	if err != nil {
		return a, err
	}

	a.factory = scene.NewFactory()
	a.pools, err = pool.New(a.factory, a.logger, pool.DefaultPoolSize(settings.Pools.DefaultSize))
	if err != nil {
		return a, err
	}

	smp, err := newSampler(settings)
	if err != nil {
		return a, err
	}

	deps := orchestrator.Deps{
		Reader:    a.readback,
		Sampler:   smp,
		Pools:     a.pools,
		Logger:    a.logger,
		Reporters: []orchestrator.Reporter{a.reports},
	}
	if o.classification != "" || o.normalDepth != "" {
		a.static, err = loadCapture(settings, o)
		if err != nil {
			return a, err
		}
	} else {
		deps.Captures = &scene.FollowCapture{
			Renderer:          newRenderer(settings, categories),
			Viewer:            scene.Line(mgl64.Vec3{}, mgl64.Vec3{o.viewerSpeed, 0, 0}),
			Width:             settings.Capture.Width,
			Elevation:         settings.Capture.Elevation * unitsPerMeter(settings),
			RecaptureDistance: settings.Capture.RecaptureDistance,
		}
	}

	a.orch, err = orchestrator.New(deps, orchestrator.Settings{
		Categories:                    categories,
		MaxComponentsToUpdatePerFrame: settings.Capture.MaxComponentsToUpdatePerFrame,
		UpdateFoliageAfterNumFrames:   settings.Capture.UpdateFoliageAfterNumFrames,
		BuildTimeout:                  settings.Capture.BuildTimeout,
	})
	if err != nil {
		return a, err
	}
	current.Store(a.orch)

	if err := a.orch.ResetAndCreatePools(categories); err != nil {
		return a, fmt.Errorf("creating pools: %w", err)
	}
	a.logger.Info("Pools created", "pools", a.pools.Len(), "components", a.factory.Live())

	a.monitor = monitor.NewService(monitor.Dependencies{
		Orchestrator: a.orch,
		Pools:        a.pools,
		LogManager:   a.logs,
		StatusFile:   settings.Monitor.StatusFile,
		Interval:     settings.Monitor.Interval,
	})
	return a, nil
}

func (a *app) setupLogging(start time.Time, provider logging.ContextProvider) {
	a.logs = logging.NewSlogManager().WithContext(provider)

	var file io.Writer
	if a.settings.LogsDir != "" {
		f, err := logging.OpenLogFile(a.settings.LogsDir, ExtensionName, start)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to create log file: %v\n", err)
		} else {
			a.logFile = f
			file = f
		}
	}

	otelCfg := a.settings.OTel
	if otelCfg.Enabled {
		p, err := intOtel.New(intOtel.Config{
			Enabled:      true,
			ServiceName:  otelCfg.ServiceName,
			BatchTimeout: otelCfg.BatchTimeout,
			LogWriter:    file,
			Endpoint:     otelCfg.Endpoint,
			Insecure:     otelCfg.Insecure,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to initialize OTel provider: %v\n", err)
		} else {
			a.otel = p
		}
	}

	var extra []slog.Handler
	if a.settings.Graylog.Enabled {
		sink, err := logging.NewGelfSink(a.settings.Graylog.Address)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to connect to Graylog: %v\n", err)
		} else {
			a.gelf = sink
			extra = append(extra, sink.Handler(a.settings.LogLevel))
		}
	}

	var lp *sdklog.LoggerProvider
	if a.otel != nil {
		lp = a.otel.LoggerProvider()
	}
	a.logs.Setup(file, a.settings.LogLevel, lp, extra...)
	a.logger = a.logs.Logger()
}

// zerolog returns the logger used by the journal, influx and readback components.
func (a *app) zerolog() zerolog.Logger {
	var w io.Writer = os.Stderr
	if a.logFile != nil {
		w = a.logFile
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(a.settings.LogLevel))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

// Run ticks the orchestrator for the configured number of frames and then
// until the build in flight finishes.
func (a *app) Run(ctx context.Context) error {
	if err := a.monitor.Start(); err != nil {
		a.logger.Error("Failed to start status monitor", "error", err)
	}
	defer a.monitor.Stop()

	if a.static != nil {
		if !a.orch.BuildFoliageTransforms(a.static.Classification, a.static.NormalDepth, a.static.Bounds) {
			return fmt.Errorf("capture rejected")
		}
	}

	interval := a.opts.frameInterval
	tick := func() bool {
		a.orch.Tick(interval)
		if interval <= 0 {
			return ctx.Err() == nil
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(interval):
			return true
		}
	}

	for frame := 0; frame < a.opts.frames; frame++ {
		if !tick() {
			return nil
		}
	}

	if interval <= 0 {
		interval = time.Millisecond
	}
	for i := 0; a.orch.IsBuilding() && i < drainFrames; i++ {
		if !tick() {
			return nil
		}
	}

	if r, ok := a.orch.LastReport(); ok {
		a.logger.Info("Last build", "buildId", r.BuildID, "status", r.Status, "transforms", r.Transforms, "instances", r.Instances)
	}
	return nil
}

// Close releases everything newApp set up. It tolerates a partially built app.
func (a *app) Close() {
	if a.pools != nil {
		a.pools.Close()
	}
	if a.readback != nil {
		a.readback.Close()
	}
	if a.reports != nil {
		a.reports.Close()
	}
	if a.influx != nil {
		if err := a.influx.Close(); err != nil {
			a.logger.Error("Error closing InfluxDB", "error", err)
		}
	}
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			a.logger.Error("Error closing journal", "error", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if a.otel != nil {
		if err := a.otel.Shutdown(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "OTel shutdown: %v\n", err)
		}
	}
	if a.gelf != nil {
		_ = a.gelf.Close()
	}
	if a.logFile != nil {
		_ = a.logFile.Close()
	}
}

// flushReporter pushes buffered OTel log records out after every build.
type flushReporter struct {
	logs *logging.SlogManager
}

func (f flushReporter) Report(ctx context.Context, _ orchestrator.Report) error {
	return f.logs.Flush(ctx)
}

func unitsPerMeter(s config.Settings) float64 {
	if s.Capture.UnitsPerMeter <= 0 {
		return 1
	}
	return s.Capture.UnitsPerMeter
}

func decoder(s config.Settings) geo.HeightDecoder {
	return geo.HeightDecoder{
		CaptureElevation: s.Capture.Elevation,
		DepthScale:       s.Capture.DepthScale,
		UnitsPerMeter:    unitsPerMeter(s),
	}
}

// captureBounds is the capture box centred on the world origin.
func captureBounds(s config.Settings) geo.Box {
	top := s.Capture.Elevation * unitsPerMeter(s)
	return geo.NewBoxAround(mgl64.Vec3{0, 0, top}, s.Capture.Width, top)
}

// terrain is the simulated landscape shared by the renderer and the world query.
func terrain(s config.Settings) scene.Terrain {
	return scene.Hills{Base: 50, Amplitude: 20, Wavelength: s.Capture.Width / 2}
}

func newRenderer(s config.Settings, categories []foliage.Category) scene.Renderer {
	colors := make([]foliage.LinearColor, 0, len(categories))
	for _, c := range categories {
		colors = append(colors, c.Color)
	}
	return scene.Renderer{
		Terrain: terrain(s),
		Classifier: scene.Patches{
			Colors:    colors,
			PatchSize: s.Capture.Width / 16,
			Bare:      0.3,
			MaxSlope:  35,
			Seed:      s.Sampling.Seed,
		},
		Decoder: decoder(s),
		Mapper:  geo.Mapper{UnitsPerMeter: unitsPerMeter(s)},
		Width:   s.Capture.Resolution,
		Height:  s.Capture.Resolution,
	}
}

func newSampler(s config.Settings) (*sampler.Sampler, error) {
	upm := unitsPerMeter(s)

	corr := corrector.New(scene.TerrainQuery{Terrain: terrain(s), UnitsPerMeter: upm})
	if s.Sampling.TraceDistance > 0 {
		corr.TraceDistance = s.Sampling.TraceDistance
	}

	cfg := sampler.Config{
		GridSize: sampler.GridSize{
			X: s.Sampling.GridSize.X,
			Y: s.Sampling.GridSize.Y,
			Z: s.Sampling.GridSize.Z,
		},
		Seed:           s.Sampling.Seed,
		ReferenceArea:  s.Sampling.ReferenceArea,
		ColorTolerance: s.Sampling.ColorTolerance,
		Mapper:         geo.Mapper{UnitsPerMeter: upm},
		Decoder:        decoder(s),
		Corrector:      corr,
	}

	if s.Georeference.Enabled {
		lon, lat, elev, err := geo.ParseOrigin(s.Georeference.Origin)
		if err != nil {
			return nil, fmt.Errorf("georeference origin %q: %w", s.Georeference.Origin, err)
		}
		ref, err := geo.NewMercatorReference(lon, lat, elev, upm)
		if err != nil {
			return nil, fmt.Errorf("georeference: %w", err)
		}
		cfg.Georeference = ref
	}
	return sampler.New(cfg), nil
}

func loadCapture(s config.Settings, o options) (*orchestrator.Capture, error) {
	if o.classification == "" || o.normalDepth == "" {
		return nil, fmt.Errorf("--classification and --normal-depth must be given together")
	}
	class, err := scene.LoadImageBuffer(o.classification)
	if err != nil {
		return nil, err
	}
	nd, err := scene.LoadImageBuffer(o.normalDepth)
	if err != nil {
		return nil, err
	}
	return &orchestrator.Capture{
		Classification: class,
		NormalDepth:    nd,
		Bounds:         captureBounds(s),
	}, nil
}

func journalConfig(s config.Settings) journal.Config {
	return journal.Config{
		Driver:   s.Journal.Driver,
		Path:     s.Journal.Path,
		Host:     s.Journal.Host,
		Port:     s.Journal.Port,
		Username: s.Journal.Username,
		Password: s.Journal.Password,
		Database: s.Journal.Database,
	}
}
