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
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/terrascape/foliage/internal/config"
	"github.com/terrascape/foliage/internal/journal"
)

// ExtensionName prefixes log files.
const ExtensionName = "foliage_capture"

type options struct {
	configDir      string
	frames         int
	frameInterval  time.Duration
	classification string
	normalDepth    string
	viewerSpeed    float64
	out            string
}

func newFlagSet(o *options) *pflag.FlagSet {
	fs := pflag.NewFlagSet(ExtensionName, pflag.ContinueOnError)
	fs.StringVar(&o.configDir, "config-dir", ".", "directory containing "+config.FileName)
	fs.IntVar(&o.frames, "frames", 600, "number of frames to tick")
	fs.DurationVar(&o.frameInterval, "frame-interval", 16*time.Millisecond, "wall time between frames")
	fs.StringVar(&o.classification, "classification", "", "classification capture image (TIFF or PNG)")
	fs.StringVar(&o.normalDepth, "normal-depth", "", "normal/depth capture image (TIFF or PNG)")
	fs.Float64Var(&o.viewerSpeed, "viewer-speed", 50, "world units the simulated viewer moves east per frame")
	fs.StringVar(&o.out, "out", ".", "output directory for the render command")

	// bound to config keys
	fs.String("log-level", "info", "log level (debug, info, warn, error)")
	fs.String("logs-dir", "./logs", "directory for log files")
	fs.Uint64("seed", 1, "sampling seed")
	fs.Int("update-every", 120, "frames between capture polls")
	fs.Int("budget", 4, "components updated per frame")
	fs.String("status-file", "", "file rewritten with the pipeline status")
	return fs
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run parses args and executes one command: "run" (default), "render" or "journal".
func run(ctx context.Context, args []string, out io.Writer) error {
	var o options
	fs := newFlagSet(&o)
	if err := fs.Parse(args); err != nil {
		return err
	}

	configErr := config.Load(o.configDir)
	if configErr != nil {
		config.LoadDefaults()
	}
	if err := config.BindFlags(fs); err != nil {
		return err
	}
	settings, err := config.Decode()
	if err != nil {
		return err
	}

	switch cmd := fs.Arg(0); cmd {
	case "", "run":
		return runPipeline(ctx, settings, o, configErr, out)
	case "render":
		return renderCapture(settings, o, out)
	case "journal":
		return printJournal(ctx, settings, out)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func runPipeline(ctx context.Context, settings config.Settings, o options, configErr error, out io.Writer) error {
	a, err := newApp(settings, o, time.Now())
	if err != nil {
		return err
	}
	defer a.Close()

	if configErr != nil {
		a.logger.Warn("Failed to load config, using defaults!", "error", configErr)
	} else {
		a.logger.Info("Loaded config", "dir", o.configDir)
	}

	if err := a.Run(ctx); err != nil {
		return err
	}
	return a.monitor.WriteStatus(out)
}

// renderCapture writes one procedural capture as TIFF files that can be fed
// back with --classification and --normal-depth.
func renderCapture(settings config.Settings, o options, out io.Writer) error {
	categories, err := settings.FoliageCategories()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(o.out, 0755); err != nil {
		return fmt.Errorf("creating %s: %w", o.out, err)
	}

	bounds := captureBounds(settings)
	class, nd := newRenderer(settings, categories).Render(bounds)

	classPath := filepath.Join(o.out, "classification.tif")
	ndPath := filepath.Join(o.out, "normal_depth.tif")
	if err := class.SaveTIFF(classPath); err != nil {
		return err
	}
	if err := nd.SaveTIFF(ndPath); err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]string{
		"classification": classPath,
		"normalDepth":    ndPath,
	})
}

func printJournal(ctx context.Context, settings config.Settings, out io.Writer) error {
	j, err := journal.Open(journalConfig(settings), zerolog.Nop())
	if err != nil {
		return err
	}
	defer j.Close()

	summary, err := j.Summarize(ctx)
	if err != nil {
		return err
	}
	recent, err := j.Recent(ctx, 10)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		Summary journal.Summary       `json:"summary"`
		Recent  []journal.BuildRecord `json:"recent"`
	}{summary, recent})
}
