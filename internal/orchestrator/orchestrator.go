package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/terrascape/foliage/internal/foliage"
	"github.com/terrascape/foliage/internal/geo"
	"github.com/terrascape/foliage/internal/pool"
	"github.com/terrascape/foliage/internal/queue"
	"github.com/terrascape/foliage/internal/readback"
	"github.com/terrascape/foliage/internal/sampler"
)

var (
	// ErrReadbackFailure is reported when the buffers could not be read back.
	ErrReadbackFailure = errors.New("buffer readback failed")
	// ErrBusy is returned when an operation needs the orchestrator idle.
	ErrBusy = errors.New("foliage build in progress")
	// ErrBuildTimeout is reported when a build does not reach distribution in time.
	ErrBuildTimeout = errors.New("foliage build timed out")
)

// State is the phase of the current build.
type State int32

const (
	Idle State = iota
	ReadingBuffers
	Sampling
	Distributing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case ReadingBuffers:
		return "reading_buffers"
	case Sampling:
		return "sampling"
	case Distributing:
		return "distributing"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Logger interface for pluggable logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Reader copies buffers asynchronously.
type Reader interface {
	ReadAsync(buffers []readback.Buffer, rect image.Rectangle, cb readback.Callback)
}

// Sampler turns surfaces into candidate transforms.
type Sampler interface {
	Sample(ctx context.Context, in sampler.Input) (*sampler.Result, error)
}

// Pools owns the instance pools.
type Pools interface {
	Reset(categories []foliage.Category) error
	Distribute(batch *foliage.Batch) *pool.Distribution
	InstanceCount() int
}

// Capture is a pair of freshly rendered buffers and the world bounds they cover.
type Capture struct {
	Classification readback.Buffer
	NormalDepth    readback.Buffer
	Bounds         geo.Box
}

// CaptureSource renders a new capture when the viewer has moved far enough.
type CaptureSource interface {
	Capture(tick uint64) (Capture, bool)
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Reader  Reader
	Sampler Sampler
	Pools   Pools
	Logger  Logger

	// Optional
	Captures  CaptureSource
	Reporters []Reporter
}

// Settings tune the orchestrator.
type Settings struct {
	Categories                    []foliage.Category
	MaxComponentsToUpdatePerFrame int
	// UpdateFoliageAfterNumFrames is how often the capture source is polled. Zero disables it.
	UpdateFoliageAfterNumFrames int
	// BuildTimeout fails builds that have not started distributing in time. Zero disables it.
	BuildTimeout time.Duration
}

type build struct {
	id         string
	bounds     geo.Box
	categories []foliage.Category
	ctx        context.Context
	cancel     context.CancelFunc

	started     time.Time
	read        time.Time
	sampled     time.Time
	frames      int
	result      *sampler.Result
	distributor *pool.Distribution
}

// outcome is a sampling result crossing from a readback worker to the frame thread.
type outcome struct {
	build  *build
	result *sampler.Result
	err    error
	at     time.Time
}

// Orchestrator sequences readback, sampling and distribution for one build
// at a time. Tick must be called from a single goroutine.
type Orchestrator struct {
	deps     Deps
	settings Settings

	mu         sync.Mutex
	current    *build
	categories []foliage.Category
	last       *Report

	busy    atomic.Bool
	state   atomic.Int32
	buildID atomic.Pointer[string]
	ticks   atomic.Uint64

	results *queue.Queue[outcome]

	builds   metric.Int64Counter
	duration metric.Float64Histogram
	rejected metric.Int64Counter
}

// New creates an Orchestrator. Uses the global OTel meter for metrics
// (no-op if not configured).
func New(deps Deps, settings Settings) (*Orchestrator, error) {
	if deps.Reader == nil || deps.Sampler == nil || deps.Pools == nil {
		return nil, errors.New("orchestrator: reader, sampler and pools are required")
	}
	if settings.MaxComponentsToUpdatePerFrame <= 0 {
		settings.MaxComponentsToUpdatePerFrame = 1
	}

	o := &Orchestrator{
		deps:       deps,
		settings:   settings,
		categories: settings.Categories,
		results:    queue.New[outcome](),
	}

	m := meter()
	var err error

	o.builds, err = m.Int64Counter(
		"orchestrator.builds",
		metric.WithDescription("Total finished foliage builds"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating builds counter: %w", err)
	}

	o.duration, err = m.Float64Histogram(
		"orchestrator.build.duration",
		metric.WithDescription("Time from build request to completion"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating build duration histogram: %w", err)
	}

	o.rejected, err = m.Int64Counter(
		"orchestrator.rejected",
		metric.WithDescription("Total build requests rejected"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating rejected counter: %w", err)
	}

	return o, nil
}

// BuildFoliageTransforms starts a build from the two buffers. It returns
// false, without side effects, when a build is already running or the
// request is unusable.
func (o *Orchestrator) BuildFoliageTransforms(class, normalDepth readback.Buffer, bounds geo.Box) bool {
	o.mu.Lock()
	if o.busy.Load() {
		o.mu.Unlock()
		o.reject("busy")
		return false
	}
	if class == nil || normalDepth == nil {
		o.mu.Unlock()
		o.reject("nil_buffer")
		return false
	}
	if bounds.Empty2D() {
		o.mu.Unlock()
		o.reject("empty_bounds")
		return false
	}

	b := &build{
		id:         uuid.NewString(),
		bounds:     bounds,
		categories: o.categories,
		started:    time.Now(),
	}
	b.ctx, b.cancel = context.WithCancel(context.Background())
	o.current = b
	o.busy.Store(true)
	o.setState(ReadingBuffers, b.id)
	o.mu.Unlock()

	o.log().Info("foliage build started", "build", b.id, "bounds_min", bounds.Min, "bounds_max", bounds.Max)
	o.deps.Reader.ReadAsync([]readback.Buffer{class, normalDepth}, image.Rectangle{}, func(surfaces []readback.Surface, ok bool) {
		o.onReadback(b, surfaces, ok)
	})
	return true
}

func (o *Orchestrator) reject(reason string) {
	o.rejected.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", reason)))
	o.log().Info("foliage build rejected", "reason", reason)
}

// onReadback runs on a readback worker.
func (o *Orchestrator) onReadback(b *build, surfaces []readback.Surface, ok bool) {
	o.mu.Lock()
	if o.current != b {
		o.mu.Unlock()
		o.log().Debug("discarding stale readback", "build", b.id)
		return
	}
	if !ok || len(surfaces) != 2 {
		report := o.finishLocked(b, StatusFailed, ErrReadbackFailure)
		o.mu.Unlock()
		o.emit(report)
		return
	}
	b.read = time.Now()
	o.setState(Sampling, b.id)
	o.mu.Unlock()

	res, err := o.deps.Sampler.Sample(b.ctx, sampler.Input{
		Classification: surfaces[0],
		NormalDepth:    surfaces[1],
		Bounds:         b.bounds,
		Categories:     b.categories,
	})
	o.results.Push(outcome{build: b, result: res, err: err, at: time.Now()})
}

// Tick advances the orchestrator by one frame: it picks up finished
// sampling, performs a bounded slice of component updates and polls the
// capture source.
func (o *Orchestrator) Tick(delta time.Duration) {
	tick := o.ticks.Add(1)

	var reports []Report
	o.mu.Lock()

	for _, r := range o.results.Drain() {
		if r.build != o.current {
			o.log().Debug("discarding stale sampling result", "build", r.build.id)
			continue
		}
		b := r.build
		b.sampled = r.at
		if r.err != nil {
			reports = append(reports, o.finishLocked(b, StatusFailed, fmt.Errorf("sampling: %w", r.err)))
			continue
		}
		b.result = r.result
		b.distributor = o.deps.Pools.Distribute(r.result.Batch)
		o.setState(Distributing, b.id)
	}

	if b := o.current; b != nil && o.settings.BuildTimeout > 0 && State(o.state.Load()) != Distributing &&
		time.Since(b.started) > o.settings.BuildTimeout {
		reports = append(reports, o.finishLocked(b, StatusTimeout, ErrBuildTimeout))
	}

	if b := o.current; b != nil && b.distributor != nil {
		b.frames++
		if b.distributor.Step(o.settings.MaxComponentsToUpdatePerFrame) {
			reports = append(reports, o.finishLocked(b, StatusSucceeded, nil))
		}
	}

	var capture Capture
	poll := o.deps.Captures != nil && o.settings.UpdateFoliageAfterNumFrames > 0 &&
		tick%uint64(o.settings.UpdateFoliageAfterNumFrames) == 0 && !o.busy.Load()
	o.mu.Unlock()

	for _, r := range reports {
		o.emit(r)
	}

	if poll {
		var ok bool
		if capture, ok = o.deps.Captures.Capture(tick); ok {
			o.BuildFoliageTransforms(capture.Classification, capture.NormalDepth, capture.Bounds)
		}
	}
}

// finishLocked ends b and returns its report. o.mu must be held.
func (o *Orchestrator) finishLocked(b *build, status string, err error) Report {
	b.cancel()
	now := time.Now()

	r := Report{
		BuildID:  b.id,
		Status:   status,
		Started:  b.started,
		Finished: now,
		Frames:   b.frames,
	}
	if err != nil {
		r.Error = err.Error()
	}
	if !b.read.IsZero() {
		r.ReadbackDuration = b.read.Sub(b.started)
	}
	if !b.sampled.IsZero() && !b.read.IsZero() {
		r.SamplingDuration = b.sampled.Sub(b.read)
		r.DistributionDuration = now.Sub(b.sampled)
	}
	if b.result != nil {
		r.Stats = b.result.Stats
		r.Transforms = b.result.Batch.Len()
		r.CountsByMesh = b.result.Batch.CountsByMesh()
	}
	if b.distributor != nil {
		r.Updated = b.distributor.Updated()
		r.Skipped = b.distributor.Skipped()
	}
	r.Instances = o.deps.Pools.InstanceCount()

	o.current = nil
	o.last = &r
	o.setState(Idle, "")
	o.busy.Store(false)
	return r
}

func (o *Orchestrator) emit(r Report) {
	ctx := context.Background()
	o.builds.Add(ctx, 1, metric.WithAttributes(attribute.String("status", r.Status)))
	o.duration.Record(ctx, float64(r.Duration().Microseconds())/1000)

	if r.Status == StatusSucceeded {
		o.log().Info("foliage build finished", "build", r.BuildID, "transforms", r.Transforms,
			"updated", r.Updated, "skipped", r.Skipped, "frames", r.Frames, "duration", r.Duration())
	} else {
		o.log().Error("foliage build failed", "build", r.BuildID, "status", r.Status, "error", r.Error)
	}

	for _, rep := range o.deps.Reporters {
		if err := rep.Report(ctx, r); err != nil {
			o.log().Error("reporting build", "build", r.BuildID, "error", err)
		}
	}
}

// ResetAndCreatePools replaces the category configuration and rebuilds the
// pools for it. It fails with ErrBusy while a build is running.
func (o *Orchestrator) ResetAndCreatePools(categories []foliage.Category) error {
	for _, c := range categories {
		if err := c.Validate(); err != nil {
			return err
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.busy.Load() {
		return ErrBusy
	}
	o.categories = categories
	if err := o.deps.Pools.Reset(categories); err != nil {
		return fmt.Errorf("resetting pools: %w", err)
	}
	return nil
}

// IsBuilding reports whether a build is in flight.
func (o *Orchestrator) IsBuilding() bool {
	return o.busy.Load()
}

// State returns the phase of the current build.
func (o *Orchestrator) State() State {
	return State(o.state.Load())
}

// Ticks returns the number of frames seen.
func (o *Orchestrator) Ticks() uint64 {
	return o.ticks.Load()
}

// InstanceCount returns the live instance count, or pool.Unknown.
func (o *Orchestrator) InstanceCount() int {
	return o.deps.Pools.InstanceCount()
}

// LastReport returns the report of the most recent finished build.
func (o *Orchestrator) LastReport() (Report, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.last == nil {
		return Report{}, false
	}
	return *o.last, true
}

// LogAttrs returns the current build ID and state for log records. It never
// blocks, so it can back a logging context provider.
func (o *Orchestrator) LogAttrs() []slog.Attr {
	attrs := []slog.Attr{slog.String("state", o.State().String())}
	if id := o.buildID.Load(); id != nil && *id != "" {
		attrs = append(attrs, slog.String("build_id", *id))
	}
	return attrs
}

func (o *Orchestrator) setState(s State, buildID string) {
	o.state.Store(int32(s))
	o.buildID.Store(&buildID)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

func (o *Orchestrator) log() Logger {
	if o.deps.Logger == nil {
		return nopLogger{}
	}
	return o.deps.Logger
}
