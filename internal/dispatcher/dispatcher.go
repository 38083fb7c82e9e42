package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/terrascape/foliage/internal/orchestrator"
)

// ErrQueueFull is returned when a buffered sink cannot take another report.
var ErrQueueFull = errors.New("sink queue full")

// ErrClosed is returned for reports dispatched after Close.
var ErrClosed = errors.New("dispatcher closed")

// SinkFunc consumes a finished build report.
type SinkFunc func(ctx context.Context, r orchestrator.Report) error

// Logger interface for pluggable logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Option configures sink registration.
type Option func(*config)

type config struct {
	bufferSize int
	blocking   bool
	logged     bool
}

// Buffered makes the sink async with a queue of the given size.
func Buffered(size int) Option {
	return func(c *config) {
		c.bufferSize = size
	}
}

// Blocking makes a buffered sink block when the queue is full instead of dropping.
func Blocking() Option {
	return func(c *config) {
		c.blocking = true
	}
}

// Logged adds debug logging to the sink.
func Logged() Option {
	return func(c *config) {
		c.logged = true
	}
}

type sink struct {
	name string
	fn   SinkFunc
}

// Dispatcher fans finished build reports out to named sinks. It implements
// orchestrator.Reporter.
type Dispatcher struct {
	logger Logger
	sinks  []sink

	queueSize metric.Int64ObservableGauge
	processed metric.Int64Counter
	dropped   metric.Int64Counter

	mu      sync.RWMutex
	closed  bool
	buffers map[string]chan orchestrator.Report
	wg      sync.WaitGroup
}

// New creates a new Dispatcher with the given logger.
// Uses the global OTel meter for metrics (no-op if not configured).
func New(logger Logger) (*Dispatcher, error) {
	d := &Dispatcher{
		buffers: make(map[string]chan orchestrator.Report),
		logger:  logger,
	}

	m := meter()

	var err error

	d.queueSize, err = m.Int64ObservableGauge(
		"dispatcher.queue.size",
		metric.WithDescription("Current number of reports waiting for a sink"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating queue size gauge: %w", err)
	}

	_, err = m.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			d.mu.RLock()
			defer d.mu.RUnlock()
			for name, buf := range d.buffers {
				o.ObserveInt64(d.queueSize, int64(len(buf)),
					metric.WithAttributes(attribute.String("sink", name)))
			}
			return nil
		},
		d.queueSize,
	)
	if err != nil {
		return nil, fmt.Errorf("registering queue callback: %w", err)
	}

	d.processed, err = m.Int64Counter(
		"dispatcher.reports.processed",
		metric.WithDescription("Total reports delivered to sinks"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating processed counter: %w", err)
	}

	d.dropped, err = m.Int64Counter(
		"dispatcher.reports.dropped",
		metric.WithDescription("Total reports dropped due to full queue"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating dropped counter: %w", err)
	}

	return d, nil
}

// Register adds a sink under name. Sinks receive reports in registration order.
func (d *Dispatcher) Register(name string, fn SinkFunc, opts ...Option) {
	cfg := &config{}
	for _, opt := range opts {
		opt(cfg)
	}

	h := fn

	if cfg.logged && d.logger != nil {
		h = d.withLogging(name, h)
	}

	if cfg.bufferSize > 0 {
		h = d.withBuffer(name, cfg.bufferSize, cfg.blocking, !cfg.logged, h)
	}

	d.sinks = append(d.sinks, sink{name: name, fn: h})
}

// RegisterReporter adds an existing reporter as a sink.
func (d *Dispatcher) RegisterReporter(name string, r orchestrator.Reporter, opts ...Option) {
	d.Register(name, r.Report, opts...)
}

// HasSink returns true if a sink is registered under name.
func (d *Dispatcher) HasSink(name string) bool {
	for _, s := range d.sinks {
		if s.name == name {
			return true
		}
	}
	return false
}

// Report delivers r to every sink. Errors from synchronous sinks and full
// queues are joined; failures of buffered sinks are only logged.
func (d *Dispatcher) Report(ctx context.Context, r orchestrator.Report) error {
	// Close must not close a buffer mid-send
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}

	var errs []error
	for _, s := range d.sinks {
		if err := s.fn(ctx, r); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
		}
	}
	return errors.Join(errs...)
}

// Close stops accepting reports and waits for buffered sinks to drain.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, buf := range d.buffers {
		close(buf)
	}
	d.mu.Unlock()

	d.wg.Wait()
}

func (d *Dispatcher) withBuffer(name string, size int, blocking, logErrors bool, h SinkFunc) SinkFunc {
	buffer := make(chan orchestrator.Report, size)

	d.mu.Lock()
	d.buffers[name] = buffer
	d.mu.Unlock()

	attr := attribute.String("sink", name)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for r := range buffer {
			if err := h(context.Background(), r); err != nil && logErrors && d.logger != nil {
				d.logger.Error("sink failed", "sink", name, "buildId", r.BuildID, "error", err)
			}
			d.processed.Add(context.Background(), 1, metric.WithAttributes(attr))
		}
	}()

	if blocking {
		return func(ctx context.Context, r orchestrator.Report) error {
			select {
			case buffer <- r:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	return func(_ context.Context, r orchestrator.Report) error {
		select {
		case buffer <- r:
			return nil
		default:
			d.dropped.Add(context.Background(), 1, metric.WithAttributes(attr))
			return ErrQueueFull
		}
	}
}

func (d *Dispatcher) withLogging(name string, h SinkFunc) SinkFunc {
	return func(ctx context.Context, r orchestrator.Report) error {
		start := time.Now()
		d.logger.Debug("delivering report", "sink", name, "buildId", r.BuildID)

		err := h(ctx, r)

		if err != nil {
			d.logger.Error("report failed", "sink", name, "buildId", r.BuildID, "duration", time.Since(start), "error", err)
		} else {
			d.logger.Debug("report delivered", "sink", name, "buildId", r.BuildID, "duration", time.Since(start))
		}

		return err
	}
}
