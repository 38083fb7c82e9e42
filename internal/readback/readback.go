package readback

import (
	"context"
	"errors"
	"fmt"
	"image"
	"runtime"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	// ErrClosed is reported for requests issued to, or still queued in, a closed service.
	ErrClosed = errors.New("readback service closed")
	// ErrInvalidBuffer is reported when a buffer handle is nil or no longer valid.
	ErrInvalidBuffer = errors.New("invalid buffer handle")
	// ErrQueueFull is reported when the request queue cannot take another request.
	ErrQueueFull = errors.New("readback queue full")
	// ErrDuplicateRequest is reported when a buffer already has a request in flight.
	ErrDuplicateRequest = errors.New("buffer already has a readback in flight")
	// ErrTimeout is reported when a copy does not finish before the deadline.
	ErrTimeout = errors.New("readback timed out")
	// ErrRect is reported when the requested rectangle is outside the buffer.
	ErrRect = errors.New("rectangle outside buffer")
)

// Callback receives the copied surfaces, one per requested buffer in request
// order. It is invoked exactly once per request; ok is false on any failure.
type Callback func(surfaces []Surface, ok bool)

// Logger interface for pluggable logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Option configures a Service.
type Option func(*config)

type config struct {
	workers   int
	queueSize int
	timeout   time.Duration
}

// Workers sets the number of copy goroutines. Defaults to GOMAXPROCS.
func Workers(n int) Option {
	return func(c *config) {
		c.workers = n
	}
}

// QueueSize sets how many requests may wait for a worker before new ones fail.
func QueueSize(n int) Option {
	return func(c *config) {
		c.queueSize = n
	}
}

// Timeout fails a request whose copy runs longer than d. Zero disables it.
func Timeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

type request struct {
	buffers []Buffer
	rect    image.Rectangle
	ids     []string
	queued  time.Time

	once sync.Once
	cb   Callback
}

func (r *request) finish(surfaces []Surface, ok bool) (first bool) {
	r.once.Do(func() {
		first = true
		if r.cb != nil {
			r.cb(surfaces, ok)
		}
	})
	return first
}

// Service copies buffer pixels on a pool of background workers.
type Service struct {
	cfg    config
	logger Logger

	requests  chan *request
	wg        sync.WaitGroup
	mu        sync.Mutex
	closed    bool
	inFlight  map[string]struct{}
	queueSize metric.Int64ObservableGauge
	issued    metric.Int64Counter
	failed    metric.Int64Counter
	duration  metric.Float64Histogram
}

// New starts a readback service. Uses the global OTel meter for metrics
// (no-op if not configured).
func New(logger Logger, opts ...Option) (*Service, error) {
	cfg := config{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.workers <= 0 {
		cfg.workers = runtime.GOMAXPROCS(0)
	}
	if cfg.queueSize <= 0 {
		cfg.queueSize = cfg.workers * 4
	}

	s := &Service{
		cfg:      cfg,
		logger:   logger,
		requests: make(chan *request, cfg.queueSize),
		inFlight: make(map[string]struct{}),
	}

	m := meter()
	var err error

	s.queueSize, err = m.Int64ObservableGauge(
		"readback.queue.size",
		metric.WithDescription("Current number of queued readback requests"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating queue size gauge: %w", err)
	}
	_, err = m.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			o.ObserveInt64(s.queueSize, int64(len(s.requests)))
			return nil
		},
		s.queueSize,
	)
	if err != nil {
		return nil, fmt.Errorf("registering queue callback: %w", err)
	}

	s.issued, err = m.Int64Counter(
		"readback.requests",
		metric.WithDescription("Total readback requests"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating request counter: %w", err)
	}

	s.failed, err = m.Int64Counter(
		"readback.failures",
		metric.WithDescription("Total failed readback requests"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating failure counter: %w", err)
	}

	s.duration, err = m.Float64Histogram(
		"readback.duration",
		metric.WithDescription("Time from request to completion"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating duration histogram: %w", err)
	}

	s.wg.Add(cfg.workers)
	for range cfg.workers {
		go s.worker()
	}

	return s, nil
}

// ReadAsync copies rect from every buffer and hands the result to cb on a
// worker goroutine. An empty rect reads whole buffers. It never blocks.
func (s *Service) ReadAsync(buffers []Buffer, rect image.Rectangle, cb Callback) {
	r := &request{
		buffers: buffers,
		rect:    rect,
		queued:  time.Now(),
		cb:      cb,
	}
	s.issued.Add(context.Background(), 1)

	if len(buffers) == 0 {
		go s.complete(r, nil, fmt.Errorf("%w: no buffers requested", ErrInvalidBuffer))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		go s.complete(r, nil, ErrClosed)
		return
	}

	ids := make([]string, 0, len(buffers))
	for _, b := range buffers {
		if b == nil || !b.Valid() {
			go s.complete(r, nil, ErrInvalidBuffer)
			return
		}
		if _, busy := s.inFlight[b.ID()]; busy {
			go s.complete(r, nil, fmt.Errorf("%w: %s", ErrDuplicateRequest, b.ID()))
			return
		}
		ids = append(ids, b.ID())
	}

	select {
	case s.requests <- r:
		for _, id := range ids {
			s.inFlight[id] = struct{}{}
		}
		r.ids = ids
	default:
		go s.complete(r, nil, ErrQueueFull)
	}
}

// Close stops accepting requests, fails anything still queued and waits for
// the workers to exit.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.requests)
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *Service) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Service) worker() {
	defer s.wg.Done()
	for r := range s.requests {
		if s.isClosed() {
			s.release(r)
			s.complete(r, nil, ErrClosed)
			continue
		}
		s.process(r)
	}
}

func (s *Service) process(r *request) {
	if s.cfg.timeout <= 0 {
		surfaces, err := copySurfaces(r.buffers, r.rect)
		s.release(r)
		s.complete(r, surfaces, err)
		return
	}

	type result struct {
		surfaces []Surface
		err      error
	}
	ch := make(chan result, 1)
	// the buffers stay in flight until the copy returns, even after a timeout
	go func() {
		surfaces, err := copySurfaces(r.buffers, r.rect)
		s.release(r)
		ch <- result{surfaces, err}
	}()

	timer := time.NewTimer(s.cfg.timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		s.complete(r, res.surfaces, res.err)
	case <-timer.C:
		s.complete(r, nil, ErrTimeout)
	}
}

func (s *Service) release(r *request) {
	if len(r.ids) == 0 {
		return
	}
	s.mu.Lock()
	for _, id := range r.ids {
		delete(s.inFlight, id)
	}
	s.mu.Unlock()
}

func (s *Service) complete(r *request, surfaces []Surface, err error) {
	elapsed := time.Since(r.queued)
	s.duration.Record(context.Background(), float64(elapsed.Microseconds())/1000)

	if err != nil {
		s.failed.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", reason(err))))
		if s.logger != nil {
			s.logger.Error("readback failed", "buffers", len(r.buffers), "duration", elapsed, "error", err)
		}
		r.finish(nil, false)
		return
	}

	if s.logger != nil {
		s.logger.Debug("readback complete", "buffers", len(r.buffers), "duration", elapsed)
	}
	r.finish(surfaces, true)
}

func copySurfaces(buffers []Buffer, rect image.Rectangle) ([]Surface, error) {
	surfaces := make([]Surface, 0, len(buffers))
	for _, b := range buffers {
		s, err := copySurface(b, rect)
		if err != nil {
			return nil, err
		}
		surfaces = append(surfaces, s)
	}
	return surfaces, nil
}

func copySurface(b Buffer, rect image.Rectangle) (s Surface, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %s panicked: %v", ErrInvalidBuffer, b.ID(), p)
		}
	}()

	if !b.Valid() {
		return Surface{}, fmt.Errorf("%w: %s", ErrInvalidBuffer, b.ID())
	}

	w, h := b.Size()
	full := image.Rect(0, 0, w, h)
	if rect.Empty() {
		rect = full
	}
	if !rect.In(full) {
		return Surface{}, fmt.Errorf("%w: %v not in %v", ErrRect, rect, full)
	}

	pixels, err := b.ReadPixels(rect)
	if err != nil {
		return Surface{}, fmt.Errorf("reading %s: %w", b.ID(), err)
	}
	if len(pixels) != rect.Dx()*rect.Dy() {
		return Surface{}, fmt.Errorf("%w: %s returned %d pixels, want %d", ErrInvalidBuffer, b.ID(), len(pixels), rect.Dx()*rect.Dy())
	}

	// the handle may have been released while we were copying
	if !b.Valid() {
		return Surface{}, fmt.Errorf("%w: %s released during copy", ErrInvalidBuffer, b.ID())
	}

	return Surface{Width: rect.Dx(), Height: rect.Dy(), Pixels: pixels}, nil
}

func reason(err error) string {
	switch {
	case errors.Is(err, ErrClosed):
		return "closed"
	case errors.Is(err, ErrQueueFull):
		return "queue_full"
	case errors.Is(err, ErrDuplicateRequest):
		return "duplicate"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrRect):
		return "rect"
	case errors.Is(err, ErrInvalidBuffer):
		return "invalid_buffer"
	default:
		return "read_error"
	}
}
