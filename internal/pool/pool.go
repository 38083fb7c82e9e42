package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/terrascape/foliage/internal/foliage"
)

// Unknown is returned by InstanceCount when no component can report a count.
const Unknown = -1

// ErrComponentInvalid is reported when a pooled component no longer exists.
var ErrComponentInvalid = errors.New("pooled component is no longer valid")

// Component is one pooled instanced-mesh component.
type Component interface {
	ID() string
	Valid() bool
	// SetInstances replaces every instance held by the component.
	SetInstances(transforms []foliage.Transform) error
	InstanceCount() int
	Destroy()
}

// Factory creates components for a geometry type.
type Factory interface {
	CreateComponent(gt foliage.GeometryType) (Component, error)
}

// Logger interface for pluggable logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Option configures a Manager.
type Option func(*Manager)

// DefaultPoolSize sets the number of components created for a pool that was
// not set up by Reset.
func DefaultPoolSize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.defaultSize = n
		}
	}
}

type instancePool struct {
	key        foliage.Key
	gt         foliage.GeometryType
	components []Component
}

// PoolInfo is a snapshot of one pool.
type PoolInfo struct {
	Mesh       string `json:"mesh"`
	Hash       uint64 `json:"hash"`
	Components int    `json:"components"`
	Valid      int    `json:"valid"`
	Instances  int    `json:"instances"`
}

// Manager owns one pool of components per geometry type key. Reset, Distribute
// and Close run on the frame thread; snapshots may be read from anywhere.
type Manager struct {
	factory     Factory
	logger      Logger
	defaultSize int

	mu    sync.RWMutex
	pools map[foliage.Key]*instancePool
	order []foliage.Key

	updated   metric.Int64Counter
	skipped   metric.Int64Counter
	created   metric.Int64Counter
	destroyed metric.Int64Counter
}

// New creates a Manager. Uses the global OTel meter for metrics
// (no-op if not configured).
func New(factory Factory, logger Logger, opts ...Option) (*Manager, error) {
	if factory == nil {
		return nil, errors.New("pool: nil component factory")
	}
	m := &Manager{
		factory:     factory,
		logger:      logger,
		defaultSize: foliage.DefaultPooledComponentsPerType,
		pools:       make(map[foliage.Key]*instancePool),
	}
	for _, opt := range opts {
		opt(m)
	}

	mt := meter()
	var err error

	m.updated, err = mt.Int64Counter(
		"pool.components.updated",
		metric.WithDescription("Total component instance updates"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating updated counter: %w", err)
	}

	m.skipped, err = mt.Int64Counter(
		"pool.components.skipped",
		metric.WithDescription("Total component updates skipped because the component was invalid or failed"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating skipped counter: %w", err)
	}

	m.created, err = mt.Int64Counter(
		"pool.components.created",
		metric.WithDescription("Total pooled components created"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating created counter: %w", err)
	}

	m.destroyed, err = mt.Int64Counter(
		"pool.components.destroyed",
		metric.WithDescription("Total pooled components destroyed"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating destroyed counter: %w", err)
	}

	return m, nil
}

type wantedPool struct {
	gt   foliage.GeometryType
	size int
}

// Reset makes sure every geometry type referenced by categories has a pool of
// at least the configured size, and destroys pools no longer referenced.
// Invalid components are replaced. Calling it twice with the same categories
// changes nothing the second time.
func (m *Manager) Reset(categories []foliage.Category) error {
	wanted := make(map[foliage.Key]*wantedPool)
	var order []foliage.Key
	for _, c := range categories {
		for _, gt := range c.GeometryTypes {
			k := gt.Key()
			w, ok := wanted[k]
			if !ok {
				w = &wantedPool{gt: gt}
				wanted[k] = w
				order = append(order, k)
			}
			w.size = max(w.size, c.PoolSize())
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error

	for _, k := range append([]foliage.Key(nil), m.order...) {
		if _, ok := wanted[k]; !ok {
			m.destroyPoolLocked(k)
		}
	}

	for _, k := range order {
		w := wanted[k]
		p, ok := m.pools[k]
		if !ok {
			if _, err := m.createPoolLocked(w.gt, w.size); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		if err := m.refillLocked(p, w.size); err != nil {
			errs = append(errs, err)
		}
	}

	if m.logger != nil {
		m.logger.Info("pools reset", "pools", len(m.pools), "types", len(order))
	}
	return errors.Join(errs...)
}

// createComponents creates n components, destroying the partial set on failure.
func (m *Manager) createComponents(gt foliage.GeometryType, n int) ([]Component, error) {
	out := make([]Component, 0, n)
	for range n {
		c, err := m.factory.CreateComponent(gt)
		if err == nil && c == nil {
			err = errors.New("factory returned no component")
		}
		if err != nil {
			for _, made := range out {
				made.Destroy()
			}
			return nil, fmt.Errorf("creating component for %s: %w", gt.Mesh, err)
		}
		out = append(out, c)
	}
	m.created.Add(context.Background(), int64(len(out)), metric.WithAttributes(attribute.String("mesh", gt.Mesh)))
	return out, nil
}

func (m *Manager) createPoolLocked(gt foliage.GeometryType, size int) (*instancePool, error) {
	components, err := m.createComponents(gt, size)
	if err != nil {
		return nil, err
	}
	k := gt.Key()
	p := &instancePool{key: k, gt: gt, components: components}
	m.pools[k] = p
	m.order = append(m.order, k)
	if m.logger != nil {
		m.logger.Debug("pool created", "mesh", gt.Mesh, "components", size)
	}
	return p, nil
}

func (m *Manager) refillLocked(p *instancePool, size int) error {
	valid := make([]Component, 0, len(p.components))
	for _, c := range p.components {
		if c.Valid() {
			valid = append(valid, c)
			continue
		}
		c.Destroy()
		m.destroyed.Add(context.Background(), 1, metric.WithAttributes(attribute.String("mesh", p.gt.Mesh)))
	}
	if missing := size - len(valid); missing > 0 {
		extra, err := m.createComponents(p.gt, missing)
		if err != nil {
			p.components = valid
			if len(valid) == 0 {
				// a registered pool never has zero components; lazy creation retries
				m.destroyPoolLocked(p.key)
			}
			return err
		}
		valid = append(valid, extra...)
	}
	p.components = valid
	return nil
}

func (m *Manager) destroyPoolLocked(k foliage.Key) {
	p, ok := m.pools[k]
	if !ok {
		return
	}
	for _, c := range p.components {
		c.Destroy()
	}
	m.destroyed.Add(context.Background(), int64(len(p.components)), metric.WithAttributes(attribute.String("mesh", p.gt.Mesh)))
	delete(m.pools, k)
	for i, o := range m.order {
		if o == k {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	if m.logger != nil {
		m.logger.Debug("pool destroyed", "mesh", p.gt.Mesh)
	}
}

// pool returns the pool for k, creating it with the default size when missing.
func (m *Manager) pool(k foliage.Key, gt foliage.GeometryType) (*instancePool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pools[k]; ok {
		return p, nil
	}
	return m.createPoolLocked(gt, m.defaultSize)
}

// InstanceCount sums the instances of every valid component, or returns
// Unknown when there is none.
func (m *Manager) InstanceCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total, valid := 0, 0
	for _, p := range m.pools {
		for _, c := range p.components {
			if !c.Valid() {
				continue
			}
			valid++
			total += c.InstanceCount()
		}
	}
	if valid == 0 {
		return Unknown
	}
	return total
}

// Pools returns a snapshot of every pool in creation order.
func (m *Manager) Pools() []PoolInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]PoolInfo, 0, len(m.order))
	for _, k := range m.order {
		p := m.pools[k]
		info := PoolInfo{Mesh: p.gt.Mesh, Hash: k.Hash(), Components: len(p.components)}
		for _, c := range p.components {
			if c.Valid() {
				info.Valid++
				info.Instances += c.InstanceCount()
			}
		}
		out = append(out, info)
	}
	return out
}

// Len returns the number of pools.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pools)
}

// Close destroys every pool.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range append([]foliage.Key(nil), m.order...) {
		m.destroyPoolLocked(k)
	}
}
