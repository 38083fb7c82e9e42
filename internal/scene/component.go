package scene

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/terrascape/foliage/internal/foliage"
	"github.com/terrascape/foliage/internal/pool"
)

// ErrCreateFailed is returned by a Factory told to fail.
var ErrCreateFailed = errors.New("component creation failed")

// Component is a simulated instanced-mesh component. It satisfies pool.Component.
type Component struct {
	id string
	gt foliage.GeometryType

	// CullStart and CullEnd are the fade distances applied from the geometry type.
	CullStart float64
	CullEnd   float64

	mu         sync.Mutex
	transforms []foliage.Transform
	updates    int
	destroyed  atomic.Bool
}

func (c *Component) ID() string                         { return c.id }
func (c *Component) Valid() bool                        { return !c.destroyed.Load() }
func (c *Component) GeometryType() foliage.GeometryType { return c.gt }

// SetInstances replaces the held instances.
func (c *Component) SetInstances(transforms []foliage.Transform) error {
	if !c.Valid() {
		return fmt.Errorf("%w: %s", pool.ErrComponentInvalid, c.id)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transforms = append(c.transforms[:0], transforms...)
	c.updates++
	return nil
}

func (c *Component) InstanceCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.transforms)
}

// Instances returns a copy of the held instances.
func (c *Component) Instances() []foliage.Transform {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]foliage.Transform(nil), c.transforms...)
}

// Updates is the number of SetInstances calls that succeeded.
func (c *Component) Updates() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.updates
}

func (c *Component) Destroy() {
	c.destroyed.Store(true)
	c.mu.Lock()
	c.transforms = nil
	c.mu.Unlock()
}

// Factory creates simulated components. It satisfies pool.Factory.
type Factory struct {
	mu         sync.Mutex
	components []*Component
	// FailAfter makes creation fail once this many components exist. Zero never fails.
	FailAfter int
}

// NewFactory returns an empty factory.
func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) CreateComponent(gt foliage.GeometryType) (pool.Component, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailAfter > 0 && len(f.components) >= f.FailAfter {
		return nil, fmt.Errorf("%w: %s", ErrCreateFailed, gt.Mesh)
	}
	c := &Component{
		id:        uuid.NewString(),
		gt:        gt,
		CullStart: gt.CullingDistances.Min,
		CullEnd:   gt.CullingDistances.Max,
	}
	f.components = append(f.components, c)
	return c, nil
}

// Components returns every component ever created, in creation order.
func (f *Factory) Components() []*Component {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Component(nil), f.components...)
}

// Live counts components that have not been destroyed.
func (f *Factory) Live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.components {
		if c.Valid() {
			n++
		}
	}
	return n
}

// Instances returns every instance held by live components.
func (f *Factory) Instances() []foliage.Transform {
	var out []foliage.Transform
	for _, c := range f.Components() {
		if c.Valid() {
			out = append(out, c.Instances()...)
		}
	}
	return out
}
