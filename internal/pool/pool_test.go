package pool

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terrascape/foliage/internal/foliage"
)

// mockComponent implements Component for testing
type mockComponent struct {
	mu        sync.Mutex
	id        string
	mesh      string
	valid     bool
	instances []foliage.Transform
	sets      int
	destroyed bool
	setErr    error
}

func (c *mockComponent) ID() string { return c.id }

func (c *mockComponent) Valid() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.valid && !c.destroyed
}

func (c *mockComponent) SetInstances(transforms []foliage.Transform) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.setErr != nil {
		return c.setErr
	}
	c.sets++
	c.instances = append([]foliage.Transform(nil), transforms...)
	return nil
}

func (c *mockComponent) InstanceCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.instances)
}

func (c *mockComponent) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.destroyed = true
}

func (c *mockComponent) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.valid = false
}

// mockFactory implements Factory for testing
type mockFactory struct {
	mu      sync.Mutex
	created []*mockComponent
	failAt  int // fail the n-th creation (1-based), 0 never
}

func (f *mockFactory) CreateComponent(gt foliage.GeometryType) (Component, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAt > 0 && len(f.created)+1 == f.failAt {
		f.failAt = 0
		return nil, errors.New("out of render resources")
	}
	c := &mockComponent{id: fmt.Sprintf("hism-%d", len(f.created)), mesh: gt.Mesh, valid: true}
	f.created = append(f.created, c)
	return c, nil
}

func (f *mockFactory) live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.created {
		if !c.destroyed {
			n++
		}
	}
	return n
}

func mesh(name string) foliage.GeometryType {
	return foliage.GeometryType{Mesh: "/Game/Foliage/" + name, Density: 0.5, Scale: foliage.Interval{Min: 1, Max: 1}}
}

func newTestManager(t *testing.T, f *mockFactory, opts ...Option) *Manager {
	t.Helper()
	m, err := New(f, nil, opts...)
	require.NoError(t, err)
	return m
}

func positions(n int) []foliage.Transform {
	out := make([]foliage.Transform, n)
	for i := range out {
		out[i] = foliage.IdentityTransform()
		out[i].Position = mgl64.Vec3{float64(i), 0, 0}
	}
	return out
}

func batchOf(categories []foliage.Category, counts ...int) *foliage.Batch {
	b := foliage.NewBatch(categories)
	i := 0
	for ci, c := range categories {
		for ti := range c.GeometryTypes {
			for _, tr := range positions(counts[i]) {
				b.Add(ci, ti, tr)
			}
			i++
		}
	}
	return b
}

func componentIDs(m *Manager) map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make(map[string]bool)
	for _, p := range m.pools {
		for _, c := range p.components {
			ids[c.ID()] = true
		}
	}
	return ids
}

func TestNew_NilFactory(t *testing.T) {
	_, err := New(nil, nil)
	assert.Error(t, err)
}

func TestReset_CreatesOnePoolPerKey(t *testing.T) {
	f := &mockFactory{}
	m := newTestManager(t, f)

	categories := []foliage.Category{
		{Name: "Grass", GeometryTypes: []foliage.GeometryType{mesh("Grass_01"), mesh("Fern_01")}, PooledComponentsPerType: 2},
		{Name: "Meadow", GeometryTypes: []foliage.GeometryType{mesh("Grass_01")}, PooledComponentsPerType: 3},
	}
	require.NoError(t, m.Reset(categories))

	assert.Equal(t, 2, m.Len())
	pools := m.Pools()
	require.Len(t, pools, 2)
	assert.Equal(t, "/Game/Foliage/Grass_01", pools[0].Mesh)
	assert.Equal(t, 3, pools[0].Components, "shared type takes the largest pool size")
	assert.Equal(t, 2, pools[1].Components)
	assert.Equal(t, 5, f.live())
}

func TestReset_Idempotent(t *testing.T) {
	f := &mockFactory{}
	m := newTestManager(t, f)
	categories := []foliage.Category{{Name: "Grass", GeometryTypes: []foliage.GeometryType{mesh("Grass_01"), mesh("Rock_01")}}}

	require.NoError(t, m.Reset(categories))
	before := componentIDs(m)
	created := len(f.created)

	require.NoError(t, m.Reset(categories))
	assert.Equal(t, before, componentIDs(m))
	assert.Len(t, f.created, created)
	assert.Equal(t, 2, m.Len())
}

func TestReset_DestroysUnreferencedPools(t *testing.T) {
	f := &mockFactory{}
	m := newTestManager(t, f)

	require.NoError(t, m.Reset([]foliage.Category{{Name: "Grass", GeometryTypes: []foliage.GeometryType{mesh("Grass_01"), mesh("Rock_01")}}}))
	require.NoError(t, m.Reset([]foliage.Category{{Name: "Grass", GeometryTypes: []foliage.GeometryType{mesh("Grass_01")}}}))

	assert.Equal(t, 1, m.Len())
	assert.Equal(t, foliage.DefaultPooledComponentsPerType, f.live())
}

func TestReset_GrowsAndReplacesInvalid(t *testing.T) {
	f := &mockFactory{}
	m := newTestManager(t, f)
	categories := []foliage.Category{{Name: "Grass", GeometryTypes: []foliage.GeometryType{mesh("Grass_01")}, PooledComponentsPerType: 2}}

	require.NoError(t, m.Reset(categories))
	f.created[0].invalidate()

	categories[0].PooledComponentsPerType = 3
	require.NoError(t, m.Reset(categories))

	pools := m.Pools()
	require.Len(t, pools, 1)
	assert.Equal(t, 3, pools[0].Components)
	assert.Equal(t, 3, pools[0].Valid)
	assert.True(t, f.created[0].destroyed)
}

func TestReset_CreationIsAllOrNothing(t *testing.T) {
	f := &mockFactory{failAt: 3}
	m := newTestManager(t, f)

	err := m.Reset([]foliage.Category{{Name: "Grass", GeometryTypes: []foliage.GeometryType{mesh("Grass_01")}}})
	require.Error(t, err)

	assert.Equal(t, 0, m.Len())
	assert.Equal(t, 0, f.live(), "partially created components are destroyed")

	// the next reset succeeds
	require.NoError(t, m.Reset([]foliage.Category{{Name: "Grass", GeometryTypes: []foliage.GeometryType{mesh("Grass_01")}}}))
	assert.Equal(t, 1, m.Len())
}

func TestReset_FailedRefillOfEmptiedPoolDropsIt(t *testing.T) {
	f := &mockFactory{}
	m := newTestManager(t, f)
	categories := []foliage.Category{{Name: "Grass", GeometryTypes: []foliage.GeometryType{mesh("a")}, PooledComponentsPerType: 2}}

	require.NoError(t, m.Reset(categories))
	f.created[0].invalidate()
	f.created[1].invalidate()
	f.failAt = 3

	require.Error(t, m.Reset(categories))
	assert.Equal(t, 0, m.Len(), "no pool is left without components")
	assert.Empty(t, m.Pools())

	// lazy creation retries on the next distribution
	d := m.Distribute(batchOf(categories, 4))
	for !d.Step(10) {
	}
	pools := m.Pools()
	require.Len(t, pools, 1)
	assert.Equal(t, foliage.DefaultPooledComponentsPerType, pools[0].Valid)
	assert.Equal(t, 4, m.InstanceCount())
}

func TestReset_FailedRefillKeepsValidComponents(t *testing.T) {
	f := &mockFactory{}
	m := newTestManager(t, f)
	categories := []foliage.Category{{Name: "Grass", GeometryTypes: []foliage.GeometryType{mesh("a")}, PooledComponentsPerType: 2}}

	require.NoError(t, m.Reset(categories))
	f.created[0].invalidate()
	f.failAt = 3

	require.Error(t, m.Reset(categories))
	pools := m.Pools()
	require.Len(t, pools, 1)
	assert.Equal(t, 1, pools[0].Components)
	assert.Equal(t, 1, pools[0].Valid)
}

func TestReset_DestroysSeveralUnreferencedPools(t *testing.T) {
	f := &mockFactory{}
	m := newTestManager(t, f)

	require.NoError(t, m.Reset([]foliage.Category{{Name: "Mixed", GeometryTypes: []foliage.GeometryType{mesh("a"), mesh("b"), mesh("c"), mesh("d")}, PooledComponentsPerType: 1}}))
	require.NoError(t, m.Reset([]foliage.Category{{Name: "Mixed", GeometryTypes: []foliage.GeometryType{mesh("d")}, PooledComponentsPerType: 1}}))

	pools := m.Pools()
	require.Len(t, pools, 1)
	assert.Equal(t, "/Game/Foliage/d", pools[0].Mesh)
	assert.Equal(t, 1, f.live())
}

func TestDistribute_SplitsEvenly(t *testing.T) {
	f := &mockFactory{}
	m := newTestManager(t, f)
	categories := []foliage.Category{{Name: "Grass", GeometryTypes: []foliage.GeometryType{mesh("Grass_01")}}}
	require.NoError(t, m.Reset(categories))

	d := m.Distribute(batchOf(categories, 10))
	assert.Equal(t, 4, d.Remaining())
	assert.True(t, d.Step(100))

	counts := []int{}
	for _, c := range f.created {
		counts = append(counts, c.InstanceCount())
	}
	assert.Equal(t, []int{2, 3, 2, 3}, counts)
	assert.Equal(t, 10, m.InstanceCount())
	assert.Equal(t, 4, d.Updated())
}

func TestDistribute_BudgetAndForwardProgress(t *testing.T) {
	f := &mockFactory{}
	m := newTestManager(t, f)
	categories := []foliage.Category{
		{Name: "Grass", GeometryTypes: []foliage.GeometryType{mesh("Grass_01"), mesh("Rock_01")}, PooledComponentsPerType: 3},
	}
	require.NoError(t, m.Reset(categories))

	d := m.Distribute(batchOf(categories, 30, 6))
	require.Equal(t, 6, d.Remaining())

	steps := 0
	for !d.Step(2) {
		steps++
		require.Less(t, steps, 10)
	}
	assert.Equal(t, 2, steps, "three steps of two updates")
	assert.Equal(t, 0, d.Remaining())
	assert.Equal(t, 6, d.Updated())
	for _, c := range f.created {
		assert.Equal(t, 1, c.sets)
	}
	assert.Equal(t, 36, m.InstanceCount())
}

func TestDistribute_NonPositiveBudgetStillProgresses(t *testing.T) {
	f := &mockFactory{}
	m := newTestManager(t, f)
	categories := []foliage.Category{{Name: "Grass", GeometryTypes: []foliage.GeometryType{mesh("Grass_01")}, PooledComponentsPerType: 2}}
	require.NoError(t, m.Reset(categories))

	d := m.Distribute(batchOf(categories, 4))
	assert.False(t, d.Step(0))
	assert.Equal(t, 1, d.Remaining())
	assert.True(t, d.Step(-3))
}

func TestDistribute_SkipsInvalidComponents(t *testing.T) {
	f := &mockFactory{}
	m := newTestManager(t, f)
	categories := []foliage.Category{{Name: "Grass", GeometryTypes: []foliage.GeometryType{mesh("Grass_01")}, PooledComponentsPerType: 3}}
	require.NoError(t, m.Reset(categories))

	d := m.Distribute(batchOf(categories, 9))
	f.created[1].invalidate()

	assert.False(t, d.Step(1))
	assert.True(t, d.Step(1), "the invalid component does not use up the budget")
	assert.Equal(t, 2, d.Updated())
	assert.Equal(t, 1, d.Skipped())
	assert.Equal(t, 0, f.created[1].sets)
	assert.Equal(t, 6, m.InstanceCount())
}

func TestDistribute_InvalidAtPlanningTimeIsExcluded(t *testing.T) {
	f := &mockFactory{}
	m := newTestManager(t, f)
	categories := []foliage.Category{{Name: "Grass", GeometryTypes: []foliage.GeometryType{mesh("Grass_01")}, PooledComponentsPerType: 2}}
	require.NoError(t, m.Reset(categories))
	f.created[0].invalidate()

	d := m.Distribute(batchOf(categories, 5))
	assert.Equal(t, 1, d.Remaining())
	assert.Equal(t, 1, d.Skipped())
	d.Step(1)
	assert.Equal(t, 5, f.created[1].InstanceCount())
}

func TestDistribute_FailedUpdateIsSkipped(t *testing.T) {
	f := &mockFactory{}
	m := newTestManager(t, f)
	categories := []foliage.Category{{Name: "Grass", GeometryTypes: []foliage.GeometryType{mesh("Grass_01")}, PooledComponentsPerType: 2}}
	require.NoError(t, m.Reset(categories))
	f.created[0].setErr = errors.New("buffer overflow")

	d := m.Distribute(batchOf(categories, 4))
	assert.True(t, d.Step(1))
	assert.Equal(t, 1, d.Updated())
	assert.Equal(t, 1, d.Skipped())
}

func TestDistribute_EmptyBatchOnFreshPoolsIsNoOp(t *testing.T) {
	f := &mockFactory{}
	m := newTestManager(t, f)
	categories := []foliage.Category{{Name: "Grass", GeometryTypes: []foliage.GeometryType{mesh("Grass_01")}}}
	require.NoError(t, m.Reset(categories))

	d := m.Distribute(foliage.NewBatch(categories))
	assert.Equal(t, 0, d.Remaining())
	assert.True(t, d.Step(1))
	for _, c := range f.created {
		assert.Equal(t, 0, c.sets)
	}

	assert.True(t, m.Distribute(nil).Step(1))
}

func TestDistribute_EmptyBatchClearsPreviousInstances(t *testing.T) {
	f := &mockFactory{}
	m := newTestManager(t, f)
	categories := []foliage.Category{{Name: "Grass", GeometryTypes: []foliage.GeometryType{mesh("Grass_01")}}}
	require.NoError(t, m.Reset(categories))

	// two transforms land on two of the four components
	m.Distribute(batchOf(categories, 2)).Step(10)
	require.Equal(t, 2, m.InstanceCount())

	d := m.Distribute(foliage.NewBatch(categories))
	assert.Equal(t, 2, d.Remaining())
	d.Step(10)
	assert.Equal(t, 0, m.InstanceCount())
}

func TestDistribute_CreatesMissingPoolLazily(t *testing.T) {
	f := &mockFactory{}
	m := newTestManager(t, f, DefaultPoolSize(2))
	categories := []foliage.Category{{Name: "Grass", GeometryTypes: []foliage.GeometryType{mesh("Grass_01")}}}

	d := m.Distribute(batchOf(categories, 3))
	assert.Equal(t, 1, m.Len())
	assert.Len(t, f.created, 2)
	d.Step(10)
	assert.Equal(t, 3, m.InstanceCount())
}

func TestDistribute_PoolCreationFailure(t *testing.T) {
	f := &mockFactory{failAt: 1}
	m := newTestManager(t, f)
	categories := []foliage.Category{{Name: "Grass", GeometryTypes: []foliage.GeometryType{mesh("Grass_01")}}}

	d := m.Distribute(batchOf(categories, 3))
	assert.True(t, d.Step(1))
	assert.Equal(t, 1, d.Skipped())
	assert.Equal(t, 0, m.Len())
}

func TestInstanceCount_Unknown(t *testing.T) {
	f := &mockFactory{}
	m := newTestManager(t, f)
	assert.Equal(t, Unknown, m.InstanceCount())

	categories := []foliage.Category{{Name: "Grass", GeometryTypes: []foliage.GeometryType{mesh("Grass_01")}, PooledComponentsPerType: 1}}
	require.NoError(t, m.Reset(categories))
	assert.Equal(t, 0, m.InstanceCount())

	f.created[0].invalidate()
	assert.Equal(t, Unknown, m.InstanceCount())
}

func TestClose_DestroysEverything(t *testing.T) {
	f := &mockFactory{}
	m := newTestManager(t, f)
	require.NoError(t, m.Reset([]foliage.Category{{Name: "Grass", GeometryTypes: []foliage.GeometryType{mesh("Grass_01"), mesh("Rock_01")}}}))

	m.Close()
	assert.Equal(t, 0, m.Len())
	assert.Equal(t, 0, f.live())
	assert.Empty(t, m.Pools())
}
