package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terrascape/foliage/internal/foliage"
	"github.com/terrascape/foliage/internal/geo"
	"github.com/terrascape/foliage/internal/pool"
	"github.com/terrascape/foliage/internal/readback"
	"github.com/terrascape/foliage/internal/sampler"
)

var grassColor = foliage.LinearColor{R: 0.1, G: 0.8, B: 0.1, A: 1}

// memBuffer is an in-memory readback.Buffer.
type memBuffer struct {
	id     string
	w, h   int
	pixels []foliage.LinearColor
}

func newMemBuffer(id string, w, h int, c foliage.LinearColor) *memBuffer {
	b := &memBuffer{id: id, w: w, h: h, pixels: make([]foliage.LinearColor, w*h)}
	for i := range b.pixels {
		b.pixels[i] = c
	}
	return b
}

func (b *memBuffer) ID() string       { return b.id }
func (b *memBuffer) Size() (int, int) { return b.w, b.h }
func (b *memBuffer) Valid() bool      { return true }
func (b *memBuffer) surface() readback.Surface {
	return readback.Surface{Width: b.w, Height: b.h, Pixels: b.pixels}
}
func (b *memBuffer) ReadPixels(rect image.Rectangle) ([]foliage.LinearColor, error) {
	out := make([]foliage.LinearColor, 0, rect.Dx()*rect.Dy())
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		out = append(out, b.pixels[y*b.w+rect.Min.X:y*b.w+rect.Max.X]...)
	}
	return out, nil
}

type readRequest struct {
	buffers []readback.Buffer
	cb      readback.Callback
}

// manualReader records readback requests; tests complete them explicitly.
type manualReader struct {
	mu       sync.Mutex
	requests []readRequest
}

func (r *manualReader) ReadAsync(buffers []readback.Buffer, _ image.Rectangle, cb readback.Callback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, readRequest{buffers: buffers, cb: cb})
}

func (r *manualReader) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

// complete answers request i with the contents of its buffers, or a failure.
func (r *manualReader) complete(i int, ok bool) {
	r.mu.Lock()
	req := r.requests[i]
	r.mu.Unlock()
	if !ok {
		req.cb(nil, false)
		return
	}
	surfaces := make([]readback.Surface, len(req.buffers))
	for j, b := range req.buffers {
		surfaces[j] = b.(*memBuffer).surface()
	}
	req.cb(surfaces, true)
}

type component struct {
	mu        sync.Mutex
	id        string
	instances int
	sets      int
}

func (c *component) ID() string  { return c.id }
func (c *component) Valid() bool { return true }
func (c *component) Destroy()    {}
func (c *component) InstanceCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.instances
}
func (c *component) SetInstances(t []foliage.Transform) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.instances = len(t)
	c.sets++
	return nil
}

type factory struct {
	mu      sync.Mutex
	created []*component
}

func (f *factory) CreateComponent(gt foliage.GeometryType) (pool.Component, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &component{id: fmt.Sprintf("%s-%d", gt.Mesh, len(f.created))}
	f.created = append(f.created, c)
	return c, nil
}

func (f *factory) sets() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.created {
		n += c.sets
	}
	return n
}

type recordingReporter struct {
	mu      sync.Mutex
	reports []Report
}

func (r *recordingReporter) Report(_ context.Context, rep Report) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, rep)
	return nil
}

func (r *recordingReporter) all() []Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Report(nil), r.reports...)
}

type captureSource struct {
	mu      sync.Mutex
	ticks   []uint64
	capture Capture
}

func (s *captureSource) Capture(tick uint64) (Capture, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ticks = append(s.ticks, tick)
	return s.capture, true
}

func testDecoder() geo.HeightDecoder {
	return geo.HeightDecoder{CaptureElevation: 1024, DepthScale: 1e-6, UnitsPerMeter: 100}
}

func categories() []foliage.Category {
	return []foliage.Category{{
		Name:  "Grass",
		Color: grassColor,
		GeometryTypes: []foliage.GeometryType{{
			Mesh:    "/Game/Foliage/Grass_01",
			Density: 1,
			Scale:   foliage.Interval{Min: 1, Max: 1},
		}},
	}}
}

func bounds() geo.Box {
	return geo.Box{Min: mgl64.Vec3{0, 0, -1000}, Max: mgl64.Vec3{200, 200, 1000}}
}

// buffers returns a classification and a flat normal/depth buffer.
func buffers(class foliage.LinearColor) (*memBuffer, *memBuffer) {
	nd := geo.EncodeNormal(mgl64.Vec3{0, 0, 1})
	nd.A = testDecoder().Encode(0)
	return newMemBuffer("class", 16, 16, class), newMemBuffer("normal-depth", 16, 16, nd)
}

type fixture struct {
	o        *Orchestrator
	reader   *manualReader
	factory  *factory
	reporter *recordingReporter
}

func newFixture(t *testing.T, settings Settings, reader Reader) *fixture {
	t.Helper()
	f := &fixture{factory: &factory{}, reporter: &recordingReporter{}}
	if reader == nil {
		f.reader = &manualReader{}
		reader = f.reader
	}

	pools, err := pool.New(f.factory, nil)
	require.NoError(t, err)
	t.Cleanup(pools.Close)

	s := sampler.New(sampler.Config{
		GridSize:      sampler.GridSize{X: 2, Y: 2},
		Seed:          7,
		ReferenceArea: 100 * 100,
		Mapper:        geo.Mapper{UnitsPerMeter: 100},
		Decoder:       testDecoder(),
	})

	if settings.MaxComponentsToUpdatePerFrame == 0 {
		settings.MaxComponentsToUpdatePerFrame = 100
	}
	f.o, err = New(Deps{
		Reader:    reader,
		Sampler:   s,
		Pools:     pools,
		Reporters: []Reporter{f.reporter},
	}, settings)
	require.NoError(t, err)
	require.NoError(t, f.o.ResetAndCreatePools(categories()))
	return f
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Deps{}, Settings{})
	assert.Error(t, err)
}

func TestBuild_ScenarioCompletesInOneFrame(t *testing.T) {
	f := newFixture(t, Settings{}, nil)
	class, nd := buffers(grassColor)

	require.True(t, f.o.BuildFoliageTransforms(class, nd, bounds()))
	assert.True(t, f.o.IsBuilding())
	assert.Equal(t, ReadingBuffers, f.o.State())

	f.reader.complete(0, true)
	assert.Equal(t, Sampling, f.o.State())
	assert.True(t, f.o.IsBuilding())

	f.o.Tick(16 * time.Millisecond)
	assert.False(t, f.o.IsBuilding())
	assert.Equal(t, Idle, f.o.State())
	assert.Equal(t, 4, f.o.InstanceCount())

	r, ok := f.o.LastReport()
	require.True(t, ok)
	assert.Equal(t, StatusSucceeded, r.Status)
	assert.Equal(t, 4, r.Transforms)
	assert.Equal(t, 4, r.Stats.Accepted)
	assert.Equal(t, map[string]int{"/Game/Foliage/Grass_01": 4}, r.CountsByMesh)
	assert.NotEmpty(t, r.BuildID)
	assert.Len(t, f.reporter.all(), 1)
}

func TestBuild_RejectedWhileBusy(t *testing.T) {
	f := newFixture(t, Settings{}, nil)
	class, nd := buffers(grassColor)

	require.True(t, f.o.BuildFoliageTransforms(class, nd, bounds()))
	assert.False(t, f.o.BuildFoliageTransforms(class, nd, bounds()))
	assert.Equal(t, 1, f.reader.count(), "no second readback is issued")
	assert.Equal(t, ReadingBuffers, f.o.State())

	f.reader.complete(0, true)
	assert.False(t, f.o.BuildFoliageTransforms(class, nd, bounds()))
	assert.Equal(t, Sampling, f.o.State())
}

func TestBuild_RejectsUnusableRequests(t *testing.T) {
	f := newFixture(t, Settings{}, nil)
	class, nd := buffers(grassColor)

	assert.False(t, f.o.BuildFoliageTransforms(nil, nd, bounds()))
	assert.False(t, f.o.BuildFoliageTransforms(class, nil, bounds()))
	assert.False(t, f.o.BuildFoliageTransforms(class, nd, geo.Box{}))
	assert.Equal(t, 0, f.reader.count())
	assert.False(t, f.o.IsBuilding())
}

func TestBuild_ReadbackFailureLeavesPoolsUntouched(t *testing.T) {
	f := newFixture(t, Settings{}, nil)
	class, nd := buffers(grassColor)

	require.True(t, f.o.BuildFoliageTransforms(class, nd, bounds()))
	f.reader.complete(0, true)
	f.o.Tick(0)
	require.Equal(t, 4, f.o.InstanceCount())
	sets := f.factory.sets()

	require.True(t, f.o.BuildFoliageTransforms(class, nd, bounds()))
	f.reader.complete(1, false)

	assert.False(t, f.o.IsBuilding(), "busy is cleared without waiting for a frame")
	assert.Equal(t, Idle, f.o.State())
	assert.Equal(t, 4, f.o.InstanceCount())

	f.o.Tick(0)
	assert.Equal(t, sets, f.factory.sets())

	r, ok := f.o.LastReport()
	require.True(t, ok)
	assert.Equal(t, StatusFailed, r.Status)
	assert.Contains(t, r.Error, ErrReadbackFailure.Error())
	assert.Equal(t, 4, r.Instances)
}

func TestBuild_ScenarioNoMatchingPixels(t *testing.T) {
	f := newFixture(t, Settings{}, nil)
	class, nd := buffers(foliage.LinearColor{R: 1, A: 1})

	require.True(t, f.o.BuildFoliageTransforms(class, nd, bounds()))
	f.reader.complete(0, true)
	f.o.Tick(0)

	assert.False(t, f.o.IsBuilding())
	assert.Equal(t, 0, f.factory.sets(), "distribution is a no-op")

	r, _ := f.o.LastReport()
	assert.Equal(t, StatusSucceeded, r.Status)
	assert.Equal(t, 0, r.Transforms)
	assert.Equal(t, 0, r.Updated)
}

func TestBuild_DistributionSpreadsOverFrames(t *testing.T) {
	f := newFixture(t, Settings{MaxComponentsToUpdatePerFrame: 1}, nil)
	class, nd := buffers(grassColor)

	require.True(t, f.o.BuildFoliageTransforms(class, nd, bounds()))
	f.reader.complete(0, true)

	// four transforms over four pooled components, one component per frame
	for range 3 {
		f.o.Tick(0)
		assert.True(t, f.o.IsBuilding())
		assert.Equal(t, Distributing, f.o.State())
	}
	f.o.Tick(0)
	assert.False(t, f.o.IsBuilding())

	r, _ := f.o.LastReport()
	assert.Equal(t, 4, r.Frames)
	assert.Equal(t, 4, r.Updated)
	assert.Equal(t, uint64(4), f.o.Ticks())
}

func TestResetAndCreatePools(t *testing.T) {
	f := newFixture(t, Settings{}, nil)
	class, nd := buffers(grassColor)

	require.True(t, f.o.BuildFoliageTransforms(class, nd, bounds()))
	assert.ErrorIs(t, f.o.ResetAndCreatePools(categories()), ErrBusy)

	f.reader.complete(0, true)
	assert.ErrorIs(t, f.o.ResetAndCreatePools(categories()), ErrBusy)

	f.o.Tick(0)
	require.NoError(t, f.o.ResetAndCreatePools(categories()))

	bad := categories()
	bad[0].GeometryTypes[0].Density = 2
	assert.ErrorIs(t, f.o.ResetAndCreatePools(bad), foliage.ErrInvalidGeometryType)
}

func TestTick_PollsCaptureSource(t *testing.T) {
	class, nd := buffers(grassColor)
	source := &captureSource{capture: Capture{Classification: class, NormalDepth: nd, Bounds: bounds()}}

	f := &fixture{}
	f.reader = &manualReader{}
	pools, err := pool.New(&factory{}, nil)
	require.NoError(t, err)
	f.o, err = New(Deps{
		Reader:   f.reader,
		Sampler:  sampler.New(sampler.Config{Decoder: testDecoder()}),
		Pools:    pools,
		Captures: source,
	}, Settings{Categories: categories(), UpdateFoliageAfterNumFrames: 3})
	require.NoError(t, err)

	f.o.Tick(0)
	f.o.Tick(0)
	assert.Equal(t, 0, f.reader.count())

	f.o.Tick(0)
	assert.Equal(t, 1, f.reader.count())
	assert.Equal(t, []uint64{3}, source.ticks)
	assert.True(t, f.o.IsBuilding())

	// still busy on the next poll, so the source is not asked again
	for range 3 {
		f.o.Tick(0)
	}
	assert.Equal(t, []uint64{3}, source.ticks)
	assert.Equal(t, 1, f.reader.count())
}

func TestBuild_Timeout(t *testing.T) {
	f := newFixture(t, Settings{BuildTimeout: 10 * time.Millisecond}, nil)
	class, nd := buffers(grassColor)

	require.True(t, f.o.BuildFoliageTransforms(class, nd, bounds()))
	time.Sleep(20 * time.Millisecond)
	f.o.Tick(0)

	assert.False(t, f.o.IsBuilding())
	r, _ := f.o.LastReport()
	assert.Equal(t, StatusTimeout, r.Status)

	// the late readback is ignored
	f.reader.complete(0, true)
	f.o.Tick(0)
	assert.Equal(t, Idle, f.o.State())
	assert.Equal(t, 0, f.factory.sets())
	assert.Len(t, f.reporter.all(), 1)

	require.True(t, f.o.BuildFoliageTransforms(class, nd, bounds()))
}

func TestBuild_SamplingErrorFailsBuild(t *testing.T) {
	f := newFixture(t, Settings{}, nil)
	class, _ := buffers(grassColor)
	small := newMemBuffer("normal-depth", 4, 4, foliage.LinearColor{})

	require.True(t, f.o.BuildFoliageTransforms(class, small, bounds()))
	f.reader.complete(0, true)
	f.o.Tick(0)

	assert.False(t, f.o.IsBuilding())
	r, _ := f.o.LastReport()
	assert.Equal(t, StatusFailed, r.Status)
	assert.Contains(t, r.Error, sampler.ErrSurfaceMismatch.Error())
}

func TestLogAttrs(t *testing.T) {
	f := newFixture(t, Settings{}, nil)
	class, nd := buffers(grassColor)

	attrs := f.o.LogAttrs()
	require.Len(t, attrs, 1)
	assert.Equal(t, "idle", attrs[0].Value.String())

	require.True(t, f.o.BuildFoliageTransforms(class, nd, bounds()))
	attrs = f.o.LogAttrs()
	require.Len(t, attrs, 2)
	assert.Equal(t, "reading_buffers", attrs[0].Value.String())
	assert.Equal(t, "build_id", attrs[1].Key)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "sampling", Sampling.String())
	assert.Equal(t, "distributing", Distributing.String())
	assert.Equal(t, "state(9)", State(9).String())
}

func TestBuild_EndToEndWithReadbackService(t *testing.T) {
	svc, err := readback.New(nil, readback.Workers(2))
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	f := newFixture(t, Settings{}, svc)
	class, nd := buffers(grassColor)

	require.True(t, f.o.BuildFoliageTransforms(class, nd, bounds()))
	require.Eventually(t, func() bool {
		f.o.Tick(0)
		return !f.o.IsBuilding()
	}, 2*time.Second, time.Millisecond)

	r, ok := f.o.LastReport()
	require.True(t, ok)
	assert.Equal(t, StatusSucceeded, r.Status)
	assert.Equal(t, 4, f.o.InstanceCount())
}

type failingReporter struct{}

func (failingReporter) Report(context.Context, Report) error { return errors.New("sink down") }

func TestBuild_ReporterErrorsAreNotFatal(t *testing.T) {
	f := newFixture(t, Settings{}, nil)
	f.o.deps.Reporters = append(f.o.deps.Reporters, failingReporter{})
	class, nd := buffers(grassColor)

	require.True(t, f.o.BuildFoliageTransforms(class, nd, bounds()))
	f.reader.complete(0, true)
	f.o.Tick(0)
	assert.Len(t, f.reporter.all(), 1)
	assert.False(t, f.o.IsBuilding())
}
