package scene

import (
	"sync"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/terrascape/foliage/internal/geo"
	"github.com/terrascape/foliage/internal/orchestrator"
)

// Path is the viewer position at a given tick.
type Path func(tick uint64) mgl64.Vec3

// Line moves the viewer by step every tick, starting at start.
func Line(start, step mgl64.Vec3) Path {
	return func(tick uint64) mgl64.Vec3 {
		return start.Add(step.Mul(float64(tick)))
	}
}

// Stationary keeps the viewer at p.
func Stationary(p mgl64.Vec3) Path {
	return func(uint64) mgl64.Vec3 { return p }
}

// FollowCapture renders a new capture centred on the viewer whenever the
// viewer has moved more than RecaptureDistance·Width from the last capture
// centre. It satisfies orchestrator.CaptureSource.
type FollowCapture struct {
	Renderer          Renderer
	Viewer            Path
	Width             float64 // world units
	Elevation         float64 // world units
	RecaptureDistance float64 // fraction of Width

	mu       sync.Mutex
	center   *mgl64.Vec3
	last     [2]*MemoryBuffer
	captures int
}

// Capture implements orchestrator.CaptureSource. The previous capture's
// buffers are released when a new one is rendered.
func (f *FollowCapture) Capture(tick uint64) (orchestrator.Capture, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	pos := f.Viewer(tick)
	if f.center != nil {
		d := mgl64.Vec2{pos.X() - f.center.X(), pos.Y() - f.center.Y()}.Len()
		if d <= f.RecaptureDistance*f.Width {
			return orchestrator.Capture{}, false
		}
	}

	top := mgl64.Vec3{pos.X(), pos.Y(), f.Elevation}
	bounds := geo.NewBoxAround(top, f.Width, f.Elevation)
	class, nd := f.Renderer.Render(bounds)

	for _, b := range f.last {
		if b != nil {
			b.Release()
		}
	}
	f.last = [2]*MemoryBuffer{class, nd}
	center := pos
	f.center = &center
	f.captures++

	return orchestrator.Capture{Classification: class, NormalDepth: nd, Bounds: bounds}, true
}

// Captures is the number of captures rendered so far.
func (f *FollowCapture) Captures() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.captures
}
