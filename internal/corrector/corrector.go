package corrector

import (
	"github.com/go-gl/mathgl/mgl64"
)

// DefaultTraceDistance is how far above and below a candidate the trace runs, in world units.
const DefaultTraceDistance = 100000

// Hit is the first blocking surface found by a line trace.
type Hit struct {
	Position mgl64.Vec3
	Normal   mgl64.Vec3
}

// WorldQuery traces lines against world geometry.
type WorldQuery interface {
	// LineTrace returns the first hit between start and end.
	LineTrace(start, end mgl64.Vec3) (Hit, bool)
}

// Corrector snaps candidate positions onto the world surface.
type Corrector struct {
	query         WorldQuery
	TraceDistance float64
}

// New creates a Corrector using the given world query.
func New(query WorldQuery) *Corrector {
	return &Corrector{query: query, TraceDistance: DefaultTraceDistance}
}

// Correct traces along up through pos and returns the surface position and
// normal. ok is false when nothing was hit.
func (c *Corrector) Correct(pos, up mgl64.Vec3) (position, normal mgl64.Vec3, ok bool) {
	if c == nil || c.query == nil {
		return pos, up, false
	}

	d := c.TraceDistance
	if d <= 0 {
		d = DefaultTraceDistance
	}
	if up.Len() < 1e-9 {
		up = mgl64.Vec3{0, 0, 1}
	}
	up = up.Normalize()

	hit, ok := c.query.LineTrace(pos.Add(up.Mul(d)), pos.Sub(up.Mul(d)))
	if !ok {
		return pos, up, false
	}

	normal = hit.Normal
	if normal.Len() < 1e-9 {
		normal = up
	}
	return hit.Position, normal.Normalize(), true
}
