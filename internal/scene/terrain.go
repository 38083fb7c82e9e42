package scene

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/terrascape/foliage/internal/corrector"
)

// Terrain is a heightfield over the world XY plane. Heights are in meters.
type Terrain interface {
	HeightAt(x, y float64) float64
}

// Flat is terrain at a constant height.
type Flat float64

func (f Flat) HeightAt(float64, float64) float64 { return float64(f) }

// TerrainFunc adapts a height function to Terrain.
type TerrainFunc func(x, y float64) float64

func (f TerrainFunc) HeightAt(x, y float64) float64 { return f(x, y) }

// Hills is gently rolling terrain made of two crossing sine waves.
type Hills struct {
	Base       float64 // meters
	Amplitude  float64 // meters
	Wavelength float64 // world units
}

func (h Hills) HeightAt(x, y float64) float64 {
	if h.Wavelength <= 0 {
		return h.Base
	}
	k := 2 * math.Pi / h.Wavelength
	return h.Base + h.Amplitude*0.5*(math.Sin(x*k)+math.Cos(y*k*0.7))
}

// NormalAt estimates the surface normal of t at (x, y) by central differences.
// unitsPerMeter converts heights to world units.
func NormalAt(t Terrain, x, y, unitsPerMeter float64) mgl64.Vec3 {
	const step = 1.0
	dx := (t.HeightAt(x+step, y) - t.HeightAt(x-step, y)) * unitsPerMeter / (2 * step)
	dy := (t.HeightAt(x, y+step) - t.HeightAt(x, y-step)) * unitsPerMeter / (2 * step)
	return mgl64.Vec3{-dx, -dy, 1}.Normalize()
}

// TerrainQuery traces lines against a Terrain. It satisfies corrector.WorldQuery.
type TerrainQuery struct {
	Terrain       Terrain
	UnitsPerMeter float64
	// Steps is the number of march steps along a trace before refining.
	Steps int
}

func (q TerrainQuery) upm() float64 {
	if q.UnitsPerMeter <= 0 {
		return 1
	}
	return q.UnitsPerMeter
}

// above is the signed height of p over the terrain in world units.
func (q TerrainQuery) above(p mgl64.Vec3) float64 {
	return p.Z() - q.Terrain.HeightAt(p.X(), p.Y())*q.upm()
}

// LineTrace marches from start to end and returns the first crossing of the surface.
func (q TerrainQuery) LineTrace(start, end mgl64.Vec3) (corrector.Hit, bool) {
	if q.Terrain == nil {
		return corrector.Hit{}, false
	}
	steps := q.Steps
	if steps <= 0 {
		steps = 256
	}

	prev, prevH := start, q.above(start)
	if prevH <= 0 {
		return q.hit(start), true
	}
	for i := 1; i <= steps; i++ {
		cur := start.Add(end.Sub(start).Mul(float64(i) / float64(steps)))
		curH := q.above(cur)
		if curH <= 0 {
			return q.hit(q.refine(prev, cur, prevH, curH)), true
		}
		prev, prevH = cur, curH
	}
	return corrector.Hit{}, false
}

// refine bisects between a point above and a point below the surface.
func (q TerrainQuery) refine(a, b mgl64.Vec3, ha, hb float64) mgl64.Vec3 {
	for range 32 {
		mid := a.Add(b).Mul(0.5)
		hm := q.above(mid)
		if hm > 0 {
			a, ha = mid, hm
		} else {
			b, hb = mid, hm
		}
	}
	if ha-hb == 0 {
		return b
	}
	// final linear interpolation between the bracketing points
	return a.Add(b.Sub(a).Mul(ha / (ha - hb)))
}

func (q TerrainQuery) hit(p mgl64.Vec3) corrector.Hit {
	surface := mgl64.Vec3{p.X(), p.Y(), q.Terrain.HeightAt(p.X(), p.Y()) * q.upm()}
	return corrector.Hit{
		Position: surface,
		Normal:   NormalAt(q.Terrain, p.X(), p.Y(), q.upm()),
	}
}
