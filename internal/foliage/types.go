package foliage

import (
	"errors"
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// ErrInvalidGeometryType is returned when a geometry type fails validation.
var ErrInvalidGeometryType = errors.New("invalid geometry type")

// DefaultPooledComponentsPerType matches the pool size used when a category does not set one.
const DefaultPooledComponentsPerType = 4

// Interval is a closed [Min, Max] range.
type Interval struct {
	Min float64 `json:"min" mapstructure:"min"`
	Max float64 `json:"max" mapstructure:"max"`
}

// Lerp maps t in [0,1] onto the interval.
func (i Interval) Lerp(t float64) float64 {
	return i.Min + (i.Max-i.Min)*t
}

// Valid reports whether Min <= Max.
func (i Interval) Valid() bool {
	return i.Min <= i.Max
}

// LinearColor is a linear RGBA pixel value as read back from a render target.
type LinearColor struct {
	R, G, B, A float64
}

// DistanceRGB is the euclidean distance between two colors ignoring alpha.
func (c LinearColor) DistanceRGB(o LinearColor) float64 {
	dr, dg, db := c.R-o.R, c.G-o.G, c.B-o.B
	return math.Sqrt(dr*dr + dg*dg + db*db)
}

// GeometryType describes one placeable foliage variant.
type GeometryType struct {
	// Placement
	Density       float64
	RandomYaw     bool
	ZOffset       Interval
	Scale         Interval
	AlignToNormal bool

	// Mesh settings
	Mesh              string
	CollidesWithWorld bool
	CullingDistances  Interval

	// Expensive
	AffectsDistanceFieldLighting bool
}

// Validate checks the placement parameters.
func (g GeometryType) Validate() error {
	if g.Mesh == "" {
		return fmt.Errorf("%w: empty mesh", ErrInvalidGeometryType)
	}
	if math.IsNaN(g.Density) || g.Density < 0 || g.Density > 1 {
		return fmt.Errorf("%w: density %v outside [0,1] for %s", ErrInvalidGeometryType, g.Density, g.Mesh)
	}
	if !g.ZOffset.Valid() {
		return fmt.Errorf("%w: inverted z offset for %s", ErrInvalidGeometryType, g.Mesh)
	}
	if !g.Scale.Valid() {
		return fmt.Errorf("%w: inverted scale for %s", ErrInvalidGeometryType, g.Mesh)
	}
	if !g.CullingDistances.Valid() {
		return fmt.Errorf("%w: inverted culling distances for %s", ErrInvalidGeometryType, g.Mesh)
	}
	return nil
}

// Key returns the pooling identity of the geometry type.
func (g GeometryType) Key() Key {
	return Key{
		Mesh:                         g.Mesh,
		Density:                      g.Density,
		CollidesWithWorld:            g.CollidesWithWorld,
		AffectsDistanceFieldLighting: g.AffectsDistanceFieldLighting,
		ScaleMin:                     g.Scale.Min,
		ScaleMax:                     g.Scale.Max,
		RandomYaw:                    g.RandomYaw,
		ZOffsetMin:                   g.ZOffset.Min,
		ZOffsetMax:                   g.ZOffset.Max,
	}
}

// Category is a classification colour owning an ordered list of geometry types.
type Category struct {
	Name                      string
	Color                     LinearColor
	GeometryTypes             []GeometryType
	AlignToSurfaceWithRaycast bool
	PooledComponentsPerType   int
}

// PoolSize returns the configured pool size, falling back to the default.
func (c Category) PoolSize() int {
	if c.PooledComponentsPerType <= 0 {
		return DefaultPooledComponentsPerType
	}
	return c.PooledComponentsPerType
}

// Validate checks the category and each of its geometry types. A zero pool
// size selects the default; a negative one is rejected.
func (c Category) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: category without a name", ErrInvalidGeometryType)
	}
	if c.PooledComponentsPerType < 0 {
		return fmt.Errorf("%w: category %s pool size %d", ErrInvalidGeometryType, c.Name, c.PooledComponentsPerType)
	}
	for i, g := range c.GeometryTypes {
		if err := g.Validate(); err != nil {
			return fmt.Errorf("category %s type %d: %w", c.Name, i, err)
		}
	}
	return nil
}

// Transform is a candidate instance transform in world space.
type Transform struct {
	Position mgl64.Vec3
	Rotation mgl64.Quat
	Scale    mgl64.Vec3
}

// IdentityTransform returns a transform at the origin with unit scale.
func IdentityTransform() Transform {
	return Transform{
		Rotation: mgl64.QuatIdent(),
		Scale:    mgl64.Vec3{1, 1, 1},
	}
}
