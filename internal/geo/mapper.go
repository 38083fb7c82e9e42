package geo

import (
	"fmt"
	"image"
	"math"

	"github.com/go-gl/mathgl/mgl64"
	geom "github.com/peterstace/simplefeatures/geom"
)

// pixelEpsilon absorbs floating point error when flooring a reprojected pixel.
const pixelEpsilon = 1e-9

// Box is an axis-aligned box in world units.
type Box struct {
	Min mgl64.Vec3
	Max mgl64.Vec3
}

// NewBoxAround builds a box of the given horizontal width centered on center.
func NewBoxAround(center mgl64.Vec3, width, depth float64) Box {
	h := width / 2
	return Box{
		Min: mgl64.Vec3{center.X() - h, center.Y() - h, center.Z() - depth},
		Max: mgl64.Vec3{center.X() + h, center.Y() + h, center.Z()},
	}
}

// Size returns the box extent along each axis.
func (b Box) Size() mgl64.Vec3 {
	return b.Max.Sub(b.Min)
}

// Center returns the midpoint of the box.
func (b Box) Center() mgl64.Vec3 {
	return b.Min.Add(b.Max).Mul(0.5)
}

// Empty2D reports whether the box has no horizontal area.
func (b Box) Empty2D() bool {
	return !(b.Max.X() > b.Min.X() && b.Max.Y() > b.Min.Y())
}

// Contains2D reports whether p lies within the horizontal extent of the box.
func (b Box) Contains2D(p mgl64.Vec3) bool {
	return p.X() >= b.Min.X() && p.X() <= b.Max.X() && p.Y() >= b.Min.Y() && p.Y() <= b.Max.Y()
}

// Intersect2D clips the horizontal extent of b to o. Z is kept from b.
func (b Box) Intersect2D(o Box) Box {
	return Box{
		Min: mgl64.Vec3{math.Max(b.Min.X(), o.Min.X()), math.Max(b.Min.Y(), o.Min.Y()), b.Min.Z()},
		Max: mgl64.Vec3{math.Min(b.Max.X(), o.Max.X()), math.Min(b.Max.Y(), o.Max.Y()), b.Max.Z()},
	}
}

// Dimensions is the pixel size of a buffer.
type Dimensions struct {
	Width  int
	Height int
}

// Extents is a geographic rectangle in degrees.
type Extents struct {
	West, South, East, North float64
}

// Corners returns the south-west and north-east corners as points.
func (e Extents) Corners() (sw, ne geom.Point, err error) {
	sw, err = geom.NewPoint(geom.Coordinates{XY: geom.XY{X: e.West, Y: e.South}, Type: geom.DimXY})
	if err != nil {
		return sw, ne, fmt.Errorf("south-west corner: %w", err)
	}
	ne, err = geom.NewPoint(geom.Coordinates{XY: geom.XY{X: e.East, Y: e.North}, Type: geom.DimXY})
	if err != nil {
		return sw, ne, fmt.Errorf("north-east corner: %w", err)
	}
	return sw, ne, nil
}

// Mapper converts between pixel, world and geographic coordinates.
// It holds no mutable state and is safe for concurrent use.
type Mapper struct {
	UnitsPerMeter float64
}

func (m Mapper) unitsPerMeter() float64 {
	if m.UnitsPerMeter <= 0 {
		return 1
	}
	return m.UnitsPerMeter
}

// PixelToWorld maps a (possibly fractional) pixel coordinate onto the world
// bounds. Height is in meters and becomes the world Z.
func (m Mapper) PixelToWorld(px, py, heightMeters float64, dims Dimensions, bounds Box) mgl64.Vec3 {
	size := bounds.Size()
	return mgl64.Vec3{
		bounds.Min.X() + px/float64(dims.Width)*size.X(),
		bounds.Min.Y() + py/float64(dims.Height)*size.Y(),
		heightMeters * m.unitsPerMeter(),
	}
}

// WorldToPixel is the inverse of PixelToWorld, flooring to the containing
// pixel. Positions on or beyond the edges clamp to the border pixels.
func (m Mapper) WorldToPixel(pos mgl64.Vec3, dims Dimensions, bounds Box) image.Point {
	size := bounds.Size()
	fx := (pos.X() - bounds.Min.X()) / size.X() * float64(dims.Width)
	fy := (pos.Y() - bounds.Min.Y()) / size.Y() * float64(dims.Height)
	return image.Point{
		X: clampPixel(fx, dims.Width),
		Y: clampPixel(fy, dims.Height),
	}
}

// WorldToHeight converts a world Z back to meters.
func (m Mapper) WorldToHeight(z float64) float64 {
	return z / m.unitsPerMeter()
}

// PixelToGeographic converts pixel coordinates back to geographic coordinates.
// Row 0 is the northern edge of the extents. Non-finite input is rejected by
// the point constructor.
func (m Mapper) PixelToGeographic(px, py, altitude float64, dims Dimensions, extents Extents) (geom.Point, error) {
	lon := extents.West + px/float64(dims.Width)*(extents.East-extents.West)
	lat := extents.North - py/float64(dims.Height)*(extents.North-extents.South)
	return geom.NewPoint(geom.Coordinates{
		XY:   geom.XY{X: lon, Y: lat},
		Z:    altitude,
		Type: geom.DimXYZ,
	})
}

// GeographicToPixel converts geographic coordinates to pixel coordinates.
func (m Mapper) GeographicToPixel(lon, lat float64, dims Dimensions, extents Extents) image.Point {
	fx := (lon - extents.West) / (extents.East - extents.West) * float64(dims.Width)
	fy := (extents.North - lat) / (extents.North - extents.South) * float64(dims.Height)
	return image.Point{
		X: clampPixel(fx, dims.Width),
		Y: clampPixel(fy, dims.Height),
	}
}

func clampPixel(f float64, size int) int {
	if math.IsNaN(f) || size <= 0 {
		return 0
	}
	f = math.Floor(f + pixelEpsilon)
	if f < 0 {
		return 0
	}
	if f > float64(size-1) {
		return size - 1
	}
	return int(f)
}
