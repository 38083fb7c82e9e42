package readback

import (
	"image"

	"github.com/terrascape/foliage/internal/foliage"
	"github.com/terrascape/foliage/internal/geo"
)

// Buffer is an opaque handle to a rasterized render target.
type Buffer interface {
	ID() string
	Size() (width, height int)
	// Valid reports whether the underlying resource still exists.
	Valid() bool
	// ReadPixels copies the pixels of rect in row-major order.
	ReadPixels(rect image.Rectangle) ([]foliage.LinearColor, error)
}

// Surface is a plain in-memory copy of a buffer region.
type Surface struct {
	Width  int
	Height int
	Pixels []foliage.LinearColor
}

// Dimensions returns the pixel size of the surface.
func (s Surface) Dimensions() geo.Dimensions {
	return geo.Dimensions{Width: s.Width, Height: s.Height}
}

// At returns the pixel at (x, y). Coordinates outside the surface clamp to the border.
func (s Surface) At(x, y int) foliage.LinearColor {
	if len(s.Pixels) == 0 {
		return foliage.LinearColor{}
	}
	x = clamp(x, s.Width-1)
	y = clamp(y, s.Height-1)
	return s.Pixels[y*s.Width+x]
}

func clamp(v, hi int) int {
	if v < 0 {
		return 0
	}
	if v > hi {
		return hi
	}
	return v
}
