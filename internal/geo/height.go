package geo

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/terrascape/foliage/internal/foliage"
)

// HeightDecoder recovers terrain height from the alpha channel of the
// normal/depth buffer.
//
// The capture camera looks straight down from CaptureElevation. Its scene
// depth is multiplied by DepthScale so that it fits in [0,1] and stored
// inverted (1 - depth*DepthScale), which keeps higher terrain at higher
// encoded values.
type HeightDecoder struct {
	// CaptureElevation is the camera elevation in meters.
	CaptureElevation float64
	// DepthScale is the factor applied to scene depth (world units) before encoding.
	DepthScale float64
	// UnitsPerMeter converts world units to meters.
	UnitsPerMeter float64
}

// Decode converts an encoded depth value to a height in meters. Inputs
// outside [0,1] are clamped and NaN is treated as 0.
func (d HeightDecoder) Decode(encoded float64) float64 {
	if math.IsNaN(encoded) {
		encoded = 0
	}
	encoded = mgl64.Clamp(encoded, 0, 1)

	scale := d.DepthScale
	if scale <= 0 {
		scale = 1
	}
	upm := d.UnitsPerMeter
	if upm <= 0 {
		upm = 1
	}

	// divide by each factor separately so tiny scales do not overflow the product
	depthMeters := (1 - encoded) / scale / upm
	return d.CaptureElevation - depthMeters
}

// Encode is the inverse of Decode for heights within the encodable range.
func (d HeightDecoder) Encode(heightMeters float64) float64 {
	scale := d.DepthScale
	if scale <= 0 {
		scale = 1
	}
	upm := d.UnitsPerMeter
	if upm <= 0 {
		upm = 1
	}
	depth := (d.CaptureElevation - heightMeters) * upm
	return mgl64.Clamp(1-depth*scale, 0, 1)
}

// DecodeNormal converts an RGB-encoded normal in [0,1] back to a unit vector.
// A degenerate normal decodes as straight up.
func DecodeNormal(c foliage.LinearColor) mgl64.Vec3 {
	n := mgl64.Vec3{c.R*2 - 1, c.G*2 - 1, c.B*2 - 1}
	if n.Len() < 1e-6 {
		return mgl64.Vec3{0, 0, 1}
	}
	return n.Normalize()
}

// EncodeNormal is the inverse of DecodeNormal.
func EncodeNormal(n mgl64.Vec3) foliage.LinearColor {
	n = n.Normalize()
	return foliage.LinearColor{
		R: n.X()*0.5 + 0.5,
		G: n.Y()*0.5 + 0.5,
		B: n.Z()*0.5 + 0.5,
	}
}
