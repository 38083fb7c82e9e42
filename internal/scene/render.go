package scene

import (
	"encoding/binary"
	"math"

	"github.com/cespare/xxhash/v2"
	"github.com/go-gl/mathgl/mgl64"

	"github.com/terrascape/foliage/internal/foliage"
	"github.com/terrascape/foliage/internal/geo"
)

// Background is the classification colour of unclassified ground.
var Background = foliage.LinearColor{A: 1}

// Classifier decides the classification colour of a world position.
type Classifier interface {
	Classify(pos, normal mgl64.Vec3) foliage.LinearColor
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(pos, normal mgl64.Vec3) foliage.LinearColor

func (f ClassifierFunc) Classify(pos, normal mgl64.Vec3) foliage.LinearColor { return f(pos, normal) }

// Uniform classifies everything as one colour.
type Uniform foliage.LinearColor

func (u Uniform) Classify(mgl64.Vec3, mgl64.Vec3) foliage.LinearColor { return foliage.LinearColor(u) }

// Patches splits the ground into square patches of PatchSize world units and
// gives each a colour picked by hash, or Background with probability Bare.
// Patches steeper than MaxSlope degrees become Background too.
type Patches struct {
	Colors    []foliage.LinearColor
	PatchSize float64
	Bare      float64
	MaxSlope  float64
	Seed      uint64
}

func (p Patches) Classify(pos, normal mgl64.Vec3) foliage.LinearColor {
	if len(p.Colors) == 0 || p.PatchSize <= 0 {
		return Background
	}
	if p.MaxSlope > 0 {
		slope := mgl64.RadToDeg(math.Acos(mgl64.Clamp(normal.Normalize().Z(), -1, 1)))
		if slope > p.MaxSlope {
			return Background
		}
	}

	var buf [24]byte
	binary.LittleEndian.PutUint64(buf[0:], p.Seed)
	binary.LittleEndian.PutUint64(buf[8:], uint64(int64(math.Floor(pos.X()/p.PatchSize))))
	binary.LittleEndian.PutUint64(buf[16:], uint64(int64(math.Floor(pos.Y()/p.PatchSize))))
	h := xxhash.Sum64(buf[:])

	if float64(h%10000)/10000 < p.Bare {
		return Background
	}
	return p.Colors[(h/10000)%uint64(len(p.Colors))]
}

// Renderer rasterizes the capture buffers of a Terrain from straight above.
type Renderer struct {
	Terrain    Terrain
	Classifier Classifier
	Decoder    geo.HeightDecoder
	Mapper     geo.Mapper
	Width      int
	Height     int
}

// Render produces the classification and normal/depth buffers covering bounds.
// Pixels are sampled at their centres.
func (r Renderer) Render(bounds geo.Box) (class, normalDepth *MemoryBuffer) {
	dims := geo.Dimensions{Width: r.Width, Height: r.Height}
	class = NewMemoryBuffer("", r.Width, r.Height)
	normalDepth = NewMemoryBuffer("", r.Width, r.Height)

	upm := r.Mapper.UnitsPerMeter
	if upm <= 0 {
		upm = 1
	}
	classifier := r.Classifier
	if classifier == nil {
		classifier = Uniform(Background)
	}

	for py := 0; py < r.Height; py++ {
		for px := 0; px < r.Width; px++ {
			ground := r.Mapper.PixelToWorld(float64(px)+0.5, float64(py)+0.5, 0, dims, bounds)
			h := r.Terrain.HeightAt(ground.X(), ground.Y())
			pos := mgl64.Vec3{ground.X(), ground.Y(), h * upm}
			n := NormalAt(r.Terrain, pos.X(), pos.Y(), upm)

			class.pixels[py*r.Width+px] = classifier.Classify(pos, n)

			c := geo.EncodeNormal(n)
			c.A = r.Decoder.Encode(h)
			normalDepth.pixels[py*r.Width+px] = c
		}
	}
	return class, normalDepth
}
