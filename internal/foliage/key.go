package foliage

import (
	"encoding/binary"
	"math"

	"github.com/cespare/xxhash/v2"
)

// Key is the pooling identity of a GeometryType. Culling distances and normal
// alignment do not change which pool an instance lands in, so they are left out.
type Key struct {
	Mesh                         string
	Density                      float64
	CollidesWithWorld            bool
	AffectsDistanceFieldLighting bool
	ScaleMin, ScaleMax           float64
	RandomYaw                    bool
	ZOffsetMin, ZOffsetMax       float64
}

// Hash returns a stable 64-bit hash of the key. Equal keys hash equally.
func (k Key) Hash() uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(k.Mesh)

	var buf [8]byte
	for _, f := range []float64{k.Density, k.ScaleMin, k.ScaleMax, k.ZOffsetMin, k.ZOffsetMax} {
		// +0 folds negative zero so that == and Hash agree
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(f+0))
		_, _ = d.Write(buf[:])
	}

	var flags byte
	if k.CollidesWithWorld {
		flags |= 1
	}
	if k.AffectsDistanceFieldLighting {
		flags |= 2
	}
	if k.RandomYaw {
		flags |= 4
	}
	_, _ = d.Write([]byte{flags})

	return d.Sum64()
}
