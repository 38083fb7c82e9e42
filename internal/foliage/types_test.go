package foliage

import (
	"testing"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func grass() GeometryType {
	return GeometryType{
		Mesh:              "/Game/Foliage/Grass_01",
		Density:           0.5,
		Scale:             Interval{Min: 1, Max: 1.5},
		ZOffset:           Interval{Min: -5, Max: 0},
		CollidesWithWorld: true,
		CullingDistances:  Interval{Min: 4096, Max: 32768},
	}
}

func TestKey_EqualTypesShareKeyAndHash(t *testing.T) {
	a := grass()
	b := grass()
	b.AlignToNormal = true
	b.CullingDistances = Interval{Min: 1, Max: 2}

	assert.Equal(t, a.Key(), b.Key())
	assert.Equal(t, a.Key().Hash(), b.Key().Hash())
}

func TestKey_PoolingFieldsChangeKey(t *testing.T) {
	base := grass()

	mutations := map[string]func(*GeometryType){
		"mesh":      func(g *GeometryType) { g.Mesh = "/Game/Foliage/Bush_01" },
		"density":   func(g *GeometryType) { g.Density = 0.25 },
		"collision": func(g *GeometryType) { g.CollidesWithWorld = false },
		"lighting":  func(g *GeometryType) { g.AffectsDistanceFieldLighting = true },
		"scaleMin":  func(g *GeometryType) { g.Scale.Min = 0.5 },
		"scaleMax":  func(g *GeometryType) { g.Scale.Max = 3 },
		"yaw":       func(g *GeometryType) { g.RandomYaw = true },
		"offsetMin": func(g *GeometryType) { g.ZOffset.Min = -10 },
		"offsetMax": func(g *GeometryType) { g.ZOffset.Max = 10 },
	}

	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			g := grass()
			mutate(&g)
			assert.NotEqual(t, base.Key(), g.Key())
			assert.NotEqual(t, base.Key().Hash(), g.Key().Hash())
		})
	}
}

func TestKey_NegativeZeroHashesLikeZero(t *testing.T) {
	a := grass()
	a.ZOffset = Interval{}
	b := a
	negZero := 0.0
	negZero = -negZero
	b.ZOffset.Max = negZero

	require.Equal(t, a.Key(), b.Key())
	assert.Equal(t, a.Key().Hash(), b.Key().Hash())
}

func TestGeometryType_Validate(t *testing.T) {
	require.NoError(t, grass().Validate())

	g := grass()
	g.Density = 1.5
	assert.ErrorIs(t, g.Validate(), ErrInvalidGeometryType)

	g = grass()
	g.Mesh = ""
	assert.ErrorIs(t, g.Validate(), ErrInvalidGeometryType)

	g = grass()
	g.Scale = Interval{Min: 2, Max: 1}
	assert.ErrorIs(t, g.Validate(), ErrInvalidGeometryType)
}

func TestCategory_ValidatePoolSize(t *testing.T) {
	c := Category{Name: "Grass", GeometryTypes: []GeometryType{grass()}}
	require.NoError(t, c.Validate(), "zero selects the default")

	c.PooledComponentsPerType = 2
	require.NoError(t, c.Validate())

	c.PooledComponentsPerType = -1
	assert.ErrorIs(t, c.Validate(), ErrInvalidGeometryType)
}

func TestCategory_PoolSizeDefault(t *testing.T) {
	assert.Equal(t, DefaultPooledComponentsPerType, Category{}.PoolSize())
	assert.Equal(t, 7, Category{PooledComponentsPerType: 7}.PoolSize())
}

func TestInterval_Lerp(t *testing.T) {
	i := Interval{Min: 2, Max: 4}
	assert.InDelta(t, 2.0, i.Lerp(0), 1e-12)
	assert.InDelta(t, 3.0, i.Lerp(0.5), 1e-12)
	assert.InDelta(t, 4.0, i.Lerp(1), 1e-12)
}

func TestBatch_ByKeyMergesSharedTypes(t *testing.T) {
	shared := grass()
	other := grass()
	other.Mesh = "/Game/Foliage/Fern_01"

	categories := []Category{
		{Name: "Grass", GeometryTypes: []GeometryType{shared}},
		{Name: "Meadow", GeometryTypes: []GeometryType{other, shared}},
	}
	b := NewBatch(categories)
	b.Add(0, 0, Transform{Position: mgl64.Vec3{1, 0, 0}})
	b.Add(1, 0, Transform{Position: mgl64.Vec3{2, 0, 0}})
	b.Add(1, 1, Transform{Position: mgl64.Vec3{3, 0, 0}})

	assert.Equal(t, 3, b.Len())

	merged := b.ByKey()
	require.Len(t, merged, 2)
	assert.Equal(t, shared.Key(), merged[0].Key)
	require.Len(t, merged[0].Transforms, 2)
	assert.Equal(t, 1.0, merged[0].Transforms[0].Position.X())
	assert.Equal(t, 3.0, merged[0].Transforms[1].Position.X())
	assert.Equal(t, other.Key(), merged[1].Key)

	counts := b.CountsByMesh()
	assert.Equal(t, 2, counts["/Game/Foliage/Grass_01"])
	assert.Equal(t, 1, counts["/Game/Foliage/Fern_01"])
}

func TestBatch_NilIsEmpty(t *testing.T) {
	var b *Batch
	assert.Equal(t, 0, b.Len())
	assert.Nil(t, b.ByKey())
}

func TestLinearColor_DistanceRGB(t *testing.T) {
	a := LinearColor{R: 1, G: 0, B: 0, A: 1}
	b := LinearColor{R: 0, G: 0, B: 0, A: 0}
	assert.InDelta(t, 1.0, a.DistanceRGB(b), 1e-12)
	assert.InDelta(t, 0.0, a.DistanceRGB(a), 1e-12)
}
