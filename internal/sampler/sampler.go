package sampler

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/cespare/xxhash/v2"
	"github.com/go-gl/mathgl/mgl64"

	"github.com/terrascape/foliage/internal/foliage"
	"github.com/terrascape/foliage/internal/geo"
	"github.com/terrascape/foliage/internal/readback"
)

// DefaultColorTolerance is the largest RGB distance still treated as a match.
const DefaultColorTolerance = 0.05

var (
	// ErrSurfaceMismatch is returned when the two surfaces differ in size.
	ErrSurfaceMismatch = errors.New("classification and normal/depth surfaces differ in size")
	// ErrEmptySurface is returned when a surface has no pixels.
	ErrEmptySurface = errors.New("empty surface")
)

// GridSize is the number of sampling cells along each axis. Z is unused.
type GridSize struct {
	X int `json:"x" mapstructure:"x"`
	Y int `json:"y" mapstructure:"y"`
	Z int `json:"z" mapstructure:"z"`
}

func (g GridSize) cells() (int, int) {
	x, y := g.X, g.Y
	if x <= 0 {
		x = 1
	}
	if y <= 0 {
		y = 1
	}
	return x, y
}

// Corrector refines a candidate against the world surface.
type Corrector interface {
	Correct(pos, up mgl64.Vec3) (position, normal mgl64.Vec3, ok bool)
}

// Config holds the sampling parameters.
type Config struct {
	GridSize GridSize
	Seed     uint64
	// ReferenceArea is the area, in world units squared, over which a density
	// of 1 yields one expected point. Defaults to one square meter.
	ReferenceArea  float64
	ColorTolerance float64
	Mapper         geo.Mapper
	Decoder        geo.HeightDecoder

	// Optional
	Georeference geo.Georeference
	Corrector    Corrector
}

// Input is one capture to sample.
type Input struct {
	Classification readback.Surface
	NormalDepth    readback.Surface
	Bounds         geo.Box
	// Region restricts sampling to part of the bounds when set.
	Region     *geo.Box
	Categories []foliage.Category
}

// Stats counts what happened during a pass.
type Stats struct {
	Cells         int
	Skipped       int
	Candidates    int
	Accepted      int
	Mismatched    int
	RaycastMisses int
}

// Result is the outcome of a sampling pass.
type Result struct {
	Batch *foliage.Batch
	Stats Stats
}

// Sampler turns captured surfaces into candidate transforms.
// It holds no mutable state and is safe for concurrent use.
type Sampler struct {
	cfg Config
}

// New creates a Sampler, filling defaults.
func New(cfg Config) *Sampler {
	if cfg.ColorTolerance <= 0 {
		cfg.ColorTolerance = DefaultColorTolerance
	}
	if cfg.ReferenceArea <= 0 {
		upm := cfg.Mapper.UnitsPerMeter
		if upm <= 0 {
			upm = 1
		}
		cfg.ReferenceArea = upm * upm
	}
	return &Sampler{cfg: cfg}
}

// Config returns the effective configuration.
func (s *Sampler) Config() Config {
	return s.cfg
}

// pass carries the per-call state of a sampling run.
type pass struct {
	cfg     Config
	in      Input
	dims    geo.Dimensions
	extents geo.Extents
	batch   *foliage.Batch
	stats   Stats
}

// Sample runs one pass over the input. ctx is checked between cells.
func (s *Sampler) Sample(ctx context.Context, in Input) (*Result, error) {
	if len(in.Classification.Pixels) == 0 || len(in.NormalDepth.Pixels) == 0 {
		return nil, ErrEmptySurface
	}
	if in.Classification.Width != in.NormalDepth.Width || in.Classification.Height != in.NormalDepth.Height {
		return nil, fmt.Errorf("%w: %dx%d vs %dx%d", ErrSurfaceMismatch,
			in.Classification.Width, in.Classification.Height, in.NormalDepth.Width, in.NormalDepth.Height)
	}

	p := &pass{
		cfg:   s.cfg,
		in:    in,
		dims:  in.Classification.Dimensions(),
		batch: foliage.NewBatch(in.Categories),
	}
	if s.cfg.Georeference != nil {
		p.extents = geo.ExtentsFromBox(s.cfg.Georeference, in.Bounds)
	}

	nx, ny := s.cfg.GridSize.cells()
	size := in.Bounds.Size()
	cellW, cellH := size.X()/float64(nx), size.Y()/float64(ny)

	for cy := range ny {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for cx := range nx {
			cell := geo.Box{
				Min: mgl64.Vec3{in.Bounds.Min.X() + float64(cx)*cellW, in.Bounds.Min.Y() + float64(cy)*cellH, in.Bounds.Min.Z()},
				Max: mgl64.Vec3{in.Bounds.Min.X() + float64(cx+1)*cellW, in.Bounds.Min.Y() + float64(cy+1)*cellH, in.Bounds.Max.Z()},
			}
			cell = cell.Intersect2D(in.Bounds)
			if in.Region != nil {
				cell = cell.Intersect2D(*in.Region)
			}
			if cell.Empty2D() {
				p.stats.Skipped++
				continue
			}
			p.stats.Cells++
			p.sampleCell(cx, cy, cell)
		}
	}

	return &Result{Batch: p.batch, Stats: p.stats}, nil
}

func (p *pass) sampleCell(cx, cy int, cell geo.Box) {
	size := cell.Size()
	area := size.X() * size.Y()

	for ci, cat := range p.in.Categories {
		for ti, gt := range cat.GeometryTypes {
			if gt.Density <= 0 {
				continue
			}
			rng := rand.New(rand.NewPCG(streamSeed(p.cfg.Seed, cx, cy, ci, ti)))

			expected := gt.Density * area / p.cfg.ReferenceArea
			count := int(math.Floor(expected))
			if rng.Float64() < expected-math.Floor(expected) {
				count++
			}

			for range count {
				p.stats.Candidates++
				d := draw{
					x:       cell.Min.X() + rng.Float64()*size.X(),
					y:       cell.Min.Y() + rng.Float64()*size.Y(),
					zOffset: gt.ZOffset.Lerp(rng.Float64()),
					scale:   gt.Scale.Lerp(rng.Float64()),
					yaw:     rng.Float64() * 360,
				}
				if t, ok := p.place(cat, gt, d); ok {
					p.batch.Add(ci, ti, t)
					p.stats.Accepted++
				}
			}
		}
	}
}

// draw holds the random values of one candidate, in draw order.
type draw struct {
	x, y    float64
	zOffset float64
	scale   float64
	yaw     float64
}

func (p *pass) place(cat foliage.Category, gt foliage.GeometryType, d draw) (foliage.Transform, bool) {
	pos := mgl64.Vec3{d.x, d.y, 0}
	px := p.cfg.Mapper.WorldToPixel(pos, p.dims, p.in.Bounds)

	if p.in.Classification.At(px.X, px.Y).DistanceRGB(cat.Color) > p.cfg.ColorTolerance {
		p.stats.Mismatched++
		return foliage.Transform{}, false
	}

	nd := p.in.NormalDepth.At(px.X, px.Y)
	height := p.cfg.Decoder.Decode(nd.A)
	normal := geo.DecodeNormal(nd)
	up := mgl64.Vec3{0, 0, 1}

	if ref := p.cfg.Georeference; ref != nil {
		size := p.in.Bounds.Size()
		fx := (d.x - p.in.Bounds.Min.X()) / size.X() * float64(p.dims.Width)
		fy := (d.y - p.in.Bounds.Min.Y()) / size.Y() * float64(p.dims.Height)
		geoPoint, err := p.cfg.Mapper.PixelToGeographic(fx, fy, height, p.dims, p.extents)
		if err != nil {
			return foliage.Transform{}, false
		}
		c, _ := geoPoint.Coordinates()
		pos = ref.GeographicToWorld(c.X, c.Y, c.Z)
		up = geo.Up(ref.EastNorthUp(pos))
	} else {
		pos[2] = height * p.mapperUnits()
	}
	pos = pos.Add(up.Mul(d.zOffset))

	if cat.AlignToSurfaceWithRaycast && p.cfg.Corrector != nil {
		hitPos, hitNormal, ok := p.cfg.Corrector.Correct(pos, up)
		if !ok {
			p.stats.RaycastMisses++
			return foliage.Transform{}, false
		}
		pos = hitPos.Add(up.Mul(d.zOffset))
		normal = hitNormal
	}

	rotation := mgl64.QuatIdent()
	if gt.AlignToNormal {
		rotation = mgl64.QuatBetweenVectors(up, normal)
	}
	if gt.RandomYaw {
		rotation = rotation.Mul(mgl64.QuatRotate(mgl64.DegToRad(d.yaw), up))
	}

	return foliage.Transform{
		Position: pos,
		Rotation: rotation,
		Scale:    mgl64.Vec3{d.scale, d.scale, d.scale},
	}, true
}

func (p *pass) mapperUnits() float64 {
	if p.cfg.Mapper.UnitsPerMeter <= 0 {
		return 1
	}
	return p.cfg.Mapper.UnitsPerMeter
}

// streamSeed derives the PCG seed of one cell, category and geometry type.
func streamSeed(seed uint64, cx, cy, ci, ti int) (uint64, uint64) {
	var buf [41]byte
	binary.LittleEndian.PutUint64(buf[0:], seed)
	binary.LittleEndian.PutUint64(buf[8:], uint64(cx))
	binary.LittleEndian.PutUint64(buf[16:], uint64(cy))
	binary.LittleEndian.PutUint64(buf[24:], uint64(ci))
	binary.LittleEndian.PutUint64(buf[32:], uint64(ti))
	lo := xxhash.Sum64(buf[:40])
	buf[40] = 1
	return lo, xxhash.Sum64(buf[:])
}
