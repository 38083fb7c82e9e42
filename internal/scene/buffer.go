package scene

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/png"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/image/tiff"

	"github.com/terrascape/foliage/internal/foliage"
)

// ErrReleased is returned when reading a buffer after Release.
var ErrReleased = errors.New("buffer released")

// MemoryBuffer is an in-memory render target. It satisfies readback.Buffer.
type MemoryBuffer struct {
	id            string
	width, height int

	mu       sync.RWMutex
	pixels   []foliage.LinearColor
	released atomic.Bool
}

// NewMemoryBuffer allocates a black buffer. An empty id gets a random one.
func NewMemoryBuffer(id string, width, height int) *MemoryBuffer {
	if id == "" {
		id = uuid.NewString()
	}
	return &MemoryBuffer{
		id:     id,
		width:  width,
		height: height,
		pixels: make([]foliage.LinearColor, width*height),
	}
}

func (b *MemoryBuffer) ID() string       { return b.id }
func (b *MemoryBuffer) Size() (int, int) { return b.width, b.height }
func (b *MemoryBuffer) Valid() bool      { return !b.released.Load() }

// Release invalidates the handle, as a renderer does when it drops a target.
func (b *MemoryBuffer) Release() {
	b.released.Store(true)
}

// Set writes one pixel. Out of range writes are ignored.
func (b *MemoryBuffer) Set(x, y int, c foliage.LinearColor) {
	if x < 0 || y < 0 || x >= b.width || y >= b.height {
		return
	}
	b.mu.Lock()
	b.pixels[y*b.width+x] = c
	b.mu.Unlock()
}

// At returns one pixel, or black when out of range.
func (b *MemoryBuffer) At(x, y int) foliage.LinearColor {
	if x < 0 || y < 0 || x >= b.width || y >= b.height {
		return foliage.LinearColor{}
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.pixels[y*b.width+x]
}

// ReadPixels copies rect in row-major order.
func (b *MemoryBuffer) ReadPixels(rect image.Rectangle) ([]foliage.LinearColor, error) {
	if b.released.Load() {
		return nil, fmt.Errorf("%w: %s", ErrReleased, b.id)
	}
	if !rect.In(image.Rect(0, 0, b.width, b.height)) {
		return nil, fmt.Errorf("rect %v outside %dx%d", rect, b.width, b.height)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]foliage.LinearColor, 0, rect.Dx()*rect.Dy())
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		row := b.pixels[y*b.width+rect.Min.X : y*b.width+rect.Max.X]
		out = append(out, row...)
	}
	return out, nil
}

// Image converts the buffer to a 16-bit image. Channels are clamped to [0,1].
func (b *MemoryBuffer) Image() *image.NRGBA64 {
	img := image.NewNRGBA64(image.Rect(0, 0, b.width, b.height))
	b.mu.RLock()
	defer b.mu.RUnlock()
	for y := 0; y < b.height; y++ {
		for x := 0; x < b.width; x++ {
			c := b.pixels[y*b.width+x]
			img.SetNRGBA64(x, y, color.NRGBA64{
				R: to16(c.R),
				G: to16(c.G),
				B: to16(c.B),
				A: to16(c.A),
			})
		}
	}
	return img
}

// FromImage copies img into a new buffer. Channels are taken as already linear.
func FromImage(id string, img image.Image) *MemoryBuffer {
	bounds := img.Bounds()
	b := NewMemoryBuffer(id, bounds.Dx(), bounds.Dy())
	for y := 0; y < bounds.Dy(); y++ {
		for x := 0; x < bounds.Dx(); x++ {
			c := color.NRGBA64Model.Convert(img.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.NRGBA64)
			b.pixels[y*b.width+x] = foliage.LinearColor{
				R: float64(c.R) / 0xffff,
				G: float64(c.G) / 0xffff,
				B: float64(c.B) / 0xffff,
				A: float64(c.A) / 0xffff,
			}
		}
	}
	return b
}

// LoadImageBuffer reads a capture dump. TIFF files keep their 16-bit
// channels; anything else goes through image.Decode.
func LoadImageBuffer(path string) (*MemoryBuffer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	var img image.Image
	switch strings.ToLower(filepath.Ext(path)) {
	case ".tif", ".tiff":
		img, err = tiff.Decode(f)
	default:
		img, _, err = image.Decode(f)
	}
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return FromImage(filepath.Base(path), img), nil
}

// SaveTIFF writes the buffer as a deflate-compressed 16-bit TIFF.
func (b *MemoryBuffer) SaveTIFF(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	if err := tiff.Encode(f, b.Image(), &tiff.Options{Compression: tiff.Deflate}); err != nil {
		f.Close()
		return fmt.Errorf("encoding %s: %w", path, err)
	}
	return f.Close()
}

func to16(v float64) uint16 {
	switch {
	case v <= 0 || math.IsNaN(v):
		return 0
	case v >= 1:
		return 0xffff
	default:
		return uint16(v*0xffff + 0.5)
	}
}
