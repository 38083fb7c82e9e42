package geo

import (
	"errors"
	"math"
	"strconv"
	"strings"

	"github.com/go-gl/mathgl/mgl64"
	geom "github.com/peterstace/simplefeatures/geom"
	"github.com/wroge/wgs84"
)

// World frame: X points east, Y points south and Z points up, in world units.
// Geographic positions are WGS84 longitude/latitude in degrees with heights in meters.

// ErrInvalidCoordinates is returned when the coordinates are invalid
var ErrInvalidCoordinates = errors.New("invalid coordinates provided")

// Georeference converts between world and geographic coordinates.
type Georeference interface {
	GeographicToWorld(lon, lat, height float64) mgl64.Vec3
	WorldToGeographic(pos mgl64.Vec3) (lon, lat, height float64)
	// EastNorthUp returns the local east, north and up axes (as columns) in world space.
	EastNorthUp(pos mgl64.Vec3) mgl64.Mat3
}

// MercatorReference places the world origin at a geographic point and maps
// the surrounding area through EPSG:3857, rescaled to true meters at the
// origin latitude.
type MercatorReference struct {
	originLon, originLat, originHeight float64
	originX, originY                   float64
	scale                              float64
	unitsPerMeter                      float64

	toMercator   func(lon, lat float64) (x, y float64)
	toGeographic func(x, y float64) (lon, lat float64)
}

// NewMercatorReference creates a georeference centred on the given origin.
func NewMercatorReference(lon, lat, height, unitsPerMeter float64) (*MercatorReference, error) {
	if math.IsNaN(lon) || math.IsNaN(lat) || lat <= -85 || lat >= 85 || lon < -180 || lon > 180 {
		return nil, ErrInvalidCoordinates
	}
	if unitsPerMeter <= 0 {
		unitsPerMeter = 1
	}

	epsg := wgs84.EPSG()
	forward := epsg.Transform(4326, 3857)
	inverse := epsg.Transform(3857, 4326)

	r := &MercatorReference{
		originLon:     lon,
		originLat:     lat,
		originHeight:  height,
		scale:         math.Cos(mgl64.DegToRad(lat)),
		unitsPerMeter: unitsPerMeter,
		toMercator: func(lon, lat float64) (float64, float64) {
			x, y, _ := forward(lon, lat, 0)
			return x, y
		},
		toGeographic: func(x, y float64) (float64, float64) {
			lon, lat, _ := inverse(x, y, 0)
			return lon, lat
		},
	}
	r.originX, r.originY = r.toMercator(lon, lat)
	return r, nil
}

// Origin returns the geographic origin as a point.
func (r *MercatorReference) Origin() (geom.Point, error) {
	return geom.NewPoint(geom.Coordinates{
		XY:   geom.XY{X: r.originLon, Y: r.originLat},
		Z:    r.originHeight,
		Type: geom.DimXYZ,
	})
}

// GeographicToWorld converts longitude/latitude/height to world coordinates.
func (r *MercatorReference) GeographicToWorld(lon, lat, height float64) mgl64.Vec3 {
	x, y := r.toMercator(lon, lat)
	k := r.scale * r.unitsPerMeter
	return mgl64.Vec3{
		(x - r.originX) * k,
		-(y - r.originY) * k,
		(height - r.originHeight) * r.unitsPerMeter,
	}
}

// WorldToGeographic converts world coordinates to longitude/latitude/height.
func (r *MercatorReference) WorldToGeographic(pos mgl64.Vec3) (lon, lat, height float64) {
	k := r.scale * r.unitsPerMeter
	x := r.originX + pos.X()/k
	y := r.originY - pos.Y()/k
	lon, lat = r.toGeographic(x, y)
	return lon, lat, pos.Z()/r.unitsPerMeter + r.originHeight
}

// EastNorthUp returns the local tangent frame. The projected frame is flat,
// so it is the same everywhere.
func (r *MercatorReference) EastNorthUp(mgl64.Vec3) mgl64.Mat3 {
	return mgl64.Mat3FromCols(
		mgl64.Vec3{1, 0, 0},
		mgl64.Vec3{0, -1, 0},
		mgl64.Vec3{0, 0, 1},
	)
}

// Up returns the up column of an east-north-up frame.
func Up(enu mgl64.Mat3) mgl64.Vec3 {
	return enu.Col(2)
}

// ExtentsFromBox converts the horizontal extent of a world box to geographic extents.
func ExtentsFromBox(ref Georeference, box Box) Extents {
	// Y points south, so the minimum Y edge is the northern one
	west, north, _ := ref.WorldToGeographic(mgl64.Vec3{box.Min.X(), box.Min.Y(), 0})
	east, south, _ := ref.WorldToGeographic(mgl64.Vec3{box.Max.X(), box.Max.Y(), 0})
	return Extents{West: west, South: south, East: east, North: north}
}

// ExtentsAround builds square geographic extents of widthDegrees centred on a world position.
func ExtentsAround(ref Georeference, center mgl64.Vec3, widthDegrees float64) Extents {
	lon, lat, _ := ref.WorldToGeographic(center)
	h := widthDegrees / 2
	return Extents{West: lon - h, South: lat - h, East: lon + h, North: lat + h}
}

// BoxFromExtents converts geographic extents back to a world box spanning [minZ, maxZ].
func BoxFromExtents(ref Georeference, e Extents, minZ, maxZ float64) Box {
	nw := ref.GeographicToWorld(e.West, e.North, 0)
	se := ref.GeographicToWorld(e.East, e.South, 0)
	return Box{
		Min: mgl64.Vec3{nw.X(), nw.Y(), minZ},
		Max: mgl64.Vec3{se.X(), se.Y(), maxZ},
	}
}

// ParseOrigin parses a string in the format "long,lat" or "long,lat,elev".
func ParseOrigin(coords string) (lon, lat, elev float64, err error) {
	coordsSplit := strings.Split(coords, ",")
	if len(coordsSplit) < 2 {
		return 0, 0, 0, ErrInvalidCoordinates
	}
	lon, err = strconv.ParseFloat(strings.TrimSpace(coordsSplit[0]), 64)
	if err != nil {
		return 0, 0, 0, ErrInvalidCoordinates
	}
	lat, err = strconv.ParseFloat(strings.TrimSpace(coordsSplit[1]), 64)
	if err != nil {
		return 0, 0, 0, ErrInvalidCoordinates
	}
	if len(coordsSplit) > 2 {
		elev, err = strconv.ParseFloat(strings.TrimSpace(coordsSplit[2]), 64)
		if err != nil {
			return 0, 0, 0, ErrInvalidCoordinates
		}
	}
	return lon, lat, elev, nil
}
