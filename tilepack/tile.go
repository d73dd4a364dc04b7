package tilepack

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

const (
	// TileSize is the edge length of a tile in pixels.
	TileSize = 256

	// OriginShift is half the Web-Mercator world width in meters.
	OriginShift = 20037508.342789244

	// MaxZoom is the deepest zoom level accepted from user input.
	MaxZoom maptile.Zoom = 20

	webMercatorLatLimit float64 = 85.05112877980659
	clampEpsilon        float64 = 0.00000001
)

// GeoPoint is a WGS84 coordinate in degrees.
type GeoPoint struct {
	Lat float64
	Lon float64
}

// Point returns the orb representation (lon, lat) of the coordinate.
func (p GeoPoint) Point() orb.Point {
	return orb.Point{p.Lon, p.Lat}
}

func (p GeoPoint) String() string {
	return fmt.Sprintf("%g,%g", p.Lat, p.Lon)
}

// TileIndex addresses one tile of the XYZ pyramid. X and Y are signed so that
// coordinates outside the Mercator domain produce meaningless values instead
// of wrapping around.
type TileIndex struct {
	X int
	Y int
	Z maptile.Zoom
}

// Tile converts the index to the maptile key used by tile stores.
func (t TileIndex) Tile() maptile.Tile {
	return maptile.New(uint32(t.X), uint32(t.Y), t.Z)
}

// PointToTile returns the tile containing point at zoom using the standard
// slippy-map formula. Latitudes at or beyond the Mercator limit are not
// corrected.
func PointToTile(point GeoPoint, zoom maptile.Zoom) TileIndex {
	n := math.Exp2(float64(zoom))
	latRad := point.Lat * math.Pi / 180.0

	x := math.Floor((point.Lon + 180.0) / 360.0 * n)
	y := math.Floor((1.0 - math.Log(math.Tan(latRad)+1.0/math.Cos(latRad))/math.Pi) / 2.0 * n)

	return TileIndex{X: int(x), Y: int(y), Z: zoom}
}

// Resolution returns the Web-Mercator meters per pixel at zoom.
func Resolution(zoom maptile.Zoom) float64 {
	return 2 * OriginShift / (TileSize * math.Exp2(float64(zoom)))
}

// TileToMeters returns the Web-Mercator coordinate of the top-left corner of
// tile (x, y) at zoom.
func TileToMeters(x, y int, zoom maptile.Zoom) (mx, my float64) {
	res := Resolution(zoom)
	mx = float64(x)*TileSize*res - OriginShift
	my = OriginShift - float64(y)*TileSize*res
	return mx, my
}

// ValidateZoom reports whether zoom is within the supported range.
func ValidateZoom(zoom int) error {
	if zoom < 0 || zoom > int(MaxZoom) {
		return fmt.Errorf("zoom %d out of range [0, %d]", zoom, MaxZoom)
	}
	return nil
}

// ClampPoint limits a coordinate to the Web-Mercator domain. The east and
// south edges are pulled in slightly so the point maps to the last tile
// instead of one past it.
func ClampPoint(p GeoPoint) GeoPoint {
	return GeoPoint{
		Lat: math.Max(-webMercatorLatLimit+clampEpsilon, math.Min(webMercatorLatLimit, p.Lat)),
		Lon: math.Max(-180.0, math.Min(180.0-clampEpsilon, p.Lon)),
	}
}
