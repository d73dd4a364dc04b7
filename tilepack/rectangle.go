package tilepack

import (
	"errors"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

var ErrInvalidRectangle = errors.New("tilepack: invalid tile rectangle")

type GenerateTilesConsumerFunc func(tile maptile.Tile)

// TileRectangle is an inclusive range of tile indices at a single zoom.
type TileRectangle struct {
	MinX int
	MaxX int
	MinY int
	MaxY int
	Zoom maptile.Zoom
}

// NewTileRectangle spans the two corners regardless of which one is the
// top-left.
func NewTileRectangle(a, b TileIndex) TileRectangle {
	return TileRectangle{
		MinX: min(a.X, b.X),
		MaxX: max(a.X, b.X),
		MinY: min(a.Y, b.Y),
		MaxY: max(a.Y, b.Y),
		Zoom: a.Z,
	}
}

// RectangleFromPoints converts two diagonal corners to the covering tile
// rectangle at zoom.
func RectangleFromPoints(a, b GeoPoint, zoom maptile.Zoom) TileRectangle {
	return NewTileRectangle(PointToTile(a, zoom), PointToTile(b, zoom))
}

func (r TileRectangle) Cols() int {
	return r.MaxX - r.MinX + 1
}

func (r TileRectangle) Rows() int {
	return r.MaxY - r.MinY + 1
}

// Count is the number of tiles in the rectangle, never negative.
func (r TileRectangle) Count() int {
	cols, rows := r.Cols(), r.Rows()
	if cols <= 0 || rows <= 0 {
		return 0
	}
	return cols * rows
}

// Validate checks ordering and that every index lies inside the pyramid.
func (r TileRectangle) Validate() error {
	if r.MinX > r.MaxX || r.MinY > r.MaxY {
		return fmt.Errorf("%w: min exceeds max in %s", ErrInvalidRectangle, r)
	}
	limit := 1 << uint(r.Zoom)
	for _, v := range []int{r.MinX, r.MaxX, r.MinY, r.MaxY} {
		if v < 0 || v >= limit {
			return fmt.Errorf("%w: index %d outside [0, %d) in %s", ErrInvalidRectangle, v, limit, r)
		}
	}
	return nil
}

// Contains reports whether tile lies inside the rectangle.
func (r TileRectangle) Contains(tile maptile.Tile) bool {
	x, y := int(tile.X), int(tile.Y)
	return tile.Z == r.Zoom && x >= r.MinX && x <= r.MaxX && y >= r.MinY && y <= r.MaxY
}

// Tiles calls consumer for every tile in row-major order (y outer, x inner).
func (r TileRectangle) Tiles(consumer GenerateTilesConsumerFunc) {
	for y := r.MinY; y <= r.MaxY; y++ {
		for x := r.MinX; x <= r.MaxX; x++ {
			consumer(maptile.New(uint32(x), uint32(y), r.Zoom))
		}
	}
}

// Bound returns the WGS84 extent covered by the rectangle.
func (r TileRectangle) Bound() orb.Bound {
	topLeft := maptile.New(uint32(r.MinX), uint32(r.MinY), r.Zoom).Bound()
	bottomRight := maptile.New(uint32(r.MaxX), uint32(r.MaxY), r.Zoom).Bound()
	return topLeft.Union(bottomRight)
}

// Origin returns the Web-Mercator coordinate of the top-left pixel.
func (r TileRectangle) Origin() (mx, my float64) {
	return TileToMeters(r.MinX, r.MinY, r.Zoom)
}

func (r TileRectangle) String() string {
	return fmt.Sprintf("z%d x[%d..%d] y[%d..%d]", r.Zoom, r.MinX, r.MaxX, r.MinY, r.MaxY)
}
