package georef

import (
	"fmt"

	"github.com/tilezen/go-tilemosaic/tilepack"
)

// GeoTransform maps pixel coordinates to CRS coordinates. Fields follow the
// world-file line order.
type GeoTransform struct {
	PixelSizeX float64
	RotationY  float64
	RotationX  float64
	PixelSizeY float64
	OriginX    float64
	OriginY    float64
}

// GDAL returns the transform in GDAL's coefficient order.
func (gt GeoTransform) GDAL() [6]float64 {
	return [6]float64{gt.OriginX, gt.PixelSizeX, gt.RotationX, gt.OriginY, gt.RotationY, gt.PixelSizeY}
}

// ComputeGeoTransform derives the transform of the mosaic of rect in target.
//
// Geographic targets average the pixel size over the whole mosaic. Projected
// targets take the size of the top-left pixel.
func ComputeGeoTransform(p Projector, rect tilepack.TileRectangle, target CRS) (GeoTransform, error) {
	if rect.Count() <= 0 {
		return GeoTransform{}, fmt.Errorf("cannot georeference empty rectangle %s", rect)
	}

	source, err := p.Resolve(WebMercator)
	if err != nil {
		return GeoTransform{}, fmt.Errorf("failed to resolve %s: %w", WebMercator, err)
	}

	res := tilepack.Resolution(rect.Zoom)
	mx, my := rect.Origin()

	originX, originY, err := p.Transform(source, target, mx, my)
	if err != nil {
		return GeoTransform{}, fmt.Errorf("failed to transform mosaic origin: %w", err)
	}

	gt := GeoTransform{OriginX: originX, OriginY: originY}

	if target.IsGeographic() {
		width := float64(rect.Cols() * tilepack.TileSize)
		height := float64(rect.Rows() * tilepack.TileSize)

		farX, farY, err := p.Transform(source, target, mx+res*width, my-res*height)
		if err != nil {
			return GeoTransform{}, fmt.Errorf("failed to transform mosaic corner: %w", err)
		}
		gt.PixelSizeX = (farX - originX) / width
		gt.PixelSizeY = (farY - originY) / height
		return gt, nil
	}

	nextX, nextY, err := p.Transform(source, target, mx+res, my-res)
	if err != nil {
		return GeoTransform{}, fmt.Errorf("failed to transform first pixel: %w", err)
	}
	gt.PixelSizeX = nextX - originX
	gt.PixelSizeY = nextY - originY
	return gt, nil
}
