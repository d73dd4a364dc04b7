// Package gdal resolves and transforms coordinate reference systems through
// GDAL/PROJ. It needs cgo and libgdal.
package gdal

import (
	"fmt"
	"sync"

	"github.com/airbusgeo/godal"

	"github.com/tilezen/go-tilemosaic/georef"
)

// Projector implements georef.Projector. Resolved CRS are cached by
// identifier.
type Projector struct {
	mu    sync.Mutex
	cache map[string]georef.CRS
}

var _ georef.Projector = (*Projector)(nil)

func NewProjector() *Projector {
	return &Projector{cache: make(map[string]georef.CRS)}
}

// Resolve accepts anything GDAL understands as user input: EPSG codes, PROJ
// strings or WKT.
func (p *Projector) Resolve(id string) (georef.CRS, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if crs, ok := p.cache[id]; ok {
		return crs, nil
	}

	sr, err := godal.NewSpatialRef(id)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", georef.ErrUnknownCRS, id, err)
	}
	defer sr.Close()

	wkt, err := sr.WKT()
	if err != nil {
		return nil, fmt.Errorf("failed to export %s as wkt: %w", id, err)
	}

	crs := georef.NewCRS(id, wkt, sr.Geographic())
	p.cache[id] = crs
	return crs, nil
}

func (p *Projector) Transform(src, dst georef.CRS, x, y float64) (float64, float64, error) {
	srcRef, err := godal.NewSpatialRefFromWKT(src.WKT())
	if err != nil {
		return 0, 0, fmt.Errorf("failed to load %s: %w", src.Name(), err)
	}
	defer srcRef.Close()

	dstRef, err := godal.NewSpatialRefFromWKT(dst.WKT())
	if err != nil {
		return 0, 0, fmt.Errorf("failed to load %s: %w", dst.Name(), err)
	}
	defer dstRef.Close()

	trn, err := godal.NewTransform(srcRef, dstRef)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to create transform %s -> %s: %w", src.Name(), dst.Name(), err)
	}
	defer trn.Close()

	xs := []float64{x}
	ys := []float64{y}
	zs := []float64{0}
	ok := []bool{false}
	if err := trn.TransformEx(xs, ys, zs, ok); err != nil {
		return 0, 0, fmt.Errorf("failed to transform (%f, %f): %w", x, y, err)
	}
	if !ok[0] {
		return 0, 0, fmt.Errorf("point (%f, %f) cannot be transformed from %s to %s", x, y, src.Name(), dst.Name())
	}
	return xs[0], ys[0], nil
}
