// Package georeftest provides a GDAL-free Projector for tests.
package georeftest

import (
	"fmt"
	"sync/atomic"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"

	"github.com/tilezen/go-tilemosaic/georef"
)

const (
	mercatorWKT = `PROJCS["WGS 84 / Pseudo-Mercator",GEOGCS["WGS 84"],PROJECTION["Mercator_1SP"],AUTHORITY["EPSG","3857"]]`
	wgs84WKT    = `GEOGCS["WGS 84",DATUM["WGS_1984"],AUTHORITY["EPSG","4326"]]`
)

// Projector knows EPSG:3857 and EPSG:4326 on the sphere and nothing else.
type Projector struct {
	// Transforms counts Transform calls.
	Transforms atomic.Int64
}

func (p *Projector) Resolve(id string) (georef.CRS, error) {
	switch id {
	case georef.WebMercator:
		return georef.NewCRS(id, mercatorWKT, false), nil
	case georef.WGS84:
		return georef.NewCRS(id, wgs84WKT, true), nil
	default:
		return nil, fmt.Errorf("%w %q", georef.ErrUnknownCRS, id)
	}
}

func (p *Projector) Transform(src, dst georef.CRS, x, y float64) (float64, float64, error) {
	p.Transforms.Add(1)

	switch {
	case src.Name() == dst.Name():
		return x, y, nil
	case src.Name() == georef.WebMercator && dst.Name() == georef.WGS84:
		pt := project.Mercator.ToWGS84(orb.Point{x, y})
		return pt.Lon(), pt.Lat(), nil
	case src.Name() == georef.WGS84 && dst.Name() == georef.WebMercator:
		pt := project.WGS84.ToMercator(orb.Point{x, y})
		return pt.X(), pt.Y(), nil
	default:
		return 0, 0, fmt.Errorf("no transform from %s to %s", src.Name(), dst.Name())
	}
}
