// Package georef attaches coordinate reference metadata to mosaics: world
// files, GDAL PAM sidecars, and the CRS lookups and point transforms they need.
package georef

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

const (
	// WebMercator is the CRS every XYZ tile pyramid is laid out in.
	WebMercator = "EPSG:3857"
	// WGS84 is substituted when a requested CRS can't be resolved.
	WGS84 = "EPSG:4326"
)

var ErrUnknownCRS = errors.New("georef: unknown crs")

// CRS is a resolved coordinate reference system.
type CRS interface {
	// Name is the identifier the CRS was resolved from.
	Name() string
	IsGeographic() bool
	WKT() string
}

// Projector resolves CRS identifiers and transforms points between them.
// Geographic coordinates are passed as x=longitude, y=latitude.
type Projector interface {
	Resolve(id string) (CRS, error)
	Transform(src, dst CRS, x, y float64) (float64, float64, error)
}

// ResolveOrDefault resolves id, falling back to WGS84 with a warning when id
// is empty or unknown.
func ResolveOrDefault(p Projector, id string, logger *slog.Logger) (CRS, error) {
	if logger == nil {
		logger = slog.Default()
	}

	id = strings.TrimSpace(id)
	if id != "" {
		crs, err := p.Resolve(id)
		if err == nil {
			return crs, nil
		}
		logger.Warn("Invalid CRS, using default", "crs", id, "default", WGS84, "error", err)
	}

	crs, err := p.Resolve(WGS84)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve default crs %s: %w", WGS84, err)
	}
	return crs, nil
}

type resolvedCRS struct {
	name       string
	wkt        string
	geographic bool
}

func (c *resolvedCRS) Name() string       { return c.name }
func (c *resolvedCRS) IsGeographic() bool { return c.geographic }
func (c *resolvedCRS) WKT() string        { return c.wkt }

// NewCRS builds a CRS value from already known properties. Projector
// implementations use it to return their results.
func NewCRS(name string, wkt string, geographic bool) CRS {
	return &resolvedCRS{name: name, wkt: wkt, geographic: geographic}
}
