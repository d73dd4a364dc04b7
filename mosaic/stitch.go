// Package mosaic composites a tile rectangle from a store into a single
// georeferenced JPEG.
package mosaic

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/paulmach/orb/maptile"
	"golang.org/x/image/draw"

	"github.com/tilezen/go-tilemosaic/georef"
	"github.com/tilezen/go-tilemosaic/tilepack"
)

var ErrNothingToStitch = errors.New("mosaic: nothing to stitch")

type Stitcher struct {
	OutputDir string
	Projector georef.Projector
	// Now dates the output file name. Defaults to time.Now.
	Now    func() time.Time
	Logger *slog.Logger
}

type Result struct {
	Path          string
	WorldFilePath string
	AuxPath       string
	Width         int
	Height        int
	Tiles         int
	Missing       int
	CRSName       string
	GeoTransform  georef.GeoTransform
}

func (s *Stitcher) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

// OutputPath is <dir>/<YYYY-MM-DD>_z<zoom>.jpg. A second run on the same day
// at the same zoom replaces the earlier mosaic.
func (s *Stitcher) OutputPath(zoom maptile.Zoom) string {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	name := fmt.Sprintf("%s_z%d.jpg", now().Format("2006-01-02"), zoom)
	return filepath.Join(s.OutputDir, name)
}

// Compose draws every stored tile of rect onto a new canvas. Missing or
// undecodable tiles leave their cell black and are counted.
func Compose(rect tilepack.TileRectangle, store tilepack.TileStore, logger *slog.Logger) (*image.RGBA, int, error) {
	if logger == nil {
		logger = slog.Default()
	}

	width := rect.Cols() * tilepack.TileSize
	height := rect.Rows() * tilepack.TileSize
	if rect.Count() <= 0 || width <= 0 || height <= 0 {
		return nil, 0, fmt.Errorf("%w: %s", ErrNothingToStitch, rect)
	}

	canvas := image.NewRGBA(image.Rect(0, 0, width, height))
	missing := 0
	var storeErr error

	rect.Tiles(func(tile maptile.Tile) {
		if storeErr != nil {
			return
		}

		data, err := store.Load(tile)
		if errors.Is(err, tilepack.ErrTileNotFound) {
			missing++
			return
		}
		if err != nil {
			storeErr = fmt.Errorf("failed to load tile %d/%d/%d: %w", tile.Z, tile.X, tile.Y, err)
			return
		}

		img, _, err := image.Decode(bytes.NewReader(data))
		if err != nil {
			logger.Warn("Skipping undecodable tile", "tile", tile, "error", err)
			missing++
			return
		}

		px := (int(tile.X) - rect.MinX) * tilepack.TileSize
		py := (int(tile.Y) - rect.MinY) * tilepack.TileSize
		cell := image.Rect(px, py, px+tilepack.TileSize, py+tilepack.TileSize)

		if img.Bounds().Dx() == tilepack.TileSize && img.Bounds().Dy() == tilepack.TileSize {
			draw.Draw(canvas, cell, img, img.Bounds().Min, draw.Src)
		} else {
			draw.ApproxBiLinear.Scale(canvas, cell, img, img.Bounds(), draw.Src, nil)
		}
	})

	if storeErr != nil {
		return nil, missing, storeErr
	}
	return canvas, missing, nil
}

// Stitch composes rect, writes the mosaic and its world file and PAM sidecar
// in targetCRS. An unknown targetCRS falls back to WGS84. When georeferencing
// fails the mosaic is kept and the partial result is returned with the error.
func (s *Stitcher) Stitch(rect tilepack.TileRectangle, store tilepack.TileStore, targetCRS string) (*Result, error) {
	logger := s.logger()

	canvas, missing, err := Compose(rect, store, logger)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(s.OutputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	path := s.OutputPath(rect.Zoom)
	if err := writeJPEG(path, canvas); err != nil {
		return nil, err
	}

	result := &Result{
		Path:    path,
		Width:   canvas.Bounds().Dx(),
		Height:  canvas.Bounds().Dy(),
		Tiles:   rect.Count() - missing,
		Missing: missing,
	}
	logger.Info("Wrote mosaic", "path", path, "width", result.Width, "height", result.Height, "tiles", result.Tiles, "missing", missing)

	if s.Projector == nil {
		return result, errors.New("no projector configured, mosaic is not georeferenced")
	}

	crs, err := georef.ResolveOrDefault(s.Projector, targetCRS, logger)
	if err != nil {
		return result, err
	}
	result.CRSName = crs.Name()

	gt, err := georef.ComputeGeoTransform(s.Projector, rect, crs)
	if err != nil {
		return result, err
	}
	result.GeoTransform = gt

	if result.WorldFilePath, err = georef.WriteWorldFile(path, gt); err != nil {
		return result, err
	}
	if result.AuxPath, err = georef.WriteAuxXML(path, crs, gt); err != nil {
		return result, err
	}

	logger.Info("Georeferenced mosaic", "crs", crs.Name(), "world_file", result.WorldFilePath, "aux", result.AuxPath)
	return result, nil
}

func writeJPEG(path string, img image.Image) error {
	fh, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create mosaic %s: %w", path, err)
	}

	if err := jpeg.Encode(fh, img, &jpeg.Options{Quality: tilepack.JPEGQuality}); err != nil {
		fh.Close()
		return fmt.Errorf("failed to encode mosaic: %w", err)
	}
	return fh.Close()
}
