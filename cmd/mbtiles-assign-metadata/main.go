package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"

	"github.com/tilezen/go-tilemosaic/config"
	"github.com/tilezen/go-tilemosaic/tilepack"
)

var errEmptyCache = errors.New("cache holds no tiles")

// assign derives bounds and zoom range from the tiles in the mbtiles cache at
// path and writes them to its metadata table.
func assign(path string) error {
	store, err := tilepack.NewMbtilesStore(path)
	if err != nil {
		return fmt.Errorf("couldn't open %s: %w", path, err)
	}
	defer store.Close()

	var bounds *orb.Bound
	minZoom := maptile.Zoom(tilepack.MaxZoom)
	maxZoom := maptile.Zoom(0)

	err = store.VisitAllTiles(func(t maptile.Tile, _ []byte) error {
		tb := t.Bound()
		if bounds == nil {
			bounds = &tb
		} else {
			tb = bounds.Union(tb)
			bounds = &tb
		}
		minZoom = min(minZoom, t.Z)
		maxZoom = max(maxZoom, t.Z)
		return nil
	})
	if err != nil {
		return fmt.Errorf("couldn't read tiles from %s: %w", path, err)
	}
	if bounds == nil {
		return errEmptyCache
	}

	if err := store.AssignSpatialMetadata(*bounds, minZoom, maxZoom); err != nil {
		return fmt.Errorf("failed to assign spatial metadata to %s: %w", path, err)
	}
	return store.Close()
}

func describe(path string) (string, error) {
	reader, err := tilepack.NewMbtilesReader(path)
	if err != nil {
		return "", err
	}
	defer reader.Close()

	metadata, err := reader.Metadata()
	if err != nil {
		return "", fmt.Errorf("unable to read metadata: %w", err)
	}
	bounds, err := metadata.Bounds()
	if err != nil {
		return "", err
	}
	center, err := metadata.Center()
	if err != nil {
		return "", err
	}
	minZoom, err := metadata.MinZoom()
	if err != nil {
		return "", err
	}
	maxZoom, err := metadata.MaxZoom()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("bounds: %v center: %v zoom: %d-%d", bounds, center, minZoom, maxZoom), nil
}

func main() {
	var verify bool
	flag.BoolVar(&verify, "verify", false, "Verify that spatial metadata was written to each database")
	flag.Parse()

	logger := config.SetupLogger(config.LoggingConfig{Level: "INFO"}, os.Stderr)

	for _, path := range flag.Args() {
		if err := assign(path); err != nil {
			if errors.Is(err, errEmptyCache) {
				logger.Warn("Skipping cache without tiles", "path", path)
				continue
			}
			log.Fatalf("%v", err)
		}

		if verify {
			desc, err := describe(path)
			if err != nil {
				log.Fatalf("Failed to verify metadata of %s: %v", path, err)
			}
			logger.Info("Verified metadata", "path", path, "metadata", desc)
		}
	}
}
