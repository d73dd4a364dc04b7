package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"

	"github.com/tilezen/go-tilemosaic/config"
	"github.com/tilezen/go-tilemosaic/tilepack"
)

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return !os.IsNotExist(err)
}

// extent tracks the bounds and zoom range of the tiles it has seen.
type extent struct {
	bound   *orb.Bound
	minZoom maptile.Zoom
	maxZoom maptile.Zoom
}

func (e *extent) add(t maptile.Tile) {
	tb := t.Bound()
	if e.bound == nil {
		e.bound = &tb
		e.minZoom, e.maxZoom = t.Z, t.Z
		return
	}
	tb = e.bound.Union(tb)
	e.bound = &tb
	e.minZoom = min(e.minZoom, t.Z)
	e.maxZoom = max(e.maxZoom, t.Z)
}

// merge copies every tile of inputs into output. Later inputs win on
// conflicting tiles.
func merge(output string, inputs []string) (int, *extent, error) {
	store, err := tilepack.NewMbtilesStore(output)
	if err != nil {
		return 0, nil, fmt.Errorf("couldn't create output mbtiles: %w", err)
	}
	if err := store.CreateTiles(); err != nil {
		store.Close()
		return 0, nil, fmt.Errorf("couldn't create output mbtiles: %w", err)
	}

	seen := &extent{}
	count := 0
	for _, input := range inputs {
		reader, err := tilepack.NewMbtilesReader(input)
		if err != nil {
			store.Close()
			return count, nil, fmt.Errorf("couldn't read input mbtiles %s: %w", input, err)
		}

		err = reader.VisitAllTiles(func(t maptile.Tile, data []byte) error {
			seen.add(t)
			count++
			return store.Save(t, data)
		})
		reader.Close()
		if err != nil {
			store.Close()
			return count, nil, fmt.Errorf("couldn't copy tiles from %s: %w", input, err)
		}
	}

	if seen.bound != nil {
		if err := store.AssignSpatialMetadata(*seen.bound, seen.minZoom, seen.maxZoom); err != nil {
			store.Close()
			return count, seen, err
		}
	}
	return count, seen, store.Close()
}

func main() {
	outputFilename := flag.String("output", "", "The output mbtiles to write to")
	logLevel := flag.String("log-level", "INFO", "Log level: debug, info, warn or error.")
	flag.Parse()
	inputFilenames := flag.Args()

	if *outputFilename == "" {
		log.Fatalf("Must specify --output path")
	}

	if len(inputFilenames) == 0 {
		log.Fatalf("Must specify at least one input path")
	}

	logger := config.SetupLogger(config.LoggingConfig{Level: *logLevel}, os.Stderr)
	logger.Info("Merging tile caches", "inputs", strings.Join(inputFilenames, ", "), "output", *outputFilename)

	// If the output file exists already we shouldn't overwrite it
	if pathExists(*outputFilename) {
		log.Fatalf("Output path %s already exists and cannot be overwritten", *outputFilename)
	}

	count, _, err := merge(*outputFilename, inputFilenames)
	if err != nil {
		log.Fatalf("Merge failed: %v", err)
	}
	logger.Info("Merged tiles", "count", count, "output", *outputFilename)
}
