package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"runtime/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
	"github.com/schollz/progressbar/v3"

	"github.com/tilezen/go-tilemosaic/config"
	"github.com/tilezen/go-tilemosaic/georef"
	"github.com/tilezen/go-tilemosaic/georef/gdal"
	"github.com/tilezen/go-tilemosaic/mosaic"
	"github.com/tilezen/go-tilemosaic/tilepack"
)

const (
	progressInterval = 250 * time.Millisecond
)

var errInvalidCoordinate = errors.New("invalid format, use: latitude,longitude (e.g., 37.427,-122.145)")

// parseLatLon reads "lat,lon". Spaces are ignored.
func parseLatLon(s string) (tilepack.GeoPoint, error) {
	parts := strings.Split(strings.ReplaceAll(s, " ", ""), ",")
	if len(parts) != 2 {
		return tilepack.GeoPoint{}, errInvalidCoordinate
	}
	lat, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return tilepack.GeoPoint{}, errInvalidCoordinate
	}
	lon, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return tilepack.GeoPoint{}, errInvalidCoordinate
	}
	if math.IsNaN(lat) || math.IsNaN(lon) || math.IsInf(lat, 0) || math.IsInf(lon, 0) {
		return tilepack.GeoPoint{}, errInvalidCoordinate
	}
	return tilepack.GeoPoint{Lat: lat, Lon: lon}, nil
}

// promptLine asks until parse accepts the answer. An empty answer is handed
// to parse like any other.
func promptLine[T any](in *bufio.Reader, out io.Writer, prompt string, parse func(string) (T, error)) (T, error) {
	for {
		fmt.Fprint(out, prompt)
		line, err := in.ReadString('\n')
		if err != nil && (line == "" || !errors.Is(err, io.EOF)) {
			var zero T
			return zero, err
		}
		v, perr := parse(strings.TrimSpace(line))
		if perr == nil {
			return v, nil
		}
		fmt.Fprintln(out, perr)
		if err != nil {
			var zero T
			return zero, perr
		}
	}
}

// promptCRS asks for the target CRS. An empty answer, or no answer at all,
// selects WGS84.
func promptCRS(in *bufio.Reader, out io.Writer) (string, error) {
	crs, err := promptLine(in, out, "Enter CRS (default "+georef.WGS84+"): ", func(s string) (string, error) {
		if s == "" {
			return georef.WGS84, nil
		}
		return s, nil
	})
	if errors.Is(err, io.EOF) {
		return georef.WGS84, nil
	}
	return crs, err
}

func parseZoom(s string) (maptile.Zoom, error) {
	z, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.New("please enter an integer")
	}
	if err := tilepack.ValidateZoom(z); err != nil {
		return 0, err
	}
	return maptile.Zoom(z), nil
}

// buildRect clamps both corners into the Web-Mercator domain, warning when a
// corner moves, and returns the covering rectangle.
func buildRect(topLeft, bottomRight tilepack.GeoPoint, zoom maptile.Zoom, logger *slog.Logger) (tilepack.TileRectangle, error) {
	if err := tilepack.ValidateZoom(int(zoom)); err != nil {
		return tilepack.TileRectangle{}, err
	}
	corners := []*tilepack.GeoPoint{&topLeft, &bottomRight}
	for _, c := range corners {
		if clamped := tilepack.ClampPoint(*c); clamped != *c {
			logger.Warn("Coordinate outside the Web-Mercator range, clamping", "from", c.String(), "to", clamped.String())
			*c = clamped
		}
	}
	rect := tilepack.RectangleFromPoints(topLeft, bottomRight, zoom)
	if err := rect.Validate(); err != nil {
		return tilepack.TileRectangle{}, err
	}
	return rect, nil
}

// showProgress redraws bar from progress until done is closed.
func showProgress(bar *progressbar.ProgressBar, progress *tilepack.Progress, done <-chan struct{}) {
	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()

	update := func() {
		snap := progress.Snapshot()
		bar.Describe("ETA: " + tilepack.FormatETA(snap.ETA, snap.ETAKnown))
		bar.Set(snap.Completed)
	}

	for {
		select {
		case <-done:
			update()
			return
		case <-ticker.C:
			update()
		}
	}
}

type spatialMetadataAssigner interface {
	AssignSpatialMetadata(bound orb.Bound, minZoom maptile.Zoom, maxZoom maptile.Zoom) error
}

type runSummary struct {
	Fetch   tilepack.FetchResult
	Mosaic  *mosaic.Result
	Pmtiles int
}

// run fetches rect into the configured store, stitches whatever arrived and
// writes the georeferencing sidecars. Stitching problems are logged, not
// returned.
func run(ctx context.Context, cfg *config.Config, rect tilepack.TileRectangle, projector georef.Projector, logger *slog.Logger, progressOut io.Writer) (*runSummary, error) {
	store, err := tilepack.OpenStore(cfg.Store.Mode, cfg.Store.DSN)
	if err != nil {
		return nil, fmt.Errorf("couldn't open %s store: %w", cfg.Store.Mode, err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Error closing store", "error", err)
		}
	}()

	xyzOpts := cfg.XYZOptions()
	xyzOpts.Logger = logger
	generator, err := tilepack.NewXYZJobGenerator(cfg.Source.URLTemplate, rect, xyzOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to create job generator: %w", err)
	}

	total := rect.Count()
	logger.Info("Downloading tiles", "rect", rect.String(), "zoom", rect.Zoom, "crs", cfg.Output.CRS, "total", total)

	progress := tilepack.NewProgress(nil)
	bar := progressbar.NewOptions(total,
		progressbar.OptionSetWriter(progressOut),
		progressbar.OptionShowCount(),
		progressbar.OptionSetDescription("ETA: "+tilepack.FormatETA(0, false)),
	)
	done := make(chan struct{})
	displayDone := make(chan struct{})
	go func() {
		defer close(displayDone)
		showProgress(bar, progress, done)
	}()

	fetched, fetchErr := tilepack.FetchRegion(ctx, rect, generator, store, progress, tilepack.FetchOptions{
		Workers: cfg.Source.Workers,
		Logger:  logger,
	})
	close(done)
	<-displayDone
	bar.Finish()
	fmt.Fprintln(progressOut)

	summary := &runSummary{Fetch: fetched}
	if fetchErr != nil {
		return summary, fetchErr
	}
	logger.Info("Download complete", "completed", fetched.Completed, "cached", fetched.Cached, "failed", fetched.Failed)

	if fetched.Stored == 0 {
		logger.Warn("No tiles were downloaded, nothing to stitch")
		return summary, nil
	}

	stitcher := &mosaic.Stitcher{
		OutputDir: cfg.Output.Dir,
		Projector: projector,
		Logger:    logger,
	}
	result, err := stitcher.Stitch(rect, store, cfg.Output.CRS)
	summary.Mosaic = result
	switch {
	case result == nil:
		logger.Error("Error during stitching", "error", err)
	case err != nil:
		logger.Error("Mosaic saved without georeferencing", "path", result.Path, "error", err)
	default:
		logger.Info("Stitched image saved", "path", result.Path, "tiles", result.Tiles, "total", total, "missing", result.Missing)
		logger.Info("Added georeferencing information", "crs", result.CRSName, "world_file", result.WorldFilePath, "aux", result.AuxPath)
	}

	if assigner, ok := store.(spatialMetadataAssigner); ok {
		if err := assigner.AssignSpatialMetadata(rect.Bound(), rect.Zoom, rect.Zoom); err != nil {
			logger.Error("Couldn't assign mbtiles metadata", "error", err)
		}
	}

	if cfg.Output.Pmtiles != "" {
		n, err := tilepack.ExportPmtiles(store, rect, cfg.Output.Pmtiles)
		summary.Pmtiles = n
		if err != nil {
			logger.Error("Couldn't export pmtiles", "path", cfg.Output.Pmtiles, "error", err)
		} else {
			logger.Info("Exported pmtiles", "path", cfg.Output.Pmtiles, "tiles", n)
		}
	}

	return summary, nil
}

func main() {
	configPath := flag.String("config", "", "Optional config file (yaml, toml or json).")
	topLeftStr := flag.String("top-left", "", "Top-left corner as lat,lon. Prompted for when empty.")
	bottomRightStr := flag.String("bottom-right", "", "Bottom-right corner as lat,lon. Prompted for when empty.")
	zoomFlag := flag.Int("zoom", -1, "Zoom level (0-20). Prompted for when unset.")
	crs := flag.String("crs", "", "Target CRS of the mosaic, e.g. EPSG:4326 or EPSG:3857. Prompted for when neither the flag nor the config sets one.")
	urlTemplate := flag.String("url-template", "", "Tile URL template with {x}, {y} and {z} placeholders. file:// URLs read from -file-transport-root.")
	fileTransportRoot := flag.String("file-transport-root", "", "The root directory for tiles if -url-template defines a file:// URL scheme.")
	storeMode := flag.String("store", "", "Tile store: disk, mbtiles or s3.")
	dsn := flag.String("dsn", "", "Path, or DSN string, of the tile store.")
	outputDir := flag.String("output-dir", "", "Directory for the stitched mosaic and its sidecars.")
	workers := flag.Int("workers", 0, "Number of tile fetch workers. 0 picks from the tile count.")
	timeout := flag.Duration("timeout", 0, "HTTP client timeout for tile requests.")
	retries := flag.Int("retries", 0, "Retries for 5xx responses.")
	pmtilesPath := flag.String("pmtiles", "", "Also pack the fetched tiles into a PMTiles archive at this path.")
	logLevel := flag.String("log-level", "", "Log level: debug, info, warn or error.")
	cpuProfile := flag.String("cpuprofile", "", "Enables CPU profiling. Saves the dump to the given path.")
	flag.Parse()

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			log.Fatal("could not create CPU profile: ", err)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal("could not start CPU profile: ", err)
		}
		defer pprof.StopCPUProfile()
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Couldn't load config: %v", err)
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "crs":
			cfg.Output.CRS = *crs
		case "url-template":
			cfg.Source.URLTemplate = *urlTemplate
		case "file-transport-root":
			cfg.Source.FileTransportRoot = *fileTransportRoot
		case "store":
			cfg.Store.Mode = *storeMode
		case "dsn":
			cfg.Store.DSN = *dsn
		case "output-dir":
			cfg.Output.Dir = *outputDir
		case "workers":
			cfg.Source.Workers = *workers
		case "timeout":
			cfg.Source.Timeout = *timeout
		case "retries":
			cfg.Source.Retries = *retries
		case "pmtiles":
			cfg.Output.Pmtiles = *pmtilesPath
		case "log-level":
			cfg.Logging.Level = *logLevel
		}
	})

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger := config.SetupLogger(cfg.Logging, os.Stderr)

	stdin := bufio.NewReader(os.Stdin)
	coord := func(value string, prompt string) tilepack.GeoPoint {
		if value != "" {
			p, err := parseLatLon(value)
			if err != nil {
				log.Fatalf("%s: %v", prompt, err)
			}
			return p
		}
		p, err := promptLine(stdin, os.Stdout, prompt, parseLatLon)
		if err != nil {
			log.Fatalf("%s: %v", prompt, err)
		}
		return p
	}
	topLeft := coord(*topLeftStr, "Enter Top-Left coordinate (lat,lon): ")
	bottomRight := coord(*bottomRightStr, "Enter Bottom-Right coordinate (lat,lon): ")

	var zoom maptile.Zoom
	if *zoomFlag >= 0 {
		if err := tilepack.ValidateZoom(*zoomFlag); err != nil {
			log.Fatalf("Invalid zoom: %v", err)
		}
		zoom = maptile.Zoom(*zoomFlag)
	} else {
		zoom, err = promptLine(stdin, os.Stdout, "Enter Zoom Level (0-20): ", parseZoom)
		if err != nil {
			log.Fatalf("Invalid zoom: %v", err)
		}
	}

	if cfg.Output.CRS == "" {
		cfg.Output.CRS, err = promptCRS(stdin, os.Stdout)
		if err != nil {
			log.Fatalf("Invalid CRS: %v", err)
		}
	}

	rect, err := buildRect(topLeft, bottomRight, zoom, logger)
	if err != nil {
		log.Fatalf("Invalid area: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if _, err := run(ctx, cfg, rect, gdal.NewProjector(), logger, os.Stderr); err != nil {
		logger.Error("Run failed", "error", err)
		stop()
		pprof.StopCPUProfile()
		os.Exit(1)
	}

	logger.Info("Processing complete. Be mindful of the tile provider's terms of service.")
}
