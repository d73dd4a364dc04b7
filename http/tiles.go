package http

import (
	"errors"
	"fmt"
	"log/slog"
	gohttp "net/http"
	"regexp"
	"strconv"

	"github.com/paulmach/orb/maptile"

	"github.com/tilezen/go-tilemosaic/tilepack"
)

var (
	tileRegex = regexp.MustCompile(`\/tiles\/(\d+)\/(\d+)\/(\d+)\.jpg$`)
)

// TileHandler serves cached tiles at /tiles/{z}/{x}/{y}.jpg.
func TileHandler(store tilepack.TileStore, logger *slog.Logger) gohttp.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}

	return func(w gohttp.ResponseWriter, r *gohttp.Request) {
		if r.Method != gohttp.MethodGet && r.Method != gohttp.MethodHead {
			gohttp.Error(w, "method not allowed", gohttp.StatusMethodNotAllowed)
			return
		}

		requestedTile, err := parseTileFromPath(r.URL.Path)
		if err != nil {
			gohttp.NotFound(w, r)
			return
		}

		data, err := store.Load(requestedTile)
		if errors.Is(err, tilepack.ErrTileNotFound) {
			gohttp.NotFound(w, r)
			return
		}
		if err != nil {
			logger.Error("Error getting tile", "tile", requestedTile, "error", err)
			gohttp.Error(w, "internal error", gohttp.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "image/jpeg")
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		if r.Method == gohttp.MethodHead {
			return
		}
		w.Write(data)
	}
}

func parseTileFromPath(url string) (maptile.Tile, error) {
	match := tileRegex.FindStringSubmatch(url)
	if match == nil {
		return maptile.Tile{}, fmt.Errorf("invalid tile path")
	}

	z, err := strconv.ParseUint(match[1], 10, 8)
	if err != nil || z > uint64(tilepack.MaxZoom) {
		return maptile.Tile{}, fmt.Errorf("invalid zoom %s", match[1])
	}
	x, err := strconv.ParseUint(match[2], 10, 32)
	if err != nil {
		return maptile.Tile{}, fmt.Errorf("invalid x %s", match[2])
	}
	y, err := strconv.ParseUint(match[3], 10, 32)
	if err != nil {
		return maptile.Tile{}, fmt.Errorf("invalid y %s", match[3])
	}

	limit := uint64(1) << z
	if x >= limit || y >= limit {
		return maptile.Tile{}, fmt.Errorf("tile %d/%d/%d outside pyramid", z, x, y)
	}

	return maptile.New(uint32(x), uint32(y), maptile.Zoom(z)), nil
}
