package tilepack

import "github.com/paulmach/orb/maptile"

type TileRequest struct {
	Tile maptile.Tile
	URL  string
}

// TileResponse carries the outcome of one request. Exactly one of Cached,
// Err or Data describes the result.
type TileResponse struct {
	Tile    maptile.Tile
	Data    []byte
	Elapsed float64 // seconds spent fetching
	Cached  bool
	Err     error
}
