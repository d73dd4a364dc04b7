package tilepack

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/paulmach/orb/maptile"
)

var ErrTileNotFound = errors.New("tilepack: tile not found")

// TileStore persists encoded tiles keyed by their XYZ address. Saves for
// distinct tiles may come from different goroutines.
type TileStore interface {
	CreateTiles() error
	Has(tile maptile.Tile) (bool, error)
	// Load returns ErrTileNotFound when the tile was never saved.
	Load(tile maptile.Tile) ([]byte, error)
	Save(tile maptile.Tile, data []byte) error
	Close() error
}

// OpenStore builds the store named by mode. For s3 the dsn has the form
// s3://bucket/prefix.
func OpenStore(mode string, dsn string) (TileStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("%s store needs a dsn", mode)
	}

	switch mode {
	case "disk":
		store, err := NewDiskStore(dsn)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "mbtiles":
		store, err := NewMbtilesStore(dsn)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "s3":
		u, err := url.Parse(dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to parse s3 dsn, %w", err)
		}
		if u.Scheme != "s3" || u.Host == "" {
			return nil, fmt.Errorf("s3 dsn must look like s3://bucket/prefix, got %q", dsn)
		}
		sess, err := session.NewSessionWithOptions(session.Options{
			SharedConfigState: session.SharedConfigEnable,
		})
		if err != nil {
			return nil, fmt.Errorf("unable to create AWS session, %w", err)
		}
		return NewS3Store(s3.New(sess), u.Host, strings.Trim(u.Path, "/")), nil
	default:
		return nil, fmt.Errorf("unknown store mode %q", mode)
	}
}
