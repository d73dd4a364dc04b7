package tilepack

import (
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3" // Register sqlite3 database driver
	"github.com/paulmach/orb/maptile"
)

type MbtilesReader interface {
	Close() error
	GetTile(tile maptile.Tile) ([]byte, error)
	VisitAllTiles(visitor func(maptile.Tile, []byte) error) error
	Metadata() (*MbtilesMetadata, error)
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// flipY converts between XYZ and TMS rows. It is its own inverse.
func flipY(z maptile.Zoom, y uint32) uint32 {
	return (uint32(1) << uint(z)) - 1 - y
}

func NewMbtilesReader(dsn string) (MbtilesReader, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	return NewMbtilesReaderWithDatabase(db)
}

func NewMbtilesReaderWithDatabase(db *sql.DB) (MbtilesReader, error) {
	return &mbtilesReader{db: db}, nil
}

type mbtilesReader struct {
	db *sql.DB
}

// Close gracefully tears down the mbtiles connection.
func (o *mbtilesReader) Close() error {
	if o.db != nil {
		return o.db.Close()
	}
	return nil
}

// GetTile returns data for the given XYZ tile or ErrTileNotFound.
func (o *mbtilesReader) GetTile(tile maptile.Tile) ([]byte, error) {
	return getTile(o.db, tile)
}

// VisitAllTiles runs the given function on all tiles in this mbtiles archive,
// stopping at the first error the visitor returns.
func (o *mbtilesReader) VisitAllTiles(visitor func(maptile.Tile, []byte) error) error {
	return visitAllTiles(o.db, visitor)
}

func (o *mbtilesReader) Metadata() (*MbtilesMetadata, error) {
	return readMetadata(o.db)
}

func getTile(q queryer, tile maptile.Tile) ([]byte, error) {
	var data []byte

	result := q.QueryRow("SELECT tile_data FROM tiles WHERE zoom_level=? AND tile_column=? AND tile_row=? LIMIT 1", tile.Z, tile.X, flipY(tile.Z, tile.Y))
	err := result.Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %d/%d/%d", ErrTileNotFound, tile.Z, tile.X, tile.Y)
		}
		return nil, err
	}
	return data, nil
}

func visitAllTiles(q queryer, visitor func(maptile.Tile, []byte) error) error {
	rows, err := q.Query("SELECT zoom_level, tile_column, tile_row, tile_data FROM tiles")
	if err != nil {
		return err
	}
	defer rows.Close()

	var x, y uint32
	var z maptile.Zoom
	for rows.Next() {
		data := []byte{}
		if err := rows.Scan(&z, &x, &y, &data); err != nil {
			return fmt.Errorf("couldn't scan row: %w", err)
		}

		if err := visitor(maptile.New(x, flipY(z, y), z), data); err != nil {
			return err
		}
	}
	return rows.Err()
}

func readMetadata(q queryer) (*MbtilesMetadata, error) {
	rows, err := q.Query("SELECT name, value FROM metadata")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	metadata := make(map[string]string)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("couldn't scan metadata row: %w", err)
		}
		metadata[name] = value
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return NewMbtilesMetadata(metadata), nil
}
