package tilepack

import (
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3" // Register sqlite3 database driver
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

const (
	batchSize = 1000
)

func NewMbtilesStore(dsn string) (*mbtilesStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	// sqlite allows a single writer; one connection keeps reads inside the
	// pending batch transaction.
	db.SetMaxOpenConns(1)

	return &mbtilesStore{db: db}, nil
}

// mbtilesStore keeps tiles in an MBTiles 1.3 database. Rows are stored in
// TMS order; the public API speaks XYZ.
type mbtilesStore struct {
	mu         sync.Mutex
	db         *sql.DB
	txn        *sql.Tx
	batchCount int
	hasTiles   bool
}

func (o *mbtilesStore) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	err := o.commit()

	if o.db != nil {
		if err2 := o.db.Close(); err2 != nil {
			err = err2
		}
		o.db = nil
	}

	return err
}

func (o *mbtilesStore) commit() error {
	if o.txn == nil {
		return nil
	}
	err := o.txn.Commit()
	o.txn = nil
	o.batchCount = 0
	return err
}

func (o *mbtilesStore) q() queryer {
	if o.txn != nil {
		return o.txn
	}
	return o.db
}

func (o *mbtilesStore) CreateTiles() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.createTiles()
}

func (o *mbtilesStore) createTiles() error {
	if o.hasTiles {
		return nil
	}
	if _, err := o.db.Exec(`
		BEGIN TRANSACTION;
		CREATE TABLE IF NOT EXISTS map (
			zoom_level INTEGER NOT NULL,
			tile_column INTEGER NOT NULL,
			tile_row INTEGER NOT NULL,
			tile_id TEXT NOT NULL
		);
		CREATE UNIQUE INDEX IF NOT EXISTS map_index ON map (zoom_level, tile_column, tile_row);
		CREATE TABLE IF NOT EXISTS images (
			tile_data BLOB NOT NULL,
			tile_id TEXT NOT NULL
		);
		CREATE UNIQUE INDEX IF NOT EXISTS images_id ON images (tile_id);
		CREATE TABLE IF NOT EXISTS metadata (
			name TEXT,
			value TEXT
		);
		CREATE UNIQUE INDEX IF NOT EXISTS name ON metadata (name);
		CREATE VIEW IF NOT EXISTS tiles AS
		SELECT
			map.zoom_level AS zoom_level,
			map.tile_column AS tile_column,
			map.tile_row AS tile_row,
			images.tile_data AS tile_data
		FROM map
		JOIN images ON images.tile_id = map.tile_id;
		INSERT OR IGNORE INTO metadata (name, value) VALUES ('format', 'jpg');
		INSERT OR IGNORE INTO metadata (name, value) VALUES ('type', 'overlay');
		COMMIT;
	`); err != nil {
		return err
	}
	o.hasTiles = true
	return nil
}

func (o *mbtilesStore) Has(tile maptile.Tile) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.createTiles(); err != nil {
		return false, err
	}

	var one int
	row := o.q().QueryRow("SELECT 1 FROM map WHERE zoom_level=? AND tile_column=? AND tile_row=? LIMIT 1", tile.Z, tile.X, flipY(tile.Z, tile.Y))
	if err := row.Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (o *mbtilesStore) Load(tile maptile.Tile) ([]byte, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.createTiles(); err != nil {
		return nil, err
	}
	return getTile(o.q(), tile)
}

func (o *mbtilesStore) Save(tile maptile.Tile, data []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.createTiles(); err != nil {
		return err
	}

	if o.txn == nil {
		tx, err := o.db.Begin()
		if err != nil {
			return err
		}
		o.txn = tx
	}

	hash := md5.Sum(data)
	tileID := hex.EncodeToString(hash[:])

	_, err := o.txn.Exec("INSERT OR REPLACE INTO images (tile_id, tile_data) VALUES (?, ?);", tileID, data)
	if err != nil {
		return err
	}

	_, err = o.txn.Exec("INSERT OR REPLACE INTO map (zoom_level, tile_column, tile_row, tile_id) VALUES (?, ?, ?, ?);", tile.Z, tile.X, flipY(tile.Z, tile.Y), tileID)
	if err != nil {
		return err
	}

	o.batchCount++

	if o.batchCount%batchSize == 0 {
		return o.commit()
	}

	return nil
}

// VisitAllTiles flushes pending writes and visits every stored tile.
func (o *mbtilesStore) VisitAllTiles(visitor func(maptile.Tile, []byte) error) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.createTiles(); err != nil {
		return err
	}
	if err := o.commit(); err != nil {
		return err
	}
	return visitAllTiles(o.db, visitor)
}

func (o *mbtilesStore) Metadata() (*MbtilesMetadata, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.createTiles(); err != nil {
		return nil, err
	}
	return readMetadata(o.q())
}

// AssignSpatialMetadata records bounds, center and zoom range for viewers.
func (o *mbtilesStore) AssignSpatialMetadata(bound orb.Bound, minZoom maptile.Zoom, maxZoom maptile.Zoom) error {
	center := bound.Center()

	metadata := NewMbtilesMetadata(map[string]string{})
	metadata.SetBounds(bound)
	metadata.Set("center", fmt.Sprintf("%f,%f,%d", center.X(), center.Y(), minZoom))
	metadata.Set("minzoom", fmt.Sprintf("%d", minZoom))
	metadata.Set("maxzoom", fmt.Sprintf("%d", maxZoom))

	return o.AssignMetadata(metadata)
}

func (o *mbtilesStore) AssignMetadata(metadata *MbtilesMetadata) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err := o.createTiles(); err != nil {
		return err
	}
	if err := o.commit(); err != nil {
		return err
	}

	tx, err := o.db.Begin()
	if err != nil {
		return err
	}

	for _, k := range metadata.Keys() {
		v, _ := metadata.Get(k)
		if _, err := tx.Exec("INSERT OR REPLACE INTO metadata (name, value) VALUES (?, ?)", k, v); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to assign %s metadata, %w", k, err)
		}
	}

	return tx.Commit()
}
