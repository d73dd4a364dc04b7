package tilepack

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/paulmach/orb/maptile"
)

// diskStore lays tiles out as <root>/Tiles_Z<z>/<z>_<x>_<y>.jpg.
type diskStore struct {
	root string
}

func NewDiskStore(dsn string) (*diskStore, error) {
	root, err := filepath.Abs(dsn)
	if err != nil {
		return nil, err
	}
	return &diskStore{root: root}, nil
}

func (o *diskStore) Close() error {
	return nil
}

func (o *diskStore) CreateTiles() error {
	info, err := os.Stat(o.root)
	if err != nil {
		if os.IsNotExist(err) {
			return os.MkdirAll(o.root, 0755)
		}
		return err
	}

	if !info.IsDir() {
		return fmt.Errorf("tile root %s is already a file", o.root)
	}
	return nil
}

// TilePath is the file a tile is stored in.
func (o *diskStore) TilePath(tile maptile.Tile) string {
	dir := fmt.Sprintf("Tiles_Z%d", tile.Z)
	name := fmt.Sprintf("%d_%d_%d.jpg", tile.Z, tile.X, tile.Y)
	return filepath.Join(o.root, dir, name)
}

func (o *diskStore) Has(tile maptile.Tile) (bool, error) {
	info, err := os.Stat(o.TilePath(tile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.Mode().IsRegular(), nil
}

func (o *diskStore) Load(tile maptile.Tile) ([]byte, error) {
	data, err := os.ReadFile(o.TilePath(tile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %d/%d/%d", ErrTileNotFound, tile.Z, tile.X, tile.Y)
	}
	return data, err
}

// Save writes to a temporary sibling and renames it into place so readers
// never observe a partial tile.
func (o *diskStore) Save(tile maptile.Tile, data []byte) error {
	absPath := o.TilePath(tile)
	dir := filepath.Dir(absPath)

	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	fh, err := os.CreateTemp(dir, ".tile-*")
	if err != nil {
		return err
	}
	tmpPath := fh.Name()

	if _, err := fh.Write(data); err != nil {
		fh.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := fh.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Chmod(tmpPath, 0644); err != nil {
		os.Remove(tmpPath)
		return err
	}

	if err := os.Rename(tmpPath, absPath); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}
