package main

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/paulmach/orb/maptile"

	"github.com/tilezen/go-tilemosaic/tilepack"
)

func Test_assign(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.mbtiles")
	store, err := tilepack.NewMbtilesStore(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, tile := range []maptile.Tile{maptile.New(163, 395, 10), maptile.New(164, 396, 10), maptile.New(327, 791, 11)} {
		if err := store.Save(tile, []byte("jpeg")); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	if err := assign(path); err != nil {
		t.Fatalf("assign() = %v", err)
	}

	desc, err := describe(path)
	if err != nil {
		t.Fatalf("describe() = %v", err)
	}
	if !strings.Contains(desc, "zoom: 10-11") {
		t.Errorf("describe() = %q, want zoom 10-11", desc)
	}
}

func Test_assignEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.mbtiles")
	store, err := tilepack.NewMbtilesStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.CreateTiles(); err != nil {
		t.Fatal(err)
	}
	store.Close()

	if err := assign(path); !errors.Is(err, errEmptyCache) {
		t.Errorf("assign() = %v, want errEmptyCache", err)
	}
}
