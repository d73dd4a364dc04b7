package tilepack

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/paulmach/orb/maptile"
	"github.com/protomaps/go-pmtiles/pmtiles"
)

func TestExportPmtiles(t *testing.T) {
	store, err := NewDiskStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := store.CreateTiles(); err != nil {
		t.Fatal(err)
	}

	// Three tiles, two of them identical; one tile of the rectangle missing.
	saves := map[maptile.Tile][]byte{
		maptile.New(163, 395, 10): []byte("aaaa"),
		maptile.New(164, 395, 10): []byte("aaaa"),
		maptile.New(163, 396, 10): []byte("bbbbbb"),
	}
	for tile, data := range saves {
		if err := store.Save(tile, data); err != nil {
			t.Fatal(err)
		}
	}

	path := filepath.Join(t.TempDir(), "region.pmtiles")
	written, err := ExportPmtiles(store, testRect, path)
	if err != nil {
		t.Fatalf("ExportPmtiles() = %v", err)
	}
	if written != 3 {
		t.Errorf("wrote %d tiles, want 3", written)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	header, err := pmtiles.DeserializeHeader(data[0:pmtiles.HeaderV3LenBytes])
	if err != nil {
		t.Fatalf("DeserializeHeader() = %v", err)
	}

	if header.TileType != pmtiles.Jpeg {
		t.Errorf("TileType = %v, want jpeg", header.TileType)
	}
	if header.TileCompression != pmtiles.NoCompression {
		t.Errorf("TileCompression = %v, want none", header.TileCompression)
	}
	if header.AddressedTilesCount != 3 || header.TileContentsCount != 2 {
		t.Errorf("addressed %d tiles with %d contents, want 3 and 2", header.AddressedTilesCount, header.TileContentsCount)
	}
	if header.MinZoom != 10 || header.MaxZoom != 10 {
		t.Errorf("zoom range = %d-%d", header.MinZoom, header.MaxZoom)
	}
	if header.TileDataLength != 10 {
		t.Errorf("TileDataLength = %d, want 10", header.TileDataLength)
	}
	if got := uint64(len(data)); got != header.TileDataOffset+header.TileDataLength {
		t.Errorf("file is %d bytes, header says %d", got, header.TileDataOffset+header.TileDataLength)
	}

	bound := testRect.Bound()
	if header.MinLonE7 != int32(bound.Min.X()*10000000) {
		t.Errorf("MinLonE7 = %d", header.MinLonE7)
	}
}

func TestPmtilesOutputterSortsEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sorted.pmtiles")
	out, err := NewPmtilesOutputter(path, testRect.Bound(), 10, 10)
	if err != nil {
		t.Fatal(err)
	}
	defer out.Close()

	// Save in reverse of the expected order
	tiles := []maptile.Tile{maptile.New(164, 396, 10), maptile.New(163, 396, 10), maptile.New(164, 395, 10), maptile.New(163, 395, 10)}
	for i, tile := range tiles {
		if err := out.Save(tile, []byte{byte(i)}); err != nil {
			t.Fatal(err)
		}
	}

	entries := out.sortedEntries()
	if len(entries) != 4 {
		t.Fatalf("got %d entries", len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if entries[i-1].TileID >= entries[i].TileID {
			t.Errorf("entries not sorted at %d: %d >= %d", i, entries[i-1].TileID, entries[i].TileID)
		}
	}
}
