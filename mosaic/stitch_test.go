package mosaic

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/paulmach/orb/maptile"

	"github.com/tilezen/go-tilemosaic/georef"
	"github.com/tilezen/go-tilemosaic/georef/georeftest"
	"github.com/tilezen/go-tilemosaic/tilepack"
)

var testRect = tilepack.TileRectangle{MinX: 163, MaxX: 164, MinY: 395, MaxY: 396, Zoom: 10}

func solid(size int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func encodeJPEG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func newStore(t *testing.T) tilepack.TileStore {
	t.Helper()
	store, err := tilepack.NewDiskStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := store.CreateTiles(); err != nil {
		t.Fatal(err)
	}
	return store
}

func newStitcher(t *testing.T) *Stitcher {
	return &Stitcher{
		OutputDir: filepath.Join(t.TempDir(), "Output"),
		Projector: &georeftest.Projector{},
		Now: func() time.Time {
			return time.Date(2024, 5, 1, 18, 30, 0, 0, time.UTC)
		},
	}
}

func near(a, b uint8) bool {
	d := int(a) - int(b)
	return d > -12 && d < 12
}

func assertColor(t *testing.T, img image.Image, x, y int, want color.RGBA) {
	t.Helper()
	r, g, b, _ := img.At(x, y).RGBA()
	got := color.RGBA{uint8(r >> 8), uint8(g >> 8), uint8(b >> 8), 255}
	if !near(got.R, want.R) || !near(got.G, want.G) || !near(got.B, want.B) {
		t.Errorf("pixel (%d, %d) = %v, want about %v", x, y, got, want)
	}
}

func TestStitch(t *testing.T) {
	store := newStore(t)

	colors := map[maptile.Tile]color.RGBA{
		maptile.New(163, 395, 10): {255, 0, 0, 255},
		maptile.New(164, 395, 10): {0, 255, 0, 255},
		maptile.New(163, 396, 10): {0, 0, 255, 255},
		maptile.New(164, 396, 10): {255, 255, 0, 255},
	}
	for tile, c := range colors {
		if err := store.Save(tile, encodeJPEG(t, solid(tilepack.TileSize, c))); err != nil {
			t.Fatal(err)
		}
	}

	s := newStitcher(t)
	result, err := s.Stitch(testRect, store, "EPSG:4326")
	if err != nil {
		t.Fatalf("Stitch() = %v", err)
	}

	if result.Width != 512 || result.Height != 512 || result.Tiles != 4 || result.Missing != 0 {
		t.Errorf("result = %+v", result)
	}
	if want := filepath.Join(s.OutputDir, "2024-05-01_z10.jpg"); result.Path != want {
		t.Errorf("Path = %s, want %s", result.Path, want)
	}
	if result.CRSName != georef.WGS84 {
		t.Errorf("CRSName = %s", result.CRSName)
	}

	fh, err := os.Open(result.Path)
	if err != nil {
		t.Fatal(err)
	}
	defer fh.Close()
	img, err := jpeg.Decode(fh)
	if err != nil {
		t.Fatal(err)
	}

	// Tile (x, y) lands at ((x-minX)*256, (y-minY)*256)
	for tile, c := range colors {
		px := (int(tile.X) - testRect.MinX) * tilepack.TileSize
		py := (int(tile.Y) - testRect.MinY) * tilepack.TileSize
		assertColor(t, img, px+128, py+128, c)
		assertColor(t, img, px+5, py+5, c)
	}

	for _, p := range []string{result.WorldFilePath, result.AuxPath} {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("sidecar %s missing: %v", p, err)
		}
	}
	if filepath.Ext(result.WorldFilePath) != ".jgw" {
		t.Errorf("WorldFilePath = %s", result.WorldFilePath)
	}
}

func TestStitchMissingTiles(t *testing.T) {
	store := newStore(t)
	red := color.RGBA{255, 0, 0, 255}
	if err := store.Save(maptile.New(164, 396, 10), encodeJPEG(t, solid(tilepack.TileSize, red))); err != nil {
		t.Fatal(err)
	}
	if err := store.Save(maptile.New(163, 395, 10), []byte("garbage")); err != nil {
		t.Fatal(err)
	}

	result, err := newStitcher(t).Stitch(testRect, store, "EPSG:3857")
	if err != nil {
		t.Fatalf("Stitch() = %v", err)
	}
	if result.Width != 512 || result.Height != 512 {
		t.Errorf("mosaic is %dx%d, want 512x512", result.Width, result.Height)
	}
	if result.Tiles != 1 || result.Missing != 3 {
		t.Errorf("tiles %d missing %d, want 1 and 3", result.Tiles, result.Missing)
	}
}

func TestStitchInvalidCRSFallsBack(t *testing.T) {
	store := newStore(t)
	result, err := newStitcher(t).Stitch(testRect, store, "not-a-crs")
	if err != nil {
		t.Fatalf("Stitch() = %v", err)
	}
	if result.CRSName != georef.WGS84 {
		t.Errorf("CRSName = %s, want fallback %s", result.CRSName, georef.WGS84)
	}
}

func TestStitchNothingToStitch(t *testing.T) {
	s := newStitcher(t)
	empty := tilepack.TileRectangle{MinX: 5, MaxX: 4, MinY: 0, MaxY: 0, Zoom: 3}
	_, err := s.Stitch(empty, newStore(t), "EPSG:4326")
	if !errors.Is(err, ErrNothingToStitch) {
		t.Fatalf("Stitch() = %v, want ErrNothingToStitch", err)
	}
	if _, err := os.Stat(s.OutputDir); !os.IsNotExist(err) {
		t.Errorf("output directory created for an empty rectangle: %v", err)
	}
}

func TestComposeScalesOddSizedTiles(t *testing.T) {
	store := newStore(t)
	green := color.RGBA{0, 255, 0, 255}
	var buf bytes.Buffer
	if err := png.Encode(&buf, solid(512, green)); err != nil {
		t.Fatal(err)
	}
	tile := maptile.New(0, 0, 0)
	if err := store.Save(tile, buf.Bytes()); err != nil {
		t.Fatal(err)
	}

	rect := tilepack.TileRectangle{Zoom: 0}
	canvas, missing, err := Compose(rect, store, nil)
	if err != nil || missing != 0 {
		t.Fatalf("Compose() = %d missing, %v", missing, err)
	}
	if canvas.Bounds().Dx() != 256 {
		t.Errorf("canvas width = %d", canvas.Bounds().Dx())
	}
	assertColor(t, canvas, 200, 200, green)
}

func TestStitchWithoutProjector(t *testing.T) {
	s := newStitcher(t)
	s.Projector = nil
	result, err := s.Stitch(testRect, newStore(t), "EPSG:4326")
	if err == nil {
		t.Fatal("Stitch() without projector should report an error")
	}
	if result == nil || result.Path == "" {
		t.Fatal("mosaic should still be written")
	}
}
