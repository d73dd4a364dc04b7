package tilepack

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/paulmach/orb/maptile"
)

var testRect = TileRectangle{MinX: 163, MaxX: 164, MinY: 395, MaxY: 396, Zoom: 10}

func testTilePNG(t *testing.T, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, TileSize, TileSize))
	for y := 0; y < TileSize; y++ {
		for x := 0; x < TileSize; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func testOptions() XYZOptions {
	opts := DefaultXYZOptions()
	opts.JitterMin = 0
	opts.JitterMax = 0
	opts.Timeout = 5 * time.Second
	return opts
}

// tileServer serves a solid tile for every /z/x/y path and counts requests.
type tileServer struct {
	*httptest.Server
	requests atomic.Int64
	mu       sync.Mutex
	paths    map[string]int
}

func newTileServer(t *testing.T, handler func(w http.ResponseWriter, r *http.Request) bool) *tileServer {
	t.Helper()
	body := testTilePNG(t, color.RGBA{R: 200, G: 30, B: 30, A: 255})
	ts := &tileServer{paths: make(map[string]int)}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.requests.Add(1)
		ts.mu.Lock()
		ts.paths[r.URL.Path]++
		ts.mu.Unlock()

		if handler != nil && handler(w, r) {
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write(body)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *tileServer) template() string {
	return ts.URL + "/{z}/{x}/{y}.png"
}

func TestOptimalWorkers(t *testing.T) {
	tests := []struct {
		total int
		want  int
	}{
		{0, 0},
		{1, 1},
		{4, 4},
		{15, 15},
		{99, 15},
		{100, 10},
		{499, 10},
		{500, 8},
		{100000, 8},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d tiles", tt.total), func(t *testing.T) {
			if got := OptimalWorkers(tt.total); got != tt.want {
				t.Errorf("OptimalWorkers(%d) = %d, want %d", tt.total, got, tt.want)
			}
		})
	}
}

func TestValidateTemplate(t *testing.T) {
	for _, tmpl := range []string{"", "http://a/{z}/{x}.png", "http://a/{x}/{y}", "http://a/tiles"} {
		if err := ValidateTemplate(tmpl); !errors.Is(err, ErrInvalidTemplate) {
			t.Errorf("ValidateTemplate(%q) = %v, want ErrInvalidTemplate", tmpl, err)
		}
	}
	if err := ValidateTemplate(DefaultURLTemplate); err != nil {
		t.Errorf("ValidateTemplate(default) = %v", err)
	}
}

func TestTileURL(t *testing.T) {
	got := TileURL("https://t/{z}/{x}/{y}.jpg?x={x}", maptile.New(163, 395, 10))
	if want := "https://t/10/163/395.jpg?x=163"; got != want {
		t.Errorf("TileURL = %q, want %q", got, want)
	}
}

func TestFetchRegion(t *testing.T) {
	ctx := context.Background()
	ts := newTileServer(t, nil)

	store, err := NewDiskStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	gen, err := NewXYZJobGenerator(ts.template(), testRect, testOptions())
	if err != nil {
		t.Fatal(err)
	}

	progress := NewProgress(nil)
	result, err := FetchRegion(ctx, testRect, gen, store, progress, FetchOptions{})
	if err != nil {
		t.Fatalf("FetchRegion() = %v", err)
	}

	if result.Stored != 4 || result.Completed != 4 || result.Failed != 0 || result.Cached != 0 {
		t.Errorf("result = %+v, want 4 stored and completed", result)
	}
	if got := ts.requests.Load(); got != 4 {
		t.Errorf("made %d requests, want 4", got)
	}

	// Tiles are normalised to JPEG
	data, err := store.Load(maptile.New(163, 395, 10))
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("stored tile is not a jpeg: %v", err)
	}
	if cfg.Width != TileSize || cfg.Height != TileSize {
		t.Errorf("stored tile is %dx%d", cfg.Width, cfg.Height)
	}

	t.Run("second run is served from the store", func(t *testing.T) {
		before := ts.requests.Load()
		result, err := FetchRegion(ctx, testRect, gen, store, progress, FetchOptions{})
		if err != nil {
			t.Fatalf("FetchRegion() = %v", err)
		}
		if got := ts.requests.Load() - before; got != 0 {
			t.Errorf("made %d requests for cached tiles", got)
		}
		if result.Cached != 4 || result.Completed != 4 || result.Percent() != 100 {
			t.Errorf("result = %+v, want all 4 cached", result)
		}
	})
}

func TestFetchRegionPartialFailure(t *testing.T) {
	ts := newTileServer(t, func(w http.ResponseWriter, r *http.Request) bool {
		if strings.Contains(r.URL.Path, "/164/") {
			http.Error(w, "boom", http.StatusInternalServerError)
			return true
		}
		return false
	})

	store, err := NewDiskStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	gen, err := NewXYZJobGenerator(ts.template(), testRect, testOptions())
	if err != nil {
		t.Fatal(err)
	}

	result, err := FetchRegion(context.Background(), testRect, gen, store, nil, FetchOptions{})
	if err != nil {
		t.Fatalf("FetchRegion() = %v", err)
	}
	if result.Stored != 2 || result.Failed != 2 || result.Completed != 2 {
		t.Errorf("result = %+v, want 2 stored and 2 failed", result)
	}

	// No retries by default
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for path, n := range ts.paths {
		if n != 1 {
			t.Errorf("%s requested %d times, want 1", path, n)
		}
	}
}

func TestFetchRegionRetriesServerErrors(t *testing.T) {
	var failed sync.Map
	ts := newTileServer(t, func(w http.ResponseWriter, r *http.Request) bool {
		if _, seen := failed.LoadOrStore(r.URL.Path, true); !seen {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return true
		}
		return false
	})

	rect := TileRectangle{MinX: 1, MaxX: 1, MinY: 1, MaxY: 1, Zoom: 2}
	store, err := NewDiskStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	opts := testOptions()
	opts.Retries = 1
	gen, err := NewXYZJobGenerator(ts.template(), rect, opts)
	if err != nil {
		t.Fatal(err)
	}

	result, err := FetchRegion(context.Background(), rect, gen, store, nil, FetchOptions{})
	if err != nil {
		t.Fatalf("FetchRegion() = %v", err)
	}
	if result.Stored != 1 || ts.requests.Load() != 2 {
		t.Errorf("stored %d after %d requests, want 1 after 2", result.Stored, ts.requests.Load())
	}
}

func TestFetchRegionUndecodableTile(t *testing.T) {
	ts := newTileServer(t, func(w http.ResponseWriter, r *http.Request) bool {
		w.Write([]byte("not an image"))
		return true
	})

	rect := TileRectangle{MinX: 0, MaxX: 0, MinY: 0, MaxY: 0, Zoom: 0}
	store, err := NewDiskStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	gen, err := NewXYZJobGenerator(ts.template(), rect, testOptions())
	if err != nil {
		t.Fatal(err)
	}

	result, err := FetchRegion(context.Background(), rect, gen, store, nil, FetchOptions{})
	if err != nil {
		t.Fatalf("FetchRegion() = %v", err)
	}
	if result.Stored != 0 || result.Failed != 1 {
		t.Errorf("result = %+v, want one failure", result)
	}
}

func TestFetchRegionFileTransport(t *testing.T) {
	src := t.TempDir()
	body := testTilePNG(t, color.RGBA{G: 255, A: 255})
	testRect.Tiles(func(tile maptile.Tile) {
		dir := filepath.Join(src, fmt.Sprint(tile.Z), fmt.Sprint(tile.X))
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(dir, fmt.Sprintf("%d.png", tile.Y)), body, 0644); err != nil {
			t.Fatal(err)
		}
	})

	opts := testOptions()
	opts.FileTransportRoot = src
	gen, err := NewXYZJobGenerator("file:///{z}/{x}/{y}.png", testRect, opts)
	if err != nil {
		t.Fatal(err)
	}

	store, err := NewMbtilesStore(filepath.Join(t.TempDir(), "cache.mbtiles"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	result, err := FetchRegion(context.Background(), testRect, gen, store, nil, FetchOptions{Workers: 2})
	if err != nil {
		t.Fatalf("FetchRegion() = %v", err)
	}
	if result.Stored != 4 {
		t.Errorf("result = %+v, want 4 stored", result)
	}
}

func TestFetchRegionCancelled(t *testing.T) {
	ts := newTileServer(t, nil)
	store, err := NewDiskStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	gen, err := NewXYZJobGenerator(ts.template(), testRect, testOptions())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = FetchRegion(ctx, testRect, gen, store, nil, FetchOptions{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("FetchRegion() = %v, want context.Canceled", err)
	}
}

func TestNewXYZJobGeneratorRejectsBadInput(t *testing.T) {
	if _, err := NewXYZJobGenerator("http://x/{z}/{x}", testRect, testOptions()); !errors.Is(err, ErrInvalidTemplate) {
		t.Errorf("missing {y}: err = %v", err)
	}
	if _, err := NewXYZJobGenerator(DefaultURLTemplate, TileRectangle{MinX: 2, MaxX: 1, Zoom: 3}, testOptions()); !errors.Is(err, ErrInvalidRectangle) {
		t.Errorf("inverted rectangle: err = %v", err)
	}
	opts := testOptions()
	opts.JitterMin = time.Second
	if _, err := NewXYZJobGenerator(DefaultURLTemplate, testRect, opts); err == nil {
		t.Error("jitter min above max should fail")
	}
}

// inFlightServer serves tiles slowly and records the peak number of
// concurrent requests.
func inFlightServer(t *testing.T) (*tileServer, *atomic.Int64) {
	t.Helper()
	var current, peak atomic.Int64
	ts := newTileServer(t, func(w http.ResponseWriter, r *http.Request) bool {
		n := current.Add(1)
		defer current.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		return false
	})
	return ts, &peak
}

func TestFetchRegionWorkerCeiling(t *testing.T) {
	rect := TileRectangle{MinX: 0, MaxX: 14, MinY: 0, MaxY: 9, Zoom: 5}
	if rect.Count() != 150 {
		t.Fatalf("rect has %d tiles, want 150", rect.Count())
	}

	tests := []struct {
		name    string
		workers int
		want    int
	}{
		{"tiered pool", 0, 10},
		{"explicit pool", 3, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts, peak := inFlightServer(t)
			store, err := NewDiskStore(t.TempDir())
			if err != nil {
				t.Fatal(err)
			}
			gen, err := NewXYZJobGenerator(ts.template(), rect, testOptions())
			if err != nil {
				t.Fatal(err)
			}

			result, err := FetchRegion(context.Background(), rect, gen, store, nil, FetchOptions{Workers: tt.workers})
			if err != nil {
				t.Fatalf("FetchRegion() = %v", err)
			}
			if result.Stored != 150 {
				t.Errorf("stored %d tiles, want 150", result.Stored)
			}
			if got := peak.Load(); got > int64(tt.want) || got < 2 {
				t.Errorf("peak in-flight requests = %d, want between 2 and %d", got, tt.want)
			}
		})
	}
}

func TestFetchRegionGeneratorMismatch(t *testing.T) {
	ts := newTileServer(t, nil)
	store, err := NewDiskStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	other := TileRectangle{MinX: 0, MaxX: 0, MinY: 0, MaxY: 0, Zoom: 0}
	gen, err := NewXYZJobGenerator(ts.template(), other, testOptions())
	if err != nil {
		t.Fatal(err)
	}

	if _, err := FetchRegion(context.Background(), testRect, gen, store, nil, FetchOptions{}); err == nil {
		t.Error("FetchRegion() with a generator for another region should fail")
	}
	if got := ts.requests.Load(); got != 0 {
		t.Errorf("made %d requests, want 0", got)
	}
}

// strayJobGenerator queues one extra request outside the region.
type strayJobGenerator struct {
	JobGenerator
	template string
	stray    maptile.Tile
}

func (g *strayJobGenerator) CreateJobs(ctx context.Context, jobs chan<- *TileRequest) error {
	if err := g.JobGenerator.CreateJobs(ctx, jobs); err != nil {
		return err
	}
	select {
	case jobs <- &TileRequest{Tile: g.stray, URL: TileURL(g.template, g.stray)}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestFetchRegionDiscardsTilesOutsideRegion(t *testing.T) {
	ts := newTileServer(t, nil)
	store, err := NewDiskStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	inner, err := NewXYZJobGenerator(ts.template(), testRect, testOptions())
	if err != nil {
		t.Fatal(err)
	}
	stray := maptile.New(170, 400, 10)
	gen := &strayJobGenerator{JobGenerator: inner, template: ts.template(), stray: stray}

	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	result, err := FetchRegion(context.Background(), testRect, gen, store, nil, FetchOptions{Logger: logger})
	if err != nil {
		t.Fatalf("FetchRegion() = %v", err)
	}
	if result.Stored != 4 || result.Completed != 4 || result.Failed != 0 {
		t.Errorf("result = %+v, want the 4 region tiles only", result)
	}
	if ok, err := store.Has(stray); err != nil || ok {
		t.Errorf("stray tile stored = %v, %v", ok, err)
	}

	out := logs.String()
	if !strings.Contains(out, "Discarding tile outside region") {
		t.Errorf("expected a discard warning, got %q", out)
	}
	if !strings.Contains(out, "avg_fetch_seconds") {
		t.Errorf("expected the average fetch time to be logged, got %q", out)
	}
}
