package tilepack

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif" // Register decoders for tile sources that don't serve JPEG
	"image/jpeg"
	_ "image/png"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/paulmach/orb/maptile"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

const (
	httpUserAgent = "go-tilemosaic/1.0"

	// JPEGQuality is used for every tile and mosaic written by this module.
	JPEGQuality = 90

	// DefaultURLTemplate is a satellite imagery endpoint.
	DefaultURLTemplate = "https://mt1.google.com/vt/lyrs=s&x={x}&y={y}&z={z}"
)

var ErrInvalidTemplate = errors.New("tilepack: invalid url template")

type XYZOptions struct {
	Timeout   time.Duration
	JitterMin time.Duration
	JitterMax time.Duration
	// Retries is the number of extra attempts after a 5xx response.
	Retries int
	// FileTransportRoot is the directory file:// URLs resolve against.
	FileTransportRoot string
	UserAgent         string
	Logger            *slog.Logger
}

func DefaultXYZOptions() XYZOptions {
	return XYZOptions{
		Timeout:           10 * time.Second,
		JitterMin:         200 * time.Millisecond,
		JitterMax:         500 * time.Millisecond,
		FileTransportRoot: "/",
		UserAgent:         httpUserAgent,
	}
}

// ValidateTemplate checks that the template carries every tile placeholder.
func ValidateTemplate(urlTemplate string) error {
	if urlTemplate == "" {
		return fmt.Errorf("%w: empty template", ErrInvalidTemplate)
	}
	for _, p := range []string{"{x}", "{y}", "{z}"} {
		if !strings.Contains(urlTemplate, p) {
			return fmt.Errorf("%w: %q is missing %s", ErrInvalidTemplate, urlTemplate, p)
		}
	}
	return nil
}

func NewXYZJobGenerator(urlTemplate string, rect TileRectangle, opts XYZOptions) (JobGenerator, error) {
	if err := ValidateTemplate(urlTemplate); err != nil {
		return nil, err
	}
	if err := rect.Validate(); err != nil {
		return nil, err
	}
	if opts.JitterMin < 0 || opts.JitterMax < opts.JitterMin {
		return nil, fmt.Errorf("invalid jitter range [%s, %s]", opts.JitterMin, opts.JitterMax)
	}
	if opts.Retries < 0 {
		return nil, fmt.Errorf("invalid retry count %d", opts.Retries)
	}
	if opts.UserAgent == "" {
		opts.UserAgent = httpUserAgent
	}
	if opts.FileTransportRoot == "" {
		opts.FileTransportRoot = "/"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// Configure the HTTP client with a timeout and connection pools
	httpTransport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConnsPerHost: 500,
		DisableCompression:  true,
	}
	httpTransport.RegisterProtocol("file", http.NewFileTransport(http.Dir(opts.FileTransportRoot)))

	httpClient := &http.Client{
		Timeout:   opts.Timeout,
		Transport: httpTransport,
	}

	return &xyzJobGenerator{
		httpClient:  httpClient,
		urlTemplate: urlTemplate,
		rect:        rect,
		opts:        opts,
		logger:      logger,
	}, nil
}

type xyzJobGenerator struct {
	httpClient  *http.Client
	urlTemplate string
	rect        TileRectangle
	opts        XYZOptions
	logger      *slog.Logger
}

func (x *xyzJobGenerator) Count() int {
	return x.rect.Count()
}

func doHTTPWithRetry(ctx context.Context, client *http.Client, request *http.Request, nRetries int) (*http.Response, error) {
	sleep := 500 * time.Millisecond

	for i := 0; ; i++ {
		resp, err := client.Do(request)
		if err != nil {
			return nil, err
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}
		resp.Body.Close()

		if resp.StatusCode < 500 || i >= nRetries {
			return nil, fmt.Errorf("GET %s: %s", request.URL, resp.Status)
		}

		if err := sleepContext(ctx, sleep); err != nil {
			return nil, err
		}
		sleep *= 2
		if sleep > 30*time.Second {
			sleep = 30 * time.Second
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (x *xyzJobGenerator) jitter() time.Duration {
	span := x.opts.JitterMax - x.opts.JitterMin
	if span <= 0 {
		return x.opts.JitterMin
	}
	return x.opts.JitterMin + time.Duration(rand.Int63n(int64(span)+1))
}

// fetch downloads one tile and normalises it to JPEG.
func (x *xyzJobGenerator) fetch(ctx context.Context, request *TileRequest) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, request.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("unable to create HTTP request: %w", err)
	}
	httpReq.Header.Set("User-Agent", x.opts.UserAgent)

	resp, err := doHTTPWithRetry(ctx, x.httpClient, httpReq, x.opts.Retries)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading response body: %w", err)
	}

	img, format, err := image.Decode(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("error decoding tile image: %w", err)
	}

	var out bytes.Buffer
	if err := jpeg.Encode(&out, img, &jpeg.Options{Quality: JPEGQuality}); err != nil {
		return nil, fmt.Errorf("error encoding %s tile as jpeg: %w", format, err)
	}
	return out.Bytes(), nil
}

func (x *xyzJobGenerator) CreateWorker(store TileStore) (WorkerFunc, error) {
	if store == nil {
		return nil, errors.New("tile store is required")
	}

	f := func(ctx context.Context, id int, jobs <-chan *TileRequest, results chan<- *TileResponse) {
		for request := range jobs {
			if ctx.Err() != nil {
				continue
			}

			exists, err := store.Has(request.Tile)
			if err != nil {
				x.logger.Warn("Cache lookup failed", "tile", request.Tile, "error", err)
			}
			if exists {
				results <- &TileResponse{Tile: request.Tile, Cached: true}
				continue
			}

			// Spread requests out so the source doesn't see a burst
			if err := sleepContext(ctx, x.jitter()); err != nil {
				continue
			}

			start := time.Now()
			data, err := x.fetch(ctx, request)
			secs := time.Since(start).Seconds()
			if err != nil {
				if ctx.Err() == nil {
					x.logger.Error("Error downloading tile", "worker", id, "tile", request.Tile, "error", err)
				}
				results <- &TileResponse{Tile: request.Tile, Err: err, Elapsed: secs}
				continue
			}

			results <- &TileResponse{
				Tile:    request.Tile,
				Data:    data,
				Elapsed: secs,
			}
		}
	}

	return f, nil
}

// TileURL substitutes the tile coordinates into template.
func TileURL(template string, tile maptile.Tile) string {
	return strings.NewReplacer(
		"{x}", fmt.Sprintf("%d", tile.X),
		"{y}", fmt.Sprintf("%d", tile.Y),
		"{z}", fmt.Sprintf("%d", tile.Z)).Replace(template)
}

func (x *xyzJobGenerator) CreateJobs(ctx context.Context, jobs chan<- *TileRequest) error {
	var err error
	x.rect.Tiles(func(tile maptile.Tile) {
		if err != nil {
			return
		}
		if err = ctx.Err(); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			err = ctx.Err()
		case jobs <- &TileRequest{URL: TileURL(x.urlTemplate, tile), Tile: tile}:
		}
	})
	return err
}
