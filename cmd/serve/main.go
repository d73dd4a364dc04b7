package main

import (
	_ "embed"
	"flag"
	"log"
	"log/slog"
	gohttp "net/http"
	"os"
	"time"

	"github.com/tilezen/go-tilemosaic/config"
	"github.com/tilezen/go-tilemosaic/http"
	"github.com/tilezen/go-tilemosaic/tilepack"
)

//go:embed static/preview.html
var previewHTML []byte

func loggingMiddleware(logger *slog.Logger) func(gohttp.Handler) gohttp.Handler {
	return func(next gohttp.Handler) gohttp.Handler {
		return gohttp.HandlerFunc(func(w gohttp.ResponseWriter, r *gohttp.Request) {
			start := time.Now()
			defer func() {
				logger.Info("request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr, "user_agent", r.UserAgent(), "elapsed", time.Since(start))
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func main() {
	configPath := flag.String("config", "", "Optional config file (yaml, toml or json).")
	storeMode := flag.String("store", "", "Tile store to serve from: disk, mbtiles or s3. Defaults to the configured store.")
	dsn := flag.String("dsn", "", "Path, or DSN string, of the tile store. Defaults to the configured dsn.")
	addr := flag.String("listen", ":8080", "The address and port to listen on")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Couldn't load config: %v", err)
	}
	if *storeMode != "" {
		cfg.Store.Mode = *storeMode
	}
	if *dsn != "" {
		cfg.Store.DSN = *dsn
	}

	logger := config.SetupLogger(cfg.Logging, os.Stderr)

	store, err := tilepack.OpenStore(cfg.Store.Mode, cfg.Store.DSN)
	if err != nil {
		log.Fatalf("Couldn't open %s store: %v", cfg.Store.Mode, err)
	}
	defer store.Close()

	router := gohttp.NewServeMux()
	router.HandleFunc("/preview.html", previewHTMLHandler)
	router.Handle("/tiles/", http.TileHandler(store, logger))
	router.HandleFunc("/", defaultHandler)

	server := &gohttp.Server{
		Addr:         *addr,
		Handler:      loggingMiddleware(logger)(router),
		ErrorLog:     slog.NewLogLogger(logger.Handler(), slog.LevelError),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	logger.Info("Serving tiles", "addr", *addr, "store", cfg.Store.Mode, "dsn", cfg.Store.DSN)
	if err := server.ListenAndServe(); err != nil && err != gohttp.ErrServerClosed {
		log.Fatalf("Could not listen on %s: %v\n", *addr, err)
	}
}

func previewHTMLHandler(w gohttp.ResponseWriter, r *gohttp.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(previewHTML)
}

func defaultHandler(w gohttp.ResponseWriter, r *gohttp.Request) {
	gohttp.NotFound(w, r)
}
