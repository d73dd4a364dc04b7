package tilepack

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/paulmach/orb/maptile"
)

const (
	saveLogInterval = 100
)

type FetchOptions struct {
	// Workers overrides the tiered pool size when positive.
	Workers int
	Logger  *slog.Logger
}

// FetchResult is the final progress of a run plus the number of tiles of the
// rectangle that exist in the store afterwards.
type FetchResult struct {
	ProgressSnapshot
	Stored int
}

// OptimalWorkers picks the pool size for a run of total tiles. Large runs use
// fewer workers to stay under source rate limits.
func OptimalWorkers(total int) int {
	switch {
	case total <= 0:
		return 0
	case total < 100:
		return min(15, total)
	case total < 500:
		return 10
	default:
		return 8
	}
}

func processResults(waitGroup *sync.WaitGroup, rect TileRectangle, results <-chan *TileResponse, store TileStore, progress *Progress, logger *slog.Logger) {
	defer waitGroup.Done()

	start := time.Now()

	counter := 0
	fetchSeconds := 0.0
	for result := range results {
		switch {
		case !rect.Contains(result.Tile):
			logger.Warn("Discarding tile outside region", "tile", result.Tile, "rect", rect.String())
			continue
		case result.Cached:
			progress.MarkCached()
			continue
		case result.Err != nil:
			progress.Fail()
			continue
		}

		if err := store.Save(result.Tile, result.Data); err != nil {
			logger.Error("Couldn't save tile", "tile", result.Tile, "error", err)
			progress.Fail()
			continue
		}
		progress.Increment()

		counter++
		fetchSeconds += result.Elapsed
		if counter%saveLogInterval == 0 {
			duration := time.Since(start)
			start = time.Now()
			logger.Debug("Saved tiles", "count", counter, "tiles_per_second", fmt.Sprintf("%0.1f", saveLogInterval/duration.Seconds()))
		}
	}

	if counter > 0 {
		logger.Debug("Saved downloaded tiles", "count", counter, "avg_fetch_seconds", fmt.Sprintf("%0.3f", fetchSeconds/float64(counter)))
	} else {
		logger.Debug("Saved downloaded tiles", "count", counter)
	}
}

// FetchRegion downloads every tile of rect that store lacks, using a bounded
// pool of workers from generator. Failed tiles are logged and skipped. It
// returns once every worker has finished.
func FetchRegion(ctx context.Context, rect TileRectangle, generator JobGenerator, store TileStore, progress *Progress, opts FetchOptions) (FetchResult, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if progress == nil {
		progress = NewProgress(nil)
	}

	if err := rect.Validate(); err != nil {
		return FetchResult{}, err
	}
	if err := store.CreateTiles(); err != nil {
		return FetchResult{}, fmt.Errorf("failed to create tile store: %w", err)
	}

	total := rect.Count()
	if n := generator.Count(); n != total {
		return FetchResult{}, fmt.Errorf("job generator covers %d tiles, region %s has %d", n, rect, total)
	}
	progress.Reset(total)

	numWorkers := OptimalWorkers(total)
	if opts.Workers > 0 {
		numWorkers = min(opts.Workers, total)
	}
	logger.Info("Fetching tiles", "rect", rect.String(), "total", total, "workers", numWorkers)

	jobs := make(chan *TileRequest, 2000)
	results := make(chan *TileResponse, 2000)

	// Start up the workers that will fetch tiles
	workerWG := &sync.WaitGroup{}
	for w := 0; w < numWorkers; w++ {
		worker, err := generator.CreateWorker(store)
		if err != nil {
			close(jobs)
			workerWG.Wait()
			return FetchResult{}, fmt.Errorf("couldn't create worker: %w", err)
		}

		workerWG.Add(1)
		go func(id int) {
			defer workerWG.Done()
			worker(ctx, id, jobs, results)
		}(w)
	}

	// Start the goroutine that receives data from the workers
	resultWG := &sync.WaitGroup{}
	resultWG.Add(1)
	go processResults(resultWG, rect, results, store, progress, logger)

	jobErr := generator.CreateJobs(ctx, jobs)
	close(jobs)

	// When the workers are done, close the results channel
	workerWG.Wait()
	close(results)

	// Wait for the results to be written out
	resultWG.Wait()

	stored, err := CountStored(rect, store)
	result := FetchResult{ProgressSnapshot: progress.Snapshot(), Stored: stored}
	if jobErr != nil {
		return result, fmt.Errorf("fetch interrupted: %w", jobErr)
	}
	if err != nil {
		return result, err
	}

	logger.Info("Finished fetching tiles", "stored", stored, "total", total, "cached", result.Cached, "failed", result.Failed)
	return result, nil
}

// CountStored returns how many tiles of rect are present in store.
func CountStored(rect TileRectangle, store TileStore) (int, error) {
	count := 0
	var firstErr error
	rect.Tiles(func(tile maptile.Tile) {
		if firstErr != nil {
			return
		}
		ok, err := store.Has(tile)
		if err != nil {
			firstErr = fmt.Errorf("failed to check %d/%d/%d: %w", tile.Z, tile.X, tile.Y, err)
			return
		}
		if ok {
			count++
		}
	})
	return count, firstErr
}
