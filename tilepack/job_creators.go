package tilepack

import "context"

type WorkerFunc func(ctx context.Context, id int, jobs <-chan *TileRequest, results chan<- *TileResponse)

type JobGenerator interface {
	// CreateWorker returns a worker that skips tiles already present in store.
	CreateWorker(store TileStore) (WorkerFunc, error)
	// CreateJobs queues one request per tile and returns when all are queued
	// or ctx is done.
	CreateJobs(ctx context.Context, jobs chan<- *TileRequest) error
	// Count is the number of requests CreateJobs will emit.
	Count() int
}
