package scroll

import (
	"context"
	"sync"
	"time"

	"github.com/Sternrassler/scalr-api-client/pkg/signer"
)

// DefaultConcurrency is the worker count Batch uses when given zero.
const DefaultConcurrency = 4

// Request names one collection to scroll.
type Request struct {
	Path  string
	Query signer.Query
}

// BatchResult is the outcome of one Request. Exactly one of Result or Err is set.
type BatchResult struct {
	Request Request
	Result  *Result
	Err     error
}

// Batch scrolls several collections with a worker pool. Pages of one
// collection stay sequential; only different collections run in parallel.
// A failing collection does not stop the others. Results keep the order of
// requests.
func (c *Coordinator) Batch(ctx context.Context, requests []Request, concurrency int) []BatchResult {
	start := time.Now()
	results := make([]BatchResult, len(requests))
	if len(requests) == 0 {
		return results
	}

	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if concurrency > len(requests) {
		concurrency = len(requests)
	}

	c.logger.Info().
		Int("collections", len(requests)).
		Int("workers", concurrency).
		Msg("Starting batch scroll")

	queue := make(chan int, len(requests))
	for i := range requests {
		queue <- i
	}
	close(queue)

	var wg sync.WaitGroup
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go c.worker(ctx, requests, queue, results, &wg, w)
	}
	wg.Wait()

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	c.logger.Info().
		Int("collections", len(requests)).
		Int("failed", failed).
		Dur("duration", time.Since(start)).
		Msg("Batch scroll complete")

	return results
}

// worker scrolls queued requests; each index is written by exactly one worker.
func (c *Coordinator) worker(ctx context.Context, requests []Request, queue <-chan int, results []BatchResult, wg *sync.WaitGroup, workerID int) {
	defer wg.Done()
	processed := 0

	for i := range queue {
		req := requests[i]
		results[i].Request = req

		if err := ctx.Err(); err != nil {
			results[i].Err = err
			continue
		}

		result, err := c.Scroll(ctx, req.Path, req.Query)
		if err != nil {
			results[i].Err = err
		} else {
			results[i].Result = result
		}
		processed++
	}

	c.logger.Debug().
		Int("worker_id", workerID).
		Int("collections_processed", processed).
		Msg("Worker completed")
}
