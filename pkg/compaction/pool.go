package compaction

import (
	"context"
	"sync"

	"github.com/novalsm/ccstoc/pkg/rtable"
)

// Merge executes one compaction unit of work on a StoC: merge SourceFiles
// into TargetFiles according to Guides/Subranges, and report Outputs.
// Merge is supplied by the caller (the LSM tree's compaction logic);
// this package only bounds concurrency and fans requests out to it.
type Merge func(ctx context.Context, req rtable.CompactionRequest) (rtable.CompactionRequest, error)

// Pool runs at most N compaction jobs concurrently, the StoC-side
// bounded compaction worker pool, grounded on `nova/nova_main.cpp`'s
// fixed-size compaction thread pool.
type Pool struct {
	sem   chan struct{}
	merge Merge
}

// NewPool builds a Pool that runs merge with at most concurrency jobs
// in flight at once.
func NewPool(concurrency int, merge Merge) *Pool {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Pool{sem: make(chan struct{}, concurrency), merge: merge}
}

// Submit blocks until a pool slot is free, then runs merge(req)
// synchronously on the caller's goroutine, returning its result. The
// bound is on concurrent execution, not on queuing — callers that want
// non-blocking submission should call Submit from their own goroutine.
func (p *Pool) Submit(ctx context.Context, req rtable.CompactionRequest) (rtable.CompactionRequest, error) {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return req, ctx.Err()
	}
	defer func() { <-p.sem }()
	return p.merge(ctx, req)
}

// SubmitAll runs every request in reqs through the pool concurrently,
// respecting the concurrency bound, and returns each result in the same
// order as reqs.
func (p *Pool) SubmitAll(ctx context.Context, reqs []rtable.CompactionRequest) ([]rtable.CompactionRequest, []error) {
	results := make([]rtable.CompactionRequest, len(reqs))
	errs := make([]error, len(reqs))

	var wg sync.WaitGroup
	for i, req := range reqs {
		wg.Add(1)
		go func(i int, req rtable.CompactionRequest) {
			defer wg.Done()
			results[i], errs[i] = p.Submit(ctx, req)
		}(i, req)
	}
	wg.Wait()
	return results, errs
}
