package pipeline

import (
	"context"
	"sync"

	"github.com/nfhub/nf-catalog/internal/githubapi"
)

// collect fetches extended metadata for every candidate with a bounded
// worker pool. Outcomes are independent per candidate:
//   - NotFound drops the candidate (logged, not an error),
//   - a transient failure defers the candidate to the next run,
//   - anything else is reported on the run but does not stop the stage.
//
// The second return value is the ids deferred this run; they count as seen
// for missed-run accounting because they will be retried next run.
//
// Cancellation is observed between candidates only; an in-flight fetch is
// allowed to finish and its result is kept.
func (p *Pipeline) collect(ctx context.Context, opts Options, candidates map[int64]Candidate, report *RunReport) ([]*githubapi.RepoMetadata, []int64) {
	var (
		mu        sync.Mutex
		wg        sync.WaitGroup
		collected []*githubapi.RepoMetadata
		deferred  []int64
	)
	workers := make(chan struct{}, opts.Parallelism)

	for _, cand := range candidates {
		if ctx.Err() != nil {
			break
		}
		workers <- struct{}{}

		wg.Add(1)
		go func(cand Candidate) {
			defer wg.Done()
			defer func() { <-workers }()

			meta, err := p.API.FetchMetadata(ctx, cand.ID)
			if err != nil {
				p.handleCollectError(ctx, cand, err, &mu, report, &deferred)
				return
			}

			mu.Lock()
			collected = append(collected, meta)
			mu.Unlock()
		}(cand)
	}
	wg.Wait()

	return collected, deferred
}

func (p *Pipeline) handleCollectError(ctx context.Context, cand Candidate, err error, mu *sync.Mutex, report *RunReport, deferred *[]int64) {
	switch {
	case githubapi.IsNotFound(err):
		p.Logger.Info(ctx, "Candidate %s (id=%d) no longer exists, dropping", cand.FullName, cand.ID)

	case githubapi.IsTransient(err):
		p.Logger.Warn(ctx, "Deferring candidate %s (id=%d) to next run: %v", cand.FullName, cand.ID, err)
		if derr := p.Deferred.Record(ctx, cand.ID, cand.FullName, err.Error()); derr != nil {
			p.Logger.Error(ctx, "Failed to record deferred candidate %d: %v", cand.ID, derr)
			mu.Lock()
			report.addError(derr.Error())
			mu.Unlock()
			return
		}
		mu.Lock()
		report.Deferred++
		*deferred = append(*deferred, cand.ID)
		mu.Unlock()

	case ctx.Err() != nil:
		// Cancelled mid-fetch; nothing to record.

	default:
		p.Logger.Error(ctx, "Metadata fetch for %s (id=%d) failed: %v", cand.FullName, cand.ID, err)
		mu.Lock()
		report.addError(err.Error())
		mu.Unlock()
	}
}
