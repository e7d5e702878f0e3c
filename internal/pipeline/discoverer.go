package pipeline

import (
	"context"
	"fmt"
	"sync"
)

// Candidate is a repository surfaced by keyword search, not yet vetted.
type Candidate struct {
	ID       int64
	FullName string
}

// discover pages through the search results for every keyword and collects a
// deduplicated candidate set. Keywords run concurrently up to the
// parallelism bound; pages for one keyword run sequentially because each
// page decides whether another is worth fetching.
//
// A keyword whose pagination fails after the caller's internal retries is a
// run-level failure: discovery still returns what it collected, plus the
// error, so partial progress is written downstream.
func (p *Pipeline) discover(ctx context.Context, opts Options) (map[int64]Candidate, error) {
	maxPages := opts.MaxPages
	if maxPages <= 0 {
		maxPages = 10
	}

	var (
		mu         sync.Mutex
		wg         sync.WaitGroup
		candidates = make(map[int64]Candidate)
		errs       []error
	)
	workers := make(chan struct{}, opts.Parallelism)

	for _, keyword := range opts.Keywords {
		select {
		case <-ctx.Done():
			// No new keywords after cancellation; in-flight ones finish.
			break
		case workers <- struct{}{}:
		}
		if ctx.Err() != nil {
			break
		}

		wg.Add(1)
		go func(keyword string) {
			defer wg.Done()
			defer func() { <-workers }()

			for page := 1; page <= maxPages; page++ {
				if ctx.Err() != nil {
					return
				}
				items, hasMore, err := p.API.Search(ctx, keyword, page)
				if err != nil {
					mu.Lock()
					errs = append(errs, fmt.Errorf("search %q page %d: %w", keyword, page, err))
					mu.Unlock()
					return
				}

				mu.Lock()
				for _, item := range items {
					candidates[item.ID] = Candidate{ID: item.ID, FullName: item.FullName}
				}
				mu.Unlock()

				if !hasMore {
					return
				}
			}
		}(keyword)
	}
	wg.Wait()

	if len(errs) > 0 {
		return candidates, &DiscoveryError{Errs: errs}
	}
	return candidates, nil
}

// DiscoveryError aggregates per-keyword pagination failures. Its presence
// marks the run as failed even though collected work is still persisted.
type DiscoveryError struct {
	Errs []error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("discovery failed for %d keyword(s): %v", len(e.Errs), e.Errs[0])
}
