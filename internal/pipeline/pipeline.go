// Package pipeline implements the discovery → collection → filtering →
// store → index batch job that maintains the pipeline catalog. Each stage is
// idempotent: re-running with unchanged external data converges on the same
// set of active records.

package pipeline

import (
	"context"
	"time"

	"github.com/nfhub/nf-catalog/cfg"
	"github.com/nfhub/nf-catalog/internal/githubapi"
	"github.com/nfhub/nf-catalog/internal/model"
	"github.com/nfhub/nf-catalog/pkg/log"
)

// API is the slice of the GitHub caller the pipeline consumes.
type API interface {
	Search(ctx context.Context, keyword string, page int) ([]githubapi.SearchItem, bool, error)
	FetchMetadata(ctx context.Context, id int64) (*githubapi.RepoMetadata, error)
}

// Store is the catalog record persistence contract.
type Store interface {
	Upsert(ctx context.Context, rec *model.CatalogRecord) error
	FinishRun(ctx context.Context, seenIDs []int64, threshold int) ([]int64, error)
}

// DeferredStore persists candidates whose fetch failed transiently.
type DeferredStore interface {
	Record(ctx context.Context, id int64, fullName, lastError string) error
	Drain(ctx context.Context) ([]model.DeferredCandidate, error)
}

// Index is the search-index maintenance contract. Index failures never block
// the store-facing parts of a run; a later rebuild repairs the index.
type Index interface {
	Refresh(ctx context.Context, ids []int64) error
	Remove(ctx context.Context, ids []int64) error
}

// Publisher emits catalog change events. Optional.
type Publisher interface {
	Publish(ctx context.Context, key string, value interface{}) error
}

// Options configures one run. Zero values fall back to the config defaults.
type Options struct {
	Keywords           []string
	MaxPages           int
	Parallelism        int
	MissedRunThreshold int
	Rules              []Predicate
}

type Pipeline struct {
	Logger   log.Logger
	Config   *cfg.Config
	API      API
	Store    Store
	Deferred DeferredStore
	Index    Index

	// Publisher may be nil when Kafka is disabled.
	Publisher Publisher
}

func NewPipeline(logger log.Logger, config *cfg.Config, api API, store Store, deferred DeferredStore, index Index, publisher Publisher) (*Pipeline, error) {
	return &Pipeline{
		Logger:    logger,
		Config:    config,
		API:       api,
		Store:     store,
		Deferred:  deferred,
		Index:     index,
		Publisher: publisher,
	}, nil
}

func (p *Pipeline) resolveOptions(opts Options) Options {
	if len(opts.Keywords) == 0 {
		opts.Keywords = p.Config.Pipeline.Keywords
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = p.Config.Pipeline.MaxPages
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = p.Config.Pipeline.Parallelism
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = 1
	}
	if opts.MissedRunThreshold <= 0 {
		opts.MissedRunThreshold = p.Config.Pipeline.MissedRunThreshold
	}
	if opts.Rules == nil {
		opts.Rules = RulesFromConfig(p.Config.Pipeline.Inclusion, time.Now)
	}
	return opts
}

// Run executes one full pass. It always returns a report; the error is
// non-nil only for run-level failures (discovery pagination exhaustion),
// and everything collected before the failure is still written.
func (p *Pipeline) Run(ctx context.Context, opts Options) (*RunReport, error) {
	opts = p.resolveOptions(opts)

	report := &RunReport{StartedAt: time.Now()}
	defer func() { report.FinishedAt = time.Now() }()

	p.Logger.Info(ctx, "Pipeline run starting: keywords=%v max_pages=%d parallelism=%d",
		opts.Keywords, opts.MaxPages, opts.Parallelism)

	// Fold candidates deferred by the previous run into this one before
	// discovery, so a transient failure never loses a repository.
	candidates := make(map[int64]Candidate)
	deferred, err := p.Deferred.Drain(ctx)
	if err != nil {
		p.Logger.Error(ctx, "Failed to drain deferred candidates: %v", err)
		report.addError(err.Error())
	}
	for _, d := range deferred {
		candidates[d.ID] = Candidate{ID: d.ID, FullName: d.FullName}
	}

	discovered, discoverErr := p.discover(ctx, opts)
	for id, cand := range discovered {
		candidates[id] = cand
	}
	report.Discovered = len(candidates)
	if discoverErr != nil {
		report.addError(discoverErr.Error())
	}

	metas, deferredIDs := p.collect(ctx, opts, candidates, report)
	report.Collected = len(metas)

	// Filter, normalize, and write. Each record's upsert is independent; a
	// store failure rolls back only that record.
	var upsertedIDs []int64
	for _, meta := range metas {
		ok, rule := Accept(meta, opts.Rules)
		if !ok {
			p.Logger.Debug(ctx, "Rejected %s by rule %s", meta.FullName, rule)
			report.FilteredOut++
			continue
		}

		rec := Normalize(meta)
		if err := p.Store.Upsert(ctx, rec); err != nil {
			p.Logger.Error(ctx, "Failed to upsert %s (id=%d): %v", rec.FullName, rec.ID, err)
			report.addError(err.Error())
			continue
		}
		report.Upserted++
		upsertedIDs = append(upsertedIDs, rec.ID)
	}

	// Missed-run accounting only makes sense over a complete pass: a
	// cancelled or partially discovered run must not count absence against
	// records it never looked for. Seen means written this run or deferred to
	// the next one; a record that was discovered but turned ineligible or
	// vanished accrues a miss, so stale records eventually deactivate.
	var deactivatedIDs []int64
	if discoverErr == nil && ctx.Err() == nil {
		seen := make([]int64, 0, len(upsertedIDs)+len(deferredIDs))
		seen = append(seen, upsertedIDs...)
		seen = append(seen, deferredIDs...)
		deactivatedIDs, err = p.Store.FinishRun(ctx, seen, opts.MissedRunThreshold)
		if err != nil {
			p.Logger.Error(ctx, "Failed to finish run accounting: %v", err)
			report.addError(err.Error())
		}
		report.Deactivated = len(deactivatedIDs)
	}

	p.syncIndex(ctx, upsertedIDs, deactivatedIDs, report)
	p.publishEvents(ctx, upsertedIDs, deactivatedIDs)

	p.Logger.Info(ctx, "Pipeline run finished: discovered=%d collected=%d filtered_out=%d upserted=%d deactivated=%d deferred=%d errors=%d",
		report.Discovered, report.Collected, report.FilteredOut, report.Upserted,
		report.Deactivated, report.Deferred, len(report.Errors))

	return report, discoverErr
}

// syncIndex applies incremental index updates. Failures are logged and
// reported but never fail the run; the store stays authoritative and a full
// rebuild can repair the index.
func (p *Pipeline) syncIndex(ctx context.Context, upserted, deactivated []int64, report *RunReport) {
	if len(deactivated) > 0 {
		if err := p.Index.Remove(ctx, deactivated); err != nil {
			p.Logger.Error(ctx, "Failed to remove deactivated records from index: %v", err)
			report.addError(err.Error())
		}
	}
	if len(upserted) > 0 {
		if err := p.Index.Refresh(ctx, upserted); err != nil {
			p.Logger.Error(ctx, "Failed to refresh index entries: %v", err)
			report.addError(err.Error())
		}
	}
}

func (p *Pipeline) publishEvents(ctx context.Context, upserted, deactivated []int64) {
	if p.Publisher == nil {
		return
	}
	if len(upserted) > 0 {
		event := model.CatalogEvent{Action: model.EventUpserted, IDs: upserted, At: time.Now()}
		if err := p.Publisher.Publish(ctx, model.EventUpserted, event); err != nil {
			p.Logger.Error(ctx, "Failed to publish upsert event: %v", err)
		}
	}
	if len(deactivated) > 0 {
		event := model.CatalogEvent{Action: model.EventDeactivated, IDs: deactivated, At: time.Now()}
		if err := p.Publisher.Publish(ctx, model.EventDeactivated, event); err != nil {
			p.Logger.Error(ctx, "Failed to publish deactivation event: %v", err)
		}
	}
}
