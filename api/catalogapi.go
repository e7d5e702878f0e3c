// Package api is the surface the serving layer consumes: catalog listing,
// full-text search, and the single entry point that triggers a pipeline run.
package api

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/nfhub/nf-catalog/cfg"
	"github.com/nfhub/nf-catalog/internal/githubapi"
	"github.com/nfhub/nf-catalog/internal/indexer"
	"github.com/nfhub/nf-catalog/internal/limiter"
	"github.com/nfhub/nf-catalog/internal/model"
	"github.com/nfhub/nf-catalog/internal/pipeline"
	"github.com/nfhub/nf-catalog/internal/runguard"
	"github.com/nfhub/nf-catalog/pkg/db"
	"github.com/nfhub/nf-catalog/pkg/kafka"
	"github.com/nfhub/nf-catalog/pkg/log"
	"github.com/nfhub/nf-catalog/pkg/redis"
	"github.com/nfhub/nf-catalog/pkg/search"
)

// RunStats is a snapshot of the latest pipeline run.
type RunStats struct {
	IsRunning   bool      `json:"isRunning"`
	StartTime   time.Time `json:"startTime"`
	Duration    string    `json:"duration"`
	Discovered  int       `json:"discovered"`
	Collected   int       `json:"collected"`
	FilteredOut int       `json:"filteredOut"`
	Upserted    int       `json:"upserted"`
	Deactivated int       `json:"deactivated"`
	Deferred    int       `json:"deferred"`
	LastError   string    `json:"lastError"`
}

// CatalogAPI wires the pipeline, store, and index together.
type CatalogAPI struct {
	config   *cfg.Config
	logger   log.Logger
	mysql    *db.Mysql
	rdb      *goredis.Client
	producer *kafka.Producer

	recordMd   *model.CatalogRecord
	deferredMd *model.DeferredCandidate
	indexer    *indexer.Indexer
	pipeline   *pipeline.Pipeline
	guard      *runguard.Guard

	runStatsMu sync.RWMutex
	runStats   *RunStats
}

func NewCatalogAPI() *CatalogAPI {
	return &CatalogAPI{
		runStats: &RunStats{},
	}
}

// Initialize loads configuration and wires every component. Must be called
// before anything else.
func (a *CatalogAPI) Initialize(ctx context.Context) error {
	loader, _ := cfg.NewViperLoader()
	config, err := loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	return a.InitializeWith(ctx, config)
}

// InitializeWith wires the components against an already loaded config.
func (a *CatalogAPI) InitializeWith(ctx context.Context, config *cfg.Config) error {
	a.config = config

	logger, err := log.NewCslLogger()
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	a.logger = logger

	a.mysql, err = db.NewMysql(a.config)
	if err != nil {
		return fmt.Errorf("failed to set up database: %w", err)
	}

	a.recordMd, err = model.NewCatalogRecord(a.config, a.logger, a.mysql)
	if err != nil {
		return fmt.Errorf("failed to create catalog record model: %w", err)
	}
	a.deferredMd, err = model.NewDeferredCandidate(a.config, a.logger, a.mysql)
	if err != nil {
		return fmt.Errorf("failed to create deferred candidate model: %w", err)
	}
	if err := a.mysql.Migrate(a.recordMd, a.deferredMd); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	a.rdb, err = redis.NewClient(ctx, a.config.Redis.Url)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	a.guard, err = runguard.NewGuard(a.logger, a.config, a.rdb)
	if err != nil {
		return fmt.Errorf("failed to create run guard: %w", err)
	}

	osClient, err := search.NewClient(a.config, a.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to OpenSearch: %w", err)
	}
	a.indexer, err = indexer.NewIndexer(a.logger, a.config, osClient, a.recordMd)
	if err != nil {
		return fmt.Errorf("failed to create indexer: %w", err)
	}

	var publisher pipeline.Publisher
	if a.config.Kafka.Enabled {
		a.producer = kafka.NewProducer(a.config, a.logger, a.config.Kafka.Producer.TopicCatalog)
		publisher = a.producer
	}

	rateLimiter := limiter.NewRateLimiter(a.config.GithubApi.RequestsPerSecond)
	caller := githubapi.NewCaller(a.logger, a.config, rateLimiter)

	a.pipeline, err = pipeline.NewPipeline(a.logger, a.config, caller, a.recordMd, a.deferredMd, a.indexer, publisher)
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}

	return nil
}

// RunPipeline is the single externally-triggered entry point. It acquires
// the cross-process run guard, executes one full pass, and returns the run
// report. A second caller while a run is in flight gets
// runguard.ErrRunInProgress.
func (a *CatalogAPI) RunPipeline(ctx context.Context, opts pipeline.Options) (*pipeline.RunReport, error) {
	if err := a.guard.Acquire(ctx); err != nil {
		if errors.Is(err, runguard.ErrRunInProgress) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to acquire run guard: %w", err)
	}
	defer a.guard.Release(ctx)

	a.updateRunStats(func(stats *RunStats) {
		*stats = RunStats{IsRunning: true, StartTime: time.Now()}
	})

	report, err := a.pipeline.Run(ctx, opts)

	a.updateRunStats(func(stats *RunStats) {
		stats.IsRunning = false
		stats.Duration = time.Since(stats.StartTime).String()
		if report != nil {
			stats.Discovered = report.Discovered
			stats.Collected = report.Collected
			stats.FilteredOut = report.FilteredOut
			stats.Upserted = report.Upserted
			stats.Deactivated = report.Deactivated
			stats.Deferred = report.Deferred
		}
		if err != nil {
			stats.LastError = err.Error()
		}
	})

	return report, err
}

// RunOnce runs the pipeline with configuration defaults. Used by the
// scheduler.
func (a *CatalogAPI) RunOnce(ctx context.Context) error {
	_, err := a.RunPipeline(ctx, pipeline.Options{})
	return err
}

// ListActiveRecords returns every active catalog record. Ordering is left to
// the serving layer.
func (a *CatalogAPI) ListActiveRecords(ctx context.Context) ([]model.CatalogRecord, error) {
	return a.recordMd.ListActive(ctx)
}

// Search returns catalog record ids ranked by the search service's
// relevance score.
func (a *CatalogAPI) Search(ctx context.Context, query string) ([]int64, error) {
	return a.indexer.Search(ctx, query)
}

// RebuildIndex recreates the whole search index from the store.
func (a *CatalogAPI) RebuildIndex(ctx context.Context) error {
	return a.indexer.Rebuild(ctx)
}

// RefreshIndex recomputes index entries for the given ids. Used by the
// catalog-event consumer.
func (a *CatalogAPI) RefreshIndex(ctx context.Context, ids []int64) error {
	return a.indexer.Refresh(ctx, ids)
}

// GetRunStats returns a copy of the latest run snapshot.
func (a *CatalogAPI) GetRunStats() (*RunStats, error) {
	a.runStatsMu.RLock()
	defer a.runStatsMu.RUnlock()

	stats := *a.runStats
	if stats.IsRunning {
		stats.Duration = time.Since(stats.StartTime).String()
	}
	return &stats, nil
}

func (a *CatalogAPI) updateRunStats(updateFn func(*RunStats)) {
	a.runStatsMu.Lock()
	defer a.runStatsMu.Unlock()
	updateFn(a.runStats)
}

// Close releases long-lived connections.
func (a *CatalogAPI) Close() error {
	var firstErr error
	if a.producer != nil {
		if err := a.producer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.mysql != nil {
		if err := a.mysql.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
