package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/nfhub/nf-catalog/api"
	"github.com/nfhub/nf-catalog/cfg"
	"github.com/nfhub/nf-catalog/internal/pipeline"
	"github.com/nfhub/nf-catalog/internal/scheduler"
	"github.com/nfhub/nf-catalog/pkg/log"
)

func main() {
	schedule := flag.Bool("schedule", false, "Run periodically on the configured cron interval instead of once")
	rebuildIndex := flag.Bool("rebuild-index", false, "Rebuild the search index from the store and exit")
	flag.Parse()

	logger, _ := log.NewCslLogger()

	// Cancel between candidates on SIGINT/SIGTERM; in-flight fetches finish
	// and collected records are still written.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Warn(ctx, "Received shutdown signal, finishing in-flight work")
		cancel()
	}()

	loader, _ := cfg.NewViperLoader()
	config, err := loader.Load()
	if err != nil {
		logger.Critical(ctx, "Failed to load configuration: %v", err)
		os.Exit(1)
	}

	capi := api.NewCatalogAPI()
	if err := capi.InitializeWith(ctx, config); err != nil {
		logger.Critical(ctx, "Failed to initialize: %v", err)
		os.Exit(1)
	}
	defer capi.Close()

	if *rebuildIndex {
		if err := capi.RebuildIndex(ctx); err != nil {
			logger.Error(ctx, "Index rebuild failed: %v", err)
			os.Exit(1)
		}
		logger.Info(ctx, "Index rebuild complete")
		return
	}

	if *schedule {
		sched := scheduler.New(logger, config, capi)
		if err := sched.Start(ctx); err != nil {
			logger.Critical(ctx, "Failed to start scheduler: %v", err)
			os.Exit(1)
		}
		<-ctx.Done()
		sched.Stop()
		return
	}

	report, err := capi.RunPipeline(ctx, pipeline.Options{})
	if report != nil {
		logger.Info(ctx, "Run report: discovered=%d collected=%d filtered_out=%d upserted=%d deactivated=%d deferred=%d errors=%d",
			report.Discovered, report.Collected, report.FilteredOut,
			report.Upserted, report.Deactivated, report.Deferred, len(report.Errors))
	}
	if err != nil {
		logger.Error(ctx, "Pipeline run failed: %v", err)
		os.Exit(1)
	}
}
