// The consumer keeps the search index in step with the catalog store by
// applying the change events the pipeline publishes after each run.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nfhub/nf-catalog/api"
	"github.com/nfhub/nf-catalog/cfg"
	"github.com/nfhub/nf-catalog/internal/model"
	"github.com/nfhub/nf-catalog/pkg/kafka"
	"github.com/nfhub/nf-catalog/pkg/log"
)

func main() {
	logger, _ := log.NewCslLogger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loader, _ := cfg.NewViperLoader()
	config, err := loader.Load()
	if err != nil {
		logger.Critical(ctx, "Failed to load configuration: %v", err)
		os.Exit(1)
	}
	if !config.Kafka.Enabled {
		logger.Critical(ctx, "Kafka is disabled in configuration, nothing to consume")
		os.Exit(1)
	}

	capi := api.NewCatalogAPI()
	if err := capi.InitializeWith(ctx, config); err != nil {
		logger.Critical(ctx, "Failed to initialize: %v", err)
		os.Exit(1)
	}
	defer capi.Close()

	consumer := kafka.NewConsumer(config, logger, config.Kafka.Producer.TopicCatalog, "catalog-indexer-group")
	defer consumer.Close()

	refresh := func(data []byte) error {
		var event model.CatalogEvent
		if err := json.Unmarshal(data, &event); err != nil {
			return fmt.Errorf("failed to unmarshal catalog event: %w", err)
		}
		// Refresh re-reads each record from the store, so it both indexes
		// upserts and drops records that have gone inactive since.
		return capi.RefreshIndex(ctx, event.IDs)
	}
	consumer.RegisterHandler(model.EventUpserted, refresh)
	consumer.RegisterHandler(model.EventDeactivated, refresh)

	go func() {
		if err := consumer.Start(ctx); err != nil {
			logger.Error(ctx, "Consumer error: %v", err)
		}
	}()
	logger.Info(ctx, "Catalog index consumer started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info(ctx, "Received shutdown signal, gracefully shutting down...")
	cancel()
}
