// Package scheduler wires up the cron job that periodically triggers a full
// pipeline run.

package scheduler

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/nfhub/nf-catalog/cfg"
	"github.com/nfhub/nf-catalog/pkg/log"
)

// Runner triggers one pipeline run. Satisfied by the api package.
type Runner interface {
	RunOnce(ctx context.Context) error
}

// Scheduler wraps robfig/cron and manages the periodic batch loop.
type Scheduler struct {
	Logger log.Logger
	Config *cfg.Config
	cron   *cron.Cron
	runner Runner
	spec   string
}

// New creates a Scheduler that fires every Pipeline.ScheduleEveryHours hours.
func New(logger log.Logger, config *cfg.Config, runner Runner) *Scheduler {
	hours := config.Pipeline.ScheduleEveryHours
	if hours <= 0 {
		hours = 24
	}
	return &Scheduler{
		Logger: logger,
		Config: config,
		cron:   cron.New(),
		runner: runner,
		spec:   fmt.Sprintf("@every %dh", hours),
	}
}

// Start registers the job and starts the scheduler. Also runs one pass
// immediately so the catalog is populated without waiting for the first
// tick.
func (s *Scheduler) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc(s.spec, func() {
		s.runOnce(ctx)
	})
	if err != nil {
		return fmt.Errorf("cron.AddFunc: %w", err)
	}

	s.cron.Start()
	s.Logger.Info(ctx, "Scheduler started, spec: %s", s.spec)

	go s.runOnce(ctx)
	return nil
}

func (s *Scheduler) runOnce(ctx context.Context) {
	if err := s.runner.RunOnce(ctx); err != nil {
		s.Logger.Error(ctx, "Scheduled pipeline run failed: %v", err)
	}
}

// Stop gracefully shuts down the scheduler, waiting for a running job.
func (s *Scheduler) Stop() {
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.Logger.Info(context.Background(), "Scheduler stopped")
}
