// Package runguard enforces that only one pipeline run is in flight at a
// time, across processes, via a Redis advisory lock. The TTL is a backstop
// against a crashed run holding the lock forever.

package runguard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nfhub/nf-catalog/cfg"
	"github.com/nfhub/nf-catalog/pkg/log"
)

// ErrRunInProgress is returned when another run already holds the guard.
// Callers treat this as a fatal run-level failure.
var ErrRunInProgress = errors.New("another pipeline run is already in progress")

type Guard struct {
	Logger log.Logger
	Config *cfg.Config
	rdb    *redis.Client
}

func NewGuard(logger log.Logger, config *cfg.Config, rdb *redis.Client) (*Guard, error) {
	return &Guard{
		Logger: logger,
		Config: config,
		rdb:    rdb,
	}, nil
}

func (g *Guard) key() string {
	if g.Config.Redis.RunLockKey != "" {
		return g.Config.Redis.RunLockKey
	}
	return "nf-catalog:pipeline:run-lock"
}

func (g *Guard) ttl() time.Duration {
	if g.Config.Redis.RunLockTtlMin > 0 {
		return time.Duration(g.Config.Redis.RunLockTtlMin) * time.Minute
	}
	return 2 * time.Hour
}

// Acquire takes the lock or fails with ErrRunInProgress.
func (g *Guard) Acquire(ctx context.Context) error {
	ok, err := g.rdb.SetNX(ctx, g.key(), time.Now().Format(time.RFC3339), g.ttl()).Result()
	if err != nil {
		return fmt.Errorf("failed to acquire run lock: %w", err)
	}
	if !ok {
		return ErrRunInProgress
	}
	g.Logger.Debug(ctx, "Acquired run lock %s (ttl %v)", g.key(), g.ttl())
	return nil
}

// Release drops the lock. Safe to call even if the TTL already expired. The
// caller's context may already be cancelled after an interrupted run, so the
// delete runs on its own short-lived context; otherwise the lock would linger
// until the TTL.
func (g *Guard) Release(ctx context.Context) {
	delCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.rdb.Del(delCtx, g.key()).Err(); err != nil {
		g.Logger.Warn(ctx, "Failed to release run lock %s: %v", g.key(), err)
	}
}
