package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/noticeguard/pkg/audit"
	"github.com/platinummonkey/noticeguard/pkg/config"
	"github.com/platinummonkey/noticeguard/pkg/enforcement"
	"github.com/platinummonkey/noticeguard/pkg/kvstore"
	"github.com/platinummonkey/noticeguard/pkg/observability"
	"github.com/platinummonkey/noticeguard/pkg/permcache"
)

// warmupTimeout bounds one scheduled cache warmup
const warmupTimeout = 5 * time.Minute

type jobDeps struct {
	cache   *permcache.Cache
	metrics *observability.Metrics
	store   *kvstore.Redis
	db      *sql.DB
	warmer  *enforcement.Warmer
	audit   *audit.MultiLogger
	logger  *observability.Logger
}

// newScheduler registers the gauge refresh and, when configured, the cache
// warmup. Overlapping runs of the same job are skipped.
func newScheduler(cfg config.JobsConfig, deps jobDeps) (*cron.Cron, error) {
	c := cron.New(cron.WithChain(
		cron.Recover(cron.DiscardLogger),
		cron.SkipIfStillRunning(cron.DiscardLogger),
	))

	if _, err := c.AddFunc(cfg.GaugeSchedule, func() { refreshGauges(context.Background(), deps) }); err != nil {
		return nil, fmt.Errorf("failed to schedule gauge refresh: %w", err)
	}
	deps.logger.WithField("schedule", cfg.GaugeSchedule).Info("Scheduled gauge refresh")

	if cfg.WarmupSchedule != "" {
		if deps.warmer == nil {
			deps.logger.Warn("Cache warmup schedule ignored: no database configured")
			return c, nil
		}
		_, err := c.AddFunc(cfg.WarmupSchedule, func() {
			ctx, cancel := context.WithTimeout(context.Background(), warmupTimeout)
			defer cancel()
			warm(ctx, deps.warmer, deps.logger)
		})
		if err != nil {
			return nil, fmt.Errorf("failed to schedule cache warmup: %w", err)
		}
		deps.logger.WithField("schedule", cfg.WarmupSchedule).Info("Scheduled cache warmup")
	}

	return c, nil
}

func refreshGauges(ctx context.Context, deps jobDeps) {
	defer observability.RecoverPanic(deps.logger, "gauge refresh")

	diag := deps.cache.Diagnostics(ctx)
	deps.metrics.SetCacheGauges(diag.KeyCount, diag.EstimatedMemoryBytes, diag.Utilization, diag.StoreAvailable)
	if deps.store != nil {
		deps.metrics.UpdateRedisStats(deps.store.PoolStats())
	}
	if deps.db != nil {
		deps.metrics.UpdateDBStats(deps.db.Stats())
	}
	if deps.audit != nil {
		for _, err := range deps.audit.Errors() {
			deps.logger.WithError(err).Warn("Security audit write failed")
		}
	}
	if diag.HighWater {
		deps.logger.WithFields(map[string]interface{}{
			"keys":        diag.KeyCount,
			"utilization": diag.UtilizationPercent,
		}).Warn("Permission cache above high-water mark")
	}
}

func warm(ctx context.Context, warmer *enforcement.Warmer, logger *observability.Logger) {
	start := time.Now()
	result, err := warmer.Warm(ctx)
	entry := logger.WithFields(map[string]interface{}{
		"subjects":    result.Subjects,
		"cached":      result.Cached,
		"failed":      result.Failed,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	if err != nil {
		entry.WithError(err).Warn("Permission cache warmup finished with errors")
		return
	}
	entry.Info("Permission cache warmed")
}
