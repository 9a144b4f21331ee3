// Package janitor runs periodic cleanup: idle terminal sessions are closed,
// old activity rows are pruned, and stale rate-limiter buckets are dropped.
package janitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/codesail/codesail/internal/config"
	"github.com/codesail/codesail/internal/ratelimit"
	"github.com/codesail/codesail/internal/session"
	"github.com/codesail/codesail/internal/storage"
)

const sweepTimeout = 30 * time.Second

// Janitor schedules cleanup sweeps with a 5-field cron expression.
type Janitor struct {
	coordinator *session.Coordinator
	store       storage.Store     // Optional; nil skips activity pruning.
	limiter     *ratelimit.Limiter // Optional; nil skips bucket pruning.
	cfg         *config.JanitorConfig
	logger      *slog.Logger
	cron        *cron.Cron
}

// New creates a Janitor. Call Start to begin sweeping.
func New(coordinator *session.Coordinator, store storage.Store, limiter *ratelimit.Limiter, cfg *config.JanitorConfig, logger *slog.Logger) *Janitor {
	return &Janitor{
		coordinator: coordinator,
		store:       store,
		limiter:     limiter,
		cfg:         cfg,
		logger:      logger,
		cron:        cron.New(),
	}
}

// Start registers the sweep on the configured schedule and starts the cron
// runner in its own goroutine.
func (j *Janitor) Start() error {
	if _, err := j.cron.AddFunc(j.cfg.CronSchedule(), j.sweep); err != nil {
		return err
	}
	j.cron.Start()
	j.logger.Info("janitor started",
		slog.String("schedule", j.cfg.CronSchedule()),
		slog.Duration("session_idle", j.cfg.SessionIdle()),
		slog.Duration("retention", j.cfg.Retention()),
	)
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (j *Janitor) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
	j.logger.Info("janitor stopped")
}

// Sweep runs one cleanup pass immediately. Exposed for the serve command's
// startup pass and for tests; the cron schedule calls it internally.
func (j *Janitor) Sweep(ctx context.Context) {
	closed := j.coordinator.CloseIdleTerminals(j.cfg.SessionIdle())

	pruned := 0
	if j.limiter != nil {
		pruned = j.limiter.Prune(j.cfg.SessionIdle())
	}

	var deleted int64
	if j.store != nil {
		cutoff := time.Now().UTC().Add(-j.cfg.Retention())
		n, err := j.store.Activities().DeleteOlderThan(ctx, cutoff)
		if err != nil {
			j.logger.Warn("pruning activity rows", slog.String("error", err.Error()))
		} else {
			deleted = n
		}
	}

	if closed > 0 || pruned > 0 || deleted > 0 {
		j.logger.Info("janitor sweep complete",
			slog.Int("terminals_closed", closed),
			slog.Int("buckets_pruned", pruned),
			slog.Int64("activities_deleted", deleted),
		)
	}
}

func (j *Janitor) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()
	j.Sweep(ctx)
}
