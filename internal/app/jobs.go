/**
 * @description
 * Scheduled job implementations for the security service. Each job takes a job lock first
 * so only one replica runs it at a time.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ministryofjustice/money-to-prisoners-api-sub000/internal/config"
	"github.com/ministryofjustice/money-to-prisoners-api-sub000/internal/domain"
)

// Job names, also accepted by the internal job trigger endpoint.
const (
	JobUpdateAggregates     = "update-aggregates"
	JobUpdateCurrentPrisons = "update-current-prisons"
	JobRecalculateTotals    = "recalculate-totals"
)

// ErrJobLocked is returned when another run of the job holds the lock.
var ErrJobLocked = errors.New("job already running")

// AggregateJobs is the part of the AggregateUpdater the jobs drive.
type AggregateJobs interface {
	Run(ctx context.Context) (AggregateRunStats, error)
	UpdateCurrentPrisons(ctx context.Context) (int64, error)
	RecalculateAllTotals(ctx context.Context) (map[domain.ProfileKind]int64, error)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	aggregates AggregateJobs
	lock       JobLock
	logger     *zap.Logger
	config     config.Config
}

// NewJobs creates a new Jobs runner.
func NewJobs(aggregates AggregateJobs, lock JobLock, logger *zap.Logger, cfg config.Config) *Jobs {
	return &Jobs{
		aggregates: aggregates,
		lock:       lock,
		logger:     logger.Named("jobs"),
		config:     cfg,
	}
}

// Run executes the named job synchronously.
func (j *Jobs) Run(ctx context.Context, name string) error {
	switch name {
	case JobUpdateAggregates:
		return j.locked(ctx, name, j.updateAggregates)
	case JobUpdateCurrentPrisons:
		return j.locked(ctx, name, j.updateCurrentPrisons)
	case JobRecalculateTotals:
		return j.locked(ctx, name, j.recalculateTotals)
	default:
		return fmt.Errorf("unknown job %q", name)
	}
}

// KnownJob reports whether name is a job Run accepts.
func KnownJob(name string) bool {
	switch name {
	case JobUpdateAggregates, JobUpdateCurrentPrisons, JobRecalculateTotals:
		return true
	}
	return false
}

func (j *Jobs) locked(ctx context.Context, name string, job func(context.Context) error) error {
	release, err := j.lock.TryAcquire(ctx, name, j.config.JobLockTTL())
	if err != nil {
		return fmt.Errorf("acquire job lock: %w", err)
	}
	if release == nil {
		return ErrJobLocked
	}
	defer release()

	ctx, cancel := context.WithTimeout(ctx, j.config.JobLockTTL())
	defer cancel()
	return job(ctx)
}

// UpdateAggregates is the cron entry point of the aggregate updater.
func (j *Jobs) UpdateAggregates() {
	j.runScheduled(JobUpdateAggregates)
}

// UpdateCurrentPrisons is the cron entry point of the current prison refresh.
func (j *Jobs) UpdateCurrentPrisons() {
	j.runScheduled(JobUpdateCurrentPrisons)
}

// RecalculateTotals is the cron entry point of the nightly totals rebuild.
func (j *Jobs) RecalculateTotals() {
	j.runScheduled(JobRecalculateTotals)
}

func (j *Jobs) runScheduled(name string) {
	j.logger.Info("starting job", zap.String("job", name))
	started := time.Now()

	err := j.Run(context.Background(), name)
	switch {
	case errors.Is(err, ErrJobLocked):
		j.logger.Info("job already running elsewhere; skipped", zap.String("job", name))
	case err != nil:
		j.logger.Error("job failed", zap.String("job", name), zap.Duration("elapsed", time.Since(started)), zap.Error(err))
	default:
		j.logger.Info("job finished", zap.String("job", name), zap.Duration("elapsed", time.Since(started)))
	}
}

func (j *Jobs) updateAggregates(ctx context.Context) error {
	stats, err := j.aggregates.Run(ctx)
	j.logger.Info("aggregate update",
		zap.Int("credits_attached", stats.CreditsAttached),
		zap.Int("credits_counted", stats.CreditsCounted),
		zap.Int("disbursements_attached", stats.DisbursementsAttached),
		zap.Int("disbursements_counted", stats.DisbursementsCounted),
		zap.Int("notifications", stats.Notifications),
		zap.Int64("prisons_updated", stats.PrisonsUpdated),
	)
	return err
}

func (j *Jobs) updateCurrentPrisons(ctx context.Context) error {
	n, err := j.aggregates.UpdateCurrentPrisons(ctx)
	if err != nil {
		return err
	}
	j.logger.Info("current prisons updated", zap.Int64("profiles", n))
	return nil
}

func (j *Jobs) recalculateTotals(ctx context.Context) error {
	updated, err := j.aggregates.RecalculateAllTotals(ctx)
	if err != nil {
		return err
	}
	for kind, n := range updated {
		j.logger.Info("profile totals recalculated", zap.String("kind", string(kind)), zap.Int64("profiles", n))
	}
	return nil
}
