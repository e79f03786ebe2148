/**
 * @description
 * The AggregateUpdater keeps profile counters in line with completed transactions. One Run
 * attaches profiles to records that were never resolved, folds newly completed records into
 * the cached totals batch by batch while saving their notification events, and finally
 * refreshes each prisoner's current prison.
 *
 * @notes
 * - Every batch is committed on its own, so an interrupted run resumes where it stopped.
 * - A batch whose notifications cannot be built is rolled back and retried on the next run.
 * - RecalculateAllTotals rebuilds every counter from source rows and is only needed to repair drift.
 */

package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ministryofjustice/money-to-prisoners-api-sub000/internal/domain"
	"github.com/ministryofjustice/money-to-prisoners-api-sub000/internal/store"
)

const defaultAggregateBatchSize = 200

// ProfileAttacher is the part of the Resolver the updater needs.
type ProfileAttacher interface {
	AttachCreditProfiles(ctx context.Context, credit *domain.Credit) error
	AttachDisbursementProfiles(ctx context.Context, d *domain.Disbursement) error
}

// RecordNotifier builds the notification events for newly counted records. The events are
// saved in the same transaction that marks the records counted.
type RecordNotifier interface {
	CreditEvents(ctx context.Context, ids []uuid.UUID) ([]domain.NotificationEvent, error)
	DisbursementEvents(ctx context.Context, ids []uuid.UUID) ([]domain.NotificationEvent, error)
}

// AggregateRunStats summarises one Run.
type AggregateRunStats struct {
	CreditsAttached       int
	DisbursementsAttached int
	CreditsCounted        int
	DisbursementsCounted  int
	Notifications         int
	PrisonsUpdated        int64
}

type AggregateUpdater struct {
	store     store.AggregateStore
	reader    store.TransactionReader
	attacher  ProfileAttacher
	notifier  RecordNotifier
	batchSize int
	logger    *zap.Logger
}

func NewAggregateUpdater(s store.AggregateStore, reader store.TransactionReader, attacher ProfileAttacher, notifier RecordNotifier, batchSize int, logger *zap.Logger) *AggregateUpdater {
	if batchSize <= 0 {
		batchSize = defaultAggregateBatchSize
	}
	return &AggregateUpdater{
		store:     s,
		reader:    reader,
		attacher:  attacher,
		notifier:  notifier,
		batchSize: batchSize,
		logger:    logger.Named("aggregates"),
	}
}

// Run performs one full update pass. The current prison refresh runs even when an earlier
// step failed.
func (u *AggregateUpdater) Run(ctx context.Context) (stats AggregateRunStats, err error) {
	defer func() {
		updated, prisonErr := u.store.UpdateCurrentPrisons(ctx)
		if prisonErr != nil {
			err = errors.Join(err, fmt.Errorf("update current prisons: %w", prisonErr))
			return
		}
		stats.PrisonsUpdated = updated
	}()

	if stats.CreditsAttached, err = u.attachCredits(ctx); err != nil {
		return stats, err
	}
	if stats.CreditsCounted, err = u.countCredits(ctx, &stats); err != nil {
		return stats, err
	}
	if stats.DisbursementsAttached, err = u.attachDisbursements(ctx); err != nil {
		return stats, err
	}
	if stats.DisbursementsCounted, err = u.countDisbursements(ctx, &stats); err != nil {
		return stats, err
	}
	return stats, nil
}

// attachCredits resolves profiles for completed credits that have none. Credits that fail to
// resolve are logged and skipped so one bad record cannot stall the run.
func (u *AggregateUpdater) attachCredits(ctx context.Context) (int, error) {
	attempted := map[uuid.UUID]bool{}
	attached := 0
	for {
		ids, err := u.store.CreditsMissingProfiles(ctx, u.batchSize+len(attempted))
		if err != nil {
			return attached, fmt.Errorf("list credits missing profiles: %w", err)
		}
		fresh := unattempted(ids, attempted)
		if len(fresh) == 0 {
			return attached, nil
		}
		credits, err := u.reader.ListCredits(ctx, fresh)
		if err != nil {
			return attached, fmt.Errorf("load credits: %w", err)
		}
		for i := range credits {
			credit := &credits[i]
			if err := u.attacher.AttachCreditProfiles(ctx, credit); err != nil {
				u.logger.Error("failed to attach credit profiles", zap.String("credit_id", credit.ID.String()), zap.Error(err))
				continue
			}
			attached++
		}
		if err := ctx.Err(); err != nil {
			return attached, err
		}
	}
}

func (u *AggregateUpdater) attachDisbursements(ctx context.Context) (int, error) {
	attempted := map[uuid.UUID]bool{}
	attached := 0
	for {
		ids, err := u.store.DisbursementsMissingProfiles(ctx, u.batchSize+len(attempted))
		if err != nil {
			return attached, fmt.Errorf("list disbursements missing profiles: %w", err)
		}
		fresh := unattempted(ids, attempted)
		if len(fresh) == 0 {
			return attached, nil
		}
		disbursements, err := u.reader.ListDisbursements(ctx, fresh)
		if err != nil {
			return attached, fmt.Errorf("load disbursements: %w", err)
		}
		for i := range disbursements {
			d := &disbursements[i]
			if err := u.attacher.AttachDisbursementProfiles(ctx, d); err != nil {
				u.logger.Error("failed to attach disbursement profiles", zap.String("disbursement_id", d.ID.String()), zap.Error(err))
				continue
			}
			attached++
		}
		if err := ctx.Err(); err != nil {
			return attached, err
		}
	}
}

// unattempted returns the ids not yet in attempted and marks them.
func unattempted(ids []uuid.UUID, attempted map[uuid.UUID]bool) []uuid.UUID {
	var fresh []uuid.UUID
	for _, id := range ids {
		if !attempted[id] {
			attempted[id] = true
			fresh = append(fresh, id)
		}
	}
	return fresh
}

func (u *AggregateUpdater) countCredits(ctx context.Context, stats *AggregateRunStats) (int, error) {
	counted := 0
	for {
		batch, err := u.store.CountNewCredits(ctx, u.batchSize, u.notifier.CreditEvents)
		if err != nil {
			return counted, fmt.Errorf("count new credits: %w", err)
		}
		if len(batch.RecordIDs) == 0 {
			return counted, nil
		}
		counted += len(batch.RecordIDs)
		stats.Notifications += batch.Notifications
		u.logger.Debug("credit batch counted", zap.Int("records", len(batch.RecordIDs)), zap.Int("notifications", batch.Notifications))
	}
}

func (u *AggregateUpdater) countDisbursements(ctx context.Context, stats *AggregateRunStats) (int, error) {
	counted := 0
	for {
		batch, err := u.store.CountNewDisbursements(ctx, u.batchSize, u.notifier.DisbursementEvents)
		if err != nil {
			return counted, fmt.Errorf("count new disbursements: %w", err)
		}
		if len(batch.RecordIDs) == 0 {
			return counted, nil
		}
		counted += len(batch.RecordIDs)
		stats.Notifications += batch.Notifications
		u.logger.Debug("disbursement batch counted", zap.Int("records", len(batch.RecordIDs)), zap.Int("notifications", batch.Notifications))
	}
}

// UpdateCurrentPrisons refreshes every prisoner profile's current prison.
func (u *AggregateUpdater) UpdateCurrentPrisons(ctx context.Context) (int64, error) {
	return u.store.UpdateCurrentPrisons(ctx)
}

// RecalculateAllTotals recomputes the counters of every profile from source rows. The three
// profile kinds are processed concurrently.
func (u *AggregateUpdater) RecalculateAllTotals(ctx context.Context) (map[domain.ProfileKind]int64, error) {
	kinds := []domain.ProfileKind{domain.ProfileKindSender, domain.ProfileKindPrisoner, domain.ProfileKindRecipient}
	updated := make([]int64, len(kinds))

	g, gctx := errgroup.WithContext(ctx)
	for i, kind := range kinds {
		i, kind := i, kind
		g.Go(func() error {
			n, err := u.recalculateKind(gctx, kind)
			updated[i] = n
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[domain.ProfileKind]int64, len(kinds))
	for i, kind := range kinds {
		out[kind] = updated[i]
	}
	return out, nil
}

func (u *AggregateUpdater) recalculateKind(ctx context.Context, kind domain.ProfileKind) (int64, error) {
	var (
		total int64
		after uuid.UUID
	)
	for {
		ids, err := u.store.ListProfileIDs(ctx, kind, after, u.batchSize)
		if err != nil {
			return total, fmt.Errorf("list %s profiles: %w", kind, err)
		}
		if len(ids) == 0 {
			return total, nil
		}
		n, err := u.store.RecalculateTotals(ctx, kind, ids)
		if err != nil {
			return total, fmt.Errorf("recalculate %s totals: %w", kind, err)
		}
		total += n
		after = ids[len(ids)-1]
		if len(ids) < u.batchSize {
			return total, nil
		}
	}
}
