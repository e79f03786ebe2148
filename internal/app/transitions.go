package app

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ministryofjustice/money-to-prisoners-api-sub000/internal/domain"
	"github.com/ministryofjustice/money-to-prisoners-api-sub000/internal/store"
)

// DisbursementAttacher resolves the profiles of a sent disbursement.
type DisbursementAttacher interface {
	AttachDisbursementProfiles(ctx context.Context, d *domain.Disbursement) error
}

// TransitionService applies reviewer bulk actions to credits and disbursements.
type TransitionService struct {
	store    store.TransitionStore
	reader   store.TransactionReader
	attacher DisbursementAttacher
	logger   *zap.Logger
}

func NewTransitionService(s store.TransitionStore, reader store.TransactionReader, attacher DisbursementAttacher, logger *zap.Logger) *TransitionService {
	return &TransitionService{store: s, reader: reader, attacher: attacher, logger: logger.Named("transitions")}
}

// TransitionCredits applies action to all credits or, on a ConflictError, to none.
func (s *TransitionService) TransitionCredits(ctx context.Context, ids []uuid.UUID, action domain.CreditAction, by uuid.UUID) error {
	if len(ids) == 0 {
		return &domain.ValidationError{Field: "credit_ids", Message: "This field cannot be empty"}
	}
	if err := s.store.TransitionCredits(ctx, ids, action, by); err != nil {
		return err
	}
	s.logger.Info("credits transitioned", zap.String("action", string(action)), zap.Int("count", len(ids)), zap.String("user_id", by.String()))
	return nil
}

// Reconcile marks credited credits received in [from, to) as reconciled.
func (s *TransitionService) Reconcile(ctx context.Context, from, to time.Time, by uuid.UUID) (int64, error) {
	if !from.Before(to) {
		return 0, &domain.ValidationError{Field: "received_at", Message: "Start must be before end"}
	}
	n, err := s.store.ReconcileCredits(ctx, from, to, by)
	if err != nil {
		return 0, fmt.Errorf("reconcile credits: %w", err)
	}
	s.logger.Info("credits reconciled", zap.Int64("count", n), zap.Time("from", from), zap.Time("to", to))
	return n, nil
}

// TransitionDisbursements moves all disbursements to next. Disbursements reaching SENT have
// their profiles resolved afterwards; a resolution failure is logged and left for the
// aggregate updater to retry.
func (s *TransitionService) TransitionDisbursements(ctx context.Context, ids []uuid.UUID, next domain.DisbursementResolution, by uuid.UUID) error {
	if len(ids) == 0 {
		return &domain.ValidationError{Field: "disbursement_ids", Message: "This field cannot be empty"}
	}
	if err := s.store.TransitionDisbursements(ctx, ids, next, by); err != nil {
		return err
	}
	s.logger.Info("disbursements transitioned", zap.String("resolution", string(next)), zap.Int("count", len(ids)))

	if next != domain.DisbursementResolutionSent {
		return nil
	}
	disbursements, err := s.reader.ListDisbursements(ctx, ids)
	if err != nil {
		s.logger.Error("failed to load sent disbursements", zap.Error(err))
		return nil
	}
	for i := range disbursements {
		d := &disbursements[i]
		if d.RecipientProfileID != nil {
			continue
		}
		if err := s.attacher.AttachDisbursementProfiles(ctx, d); err != nil {
			s.logger.Error("failed to attach disbursement profiles", zap.String("disbursement_id", d.ID.String()), zap.Error(err))
		}
	}
	return nil
}

// FailCredit records that a credit's payment did not complete.
func (s *TransitionService) FailCredit(ctx context.Context, creditID uuid.UUID) error {
	if err := s.store.FailCredit(ctx, creditID); err != nil {
		return err
	}
	s.logger.Info("credit failed", zap.String("credit_id", creditID.String()))
	return nil
}
