package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ministryofjustice/money-to-prisoners-api-sub000/internal/domain"
	"github.com/ministryofjustice/money-to-prisoners-api-sub000/internal/store"
)

const captureHandlerTimeout = 15 * time.Second

// CreditScreener creates the check of a screening candidate.
type CreditScreener interface {
	CreateForCredit(ctx context.Context, credit *domain.Credit) (*domain.Check, error)
}

// CreditFailer records failed payments.
type CreditFailer interface {
	FailCredit(ctx context.Context, creditID uuid.UUID) error
}

// CaptureConsumer reacts to payment capture and disbursement events. Handlers return true to
// acknowledge the delivery and false to have it re-queued.
type CaptureConsumer struct {
	reader   store.TransactionReader
	resolver ProfileAttacher
	checks   CreditScreener
	failer   CreditFailer
	logger   *zap.Logger
}

func NewCaptureConsumer(reader store.TransactionReader, resolver ProfileAttacher, checks CreditScreener, failer CreditFailer, logger *zap.Logger) *CaptureConsumer {
	return &CaptureConsumer{
		reader:   reader,
		resolver: resolver,
		checks:   checks,
		failer:   failer,
		logger:   logger.Named("capture_consumer"),
	}
}

// Bindings maps capture routing keys to their handlers.
func (c *CaptureConsumer) Bindings() map[string]func([]byte) bool {
	return map[string]func([]byte) bool{
		domain.CaptureCreditPaymentCaptured: c.HandleCreditCaptured,
		domain.CaptureCreditPaymentFailed:   c.HandleCreditFailed,
		domain.CaptureDisbursementSent:      c.HandleDisbursementSent,
	}
}

// HandleCreditCaptured resolves the credit's profiles and screens it.
func (c *CaptureConsumer) HandleCreditCaptured(body []byte) bool {
	return c.handle(body, domain.CaptureCreditPaymentCaptured, func(ctx context.Context, event domain.CaptureEvent) error {
		if event.CreditID == nil {
			return errMissingRecordID
		}
		credit, err := c.reader.GetCredit(ctx, *event.CreditID)
		if err != nil {
			return err
		}
		if credit.Resolution == domain.CreditResolutionFailed {
			c.logger.Info("credit already failed; skipping", zap.String("credit_id", credit.ID.String()))
			return nil
		}
		if err := c.resolver.AttachCreditProfiles(ctx, credit); err != nil {
			return fmt.Errorf("attach profiles: %w", err)
		}
		if _, err := c.checks.CreateForCredit(ctx, credit); err != nil {
			return fmt.Errorf("create check: %w", err)
		}
		return nil
	})
}

// HandleCreditFailed marks an initial credit as failed.
func (c *CaptureConsumer) HandleCreditFailed(body []byte) bool {
	return c.handle(body, domain.CaptureCreditPaymentFailed, func(ctx context.Context, event domain.CaptureEvent) error {
		if event.CreditID == nil {
			return errMissingRecordID
		}
		return c.failer.FailCredit(ctx, *event.CreditID)
	})
}

// HandleDisbursementSent resolves the profiles of a sent disbursement.
func (c *CaptureConsumer) HandleDisbursementSent(body []byte) bool {
	return c.handle(body, domain.CaptureDisbursementSent, func(ctx context.Context, event domain.CaptureEvent) error {
		if event.DisbursementID == nil {
			return errMissingRecordID
		}
		d, err := c.reader.GetDisbursement(ctx, *event.DisbursementID)
		if err != nil {
			return err
		}
		if d.RecipientProfileID != nil {
			return nil
		}
		if d.Resolution != domain.DisbursementResolutionSent {
			c.logger.Warn("disbursement not sent; skipping",
				zap.String("disbursement_id", d.ID.String()),
				zap.String("resolution", string(d.Resolution)),
			)
			return nil
		}
		return c.resolver.AttachDisbursementProfiles(ctx, d)
	})
}

var errMissingRecordID = errors.New("event carries no record id")

// handle decodes the event and runs process. Malformed events, unknown records and invariant
// violations are acknowledged and dropped since redelivery cannot fix them.
func (c *CaptureConsumer) handle(body []byte, routingKey string, process func(context.Context, domain.CaptureEvent) error) bool {
	var event domain.CaptureEvent
	if err := json.Unmarshal(body, &event); err != nil {
		c.logger.Warn("failed to unmarshal capture event", zap.String("routing_key", routingKey), zap.Error(err))
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), captureHandlerTimeout)
	defer cancel()

	err := process(ctx, event)
	switch {
	case err == nil:
		return true
	case errors.Is(err, errMissingRecordID),
		errors.Is(err, store.ErrCreditNotFound),
		errors.Is(err, store.ErrDisbursementNotFound):
		c.logger.Warn("dropping capture event", zap.String("routing_key", routingKey), zap.String("event_id", event.EventID), zap.Error(err))
		return true
	case errors.Is(err, domain.ErrInvariant), domain.IsValidation(err):
		c.logger.Error("capture event violates an invariant; dropping", zap.String("routing_key", routingKey), zap.String("event_id", event.EventID), zap.Error(err))
		return true
	default:
		c.logger.Error("capture event processing failed; re-queuing", zap.String("routing_key", routingKey), zap.String("event_id", event.EventID), zap.Error(err))
		return false
	}
}
