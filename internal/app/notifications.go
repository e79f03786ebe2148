package app

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ministryofjustice/money-to-prisoners-api-sub000/internal/domain"
	"github.com/ministryofjustice/money-to-prisoners-api-sub000/internal/rules"
	"github.com/ministryofjustice/money-to-prisoners-api-sub000/internal/store"
)

// Notifier raises notification events for newly counted credits and disbursements and lists
// them back to users.
type Notifier struct {
	reader store.TransactionReader
	store  store.NotificationStore
	rules  RuleEvaluator
	logger *zap.Logger
}

func NewNotifier(reader store.TransactionReader, events store.NotificationStore, evaluator RuleEvaluator, logger *zap.Logger) *Notifier {
	return &Notifier{reader: reader, store: events, rules: evaluator, logger: logger.Named("notifier")}
}

// CreditEvents evaluates the notification rules for the given credits and returns the
// events to save.
func (n *Notifier) CreditEvents(ctx context.Context, ids []uuid.UUID) ([]domain.NotificationEvent, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	credits, err := n.reader.ListCredits(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load credits: %w", err)
	}
	records := make([]domain.ScreenableRecord, 0, len(credits))
	for i := range credits {
		records = append(records, domain.CreditRecord(&credits[i]))
	}
	return n.events(ctx, records)
}

// DisbursementEvents evaluates the notification rules for the given disbursements.
func (n *Notifier) DisbursementEvents(ctx context.Context, ids []uuid.UUID) ([]domain.NotificationEvent, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	disbursements, err := n.reader.ListDisbursements(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load disbursements: %w", err)
	}
	records := make([]domain.ScreenableRecord, 0, len(disbursements))
	for i := range disbursements {
		records = append(records, domain.DisbursementRecord(&disbursements[i]))
	}
	return n.events(ctx, records)
}

func (n *Notifier) events(ctx context.Context, records []domain.ScreenableRecord) ([]domain.NotificationEvent, error) {
	var events []domain.NotificationEvent
	for _, rec := range records {
		matches, err := n.rules.Evaluate(ctx, rules.SubsetNotifications, rec)
		if err != nil {
			return nil, fmt.Errorf("evaluate notification rules for %s %s: %w", rec.Kind, rec.ID, err)
		}
		for _, m := range matches {
			events = append(events, notificationEvents(m, rec)...)
		}
	}
	if len(events) > 0 {
		n.logger.Debug("notification events raised", zap.Int("records", len(records)), zap.Int("events", len(events)))
	}
	return events, nil
}

// List returns the notification events visible to a user.
func (n *Notifier) List(ctx context.Context, filter store.NotificationListFilter) ([]domain.NotificationEvent, error) {
	if filter.UserID == uuid.Nil {
		return nil, &domain.ValidationError{Field: "user", Message: "A user is required"}
	}
	return n.store.ListNotificationEvents(ctx, filter)
}

// notificationEvents builds one event per monitoring user for monitoring rules and a single
// shared event otherwise.
func notificationEvents(m rules.Match, rec domain.ScreenableRecord) []domain.NotificationEvent {
	var profile *domain.ProfileRef
	if profiled, ok := m.Rule.(rules.ProfiledRule); ok {
		profile = profiled.Profile(rec)
	}
	code, description := m.Rule.Code(), m.Rule.Description()

	if len(m.Triggered.MonitoringUsers) == 0 {
		return []domain.NotificationEvent{domain.NewNotificationEvent(code, description, rec, profile, nil)}
	}
	out := make([]domain.NotificationEvent, 0, len(m.Triggered.MonitoringUsers))
	for _, user := range m.Triggered.MonitoringUsers {
		user := user
		out = append(out, domain.NewNotificationEvent(code, description, rec, profile, &user))
	}
	return out
}
