package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ministryofjustice/money-to-prisoners-api-sub000/internal/domain"
	"github.com/ministryofjustice/money-to-prisoners-api-sub000/internal/store"
)

// AutoAcceptRegistry manages the (debit card, prisoner) pairs whose checks skip manual review.
type AutoAcceptRegistry struct {
	store  store.AutoAcceptStore
	logger *zap.Logger
	now    func() time.Time
}

func NewAutoAcceptRegistry(s store.AutoAcceptStore, logger *zap.Logger) *AutoAcceptRegistry {
	return &AutoAcceptRegistry{store: s, logger: logger.Named("auto_accept"), now: time.Now}
}

// CreateAutoAcceptRuleParams is the input of Create.
type CreateAutoAcceptRuleParams struct {
	DebitCardSenderDetailsID uuid.UUID
	PrisonerProfileID        uuid.UUID
	Reason                   string
	AddedBy                  *uuid.UUID
}

// Create registers a new active rule. A second rule for the same pair is a validation error;
// callers reactivate the existing rule instead.
func (r *AutoAcceptRegistry) Create(ctx context.Context, params CreateAutoAcceptRuleParams) (*domain.CheckAutoAcceptRule, error) {
	exists, err := r.store.DebitCardDetailsExists(ctx, params.DebitCardSenderDetailsID)
	if err != nil {
		return nil, fmt.Errorf("lookup debit card details: %w", err)
	}
	if !exists {
		return nil, &domain.ValidationError{Field: "debit_card_sender_details", Message: "Debit card details not found"}
	}

	rule, err := domain.NewAutoAcceptRule(params.DebitCardSenderDetailsID, params.PrisonerProfileID, params.AddedBy, params.Reason, r.now())
	if err != nil {
		return nil, err
	}
	if err := r.store.CreateAutoAcceptRule(ctx, rule); err != nil {
		if errors.Is(err, store.ErrDuplicateIdentity) {
			return nil, domain.NewValidationError("An auto-accept rule already exists for this debit card and prisoner")
		}
		return nil, fmt.Errorf("create auto-accept rule: %w", err)
	}

	r.logger.Info("auto-accept rule created",
		zap.String("rule_id", rule.ID.String()),
		zap.String("prisoner_profile_id", rule.PrisonerProfileID.String()),
	)
	return rule, nil
}

// AppendState activates or deactivates a rule by adding a new state.
func (r *AutoAcceptRegistry) AppendState(ctx context.Context, ruleID uuid.UUID, active bool, reason string, addedBy *uuid.UUID) (*domain.CheckAutoAcceptRule, error) {
	rule, err := r.store.GetAutoAcceptRule(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	state, err := rule.AppendState(active, reason, addedBy, r.now())
	if err != nil {
		return nil, err
	}
	if err := r.store.AppendAutoAcceptRuleState(ctx, state); err != nil {
		return nil, fmt.Errorf("append auto-accept state: %w", err)
	}
	r.logger.Info("auto-accept rule state appended",
		zap.String("rule_id", rule.ID.String()),
		zap.Bool("active", active),
	)
	return rule, nil
}

func (r *AutoAcceptRegistry) Get(ctx context.Context, ruleID uuid.UUID) (*domain.CheckAutoAcceptRule, error) {
	return r.store.GetAutoAcceptRule(ctx, ruleID)
}

func (r *AutoAcceptRegistry) List(ctx context.Context, filter store.AutoAcceptListFilter) ([]domain.CheckAutoAcceptRule, error) {
	if filter.Limit <= 0 {
		filter.Limit = 100
	}
	return r.store.ListAutoAcceptRules(ctx, filter)
}

// ActiveStateForCredit returns the latest state of the active rule covering the credit's card
// and prisoner, or nil when there is none.
func (r *AutoAcceptRegistry) ActiveStateForCredit(ctx context.Context, credit *domain.Credit) (*domain.CheckAutoAcceptRuleState, error) {
	if credit.PrisonerProfileID == nil {
		return nil, nil
	}
	card, ok := credit.DebitCardIdentity()
	if !ok {
		return nil, nil
	}
	rule, err := r.store.FindAutoAcceptRuleForCard(ctx, card, *credit.PrisonerProfileID)
	if errors.Is(err, store.ErrAutoAcceptRuleNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find auto-accept rule: %w", err)
	}
	if !rule.IsActive() {
		return nil, nil
	}
	return rule.LatestState(), nil
}
