/**
 * @description
 * The CheckService drives the check state machine: it screens candidate credits against the
 * screening subset, applies active auto-accept rules, and persists reviewer decisions.
 *
 * @notes
 * - A credit gets at most one check. Creating a check for a credit that already has one
 *   returns the existing check.
 * - Decisions are written conditionally on the status they were made from. When another
 *   reviewer got there first the check is reloaded and the transition re-validated.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ministryofjustice/money-to-prisoners-api-sub000/internal/domain"
	"github.com/ministryofjustice/money-to-prisoners-api-sub000/internal/rules"
	"github.com/ministryofjustice/money-to-prisoners-api-sub000/internal/store"
)

const maxDecisionAttempts = 3

// RuleEvaluator is the part of the rule registry the services use.
type RuleEvaluator interface {
	Evaluate(ctx context.Context, subset string, rec domain.ScreenableRecord) ([]rules.Match, error)
	EvaluateAll(ctx context.Context, rec domain.ScreenableRecord) ([]rules.Match, error)
}

// ActiveStateFinder looks up the auto-accept state covering a credit.
type ActiveStateFinder interface {
	ActiveStateForCredit(ctx context.Context, credit *domain.Credit) (*domain.CheckAutoAcceptRuleState, error)
}

type CheckService struct {
	checks     store.CheckStore
	credits    store.TransactionReader
	rules      RuleEvaluator
	autoAccept ActiveStateFinder
	logger     *zap.Logger
	now        func() time.Time
}

func NewCheckService(checks store.CheckStore, credits store.TransactionReader, evaluator RuleEvaluator, autoAccept ActiveStateFinder, logger *zap.Logger) *CheckService {
	return &CheckService{
		checks:     checks,
		credits:    credits,
		rules:      evaluator,
		autoAccept: autoAccept,
		logger:     logger.Named("checks"),
		now:        time.Now,
	}
}

// CreateForCredit screens the credit and stores its check. Credits that are not screening
// candidates get no check and (nil, nil) is returned.
func (s *CheckService) CreateForCredit(ctx context.Context, credit *domain.Credit) (*domain.Check, error) {
	if !credit.ShouldCheck() {
		return nil, nil
	}
	existing, err := s.checks.GetCheckByCredit(ctx, credit.ID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, store.ErrCheckNotFound) {
		return nil, fmt.Errorf("lookup check: %w", err)
	}

	matches, err := s.rules.Evaluate(ctx, rules.SubsetScreening, domain.CreditRecord(credit))
	if err != nil {
		return nil, fmt.Errorf("evaluate screening rules for credit %s: %w", credit.ID, err)
	}

	var activeState *domain.CheckAutoAcceptRuleState
	if len(matches) > 0 {
		activeState, err = s.autoAccept.ActiveStateForCredit(ctx, credit)
		if err != nil {
			return nil, err
		}
	}

	check, event := domain.NewCheckForCredit(credit.ID, rules.MatchedRules(matches), activeState, s.now())
	created, err := s.checks.CreateCheck(ctx, check, event)
	if err != nil {
		return nil, fmt.Errorf("create check for credit %s: %w", credit.ID, err)
	}
	if !created {
		return s.checks.GetCheckByCredit(ctx, credit.ID)
	}

	s.logger.Info("check created",
		zap.String("check_id", check.ID.String()),
		zap.String("credit_id", credit.ID.String()),
		zap.String("status", string(check.Status)),
		zap.Strings("rules", check.Rules),
		zap.Bool("auto_accepted", check.AutoAcceptRuleState != nil),
	)
	return check, nil
}

func (s *CheckService) Get(ctx context.Context, id uuid.UUID) (*domain.Check, error) {
	return s.checks.GetCheck(ctx, id)
}

func (s *CheckService) List(ctx context.Context, filter store.CheckListFilter) ([]domain.Check, error) {
	if filter.Status != "" && !filter.Status.IsValid() {
		return nil, &domain.ValidationError{Field: "status", Message: fmt.Sprintf("Unknown status %q", filter.Status)}
	}
	return s.checks.ListChecks(ctx, filter)
}

// Accept moves a pending check to accepted.
func (s *CheckService) Accept(ctx context.Context, id, by uuid.UUID, reason string) (*domain.Check, error) {
	return s.decide(ctx, id, func(check *domain.Check, now time.Time) (*domain.Event, error) {
		return check.Accept(by, reason, now)
	})
}

// Reject moves a pending check to rejected, citing at least one rejection category.
func (s *CheckService) Reject(ctx context.Context, id, by uuid.UUID, reason string, rejectionReasons map[string]any) (*domain.Check, error) {
	return s.decide(ctx, id, func(check *domain.Check, now time.Time) (*domain.Event, error) {
		return check.Reject(by, reason, rejectionReasons, now)
	})
}

func (s *CheckService) decide(ctx context.Context, id uuid.UUID, transition func(*domain.Check, time.Time) (*domain.Event, error)) (*domain.Check, error) {
	for attempt := 0; attempt < maxDecisionAttempts; attempt++ {
		check, err := s.checks.GetCheck(ctx, id)
		if err != nil {
			return nil, err
		}
		previous := check.Status
		event, err := transition(check, s.now())
		if err != nil {
			return nil, err
		}
		if event == nil {
			return check, nil
		}
		err = s.checks.SaveCheckDecision(ctx, check, previous, *event)
		if errors.Is(err, store.ErrCheckStateChanged) {
			s.logger.Debug("check changed concurrently; retrying", zap.String("check_id", id.String()))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("save check decision: %w", err)
		}
		s.logger.Info("check decided",
			zap.String("check_id", check.ID.String()),
			zap.String("status", string(check.Status)),
		)
		return check, nil
	}
	return nil, fmt.Errorf("check %s kept changing: %w", id, store.ErrCheckStateChanged)
}

// Assign sets the reviewer of a check; a nil assignee unassigns it.
func (s *CheckService) Assign(ctx context.Context, id uuid.UUID, assignee *uuid.UUID) (*domain.Check, error) {
	for attempt := 0; attempt < maxDecisionAttempts; attempt++ {
		check, err := s.checks.GetCheck(ctx, id)
		if err != nil {
			return nil, err
		}
		previous := check.AssignedToID
		if err := check.Assign(assignee, s.now()); err != nil {
			return nil, err
		}
		err = s.checks.SaveCheckAssignment(ctx, check.ID, assignee, previous)
		if errors.Is(err, store.ErrCheckStateChanged) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("save check assignment: %w", err)
		}
		return check, nil
	}
	return nil, fmt.Errorf("check %s kept changing: %w", id, store.ErrCheckStateChanged)
}

// RuleResult is one line of a credit's rule report.
type RuleResult struct {
	Code        string `json:"code"`
	Description string `json:"description"`
	Triggered   bool   `json:"triggered"`
	Count       int64  `json:"count,omitempty"`
}

// CreditRuleReport evaluates every applicable rule against the credit, matched or not.
func (s *CheckService) CreditRuleReport(ctx context.Context, creditID uuid.UUID) ([]RuleResult, error) {
	credit, err := s.credits.GetCredit(ctx, creditID)
	if err != nil {
		return nil, err
	}
	matches, err := s.rules.EvaluateAll(ctx, domain.CreditRecord(credit))
	if err != nil {
		return nil, fmt.Errorf("evaluate rules for credit %s: %w", creditID, err)
	}
	report := make([]RuleResult, 0, len(matches))
	for _, m := range matches {
		report = append(report, RuleResult{
			Code:        m.Rule.Code(),
			Description: m.Rule.Description(),
			Triggered:   m.Triggered.Matched,
			Count:       m.Triggered.Count,
		})
	}
	return report, nil
}
