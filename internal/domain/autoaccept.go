package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// CheckAutoAcceptRule exempts one (debit card, prisoner) pair from manual review while active.
// Its activity is always derived from the newest state; states are never edited.
type CheckAutoAcceptRule struct {
	ID                       uuid.UUID                  `json:"id"`
	DebitCardSenderDetailsID uuid.UUID                  `json:"debit_card_sender_details"`
	PrisonerProfileID        uuid.UUID                  `json:"prisoner_profile"`
	States                   []CheckAutoAcceptRuleState `json:"states"`
	Created                  time.Time                  `json:"created"`
	Modified                 time.Time                  `json:"modified"`
}

// CheckAutoAcceptRuleState is one entry of a rule's append-only history.
type CheckAutoAcceptRuleState struct {
	ID        uuid.UUID  `json:"id"`
	RuleID    uuid.UUID  `json:"auto_accept_rule"`
	Active    bool       `json:"active"`
	Reason    string     `json:"reason"`
	AddedByID *uuid.UUID `json:"added_by,omitempty"`
	Created   time.Time  `json:"created"`
}

// NewAutoAcceptRule creates a rule with its single, active initial state.
func NewAutoAcceptRule(debitCardDetailsID, prisonerProfileID uuid.UUID, addedBy *uuid.UUID, reason string, now time.Time) (*CheckAutoAcceptRule, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, &ValidationError{Field: "reason", Message: "This field may not be blank"}
	}
	rule := &CheckAutoAcceptRule{
		ID:                       uuid.New(),
		DebitCardSenderDetailsID: debitCardDetailsID,
		PrisonerProfileID:        prisonerProfileID,
		Created:                  now,
		Modified:                 now,
	}
	rule.States = []CheckAutoAcceptRuleState{rule.newState(true, reason, addedBy, now)}
	return rule, nil
}

// LatestState returns the most recently created state. Ties resolve to the later append.
func (r *CheckAutoAcceptRule) LatestState() *CheckAutoAcceptRuleState {
	if len(r.States) == 0 {
		return nil
	}
	latest := 0
	for i := 1; i < len(r.States); i++ {
		if !r.States[i].Created.Before(r.States[latest].Created) {
			latest = i
		}
	}
	return &r.States[latest]
}

// IsActive reports whether the latest state is active.
func (r *CheckAutoAcceptRule) IsActive() bool {
	latest := r.LatestState()
	return latest != nil && latest.Active
}

// AppendState records an activation or deactivation. Earlier states are kept as history.
func (r *CheckAutoAcceptRule) AppendState(active bool, reason string, addedBy *uuid.UUID, now time.Time) (CheckAutoAcceptRuleState, error) {
	if strings.TrimSpace(reason) == "" {
		return CheckAutoAcceptRuleState{}, &ValidationError{Field: "reason", Message: "This field may not be blank"}
	}
	state := r.newState(active, reason, addedBy, now)
	r.States = append(r.States, state)
	r.Modified = now
	return state, nil
}

func (r *CheckAutoAcceptRule) newState(active bool, reason string, addedBy *uuid.UUID, now time.Time) CheckAutoAcceptRuleState {
	return CheckAutoAcceptRuleState{
		ID:        uuid.New(),
		RuleID:    r.ID,
		Active:    active,
		Reason:    strings.TrimSpace(reason),
		AddedByID: addedBy,
		Created:   now,
	}
}
