/**
 * @description
 * The Check is the screening decision for one credit. Transitions are pure: they mutate the
 * in-memory value and hand back the event to publish. Persisting both happens in the app layer.
 *
 * @notes
 * - PENDING -> ACCEPTED | REJECTED. Both terminal states are sticky.
 * - Repeating the current terminal transition is a no-op and returns no event.
 */

package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CheckStatus is the screening decision state.
type CheckStatus string

const (
	CheckStatusPending  CheckStatus = "pending"
	CheckStatusAccepted CheckStatus = "accepted"
	CheckStatusRejected CheckStatus = "rejected"
)

// IsValid reports whether s is one of the three check statuses.
func (s CheckStatus) IsValid() bool {
	switch s {
	case CheckStatusPending, CheckStatusAccepted, CheckStatusRejected:
		return true
	}
	return false
}

// AutoAcceptedDescription is the description of a check that matched no rules.
const AutoAcceptedDescription = "Credit matched no rules and was automatically accepted"

// Rejection categories a reviewer may cite.
const (
	RejectionPaymentSourcePayingMultiplePrisoners = "payment_source_paying_multiple_prisoners"
	RejectionPaymentSourceMultipleCards           = "payment_source_multiple_cards"
	RejectionPaymentSourceLinkedOtherPrisoners    = "payment_source_linked_other_prisoners"
	RejectionPaymentSourceKnownEmail              = "payment_source_known_email"
	RejectionPaymentSourceUnidentified            = "payment_source_unidentified"
	RejectionPrisonerMultiplePaymentsSources      = "prisoner_multiple_payments_sources"
	RejectionFIUInvestigationID                   = "fiu_investigation_id"
	RejectionIntelligenceReportID                 = "intelligence_report_id"
	RejectionOtherReason                          = "other_reason"
)

var rejectionCategories = map[string]struct{}{
	RejectionPaymentSourcePayingMultiplePrisoners: {},
	RejectionPaymentSourceMultipleCards:           {},
	RejectionPaymentSourceLinkedOtherPrisoners:    {},
	RejectionPaymentSourceKnownEmail:              {},
	RejectionPaymentSourceUnidentified:            {},
	RejectionPrisonerMultiplePaymentsSources:      {},
	RejectionFIUInvestigationID:                   {},
	RejectionIntelligenceReportID:                 {},
	RejectionOtherReason:                          {},
}

// MatchedRule is a rule that fired during screening.
type MatchedRule struct {
	Code        string
	Description string
}

// Check maps to the `security_checks` table. It is one-to-one with a credit.
type Check struct {
	ID                  uuid.UUID                 `json:"id"`
	CreditID            uuid.UUID                 `json:"credit"`
	Status              CheckStatus               `json:"status"`
	Rules               []string                  `json:"rules"`
	Description         []string                  `json:"description"`
	RejectionReasons    map[string]any            `json:"rejection_reasons"`
	DecisionReason      string                    `json:"decision_reason"`
	ActionedByID        *uuid.UUID                `json:"actioned_by,omitempty"`
	ActionedAt          *time.Time                `json:"actioned_at,omitempty"`
	AssignedToID        *uuid.UUID                `json:"assigned_to,omitempty"`
	AutoAcceptRuleState *CheckAutoAcceptRuleState `json:"auto_accept_rule_state,omitempty"`
	Created             time.Time                 `json:"created"`
	Modified            time.Time                 `json:"modified"`
}

// NewCheckForCredit builds the check for a credit that has just become a screening candidate.
// activeState is the latest state of an active auto-accept rule for the credit, or nil.
func NewCheckForCredit(creditID uuid.UUID, matched []MatchedRule, activeState *CheckAutoAcceptRuleState, now time.Time) (*Check, Event) {
	check := &Check{
		ID:               uuid.New(),
		CreditID:         creditID,
		Rules:            []string{},
		Description:      []string{},
		RejectionReasons: map[string]any{},
		Created:          now,
		Modified:         now,
	}

	switch {
	case len(matched) == 0:
		check.Status = CheckStatusAccepted
		check.Description = []string{AutoAcceptedDescription}
	case activeState != nil:
		check.Status = CheckStatusAccepted
		check.Rules = matchedCodes(matched)
		check.Description = matchedDescriptions(matched)
		state := *activeState
		check.AutoAcceptRuleState = &state
	default:
		check.Status = CheckStatusPending
		check.Rules = matchedCodes(matched)
		check.Description = matchedDescriptions(matched)
	}

	return check, check.event(EventCheckCreated, now)
}

// Accept moves a pending check to ACCEPTED. Accepting an accepted check is a no-op.
func (c *Check) Accept(by uuid.UUID, reason string, now time.Time) (*Event, error) {
	switch c.Status {
	case CheckStatusAccepted:
		return nil, nil
	case CheckStatusRejected:
		return nil, NewValidationError("Cannot accept a rejected check.")
	}

	c.Status = CheckStatusAccepted
	c.DecisionReason = reason
	c.RejectionReasons = map[string]any{}
	c.actioned(by, now)
	ev := c.event(EventCheckAccepted, now)
	return &ev, nil
}

// Reject moves a pending check to REJECTED. Rejecting a rejected check is a no-op.
// At least one predefined rejection category must be given.
func (c *Check) Reject(by uuid.UUID, reason string, rejectionReasons map[string]any, now time.Time) (*Event, error) {
	switch c.Status {
	case CheckStatusRejected:
		return nil, nil
	case CheckStatusAccepted:
		return nil, NewValidationError("Cannot reject an accepted check.")
	}
	if err := ValidateRejectionReasons(rejectionReasons); err != nil {
		return nil, err
	}

	c.Status = CheckStatusRejected
	c.DecisionReason = reason
	c.RejectionReasons = rejectionReasons
	c.actioned(by, now)
	ev := c.event(EventCheckRejected, now)
	return &ev, nil
}

// Assign sets or clears the reviewer working on the check.
// A check already assigned to someone else must be unassigned first.
func (c *Check) Assign(to *uuid.UUID, now time.Time) error {
	if to != nil && c.AssignedToID != nil && *c.AssignedToID != *to {
		return &ValidationError{Field: "assigned_to", Message: "That check is already assigned to someone else"}
	}
	c.AssignedToID = to
	c.Modified = now
	return nil
}

// ValidateRejectionReasons requires a non-empty map of known categories with truthy values.
func ValidateRejectionReasons(reasons map[string]any) error {
	if len(reasons) == 0 {
		return &ValidationError{Field: "rejection_reasons", Message: "This field cannot be empty"}
	}
	keys := make([]string, 0, len(reasons))
	for k := range reasons {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if _, ok := rejectionCategories[k]; !ok {
			return &ValidationError{Field: "rejection_reasons", Message: fmt.Sprintf("Unrecognised rejection reason %q", k)}
		}
		if !truthy(reasons[k]) {
			return &ValidationError{Field: "rejection_reasons", Message: fmt.Sprintf("Rejection reason %q must be set", k)}
		}
	}
	return nil
}

// RejectionCategories lists the accepted rejection_reasons keys.
func RejectionCategories() []string {
	out := make([]string, 0, len(rejectionCategories))
	for k := range rejectionCategories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (c *Check) actioned(by uuid.UUID, now time.Time) {
	actor := by
	at := now
	c.ActionedByID = &actor
	c.ActionedAt = &at
	c.Modified = now
}

func (c *Check) event(eventType EventType, now time.Time) Event {
	return Event{
		Type:        eventType,
		AggregateID: c.ID,
		OccurredAt:  now,
		Payload: CheckEventPayload{
			CheckID:  c.ID,
			CreditID: c.CreditID,
			Status:   c.Status,
			Rules:    c.Rules,
			UserID:   c.ActionedByID,
		},
	}
}

func matchedCodes(matched []MatchedRule) []string {
	codes := make([]string, 0, len(matched))
	for _, m := range matched {
		codes = append(codes, m.Code)
	}
	return codes
}

func matchedDescriptions(matched []MatchedRule) []string {
	out := make([]string, 0, len(matched))
	for _, m := range matched {
		out = append(out, m.Description)
	}
	return out
}

func truthy(v any) bool {
	switch value := v.(type) {
	case nil:
		return false
	case bool:
		return value
	case string:
		return strings.TrimSpace(value) != ""
	case float64:
		return value != 0
	case int:
		return value != 0
	default:
		return true
	}
}
