package domain

import (
	"github.com/google/uuid"
)

// CreditAction is a bulk transition a reviewer can apply to many credits at once.
type CreditAction string

const (
	CreditActionCredit CreditAction = "credit"
	CreditActionManual CreditAction = "manual"
	CreditActionRefund CreditAction = "refund"
	CreditActionReview CreditAction = "review"
)

// ParseCreditAction validates an action name taken from a request path.
func ParseCreditAction(s string) (CreditAction, bool) {
	switch a := CreditAction(s); a {
	case CreditActionCredit, CreditActionManual, CreditActionRefund, CreditActionReview:
		return a, true
	}
	return "", false
}

// Allows reports whether the credit is in the state the action expects.
func (a CreditAction) Allows(c *Credit) bool {
	switch a {
	case CreditActionCredit:
		return c.Status() == CreditStatusCreditPending
	case CreditActionManual:
		return c.Status() == CreditStatusCreditPending && c.Resolution == CreditResolutionPending
	case CreditActionRefund:
		return c.Status() == CreditStatusRefundPending
	case CreditActionReview:
		return true
	}
	return false
}

// Apply mutates the credit and returns the event to publish.
// Callers must have checked Allows.
func (a CreditAction) Apply(c *Credit, by uuid.UUID) Event {
	actor := by
	var eventType EventType
	switch a {
	case CreditActionCredit:
		c.Resolution = CreditResolutionCredited
		c.OwnerID = &actor
		eventType = EventCreditCredited
	case CreditActionManual:
		c.Resolution = CreditResolutionManual
		c.OwnerID = &actor
		eventType = EventCreditSetManual
	case CreditActionRefund:
		c.Resolution = CreditResolutionRefunded
		eventType = EventCreditRefunded
	case CreditActionReview:
		c.Reviewed = true
		eventType = EventCreditReviewed
	}
	return Event{
		Type:        eventType,
		AggregateID: c.ID,
		Payload: TransitionEventPayload{
			RecordID: c.ID,
			Action:   string(a),
			UserID:   &actor,
		},
	}
}

// FailCredit moves an initial credit to FAILED when its payment did not complete.
func FailCredit(c *Credit) (Event, error) {
	if c.Resolution != CreditResolutionInitial && c.Resolution != CreditResolutionFailed {
		return Event{}, NewValidationError("Only initial credits can fail.")
	}
	c.Resolution = CreditResolutionFailed
	return Event{
		Type:        EventCreditFailed,
		AggregateID: c.ID,
		Payload:     TransitionEventPayload{RecordID: c.ID, Action: "failed"},
	}, nil
}

// TransitionDisbursement moves a disbursement to next if it is in the permitted prior state.
func TransitionDisbursement(d *Disbursement, next DisbursementResolution, by uuid.UUID) (Event, bool) {
	if d.Resolution != PermittedPriorResolution(next) {
		return Event{}, false
	}
	actor := by
	d.Resolution = next
	return Event{
		Type:        DisbursementEventType(next),
		AggregateID: d.ID,
		Payload: TransitionEventPayload{
			RecordID: d.ID,
			Action:   string(next),
			UserID:   &actor,
		},
	}, true
}
