package domain

import (
	"time"

	"github.com/google/uuid"
)

// EventType doubles as the routing key the event is published under.
type EventType string

const (
	EventCheckCreated  EventType = "security.check.created"
	EventCheckAccepted EventType = "security.check.accepted"
	EventCheckRejected EventType = "security.check.rejected"

	EventCreditCredited  EventType = "credit.credited"
	EventCreditSetManual EventType = "credit.set_manual"
	EventCreditRefunded  EventType = "credit.refunded"
	EventCreditReviewed  EventType = "credit.reviewed"
	EventCreditFailed    EventType = "credit.failed"

	EventProfileMonitored   EventType = "security.profile.monitored"
	EventProfileUnmonitored EventType = "security.profile.unmonitored"
)

// DisbursementEventType is the routing key for a disbursement reaching resolution r.
func DisbursementEventType(r DisbursementResolution) EventType {
	return EventType("disbursement." + string(r))
}

// Event is a state change returned by a domain transition. The app layer writes it to the
// outbox in the same transaction as the change itself.
type Event struct {
	Type        EventType `json:"event_type"`
	AggregateID uuid.UUID `json:"aggregate_id"`
	OccurredAt  time.Time `json:"occurred_at"`
	Payload     any       `json:"payload"`
}

// CheckEventPayload is published for check lifecycle events.
type CheckEventPayload struct {
	CheckID  uuid.UUID   `json:"check_id"`
	CreditID uuid.UUID   `json:"credit_id"`
	Status   CheckStatus `json:"status"`
	Rules    []string    `json:"rules"`
	UserID   *uuid.UUID  `json:"user_id,omitempty"`
}

// TransitionEventPayload is published once per record moved by a bulk transition.
type TransitionEventPayload struct {
	RecordID uuid.UUID  `json:"record_id"`
	Action   string     `json:"action"`
	UserID   *uuid.UUID `json:"user_id,omitempty"`
}

// MonitoringEventPayload is published when a user starts or stops monitoring a profile.
type MonitoringEventPayload struct {
	Profile ProfileRef `json:"profile"`
	UserID  uuid.UUID  `json:"user_id"`
}

// CaptureEvent is consumed from the capture layer when a credit's payment is captured or a
// disbursement is sent.
type CaptureEvent struct {
	EventID        string     `json:"event_id"`
	CreditID       *uuid.UUID `json:"credit_id,omitempty"`
	DisbursementID *uuid.UUID `json:"disbursement_id,omitempty"`
	OccurredAt     time.Time  `json:"occurred_at"`
}

// Routing keys of capture events.
const (
	CaptureCreditPaymentCaptured = "credit.payment.captured"
	CaptureCreditPaymentFailed   = "credit.payment.failed"
	CaptureDisbursementSent      = "disbursement.sent"
)
