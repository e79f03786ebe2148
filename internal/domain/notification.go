package domain

import (
	"time"

	"github.com/google/uuid"
)

// NotificationEvent records that a rule fired for a newly counted credit or disbursement.
// Monitoring rules create one event per monitoring user; other rules leave UserID empty.
type NotificationEvent struct {
	ID                 uuid.UUID  `json:"id"`
	Rule               string     `json:"rule"`
	Description        string     `json:"description"`
	TriggeredAt        time.Time  `json:"triggered_at"`
	UserID             *uuid.UUID `json:"user,omitempty"`
	CreditID           *uuid.UUID `json:"credit_id,omitempty"`
	DisbursementID     *uuid.UUID `json:"disbursement_id,omitempty"`
	SenderProfileID    *uuid.UUID `json:"sender_profile_id,omitempty"`
	PrisonerProfileID  *uuid.UUID `json:"prisoner_profile_id,omitempty"`
	RecipientProfileID *uuid.UUID `json:"recipient_profile_id,omitempty"`
}

// NewNotificationEvent links an event to the record and the profile the rule looked at.
func NewNotificationEvent(rule, description string, rec ScreenableRecord, profile *ProfileRef, user *uuid.UUID) NotificationEvent {
	ev := NotificationEvent{
		ID:          uuid.New(),
		Rule:        rule,
		Description: description,
		TriggeredAt: rec.Timestamp,
		UserID:      user,
	}
	id := rec.ID
	switch rec.Kind {
	case RecordKindCredit:
		ev.CreditID = &id
	case RecordKindDisbursement:
		ev.DisbursementID = &id
	}
	if profile != nil {
		pid := profile.ID
		switch profile.Kind {
		case ProfileKindSender:
			ev.SenderProfileID = &pid
		case ProfileKindPrisoner:
			ev.PrisonerProfileID = &pid
		case ProfileKindRecipient:
			ev.RecipientProfileID = &pid
		}
	}
	return ev
}
