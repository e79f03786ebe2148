package domain

import (
	"time"

	"github.com/google/uuid"
)

// RecordKind tags a ScreenableRecord.
type RecordKind string

const (
	RecordKindCredit       RecordKind = "credit"
	RecordKindDisbursement RecordKind = "disbursement"
)

// Attribute names available to attribute rules.
const (
	AttrPrisonerName      = "prisoner_name"
	AttrSenderName        = "sender_name"
	AttrSenderEmail       = "sender_email"
	AttrIntendedRecipient = "intended_recipient"
	AttrReference         = "reference"
	AttrRecipientName     = "recipient_name"
	AttrRecipientEmail    = "recipient_email"
)

// ScreenableRecord is the view of a credit or disbursement that rules evaluate.
type ScreenableRecord struct {
	Kind               RecordKind
	ID                 uuid.UUID
	Amount             int64
	Timestamp          time.Time
	PrisonID           string
	SenderProfileID    *uuid.UUID
	PrisonerProfileID  *uuid.UUID
	RecipientProfileID *uuid.UUID
	Attributes         map[string]string
}

// CreditRecord builds the screenable view of a credit.
func CreditRecord(c *Credit) ScreenableRecord {
	rec := ScreenableRecord{
		Kind:              RecordKindCredit,
		ID:                c.ID,
		Amount:            c.Amount,
		Timestamp:         c.ScreeningTime(),
		SenderProfileID:   c.SenderProfileID,
		PrisonerProfileID: c.PrisonerProfileID,
		Attributes: map[string]string{
			AttrPrisonerName:      c.PrisonerName,
			AttrSenderName:        c.SenderName(),
			AttrSenderEmail:       c.SenderEmail(),
			AttrIntendedRecipient: c.IntendedRecipient(),
		},
	}
	if c.PrisonID != nil {
		rec.PrisonID = *c.PrisonID
	}
	if c.Transaction != nil {
		rec.Attributes[AttrReference] = c.Transaction.Reference
	}
	return rec
}

// DisbursementRecord builds the screenable view of a disbursement.
func DisbursementRecord(d *Disbursement) ScreenableRecord {
	return ScreenableRecord{
		Kind:               RecordKindDisbursement,
		ID:                 d.ID,
		Amount:             d.Amount,
		Timestamp:          d.Created,
		PrisonID:           d.PrisonID,
		PrisonerProfileID:  d.PrisonerProfileID,
		RecipientProfileID: d.RecipientProfileID,
		Attributes: map[string]string{
			AttrPrisonerName:   d.PrisonerName,
			AttrRecipientName:  d.RecipientName(),
			AttrRecipientEmail: d.RecipientEmail,
		},
	}
}

// ProfileID returns the record's linked profile of the given kind, if any.
func (r ScreenableRecord) ProfileID(kind ProfileKind) *uuid.UUID {
	switch kind {
	case ProfileKindSender:
		return r.SenderProfileID
	case ProfileKindPrisoner:
		return r.PrisonerProfileID
	case ProfileKindRecipient:
		return r.RecipientProfileID
	}
	return nil
}

// Attribute returns a named string attribute, or "" when absent.
func (r ScreenableRecord) Attribute(name string) string {
	if r.Attributes == nil {
		return ""
	}
	return r.Attributes[name]
}
