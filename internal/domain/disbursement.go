package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// DisbursementResolution is the stored lifecycle state of a disbursement.
type DisbursementResolution string

const (
	DisbursementResolutionPending      DisbursementResolution = "pending"
	DisbursementResolutionRejected     DisbursementResolution = "rejected"
	DisbursementResolutionPreconfirmed DisbursementResolution = "preconfirmed"
	DisbursementResolutionConfirmed    DisbursementResolution = "confirmed"
	DisbursementResolutionSent         DisbursementResolution = "sent"
)

// DisbursementMethod is how money leaves the prisoner's account.
type DisbursementMethod string

const (
	DisbursementMethodBankTransfer DisbursementMethod = "bank_transfer"
	DisbursementMethodCheque       DisbursementMethod = "cheque"
)

// Disbursement maps to the `disbursements` table.
type Disbursement struct {
	ID                 uuid.UUID              `json:"id"`
	Amount             int64                  `json:"amount"`
	PrisonerNumber     string                 `json:"prisoner_number"`
	PrisonerName       string                 `json:"prisoner_name"`
	PrisonID           string                 `json:"prison"`
	Resolution         DisbursementResolution `json:"resolution"`
	Method             DisbursementMethod     `json:"method"`
	RecipientFirstName string                 `json:"recipient_first_name"`
	RecipientLastName  string                 `json:"recipient_last_name"`
	RecipientEmail     string                 `json:"recipient_email,omitempty"`
	Postcode           string                 `json:"postcode,omitempty"`
	SortCode           string                 `json:"sort_code,omitempty"`
	AccountNumber      string                 `json:"account_number,omitempty"`
	RollNumber         string                 `json:"roll_number,omitempty"`
	NomisTransactionID *string                `json:"nomis_transaction_id,omitempty"`

	RecipientProfileID               *uuid.UUID `json:"recipient_profile,omitempty"`
	PrisonerProfileID                *uuid.UUID `json:"prisoner_profile,omitempty"`
	IsCountedInRecipientProfileTotal bool       `json:"-"`
	IsCountedInPrisonerProfileTotal  bool       `json:"-"`

	Created  time.Time `json:"created"`
	Modified time.Time `json:"modified"`
}

// RecipientName joins the recipient's first and last names.
func (d *Disbursement) RecipientName() string {
	return strings.TrimSpace(d.RecipientFirstName + " " + d.RecipientLastName)
}

// BankAccountIdentity returns the recipient bank account key for bank transfer payouts.
func (d *Disbursement) BankAccountIdentity() (BankAccountIdentity, bool) {
	if d.Method != DisbursementMethodBankTransfer {
		return BankAccountIdentity{}, false
	}
	return BankAccountIdentity{
		SortCode:      d.SortCode,
		AccountNumber: d.AccountNumber,
		RollNumber:    d.RollNumber,
	}, true
}

// PermittedPriorResolution returns the only resolution a disbursement may move to `next` from.
func PermittedPriorResolution(next DisbursementResolution) DisbursementResolution {
	switch next {
	case DisbursementResolutionSent:
		return DisbursementResolutionConfirmed
	case DisbursementResolutionConfirmed, DisbursementResolutionPending:
		return DisbursementResolutionPreconfirmed
	default:
		return DisbursementResolutionPending
	}
}

// IsDisbursementResolution reports whether s names a known resolution.
func IsDisbursementResolution(s string) bool {
	switch DisbursementResolution(s) {
	case DisbursementResolutionPending, DisbursementResolutionRejected, DisbursementResolutionPreconfirmed,
		DisbursementResolutionConfirmed, DisbursementResolutionSent:
		return true
	}
	return false
}
