/**
 * @description
 * Aggregate profiles built up from credits and disbursements. A profile's count and total
 * fields are caches: they are always reproducible from the underlying transactions by
 * re-running the aggregate updater.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// ProfileKind selects one of the three profile aggregates.
type ProfileKind string

const (
	ProfileKindSender    ProfileKind = "sender"
	ProfileKindPrisoner  ProfileKind = "prisoner"
	ProfileKindRecipient ProfileKind = "recipient"
)

// ProfileRef points at a profile of any kind.
type ProfileRef struct {
	Kind ProfileKind `json:"kind"`
	ID   uuid.UUID   `json:"id"`
}

// SenderProfile groups every credit sent from one card or bank account.
// The anonymous sender has neither bank transfer nor debit card details.
type SenderProfile struct {
	ID                  uuid.UUID                   `json:"id"`
	CreditCount         int64                       `json:"credit_count"`
	CreditTotal         int64                       `json:"credit_total"`
	BankTransferDetails []BankTransferSenderDetails `json:"bank_transfer_details"`
	DebitCardDetails    []DebitCardSenderDetails    `json:"debit_card_details"`
	Prisons             []string                    `json:"prisons"`
	Created             time.Time                   `json:"created"`
	Modified            time.Time                   `json:"modified"`
}

// IsAnonymous reports whether this is the catch-all sender with no identity.
func (p *SenderProfile) IsAnonymous() bool {
	return len(p.BankTransferDetails) == 0 && len(p.DebitCardDetails) == 0
}

// BankAccountIdentity is the unique key of a bank account.
type BankAccountIdentity struct {
	SortCode      string `json:"sort_code"`
	AccountNumber string `json:"account_number"`
	RollNumber    string `json:"roll_number"`
}

// BankAccount is shared by bank transfer senders and disbursement recipients.
type BankAccount struct {
	ID uuid.UUID `json:"id"`
	BankAccountIdentity
}

// BankTransferSenderDetails links a sender profile to a named bank account.
type BankTransferSenderDetails struct {
	ID                uuid.UUID   `json:"id"`
	SenderProfileID   uuid.UUID   `json:"sender_profile"`
	SenderName        string      `json:"sender_name"`
	SenderBankAccount BankAccount `json:"sender_bank_account"`
	Created           time.Time   `json:"created"`
}

// DebitCardIdentity is the unique key of debit card details.
type DebitCardIdentity struct {
	CardNumberLastDigits string `json:"card_number_last_digits"`
	CardExpiryDate       string `json:"card_expiry_date"`
	Postcode             string `json:"postcode"`
}

// DebitCardSenderDetails links a sender profile to a card, accumulating observed names and emails.
type DebitCardSenderDetails struct {
	ID              uuid.UUID `json:"id"`
	SenderProfileID uuid.UUID `json:"sender_profile"`
	DebitCardIdentity
	CardholderNames []string  `json:"cardholder_names"`
	SenderEmails    []string  `json:"sender_emails"`
	Created         time.Time `json:"created"`
}

// PrisonerProfile is keyed by prisoner number and date of birth.
type PrisonerProfile struct {
	ID                uuid.UUID   `json:"id"`
	PrisonerName      string      `json:"prisoner_name"`
	PrisonerNumber    string      `json:"prisoner_number"`
	PrisonerDOB       *time.Time  `json:"prisoner_dob,omitempty"`
	SingleOffenderID  *uuid.UUID  `json:"single_offender_id,omitempty"`
	CurrentPrisonID   *string     `json:"current_prison,omitempty"`
	Prisons           []string    `json:"prisons"`
	ProvidedNames     []string    `json:"provided_names"`
	CreditCount       int64       `json:"credit_count"`
	CreditTotal       int64       `json:"credit_total"`
	DisbursementCount int64       `json:"disbursement_count"`
	DisbursementTotal int64       `json:"disbursement_total"`
	MonitoringUserIDs []uuid.UUID `json:"-"`
	Created           time.Time   `json:"created"`
	Modified          time.Time   `json:"modified"`
}

// RecipientProfile groups every disbursement paid to one bank account.
// The cheque recipient has no bank transfer details.
type RecipientProfile struct {
	ID                  uuid.UUID                      `json:"id"`
	DisbursementCount   int64                          `json:"disbursement_count"`
	DisbursementTotal   int64                          `json:"disbursement_total"`
	BankTransferDetails []BankTransferRecipientDetails `json:"bank_transfer_details"`
	Prisons             []string                       `json:"prisons"`
	Created             time.Time                      `json:"created"`
	Modified            time.Time                      `json:"modified"`
}

// IsChequeRecipient reports whether this is the catch-all cheque recipient.
func (p *RecipientProfile) IsChequeRecipient() bool {
	return len(p.BankTransferDetails) == 0
}

// BankTransferRecipientDetails links a recipient profile to a bank account.
type BankTransferRecipientDetails struct {
	ID                   uuid.UUID   `json:"id"`
	RecipientProfileID   uuid.UUID   `json:"recipient_profile"`
	RecipientBankAccount BankAccount `json:"recipient_bank_account"`
	Created              time.Time   `json:"created"`
}
