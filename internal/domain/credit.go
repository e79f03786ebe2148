/**
 * @description
 * This file defines the credit domain model: money sent to a prisoner either by debit card
 * (a Payment) or by bank transfer (a BankTransfer). Credits are owned by the transaction
 * capture layer; the security core reads them and writes only the profile links and the
 * profile-counting flags.
 *
 * @notes
 * - Amounts are int64 pence.
 * - Status is derived from resolution, prison match and blocked flag; it is never stored.
 */

package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// CreditResolution is the stored lifecycle state of a credit.
type CreditResolution string

const (
	CreditResolutionInitial  CreditResolution = "initial"
	CreditResolutionPending  CreditResolution = "pending"
	CreditResolutionManual   CreditResolution = "manual"
	CreditResolutionCredited CreditResolution = "credited"
	CreditResolutionRefunded CreditResolution = "refunded"
	CreditResolutionFailed   CreditResolution = "failed"
)

// CreditStatus is the derived, user-facing state of a credit.
type CreditStatus string

const (
	CreditStatusCreditPending CreditStatus = "credit_pending"
	CreditStatusCredited      CreditStatus = "credited"
	CreditStatusRefundPending CreditStatus = "refund_pending"
	CreditStatusRefunded      CreditStatus = "refunded"
	CreditStatusFailed        CreditStatus = "failed"
)

// CreditSource identifies how the money arrived.
type CreditSource string

const (
	CreditSourceBankTransfer CreditSource = "bank_transfer"
	CreditSourceOnline       CreditSource = "online"
	CreditSourceUnknown      CreditSource = "unknown"
)

// PaymentStatus is the state of a debit card payment at the gateway.
type PaymentStatus string

const (
	PaymentStatusPending  PaymentStatus = "pending"
	PaymentStatusFailed   PaymentStatus = "failed"
	PaymentStatusTaken    PaymentStatus = "taken"
	PaymentStatusRejected PaymentStatus = "rejected"
	PaymentStatusExpired  PaymentStatus = "expired"
)

// Credit maps to the `credits` table.
type Credit struct {
	ID                 uuid.UUID        `json:"id"`
	Amount             int64            `json:"amount"`
	ReceivedAt         *time.Time       `json:"received_at,omitempty"`
	PrisonerNumber     string           `json:"prisoner_number"`
	PrisonerDOB        *time.Time       `json:"prisoner_dob,omitempty"`
	PrisonerName       string           `json:"prisoner_name"`
	PrisonID           *string          `json:"prison,omitempty"`
	Resolution         CreditResolution `json:"resolution"`
	Reconciled         bool             `json:"reconciled"`
	Reviewed           bool             `json:"reviewed"`
	Blocked            bool             `json:"blocked"`
	OwnerID            *uuid.UUID       `json:"owner,omitempty"`
	NomisTransactionID *string          `json:"nomis_transaction_id,omitempty"`

	SenderProfileID                 *uuid.UUID `json:"sender_profile,omitempty"`
	PrisonerProfileID               *uuid.UUID `json:"prisoner_profile,omitempty"`
	IsCountedInSenderProfileTotal   bool       `json:"-"`
	IsCountedInPrisonerProfileTotal bool       `json:"-"`

	Payment     *Payment      `json:"payment,omitempty"`
	Transaction *BankTransfer `json:"transaction,omitempty"`

	Created  time.Time `json:"created"`
	Modified time.Time `json:"modified"`
}

// Payment holds the debit card details captured by the payment gateway.
type Payment struct {
	Status                PaymentStatus   `json:"status"`
	Email                 string          `json:"email"`
	CardholderName        string          `json:"cardholder_name"`
	CardNumberFirstDigits string          `json:"card_number_first_digits"`
	CardNumberLastDigits  string          `json:"card_number_last_digits"`
	CardExpiryDate        string          `json:"card_expiry_date"`
	BillingAddress        *BillingAddress `json:"billing_address,omitempty"`
	RecipientName         string          `json:"recipient_name"`
	IPAddress             string          `json:"ip_address"`
}

// BillingAddress is the cardholder's billing address.
type BillingAddress struct {
	Line1    string `json:"line1"`
	Line2    string `json:"line2"`
	City     string `json:"city"`
	Postcode string `json:"postcode"`
	Country  string `json:"country"`
}

// BankTransfer holds the sender details parsed from a bank statement line.
type BankTransfer struct {
	SenderName             string `json:"sender_name"`
	SenderSortCode         string `json:"sender_sort_code"`
	SenderAccountNumber    string `json:"sender_account_number"`
	SenderRollNumber       string `json:"sender_roll_number"`
	Reference              string `json:"reference"`
	ReferenceInSenderField bool   `json:"reference_in_sender_field"`
	IncompleteSenderInfo   bool   `json:"incomplete_sender_info"`
}

// Source reports whether the credit came from a debit card payment or a bank transfer.
func (c *Credit) Source() CreditSource {
	switch {
	case c.Transaction != nil:
		return CreditSourceBankTransfer
	case c.Payment != nil:
		return CreditSourceOnline
	default:
		return CreditSourceUnknown
	}
}

// HasEnoughDetailForSenderProfile reports whether the credit carries a complete card or bank identity.
func (c *Credit) HasEnoughDetailForSenderProfile() bool {
	switch c.Source() {
	case CreditSourceOnline:
		p := c.Payment
		return allSet(p.Email, p.CardholderName, p.CardNumberFirstDigits, p.CardNumberLastDigits, p.CardExpiryDate) &&
			p.BillingAddress != nil && p.BillingAddress.Postcode != ""
	case CreditSourceBankTransfer:
		t := c.Transaction
		return allSet(t.SenderName, t.SenderSortCode, t.SenderAccountNumber)
	default:
		return false
	}
}

// ShouldCheck reports whether the credit is a screening candidate. Only debit card credits that
// are still initial, with a pending payment and complete sender details, are checked.
func (c *Credit) ShouldCheck() bool {
	if c.Resolution != CreditResolutionInitial {
		return false
	}
	if c.Source() != CreditSourceOnline {
		return false
	}
	if c.Payment.Status != PaymentStatusPending {
		return false
	}
	return c.HasEnoughDetailForSenderProfile()
}

// Status derives the user-facing status. An initial credit has no status.
func (c *Credit) Status() CreditStatus {
	switch {
	case c.creditPending():
		return CreditStatusCreditPending
	case c.Resolution == CreditResolutionCredited:
		return CreditStatusCredited
	case c.refundPending():
		return CreditStatusRefundPending
	case c.Resolution == CreditResolutionRefunded:
		return CreditStatusRefunded
	case c.Resolution == CreditResolutionFailed:
		return CreditStatusFailed
	default:
		return ""
	}
}

func (c *Credit) creditPending() bool {
	return c.PrisonID != nil && !c.Blocked &&
		(c.Resolution == CreditResolutionPending || c.Resolution == CreditResolutionManual)
}

func (c *Credit) refundPending() bool {
	return (c.PrisonID == nil || c.Blocked) &&
		c.Resolution == CreditResolutionPending &&
		(c.Transaction == nil || !c.Transaction.IncompleteSenderInfo)
}

// SenderName is the name shown for the sender: the cardholder, or the bank transfer sender
// (or reference when the bank put it in the sender field).
func (c *Credit) SenderName() string {
	switch {
	case c.Transaction != nil:
		if c.Transaction.ReferenceInSenderField {
			return c.Transaction.Reference
		}
		return c.Transaction.SenderName
	case c.Payment != nil:
		return c.Payment.CardholderName
	default:
		return ""
	}
}

// SenderEmail is the payer's email for debit card credits.
func (c *Credit) SenderEmail() string {
	if c.Payment == nil {
		return ""
	}
	return c.Payment.Email
}

// IntendedRecipient is the prisoner name typed by the sender, when known.
func (c *Credit) IntendedRecipient() string {
	if c.Payment == nil {
		return ""
	}
	return c.Payment.RecipientName
}

// BillingPostcode returns the normalised billing postcode, if any.
func (c *Credit) BillingPostcode() string {
	if c.Payment == nil || c.Payment.BillingAddress == nil {
		return ""
	}
	return NormalisePostcode(c.Payment.BillingAddress.Postcode)
}

// DebitCardIdentity returns the card identity key for debit card credits.
func (c *Credit) DebitCardIdentity() (DebitCardIdentity, bool) {
	if c.Payment == nil {
		return DebitCardIdentity{}, false
	}
	return DebitCardIdentity{
		CardNumberLastDigits: c.Payment.CardNumberLastDigits,
		CardExpiryDate:       c.Payment.CardExpiryDate,
		Postcode:             c.BillingPostcode(),
	}, true
}

// BankAccountIdentity returns the sender bank account key for bank transfer credits.
func (c *Credit) BankAccountIdentity() (BankAccountIdentity, bool) {
	if c.Transaction == nil {
		return BankAccountIdentity{}, false
	}
	return BankAccountIdentity{
		SortCode:      c.Transaction.SenderSortCode,
		AccountNumber: c.Transaction.SenderAccountNumber,
		RollNumber:    c.Transaction.SenderRollNumber,
	}, true
}

// ScreeningTime is the instant used by time-windowed rules.
func (c *Credit) ScreeningTime() time.Time {
	if c.ReceivedAt != nil {
		return *c.ReceivedAt
	}
	return c.Created
}

// NormalisePostcode upper-cases a postcode and strips all whitespace.
func NormalisePostcode(postcode string) string {
	return strings.ToUpper(strings.Join(strings.Fields(postcode), ""))
}

func allSet(values ...string) bool {
	for _, v := range values {
		if strings.TrimSpace(v) == "" {
			return false
		}
	}
	return true
}
