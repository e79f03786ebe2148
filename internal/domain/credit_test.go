package domain

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func onlineCredit() *Credit {
	return &Credit{
		ID:         uuid.New(),
		Amount:     1000,
		Resolution: CreditResolutionInitial,
		Payment: &Payment{
			Status:                PaymentStatusPending,
			Email:                 "sender@example.com",
			CardholderName:        "Mary Halls",
			CardNumberFirstDigits: "111111",
			CardNumberLastDigits:  "1234",
			CardExpiryDate:        "10/29",
			BillingAddress:        &BillingAddress{Line1: "1 Road", Postcode: "sw1a 1aa"},
		},
	}
}

func TestCreditShouldCheck(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Credit)
		want   bool
	}{
		{name: "complete pending card payment", mutate: func(c *Credit) {}, want: true},
		{name: "non-initial resolution", mutate: func(c *Credit) { c.Resolution = CreditResolutionPending }, want: false},
		{name: "payment already taken", mutate: func(c *Credit) { c.Payment.Status = PaymentStatusTaken }, want: false},
		{name: "missing email", mutate: func(c *Credit) { c.Payment.Email = "" }, want: false},
		{name: "missing billing address", mutate: func(c *Credit) { c.Payment.BillingAddress = nil }, want: false},
		{name: "missing expiry", mutate: func(c *Credit) { c.Payment.CardExpiryDate = " " }, want: false},
		{
			name: "bank transfer",
			mutate: func(c *Credit) {
				c.Payment = nil
				c.Transaction = &BankTransfer{SenderName: "A", SenderSortCode: "112233", SenderAccountNumber: "12345678"}
			},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := onlineCredit()
			tt.mutate(c)
			assert.Equal(t, tt.want, c.ShouldCheck())
		})
	}
}

func TestCreditStatus(t *testing.T) {
	prison := "IXB"

	c := onlineCredit()
	assert.Equal(t, CreditStatus(""), c.Status())

	c.Resolution = CreditResolutionPending
	c.PrisonID = &prison
	assert.Equal(t, CreditStatusCreditPending, c.Status())

	c.Blocked = true
	assert.Equal(t, CreditStatusRefundPending, c.Status())

	c.Blocked = false
	c.PrisonID = nil
	c.Payment = nil
	c.Transaction = &BankTransfer{IncompleteSenderInfo: true}
	assert.Equal(t, CreditStatus(""), c.Status())

	c.Resolution = CreditResolutionCredited
	assert.Equal(t, CreditStatusCredited, c.Status())
}

func TestCreditDebitCardIdentityNormalisesPostcode(t *testing.T) {
	c := onlineCredit()
	id, ok := c.DebitCardIdentity()
	assert.True(t, ok)
	assert.Equal(t, DebitCardIdentity{CardNumberLastDigits: "1234", CardExpiryDate: "10/29", Postcode: "SW1A1AA"}, id)
}

func TestCreditActionsAllow(t *testing.T) {
	prison := "IXB"
	c := onlineCredit()
	c.Resolution = CreditResolutionPending
	c.PrisonID = &prison

	assert.True(t, CreditActionCredit.Allows(c))
	assert.True(t, CreditActionManual.Allows(c))
	assert.False(t, CreditActionRefund.Allows(c))

	by := uuid.New()
	ev := CreditActionManual.Apply(c, by)
	assert.Equal(t, EventCreditSetManual, ev.Type)
	assert.Equal(t, CreditResolutionManual, c.Resolution)
	assert.False(t, CreditActionManual.Allows(c))
	assert.True(t, CreditActionCredit.Allows(c))
}

func TestTransitionDisbursementFollowsPermittedStates(t *testing.T) {
	d := &Disbursement{ID: uuid.New(), Resolution: DisbursementResolutionPending}
	by := uuid.New()

	_, ok := TransitionDisbursement(d, DisbursementResolutionSent, by)
	assert.False(t, ok)

	for _, next := range []DisbursementResolution{
		DisbursementResolutionPreconfirmed,
		DisbursementResolutionConfirmed,
		DisbursementResolutionSent,
	} {
		ev, ok := TransitionDisbursement(d, next, by)
		assert.True(t, ok, next)
		assert.Equal(t, DisbursementEventType(next), ev.Type)
	}
	assert.Equal(t, DisbursementResolutionSent, d.Resolution)
}

func TestFormatAmount(t *testing.T) {
	tests := map[int64]string{
		12000:   "£120",
		150:     "£1.50",
		5:       "£0.05",
		1234567: "£12,345.67",
		-250:    "-£2.50",
	}
	for pence, want := range tests {
		assert.Equal(t, want, FormatAmount(pence))
	}
	assert.True(t, IsWholePounds(1200))
	assert.False(t, IsWholePounds(1201))
}
