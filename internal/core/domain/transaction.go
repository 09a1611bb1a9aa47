package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Provider identifies one of the four payment rails.
type Provider string

const (
	ProviderCard    Provider = "card"
	ProviderWallet  Provider = "wallet"
	ProviderBillPay Provider = "billpay"
	ProviderBNPL    Provider = "bnpl"
)

// Providers lists every supported rail.
var Providers = []Provider{ProviderCard, ProviderWallet, ProviderBillPay, ProviderBNPL}

// ParseProvider validates a provider tag.
func ParseProvider(s string) (Provider, error) {
	for _, p := range Providers {
		if string(p) == s {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedProvider, s)
}

// TransactionStatus is the state of one payment attempt.
type TransactionStatus string

const (
	TxPending   TransactionStatus = "PENDING"
	TxConfirmed TransactionStatus = "CONFIRMED"
	TxFailed    TransactionStatus = "FAILED"
	TxCancelled TransactionStatus = "CANCELLED"
)

// Payload keys used by the adapters.
const (
	PayloadRedirectURL     = "redirect_url"
	PayloadOTPReference    = "otp_reference"
	PayloadOTPExpiresAt    = "otp_expires_at"
	PayloadMobile          = "mobile"
	PayloadBillNumber      = "bill_number"
	PayloadBillerCode      = "biller_code"
	PayloadBillDueDate     = "bill_due_date"
	PayloadCheckoutID      = "checkout_id"
	PayloadCheckoutURL     = "checkout_url"
	PayloadInstallments    = "installments"
	PayloadAuthorizationID = "authorization_id"
	PayloadCaptureID       = "capture_id"
	PayloadProviderPayment = "provider_payment_id"
)

// PaymentTransaction is one attempt, through one provider, to settle an
// invoice. (Provider, ExternalRef) is globally unique.
type PaymentTransaction struct {
	ID            uuid.UUID         `json:"id"`
	InvoiceID     uuid.UUID         `json:"invoice_id"`
	Provider      Provider          `json:"provider"`
	ExternalRef   string            `json:"external_reference"`
	Amount        Money             `json:"amount"`
	Status        TransactionStatus `json:"status"`
	Payload       map[string]string `json:"payload,omitempty"`
	FailureReason string            `json:"failure_reason,omitempty"`
	ReviewReason  string            `json:"review_reason,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	ConfirmedAt   *time.Time        `json:"confirmed_at,omitempty"`
	UpdatedAt     time.Time         `json:"updated_at"`

	// LastPolledAt is when the reconciler last asked the provider about this
	// attempt; nil if never.
	LastPolledAt *time.Time `json:"last_polled_at,omitempty"`
}

// NewPendingTransaction builds the PENDING row an adapter records on initiation.
func NewPendingTransaction(invoiceID uuid.UUID, provider Provider, externalRef string, amount Money, payload map[string]string, now time.Time) *PaymentTransaction {
	if payload == nil {
		payload = map[string]string{}
	}
	return &PaymentTransaction{
		ID:          uuid.New(),
		InvoiceID:   invoiceID,
		Provider:    provider,
		ExternalRef: externalRef,
		Amount:      amount,
		Status:      TxPending,
		Payload:     payload,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// IsTerminal reports whether the transaction is settled one way or another.
func (t *PaymentTransaction) IsTerminal() bool {
	return t.Status != TxPending
}

// MarkPolled records a reconciliation poll.
func (t *PaymentTransaction) MarkPolled(at time.Time) {
	polled := at
	t.LastPolledAt = &polled
}

// MarkConfirmed records that money moved.
func (t *PaymentTransaction) MarkConfirmed(at time.Time) {
	confirmed := at
	t.Status = TxConfirmed
	t.ConfirmedAt = &confirmed
	t.FailureReason = ""
	t.ReviewReason = ""
	t.UpdatedAt = at
}

// MarkFailed records a declined or errored attempt.
func (t *PaymentTransaction) MarkFailed(reason string, at time.Time) {
	t.Status = TxFailed
	t.FailureReason = reason
	t.UpdatedAt = at
}

// MarkCancelled records an attempt abandoned before money moved.
func (t *PaymentTransaction) MarkCancelled(reason string, at time.Time) {
	t.Status = TxCancelled
	t.FailureReason = reason
	t.UpdatedAt = at
}

// Clone returns a deep copy.
func (t *PaymentTransaction) Clone() *PaymentTransaction {
	c := *t
	c.Payload = make(map[string]string, len(t.Payload))
	for k, v := range t.Payload {
		c.Payload[k] = v
	}
	c.ConfirmedAt = cloneTime(t.ConfirmedAt)
	c.LastPolledAt = cloneTime(t.LastPolledAt)
	return &c
}

// ReviewIssue is an anomaly that must be reconciled by an operator.
type ReviewIssue struct {
	ID          uuid.UUID `json:"id"`
	InvoiceID   uuid.UUID `json:"invoice_id"`
	Provider    Provider  `json:"provider"`
	ExternalRef string    `json:"external_reference"`
	Kind        string    `json:"kind"`
	Detail      string    `json:"detail"`
	RaisedAt    time.Time `json:"raised_at"`
}

// Review issue kinds.
const (
	ReviewOverpayment    = "overpayment"
	ReviewAmountMismatch = "amount_mismatch"
	ReviewInvalidState   = "invalid_state"
)

// ReasonAttemptExpired is the failure reason of attempts the reconciler gave up on.
const ReasonAttemptExpired = "attempt expired"
