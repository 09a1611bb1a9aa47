package domain

import (
	"strings"
	"time"
)

// SavedPaymentMethod is a tokenized card or wallet a member authorized before.
// It never moves money by itself; it is only an input to initiation.
type SavedPaymentMethod struct {
	ID       string   `json:"id"`
	MemberID string   `json:"member_id"`
	Provider Provider `json:"provider"`
	Token    string   `json:"token"`
	Label    string   `json:"label"`
}

// Member is the billing-relevant identity returned by the member directory.
type Member struct {
	ID              string               `json:"id"`
	Name            string               `json:"name"`
	Email           string               `json:"email"`
	Mobile          string               `json:"mobile"`
	DefaultCurrency string               `json:"default_currency"`
	Locale          string               `json:"locale"`
	SavedMethods    []SavedPaymentMethod `json:"saved_methods,omitempty"`
}

// MemberContext is what an adapter receives about the payer for one initiation.
type MemberContext struct {
	Member
	SavedMethod  *SavedPaymentMethod
	Installments int
	// Mobile overrides the directory mobile for wallet OTP delivery.
	Mobile string
}

// WalletMobile returns the mobile number an OTP should be sent to.
func (m MemberContext) WalletMobile() string {
	if m.Mobile != "" {
		return m.Mobile
	}
	if m.SavedMethod != nil && m.SavedMethod.Provider == ProviderWallet {
		return m.SavedMethod.Token
	}
	return m.Member.Mobile
}

// InitiationResult is returned by every adapter's Initiate.
type InitiationResult struct {
	Success          bool                `json:"success"`
	Provider         Provider            `json:"provider"`
	ProviderRef      string              `json:"provider_ref"`
	RedirectURL      string              `json:"redirect_url,omitempty"`
	Instruction      map[string]string   `json:"instruction,omitempty"`
	ExpiresAt        *time.Time          `json:"expires_at,omitempty"`
	AlreadyGenerated bool                `json:"already_generated,omitempty"`
	Error            string              `json:"error,omitempty"`
	Transaction      *PaymentTransaction `json:"-"`
}

// VerificationResult is the provider's current view of a transaction.
type VerificationResult struct {
	Status TransactionStatus `json:"status"`
	Amount *Money            `json:"amount,omitempty"`
	Reason string            `json:"reason,omitempty"`
}

// CallbackRequest is an inbound, untrusted provider notification.
type CallbackRequest struct {
	Body     []byte
	Headers  map[string]string
	Query    map[string]string
	SourceIP string
}

// Header returns a header value, matching names case-insensitively.
func (r CallbackRequest) Header(name string) string {
	if v, ok := r.Headers[name]; ok {
		return v
	}
	for k, v := range r.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// PaymentEvent is a provider outcome normalized for the settlement path. It
// looks the same whether it came from a webhook, a poll or a synchronous
// confirmation.
type PaymentEvent struct {
	Provider    Provider
	ExternalRef string
	Status      TransactionStatus
	Amount      *Money
	Reason      string
	// Payload entries merged into the transaction when the event is applied.
	Payload map[string]string
}

// CallbackResult is what the callback endpoint reports back to the provider.
type CallbackResult struct {
	Success   bool              `json:"success"`
	InvoiceID string            `json:"invoice_id,omitempty"`
	Status    string            `json:"status"`
	Duplicate bool              `json:"duplicate,omitempty"`
	TxStatus  TransactionStatus `json:"-"`
}

// Callback result statuses that are not a transaction status.
const (
	CallbackIgnored   = "IGNORED"
	CallbackRejected  = "REJECTED"
	CallbackDuplicate = "DUPLICATE"
	CallbackReview    = "UNDER_REVIEW"
)

// NotificationEvent is an invoice event forwarded to the notification collaborator.
type NotificationEvent string

const (
	EventInvoiceIssued  NotificationEvent = "invoice.issued"
	EventInvoicePaid    NotificationEvent = "invoice.paid"
	EventInvoiceOverdue NotificationEvent = "invoice.overdue"
)

// OTPChallenge is the single outstanding wallet OTP for an invoice.
type OTPChallenge struct {
	InvoiceID    string    `json:"invoice_id"`
	OTPReference string    `json:"otp_reference"`
	PaymentRef   string    `json:"payment_ref"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Expired reports whether the challenge can no longer be confirmed.
func (c OTPChallenge) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// Authorization is the BNPL provider's approval of an order. It reserves the
// installment plan but moves no money.
type Authorization struct {
	OrderID           string `json:"order_id"`
	AuthorizationID   string `json:"authorization_id"`
	Status            string `json:"status"`
	AlreadyAuthorized bool   `json:"already_authorized"`
}
