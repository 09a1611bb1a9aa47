// Package ports defines the interfaces (ports) of the billing core.
// These are contracts that adapters must implement.
package ports

import (
	"context"
	"time"

	"github.com/fitstack/fitstack-billing/internal/core/domain"
	"github.com/google/uuid"
)

// Gateway is the contract every payment rail adapter implements.
type Gateway interface {
	// Provider returns the rail tag stored on each transaction.
	Provider() domain.Provider

	// Initiate starts a payment for the invoice's remaining balance. It must not
	// mutate the invoice and must record a PENDING transaction keyed by the
	// provider reference before returning.
	Initiate(ctx context.Context, inv *domain.Invoice, member domain.MemberContext) (*domain.InitiationResult, error)

	// Verify polls the provider for the current state of a reference.
	Verify(ctx context.Context, providerRef string) (*domain.VerificationResult, error)

	// HandleCallback authenticates an inbound notification and normalizes it.
	// A nil event with nil error means the notification is irrelevant.
	HandleCallback(ctx context.Context, req domain.CallbackRequest) (*domain.PaymentEvent, error)
}

// InvoiceStore persists invoices.
type InvoiceStore interface {
	// CreateInvoice stores a new invoice and assigns its sequential Number.
	CreateInvoice(ctx context.Context, inv *domain.Invoice) error

	// GetInvoice returns domain.ErrInvoiceNotFound if missing.
	GetInvoice(ctx context.Context, id uuid.UUID) (*domain.Invoice, error)

	// UpdateInvoice runs fn against the current invoice under a row lock and
	// persists the result when fn returns nil.
	UpdateInvoice(ctx context.Context, id uuid.UUID, fn func(inv *domain.Invoice) error) (*domain.Invoice, error)

	// ListDueInvoices returns invoices in status whose due date is before cutoff.
	ListDueInvoices(ctx context.Context, status domain.InvoiceStatus, cutoff time.Time, limit int) ([]*domain.Invoice, error)
}

// TransactionStore persists payment transactions.
type TransactionStore interface {
	// CreateTransaction returns domain.ErrDuplicateTransaction when the
	// (provider, external reference) pair already exists.
	CreateTransaction(ctx context.Context, txn *domain.PaymentTransaction) error

	// GetTransaction returns domain.ErrUnknownTransaction if missing.
	GetTransaction(ctx context.Context, provider domain.Provider, externalRef string) (*domain.PaymentTransaction, error)

	// FindTransactionsByRef looks a reference up across providers.
	FindTransactionsByRef(ctx context.Context, externalRef string) ([]*domain.PaymentTransaction, error)

	// FindOpenTransaction returns the newest PENDING transaction of a provider
	// for an invoice, or nil.
	FindOpenTransaction(ctx context.Context, invoiceID uuid.UUID, provider domain.Provider) (*domain.PaymentTransaction, error)

	// ListInvoiceTransactions returns every attempt for an invoice, oldest first.
	ListInvoiceTransactions(ctx context.Context, invoiceID uuid.UUID) ([]*domain.PaymentTransaction, error)

	// UpdateTransaction is an atomic read-modify-write of one transaction row.
	UpdateTransaction(ctx context.Context, provider domain.Provider, externalRef string, fn func(txn *domain.PaymentTransaction) error) (*domain.PaymentTransaction, error)

	// ListStalePending returns PENDING transactions created before cutoff that
	// are not flagged for review. Never-polled attempts come first, then the
	// least recently polled, so a full batch cannot starve newer rows.
	ListStalePending(ctx context.Context, provider domain.Provider, cutoff time.Time, limit int) ([]*domain.PaymentTransaction, error)
}

// Ledger applies a transaction transition and the matching invoice mutation as
// one atomic unit. fn receives copies of both rows, locked; they are written
// back only when fn returns nil. The loaded rows are returned either way.
type Ledger interface {
	Settle(ctx context.Context, provider domain.Provider, externalRef string,
		fn func(txn *domain.PaymentTransaction, inv *domain.Invoice) error,
	) (*domain.PaymentTransaction, *domain.Invoice, error)
}

// Store is the full persistence port.
type Store interface {
	InvoiceStore
	TransactionStore
	Ledger
}

// OTPChallengeStore keeps the one outstanding OTP challenge per invoice.
type OTPChallengeStore interface {
	// Reserve claims the invoice's OTP slot for ttl; domain.ErrOTPChallengeActive
	// if the slot is held.
	Reserve(ctx context.Context, invoiceID string, ttl time.Duration) error

	// Save remembers the challenge issued for the reserved slot.
	Save(ctx context.Context, challenge domain.OTPChallenge) error

	// Get returns domain.ErrOTPUnknown if no challenge is remembered. Expired
	// challenges stay readable for a grace period.
	Get(ctx context.Context, invoiceID string) (*domain.OTPChallenge, error)

	// Release frees the invoice's slot for a new challenge.
	Release(ctx context.Context, invoiceID string) error
}

// MemberDirectory resolves billing identity for a member.
type MemberDirectory interface {
	GetMember(ctx context.Context, memberID string) (*domain.Member, error)
}

// Notifier forwards invoice events to the notification collaborator.
type Notifier interface {
	Notify(ctx context.Context, invoiceID uuid.UUID, event domain.NotificationEvent) error
}

// ReviewQueue receives anomalies that need a human.
type ReviewQueue interface {
	Raise(ctx context.Context, issue domain.ReviewIssue) error
}

// OTPGateway is the wallet rail: initiation sends an OTP and Confirm charges.
type OTPGateway interface {
	Gateway
	Confirm(ctx context.Context, invoiceID uuid.UUID, otp string) (*domain.PaymentEvent, error)
}

// BillGateway is the bill-payment rail.
type BillGateway interface {
	Gateway
	// CancelBill withdraws an unpaid bill; domain.ErrBillAlreadyPaid otherwise.
	CancelBill(ctx context.Context, billNumber string) (*domain.PaymentEvent, error)
}

// InstallmentGateway is the BNPL rail. Only CaptureOrder moves money.
type InstallmentGateway interface {
	Gateway
	AuthorizeOrder(ctx context.Context, orderID string) (*domain.Authorization, error)
	CaptureOrder(ctx context.Context, orderID string) (*domain.PaymentEvent, error)
}
