// Package service implements the core billing and payment logic.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fitstack/fitstack-billing/internal/core/domain"
	"github.com/fitstack/fitstack-billing/internal/core/ports"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultProviderTimeout bounds a provider call when no timeout is configured.
const DefaultProviderTimeout = 15 * time.Second

// Gateways is the closed set of payment rails.
type Gateways struct {
	Card    ports.Gateway
	Wallet  ports.OTPGateway
	BillPay ports.BillGateway
	BNPL    ports.InstallmentGateway
}

// For selects the adapter for a provider tag.
func (g Gateways) For(p domain.Provider) (ports.Gateway, error) {
	var gw ports.Gateway
	switch p {
	case domain.ProviderCard:
		gw = g.Card
	case domain.ProviderWallet:
		gw = g.Wallet
	case domain.ProviderBillPay:
		gw = g.BillPay
	case domain.ProviderBNPL:
		gw = g.BNPL
	}
	if gw == nil {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnsupportedProvider, p)
	}
	return gw, nil
}

// InitiateOptions carries the per-rail inputs of an initiation.
type InitiateOptions struct {
	SavedMethodID string
	Installments  int
	Mobile        string
}

// PaymentStatus is the current view of one payment attempt.
type PaymentStatus struct {
	ExternalRef   string                   `json:"external_reference"`
	Provider      domain.Provider          `json:"provider"`
	Status        domain.TransactionStatus `json:"status"`
	Amount        domain.Money             `json:"amount"`
	Reason        string                   `json:"reason,omitempty"`
	UnderReview   bool                     `json:"under_review,omitempty"`
	InvoiceID     string                   `json:"invoice_id"`
	InvoiceStatus domain.InvoiceStatus     `json:"invoice_status"`
	Remaining     domain.Money             `json:"remaining_balance"`
}

// PaymentService orchestrates payment operations across the rails.
type PaymentService struct {
	store      ports.Store
	members    ports.MemberDirectory
	gateways   Gateways
	settlement *Settlement
	timeouts   map[domain.Provider]time.Duration
	logger     *zap.Logger
}

// NewPaymentService creates a new payment service.
func NewPaymentService(
	store ports.Store,
	members ports.MemberDirectory,
	gateways Gateways,
	settlement *Settlement,
	timeouts map[domain.Provider]time.Duration,
	logger *zap.Logger,
) *PaymentService {
	return &PaymentService{
		store:      store,
		members:    members,
		gateways:   gateways,
		settlement: settlement,
		timeouts:   timeouts,
		logger:     logger,
	}
}

// Timeout returns the provider call bound for a rail.
func (s *PaymentService) Timeout(p domain.Provider) time.Duration {
	if d, ok := s.timeouts[p]; ok && d > 0 {
		return d
	}
	return DefaultProviderTimeout
}

// withProvider runs fn under the provider timeout. A deadline hit becomes
// domain.ErrProviderUnavailable.
func (s *PaymentService) withProvider(ctx context.Context, p domain.Provider, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.Timeout(p))
	defer cancel()
	err := fn(ctx)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, domain.ErrProviderUnavailable) {
		return fmt.Errorf("%w: %s timed out: %v", domain.ErrProviderUnavailable, p, err)
	}
	return err
}

// InitiatePayment starts a payment of the invoice's remaining balance through
// one rail. memberID, when set, must own the invoice.
func (s *PaymentService) InitiatePayment(ctx context.Context, invoiceID uuid.UUID, provider domain.Provider, memberID string, opts InitiateOptions) (*domain.InitiationResult, error) {
	gw, err := s.gateways.For(provider)
	if err != nil {
		return nil, err
	}
	inv, err := s.ownedInvoice(ctx, invoiceID, memberID)
	if err != nil {
		return nil, err
	}
	if !inv.IsPayable() {
		return nil, &domain.InvalidStateError{Op: "pay", Status: inv.Status}
	}
	if !inv.RemainingBalance().IsPositive() {
		return nil, fmt.Errorf("%w: invoice %s has no remaining balance", domain.ErrInvalidRequest, inv.Number)
	}

	member, err := s.members.GetMember(ctx, inv.MemberID)
	if err != nil {
		return nil, err
	}
	mc := domain.MemberContext{Member: *member, Installments: opts.Installments, Mobile: opts.Mobile}
	if opts.SavedMethodID != "" {
		for i := range member.SavedMethods {
			if member.SavedMethods[i].ID == opts.SavedMethodID {
				mc.SavedMethod = &member.SavedMethods[i]
				break
			}
		}
		if mc.SavedMethod == nil {
			return nil, fmt.Errorf("%w: unknown saved payment method", domain.ErrInvalidRequest)
		}
	}

	var res *domain.InitiationResult
	err = s.withProvider(ctx, provider, func(ctx context.Context) error {
		var err error
		res, err = gw.Initiate(ctx, inv, mc)
		return err
	})
	if err != nil {
		s.logger.Warn("Payment initiation failed",
			zap.String("invoice_id", inv.ID.String()),
			zap.String("provider", string(provider)),
			zap.Error(err),
		)
		return nil, err
	}

	s.logger.Info("Payment initiated",
		zap.String("invoice_id", inv.ID.String()),
		zap.String("provider", string(provider)),
		zap.String("provider_ref", res.ProviderRef),
		zap.Bool("already_generated", res.AlreadyGenerated),
	)
	return res, nil
}

// HandleCallback authenticates and applies an inbound provider notification.
// It always returns a result that can be acknowledged to the provider.
func (s *PaymentService) HandleCallback(ctx context.Context, providerTag string, req domain.CallbackRequest) *domain.CallbackResult {
	log := s.logger.With(zap.String("provider", providerTag))
	provider, err := domain.ParseProvider(providerTag)
	if err != nil {
		log.Warn("Callback for unsupported provider")
		return &domain.CallbackResult{Success: false, Status: domain.CallbackRejected}
	}
	gw, err := s.gateways.For(provider)
	if err != nil {
		log.Warn("Callback for unconfigured provider")
		return &domain.CallbackResult{Success: false, Status: domain.CallbackRejected}
	}

	var ev *domain.PaymentEvent
	err = s.withProvider(ctx, provider, func(ctx context.Context) error {
		var err error
		ev, err = gw.HandleCallback(ctx, req)
		return err
	})
	switch {
	case errors.Is(err, domain.ErrSignatureVerification):
		log.Warn("Callback failed authentication", zap.String("source_ip", req.SourceIP))
		return &domain.CallbackResult{Success: false, Status: domain.CallbackRejected}
	case err != nil:
		log.Error("Callback could not be processed", zap.Error(err))
		return &domain.CallbackResult{Success: false, Status: domain.CallbackIgnored}
	case ev == nil:
		return &domain.CallbackResult{Success: true, Status: domain.CallbackIgnored}
	}

	res, err := s.settlement.Apply(ctx, *ev)
	if err != nil {
		log.Warn("Callback settled with error", zap.String("external_ref", ev.ExternalRef), zap.Error(err))
	}
	return res
}

// Reconcile polls the provider for a transaction and applies what it reports.
func (s *PaymentService) Reconcile(ctx context.Context, txn *domain.PaymentTransaction) (*domain.CallbackResult, error) {
	gw, err := s.gateways.For(txn.Provider)
	if err != nil {
		return nil, err
	}
	var vr *domain.VerificationResult
	err = s.withProvider(ctx, txn.Provider, func(ctx context.Context) error {
		var err error
		vr, err = gw.Verify(ctx, txn.ExternalRef)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.settlement.Apply(ctx, domain.PaymentEvent{
		Provider:    txn.Provider,
		ExternalRef: txn.ExternalRef,
		Status:      vr.Status,
		Amount:      vr.Amount,
		Reason:      vr.Reason,
	})
}

// ExpireAttempt cancels an attempt the provider still reports as open long
// after it should have completed. A confirmation arriving later still credits.
func (s *PaymentService) ExpireAttempt(ctx context.Context, txn *domain.PaymentTransaction) (*domain.CallbackResult, error) {
	return s.apply(ctx, domain.PaymentEvent{
		Provider:    txn.Provider,
		ExternalRef: txn.ExternalRef,
		Status:      domain.TxCancelled,
		Reason:      domain.ReasonAttemptExpired,
	})
}

// Verify refreshes a pending attempt from its provider and reports its state.
// memberID, when set, must own the invoice. provider may be empty; a
// reference that then matches attempts on several rails is refused.
func (s *PaymentService) Verify(ctx context.Context, provider domain.Provider, ref, memberID string) (*PaymentStatus, error) {
	txns, err := s.store.FindTransactionsByRef(ctx, ref)
	if err != nil {
		return nil, err
	}
	var owned []*domain.PaymentTransaction
	for _, t := range txns {
		if provider != "" && t.Provider != provider {
			continue
		}
		if _, err := s.ownedInvoice(ctx, t.InvoiceID, memberID); err != nil {
			if errors.Is(err, domain.ErrInvoiceNotFound) {
				continue
			}
			return nil, err
		}
		owned = append(owned, t)
	}
	switch len(owned) {
	case 0:
		return nil, domain.ErrUnknownTransaction
	case 1:
		return s.refresh(ctx, owned[0])
	default:
		return nil, fmt.Errorf("%w: reference %q exists on %d providers, pass provider", domain.ErrInvalidRequest, ref, len(owned))
	}
}

// PaymentStatus backs the card return page. It refreshes the attempt but
// never fails because the provider is slow.
func (s *PaymentService) PaymentStatus(ctx context.Context, ref string) (*PaymentStatus, error) {
	txn, err := s.store.GetTransaction(ctx, domain.ProviderCard, ref)
	if err != nil {
		return nil, err
	}
	return s.refresh(ctx, txn)
}

func (s *PaymentService) refresh(ctx context.Context, txn *domain.PaymentTransaction) (*PaymentStatus, error) {
	if txn.Status == domain.TxPending && txn.ReviewReason == "" {
		if _, err := s.Reconcile(ctx, txn); err != nil {
			s.logger.Info("Verification did not settle",
				zap.String("external_ref", txn.ExternalRef),
				zap.String("provider", string(txn.Provider)),
				zap.Error(err),
			)
		}
	}
	return s.status(ctx, txn.Provider, txn.ExternalRef)
}

func (s *PaymentService) status(ctx context.Context, provider domain.Provider, ref string) (*PaymentStatus, error) {
	txn, err := s.store.GetTransaction(ctx, provider, ref)
	if err != nil {
		return nil, err
	}
	inv, err := s.store.GetInvoice(ctx, txn.InvoiceID)
	if err != nil {
		return nil, err
	}
	return &PaymentStatus{
		ExternalRef:   txn.ExternalRef,
		Provider:      txn.Provider,
		Status:        txn.Status,
		Amount:        txn.Amount,
		Reason:        txn.FailureReason,
		UnderReview:   txn.ReviewReason != "",
		InvoiceID:     inv.ID.String(),
		InvoiceStatus: inv.Status,
		Remaining:     inv.RemainingBalance(),
	}, nil
}

// ConfirmOTP submits a wallet OTP for the invoice and settles the outcome.
func (s *PaymentService) ConfirmOTP(ctx context.Context, invoiceID uuid.UUID, otp, memberID string) (*domain.CallbackResult, error) {
	if s.gateways.Wallet == nil {
		return nil, fmt.Errorf("%w: wallet", domain.ErrUnsupportedProvider)
	}
	if _, err := s.ownedInvoice(ctx, invoiceID, memberID); err != nil {
		return nil, err
	}
	var ev *domain.PaymentEvent
	err := s.withProvider(ctx, domain.ProviderWallet, func(ctx context.Context) error {
		var err error
		ev, err = s.gateways.Wallet.Confirm(ctx, invoiceID, otp)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.apply(ctx, *ev)
}

// GenerateBill issues, or returns the open, bill for an invoice.
func (s *PaymentService) GenerateBill(ctx context.Context, invoiceID uuid.UUID, memberID string) (*domain.InitiationResult, error) {
	return s.InitiatePayment(ctx, invoiceID, domain.ProviderBillPay, memberID, InitiateOptions{})
}

// CancelBill withdraws an unpaid bill.
func (s *PaymentService) CancelBill(ctx context.Context, billNumber, memberID string) (*domain.CallbackResult, error) {
	if s.gateways.BillPay == nil {
		return nil, fmt.Errorf("%w: billpay", domain.ErrUnsupportedProvider)
	}
	if _, err := s.ownedTransaction(ctx, domain.ProviderBillPay, billNumber, memberID); err != nil {
		return nil, err
	}
	var ev *domain.PaymentEvent
	err := s.withProvider(ctx, domain.ProviderBillPay, func(ctx context.Context) error {
		var err error
		ev, err = s.gateways.BillPay.CancelBill(ctx, billNumber)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.apply(ctx, *ev)
}

// AuthorizeOrder authorizes a BNPL order after hosted checkout.
func (s *PaymentService) AuthorizeOrder(ctx context.Context, orderID, memberID string) (*domain.Authorization, error) {
	if s.gateways.BNPL == nil {
		return nil, fmt.Errorf("%w: bnpl", domain.ErrUnsupportedProvider)
	}
	if _, err := s.ownedTransaction(ctx, domain.ProviderBNPL, orderID, memberID); err != nil {
		return nil, err
	}
	var auth *domain.Authorization
	err := s.withProvider(ctx, domain.ProviderBNPL, func(ctx context.Context) error {
		var err error
		auth, err = s.gateways.BNPL.AuthorizeOrder(ctx, orderID)
		return err
	})
	return auth, err
}

// CaptureOrder captures an authorized BNPL order and settles the invoice.
func (s *PaymentService) CaptureOrder(ctx context.Context, orderID, memberID string) (*domain.CallbackResult, error) {
	if s.gateways.BNPL == nil {
		return nil, fmt.Errorf("%w: bnpl", domain.ErrUnsupportedProvider)
	}
	if _, err := s.ownedTransaction(ctx, domain.ProviderBNPL, orderID, memberID); err != nil {
		return nil, err
	}
	var ev *domain.PaymentEvent
	err := s.withProvider(ctx, domain.ProviderBNPL, func(ctx context.Context) error {
		var err error
		ev, err = s.gateways.BNPL.CaptureOrder(ctx, orderID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.apply(ctx, *ev)
}

// apply settles a synchronous outcome. Anomalies that went to review are
// reported in the result, not as an error.
func (s *PaymentService) apply(ctx context.Context, ev domain.PaymentEvent) (*domain.CallbackResult, error) {
	res, err := s.settlement.Apply(ctx, ev)
	if err != nil && !res.Success {
		return nil, err
	}
	return res, nil
}

func (s *PaymentService) ownedInvoice(ctx context.Context, invoiceID uuid.UUID, memberID string) (*domain.Invoice, error) {
	inv, err := s.store.GetInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if memberID != "" && inv.MemberID != memberID {
		return nil, domain.ErrInvoiceNotFound
	}
	return inv, nil
}

func (s *PaymentService) ownedTransaction(ctx context.Context, provider domain.Provider, ref, memberID string) (*domain.PaymentTransaction, error) {
	txn, err := s.store.GetTransaction(ctx, provider, ref)
	if err != nil {
		return nil, err
	}
	if _, err := s.ownedInvoice(ctx, txn.InvoiceID, memberID); err != nil {
		if errors.Is(err, domain.ErrInvoiceNotFound) {
			return nil, domain.ErrUnknownTransaction
		}
		return nil, err
	}
	return txn, nil
}
