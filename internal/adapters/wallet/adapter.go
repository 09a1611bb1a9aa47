// Package wallet is the mobile-wallet rail: initiation sends an OTP to the
// payer's phone and a synchronous confirmation charges the wallet.
package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/fitstack/fitstack-billing/internal/adapters/providerhttp"
	"github.com/fitstack/fitstack-billing/internal/core/domain"
	"github.com/fitstack/fitstack-billing/internal/core/ports"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultOTPTTL = 300 * time.Second

	reasonOTPExpired = "otp_expired"

	// SignatureHeader carries the HMAC of a wallet callback body.
	SignatureHeader = "X-Wallet-Signature"
)

// Config holds the wallet rail settings.
type Config struct {
	BaseURL       string
	MerchantID    string
	APIKey        string
	WebhookSecret string
	Timeout       time.Duration
	// OTPTTL applies when the provider does not say how long an OTP lives.
	OTPTTL time.Duration
}

// Adapter implements ports.OTPGateway.
type Adapter struct {
	cfg        Config
	client     *providerhttp.Client
	txns       ports.TransactionStore
	challenges ports.OTPChallengeStore
	logger     *zap.Logger
	now        func() time.Time
}

// Option customizes an Adapter.
type Option func(*Adapter)

// WithClock sets the adapter clock.
func WithClock(now func() time.Time) Option {
	return func(a *Adapter) { a.now = now }
}

// NewAdapter creates a wallet adapter.
func NewAdapter(cfg Config, txns ports.TransactionStore, challenges ports.OTPChallengeStore, logger *zap.Logger, opts ...Option) *Adapter {
	if cfg.OTPTTL <= 0 {
		cfg.OTPTTL = defaultOTPTTL
	}
	a := &Adapter{
		cfg: cfg,
		client: providerhttp.NewClient(cfg.BaseURL, cfg.Timeout, map[string]string{
			"Authorization": "Bearer " + cfg.APIKey,
			"X-Merchant-ID": cfg.MerchantID,
		}),
		txns:       txns,
		challenges: challenges,
		logger:     logger.With(zap.String("provider", string(domain.ProviderWallet))),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Provider returns the wallet rail tag.
func (a *Adapter) Provider() domain.Provider { return domain.ProviderWallet }

type authorizeRequest struct {
	MerchantID        string `json:"merchant_id"`
	Mobile            string `json:"mobile"`
	Amount            string `json:"amount"`
	Currency          string `json:"currency"`
	MerchantReference string `json:"merchant_reference"`
	Description       string `json:"description"`
}

type authorizeResponse struct {
	OTPReference     string `json:"otp_reference"`
	PaymentReference string `json:"payment_reference"`
	ExpiresIn        int    `json:"expires_in"`
}

// Initiate asks the wallet to send an OTP for the remaining balance. Only one
// challenge per invoice may be outstanding.
func (a *Adapter) Initiate(ctx context.Context, inv *domain.Invoice, member domain.MemberContext) (*domain.InitiationResult, error) {
	mobile := member.WalletMobile()
	if mobile == "" {
		return nil, fmt.Errorf("%w: mobile number is required for wallet payments", domain.ErrInvalidRequest)
	}
	invoiceID := inv.ID.String()
	if err := a.challenges.Reserve(ctx, invoiceID, a.cfg.OTPTTL); err != nil {
		return nil, err
	}
	reserved := true
	defer func() {
		if reserved {
			if err := a.challenges.Release(context.WithoutCancel(ctx), invoiceID); err != nil {
				a.logger.Warn("Failed to release OTP slot", zap.String("invoice_id", invoiceID), zap.Error(err))
			}
		}
	}()

	if prev, err := a.challenges.Get(ctx, invoiceID); err == nil && prev.Expired(a.now()) {
		a.cancelStale(ctx, prev)
	}

	amount := inv.RemainingBalance()
	var resp authorizeResponse
	err := a.client.Do(ctx, http.MethodPost, "/v1/payments/direct/authorize", authorizeRequest{
		MerchantID:        a.cfg.MerchantID,
		Mobile:            mobile,
		Amount:            amount.StringFixed(),
		Currency:          amount.Currency,
		MerchantReference: inv.Number + ":" + uuid.NewString(),
		Description:       "Invoice " + inv.Number,
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("wallet authorize: %w", err)
	}
	if resp.PaymentReference == "" || resp.OTPReference == "" {
		return nil, fmt.Errorf("%w: wallet authorize returned no reference", domain.ErrProviderRejected)
	}

	now := a.now()
	ttl := a.cfg.OTPTTL
	if resp.ExpiresIn > 0 {
		ttl = time.Duration(resp.ExpiresIn) * time.Second
	}
	expiresAt := now.Add(ttl)

	challenge := domain.OTPChallenge{
		InvoiceID:    invoiceID,
		OTPReference: resp.OTPReference,
		PaymentRef:   resp.PaymentReference,
		ExpiresAt:    expiresAt,
	}
	if err := a.challenges.Save(ctx, challenge); err != nil {
		return nil, fmt.Errorf("failed to save OTP challenge: %w", err)
	}

	txn := domain.NewPendingTransaction(inv.ID, domain.ProviderWallet, resp.PaymentReference, amount, map[string]string{
		domain.PayloadOTPReference: resp.OTPReference,
		domain.PayloadOTPExpiresAt: expiresAt.UTC().Format(time.RFC3339),
		domain.PayloadMobile:       maskMobile(mobile),
	}, now)
	if err := a.txns.CreateTransaction(ctx, txn); err != nil {
		return nil, fmt.Errorf("failed to record wallet attempt: %w", err)
	}
	reserved = false

	a.logger.Info("Wallet OTP sent",
		zap.String("invoice_id", invoiceID),
		zap.String("external_ref", resp.PaymentReference),
		zap.Time("expires_at", expiresAt),
	)
	return &domain.InitiationResult{
		Success:     true,
		Provider:    domain.ProviderWallet,
		ProviderRef: resp.PaymentReference,
		Instruction: map[string]string{
			domain.PayloadOTPReference: resp.OTPReference,
			domain.PayloadMobile:       maskMobile(mobile),
		},
		ExpiresAt:   &expiresAt,
		Transaction: txn,
	}, nil
}

type confirmRequest struct {
	OTPReference     string `json:"otp_reference"`
	OTPValue         string `json:"otp_value"`
	PaymentReference string `json:"payment_reference"`
}

type paymentStatusResponse struct {
	PaymentReference string `json:"payment_reference"`
	Status           string `json:"status"`
	Amount           string `json:"amount"`
	Currency         string `json:"currency"`
	Reason           string `json:"reason"`
}

// Confirm submits the member's OTP for the invoice's outstanding challenge and
// returns the resulting event for settlement.
func (a *Adapter) Confirm(ctx context.Context, invoiceID uuid.UUID, otp string) (*domain.PaymentEvent, error) {
	if otp == "" {
		return nil, fmt.Errorf("%w: otp is required", domain.ErrInvalidRequest)
	}
	challenge, err := a.challenges.Get(ctx, invoiceID.String())
	if err != nil {
		return nil, err
	}
	txn, err := a.txns.GetTransaction(ctx, domain.ProviderWallet, challenge.PaymentRef)
	if err != nil {
		if errors.Is(err, domain.ErrUnknownTransaction) {
			return nil, domain.ErrOTPUnknown
		}
		return nil, err
	}

	switch {
	case txn.Status == domain.TxConfirmed:
		return &domain.PaymentEvent{
			Provider:    domain.ProviderWallet,
			ExternalRef: txn.ExternalRef,
			Status:      domain.TxConfirmed,
			Amount:      &txn.Amount,
		}, nil
	case txn.Status == domain.TxCancelled && txn.FailureReason == reasonOTPExpired:
		return nil, domain.ErrOTPExpired
	case txn.IsTerminal():
		return nil, fmt.Errorf("%w: attempt is already %s", domain.ErrOTPUnknown, txn.Status)
	}

	if challenge.Expired(a.now()) {
		return nil, a.expire(ctx, challenge)
	}

	var resp paymentStatusResponse
	err = a.client.Do(ctx, http.MethodPost, "/v1/payments/direct/confirm", confirmRequest{
		OTPReference:     challenge.OTPReference,
		OTPValue:         otp,
		PaymentReference: challenge.PaymentRef,
	}, &resp)
	if err != nil {
		var apiErr *providerhttp.APIError
		if errors.As(err, &apiErr) && apiErr.Code == reasonOTPExpired {
			return nil, a.expire(ctx, challenge)
		}
		return nil, fmt.Errorf("wallet confirm: %w", err)
	}

	ev, err := eventFrom(challenge.PaymentRef, resp)
	if err != nil {
		return nil, err
	}
	if ev.Status != domain.TxPending {
		a.release(ctx, challenge.InvoiceID)
	}
	return ev, nil
}

// expire abandons the attempt and frees the slot. The invoice is untouched.
func (a *Adapter) expire(ctx context.Context, challenge *domain.OTPChallenge) error {
	a.cancelStale(ctx, challenge)
	a.release(ctx, challenge.InvoiceID)
	a.logger.Info("Wallet OTP expired",
		zap.String("invoice_id", challenge.InvoiceID),
		zap.String("external_ref", challenge.PaymentRef),
	)
	return domain.ErrOTPExpired
}

func (a *Adapter) cancelStale(ctx context.Context, challenge *domain.OTPChallenge) {
	now := a.now()
	_, err := a.txns.UpdateTransaction(ctx, domain.ProviderWallet, challenge.PaymentRef, func(t *domain.PaymentTransaction) error {
		if t.IsTerminal() {
			return nil
		}
		t.MarkCancelled(reasonOTPExpired, now)
		return nil
	})
	if err != nil && !errors.Is(err, domain.ErrUnknownTransaction) {
		a.logger.Warn("Failed to cancel expired wallet attempt",
			zap.String("external_ref", challenge.PaymentRef), zap.Error(err))
	}
}

func (a *Adapter) release(ctx context.Context, invoiceID string) {
	if err := a.challenges.Release(ctx, invoiceID); err != nil {
		a.logger.Warn("Failed to release OTP slot", zap.String("invoice_id", invoiceID), zap.Error(err))
	}
}

// Verify polls the wallet for a payment reference.
func (a *Adapter) Verify(ctx context.Context, providerRef string) (*domain.VerificationResult, error) {
	var resp paymentStatusResponse
	if err := a.client.Do(ctx, http.MethodGet, "/v1/payments/"+url.PathEscape(providerRef), nil, &resp); err != nil {
		return nil, fmt.Errorf("wallet status: %w", err)
	}
	ev, err := eventFrom(providerRef, resp)
	if err != nil {
		return nil, err
	}
	return &domain.VerificationResult{Status: ev.Status, Amount: ev.Amount, Reason: ev.Reason}, nil
}

// HandleCallback authenticates an X-Wallet-Signature notification.
func (a *Adapter) HandleCallback(ctx context.Context, req domain.CallbackRequest) (*domain.PaymentEvent, error) {
	if !providerhttp.VerifyBody(req.Body, req.Header(SignatureHeader), a.cfg.WebhookSecret) {
		return nil, domain.ErrSignatureVerification
	}
	var n paymentStatusResponse
	if err := json.Unmarshal(req.Body, &n); err != nil {
		return nil, fmt.Errorf("%w: malformed notification: %v", domain.ErrInvalidRequest, err)
	}
	if n.PaymentReference == "" {
		return nil, fmt.Errorf("%w: payment_reference is required", domain.ErrInvalidRequest)
	}
	ev, err := eventFrom(n.PaymentReference, n)
	if err != nil {
		return nil, err
	}
	if ev.Status != domain.TxPending {
		if txn, err := a.txns.GetTransaction(ctx, domain.ProviderWallet, n.PaymentReference); err == nil {
			a.release(ctx, txn.InvoiceID.String())
		}
	}
	return ev, nil
}

func eventFrom(ref string, resp paymentStatusResponse) (*domain.PaymentEvent, error) {
	amount, err := providerhttp.ParseAmount(resp.Amount, resp.Currency)
	if err != nil {
		return nil, err
	}
	status := mapStatus(resp.Status)
	reason := resp.Reason
	if status != domain.TxPending && status != domain.TxConfirmed && reason == "" {
		reason = resp.Status
	}
	return &domain.PaymentEvent{
		Provider:    domain.ProviderWallet,
		ExternalRef: ref,
		Status:      status,
		Amount:      amount,
		Reason:      reason,
	}, nil
}

func mapStatus(s string) domain.TransactionStatus {
	switch s {
	case "paid", "completed", "success":
		return domain.TxConfirmed
	case "failed", "declined", "rejected", "insufficient_funds":
		return domain.TxFailed
	case "expired", "cancelled":
		return domain.TxCancelled
	default:
		return domain.TxPending
	}
}

func maskMobile(m string) string {
	if len(m) <= 4 {
		return m
	}
	masked := make([]byte, len(m))
	for i := range masked {
		if i < len(m)-4 {
			masked[i] = '*'
		} else {
			masked[i] = m[i]
		}
	}
	return string(masked)
}
