// Package billpay is the bill-payment rail: a bill number is generated for
// the invoice and the member pays it through their bank.
package billpay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fitstack/fitstack-billing/internal/adapters/providerhttp"
	"github.com/fitstack/fitstack-billing/internal/core/domain"
	"github.com/fitstack/fitstack-billing/internal/core/ports"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const reasonSuperseded = "superseded by a new bill"

// Config holds the bill-payment rail settings.
type Config struct {
	BaseURL    string
	BillerCode string
	APIKey     string
	Timeout    time.Duration
	// BillValidity bounds how long a generated bill can be paid.
	BillValidity time.Duration
	// AllowedSources lists the biller IPs or CIDRs accepted on callbacks.
	AllowedSources []string
}

// Adapter implements ports.BillGateway.
type Adapter struct {
	cfg      Config
	client   *providerhttp.Client
	txns     ports.TransactionStore
	validate *validator.Validate
	group    singleflight.Group
	logger   *zap.Logger
	now      func() time.Time
}

// NewAdapter creates a bill-payment adapter.
func NewAdapter(cfg Config, txns ports.TransactionStore, logger *zap.Logger) *Adapter {
	if cfg.BillValidity <= 0 {
		cfg.BillValidity = 72 * time.Hour
	}
	return &Adapter{
		cfg: cfg,
		client: providerhttp.NewClient(cfg.BaseURL, cfg.Timeout, map[string]string{
			"X-API-Key": cfg.APIKey,
		}),
		txns:     txns,
		validate: validator.New(),
		logger:   logger.With(zap.String("provider", string(domain.ProviderBillPay))),
		now:      time.Now,
	}
}

// Provider returns the bill-payment rail tag.
func (a *Adapter) Provider() domain.Provider { return domain.ProviderBillPay }

type createBillRequest struct {
	BillerCode  string `json:"biller_code"`
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
	Reference   string `json:"reference"`
	CustomerRef string `json:"customer_reference"`
	DueDate     string `json:"due_date"`
}

type billResponse struct {
	BillNumber string `json:"bill_number"`
	Status     string `json:"status"`
	Amount     string `json:"amount"`
	Currency   string `json:"currency"`
	DueDate    string `json:"due_date"`
	PaidAt     string `json:"paid_at"`
}

// Initiate generates a bill for the remaining balance. Generating twice for
// the same invoice returns the open bill instead of a second one, unless the
// balance has changed since, in which case the open bill is withdrawn and
// replaced.
func (a *Adapter) Initiate(ctx context.Context, inv *domain.Invoice, member domain.MemberContext) (*domain.InitiationResult, error) {
	// The flight is shared, so it must not die with the first caller.
	flight := context.WithoutCancel(ctx)
	ch := a.group.DoChan(inv.ID.String(), func() (any, error) {
		return a.openOrGenerate(flight, inv, member)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*domain.InitiationResult), nil
	}
}

func (a *Adapter) openOrGenerate(ctx context.Context, inv *domain.Invoice, member domain.MemberContext) (*domain.InitiationResult, error) {
	open, err := a.txns.FindOpenTransaction(ctx, inv.ID, domain.ProviderBillPay)
	if err != nil {
		return nil, err
	}
	if open != nil {
		if open.Amount.Equal(inv.RemainingBalance()) {
			return a.result(open, true), nil
		}
		if err := a.supersede(ctx, open); err != nil {
			return nil, err
		}
	}
	return a.generate(ctx, inv, member)
}

// supersede withdraws an open bill whose amount no longer matches the balance.
func (a *Adapter) supersede(ctx context.Context, open *domain.PaymentTransaction) error {
	if err := a.cancelAtBiller(ctx, open.ExternalRef); err != nil {
		return err
	}
	_, err := a.txns.UpdateTransaction(ctx, domain.ProviderBillPay, open.ExternalRef, func(txn *domain.PaymentTransaction) error {
		if txn.Status != domain.TxPending {
			return fmt.Errorf("%w: bill %s is %s", domain.ErrInvalidState, txn.ExternalRef, txn.Status)
		}
		txn.MarkCancelled(reasonSuperseded, a.now())
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to withdraw bill %s: %w", open.ExternalRef, err)
	}
	a.logger.Info("Bill superseded",
		zap.String("invoice_id", open.InvoiceID.String()),
		zap.String("bill_number", open.ExternalRef),
		zap.String("amount", open.Amount.String()),
	)
	return nil
}

func (a *Adapter) generate(ctx context.Context, inv *domain.Invoice, member domain.MemberContext) (*domain.InitiationResult, error) {
	amount := inv.RemainingBalance()
	now := a.now()
	due := now.Add(a.cfg.BillValidity)
	if inv.DueDate != nil && inv.DueDate.After(now) && inv.DueDate.Before(due) {
		due = *inv.DueDate
	}

	var resp billResponse
	err := a.client.Do(ctx, http.MethodPost, "/bills", createBillRequest{
		BillerCode:  a.cfg.BillerCode,
		Amount:      amount.StringFixed(),
		Currency:    amount.Currency,
		Reference:   inv.Number,
		CustomerRef: member.ID,
		DueDate:     due.UTC().Format(time.RFC3339),
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("generate bill: %w", err)
	}
	if resp.BillNumber == "" {
		return nil, fmt.Errorf("%w: biller returned no bill number", domain.ErrProviderRejected)
	}

	txn := domain.NewPendingTransaction(inv.ID, domain.ProviderBillPay, resp.BillNumber, amount, map[string]string{
		domain.PayloadBillNumber:  resp.BillNumber,
		domain.PayloadBillerCode:  a.cfg.BillerCode,
		domain.PayloadBillDueDate: due.UTC().Format(time.RFC3339),
	}, now)
	if err := a.txns.CreateTransaction(ctx, txn); err != nil {
		return nil, fmt.Errorf("failed to record bill: %w", err)
	}

	a.logger.Info("Bill generated",
		zap.String("invoice_id", inv.ID.String()),
		zap.String("bill_number", resp.BillNumber),
		zap.Time("due", due),
	)
	return a.result(txn, false), nil
}

func (a *Adapter) result(txn *domain.PaymentTransaction, existing bool) *domain.InitiationResult {
	res := &domain.InitiationResult{
		Success:     true,
		Provider:    domain.ProviderBillPay,
		ProviderRef: txn.ExternalRef,
		Instruction: map[string]string{
			domain.PayloadBillNumber: txn.Payload[domain.PayloadBillNumber],
			domain.PayloadBillerCode: txn.Payload[domain.PayloadBillerCode],
			"amount":                 txn.Amount.StringFixed(),
			"currency":               txn.Amount.Currency,
		},
		AlreadyGenerated: existing,
		Transaction:      txn,
	}
	if due, err := time.Parse(time.RFC3339, txn.Payload[domain.PayloadBillDueDate]); err == nil {
		res.ExpiresAt = &due
	}
	return res
}

// Verify polls the biller for a bill.
func (a *Adapter) Verify(ctx context.Context, providerRef string) (*domain.VerificationResult, error) {
	var resp billResponse
	if err := a.client.Do(ctx, http.MethodGet, "/bills/"+url.PathEscape(providerRef), nil, &resp); err != nil {
		return nil, fmt.Errorf("bill status: %w", err)
	}
	status := mapStatus(resp.Status)
	amount, err := providerhttp.ParseAmount(resp.Amount, a.currencyFor(ctx, providerRef, resp.Currency, resp.Amount))
	if err != nil {
		return nil, err
	}
	res := &domain.VerificationResult{Status: status, Amount: amount}
	if status == domain.TxFailed || status == domain.TxCancelled {
		res.Reason = "bill " + strings.ToLower(resp.Status)
	}
	return res, nil
}

// CancelBill withdraws a bill that has not been paid.
func (a *Adapter) CancelBill(ctx context.Context, billNumber string) (*domain.PaymentEvent, error) {
	txn, err := a.txns.GetTransaction(ctx, domain.ProviderBillPay, billNumber)
	if err != nil {
		return nil, err
	}
	switch txn.Status {
	case domain.TxConfirmed:
		return nil, domain.ErrBillAlreadyPaid
	case domain.TxCancelled, domain.TxFailed:
		return &domain.PaymentEvent{
			Provider:    domain.ProviderBillPay,
			ExternalRef: billNumber,
			Status:      txn.Status,
			Reason:      txn.FailureReason,
		}, nil
	}

	if err := a.cancelAtBiller(ctx, billNumber); err != nil {
		return nil, err
	}

	a.logger.Info("Bill cancelled", zap.String("bill_number", billNumber))
	return &domain.PaymentEvent{
		Provider:    domain.ProviderBillPay,
		ExternalRef: billNumber,
		Status:      domain.TxCancelled,
		Reason:      "bill cancelled",
	}, nil
}

func (a *Adapter) cancelAtBiller(ctx context.Context, billNumber string) error {
	var resp billResponse
	err := a.client.Do(ctx, http.MethodPost, "/bills/"+url.PathEscape(billNumber)+"/cancel", nil, &resp)
	if err != nil {
		var apiErr *providerhttp.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict {
			return domain.ErrBillAlreadyPaid
		}
		return fmt.Errorf("cancel bill: %w", err)
	}
	if mapStatus(resp.Status) == domain.TxConfirmed {
		return domain.ErrBillAlreadyPaid
	}
	return nil
}

type billNotification struct {
	BillNumber    string `json:"bill_number" validate:"required"`
	Status        string `json:"status" validate:"required,oneof=PAID EXPIRED CANCELLED"`
	PaidAmount    string `json:"paid_amount" validate:"required_if=Status PAID"`
	Currency      string `json:"currency" validate:"omitempty,len=3"`
	PaymentDate   string `json:"payment_date"`
	BankReference string `json:"bank_reference"`
}

// HandleCallback accepts notifications from allow-listed biller addresses
// that pass schema validation. The biller does not sign its callbacks, so a
// PAID notification only counts once the biller's API confirms it.
func (a *Adapter) HandleCallback(ctx context.Context, req domain.CallbackRequest) (*domain.PaymentEvent, error) {
	if !a.allowed(req.SourceIP) {
		a.logger.Warn("Bill callback from unknown source", zap.String("source_ip", req.SourceIP))
		return nil, domain.ErrSignatureVerification
	}

	var n billNotification
	if err := json.Unmarshal(req.Body, &n); err != nil {
		return nil, fmt.Errorf("%w: malformed notification: %v", domain.ErrInvalidRequest, err)
	}
	n.Status = strings.ToUpper(n.Status)
	if err := a.validate.Struct(n); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err)
	}

	ev := &domain.PaymentEvent{
		Provider:    domain.ProviderBillPay,
		ExternalRef: n.BillNumber,
		Status:      mapStatus(n.Status),
	}
	if n.BankReference != "" {
		ev.Payload = map[string]string{domain.PayloadProviderPayment: n.BankReference}
	}
	if ev.Status != domain.TxConfirmed {
		ev.Reason = "bill " + strings.ToLower(n.Status)
		return ev, nil
	}

	vr, err := a.Verify(ctx, n.BillNumber)
	if err != nil {
		return nil, err
	}
	if vr.Status != domain.TxConfirmed {
		a.logger.Warn("Biller does not confirm notified payment",
			zap.String("bill_number", n.BillNumber),
			zap.String("biller_status", string(vr.Status)),
			zap.String("source_ip", req.SourceIP),
		)
		return nil, fmt.Errorf("%w: bill %s is %s at the biller", domain.ErrSignatureVerification, n.BillNumber, vr.Status)
	}
	ev.Amount = vr.Amount
	if ev.Amount == nil {
		amount, err := providerhttp.ParseAmount(n.PaidAmount, a.currencyFor(ctx, n.BillNumber, n.Currency, n.PaidAmount))
		if err != nil {
			return nil, err
		}
		ev.Amount = amount
	}
	return ev, nil
}

// currencyFor returns the reported currency, or the bill's own when the
// biller omits it.
func (a *Adapter) currencyFor(ctx context.Context, billNumber, reported, amount string) string {
	if reported != "" || amount == "" {
		return reported
	}
	txn, err := a.txns.GetTransaction(ctx, domain.ProviderBillPay, billNumber)
	if err != nil {
		return ""
	}
	return txn.Amount.Currency
}

func (a *Adapter) allowed(sourceIP string) bool {
	ip := net.ParseIP(sourceIP)
	if ip == nil {
		return false
	}
	for _, entry := range a.cfg.AllowedSources {
		if strings.Contains(entry, "/") {
			if _, cidr, err := net.ParseCIDR(entry); err == nil && cidr.Contains(ip) {
				return true
			}
			continue
		}
		if allowedIP := net.ParseIP(entry); allowedIP != nil && allowedIP.Equal(ip) {
			return true
		}
	}
	return false
}

func mapStatus(s string) domain.TransactionStatus {
	switch strings.ToUpper(s) {
	case "PAID":
		return domain.TxConfirmed
	case "EXPIRED", "CANCELLED":
		return domain.TxCancelled
	default:
		return domain.TxPending
	}
}
