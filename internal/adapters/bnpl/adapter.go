// Package bnpl is the buy-now-pay-later rail. The member completes a hosted
// checkout, the order is authorized, and capture moves the money.
package bnpl

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/fitstack/fitstack-billing/internal/adapters/providerhttp"
	"github.com/fitstack/fitstack-billing/internal/core/domain"
	"github.com/fitstack/fitstack-billing/internal/core/ports"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	// SignatureHeader carries the HMAC of a BNPL callback body.
	SignatureHeader = "X-Signature"

	DefaultInstallments = 3
	MinInstallments     = 2
	MaxInstallments     = 6
)

// Config holds the BNPL rail settings.
type Config struct {
	BaseURL       string
	APIKey        string
	WebhookSecret string
	PublicBaseURL string
	Timeout       time.Duration
}

// Adapter implements ports.InstallmentGateway.
type Adapter struct {
	cfg    Config
	client *providerhttp.Client
	txns   ports.TransactionStore
	group  singleflight.Group
	logger *zap.Logger
	now    func() time.Time
}

// NewAdapter creates a BNPL adapter.
func NewAdapter(cfg Config, txns ports.TransactionStore, logger *zap.Logger) *Adapter {
	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")
	return &Adapter{
		cfg: cfg,
		client: providerhttp.NewClient(cfg.BaseURL, cfg.Timeout, map[string]string{
			"Authorization": "Bearer " + cfg.APIKey,
		}),
		txns:   txns,
		logger: logger.With(zap.String("provider", string(domain.ProviderBNPL))),
		now:    time.Now,
	}
}

// Provider returns the BNPL rail tag.
func (a *Adapter) Provider() domain.Provider { return domain.ProviderBNPL }

type checkoutRequest struct {
	Reference    string   `json:"reference"`
	Amount       string   `json:"amount"`
	Currency     string   `json:"currency"`
	Installments int      `json:"installments"`
	Customer     customer `json:"customer"`
	ReturnURL    string   `json:"return_url"`
	WebhookURL   string   `json:"webhook_url"`
}

type customer struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Email  string `json:"email,omitempty"`
	Mobile string `json:"mobile,omitempty"`
}

type checkoutResponse struct {
	CheckoutID  string `json:"checkout_id"`
	OrderID     string `json:"order_id"`
	CheckoutURL string `json:"checkout_url"`
}

type orderResponse struct {
	OrderID         string `json:"order_id"`
	Status          string `json:"status"`
	AuthorizationID string `json:"authorization_id"`
	CaptureID       string `json:"capture_id"`
	Amount          string `json:"amount"`
	Currency        string `json:"currency"`
	Reason          string `json:"reason"`
}

// Initiate creates a hosted checkout. The order id is the provider reference.
func (a *Adapter) Initiate(ctx context.Context, inv *domain.Invoice, member domain.MemberContext) (*domain.InitiationResult, error) {
	installments := member.Installments
	if installments == 0 {
		installments = DefaultInstallments
	}
	if installments < MinInstallments || installments > MaxInstallments {
		return nil, fmt.Errorf("%w: installments must be between %d and %d",
			domain.ErrInvalidRequest, MinInstallments, MaxInstallments)
	}

	amount := inv.RemainingBalance()
	var resp checkoutResponse
	err := a.client.Do(ctx, http.MethodPost, "/checkout", checkoutRequest{
		Reference:    inv.Number,
		Amount:       amount.StringFixed(),
		Currency:     amount.Currency,
		Installments: installments,
		Customer: customer{
			ID:     member.ID,
			Name:   member.Name,
			Email:  member.Email,
			Mobile: member.Member.Mobile,
		},
		ReturnURL:  a.cfg.PublicBaseURL + "/payments/bnpl/return",
		WebhookURL: a.cfg.PublicBaseURL + "/payments/callback/bnpl",
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("create checkout: %w", err)
	}
	if resp.OrderID == "" || resp.CheckoutURL == "" {
		return nil, fmt.Errorf("%w: checkout returned no order", domain.ErrProviderRejected)
	}

	txn := domain.NewPendingTransaction(inv.ID, domain.ProviderBNPL, resp.OrderID, amount, map[string]string{
		domain.PayloadCheckoutID:   resp.CheckoutID,
		domain.PayloadCheckoutURL:  resp.CheckoutURL,
		domain.PayloadInstallments: strconv.Itoa(installments),
	}, a.now())
	if err := a.txns.CreateTransaction(ctx, txn); err != nil {
		return nil, fmt.Errorf("failed to record BNPL order: %w", err)
	}

	a.logger.Info("BNPL checkout created",
		zap.String("invoice_id", inv.ID.String()),
		zap.String("order_id", resp.OrderID),
		zap.Int("installments", installments),
	)
	return &domain.InitiationResult{
		Success:     true,
		Provider:    domain.ProviderBNPL,
		ProviderRef: resp.OrderID,
		RedirectURL: resp.CheckoutURL,
		Instruction: map[string]string{domain.PayloadInstallments: strconv.Itoa(installments)},
		Transaction: txn,
	}, nil
}

// AuthorizeOrder authorizes a completed checkout. Repeated and concurrent
// calls return the one recorded authorization.
func (a *Adapter) AuthorizeOrder(ctx context.Context, orderID string) (*domain.Authorization, error) {
	txn, err := a.txns.GetTransaction(ctx, domain.ProviderBNPL, orderID)
	if err != nil {
		return nil, err
	}
	if id := txn.Payload[domain.PayloadAuthorizationID]; id != "" {
		return &domain.Authorization{OrderID: orderID, AuthorizationID: id, Status: "authorized", AlreadyAuthorized: true}, nil
	}
	if txn.IsTerminal() {
		return nil, fmt.Errorf("%w: order %s is %s", domain.ErrInvalidRequest, orderID, txn.Status)
	}

	ran := false
	v, err, _ := a.group.Do("authorize:"+orderID, func() (any, error) {
		ran = true
		return a.authorize(ctx, orderID)
	})
	if err != nil {
		return nil, err
	}
	auth := *v.(*domain.Authorization)
	if !ran {
		auth.AlreadyAuthorized = true
	}
	return &auth, nil
}

func (a *Adapter) authorize(ctx context.Context, orderID string) (*domain.Authorization, error) {
	already := false
	var order orderResponse
	err := a.client.Do(ctx, http.MethodPost, "/orders/"+url.PathEscape(orderID)+"/authorize", nil, &order)
	if providerhttp.StatusCode(err) == http.StatusConflict {
		order, err = a.getOrder(ctx, orderID)
		already = true
	}
	if err != nil {
		return nil, fmt.Errorf("authorize order: %w", err)
	}
	if order.AuthorizationID == "" {
		return nil, fmt.Errorf("%w: order %s is %s", domain.ErrOrderNotAuthorized, orderID, order.Status)
	}

	stored, err := a.txns.UpdateTransaction(ctx, domain.ProviderBNPL, orderID, func(t *domain.PaymentTransaction) error {
		if existing := t.Payload[domain.PayloadAuthorizationID]; existing != "" {
			already = true
			return nil
		}
		t.Payload[domain.PayloadAuthorizationID] = order.AuthorizationID
		t.UpdatedAt = a.now()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record authorization: %w", err)
	}

	a.logger.Info("BNPL order authorized",
		zap.String("order_id", orderID),
		zap.Bool("already_authorized", already),
	)
	return &domain.Authorization{
		OrderID:           orderID,
		AuthorizationID:   stored.Payload[domain.PayloadAuthorizationID],
		Status:            "authorized",
		AlreadyAuthorized: already,
	}, nil
}

type captureRequest struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

// CaptureOrder captures an authorized order. It is the only step that moves
// money; the returned event is applied through settlement.
func (a *Adapter) CaptureOrder(ctx context.Context, orderID string) (*domain.PaymentEvent, error) {
	txn, err := a.txns.GetTransaction(ctx, domain.ProviderBNPL, orderID)
	if err != nil {
		return nil, err
	}
	if txn.Status == domain.TxConfirmed {
		return &domain.PaymentEvent{
			Provider:    domain.ProviderBNPL,
			ExternalRef: orderID,
			Status:      domain.TxConfirmed,
			Amount:      &txn.Amount,
		}, nil
	}
	if txn.Payload[domain.PayloadAuthorizationID] == "" {
		return nil, domain.ErrOrderNotAuthorized
	}

	v, err, _ := a.group.Do("capture:"+orderID, func() (any, error) {
		if txn.Payload[domain.PayloadCaptureID] != "" {
			order, err := a.getOrder(ctx, orderID)
			if err != nil {
				return nil, fmt.Errorf("read order: %w", err)
			}
			return eventFrom(orderID, order)
		}

		var order orderResponse
		err := a.client.Do(ctx, http.MethodPost, "/orders/"+url.PathEscape(orderID)+"/captures", captureRequest{
			Amount:   txn.Amount.StringFixed(),
			Currency: txn.Amount.Currency,
		}, &order)
		if providerhttp.StatusCode(err) == http.StatusConflict {
			order, err = a.getOrder(ctx, orderID)
		}
		if err != nil {
			return nil, fmt.Errorf("capture order: %w", err)
		}
		a.logger.Info("BNPL order captured",
			zap.String("order_id", orderID),
			zap.String("capture_id", order.CaptureID),
			zap.String("status", order.Status),
		)
		return eventFrom(orderID, order)
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.PaymentEvent), nil
}

func (a *Adapter) getOrder(ctx context.Context, orderID string) (orderResponse, error) {
	var order orderResponse
	err := a.client.Do(ctx, http.MethodGet, "/orders/"+url.PathEscape(orderID), nil, &order)
	return order, err
}

// Verify polls the order.
func (a *Adapter) Verify(ctx context.Context, providerRef string) (*domain.VerificationResult, error) {
	order, err := a.getOrder(ctx, providerRef)
	if err != nil {
		return nil, fmt.Errorf("order status: %w", err)
	}
	ev, err := eventFrom(providerRef, order)
	if err != nil {
		return nil, err
	}
	return &domain.VerificationResult{Status: ev.Status, Amount: ev.Amount, Reason: ev.Reason}, nil
}

// HandleCallback authenticates an X-Signature notification.
func (a *Adapter) HandleCallback(_ context.Context, req domain.CallbackRequest) (*domain.PaymentEvent, error) {
	if !providerhttp.VerifyBody(req.Body, req.Header(SignatureHeader), a.cfg.WebhookSecret) {
		return nil, domain.ErrSignatureVerification
	}
	var n orderResponse
	if err := json.Unmarshal(req.Body, &n); err != nil {
		return nil, fmt.Errorf("%w: malformed notification: %v", domain.ErrInvalidRequest, err)
	}
	if n.OrderID == "" {
		return nil, fmt.Errorf("%w: order_id is required", domain.ErrInvalidRequest)
	}
	return eventFrom(n.OrderID, n)
}

// eventFrom maps an order to a settlement event. An authorized order only
// records its authorization; money has not moved yet.
func eventFrom(orderID string, order orderResponse) (*domain.PaymentEvent, error) {
	ev := &domain.PaymentEvent{
		Provider:    domain.ProviderBNPL,
		ExternalRef: orderID,
		Payload:     map[string]string{},
	}
	if order.AuthorizationID != "" {
		ev.Payload[domain.PayloadAuthorizationID] = order.AuthorizationID
	}
	if order.CaptureID != "" {
		ev.Payload[domain.PayloadCaptureID] = order.CaptureID
	}

	switch strings.ToLower(order.Status) {
	case "captured":
		amount, err := providerhttp.ParseAmount(order.Amount, order.Currency)
		if err != nil {
			return nil, err
		}
		ev.Status = domain.TxConfirmed
		ev.Amount = amount
	case "declined", "expired", "cancelled":
		ev.Status = domain.TxFailed
		ev.Reason = order.Reason
		if ev.Reason == "" {
			ev.Reason = "order " + strings.ToLower(order.Status)
		}
	default:
		ev.Status = domain.TxPending
	}
	return ev, nil
}
