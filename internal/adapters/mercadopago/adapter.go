// Package mercadopago is the card rail: hosted Checkout Pro preferences and
// signed payment webhooks, using the official SDK.
package mercadopago

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fitstack/fitstack-billing/internal/core/domain"
	"github.com/fitstack/fitstack-billing/internal/core/ports"
	"github.com/google/uuid"
	"github.com/mercadopago/sdk-go/pkg/config"
	"github.com/mercadopago/sdk-go/pkg/mperror"
	"github.com/mercadopago/sdk-go/pkg/payment"
	"github.com/mercadopago/sdk-go/pkg/preference"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Config holds the card rail settings.
type Config struct {
	AccessToken   string
	WebhookSecret string
	// PublicBaseURL is where Mercado Pago reaches this service for
	// notifications and member redirects.
	PublicBaseURL string
}

// checkoutAPI is the slice of the SDK the adapter uses.
type checkoutAPI interface {
	CreatePreference(ctx context.Context, req preference.Request) (*preference.Response, error)
	GetPayment(ctx context.Context, id int) (*payment.Response, error)
	SearchPayments(ctx context.Context, externalRef string) ([]payment.Response, error)
}

type sdkCheckout struct {
	preferences preference.Client
	payments    payment.Client
}

func (s *sdkCheckout) CreatePreference(ctx context.Context, req preference.Request) (*preference.Response, error) {
	return s.preferences.Create(ctx, req)
}

func (s *sdkCheckout) GetPayment(ctx context.Context, id int) (*payment.Response, error) {
	return s.payments.Get(ctx, id)
}

func (s *sdkCheckout) SearchPayments(ctx context.Context, externalRef string) ([]payment.Response, error) {
	res, err := s.payments.Search(ctx, payment.SearchRequest{
		Filters: map[string]string{"external_reference": externalRef},
	})
	if err != nil {
		return nil, err
	}
	return res.Results, nil
}

// Adapter implements ports.Gateway for card payments.
type Adapter struct {
	cfg       Config
	api       checkoutAPI
	validator *WebhookValidator
	txns      ports.TransactionStore
	logger    *zap.Logger
	now       func() time.Time
}

// NewAdapter creates a card adapter backed by Mercado Pago.
func NewAdapter(cfg Config, txns ports.TransactionStore, logger *zap.Logger) (*Adapter, error) {
	mpCfg, err := config.New(cfg.AccessToken)
	if err != nil {
		return nil, domain.NewServiceError(err, "failed to create MP config", "MP_CONFIG_ERROR")
	}
	api := &sdkCheckout{
		preferences: preference.NewClient(mpCfg),
		payments:    payment.NewClient(mpCfg),
	}
	return newAdapter(cfg, api, txns, logger), nil
}

func newAdapter(cfg Config, api checkoutAPI, txns ports.TransactionStore, logger *zap.Logger) *Adapter {
	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")
	return &Adapter{
		cfg:       cfg,
		api:       api,
		validator: NewWebhookValidator(cfg.WebhookSecret),
		txns:      txns,
		logger:    logger.With(zap.String("provider", string(domain.ProviderCard))),
		now:       time.Now,
	}
}

// Provider returns the card rail tag.
func (a *Adapter) Provider() domain.Provider { return domain.ProviderCard }

// Initiate creates a Checkout Pro preference for the remaining balance. Our
// own reference is sent as external_reference so webhooks and searches map
// back to the transaction.
func (a *Adapter) Initiate(ctx context.Context, inv *domain.Invoice, member domain.MemberContext) (*domain.InitiationResult, error) {
	amount := inv.RemainingBalance()
	ref := uuid.New().String()
	unitPrice, _ := amount.Amount.Float64()

	returnURL := fmt.Sprintf("%s/payments/card/return?ref=%s", a.cfg.PublicBaseURL, ref)
	req := preference.Request{
		Items: []preference.ItemRequest{
			{
				Title:       "Invoice " + inv.Number,
				Description: fmt.Sprintf("FitStack membership invoice %s", inv.Number),
				Quantity:    1,
				UnitPrice:   unitPrice,
				CurrencyID:  amount.Currency,
			},
		},
		Payer: &preference.PayerRequest{
			Email: member.Email,
		},
		ExternalReference: ref,
		AutoReturn:        "approved",
		BackURLs: &preference.BackURLsRequest{
			Success: returnURL,
			Failure: returnURL,
			Pending: returnURL,
		},
		NotificationURL: a.cfg.PublicBaseURL + "/payments/callback/card",
	}

	result, err := a.api.CreatePreference(ctx, req)
	if err != nil {
		return nil, sdkError(err, "failed to create preference", "MP_PREFERENCE_ERROR")
	}

	txn := domain.NewPendingTransaction(inv.ID, domain.ProviderCard, ref, amount, map[string]string{
		domain.PayloadCheckoutID:  result.ID,
		domain.PayloadRedirectURL: result.InitPoint,
	}, a.now())
	if err := a.txns.CreateTransaction(ctx, txn); err != nil {
		a.logger.Error("Card checkout created but not recorded",
			zap.String("invoice_id", inv.ID.String()),
			zap.String("external_ref", ref),
			zap.String("preference_id", result.ID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("failed to record card attempt: %w", err)
	}

	a.logger.Info("Card checkout created",
		zap.String("invoice_id", inv.ID.String()),
		zap.String("external_ref", ref),
		zap.String("preference_id", result.ID),
	)
	return &domain.InitiationResult{
		Success:     true,
		Provider:    domain.ProviderCard,
		ProviderRef: ref,
		RedirectURL: result.InitPoint,
		Transaction: txn,
	}, nil
}

// Verify searches payments by our external reference. An approved payment
// wins over other attempts made against the same preference.
func (a *Adapter) Verify(ctx context.Context, providerRef string) (*domain.VerificationResult, error) {
	results, err := a.api.SearchPayments(ctx, providerRef)
	if err != nil {
		return nil, sdkError(err, "failed to search payments", "MP_PAYMENT_ERROR")
	}
	if len(results) == 0 {
		return &domain.VerificationResult{Status: domain.TxPending, Reason: "no payment yet"}, nil
	}

	best := results[len(results)-1]
	for _, r := range results {
		if r.Status == "approved" {
			best = r
			break
		}
	}
	status, reason := mapStatus(best.Status, best.StatusDetail)
	return &domain.VerificationResult{
		Status: status,
		Amount: paymentAmount(best),
		Reason: reason,
	}, nil
}

type webhookData struct {
	ID string `json:"id"`
}

type webhookNotification struct {
	Type   string      `json:"type"`
	Action string      `json:"action"`
	Data   webhookData `json:"data"`
}

// HandleCallback validates the webhook signature and normalizes a payment
// notification. Non-payment topics are irrelevant.
func (a *Adapter) HandleCallback(ctx context.Context, req domain.CallbackRequest) (*domain.PaymentEvent, error) {
	var n webhookNotification
	if len(req.Body) > 0 {
		if err := json.Unmarshal(req.Body, &n); err != nil {
			return nil, fmt.Errorf("%w: malformed notification: %v", domain.ErrInvalidRequest, err)
		}
	}
	dataID := req.Query["data.id"]
	if dataID == "" {
		dataID = n.Data.ID
	}
	topic := n.Type
	if topic == "" {
		topic = req.Query["type"]
	}

	if !a.validator.ValidateSignature(req.Header("x-signature"), req.Header("x-request-id"), dataID) {
		return nil, domain.ErrSignatureVerification
	}
	if topic != "payment" || dataID == "" {
		a.logger.Debug("Ignoring notification", zap.String("type", topic))
		return nil, nil
	}

	paymentID, err := strconv.Atoi(dataID)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid payment ID %q", domain.ErrInvalidRequest, dataID)
	}
	info, err := a.api.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, sdkError(err, "failed to get payment info", "MP_PAYMENT_ERROR")
	}
	if info.ExternalReference == "" {
		return nil, fmt.Errorf("%w: payment %d has no external reference", domain.ErrUnknownTransaction, paymentID)
	}

	status, reason := mapStatus(info.Status, info.StatusDetail)
	return &domain.PaymentEvent{
		Provider:    domain.ProviderCard,
		ExternalRef: info.ExternalReference,
		Status:      status,
		Amount:      paymentAmount(*info),
		Reason:      reason,
		Payload: map[string]string{
			domain.PayloadProviderPayment: strconv.Itoa(info.ID),
		},
	}, nil
}

// sdkError classifies an SDK failure. A 4xx other than a timeout or rate
// limit means Mercado Pago refused the request and retrying will not help.
func sdkError(err error, message, code string) error {
	kind := domain.ErrProviderUnavailable
	var re *mperror.ResponseError
	if errors.As(err, &re) && re.StatusCode >= 400 && re.StatusCode < 500 &&
		re.StatusCode != http.StatusRequestTimeout && re.StatusCode != http.StatusTooManyRequests {
		kind = domain.ErrProviderRejected
	}
	return domain.NewServiceError(fmt.Errorf("%w: %v", kind, err), message, code)
}

func mapStatus(status, detail string) (domain.TransactionStatus, string) {
	switch status {
	case "approved":
		return domain.TxConfirmed, ""
	case "rejected", "refunded", "charged_back":
		return domain.TxFailed, reasonOf(status, detail)
	case "cancelled":
		return domain.TxCancelled, reasonOf(status, detail)
	default:
		return domain.TxPending, ""
	}
}

func reasonOf(status, detail string) string {
	if detail != "" {
		return detail
	}
	return status
}

func paymentAmount(p payment.Response) *domain.Money {
	if p.CurrencyID == "" {
		return nil
	}
	m := domain.NewMoney(decimal.NewFromFloat(p.TransactionAmount), p.CurrencyID)
	return &m
}
