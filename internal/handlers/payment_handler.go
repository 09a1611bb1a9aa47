// Package handlers contains the HTTP handlers for the billing service.
package handlers

import (
	"fmt"
	"io"
	"net/http"

	"github.com/fitstack/fitstack-billing/internal/core/domain"
	"github.com/fitstack/fitstack-billing/internal/core/service"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// maxCallbackBody bounds what a provider may post to the callback endpoint.
const maxCallbackBody = 1 << 20

// PaymentHandler handles HTTP requests for payments.
type PaymentHandler struct {
	service *service.PaymentService
	errors  errorMapper
	logger  *zap.Logger
}

// NewPaymentHandler creates a new payment handler.
func NewPaymentHandler(svc *service.PaymentService, locales []string, logger *zap.Logger) *PaymentHandler {
	return &PaymentHandler{
		service: svc,
		errors:  newErrorMapper(locales, logger),
		logger:  logger,
	}
}

type initiateRequest struct {
	SavedMethodID string `json:"saved_method_id"`
	Installments  int    `json:"installments" binding:"omitempty,min=0"`
	Mobile        string `json:"mobile" binding:"omitempty,min=8,max=16"`
}

// InitiatePayment handles POST /api/v1/invoices/:id/initiate-payment?provider=X
func (h *PaymentHandler) InitiatePayment(c *gin.Context) {
	id, err := invoiceID(c)
	if err != nil {
		h.errors.handleServiceError(c, err)
		return
	}
	provider, err := domain.ParseProvider(c.Query("provider"))
	if err != nil {
		h.errors.handleServiceError(c, err)
		return
	}
	var req initiateRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			h.errors.badRequest(c, err)
			return
		}
	}

	res, err := h.service.InitiatePayment(c.Request.Context(), id, provider, memberID(c), service.InitiateOptions{
		SavedMethodID: req.SavedMethodID,
		Installments:  req.Installments,
		Mobile:        req.Mobile,
	})
	if err != nil {
		h.errors.handleServiceError(c, err)
		return
	}
	status := http.StatusCreated
	if res.AlreadyGenerated {
		status = http.StatusOK
	}
	c.JSON(status, res)
}

type confirmOTPRequest struct {
	InvoiceID string `json:"invoice_id" binding:"required,uuid"`
	OTP       string `json:"otp" binding:"required,numeric,min=4,max=8"`
}

// ConfirmOTP handles POST /api/v1/payments/wallet/confirm
func (h *PaymentHandler) ConfirmOTP(c *gin.Context) {
	var req confirmOTPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.errors.badRequest(c, err)
		return
	}
	id, err := uuid.Parse(req.InvoiceID)
	if err != nil {
		h.errors.badRequest(c, err)
		return
	}

	res, err := h.service.ConfirmOTP(c.Request.Context(), id, req.OTP, memberID(c))
	if err != nil {
		h.errors.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// GenerateBill handles POST /api/v1/payments/billpay/:ref/generate, where ref
// is the invoice id.
func (h *PaymentHandler) GenerateBill(c *gin.Context) {
	id, err := uuid.Parse(c.Param("ref"))
	if err != nil {
		h.errors.handleServiceError(c, fmt.Errorf("%w: invoice id %q", domain.ErrInvalidRequest, c.Param("ref")))
		return
	}

	res, err := h.service.GenerateBill(c.Request.Context(), id, memberID(c))
	if err != nil {
		h.errors.handleServiceError(c, err)
		return
	}
	status := http.StatusCreated
	if res.AlreadyGenerated {
		status = http.StatusOK
	}
	c.JSON(status, res)
}

// CancelBill handles POST /api/v1/payments/billpay/:ref/cancel
func (h *PaymentHandler) CancelBill(c *gin.Context) {
	res, err := h.service.CancelBill(c.Request.Context(), c.Param("ref"), memberID(c))
	if err != nil {
		h.errors.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// AuthorizeOrder handles POST /api/v1/payments/bnpl/:ref/authorize
func (h *PaymentHandler) AuthorizeOrder(c *gin.Context) {
	auth, err := h.service.AuthorizeOrder(c.Request.Context(), c.Param("ref"), memberID(c))
	if err != nil {
		h.errors.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, auth)
}

// CaptureOrder handles POST /api/v1/payments/bnpl/:ref/capture
func (h *PaymentHandler) CaptureOrder(c *gin.Context) {
	res, err := h.service.CaptureOrder(c.Request.Context(), c.Param("ref"), memberID(c))
	if err != nil {
		h.errors.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Verify handles GET /api/v1/payments/verify/:ref?provider=X (provider optional)
func (h *PaymentHandler) Verify(c *gin.Context) {
	var provider domain.Provider
	if q := c.Query("provider"); q != "" {
		p, err := domain.ParseProvider(q)
		if err != nil {
			h.errors.handleServiceError(c, err)
			return
		}
		provider = p
	}
	status, err := h.service.Verify(c.Request.Context(), provider, c.Param("ref"), memberID(c))
	if err != nil {
		h.errors.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// HandleCallback handles POST /payments/callback/:provider
// Providers always get a 200 so they stop retrying; the body says what
// happened.
func (h *PaymentHandler) HandleCallback(c *gin.Context) {
	provider := c.Param("provider")

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxCallbackBody))
	if err != nil {
		h.logger.Warn("Callback body unreadable", zap.String("provider", provider), zap.Error(err))
		c.JSON(http.StatusOK, domain.CallbackResult{Success: false, Status: domain.CallbackIgnored})
		return
	}

	req := domain.CallbackRequest{
		Body:     body,
		Headers:  make(map[string]string, len(c.Request.Header)),
		Query:    make(map[string]string),
		SourceIP: c.ClientIP(),
	}
	for name := range c.Request.Header {
		req.Headers[name] = c.Request.Header.Get(name)
	}
	for name, values := range c.Request.URL.Query() {
		if len(values) > 0 {
			req.Query[name] = values[0]
		}
	}

	res := h.service.HandleCallback(c.Request.Context(), provider, req)
	c.JSON(http.StatusOK, res)
}

// CardReturn handles GET /payments/card/return?ref=
// Members land here after the hosted checkout.
func (h *PaymentHandler) CardReturn(c *gin.Context) {
	ref := c.Query("ref")
	if ref == "" {
		h.errors.handleServiceError(c, fmt.Errorf("%w: ref is required", domain.ErrInvalidRequest))
		return
	}
	status, err := h.service.PaymentStatus(c.Request.Context(), ref)
	if err != nil {
		h.errors.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// Health handles GET /health
func (h *PaymentHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "fitstack-billing",
		"version": "1.0.0",
	})
}
