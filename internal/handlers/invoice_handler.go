package handlers

import (
	"fmt"
	"net/http"

	"github.com/fitstack/fitstack-billing/internal/core/domain"
	"github.com/fitstack/fitstack-billing/internal/core/service"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// InvoiceHandler handles invoice lifecycle requests from FitStack Core.
type InvoiceHandler struct {
	billing   *service.BillingService
	dueInDays int
	errors    errorMapper
}

// NewInvoiceHandler creates a new invoice handler.
func NewInvoiceHandler(billing *service.BillingService, dueInDays int, locales []string, logger *zap.Logger) *InvoiceHandler {
	return &InvoiceHandler{
		billing:   billing,
		dueInDays: dueInDays,
		errors:    newErrorMapper(locales, logger),
	}
}

type lineRequest struct {
	Description string `json:"description" binding:"required"`
	Quantity    int64  `json:"quantity" binding:"required,min=1"`
	UnitPrice   string `json:"unit_price" binding:"required"`
}

type createInvoiceRequest struct {
	MemberID       string        `json:"member_id" binding:"required"`
	SubscriptionID string        `json:"subscription_id"`
	Currency       string        `json:"currency" binding:"omitempty,len=3"`
	TaxRate        string        `json:"tax_rate"`
	Lines          []lineRequest `json:"lines" binding:"required,min=1,dive"`
}

func (r createInvoiceRequest) toService() (service.CreateInvoiceRequest, error) {
	out := service.CreateInvoiceRequest{
		MemberID:       r.MemberID,
		SubscriptionID: r.SubscriptionID,
		Currency:       r.Currency,
		TaxRate:        decimal.Zero,
	}
	if r.TaxRate != "" {
		rate, err := decimal.NewFromString(r.TaxRate)
		if err != nil {
			return out, fmt.Errorf("%w: tax_rate %q", domain.ErrInvalidRequest, r.TaxRate)
		}
		out.TaxRate = rate
	}
	for _, l := range r.Lines {
		price, err := decimal.NewFromString(l.UnitPrice)
		if err != nil {
			return out, fmt.Errorf("%w: unit_price %q", domain.ErrInvalidRequest, l.UnitPrice)
		}
		out.Lines = append(out.Lines, domain.LineItem{
			Description: l.Description,
			Quantity:    l.Quantity,
			UnitPrice:   domain.Money{Amount: price, Currency: r.Currency},
		})
	}
	return out, nil
}

// invoiceResponse adds the derived balance to an invoice.
type invoiceResponse struct {
	*domain.Invoice
	RemainingBalance domain.Money `json:"remaining_balance"`
}

func newInvoiceResponse(inv *domain.Invoice) invoiceResponse {
	return invoiceResponse{Invoice: inv, RemainingBalance: inv.RemainingBalance()}
}

func invoiceID(c *gin.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invoice id %q", domain.ErrInvalidRequest, c.Param("id"))
	}
	return id, nil
}

// CreateInvoice handles POST /api/v1/invoices
func (h *InvoiceHandler) CreateInvoice(c *gin.Context) {
	var req createInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.errors.badRequest(c, err)
		return
	}
	svcReq, err := req.toService()
	if err != nil {
		h.errors.handleServiceError(c, err)
		return
	}

	inv, err := h.billing.CreateInvoice(c.Request.Context(), svcReq)
	if err != nil {
		h.errors.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newInvoiceResponse(inv))
}

// GetInvoice handles GET /api/v1/invoices/:id
func (h *InvoiceHandler) GetInvoice(c *gin.Context) {
	id, err := invoiceID(c)
	if err != nil {
		h.errors.handleServiceError(c, err)
		return
	}
	inv, err := h.billing.GetInvoice(c.Request.Context(), id)
	if err != nil {
		h.errors.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, newInvoiceResponse(inv))
}

type issueInvoiceRequest struct {
	DueInDays *int `json:"due_in_days" binding:"omitempty,min=0,max=365"`
}

// IssueInvoice handles POST /api/v1/invoices/:id/issue
func (h *InvoiceHandler) IssueInvoice(c *gin.Context) {
	id, err := invoiceID(c)
	if err != nil {
		h.errors.handleServiceError(c, err)
		return
	}
	var req issueInvoiceRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			h.errors.badRequest(c, err)
			return
		}
	}
	dueInDays := h.dueInDays
	if req.DueInDays != nil {
		dueInDays = *req.DueInDays
	}

	inv, err := h.billing.IssueInvoice(c.Request.Context(), id, dueInDays)
	if err != nil {
		h.errors.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, newInvoiceResponse(inv))
}

type cancelInvoiceRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// CancelInvoice handles POST /api/v1/invoices/:id/cancel
func (h *InvoiceHandler) CancelInvoice(c *gin.Context) {
	id, err := invoiceID(c)
	if err != nil {
		h.errors.handleServiceError(c, err)
		return
	}
	var req cancelInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.errors.badRequest(c, err)
		return
	}

	inv, err := h.billing.CancelInvoice(c.Request.Context(), id, req.Reason)
	if err != nil {
		h.errors.handleServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, newInvoiceResponse(inv))
}

// ListPayments handles GET /api/v1/invoices/:id/payments
func (h *InvoiceHandler) ListPayments(c *gin.Context) {
	id, err := invoiceID(c)
	if err != nil {
		h.errors.handleServiceError(c, err)
		return
	}
	txns, err := h.billing.ListPayments(c.Request.Context(), id)
	if err != nil {
		h.errors.handleServiceError(c, err)
		return
	}
	if txns == nil {
		txns = []*domain.PaymentTransaction{}
	}
	c.JSON(http.StatusOK, gin.H{
		"invoice_id": id.String(),
		"payments":   txns,
	})
}
