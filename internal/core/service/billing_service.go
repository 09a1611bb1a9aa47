package service

import (
	"context"
	"errors"
	"time"

	"github.com/fitstack/fitstack-billing/internal/core/domain"
	"github.com/fitstack/fitstack-billing/internal/core/ports"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)


// CreateInvoiceRequest describes a draft invoice.
type CreateInvoiceRequest struct {
	MemberID       string
	SubscriptionID string
	// Currency defaults to the member's default currency.
	Currency string
	TaxRate  decimal.Decimal
	Lines    []domain.LineItem
}

// BillingService manages the invoice lifecycle outside of payments.
type BillingService struct {
	store    ports.Store
	members  ports.MemberDirectory
	notifier *Dispatcher
	logger   *zap.Logger
	now      func() time.Time
}

// NewBillingService creates a new billing service.
func NewBillingService(store ports.Store, members ports.MemberDirectory, notifier *Dispatcher, logger *zap.Logger) *BillingService {
	return &BillingService{
		store:    store,
		members:  members,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

// CreateInvoice stores a DRAFT invoice.
func (s *BillingService) CreateInvoice(ctx context.Context, req CreateInvoiceRequest) (*domain.Invoice, error) {
	currency := req.Currency
	if currency == "" {
		member, err := s.members.GetMember(ctx, req.MemberID)
		if err != nil {
			return nil, err
		}
		currency = member.DefaultCurrency
	}
	lines := make([]domain.LineItem, len(req.Lines))
	for i, l := range req.Lines {
		l.UnitPrice = domain.NewMoney(l.UnitPrice.Amount, currency)
		lines[i] = l
	}

	inv, err := domain.NewInvoice(req.MemberID, req.SubscriptionID, currency, req.TaxRate, lines, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateInvoice(ctx, inv); err != nil {
		return nil, err
	}
	s.logger.Info("Invoice created",
		zap.String("invoice_id", inv.ID.String()),
		zap.String("number", inv.Number),
		zap.String("member_id", inv.MemberID),
		zap.String("total", inv.TotalAmount.String()),
	)
	return inv, nil
}

// GetInvoice loads an invoice.
func (s *BillingService) GetInvoice(ctx context.Context, id uuid.UUID) (*domain.Invoice, error) {
	return s.store.GetInvoice(ctx, id)
}

// IssueInvoice moves a draft to ISSUED and notifies the member. A zero
// dueInDays makes the invoice due on issue.
func (s *BillingService) IssueInvoice(ctx context.Context, id uuid.UUID, dueInDays int) (*domain.Invoice, error) {
	now := s.now()
	inv, err := s.store.UpdateInvoice(ctx, id, func(inv *domain.Invoice) error {
		return inv.Issue(now, dueInDays)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("Invoice issued", zap.String("invoice_id", inv.ID.String()), zap.Timep("due_date", inv.DueDate))
	s.notifier.Fire(inv.ID, domain.EventInvoiceIssued)
	return inv, nil
}

// CancelInvoice voids an invoice nothing has been paid against.
func (s *BillingService) CancelInvoice(ctx context.Context, id uuid.UUID, reason string) (*domain.Invoice, error) {
	now := s.now()
	inv, err := s.store.UpdateInvoice(ctx, id, func(inv *domain.Invoice) error {
		return inv.Cancel(reason, now)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("Invoice cancelled", zap.String("invoice_id", inv.ID.String()), zap.String("reason", reason))
	return inv, nil
}

// MarkOverdue flags one invoice past its due date. It reports whether the
// invoice changed.
func (s *BillingService) MarkOverdue(ctx context.Context, id uuid.UUID) (bool, error) {
	now := s.now()
	inv, err := s.store.UpdateInvoice(ctx, id, func(inv *domain.Invoice) error {
		if !inv.MarkOverdue(now) {
			return errNoChange
		}
		return nil
	})
	if errors.Is(err, errNoChange) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	s.logger.Info("Invoice overdue", zap.String("invoice_id", inv.ID.String()))
	s.notifier.Fire(inv.ID, domain.EventInvoiceOverdue)
	return true, nil
}

// SweepOverdue marks up to limit past-due ISSUED invoices OVERDUE.
func (s *BillingService) SweepOverdue(ctx context.Context, limit int) (int, error) {
	due, err := s.store.ListDueInvoices(ctx, domain.InvoiceIssued, s.now(), limit)
	if err != nil {
		return 0, err
	}
	marked := 0
	for _, inv := range due {
		changed, err := s.MarkOverdue(ctx, inv.ID)
		if err != nil {
			s.logger.Warn("Failed to mark invoice overdue", zap.String("invoice_id", inv.ID.String()), zap.Error(err))
			continue
		}
		if changed {
			marked++
		}
	}
	return marked, nil
}

// ListPayments returns every payment attempt for an invoice.
func (s *BillingService) ListPayments(ctx context.Context, id uuid.UUID) ([]*domain.PaymentTransaction, error) {
	if _, err := s.store.GetInvoice(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListInvoiceTransactions(ctx, id)
}
