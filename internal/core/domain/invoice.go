package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// InvoiceStatus is the lifecycle state of an invoice.
type InvoiceStatus string

const (
	InvoiceDraft         InvoiceStatus = "DRAFT"
	InvoiceIssued        InvoiceStatus = "ISSUED"
	InvoicePartiallyPaid InvoiceStatus = "PARTIALLY_PAID"
	InvoicePaid          InvoiceStatus = "PAID"
	InvoiceOverdue       InvoiceStatus = "OVERDUE"
	InvoiceCancelled     InvoiceStatus = "CANCELLED"
)

// IsTerminal reports whether no further transition is possible.
func (s InvoiceStatus) IsTerminal() bool {
	return s == InvoicePaid || s == InvoiceCancelled
}

// Invoice is a billable record for a member. Its PaidAmount and Status change
// only through Issue, RecordPayment, Cancel and MarkOverdue.
type Invoice struct {
	ID             uuid.UUID       `json:"id"`
	Number         string          `json:"number"`
	MemberID       string          `json:"member_id"`
	SubscriptionID string          `json:"subscription_id,omitempty"`
	Currency       string          `json:"currency"`
	Lines          []LineItem      `json:"lines"`
	TaxRate        decimal.Decimal `json:"tax_rate"`
	Subtotal       Money           `json:"subtotal"`
	VATAmount      Money           `json:"vat_amount"`
	TotalAmount    Money           `json:"total_amount"`
	PaidAmount     Money           `json:"paid_amount"`
	Status         InvoiceStatus   `json:"status"`
	IssueDate      *time.Time      `json:"issue_date,omitempty"`
	DueDate        *time.Time      `json:"due_date,omitempty"`
	PaidDate       *time.Time      `json:"paid_date,omitempty"`
	CancelledAt    *time.Time      `json:"cancelled_at,omitempty"`
	CancelReason   string          `json:"cancel_reason,omitempty"`
	LastPaymentRef string          `json:"last_payment_ref,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	Version        int64           `json:"-"`
}

// NewInvoice builds a DRAFT invoice and computes its totals.
func NewInvoice(memberID, subscriptionID, currency string, taxRate decimal.Decimal, lines []LineItem, now time.Time) (*Invoice, error) {
	if memberID == "" {
		return nil, fmt.Errorf("%w: member_id is required", ErrInvalidRequest)
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: at least one line item is required", ErrInvalidRequest)
	}
	if taxRate.IsNegative() {
		return nil, fmt.Errorf("%w: tax rate cannot be negative", ErrInvalidRequest)
	}

	subtotal := Zero(currency)
	for i, line := range lines {
		if line.Quantity <= 0 {
			return nil, fmt.Errorf("%w: line %d quantity must be positive", ErrInvalidRequest, i)
		}
		if line.UnitPrice.Amount.IsNegative() {
			return nil, fmt.Errorf("%w: line %d price cannot be negative", ErrInvalidRequest, i)
		}
		var err error
		if subtotal, err = subtotal.Add(line.Total()); err != nil {
			return nil, fmt.Errorf("line %d: %w", i, err)
		}
	}

	vat := subtotal.Percent(taxRate)
	total, _ := subtotal.Add(vat)

	return &Invoice{
		ID:             uuid.New(),
		MemberID:       memberID,
		SubscriptionID: subscriptionID,
		Currency:       subtotal.Currency,
		Lines:          append([]LineItem(nil), lines...),
		TaxRate:        taxRate,
		Subtotal:       subtotal,
		VATAmount:      vat,
		TotalAmount:    total,
		PaidAmount:     Zero(currency),
		Status:         InvoiceDraft,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// RemainingBalance is max(0, total - paid).
func (inv *Invoice) RemainingBalance() Money {
	rem, err := inv.TotalAmount.Sub(inv.PaidAmount)
	if err != nil {
		return Zero(inv.Currency)
	}
	return rem.Max0()
}

// IsPayable reports whether RecordPayment is accepted in the current state.
func (inv *Invoice) IsPayable() bool {
	switch inv.Status {
	case InvoiceIssued, InvoicePartiallyPaid, InvoiceOverdue:
		return true
	}
	return false
}

// Issue moves a DRAFT invoice to ISSUED and sets its due date.
func (inv *Invoice) Issue(issueDate time.Time, dueInDays int) error {
	if inv.Status != InvoiceDraft {
		return &InvalidStateError{Op: "issue", Status: inv.Status}
	}
	if dueInDays < 0 {
		return fmt.Errorf("%w: due_in_days cannot be negative", ErrInvalidRequest)
	}
	issued := issueDate
	due := issueDate.AddDate(0, 0, dueInDays)
	inv.IssueDate = &issued
	inv.DueDate = &due
	inv.Status = InvoiceIssued
	inv.UpdatedAt = issueDate
	return nil
}

// RecordPayment credits amount to the invoice. The invoice becomes PAID once the
// paid amount reaches the total, otherwise PARTIALLY_PAID. An increment that
// overshoots the total by more than SettlementTolerance is refused with an
// OverpaymentError rather than clamped.
func (inv *Invoice) RecordPayment(amount Money, method Provider, providerRef string, at time.Time) error {
	if !inv.IsPayable() {
		return &InvalidStateError{Op: "record payment on", Status: inv.Status}
	}
	if !amount.IsPositive() {
		return fmt.Errorf("%w: payment amount must be positive", ErrInvalidRequest)
	}
	amount = amount.Round()

	newPaid, err := inv.PaidAmount.Add(amount)
	if err != nil {
		return err
	}
	over, _ := newPaid.Sub(inv.TotalAmount)
	if over.Amount.GreaterThan(SettlementTolerance) {
		return &OverpaymentError{
			InvoiceID: inv.ID.String(),
			Attempted: amount,
			Remaining: inv.RemainingBalance(),
		}
	}

	inv.PaidAmount = newPaid
	inv.LastPaymentRef = string(method) + ":" + providerRef
	inv.UpdatedAt = at
	if newPaid.Cmp(inv.TotalAmount) >= 0 {
		paid := at
		inv.PaidDate = &paid
		inv.Status = InvoicePaid
	} else {
		inv.Status = InvoicePartiallyPaid
	}
	return nil
}

// Cancel voids an unpaid DRAFT, ISSUED or OVERDUE invoice.
func (inv *Invoice) Cancel(reason string, at time.Time) error {
	switch inv.Status {
	case InvoiceDraft, InvoiceIssued, InvoiceOverdue:
	default:
		return &InvalidStateError{Op: "cancel", Status: inv.Status}
	}
	if !inv.PaidAmount.IsZero() {
		return &InvalidStateError{Op: "cancel a paid", Status: inv.Status}
	}
	cancelled := at
	inv.CancelledAt = &cancelled
	inv.CancelReason = reason
	inv.Status = InvoiceCancelled
	inv.UpdatedAt = at
	return nil
}

// MarkOverdue moves an ISSUED invoice past its due date to OVERDUE. It returns
// false without error when there is nothing to do.
func (inv *Invoice) MarkOverdue(now time.Time) bool {
	if inv.Status != InvoiceIssued || inv.DueDate == nil {
		return false
	}
	if !now.After(*inv.DueDate) || inv.PaidAmount.Cmp(inv.TotalAmount) >= 0 {
		return false
	}
	inv.Status = InvoiceOverdue
	inv.UpdatedAt = now
	return true
}

// Clone returns a deep copy.
func (inv *Invoice) Clone() *Invoice {
	c := *inv
	c.Lines = append([]LineItem(nil), inv.Lines...)
	c.IssueDate = cloneTime(inv.IssueDate)
	c.DueDate = cloneTime(inv.DueDate)
	c.PaidDate = cloneTime(inv.PaidDate)
	c.CancelledAt = cloneTime(inv.CancelledAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
