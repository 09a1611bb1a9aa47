package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fitstack/fitstack-billing/internal/core/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateInvoiceUsesMemberCurrency(t *testing.T) {
	h := newHarness(t)

	inv, err := h.billing.CreateInvoice(context.Background(), CreateInvoiceRequest{
		MemberID: "member-2",
		TaxRate:  decimal.Zero,
		Lines: []domain.LineItem{
			{Description: "Day pass", Quantity: 2, UnitPrice: domain.Money{Amount: decimal.RequireFromString("1.2345")}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "KWD", inv.Currency)
	assert.Equal(t, "2.470 KWD", inv.TotalAmount.String())
	assert.Equal(t, domain.InvoiceDraft, inv.Status)
	assert.NotEmpty(t, inv.Number)

	_, err = h.billing.CreateInvoice(context.Background(), CreateInvoiceRequest{MemberID: "ghost"})
	assert.ErrorIs(t, err, domain.ErrMemberNotFound)
}

func TestIssueInvoiceNotifies(t *testing.T) {
	h := newHarness(t)
	inv, err := h.billing.CreateInvoice(context.Background(), CreateInvoiceRequest{
		MemberID: "member-1",
		Currency: "SAR",
		TaxRate:  decimal.NewFromInt(15),
		Lines:    []domain.LineItem{{Description: "Membership", Quantity: 1, UnitPrice: domain.MustParseMoney("100.00", "SAR")}},
	})
	require.NoError(t, err)

	issued, err := h.billing.IssueInvoice(context.Background(), inv.ID, 14)
	require.NoError(t, err)
	assert.Equal(t, domain.InvoiceIssued, issued.Status)
	assert.Equal(t, testNow.AddDate(0, 0, 14), *issued.DueDate)

	_, err = h.billing.IssueInvoice(context.Background(), inv.ID, 7)
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	h.dispatcher.Wait()
	assert.Equal(t, 1, h.notifier.count(domain.EventInvoiceIssued))
}

func TestNotificationFailureDoesNotFailIssue(t *testing.T) {
	h := newHarness(t)
	h.notifier.err = errors.New("core down")
	inv, err := domain.NewInvoice("member-1", "", "SAR", decimal.Zero, []domain.LineItem{
		{Description: "x", Quantity: 1, UnitPrice: domain.MustParseMoney("10.00", "SAR")},
	}, testNow)
	require.NoError(t, err)
	require.NoError(t, h.store.CreateInvoice(context.Background(), inv))

	_, err = h.billing.IssueInvoice(context.Background(), inv.ID, 3)
	assert.NoError(t, err)
}

func TestCancelInvoice(t *testing.T) {
	h := newHarness(t)
	inv := h.issued(t)
	h.pending(t, inv, domain.ProviderCard, "ref-1", "10.00")
	_, err := h.settlement.Apply(context.Background(), confirmed(domain.ProviderCard, "ref-1", nil))
	require.NoError(t, err)

	_, err = h.billing.CancelInvoice(context.Background(), inv.ID, "member left")
	assert.ErrorIs(t, err, domain.ErrInvalidState, "money has been received")

	other := h.issued(t)
	cancelled, err := h.billing.CancelInvoice(context.Background(), other.ID, "member left")
	require.NoError(t, err)
	assert.Equal(t, domain.InvoiceCancelled, cancelled.Status)
	assert.Equal(t, "member left", cancelled.CancelReason)
}

func TestSweepOverdue(t *testing.T) {
	h := newHarness(t)
	late := h.issued(t)
	paid := h.issued(t)
	h.pending(t, paid, domain.ProviderCard, "ref-paid", "115.00")
	_, err := h.settlement.Apply(context.Background(), confirmed(domain.ProviderCard, "ref-paid", nil))
	require.NoError(t, err)

	h.billing.now = func() time.Time { return testNow.AddDate(0, 0, 20) }
	marked, err := h.billing.SweepOverdue(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, marked)
	assert.Equal(t, domain.InvoiceOverdue, h.invoice(t, late.ID).Status)
	assert.Equal(t, domain.InvoicePaid, h.invoice(t, paid.ID).Status)

	marked, err = h.billing.SweepOverdue(context.Background(), 10)
	require.NoError(t, err)
	assert.Zero(t, marked)

	h.dispatcher.Wait()
	assert.Equal(t, 1, h.notifier.count(domain.EventInvoiceOverdue))
}

func TestListPayments(t *testing.T) {
	h := newHarness(t)
	inv := h.issued(t)
	h.pending(t, inv, domain.ProviderCard, "a", "50.00")
	h.pending(t, inv, domain.ProviderWallet, "b", "65.00")

	txns, err := h.billing.ListPayments(context.Background(), inv.ID)
	require.NoError(t, err)
	assert.Len(t, txns, 2)

	_, err = h.billing.ListPayments(context.Background(), uuid.New())
	assert.ErrorIs(t, err, domain.ErrInvoiceNotFound)
}

func TestIssueInvoiceDueOnIssue(t *testing.T) {
	h := newHarness(t)
	inv, err := h.billing.CreateInvoice(context.Background(), CreateInvoiceRequest{
		MemberID: "member-1",
		Currency: "SAR",
		Lines:    []domain.LineItem{{Description: "Day pass", Quantity: 1, UnitPrice: domain.MustParseMoney("30.00", "SAR")}},
	})
	require.NoError(t, err)

	_, err = h.billing.IssueInvoice(context.Background(), inv.ID, -1)
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)

	issued, err := h.billing.IssueInvoice(context.Background(), inv.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, testNow, *issued.DueDate)
	assert.Equal(t, *issued.IssueDate, *issued.DueDate)
}
