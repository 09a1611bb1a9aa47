package service

import (
	"context"
	"sync"
	"testing"

	"github.com/fitstack/fitstack-billing/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func confirmed(provider domain.Provider, ref string, amount *domain.Money) domain.PaymentEvent {
	return domain.PaymentEvent{Provider: provider, ExternalRef: ref, Status: domain.TxConfirmed, Amount: amount}
}

func TestApplyConfirmCreditsInvoice(t *testing.T) {
	h := newHarness(t)
	inv := h.issued(t)
	h.pending(t, inv, domain.ProviderCard, "ref-1", "115.00")

	res, err := h.settlement.Apply(context.Background(), confirmed(domain.ProviderCard, "ref-1", money("115.00")))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, string(domain.TxConfirmed), res.Status)
	assert.Equal(t, inv.ID.String(), res.InvoiceID)

	stored := h.invoice(t, inv.ID)
	assert.Equal(t, domain.InvoicePaid, stored.Status)
	assert.Equal(t, "card:ref-1", stored.LastPaymentRef)

	h.dispatcher.Wait()
	assert.Equal(t, 1, h.notifier.count(domain.EventInvoicePaid))
}

func TestApplyDuplicateIsIdempotent(t *testing.T) {
	h := newHarness(t)
	inv := h.issued(t)
	h.pending(t, inv, domain.ProviderCard, "ref-1", "115.00")
	ev := confirmed(domain.ProviderCard, "ref-1", nil)

	_, err := h.settlement.Apply(context.Background(), ev)
	require.NoError(t, err)
	res, err := h.settlement.Apply(context.Background(), ev)
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.True(t, res.Duplicate)
	assert.Equal(t, domain.CallbackDuplicate, res.Status)
	assert.Equal(t, "115.00", h.invoice(t, inv.ID).PaidAmount.StringFixed())

	// A failure reported after the confirmation does not undo it.
	_, err = h.settlement.Apply(context.Background(), domain.PaymentEvent{
		Provider: domain.ProviderCard, ExternalRef: "ref-1", Status: domain.TxFailed,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.TxConfirmed, h.txn(t, domain.ProviderCard, "ref-1").Status)

	h.dispatcher.Wait()
	assert.Equal(t, 1, h.notifier.count(domain.EventInvoicePaid))
}

func TestApplyConcurrentConfirmsCreditOnce(t *testing.T) {
	h := newHarness(t)
	inv := h.issued(t)
	h.pending(t, inv, domain.ProviderCard, "ref-1", "115.00")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.settlement.Apply(context.Background(), confirmed(domain.ProviderCard, "ref-1", nil))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	stored := h.invoice(t, inv.ID)
	assert.Equal(t, domain.InvoicePaid, stored.Status)
	assert.Equal(t, "115.00", stored.PaidAmount.StringFixed())
}

func TestApplyWithinToleranceCreditsAttempt(t *testing.T) {
	h := newHarness(t)
	inv := h.issued(t)
	h.pending(t, inv, domain.ProviderCard, "ref-1", "115.00")

	_, err := h.settlement.Apply(context.Background(), confirmed(domain.ProviderCard, "ref-1", money("115.01")))
	require.NoError(t, err)

	assert.Equal(t, "115.00", h.invoice(t, inv.ID).PaidAmount.StringFixed())
	assert.Equal(t, "115.01", h.txn(t, domain.ProviderCard, "ref-1").Payload["reported_amount"])
}

func TestApplyAmountMismatchGoesToReview(t *testing.T) {
	h := newHarness(t)
	inv := h.issued(t)
	h.pending(t, inv, domain.ProviderCard, "ref-1", "115.00")

	res, err := h.settlement.Apply(context.Background(), confirmed(domain.ProviderCard, "ref-1", money("100.00")))
	assert.ErrorIs(t, err, domain.ErrAmountMismatch)
	require.NotNil(t, res)
	assert.True(t, res.Success, "the provider is still acknowledged")
	assert.Equal(t, domain.CallbackReview, res.Status)

	stored := h.invoice(t, inv.ID)
	assert.True(t, stored.PaidAmount.IsZero())
	txn := h.txn(t, domain.ProviderCard, "ref-1")
	assert.Equal(t, domain.TxPending, txn.Status)
	assert.Contains(t, txn.ReviewReason, domain.ReviewAmountMismatch)

	issues := h.reviews.Issues()
	require.Len(t, issues, 1)
	assert.Equal(t, domain.ReviewAmountMismatch, issues[0].Kind)
	assert.Equal(t, "ref-1", issues[0].ExternalRef)
}

func TestApplyOverpaymentGoesToReview(t *testing.T) {
	h := newHarness(t)
	inv := h.issued(t)
	h.pending(t, inv, domain.ProviderCard, "partial", "50.00")
	h.pending(t, inv, domain.ProviderWallet, "full", "115.00")

	_, err := h.settlement.Apply(context.Background(), confirmed(domain.ProviderCard, "partial", nil))
	require.NoError(t, err)
	res, err := h.settlement.Apply(context.Background(), confirmed(domain.ProviderWallet, "full", nil))
	assert.ErrorIs(t, err, domain.ErrOverpayment)
	assert.Equal(t, domain.CallbackReview, res.Status)

	stored := h.invoice(t, inv.ID)
	assert.Equal(t, domain.InvoicePartiallyPaid, stored.Status)
	assert.Equal(t, "50.00", stored.PaidAmount.StringFixed())

	issues := h.reviews.Issues()
	require.Len(t, issues, 1)
	assert.Equal(t, domain.ReviewOverpayment, issues[0].Kind)
}

func TestApplyConfirmOnPaidInvoiceGoesToReview(t *testing.T) {
	h := newHarness(t)
	inv := h.issued(t)
	h.pending(t, inv, domain.ProviderCard, "first", "115.00")
	h.pending(t, inv, domain.ProviderBNPL, "second", "115.00")

	_, err := h.settlement.Apply(context.Background(), confirmed(domain.ProviderCard, "first", nil))
	require.NoError(t, err)
	res, err := h.settlement.Apply(context.Background(), confirmed(domain.ProviderBNPL, "second", nil))
	assert.ErrorIs(t, err, domain.ErrInvalidState)
	assert.Equal(t, domain.CallbackReview, res.Status)
	assert.Equal(t, domain.ReviewInvalidState, h.reviews.Issues()[0].Kind)
	assert.Equal(t, "115.00", h.invoice(t, inv.ID).PaidAmount.StringFixed())
}

func TestApplyUnknownTransaction(t *testing.T) {
	h := newHarness(t)

	res, err := h.settlement.Apply(context.Background(), confirmed(domain.ProviderCard, "nope", nil))
	assert.ErrorIs(t, err, domain.ErrUnknownTransaction)
	assert.True(t, res.Success)
	assert.Equal(t, domain.CallbackIgnored, res.Status)
}

func TestApplyFailureThenLateConfirm(t *testing.T) {
	h := newHarness(t)
	inv := h.issued(t)
	h.pending(t, inv, domain.ProviderCard, "ref-1", "115.00")

	res, err := h.settlement.Apply(context.Background(), domain.PaymentEvent{
		Provider: domain.ProviderCard, ExternalRef: "ref-1", Status: domain.TxFailed,
	})
	require.NoError(t, err)
	assert.Equal(t, string(domain.TxFailed), res.Status)
	txn := h.txn(t, domain.ProviderCard, "ref-1")
	assert.Equal(t, "declined by provider", txn.FailureReason)
	assert.Equal(t, domain.InvoiceIssued, h.invoice(t, inv.ID).Status, "a failure never touches the invoice")

	// Money that moved after all is still credited.
	_, err = h.settlement.Apply(context.Background(), confirmed(domain.ProviderCard, "ref-1", nil))
	require.NoError(t, err)
	assert.Equal(t, domain.InvoicePaid, h.invoice(t, inv.ID).Status)
	assert.Empty(t, h.txn(t, domain.ProviderCard, "ref-1").FailureReason)
}

func TestApplyPendingMergesPayload(t *testing.T) {
	h := newHarness(t)
	inv := h.issued(t)
	h.pending(t, inv, domain.ProviderBNPL, "ord-1", "115.00")
	ev := domain.PaymentEvent{
		Provider:    domain.ProviderBNPL,
		ExternalRef: "ord-1",
		Status:      domain.TxPending,
		Payload:     map[string]string{domain.PayloadAuthorizationID: "auth-1"},
	}

	res, err := h.settlement.Apply(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, string(domain.TxPending), res.Status)
	assert.Equal(t, "auth-1", h.txn(t, domain.ProviderBNPL, "ord-1").Payload[domain.PayloadAuthorizationID])

	// Re-applying the same pending event writes nothing.
	res, err = h.settlement.Apply(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, string(domain.TxPending), res.Status)
}
