package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fitstack/fitstack-billing/internal/core/domain"
	"github.com/fitstack/fitstack-billing/internal/core/ports"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// errNoChange aborts a settlement unit that has nothing to write.
var errNoChange = errors.New("no change")

// Settlement is the single path through which provider outcomes reach the
// ledger. Webhooks, polls and synchronous confirmations all end here.
type Settlement struct {
	store    ports.Store
	reviews  ports.ReviewQueue
	notifier *Dispatcher
	logger   *zap.Logger
	now      func() time.Time
}

// NewSettlement creates the settlement path.
func NewSettlement(store ports.Store, reviews ports.ReviewQueue, notifier *Dispatcher, logger *zap.Logger) *Settlement {
	return &Settlement{
		store:    store,
		reviews:  reviews,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

// Apply applies a normalized provider event. The returned result is always
// safe to hand back to a provider; the error is for operator visibility.
func (s *Settlement) Apply(ctx context.Context, ev domain.PaymentEvent) (*domain.CallbackResult, error) {
	log := s.logger.With(
		zap.String("provider", string(ev.Provider)),
		zap.String("external_ref", ev.ExternalRef),
		zap.String("event_status", string(ev.Status)),
	)
	now := s.now()
	credited := false

	txn, inv, err := s.store.Settle(ctx, ev.Provider, ev.ExternalRef, func(txn *domain.PaymentTransaction, inv *domain.Invoice) error {
		if txn.Status == domain.TxConfirmed {
			return domain.ErrDuplicateTransaction
		}
		changed := mergePayload(txn, ev.Payload)

		switch ev.Status {
		case domain.TxPending:
			if !changed {
				return errNoChange
			}
			txn.UpdatedAt = now
			return nil

		case domain.TxFailed, domain.TxCancelled:
			if txn.IsTerminal() {
				return errNoChange
			}
			reason := ev.Reason
			if reason == "" {
				reason = "declined by provider"
			}
			if ev.Status == domain.TxFailed {
				txn.MarkFailed(reason, now)
			} else {
				txn.MarkCancelled(reason, now)
			}
			return nil

		case domain.TxConfirmed:
			amount := txn.Amount
			if ev.Amount != nil {
				reported := ev.Amount.Round()
				if !txn.Amount.WithinTolerance(reported, domain.SettlementTolerance) {
					return &domain.AmountMismatchError{
						ExternalRef: txn.ExternalRef,
						Expected:    txn.Amount,
						Reported:    reported,
					}
				}
				if !reported.Equal(txn.Amount) {
					txn.Payload["reported_amount"] = reported.StringFixed()
				}
			}
			if err := inv.RecordPayment(amount, txn.Provider, txn.ExternalRef, now); err != nil {
				return err
			}
			txn.MarkConfirmed(now)
			credited = true
			return nil
		}
		return fmt.Errorf("%w: unexpected event status %q", domain.ErrInvalidRequest, ev.Status)
	})

	switch {
	case err == nil:
		log.Info("Payment event applied",
			zap.String("invoice_id", inv.ID.String()),
			zap.String("tx_status", string(txn.Status)),
			zap.String("invoice_status", string(inv.Status)),
			zap.String("paid_amount", inv.PaidAmount.StringFixed()),
		)
		if credited && inv.Status == domain.InvoicePaid {
			s.notifier.Fire(inv.ID, domain.EventInvoicePaid)
		}
		return resultFor(txn), nil

	case errors.Is(err, domain.ErrDuplicateTransaction):
		log.Info("Duplicate event for confirmed transaction, ignoring")
		return &domain.CallbackResult{
			Success:   true,
			InvoiceID: txn.InvoiceID.String(),
			Status:    domain.CallbackDuplicate,
			Duplicate: true,
			TxStatus:  txn.Status,
		}, nil

	case errors.Is(err, errNoChange):
		return resultFor(txn), nil

	case errors.Is(err, domain.ErrUnknownTransaction):
		log.Warn("Event for unknown transaction, acknowledging")
		return &domain.CallbackResult{Success: true, Status: domain.CallbackIgnored}, err

	case domain.RequiresReview(err) || errors.Is(err, domain.ErrInvalidState):
		s.escalate(ctx, txn, err, log)
		return &domain.CallbackResult{
			Success:   true,
			InvoiceID: txn.InvoiceID.String(),
			Status:    domain.CallbackReview,
			TxStatus:  txn.Status,
		}, err

	default:
		log.Error("Failed to apply payment event", zap.Error(err))
		res := &domain.CallbackResult{Success: false, Status: domain.CallbackIgnored}
		if txn != nil {
			res.InvoiceID = txn.InvoiceID.String()
			res.TxStatus = txn.Status
		}
		return res, err
	}
}

// escalate flags the transaction so the poller leaves it alone and puts the
// anomaly on the review queue.
func (s *Settlement) escalate(ctx context.Context, txn *domain.PaymentTransaction, cause error, log *zap.Logger) {
	kind := domain.ReviewInvalidState
	switch {
	case errors.Is(cause, domain.ErrOverpayment):
		kind = domain.ReviewOverpayment
	case errors.Is(cause, domain.ErrAmountMismatch):
		kind = domain.ReviewAmountMismatch
	}
	log.Error("Payment requires manual reconciliation",
		zap.String("invoice_id", txn.InvoiceID.String()),
		zap.String("kind", kind),
		zap.Error(cause),
	)

	if _, err := s.store.UpdateTransaction(ctx, txn.Provider, txn.ExternalRef, func(t *domain.PaymentTransaction) error {
		if t.Status != domain.TxPending && t.Status != domain.TxFailed && t.Status != domain.TxCancelled {
			return errNoChange
		}
		t.ReviewReason = kind + ": " + cause.Error()
		t.UpdatedAt = s.now()
		return nil
	}); err != nil && !errors.Is(err, errNoChange) {
		log.Error("Failed to flag transaction for review", zap.Error(err))
	}

	issue := domain.ReviewIssue{
		ID:          uuid.New(),
		InvoiceID:   txn.InvoiceID,
		Provider:    txn.Provider,
		ExternalRef: txn.ExternalRef,
		Kind:        kind,
		Detail:      cause.Error(),
		RaisedAt:    s.now(),
	}
	if err := s.reviews.Raise(ctx, issue); err != nil {
		log.Error("Failed to raise review issue", zap.Error(err))
	}
}

func resultFor(txn *domain.PaymentTransaction) *domain.CallbackResult {
	return &domain.CallbackResult{
		Success:   true,
		InvoiceID: txn.InvoiceID.String(),
		Status:    string(txn.Status),
		TxStatus:  txn.Status,
	}
}

func mergePayload(txn *domain.PaymentTransaction, extra map[string]string) bool {
	changed := false
	if txn.Payload == nil {
		txn.Payload = map[string]string{}
	}
	for k, v := range extra {
		if v == "" || txn.Payload[k] == v {
			continue
		}
		txn.Payload[k] = v
		changed = true
	}
	return changed
}
