// Package worker runs the background loops: pending-payment reconciliation
// and the overdue sweep.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fitstack/fitstack-billing/internal/core/domain"
	"github.com/fitstack/fitstack-billing/internal/core/ports"
	"go.uber.org/zap"
)

// PaymentReconciler is the slice of the payment service the reconciler needs.
type PaymentReconciler interface {
	Reconcile(ctx context.Context, txn *domain.PaymentTransaction) (*domain.CallbackResult, error)
	ExpireAttempt(ctx context.Context, txn *domain.PaymentTransaction) (*domain.CallbackResult, error)
}

// ReconcilerConfig tunes the poller.
type ReconcilerConfig struct {
	Interval    time.Duration
	BatchSize   int
	WorkerCount int
	// Staleness is how old a PENDING attempt must be, per rail, before it is
	// polled. Rails without an entry are skipped.
	Staleness map[domain.Provider]time.Duration
	// MaxAge is how long an attempt the provider still reports as open stays
	// PENDING before it is cancelled. Rails without an entry never expire.
	MaxAge map[domain.Provider]time.Duration
}

// DefaultStaleness matches how long each rail normally takes to confirm.
func DefaultStaleness() map[domain.Provider]time.Duration {
	return map[domain.Provider]time.Duration{
		domain.ProviderCard:    10 * time.Minute,
		domain.ProviderWallet:  10 * time.Minute,
		domain.ProviderBNPL:    30 * time.Minute,
		domain.ProviderBillPay: 6 * time.Hour,
	}
}

// DefaultMaxAge bounds abandoned checkouts per rail. Bills outlive their
// validity window so the biller's own expiry is seen first.
func DefaultMaxAge() map[domain.Provider]time.Duration {
	return map[domain.Provider]time.Duration{
		domain.ProviderCard:    24 * time.Hour,
		domain.ProviderWallet:  time.Hour,
		domain.ProviderBNPL:    72 * time.Hour,
		domain.ProviderBillPay: 7 * 24 * time.Hour,
	}
}

// Reconciler finds payments stuck in PENDING and asks the provider what
// really happened. Results go through the normal settlement path.
type Reconciler struct {
	txns     ports.TransactionStore
	payments PaymentReconciler
	cfg      ReconcilerConfig
	logger   *zap.Logger
	now      func() time.Time
}

// NewReconciler creates a reconciler.
func NewReconciler(txns ports.TransactionStore, payments PaymentReconciler, cfg ReconcilerConfig, logger *zap.Logger) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 5
	}
	if cfg.Staleness == nil {
		cfg.Staleness = DefaultStaleness()
	}
	if cfg.MaxAge == nil {
		cfg.MaxAge = DefaultMaxAge()
	}
	return &Reconciler{
		txns:     txns,
		payments: payments,
		cfg:      cfg,
		logger:   logger.Named("reconciler"),
		now:      time.Now,
	}
}

// Start runs the worker loop until ctx is cancelled. Blocking call.
func (r *Reconciler) Start(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	r.logger.Info("Worker started", zap.Duration("interval", r.cfg.Interval))
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Context cancelled, stopping")
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce reconciles one batch per rail and returns how many attempts were
// polled.
func (r *Reconciler) RunOnce(ctx context.Context) int {
	var candidates []*domain.PaymentTransaction
	now := r.now()
	for _, p := range domain.Providers {
		staleness, ok := r.cfg.Staleness[p]
		if !ok {
			continue
		}
		txns, err := r.txns.ListStalePending(ctx, p, now.Add(-staleness), r.cfg.BatchSize)
		if err != nil {
			r.logger.Error("Failed to list pending attempts", zap.String("provider", string(p)), zap.Error(err))
			continue
		}
		candidates = append(candidates, txns...)
	}
	if len(candidates) == 0 {
		return 0
	}
	r.logger.Info("Processing stuck payments", zap.Int("count", len(candidates)))

	jobs := make(chan *domain.PaymentTransaction, len(candidates))
	var wg sync.WaitGroup
	for w := 0; w < r.cfg.WorkerCount; w++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for txn := range jobs {
				r.sync(ctx, id, txn)
			}
		}(w)
	}
	for _, txn := range candidates {
		jobs <- txn
	}
	close(jobs)
	wg.Wait()
	r.logger.Info("Reconciliation cycle completed")
	return len(candidates)
}

func (r *Reconciler) sync(ctx context.Context, worker int, txn *domain.PaymentTransaction) {
	log := r.logger.With(
		zap.Int("worker", worker),
		zap.String("provider", string(txn.Provider)),
		zap.String("external_ref", txn.ExternalRef),
	)
	now := r.now()
	// Stamp first so a failing provider still rotates to the back of the queue.
	if _, err := r.txns.UpdateTransaction(ctx, txn.Provider, txn.ExternalRef, func(t *domain.PaymentTransaction) error {
		t.MarkPolled(now)
		return nil
	}); err != nil {
		log.Warn("Failed to record poll", zap.Error(err))
	}

	res, err := r.payments.Reconcile(ctx, txn)
	switch {
	case errors.Is(err, domain.ErrProviderUnavailable):
		log.Warn("Provider unavailable, retrying next cycle", zap.Error(err))
	case err != nil && (res == nil || !res.Success):
		log.Error("Reconciliation failed", zap.Error(err))
	case res != nil && res.TxStatus == domain.TxPending:
		r.expireIfAbandoned(ctx, txn, now, log)
	case res != nil:
		log.Info("Attempt reconciled", zap.String("status", res.Status))
	}
}

func (r *Reconciler) expireIfAbandoned(ctx context.Context, txn *domain.PaymentTransaction, now time.Time, log *zap.Logger) {
	maxAge, ok := r.cfg.MaxAge[txn.Provider]
	if !ok || maxAge <= 0 || !txn.CreatedAt.Before(now.Add(-maxAge)) {
		return
	}
	res, err := r.payments.ExpireAttempt(ctx, txn)
	if err != nil {
		log.Error("Failed to expire attempt", zap.Error(err))
		return
	}
	log.Info("Abandoned attempt expired",
		zap.Duration("age", now.Sub(txn.CreatedAt)),
		zap.String("status", res.Status),
	)
}
