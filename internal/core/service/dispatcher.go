package service

import (
	"context"
	"sync"
	"time"

	"github.com/fitstack/fitstack-billing/internal/core/domain"
	"github.com/fitstack/fitstack-billing/internal/core/ports"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Dispatcher sends notifications fire-and-forget. A failed notification is
// logged and never affects the payment that triggered it.
type Dispatcher struct {
	notifier ports.Notifier
	logger   *zap.Logger
	timeout  time.Duration
	wg       sync.WaitGroup
}

// NewDispatcher wraps a notifier. A nil notifier disables notifications.
func NewDispatcher(notifier ports.Notifier, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{notifier: notifier, logger: logger, timeout: 10 * time.Second}
}

// Fire sends the event in the background.
func (d *Dispatcher) Fire(invoiceID uuid.UUID, event domain.NotificationEvent) {
	if d == nil || d.notifier == nil {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		if err := d.notifier.Notify(ctx, invoiceID, event); err != nil {
			d.logger.Warn("Notification failed",
				zap.String("invoice_id", invoiceID.String()),
				zap.String("event", string(event)),
				zap.Error(err),
			)
		}
	}()
}

// Wait blocks until in-flight notifications finish.
func (d *Dispatcher) Wait() {
	if d == nil {
		return
	}
	d.wg.Wait()
}
