package worker

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// OverdueMarker is the slice of the billing service the sweeper needs.
type OverdueMarker interface {
	SweepOverdue(ctx context.Context, limit int) (int, error)
}

// OverdueSweeper periodically marks past-due invoices OVERDUE.
type OverdueSweeper struct {
	billing  OverdueMarker
	interval time.Duration
	batch    int
	logger   *zap.Logger
}

// NewOverdueSweeper creates a sweeper.
func NewOverdueSweeper(billing OverdueMarker, interval time.Duration, batch int, logger *zap.Logger) *OverdueSweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	if batch <= 0 {
		batch = 200
	}
	return &OverdueSweeper{billing: billing, interval: interval, batch: batch, logger: logger.Named("overdue")}
}

// Start runs the sweep loop until ctx is cancelled. Blocking call.
func (s *OverdueSweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.logger.Info("Worker started", zap.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce sweeps one batch.
func (s *OverdueSweeper) RunOnce(ctx context.Context) int {
	marked, err := s.billing.SweepOverdue(ctx, s.batch)
	if err != nil {
		s.logger.Error("Overdue sweep failed", zap.Error(err))
		return 0
	}
	if marked > 0 {
		s.logger.Info("Invoices marked overdue", zap.Int("count", marked))
	}
	return marked
}
