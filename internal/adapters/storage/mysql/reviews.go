package mysql

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/fitstack/fitstack-billing/internal/core/domain"
)

// ReviewQueue persists review issues for operators.
type ReviewQueue struct {
	db *sql.DB
}

// NewReviewQueue shares the store's pool.
func NewReviewQueue(s *Store) *ReviewQueue {
	return &ReviewQueue{db: s.db}
}

// Raise records an issue.
func (q *ReviewQueue) Raise(ctx context.Context, issue domain.ReviewIssue) error {
	_, err := q.db.ExecContext(ctx, `INSERT INTO review_issues
		(id, invoice_id, provider, external_reference, kind, detail, raised_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		issue.ID.String(), issue.InvoiceID.String(), string(issue.Provider), issue.ExternalRef,
		issue.Kind, issue.Detail, issue.RaisedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to raise review issue: %w", err)
	}
	return nil
}
