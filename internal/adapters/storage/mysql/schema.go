package mysql

import (
	"context"
	"fmt"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS invoices (
		id CHAR(36) NOT NULL PRIMARY KEY,
		seq BIGINT NOT NULL AUTO_INCREMENT,
		number VARCHAR(32) NOT NULL DEFAULT '',
		member_id VARCHAR(64) NOT NULL,
		subscription_id VARCHAR(64) NOT NULL DEFAULT '',
		currency CHAR(3) NOT NULL,
		tax_rate DECIMAL(9,4) NOT NULL,
		subtotal DECIMAL(19,4) NOT NULL,
		vat_amount DECIMAL(19,4) NOT NULL,
		total_amount DECIMAL(19,4) NOT NULL,
		paid_amount DECIMAL(19,4) NOT NULL,
		status VARCHAR(20) NOT NULL,
		issue_date DATETIME(6) NULL,
		due_date DATETIME(6) NULL,
		paid_date DATETIME(6) NULL,
		cancelled_at DATETIME(6) NULL,
		cancel_reason TEXT NULL,
		last_payment_ref VARCHAR(191) NOT NULL DEFAULT '',
		created_at DATETIME(6) NOT NULL,
		updated_at DATETIME(6) NOT NULL,
		version BIGINT NOT NULL DEFAULT 1,
		UNIQUE KEY uq_invoices_seq (seq),
		INDEX idx_invoices_status_due (status, due_date),
		INDEX idx_invoices_member (member_id)
	)`,
	`CREATE TABLE IF NOT EXISTS invoice_lines (
		invoice_id CHAR(36) NOT NULL,
		position INT NOT NULL,
		description VARCHAR(255) NOT NULL,
		quantity BIGINT NOT NULL,
		unit_price DECIMAL(19,4) NOT NULL,
		PRIMARY KEY (invoice_id, position),
		CONSTRAINT fk_lines_invoice FOREIGN KEY (invoice_id) REFERENCES invoices(id)
	)`,
	`CREATE TABLE IF NOT EXISTS payment_transactions (
		id CHAR(36) NOT NULL PRIMARY KEY,
		invoice_id CHAR(36) NOT NULL,
		provider VARCHAR(16) NOT NULL,
		external_reference VARCHAR(191) NOT NULL,
		amount DECIMAL(19,4) NOT NULL,
		currency CHAR(3) NOT NULL,
		status VARCHAR(16) NOT NULL,
		payload JSON NOT NULL,
		failure_reason TEXT NULL,
		review_reason TEXT NULL,
		created_at DATETIME(6) NOT NULL,
		confirmed_at DATETIME(6) NULL,
		updated_at DATETIME(6) NOT NULL,
		last_polled_at DATETIME(6) NULL,
		UNIQUE KEY uq_provider_ref (provider, external_reference),
		INDEX idx_txn_invoice (invoice_id),
		INDEX idx_txn_pending (provider, status, last_polled_at, created_at),
		CONSTRAINT fk_txn_invoice FOREIGN KEY (invoice_id) REFERENCES invoices(id)
	)`,
	`CREATE TABLE IF NOT EXISTS review_issues (
		id CHAR(36) NOT NULL PRIMARY KEY,
		invoice_id CHAR(36) NOT NULL,
		provider VARCHAR(16) NOT NULL,
		external_reference VARCHAR(191) NOT NULL,
		kind VARCHAR(32) NOT NULL,
		detail TEXT NOT NULL,
		raised_at DATETIME(6) NOT NULL,
		resolved_at DATETIME(6) NULL,
		INDEX idx_review_open (resolved_at, raised_at)
	)`,
}

// EnsureSchema creates the billing tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema migration failed: %w", err)
		}
	}
	return nil
}
