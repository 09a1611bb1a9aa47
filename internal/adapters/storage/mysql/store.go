// Package mysql implements the storage ports on MySQL. The settlement unit
// takes row locks with SELECT ... FOR UPDATE, always invoice first.
package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fitstack/fitstack-billing/internal/core/domain"
	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const errDuplicateEntry = 1062

// Store implements ports.Store.
type Store struct {
	db *sql.DB
}

// Open connects using a MySQL DSN. Times are always parsed, in UTC.
func Open(dsn string) (*Store, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid MySQL DSN: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC

	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create MySQL connector: %w", err)
	}
	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	return New(db), nil
}

// New wraps an existing pool.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the pool.
func (s *Store) Close() error {
	return s.db.Close()
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

const invoiceColumns = `id, number, member_id, subscription_id, currency, tax_rate,
	subtotal, vat_amount, total_amount, paid_amount, status, issue_date, due_date,
	paid_date, cancelled_at, cancel_reason, last_payment_ref, created_at, updated_at, version`

// CreateInvoice inserts the invoice and its lines and assigns the number from
// the row sequence.
func (s *Store) CreateInvoice(ctx context.Context, inv *domain.Invoice) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `INSERT INTO invoices (id, member_id, subscription_id, currency,
			tax_rate, subtotal, vat_amount, total_amount, paid_amount, status, issue_date, due_date,
			paid_date, cancelled_at, cancel_reason, last_payment_ref, created_at, updated_at, version)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
			inv.ID.String(), inv.MemberID, inv.SubscriptionID, inv.Currency,
			inv.TaxRate, inv.Subtotal.Amount, inv.VATAmount.Amount, inv.TotalAmount.Amount,
			inv.PaidAmount.Amount, string(inv.Status), inv.IssueDate, inv.DueDate,
			inv.PaidDate, inv.CancelledAt, inv.CancelReason, inv.LastPaymentRef,
			inv.CreatedAt, inv.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert invoice: %w", err)
		}
		seq, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to read invoice sequence: %w", err)
		}
		number := fmt.Sprintf("INV-%06d", seq)
		if _, err := tx.ExecContext(ctx, `UPDATE invoices SET number = ? WHERE id = ?`, number, inv.ID.String()); err != nil {
			return fmt.Errorf("failed to number invoice: %w", err)
		}
		for i, line := range inv.Lines {
			if _, err := tx.ExecContext(ctx, `INSERT INTO invoice_lines
				(invoice_id, position, description, quantity, unit_price) VALUES (?, ?, ?, ?, ?)`,
				inv.ID.String(), i, line.Description, line.Quantity, line.UnitPrice.Amount,
			); err != nil {
				return fmt.Errorf("failed to insert invoice line: %w", err)
			}
		}
		inv.Number = number
		inv.Version = 1
		return nil
	})
}

// GetInvoice loads an invoice with its lines.
func (s *Store) GetInvoice(ctx context.Context, id uuid.UUID) (*domain.Invoice, error) {
	return getInvoice(ctx, s.db, id, false)
}

func getInvoice(ctx context.Context, q querier, id uuid.UUID, forUpdate bool) (*domain.Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE id = ?`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	inv, err := scanInvoice(q.QueryRowContext(ctx, query, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrInvoiceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load invoice: %w", err)
	}
	if err := loadLines(ctx, q, inv); err != nil {
		return nil, err
	}
	return inv, nil
}

func scanInvoice(row rowScanner) (*domain.Invoice, error) {
	var (
		inv                                       domain.Invoice
		id                                        string
		status                                    string
		subtotal, vat, total, paid                decimal.Decimal
		issueDate, dueDate, paidDate, cancelledAt sql.NullTime
		cancelReason                              sql.NullString
	)
	err := row.Scan(&id, &inv.Number, &inv.MemberID, &inv.SubscriptionID, &inv.Currency, &inv.TaxRate,
		&subtotal, &vat, &total, &paid, &status, &issueDate, &dueDate,
		&paidDate, &cancelledAt, &cancelReason, &inv.LastPaymentRef, &inv.CreatedAt, &inv.UpdatedAt, &inv.Version)
	if err != nil {
		return nil, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("corrupt invoice id %q: %w", id, err)
	}
	inv.ID = parsed
	inv.Status = domain.InvoiceStatus(status)
	inv.Subtotal = domain.NewMoney(subtotal, inv.Currency)
	inv.VATAmount = domain.NewMoney(vat, inv.Currency)
	inv.TotalAmount = domain.NewMoney(total, inv.Currency)
	inv.PaidAmount = domain.NewMoney(paid, inv.Currency)
	inv.IssueDate = timePtr(issueDate)
	inv.DueDate = timePtr(dueDate)
	inv.PaidDate = timePtr(paidDate)
	inv.CancelledAt = timePtr(cancelledAt)
	inv.CancelReason = cancelReason.String
	return &inv, nil
}

func loadLines(ctx context.Context, q querier, inv *domain.Invoice) error {
	rows, err := q.QueryContext(ctx, `SELECT description, quantity, unit_price
		FROM invoice_lines WHERE invoice_id = ? ORDER BY position`, inv.ID.String())
	if err != nil {
		return fmt.Errorf("failed to load invoice lines: %w", err)
	}
	defer rows.Close()

	inv.Lines = nil
	for rows.Next() {
		var line domain.LineItem
		var price decimal.Decimal
		if err := rows.Scan(&line.Description, &line.Quantity, &price); err != nil {
			return fmt.Errorf("failed to scan invoice line: %w", err)
		}
		line.UnitPrice = domain.NewMoney(price, inv.Currency)
		inv.Lines = append(inv.Lines, line)
	}
	return rows.Err()
}

// UpdateInvoice runs fn under the invoice row lock.
func (s *Store) UpdateInvoice(ctx context.Context, id uuid.UUID, fn func(inv *domain.Invoice) error) (*domain.Invoice, error) {
	var out *domain.Invoice
	var fnErr error
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		inv, err := getInvoice(ctx, tx, id, true)
		if err != nil {
			return err
		}
		out = inv.Clone()
		if fnErr = fn(inv); fnErr != nil {
			return fnErr
		}
		if err := writeInvoice(ctx, tx, inv); err != nil {
			return err
		}
		out = inv
		return nil
	})
	if fnErr != nil {
		return out, fnErr
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func writeInvoice(ctx context.Context, q querier, inv *domain.Invoice) error {
	_, err := q.ExecContext(ctx, `UPDATE invoices SET paid_amount = ?, status = ?, issue_date = ?,
		due_date = ?, paid_date = ?, cancelled_at = ?, cancel_reason = ?, last_payment_ref = ?,
		updated_at = ?, version = version + 1 WHERE id = ?`,
		inv.PaidAmount.Amount, string(inv.Status), inv.IssueDate, inv.DueDate, inv.PaidDate,
		inv.CancelledAt, inv.CancelReason, inv.LastPaymentRef, inv.UpdatedAt, inv.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update invoice: %w", err)
	}
	inv.Version++
	return nil
}

// ListDueInvoices returns invoices in status due before cutoff, without lines.
func (s *Store) ListDueInvoices(ctx context.Context, status domain.InvoiceStatus, cutoff time.Time, limit int) ([]*domain.Invoice, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+invoiceColumns+` FROM invoices
		WHERE status = ? AND due_date < ? ORDER BY due_date LIMIT ?`,
		string(status), cutoff, limitOrDefault(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list due invoices: %w", err)
	}
	defer rows.Close()

	var out []*domain.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan invoice: %w", err)
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

const txnColumns = `id, invoice_id, provider, external_reference, amount, currency, status,
	payload, failure_reason, review_reason, created_at, confirmed_at, updated_at, last_polled_at`

// CreateTransaction inserts a transaction; a unique key violation on
// (provider, external_reference) is domain.ErrDuplicateTransaction.
func (s *Store) CreateTransaction(ctx context.Context, txn *domain.PaymentTransaction) error {
	payload, err := json.Marshal(txn.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO payment_transactions (`+txnColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		txn.ID.String(), txn.InvoiceID.String(), string(txn.Provider), txn.ExternalRef,
		txn.Amount.Amount, txn.Amount.Currency, string(txn.Status), payload,
		txn.FailureReason, txn.ReviewReason, txn.CreatedAt, txn.ConfirmedAt, txn.UpdatedAt,
		txn.LastPolledAt,
	)
	if err != nil {
		var myErr *mysql.MySQLError
		if errors.As(err, &myErr) && myErr.Number == errDuplicateEntry {
			return fmt.Errorf("%w: %s/%s", domain.ErrDuplicateTransaction, txn.Provider, txn.ExternalRef)
		}
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

// GetTransaction loads a transaction by its idempotency key.
func (s *Store) GetTransaction(ctx context.Context, provider domain.Provider, externalRef string) (*domain.PaymentTransaction, error) {
	return getTransaction(ctx, s.db, provider, externalRef, false)
}

func getTransaction(ctx context.Context, q querier, provider domain.Provider, externalRef string, forUpdate bool) (*domain.PaymentTransaction, error) {
	query := `SELECT ` + txnColumns + ` FROM payment_transactions WHERE provider = ? AND external_reference = ?`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	txn, err := scanTransaction(q.QueryRowContext(ctx, query, string(provider), externalRef))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrUnknownTransaction
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load transaction: %w", err)
	}
	return txn, nil
}

func scanTransaction(row rowScanner) (*domain.PaymentTransaction, error) {
	var (
		txn                   domain.PaymentTransaction
		id, invoiceID         string
		provider, status      string
		amount                decimal.Decimal
		currency              string
		payload               []byte
		failureReason, review sql.NullString
		confirmedAt, polledAt sql.NullTime
	)
	err := row.Scan(&id, &invoiceID, &provider, &txn.ExternalRef, &amount, &currency, &status,
		&payload, &failureReason, &review, &txn.CreatedAt, &confirmedAt, &txn.UpdatedAt, &polledAt)
	if err != nil {
		return nil, err
	}
	if txn.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("corrupt transaction id %q: %w", id, err)
	}
	if txn.InvoiceID, err = uuid.Parse(invoiceID); err != nil {
		return nil, fmt.Errorf("corrupt invoice id %q: %w", invoiceID, err)
	}
	txn.Provider = domain.Provider(provider)
	txn.Status = domain.TransactionStatus(status)
	txn.Amount = domain.NewMoney(amount, currency)
	txn.FailureReason = failureReason.String
	txn.ReviewReason = review.String
	txn.ConfirmedAt = timePtr(confirmedAt)
	txn.LastPolledAt = timePtr(polledAt)
	txn.Payload = map[string]string{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &txn.Payload); err != nil {
			return nil, fmt.Errorf("corrupt payload for %s: %w", txn.ExternalRef, err)
		}
	}
	return &txn, nil
}

func (s *Store) queryTransactions(ctx context.Context, query string, args ...any) ([]*domain.PaymentTransaction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var out []*domain.PaymentTransaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		out = append(out, txn)
	}
	return out, rows.Err()
}

// FindTransactionsByRef searches every provider for a reference.
func (s *Store) FindTransactionsByRef(ctx context.Context, externalRef string) ([]*domain.PaymentTransaction, error) {
	return s.queryTransactions(ctx, `SELECT `+txnColumns+` FROM payment_transactions
		WHERE external_reference = ? ORDER BY created_at`, externalRef)
}

// FindOpenTransaction returns the newest PENDING attempt, or nil.
func (s *Store) FindOpenTransaction(ctx context.Context, invoiceID uuid.UUID, provider domain.Provider) (*domain.PaymentTransaction, error) {
	txns, err := s.queryTransactions(ctx, `SELECT `+txnColumns+` FROM payment_transactions
		WHERE invoice_id = ? AND provider = ? AND status = ? ORDER BY created_at DESC LIMIT 1`,
		invoiceID.String(), string(provider), string(domain.TxPending))
	if err != nil || len(txns) == 0 {
		return nil, err
	}
	return txns[0], nil
}

// ListInvoiceTransactions returns all attempts for an invoice, oldest first.
func (s *Store) ListInvoiceTransactions(ctx context.Context, invoiceID uuid.UUID) ([]*domain.PaymentTransaction, error) {
	return s.queryTransactions(ctx, `SELECT `+txnColumns+` FROM payment_transactions
		WHERE invoice_id = ? ORDER BY created_at`, invoiceID.String())
}

// ListStalePending returns reconciliation candidates not under review. Attempts
// never polled come first, then the least recently polled.
func (s *Store) ListStalePending(ctx context.Context, provider domain.Provider, cutoff time.Time, limit int) ([]*domain.PaymentTransaction, error) {
	return s.queryTransactions(ctx, `SELECT `+txnColumns+` FROM payment_transactions
		WHERE provider = ? AND status = ? AND created_at < ?
		AND (review_reason IS NULL OR review_reason = '')
		ORDER BY last_polled_at IS NOT NULL, last_polled_at, created_at LIMIT ?`,
		string(provider), string(domain.TxPending), cutoff, limitOrDefault(limit))
}

func writeTransaction(ctx context.Context, q querier, txn *domain.PaymentTransaction) error {
	payload, err := json.Marshal(txn.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}
	_, err = q.ExecContext(ctx, `UPDATE payment_transactions SET status = ?, payload = ?,
		failure_reason = ?, review_reason = ?, confirmed_at = ?, updated_at = ?, last_polled_at = ?
		WHERE provider = ? AND external_reference = ?`,
		string(txn.Status), payload, txn.FailureReason, txn.ReviewReason, txn.ConfirmedAt,
		txn.UpdatedAt, txn.LastPolledAt, string(txn.Provider), txn.ExternalRef,
	)
	if err != nil {
		return fmt.Errorf("failed to update transaction: %w", err)
	}
	return nil
}

// lockPair locks the invoice row and then the transaction row.
func lockPair(ctx context.Context, tx *sql.Tx, provider domain.Provider, externalRef string) (*domain.PaymentTransaction, *domain.Invoice, error) {
	var invoiceID string
	err := tx.QueryRowContext(ctx, `SELECT invoice_id FROM payment_transactions
		WHERE provider = ? AND external_reference = ?`, string(provider), externalRef).Scan(&invoiceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, domain.ErrUnknownTransaction
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to resolve transaction: %w", err)
	}
	id, err := uuid.Parse(invoiceID)
	if err != nil {
		return nil, nil, fmt.Errorf("corrupt invoice id %q: %w", invoiceID, err)
	}
	inv, err := getInvoice(ctx, tx, id, true)
	if err != nil {
		return nil, nil, err
	}
	txn, err := getTransaction(ctx, tx, provider, externalRef, true)
	if err != nil {
		return nil, nil, err
	}
	return txn, inv, nil
}

// UpdateTransaction applies fn to one transaction under the invoice lock.
func (s *Store) UpdateTransaction(ctx context.Context, provider domain.Provider, externalRef string, fn func(txn *domain.PaymentTransaction) error) (*domain.PaymentTransaction, error) {
	var out *domain.PaymentTransaction
	var fnErr error
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		txn, _, err := lockPair(ctx, tx, provider, externalRef)
		if err != nil {
			return err
		}
		out = txn.Clone()
		if fnErr = fn(txn); fnErr != nil {
			return fnErr
		}
		if err := writeTransaction(ctx, tx, txn); err != nil {
			return err
		}
		out = txn
		return nil
	})
	if fnErr != nil {
		return out, fnErr
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Settle applies fn to the locked transaction and invoice and commits both,
// or neither.
func (s *Store) Settle(ctx context.Context, provider domain.Provider, externalRef string,
	fn func(txn *domain.PaymentTransaction, inv *domain.Invoice) error,
) (*domain.PaymentTransaction, *domain.Invoice, error) {
	var outTxn *domain.PaymentTransaction
	var outInv *domain.Invoice
	var fnErr error
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		txn, inv, err := lockPair(ctx, tx, provider, externalRef)
		if err != nil {
			return err
		}
		outTxn, outInv = txn.Clone(), inv.Clone()
		if fnErr = fn(txn, inv); fnErr != nil {
			return fnErr
		}
		if err := writeTransaction(ctx, tx, txn); err != nil {
			return err
		}
		if err := writeInvoice(ctx, tx, inv); err != nil {
			return err
		}
		outTxn, outInv = txn, inv
		return nil
	})
	if fnErr != nil {
		return outTxn, outInv, fnErr
	}
	if err != nil {
		return nil, nil, err
	}
	return outTxn, outInv, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}
