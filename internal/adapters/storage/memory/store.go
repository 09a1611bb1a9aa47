// Package memory implements the storage ports in process memory. It backs
// development runs without MySQL/Redis and the test suites.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fitstack/fitstack-billing/internal/core/domain"
	"github.com/google/uuid"
)

type txKey struct {
	provider domain.Provider
	ref      string
}

// Store implements ports.Store. Row mutations are serialized per invoice, so
// settlements for different invoices never wait on each other.
type Store struct {
	mu       sync.RWMutex
	invoices map[uuid.UUID]*domain.Invoice
	txns     map[txKey]*domain.PaymentTransaction
	seq      int64

	locksMu sync.Mutex
	locks   map[uuid.UUID]*sync.Mutex
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		invoices: make(map[uuid.UUID]*domain.Invoice),
		txns:     make(map[txKey]*domain.PaymentTransaction),
		locks:    make(map[uuid.UUID]*sync.Mutex),
	}
}

func (s *Store) lockFor(invoiceID uuid.UUID) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[invoiceID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[invoiceID] = l
	}
	return l
}

// CreateInvoice stores inv and assigns its number.
func (s *Store) CreateInvoice(_ context.Context, inv *domain.Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.invoices[inv.ID]; exists {
		return fmt.Errorf("invoice %s already exists", inv.ID)
	}
	s.seq++
	inv.Number = formatInvoiceNumber(s.seq)
	inv.Version = 1
	s.invoices[inv.ID] = inv.Clone()
	return nil
}

func formatInvoiceNumber(seq int64) string {
	return fmt.Sprintf("INV-%06d", seq)
}

// GetInvoice returns a copy of the invoice.
func (s *Store) GetInvoice(_ context.Context, id uuid.UUID) (*domain.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inv, ok := s.invoices[id]
	if !ok {
		return nil, domain.ErrInvoiceNotFound
	}
	return inv.Clone(), nil
}

// UpdateInvoice applies fn under the invoice's lock.
func (s *Store) UpdateInvoice(ctx context.Context, id uuid.UUID, fn func(inv *domain.Invoice) error) (*domain.Invoice, error) {
	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()

	inv, err := s.GetInvoice(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(inv); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	inv.Version++
	s.invoices[id] = inv.Clone()
	return inv, nil
}

// ListDueInvoices returns invoices in status due before cutoff.
func (s *Store) ListDueInvoices(_ context.Context, status domain.InvoiceStatus, cutoff time.Time, limit int) ([]*domain.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Invoice
	for _, inv := range s.invoices {
		if inv.Status == status && inv.DueDate != nil && inv.DueDate.Before(cutoff) {
			out = append(out, inv.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueDate.Before(*out[j].DueDate) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CreateTransaction enforces (provider, external reference) uniqueness.
func (s *Store) CreateTransaction(_ context.Context, txn *domain.PaymentTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.invoices[txn.InvoiceID]; !ok {
		return domain.ErrInvoiceNotFound
	}
	key := txKey{txn.Provider, txn.ExternalRef}
	if _, exists := s.txns[key]; exists {
		return fmt.Errorf("%w: %s/%s", domain.ErrDuplicateTransaction, txn.Provider, txn.ExternalRef)
	}
	s.txns[key] = txn.Clone()
	return nil
}

// GetTransaction looks a transaction up by its idempotency key.
func (s *Store) GetTransaction(_ context.Context, provider domain.Provider, externalRef string) (*domain.PaymentTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	txn, ok := s.txns[txKey{provider, externalRef}]
	if !ok {
		return nil, domain.ErrUnknownTransaction
	}
	return txn.Clone(), nil
}

// FindTransactionsByRef searches all providers for a reference.
func (s *Store) FindTransactionsByRef(_ context.Context, externalRef string) ([]*domain.PaymentTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.PaymentTransaction
	for _, p := range domain.Providers {
		if txn, ok := s.txns[txKey{p, externalRef}]; ok {
			out = append(out, txn.Clone())
		}
	}
	return out, nil
}

// FindOpenTransaction returns the newest PENDING attempt of provider for the invoice.
func (s *Store) FindOpenTransaction(_ context.Context, invoiceID uuid.UUID, provider domain.Provider) (*domain.PaymentTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var newest *domain.PaymentTransaction
	for _, txn := range s.txns {
		if txn.InvoiceID != invoiceID || txn.Provider != provider || txn.Status != domain.TxPending {
			continue
		}
		if newest == nil || txn.CreatedAt.After(newest.CreatedAt) {
			newest = txn
		}
	}
	if newest == nil {
		return nil, nil
	}
	return newest.Clone(), nil
}

// ListInvoiceTransactions returns all attempts for an invoice, oldest first.
func (s *Store) ListInvoiceTransactions(_ context.Context, invoiceID uuid.UUID) ([]*domain.PaymentTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.PaymentTransaction
	for _, txn := range s.txns {
		if txn.InvoiceID == invoiceID {
			out = append(out, txn.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// UpdateTransaction applies fn to one transaction under its invoice's lock.
func (s *Store) UpdateTransaction(ctx context.Context, provider domain.Provider, externalRef string, fn func(txn *domain.PaymentTransaction) error) (*domain.PaymentTransaction, error) {
	current, err := s.GetTransaction(ctx, provider, externalRef)
	if err != nil {
		return nil, err
	}
	l := s.lockFor(current.InvoiceID)
	l.Lock()
	defer l.Unlock()

	txn, err := s.GetTransaction(ctx, provider, externalRef)
	if err != nil {
		return nil, err
	}
	if err := fn(txn); err != nil {
		return txn, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.txns[txKey{provider, externalRef}] = txn.Clone()
	return txn, nil
}

// pollsBefore orders never-polled attempts first, then the least recently
// polled, oldest first within a tie.
func pollsBefore(a, b *domain.PaymentTransaction) bool {
	switch {
	case a.LastPolledAt == nil && b.LastPolledAt != nil:
		return true
	case a.LastPolledAt != nil && b.LastPolledAt == nil:
		return false
	case a.LastPolledAt != nil && !a.LastPolledAt.Equal(*b.LastPolledAt):
		return a.LastPolledAt.Before(*b.LastPolledAt)
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// ListStalePending returns reconciliation candidates.
func (s *Store) ListStalePending(_ context.Context, provider domain.Provider, cutoff time.Time, limit int) ([]*domain.PaymentTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.PaymentTransaction
	for _, txn := range s.txns {
		if txn.Provider == provider && txn.Status == domain.TxPending &&
			txn.ReviewReason == "" && txn.CreatedAt.Before(cutoff) {
			out = append(out, txn.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return pollsBefore(out[i], out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Settle applies fn to a transaction and its invoice as one unit.
func (s *Store) Settle(ctx context.Context, provider domain.Provider, externalRef string,
	fn func(txn *domain.PaymentTransaction, inv *domain.Invoice) error,
) (*domain.PaymentTransaction, *domain.Invoice, error) {
	current, err := s.GetTransaction(ctx, provider, externalRef)
	if err != nil {
		return nil, nil, err
	}
	l := s.lockFor(current.InvoiceID)
	l.Lock()
	defer l.Unlock()

	s.mu.RLock()
	storedTxn, okTxn := s.txns[txKey{provider, externalRef}]
	storedInv, okInv := s.invoices[current.InvoiceID]
	s.mu.RUnlock()
	if !okTxn {
		return nil, nil, domain.ErrUnknownTransaction
	}
	if !okInv {
		return nil, nil, domain.ErrInvoiceNotFound
	}

	txn, inv := storedTxn.Clone(), storedInv.Clone()
	if err := fn(txn, inv); err != nil {
		return storedTxn.Clone(), storedInv.Clone(), err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	inv.Version++
	s.txns[txKey{provider, externalRef}] = txn.Clone()
	s.invoices[inv.ID] = inv.Clone()
	return txn, inv, nil
}
