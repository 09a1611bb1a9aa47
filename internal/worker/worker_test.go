package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fitstack/fitstack-billing/internal/adapters/storage/memory"
	"github.com/fitstack/fitstack-billing/internal/core/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var now = time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)

type recordingReconciler struct {
	mu      sync.Mutex
	refs    []string
	expired []string
	err     error
	// status is what the provider reports; CONFIRMED when empty.
	status domain.TransactionStatus
}

func (r *recordingReconciler) Reconcile(_ context.Context, txn *domain.PaymentTransaction) (*domain.CallbackResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refs = append(r.refs, txn.ExternalRef)
	if r.err != nil {
		return nil, r.err
	}
	status := r.status
	if status == "" {
		status = domain.TxConfirmed
	}
	return &domain.CallbackResult{Success: true, Status: string(status), TxStatus: status}, nil
}

func (r *recordingReconciler) ExpireAttempt(_ context.Context, txn *domain.PaymentTransaction) (*domain.CallbackResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expired = append(r.expired, txn.ExternalRef)
	return &domain.CallbackResult{Success: true, Status: string(domain.TxCancelled), TxStatus: domain.TxCancelled}, nil
}

func (r *recordingReconciler) polls(ref string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, got := range r.refs {
		if got == ref {
			n++
		}
	}
	return n
}

func seed(t *testing.T, store *memory.Store) *domain.Invoice {
	t.Helper()
	inv, err := domain.NewInvoice("member-1", "", "SAR", decimal.Zero, []domain.LineItem{
		{Description: "Membership", Quantity: 1, UnitPrice: domain.MustParseMoney("100.00", "SAR")},
	}, now)
	require.NoError(t, err)
	require.NoError(t, inv.Issue(now, 14))
	require.NoError(t, store.CreateInvoice(context.Background(), inv))
	return inv
}

func addPending(t *testing.T, store *memory.Store, inv *domain.Invoice, p domain.Provider, ref string, age time.Duration) {
	t.Helper()
	txn := domain.NewPendingTransaction(inv.ID, p, ref, inv.TotalAmount, nil, now.Add(-age))
	require.NoError(t, store.CreateTransaction(context.Background(), txn))
}

func TestReconcilerPollsStaleAttempts(t *testing.T) {
	store := memory.NewStore()
	inv := seed(t, store)
	addPending(t, store, inv, domain.ProviderCard, "card-old", time.Hour)
	addPending(t, store, inv, domain.ProviderCard, "card-new", time.Minute)
	addPending(t, store, inv, domain.ProviderBillPay, "bill-recent", time.Hour)
	addPending(t, store, inv, domain.ProviderBillPay, "bill-old", 7*time.Hour)

	payments := &recordingReconciler{}
	r := NewReconciler(store, payments, ReconcilerConfig{WorkerCount: 2}, zaptest.NewLogger(t))
	r.now = func() time.Time { return now }

	polled := r.RunOnce(context.Background())
	assert.Equal(t, 2, polled)
	assert.ElementsMatch(t, []string{"card-old", "bill-old"}, payments.refs)
}

func TestReconcilerSkipsUnlistedRails(t *testing.T) {
	store := memory.NewStore()
	inv := seed(t, store)
	addPending(t, store, inv, domain.ProviderWallet, "wallet-old", time.Hour)

	payments := &recordingReconciler{}
	r := NewReconciler(store, payments, ReconcilerConfig{
		Staleness: map[domain.Provider]time.Duration{domain.ProviderCard: time.Minute},
	}, zaptest.NewLogger(t))
	r.now = func() time.Time { return now }

	assert.Zero(t, r.RunOnce(context.Background()))
	assert.Empty(t, payments.refs)
}

func TestReconcilerSurvivesProviderErrors(t *testing.T) {
	store := memory.NewStore()
	inv := seed(t, store)
	addPending(t, store, inv, domain.ProviderCard, "a", time.Hour)
	addPending(t, store, inv, domain.ProviderCard, "b", time.Hour)

	payments := &recordingReconciler{err: errors.Join(domain.ErrProviderUnavailable, errors.New("timeout"))}
	r := NewReconciler(store, payments, ReconcilerConfig{}, zaptest.NewLogger(t))
	r.now = func() time.Time { return now }

	assert.Equal(t, 2, r.RunOnce(context.Background()))
	assert.Len(t, payments.refs, 2)
}

func TestReconcilerRotatesThroughBacklog(t *testing.T) {
	store := memory.NewStore()
	inv := seed(t, store)
	for i := 0; i < 60; i++ {
		addPending(t, store, inv, domain.ProviderCard, fmt.Sprintf("abandoned-%02d", i), 3*time.Hour-time.Duration(i)*time.Minute)
	}
	addPending(t, store, inv, domain.ProviderCard, "lost-webhook", time.Hour)

	// Abandoned checkouts stay open at the provider.
	payments := &recordingReconciler{status: domain.TxPending}
	r := NewReconciler(store, payments, ReconcilerConfig{
		BatchSize: 50,
		Staleness: map[domain.Provider]time.Duration{domain.ProviderCard: 10 * time.Minute},
	}, zaptest.NewLogger(t))
	clock := now
	r.now = func() time.Time { return clock }

	for cycle := 0; cycle < 2; cycle++ {
		assert.Equal(t, 50, r.RunOnce(context.Background()))
		clock = clock.Add(time.Minute)
	}

	assert.Equal(t, 1, payments.polls("lost-webhook"))
	for i := 0; i < 60; i++ {
		assert.GreaterOrEqual(t, payments.polls(fmt.Sprintf("abandoned-%02d", i)), 1, "abandoned-%02d", i)
	}
	assert.Empty(t, payments.expired, "nothing is past its max age yet")

	txn, err := store.GetTransaction(context.Background(), domain.ProviderCard, "lost-webhook")
	require.NoError(t, err)
	require.NotNil(t, txn.LastPolledAt)
	assert.Equal(t, now.Add(time.Minute), *txn.LastPolledAt)
}

func TestReconcilerPollsEvenWhenProviderFails(t *testing.T) {
	store := memory.NewStore()
	inv := seed(t, store)
	addPending(t, store, inv, domain.ProviderCard, "a", time.Hour)
	addPending(t, store, inv, domain.ProviderCard, "b", 2*time.Hour)

	payments := &recordingReconciler{err: domain.ErrProviderUnavailable}
	r := NewReconciler(store, payments, ReconcilerConfig{BatchSize: 1}, zaptest.NewLogger(t))
	clock := now
	r.now = func() time.Time { return clock }

	r.RunOnce(context.Background())
	clock = clock.Add(time.Minute)
	r.RunOnce(context.Background())

	assert.Equal(t, []string{"b", "a"}, payments.refs)
}

func TestReconcilerExpiresAbandonedAttempts(t *testing.T) {
	store := memory.NewStore()
	inv := seed(t, store)
	addPending(t, store, inv, domain.ProviderCard, "card-abandoned", 25*time.Hour)
	addPending(t, store, inv, domain.ProviderCard, "card-open", 2*time.Hour)
	addPending(t, store, inv, domain.ProviderWallet, "wallet-abandoned", 2*time.Hour)

	payments := &recordingReconciler{status: domain.TxPending}
	r := NewReconciler(store, payments, ReconcilerConfig{}, zaptest.NewLogger(t))
	r.now = func() time.Time { return now }

	assert.Equal(t, 3, r.RunOnce(context.Background()))
	assert.ElementsMatch(t, []string{"card-abandoned", "wallet-abandoned"}, payments.expired)
}

func TestReconcilerDoesNotExpireSettledOrUnreachable(t *testing.T) {
	store := memory.NewStore()
	inv := seed(t, store)
	addPending(t, store, inv, domain.ProviderCard, "old", 48*time.Hour)

	confirmed := &recordingReconciler{}
	r := NewReconciler(store, confirmed, ReconcilerConfig{}, zaptest.NewLogger(t))
	r.now = func() time.Time { return now }
	r.RunOnce(context.Background())
	assert.Empty(t, confirmed.expired)

	down := &recordingReconciler{err: domain.ErrProviderUnavailable}
	r = NewReconciler(store, down, ReconcilerConfig{}, zaptest.NewLogger(t))
	r.now = func() time.Time { return now }
	r.RunOnce(context.Background())
	assert.Empty(t, down.expired)
}

func TestReconcilerStopsOnCancel(t *testing.T) {
	r := NewReconciler(memory.NewStore(), &recordingReconciler{}, ReconcilerConfig{Interval: 5 * time.Millisecond}, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		r.Start(ctx)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reconciler did not stop")
	}
}

type countingMarker struct {
	calls int
	limit int
	err   error
}

func (m *countingMarker) SweepOverdue(_ context.Context, limit int) (int, error) {
	m.calls++
	m.limit = limit
	return 3, m.err
}

func TestOverdueSweeperRunOnce(t *testing.T) {
	marker := &countingMarker{}
	s := NewOverdueSweeper(marker, 0, 0, zaptest.NewLogger(t))

	assert.Equal(t, 3, s.RunOnce(context.Background()))
	assert.Equal(t, 200, marker.limit)

	marker.err = errors.New("db down")
	assert.Zero(t, s.RunOnce(context.Background()))
	assert.Equal(t, 2, marker.calls)
}
