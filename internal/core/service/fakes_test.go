package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fitstack/fitstack-billing/internal/adapters/storage/memory"
	"github.com/fitstack/fitstack-billing/internal/core/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var testNow = time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

type fakeMembers struct {
	members map[string]*domain.Member
}

func (f *fakeMembers) GetMember(_ context.Context, id string) (*domain.Member, error) {
	m, ok := f.members[id]
	if !ok {
		return nil, domain.ErrMemberNotFound
	}
	c := *m
	return &c, nil
}

type sentEvent struct {
	invoiceID uuid.UUID
	event     domain.NotificationEvent
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []sentEvent
	err    error
}

func (n *recordingNotifier) Notify(_ context.Context, id uuid.UUID, event domain.NotificationEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, sentEvent{id, event})
	return n.err
}

func (n *recordingNotifier) count(event domain.NotificationEvent) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, e := range n.events {
		if e.event == event {
			c++
		}
	}
	return c
}

// fakeGateway records a PENDING row on Initiate like every real adapter and
// returns whatever verification or callback event the test sets.
type fakeGateway struct {
	provider domain.Provider
	store    *memory.Store

	mu       sync.Mutex
	seq      int
	verify   *domain.VerificationResult
	callback *domain.PaymentEvent
	err      error
	block    bool
}

func (g *fakeGateway) Provider() domain.Provider { return g.provider }

func (g *fakeGateway) Initiate(ctx context.Context, inv *domain.Invoice, _ domain.MemberContext) (*domain.InitiationResult, error) {
	g.mu.Lock()
	block, err := g.block, g.err
	g.seq++
	ref := string(g.provider) + "-" + string(rune('0'+g.seq))
	g.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	txn := domain.NewPendingTransaction(inv.ID, g.provider, ref, inv.RemainingBalance(), nil, testNow)
	if err := g.store.CreateTransaction(ctx, txn); err != nil {
		return nil, err
	}
	return &domain.InitiationResult{Success: true, Provider: g.provider, ProviderRef: ref, Transaction: txn}, nil
}

func (g *fakeGateway) Verify(context.Context, string) (*domain.VerificationResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	return g.verify, nil
}

func (g *fakeGateway) HandleCallback(context.Context, domain.CallbackRequest) (*domain.PaymentEvent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	return g.callback, nil
}

type fakeWallet struct {
	*fakeGateway
	confirm func(invoiceID uuid.UUID, otp string) (*domain.PaymentEvent, error)
}

func (w *fakeWallet) Confirm(_ context.Context, invoiceID uuid.UUID, otp string) (*domain.PaymentEvent, error) {
	return w.confirm(invoiceID, otp)
}

type fakeInstallments struct {
	*fakeGateway
	authorizes int
}

func (b *fakeInstallments) AuthorizeOrder(_ context.Context, orderID string) (*domain.Authorization, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.authorizes++
	return &domain.Authorization{OrderID: orderID, AuthorizationID: "auth-1", Status: "authorized", AlreadyAuthorized: b.authorizes > 1}, nil
}

func (b *fakeInstallments) CaptureOrder(_ context.Context, orderID string) (*domain.PaymentEvent, error) {
	return &domain.PaymentEvent{Provider: domain.ProviderBNPL, ExternalRef: orderID, Status: domain.TxConfirmed}, nil
}

type harness struct {
	store      *memory.Store
	reviews    *memory.ReviewQueue
	notifier   *recordingNotifier
	dispatcher *Dispatcher
	settlement *Settlement
	payments   *PaymentService
	billing    *BillingService
	card       *fakeGateway
	wallet     *fakeWallet
	bnpl       *fakeInstallments
}

func newHarness(t *testing.T) *harness {
	logger := zaptest.NewLogger(t)
	h := &harness{
		store:    memory.NewStore(),
		reviews:  memory.NewReviewQueue(),
		notifier: &recordingNotifier{},
	}
	h.dispatcher = NewDispatcher(h.notifier, logger)
	h.settlement = NewSettlement(h.store, h.reviews, h.dispatcher, logger)
	h.settlement.now = func() time.Time { return testNow }

	h.card = &fakeGateway{provider: domain.ProviderCard, store: h.store}
	h.wallet = &fakeWallet{fakeGateway: &fakeGateway{provider: domain.ProviderWallet, store: h.store}}
	h.bnpl = &fakeInstallments{fakeGateway: &fakeGateway{provider: domain.ProviderBNPL, store: h.store}}

	members := &fakeMembers{members: map[string]*domain.Member{
		"member-1": {ID: "member-1", Email: "one@example.com", DefaultCurrency: "SAR", SavedMethods: []domain.SavedPaymentMethod{
			{ID: "pm-1", MemberID: "member-1", Provider: domain.ProviderWallet, Token: "+966500009999"},
		}},
		"member-2": {ID: "member-2", DefaultCurrency: "KWD"},
	}}
	h.payments = NewPaymentService(h.store, members, Gateways{
		Card:   h.card,
		Wallet: h.wallet,
		BNPL:   h.bnpl,
	}, h.settlement, map[domain.Provider]time.Duration{domain.ProviderCard: time.Second}, logger)
	h.billing = NewBillingService(h.store, members, h.dispatcher, logger)
	h.billing.now = func() time.Time { return testNow }
	t.Cleanup(h.dispatcher.Wait)
	return h
}

// issued stores an ISSUED 100.00 + 15% VAT = 115.00 SAR invoice for member-1.
func (h *harness) issued(t *testing.T) *domain.Invoice {
	t.Helper()
	inv, err := domain.NewInvoice("member-1", "sub-1", "SAR", decimal.NewFromInt(15), []domain.LineItem{
		{Description: "Monthly membership", Quantity: 1, UnitPrice: domain.MustParseMoney("100.00", "SAR")},
	}, testNow)
	require.NoError(t, err)
	require.NoError(t, inv.Issue(testNow, 14))
	require.NoError(t, h.store.CreateInvoice(context.Background(), inv))
	return inv
}

func (h *harness) pending(t *testing.T, inv *domain.Invoice, provider domain.Provider, ref, amount string) *domain.PaymentTransaction {
	t.Helper()
	txn := domain.NewPendingTransaction(inv.ID, provider, ref, domain.MustParseMoney(amount, inv.Currency), nil, testNow)
	require.NoError(t, h.store.CreateTransaction(context.Background(), txn))
	return txn
}

func (h *harness) invoice(t *testing.T, id uuid.UUID) *domain.Invoice {
	t.Helper()
	inv, err := h.store.GetInvoice(context.Background(), id)
	require.NoError(t, err)
	return inv
}

func (h *harness) txn(t *testing.T, provider domain.Provider, ref string) *domain.PaymentTransaction {
	t.Helper()
	txn, err := h.store.GetTransaction(context.Background(), provider, ref)
	require.NoError(t, err)
	return txn
}

func money(amount string) *domain.Money {
	m := domain.MustParseMoney(amount, "SAR")
	return &m
}
