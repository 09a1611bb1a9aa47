package wallet

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fitstack/fitstack-billing/internal/adapters/providerhttp"
	"github.com/fitstack/fitstack-billing/internal/adapters/storage/memory"
	"github.com/fitstack/fitstack-billing/internal/core/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testSecret = "wallet-secret"

type fakeWallet struct {
	server     *httptest.Server
	authorizes atomic.Int32
	confirms   atomic.Int32

	mu            sync.Mutex
	authorizeCode int
	confirmStatus string
	confirmCode   int
	confirmBody   string
}

func (f *fakeWallet) configure(fn func(f *fakeWallet)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func newFakeWallet(t *testing.T) *fakeWallet {
	f := &fakeWallet{confirmStatus: "paid"}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		assert.Equal(t, "merchant-1", r.Header.Get("X-Merchant-ID"))
		w.Header().Set("Content-Type", "application/json")
		f.mu.Lock()
		defer f.mu.Unlock()

		switch r.URL.Path {
		case "/v1/payments/direct/authorize":
			n := f.authorizes.Add(1)
			if f.authorizeCode != 0 {
				w.WriteHeader(f.authorizeCode)
				_, _ = w.Write([]byte(`{"message":"wallet down"}`))
				return
			}
			var req authorizeRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "115.00", req.Amount)
			assert.Equal(t, "SAR", req.Currency)
			_ = json.NewEncoder(w).Encode(authorizeResponse{
				OTPReference:     "otp-" + string(rune('0'+n)),
				PaymentReference: "pay-" + string(rune('0'+n)),
				ExpiresIn:        120,
			})
		case "/v1/payments/direct/confirm":
			f.confirms.Add(1)
			if f.confirmCode != 0 {
				w.WriteHeader(f.confirmCode)
				_, _ = w.Write([]byte(f.confirmBody))
				return
			}
			var req confirmRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			_ = json.NewEncoder(w).Encode(paymentStatusResponse{
				PaymentReference: req.PaymentReference,
				Status:           f.confirmStatus,
				Amount:           "115.00",
				Currency:         "SAR",
			})
		default:
			_ = json.NewEncoder(w).Encode(paymentStatusResponse{
				PaymentReference: "pay-1",
				Status:           "pending",
			})
		}
	}))
	t.Cleanup(f.server.Close)
	return f
}

type fixture struct {
	adapter    *Adapter
	store      *memory.Store
	challenges *memory.OTPStore
	invoice    *domain.Invoice
	provider   *fakeWallet
	clock      *time.Time
}

func newFixture(t *testing.T) *fixture {
	clock := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	store := memory.NewStore()
	inv, err := domain.NewInvoice("member-1", "", "SAR", decimal.NewFromInt(15), []domain.LineItem{
		{Description: "Membership", Quantity: 1, UnitPrice: domain.MustParseMoney("100.00", "SAR")},
	}, clock)
	require.NoError(t, err)
	require.NoError(t, inv.Issue(clock, 14))
	require.NoError(t, store.CreateInvoice(context.Background(), inv))

	f := &fixture{store: store, invoice: inv, provider: newFakeWallet(t), clock: &clock}
	now := func() time.Time { return *f.clock }
	f.challenges = memory.NewOTPStore(now)
	f.adapter = NewAdapter(Config{
		BaseURL:       f.provider.server.URL,
		MerchantID:    "merchant-1",
		APIKey:        "key",
		WebhookSecret: testSecret,
		Timeout:       5 * time.Second,
	}, store, f.challenges, zaptest.NewLogger(t), WithClock(now))
	return f
}

func (f *fixture) member() domain.MemberContext {
	return domain.MemberContext{Member: domain.Member{ID: "member-1", Mobile: "+966500001234"}}
}

func TestInitiateSendsOTP(t *testing.T) {
	f := newFixture(t)

	res, err := f.adapter.Initiate(context.Background(), f.invoice, f.member())
	require.NoError(t, err)
	assert.Equal(t, "pay-1", res.ProviderRef)
	assert.Equal(t, "otp-1", res.Instruction[domain.PayloadOTPReference])
	assert.Equal(t, "*********1234", res.Instruction[domain.PayloadMobile])
	require.NotNil(t, res.ExpiresAt)
	assert.Equal(t, f.clock.Add(120*time.Second), *res.ExpiresAt)

	txn, err := f.store.GetTransaction(context.Background(), domain.ProviderWallet, "pay-1")
	require.NoError(t, err)
	assert.Equal(t, domain.TxPending, txn.Status)
	assert.Equal(t, "115.00", txn.Amount.StringFixed())
}

func TestInitiateOneChallengePerInvoice(t *testing.T) {
	f := newFixture(t)

	_, err := f.adapter.Initiate(context.Background(), f.invoice, f.member())
	require.NoError(t, err)

	_, err = f.adapter.Initiate(context.Background(), f.invoice, f.member())
	assert.ErrorIs(t, err, domain.ErrOTPChallengeActive)
	assert.Equal(t, int32(1), f.provider.authorizes.Load())
}

func TestInitiateRequiresMobile(t *testing.T) {
	f := newFixture(t)

	_, err := f.adapter.Initiate(context.Background(), f.invoice, domain.MemberContext{})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
	assert.Equal(t, int32(0), f.provider.authorizes.Load())
}

func TestInitiateFailureReleasesSlot(t *testing.T) {
	f := newFixture(t)
	f.provider.configure(func(p *fakeWallet) { p.authorizeCode = http.StatusServiceUnavailable })

	_, err := f.adapter.Initiate(context.Background(), f.invoice, f.member())
	assert.ErrorIs(t, err, domain.ErrProviderUnavailable)

	f.provider.configure(func(p *fakeWallet) { p.authorizeCode = 0 })
	_, err = f.adapter.Initiate(context.Background(), f.invoice, f.member())
	assert.NoError(t, err)
}

func TestConfirmCharges(t *testing.T) {
	f := newFixture(t)
	_, err := f.adapter.Initiate(context.Background(), f.invoice, f.member())
	require.NoError(t, err)

	ev, err := f.adapter.Confirm(context.Background(), f.invoice.ID, "123456")
	require.NoError(t, err)
	assert.Equal(t, domain.TxConfirmed, ev.Status)
	assert.Equal(t, "pay-1", ev.ExternalRef)
	require.NotNil(t, ev.Amount)
	assert.Equal(t, "115.00 SAR", ev.Amount.String())

	// The slot is free again once the charge is final.
	require.NoError(t, f.challenges.Reserve(context.Background(), f.invoice.ID.String(), time.Minute))
}

func TestConfirmDeclined(t *testing.T) {
	f := newFixture(t)
	f.provider.configure(func(p *fakeWallet) { p.confirmStatus = "insufficient_funds" })
	_, err := f.adapter.Initiate(context.Background(), f.invoice, f.member())
	require.NoError(t, err)

	ev, err := f.adapter.Confirm(context.Background(), f.invoice.ID, "123456")
	require.NoError(t, err)
	assert.Equal(t, domain.TxFailed, ev.Status)
	assert.Equal(t, "insufficient_funds", ev.Reason)
}

func TestConfirmAfterExpiry(t *testing.T) {
	f := newFixture(t)
	_, err := f.adapter.Initiate(context.Background(), f.invoice, f.member())
	require.NoError(t, err)

	*f.clock = f.clock.Add(121 * time.Second)
	_, err = f.adapter.Confirm(context.Background(), f.invoice.ID, "123456")
	assert.ErrorIs(t, err, domain.ErrOTPExpired)
	assert.Equal(t, int32(0), f.provider.confirms.Load(), "an expired OTP never reaches the wallet")

	txn, err := f.store.GetTransaction(context.Background(), domain.ProviderWallet, "pay-1")
	require.NoError(t, err)
	assert.Equal(t, domain.TxCancelled, txn.Status)
	assert.Equal(t, reasonOTPExpired, txn.FailureReason)

	// Asking again keeps reporting expiry.
	_, err = f.adapter.Confirm(context.Background(), f.invoice.ID, "123456")
	assert.ErrorIs(t, err, domain.ErrOTPExpired)

	// A fresh challenge can be requested.
	res, err := f.adapter.Initiate(context.Background(), f.invoice, f.member())
	require.NoError(t, err)
	assert.Equal(t, "pay-2", res.ProviderRef)
}

func TestConfirmProviderReportsExpiry(t *testing.T) {
	f := newFixture(t)
	f.provider.configure(func(p *fakeWallet) {
		p.confirmCode = http.StatusUnprocessableEntity
		p.confirmBody = `{"code":"otp_expired","message":"otp expired"}`
	})
	_, err := f.adapter.Initiate(context.Background(), f.invoice, f.member())
	require.NoError(t, err)

	_, err = f.adapter.Confirm(context.Background(), f.invoice.ID, "123456")
	assert.ErrorIs(t, err, domain.ErrOTPExpired)

	txn, err := f.store.GetTransaction(context.Background(), domain.ProviderWallet, "pay-1")
	require.NoError(t, err)
	assert.Equal(t, domain.TxCancelled, txn.Status)
}

func TestConfirmUnknownInvoice(t *testing.T) {
	f := newFixture(t)

	_, err := f.adapter.Confirm(context.Background(), f.invoice.ID, "123456")
	assert.ErrorIs(t, err, domain.ErrOTPUnknown)
}

func TestHandleCallback(t *testing.T) {
	f := newFixture(t)
	_, err := f.adapter.Initiate(context.Background(), f.invoice, f.member())
	require.NoError(t, err)

	body := []byte(`{"payment_reference":"pay-1","status":"paid","amount":"115.00","currency":"SAR"}`)

	_, err = f.adapter.HandleCallback(context.Background(), domain.CallbackRequest{
		Body:    body,
		Headers: map[string]string{SignatureHeader: "deadbeef"},
	})
	assert.ErrorIs(t, err, domain.ErrSignatureVerification)

	ev, err := f.adapter.HandleCallback(context.Background(), domain.CallbackRequest{
		Body:    body,
		Headers: map[string]string{"x-wallet-signature": providerhttp.SignBody(body, testSecret)},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.TxConfirmed, ev.Status)
	assert.Equal(t, "pay-1", ev.ExternalRef)
}

func TestVerify(t *testing.T) {
	f := newFixture(t)

	vr, err := f.adapter.Verify(context.Background(), "pay-1")
	require.NoError(t, err)
	assert.Equal(t, domain.TxPending, vr.Status)
	assert.Nil(t, vr.Amount)
}

func TestMapStatus(t *testing.T) {
	assert.Equal(t, domain.TxConfirmed, mapStatus("completed"))
	assert.Equal(t, domain.TxFailed, mapStatus("declined"))
	assert.Equal(t, domain.TxCancelled, mapStatus("expired"))
	assert.Equal(t, domain.TxPending, mapStatus("processing"))
}
