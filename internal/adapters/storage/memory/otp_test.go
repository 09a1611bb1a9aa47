package memory

import (
	"context"
	"testing"
	"time"

	"github.com/fitstack/fitstack-billing/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOTPStoreSlot(t *testing.T) {
	clock := now
	s := NewOTPStore(func() time.Time { return clock })
	ctx := context.Background()

	require.NoError(t, s.Reserve(ctx, "inv-1", 5*time.Minute))
	assert.ErrorIs(t, s.Reserve(ctx, "inv-1", 5*time.Minute), domain.ErrOTPChallengeActive)
	assert.NoError(t, s.Reserve(ctx, "inv-2", 5*time.Minute), "slots are per invoice")

	require.NoError(t, s.Save(ctx, domain.OTPChallenge{
		InvoiceID:    "inv-1",
		OTPReference: "otp-1",
		PaymentRef:   "pay-1",
		ExpiresAt:    clock.Add(time.Minute),
	}))

	clock = clock.Add(2 * time.Minute)
	assert.NoError(t, s.Reserve(ctx, "inv-1", 5*time.Minute), "expired slot can be claimed again")
}

func TestOTPStoreReleaseKeepsChallenge(t *testing.T) {
	s := NewOTPStore(nil)
	ctx := context.Background()

	_, err := s.Get(ctx, "inv-1")
	assert.ErrorIs(t, err, domain.ErrOTPUnknown)

	require.NoError(t, s.Reserve(ctx, "inv-1", time.Minute))
	require.NoError(t, s.Save(ctx, domain.OTPChallenge{InvoiceID: "inv-1", OTPReference: "otp-1", ExpiresAt: time.Now().Add(time.Minute)}))
	require.NoError(t, s.Release(ctx, "inv-1"))

	c, err := s.Get(ctx, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, "otp-1", c.OTPReference)
	assert.NoError(t, s.Reserve(ctx, "inv-1", time.Minute))
}

func TestReviewQueue(t *testing.T) {
	q := NewReviewQueue()
	require.NoError(t, q.Raise(context.Background(), domain.ReviewIssue{Kind: domain.ReviewOverpayment}))

	issues := q.Issues()
	require.Len(t, issues, 1)
	assert.Equal(t, domain.ReviewOverpayment, issues[0].Kind)
}
