package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/fitstack/fitstack-billing/internal/core/domain"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*OTPStore, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewOTPStore(client, "test:otp"), mr
}

func TestReserveIsExclusive(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Reserve(ctx, "inv-1", time.Minute))
	assert.ErrorIs(t, s.Reserve(ctx, "inv-1", time.Minute), domain.ErrOTPChallengeActive)
	assert.NoError(t, s.Reserve(ctx, "inv-2", time.Minute))

	mr.FastForward(61 * time.Second)
	assert.NoError(t, s.Reserve(ctx, "inv-1", time.Minute), "an expired slot can be claimed")
}

func TestSaveAndGet(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	expires := time.Now().Add(2 * time.Minute).UTC().Truncate(time.Second)

	_, err := s.Get(ctx, "inv-1")
	assert.ErrorIs(t, err, domain.ErrOTPUnknown)

	require.NoError(t, s.Reserve(ctx, "inv-1", 5*time.Minute))
	require.NoError(t, s.Save(ctx, domain.OTPChallenge{
		InvoiceID:    "inv-1",
		OTPReference: "otp-1",
		PaymentRef:   "pay-1",
		ExpiresAt:    expires,
	}))

	c, err := s.Get(ctx, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, "otp-1", c.OTPReference)
	assert.Equal(t, "pay-1", c.PaymentRef)
	assert.True(t, expires.Equal(c.ExpiresAt))

	slotTTL := mr.TTL("test:otp:slot:inv-1")
	assert.LessOrEqual(t, slotTTL, 2*time.Minute, "slot is pinned to the challenge expiry")
	assert.Greater(t, mr.TTL("test:otp:challenge:inv-1"), DefaultGrace)

	// Past expiry the slot frees but the challenge stays readable.
	mr.FastForward(3 * time.Minute)
	assert.NoError(t, s.Reserve(ctx, "inv-1", time.Minute))
	c, err = s.Get(ctx, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, "otp-1", c.OTPReference)
}

func TestRelease(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Reserve(ctx, "inv-1", time.Hour))
	require.NoError(t, s.Release(ctx, "inv-1"))
	assert.NoError(t, s.Reserve(ctx, "inv-1", time.Hour))
	assert.NoError(t, s.Release(ctx, "missing"), "releasing a free slot is a no-op")
}
