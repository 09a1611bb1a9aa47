// Package redisstore keeps wallet OTP challenges in Redis.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fitstack/fitstack-billing/internal/core/domain"
	"github.com/redis/go-redis/v9"
)

// DefaultGrace is how long an expired challenge stays readable.
const DefaultGrace = 24 * time.Hour

// OTPStore implements ports.OTPChallengeStore. The slot key is claimed with
// SET NX and lives until the challenge expires; the challenge itself outlives
// it by the grace period.
type OTPStore struct {
	client *redis.Client
	prefix string
	grace  time.Duration
	now    func() time.Time
}

// NewOTPStore creates a store on an existing client.
func NewOTPStore(client *redis.Client, prefix string) *OTPStore {
	if prefix == "" {
		prefix = "billing:otp"
	}
	return &OTPStore{client: client, prefix: prefix, grace: DefaultGrace, now: time.Now}
}

func (s *OTPStore) slotKey(invoiceID string) string {
	return s.prefix + ":slot:" + invoiceID
}

func (s *OTPStore) challengeKey(invoiceID string) string {
	return s.prefix + ":challenge:" + invoiceID
}

// Reserve claims the invoice's slot.
func (s *OTPStore) Reserve(ctx context.Context, invoiceID string, ttl time.Duration) error {
	ok, err := s.client.SetNX(ctx, s.slotKey(invoiceID), s.now().UTC().Format(time.RFC3339), ttl).Result()
	if err != nil {
		return fmt.Errorf("reserve otp slot: %w", err)
	}
	if !ok {
		return domain.ErrOTPChallengeActive
	}
	return nil
}

// Save stores the challenge and pins the slot to its expiry.
func (s *OTPStore) Save(ctx context.Context, c domain.OTPChallenge) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal otp challenge: %w", err)
	}
	ttl := c.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		ttl = time.Second
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.challengeKey(c.InvoiceID), data, ttl+s.grace)
	pipe.Expire(ctx, s.slotKey(c.InvoiceID), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save otp challenge: %w", err)
	}
	return nil
}

// Get loads the last challenge for the invoice.
func (s *OTPStore) Get(ctx context.Context, invoiceID string) (*domain.OTPChallenge, error) {
	data, err := s.client.Get(ctx, s.challengeKey(invoiceID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrOTPUnknown
	}
	if err != nil {
		return nil, fmt.Errorf("load otp challenge: %w", err)
	}
	var c domain.OTPChallenge
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode otp challenge: %w", err)
	}
	return &c, nil
}

// Release frees the slot.
func (s *OTPStore) Release(ctx context.Context, invoiceID string) error {
	if err := s.client.Del(ctx, s.slotKey(invoiceID)).Err(); err != nil {
		return fmt.Errorf("release otp slot: %w", err)
	}
	return nil
}
