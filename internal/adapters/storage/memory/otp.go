package memory

import (
	"context"
	"sync"
	"time"

	"github.com/fitstack/fitstack-billing/internal/core/domain"
)

// OTPStore is an in-memory ports.OTPChallengeStore.
type OTPStore struct {
	mu         sync.Mutex
	slots      map[string]time.Time
	challenges map[string]domain.OTPChallenge
	now        func() time.Time
}

// NewOTPStore creates a store using now as its clock; nil means time.Now.
func NewOTPStore(now func() time.Time) *OTPStore {
	if now == nil {
		now = time.Now
	}
	return &OTPStore{
		slots:      make(map[string]time.Time),
		challenges: make(map[string]domain.OTPChallenge),
		now:        now,
	}
}

// Reserve claims the slot unless it is held and unexpired.
func (s *OTPStore) Reserve(_ context.Context, invoiceID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if until, ok := s.slots[invoiceID]; ok && now.Before(until) {
		return domain.ErrOTPChallengeActive
	}
	s.slots[invoiceID] = now.Add(ttl)
	return nil
}

// Save stores the challenge and aligns the slot with its expiry.
func (s *OTPStore) Save(_ context.Context, c domain.OTPChallenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.challenges[c.InvoiceID] = c
	s.slots[c.InvoiceID] = c.ExpiresAt
	return nil
}

// Get returns the last challenge for the invoice, expired or not.
func (s *OTPStore) Get(_ context.Context, invoiceID string) (*domain.OTPChallenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.challenges[invoiceID]
	if !ok {
		return nil, domain.ErrOTPUnknown
	}
	return &c, nil
}

// Release frees the slot; the challenge stays readable so a late confirm
// reports expiry rather than an unknown reference.
func (s *OTPStore) Release(_ context.Context, invoiceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.slots, invoiceID)
	return nil
}

// ReviewQueue collects review issues in memory.
type ReviewQueue struct {
	mu     sync.Mutex
	issues []domain.ReviewIssue
}

// NewReviewQueue creates an empty queue.
func NewReviewQueue() *ReviewQueue {
	return &ReviewQueue{}
}

// Raise appends an issue.
func (q *ReviewQueue) Raise(_ context.Context, issue domain.ReviewIssue) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.issues = append(q.issues, issue)
	return nil
}

// Issues returns a snapshot of raised issues.
func (q *ReviewQueue) Issues() []domain.ReviewIssue {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]domain.ReviewIssue(nil), q.issues...)
}
