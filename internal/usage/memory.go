package usage

import (
	"context"
	"sync"
	"time"

	"github.com/DukeRupert/fortuna/internal/domain"
)

// MemoryStore keeps usage records in process memory. Records do not survive a
// restart; use it for development and tests.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*domain.UsageRecord
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*domain.UsageRecord),
	}
}

// Put replaces the record for rec.UserID. Intended for seeding.
func (s *MemoryStore) Put(rec *domain.UsageRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.UserID] = cloneRecord(rec)
}

func (s *MemoryStore) Get(ctx context.Context, userID string) (*domain.UsageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (s *MemoryStore) ResetAndSet(ctx context.Context, userID string, feature domain.Feature, month string, at time.Time) error {
	if _, err := counterName(feature); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.getOrCreate(userID)
	rec.Counts = map[domain.Feature]int{feature: 1}
	rec.CurrentMonth = month
	rec.LastUsedAt = &at
	return nil
}

func (s *MemoryStore) Increment(ctx context.Context, userID string, feature domain.Feature, at time.Time) error {
	if _, err := counterName(feature); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.getOrCreate(userID)
	rec.Counts[feature]++
	rec.LastUsedAt = &at
	return nil
}

func (s *MemoryStore) ConsumeIfBelow(ctx context.Context, userID string, feature domain.Feature, month string, limit int, at time.Time) (int, bool, error) {
	if _, err := counterName(feature); err != nil {
		return 0, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.getOrCreate(userID)
	used := rec.UsedIn(month, feature)
	if used+1 > limit {
		return used, false, nil
	}

	if rec.CurrentMonth != month {
		rec.Counts = make(map[domain.Feature]int, len(domain.Features))
		rec.CurrentMonth = month
	}
	rec.Counts[feature] = used + 1
	rec.LastUsedAt = &at
	return used + 1, true, nil
}

func (s *MemoryStore) SetTier(ctx context.Context, userID string, tier domain.Tier, subscriptionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.getOrCreate(userID)
	rec.Tier = tier
	rec.StripeSubscriptionID = subscriptionID
	return nil
}

func (s *MemoryStore) LinkCustomer(ctx context.Context, userID, customerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.getOrCreate(userID).StripeCustomerID = customerID
	return nil
}

func (s *MemoryStore) FindByCustomerID(ctx context.Context, customerID string) (*domain.UsageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range s.records {
		if customerID != "" && rec.StripeCustomerID == customerID {
			return cloneRecord(rec), nil
		}
	}
	return nil, ErrNotFound
}

// getOrCreate must be called with s.mu held.
func (s *MemoryStore) getOrCreate(userID string) *domain.UsageRecord {
	rec, ok := s.records[userID]
	if !ok {
		rec = domain.NewUsageRecord(userID)
		s.records[userID] = rec
	}
	if rec.Counts == nil {
		rec.Counts = make(map[domain.Feature]int, len(domain.Features))
	}
	return rec
}

func cloneRecord(rec *domain.UsageRecord) *domain.UsageRecord {
	out := *rec
	out.Counts = make(map[domain.Feature]int, len(rec.Counts))
	for f, n := range rec.Counts {
		out.Counts[f] = n
	}
	if rec.LastUsedAt != nil {
		t := *rec.LastUsedAt
		out.LastUsedAt = &t
	}
	return &out
}
