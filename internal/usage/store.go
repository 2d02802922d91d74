// Package usage provides persistence for per-user usage records.
//
// This package defines a Store interface with implementations for:
// - PostgresStore: one row per user in PostgreSQL (production default)
// - RedisStore: one hash per user in Redis
// - MemoryStore: in-process map for development and tests
//
// Every implementation provides the same atomicity: ResetAndSet rewrites the
// whole record in one write, Increment bumps a single counter atomically and
// ConsumeIfBelow performs the stale-month reset and the bounded increment as
// one conditional write.
package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/DukeRupert/fortuna/internal/domain"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Store defines the operations on per-user usage records.
type Store interface {
	// Get returns the record for userID, or ErrNotFound if none exists.
	Get(ctx context.Context, userID string) (*domain.UsageRecord, error)

	// ResetAndSet zeroes every counter, sets feature to 1, stamps month and
	// lastUsedAt, creating the record if absent. One write.
	ResetAndSet(ctx context.Context, userID string, feature domain.Feature, month string, at time.Time) error

	// Increment adds 1 to the feature counter and stamps lastUsedAt, creating
	// the record if absent. Other counters and the month stamp are untouched.
	Increment(ctx context.Context, userID string, feature domain.Feature, at time.Time) error

	// ConsumeIfBelow atomically records one use of feature in month, but only
	// when the resulting count would not exceed limit. A stale month counts as
	// zero and resets every counter in the same write. Returns the new count
	// and true on success, or the current count and false when at the limit.
	ConsumeIfBelow(ctx context.Context, userID string, feature domain.Feature, month string, limit int, at time.Time) (int, bool, error)

	// SetTier changes the subscription tier, creating the record if absent.
	SetTier(ctx context.Context, userID string, tier domain.Tier, subscriptionID string) error

	// LinkCustomer associates a Stripe customer with userID.
	LinkCustomer(ctx context.Context, userID, customerID string) error

	// FindByCustomerID returns the record linked to a Stripe customer,
	// or ErrNotFound.
	FindByCustomerID(ctx context.Context, customerID string) (*domain.UsageRecord, error)
}

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrNotFound is returned when no usage record exists.
	ErrNotFound = errors.New("usage record not found")

	// ErrUnknownFeature is returned for a feature without a counter.
	ErrUnknownFeature = errors.New("unknown feature")
)

// IsNotFound reports whether err is or wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// =============================================================================
// Provider Constants
// =============================================================================

const (
	ProviderPostgres = "postgres"
	ProviderRedis    = "redis"
	ProviderMemory   = "memory"
)

// counterName maps a feature to its column/field name. The set is closed, so
// names are safe to splice into SQL.
func counterName(feature domain.Feature) (string, error) {
	switch feature {
	case domain.FeatureTarot:
		return "tarot_count", nil
	case domain.FeaturePalm:
		return "palm_count", nil
	case domain.FeatureIChing:
		return "iching_count", nil
	case domain.FeatureChat:
		return "chat_count", nil
	case domain.FeatureCompatibility:
		return "compatibility_count", nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFeature, feature)
}
