package usage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/DukeRupert/fortuna/internal/domain"
)

// =============================================================================
// RedisStore Implementation
// =============================================================================

// RedisStore implements Store with one hash per user:
//
//	{prefix}usage:{userID}     -> tier, month, <feature counters>, last_used_at, stripe ids
//	{prefix}customer:{custID}  -> userID
type RedisStore struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

const (
	fieldTier           = "tier"
	fieldMonth          = "month"
	fieldLastUsedAt     = "last_used_at"
	fieldCustomerID     = "stripe_customer_id"
	fieldSubscriptionID = "stripe_subscription_id"
)

// consumeScript implements ConsumeIfBelow.
//
// KEYS[1] usage hash; ARGV[1] month; ARGV[2] feature; ARGV[3] limit;
// ARGV[4] timestamp; ARGV[5..] every counter field.
var consumeScript = redis.NewScript(`
local month = redis.call('HGET', KEYS[1], 'month')
local used = 0
if month == ARGV[1] then
  used = tonumber(redis.call('HGET', KEYS[1], ARGV[2]) or '0')
end
if used + 1 > tonumber(ARGV[3]) then
  return {used, 0}
end
if month ~= ARGV[1] then
  for i = 5, #ARGV do
    redis.call('HSET', KEYS[1], ARGV[i], 0)
  end
  redis.call('HSET', KEYS[1], 'month', ARGV[1])
end
redis.call('HSET', KEYS[1], ARGV[2], used + 1, 'last_used_at', ARGV[4])
return {used + 1, 1}
`)

// NewRedisStore creates a RedisStore. prefix namespaces every key, e.g. "fortuna:".
func NewRedisStore(client *redis.Client, prefix string, logger *slog.Logger) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: prefix,
		logger: logger,
	}
}

func (s *RedisStore) usageKey(userID string) string {
	return s.prefix + "usage:" + userID
}

func (s *RedisStore) customerKey(customerID string) string {
	return s.prefix + "customer:" + customerID
}

// Get returns the usage record stored in the user's hash.
func (s *RedisStore) Get(ctx context.Context, userID string) (*domain.UsageRecord, error) {
	fields, err := s.client.HGetAll(ctx, s.usageKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get usage for %s: %w", userID, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}

	rec := domain.NewUsageRecord(userID)
	rec.Tier = domain.ParseTier(fields[fieldTier])
	rec.CurrentMonth = fields[fieldMonth]
	rec.StripeCustomerID = fields[fieldCustomerID]
	rec.StripeSubscriptionID = fields[fieldSubscriptionID]

	for _, f := range domain.Features {
		raw, ok := fields[string(f)]
		if !ok {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("parse %s counter for %s: %w", f, userID, err)
		}
		rec.Counts[f] = n
	}

	if raw := fields[fieldLastUsedAt]; raw != "" {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			rec.LastUsedAt = &t
		} else {
			s.logger.Warn("ignoring malformed last_used_at", "user_id", userID, "value", raw)
		}
	}

	return rec, nil
}

// ResetAndSet writes every counter with a single HSET.
func (s *RedisStore) ResetAndSet(ctx context.Context, userID string, feature domain.Feature, month string, at time.Time) error {
	if _, err := counterName(feature); err != nil {
		return err
	}

	values := make(map[string]any, len(domain.Features)+2)
	for _, f := range domain.Features {
		values[string(f)] = 0
	}
	values[string(feature)] = 1
	values[fieldMonth] = month
	values[fieldLastUsedAt] = at.Format(time.RFC3339Nano)

	if err := s.client.HSet(ctx, s.usageKey(userID), values).Err(); err != nil {
		return fmt.Errorf("reset usage for %s: %w", userID, err)
	}
	return nil
}

// Increment bumps one counter inside MULTI/EXEC.
func (s *RedisStore) Increment(ctx context.Context, userID string, feature domain.Feature, at time.Time) error {
	if _, err := counterName(feature); err != nil {
		return err
	}

	key := s.usageKey(userID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, key, string(feature), 1)
		pipe.HSet(ctx, key, fieldLastUsedAt, at.Format(time.RFC3339Nano))
		return nil
	})
	if err != nil {
		return fmt.Errorf("increment %s usage for %s: %w", feature, userID, err)
	}
	return nil
}

// ConsumeIfBelow runs consumeScript, which Redis executes atomically.
func (s *RedisStore) ConsumeIfBelow(ctx context.Context, userID string, feature domain.Feature, month string, limit int, at time.Time) (int, bool, error) {
	if _, err := counterName(feature); err != nil {
		return 0, false, err
	}

	args := []any{month, string(feature), limit, at.Format(time.RFC3339Nano)}
	for _, f := range domain.Features {
		args = append(args, string(f))
	}

	res, err := consumeScript.Run(ctx, s.client, []string{s.usageKey(userID)}, args...).Slice()
	if err != nil {
		return 0, false, fmt.Errorf("consume %s usage for %s: %w", feature, userID, err)
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("consume %s usage for %s: unexpected script result %v", feature, userID, res)
	}

	used, _ := res[0].(int64)
	ok, _ := res[1].(int64)
	return int(used), ok == 1, nil
}

// SetTier stores the tier and subscription id.
func (s *RedisStore) SetTier(ctx context.Context, userID string, tier domain.Tier, subscriptionID string) error {
	err := s.client.HSet(ctx, s.usageKey(userID),
		fieldTier, string(tier),
		fieldSubscriptionID, subscriptionID,
	).Err()
	if err != nil {
		return fmt.Errorf("set tier for %s: %w", userID, err)
	}
	return nil
}

// LinkCustomer stores the customer id and its reverse index atomically.
func (s *RedisStore) LinkCustomer(ctx context.Context, userID, customerID string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.usageKey(userID), fieldCustomerID, customerID)
		pipe.Set(ctx, s.customerKey(customerID), userID, 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("link customer for %s: %w", userID, err)
	}
	return nil
}

// FindByCustomerID resolves the reverse index then loads the record.
func (s *RedisStore) FindByCustomerID(ctx context.Context, customerID string) (*domain.UsageRecord, error) {
	userID, err := s.client.Get(ctx, s.customerKey(customerID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find customer %s: %w", customerID, err)
	}
	return s.Get(ctx, userID)
}
