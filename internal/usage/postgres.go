package usage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/DukeRupert/fortuna/internal/domain"
)

// =============================================================================
// PostgresStore Implementation
// =============================================================================

// PostgresStore implements Store on the usage_records table.
//
// The db handle is expected to use the pgx stdlib driver, but any
// database/sql driver speaking PostgreSQL works.
type PostgresStore struct {
	db     *sql.DB
	logger *slog.Logger

	incrementSQL map[domain.Feature]string
	consumeSQL   map[domain.Feature]string
}

const selectRecordColumns = `user_id, tier, current_month,
	tarot_count, palm_count, iching_count, chat_count, compatibility_count,
	last_used_at, COALESCE(stripe_customer_id, ''), COALESCE(stripe_subscription_id, '')`

const resetAndSetSQL = `INSERT INTO usage_records (
	user_id, current_month,
	tarot_count, palm_count, iching_count, chat_count, compatibility_count,
	last_used_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (user_id) DO UPDATE SET
	current_month = EXCLUDED.current_month,
	tarot_count = EXCLUDED.tarot_count,
	palm_count = EXCLUDED.palm_count,
	iching_count = EXCLUDED.iching_count,
	chat_count = EXCLUDED.chat_count,
	compatibility_count = EXCLUDED.compatibility_count,
	last_used_at = EXCLUDED.last_used_at,
	updated_at = NOW()`

const setTierSQL = `INSERT INTO usage_records (user_id, tier, stripe_subscription_id)
VALUES ($1, $2, NULLIF($3, ''))
ON CONFLICT (user_id) DO UPDATE SET
	tier = EXCLUDED.tier,
	stripe_subscription_id = EXCLUDED.stripe_subscription_id,
	updated_at = NOW()`

const linkCustomerSQL = `INSERT INTO usage_records (user_id, stripe_customer_id)
VALUES ($1, $2)
ON CONFLICT (user_id) DO UPDATE SET
	stripe_customer_id = EXCLUDED.stripe_customer_id,
	updated_at = NOW()`

// NewPostgresStore creates a PostgresStore and prepares the per-feature SQL.
func NewPostgresStore(db *sql.DB, logger *slog.Logger) *PostgresStore {
	s := &PostgresStore{
		db:           db,
		logger:       logger,
		incrementSQL: make(map[domain.Feature]string, len(domain.Features)),
		consumeSQL:   make(map[domain.Feature]string, len(domain.Features)),
	}
	for _, f := range domain.Features {
		col, _ := counterName(f)
		s.incrementSQL[f] = buildIncrementSQL(col)
		s.consumeSQL[f] = buildConsumeSQL(col)
	}
	return s
}

func buildIncrementSQL(col string) string {
	return fmt.Sprintf(`INSERT INTO usage_records (user_id, %[1]s, last_used_at)
VALUES ($1, 1, $2)
ON CONFLICT (user_id) DO UPDATE SET
	%[1]s = usage_records.%[1]s + 1,
	last_used_at = EXCLUDED.last_used_at,
	updated_at = NOW()`, col)
}

// buildConsumeSQL folds the stale-month reset and the bounded increment into
// one upsert. The WHERE clause on the conflict branch makes the update a
// no-op (no row returned) once the counter has reached $3.
func buildConsumeSQL(col string) string {
	var sets []string
	for _, f := range domain.Features {
		other, _ := counterName(f)
		if other == col {
			continue
		}
		sets = append(sets, fmt.Sprintf(
			"\t%[1]s = CASE WHEN usage_records.current_month = EXCLUDED.current_month THEN usage_records.%[1]s ELSE 0 END,", other))
	}

	return fmt.Sprintf(`INSERT INTO usage_records (user_id, current_month, %[1]s, last_used_at)
VALUES ($1, $2, 1, $4)
ON CONFLICT (user_id) DO UPDATE SET
%[2]s
	%[1]s = CASE WHEN usage_records.current_month = EXCLUDED.current_month THEN usage_records.%[1]s + 1 ELSE 1 END,
	current_month = EXCLUDED.current_month,
	last_used_at = EXCLUDED.last_used_at,
	updated_at = NOW()
WHERE usage_records.current_month <> EXCLUDED.current_month OR usage_records.%[1]s < $3
RETURNING %[1]s`, col, strings.Join(sets, "\n"))
}

// Get returns the usage record for userID.
func (s *PostgresStore) Get(ctx context.Context, userID string) (*domain.UsageRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectRecordColumns+` FROM usage_records WHERE user_id = $1`, userID)
	return scanRecord(row)
}

// ResetAndSet rewrites every counter in a single upsert.
func (s *PostgresStore) ResetAndSet(ctx context.Context, userID string, feature domain.Feature, month string, at time.Time) error {
	if _, err := counterName(feature); err != nil {
		return err
	}

	counts := make([]any, 0, len(domain.Features))
	for _, f := range domain.Features {
		n := 0
		if f == feature {
			n = 1
		}
		counts = append(counts, n)
	}

	args := append([]any{userID, month}, counts...)
	args = append(args, at)

	if _, err := s.db.ExecContext(ctx, resetAndSetSQL, args...); err != nil {
		return fmt.Errorf("reset usage for %s: %w", userID, err)
	}
	return nil
}

// Increment bumps one counter in place.
func (s *PostgresStore) Increment(ctx context.Context, userID string, feature domain.Feature, at time.Time) error {
	query, ok := s.incrementSQL[feature]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownFeature, feature)
	}
	if _, err := s.db.ExecContext(ctx, query, userID, at); err != nil {
		return fmt.Errorf("increment %s usage for %s: %w", feature, userID, err)
	}
	return nil
}

// ConsumeIfBelow runs the conditional upsert. A limit below 1 never consumes.
func (s *PostgresStore) ConsumeIfBelow(ctx context.Context, userID string, feature domain.Feature, month string, limit int, at time.Time) (int, bool, error) {
	query, ok := s.consumeSQL[feature]
	if !ok {
		return 0, false, fmt.Errorf("%w: %q", ErrUnknownFeature, feature)
	}
	if limit < 1 {
		return 0, false, nil
	}

	var used int
	err := s.db.QueryRowContext(ctx, query, userID, month, limit, at).Scan(&used)
	if errors.Is(err, sql.ErrNoRows) {
		s.logger.Debug("usage consume rejected at limit",
			"user_id", userID,
			"feature", feature,
			"limit", limit,
		)
		return limit, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("consume %s usage for %s: %w", feature, userID, err)
	}
	return used, true, nil
}

// SetTier upserts the tier and subscription id.
func (s *PostgresStore) SetTier(ctx context.Context, userID string, tier domain.Tier, subscriptionID string) error {
	if _, err := s.db.ExecContext(ctx, setTierSQL, userID, string(tier), subscriptionID); err != nil {
		return fmt.Errorf("set tier for %s: %w", userID, err)
	}
	return nil
}

// LinkCustomer stores the Stripe customer id on the record.
func (s *PostgresStore) LinkCustomer(ctx context.Context, userID, customerID string) error {
	if _, err := s.db.ExecContext(ctx, linkCustomerSQL, userID, customerID); err != nil {
		return fmt.Errorf("link customer for %s: %w", userID, err)
	}
	return nil
}

// FindByCustomerID looks a record up by Stripe customer id.
func (s *PostgresStore) FindByCustomerID(ctx context.Context, customerID string) (*domain.UsageRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectRecordColumns+` FROM usage_records WHERE stripe_customer_id = $1`, customerID)
	return scanRecord(row)
}

func scanRecord(row *sql.Row) (*domain.UsageRecord, error) {
	var (
		rec                               domain.UsageRecord
		tier                              string
		tarot, palm, iching, chat, compat int
		lastUsed                          sql.NullTime
	)
	err := row.Scan(
		&rec.UserID, &tier, &rec.CurrentMonth,
		&tarot, &palm, &iching, &chat, &compat,
		&lastUsed, &rec.StripeCustomerID, &rec.StripeSubscriptionID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan usage record: %w", err)
	}

	rec.Tier = domain.ParseTier(tier)
	rec.Counts = map[domain.Feature]int{
		domain.FeatureTarot:         tarot,
		domain.FeaturePalm:          palm,
		domain.FeatureIChing:        iching,
		domain.FeatureChat:          chat,
		domain.FeatureCompatibility: compat,
	}
	if lastUsed.Valid {
		t := lastUsed.Time
		rec.LastUsedAt = &t
	}
	return &rec, nil
}
