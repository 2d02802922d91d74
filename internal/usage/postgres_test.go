package usage

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DukeRupert/fortuna/internal/domain"
)

func newMockPostgresStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return NewPostgresStore(db, slog.New(slog.NewTextHandler(io.Discard, nil))), mock
}

var recordColumns = []string{
	"user_id", "tier", "current_month",
	"tarot_count", "palm_count", "iching_count", "chat_count", "compatibility_count",
	"last_used_at", "stripe_customer_id", "stripe_subscription_id",
}

func TestPostgresStore_Get(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`(?s)SELECT .+ FROM usage_records WHERE user_id = \$1`).
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows(recordColumns).
			AddRow("user-1", "basic", "2026-03", 4, 1, 0, 12, 2, storeTestTime, "cus_1", "sub_1"))

	rec, err := s.Get(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, domain.TierBasic, rec.Tier)
	assert.Equal(t, "2026-03", rec.CurrentMonth)
	assert.Equal(t, 4, rec.Count(domain.FeatureTarot))
	assert.Equal(t, 12, rec.Count(domain.FeatureChat))
	assert.Equal(t, 2, rec.Count(domain.FeatureCompatibility))
	assert.Equal(t, "cus_1", rec.StripeCustomerID)
	require.NotNil(t, rec.LastUsedAt)
}

func TestPostgresStore_GetUnknownTierIsFree(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`(?s)SELECT .+ FROM usage_records`).
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows(recordColumns).
			AddRow("user-1", "platinum", "", 0, 0, 0, 0, 0, nil, "", ""))

	rec, err := s.Get(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, domain.TierFree, rec.Tier)
	assert.Nil(t, rec.LastUsedAt)
}

func TestPostgresStore_GetNotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`(?s)SELECT .+ FROM usage_records`).
		WithArgs("nobody").
		WillReturnError(sql.ErrNoRows)

	_, err := s.Get(context.Background(), "nobody")
	assert.True(t, IsNotFound(err))
}

func TestPostgresStore_ConsumeIfBelow(t *testing.T) {
	t.Run("granted", func(t *testing.T) {
		s, mock := newMockPostgresStore(t)

		mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO usage_records (user_id, current_month, palm_count, last_used_at)`)).
			WithArgs("user-1", "2026-03", 10, storeTestTime).
			WillReturnRows(sqlmock.NewRows([]string{"palm_count"}).AddRow(4))

		used, ok, err := s.ConsumeIfBelow(context.Background(), "user-1", domain.FeaturePalm, "2026-03", 10, storeTestTime)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, 4, used)
	})

	t.Run("at limit", func(t *testing.T) {
		s, mock := newMockPostgresStore(t)

		mock.ExpectQuery(`(?s)INSERT INTO usage_records .+ WHERE usage_records.current_month <> EXCLUDED.current_month OR usage_records.tarot_count < \$3`).
			WithArgs("user-1", "2026-03", 3, storeTestTime).
			WillReturnRows(sqlmock.NewRows([]string{"tarot_count"}))

		used, ok, err := s.ConsumeIfBelow(context.Background(), "user-1", domain.FeatureTarot, "2026-03", 3, storeTestTime)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, 3, used)
	})

	t.Run("zero limit skips the query", func(t *testing.T) {
		s, _ := newMockPostgresStore(t)

		_, ok, err := s.ConsumeIfBelow(context.Background(), "user-1", domain.FeaturePalm, "2026-03", 0, storeTestTime)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("database error", func(t *testing.T) {
		s, mock := newMockPostgresStore(t)

		mock.ExpectQuery(`INSERT INTO usage_records`).
			WillReturnError(errors.New("connection reset"))

		_, _, err := s.ConsumeIfBelow(context.Background(), "user-1", domain.FeatureChat, "2026-03", 10, storeTestTime)
		require.Error(t, err)
		assert.False(t, IsNotFound(err))
	})
}

func TestBuildConsumeSQL_ResetsOtherCounters(t *testing.T) {
	query := buildConsumeSQL("chat_count")

	for _, col := range []string{"tarot_count", "palm_count", "iching_count", "compatibility_count"} {
		assert.Contains(t, query, col+" = CASE WHEN usage_records.current_month = EXCLUDED.current_month THEN usage_records."+col+" ELSE 0 END")
	}
	assert.Contains(t, query, "RETURNING chat_count")
	assert.NotContains(t, query, "chat_count = CASE WHEN usage_records.current_month = EXCLUDED.current_month THEN usage_records.chat_count ELSE 0 END")
}

func TestPostgresStore_Writes(t *testing.T) {
	ctx := context.Background()

	t.Run("increment", func(t *testing.T) {
		s, mock := newMockPostgresStore(t)
		mock.ExpectExec(regexp.QuoteMeta(`iching_count = usage_records.iching_count + 1`)).
			WithArgs("user-1", storeTestTime).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, s.Increment(ctx, "user-1", domain.FeatureIChing, storeTestTime))
	})

	t.Run("reset and set", func(t *testing.T) {
		s, mock := newMockPostgresStore(t)
		mock.ExpectExec(`INSERT INTO usage_records`).
			WithArgs("user-1", "2026-04", 0, 0, 0, 1, 0, storeTestTime).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, s.ResetAndSet(ctx, "user-1", domain.FeatureChat, "2026-04", storeTestTime))
	})

	t.Run("set tier", func(t *testing.T) {
		s, mock := newMockPostgresStore(t)
		mock.ExpectExec(`INSERT INTO usage_records \(user_id, tier, stripe_subscription_id\)`).
			WithArgs("user-1", "premium", "sub_1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, s.SetTier(ctx, "user-1", domain.TierPremium, "sub_1"))
	})

	t.Run("link customer", func(t *testing.T) {
		s, mock := newMockPostgresStore(t)
		mock.ExpectExec(`INSERT INTO usage_records \(user_id, stripe_customer_id\)`).
			WithArgs("user-1", "cus_1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, s.LinkCustomer(ctx, "user-1", "cus_1"))
	})

	t.Run("unknown feature", func(t *testing.T) {
		s, _ := newMockPostgresStore(t)
		assert.ErrorIs(t, s.Increment(ctx, "user-1", domain.Feature("astrology"), storeTestTime), ErrUnknownFeature)
		assert.ErrorIs(t, s.ResetAndSet(ctx, "user-1", domain.Feature("astrology"), "2026-03", storeTestTime), ErrUnknownFeature)
	})
}
