package usage

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DukeRupert/fortuna/internal/domain"
)

var storeTestTime = time.Date(2026, time.March, 15, 10, 30, 0, 0, time.UTC)

// testStoreContract runs the behaviour every Store implementation shares.
func testStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("get missing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(ctx, "nobody")
		assert.True(t, IsNotFound(err))
	})

	t.Run("increment creates record", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Increment(ctx, "user-1", domain.FeatureChat, storeTestTime))
		require.NoError(t, s.Increment(ctx, "user-1", domain.FeatureChat, storeTestTime))

		rec, err := s.Get(ctx, "user-1")
		require.NoError(t, err)
		assert.Equal(t, domain.TierFree, rec.Tier)
		assert.Equal(t, 2, rec.Count(domain.FeatureChat))
		assert.Equal(t, 0, rec.Count(domain.FeatureTarot))
		require.NotNil(t, rec.LastUsedAt)
		assert.True(t, storeTestTime.Equal(*rec.LastUsedAt))
	})

	t.Run("reset and set", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Increment(ctx, "user-1", domain.FeatureChat, storeTestTime))
		require.NoError(t, s.Increment(ctx, "user-1", domain.FeatureTarot, storeTestTime))
		require.NoError(t, s.ResetAndSet(ctx, "user-1", domain.FeaturePalm, "2026-04", storeTestTime))

		rec, err := s.Get(ctx, "user-1")
		require.NoError(t, err)
		assert.Equal(t, "2026-04", rec.CurrentMonth)
		assert.Equal(t, 1, rec.Count(domain.FeaturePalm))
		assert.Equal(t, 0, rec.Count(domain.FeatureChat))
		assert.Equal(t, 0, rec.Count(domain.FeatureTarot))
	})

	t.Run("consume up to limit", func(t *testing.T) {
		s := newStore(t)
		for want := 1; want <= 3; want++ {
			used, ok, err := s.ConsumeIfBelow(ctx, "user-1", domain.FeatureTarot, "2026-03", 3, storeTestTime)
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, want, used)
		}

		used, ok, err := s.ConsumeIfBelow(ctx, "user-1", domain.FeatureTarot, "2026-03", 3, storeTestTime)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, 3, used)

		rec, err := s.Get(ctx, "user-1")
		require.NoError(t, err)
		assert.Equal(t, 3, rec.Count(domain.FeatureTarot))
		assert.Equal(t, "2026-03", rec.CurrentMonth)
	})

	t.Run("consume resets stale month", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.ResetAndSet(ctx, "user-1", domain.FeatureChat, "2026-02", storeTestTime))
		for i := 0; i < 4; i++ {
			require.NoError(t, s.Increment(ctx, "user-1", domain.FeatureTarot, storeTestTime))
		}

		used, ok, err := s.ConsumeIfBelow(ctx, "user-1", domain.FeatureTarot, "2026-03", 3, storeTestTime)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, 1, used)

		rec, err := s.Get(ctx, "user-1")
		require.NoError(t, err)
		assert.Equal(t, "2026-03", rec.CurrentMonth)
		assert.Equal(t, 1, rec.Count(domain.FeatureTarot))
		assert.Equal(t, 0, rec.Count(domain.FeatureChat))
	})

	t.Run("consume with zero limit", func(t *testing.T) {
		s := newStore(t)
		_, ok, err := s.ConsumeIfBelow(ctx, "user-1", domain.FeaturePalm, "2026-03", 0, storeTestTime)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("concurrent consume never exceeds limit", func(t *testing.T) {
		s := newStore(t)
		const limit, workers = 5, 20

		var wg sync.WaitGroup
		var granted atomic.Int32
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, ok, err := s.ConsumeIfBelow(ctx, "user-1", domain.FeatureIChing, "2026-03", limit, storeTestTime)
				assert.NoError(t, err)
				if ok {
					granted.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.EqualValues(t, limit, granted.Load())
		rec, err := s.Get(ctx, "user-1")
		require.NoError(t, err)
		assert.Equal(t, limit, rec.Count(domain.FeatureIChing))
	})

	t.Run("tier and customer", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Increment(ctx, "user-1", domain.FeatureTarot, storeTestTime))
		require.NoError(t, s.LinkCustomer(ctx, "user-1", "cus_1"))
		require.NoError(t, s.SetTier(ctx, "user-1", domain.TierPremium, "sub_1"))

		rec, err := s.FindByCustomerID(ctx, "cus_1")
		require.NoError(t, err)
		assert.Equal(t, "user-1", rec.UserID)
		assert.Equal(t, domain.TierPremium, rec.Tier)
		assert.Equal(t, "sub_1", rec.StripeSubscriptionID)
		assert.Equal(t, "cus_1", rec.StripeCustomerID)
		assert.Equal(t, 1, rec.Count(domain.FeatureTarot), "tier changes keep counters")

		_, err = s.FindByCustomerID(ctx, "cus_unknown")
		assert.True(t, IsNotFound(err))
	})

	t.Run("unknown feature", func(t *testing.T) {
		s := newStore(t)
		err := s.Increment(ctx, "user-1", domain.Feature("astrology"), storeTestTime)
		assert.ErrorIs(t, err, ErrUnknownFeature)

		_, _, err = s.ConsumeIfBelow(ctx, "user-1", domain.Feature("astrology"), "2026-03", 3, storeTestTime)
		assert.ErrorIs(t, err, ErrUnknownFeature)
	})
}
