package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DukeRupert/fortuna/internal/auth"
	"github.com/DukeRupert/fortuna/internal/domain"
	"github.com/DukeRupert/fortuna/internal/usage"
)

// verified marks req as served with bearer verification on, as
// AuthMiddleware.WithUser does. A non-empty userID is the token subject.
func verified(req *http.Request, userID string) *http.Request {
	ctx := auth.SetVerified(req.Context())
	if userID != "" {
		ctx = auth.SetIdentity(ctx, &auth.Identity{UserID: userID})
	}
	return req.WithContext(ctx)
}

func TestVerifiedMode_FeatureIgnoresBodyUserID(t *testing.T) {
	t.Run("anonymous allowed", func(t *testing.T) {
		env := newFortuneEnv(t, nil, nil, QuotaPolicy{AllowAnonymous: true})
		seedUsage(env.store, "victim", domain.TierFree, "2026-03", map[domain.Feature]int{domain.FeatureTarot: 1})

		req := httptest.NewRequest(http.MethodPost, "/api/tarot", jsonBody(t, map[string]any{"userId": "victim"}))
		rec := env.do(t, verified(req, ""))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var resp ReadingResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Nil(t, resp.Usage)
		assert.Empty(t, resp.Reading.UserID)

		stored, err := env.store.Get(context.Background(), "victim")
		require.NoError(t, err)
		assert.Equal(t, 1, stored.Count(domain.FeatureTarot), "victim quota must not be spent")
	})

	t.Run("anonymous refused", func(t *testing.T) {
		env := newFortuneEnv(t, nil, nil, QuotaPolicy{AllowAnonymous: false})

		req := httptest.NewRequest(http.MethodPost, "/api/tarot", jsonBody(t, map[string]any{"userId": "victim"}))
		rec := env.do(t, verified(req, ""))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Zero(t, env.provider.CallCount())

		_, err := env.store.Get(context.Background(), "victim")
		assert.True(t, usage.IsNotFound(err))
	})

	t.Run("token subject is metered", func(t *testing.T) {
		env := newFortuneEnv(t, nil, nil, QuotaPolicy{})

		req := httptest.NewRequest(http.MethodPost, "/api/tarot", jsonBody(t, map[string]any{"userId": "victim"}))
		rec := env.do(t, verified(req, "user-1"))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		stored, err := env.store.Get(context.Background(), "user-1")
		require.NoError(t, err)
		assert.Equal(t, 1, stored.Count(domain.FeatureTarot))
	})
}

func TestVerifiedMode_AccountRequiresToken(t *testing.T) {
	env := newFortuneEnv(t, nil, nil, QuotaPolicy{})

	rec := env.post(t, "/api/tarot", map[string]any{"userId": "victim", "spread": "single"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var created ReadingResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	readingPath := "/api/readings/" + created.Reading.ID.String()

	rec = env.do(t, verified(httptest.NewRequest(http.MethodGet, "/api/usage?userId=victim", nil), ""))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, verified(httptest.NewRequest(http.MethodGet, readingPath+"?userId=victim", nil), ""))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotContains(t, rec.Body.String(), created.Reading.Text)

	rec = env.do(t, verified(httptest.NewRequest(http.MethodGet, readingPath+"?userId=victim", nil), "user-2"))
	assert.Equal(t, http.StatusNotFound, rec.Code, "the token subject owns the lookup, not the query")

	rec = env.do(t, verified(httptest.NewRequest(http.MethodGet, readingPath, nil), "victim"))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, verified(httptest.NewRequest(http.MethodGet, "/api/usage", nil), "victim"))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestVerifiedMode_BillingIgnoresBodyUserID(t *testing.T) {
	store := usage.NewMemoryStore()
	require.NoError(t, store.LinkCustomer(context.Background(), "victim", "cus_victim"))
	svc := &fakeBilling{}
	mux := newBillingMux(svc, store)

	serve := func(req *http.Request) *httptest.ResponseRecorder {
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		return rec
	}

	body := map[string]string{"userId": "victim"}

	rec := serve(verified(httptest.NewRequest(http.MethodPost, "/api/billing/portal", jsonBody(t, body)), ""))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, svc.portalCustomer)
	assert.NotContains(t, rec.Body.String(), "cus_victim")

	rec = serve(verified(httptest.NewRequest(http.MethodPost, "/api/billing/checkout",
		jsonBody(t, map[string]string{"userId": "victim", "plan": "basic"})), ""))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = serve(verified(httptest.NewRequest(http.MethodPost, "/api/billing/portal", jsonBody(t, body)), "victim"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "cus_victim", svc.portalCustomer)
}
