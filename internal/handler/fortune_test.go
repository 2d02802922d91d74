package handler

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DukeRupert/fortuna/internal/ai"
	"github.com/DukeRupert/fortuna/internal/ai/mock"
	"github.com/DukeRupert/fortuna/internal/auth"
	"github.com/DukeRupert/fortuna/internal/domain"
	"github.com/DukeRupert/fortuna/internal/service"
	"github.com/DukeRupert/fortuna/internal/storage"
	"github.com/DukeRupert/fortuna/internal/usage"
)

var testNow = time.Date(2026, time.March, 15, 10, 30, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// failingStore fails every operation, as an unreachable database would.
type failingStore struct{}

var errStoreDown = errors.New("connection refused")

func (failingStore) Get(context.Context, string) (*domain.UsageRecord, error) {
	return nil, errStoreDown
}

func (failingStore) ResetAndSet(context.Context, string, domain.Feature, string, time.Time) error {
	return errStoreDown
}

func (failingStore) Increment(context.Context, string, domain.Feature, time.Time) error {
	return errStoreDown
}

func (failingStore) ConsumeIfBelow(context.Context, string, domain.Feature, string, int, time.Time) (int, bool, error) {
	return 0, false, errStoreDown
}

func (failingStore) SetTier(context.Context, string, domain.Tier, string) error {
	return errStoreDown
}

func (failingStore) LinkCustomer(context.Context, string, string) error {
	return errStoreDown
}

func (failingStore) FindByCustomerID(context.Context, string) (*domain.UsageRecord, error) {
	return nil, errStoreDown
}

// stubLimiter answers every AllowRequest with the same decision.
type stubLimiter struct {
	ok    bool
	wait  time.Duration
	calls int
}

func (l *stubLimiter) AllowRequest(*http.Request) (bool, time.Duration) {
	l.calls++
	return l.ok, l.wait
}

type fortuneEnv struct {
	store    *usage.MemoryStore
	provider *mock.Provider
	mux      *http.ServeMux
}

func newFortuneEnv(t *testing.T, store usage.Store, anon RequestLimiter, policy QuotaPolicy) *fortuneEnv {
	t.Helper()
	logger := discardLogger()

	files, err := storage.NewLocalStorage(storage.LocalConfig{BasePath: t.TempDir()}, logger)
	require.NoError(t, err)

	mem, _ := store.(*usage.MemoryStore)
	if store == nil {
		mem = usage.NewMemoryStore()
		store = mem
	}

	quota := service.NewQuotaService(store, service.QuotaConfig{
		Catalog:  domain.DefaultPlanCatalog(),
		Location: time.UTC,
		Now:      func() time.Time { return testNow },
	}, logger)

	provider := mock.New(logger)
	readings := service.NewReadingService(provider, files, nil, service.ReadingConfig{
		Now: func() time.Time { return testNow },
	}, logger)

	mux := http.NewServeMux()
	NewFortuneHandler(quota, readings, anon, policy, logger).RegisterRoutes(mux)
	NewAccountHandler(quota, readings, logger).RegisterRoutes(mux)

	return &fortuneEnv{store: mem, provider: provider, mux: mux}
}

func (e *fortuneEnv) post(t *testing.T, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(t, httptest.NewRequest(http.MethodPost, path, jsonBody(t, body)))
}

func (e *fortuneEnv) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)
	return rec
}

func jsonBody(t *testing.T, v any) io.Reader {
	t.Helper()
	if s, ok := v.(string); ok {
		return strings.NewReader(s)
	}
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewReader(b)
}

func seedUsage(store *usage.MemoryStore, userID string, tier domain.Tier, month string, counts map[domain.Feature]int) {
	rec := domain.NewUsageRecord(userID)
	rec.Tier = tier
	rec.CurrentMonth = month
	for f, n := range counts {
		rec.Counts[f] = n
	}
	store.Put(rec)
}

func pngDataURL(t *testing.T) string {
	t.Helper()
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(pngBytes(t))
}

// truncatedPNGDataURL keeps a valid header but cuts the pixel data in half.
func truncatedPNGDataURL(t *testing.T) string {
	t.Helper()
	raw := pngBytes(t)
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(raw[:len(raw)/2])
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 64, 48))
	for x := 0; x < 64; x++ {
		for y := 0; y < 48; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 4), G: uint8(y * 5), B: 120, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestFortuneHandler_AllowedRequestReturnsReadingAndUsage(t *testing.T) {
	env := newFortuneEnv(t, nil, nil, QuotaPolicy{FailOpen: true, AllowAnonymous: true})

	rec := env.post(t, "/api/tarot", map[string]any{"userId": "user-1", "question": "Will the move go well?"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp ReadingResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	require.NotNil(t, resp.Reading)
	assert.Equal(t, domain.FeatureTarot, resp.Reading.Feature)
	assert.Equal(t, "user-1", resp.Reading.UserID)
	assert.NotEmpty(t, resp.Reading.Text)

	require.NotNil(t, resp.Usage)
	assert.Equal(t, 1, resp.Usage.Used)
	assert.Equal(t, 3, resp.Usage.Limit)
	assert.Equal(t, 2, resp.Usage.Remaining)
	assert.False(t, resp.Usage.Unlimited)
	assert.Equal(t, "2026-04-01T00:00:00Z", resp.Usage.ResetDate)

	stored, err := env.store.Get(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Count(domain.FeatureTarot))
	assert.Equal(t, "2026-03", stored.CurrentMonth)
	assert.Equal(t, 1, env.provider.CallCount())
}

func TestFortuneHandler_DenialPayload(t *testing.T) {
	env := newFortuneEnv(t, nil, nil, QuotaPolicy{FailOpen: true, AllowAnonymous: true})
	seedUsage(env.store, "user-1", domain.TierFree, "2026-03", map[domain.Feature]int{domain.FeatureTarot: 3})

	rec := env.post(t, "/api/tarot", map[string]any{"userId": "user-1"})
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "Usage limit reached", body["error"])
	assert.Equal(t, "monthly limit of 3 reached for tarot readings; resets 2026-04-01; upgrade for unlimited access", body["message"])
	assert.EqualValues(t, 3, body["limit"])
	assert.EqualValues(t, 3, body["currentUsage"])
	assert.EqualValues(t, 0, body["remaining"])
	assert.Equal(t, "2026-04-01T00:00:00Z", body["resetDate"])

	assert.Zero(t, env.provider.CallCount(), "model must not be called on denial")

	stored, err := env.store.Get(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, 3, stored.Count(domain.FeatureTarot))
}

func TestFortuneHandler_StaleMonthIsReset(t *testing.T) {
	env := newFortuneEnv(t, nil, nil, QuotaPolicy{})
	seedUsage(env.store, "user-1", domain.TierFree, "2026-02", map[domain.Feature]int{
		domain.FeatureTarot: 3,
		domain.FeatureChat:  10,
	})

	rec := env.post(t, "/api/tarot", map[string]any{"userId": "user-1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	stored, err := env.store.Get(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, "2026-03", stored.CurrentMonth)
	assert.Equal(t, 1, stored.Count(domain.FeatureTarot))
	assert.Equal(t, 0, stored.Count(domain.FeatureChat))
}

func TestFortuneHandler_PremiumIsUnlimited(t *testing.T) {
	env := newFortuneEnv(t, nil, nil, QuotaPolicy{})
	seedUsage(env.store, "user-1", domain.TierPremium, "2026-03", map[domain.Feature]int{domain.FeatureChat: 5000})

	rec := env.post(t, "/api/chat", map[string]any{"userId": "user-1", "message": "hello"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp ReadingResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Usage)
	assert.True(t, resp.Usage.Unlimited)
	assert.Equal(t, -1, resp.Usage.Limit)
	assert.Equal(t, -1, resp.Usage.Remaining)

	stored, err := env.store.Get(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, 5001, stored.Count(domain.FeatureChat))
}

func TestFortuneHandler_Anonymous(t *testing.T) {
	t.Run("allowed skips enforcement", func(t *testing.T) {
		limiter := &stubLimiter{ok: true}
		env := newFortuneEnv(t, nil, limiter, QuotaPolicy{AllowAnonymous: true})

		rec := env.post(t, "/api/iching", map[string]any{"question": "What now?"})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var resp ReadingResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Nil(t, resp.Usage)
		assert.Empty(t, resp.Reading.UserID)
		assert.Equal(t, 1, limiter.calls)

		_, err := env.store.Get(context.Background(), "")
		assert.True(t, usage.IsNotFound(err))
	})

	t.Run("disallowed", func(t *testing.T) {
		env := newFortuneEnv(t, nil, nil, QuotaPolicy{AllowAnonymous: false})

		rec := env.post(t, "/api/iching", map[string]any{"question": "What now?"})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Zero(t, env.provider.CallCount())
	})

	t.Run("throttled", func(t *testing.T) {
		limiter := &stubLimiter{ok: false, wait: 30 * time.Second}
		env := newFortuneEnv(t, nil, limiter, QuotaPolicy{AllowAnonymous: true})

		rec := env.post(t, "/api/iching", map[string]any{})
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.Equal(t, "30", rec.Header().Get("Retry-After"))
		assert.Zero(t, env.provider.CallCount())
	})

	t.Run("unthrottled", func(t *testing.T) {
		env := newFortuneEnv(t, nil, nil, QuotaPolicy{AllowAnonymous: true})

		for i := 0; i < 25; i++ {
			rec := env.post(t, "/api/iching", map[string]any{})
			require.Equal(t, http.StatusOK, rec.Code, "request %d", i)
		}
		assert.Equal(t, 25, env.provider.CallCount())
	})

	t.Run("whitespace user id is anonymous", func(t *testing.T) {
		env := newFortuneEnv(t, nil, nil, QuotaPolicy{AllowAnonymous: false})

		rec := env.post(t, "/api/tarot", map[string]any{"userId": "   "})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestFortuneHandler_StoreFailure(t *testing.T) {
	tests := []struct {
		name       string
		failOpen   bool
		wantStatus int
		wantCalls  int
	}{
		{"fail open serves the request", true, http.StatusOK, 1},
		{"fail closed returns 503", false, http.StatusServiceUnavailable, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newFortuneEnv(t, failingStore{}, nil, QuotaPolicy{FailOpen: tt.failOpen})

			rec := env.post(t, "/api/tarot", map[string]any{"userId": "user-1"})
			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			assert.Equal(t, tt.wantCalls, env.provider.CallCount())

			if tt.wantStatus == http.StatusOK {
				var resp ReadingResponse
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
				assert.Nil(t, resp.Usage)
			} else {
				assert.NotContains(t, rec.Body.String(), "connection refused")
			}
		})
	}
}

func TestFortuneHandler_ValidationDoesNotConsumeQuota(t *testing.T) {
	env := newFortuneEnv(t, nil, nil, QuotaPolicy{})

	tests := []struct {
		name string
		path string
		body any
		want int
	}{
		{"empty chat message", "/api/chat", map[string]any{"userId": "user-1", "message": "  "}, http.StatusBadRequest},
		{"unknown spread", "/api/tarot", map[string]any{"userId": "user-1", "spread": "pentagram"}, http.StatusBadRequest},
		{"bad iching lines", "/api/iching", map[string]any{"userId": "user-1", "lines": []int{7, 7, 7}}, http.StatusBadRequest},
		{"bad birth date", "/api/compatibility", map[string]any{
			"userId":  "user-1",
			"person1": map[string]string{"birthDate": "1990-13-01"},
			"person2": map[string]string{"birthDate": "1991-01-01"},
		}, http.StatusBadRequest},
		{"palm without image", "/api/palm", map[string]any{"userId": "user-1"}, http.StatusBadRequest},
		{"palm truncated image", "/api/palm", map[string]any{"userId": "user-1", "image": truncatedPNGDataURL(t)}, http.StatusBadRequest},
		{"malformed json", "/api/tarot", `{"userId":`, http.StatusBadRequest},
		{"user id too long", "/api/tarot", map[string]any{"userId": strings.Repeat("u", maxUserIDLength+1)}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.post(t, tt.path, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}

	_, err := env.store.Get(context.Background(), "user-1")
	assert.True(t, usage.IsNotFound(err), "no usage may be recorded for rejected requests")
	assert.Zero(t, env.provider.CallCount())
}

func TestFortuneHandler_AuthenticatedIdentityWins(t *testing.T) {
	env := newFortuneEnv(t, nil, nil, QuotaPolicy{})

	req := httptest.NewRequest(http.MethodPost, "/api/tarot", jsonBody(t, map[string]any{"userId": "someone-else"}))
	req = req.WithContext(auth.SetIdentity(req.Context(), &auth.Identity{UserID: "auth-user"}))
	rec := env.do(t, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	stored, err := env.store.Get(context.Background(), "auth-user")
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Count(domain.FeatureTarot))

	_, err = env.store.Get(context.Background(), "someone-else")
	assert.True(t, usage.IsNotFound(err))
}

func TestFortuneHandler_ModelFailureKeepsCharge(t *testing.T) {
	env := newFortuneEnv(t, nil, nil, QuotaPolicy{})
	env.provider.Error = ai.EAIUnavailable

	rec := env.post(t, "/api/tarot", map[string]any{"userId": "user-1"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	stored, err := env.store.Get(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Count(domain.FeatureTarot))
}

func TestFortuneHandler_EveryFeatureIsMetered(t *testing.T) {
	env := newFortuneEnv(t, nil, nil, QuotaPolicy{})

	bodies := map[domain.Feature]map[string]any{
		domain.FeatureTarot:  {"spread": "single"},
		domain.FeaturePalm:   {"image": pngDataURL(t), "hand": "left"},
		domain.FeatureIChing: {"lines": []int{7, 8, 9, 6, 7, 8}},
		domain.FeatureChat:   {"message": "Is today lucky?", "history": []map[string]string{{"role": "user", "content": "hi"}, {"role": "assistant", "content": "hello"}}},
		domain.FeatureCompatibility: {
			"person1": map[string]string{"name": "A", "birthDate": "1990-04-01"},
			"person2": map[string]string{"name": "B", "birthDate": "1992-11-30"},
		},
	}

	for _, f := range domain.Features {
		t.Run(string(f), func(t *testing.T) {
			body := bodies[f]
			body["userId"] = "user-1"

			rec := env.post(t, "/api/"+string(f), body)
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

			var resp ReadingResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, f, resp.Reading.Feature)
			assert.Equal(t, f, resp.Usage.Feature)
			assert.Equal(t, 1, resp.Usage.Used)
		})
	}

	stored, err := env.store.Get(context.Background(), "user-1")
	require.NoError(t, err)
	for _, f := range domain.Features {
		assert.Equal(t, 1, stored.Count(f), f)
	}
}

func TestFortuneHandler_MethodNotAllowed(t *testing.T) {
	env := newFortuneEnv(t, nil, nil, QuotaPolicy{})

	rec := env.do(t, httptest.NewRequest(http.MethodGet, "/api/tarot", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
