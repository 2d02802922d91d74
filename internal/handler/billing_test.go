package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DukeRupert/fortuna/internal/billing"
	"github.com/DukeRupert/fortuna/internal/domain"
	"github.com/DukeRupert/fortuna/internal/usage"
)

func newBillingMux(svc billing.Service, store usage.Store) *http.ServeMux {
	mux := http.NewServeMux()
	h := NewBillingHandler(svc, store, "https://fortuna.test/", discardLogger())
	h.RegisterRoutes(mux, func(next http.Handler) http.Handler { return next })
	return mux
}

func serveJSON(t *testing.T, mux *http.ServeMux, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, jsonBody(t, body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestBillingHandler_Checkout(t *testing.T) {
	store := usage.NewMemoryStore()
	require.NoError(t, store.LinkCustomer(context.Background(), "user-1", "cus_1"))
	svc := &fakeBilling{}
	mux := newBillingMux(svc, store)

	rec := serveJSON(t, mux, http.MethodPost, "/api/billing/checkout", map[string]string{"userId": "user-1", "plan": "premium"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp URLResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "https://checkout.stripe.test/c/user-1", resp.URL)

	assert.Equal(t, "user-1", svc.checkoutParams.UserID)
	assert.Equal(t, "cus_1", svc.checkoutParams.CustomerID)
	assert.Equal(t, domain.TierPremium, svc.checkoutParams.Tier)
	assert.Equal(t, billing.IntervalMonthly, svc.checkoutParams.Interval)
	assert.Equal(t, "https://fortuna.test/billing/cancel", svc.checkoutParams.CancelURL)
}

func TestBillingHandler_CheckoutValidation(t *testing.T) {
	mux := newBillingMux(&fakeBilling{}, usage.NewMemoryStore())

	tests := []struct {
		name string
		body map[string]string
		want int
	}{
		{"missing user", map[string]string{"plan": "basic"}, http.StatusBadRequest},
		{"free plan", map[string]string{"userId": "user-1", "plan": "free"}, http.StatusBadRequest},
		{"bad interval", map[string]string{"userId": "user-1", "plan": "basic", "interval": "weekly"}, http.StatusBadRequest},
		{"yearly basic", map[string]string{"userId": "user-1", "plan": "basic", "interval": "yearly"}, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serveJSON(t, mux, http.MethodPost, "/api/billing/checkout", tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestBillingHandler_NotConfigured(t *testing.T) {
	mux := newBillingMux(nil, usage.NewMemoryStore())

	rec := serveJSON(t, mux, http.MethodPost, "/api/billing/checkout", map[string]string{"userId": "user-1", "plan": "basic"})
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestBillingHandler_StripeFailure(t *testing.T) {
	mux := newBillingMux(&fakeBilling{err: errors.New("stripe down")}, usage.NewMemoryStore())

	rec := serveJSON(t, mux, http.MethodPost, "/api/billing/checkout", map[string]string{"userId": "user-1", "plan": "basic"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotContains(t, rec.Body.String(), "stripe down")
}

func TestBillingHandler_Portal(t *testing.T) {
	store := usage.NewMemoryStore()
	svc := &fakeBilling{}
	mux := newBillingMux(svc, store)

	rec := serveJSON(t, mux, http.MethodPost, "/api/billing/portal", map[string]string{"userId": "user-1"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.NoError(t, store.LinkCustomer(context.Background(), "user-1", "cus_1"))

	rec = serveJSON(t, mux, http.MethodPost, "/api/billing/portal", map[string]string{"userId": "user-1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "cus_1", svc.portalCustomer)
}
