package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DukeRupert/fortuna/internal/auth"
	"github.com/DukeRupert/fortuna/internal/billing"
	"github.com/DukeRupert/fortuna/internal/handler"
	"github.com/DukeRupert/fortuna/internal/usage"
)

const testSecret = "test-secret-with-enough-entropy"

func signToken(t *testing.T, secret string, method jwt.SigningMethod, claims Claims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return tok
}

func validClaims(sub string) Claims {
	return Claims{
		Email: sub + "@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			Issuer:    "fortuna",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
}

func TestWithUser(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	mw := NewAuthMiddleware(testSecret, "fortuna", logger)

	expired := validClaims("user-9")
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))

	noExpiry := validClaims("user-9")
	noExpiry.ExpiresAt = nil

	wrongIssuer := validClaims("user-9")
	wrongIssuer.Issuer = "someone-else"

	tests := []struct {
		name       string
		header     string
		wantStatus int
		wantUserID string
	}{
		{"no header is anonymous", "", http.StatusOK, ""},
		{"valid token", "Bearer " + signToken(t, testSecret, jwt.SigningMethodHS256, validClaims("user-1")), http.StatusOK, "user-1"},
		{"wrong secret", "Bearer " + signToken(t, "other", jwt.SigningMethodHS256, validClaims("user-1")), http.StatusUnauthorized, ""},
		{"wrong algorithm", "Bearer " + signToken(t, testSecret, jwt.SigningMethodHS512, validClaims("user-1")), http.StatusUnauthorized, ""},
		{"expired", "Bearer " + signToken(t, testSecret, jwt.SigningMethodHS256, expired), http.StatusUnauthorized, ""},
		{"missing expiry", "Bearer " + signToken(t, testSecret, jwt.SigningMethodHS256, noExpiry), http.StatusUnauthorized, ""},
		{"wrong issuer", "Bearer " + signToken(t, testSecret, jwt.SigningMethodHS256, wrongIssuer), http.StatusUnauthorized, ""},
		{"other scheme is anonymous", "Basic dXNlcjpwYXNz", http.StatusOK, ""},
		{"empty bearer", "Bearer  ", http.StatusUnauthorized, ""},
		{"garbage", "Bearer not-a-jwt", http.StatusUnauthorized, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotUserID string
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotUserID = auth.UserIDFromRequest(r)
				w.WriteHeader(http.StatusOK)
			})

			req := httptest.NewRequest("POST", "/api/tarot", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()

			mw.WithUser(next).ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantUserID, gotUserID)
		})
	}
}

func TestWithUser_DisabledIgnoresHeader(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	mw := NewAuthMiddleware("", "", logger)

	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		assert.Nil(t, auth.GetIdentity(r.Context()))
	})

	req := httptest.NewRequest("POST", "/api/chat", nil)
	req.Header.Set("Authorization", "Bearer whatever")
	mw.WithUser(next).ServeHTTP(httptest.NewRecorder(), req)

	assert.True(t, called)
}

func TestWithUser_MarksVerification(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	for _, tt := range []struct {
		secret string
		want   bool
	}{
		{testSecret, true},
		{"", false},
	} {
		var got bool
		next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got = auth.Verified(r.Context())
		})
		NewAuthMiddleware(tt.secret, "", logger).WithUser(next).
			ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/api/tarot", nil))
		assert.Equal(t, tt.want, got, "secret %q", tt.secret)
	}
}

func TestWithUser_BodyUserIDCannotOpenPortal(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	mw := NewAuthMiddleware(testSecret, "", logger)

	store := usage.NewMemoryStore()
	require.NoError(t, store.LinkCustomer(context.Background(), "victim", "cus_victim"))
	svc := billing.NewStripeService("sk_test_unused", "whsec_unused", billing.PriceConfig{})

	mux := http.NewServeMux()
	handler.NewBillingHandler(svc, store, "https://fortuna.test", logger).
		RegisterRoutes(mux, Stack(mw.RequireUser))
	root := mw.WithUser(mux)

	req := httptest.NewRequest("POST", "/api/billing/portal", strings.NewReader(`{"userId":"victim"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	root.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotContains(t, rec.Body.String(), "cus_victim")
}

func TestRequireUser(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	mw := NewAuthMiddleware(testSecret, "", logger)

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	h := Stack(mw.WithUser, mw.RequireUser)(next)

	t.Run("anonymous rejected", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest("POST", "/api/billing/portal", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("authenticated passes", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/api/billing/portal", nil)
		req.Header.Set("Authorization", "Bearer "+signToken(t, testSecret, jwt.SigningMethodHS256, validClaims("user-2")))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})
}

func TestStack_Order(t *testing.T) {
	var order []string
	mk := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	h := Stack(mk("a"), mk("b"), mk("c"))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		order = append(order, "handler")
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))

	assert.Equal(t, []string{"a", "b", "c", "handler"}, order)
}
