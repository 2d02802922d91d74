// Package middleware contains HTTP middleware for the fortuna API.
//
// Middleware functions follow the standard Go pattern of wrapping http.Handler.
// They are designed to be composed using a middleware stack approach.
package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/DukeRupert/fortuna/internal/auth"
	"github.com/DukeRupert/fortuna/internal/handler"
)

// Claims are the JWT claims accepted as identity. The subject is the user id.
type Claims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// =============================================================================
// Auth Middleware Configuration
// =============================================================================

// AuthMiddleware authenticates HS256 bearer tokens.
//
// Create one instance and use its methods as middleware.
type AuthMiddleware struct {
	secret []byte
	issuer string
	parser *jwt.Parser
	logger *slog.Logger
}

// NewAuthMiddleware creates a new AuthMiddleware. An empty secret disables
// token verification: every request is treated as unauthenticated. An empty
// issuer accepts tokens from any issuer.
func NewAuthMiddleware(secret, issuer string, logger *slog.Logger) *AuthMiddleware {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30 * time.Second),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}

	return &AuthMiddleware{
		secret: []byte(secret),
		issuer: issuer,
		parser: jwt.NewParser(opts...),
		logger: logger,
	}
}

// Enabled reports whether tokens are verified.
func (m *AuthMiddleware) Enabled() bool {
	return len(m.secret) > 0
}

// =============================================================================
// WithUser Middleware
// =============================================================================

// WithUser loads the identity from an "Authorization: Bearer" header.
//
// Requests without a bearer token continue unauthenticated; other schemes,
// such as Basic on /metrics, are left to the handlers behind. When
// verification is enabled every request is marked with auth.SetVerified so
// handlers ignore user ids sent in bodies or query strings. A bearer
// token that is invalid or expired is rejected with 401 rather than
// silently downgraded to anonymous.
func (m *AuthMiddleware) WithUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		// With verification on, handlers must not fall back to client ids.
		r = r.WithContext(auth.SetVerified(r.Context()))

		header := r.Header.Get("Authorization")
		if header == "" {
			next.ServeHTTP(w, r)
			return
		}

		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		if strings.TrimSpace(token) == "" {
			handler.UnauthorizedResponse(w, r, m.logger)
			return
		}

		claims, err := m.ParseToken(strings.TrimSpace(token))
		if err != nil {
			m.logger.Info("rejected bearer token", "error", err, "path", r.URL.Path)
			handler.UnauthorizedResponse(w, r, m.logger)
			return
		}

		ctx := auth.SetIdentity(r.Context(), &auth.Identity{
			UserID: claims.Subject,
			Email:  claims.Email,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ParseToken verifies a signed token and returns its claims.
func (m *AuthMiddleware) ParseToken(raw string) (*Claims, error) {
	claims := &Claims{}
	_, err := m.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return m.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if claims.Subject == "" {
		return nil, errors.New("token has no subject")
	}
	return claims, nil
}

// =============================================================================
// RequireUser Middleware
// =============================================================================

// RequireUser rejects requests that WithUser did not authenticate.
//
// Must be placed after WithUser in the middleware chain.
func (m *AuthMiddleware) RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth.GetIdentity(r.Context()) == nil {
			handler.UnauthorizedResponse(w, r, m.logger)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// Middleware Stack Helper
// =============================================================================

// Stack creates a middleware stack from multiple middleware functions.
//
// Middleware is applied in the order provided, meaning the first middleware
// in the slice is the outermost (runs first on request, last on response).
//
// Example:
//
//	stack := Stack(loggingMw, authMw.WithUser, authMw.RequireUser)
//	mux.Handle("POST /api/billing/portal", stack(portalHandler))
func Stack(middlewares ...func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(final http.Handler) http.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}

// Ensure middleware functions have correct signature
var (
	_ func(http.Handler) http.Handler = (&AuthMiddleware{}).WithUser
	_ func(http.Handler) http.Handler = (&AuthMiddleware{}).RequireUser
)
