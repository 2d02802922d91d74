package middleware

import (
	"net/http"
	"slices"
	"strings"
)

// SecurityHeadersMiddleware adds security and CORS headers to API responses.
type SecurityHeadersMiddleware struct {
	isSecure       bool     // Whether to enable HTTPS-specific headers (true in production)
	allowedOrigins []string // Origins allowed to call the API from a browser; "*" allows any
}

// NewSecurityHeadersMiddleware creates a new security headers middleware.
// Set isSecure to true in production to enable HSTS.
func NewSecurityHeadersMiddleware(isSecure bool, allowedOrigins []string) *SecurityHeadersMiddleware {
	return &SecurityHeadersMiddleware{
		isSecure:       isSecure,
		allowedOrigins: allowedOrigins,
	}
}

// Handler returns middleware that sets security headers on all responses and
// answers CORS preflight requests.
func (m *SecurityHeadersMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")

		// The API only serves JSON, so nothing may be loaded or framed.
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")

		if m.isSecure {
			// max-age=31536000 = 1 year
			h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		// Readings and usage are per-user; never cache them in shared caches.
		if strings.HasPrefix(r.URL.Path, "/api/") {
			h.Set("Cache-Control", "no-store")
		}

		if origin := r.Header.Get("Origin"); origin != "" && m.originAllowed(origin) {
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
				h.Set("Access-Control-Max-Age", "600")
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

func (m *SecurityHeadersMiddleware) originAllowed(origin string) bool {
	return slices.Contains(m.allowedOrigins, "*") || slices.Contains(m.allowedOrigins, origin)
}
