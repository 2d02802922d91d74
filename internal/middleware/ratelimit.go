package middleware

import (
	"log/slog"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/DukeRupert/fortuna/internal/domain"
	"github.com/DukeRupert/fortuna/internal/handler"
)

// =============================================================================
// Rate Limiter
// =============================================================================

// idleTTL is how long a key may go unseen before its bucket is discarded.
const idleTTL = 10 * time.Minute

// RateLimiter keeps one token bucket per key, typically a client IP.
type RateLimiter struct {
	limit   rate.Limit
	burst   int
	proxies TrustedProxies
	logger  *slog.Logger

	mu      sync.Mutex
	entries map[string]*rateLimitEntry

	done      chan struct{}
	closeOnce sync.Once
}

type rateLimitEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows perMinute requests per key on average with bursts of
// up to burst. A background goroutine evicts idle keys until Close is called.
func NewRateLimiter(perMinute, burst int, logger *slog.Logger) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	rl := &RateLimiter{
		limit:   rate.Limit(float64(perMinute) / 60),
		burst:   burst,
		logger:  logger,
		entries: make(map[string]*rateLimitEntry),
		done:    make(chan struct{}),
	}

	go rl.cleanup()

	return rl
}

// Allow reports whether a request from key may proceed now.
func (rl *RateLimiter) Allow(key string) bool {
	ok, _ := rl.reserve(key)
	return ok
}

// TrustProxies makes AllowRequest key requests relayed by tp on the
// forwarded client address. Call before the limiter is shared.
func (rl *RateLimiter) TrustProxies(tp TrustedProxies) *RateLimiter {
	rl.proxies = tp
	return rl
}

// AllowRequest rate limits r by client IP. When the request is refused it
// also returns how long until a token is available.
func (rl *RateLimiter) AllowRequest(r *http.Request) (bool, time.Duration) {
	return rl.reserve(rl.proxies.ClientIP(r))
}

func (rl *RateLimiter) reserve(key string) (bool, time.Duration) {
	lim := rl.limiterFor(key)

	now := time.Now()
	res := lim.ReserveN(now, 1)
	if !res.OK() {
		return false, time.Minute
	}
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return false, delay
	}
	return true, 0
}

func (rl *RateLimiter) limiterFor(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	entry, ok := rl.entries[key]
	if !ok {
		entry = &rateLimitEntry{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.entries[key] = entry
	}
	entry.lastSeen = time.Now()
	return entry.limiter
}

// Reset forgets the bucket for key.
func (rl *RateLimiter) Reset(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.entries, key)
}

// Close stops the cleanup goroutine.
func (rl *RateLimiter) Close() {
	rl.closeOnce.Do(func() { close(rl.done) })
}

// cleanup periodically removes idle entries to prevent memory leaks.
func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(idleTTL / 2)
	defer ticker.Stop()

	for {
		select {
		case <-rl.done:
			return
		case <-ticker.C:
			rl.evictIdle(time.Now())
		}
	}
}

func (rl *RateLimiter) evictIdle(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, entry := range rl.entries {
		if now.Sub(entry.lastSeen) > idleTTL {
			delete(rl.entries, key)
		}
	}
}

// =============================================================================
// Rate Limit Middleware
// =============================================================================

// RateLimitMiddleware wraps a rate limiter for use as HTTP middleware.
type RateLimitMiddleware struct {
	limiter *RateLimiter
	logger  *slog.Logger
}

// NewRateLimitMiddleware creates a new rate limit middleware.
func NewRateLimitMiddleware(limiter *RateLimiter, logger *slog.Logger) *RateLimitMiddleware {
	return &RateLimitMiddleware{
		limiter: limiter,
		logger:  logger,
	}
}

// Limit returns middleware that rate limits requests by client IP.
func (m *RateLimitMiddleware) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, wait := m.limiter.AllowRequest(r)
		if !ok {
			m.logger.Warn("rate limit exceeded",
				"ip", m.limiter.proxies.ClientIP(r),
				"path", r.URL.Path,
				"method", r.Method,
			)
			handler.SetRetryAfter(w, wait)
			handler.ErrorResponse(w, r, m.logger, domain.RateLimit("http.rate_limit"))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// Helpers
// =============================================================================

// TrustedProxies lists the peers whose forwarding headers are believed. The
// zero value trusts no one, so the client IP is always the connection's peer.
type TrustedProxies struct {
	prefixes []netip.Prefix
}

// ParseTrustedProxies accepts single IPs and CIDR ranges.
func ParseTrustedProxies(entries []string) (TrustedProxies, error) {
	var tp TrustedProxies
	for _, e := range entries {
		if prefix, err := netip.ParsePrefix(e); err == nil {
			tp.prefixes = append(tp.prefixes, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(e)
		if err != nil {
			return TrustedProxies{}, fmt.Errorf("invalid trusted proxy %q", e)
		}
		addr = addr.Unmap()
		tp.prefixes = append(tp.prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return tp, nil
}

func (tp TrustedProxies) trusts(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range tp.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// ClientIP returns the connection's peer address. When the peer is a trusted
// proxy it walks X-Forwarded-For from the right and returns the first hop
// that is not itself trusted, falling back to X-Real-IP.
func (tp TrustedProxies) ClientIP(r *http.Request) string {
	peer := peerIP(r)
	addr, err := netip.ParseAddr(peer)
	if err != nil || !tp.trusts(addr) {
		return peer
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		hops := strings.Split(xff, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			hopAddr, err := netip.ParseAddr(hop)
			if err != nil {
				break
			}
			if !tp.trusts(hopAddr) {
				return hopAddr.Unmap().String()
			}
		}
	}

	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		if a, err := netip.ParseAddr(xri); err == nil {
			return a.Unmap().String()
		}
	}
	return peer
}

// peerIP is the address of the connection's peer, without the port.
func peerIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		// RemoteAddr might not have a port
		return r.RemoteAddr
	}
	return ip
}
