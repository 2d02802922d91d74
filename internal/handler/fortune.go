// Package handler contains HTTP handlers for the fortuna API.
//
// This file implements the metered feature endpoints.
//
// Routes:
//   - POST /api/tarot         -> Tarot
//   - POST /api/palm          -> Palm
//   - POST /api/iching        -> IChing
//   - POST /api/chat          -> Chat
//   - POST /api/compatibility -> Compatibility
//
// Every route enforces the caller's monthly plan quota before the model is
// called.
package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/DukeRupert/fortuna/internal/auth"
	"github.com/DukeRupert/fortuna/internal/domain"
	"github.com/DukeRupert/fortuna/internal/metrics"
	"github.com/DukeRupert/fortuna/internal/service"
)

const (
	// maxBodyBytes bounds text-only feature requests.
	maxBodyBytes = 64 << 10

	// maxPalmBodyBytes leaves room for a base64 encoded photo.
	maxPalmBodyBytes = service.PalmImageMaxBytes*4/3 + 64<<10

	// maxUserIDLength bounds client-supplied user ids.
	maxUserIDLength = 128

	// limitReachedError is the fixed error string of a quota denial.
	limitReachedError = "Usage limit reached"
)

// QuotaPolicy holds the enforcement toggles of the feature endpoints.
type QuotaPolicy struct {
	// FailOpen serves requests whose quota check failed on a store error.
	// When false those requests get 503.
	FailOpen bool

	// AllowAnonymous serves requests without a user id, skipping quota
	// enforcement. When false those requests get 401.
	AllowAnonymous bool
}

// RequestLimiter throttles requests, typically by client IP.
type RequestLimiter interface {
	AllowRequest(r *http.Request) (ok bool, retryAfter time.Duration)
}

// =============================================================================
// Response Types
// =============================================================================

// LimitResponse is the 403 body of a quota denial.
type LimitResponse struct {
	Success      bool   `json:"success"`
	Error        string `json:"error"`
	Message      string `json:"message"`
	Limit        int    `json:"limit"`
	CurrentUsage int    `json:"currentUsage"`
	Remaining    int    `json:"remaining"`
	ResetDate    string `json:"resetDate"`
}

// FeatureUsage describes one feature's allowance. Limit and Remaining are -1
// for unlimited plans.
type FeatureUsage struct {
	Feature   domain.Feature `json:"feature"`
	Name      string         `json:"name"`
	Used      int            `json:"used"`
	Limit     int            `json:"limit"`
	Remaining int            `json:"remaining"`
	Unlimited bool           `json:"unlimited"`
	ResetDate string         `json:"resetDate"`
}

// ReadingResponse is the 200 body of a feature endpoint. Usage is omitted
// for anonymous requests and when quota enforcement failed open.
type ReadingResponse struct {
	Success bool            `json:"success"`
	Reading *domain.Reading `json:"reading"`
	Usage   *FeatureUsage   `json:"usage,omitempty"`
}

func newFeatureUsage(ev domain.Evaluation) FeatureUsage {
	return FeatureUsage{
		Feature:   ev.Feature,
		Name:      ev.Feature.Title(),
		Used:      ev.Used,
		Limit:     int(ev.Limit),
		Remaining: ev.Remaining,
		Unlimited: ev.Limit.IsUnlimited(),
		ResetDate: ev.ResetDate.Format(time.RFC3339),
	}
}

// usageAfterConsume reports the allowance left once the current request has
// been counted.
func usageAfterConsume(ev domain.Evaluation) *FeatureUsage {
	u := newFeatureUsage(ev)
	u.Used++
	if !u.Unlimited {
		u.Remaining = max(0, u.Limit-u.Used)
	}
	return &u
}

// =============================================================================
// Handler
// =============================================================================

// FortuneHandler serves the metered feature endpoints.
type FortuneHandler struct {
	quota    service.QuotaService
	readings service.ReadingService
	anon     RequestLimiter
	policy   QuotaPolicy
	logger   *slog.Logger
}

// NewFortuneHandler creates a new FortuneHandler. anon may be nil to leave
// anonymous requests unthrottled.
func NewFortuneHandler(
	quota service.QuotaService,
	readings service.ReadingService,
	anon RequestLimiter,
	policy QuotaPolicy,
	logger *slog.Logger,
) *FortuneHandler {
	return &FortuneHandler{
		quota:    quota,
		readings: readings,
		anon:     anon,
		policy:   policy,
		logger:   logger,
	}
}

// RegisterRoutes registers the feature routes on the provided mux.
func (h *FortuneHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("POST /api/tarot", h.Tarot())
	mux.Handle("POST /api/palm", h.Palm())
	mux.Handle("POST /api/iching", h.IChing())
	mux.Handle("POST /api/chat", h.Chat())
	mux.Handle("POST /api/compatibility", h.Compatibility())
}

// Tarot handles POST /api/tarot.
func (h *FortuneHandler) Tarot() http.Handler {
	return featureHandler(h, domain.FeatureTarot, maxBodyBytes, h.readings.Tarot)
}

// Palm handles POST /api/palm.
func (h *FortuneHandler) Palm() http.Handler {
	return featureHandler(h, domain.FeaturePalm, maxPalmBodyBytes, h.readings.Palm)
}

// IChing handles POST /api/iching.
func (h *FortuneHandler) IChing() http.Handler {
	return featureHandler(h, domain.FeatureIChing, maxBodyBytes, h.readings.IChing)
}

// Chat handles POST /api/chat.
func (h *FortuneHandler) Chat() http.Handler {
	return featureHandler(h, domain.FeatureChat, maxBodyBytes, h.readings.Chat)
}

// Compatibility handles POST /api/compatibility.
func (h *FortuneHandler) Compatibility() http.Handler {
	return featureHandler(h, domain.FeatureCompatibility, maxBodyBytes, h.readings.Compatibility)
}

// userBody is the identity part of a feature request body.
type userBody struct {
	UserID string `json:"userId"`
}

// featureHandler decodes and validates a request of type T, enforces the
// quota for feature and runs generate.
func featureHandler[T any, PT interface {
	*T
	Validate() error
}](
	h *FortuneHandler,
	feature domain.Feature,
	maxBytes int64,
	generate func(ctx context.Context, userID string, req T) (*domain.Reading, error),
) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ident userBody
		var req T
		if err := decodeJSON(w, r, maxBytes, &ident, &req); err != nil {
			ErrorResponse(w, r, h.logger, err)
			return
		}
		if err := PT(&req).Validate(); err != nil {
			ErrorResponse(w, r, h.logger, err)
			return
		}

		userID, err := resolveUserID(r, ident.UserID)
		if err != nil {
			ErrorResponse(w, r, h.logger, err)
			return
		}

		usage, ok := h.enforce(w, r, userID, feature)
		if !ok {
			return
		}

		reading, err := generate(r.Context(), userID, req)
		if err != nil {
			ErrorResponse(w, r, h.logger, err)
			return
		}

		writeJSON(w, http.StatusOK, ReadingResponse{
			Success: true,
			Reading: reading,
			Usage:   usage,
		})
	})
}

// resolveUserID prefers the authenticated identity over the body's userId.
// While bearer tokens are verified the body value is ignored, so an
// unauthenticated request resolves to "".
func resolveUserID(r *http.Request, bodyUserID string) (string, error) {
	if id := auth.UserIDFromRequest(r); id != "" {
		return id, nil
	}
	if auth.Verified(r.Context()) {
		return "", nil
	}

	id := strings.TrimSpace(bodyUserID)
	if len(id) > maxUserIDLength {
		return "", domain.Invalid("request.user_id", "userId is too long")
	}
	return id, nil
}

// requireUserID is resolveUserID for endpoints that act on an account. A
// missing user is 401 when tokens are verified and 400 otherwise.
func requireUserID(r *http.Request, bodyUserID, op string) (string, error) {
	userID, err := resolveUserID(r, bodyUserID)
	if err != nil {
		return "", err
	}
	if userID != "" {
		return userID, nil
	}
	if auth.Verified(r.Context()) {
		return "", domain.Unauthorized(op, "Sign in to continue")
	}
	return "", domain.Invalid(op, "userId is required")
}

// enforce applies the quota policy. It returns false after writing a response
// when the request must not proceed.
func (h *FortuneHandler) enforce(w http.ResponseWriter, r *http.Request, userID string, feature domain.Feature) (*FeatureUsage, bool) {
	if userID == "" {
		return nil, h.admitAnonymous(w, r, feature)
	}

	result, err := h.quota.CheckAndTrack(r.Context(), userID, feature)
	if err != nil {
		if !h.policy.FailOpen || !domain.IsRetryable(err) {
			ErrorResponse(w, r, h.logger, err)
			return nil, false
		}

		h.logger.Warn("quota check failed, serving request without enforcement",
			"user_id", userID,
			"feature", feature,
			"error", err,
		)
		metrics.QuotaFailOpen.WithLabelValues(string(feature)).Inc()
		return nil, true
	}

	if !result.Allowed {
		ev := result.Evaluation
		writeJSON(w, http.StatusForbidden, LimitResponse{
			Success:      false,
			Error:        limitReachedError,
			Message:      result.Message,
			Limit:        int(ev.Limit),
			CurrentUsage: ev.Used,
			Remaining:    ev.Remaining,
			ResetDate:    ev.ResetDate.Format(time.RFC3339),
		})
		return nil, false
	}

	return usageAfterConsume(result.Evaluation), true
}

func (h *FortuneHandler) admitAnonymous(w http.ResponseWriter, r *http.Request, feature domain.Feature) bool {
	if !h.policy.AllowAnonymous {
		ErrorResponse(w, r, h.logger, domain.Unauthorized("quota.anonymous", "Sign in to use this feature"))
		return false
	}

	if h.anon != nil {
		if ok, wait := h.anon.AllowRequest(r); !ok {
			SetRetryAfter(w, wait)
			ErrorResponse(w, r, h.logger, domain.RateLimit("quota.anonymous"))
			return false
		}
	}

	metrics.AnonymousRequests.WithLabelValues(string(feature)).Inc()
	return true
}
