package handler

import (
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/DukeRupert/fortuna/internal/auth"
	"github.com/DukeRupert/fortuna/internal/domain"
	"github.com/DukeRupert/fortuna/internal/service"
)

// UsageResponse is the body of GET /api/usage.
type UsageResponse struct {
	Success  bool           `json:"success"`
	UserID   string         `json:"userId"`
	Tier     domain.Tier    `json:"tier"`
	Month    string         `json:"month"`
	Features []FeatureUsage `json:"features"`
}

// AccountHandler serves read-only per-user endpoints.
//
// Routes:
//   - GET /api/usage?userId=           -> Usage
//   - GET /api/readings/{id}?userId=   -> Reading
type AccountHandler struct {
	quota    service.QuotaService
	readings service.ReadingService
	logger   *slog.Logger
}

// NewAccountHandler creates a new AccountHandler.
func NewAccountHandler(quota service.QuotaService, readings service.ReadingService, logger *slog.Logger) *AccountHandler {
	return &AccountHandler{
		quota:    quota,
		readings: readings,
		logger:   logger,
	}
}

// RegisterRoutes registers account routes on the provided mux.
func (h *AccountHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/usage", h.Usage)
	mux.HandleFunc("GET /api/readings/{id}", h.Reading)
}

// Usage returns the caller's allowance for every feature without consuming any.
func (h *AccountHandler) Usage(w http.ResponseWriter, r *http.Request) {
	userID, err := requireUserID(r, r.URL.Query().Get("userId"), "usage.get")
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	u, err := h.quota.Usage(r.Context(), userID)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	resp := UsageResponse{
		Success:  true,
		UserID:   u.UserID,
		Tier:     u.Tier,
		Month:    u.Month,
		Features: make([]FeatureUsage, 0, len(u.Features)),
	}
	for _, ev := range u.Features {
		resp.Features = append(resp.Features, newFeatureUsage(ev))
	}
	writeJSON(w, http.StatusOK, resp)
}

// Reading returns a stored reading owned by the caller.
func (h *AccountHandler) Reading(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		NotFoundResponse(w, r, h.logger)
		return
	}

	userID, err := resolveUserID(r, r.URL.Query().Get("userId"))
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	if userID == "" && auth.Verified(r.Context()) {
		UnauthorizedResponse(w, r, h.logger)
		return
	}

	reading, err := h.readings.Get(r.Context(), userID, id)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"reading": reading,
	})
}
