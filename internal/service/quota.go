// Package service contains the business logic layer.
//
// This file implements the quota service for evaluating and recording usage
// against the monthly plan limits of each subscription tier.
package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/DukeRupert/fortuna/internal/domain"
	"github.com/DukeRupert/fortuna/internal/metrics"
	"github.com/DukeRupert/fortuna/internal/usage"
)

// =============================================================================
// Interface Definition
// =============================================================================

// QuotaService defines operations for checking and recording plan usage.
type QuotaService interface {
	// Evaluate reports whether the next use of feature is allowed. Read-only:
	// a stale billing month is treated as zero usage without being written.
	Evaluate(ctx context.Context, userID string, feature domain.Feature) (domain.Evaluation, error)

	// RecordUse counts one use of feature, resetting every counter first when
	// the stored billing month is stale.
	RecordUse(ctx context.Context, userID string, feature domain.Feature) error

	// CheckAndTrack evaluates and, when allowed, records one use. This is the
	// only entry point request handlers should call.
	CheckAndTrack(ctx context.Context, userID string, feature domain.Feature) (domain.TrackResult, error)

	// Usage returns a read-only evaluation of every feature for a user.
	Usage(ctx context.Context, userID string) (*domain.QuotaUsage, error)
}

// QuotaConfig configures a QuotaService.
type QuotaConfig struct {
	// Catalog supplies per-tier limits. Required.
	Catalog *domain.PlanCatalog

	// Location is the calendar used for billing months. Defaults to time.Local.
	Location *time.Location

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// =============================================================================
// Implementation
// =============================================================================

type quotaService struct {
	store    usage.Store
	catalog  *domain.PlanCatalog
	location *time.Location
	now      func() time.Time
	logger   *slog.Logger
}

// NewQuotaService creates a new QuotaService.
func NewQuotaService(store usage.Store, cfg QuotaConfig, logger *slog.Logger) QuotaService {
	if cfg.Catalog == nil {
		cfg.Catalog = domain.DefaultPlanCatalog()
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &quotaService{
		store:    store,
		catalog:  cfg.Catalog,
		location: cfg.Location,
		now:      cfg.Now,
		logger:   logger,
	}
}

// Evaluate reports whether the next use of feature is allowed.
func (s *quotaService) Evaluate(ctx context.Context, userID string, feature domain.Feature) (domain.Evaluation, error) {
	return s.evaluateAt(ctx, userID, feature, s.now().In(s.location))
}

func (s *quotaService) evaluateAt(ctx context.Context, userID string, feature domain.Feature, now time.Time) (domain.Evaluation, error) {
	const op = "quota.evaluate"

	if !feature.Valid() {
		return domain.Evaluation{}, domain.Invalid(op, "unknown feature")
	}

	rec, err := s.load(ctx, userID)
	if err != nil {
		return domain.Evaluation{}, domain.Unavailable(err, op, "failed to load usage record")
	}

	return s.evaluate(rec, feature, now), nil
}

// RecordUse counts one use of feature.
func (s *quotaService) RecordUse(ctx context.Context, userID string, feature domain.Feature) error {
	return s.recordUseAt(ctx, userID, feature, s.now().In(s.location))
}

func (s *quotaService) recordUseAt(ctx context.Context, userID string, feature domain.Feature, now time.Time) error {
	const op = "quota.record_use"

	if !feature.Valid() {
		return domain.Invalid(op, "unknown feature")
	}

	rec, err := s.load(ctx, userID)
	if err != nil {
		return domain.Unavailable(err, op, "failed to load usage record")
	}

	month := domain.MonthToken(now)

	if rec.CurrentMonth != month {
		s.logger.Debug("billing month rolled over, resetting counters",
			"user_id", userID,
			"previous_month", rec.CurrentMonth,
			"month", month,
		)
		if err := s.store.ResetAndSet(ctx, userID, feature, month, now); err != nil {
			return domain.Unavailable(err, op, "failed to reset usage record")
		}
		return nil
	}

	if err := s.store.Increment(ctx, userID, feature, now); err != nil {
		return domain.Unavailable(err, op, "failed to increment usage counter")
	}
	return nil
}

// CheckAndTrack evaluates then records one use.
//
// For limited plans the record step is a single conditional write that only
// succeeds while the counter is below the limit, so concurrent requests cannot
// push usage past the ceiling. Both steps share one clock reading, so a
// request straddling a month boundary is evaluated and counted in one month.
func (s *quotaService) CheckAndTrack(ctx context.Context, userID string, feature domain.Feature) (domain.TrackResult, error) {
	const op = "quota.check_and_track"

	now := s.now().In(s.location)
	ev, err := s.evaluateAt(ctx, userID, feature, now)
	if err != nil {
		return domain.TrackResult{}, err
	}

	if !ev.Allowed {
		return s.deny(ev), nil
	}

	if ev.Limit.IsUnlimited() {
		if err := s.recordUseAt(ctx, userID, feature, now); err != nil {
			return domain.TrackResult{Evaluation: ev}, err
		}
		metrics.QuotaDecisions.WithLabelValues(string(feature), "allowed").Inc()
		return domain.TrackResult{Allowed: true, Evaluation: ev}, nil
	}

	used, ok, err := s.store.ConsumeIfBelow(ctx, userID, feature, domain.MonthToken(now), int(ev.Limit), now)
	if err != nil {
		return domain.TrackResult{Evaluation: ev}, domain.Unavailable(err, op, "failed to record usage")
	}

	if !ok {
		// Lost a race for the last unit between the read and the write.
		ev.Allowed = false
		ev.Used = used
		ev.Remaining = 0
		return s.deny(ev), nil
	}

	metrics.QuotaDecisions.WithLabelValues(string(feature), "allowed").Inc()
	return domain.TrackResult{Allowed: true, Evaluation: ev}, nil
}

// Usage returns a read-only evaluation of every feature.
func (s *quotaService) Usage(ctx context.Context, userID string) (*domain.QuotaUsage, error) {
	const op = "quota.usage"

	rec, err := s.load(ctx, userID)
	if err != nil {
		return nil, domain.Unavailable(err, op, "failed to load usage record")
	}

	now := s.now().In(s.location)
	out := &domain.QuotaUsage{
		UserID:   userID,
		Tier:     rec.Tier,
		Month:    domain.MonthToken(now),
		Features: make([]domain.Evaluation, 0, len(domain.Features)),
	}
	for _, f := range domain.Features {
		out.Features = append(out.Features, s.evaluate(rec, f, now))
	}
	return out, nil
}

// load returns the stored record, or an empty free-tier record when absent.
func (s *quotaService) load(ctx context.Context, userID string) (*domain.UsageRecord, error) {
	rec, err := s.store.Get(ctx, userID)
	if usage.IsNotFound(err) {
		return domain.NewUsageRecord(userID), nil
	}
	if err != nil {
		return nil, err
	}
	if !rec.Tier.Valid() {
		rec.Tier = domain.TierFree
	}
	return rec, nil
}

func (s *quotaService) evaluate(rec *domain.UsageRecord, feature domain.Feature, now time.Time) domain.Evaluation {
	used := rec.UsedIn(domain.MonthToken(now), feature)
	limit := s.catalog.LimitFor(rec.Tier, feature)

	ev := domain.Evaluation{
		UserID:    rec.UserID,
		Tier:      rec.Tier,
		Feature:   feature,
		Used:      used,
		Limit:     limit,
		ResetDate: domain.NextResetDate(now),
	}

	if limit.IsUnlimited() {
		ev.Allowed = true
		ev.Remaining = domain.Unlimited
		return ev
	}

	ev.Allowed = used < int(limit)
	ev.Remaining = max(0, int(limit)-used)
	return ev
}

func (s *quotaService) deny(ev domain.Evaluation) domain.TrackResult {
	s.logger.Info("quota exceeded",
		"user_id", ev.UserID,
		"tier", ev.Tier,
		"feature", ev.Feature,
		"used", ev.Used,
		"limit", int(ev.Limit),
	)
	metrics.QuotaDecisions.WithLabelValues(string(ev.Feature), "denied").Inc()

	return domain.TrackResult{
		Allowed:    false,
		Message:    domain.DenialMessage(ev),
		Evaluation: ev,
	}
}
