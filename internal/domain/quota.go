// Package domain contains core business types and interfaces.
//
// This file defines the per-user usage record and the results of quota
// evaluation for the monthly plan limits.
package domain

import (
	"fmt"
	"time"
)

// MonthLayout is the layout of a billing month token ("YYYY-MM").
const MonthLayout = "2006-01"

// MonthToken returns the billing month token for t in t's location.
func MonthToken(t time.Time) string {
	return t.Format(MonthLayout)
}

// NextResetDate returns the first instant of the calendar month after t,
// in t's location.
func NextResetDate(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, t.Location())
}

// UsageRecord is the per-user quota document.
//
// Counter values are only meaningful relative to CurrentMonth; when it differs
// from the evaluation month every counter is logically zero.
type UsageRecord struct {
	UserID               string
	Tier                 Tier
	CurrentMonth         string
	Counts               map[Feature]int
	LastUsedAt           *time.Time
	StripeCustomerID     string
	StripeSubscriptionID string
}

// NewUsageRecord returns an empty free-tier record for userID.
func NewUsageRecord(userID string) *UsageRecord {
	return &UsageRecord{
		UserID: userID,
		Tier:   TierFree,
		Counts: make(map[Feature]int, len(Features)),
	}
}

// Count returns the stored counter for feature, ignoring staleness.
func (r *UsageRecord) Count(feature Feature) int {
	if r.Counts == nil {
		return 0
	}
	return r.Counts[feature]
}

// UsedIn returns the effective counter for feature in month, applying the lazy
// reset rule. It never mutates the record.
func (r *UsageRecord) UsedIn(month string, feature Feature) int {
	if r.CurrentMonth != month {
		return 0
	}
	return r.Count(feature)
}

// Evaluation is the outcome of checking one feature for one user.
// Limit and Remaining are Unlimited for unlimited plans.
type Evaluation struct {
	UserID    string
	Tier      Tier
	Feature   Feature
	Allowed   bool
	Used      int
	Limit     Limit
	Remaining int
	ResetDate time.Time
}

// TrackResult is the outcome of the combined check-and-track operation.
type TrackResult struct {
	Allowed    bool
	Message    string
	Evaluation Evaluation
}

// DenialMessage builds the user-facing message for an exhausted quota.
func DenialMessage(ev Evaluation) string {
	return fmt.Sprintf("monthly limit of %d reached for %s; resets %s; upgrade for unlimited access",
		int(ev.Limit), ev.Feature.DisplayName(), ev.ResetDate.Format("2006-01-02"))
}

// QuotaUsage summarises every feature for one user.
type QuotaUsage struct {
	UserID   string
	Tier     Tier
	Month    string
	Features []Evaluation
}
