// Package domain contains core business types and interfaces.
//
// This file defines subscription tiers, billable features and the plan catalog
// that maps each (tier, feature) pair to a monthly call limit.
package domain

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Tier is the subscription level that governs per-feature monthly ceilings.
type Tier string

const (
	TierFree    Tier = "free"
	TierBasic   Tier = "basic"
	TierPremium Tier = "premium"
)

// Tiers lists every known tier in ascending order of entitlement.
var Tiers = []Tier{TierFree, TierBasic, TierPremium}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	switch t {
	case TierFree, TierBasic, TierPremium:
		return true
	}
	return false
}

// ParseTier normalises s into a Tier, falling back to free for anything unknown.
func ParseTier(s string) Tier {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	if t.Valid() {
		return t
	}
	return TierFree
}

// Feature is one of the billable actions, each with its own counter and ceiling.
type Feature string

const (
	FeatureTarot         Feature = "tarot"
	FeaturePalm          Feature = "palm"
	FeatureIChing        Feature = "iching"
	FeatureChat          Feature = "chat"
	FeatureCompatibility Feature = "compatibility"
)

// Features lists every billable feature. Counter storage follows this order.
var Features = []Feature{FeatureTarot, FeaturePalm, FeatureIChing, FeatureChat, FeatureCompatibility}

// Valid reports whether f is a known billable feature.
func (f Feature) Valid() bool {
	switch f {
	case FeatureTarot, FeaturePalm, FeatureIChing, FeatureChat, FeatureCompatibility:
		return true
	}
	return false
}

// DisplayName returns the user-facing name of the feature.
func (f Feature) DisplayName() string {
	switch f {
	case FeatureTarot:
		return "tarot readings"
	case FeaturePalm:
		return "palm readings"
	case FeatureIChing:
		return "I Ching castings"
	case FeatureChat:
		return "chat messages"
	case FeatureCompatibility:
		return "compatibility diagnoses"
	}
	return string(f)
}

// Title returns the display name in title case, for headings.
// Casers are stateful, so each call builds its own.
func (f Feature) Title() string {
	return cases.Title(language.English).String(f.DisplayName())
}

// Unlimited is the sentinel limit for features without a monthly ceiling.
const Unlimited = -1

// Limit is a monthly call ceiling, or Unlimited.
type Limit int

// IsUnlimited reports whether the limit is the unlimited sentinel.
func (l Limit) IsUnlimited() bool {
	return l == Unlimited
}

func (l Limit) String() string {
	if l.IsUnlimited() {
		return "unlimited"
	}
	return fmt.Sprintf("%d", int(l))
}

// PlanTable is the raw tier x feature limit table used to build a PlanCatalog.
type PlanTable map[Tier]map[Feature]Limit

// PlanCatalog is an immutable, validated tier x feature limit lookup.
// Build one with NewPlanCatalog; the zero value has no entries.
type PlanCatalog struct {
	limits map[Tier]map[Feature]Limit
}

// NewPlanCatalog validates table and returns an immutable catalog.
//
// Every known tier must define every known feature. Unknown tiers or features
// and negative limits other than Unlimited are rejected.
func NewPlanCatalog(table PlanTable) (*PlanCatalog, error) {
	const op = "plan.new_catalog"

	var problems []string
	limits := make(map[Tier]map[Feature]Limit, len(Tiers))

	for tier, row := range table {
		if !tier.Valid() {
			problems = append(problems, fmt.Sprintf("unknown tier %q", tier))
			continue
		}
		for feature, limit := range row {
			if !feature.Valid() {
				problems = append(problems, fmt.Sprintf("tier %s: unknown feature %q", tier, feature))
				continue
			}
			if limit < 0 && !limit.IsUnlimited() {
				problems = append(problems, fmt.Sprintf("tier %s: negative limit %d for %s", tier, limit, feature))
			}
		}
	}

	for _, tier := range Tiers {
		row, ok := table[tier]
		if !ok {
			problems = append(problems, fmt.Sprintf("missing tier %s", tier))
			continue
		}
		copied := make(map[Feature]Limit, len(Features))
		for _, feature := range Features {
			limit, ok := row[feature]
			if !ok {
				problems = append(problems, fmt.Sprintf("tier %s: missing feature %s", tier, feature))
				continue
			}
			copied[feature] = limit
		}
		limits[tier] = copied
	}

	if len(problems) > 0 {
		sort.Strings(problems)
		return nil, Invalid(op, "invalid plan catalog: "+strings.Join(problems, "; "))
	}

	return &PlanCatalog{limits: limits}, nil
}

// MustPlanCatalog is like NewPlanCatalog but panics on an invalid table.
func MustPlanCatalog(table PlanTable) *PlanCatalog {
	c, err := NewPlanCatalog(table)
	if err != nil {
		panic(err)
	}
	return c
}

// DefaultPlanTable returns the production limits.
func DefaultPlanTable() PlanTable {
	return PlanTable{
		TierFree: {
			FeatureTarot:         3,
			FeaturePalm:          1,
			FeatureIChing:        3,
			FeatureChat:          10,
			FeatureCompatibility: 1,
		},
		TierBasic: {
			FeatureTarot:         30,
			FeaturePalm:          10,
			FeatureIChing:        30,
			FeatureChat:          200,
			FeatureCompatibility: 10,
		},
		TierPremium: {
			FeatureTarot:         Unlimited,
			FeaturePalm:          Unlimited,
			FeatureIChing:        Unlimited,
			FeatureChat:          Unlimited,
			FeatureCompatibility: Unlimited,
		},
	}
}

// DefaultPlanCatalog returns a catalog built from DefaultPlanTable.
func DefaultPlanCatalog() *PlanCatalog {
	return MustPlanCatalog(DefaultPlanTable())
}

// LimitFor returns the monthly limit for tier and feature.
// Unknown tiers resolve to the free tier. An unknown feature yields a zero limit.
func (c *PlanCatalog) LimitFor(tier Tier, feature Feature) Limit {
	row, ok := c.limits[tier]
	if !ok {
		row = c.limits[TierFree]
	}
	limit, ok := row[feature]
	if !ok {
		return 0
	}
	return limit
}

// Table returns a copy of the catalog's limits.
func (c *PlanCatalog) Table() PlanTable {
	out := make(PlanTable, len(c.limits))
	for tier, row := range c.limits {
		copied := make(map[Feature]Limit, len(row))
		for f, l := range row {
			copied[f] = l
		}
		out[tier] = copied
	}
	return out
}
