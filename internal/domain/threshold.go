package domain

import (
	"fmt"
	"sort"
	"time"
)

// Category groups threshold rules by the detector that consumes them.
type Category string

const (
	CategoryGPS          Category = "gps"
	CategorySpeed        Category = "speed"
	CategoryStraightLine Category = "straightline"
	CategoryDuplicate    Category = "duplicate"
	CategoryTiming       Category = "timing"
	CategoryComposite    Category = "composite"
)

// Categories lists every category in presentation order.
var Categories = []Category{
	CategoryGPS,
	CategorySpeed,
	CategoryStraightLine,
	CategoryDuplicate,
	CategoryTiming,
	CategoryComposite,
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	for _, k := range Categories {
		if k == c {
			return true
		}
	}
	return false
}

// WeightKey is the rule carrying the composite weight for a detector category.
func (c Category) WeightKey() string {
	return string(c) + "_weight"
}

// Severity is the tier assigned to an assessment.
type Severity string

const (
	SeverityClean    Severity = "clean"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityClean:    0,
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Rank orders severities from clean (0) to critical (4). Unknown values rank -1.
func (s Severity) Rank() int {
	if r, ok := severityRank[s]; ok {
		return r
	}
	return -1
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	return s.Rank() >= 0
}

// AtLeast reports whether s is at or above other.
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

// MaxSeverity returns the higher of two severities.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// ThresholdConfig is one version of one rule's configuration.
// Rows are append-only: a change closes the current row and inserts a successor.
type ThresholdConfig struct {
	ID             string     `json:"id"`
	RuleKey        string     `json:"ruleKey"`
	Category       Category   `json:"ruleCategory"`
	DisplayName    string     `json:"displayName"`
	ThresholdValue float64    `json:"thresholdValue"`
	Weight         *float64   `json:"weight,omitempty"`
	SeverityFloor  *Severity  `json:"severityFloor,omitempty"`
	IsActive       bool       `json:"isActive"`
	EffectiveFrom  time.Time  `json:"effectiveFrom"`
	EffectiveUntil *time.Time `json:"effectiveUntil,omitempty"`
	Version        int        `json:"version"`
	CreatedBy      string     `json:"createdBy"`
	CreatedAt      time.Time  `json:"createdAt"`
	Notes          string     `json:"notes,omitempty"`
}

// Current reports whether this row is the open version of its rule.
func (t *ThresholdConfig) Current() bool {
	return t.EffectiveUntil == nil
}

// Fields an update may clear back to unset.
const (
	ClearWeight        = "weight"
	ClearSeverityFloor = "severityFloor"
)

// ThresholdUpdate carries an admin change to one rule. ThresholdValue is
// required. Other nil fields keep the prior version's value; Clear unsets
// the named fields, as does an empty severityFloor. Notes is never carried
// forward.
type ThresholdUpdate struct {
	ThresholdValue *float64  `json:"thresholdValue"`
	Weight         *float64  `json:"weight,omitempty"`
	SeverityFloor  *Severity `json:"severityFloor,omitempty"`
	IsActive       *bool     `json:"isActive,omitempty"`
	Clear          []string  `json:"clear,omitempty"`
	Notes          string    `json:"notes,omitempty"`
}

// Check rejects updates that are incomplete or contradict themselves.
func (u ThresholdUpdate) Check(ruleKey string) error {
	if u.ThresholdValue == nil {
		return &InvalidThresholdError{RuleKey: ruleKey, Field: "thresholdValue", Reason: "is required"}
	}
	for _, f := range u.Clear {
		switch f {
		case ClearWeight:
			if u.Weight != nil {
				return &InvalidThresholdError{RuleKey: ruleKey, Field: "weight", Reason: "cannot be both set and cleared"}
			}
		case ClearSeverityFloor:
			if u.SeverityFloor != nil && *u.SeverityFloor != "" {
				return &InvalidThresholdError{RuleKey: ruleKey, Field: "severityFloor", Reason: "cannot be both set and cleared"}
			}
		default:
			return &InvalidThresholdError{RuleKey: ruleKey, Field: "clear", Reason: fmt.Sprintf("unknown field %q", f)}
		}
	}
	return nil
}

func (u ThresholdUpdate) clears(field string) bool {
	for _, f := range u.Clear {
		if f == field {
			return true
		}
	}
	return false
}

// Successor builds the next version of prev with the update applied. A nil
// ThresholdValue keeps the prior value; callers reject that with Check.
func (u ThresholdUpdate) Successor(prev *ThresholdConfig, actor string, now time.Time) *ThresholdConfig {
	next := &ThresholdConfig{
		RuleKey:        prev.RuleKey,
		Category:       prev.Category,
		DisplayName:    prev.DisplayName,
		ThresholdValue: prev.ThresholdValue,
		Weight:         prev.Weight,
		SeverityFloor:  prev.SeverityFloor,
		IsActive:       prev.IsActive,
		EffectiveFrom:  now,
		Version:        prev.Version + 1,
		CreatedBy:      actor,
		CreatedAt:      now,
		Notes:          u.Notes,
	}
	if u.ThresholdValue != nil {
		next.ThresholdValue = *u.ThresholdValue
	}
	switch {
	case u.clears(ClearWeight):
		next.Weight = nil
	case u.Weight != nil:
		w := *u.Weight
		next.Weight = &w
	}
	switch {
	case u.clears(ClearSeverityFloor), u.SeverityFloor != nil && *u.SeverityFloor == "":
		next.SeverityFloor = nil
	case u.SeverityFloor != nil:
		f := *u.SeverityFloor
		next.SeverityFloor = &f
	}
	if u.IsActive != nil {
		next.IsActive = *u.IsActive
	}
	return next
}

// Snapshot is the pinned, immutable set of rule versions one evaluation consults.
type Snapshot struct {
	TakenAt time.Time                   `json:"takenAt"`
	Rules   map[string]*ThresholdConfig `json:"rules"`
}

// NewSnapshot indexes rows by rule key. Two rows for one key is a race.
func NewSnapshot(rows []*ThresholdConfig, takenAt time.Time) (*Snapshot, error) {
	s := &Snapshot{TakenAt: takenAt, Rules: make(map[string]*ThresholdConfig, len(rows))}
	for _, r := range rows {
		if prev, dup := s.Rules[r.RuleKey]; dup {
			return nil, fmt.Errorf("%w: %s has versions %d and %d open", ErrSnapshotRace, r.RuleKey, prev.Version, r.Version)
		}
		s.Rules[r.RuleKey] = r
	}
	return s, nil
}

// Rule returns the pinned row for key if it is present and active.
func (s *Snapshot) Rule(key string) (*ThresholdConfig, bool) {
	if s == nil {
		return nil, false
	}
	r, ok := s.Rules[key]
	if !ok || !r.IsActive {
		return nil, false
	}
	return r, true
}

// Value returns the active threshold value for key.
func (s *Snapshot) Value(key string) (float64, bool) {
	r, ok := s.Rule(key)
	if !ok {
		return 0, false
	}
	return r.ThresholdValue, true
}

// Values looks up several keys at once; ok is false if any is missing or inactive.
func (s *Snapshot) Values(keys ...string) (map[string]float64, bool) {
	out := make(map[string]float64, len(keys))
	for _, k := range keys {
		v, ok := s.Value(k)
		if !ok {
			return nil, false
		}
		out[k] = v
	}
	return out, true
}

// Category returns the active rules of one category.
func (s *Snapshot) Category(c Category) map[string]*ThresholdConfig {
	out := make(map[string]*ThresholdConfig)
	if s == nil {
		return out
	}
	for k, r := range s.Rules {
		if r.Category == c && r.IsActive {
			out[k] = r
		}
	}
	return out
}

// Versions maps every pinned rule key to its version.
func (s *Snapshot) Versions() map[string]int {
	if s == nil {
		return map[string]int{}
	}
	out := make(map[string]int, len(s.Rules))
	for k, r := range s.Rules {
		out[k] = r.Version
	}
	return out
}

// Keys returns the pinned rule keys in sorted order.
func (s *Snapshot) Keys() []string {
	if s == nil {
		return nil
	}
	keys := make([]string, 0, len(s.Rules))
	for k := range s.Rules {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
