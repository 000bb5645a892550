package detectors

import (
	"context"
	"math"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// Timing flags submissions made at night or on configured weekend days,
// judged in the deployment's time zone.
type Timing struct {
	loc *time.Location
}

// NewTiming creates the timing detector. A nil location means UTC.
func NewTiming(loc *time.Location) *Timing {
	if loc == nil {
		loc = time.UTC
	}
	return &Timing{loc: loc}
}

func (d *Timing) Key() string               { return domain.DetectorTiming }
func (d *Timing) Category() domain.Category { return domain.CategoryTiming }

func (d *Timing) Detect(_ context.Context, sub *domain.Submission, snap *domain.Snapshot) (domain.DetectionResult, error) {
	night, nightOn := snap.Values(rules.TimingNightStart, rules.TimingNightEnd, rules.TimingNightScore)
	weekend, weekendOn := snap.Values(rules.TimingWeekendMask, rules.TimingWeekendScore)
	if !nightOn && !weekendOn {
		return domain.NotApplicable(d.Key(), d.Category(), ReasonRuleDisabled), nil
	}
	if sub.SubmittedAt.IsZero() {
		return domain.NotApplicable(d.Key(), d.Category(), "no submission timestamp"), nil
	}

	local := sub.SubmittedAt.In(d.loc)
	evidence := map[string]any{
		"local_time": local.Format(time.RFC3339),
		"hour":       local.Hour(),
		"weekday":    local.Weekday().String(),
		"timezone":   d.loc.String(),
	}

	score := 0.0
	var triggered []string
	if nightOn && InWindow(local.Hour(), int(night[rules.TimingNightStart]), int(night[rules.TimingNightEnd])) {
		triggered = append(triggered, rules.SubRuleNightHours)
		score = math.Max(score, night[rules.TimingNightScore])
	}
	if weekendOn && int(weekend[rules.TimingWeekendMask])&(1<<uint(local.Weekday())) != 0 {
		triggered = append(triggered, rules.SubRuleWeekend)
		score = math.Max(score, weekend[rules.TimingWeekendScore])
	}

	res := domain.Applicable(d.Key(), d.Category(), score, len(triggered) > 0, evidence)
	res.TriggeredRules = triggered
	return res, nil
}

// InWindow reports whether hour falls in [start, end). A window whose start
// is after its end wraps past midnight; start == end is empty.
func InWindow(hour, start, end int) bool {
	switch {
	case start < end:
		return hour >= start && hour < end
	case start > end:
		return hour >= start || hour < end
	default:
		return false
	}
}
