package detectors

import (
	"context"
	"fmt"
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// SpeedRun flags submissions completed much faster than the form's
// population median.
type SpeedRun struct {
	stats DurationStats
}

func NewSpeedRun(stats DurationStats) *SpeedRun {
	return &SpeedRun{stats: stats}
}

func (d *SpeedRun) Key() string               { return domain.DetectorSpeedRun }
func (d *SpeedRun) Category() domain.Category { return domain.CategorySpeed }

func (d *SpeedRun) Detect(ctx context.Context, sub *domain.Submission, snap *domain.Snapshot) (domain.DetectionResult, error) {
	v, ok := snap.Values(rules.SpeedRatioThreshold, rules.SpeedMinPopulation, rules.SpeedBootstrapResamples, rules.SpeedBootstrapConf)
	if !ok {
		return domain.NotApplicable(d.Key(), d.Category(), ReasonRuleDisabled), nil
	}

	duration, n := sub.Duration()
	if n < 2 {
		return domain.NotApplicable(d.Key(), d.Category(), "fewer than 2 timestamped items"), nil
	}
	if duration < 0 {
		return domain.DetectionResult{}, fmt.Errorf("%w: last item answered before the first", domain.ErrMalformedInput)
	}
	if d.stats == nil {
		return domain.NotApplicable(d.Key(), d.Category(), "no duration statistics"), nil
	}

	stats, err := d.stats.FormDurations(ctx, sub.FormID)
	if err != nil {
		return domain.DetectionResult{}, fmt.Errorf("load form durations: %w", err)
	}
	if stats == nil || stats.N == 0 {
		return domain.NotApplicable(d.Key(), d.Category(), "no completed submissions for form"), nil
	}

	threshold := v[rules.SpeedRatioThreshold]
	minPop := int(v[rules.SpeedMinPopulation])

	evidence := map[string]any{
		"duration_s":      duration.Seconds(),
		"population_n":    stats.N,
		"ratio_threshold": threshold,
	}

	median := stats.Median
	if stats.N < minPop {
		if len(stats.Samples) == 0 {
			return domain.NotApplicable(d.Key(), d.Category(), ReasonInsufficientData), nil
		}
		resamples := int(v[rules.SpeedBootstrapResamples])
		conf := v[rules.SpeedBootstrapConf]
		lower, center := BootstrapMedian(stats.Samples, resamples, conf, sub.ID)
		median = lower
		evidence["bootstrap"] = map[string]any{
			"resamples":     resamples,
			"confidence":    conf,
			"lower_bound_s": lower,
			"center_s":      center,
		}
	}
	if math.IsNaN(median) || median <= 0 {
		return domain.NotApplicable(d.Key(), d.Category(), "population median is not positive"), nil
	}

	ratio := duration.Seconds() / median
	evidence["median_s"] = median
	evidence["ratio"] = ratio

	if ratio >= threshold {
		return domain.Applicable(d.Key(), d.Category(), 0, false, evidence), nil
	}
	res := domain.Applicable(d.Key(), d.Category(), 100*(threshold-ratio)/threshold, true, evidence)
	res.TriggeredRules = []string{rules.SubRuleSpeedRun}
	return res, nil
}
