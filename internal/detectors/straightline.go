package detectors

import (
	"context"
	"fmt"
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// StraightLine flags batteries of scale items answered with too little variation.
type StraightLine struct{}

func NewStraightLine() *StraightLine { return &StraightLine{} }

func (d *StraightLine) Key() string               { return domain.DetectorStraightLine }
func (d *StraightLine) Category() domain.Category { return domain.CategoryStraightLine }

// maxScalePoints bounds the declared size of a scale domain.
const maxScalePoints = 101

// battery is a contiguous run of scale items sharing one scale domain.
type battery struct {
	start    int // index of the first item in Answers
	min, max int
	values   []int
}

func (d *StraightLine) Detect(_ context.Context, sub *domain.Submission, snap *domain.Snapshot) (domain.DetectionResult, error) {
	v, ok := snap.Values(rules.StraightLinePIR, rules.StraightLineLIS, rules.StraightLineEntropy, rules.StraightLineMinBattery)
	if !ok {
		return domain.NotApplicable(d.Key(), d.Category(), ReasonRuleDisabled), nil
	}
	minSize := int(v[rules.StraightLineMinBattery])

	batteries, err := splitBatteries(sub.Answers)
	if err != nil {
		return domain.DetectionResult{}, err
	}

	score := 0.0
	hit := map[string]bool{}
	var scored []map[string]any
	for _, b := range batteries {
		k := b.max - b.min + 1
		if len(b.values) < minSize || k < 2 {
			continue
		}
		m := measure(b.values, b.min, k)

		batteryScore := 0.0
		if m.pir >= v[rules.StraightLinePIR] {
			hit[rules.SubRulePIR] = true
			batteryScore = math.Max(batteryScore, excessAbove(m.pir, v[rules.StraightLinePIR]))
		}
		if m.lis >= v[rules.StraightLineLIS] {
			hit[rules.SubRuleLIS] = true
			batteryScore = math.Max(batteryScore, excessAbove(m.lis, v[rules.StraightLineLIS]))
		}
		if m.entropy <= v[rules.StraightLineEntropy] {
			hit[rules.SubRuleEntropy] = true
			batteryScore = math.Max(batteryScore, excessBelow(m.entropy, v[rules.StraightLineEntropy]))
		}
		score = math.Max(score, batteryScore)

		scored = append(scored, map[string]any{
			"start_index": b.start,
			"size":        len(b.values),
			"scale_min":   b.min,
			"scale_max":   b.max,
			"pir":         m.pir,
			"lis":         m.lis,
			"entropy":     m.entropy,
			"score":       batteryScore,
		})
	}

	if len(scored) == 0 {
		return domain.NotApplicable(d.Key(), d.Category(), "no qualifying batteries"), nil
	}

	var triggered []string
	for _, key := range []string{rules.SubRulePIR, rules.SubRuleLIS, rules.SubRuleEntropy} {
		if hit[key] {
			triggered = append(triggered, key)
		}
	}
	res := domain.Applicable(d.Key(), d.Category(), score, len(triggered) > 0, map[string]any{"batteries": scored})
	res.TriggeredRules = triggered
	return res, nil
}

// splitBatteries groups answered scale items into batteries. Unanswered
// scale items are skipped without breaking the run; any other item type does.
func splitBatteries(answers []domain.Answer) ([]battery, error) {
	var out []battery
	var cur *battery
	for i, a := range answers {
		if !a.Type.IsScale() {
			cur = nil
			continue
		}
		if a.Value == nil {
			continue
		}
		if a.ScaleMin > a.ScaleMax || float64(a.ScaleMax)-float64(a.ScaleMin)+1 > maxScalePoints {
			return nil, fmt.Errorf("%w: item %s declares scale [%d, %d]; at most %d points allowed",
				domain.ErrMalformedInput, a.ItemID, a.ScaleMin, a.ScaleMax, maxScalePoints)
		}
		val := *a.Value
		if val != math.Trunc(val) || val < float64(a.ScaleMin) || val > float64(a.ScaleMax) {
			return nil, fmt.Errorf("%w: item %s value %v outside scale [%d, %d]",
				domain.ErrMalformedInput, a.ItemID, val, a.ScaleMin, a.ScaleMax)
		}
		if cur == nil || cur.min != a.ScaleMin || cur.max != a.ScaleMax {
			out = append(out, battery{start: i, min: a.ScaleMin, max: a.ScaleMax})
			cur = &out[len(out)-1]
		}
		cur.values = append(cur.values, int(val))
	}
	return out, nil
}

type batteryMetrics struct {
	pir     float64 // identical adjacent pairs / (n-1)
	lis     float64 // longest identical run / n
	entropy float64 // Shannon entropy / log2(k)
}

func measure(values []int, scaleMin, k int) batteryMetrics {
	n := len(values)
	same, run, longest := 0, 1, 1
	for i := 1; i < n; i++ {
		if values[i] == values[i-1] {
			same++
			run++
		} else {
			run = 1
		}
		if run > longest {
			longest = run
		}
	}

	counts := make(map[int]int, k)
	for _, v := range values {
		counts[v-scaleMin]++
	}
	h := 0.0
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / float64(n)
		h -= p * math.Log2(p)
	}

	return batteryMetrics{
		pir:     float64(same) / float64(n-1),
		lis:     float64(longest) / float64(n),
		entropy: domain.Clamp(h/math.Log2(float64(k)), 0, 1),
	}
}

// excessAbove maps x in [t, 1] onto [0, 100].
func excessAbove(x, t float64) float64 {
	if t >= 1 {
		return 100
	}
	return domain.Clamp(100*(x-t)/(1-t), 0, 100)
}

// excessBelow maps x in [0, t] onto [100, 0].
func excessBelow(x, t float64) float64 {
	if t <= 0 {
		return 100
	}
	return domain.Clamp(100*(t-x)/t, 0, 100)
}
