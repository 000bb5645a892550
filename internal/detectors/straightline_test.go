package detectors

import (
	"context"
	"math"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStraightLineIdenticalBattery(t *testing.T) {
	sub := &domain.Submission{ID: "s1", Answers: scaleItems("b", 1, 5, 3, 3, 3, 3, 3, 3, 3, 3, 3, 3)}

	res, err := NewStraightLine().Detect(context.Background(), sub, defaultSnapshot(t))
	require.NoError(t, err)
	assert.True(t, res.Triggered)
	assert.Equal(t, 100.0, res.SubScore)
	assert.Equal(t, []string{rules.SubRulePIR, rules.SubRuleLIS, rules.SubRuleEntropy}, res.TriggeredRules)

	b := res.Evidence["batteries"].([]map[string]any)[0]
	assert.Equal(t, 1.0, b["pir"])
	assert.Equal(t, 1.0, b["lis"])
	assert.Equal(t, 0.0, b["entropy"])
}

func TestStraightLineVariedBattery(t *testing.T) {
	sub := &domain.Submission{ID: "s1", Answers: scaleItems("b", 1, 5, 1, 4, 2, 5, 3, 1, 5, 2, 4, 3)}

	res, err := NewStraightLine().Detect(context.Background(), sub, defaultSnapshot(t))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeApplicable, res.Outcome)
	assert.False(t, res.Triggered)
	assert.Zero(t, res.SubScore)
}

func TestStraightLineShortBatteryIsNull(t *testing.T) {
	sub := &domain.Submission{ID: "s1", Answers: scaleItems("b", 1, 5, 3, 3, 3)}

	res, err := NewStraightLine().Detect(context.Background(), sub, defaultSnapshot(t))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeNotApplicable, res.Outcome)
	_, ok := res.Score()
	assert.False(t, ok)
}

func TestStraightLineBatterySplitting(t *testing.T) {
	answers := scaleItems("a", 1, 5, 2, 2, 2, 2, 2)
	answers = append(answers, domain.Answer{ItemID: "note", Type: domain.ItemText, Text: "ok"})
	answers = append(answers, scaleItems("b", 1, 5, 1, 5, 2, 4, 3)...)
	answers = append(answers, scaleItems("c", 0, 10, 1, 9, 4, 6, 2)...)

	batteries, err := splitBatteries(answers)
	require.NoError(t, err)
	require.Len(t, batteries, 3)
	assert.Equal(t, 0, batteries[0].start)
	assert.Equal(t, 6, batteries[1].start)
	assert.Equal(t, 11, batteries[2].start)

	res, err := NewStraightLine().Detect(context.Background(), &domain.Submission{ID: "s1", Answers: answers}, defaultSnapshot(t))
	require.NoError(t, err)
	assert.Equal(t, 100.0, res.SubScore) // max across batteries
	assert.Len(t, res.Evidence["batteries"], 3)
}

func TestStraightLineUnansweredItemsSkipped(t *testing.T) {
	answers := scaleItems("a", 1, 5, 4, 4, 4, 4, 4, 4)
	answers[2].Value = nil

	batteries, err := splitBatteries(answers)
	require.NoError(t, err)
	require.Len(t, batteries, 1)
	assert.Len(t, batteries[0].values, 5)
}

func TestStraightLineOutOfScaleFault(t *testing.T) {
	answers := scaleItems("a", 1, 5, 3, 3, 3, 3, 9)
	_, err := NewStraightLine().Detect(context.Background(), &domain.Submission{ID: "s1", Answers: answers}, defaultSnapshot(t))
	assert.ErrorIs(t, err, domain.ErrMalformedInput)
}

func TestStraightLineExcessAtBoundaryThresholds(t *testing.T) {
	snap := with(defaultSnapshot(t), rules.StraightLinePIR, 1)
	snap = with(snap, rules.StraightLineEntropy, 0)
	sub := &domain.Submission{ID: "s1", Answers: scaleItems("b", 1, 5, 3, 3, 3, 3, 3)}

	res, err := NewStraightLine().Detect(context.Background(), sub, snap)
	require.NoError(t, err)
	assert.Equal(t, 100.0, res.SubScore)
}

func TestMeasure(t *testing.T) {
	m := measure([]int{1, 1, 2, 2, 2, 3}, 1, 5)
	assert.InDelta(t, 3.0/5, m.pir, 1e-9)
	assert.InDelta(t, 3.0/6, m.lis, 1e-9)
	assert.Greater(t, m.entropy, 0.0)
	assert.Less(t, m.entropy, 1.0)

	// Uniform over the full scale is maximal entropy.
	m = measure([]int{1, 2, 3, 4, 5}, 1, 5)
	assert.InDelta(t, 1.0, m.entropy, 1e-9)
	assert.Zero(t, m.pir)
}

func TestStraightLineImplausibleScaleFault(t *testing.T) {
	cases := map[string][]domain.Answer{
		"huge":     scaleItems("a", 1, 1<<36, 3, 3, 3, 3, 3, 3),
		"inverted": scaleItems("a", 5, 1, 3, 3, 3, 3, 3, 3),
		"overflow": scaleItems("a", math.MinInt, math.MaxInt, 3, 3, 3, 3, 3, 3),
	}
	for name, answers := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewStraightLine().Detect(context.Background(), &domain.Submission{ID: "s1", Answers: answers}, defaultSnapshot(t))
			assert.ErrorIs(t, err, domain.ErrMalformedInput)
		})
	}

	// The widest allowed scale still scores.
	answers := scaleItems("a", 0, maxScalePoints-1, 50, 50, 50, 50, 50, 50)
	res, err := NewStraightLine().Detect(context.Background(), &domain.Submission{ID: "s1", Answers: answers}, defaultSnapshot(t))
	require.NoError(t, err)
	assert.True(t, res.Triggered)
}
