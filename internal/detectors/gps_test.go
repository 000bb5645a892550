package detectors

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixesAt(lat, lon float64, at time.Time, n int) []domain.GPSFix {
	out := make([]domain.GPSFix, n)
	for i := range out {
		out[i] = domain.GPSFix{Lat: domain.Degrees(lat), Lon: domain.Degrees(lon), CapturedAt: at.Add(time.Duration(i) * time.Minute)}
	}
	return out
}

func gpsSubmission(id string, lat, lon float64, at time.Time) *domain.Submission {
	return &domain.Submission{
		ID:           id,
		EnumeratorID: "enum-1",
		FormID:       "form-1",
		SubmittedAt:  at,
		Fixes:        fixesAt(lat, lon, at.Add(-10*time.Minute), 2),
	}
}

func TestGPSNotApplicableWithFewFixes(t *testing.T) {
	sub := gpsSubmission("s1", 6.5, 3.4, baseTime)
	sub.Fixes = sub.Fixes[:1]

	res, err := NewGPS(nil).Detect(context.Background(), sub, defaultSnapshot(t))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeNotApplicable, res.Outcome)
}

func TestGPSInvalidFixIsFault(t *testing.T) {
	sub := gpsSubmission("s1", 6.5, 3.4, baseTime)
	sub.Fixes[1].Lat = domain.Degrees(math.NaN())

	_, err := NewGPS(nil).Detect(context.Background(), sub, defaultSnapshot(t))
	assert.ErrorIs(t, err, domain.ErrMalformedInput)
}

func TestGPSClusterTriggers(t *testing.T) {
	snap := defaultSnapshot(t) // radius 50 m, 3 submissions, 4 h window
	history := stubHistory{subs: []*domain.Submission{
		gpsSubmission("p1", 6.50001, 3.40001, baseTime.Add(-1*time.Hour)),
		gpsSubmission("p2", 6.50002, 3.40000, baseTime.Add(-2*time.Hour)),
		gpsSubmission("old", 6.50000, 3.40000, baseTime.Add(-10*time.Hour)),
	}}
	sub := gpsSubmission("s1", 6.5, 3.4, baseTime)

	res, err := NewGPS(history).Detect(context.Background(), sub, snap)
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeApplicable, res.Outcome)
	assert.True(t, res.Triggered)
	assert.Contains(t, res.TriggeredRules, rules.SubRuleGPSCluster)
	assert.Equal(t, 50.0, res.SubScore)

	cluster := res.Evidence["cluster"].(map[string]any)
	assert.Equal(t, 3, cluster["distinct_submissions"])
	assert.Equal(t, []string{"p1", "p2", "s1"}, cluster["members"])
}

func TestGPSDenserClusterScoresHigher(t *testing.T) {
	snap := defaultSnapshot(t)
	var subs []*domain.Submission
	for i := 0; i < 5; i++ {
		subs = append(subs, gpsSubmission("p"+string(rune('a'+i)), 6.5, 3.4, baseTime.Add(-time.Duration(i+1)*10*time.Minute)))
	}
	sub := gpsSubmission("s1", 6.5, 3.4, baseTime)

	res, err := NewGPS(stubHistory{subs: subs}).Detect(context.Background(), sub, snap)
	require.NoError(t, err)
	assert.Equal(t, 100.0, res.SubScore)
}

func TestGPSSpreadOutIsClean(t *testing.T) {
	history := stubHistory{subs: []*domain.Submission{
		gpsSubmission("p1", 6.60, 3.40, baseTime.Add(-1*time.Hour)),
		gpsSubmission("p2", 6.70, 3.40, baseTime.Add(-2*time.Hour)),
	}}
	sub := gpsSubmission("s1", 6.5, 3.4, baseTime)

	res, err := NewGPS(history).Detect(context.Background(), sub, defaultSnapshot(t))
	require.NoError(t, err)
	assert.False(t, res.Triggered)
	assert.Zero(t, res.SubScore)
}

func TestGPSTeleport(t *testing.T) {
	sub := &domain.Submission{
		ID: "s1", EnumeratorID: "enum-1", FormID: "form-1", SubmittedAt: baseTime,
		Fixes: []domain.GPSFix{
			{Lat: 6.5244, Lon: 3.3792, CapturedAt: baseTime.Add(-time.Hour)},
			{Lat: 6.5244, Lon: 3.3792, CapturedAt: baseTime.Add(-time.Hour)}, // zero elapsed, skipped
			{Lat: 9.0765, Lon: 7.3986, CapturedAt: baseTime},                 // ~525 km in an hour
		},
	}
	snap := disabled(defaultSnapshot(t), rules.GPSClusterRadius)

	res, err := NewGPS(nil).Detect(context.Background(), sub, snap)
	require.NoError(t, err)
	assert.True(t, res.Triggered)
	assert.Equal(t, []string{rules.SubRuleGPSTeleport}, res.TriggeredRules)
	assert.Equal(t, 100.0, res.SubScore)

	ev := res.Evidence["teleport"].(map[string]any)
	assert.Equal(t, 1, ev["pairs_skipped"])
	assert.NotContains(t, res.Evidence, "cluster")
}

func TestGPSRulesDisabled(t *testing.T) {
	snap := disabled(disabled(defaultSnapshot(t), rules.GPSClusterRadius), rules.GPSTeleportSpeed)
	res, err := NewGPS(nil).Detect(context.Background(), gpsSubmission("s1", 6.5, 3.4, baseTime), snap)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeNotApplicable, res.Outcome)
	assert.Equal(t, ReasonRuleDisabled, res.Reason)
}

func TestGPSHistoryErrorPropagates(t *testing.T) {
	boom := errors.New("db down")
	_, err := NewGPS(stubHistory{err: boom}).Detect(context.Background(), gpsSubmission("s1", 6.5, 3.4, baseTime), defaultSnapshot(t))
	assert.ErrorIs(t, err, boom)
}

func TestGPSDuplicateCoordinates(t *testing.T) {
	other := func(id, enumerator string, lat, lon float64, at time.Time) *domain.Submission {
		s := gpsSubmission(id, lat, lon, at)
		s.EnumeratorID = enumerator
		return s
	}
	history := stubHistory{subs: []*domain.Submission{
		other("o1", "enum-2", 6.5, 3.4, baseTime.Add(-30*time.Minute)), // same spot
		other("o2", "enum-3", 6.50002, 3.4, baseTime.Add(-time.Hour)),  // ~2.2 m away
		other("o3", "enum-4", 6.501, 3.4, baseTime.Add(-time.Hour)),    // ~111 m away
		other("o4", "enum-5", 6.5, 3.4, baseTime.Add(-10*time.Hour)),   // outside the window
		gpsSubmission("own", 6.5, 3.4, baseTime.Add(-time.Hour)),       // same enumerator
	}}
	snap := disabled(disabled(defaultSnapshot(t), rules.GPSClusterRadius), rules.GPSTeleportSpeed)

	res, err := NewGPS(history).Detect(context.Background(), gpsSubmission("s1", 6.5, 3.4, baseTime), snap)
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeApplicable, res.Outcome)
	assert.True(t, res.Triggered)
	assert.Equal(t, []string{rules.SubRuleGPSDuplicateFix}, res.TriggeredRules)
	assert.Equal(t, 100.0, res.SubScore)

	ev := res.Evidence["duplicate_coords"].(map[string]any)
	matches := ev["matches"].([]CoordMatch)
	require.Len(t, matches, 2)
	assert.Equal(t, CoordMatch{EnumeratorID: "enum-2", SubmissionID: "o1", DistanceM: 0}, matches[0])
	assert.Equal(t, "o2", matches[1].SubmissionID)
	assert.InDelta(t, 2.2, matches[1].DistanceM, 0.1)
}

func TestGPSDuplicateCoordinatesNearThreshold(t *testing.T) {
	other := gpsSubmission("o1", 6.50003, 3.4, baseTime.Add(-time.Hour)) // ~3.3 m away
	other.EnumeratorID = "enum-2"
	snap := disabled(disabled(defaultSnapshot(t), rules.GPSClusterRadius), rules.GPSTeleportSpeed)

	res, err := NewGPS(stubHistory{subs: []*domain.Submission{other}}).Detect(context.Background(), gpsSubmission("s1", 6.5, 3.4, baseTime), snap)
	require.NoError(t, err)
	assert.True(t, res.Triggered)
	assert.InDelta(t, 100-50*3.3/5, res.SubScore, 1)

	// Tightening the distance below the gap clears the sub-rule.
	res, err = NewGPS(stubHistory{subs: []*domain.Submission{other}}).Detect(context.Background(), gpsSubmission("s1", 6.5, 3.4, baseTime), with(snap, rules.GPSDuplicateCoordRadius, 2))
	require.NoError(t, err)
	assert.False(t, res.Triggered)
	assert.Zero(t, res.SubScore)
	assert.NotContains(t, res.Evidence["duplicate_coords"], "matches")
}
