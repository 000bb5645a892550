package detectors

import (
	"context"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var identityFields = []string{"full_name", "national_id", "phone", "date_of_birth"}

func respondentSubmission() *domain.Submission {
	return &domain.Submission{
		ID:           "s1",
		RespondentID: "r-new",
		EnumeratorID: "enum-1",
		FormID:       "form-1",
		SubmittedAt:  baseTime,
		Identity: map[string]string{
			"full_name":     "Ada  Obi",
			"national_id":   "12345678901",
			"phone":         "+2348000000000",
			"date_of_birth": "1990-01-01",
		},
	}
}

func TestDuplicateExactMatch(t *testing.T) {
	idx := stubIndex{exact: []string{"r-new", "r-2", "r-1"}}
	res, err := NewDuplicate(idx, identityFields).Detect(context.Background(), respondentSubmission(), defaultSnapshot(t))
	require.NoError(t, err)

	assert.True(t, res.Triggered)
	assert.Equal(t, 100.0, res.SubScore)
	assert.Equal(t, []string{rules.SubRuleDuplicateExact}, res.TriggeredRules)
	assert.Equal(t, "exact", res.Evidence["match"])
	assert.Equal(t, []string{"r-1", "r-2"}, res.Evidence["respondent_ids"])
}

func TestDuplicateExactOnlySelfIsNotAMatch(t *testing.T) {
	idx := stubIndex{exact: []string{"r-new"}}
	res, err := NewDuplicate(idx, identityFields).Detect(context.Background(), respondentSubmission(), defaultSnapshot(t))
	require.NoError(t, err)
	assert.False(t, res.Triggered)
}

func TestDuplicatePartialPicksBestMatch(t *testing.T) {
	idx := stubIndex{partial: []domain.RespondentMatch{
		{RespondentID: "r-9", MatchedFields: []string{"phone", "full_name"}},
		{RespondentID: "r-3", MatchedFields: []string{"phone", "full_name", "date_of_birth"}},
		{RespondentID: "r-new", MatchedFields: identityFields},
	}}
	res, err := NewDuplicate(idx, identityFields).Detect(context.Background(), respondentSubmission(), defaultSnapshot(t))
	require.NoError(t, err)

	assert.True(t, res.Triggered)
	assert.Equal(t, 75.0, res.SubScore)
	assert.Equal(t, []string{rules.SubRuleDuplicatePartial}, res.TriggeredRules)
	assert.Equal(t, []string{"r-3"}, res.Evidence["respondent_ids"])
	assert.Equal(t, []domain.RespondentMatch{
		{RespondentID: "r-3", MatchedFields: []string{"date_of_birth", "full_name", "phone"}},
	}, res.Evidence["matches"])
}

func TestDuplicatePartialTiesKeepOwnFields(t *testing.T) {
	idx := stubIndex{partial: []domain.RespondentMatch{
		{RespondentID: "r-7", MatchedFields: []string{"phone", "full_name", "date_of_birth"}},
		{RespondentID: "r-2", MatchedFields: []string{"national_id", "phone", "full_name"}},
	}}
	res, err := NewDuplicate(idx, identityFields).Detect(context.Background(), respondentSubmission(), defaultSnapshot(t))
	require.NoError(t, err)

	assert.True(t, res.Triggered)
	assert.Equal(t, []string{"r-2", "r-7"}, res.Evidence["respondent_ids"])
	assert.Equal(t, []domain.RespondentMatch{
		{RespondentID: "r-2", MatchedFields: []string{"full_name", "national_id", "phone"}},
		{RespondentID: "r-7", MatchedFields: []string{"date_of_birth", "full_name", "phone"}},
	}, res.Evidence["matches"])
}

func TestDuplicatePartialBelowOverlap(t *testing.T) {
	idx := stubIndex{partial: []domain.RespondentMatch{
		{RespondentID: "r-9", MatchedFields: []string{"phone"}},
	}}
	res, err := NewDuplicate(idx, identityFields).Detect(context.Background(), respondentSubmission(), defaultSnapshot(t))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeApplicable, res.Outcome)
	assert.False(t, res.Triggered)
	assert.Zero(t, res.SubScore)
	assert.Equal(t, 1, res.Evidence["best_overlap"])
}

func TestDuplicateNotApplicable(t *testing.T) {
	sub := respondentSubmission()
	sub.Identity = map[string]string{"full_name": "   "}

	res, err := NewDuplicate(stubIndex{}, identityFields).Detect(context.Background(), sub, defaultSnapshot(t))
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeNotApplicable, res.Outcome)

	res, err = NewDuplicate(stubIndex{}, identityFields).Detect(context.Background(), respondentSubmission(), disabled(defaultSnapshot(t), rules.DuplicateMinOverlap))
	require.NoError(t, err)
	assert.Equal(t, ReasonRuleDisabled, res.Reason)
}

func TestDuplicateLookbackWindow(t *testing.T) {
	var since time.Time
	idx := stubIndex{since: &since}

	_, err := NewDuplicate(idx, identityFields).Detect(context.Background(), respondentSubmission(), defaultSnapshot(t))
	require.NoError(t, err)
	assert.Equal(t, baseTime.Add(-7*24*time.Hour), since)

	_, err = NewDuplicate(idx, identityFields).Detect(context.Background(), respondentSubmission(), with(defaultSnapshot(t), rules.DuplicateLookbackDays, 1.5))
	require.NoError(t, err)
	assert.Equal(t, baseTime.Add(-36*time.Hour), since)

	_, err = NewDuplicate(idx, identityFields).Detect(context.Background(), respondentSubmission(), disabled(defaultSnapshot(t), rules.DuplicateLookbackDays))
	require.NoError(t, err)
	assert.True(t, since.IsZero(), "an inactive lookback searches the whole index")
}
