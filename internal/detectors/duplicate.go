package detectors

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/identity"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// Duplicate flags respondents whose identity fields match an existing respondent.
type Duplicate struct {
	index  RespondentIndex
	fields []string
}

// NewDuplicate creates the duplicate detector over the configured identity fields.
func NewDuplicate(index RespondentIndex, fields []string) *Duplicate {
	return &Duplicate{index: index, fields: fields}
}

func (d *Duplicate) Key() string               { return domain.DetectorDuplicate }
func (d *Duplicate) Category() domain.Category { return domain.CategoryDuplicate }

func (d *Duplicate) Detect(ctx context.Context, sub *domain.Submission, snap *domain.Snapshot) (domain.DetectionResult, error) {
	overlap, ok := snap.Value(rules.DuplicateMinOverlap)
	if !ok {
		return domain.NotApplicable(d.Key(), d.Category(), ReasonRuleDisabled), nil
	}
	if d.index == nil {
		return domain.NotApplicable(d.Key(), d.Category(), "no respondent index"), nil
	}

	fields := identity.Fields(sub.Identity, d.fields)
	if len(fields) == 0 {
		return domain.NotApplicable(d.Key(), d.Category(), "no identity fields"), nil
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var since time.Time
	if lookback, ok := snap.Value(rules.DuplicateLookbackDays); ok {
		since = sub.SubmittedAt.Add(-time.Duration(lookback * float64(24*time.Hour)))
	}

	exact, err := d.index.ExactMatches(ctx, identity.Hash(fields), since, sub.SubmittedAt)
	if err != nil {
		return domain.DetectionResult{}, fmt.Errorf("exact respondent lookup: %w", err)
	}
	if ids := others(exact, sub.RespondentID); len(ids) > 0 {
		res := domain.Applicable(d.Key(), d.Category(), 100, true, map[string]any{
			"match":          "exact",
			"respondent_ids": ids,
			"matched_fields": keys,
		})
		res.TriggeredRules = []string{rules.SubRuleDuplicateExact}
		return res, nil
	}

	candidates, err := d.index.FieldMatches(ctx, fields, since, sub.SubmittedAt)
	if err != nil {
		return domain.DetectionResult{}, fmt.Errorf("partial respondent lookup: %w", err)
	}

	var best []domain.RespondentMatch
	bestCount := 0
	for _, c := range candidates {
		if c.RespondentID == sub.RespondentID && sub.RespondentID != "" {
			continue
		}
		switch n := len(c.MatchedFields); {
		case n > bestCount:
			best, bestCount = []domain.RespondentMatch{c}, n
		case n == bestCount && n > 0:
			best = append(best, c)
		}
	}

	evidence := map[string]any{
		"fields_present": keys,
		"min_overlap":    int(overlap),
		"best_overlap":   bestCount,
	}
	if bestCount < int(overlap) {
		return domain.Applicable(d.Key(), d.Category(), 0, false, evidence), nil
	}

	// Tied respondents can match on different fields, so each carries its own.
	sort.Slice(best, func(i, j int) bool { return best[i].RespondentID < best[j].RespondentID })
	ids := make([]string, len(best))
	matches := make([]domain.RespondentMatch, len(best))
	for i, m := range best {
		ids[i] = m.RespondentID
		fields := append([]string(nil), m.MatchedFields...)
		sort.Strings(fields)
		matches[i] = domain.RespondentMatch{RespondentID: m.RespondentID, MatchedFields: fields}
	}

	evidence["match"] = "partial"
	evidence["respondent_ids"] = ids
	evidence["matches"] = matches

	res := domain.Applicable(d.Key(), d.Category(), 100*float64(bestCount)/float64(len(fields)), true, evidence)
	res.TriggeredRules = []string{rules.SubRuleDuplicatePartial}
	return res, nil
}

// others drops self from ids and returns the rest sorted.
func others(ids []string, self string) []string {
	var out []string
	for _, id := range ids {
		if id != self || self == "" {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
