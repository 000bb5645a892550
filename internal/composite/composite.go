// Package composite fuses detector results into a weighted composite score
// and a severity verdict.
package composite

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// Scorer fuses detection results against a pinned snapshot.
type Scorer struct {
	now func() time.Time
}

// NewScorer creates a composite scorer.
func NewScorer() *Scorer {
	return &Scorer{now: time.Now}
}

// Input contains all data needed for one verdict.
type Input struct {
	Submission *domain.Submission
	Detections []domain.DetectionResult // in fusion order
	Snapshot   *domain.Snapshot
	TraceID    string
	StartTime  time.Time
}

// Score fuses the detections and builds a new FraudAssessment.
func (s *Scorer) Score(ctx context.Context, in *Input) *domain.FraudAssessment {
	agg := Aggregate(in.Detections, in.Snapshot)
	scoreSeverity := Classify(agg.Score, in.Snapshot)
	severity, floors := ApplyFloors(scoreSeverity, in.Detections, in.Snapshot)

	faulted := 0
	for _, d := range in.Detections {
		if d.Outcome == domain.OutcomeFaulted {
			faulted++
		}
	}

	now := s.now().UTC()
	a := &domain.FraudAssessment{
		ID:                    uuid.New().String(),
		SubmissionID:          in.Submission.ID,
		EnumeratorID:          in.Submission.EnumeratorID,
		CompositeScore:        agg.Score,
		ScoreSeverity:         scoreSeverity,
		Severity:              severity,
		ContributingRules:     agg.Contributing,
		ThresholdVersionsUsed: in.Snapshot.Versions(),
		Detections:            in.Detections,
		ComputedAt:            now,
	}

	a.Metadata = domain.AssessmentMetadata{
		TraceID:          in.TraceID,
		DetectorsRun:     len(in.Detections),
		DetectorsFaulted: faulted,
		FloorsApplied:    floors,
		EngineVersion:    domain.EngineVersion,
	}
	if !in.StartTime.IsZero() {
		a.Metadata.TotalMs = now.Sub(in.StartTime).Milliseconds()
	}
	return a
}

// AggregateResult holds the fused score and each scored detector's share.
type AggregateResult struct {
	Score        float64
	TotalWeight  float64
	Triggered    int
	Contributing []domain.ContributingRule
}

// Aggregate computes Σ(subScore·weight)/Σ(weight) over applicable results.
// NotApplicable and Faulted results are excluded rather than counted as zero.
func Aggregate(results []domain.DetectionResult, snap *domain.Snapshot) AggregateResult {
	agg := AggregateResult{Contributing: []domain.ContributingRule{}}

	var sum float64
	for _, r := range results {
		score, ok := r.Score()
		if !ok {
			continue
		}
		w := Weight(r.RuleKey, snap)
		if r.Triggered {
			agg.Triggered++
		}
		sum += score * w
		agg.TotalWeight += w
		agg.Contributing = append(agg.Contributing, domain.ContributingRule{
			RuleKey:   r.RuleKey,
			Category:  r.Category,
			SubScore:  score,
			Weight:    w,
			Triggered: r.Triggered,
		})
	}

	if agg.TotalWeight > 0 {
		agg.Score = domain.Clamp(sum/agg.TotalWeight, 0, 100)
	}
	return agg
}

// Weight returns a detector's fusion weight, taken from the first of: the
// Weight on its primary rule, the Weight on its weight rule, the weight
// rule's threshold value. Missing or inactive rows are skipped; a detector
// with none weighs zero.
func Weight(detectorKey string, snap *domain.Snapshot) float64 {
	if row, ok := snap.Rule(rules.DetectorPrimaryKeys[detectorKey]); ok && row.Weight != nil {
		return *row.Weight
	}
	row, ok := snap.Rule(rules.DetectorWeightKeys[detectorKey])
	if !ok {
		return 0
	}
	if row.Weight != nil {
		return *row.Weight
	}
	return row.ThresholdValue
}

// Classify maps a composite score to a severity tier using the snapshot's
// cutoffs. A score equal to a cutoff lands in the higher tier.
func Classify(score float64, snap *domain.Snapshot) domain.Severity {
	sev := domain.SeverityClean
	for _, c := range rules.SeverityCutoffs {
		if cutoff, ok := snap.Value(c.Key); ok && score >= cutoff {
			sev = c.Severity
		}
	}
	return sev
}

// ApplyFloors raises sev to the severity floor of every triggered sub-rule
// and every triggered detector's weight rule. Floors never lower severity.
// It returns the rule keys whose floor raised the verdict.
func ApplyFloors(sev domain.Severity, results []domain.DetectionResult, snap *domain.Snapshot) (domain.Severity, []string) {
	var applied []string
	for _, r := range results {
		if !r.Scored() || !r.Triggered {
			continue
		}
		keys := append([]string{rules.DetectorWeightKeys[r.RuleKey]}, r.TriggeredRules...)
		for _, k := range keys {
			row, ok := snap.Rule(k)
			if !ok || row.SeverityFloor == nil {
				continue
			}
			if row.SeverityFloor.Rank() > sev.Rank() {
				sev = *row.SeverityFloor
				applied = append(applied, k)
			}
		}
	}
	return sev, applied
}

// ShouldAlert reports whether an assessment should notify supervisors.
func ShouldAlert(a *domain.FraudAssessment) bool {
	return a.Alertable()
}

// Reasons lists the triggered sub-rules of an assessment in detector order.
func Reasons(a *domain.FraudAssessment) []string {
	var reasons []string
	for _, d := range a.Detections {
		if d.Triggered {
			reasons = append(reasons, d.TriggeredRules...)
		}
	}
	return reasons
}
