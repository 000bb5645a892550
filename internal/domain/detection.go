package domain

import "time"

// Outcome tags which variant a DetectionResult holds.
type Outcome string

const (
	// OutcomeApplicable carries a sub-score and evidence.
	OutcomeApplicable Outcome = "applicable"

	// OutcomeNotApplicable means the detector deliberately declined (sparse data, rule disabled).
	OutcomeNotApplicable Outcome = "not_applicable"

	// OutcomeFaulted means the detector failed; Reason holds the fault summary.
	OutcomeFaulted Outcome = "faulted"
)

// Detector keys, stable across versions.
const (
	DetectorGPS          = "gps_clustering"
	DetectorSpeedRun     = "speed_run"
	DetectorStraightLine = "straight_lining"
	DetectorDuplicate    = "duplicate_detection"
	DetectorTiming       = "timing_anomaly"
)

// DetectionResult is one detector's verdict for one submission.
// SubScore is meaningful only when Outcome is OutcomeApplicable.
type DetectionResult struct {
	SubmissionID   string         `json:"submissionId"`
	RuleKey        string         `json:"ruleKey"`
	Category       Category       `json:"category"`
	Outcome        Outcome        `json:"outcome"`
	SubScore       float64        `json:"subScore"`
	Triggered      bool           `json:"triggered"`
	TriggeredRules []string       `json:"triggeredRules,omitempty"`
	Evidence       map[string]any `json:"evidence,omitempty"`
	Reason         string         `json:"reason,omitempty"`
	ComputedAt     time.Time      `json:"computedAt"`
}

// Applicable builds a scored result. Scores are clamped to [0,100].
func Applicable(ruleKey string, category Category, score float64, triggered bool, evidence map[string]any) DetectionResult {
	return DetectionResult{
		RuleKey:   ruleKey,
		Category:  category,
		Outcome:   OutcomeApplicable,
		SubScore:  Clamp(score, 0, 100),
		Triggered: triggered,
		Evidence:  evidence,
	}
}

// NotApplicable builds a result excluded from fusion.
func NotApplicable(ruleKey string, category Category, reason string) DetectionResult {
	return DetectionResult{
		RuleKey:  ruleKey,
		Category: category,
		Outcome:  OutcomeNotApplicable,
		Reason:   reason,
	}
}

// Faulted builds a result for a detector that failed.
func Faulted(ruleKey string, category Category, reason string) DetectionResult {
	return DetectionResult{
		RuleKey:  ruleKey,
		Category: category,
		Outcome:  OutcomeFaulted,
		Reason:   reason,
		Evidence: map[string]any{"fault": reason},
	}
}

// Scored reports whether the result takes part in composite fusion.
func (r DetectionResult) Scored() bool {
	return r.Outcome == OutcomeApplicable
}

// Score returns the sub-score and whether it is present.
func (r DetectionResult) Score() (float64, bool) {
	if !r.Scored() {
		return 0, false
	}
	return r.SubScore, true
}

// Clamp limits v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
