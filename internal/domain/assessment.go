package domain

import (
	"time"
)

// EngineVersion is recorded on every assessment.
const EngineVersion = "kestrel-1.0"

// FraudAssessment is the persisted verdict of one evaluation run.
// Re-evaluation creates a new row; assessments are never updated.
type FraudAssessment struct {
	ID                    string             `json:"id"`
	SubmissionID          string             `json:"submissionId"`
	EnumeratorID          string             `json:"enumeratorId"`
	CompositeScore        float64            `json:"compositeScore"`
	ScoreSeverity         Severity           `json:"scoreSeverity"` // before floors
	Severity              Severity           `json:"severity"`
	ContributingRules     []ContributingRule `json:"contributingRules"`
	ThresholdVersionsUsed map[string]int     `json:"thresholdVersionsUsed"`
	Detections            []DetectionResult  `json:"detections"`
	ComputedAt            time.Time          `json:"computedAt"`

	Metadata AssessmentMetadata `json:"metadata"`
}

// ContributingRule is one fused detector's share of the composite score.
type ContributingRule struct {
	RuleKey   string   `json:"ruleKey"`
	Category  Category `json:"category"`
	SubScore  float64  `json:"subScore"`
	Weight    float64  `json:"weight"`
	Triggered bool     `json:"triggered"`
}

// AssessmentMetadata contains processing information.
type AssessmentMetadata struct {
	TraceID          string   `json:"traceId,omitempty"`
	DetectorsMs      int64    `json:"detectorsMs"`
	TotalMs          int64    `json:"totalMs"`
	DetectorsRun     int      `json:"detectorsRun"`
	DetectorsFaulted int      `json:"detectorsFaulted"`
	FloorsApplied    []string `json:"floorsApplied,omitempty"`
	Rescore          bool     `json:"rescore,omitempty"`
	Pinned           bool     `json:"pinned,omitempty"`
	EngineVersion    string   `json:"engineVersion"`
}

// Alertable reports whether the assessment should notify supervisors.
func (a *FraudAssessment) Alertable() bool {
	return a.Severity.AtLeast(SeverityHigh)
}

// AssessmentResponse is the API view of an assessment.
type AssessmentResponse struct {
	AssessmentID   string             `json:"assessmentId"`
	SubmissionID   string             `json:"submissionId"`
	CompositeScore float64            `json:"compositeScore"`
	Severity       Severity           `json:"severity"`
	Reasons        []string           `json:"reasons,omitempty"`
	Contributing   []ContributingRule `json:"contributingRules"`
	Versions       map[string]int     `json:"thresholdVersionsUsed"`
	Metadata       AssessmentMetadata `json:"metadata"`
}

// ToResponse converts an assessment to its API view.
func (a *FraudAssessment) ToResponse() *AssessmentResponse {
	var reasons []string
	for _, d := range a.Detections {
		if d.Triggered {
			reasons = append(reasons, d.TriggeredRules...)
		}
	}

	return &AssessmentResponse{
		AssessmentID:   a.ID,
		SubmissionID:   a.SubmissionID,
		CompositeScore: a.CompositeScore,
		Severity:       a.Severity,
		Reasons:        reasons,
		Contributing:   a.ContributingRules,
		Versions:       a.ThresholdVersionsUsed,
		Metadata:       a.Metadata,
	}
}

// SeverityCounts aggregates assessments for supervisor dashboards.
type SeverityCounts struct {
	Total      int              `json:"total"`
	BySeverity map[Severity]int `json:"bySeverity"`
	Flagged    int              `json:"flagged"` // high or critical
	Since      time.Time        `json:"since"`
}
