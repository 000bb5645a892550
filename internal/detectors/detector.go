// Package detectors implements the per-submission fraud detectors. Each
// detector is stateless: it reads the submission, the pinned threshold
// snapshot and read-only collaborators, and returns one DetectionResult.
package detectors

import (
	"context"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Detector evaluates one submission against a pinned snapshot.
// A returned error is a fault; deliberate inapplicability is a NotApplicable result.
type Detector interface {
	Key() string
	Category() domain.Category
	Detect(ctx context.Context, sub *domain.Submission, snap *domain.Snapshot) (domain.DetectionResult, error)
}

// SubmissionHistory supplies earlier submissions in [since, before): the
// enumerator's own, and those of every other enumerator.
type SubmissionHistory interface {
	RecentByEnumerator(ctx context.Context, enumeratorID string, since, before time.Time) ([]*domain.Submission, error)
	RecentByOthers(ctx context.Context, enumeratorID string, since, before time.Time) ([]*domain.Submission, error)
}

// DurationStats supplies the population completion-time aggregate per form.
type DurationStats interface {
	FormDurations(ctx context.Context, formID string) (*domain.FormDurationStats, error)
}

// RespondentIndex supplies existing respondents for duplicate matching.
// Only respondents first seen in [since, before) are considered; a zero
// since has no lower bound.
type RespondentIndex interface {
	ExactMatches(ctx context.Context, identityHash string, since, before time.Time) ([]string, error)
	FieldMatches(ctx context.Context, fields map[string]string, since, before time.Time) ([]domain.RespondentMatch, error)
}

// Reasons recorded on NotApplicable results.
const (
	ReasonRuleDisabled     = "rule disabled"
	ReasonInsufficientData = "insufficient data"
)

// Default returns the five detectors in fusion order.
func Default(history SubmissionHistory, stats DurationStats, index RespondentIndex, identityFields []string, loc *time.Location) []Detector {
	return []Detector{
		NewGPS(history),
		NewSpeedRun(stats),
		NewStraightLine(),
		NewDuplicate(index, identityFields),
		NewTiming(loc),
	}
}
