package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput is returned for malformed repository arguments.
	ErrInvalidInput = errors.New("invalid input")

	// ErrMalformedInput marks submissions that cannot be evaluated at all.
	ErrMalformedInput = errors.New("malformed input")

	// ErrInvalidThresholdValue rejects a threshold update outside the rule's domain.
	ErrInvalidThresholdValue = errors.New("invalid threshold value")

	// ErrUnknownRuleKey rejects an update to a rule key with no prior version.
	ErrUnknownRuleKey = errors.New("unknown rule key")

	// ErrSnapshotRace is raised when a snapshot read observes a partial update.
	ErrSnapshotRace = errors.New("threshold snapshot race")

	// ErrVersionConflict is returned when the version being closed is no longer current.
	ErrVersionConflict = errors.New("threshold version conflict")

	// ErrInsufficientData is returned by detector helpers that cannot apply.
	ErrInsufficientData = errors.New("insufficient data")
)

// InvalidThresholdError names the field and reason a threshold update was refused.
type InvalidThresholdError struct {
	RuleKey string
	Field   string
	Reason  string
}

func (e *InvalidThresholdError) Error() string {
	return fmt.Sprintf("invalid threshold value for %s: %s %s", e.RuleKey, e.Field, e.Reason)
}

// Is lets errors.Is match ErrInvalidThresholdValue.
func (e *InvalidThresholdError) Is(target error) bool {
	return target == ErrInvalidThresholdValue
}
