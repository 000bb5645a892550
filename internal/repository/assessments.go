package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const assessmentColumns = `
	id, submission_id, enumerator_id, composite_score, score_severity, severity,
	contributing_rules, threshold_versions, detections, metadata, computed_at`

// SaveAssessment stores a new assessment. Assessments are never updated.
func (r *SQLRepository) SaveAssessment(ctx context.Context, a *domain.FraudAssessment) error {
	contributing, err := json.Marshal(a.ContributingRules)
	if err != nil {
		return fmt.Errorf("encode contributing rules: %w", err)
	}
	versions, err := json.Marshal(a.ThresholdVersionsUsed)
	if err != nil {
		return fmt.Errorf("encode threshold versions: %w", err)
	}
	detections, err := json.Marshal(a.Detections)
	if err != nil {
		return fmt.Errorf("encode detections: %w", err)
	}
	metadata, err := json.Marshal(a.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	query := `INSERT INTO fraud_assessments (` + assessmentColumns + `
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		a.ID, a.SubmissionID, a.EnumeratorID, a.CompositeScore,
		string(a.ScoreSeverity), string(a.Severity),
		string(contributing), string(versions), string(detections), string(metadata),
		a.ComputedAt.UTC(),
	)
	return err
}

func scanAssessment(s rowScanner) (*domain.FraudAssessment, error) {
	var a domain.FraudAssessment
	var contributing, versions, detections, metadata string

	if err := s.Scan(
		&a.ID, &a.SubmissionID, &a.EnumeratorID, &a.CompositeScore, &a.ScoreSeverity, &a.Severity,
		&contributing, &versions, &detections, &metadata, &a.ComputedAt,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(contributing), &a.ContributingRules); err != nil {
		return nil, fmt.Errorf("decode contributing rules for %s: %w", a.ID, err)
	}
	if err := json.Unmarshal([]byte(versions), &a.ThresholdVersionsUsed); err != nil {
		return nil, fmt.Errorf("decode threshold versions for %s: %w", a.ID, err)
	}
	if err := json.Unmarshal([]byte(detections), &a.Detections); err != nil {
		return nil, fmt.Errorf("decode detections for %s: %w", a.ID, err)
	}
	if err := json.Unmarshal([]byte(metadata), &a.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata for %s: %w", a.ID, err)
	}
	a.ComputedAt = a.ComputedAt.UTC()
	return &a, nil
}

// GetAssessment retrieves an assessment by ID.
func (r *SQLRepository) GetAssessment(ctx context.Context, id string) (*domain.FraudAssessment, error) {
	row := r.db.QueryRowContext(ctx, r.rebind(`SELECT `+assessmentColumns+`
		FROM fraud_assessments WHERE id = ?`), id)

	a, err := scanAssessment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return a, err
}

// ListAssessmentsBySubmission returns every assessment of a submission, oldest first.
func (r *SQLRepository) ListAssessmentsBySubmission(ctx context.Context, submissionID string) ([]*domain.FraudAssessment, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(`SELECT `+assessmentColumns+`
		FROM fraud_assessments
		WHERE submission_id = ?
		ORDER BY computed_at, id`), submissionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.FraudAssessment
	for rows.Next() {
		a, err := scanAssessment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// CountAssessmentsBySeverity tallies assessments computed at or after since.
func (r *SQLRepository) CountAssessmentsBySeverity(ctx context.Context, since time.Time) (*domain.SeverityCounts, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(`
		SELECT severity, COUNT(*) FROM fraud_assessments
		WHERE computed_at >= ?
		GROUP BY severity`), since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := &domain.SeverityCounts{BySeverity: map[domain.Severity]int{}, Since: since.UTC()}
	for rows.Next() {
		var sev domain.Severity
		var n int
		if err := rows.Scan(&sev, &n); err != nil {
			return nil, err
		}
		counts.BySeverity[sev] = n
		counts.Total += n
		if sev.AtLeast(domain.SeverityHigh) {
			counts.Flagged += n
		}
	}
	return counts, rows.Err()
}
