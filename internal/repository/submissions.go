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

// SaveSubmission stores a submission. Re-ingesting an id replaces its payload.
func (r *SQLRepository) SaveSubmission(ctx context.Context, sub *domain.Submission) error {
	if err := sub.Validate(); err != nil {
		return err
	}

	payload, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("encode submission: %w", err)
	}

	var duration sql.NullFloat64
	if d, n := sub.Duration(); n >= 2 && d >= 0 {
		duration = sql.NullFloat64{Float64: d.Seconds(), Valid: true}
	}

	query := `
		INSERT INTO submissions (
			id, respondent_id, enumerator_id, form_id, submitted_at, duration_s, payload, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			respondent_id = excluded.respondent_id,
			enumerator_id = excluded.enumerator_id,
			form_id = excluded.form_id,
			submitted_at = excluded.submitted_at,
			duration_s = excluded.duration_s,
			payload = excluded.payload
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		sub.ID, sub.RespondentID, sub.EnumeratorID, sub.FormID,
		sub.SubmittedAt.UTC(), duration, string(payload), time.Now().UTC(),
	)
	return err
}

// GetSubmission retrieves a submission by ID.
func (r *SQLRepository) GetSubmission(ctx context.Context, id string) (*domain.Submission, error) {
	var payload string
	err := r.db.QueryRowContext(ctx, r.rebind(`SELECT payload FROM submissions WHERE id = ?`), id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeSubmission(payload)
}

// ListSubmissionsByEnumerator returns an enumerator's submissions with
// submitted_at in [since, before), newest first.
func (r *SQLRepository) ListSubmissionsByEnumerator(ctx context.Context, enumeratorID string, since, before time.Time) ([]*domain.Submission, error) {
	query := `
		SELECT payload FROM submissions
		WHERE enumerator_id = ?
		  AND submitted_at >= ?
		  AND submitted_at < ?
		ORDER BY submitted_at DESC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), enumeratorID, since.UTC(), before.UTC())
	if err != nil {
		return nil, err
	}
	return scanSubmissions(rows)
}

// ListSubmissionsByOthers returns up to limit submissions from every
// enumerator except enumeratorID with submitted_at in [since, before), newest first.
func (r *SQLRepository) ListSubmissionsByOthers(ctx context.Context, enumeratorID string, since, before time.Time, limit int) ([]*domain.Submission, error) {
	query := `
		SELECT payload FROM submissions
		WHERE enumerator_id <> ?
		  AND submitted_at >= ?
		  AND submitted_at < ?
		ORDER BY submitted_at DESC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), enumeratorID, since.UTC(), before.UTC(), limit)
	if err != nil {
		return nil, err
	}
	return scanSubmissions(rows)
}

func scanSubmissions(rows *sql.Rows) ([]*domain.Submission, error) {
	defer rows.Close()

	var subs []*domain.Submission
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		sub, err := decodeSubmission(payload)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// ListFormDurations returns the most recent completion durations (seconds) for a form.
func (r *SQLRepository) ListFormDurations(ctx context.Context, formID string, limit int) ([]float64, error) {
	query := `
		SELECT duration_s FROM submissions
		WHERE form_id = ? AND duration_s IS NOT NULL
		ORDER BY submitted_at DESC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), formID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []float64
	for rows.Next() {
		var d float64
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func decodeSubmission(payload string) (*domain.Submission, error) {
	var sub domain.Submission
	if err := json.Unmarshal([]byte(payload), &sub); err != nil {
		return nil, fmt.Errorf("decode submission: %w", err)
	}
	return &sub, nil
}
