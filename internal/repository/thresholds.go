package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const thresholdColumns = `
	id, rule_key, rule_category, display_name, threshold_value, weight, severity_floor,
	is_active, effective_from, effective_until, version, created_by, created_at, notes`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanThreshold(s rowScanner) (*domain.ThresholdConfig, error) {
	var (
		t      domain.ThresholdConfig
		weight sql.NullFloat64
		floor  sql.NullString
		active int
		until  sql.NullTime
		notes  sql.NullString
	)
	if err := s.Scan(
		&t.ID, &t.RuleKey, &t.Category, &t.DisplayName, &t.ThresholdValue, &weight, &floor,
		&active, &t.EffectiveFrom, &until, &t.Version, &t.CreatedBy, &t.CreatedAt, &notes,
	); err != nil {
		return nil, err
	}

	if weight.Valid {
		w := weight.Float64
		t.Weight = &w
	}
	if floor.Valid && floor.String != "" {
		f := domain.Severity(floor.String)
		t.SeverityFloor = &f
	}
	if until.Valid {
		u := until.Time.UTC()
		t.EffectiveUntil = &u
	}
	t.IsActive = active == 1
	t.EffectiveFrom = t.EffectiveFrom.UTC()
	t.CreatedAt = t.CreatedAt.UTC()
	t.Notes = notes.String
	return &t, nil
}

func (r *SQLRepository) queryThresholds(ctx context.Context, query string, args ...any) ([]*domain.ThresholdConfig, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.ThresholdConfig
	for rows.Next() {
		t, err := scanThreshold(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListCurrentThresholds returns every open row, active or not.
func (r *SQLRepository) ListCurrentThresholds(ctx context.Context) ([]*domain.ThresholdConfig, error) {
	return r.queryThresholds(ctx, `SELECT `+thresholdColumns+`
		FROM threshold_configs
		WHERE effective_until IS NULL
		ORDER BY rule_key`)
}

// ListThresholdHistory returns all versions of one rule, ascending.
func (r *SQLRepository) ListThresholdHistory(ctx context.Context, ruleKey string) ([]*domain.ThresholdConfig, error) {
	return r.queryThresholds(ctx, `SELECT `+thresholdColumns+`
		FROM threshold_configs
		WHERE rule_key = ?
		ORDER BY version`, ruleKey)
}

// GetThresholdVersion returns one historical version.
func (r *SQLRepository) GetThresholdVersion(ctx context.Context, ruleKey string, version int) (*domain.ThresholdConfig, error) {
	row := r.db.QueryRowContext(ctx, r.rebind(`SELECT `+thresholdColumns+`
		FROM threshold_configs
		WHERE rule_key = ? AND version = ?`), ruleKey, version)

	t, err := scanThreshold(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return t, err
}

// InsertThreshold stores the first version of a rule.
func (r *SQLRepository) InsertThreshold(ctx context.Context, cfg *domain.ThresholdConfig) error {
	var n int
	err := r.db.QueryRowContext(ctx, r.rebind(`SELECT COUNT(*) FROM threshold_configs WHERE rule_key = ?`), cfg.RuleKey).Scan(&n)
	if err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("%w: %s already exists", domain.ErrVersionConflict, cfg.RuleKey)
	}
	return r.insertThreshold(ctx, r.db, cfg)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r *SQLRepository) insertThreshold(ctx context.Context, db execer, t *domain.ThresholdConfig) error {
	var weight sql.NullFloat64
	if t.Weight != nil {
		weight = sql.NullFloat64{Float64: *t.Weight, Valid: true}
	}
	var floor sql.NullString
	if t.SeverityFloor != nil {
		floor = sql.NullString{String: string(*t.SeverityFloor), Valid: true}
	}
	var until sql.NullTime
	if t.EffectiveUntil != nil {
		until = sql.NullTime{Time: t.EffectiveUntil.UTC(), Valid: true}
	}

	query := `INSERT INTO threshold_configs (` + thresholdColumns + `
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := db.ExecContext(ctx, r.rebind(query),
		t.ID, t.RuleKey, string(t.Category), t.DisplayName, t.ThresholdValue, weight, floor,
		boolInt(t.IsActive), t.EffectiveFrom.UTC(), until, t.Version, t.CreatedBy, t.CreatedAt.UTC(), t.Notes,
	)
	return err
}

// AppendThresholdVersion closes prev and inserts next in one transaction.
func (r *SQLRepository) AppendThresholdVersion(ctx context.Context, prev, next *domain.ThresholdConfig) error {
	if next.Version != prev.Version+1 || next.RuleKey != prev.RuleKey {
		return fmt.Errorf("%w: %s v%d cannot follow v%d", domain.ErrVersionConflict, next.RuleKey, next.Version, prev.Version)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, r.rebind(`
		UPDATE threshold_configs
		SET effective_until = ?
		WHERE rule_key = ? AND version = ? AND effective_until IS NULL`),
		next.EffectiveFrom.UTC(), prev.RuleKey, prev.Version)
	if err != nil {
		return fmt.Errorf("close version: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s v%d is not current", domain.ErrVersionConflict, prev.RuleKey, prev.Version)
	}

	if err := r.insertThreshold(ctx, tx, next); err != nil {
		return fmt.Errorf("insert version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	until := next.EffectiveFrom
	prev.EffectiveUntil = &until
	return nil
}
