package repository

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// SaveRespondent indexes a respondent's normalized identity fields. The first
// sighting wins: a respondent already indexed keeps its original fields.
func (r *SQLRepository) SaveRespondent(ctx context.Context, respondentID, identityHash string, fields map[string]string, createdAt time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, r.rebind(`
		INSERT INTO respondents (id, identity_hash, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO NOTHING`),
		respondentID, identityHash, createdAt.UTC())
	if err != nil {
		return fmt.Errorf("insert respondent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}

	for _, k := range sortedKeys(fields) {
		if _, err := tx.ExecContext(ctx, r.rebind(`
			INSERT INTO respondent_fields (respondent_id, field, value)
			VALUES (?, ?, ?)`), respondentID, k, fields[k]); err != nil {
			return fmt.Errorf("insert respondent field %s: %w", k, err)
		}
	}
	return tx.Commit()
}

// FindRespondentsByHash returns respondents created in [since, before) with the given identity hash.
func (r *SQLRepository) FindRespondentsByHash(ctx context.Context, identityHash string, since, before time.Time) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(`
		SELECT id FROM respondents
		WHERE identity_hash = ? AND created_at >= ? AND created_at < ?
		ORDER BY id`), identityHash, since.UTC(), before.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// FindRespondentsByFields returns every respondent created in [since, before)
// sharing at least one field value, with the fields that matched.
func (r *SQLRepository) FindRespondentsByFields(ctx context.Context, fields map[string]string, since, before time.Time) ([]domain.RespondentMatch, error) {
	if len(fields) == 0 {
		return nil, nil
	}

	keys := sortedKeys(fields)
	clauses := make([]string, len(keys))
	args := []any{since.UTC(), before.UTC()}
	for i, k := range keys {
		clauses[i] = "(f.field = ? AND f.value = ?)"
		args = append(args, k, fields[k])
	}

	query := `
		SELECT f.respondent_id, f.field
		FROM respondent_fields f
		JOIN respondents r ON r.id = f.respondent_id
		WHERE r.created_at >= ? AND r.created_at < ?
		  AND (` + strings.Join(clauses, " OR ") + `)
		ORDER BY f.respondent_id, f.field
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.RespondentMatch
	for rows.Next() {
		var id, field string
		if err := rows.Scan(&id, &field); err != nil {
			return nil, err
		}
		if n := len(out); n > 0 && out[n-1].RespondentID == id {
			out[n-1].MatchedFields = append(out[n-1].MatchedFields, field)
			continue
		}
		out = append(out, domain.RespondentMatch{RespondentID: id, MatchedFields: []string{field}})
	}
	return out, rows.Err()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
