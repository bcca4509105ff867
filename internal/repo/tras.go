package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"riskline/internal/domain"
)

func (r Repo) InsertTRATx(ctx context.Context, tx *sql.Tx, t domain.TRA) error {
	steps, err := json.Marshal(t.TaskSteps)
	if err != nil {
		return fmt.Errorf("marshal task steps: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO tras(id,org_id,title,description,framework,status,task_steps_json,valid_from,valid_until,archived_at,version,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.OrgID, t.Title, nullable(t.Description), t.Framework, t.Status, string(steps),
		nullablePtr(t.ValidFrom), nullablePtr(t.ValidUntil), nullablePtr(t.ArchivedAt), t.Version, t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) GetTRA(ctx context.Context, id string) (domain.TRA, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,org_id,title,COALESCE(description,''),framework,status,task_steps_json,valid_from,valid_until,archived_at,version,created_at,updated_at
FROM tras WHERE id=?`, id)
	return scanTRA(row)
}

func scanTRA(row *sql.Row) (domain.TRA, error) {
	var t domain.TRA
	var stepsJSON string
	var validFrom, validUntil, archivedAt sql.NullString
	err := row.Scan(&t.ID, &t.OrgID, &t.Title, &t.Description, &t.Framework, &t.Status, &stepsJSON,
		&validFrom, &validUntil, &archivedAt, &t.Version, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if err := json.Unmarshal([]byte(stepsJSON), &t.TaskSteps); err != nil {
		return t, fmt.Errorf("decode task steps for %s: %w", t.ID, err)
	}
	t.ValidFrom = ptrFromNull(validFrom)
	t.ValidUntil = ptrFromNull(validUntil)
	t.ArchivedAt = ptrFromNull(archivedAt)
	return t, nil
}

// UpdateTRATx writes the full document, guarded by the version the caller
// read. Zero rows affected means another writer advanced the row first.
func (r Repo) UpdateTRATx(ctx context.Context, tx *sql.Tx, t domain.TRA, expectedVersion int64) (domain.TRA, error) {
	steps, err := json.Marshal(t.TaskSteps)
	if err != nil {
		return t, fmt.Errorf("marshal task steps: %w", err)
	}
	res, err := tx.ExecContext(ctx, `UPDATE tras SET title=?,description=?,framework=?,status=?,task_steps_json=?,valid_from=?,valid_until=?,archived_at=?,version=version+1,updated_at=?
WHERE id=? AND version=?`,
		t.Title, nullable(t.Description), t.Framework, t.Status, string(steps),
		nullablePtr(t.ValidFrom), nullablePtr(t.ValidUntil), nullablePtr(t.ArchivedAt), t.UpdatedAt,
		t.ID, expectedVersion)
	if err != nil {
		return t, err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		if _, getErr := r.getTRATx(ctx, tx, t.ID); getErr != nil {
			return t, getErr
		}
		return t, ErrConflict
	}
	t.Version = expectedVersion + 1
	return t, nil
}

func (r Repo) getTRATx(ctx context.Context, tx *sql.Tx, id string) (domain.TRA, error) {
	row := tx.QueryRowContext(ctx, `SELECT id,org_id,title,COALESCE(description,''),framework,status,task_steps_json,valid_from,valid_until,archived_at,version,created_at,updated_at
FROM tras WHERE id=?`, id)
	return scanTRA(row)
}

func (r Repo) ListTRAs(ctx context.Context, orgID, status string) ([]domain.TRA, error) {
	query := `SELECT id,org_id,title,COALESCE(description,''),framework,status,task_steps_json,valid_from,valid_until,archived_at,version,created_at,updated_at FROM tras WHERE org_id=?`
	args := []any{orgID}
	if status != "" {
		query += ` AND status=?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TRA
	for rows.Next() {
		var t domain.TRA
		var stepsJSON string
		var validFrom, validUntil, archivedAt sql.NullString
		if err := rows.Scan(&t.ID, &t.OrgID, &t.Title, &t.Description, &t.Framework, &t.Status, &stepsJSON,
			&validFrom, &validUntil, &archivedAt, &t.Version, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(stepsJSON), &t.TaskSteps); err != nil {
			return nil, fmt.Errorf("decode task steps for %s: %w", t.ID, err)
		}
		t.ValidFrom = ptrFromNull(validFrom)
		t.ValidUntil = ptrFromNull(validUntil)
		t.ArchivedAt = ptrFromNull(archivedAt)
		res = append(res, t)
	}
	return res, rows.Err()
}

// ActiveTRAsPastValidity feeds the expiry sweep.
func (r Repo) ActiveTRAsPastValidity(ctx context.Context, now string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM tras WHERE status='active' AND valid_until IS NOT NULL AND valid_until < ?`, now)
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
