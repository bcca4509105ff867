package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"riskline/internal/domain"
)

func (r Repo) InsertWorkflowTx(ctx context.Context, tx *sql.Tx, wf domain.ApprovalWorkflow) error {
	steps, err := json.Marshal(wf.Steps)
	if err != nil {
		return fmt.Errorf("marshal approval steps: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO approval_workflows(id,tra_id,current_step,status,steps_json,created_at,updated_at)
VALUES (?,?,?,?,?,?,?)`,
		wf.ID, wf.TRAID, wf.CurrentStep, wf.Status, string(steps), wf.CreatedAt, wf.UpdatedAt)
	return err
}

func (r Repo) GetWorkflowByTRA(ctx context.Context, traID string) (domain.ApprovalWorkflow, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,tra_id,current_step,status,steps_json,created_at,updated_at
FROM approval_workflows WHERE tra_id=?`, traID)
	return scanWorkflow(row)
}

func scanWorkflow(row *sql.Row) (domain.ApprovalWorkflow, error) {
	var wf domain.ApprovalWorkflow
	var stepsJSON string
	err := row.Scan(&wf.ID, &wf.TRAID, &wf.CurrentStep, &wf.Status, &stepsJSON, &wf.CreatedAt, &wf.UpdatedAt)
	if err == sql.ErrNoRows {
		return wf, ErrNotFound
	}
	if err != nil {
		return wf, err
	}
	if err := json.Unmarshal([]byte(stepsJSON), &wf.Steps); err != nil {
		return wf, fmt.Errorf("decode approval steps for %s: %w", wf.ID, err)
	}
	return wf, nil
}

func (r Repo) UpdateWorkflowTx(ctx context.Context, tx *sql.Tx, wf domain.ApprovalWorkflow) error {
	steps, err := json.Marshal(wf.Steps)
	if err != nil {
		return fmt.Errorf("marshal approval steps: %w", err)
	}
	res, err := tx.ExecContext(ctx, `UPDATE approval_workflows SET current_step=?,status=?,steps_json=?,updated_at=? WHERE id=?`,
		wf.CurrentStep, wf.Status, string(steps), wf.UpdatedAt, wf.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
