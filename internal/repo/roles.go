package repo

import (
	"context"
	"database/sql"
)

func (r Repo) AssignOrgRole(ctx context.Context, tx *sql.Tx, orgID, actorID, roleID string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO actor_roles(org_id,actor_id,role_id) VALUES (?,?,?)`,
		orgID, actorID, roleID)
	return err
}

func (r Repo) RevokeOrgRole(ctx context.Context, orgID, actorID, roleID string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM actor_roles WHERE org_id=? AND actor_id=? AND role_id=?`,
		orgID, actorID, roleID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ActorRoles(ctx context.Context, orgID, actorID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT role_id FROM actor_roles WHERE org_id=? AND actor_id=?`, orgID, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

func (r Repo) ActorHasRole(ctx context.Context, orgID, actorID, roleID string) (bool, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT 1 FROM actor_roles WHERE org_id=? AND actor_id=? AND role_id=? LIMIT 1`,
		orgID, actorID, roleID)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}
