package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ForbiddenError indicates a missing role for the attempted operation.
type ForbiddenError struct {
	Role string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("role %s required", e.Role)
}

// Service provides role checks backed by SQL. Roles carry the safety
// authority names used in approval chains (safety_officer, hse_manager,
// operations_manager) plus org administration.
type Service struct {
	DB *sql.DB
}

func (s Service) EnsureActor(ctx context.Context, tx *sql.Tx, actorID string) error {
	if actorID == "" {
		return errors.New("actor_id required")
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO actors(id, created_at) VALUES (?,?)`, actorID, now)
	return err
}

func (s Service) ActorHasRole(ctx context.Context, orgID, actorID, role string) (bool, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT 1 FROM actor_roles WHERE org_id=? AND actor_id=? AND role_id=? LIMIT 1`,
		orgID, actorID, role)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// RequireRole returns ForbiddenError unless the actor holds the role.
func (s Service) RequireRole(ctx context.Context, orgID, actorID, role string) error {
	ok, err := s.ActorHasRole(ctx, orgID, actorID, role)
	if err != nil {
		return err
	}
	if !ok {
		return ForbiddenError{Role: role}
	}
	return nil
}

func (s Service) ActorRoles(ctx context.Context, orgID, actorID string) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT role_id FROM actor_roles WHERE org_id=? AND actor_id=?`, orgID, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, err
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}
