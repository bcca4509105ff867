package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"riskline/internal/config"
	"riskline/internal/repo"
)

// ResolveOrgAndConfig loads the workspace config and makes sure the org and
// the invoking actor exist in the database, seeding them on first use. An
// override wins over the configured org id.
func ResolveOrgAndConfig(ctx context.Context, workspace, orgOverride, actorID string, r repo.Repo) (string, *config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return "", nil, err
	}
	orgID := orgOverride
	if orgID == "" && cfg != nil {
		orgID = cfg.Org.ID
	}
	if orgID == "" {
		return "", nil, fmt.Errorf("org not specified; use --org or set org.id in %s", config.Path(workspace))
	}
	if cfg == nil {
		cfg = config.Default(orgID)
	}
	if _, err := r.GetOrg(ctx, orgID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if err := seedOrg(ctx, r, orgID, cfg.Org.Name, actorID); err != nil {
			return "", nil, err
		}
	}
	cfg.Org.ID = orgID
	return orgID, cfg, nil
}

// seedOrg inserts a minimal org footprint and grants the first actor the
// org_admin role so a fresh workspace is usable immediately.
func seedOrg(ctx context.Context, r repo.Repo, orgID, orgName, actorID string) error {
	if orgName == "" {
		orgName = orgID
	}
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.EnsureOrg(ctx, tx, orgID, orgName, now); err != nil {
		return fmt.Errorf("ensure org: %w", err)
	}
	if actorID == "" {
		actorID = "local-user"
	}
	if err := r.EnsureActor(ctx, tx, actorID, now); err != nil {
		return fmt.Errorf("ensure actor: %w", err)
	}
	if err := r.AssignOrgRole(ctx, tx, orgID, actorID, "org_admin"); err != nil {
		return fmt.Errorf("assign org role: %w", err)
	}
	return tx.Commit()
}
