package repo

import (
	"context"

	"riskline/internal/domain"
)

func (r Repo) ListEvents(ctx context.Context, orgID string, limit int) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,severity,COALESCE(org_id,''),entity_kind,COALESCE(entity_id,''),actor_id,compliance_relevant,payload_json
FROM events WHERE org_id=? ORDER BY id DESC LIMIT ?`, orgID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEvents(rows)
}

// EventsAfter returns events with id greater than the cursor, oldest first.
// Used by the notification dispatcher and the log tail.
func (r Repo) EventsAfter(ctx context.Context, limit int, afterID int64, orgID string) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,severity,COALESCE(org_id,''),entity_kind,COALESCE(entity_id,''),actor_id,compliance_relevant,payload_json
FROM events WHERE id>? AND org_id=? ORDER BY id LIMIT ?`, afterID, orgID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEvents(rows)
}

func (r Repo) LatestEventID(ctx context.Context, orgID string) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events WHERE org_id=?`, orgID).Scan(&id)
	return id, err
}

func (r Repo) EventsForEntity(ctx context.Context, entityKind, entityID string) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,severity,COALESCE(org_id,''),entity_kind,COALESCE(entity_id,''),actor_id,compliance_relevant,payload_json
FROM events WHERE entity_kind=? AND entity_id=? ORDER BY id`, entityKind, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEvents(rows)
}

type eventRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func collectEvents(rows eventRows) ([]domain.Event, error) {
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var relevant int
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.Severity, &e.OrgID, &e.EntityKind, &e.EntityID, &e.ActorID, &relevant, &e.Payload); err != nil {
			return nil, err
		}
		e.ComplianceRelevant = relevant == 1
		res = append(res, e)
	}
	return res, rows.Err()
}
