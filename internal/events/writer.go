package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Severity levels for audit events.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Writer appends audit events inside the caller's transaction so an event
// is recorded iff the state change it describes commits.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Entry is one audit record. ComplianceRelevant marks events that must be
// retained for regulatory reporting.
type Entry struct {
	Type               string
	Severity           string
	OrgID              string
	EntityKind         string
	EntityID           string
	ActorID            string
	ComplianceRelevant bool
	Payload            EventPayload
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, e Entry) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if e.Severity == "" {
		e.Severity = SeverityInfo
	}
	if e.Payload == nil {
		e.Payload = EventPayload{}
	}
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,severity,org_id,entity_kind,entity_id,actor_id,compliance_relevant,payload_json) VALUES (?,?,?,?,?,?,?,?,?)`,
		ts, e.Type, e.Severity, nullable(e.OrgID), e.EntityKind, nullable(e.EntityID), e.ActorID, boolInt(e.ComplianceRelevant), string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
