package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"riskline/internal/domain"
)

// sessionDoc holds the nested parts of an LMRA session; hot fields used in
// queries (stage, assessment, timestamps) live in their own columns.
type sessionDoc struct {
	Location          *domain.LocationVerification `json:"location,omitempty"`
	Weather           *domain.WeatherSnapshot      `json:"weather,omitempty"`
	TeamMembers       []domain.TeamMember          `json:"team_members"`
	EnvironmentChecks []domain.Check               `json:"environment_checks,omitempty"`
	Equipment         []domain.EquipmentItem       `json:"equipment,omitempty"`
	ReviewedHazardIDs []string                     `json:"reviewed_hazard_ids,omitempty"`
	Photos            []domain.Photo               `json:"photos,omitempty"`
	StopWorkReason    *string                      `json:"stop_work_reason,omitempty"`
	Documentation     *string                      `json:"documentation,omitempty"`
	Signatures        []domain.Signature           `json:"signatures,omitempty"`
	Annotations       []domain.Annotation          `json:"annotations,omitempty"`
}

func docFromSession(s domain.LMRASession) sessionDoc {
	return sessionDoc{
		Location:          s.Location,
		Weather:           s.Weather,
		TeamMembers:       s.TeamMembers,
		EnvironmentChecks: s.EnvironmentChecks,
		Equipment:         s.Equipment,
		ReviewedHazardIDs: s.ReviewedHazardIDs,
		Photos:            s.Photos,
		StopWorkReason:    s.StopWorkReason,
		Documentation:     s.Documentation,
		Signatures:        s.Signatures,
		Annotations:       s.Annotations,
	}
}

func (d sessionDoc) into(s *domain.LMRASession) {
	s.Location = d.Location
	s.Weather = d.Weather
	s.TeamMembers = d.TeamMembers
	s.EnvironmentChecks = d.EnvironmentChecks
	s.Equipment = d.Equipment
	s.ReviewedHazardIDs = d.ReviewedHazardIDs
	s.Photos = d.Photos
	s.StopWorkReason = d.StopWorkReason
	s.Documentation = d.Documentation
	s.Signatures = d.Signatures
	s.Annotations = d.Annotations
}

func (r Repo) InsertSessionTx(ctx context.Context, tx *sql.Tx, s domain.LMRASession) error {
	doc, err := json.Marshal(docFromSession(s))
	if err != nil {
		return fmt.Errorf("marshal session doc: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO lmra_sessions(id,tra_id,org_id,stage,doc_json,overall_assessment,stop_work_at,completed_at,version,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.TRAID, s.OrgID, s.Stage, string(doc),
		nullablePtr(s.OverallAssessment), nullablePtr(s.StopWorkAt), nullablePtr(s.CompletedAt),
		s.Version, s.CreatedAt, s.UpdatedAt)
	return err
}

func (r Repo) GetSession(ctx context.Context, id string) (domain.LMRASession, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,tra_id,org_id,stage,doc_json,overall_assessment,stop_work_at,completed_at,version,created_at,updated_at
FROM lmra_sessions WHERE id=?`, id)
	return scanSession(row)
}

func scanSession(row *sql.Row) (domain.LMRASession, error) {
	var s domain.LMRASession
	var docJSON string
	var assessment, stopWorkAt, completedAt sql.NullString
	err := row.Scan(&s.ID, &s.TRAID, &s.OrgID, &s.Stage, &docJSON, &assessment, &stopWorkAt, &completedAt,
		&s.Version, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	var doc sessionDoc
	if err := json.Unmarshal([]byte(docJSON), &doc); err != nil {
		return s, fmt.Errorf("decode session doc for %s: %w", s.ID, err)
	}
	doc.into(&s)
	s.OverallAssessment = ptrFromNull(assessment)
	s.StopWorkAt = ptrFromNull(stopWorkAt)
	s.CompletedAt = ptrFromNull(completedAt)
	return s, nil
}

// UpdateSessionTx is the compare-and-swap write for sessions.
func (r Repo) UpdateSessionTx(ctx context.Context, tx *sql.Tx, s domain.LMRASession, expectedVersion int64) (domain.LMRASession, error) {
	doc, err := json.Marshal(docFromSession(s))
	if err != nil {
		return s, fmt.Errorf("marshal session doc: %w", err)
	}
	res, err := tx.ExecContext(ctx, `UPDATE lmra_sessions SET stage=?,doc_json=?,overall_assessment=?,stop_work_at=?,completed_at=?,version=version+1,updated_at=?
WHERE id=? AND version=?`,
		s.Stage, string(doc), nullablePtr(s.OverallAssessment), nullablePtr(s.StopWorkAt), nullablePtr(s.CompletedAt),
		s.UpdatedAt, s.ID, expectedVersion)
	if err != nil {
		return s, err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT 1 FROM lmra_sessions WHERE id=?`, s.ID).Scan(&exists); err == sql.ErrNoRows {
			return s, ErrNotFound
		}
		return s, ErrConflict
	}
	s.Version = expectedVersion + 1
	return s, nil
}

func (r Repo) ListSessionsByTRA(ctx context.Context, traID string) ([]domain.LMRASession, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,tra_id,org_id,stage,doc_json,overall_assessment,stop_work_at,completed_at,version,created_at,updated_at
FROM lmra_sessions WHERE tra_id=? ORDER BY created_at, id`, traID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.LMRASession
	for rows.Next() {
		var s domain.LMRASession
		var docJSON string
		var assessment, stopWorkAt, completedAt sql.NullString
		if err := rows.Scan(&s.ID, &s.TRAID, &s.OrgID, &s.Stage, &docJSON, &assessment, &stopWorkAt, &completedAt,
			&s.Version, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		var doc sessionDoc
		if err := json.Unmarshal([]byte(docJSON), &doc); err != nil {
			return nil, fmt.Errorf("decode session doc for %s: %w", s.ID, err)
		}
		doc.into(&s)
		s.OverallAssessment = ptrFromNull(assessment)
		s.StopWorkAt = ptrFromNull(stopWorkAt)
		s.CompletedAt = ptrFromNull(completedAt)
		res = append(res, s)
	}
	return res, rows.Err()
}
