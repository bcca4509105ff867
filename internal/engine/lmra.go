package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"riskline/internal/config"
	"riskline/internal/domain"
	"riskline/internal/events"
	"riskline/internal/validate"
)

const minStopWorkReasonLen = 10

// lmraStages is the ordered stage progression. stop_work short-circuits to
// completed from decision_pending; everything else advances one at a time.
var lmraStages = []string{
	"location_pending",
	"environment_pending",
	"personnel_pending",
	"equipment_pending",
	"hazard_review_pending",
	"decision_pending",
	"documentation_pending",
	"signature_pending",
	"completed",
}

func stageAfter(stage string) string {
	for i, s := range lmraStages {
		if s == stage && i+1 < len(lmraStages) {
			return lmraStages[i+1]
		}
	}
	return stage
}

func (e Engine) ensureStage(s domain.LMRASession, want string) error {
	if s.Stage != want {
		return StateTransitionError{Entity: "lmra_session", From: s.Stage, To: stageAfter(want)}
	}
	return nil
}

// SessionStartOptions are parameters for opening a field execution session.
type SessionStartOptions struct {
	ID          string
	TRAID       string
	ActorID     string
	TeamMembers []domain.TeamMember
	Weather     *domain.WeatherSnapshot
}

// StartSession opens an LMRA session against an active TRA. Sessions cannot
// start against drafts, expired or archived documents.
func (e Engine) StartSession(ctx context.Context, opts SessionStartOptions) (domain.LMRASession, error) {
	t, err := e.Repo.GetTRA(ctx, opts.TRAID)
	if err != nil {
		return domain.LMRASession{}, err
	}
	if t.Status != "active" {
		return domain.LMRASession{}, StateTransitionError{Entity: "tra", From: t.Status, To: "lmra-start"}
	}
	verr := &validate.ValidationError{}
	if len(opts.TeamMembers) == 0 {
		verr.Add("team_members", "at least one team member required")
	}
	for i, m := range opts.TeamMembers {
		if m.ActorID == "" {
			verr.Add(fmt.Sprintf("team_members[%d].actor_id", i), "actor id required")
		}
	}
	if err := verr.OrNil(); err != nil {
		return domain.LMRASession{}, err
	}
	now := e.nowStr()
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	s := domain.LMRASession{
		ID:          id,
		TRAID:       t.ID,
		OrgID:       t.OrgID,
		Stage:       "location_pending",
		TeamMembers: opts.TeamMembers,
		Weather:     opts.Weather,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return s, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertSessionTx(ctx, tx, s); err != nil {
		return s, fmt.Errorf("insert session: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.Entry{
		Type: "lmra.started", OrgID: s.OrgID, EntityKind: "lmra_session", EntityID: s.ID, ActorID: opts.ActorID,
		ComplianceRelevant: true,
		Payload:            events.EventPayload{"tra_id": t.ID, "team_size": len(s.TeamMembers)},
	}); err != nil {
		return s, err
	}
	if err := tx.Commit(); err != nil {
		return s, err
	}
	return s, nil
}

// saveSession is the common CAS write path for stage completions: update the
// session row and append the audit event in one transaction.
func (e Engine) saveSession(ctx context.Context, s domain.LMRASession, expectedVersion int64, entry events.Entry) (domain.LMRASession, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return s, err
	}
	defer tx.Rollback()
	s, err = e.Repo.UpdateSessionTx(ctx, tx, s, expectedVersion)
	if err != nil {
		return s, err
	}
	if err := e.Events.Append(ctx, tx, entry); err != nil {
		return s, err
	}
	if err := tx.Commit(); err != nil {
		return s, err
	}
	return s, nil
}

// CompleteLocationStage records GPS verification. A fix worse than the
// configured accuracy threshold is accepted as "approximate" only with an
// explicit override reason.
func (e Engine) CompleteLocationStage(ctx context.Context, sessionID string, expectedVersion int64, loc domain.LocationVerification, actorID string) (domain.LMRASession, error) {
	s, err := e.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return s, err
	}
	if err := e.ensureStage(s, "location_pending"); err != nil {
		return s, err
	}
	threshold := e.Config.LMRA.LocationAccuracyMeters
	if loc.AccuracyMeters <= threshold {
		loc.Status = "verified"
	} else {
		loc.Status = "approximate"
		if strings.TrimSpace(loc.OverrideReason) == "" {
			verr := &validate.ValidationError{}
			verr.Add("location.override_reason", "accuracy %.0fm exceeds the %.0fm threshold; an override reason is required", loc.AccuracyMeters, threshold)
			return s, verr
		}
	}
	s.Location = &loc
	s.Stage = "environment_pending"
	s.UpdatedAt = e.nowStr()
	return e.saveSession(ctx, s, expectedVersion, events.Entry{
		Type: "lmra.location_recorded", OrgID: s.OrgID, EntityKind: "lmra_session", EntityID: s.ID, ActorID: actorID,
		Payload: events.EventPayload{"status": loc.Status, "accuracy_meters": loc.AccuracyMeters},
	})
}

// CompleteEnvironmentStage records site condition checks against the
// configured catalog. Every required check must be present and passed.
func (e Engine) CompleteEnvironmentStage(ctx context.Context, sessionID string, expectedVersion int64, checks []domain.Check, weather *domain.WeatherSnapshot, actorID string) (domain.LMRASession, error) {
	s, err := e.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return s, err
	}
	if err := e.ensureStage(s, "environment_pending"); err != nil {
		return s, err
	}
	if err := requiredChecksPass("environment_checks", e.Config.LMRA.EnvironmentChecks, checks); err != nil {
		return s, err
	}
	s.EnvironmentChecks = checks
	if weather != nil {
		s.Weather = weather
	}
	s.Stage = "personnel_pending"
	s.UpdatedAt = e.nowStr()
	return e.saveSession(ctx, s, expectedVersion, events.Entry{
		Type: "lmra.environment_checked", OrgID: s.OrgID, EntityKind: "lmra_session", EntityID: s.ID, ActorID: actorID,
		Payload: events.EventPayload{"checks": len(checks)},
	})
}

func requiredChecksPass(field string, catalog []config.CatalogCheck, checks []domain.Check) error {
	verr := &validate.ValidationError{}
	byID := map[string]domain.Check{}
	for _, c := range checks {
		byID[c.ID] = c
	}
	for _, want := range catalog {
		if !want.Required {
			continue
		}
		got, ok := byID[want.ID]
		if !ok {
			verr.Add(field, "required check %q missing", want.ID)
			continue
		}
		if !got.Passed {
			verr.Add(field, "required check %q failed", want.ID)
		}
	}
	return verr.OrNil()
}

// CompletePersonnelStage verifies every team member is checked in on site
// with valid competencies. Expired or unverified certifications block.
func (e Engine) CompletePersonnelStage(ctx context.Context, sessionID string, expectedVersion int64, members []domain.TeamMember, actorID string) (domain.LMRASession, error) {
	s, err := e.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return s, err
	}
	if err := e.ensureStage(s, "personnel_pending"); err != nil {
		return s, err
	}
	if members == nil {
		members = s.TeamMembers
	}
	now := e.now()
	verr := &validate.ValidationError{}
	if len(members) == 0 {
		verr.Add("team_members", "at least one team member required")
	}
	for i, m := range members {
		if !m.CheckedIn {
			verr.Add(fmt.Sprintf("team_members[%d]", i), "member %s not checked in", m.ActorID)
		}
		for _, c := range m.Competencies {
			switch c.Status {
			case "verified":
				if c.ExpiresAt != nil {
					if exp, err := time.Parse(time.RFC3339, *c.ExpiresAt); err == nil && now.After(exp) {
						verr.Add(fmt.Sprintf("team_members[%d].competencies", i), "competency %q expired %s", c.Name, *c.ExpiresAt)
					}
				}
			case "expired":
				verr.Add(fmt.Sprintf("team_members[%d].competencies", i), "competency %q expired", c.Name)
			default:
				verr.Add(fmt.Sprintf("team_members[%d].competencies", i), "competency %q not verified", c.Name)
			}
		}
	}
	if err := verr.OrNil(); err != nil {
		return s, err
	}
	s.TeamMembers = members
	s.Stage = "equipment_pending"
	s.UpdatedAt = e.nowStr()
	return e.saveSession(ctx, s, expectedVersion, events.Entry{
		Type: "lmra.personnel_verified", OrgID: s.OrgID, EntityKind: "lmra_session", EntityID: s.ID, ActorID: actorID,
		Payload: events.EventPayload{"team_size": len(members)},
	})
}

// CompleteEquipmentStage records the equipment inspection. Required items
// that are unavailable, damaged or out of inspection date block execution.
func (e Engine) CompleteEquipmentStage(ctx context.Context, sessionID string, expectedVersion int64, items []domain.EquipmentItem, actorID string) (domain.LMRASession, error) {
	s, err := e.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return s, err
	}
	if err := e.ensureStage(s, "equipment_pending"); err != nil {
		return s, err
	}
	verr := &validate.ValidationError{}
	byID := map[string]domain.EquipmentItem{}
	for _, it := range items {
		byID[it.ID] = it
	}
	for _, want := range e.Config.LMRA.EquipmentChecks {
		if !want.Required {
			continue
		}
		if _, ok := byID[want.ID]; !ok {
			verr.Add("equipment", "required item %q missing", want.ID)
		}
	}
	for i, it := range items {
		if it.Required && it.Status != "available" {
			verr.Add(fmt.Sprintf("equipment[%d]", i), "required item %q is %s", it.Name, it.Status)
		}
	}
	if err := verr.OrNil(); err != nil {
		return s, err
	}
	s.Equipment = items
	s.Stage = "hazard_review_pending"
	s.UpdatedAt = e.nowStr()
	return e.saveSession(ctx, s, expectedVersion, events.Entry{
		Type: "lmra.equipment_checked", OrgID: s.OrgID, EntityKind: "lmra_session", EntityID: s.ID, ActorID: actorID,
		Payload: events.EventPayload{"items": len(items)},
	})
}

// CompleteHazardReview confirms the crew walked through every hazard on the
// underlying TRA. Partial reviews are rejected with the missing ids.
func (e Engine) CompleteHazardReview(ctx context.Context, sessionID string, expectedVersion int64, reviewedIDs []string, actorID string) (domain.LMRASession, error) {
	s, err := e.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return s, err
	}
	if err := e.ensureStage(s, "hazard_review_pending"); err != nil {
		return s, err
	}
	t, err := e.Repo.GetTRA(ctx, s.TRAID)
	if err != nil {
		return s, err
	}
	reviewed := map[string]bool{}
	for _, id := range reviewedIDs {
		reviewed[id] = true
	}
	verr := &validate.ValidationError{}
	for _, step := range t.TaskSteps {
		for _, h := range step.Hazards {
			if !reviewed[h.ID] {
				verr.Add("reviewed_hazard_ids", "hazard %s not reviewed", h.ID)
			}
		}
	}
	if err := verr.OrNil(); err != nil {
		return s, err
	}
	s.ReviewedHazardIDs = reviewedIDs
	s.Stage = "decision_pending"
	s.UpdatedAt = e.nowStr()
	return e.saveSession(ctx, s, expectedVersion, events.Entry{
		Type: "lmra.hazards_reviewed", OrgID: s.OrgID, EntityKind: "lmra_session", EntityID: s.ID, ActorID: actorID,
		Payload: events.EventPayload{"count": len(reviewedIDs)},
	})
}

// DecisionStageOptions records the overall go/no-go call for the session.
type DecisionStageOptions struct {
	SessionID       string
	ExpectedVersion int64
	Assessment      string
	StopWorkReason  string
	ActorID         string
}

// CompleteDecisionStage records the overall assessment. stop_work is a valid
// terminal outcome: it completes the session immediately, skipping the
// documentation and signature stages, and queues exactly one notification
// request for the incident.
func (e Engine) CompleteDecisionStage(ctx context.Context, opts DecisionStageOptions) (domain.LMRASession, error) {
	s, err := e.Repo.GetSession(ctx, opts.SessionID)
	if err != nil {
		return s, err
	}
	if err := e.ensureStage(s, "decision_pending"); err != nil {
		return s, err
	}
	now := e.nowStr()
	switch opts.Assessment {
	case "safe_to_proceed", "proceed_with_caution":
		s.OverallAssessment = &opts.Assessment
		s.Stage = "documentation_pending"
		s.UpdatedAt = now
		return e.saveSession(ctx, s, opts.ExpectedVersion, events.Entry{
			Type: "lmra.decision", OrgID: s.OrgID, EntityKind: "lmra_session", EntityID: s.ID, ActorID: opts.ActorID,
			ComplianceRelevant: true,
			Payload:            events.EventPayload{"assessment": opts.Assessment},
		})
	case "stop_work":
		reason := strings.TrimSpace(opts.StopWorkReason)
		if len(reason) < minStopWorkReasonLen {
			verr := &validate.ValidationError{}
			verr.Add("stop_work_reason", "a reason of at least %d characters is required to stop work", minStopWorkReasonLen)
			return s, verr
		}
		s.OverallAssessment = &opts.Assessment
		s.StopWorkReason = &reason
		s.StopWorkAt = &now
		s.CompletedAt = &now
		s.Stage = "completed"
		s.UpdatedAt = now

		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return s, err
		}
		defer tx.Rollback()
		s, err = e.Repo.UpdateSessionTx(ctx, tx, s, opts.ExpectedVersion)
		if err != nil {
			return s, err
		}
		if err := e.Events.Append(ctx, tx, events.Entry{
			Type: "lmra.stop_work", Severity: events.SeverityCritical,
			OrgID: s.OrgID, EntityKind: "lmra_session", EntityID: s.ID, ActorID: opts.ActorID,
			ComplianceRelevant: true,
			Payload:            events.EventPayload{"reason": reason, "tra_id": s.TRAID},
		}); err != nil {
			return s, err
		}
		if _, err := e.Repo.RequestStopWorkNotificationTx(ctx, tx, s.ID, now, reason, now); err != nil {
			return s, err
		}
		if err := tx.Commit(); err != nil {
			return s, err
		}
		return s, nil
	default:
		verr := &validate.ValidationError{}
		verr.Add("overall_assessment", "unknown assessment %q", opts.Assessment)
		return s, verr
	}
}

// CompleteDocumentationStage attaches the execution notes and site photos.
func (e Engine) CompleteDocumentationStage(ctx context.Context, sessionID string, expectedVersion int64, documentation string, photos []domain.Photo, actorID string) (domain.LMRASession, error) {
	s, err := e.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return s, err
	}
	if err := e.ensureStage(s, "documentation_pending"); err != nil {
		return s, err
	}
	doc := strings.TrimSpace(documentation)
	if doc == "" {
		verr := &validate.ValidationError{}
		verr.Add("documentation", "execution notes are required")
		return s, verr
	}
	s.Documentation = &doc
	s.Photos = mergePhotos(s.Photos, photos)
	s.Stage = "signature_pending"
	s.UpdatedAt = e.nowStr()
	return e.saveSession(ctx, s, expectedVersion, events.Entry{
		Type: "lmra.documented", OrgID: s.OrgID, EntityKind: "lmra_session", EntityID: s.ID, ActorID: actorID,
		Payload: events.EventPayload{"photos": len(s.Photos)},
	})
}

// CompleteSignatureStage collects signatures and closes the session. Every
// team member must sign; signers outside the team are rejected.
func (e Engine) CompleteSignatureStage(ctx context.Context, sessionID string, expectedVersion int64, signatures []domain.Signature, actorID string) (domain.LMRASession, error) {
	s, err := e.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return s, err
	}
	if err := e.ensureStage(s, "signature_pending"); err != nil {
		return s, err
	}
	team := map[string]bool{}
	for _, m := range s.TeamMembers {
		team[m.ActorID] = true
	}
	signed := map[string]bool{}
	verr := &validate.ValidationError{}
	for i, sig := range signatures {
		if !team[sig.ActorID] {
			verr.Add(fmt.Sprintf("signatures[%d]", i), "signer %s is not a team member", sig.ActorID)
		}
		signed[sig.ActorID] = true
	}
	for _, m := range s.TeamMembers {
		if !signed[m.ActorID] {
			verr.Add("signatures", "team member %s has not signed", m.ActorID)
		}
	}
	if err := verr.OrNil(); err != nil {
		return s, err
	}
	now := e.nowStr()
	s.Signatures = signatures
	s.Stage = "completed"
	s.CompletedAt = &now
	s.UpdatedAt = now
	return e.saveSession(ctx, s, expectedVersion, events.Entry{
		Type: "lmra.completed", OrgID: s.OrgID, EntityKind: "lmra_session", EntityID: s.ID, ActorID: actorID,
		ComplianceRelevant: true,
		Payload:            events.EventPayload{"assessment": deref(s.OverallAssessment)},
	})
}

// Annotate appends an audit note. This is the only write permitted on a
// completed session.
func (e Engine) Annotate(ctx context.Context, sessionID string, expectedVersion int64, actorID, text string) (domain.LMRASession, error) {
	s, err := e.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return s, err
	}
	if strings.TrimSpace(text) == "" {
		verr := &validate.ValidationError{}
		verr.Add("text", "annotation text required")
		return s, verr
	}
	now := e.nowStr()
	s.Annotations = append(s.Annotations, domain.Annotation{ActorID: actorID, Text: text, TS: now})
	s.UpdatedAt = now
	return e.saveSession(ctx, s, expectedVersion, events.Entry{
		Type: "lmra.annotated", OrgID: s.OrgID, EntityKind: "lmra_session", EntityID: s.ID, ActorID: actorID,
	})
}

// mergePhotos appends by id, keeping the first occurrence of each photo so a
// replayed upload never duplicates.
func mergePhotos(existing, incoming []domain.Photo) []domain.Photo {
	seen := map[string]bool{}
	for _, p := range existing {
		seen[p.ID] = true
	}
	out := existing
	for _, p := range incoming {
		if seen[p.ID] {
			continue
		}
		seen[p.ID] = true
		out = append(out, p)
	}
	return out
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
