package engine

import (
	"context"
	"errors"
	"strings"

	"riskline/internal/domain"
	"riskline/internal/events"
)

// QueueMutation stores a client-queued offline mutation for later
// reconciliation. The mutation id deduplicates retried uploads; a replay
// reports queued=false and changes nothing.
func (e Engine) QueueMutation(ctx context.Context, m domain.OfflineMutation) (bool, error) {
	if m.ID == "" || m.SessionID == "" {
		return false, errors.New("mutation id and session id are required")
	}
	if m.QueuedAt == "" {
		m.QueuedAt = e.nowStr()
	}
	if _, err := e.Repo.GetSession(ctx, m.SessionID); err != nil {
		return false, err
	}
	return e.Repo.EnqueueMutation(ctx, m)
}

// SyncConflict reports a mutation the reconciler refused to apply.
type SyncConflict struct {
	MutationID string `json:"mutation_id"`
	Seq        int64  `json:"seq"`
	Reason     string `json:"reason"`
}

// SyncReport summarizes one reconciliation run.
type SyncReport struct {
	Applied   int            `json:"applied"`
	Conflicts []SyncConflict `json:"conflicts,omitempty"`
	Cursor    int64          `json:"cursor"`
}

// Reconcile drains queued mutations for a session in sequence order and
// applies them to the stored state. Scalar fields are last-writer-wins by
// sequence number; list fields merge by item id, so replays never duplicate.
// Mutations that would violate an invariant are reported as conflicts and
// marked applied so they are not retried forever. The cursor advances per
// mutation, making an interrupted run resumable.
func (e Engine) Reconcile(ctx context.Context, sessionID, actorID string) (SyncReport, error) {
	report := SyncReport{}
	cursor, err := e.Repo.SyncCursor(ctx, sessionID)
	if err != nil {
		return report, err
	}
	report.Cursor = cursor
	pending, err := e.Repo.PendingMutations(ctx, sessionID, cursor)
	if err != nil {
		return report, err
	}
	for _, m := range pending {
		s, err := e.Repo.GetSession(ctx, sessionID)
		if err != nil {
			return report, err
		}
		conflict := e.applyMutation(&s, m)

		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return report, err
		}
		now := e.nowStr()
		if conflict == "" {
			s.UpdatedAt = now
			if _, err := e.Repo.UpdateSessionTx(ctx, tx, s, s.Version); err != nil {
				tx.Rollback()
				return report, err
			}
			if s.StopWorkAt != nil {
				// At-most-once by outbox key: a stop-work that already
				// produced a notification inserts nothing here.
				if _, err := e.Repo.RequestStopWorkNotificationTx(ctx, tx, s.ID, *s.StopWorkAt, deref(s.StopWorkReason), now); err != nil {
					tx.Rollback()
					return report, err
				}
			}
			if err := e.Events.Append(ctx, tx, events.Entry{
				Type: "sync.mutation_applied", OrgID: s.OrgID, EntityKind: "lmra_session", EntityID: s.ID, ActorID: actorID,
				Payload: events.EventPayload{"mutation_id": m.ID, "seq": m.Seq},
			}); err != nil {
				tx.Rollback()
				return report, err
			}
			report.Applied++
		} else {
			report.Conflicts = append(report.Conflicts, SyncConflict{MutationID: m.ID, Seq: m.Seq, Reason: conflict})
			if err := e.Events.Append(ctx, tx, events.Entry{
				Type: "sync.conflict", Severity: events.SeverityWarning,
				OrgID: s.OrgID, EntityKind: "lmra_session", EntityID: s.ID, ActorID: actorID,
				Payload: events.EventPayload{"mutation_id": m.ID, "seq": m.Seq, "reason": conflict},
			}); err != nil {
				tx.Rollback()
				return report, err
			}
		}
		if err := e.Repo.MarkMutationAppliedTx(ctx, tx, m.ID); err != nil {
			tx.Rollback()
			return report, err
		}
		if err := e.Repo.SetSyncCursorTx(ctx, tx, sessionID, m.Seq, now); err != nil {
			tx.Rollback()
			return report, err
		}
		if err := tx.Commit(); err != nil {
			return report, err
		}
		report.Cursor = m.Seq
	}
	return report, nil
}

// applyMutation merges one payload into the session in memory. It returns a
// non-empty conflict reason when the mutation cannot be honored.
func (e Engine) applyMutation(s *domain.LMRASession, m domain.OfflineMutation) string {
	p := m.Payload

	if p.OverallAssessment != nil {
		switch *p.OverallAssessment {
		case "safe_to_proceed", "proceed_with_caution":
			if s.Stage == "completed" {
				return "session already completed; assessment immutable"
			}
			s.OverallAssessment = p.OverallAssessment
		case "stop_work":
			if s.Stage == "completed" && s.StopWorkAt == nil {
				return "session completed without stop-work; cannot stop retroactively"
			}
			reason := ""
			if p.StopWorkReason != nil {
				reason = strings.TrimSpace(*p.StopWorkReason)
			} else if s.StopWorkReason != nil {
				reason = *s.StopWorkReason
			}
			if len(reason) < minStopWorkReasonLen {
				return "stop_work requires a reason of at least 10 characters"
			}
			s.OverallAssessment = p.OverallAssessment
			s.StopWorkReason = &reason
			if s.StopWorkAt == nil {
				at := m.QueuedAt
				if p.StopWorkAt != nil {
					at = *p.StopWorkAt
				}
				s.StopWorkAt = &at
				s.CompletedAt = &at
				s.Stage = "completed"
			}
		default:
			return "unknown overall_assessment value"
		}
	}
	if p.StopWorkReason != nil && s.StopWorkAt != nil && (p.OverallAssessment == nil || *p.OverallAssessment != "stop_work") {
		s.StopWorkReason = p.StopWorkReason
	}
	if p.Documentation != nil {
		if s.Stage == "completed" && s.StopWorkAt == nil {
			return "session already completed; documentation immutable"
		}
		s.Documentation = p.Documentation
	}
	if len(p.Photos) > 0 {
		s.Photos = mergePhotos(s.Photos, p.Photos)
	}
	if len(p.EnvironmentChecks) > 0 {
		s.EnvironmentChecks = mergeChecks(s.EnvironmentChecks, p.EnvironmentChecks)
	}
	if len(p.Equipment) > 0 {
		s.Equipment = mergeEquipment(s.Equipment, p.Equipment)
	}
	return ""
}

// mergeChecks replaces by id and appends unknown ids, preserving order of
// first appearance.
func mergeChecks(existing, incoming []domain.Check) []domain.Check {
	idx := map[string]int{}
	out := make([]domain.Check, len(existing))
	copy(out, existing)
	for i, c := range out {
		idx[c.ID] = i
	}
	for _, c := range incoming {
		if i, ok := idx[c.ID]; ok {
			out[i] = c
			continue
		}
		idx[c.ID] = len(out)
		out = append(out, c)
	}
	return out
}

func mergeEquipment(existing, incoming []domain.EquipmentItem) []domain.EquipmentItem {
	idx := map[string]int{}
	out := make([]domain.EquipmentItem, len(existing))
	copy(out, existing)
	for i, it := range out {
		idx[it.ID] = i
	}
	for _, it := range incoming {
		if i, ok := idx[it.ID]; ok {
			out[i] = it
			continue
		}
		idx[it.ID] = len(out)
		out = append(out, it)
	}
	return out
}
