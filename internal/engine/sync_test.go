package engine_test

import (
	"testing"

	"riskline/internal/domain"
	"riskline/internal/engine"
)

func strPtr(s string) *string { return &s }

func queueMutation(t *testing.T, env *testEnv, m domain.OfflineMutation) {
	t.Helper()
	queued, err := env.Engine.QueueMutation(env.Ctx, m)
	if err != nil {
		t.Fatalf("queue %s: %v", m.ID, err)
	}
	if !queued {
		t.Fatalf("mutation %s unexpectedly deduplicated", m.ID)
	}
}

func TestQueueMutationDeduplicates(t *testing.T) {
	env := newTestEnv(t)
	s := startSession(t, env)
	m := domain.OfflineMutation{
		ID: "mut-1", SessionID: s.ID, Seq: 1,
		Payload: domain.MutationPayload{Documentation: strPtr("first draft of notes")},
	}
	queueMutation(t, env, m)
	queued, err := env.Engine.QueueMutation(env.Ctx, m)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if queued {
		t.Fatalf("replayed mutation must report queued=false")
	}
}

func TestQueueMutationUnknownSession(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.QueueMutation(env.Ctx, domain.OfflineMutation{
		ID: "mut-1", SessionID: "nope", Seq: 1,
	})
	if err == nil {
		t.Fatalf("expected unknown session error")
	}
}

func TestReconcileAppliesInSequenceOrder(t *testing.T) {
	env := newTestEnv(t)
	s := startSession(t, env)
	queueMutation(t, env, domain.OfflineMutation{
		ID: "mut-2", SessionID: s.ID, Seq: 2,
		Payload: domain.MutationPayload{Documentation: strPtr("second draft")},
	})
	queueMutation(t, env, domain.OfflineMutation{
		ID: "mut-1", SessionID: s.ID, Seq: 1,
		Payload: domain.MutationPayload{Documentation: strPtr("first draft")},
	})

	report, err := env.Engine.Reconcile(env.Ctx, s.ID, "alice")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if report.Applied != 2 || len(report.Conflicts) != 0 || report.Cursor != 2 {
		t.Fatalf("unexpected report: %+v", report)
	}
	got, err := env.Engine.Repo.GetSession(env.Ctx, s.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	// last writer by sequence wins
	if got.Documentation == nil || *got.Documentation != "second draft" {
		t.Fatalf("expected second draft, got %v", got.Documentation)
	}

	// a second run has nothing left
	report, err = env.Engine.Reconcile(env.Ctx, s.ID, "alice")
	if err != nil || report.Applied != 0 {
		t.Fatalf("rerun must apply nothing: %+v (%v)", report, err)
	}
}

func TestReconcilePhotoReplayNeverDuplicates(t *testing.T) {
	env := newTestEnv(t)
	s := startSession(t, env)
	photo := domain.Photo{ID: "photo-1", URL: "file:///site/1.jpg", TakenAt: "2024-01-01T08:00:00Z"}
	queueMutation(t, env, domain.OfflineMutation{
		ID: "mut-1", SessionID: s.ID, Seq: 1,
		Payload: domain.MutationPayload{Photos: []domain.Photo{photo}},
	})
	queueMutation(t, env, domain.OfflineMutation{
		ID: "mut-2", SessionID: s.ID, Seq: 2,
		Payload: domain.MutationPayload{Photos: []domain.Photo{photo, {ID: "photo-2", URL: "file:///site/2.jpg", TakenAt: "2024-01-01T08:05:00Z"}}},
	})

	if _, err := env.Engine.Reconcile(env.Ctx, s.ID, "alice"); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	got, _ := env.Engine.Repo.GetSession(env.Ctx, s.ID)
	if len(got.Photos) != 2 {
		t.Fatalf("expected 2 photos, got %d", len(got.Photos))
	}
}

func TestReconcileChecksMergeByID(t *testing.T) {
	env := newTestEnv(t)
	s := startSession(t, env)
	queueMutation(t, env, domain.OfflineMutation{
		ID: "mut-1", SessionID: s.ID, Seq: 1,
		Payload: domain.MutationPayload{EnvironmentChecks: []domain.Check{
			{ID: "env.weather", Required: true, Passed: false},
		}},
	})
	queueMutation(t, env, domain.OfflineMutation{
		ID: "mut-2", SessionID: s.ID, Seq: 2,
		Payload: domain.MutationPayload{EnvironmentChecks: []domain.Check{
			{ID: "env.weather", Required: true, Passed: true},
			{ID: "env.lighting", Required: true, Passed: true},
		}},
	})

	if _, err := env.Engine.Reconcile(env.Ctx, s.ID, "alice"); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	got, _ := env.Engine.Repo.GetSession(env.Ctx, s.ID)
	if len(got.EnvironmentChecks) != 2 {
		t.Fatalf("expected merged checks, got %v", got.EnvironmentChecks)
	}
	if !got.EnvironmentChecks[0].Passed {
		t.Fatalf("later sequence must replace the earlier check state")
	}
}

func TestStopWorkViaSyncNotifiesOnce(t *testing.T) {
	env := newTestEnv(t)
	s := startSession(t, env)
	queueMutation(t, env, domain.OfflineMutation{
		ID: "mut-1", SessionID: s.ID, Seq: 1,
		Payload: domain.MutationPayload{
			OverallAssessment: strPtr("stop_work"),
			StopWorkReason:    strPtr("crane outriggers sinking into soft ground"),
			StopWorkAt:        strPtr("2024-01-01T10:00:00Z"),
		},
	})
	report, err := env.Engine.Reconcile(env.Ctx, s.ID, "alice")
	if err != nil || report.Applied != 1 {
		t.Fatalf("reconcile: %+v (%v)", report, err)
	}
	got, _ := env.Engine.Repo.GetSession(env.Ctx, s.ID)
	if got.Stage != "completed" || got.StopWorkAt == nil {
		t.Fatalf("expected completed stop-work session: %+v", got)
	}
	count, err := env.Engine.Repo.StopWorkNotificationCount(env.Ctx, s.ID)
	if err != nil || count != 1 {
		t.Fatalf("expected 1 notification, got %d (%v)", count, err)
	}

	// a later mutation touching the same stopped session adds no notification
	queueMutation(t, env, domain.OfflineMutation{
		ID: "mut-2", SessionID: s.ID, Seq: 2,
		Payload: domain.MutationPayload{Documentation: strPtr("incident writeup")},
	})
	if _, err := env.Engine.Reconcile(env.Ctx, s.ID, "alice"); err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	count, _ = env.Engine.Repo.StopWorkNotificationCount(env.Ctx, s.ID)
	if count != 1 {
		t.Fatalf("expected notification count to stay at 1, got %d", count)
	}
}

func TestStopWorkReasonRequiredViaSync(t *testing.T) {
	env := newTestEnv(t)
	s := startSession(t, env)
	queueMutation(t, env, domain.OfflineMutation{
		ID: "mut-1", SessionID: s.ID, Seq: 1,
		Payload: domain.MutationPayload{OverallAssessment: strPtr("stop_work"), StopWorkReason: strPtr("short")},
	})
	report, err := env.Engine.Reconcile(env.Ctx, s.ID, "alice")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if report.Applied != 0 || len(report.Conflicts) != 1 {
		t.Fatalf("expected conflict, got %+v", report)
	}
}

func TestRetroactiveStopWorkConflicts(t *testing.T) {
	env := newTestEnv(t)
	s := toDecision(t, env)
	s, err := env.Engine.CompleteDecisionStage(env.Ctx, engine.DecisionStageOptions{
		SessionID: s.ID, ExpectedVersion: s.Version, Assessment: "safe_to_proceed", ActorID: "alice",
	})
	if err != nil {
		t.Fatalf("decision: %v", err)
	}
	s, err = env.Engine.CompleteDocumentationStage(env.Ctx, s.ID, s.Version, "all clear", nil, "alice")
	if err != nil {
		t.Fatalf("documentation: %v", err)
	}
	s, err = env.Engine.CompleteSignatureStage(env.Ctx, s.ID, s.Version, []domain.Signature{
		{ActorID: "alice", SignedAt: "2024-01-01T09:00:00Z"},
		{ActorID: "bob", SignedAt: "2024-01-01T09:00:00Z"},
	}, "alice")
	if err != nil {
		t.Fatalf("signatures: %v", err)
	}

	queueMutation(t, env, domain.OfflineMutation{
		ID: "mut-1", SessionID: s.ID, Seq: 1,
		Payload: domain.MutationPayload{
			OverallAssessment: strPtr("stop_work"),
			StopWorkReason:    strPtr("trying to stop after clean completion"),
		},
	})
	report, err := env.Engine.Reconcile(env.Ctx, s.ID, "alice")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if report.Applied != 0 || len(report.Conflicts) != 1 {
		t.Fatalf("expected a single conflict, got %+v", report)
	}
	if count, _ := env.Engine.Repo.StopWorkNotificationCount(env.Ctx, s.ID); count != 0 {
		t.Fatalf("retroactive stop-work must not notify, got %d", count)
	}

	// conflicted mutations are settled, never retried
	report, err = env.Engine.Reconcile(env.Ctx, s.ID, "alice")
	if err != nil || report.Applied != 0 || len(report.Conflicts) != 0 {
		t.Fatalf("conflict must not be retried: %+v (%v)", report, err)
	}
}

func TestDocumentationOnCompletedSessionConflicts(t *testing.T) {
	env := newTestEnv(t)
	s := toDecision(t, env)
	s, err := env.Engine.CompleteDecisionStage(env.Ctx, engine.DecisionStageOptions{
		SessionID: s.ID, ExpectedVersion: s.Version, Assessment: "safe_to_proceed", ActorID: "alice",
	})
	if err != nil {
		t.Fatalf("decision: %v", err)
	}
	s, _ = env.Engine.CompleteDocumentationStage(env.Ctx, s.ID, s.Version, "all clear", nil, "alice")
	s, err = env.Engine.CompleteSignatureStage(env.Ctx, s.ID, s.Version, []domain.Signature{
		{ActorID: "alice", SignedAt: "2024-01-01T09:00:00Z"},
		{ActorID: "bob", SignedAt: "2024-01-01T09:00:00Z"},
	}, "alice")
	if err != nil {
		t.Fatalf("signatures: %v", err)
	}

	queueMutation(t, env, domain.OfflineMutation{
		ID: "mut-1", SessionID: s.ID, Seq: 1,
		Payload: domain.MutationPayload{Documentation: strPtr("late edit")},
	})
	report, err := env.Engine.Reconcile(env.Ctx, s.ID, "alice")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if report.Applied != 0 || len(report.Conflicts) != 1 {
		t.Fatalf("expected conflict, got %+v", report)
	}
}
