package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"riskline/internal/config"
	"riskline/internal/db"
	"riskline/internal/domain"
	"riskline/internal/engine"
	"riskline/internal/migrate"
	"riskline/internal/repo"
	"riskline/internal/validate"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("org-1")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return &testEnv{Engine: eng, Ctx: context.Background()}
}

func validSteps() []domain.TaskStep {
	return []domain.TaskStep{
		{
			StepNumber:  1,
			Description: "Isolate the circuit",
			Hazards: []domain.Hazard{
				{
					ID:          "haz-1",
					Category:    "electrical",
					Description: "Exposed live conductors near the work area",
					Effect:      15,
					Exposure:    3,
					Probability: 1,
					Controls: []domain.ControlMeasure{
						{Type: "engineering", Description: "Lock out and tag out the circuit", Status: "planned"},
					},
				},
			},
		},
	}
}

func createDraft(t *testing.T, env *testEnv) domain.TRA {
	t.Helper()
	tra, err := env.Engine.CreateTRA(env.Ctx, engine.TRACreateOptions{
		OrgID:     "org-1",
		Title:     "Replace breaker panel",
		Framework: "vca",
		TaskSteps: validSteps(),
		ActorID:   "author",
	})
	if err != nil {
		t.Fatalf("create tra: %v", err)
	}
	return tra
}

// activate walks a draft through submission and the two-step vca chain.
func activate(t *testing.T, env *testEnv, tra domain.TRA) domain.TRA {
	t.Helper()
	tra, _, _, err := env.Engine.Submit(env.Ctx, tra.ID, tra.Version, "author")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	tra, _, err = env.Engine.RecordApprovalDecision(env.Ctx, engine.DecisionOptions{
		TRAID: tra.ID, ExpectedVersion: tra.Version, StepNumber: 0,
		Decision: "approve", ActorID: "safety-officer-1", ActorRole: "safety_officer",
	})
	if err != nil {
		t.Fatalf("step 0: %v", err)
	}
	tra, _, err = env.Engine.RecordApprovalDecision(env.Ctx, engine.DecisionOptions{
		TRAID: tra.ID, ExpectedVersion: tra.Version, StepNumber: 1,
		Decision: "approve", ActorID: "ops-manager-1", ActorRole: "operations_manager",
	})
	if err != nil {
		t.Fatalf("step 1: %v", err)
	}
	if tra.Status != "active" {
		t.Fatalf("expected active, got %s", tra.Status)
	}
	return tra
}

func TestCreateTRAScoresHazards(t *testing.T) {
	env := newTestEnv(t)
	tra := createDraft(t, env)
	if tra.Status != "draft" || tra.Version != 1 {
		t.Fatalf("unexpected draft state: %s v%d", tra.Status, tra.Version)
	}
	h := tra.TaskSteps[0].Hazards[0]
	if h.RiskScore != 45 {
		t.Fatalf("expected score 45, got %g", h.RiskScore)
	}
	if h.RiskLevel != "acceptable" {
		t.Fatalf("expected level acceptable, got %s", h.RiskLevel)
	}
}

func TestCreateTRARejectsOffScaleFactor(t *testing.T) {
	env := newTestEnv(t)
	steps := validSteps()
	steps[0].Hazards[0].Effect = 2
	_, err := env.Engine.CreateTRA(env.Ctx, engine.TRACreateOptions{
		OrgID: "org-1", Title: "Replace breaker panel", Framework: "vca", TaskSteps: steps, ActorID: "author",
	})
	if err == nil {
		t.Fatalf("expected factor validation error")
	}
}

func TestCreateTRARejectsUnknownFramework(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateTRA(env.Ctx, engine.TRACreateOptions{
		OrgID: "org-1", Title: "Replace breaker panel", Framework: "osha", TaskSteps: validSteps(), ActorID: "author",
	})
	if err == nil {
		t.Fatalf("expected unknown framework error")
	}
}

func TestSubmitRequiresHazardsOnEveryStep(t *testing.T) {
	env := newTestEnv(t)
	steps := append(validSteps(), domain.TaskStep{StepNumber: 2, Description: "Close up"})
	tra, err := env.Engine.CreateTRA(env.Ctx, engine.TRACreateOptions{
		OrgID: "org-1", Title: "Replace breaker panel", Framework: "vca", TaskSteps: steps, ActorID: "author",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	_, _, _, err = env.Engine.Submit(env.Ctx, tra.ID, tra.Version, "author")
	var verr *validate.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	got, err := env.Engine.Repo.GetTRA(env.Ctx, tra.ID)
	if err != nil || got.Status != "draft" {
		t.Fatalf("expected draft after failed submit, got %s (%v)", got.Status, err)
	}
}

func TestSubmitCreatesWorkflowAndEntersReview(t *testing.T) {
	env := newTestEnv(t)
	tra := createDraft(t, env)
	tra, wf, warnings, err := env.Engine.Submit(env.Ctx, tra.ID, tra.Version, "author")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if tra.Status != "in_review" {
		t.Fatalf("expected in_review, got %s", tra.Status)
	}
	if len(wf.Steps) != 2 || wf.CurrentStep != 0 || wf.Status != "pending" {
		t.Fatalf("unexpected workflow: %+v", wf)
	}
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", warnings)
	}
}

func TestSubmitReportsHierarchyWarnings(t *testing.T) {
	env := newTestEnv(t)
	steps := validSteps()
	steps[0].Hazards[0].Controls = []domain.ControlMeasure{
		{Type: "ppe", Description: "Insulated gloves", Status: "planned"},
		{Type: "elimination", Description: "De-energize upstream", Status: "planned"},
	}
	tra, err := env.Engine.CreateTRA(env.Ctx, engine.TRACreateOptions{
		OrgID: "org-1", Title: "Replace breaker panel", Framework: "vca", TaskSteps: steps, ActorID: "author",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	tra, _, warnings, err := env.Engine.Submit(env.Ctx, tra.ID, tra.Version, "author")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if tra.Status != "in_review" {
		t.Fatalf("warnings must not block submission, got %s", tra.Status)
	}
	codes := map[string]bool{}
	for _, w := range warnings {
		codes[w.Code] = true
	}
	if !codes["ppe_top_priority"] || !codes["hierarchy_order"] {
		t.Fatalf("expected both hierarchy warnings, got %v", warnings)
	}
}

func TestFullApprovalActivatesWithValidityWindow(t *testing.T) {
	env := newTestEnv(t)
	tra := activate(t, env, createDraft(t, env))
	if tra.ValidFrom == nil || tra.ValidUntil == nil {
		t.Fatalf("expected validity window")
	}
	from, _ := time.Parse(time.RFC3339, *tra.ValidFrom)
	until, _ := time.Parse(time.RFC3339, *tra.ValidUntil)
	if !until.Equal(from.AddDate(0, 12, 0)) {
		t.Fatalf("expected 12 month window, got %s -> %s", *tra.ValidFrom, *tra.ValidUntil)
	}
}

func TestRejectionSettlesAndReopens(t *testing.T) {
	env := newTestEnv(t)
	tra := createDraft(t, env)
	tra, _, _, err := env.Engine.Submit(env.Ctx, tra.ID, tra.Version, "author")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	tra, wf, err := env.Engine.RecordApprovalDecision(env.Ctx, engine.DecisionOptions{
		TRAID: tra.ID, ExpectedVersion: tra.Version, StepNumber: 0,
		Decision: "reject", ActorID: "safety-officer-1", ActorRole: "safety_officer", Comments: "missing isolation step",
	})
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if tra.Status != "rejected" || wf.Status != "rejected" {
		t.Fatalf("expected rejected, got tra=%s wf=%s", tra.Status, wf.Status)
	}
	if wf.Steps[1].Status != "pending" {
		t.Fatalf("later steps must stay pending, got %s", wf.Steps[1].Status)
	}
	tra, err = env.Engine.ReopenRejected(env.Ctx, tra.ID, tra.Version, "author")
	if err != nil || tra.Status != "draft" {
		t.Fatalf("reopen: %v status=%s", err, tra.Status)
	}
	if tra.ValidFrom != nil || tra.ValidUntil != nil {
		t.Fatalf("reopen must clear the validity window")
	}
}

func TestUnauthorizedApproverRejected(t *testing.T) {
	env := newTestEnv(t)
	tra := createDraft(t, env)
	tra, _, _, err := env.Engine.Submit(env.Ctx, tra.ID, tra.Version, "author")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	_, _, err = env.Engine.RecordApprovalDecision(env.Ctx, engine.DecisionOptions{
		TRAID: tra.ID, ExpectedVersion: tra.Version, StepNumber: 0,
		Decision: "approve", ActorID: "mallory", ActorRole: "safety_officer",
	})
	if err == nil {
		t.Fatalf("expected unauthorized error")
	}
}

func TestStaleVersionConflicts(t *testing.T) {
	env := newTestEnv(t)
	tra := createDraft(t, env)
	title := "Replace breaker panel rev 2"
	_, err := env.Engine.UpdateTRA(env.Ctx, engine.TRAUpdateOptions{
		ID: tra.ID, ExpectedVersion: tra.Version + 5, Title: &title, ActorID: "author",
	})
	if !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestUpdateBlockedOutsideDraft(t *testing.T) {
	env := newTestEnv(t)
	tra := createDraft(t, env)
	tra, _, _, err := env.Engine.Submit(env.Ctx, tra.ID, tra.Version, "author")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	title := "Too late"
	_, err = env.Engine.UpdateTRA(env.Ctx, engine.TRAUpdateOptions{
		ID: tra.ID, ExpectedVersion: tra.Version, Title: &title, ActorID: "author",
	})
	var ste engine.StateTransitionError
	if !errors.As(err, &ste) {
		t.Fatalf("expected StateTransitionError, got %v", err)
	}
}

func TestExpireSweepIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	tra := activate(t, env, createDraft(t, env))

	env.Engine.Now = func() time.Time { return time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC) }
	n, err := env.Engine.ExpireSweep(env.Ctx, "scheduler")
	if err != nil || n != 1 {
		t.Fatalf("first sweep: n=%d err=%v", n, err)
	}
	n, err = env.Engine.ExpireSweep(env.Ctx, "scheduler")
	if err != nil || n != 0 {
		t.Fatalf("second sweep must be a no-op: n=%d err=%v", n, err)
	}
	got, err := env.Engine.Repo.GetTRA(env.Ctx, tra.ID)
	if err != nil || got.Status != "expired" {
		t.Fatalf("expected expired, got %s (%v)", got.Status, err)
	}
	// direct re-check on an expired document is a no-op too
	got, err = env.Engine.CheckExpiry(env.Ctx, tra.ID, env.Engine.Now(), "scheduler")
	if err != nil || got.Status != "expired" {
		t.Fatalf("re-check: %s (%v)", got.Status, err)
	}
}

func TestExpiryLeavesUnexpiredAlone(t *testing.T) {
	env := newTestEnv(t)
	tra := activate(t, env, createDraft(t, env))
	got, err := env.Engine.CheckExpiry(env.Ctx, tra.ID, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), "scheduler")
	if err != nil || got.Status != "active" {
		t.Fatalf("expected still active, got %s (%v)", got.Status, err)
	}
}

func TestArchiveFromAnyStatus(t *testing.T) {
	env := newTestEnv(t)
	tra := activate(t, env, createDraft(t, env))
	tra, err := env.Engine.Archive(env.Ctx, tra.ID, tra.Version, "author")
	if err != nil || tra.Status != "archived" || tra.ArchivedAt == nil {
		t.Fatalf("archive active: %s (%v)", tra.Status, err)
	}
	// archiving again is a no-op
	again, err := env.Engine.Archive(env.Ctx, tra.ID, tra.Version, "author")
	if err != nil || again.Version != tra.Version {
		t.Fatalf("re-archive: v%d (%v)", again.Version, err)
	}

	draft := createDraft(t, env)
	draft, err = env.Engine.Archive(env.Ctx, draft.ID, draft.Version, "author")
	if err != nil || draft.Status != "archived" {
		t.Fatalf("archive draft: %s (%v)", draft.Status, err)
	}
}

func TestDecisionBumpsVersionEvenMidChain(t *testing.T) {
	env := newTestEnv(t)
	tra := createDraft(t, env)
	tra, _, _, err := env.Engine.Submit(env.Ctx, tra.ID, tra.Version, "author")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	before := tra.Version
	tra, _, err = env.Engine.RecordApprovalDecision(env.Ctx, engine.DecisionOptions{
		TRAID: tra.ID, ExpectedVersion: tra.Version, StepNumber: 0,
		Decision: "approve", ActorID: "safety-officer-1", ActorRole: "safety_officer",
	})
	if err != nil {
		t.Fatalf("decision: %v", err)
	}
	if tra.Version != before+1 {
		t.Fatalf("expected version bump %d -> %d", before, tra.Version)
	}
	// a second approver replaying the pre-decision version conflicts
	_, _, err = env.Engine.RecordApprovalDecision(env.Ctx, engine.DecisionOptions{
		TRAID: tra.ID, ExpectedVersion: before, StepNumber: 1,
		Decision: "approve", ActorID: "ops-manager-1", ActorRole: "operations_manager",
	})
	if !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}
