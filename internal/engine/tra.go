package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"riskline/internal/approval"
	"riskline/internal/domain"
	"riskline/internal/events"
	"riskline/internal/repo"
	"riskline/internal/validate"
)

// TRACreateOptions are parameters for authoring a new TRA.
type TRACreateOptions struct {
	ID          string
	OrgID       string
	Title       string
	Description string
	Framework   string
	TaskSteps   []domain.TaskStep
	ActorID     string
}

func (e Engine) CreateTRA(ctx context.Context, opts TRACreateOptions) (domain.TRA, error) {
	if e.Config == nil {
		return domain.TRA{}, errors.New("config not loaded")
	}
	if len(opts.Title) < 5 {
		return domain.TRA{}, errors.New("title must be at least 5 characters")
	}
	if opts.OrgID == "" {
		return domain.TRA{}, errors.New("org is required")
	}
	if _, err := e.Config.WindowMonths(opts.Framework); err != nil {
		return domain.TRA{}, err
	}
	if len(opts.TaskSteps) == 0 {
		return domain.TRA{}, errors.New("at least one task step required")
	}
	if err := e.scoreHazards(opts.TaskSteps); err != nil {
		return domain.TRA{}, err
	}
	now := e.nowStr()
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	t := domain.TRA{
		ID:          id,
		OrgID:       opts.OrgID,
		Title:       opts.Title,
		Description: opts.Description,
		Framework:   opts.Framework,
		Status:      "draft",
		TaskSteps:   opts.TaskSteps,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TRA{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.EnsureOrg(ctx, tx, t.OrgID, t.OrgID, now); err != nil {
		return domain.TRA{}, err
	}
	if err := e.Repo.InsertTRATx(ctx, tx, t); err != nil {
		return domain.TRA{}, fmt.Errorf("insert tra: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.Entry{
		Type: "tra.created", OrgID: t.OrgID, EntityKind: "tra", EntityID: t.ID, ActorID: opts.ActorID,
		ComplianceRelevant: true,
		Payload:            events.EventPayload{"title": t.Title, "framework": t.Framework},
	}); err != nil {
		return domain.TRA{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TRA{}, err
	}
	return t, nil
}

// TRAUpdateOptions carries a partial edit of a draft TRA. ExpectedVersion is
// the optimistic-concurrency token read alongside the entity.
type TRAUpdateOptions struct {
	ID              string
	ExpectedVersion int64
	Title           *string
	Description     *string
	TaskSteps       []domain.TaskStep
	ActorID         string
}

func (e Engine) UpdateTRA(ctx context.Context, opts TRAUpdateOptions) (domain.TRA, error) {
	t, err := e.Repo.GetTRA(ctx, opts.ID)
	if err != nil {
		return t, err
	}
	if t.Status != "draft" {
		return t, StateTransitionError{Entity: "tra", From: t.Status, To: "draft-edit"}
	}
	if opts.Title != nil {
		if len(*opts.Title) < 5 {
			return t, errors.New("title must be at least 5 characters")
		}
		t.Title = *opts.Title
	}
	if opts.Description != nil {
		t.Description = *opts.Description
	}
	if opts.TaskSteps != nil {
		if err := e.scoreHazards(opts.TaskSteps); err != nil {
			return t, err
		}
		t.TaskSteps = opts.TaskSteps
	}
	t.UpdatedAt = e.nowStr()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	t, err = e.Repo.UpdateTRATx(ctx, tx, t, opts.ExpectedVersion)
	if err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, events.Entry{
		Type: "tra.updated", OrgID: t.OrgID, EntityKind: "tra", EntityID: t.ID, ActorID: opts.ActorID,
		Payload: events.EventPayload{"version": t.Version},
	}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

// Submit validates the document, creates the approval workflow from the
// framework chain and moves the TRA into review. Hierarchy-of-controls
// findings are returned as warnings, not errors.
func (e Engine) Submit(ctx context.Context, traID string, expectedVersion int64, actorID string) (domain.TRA, domain.ApprovalWorkflow, []validate.Warning, error) {
	var wf domain.ApprovalWorkflow
	t, err := e.Repo.GetTRA(ctx, traID)
	if err != nil {
		return t, wf, nil, err
	}
	if err := traTransition(t.Status, "submitted"); err != nil {
		return t, wf, nil, err
	}
	if err := validate.TRA(t, e.categories()); err != nil {
		return t, wf, nil, err
	}
	var warnings []validate.Warning
	for _, step := range t.TaskSteps {
		for _, h := range step.Hazards {
			warnings = append(warnings, validate.ControlHierarchy(h.Controls)...)
		}
	}
	chain, err := e.Config.Chain(t.Framework)
	if err != nil {
		return t, wf, warnings, err
	}
	defs := make([]approval.StepDef, len(chain))
	for i, s := range chain {
		defs[i] = approval.StepDef{RequiredRole: s.Role, ApproverIDs: s.Approvers}
	}
	now := e.nowStr()
	wf, err = approval.NewWorkflow(uuid.New().String(), t.ID, defs, now)
	if err != nil {
		return t, wf, warnings, err
	}

	// submitted is transient: workflow creation moves the document straight
	// into review within the same commit.
	t.Status = "in_review"
	t.UpdatedAt = now

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, wf, warnings, err
	}
	defer tx.Rollback()
	t, err = e.Repo.UpdateTRATx(ctx, tx, t, expectedVersion)
	if err != nil {
		return t, wf, warnings, err
	}
	if err := e.Repo.InsertWorkflowTx(ctx, tx, wf); err != nil {
		return t, wf, warnings, fmt.Errorf("insert workflow: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.Entry{
		Type: "tra.submitted", OrgID: t.OrgID, EntityKind: "tra", EntityID: t.ID, ActorID: actorID,
		ComplianceRelevant: true,
		Payload:            events.EventPayload{"workflow_id": wf.ID, "steps": len(wf.Steps)},
	}); err != nil {
		return t, wf, warnings, err
	}
	for _, w := range warnings {
		if err := e.Events.Append(ctx, tx, events.Entry{
			Type: "tra.hierarchy_warning", Severity: events.SeverityWarning,
			OrgID: t.OrgID, EntityKind: "tra", EntityID: t.ID, ActorID: actorID,
			Payload: events.EventPayload{"code": w.Code, "message": w.Message},
		}); err != nil {
			return t, wf, warnings, err
		}
	}
	if err := tx.Commit(); err != nil {
		return t, wf, warnings, err
	}
	return t, wf, warnings, nil
}

// DecisionOptions records one approver decision on the TRA under review.
type DecisionOptions struct {
	TRAID           string
	ExpectedVersion int64
	StepNumber      int
	Decision        string
	ActorID         string
	ActorRole       string
	Comments        string
}

// RecordApprovalDecision applies a decision and, when the chain resolves,
// finalizes the TRA: completed chains stamp the validity window and activate
// the document; a rejection settles it as rejected.
func (e Engine) RecordApprovalDecision(ctx context.Context, opts DecisionOptions) (domain.TRA, domain.ApprovalWorkflow, error) {
	t, err := e.Repo.GetTRA(ctx, opts.TRAID)
	if err != nil {
		return t, domain.ApprovalWorkflow{}, err
	}
	if t.Status != "in_review" {
		return t, domain.ApprovalWorkflow{}, StateTransitionError{Entity: "tra", From: t.Status, To: "approval-decision"}
	}
	wf, err := e.Repo.GetWorkflowByTRA(ctx, t.ID)
	if err != nil {
		return t, wf, err
	}
	now := e.nowStr()
	if err := approval.RecordDecision(&wf, opts.StepNumber, opts.Decision, opts.ActorID, opts.ActorRole, opts.Comments, now); err != nil {
		return t, wf, err
	}

	t.UpdatedAt = now
	switch wf.Status {
	case "completed":
		if err := e.finalizeApproval(&t, now); err != nil {
			return t, wf, err
		}
	case "rejected":
		t.Status = "rejected"
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, wf, err
	}
	defer tx.Rollback()
	// Every decision bumps the TRA version so concurrent approvers serialize
	// on the same optimistic token even when the status is unchanged.
	t, err = e.Repo.UpdateTRATx(ctx, tx, t, opts.ExpectedVersion)
	if err != nil {
		return t, wf, err
	}
	if err := e.Repo.UpdateWorkflowTx(ctx, tx, wf); err != nil {
		return t, wf, err
	}
	if err := e.Events.Append(ctx, tx, events.Entry{
		Type: "approval.decision", OrgID: t.OrgID, EntityKind: "approval_workflow", EntityID: wf.ID, ActorID: opts.ActorID,
		ComplianceRelevant: true,
		Payload: events.EventPayload{
			"tra_id": t.ID, "step": opts.StepNumber, "decision": opts.Decision, "role": opts.ActorRole,
		},
	}); err != nil {
		return t, wf, err
	}
	switch t.Status {
	case "active":
		if err := e.Events.Append(ctx, tx, events.Entry{
			Type: "tra.activated", OrgID: t.OrgID, EntityKind: "tra", EntityID: t.ID, ActorID: opts.ActorID,
			ComplianceRelevant: true,
			Payload:            events.EventPayload{"valid_from": *t.ValidFrom, "valid_until": *t.ValidUntil},
		}); err != nil {
			return t, wf, err
		}
	case "rejected":
		if err := e.Events.Append(ctx, tx, events.Entry{
			Type: "tra.rejected", OrgID: t.OrgID, EntityKind: "tra", EntityID: t.ID, ActorID: opts.ActorID,
			ComplianceRelevant: true,
			Payload:            events.EventPayload{"step": opts.StepNumber},
		}); err != nil {
			return t, wf, err
		}
	}
	if err := tx.Commit(); err != nil {
		return t, wf, err
	}
	return t, wf, nil
}

// finalizeApproval stamps the validity window and activates the document.
// The window comes from the compliance framework, never above 12 months.
func (e Engine) finalizeApproval(t *domain.TRA, now string) error {
	if err := traTransition(t.Status, "approved"); err != nil {
		return err
	}
	months, err := e.Config.WindowMonths(t.Framework)
	if err != nil {
		return err
	}
	from, err := time.Parse(time.RFC3339, now)
	if err != nil {
		return err
	}
	until := from.AddDate(0, months, 0).Format(time.RFC3339)
	t.Status = "active"
	t.ValidFrom = &now
	t.ValidUntil = &until
	return nil
}

// ReopenRejected moves a rejected TRA back to draft for re-editing.
func (e Engine) ReopenRejected(ctx context.Context, traID string, expectedVersion int64, actorID string) (domain.TRA, error) {
	t, err := e.Repo.GetTRA(ctx, traID)
	if err != nil {
		return t, err
	}
	if err := traTransition(t.Status, "draft"); err != nil {
		return t, err
	}
	t.Status = "draft"
	t.ValidFrom = nil
	t.ValidUntil = nil
	t.UpdatedAt = e.nowStr()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	t, err = e.Repo.UpdateTRATx(ctx, tx, t, expectedVersion)
	if err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, events.Entry{
		Type: "tra.reopened", OrgID: t.OrgID, EntityKind: "tra", EntityID: t.ID, ActorID: actorID,
	}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

// CheckExpiry transitions an active TRA past its validity window to expired.
// Calling it on an already-expired TRA is a no-op, so a sweep may re-run
// safely.
func (e Engine) CheckExpiry(ctx context.Context, traID string, now time.Time, actorID string) (domain.TRA, error) {
	t, err := e.Repo.GetTRA(ctx, traID)
	if err != nil {
		return t, err
	}
	if t.Status == "expired" {
		return t, nil
	}
	if t.Status != "active" || t.ValidUntil == nil {
		return t, nil
	}
	until, err := time.Parse(time.RFC3339, *t.ValidUntil)
	if err != nil {
		return t, fmt.Errorf("parse valid_until for %s: %w", t.ID, err)
	}
	if !now.After(until) {
		return t, nil
	}
	t.Status = "expired"
	t.UpdatedAt = now.UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	t, err = e.Repo.UpdateTRATx(ctx, tx, t, t.Version)
	if err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, events.Entry{
		Type: "tra.expired", OrgID: t.OrgID, EntityKind: "tra", EntityID: t.ID, ActorID: actorID,
		ComplianceRelevant: true,
		Payload:            events.EventPayload{"valid_until": *t.ValidUntil},
	}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

// ExpireSweep runs CheckExpiry across every active TRA past its window.
func (e Engine) ExpireSweep(ctx context.Context, actorID string) (int, error) {
	now := e.now()
	ids, err := e.Repo.ActiveTRAsPastValidity(ctx, now.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, id := range ids {
		t, err := e.CheckExpiry(ctx, id, now, actorID)
		if err != nil {
			if errors.Is(err, repo.ErrConflict) {
				continue // racing writer already moved it; the next sweep settles it
			}
			return expired, err
		}
		if t.Status == "expired" {
			expired++
		}
	}
	return expired, nil
}

// Archive is the terminal manual transition, allowed from any status.
// Archiving an archived TRA is a no-op.
func (e Engine) Archive(ctx context.Context, traID string, expectedVersion int64, actorID string) (domain.TRA, error) {
	t, err := e.Repo.GetTRA(ctx, traID)
	if err != nil {
		return t, err
	}
	if t.Status == "archived" {
		return t, nil
	}
	now := e.nowStr()
	t.Status = "archived"
	t.ArchivedAt = &now
	t.UpdatedAt = now

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	t, err = e.Repo.UpdateTRATx(ctx, tx, t, expectedVersion)
	if err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, events.Entry{
		Type: "tra.archived", OrgID: t.OrgID, EntityKind: "tra", EntityID: t.ID, ActorID: actorID,
		ComplianceRelevant: true,
	}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}
