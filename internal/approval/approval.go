package approval

import (
	"fmt"

	"riskline/internal/domain"
)

// Decision verbs accepted by RecordDecision.
const (
	DecisionApprove = "approve"
	DecisionReject  = "reject"
	DecisionSkip    = "skip"
)

// StepDef describes one required approval in chain order.
type StepDef struct {
	RequiredRole string   `json:"required_role"`
	ApproverIDs  []string `json:"approver_ids"`
}

// UnauthorizedError indicates the actor may not decide the step.
type UnauthorizedError struct {
	ActorID      string
	ActorRole    string
	RequiredRole string
}

func (e UnauthorizedError) Error() string {
	return fmt.Sprintf("actor %s (role %s) not authorized for approval step requiring role %s", e.ActorID, e.ActorRole, e.RequiredRole)
}

// AlreadyDecidedError guards against duplicate decisions on a settled step.
type AlreadyDecidedError struct {
	StepNumber int
	Status     string
}

func (e AlreadyDecidedError) Error() string {
	return fmt.Sprintf("approval step %d already %s", e.StepNumber, e.Status)
}

// StateTransitionError indicates a decision attempted out of chain order or
// against a resolved workflow.
type StateTransitionError struct {
	Msg string
}

func (e StateTransitionError) Error() string { return e.Msg }

// NewWorkflow builds a pending workflow with currentStep 0 and every step
// pending. Step definitions must each name a role and at least one approver.
func NewWorkflow(id, traID string, defs []StepDef, now string) (domain.ApprovalWorkflow, error) {
	if len(defs) == 0 {
		return domain.ApprovalWorkflow{}, fmt.Errorf("approval workflow requires at least one step")
	}
	steps := make([]domain.ApprovalStep, len(defs))
	for i, d := range defs {
		if d.RequiredRole == "" {
			return domain.ApprovalWorkflow{}, fmt.Errorf("approval step %d: required role missing", i)
		}
		if len(d.ApproverIDs) == 0 {
			return domain.ApprovalWorkflow{}, fmt.Errorf("approval step %d: at least one eligible approver required", i)
		}
		steps[i] = domain.ApprovalStep{
			StepNumber:   i,
			RequiredRole: d.RequiredRole,
			ApproverIDs:  append([]string(nil), d.ApproverIDs...),
			Status:       "pending",
		}
	}
	return domain.ApprovalWorkflow{
		ID:          id,
		TRAID:       traID,
		CurrentStep: 0,
		Status:      "pending",
		Steps:       steps,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// RecordDecision applies one approver decision in place. Approve advances
// the chain; reject settles the workflow as rejected and leaves later steps
// pending so a stopped chain stays visibly incomplete. Skip advances without
// approving and is meant for steps made redundant by a policy change.
func RecordDecision(wf *domain.ApprovalWorkflow, stepNumber int, decision, actorID, actorRole, comments, now string) error {
	if wf.Status != "pending" {
		return StateTransitionError{Msg: fmt.Sprintf("workflow already %s", wf.Status)}
	}
	if stepNumber != wf.CurrentStep {
		return StateTransitionError{Msg: fmt.Sprintf("decision for step %d but current step is %d", stepNumber, wf.CurrentStep)}
	}
	if stepNumber < 0 || stepNumber >= len(wf.Steps) {
		return StateTransitionError{Msg: fmt.Sprintf("step %d out of range", stepNumber)}
	}
	step := &wf.Steps[stepNumber]
	if step.Status != "pending" {
		return AlreadyDecidedError{StepNumber: stepNumber, Status: step.Status}
	}
	if actorRole != step.RequiredRole || !eligible(step.ApproverIDs, actorID) {
		return UnauthorizedError{ActorID: actorID, ActorRole: actorRole, RequiredRole: step.RequiredRole}
	}

	step.DecidedBy = &actorID
	step.DecidedAt = &now
	step.Comments = comments
	wf.UpdatedAt = now

	switch decision {
	case DecisionApprove:
		step.Status = "approved"
		wf.CurrentStep++
	case DecisionSkip:
		step.Status = "skipped"
		wf.CurrentStep++
	case DecisionReject:
		step.Status = "rejected"
		wf.Status = "rejected"
		return nil
	default:
		step.DecidedBy = nil
		step.DecidedAt = nil
		step.Comments = ""
		return StateTransitionError{Msg: fmt.Sprintf("unknown decision %q", decision)}
	}

	if Completed(*wf) {
		wf.Status = "completed"
	}
	return nil
}

// Completed reports whether every step has been approved. Skipped steps do
// not block completion but at least one approval is required.
func Completed(wf domain.ApprovalWorkflow) bool {
	approved := 0
	for _, s := range wf.Steps {
		switch s.Status {
		case "approved":
			approved++
		case "skipped":
		default:
			return false
		}
	}
	return approved > 0
}

// Rejected reports whether any step was rejected.
func Rejected(wf domain.ApprovalWorkflow) bool {
	for _, s := range wf.Steps {
		if s.Status == "rejected" {
			return true
		}
	}
	return false
}

func eligible(ids []string, actorID string) bool {
	for _, id := range ids {
		if id == actorID {
			return true
		}
	}
	return false
}
