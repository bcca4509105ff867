package server

import (
	"riskline/internal/domain"
	"riskline/internal/validate"
)

// Request payloads

type CreateTRARequest struct {
	ID          *string           `json:"id,omitempty"`
	Title       string            `json:"title" minLength:"5"`
	Description *string           `json:"description,omitempty"`
	Framework   string            `json:"compliance_framework" enum:"vca,iso45001"`
	TaskSteps   []domain.TaskStep `json:"task_steps" minItems:"1"`
}

type UpdateTRARequest struct {
	Title       *string           `json:"title,omitempty" minLength:"5"`
	Description *string           `json:"description,omitempty"`
	TaskSteps   []domain.TaskStep `json:"task_steps,omitempty"`
	Version     int64             `json:"version"`
}

type SubmitTRARequest struct {
	Version int64 `json:"version"`
}

type ApprovalDecisionRequest struct {
	StepNumber int    `json:"step_number" minimum:"0"`
	Decision   string `json:"decision" enum:"approve,reject,skip"`
	Role       string `json:"role"`
	Comments   string `json:"comments,omitempty"`
	Version    int64  `json:"version"`
}

type StartLMRARequest struct {
	ID          *string                 `json:"id,omitempty"`
	TeamMembers []domain.TeamMember     `json:"team_members" minItems:"1"`
	Weather     *domain.WeatherSnapshot `json:"weather,omitempty"`
}

type LocationStageRequest struct {
	Latitude       float64 `json:"latitude"`
	Longitude      float64 `json:"longitude"`
	AccuracyMeters float64 `json:"accuracy_meters" minimum:"0"`
	OverrideReason string  `json:"override_reason,omitempty"`
	Version        int64   `json:"version"`
}

type EnvironmentStageRequest struct {
	Checks  []domain.Check          `json:"checks"`
	Weather *domain.WeatherSnapshot `json:"weather,omitempty"`
	Version int64                   `json:"version"`
}

type PersonnelStageRequest struct {
	TeamMembers []domain.TeamMember `json:"team_members,omitempty"`
	Version     int64               `json:"version"`
}

type EquipmentStageRequest struct {
	Equipment []domain.EquipmentItem `json:"equipment"`
	Version   int64                  `json:"version"`
}

type HazardReviewRequest struct {
	ReviewedHazardIDs []string `json:"reviewed_hazard_ids"`
	Version           int64    `json:"version"`
}

type DecisionStageRequest struct {
	Assessment     string `json:"overall_assessment" enum:"safe_to_proceed,proceed_with_caution,stop_work"`
	StopWorkReason string `json:"stop_work_reason,omitempty"`
	Version        int64  `json:"version"`
}

type DocumentationStageRequest struct {
	Documentation string         `json:"documentation" minLength:"1"`
	Photos        []domain.Photo `json:"photos,omitempty"`
	Version       int64          `json:"version"`
}

type SignatureStageRequest struct {
	Signatures []domain.Signature `json:"signatures" minItems:"1"`
	Version    int64              `json:"version"`
}

type AnnotateRequest struct {
	Text    string `json:"text" minLength:"1"`
	Version int64  `json:"version"`
}

type QueueMutationRequest struct {
	ID       string                 `json:"id"`
	Seq      int64                  `json:"seq" minimum:"1"`
	Payload  domain.MutationPayload `json:"payload"`
	QueuedAt *string                `json:"queued_at,omitempty" format:"date-time"`
}

type AssignRoleRequest struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role"`
}

// Response payloads

type TRAResponse struct {
	TRA      domain.TRA         `json:"tra"`
	Warnings []validate.Warning `json:"warnings,omitempty"`
}

type WorkflowResponse struct {
	Workflow domain.ApprovalWorkflow `json:"workflow"`
}

type SessionResponse struct {
	Session domain.LMRASession `json:"session"`
}

type QueueMutationResponse struct {
	Queued bool `json:"queued"`
}

type paginatedEvents struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}
