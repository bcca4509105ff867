package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"riskline/internal/approval"
	"riskline/internal/domain"
	"riskline/internal/engine"
	"riskline/internal/engine/auth"
	"riskline/internal/repo"
	"riskline/internal/validate"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"validation_failed"`
	Message string         `json:"message" example:"validation failed: description: must be at least 10 characters"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError is the error envelope every endpoint returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Riskline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Riskline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerTRAs(group, cfg.Engine)
	registerApprovals(group, cfg.Engine)
	registerSessions(group, cfg.Engine)
	registerSync(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerRoles(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// handleError maps domain errors onto the HTTP envelope.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ve *validate.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(),
			map[string]any{"violations": ve.Violations})
	}
	var ste engine.StateTransitionError
	if errors.As(err, &ste) {
		return newAPIError(http.StatusConflict, "invalid_state", err.Error(),
			map[string]any{"entity": ste.Entity, "from": ste.From})
	}
	var aste approval.StateTransitionError
	if errors.As(err, &aste) {
		return newAPIError(http.StatusConflict, "invalid_state", err.Error(), nil)
	}
	var ue approval.UnauthorizedError
	if errors.As(err, &ue) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), nil)
	}
	var ade approval.AlreadyDecidedError
	if errors.As(err, &ade) {
		return newAPIError(http.StatusConflict, "already_decided", err.Error(), nil)
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"role": fe.Role})
	}
	if errors.Is(err, repo.ErrConflict) {
		return newAPIError(http.StatusConflict, "conflict", "version conflict; refetch and retry", nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") || strings.Contains(lowered, "unknown") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// requireRole accepts a role from the JWT claims or the role table.
func requireRole(ctx context.Context, e engine.Engine, role string) error {
	principal, authErr := actorPrincipal(ctx)
	if authErr != nil {
		return authErr
	}
	for _, r := range principal.Roles {
		if r == role {
			return nil
		}
	}
	svc := auth.Service{DB: e.DB}
	return svc.RequireRole(ctx, e.Config.Org.ID, principal.ActorID, role)
}

func actorPrincipal(ctx context.Context) (Principal, huma.StatusError) {
	if p, ok := principalFromContext(ctx); ok && p.ActorID != "" {
		return p, nil
	}
	return Principal{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerTRAs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-tra",
		Method:        http.MethodPost,
		Path:          "/tras",
		Summary:       "Create TRA draft",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnprocessableEntity, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateTRARequest `json:"body"`
	}) (*struct {
		Body TRAResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.TRACreateOptions{
			OrgID:     e.Config.Org.ID,
			Title:     input.Body.Title,
			Framework: input.Body.Framework,
			TaskSteps: input.Body.TaskSteps,
			ActorID:   actorID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		if input.Body.Description != nil {
			opts.Description = *input.Body.Description
		}
		t, err := e.CreateTRA(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TRAResponse `json:"body"`
		}{Body: TRAResponse{TRA: t}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tras",
		Method:      http.MethodGet,
		Path:        "/tras",
		Summary:     "List TRAs",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:",draft,submitted,in_review,approved,rejected,active,expired,archived"`
	}) (*struct {
		Body []domain.TRA `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListTRAs(ctx, e.Config.Org.ID, input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.TRA `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-tra",
		Method:      http.MethodGet,
		Path:        "/tras/{id}",
		Summary:     "Get TRA",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body TRAResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		t, err := e.Repo.GetTRA(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TRAResponse `json:"body"`
		}{Body: TRAResponse{TRA: t}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-tra",
		Method:      http.MethodPatch,
		Path:        "/tras/{id}",
		Summary:     "Update TRA draft",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID   string           `path:"id"`
		Body UpdateTRARequest `json:"body"`
	}) (*struct {
		Body TRAResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.UpdateTRA(ctx, engine.TRAUpdateOptions{
			ID:              input.ID,
			ExpectedVersion: input.Body.Version,
			Title:           input.Body.Title,
			Description:     input.Body.Description,
			TaskSteps:       input.Body.TaskSteps,
			ActorID:         actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TRAResponse `json:"body"`
		}{Body: TRAResponse{TRA: t}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-tra",
		Method:      http.MethodPost,
		Path:        "/tras/{id}/submit",
		Summary:     "Submit TRA for approval",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID   string           `path:"id"`
		Body SubmitTRARequest `json:"body"`
	}) (*struct {
		Body TRAResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, _, warnings, err := e.Submit(ctx, input.ID, input.Body.Version, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TRAResponse `json:"body"`
		}{Body: TRAResponse{TRA: t, Warnings: warnings}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "archive-tra",
		Method:      http.MethodPost,
		Path:        "/tras/{id}/archive",
		Summary:     "Archive TRA",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string           `path:"id"`
		Body SubmitTRARequest `json:"body"`
	}) (*struct {
		Body TRAResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.Archive(ctx, input.ID, input.Body.Version, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TRAResponse `json:"body"`
		}{Body: TRAResponse{TRA: t}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reopen-tra",
		Method:      http.MethodPost,
		Path:        "/tras/{id}/reopen",
		Summary:     "Reopen rejected TRA",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string           `path:"id"`
		Body SubmitTRARequest `json:"body"`
	}) (*struct {
		Body TRAResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.ReopenRejected(ctx, input.ID, input.Body.Version, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TRAResponse `json:"body"`
		}{Body: TRAResponse{TRA: t}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "expire-sweep",
		Method:      http.MethodPost,
		Path:        "/tras/expire-sweep",
		Summary:     "Expire active TRAs past their validity window",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]int `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		n, err := e.ExpireSweep(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]int `json:"body"`
		}{Body: map[string]int{"expired": n}}, nil
	})
}

func registerApprovals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-tra-workflow",
		Method:      http.MethodGet,
		Path:        "/tras/{id}/workflow",
		Summary:     "Get approval workflow",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body WorkflowResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		wf, err := e.Repo.GetWorkflowByTRA(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkflowResponse `json:"body"`
		}{Body: WorkflowResponse{Workflow: wf}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-approval-decision",
		Method:      http.MethodPost,
		Path:        "/tras/{id}/decision",
		Summary:     "Record approval decision",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID   string                  `path:"id"`
		Body ApprovalDecisionRequest `json:"body"`
	}) (*struct {
		Body WorkflowResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := requireRole(ctx, e, input.Body.Role); err != nil {
			return nil, handleError(err)
		}
		_, wf, err := e.RecordApprovalDecision(ctx, engine.DecisionOptions{
			TRAID:           input.ID,
			ExpectedVersion: input.Body.Version,
			StepNumber:      input.Body.StepNumber,
			Decision:        input.Body.Decision,
			ActorID:         actorID,
			ActorRole:       input.Body.Role,
			Comments:        input.Body.Comments,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkflowResponse `json:"body"`
		}{Body: WorkflowResponse{Workflow: wf}}, nil
	})
}

func registerSessions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-lmra",
		Method:        http.MethodPost,
		Path:          "/tras/{id}/sessions",
		Summary:       "Start LMRA session",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID   string           `path:"id"`
		Body StartLMRARequest `json:"body"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.SessionStartOptions{
			TRAID:       input.ID,
			ActorID:     actorID,
			TeamMembers: input.Body.TeamMembers,
			Weather:     input.Body.Weather,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		s, err := e.StartSession(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: SessionResponse{Session: s}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tra-sessions",
		Method:      http.MethodGet,
		Path:        "/tras/{id}/sessions",
		Summary:     "List LMRA sessions for TRA",
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []domain.LMRASession `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListSessionsByTRA(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.LMRASession `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/sessions/{id}",
		Summary:     "Get LMRA session",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		s, err := e.Repo.GetSession(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: SessionResponse{Session: s}}, nil
	})

	registerStage(api, "location", func(ctx context.Context, id string, body LocationStageRequest, actorID string) (domain.LMRASession, error) {
		return e.CompleteLocationStage(ctx, id, body.Version, domain.LocationVerification{
			Latitude:       body.Latitude,
			Longitude:      body.Longitude,
			AccuracyMeters: body.AccuracyMeters,
			OverrideReason: body.OverrideReason,
		}, actorID)
	})
	registerStage(api, "environment", func(ctx context.Context, id string, body EnvironmentStageRequest, actorID string) (domain.LMRASession, error) {
		return e.CompleteEnvironmentStage(ctx, id, body.Version, body.Checks, body.Weather, actorID)
	})
	registerStage(api, "personnel", func(ctx context.Context, id string, body PersonnelStageRequest, actorID string) (domain.LMRASession, error) {
		return e.CompletePersonnelStage(ctx, id, body.Version, body.TeamMembers, actorID)
	})
	registerStage(api, "equipment", func(ctx context.Context, id string, body EquipmentStageRequest, actorID string) (domain.LMRASession, error) {
		return e.CompleteEquipmentStage(ctx, id, body.Version, body.Equipment, actorID)
	})
	registerStage(api, "hazard-review", func(ctx context.Context, id string, body HazardReviewRequest, actorID string) (domain.LMRASession, error) {
		return e.CompleteHazardReview(ctx, id, body.Version, body.ReviewedHazardIDs, actorID)
	})
	registerStage(api, "decision", func(ctx context.Context, id string, body DecisionStageRequest, actorID string) (domain.LMRASession, error) {
		return e.CompleteDecisionStage(ctx, engine.DecisionStageOptions{
			SessionID:       id,
			ExpectedVersion: body.Version,
			Assessment:      body.Assessment,
			StopWorkReason:  body.StopWorkReason,
			ActorID:         actorID,
		})
	})
	registerStage(api, "documentation", func(ctx context.Context, id string, body DocumentationStageRequest, actorID string) (domain.LMRASession, error) {
		return e.CompleteDocumentationStage(ctx, id, body.Version, body.Documentation, body.Photos, actorID)
	})
	registerStage(api, "signatures", func(ctx context.Context, id string, body SignatureStageRequest, actorID string) (domain.LMRASession, error) {
		return e.CompleteSignatureStage(ctx, id, body.Version, body.Signatures, actorID)
	})
	registerStage(api, "annotations", func(ctx context.Context, id string, body AnnotateRequest, actorID string) (domain.LMRASession, error) {
		return e.Annotate(ctx, id, body.Version, actorID, body.Text)
	})
}

// registerStage wires one POST /sessions/{id}/<name> stage endpoint. Every
// stage shares the same envelope and error surface.
func registerStage[B any](api huma.API, name string, fn func(ctx context.Context, id string, body B, actorID string) (domain.LMRASession, error)) {
	huma.Register(api, huma.Operation{
		OperationID: "session-" + name,
		Method:      http.MethodPost,
		Path:        "/sessions/{id}/" + name,
		Summary:     "Complete " + strings.ReplaceAll(name, "-", " ") + " stage",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body B      `json:"body"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := fn(ctx, input.ID, input.Body, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: SessionResponse{Session: s}}, nil
	})
}

func registerSync(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "queue-mutation",
		Method:        http.MethodPost,
		Path:          "/sessions/{id}/mutations",
		Summary:       "Queue offline mutation",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body QueueMutationRequest `json:"body"`
	}) (*struct {
		Body QueueMutationResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		m := domain.OfflineMutation{
			ID:        input.Body.ID,
			SessionID: input.ID,
			Seq:       input.Body.Seq,
			Payload:   input.Body.Payload,
		}
		if input.Body.QueuedAt != nil {
			m.QueuedAt = *input.Body.QueuedAt
		}
		queued, err := e.QueueMutation(ctx, m)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body QueueMutationResponse `json:"body"`
		}{Body: QueueMutationResponse{Queued: queued}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reconcile-session",
		Method:      http.MethodPost,
		Path:        "/sessions/{id}/sync",
		Summary:     "Reconcile queued mutations",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body engine.SyncReport `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		report, err := e.Reconcile(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.SyncReport `json:"body"`
		}{Body: report}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Audit event feed",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		After string `query:"after"`
		Limit int    `query:"limit" default:"50"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		limit := input.Limit
		if limit <= 0 || limit > 200 {
			limit = 50
		}
		var after int64
		if input.After != "" {
			v, err := strconv.ParseInt(input.After, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"after": input.After})
			}
			after = v
		}
		items, err := e.Repo.EventsAfter(ctx, limit+1, after, e.Config.Org.ID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []domain.Event{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		resp.Items = items
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "entity-events",
		Method:      http.MethodGet,
		Path:        "/events/{entity_kind}/{entity_id}",
		Summary:     "Audit trail for one entity",
	}, func(ctx context.Context, input *struct {
		EntityKind string `path:"entity_kind" enum:"tra,approval_workflow,lmra_session"`
		EntityID   string `path:"entity_id"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.EventsForEntity(ctx, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: items}, nil
	})
}

func registerRoles(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "assign-role",
		Method:        http.MethodPost,
		Path:          "/roles",
		Summary:       "Assign org role",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body AssignRoleRequest `json:"body"`
	}) (*struct{}, error) {
		if err := requireRole(ctx, e, "org_admin"); err != nil {
			return nil, handleError(err)
		}
		if input.Body.ActorID == "" || input.Body.Role == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id and role are required", nil)
		}
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return nil, handleError(err)
		}
		defer tx.Rollback()
		now := time.Now().UTC().Format(time.RFC3339)
		if err := e.Repo.EnsureActor(ctx, tx, input.Body.ActorID, now); err != nil {
			return nil, handleError(err)
		}
		if err := e.Repo.AssignOrgRole(ctx, tx, e.Config.Org.ID, input.Body.ActorID, input.Body.Role); err != nil {
			return nil, handleError(err)
		}
		if err := tx.Commit(); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "actor-roles",
		Method:      http.MethodGet,
		Path:        "/actors/{actor_id}/roles",
		Summary:     "List actor roles",
	}, func(ctx context.Context, input *struct {
		ActorID string `path:"actor_id"`
	}) (*struct {
		Body []string `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		roles, err := e.Repo.ActorRoles(ctx, e.Config.Org.ID, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []string `json:"body"`
		}{Body: roles}, nil
	})
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Riskline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}
