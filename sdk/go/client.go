package risklinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Riskline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// TRA represents the API risk analysis model (partial).
type TRA struct {
	ID         string  `json:"id"`
	OrgID      string  `json:"org_id"`
	Title      string  `json:"title"`
	Framework  string  `json:"compliance_framework"`
	Status     string  `json:"status"`
	ValidFrom  *string `json:"valid_from,omitempty"`
	ValidUntil *string `json:"valid_until,omitempty"`
	Version    int64   `json:"version"`
}

// Warning flags a non-blocking control measure concern.
type Warning struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// TRAResult pairs a risk analysis with its submission warnings.
type TRAResult struct {
	TRA      TRA       `json:"tra"`
	Warnings []Warning `json:"warnings,omitempty"`
}

// Workflow represents the approval chain state (partial).
type Workflow struct {
	ID          string `json:"id"`
	TRAID       string `json:"tra_id"`
	Status      string `json:"status"`
	CurrentStep int    `json:"current_step"`
}

// Session represents an LMRA execution session (partial).
type Session struct {
	ID                string  `json:"id"`
	TRAID             string  `json:"tra_id"`
	Stage             string  `json:"stage"`
	OverallAssessment *string `json:"overall_assessment,omitempty"`
	StopWorkAt        *string `json:"stop_work_at,omitempty"`
	CompletedAt       *string `json:"completed_at,omitempty"`
	Version           int64   `json:"version"`
}

// Event represents an audit log entry. Payload is the raw JSON document
// recorded with the event.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	Severity   string `json:"severity"`
	OrgID      string `json:"org_id"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// SyncConflict records one rejected offline mutation.
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

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CreateTRA creates a draft risk analysis. taskSteps follows the API task
// step schema.
func (c *Client) CreateTRA(ctx context.Context, title, framework string, taskSteps []map[string]any) (TRAResult, error) {
	body := map[string]any{
		"title":                title,
		"compliance_framework": framework,
		"task_steps":           taskSteps,
	}
	var resp TRAResult
	err := c.do(ctx, http.MethodPost, "tras", body, &resp)
	return resp, err
}

// GetTRA fetches a risk analysis by id.
func (c *Client) GetTRA(ctx context.Context, id string) (TRAResult, error) {
	var resp TRAResult
	err := c.do(ctx, http.MethodGet, "tras/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// SubmitTRA submits a draft for approval.
func (c *Client) SubmitTRA(ctx context.Context, id string, version int64) (TRAResult, error) {
	var resp TRAResult
	endpoint := fmt.Sprintf("tras/%s/submit", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"version": version}, &resp)
	return resp, err
}

// Decide records an approval decision on a workflow step. Steps are
// numbered from zero in chain order.
func (c *Client) Decide(ctx context.Context, traID string, step int, decision, role, comments string, version int64) (Workflow, error) {
	body := map[string]any{
		"step_number": step,
		"decision":    decision,
		"role":        role,
		"comments":    comments,
		"version":     version,
	}
	var resp struct {
		Workflow Workflow `json:"workflow"`
	}
	endpoint := fmt.Sprintf("tras/%s/decision", url.PathEscape(traID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp.Workflow, err
}

// GetWorkflow fetches the approval chain for a risk analysis.
func (c *Client) GetWorkflow(ctx context.Context, traID string) (Workflow, error) {
	var resp struct {
		Workflow Workflow `json:"workflow"`
	}
	endpoint := fmt.Sprintf("tras/%s/workflow", url.PathEscape(traID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Workflow, err
}

// StartSession opens an LMRA session against an active risk analysis.
// teamMembers follows the API team member schema.
func (c *Client) StartSession(ctx context.Context, traID string, teamMembers []map[string]any) (Session, error) {
	var resp struct {
		Session Session `json:"session"`
	}
	endpoint := fmt.Sprintf("tras/%s/sessions", url.PathEscape(traID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"team_members": teamMembers}, &resp)
	return resp.Session, err
}

// GetSession fetches a session by id.
func (c *Client) GetSession(ctx context.Context, id string) (Session, error) {
	var resp struct {
		Session Session `json:"session"`
	}
	err := c.do(ctx, http.MethodGet, "sessions/"+url.PathEscape(id), nil, &resp)
	return resp.Session, err
}

// CompleteStage posts a stage payload for a session. stage is one of
// location, environment, personnel, equipment, hazard-review, decision,
// documentation, signatures or annotations; body carries the stage fields
// plus the expected version.
func (c *Client) CompleteStage(ctx context.Context, sessionID, stage string, body map[string]any) (Session, error) {
	var resp struct {
		Session Session `json:"session"`
	}
	endpoint := fmt.Sprintf("sessions/%s/%s", url.PathEscape(sessionID), stage)
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp.Session, err
}

// QueueMutation queues an offline mutation. Returns false when the mutation
// id was already queued.
func (c *Client) QueueMutation(ctx context.Context, sessionID, mutationID string, seq int64, payload map[string]any) (bool, error) {
	body := map[string]any{
		"id":      mutationID,
		"seq":     seq,
		"payload": payload,
	}
	var resp struct {
		Queued bool `json:"queued"`
	}
	endpoint := fmt.Sprintf("sessions/%s/mutations", url.PathEscape(sessionID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp.Queued, err
}

// Sync reconciles queued mutations for a session.
func (c *Client) Sync(ctx context.Context, sessionID string) (SyncReport, error) {
	var resp SyncReport
	endpoint := fmt.Sprintf("sessions/%s/sync", url.PathEscape(sessionID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent audit events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := "events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%safter=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// EntityEvents returns the audit trail for one entity.
func (c *Client) EntityEvents(ctx context.Context, entityKind, entityID string) ([]Event, error) {
	var resp []Event
	endpoint := fmt.Sprintf("events/%s/%s", url.PathEscape(entityKind), url.PathEscape(entityID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v0/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
