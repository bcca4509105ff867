package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"riskline/internal/config"
	"riskline/internal/db"
	"riskline/internal/domain"
	"riskline/internal/engine"
	"riskline/internal/migrate"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	cfg := config.Default("org-1")
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{JWTSecret: testSecret}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func bearer(t *testing.T, sub string, roles ...string) map[string]string {
	t.Helper()
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Roles: roles,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func taskStepsPayload() []map[string]any {
	return []map[string]any{
		{
			"step_number": 1,
			"description": "Isolate the circuit",
			"hazards": []map[string]any{
				{
					"id":          "haz-1",
					"category":    "electrical",
					"description": "Exposed live conductors near the work area",
					"effect":      15,
					"exposure":    3,
					"probability": 1,
					"control_measures": []map[string]any{
						{"type": "engineering", "description": "Lock out and tag out the circuit", "status": "planned"},
					},
				},
			},
		},
	}
}

func createTRA(t *testing.T, srv *testServer) domain.TRA {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/tras", map[string]any{
		"title":                "Replace breaker panel",
		"compliance_framework": "vca",
		"task_steps":           taskStepsPayload(),
	}, bearer(t, "author"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create tra status %d: %s", res.StatusCode, string(data))
	}
	var created TRAResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal tra: %v", err)
	}
	return created.TRA
}

func TestHealthNeedsNoAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
}

func TestUnauthenticatedRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/tras", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/tras", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for garbage token, got %d", res.StatusCode)
	}
}

func TestApprovalFlowActivatesTRA(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	tra := createTRA(t, srv)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tras/"+tra.ID+"/submit", map[string]any{
		"version": tra.Version,
	}, bearer(t, "author"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	var submitted TRAResponse
	_ = json.Unmarshal(data, &submitted)
	if submitted.TRA.Status != "in_review" {
		t.Fatalf("expected in_review, got %s", submitted.TRA.Status)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tras/"+tra.ID+"/decision", map[string]any{
		"step_number": 0,
		"decision":    "approve",
		"role":        "safety_officer",
		"version":     submitted.TRA.Version,
	}, bearer(t, "safety-officer-1", "safety_officer"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("step 0 status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tras/"+tra.ID+"/decision", map[string]any{
		"step_number": 1,
		"decision":    "approve",
		"role":        "operations_manager",
		"version":     submitted.TRA.Version + 1,
	}, bearer(t, "ops-manager-1", "operations_manager"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("step 1 status %d: %s", res.StatusCode, string(data))
	}
	var wfRes WorkflowResponse
	_ = json.Unmarshal(data, &wfRes)
	if wfRes.Workflow.Status != "completed" {
		t.Fatalf("expected completed workflow, got %s", wfRes.Workflow.Status)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tras/"+tra.ID, nil, bearer(t, "author"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get status %d: %s", res.StatusCode, string(data))
	}
	var fetched TRAResponse
	_ = json.Unmarshal(data, &fetched)
	if fetched.TRA.Status != "active" || fetched.TRA.ValidUntil == nil {
		t.Fatalf("expected active with validity window: %+v", fetched.TRA)
	}
}

func TestDecisionRequiresRole(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	tra := createTRA(t, srv)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/tras/"+tra.ID+"/submit", map[string]any{
		"version": tra.Version,
	}, bearer(t, "author"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}

	// token without the safety_officer role claim and no DB grant
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/tras/"+tra.ID+"/decision", map[string]any{
		"step_number": 0,
		"decision":    "approve",
		"role":        "safety_officer",
		"version":     tra.Version + 1,
	}, bearer(t, "safety-officer-1"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", res.StatusCode, string(data))
	}
}

func TestSubmitValidationEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tras", map[string]any{
		"title":                "Replace breaker panel",
		"compliance_framework": "vca",
		"task_steps": []map[string]any{
			{"step_number": 1, "description": "Close up", "hazards": []map[string]any{}},
		},
	}, bearer(t, "author"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, string(data))
	}
	var created TRAResponse
	_ = json.Unmarshal(data, &created)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tras/"+created.TRA.ID+"/submit", map[string]any{
		"version": created.TRA.Version,
	}, bearer(t, "author"))
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Code != "validation_failed" || envelope.Details["violations"] == nil {
		t.Fatalf("unexpected envelope: %s", string(data))
	}
}

func TestStaleVersionConflict(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	tra := createTRA(t, srv)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/tras/"+tra.ID+"/submit", map[string]any{
		"version": tra.Version + 7,
	}, bearer(t, "author"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, string(data))
	}
}

func TestLMRASessionOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	tra := createTRA(t, srv)

	// activate through the chain
	_, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tras/"+tra.ID+"/submit", map[string]any{"version": tra.Version}, bearer(t, "author"))
	var submitted TRAResponse
	_ = json.Unmarshal(data, &submitted)
	doJSON(t, client, http.MethodPost, srv.URL+"/v0/tras/"+tra.ID+"/decision", map[string]any{
		"step_number": 0, "decision": "approve", "role": "safety_officer", "version": submitted.TRA.Version,
	}, bearer(t, "safety-officer-1", "safety_officer"))
	doJSON(t, client, http.MethodPost, srv.URL+"/v0/tras/"+tra.ID+"/decision", map[string]any{
		"step_number": 1, "decision": "approve", "role": "operations_manager", "version": submitted.TRA.Version + 1,
	}, bearer(t, "ops-manager-1", "operations_manager"))

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tras/"+tra.ID+"/sessions", map[string]any{
		"team_members": []map[string]any{
			{"actor_id": "alice", "checked_in": true},
		},
	}, bearer(t, "alice"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("start session status %d: %s", res.StatusCode, string(data))
	}
	var started SessionResponse
	_ = json.Unmarshal(data, &started)
	if started.Session.Stage != "location_pending" {
		t.Fatalf("expected location_pending, got %s", started.Session.Stage)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessions/"+started.Session.ID+"/location", map[string]any{
		"latitude": 52.37, "longitude": 4.89, "accuracy_meters": 8, "version": started.Session.Version,
	}, bearer(t, "alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("location status %d: %s", res.StatusCode, string(data))
	}
	var afterLocation SessionResponse
	_ = json.Unmarshal(data, &afterLocation)
	if afterLocation.Session.Stage != "environment_pending" {
		t.Fatalf("expected environment_pending, got %s", afterLocation.Session.Stage)
	}

	// out-of-order stage write conflicts
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessions/"+started.Session.ID+"/decision", map[string]any{
		"overall_assessment": "safe_to_proceed", "version": afterLocation.Session.Version,
	}, bearer(t, "alice"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for out-of-order stage, got %d: %s", res.StatusCode, string(data))
	}
}

func TestQueueMutationEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	tra := createTRA(t, srv)
	_, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tras/"+tra.ID+"/submit", map[string]any{"version": tra.Version}, bearer(t, "author"))
	var submitted TRAResponse
	_ = json.Unmarshal(data, &submitted)
	doJSON(t, client, http.MethodPost, srv.URL+"/v0/tras/"+tra.ID+"/decision", map[string]any{
		"step_number": 0, "decision": "approve", "role": "safety_officer", "version": submitted.TRA.Version,
	}, bearer(t, "safety-officer-1", "safety_officer"))
	doJSON(t, client, http.MethodPost, srv.URL+"/v0/tras/"+tra.ID+"/decision", map[string]any{
		"step_number": 1, "decision": "approve", "role": "operations_manager", "version": submitted.TRA.Version + 1,
	}, bearer(t, "ops-manager-1", "operations_manager"))
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tras/"+tra.ID+"/sessions", map[string]any{
		"team_members": []map[string]any{{"actor_id": "alice", "checked_in": true}},
	}, bearer(t, "alice"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("start session status %d: %s", res.StatusCode, string(data))
	}
	var started SessionResponse
	_ = json.Unmarshal(data, &started)

	mutation := map[string]any{
		"id":      "mut-1",
		"seq":     1,
		"payload": map[string]any{"documentation": "offline notes"},
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessions/"+started.Session.ID+"/mutations", mutation, bearer(t, "alice"))
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("queue status %d: %s", res.StatusCode, string(data))
	}
	var queued QueueMutationResponse
	_ = json.Unmarshal(data, &queued)
	if !queued.Queued {
		t.Fatalf("expected queued=true")
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/sessions/"+started.Session.ID+"/mutations", mutation, bearer(t, "alice"))
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("replay status %d: %s", res.StatusCode, string(data))
	}
	_ = json.Unmarshal(data, &queued)
	if queued.Queued {
		t.Fatalf("expected queued=false on replay")
	}
}
