package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"filmdesk/internal/bus"
	"filmdesk/internal/config"
	"filmdesk/internal/db"
	"filmdesk/internal/domain"
	"filmdesk/internal/engine"
	"filmdesk/internal/inventory"
	"filmdesk/internal/migrate"
)

const testJWTSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	Bus    *bus.Bus
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("shop-1")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	b := bus.New()
	e := engine.New(conn, b, cfg)
	b.Subscribe(inventory.Consumer{Materials: e.Repo, Stock: e})
	handler, err := New(Config{Engine: e, BasePath: "/v1", Auth: AuthConfig{JWTSecret: testJWTSecret}})
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
		Engine: e,
		Bus:    b,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func signToken(t *testing.T, subject string, roles ...string) string {
	t.Helper()
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Roles: roles,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func authHeaders(t *testing.T, subject string, roles ...string) map[string]string {
	t.Helper()
	return map[string]string{"Authorization": "Bearer " + signToken(t, subject, roles...)}
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

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return envelope.Error.Code
}

func TestHealthRequiresNoAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
}

func TestUnauthorizedWithoutToken(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/tasks", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "unauthorized" {
		t.Fatalf("code = %s", code)
	}
}

func TestTaskTransitionsOverAPI(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	hdrs := authHeaders(t, "tech-1", RoleTechnician)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks", map[string]any{
		"title": "Full front PPF",
	}, hdrs)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task status %d: %s", res.StatusCode, string(data))
	}
	var created domain.Task
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	if created.Status != "quote" {
		t.Fatalf("initial status = %s", created.Status)
	}
	taskID := created.ID

	// jumping straight to completed violates the transition policy
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks/"+taskID+"/transition", map[string]any{
		"status": "completed",
	}, hdrs)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("invalid transition status %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "invalid_transition" {
		t.Fatalf("code = %s", code)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks/"+taskID+"/transition", map[string]any{
		"status": "scheduled",
		"reason": "booked",
	}, hdrs)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("transition status %d: %s", res.StatusCode, string(data))
	}
	var tr TaskTransitionResponse
	if err := json.Unmarshal(data, &tr); err != nil {
		t.Fatalf("unmarshal transition: %v", err)
	}
	if tr.Task.Status != "scheduled" {
		t.Fatalf("status = %s", tr.Task.Status)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/tasks/"+taskID+"/history", nil, hdrs)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("history status %d: %s", res.StatusCode, string(data))
	}
	var history []domain.TaskHistory
	if err := json.Unmarshal(data, &history); err != nil {
		t.Fatalf("unmarshal history: %v", err)
	}
	if len(history) != 1 || history[0].NewStatus != "scheduled" {
		t.Fatalf("history = %+v", history)
	}
}

func TestInterventionFlowOverAPI(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	manager := authHeaders(t, "boss", RoleManager)
	tech := authHeaders(t, "tech-1", RoleTechnician)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/materials", map[string]any{
		"id":            "film-roll",
		"name":          "PPF film",
		"type":          "film",
		"unit":          "m",
		"initial_stock": 30,
	}, manager)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create material status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks", map[string]any{"title": "Hood"}, tech)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task status %d: %s", res.StatusCode, string(data))
	}
	var task domain.Task
	json.Unmarshal(data, &task)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks/"+task.ID+"/transition", map[string]any{"status": "scheduled"}, tech)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("schedule status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks/"+task.ID+"/interventions", map[string]any{
		"technician_id": "tech-1",
		"materials":     []map[string]any{{"material_id": "film-roll", "quantity": 4.5}},
	}, tech)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("start status %d: %s", res.StatusCode, string(data))
	}
	var iv InterventionResponse
	if err := json.Unmarshal(data, &iv); err != nil {
		t.Fatalf("unmarshal intervention: %v", err)
	}
	if iv.Status != "started" || len(iv.Steps) == 0 {
		t.Fatalf("intervention = %+v", iv)
	}

	// a second start on the same task conflicts
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks/"+task.ID+"/interventions", map[string]any{
		"technician_id": "tech-2",
	}, tech)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("second start status %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "active_intervention" {
		t.Fatalf("code = %s", code)
	}

	for _, step := range iv.Steps {
		res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v1/interventions/"+iv.ID, map[string]any{
			"complete_step": step.ID,
		}, tech)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("complete step %s status %d: %s", step.Name, res.StatusCode, string(data))
		}
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/interventions/"+iv.ID+"/finalize", map[string]any{
		"signature": "sig",
	}, tech)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("finalize status %d: %s", res.StatusCode, string(data))
	}
	var finalized InterventionResponse
	json.Unmarshal(data, &finalized)
	if finalized.Status != "finalized" {
		t.Fatalf("status = %s", finalized.Status)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/tasks/"+task.ID, nil, tech)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get task status %d: %s", res.StatusCode, string(data))
	}
	json.Unmarshal(data, &task)
	if task.Status != "completed" {
		t.Fatalf("task status = %s", task.Status)
	}

	srv.Bus.Wait()
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/materials/film-roll", nil, tech)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get material status %d: %s", res.StatusCode, string(data))
	}
	var m domain.Material
	json.Unmarshal(data, &m)
	if m.CurrentStock != 25.5 {
		t.Fatalf("stock = %v, want 25.5", m.CurrentStock)
	}
}

func TestStorageErrorsStayOpaque(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	tech := authHeaders(t, "tech-1", RoleTechnician)

	// simulate a broken storage layer; the driver text must not reach the
	// client envelope
	if _, err := srv.Engine.DB.ExecContext(context.Background(), `DROP TABLE tasks`); err != nil {
		t.Fatalf("drop table: %v", err)
	}
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/tasks", nil, tech)
	if res.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "internal_error" {
		t.Fatalf("code = %s", code)
	}
	body := strings.ToLower(string(data))
	for _, leak := range []string{"sql", "no such table", "sqlite"} {
		if strings.Contains(body, leak) {
			t.Fatalf("driver text leaked: %s", string(data))
		}
	}
	var envelope struct {
		Error struct {
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if envelope.Error.Message != "internal error" || len(envelope.Error.Details) != 0 {
		t.Fatalf("envelope = %+v", envelope.Error)
	}
}

func TestMaterialAdminRequiresManager(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	tech := authHeaders(t, "tech-1", RoleTechnician)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/materials", map[string]any{
		"name": "Solution",
		"unit": "l",
	}, tech)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "forbidden" {
		t.Fatalf("code = %s", code)
	}
}

func TestAdjustStockRejectsNegative(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	manager := authHeaders(t, "boss", RoleManager)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/materials", map[string]any{
		"id":            "solution",
		"name":          "Slip solution",
		"unit":          "l",
		"initial_stock": 5,
	}, manager)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/materials/solution/adjust", map[string]any{
		"delta": -10,
	}, manager)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "insufficient_stock" {
		t.Fatalf("code = %s", code)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/materials/solution", nil, manager)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get status %d: %s", res.StatusCode, string(data))
	}
	var m domain.Material
	json.Unmarshal(data, &m)
	if m.CurrentStock != 5 {
		t.Fatalf("stock = %v, want 5", m.CurrentStock)
	}
}
