package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/pgprobe/pgprobe/internal/action"
	"github.com/pgprobe/pgprobe/internal/config"
	"github.com/pgprobe/pgprobe/internal/model"
	"github.com/pgprobe/pgprobe/internal/relation"
	"github.com/pgprobe/pgprobe/internal/service"
	"github.com/pgprobe/pgprobe/internal/writer"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

const (
	testJWTSecret = "test-secret-for-jwt-integration-tests"
	testPassword  = "supersecretpassword"
)

// scriptedOpener hands out one pre-scripted sqlmock connection per open
// call, falling back to a connection that accepts a single counter insert.
type scriptedOpener struct {
	mu     sync.Mutex
	script []func(sqlmock.Sqlmock)
}

func (o *scriptedOpener) push(setup func(sqlmock.Sqlmock)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.script = append(o.script, setup)
}

func (o *scriptedOpener) open(string) (*sqlx.DB, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	db, mock, err := sqlmock.New()
	if err != nil {
		return nil, err
	}
	if len(o.script) > 0 {
		o.script[0](mock)
		o.script = o.script[1:]
	} else {
		mock.ExpectExec("INSERT INTO continuous_writes").
			WithArgs(sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectClose()
	return sqlx.NewDb(db, "pgx"), nil
}

// testEnv holds all the shared state for integration tests.
type testEnv struct {
	server    *Server
	store     *config.Store
	relations *relation.Registry
	writer    *writer.Writer
	auth      *service.Auth
	opener    *scriptedOpener
}

// newTestEnv creates a fresh test environment with an in-memory config
// store, an empty relation registry, and a fully wired Server.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := config.NewStore("") // in-memory SQLite
	if err != nil {
		t.Fatalf("config.NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	relations := relation.NewRegistry()
	opener := &scriptedOpener{}

	w := writer.New(writer.Config{SleepInterval: time.Millisecond, StallInterval: time.Hour}, opener.open, logger)
	t.Cleanup(func() { w.Stop(context.Background()) })

	auth := service.NewAuth(store, testJWTSecret, time.Hour, logger)
	runner := action.NewRunner(store, relations, w, opener.open, logger)

	cfg := DefaultConfig()
	cfg.RequestsPerMin = 0 // no rate limiting in tests
	srv := New(cfg, store, relations, runner, w, auth, logger)

	return &testEnv{
		server:    srv,
		store:     store,
		relations: relations,
		writer:    w,
		auth:      auth,
		opener:    opener,
	}
}

// seedRelation registers a ready first-database relation in both the store
// and the registry.
func (e *testEnv) seedRelation(t *testing.T) {
	t.Helper()
	rel := model.Relation{
		Name:              model.FirstDatabase,
		Database:          "application",
		Username:          "relation-3",
		Password:          "s3cr3t",
		Endpoints:         "10.0.0.1:5432",
		ReadOnlyEndpoints: "10.0.0.2:5432",
	}
	if err := e.store.UpsertRelation(context.Background(), &rel); err != nil {
		t.Fatalf("seedRelation: %v", err)
	}
	e.relations.Upsert(rel)
}

// seedAdmin creates a default admin account and returns it.
func (e *testEnv) seedAdmin(t *testing.T) *model.Admin {
	t.Helper()
	admin := &model.Admin{
		Email:        "admin@example.com",
		PasswordHash: config.HashSecret(testPassword),
		Name:         "Test Admin",
		IsActive:     true,
	}
	if err := e.store.CreateAdmin(context.Background(), admin); err != nil {
		t.Fatalf("seedAdmin: %v", err)
	}
	return admin
}

// adminToken logs in as the default admin and returns the JWT token string.
func (e *testEnv) adminToken(t *testing.T) string {
	t.Helper()
	body := jsonBody(t, map[string]string{
		"email":    "admin@example.com",
		"password": testPassword,
	})
	rr := e.do(t, "POST", "/v1/system/session", body, nil)
	assertStatus(t, rr, http.StatusOK)

	var resp struct {
		Token string `json:"session_token"`
	}
	decodeJSON(t, rr, &resp)
	if resp.Token == "" {
		t.Fatal("adminToken: got empty token from login")
	}
	return resp.Token
}

// apiKey generates a fresh API key and returns the raw key string.
func (e *testEnv) apiKey(t *testing.T) string {
	t.Helper()
	raw, _, err := e.auth.GenerateAPIKey(context.Background(), "test", nil)
	if err != nil {
		t.Fatalf("apiKey: %v", err)
	}
	return raw
}

// do executes an HTTP request against the test server and returns the recorder.
func (e *testEnv) do(t *testing.T, method, path string, body io.Reader, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	e.server.ServeHTTP(rr, req)
	return rr
}

// doAuth executes an authenticated HTTP request using the admin JWT.
func (e *testEnv) doAuth(t *testing.T, method, path string, body io.Reader, token string) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(t, method, path, body, map[string]string{
		"Authorization": "Bearer " + token,
	})
}

// doAPIKey executes an HTTP request authenticated with an API key.
func (e *testEnv) doAPIKey(t *testing.T, method, path string, body io.Reader, apiKey string) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(t, method, path, body, map[string]string{
		"X-API-Key": apiKey,
	})
}

func jsonBody(t *testing.T, v interface{}) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(v); err != nil {
		t.Fatalf("jsonBody: %v", err)
	}
	return buf
}

func assertStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Errorf("status = %d, want %d; body = %s", rr.Code, want, rr.Body.String())
	}
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decodeJSON: %v; body = %s", err, rr.Body.String())
	}
}

func expectTableCreate(mock sqlmock.Sqlmock) {
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS continuous_writes").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE UNIQUE INDEX IF NOT EXISTS number").
		WillReturnResult(sqlmock.NewResult(0, 0))
}

// ---------------------------------------------------------------------------
// Health check tests
// ---------------------------------------------------------------------------

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "GET", "/healthz", nil, nil)
	assertStatus(t, rr, http.StatusOK)

	var resp map[string]string
	decodeJSON(t, rr, &resp)
	if resp["status"] != "ok" {
		t.Errorf("status = %q, want %q", resp["status"], "ok")
	}
}

func TestReadyzDegradedWithoutRelation(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "GET", "/readyz", nil, nil)
	assertStatus(t, rr, http.StatusServiceUnavailable)

	var resp map[string]interface{}
	decodeJSON(t, rr, &resp)
	if resp["status"] != "degraded" {
		t.Errorf("status = %q, want degraded", resp["status"])
	}
}

func TestReadyzOKWithRelation(t *testing.T) {
	env := newTestEnv(t)
	env.seedRelation(t)

	rr := env.do(t, "GET", "/readyz", nil, nil)
	assertStatus(t, rr, http.StatusOK)

	var resp struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	decodeJSON(t, rr, &resp)
	if resp.Checks[model.FirstDatabase] != "ok" {
		t.Errorf("first database check = %q, want ok", resp.Checks[model.FirstDatabase])
	}
}

func TestOpenAPIServed(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "GET", "/openapi.json", nil, nil)
	assertStatus(t, rr, http.StatusOK)

	var resp map[string]interface{}
	decodeJSON(t, rr, &resp)
	if resp["openapi"] != "3.1.0" {
		t.Errorf("openapi = %v", resp["openapi"])
	}
}

// ---------------------------------------------------------------------------
// Authentication tests
// ---------------------------------------------------------------------------

func TestLoginAndSession(t *testing.T) {
	env := newTestEnv(t)
	env.seedAdmin(t)

	token := env.adminToken(t)

	rr := env.doAuth(t, "GET", "/v1/relations", nil, token)
	assertStatus(t, rr, http.StatusOK)

	rr = env.doAuth(t, "DELETE", "/v1/system/session", nil, token)
	assertStatus(t, rr, http.StatusOK)
}

func TestLoginRejectsBadPassword(t *testing.T) {
	env := newTestEnv(t)
	env.seedAdmin(t)

	body := jsonBody(t, map[string]string{
		"email":    "admin@example.com",
		"password": "wrong",
	})
	rr := env.do(t, "POST", "/v1/system/session", body, nil)
	assertStatus(t, rr, http.StatusUnauthorized)
}

func TestActionsRequireAuth(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "POST", "/v1/actions/start-continuous-writes", nil, nil)
	assertStatus(t, rr, http.StatusUnauthorized)

	rr = env.do(t, "GET", "/v1/relations", nil, nil)
	assertStatus(t, rr, http.StatusUnauthorized)
}

func TestRelationsRequireAdmin(t *testing.T) {
	env := newTestEnv(t)
	key := env.apiKey(t)

	// API keys can run actions but not manage relations.
	rr := env.doAPIKey(t, "GET", "/v1/relations", nil, key)
	assertStatus(t, rr, http.StatusForbidden)
}

// ---------------------------------------------------------------------------
// Relation management tests
// ---------------------------------------------------------------------------

func TestRelationLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.seedAdmin(t)
	token := env.adminToken(t)

	body := jsonBody(t, map[string]string{
		"database":  "application",
		"username":  "relation-3",
		"password":  "s3cr3t",
		"endpoints": "10.0.0.1:5432",
	})
	rr := env.doAuth(t, "PUT", "/v1/relations/"+model.FirstDatabase, body, token)
	assertStatus(t, rr, http.StatusOK)

	rr = env.doAuth(t, "GET", "/v1/relations/"+model.FirstDatabase, nil, token)
	assertStatus(t, rr, http.StatusOK)
	var rel model.Relation
	decodeJSON(t, rr, &rel)
	if rel.Database != "application" {
		t.Errorf("database = %q", rel.Database)
	}

	// The registry is kept in sync, so the databag is usable immediately.
	if _, err := env.relations.Get(model.FirstDatabase); err != nil {
		t.Errorf("registry missing relation after PUT: %v", err)
	}

	rr = env.doAuth(t, "DELETE", "/v1/relations/"+model.FirstDatabase, nil, token)
	assertStatus(t, rr, http.StatusOK)

	rr = env.doAuth(t, "GET", "/v1/relations/"+model.FirstDatabase, nil, token)
	assertStatus(t, rr, http.StatusNotFound)
	if _, err := env.relations.Get(model.FirstDatabase); err == nil {
		t.Error("registry should drop relation after DELETE")
	}
}

// ---------------------------------------------------------------------------
// Action endpoint tests
// ---------------------------------------------------------------------------

func TestContinuousWritesOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	env.seedRelation(t)
	key := env.apiKey(t)

	env.opener.push(expectTableCreate)
	rr := env.doAPIKey(t, "POST", "/v1/actions/start-continuous-writes", nil, key)
	assertStatus(t, rr, http.StatusOK)
	var started model.ActionResult
	decodeJSON(t, rr, &started)
	if !started.Result {
		t.Fatal("start result = false")
	}

	deadline := time.Now().Add(5 * time.Second)
	for env.writer.LastWritten() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	rr = env.doAPIKey(t, "GET", "/v1/actions/writer-status", nil, key)
	assertStatus(t, rr, http.StatusOK)
	var status model.WriterStatus
	decodeJSON(t, rr, &status)
	if !status.Running {
		t.Error("writer-status should report running")
	}

	rr = env.doAPIKey(t, "POST", "/v1/actions/stop-continuous-writes", nil, key)
	assertStatus(t, rr, http.StatusOK)
	var stopped model.WritesResult
	decodeJSON(t, rr, &stopped)
	if stopped.Writes < 2 {
		t.Errorf("writes = %d, want >= 2", stopped.Writes)
	}
}

func TestShowContinuousWritesOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	env.seedRelation(t)
	key := env.apiKey(t)

	env.opener.push(func(mock sqlmock.Sqlmock) {
		mock.ExpectQuery("SELECT COUNT").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(11)))
	})

	rr := env.doAPIKey(t, "GET", "/v1/actions/show-continuous-writes", nil, key)
	assertStatus(t, rr, http.StatusOK)
	var res model.WritesResult
	decodeJSON(t, rr, &res)
	if res.Writes != 11 {
		t.Errorf("writes = %d, want 11", res.Writes)
	}
}

func TestRunSQLOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	env.seedRelation(t)
	key := env.apiKey(t)

	env.opener.push(func(mock sqlmock.Sqlmock) {
		mock.ExpectQuery("SELECT 1").
			WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(int64(1)))
	})

	body := jsonBody(t, map[string]interface{}{
		"dbname":        "application",
		"query":         "SELECT 1;",
		"relation-name": model.FirstDatabase,
	})
	rr := env.doAPIKey(t, "POST", "/v1/actions/run-sql", body, key)
	assertStatus(t, rr, http.StatusOK)

	var res model.RunSQLResult
	decodeJSON(t, rr, &res)
	if res.Results != "[[1]]" {
		t.Errorf("results = %q, want [[1]]", res.Results)
	}
}

func TestRunSQLRejectsInvalidRelation(t *testing.T) {
	env := newTestEnv(t)
	env.seedRelation(t)
	key := env.apiKey(t)

	body := jsonBody(t, map[string]interface{}{
		"dbname":        "application",
		"query":         "SELECT 1;",
		"relation-name": "no-database",
	})
	rr := env.doAPIKey(t, "POST", "/v1/actions/run-sql", body, key)
	assertStatus(t, rr, http.StatusBadRequest)
}

// ---------------------------------------------------------------------------
// System management tests
// ---------------------------------------------------------------------------

func TestAPIKeyManagement(t *testing.T) {
	env := newTestEnv(t)
	env.seedAdmin(t)
	token := env.adminToken(t)

	body := jsonBody(t, map[string]string{"label": "ci"})
	rr := env.doAuth(t, "POST", "/v1/system/api-keys", body, token)
	assertStatus(t, rr, http.StatusCreated)

	var created struct {
		Key    string        `json:"key"`
		Record *model.APIKey `json:"record"`
	}
	decodeJSON(t, rr, &created)
	if created.Key == "" || created.Record == nil {
		t.Fatalf("incomplete create response: %+v", created)
	}

	// The fresh key authenticates action requests.
	rr = env.doAPIKey(t, "GET", "/v1/actions/writer-status", nil, created.Key)
	assertStatus(t, rr, http.StatusOK)

	// Revoke it and the key stops working.
	rr = env.doAuth(t, "DELETE", "/v1/system/api-keys/1", nil, token)
	assertStatus(t, rr, http.StatusOK)

	rr = env.doAPIKey(t, "GET", "/v1/actions/writer-status", nil, created.Key)
	assertStatus(t, rr, http.StatusUnauthorized)
}

func TestCreateAdmin(t *testing.T) {
	env := newTestEnv(t)
	env.seedAdmin(t)
	token := env.adminToken(t)

	body := jsonBody(t, map[string]string{
		"email":    "second@example.com",
		"password": "another-password",
		"name":     "Second Admin",
	})
	rr := env.doAuth(t, "POST", "/v1/system/admins", body, token)
	assertStatus(t, rr, http.StatusCreated)

	rr = env.doAuth(t, "GET", "/v1/system/admins", nil, token)
	assertStatus(t, rr, http.StatusOK)
	var resp struct {
		Count int `json:"count"`
	}
	decodeJSON(t, rr, &resp)
	if resp.Count != 2 {
		t.Errorf("admin count = %d, want 2", resp.Count)
	}
}
