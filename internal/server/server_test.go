package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/runger/cliscope/internal/config"
	"github.com/runger/cliscope/internal/storage"
)

func newTestServer(t *testing.T, mutate func(*config.Config)) *Server {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	store, err := storage.NewSQLiteStore(dbPath, logger)
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := config.Default()
	cfg.HashSalt = "test-salt"
	if mutate != nil {
		mutate(cfg)
	}

	srv, err := NewServer(&ServerConfig{Store: store, Config: cfg, Logger: logger})
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	return srv
}

func doJSON(t *testing.T, h http.Handler, method, path, apiKey string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()

	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("failed to decode response %q: %v", rr.Body.String(), err)
	}
	return v
}

// issueKey creates a credential for a tool through the API.
func issueKey(t *testing.T, h http.Handler, toolName string) string {
	t.Helper()

	rr := doJSON(t, h, http.MethodPost, "/keys", "", map[string]string{
		"name":      "test",
		"tool_name": toolName,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("POST /keys status = %d: %s", rr.Code, rr.Body.String())
	}
	resp := decode[map[string]string](t, rr)
	key := resp["api_key"]
	if len(key) < 10 || key[:4] != "cli_" {
		t.Fatalf("api_key = %q, want cli_ prefix", key)
	}
	return key
}

func event(ts string, path []string, exit int) map[string]any {
	return map[string]any{
		"timestamp":    ts,
		"tool_name":    "tf",
		"command_path": path,
		"exit_code":    exit,
		"actor_id":     "u1",
		"machine_id":   "m1",
	}
}

func TestAuth(t *testing.T) {
	t.Parallel()

	h := newTestServer(t, nil).Router()

	rr := doJSON(t, h, http.MethodGet, "/reports/summary", "", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("missing key status = %d, want 401", rr.Code)
	}

	rr = doJSON(t, h, http.MethodGet, "/reports/summary", "cli_bogus", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("invalid key status = %d, want 401", rr.Code)
	}

	key := issueKey(t, h, "tf")
	rr = doJSON(t, h, http.MethodGet, "/reports/summary", key, nil)
	if rr.Code != http.StatusOK {
		t.Errorf("valid key status = %d, want 200: %s", rr.Code, rr.Body.String())
	}
}

func TestHealthAndRoot(t *testing.T) {
	t.Parallel()

	h := newTestServer(t, nil).Router()

	rr := doJSON(t, h, http.MethodGet, "/health", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("GET /health status = %d", rr.Code)
	}
	health := decode[map[string]string](t, rr)
	if health["status"] != "healthy" || health["database"] != "healthy" {
		t.Errorf("health = %v", health)
	}

	rr = doJSON(t, h, http.MethodGet, "/", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("GET / status = %d", rr.Code)
	}
	root := decode[map[string]string](t, rr)
	if root["service"] != "cliscope" {
		t.Errorf("root = %v", root)
	}
}

func TestIngestInferReportFlow(t *testing.T) {
	t.Parallel()

	h := newTestServer(t, nil).Router()
	key := issueKey(t, h, "tf")

	batch := map[string]any{"events": []map[string]any{
		event("2026-08-24T10:00:00Z", []string{"tf", "init"}, 0),
		event("2026-08-24T10:05:00Z", []string{"tf", "plan"}, 0),
		event("2026-08-24T10:10:00Z", []string{"tf", "apply"}, 0),
	}}
	rr := doJSON(t, h, http.MethodPost, "/ingest", key, batch)
	if rr.Code != http.StatusOK {
		t.Fatalf("POST /ingest status = %d: %s", rr.Code, rr.Body.String())
	}
	ingestResp := decode[map[string]any](t, rr)
	if ingestResp["accepted"].(float64) != 3 {
		t.Errorf("accepted = %v, want 3", ingestResp["accepted"])
	}

	rr = doJSON(t, h, http.MethodPost, "/infer", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("POST /infer status = %d: %s", rr.Code, rr.Body.String())
	}
	inferResp := decode[map[string]float64](t, rr)
	if inferResp["events_processed"] != 3 || inferResp["sessions_created"] != 1 || inferResp["workflows_created"] != 1 {
		t.Errorf("infer = %v", inferResp)
	}

	rr = doJSON(t, h, http.MethodGet, "/reports/summary", key, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("GET /reports/summary status = %d", rr.Code)
	}
	var summary struct {
		Totals struct {
			Events    int `json:"events"`
			Sessions  int `json:"sessions"`
			Workflows int `json:"workflows"`
		} `json:"totals"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &summary); err != nil {
		t.Fatal(err)
	}
	if summary.Totals.Events != 3 || summary.Totals.Sessions != 1 || summary.Totals.Workflows != 1 {
		t.Errorf("summary totals = %+v", summary.Totals)
	}

	rr = doJSON(t, h, http.MethodGet, "/reports/workflows/apply_workflow", key, nil)
	if rr.Code != http.StatusOK {
		t.Errorf("GET workflow detail status = %d: %s", rr.Code, rr.Body.String())
	}
}

func TestIngest_SingleEventAndBadPayload(t *testing.T) {
	t.Parallel()

	h := newTestServer(t, nil).Router()
	key := issueKey(t, h, "tf")

	rr := doJSON(t, h, http.MethodPost, "/ingest", key, event("2026-08-24T10:00:00Z", []string{"tf", "plan"}, 0))
	if rr.Code != http.StatusOK {
		t.Fatalf("single event status = %d: %s", rr.Code, rr.Body.String())
	}
	resp := decode[map[string]any](t, rr)
	if resp["accepted"].(float64) != 1 {
		t.Errorf("accepted = %v, want 1", resp["accepted"])
	}

	req := httptest.NewRequest(http.MethodPost, "/ingest", bytes.NewBufferString("{not json"))
	req.Header.Set("X-API-Key", key)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad payload status = %d, want 400", rec.Code)
	}

	rr = doJSON(t, h, http.MethodPost, "/ingest", key, map[string]any{"events": []any{}})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("empty batch status = %d, want 400", rr.Code)
	}
}

func TestTenantIsolation(t *testing.T) {
	t.Parallel()

	h := newTestServer(t, nil).Router()
	keyA := issueKey(t, h, "tool-a")
	keyB := issueKey(t, h, "tool-b")

	rr := doJSON(t, h, http.MethodPost, "/ingest", keyA, event("2026-08-24T10:00:00Z", []string{"x", "apply"}, 0))
	if rr.Code != http.StatusOK {
		t.Fatal(rr.Body.String())
	}
	if rr := doJSON(t, h, http.MethodPost, "/infer", "", nil); rr.Code != http.StatusOK {
		t.Fatal(rr.Body.String())
	}

	var summary struct {
		Totals struct {
			Events int `json:"events"`
		} `json:"totals"`
	}
	rr = doJSON(t, h, http.MethodGet, "/reports/summary", keyB, nil)
	if err := json.Unmarshal(rr.Body.Bytes(), &summary); err != nil {
		t.Fatal(err)
	}
	if summary.Totals.Events != 0 {
		t.Errorf("tool-b sees %d of tool-a's events", summary.Totals.Events)
	}

	rr = doJSON(t, h, http.MethodGet, "/reports/summary", keyA, nil)
	if err := json.Unmarshal(rr.Body.Bytes(), &summary); err != nil {
		t.Fatal(err)
	}
	if summary.Totals.Events != 1 {
		t.Errorf("tool-a sees %d events, want 1", summary.Totals.Events)
	}
}

func TestWorkflowDetail_NotFound(t *testing.T) {
	t.Parallel()

	h := newTestServer(t, nil).Router()
	key := issueKey(t, h, "tf")

	rr := doJSON(t, h, http.MethodGet, "/reports/workflows/missing_workflow", key, nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}
}

func TestRecommendations_RequiresCommand(t *testing.T) {
	t.Parallel()

	h := newTestServer(t, nil).Router()
	key := issueKey(t, h, "tf")

	rr := doJSON(t, h, http.MethodGet, "/recommendations", key, nil)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}

	rr = doJSON(t, h, http.MethodGet, "/recommendations?command=apply&failed=true", key, nil)
	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want 200: %s", rr.Code, rr.Body.String())
	}
	resp := decode[map[string]any](t, rr)
	if resp["command"] != "apply" {
		t.Errorf("command = %v", resp["command"])
	}
}

func TestExperimentEndpoints(t *testing.T) {
	t.Parallel()

	h := newTestServer(t, nil).Router()
	key := issueKey(t, h, "tf")

	create := map[string]any{"name": "banner", "variants": []string{"control", "v1"}}
	rr := doJSON(t, h, http.MethodPost, "/experiments", key, create)
	if rr.Code != http.StatusOK {
		t.Fatalf("create status = %d: %s", rr.Code, rr.Body.String())
	}

	rr = doJSON(t, h, http.MethodPost, "/experiments", key, create)
	if rr.Code != http.StatusConflict {
		t.Errorf("duplicate create status = %d, want 409", rr.Code)
	}

	rr = doJSON(t, h, http.MethodGet, "/experiments", key, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("list status = %d", rr.Code)
	}
	list := decode[[]map[string]any](t, rr)
	if len(list) != 1 {
		t.Errorf("list returned %d experiments, want 1", len(list))
	}

	rr = doJSON(t, h, http.MethodGet, "/experiments/banner/variant?actor_id=alice", key, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("variant status = %d: %s", rr.Code, rr.Body.String())
	}
	variant := decode[map[string]string](t, rr)
	if variant["variant"] != "control" && variant["variant"] != "v1" {
		t.Errorf("variant = %q", variant["variant"])
	}

	again := doJSON(t, h, http.MethodGet, "/experiments/banner/variant?actor_id=alice", key, nil)
	if decode[map[string]string](t, again)["variant"] != variant["variant"] {
		t.Error("variant changed between calls")
	}

	rr = doJSON(t, h, http.MethodGet, "/experiments/banner/results", key, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("results status = %d", rr.Code)
	}

	rr = doJSON(t, h, http.MethodPost, "/experiments/banner/stop", key, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("stop status = %d", rr.Code)
	}

	rr = doJSON(t, h, http.MethodGet, "/experiments/banner/variant?actor_id=alice", key, nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("variant after stop status = %d, want 404", rr.Code)
	}

	rr = doJSON(t, h, http.MethodGet, "/experiments/banner/variant", key, nil)
	if rr.Code != http.StatusBadRequest && rr.Code != http.StatusNotFound {
		t.Errorf("variant without actor_id status = %d", rr.Code)
	}
}

func TestIngestRateLimit(t *testing.T) {
	t.Parallel()

	h := newTestServer(t, func(c *config.Config) {
		c.IngestRPS = 0.001
		c.IngestBurst = 1
	}).Router()
	key := issueKey(t, h, "tf")

	rr := doJSON(t, h, http.MethodPost, "/ingest", key, event("2026-08-24T10:00:00Z", []string{"tf", "plan"}, 0))
	if rr.Code != http.StatusOK {
		t.Fatalf("first ingest status = %d: %s", rr.Code, rr.Body.String())
	}

	rr = doJSON(t, h, http.MethodPost, "/ingest", key, event("2026-08-24T10:00:01Z", []string{"tf", "plan"}, 0))
	if rr.Code != http.StatusTooManyRequests {
		t.Errorf("second ingest status = %d, want 429", rr.Code)
	}
}

func TestCreateKey_Validation(t *testing.T) {
	t.Parallel()

	h := newTestServer(t, nil).Router()

	rr := doJSON(t, h, http.MethodPost, "/keys", "", map[string]string{"name": "x"})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("missing tool_name status = %d, want 400", rr.Code)
	}
}

func TestKeysAreDistinct(t *testing.T) {
	t.Parallel()

	h := newTestServer(t, nil).Router()
	seen := map[string]bool{}
	for i := 0; i < 5; i++ {
		key := issueKey(t, h, fmt.Sprintf("tool-%d", i))
		if seen[key] {
			t.Fatalf("duplicate key issued: %q", key)
		}
		seen[key] = true
	}
}
