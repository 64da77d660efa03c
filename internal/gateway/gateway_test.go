package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/sandrasocial/agent-bridge/internal/bus"
	"github.com/sandrasocial/agent-bridge/internal/engine"
	"github.com/sandrasocial/agent-bridge/internal/filesync"
	"github.com/sandrasocial/agent-bridge/internal/memory"
	"github.com/sandrasocial/agent-bridge/internal/persistence"
	"github.com/sandrasocial/agent-bridge/internal/validator"
)

type fixture struct {
	server   *httptest.Server
	registry *filesync.Registry
	bus      *bus.Bus
}

func newFixture(t *testing.T, authToken string) *fixture {
	t.Helper()
	dir := t.TempDir()
	eventBus := bus.New()
	store, err := persistence.Open(filepath.Join(dir, "bridge.db"), eventBus)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	workspace := filepath.Join(dir, "workspace")
	eng := engine.New(engine.Options{
		Store:         store,
		Bus:           eventBus,
		Validator:     validator.New(workspace, logger),
		Implementer:   engine.NewSimulatedImplementer(workspace),
		Logger:        logger,
		PlanningDelay: 5 * time.Millisecond,
	})
	registry := filesync.NewRegistry(logger, eventBus, nil)

	srv := New(Options{
		Store:     store,
		Engine:    eng,
		Memory:    memory.NewStore(store, logger, 10),
		Registry:  registry,
		Bus:       eventBus,
		Logger:    logger,
		AuthToken: authToken,
		Version:   "test",
	})
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return &fixture{server: ts, registry: registry, bus: eventBus}
}

func (f *fixture) postJSON(t *testing.T, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	resp, err := http.Post(f.server.URL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp, decodeBody(t, resp)
}

func (f *fixture) getJSON(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(f.server.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp, decodeBody(t, resp)
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func validSubmission() map[string]any {
	return map[string]any{
		"agentName":          "builder",
		"instruction":        "build the report API",
		"priority":           "high",
		"completionCriteria": []string{"report endpoint responds"},
		"qualityGates":       []string{"file_created", "artifact_parses"},
		"estimatedMinutes":   5,
	}
}

func (f *fixture) pollStatus(t *testing.T, taskID string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		_, body := f.getJSON(t, "/tasks/"+taskID)
		status, _ := body["status"].(string)
		if status == "complete" || status == "failed" {
			return body
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s never settled", taskID)
	return nil
}

func TestSubmitRejectsIncompleteTask(t *testing.T) {
	f := newFixture(t, "")
	req := validSubmission()
	delete(req, "instruction")

	resp, body := f.postJSON(t, "/tasks", req)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if body["success"] != false {
		t.Fatalf("success = %v, want false", body["success"])
	}

	// Nothing entered the store.
	_, active := f.getJSON(t, "/tasks/active")
	if active["count"].(float64) != 0 {
		t.Fatalf("active count = %v, want 0", active["count"])
	}
}

func TestSubmitAndPollToComplete(t *testing.T) {
	f := newFixture(t, "")
	resp, body := f.postJSON(t, "/tasks", validSubmission())
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	taskID, _ := body["taskId"].(string)
	if taskID == "" {
		t.Fatalf("response missing taskId: %v", body)
	}
	if body["status"] != "pending" {
		t.Fatalf("initial status = %v, want pending", body["status"])
	}

	final := f.pollStatus(t, taskID)
	if final["status"] != "complete" {
		t.Fatalf("final status = %v, want complete (%v)", final["status"], final["validationResults"])
	}
	if final["progress"].(float64) != 100 {
		t.Fatalf("progress = %v, want 100", final["progress"])
	}
	results, ok := final["validationResults"].([]any)
	if !ok || len(results) != 2 {
		t.Fatalf("validationResults = %v, want 2 entries", final["validationResults"])
	}
}

func TestUnknownTaskIs404(t *testing.T) {
	f := newFixture(t, "")
	resp, _ := f.getJSON(t, "/tasks/nope")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	resp2, _ := f.postJSON(t, "/tasks/nope/validate", map[string]any{})
	if resp2.StatusCode != http.StatusNotFound {
		t.Fatalf("validate status = %d, want 404", resp2.StatusCode)
	}
}

func TestValidateNowEndpoint(t *testing.T) {
	f := newFixture(t, "")
	_, body := f.postJSON(t, "/tasks", validSubmission())
	taskID := body["taskId"].(string)
	f.pollStatus(t, taskID)

	resp, out := f.postJSON(t, "/tasks/"+taskID+"/validate", map[string]any{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if out["allPassed"] != true {
		t.Fatalf("allPassed = %v, want true (%v)", out["allPassed"], out["validationResults"])
	}
}

func TestDetailsIncludesJournal(t *testing.T) {
	f := newFixture(t, "")
	_, body := f.postJSON(t, "/tasks", validSubmission())
	taskID := body["taskId"].(string)
	f.pollStatus(t, taskID)

	resp, details := f.getJSON(t, "/tasks/"+taskID+"/details")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	events, ok := details["events"].([]any)
	if !ok || len(events) < 5 {
		t.Fatalf("events = %v, want submission plus four transitions", details["events"])
	}
}

func TestBearerAuthGuardsEndpoints(t *testing.T) {
	f := newFixture(t, "sekrit")

	resp, err := http.Get(f.server.URL + "/tasks/active")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, f.server.URL+"/tasks/active", nil)
	req.Header.Set("Authorization", "Bearer sekrit")
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET with token: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("authenticated status = %d, want 200", resp2.StatusCode)
	}

	// Liveness stays open.
	resp3, err := http.Get(f.server.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	resp3.Body.Close()
	if resp3.StatusCode != http.StatusOK {
		t.Fatalf("/health status = %d, want 200", resp3.StatusCode)
	}
}

func TestHealthReportsChecks(t *testing.T) {
	f := newFixture(t, "")
	resp, body := f.getJSON(t, "/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if body["status"] != "ok" {
		t.Fatalf("health status = %v, want ok", body["status"])
	}
	checks, ok := body["checks"].([]any)
	if !ok || len(checks) == 0 {
		t.Fatalf("checks = %v, want non-empty", body["checks"])
	}
}

func TestMetricsCounts(t *testing.T) {
	f := newFixture(t, "")
	_, body := f.postJSON(t, "/tasks", validSubmission())
	f.pollStatus(t, body["taskId"].(string))

	_, metrics := f.getJSON(t, "/metrics")
	tasks, ok := metrics["tasks"].(map[string]any)
	if !ok {
		t.Fatalf("metrics missing tasks block: %v", metrics)
	}
	if tasks["complete"].(float64) != 1 {
		t.Fatalf("complete = %v, want 1", tasks["complete"])
	}
}

func TestSyncEndpoints(t *testing.T) {
	f := newFixture(t, "")

	resp, _ := f.postJSON(t, "/sync/agent-a/register", map[string]any{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("register status = %d, want 200", resp.StatusCode)
	}

	f.registry.Notify("agent-a", "/ws/report.md", filesync.OpModify)

	_, pending := f.getJSON(t, "/sync/agent-a/notifications")
	if pending["count"].(float64) != 1 {
		t.Fatalf("count = %v, want 1", pending["count"])
	}
	notifications := pending["notifications"].([]any)
	id := notifications[0].(map[string]any)["id"].(string)

	resp2, _ := f.postJSON(t, "/sync/agent-a/ack", map[string]any{"notificationIds": []string{id}})
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("ack status = %d, want 200", resp2.StatusCode)
	}
	_, after := f.getJSON(t, "/sync/agent-a/notifications")
	if after["count"].(float64) != 0 {
		t.Fatalf("count after ack = %v, want 0", after["count"])
	}

	resp3, _ := f.getJSON(t, "/sync/ghost/notifications")
	if resp3.StatusCode != http.StatusNotFound {
		t.Fatalf("unregistered agent status = %d, want 404", resp3.StatusCode)
	}
}

func TestSubmitWithConversationClassifies(t *testing.T) {
	f := newFixture(t, "")
	req := validSubmission()
	req["conversationId"] = "conv-1"

	_, body := f.postJSON(t, "/tasks", req)
	if body["contextLevel"] != "full" {
		t.Fatalf("contextLevel = %v, want full for a work instruction", body["contextLevel"])
	}
	f.pollStatus(t, body["taskId"].(string))
}

func TestActiveListDrainsToEmpty(t *testing.T) {
	f := newFixture(t, "")
	var ids []string
	for i := 0; i < 3; i++ {
		req := validSubmission()
		req["instruction"] = fmt.Sprintf("build worker %d", i)
		_, body := f.postJSON(t, "/tasks", req)
		ids = append(ids, body["taskId"].(string))
	}
	for _, id := range ids {
		f.pollStatus(t, id)
	}
	_, active := f.getJSON(t, "/tasks/active")
	if active["count"].(float64) != 0 {
		t.Fatalf("active count = %v, want 0 after settle", active["count"])
	}
}
