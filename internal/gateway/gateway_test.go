package gateway_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/relaycode/cah/internal/config"
	"github.com/relaycode/cah/internal/engine"
	"github.com/relaycode/cah/internal/gateway"
	"github.com/relaycode/cah/internal/invoker"
	"github.com/relaycode/cah/internal/queue"
	"github.com/relaycode/cah/internal/store"
)

func newTestServer(t *testing.T) (*gateway.Server, *store.Store) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	q := queue.New(st)
	inv := invoker.New(invoker.Config{Command: "true"})
	eng := engine.New(st, q, inv)

	srv := gateway.NewServer(gateway.Config{
		Store:  st,
		Queue:  q,
		Engine: eng,
	})
	return srv, st
}

func simpleWorkflow() store.Workflow {
	return store.Workflow{
		Name:    "noop",
		Version: 1,
		Nodes: []store.Node{
			{ID: "start", Type: store.NodeStart},
			{ID: "end", Type: store.NodeEnd},
		},
		Edges: []store.Edge{
			{From: "start", To: "end"},
		},
	}
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestCreateAndGetTask(t *testing.T) {
	srv, _ := newTestServer(t)

	body, _ := json.Marshal(map[string]interface{}{
		"title":       "demo task",
		"description": "exercises the create endpoint",
		"workflow":    simpleWorkflow(),
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body=%s", rec.Code, rec.Body.String())
	}

	var created store.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("unmarshal created task: %v", err)
	}
	if created.ID == "" {
		t.Fatal("expected a generated task id")
	}

	getReq := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/"+created.ID, nil)
	getRec := httptest.NewRecorder()
	srv.ServeHTTP(getRec, getReq)
	if getRec.Code != http.StatusOK {
		t.Fatalf("get status = %d, body=%s", getRec.Code, getRec.Body.String())
	}
}

func TestCreateTask_RejectsWorkflowWithoutStart(t *testing.T) {
	srv, _ := newTestServer(t)

	wf := simpleWorkflow()
	wf.Nodes = wf.Nodes[1:] // drop the start node

	body, _ := json.Marshal(map[string]interface{}{"title": "bad", "workflow": wf})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestListTasks_EmptyInitially(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var tasks []store.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &tasks); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("expected no tasks, got %d", len(tasks))
	}
}

func TestGetTask_UnknownReturns404(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/task-does-not-exist", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestAuthMiddleware_RejectsMissingKeyWhenEnabled(t *testing.T) {
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	q := queue.New(st)
	inv := invoker.New(invoker.Config{Command: "true"})
	eng := engine.New(st, q, inv)

	srv := gateway.NewServer(gateway.Config{
		Store:  st,
		Queue:  q,
		Engine: eng,
		Auth: config.AuthConfig{
			Enabled: true,
			Keys:    []config.APIKeyEntry{{Key: "secret"}},
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestApproveTask_UnknownNodeReturnsConflict(t *testing.T) {
	srv, _ := newTestServer(t)

	body, _ := json.Marshal(map[string]interface{}{
		"title":    "approval demo",
		"workflow": simpleWorkflow(),
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	var created store.Task
	_ = json.Unmarshal(rec.Body.Bytes(), &created)

	approveBody, _ := json.Marshal(map[string]interface{}{"node_id": "does-not-exist", "approved": true})
	approveReq := httptest.NewRequest(http.MethodPost, "/api/v1/tasks/"+created.ID+"/approve", bytes.NewReader(approveBody))
	approveRec := httptest.NewRecorder()
	srv.ServeHTTP(approveRec, approveReq)

	if approveRec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", approveRec.Code)
	}
}
