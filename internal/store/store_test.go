package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestSaveGetTaskRoundTrip(t *testing.T) {
	s := testStore(t)
	now := time.Now().UTC().Truncate(time.Second)
	task := Task{
		ID:        NewTaskID(now),
		Title:     "fix the bug",
		Priority:  PriorityHigh,
		Status:    TaskPending,
		Source:    SourceUser,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.CreateTask(task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	got, err := s.GetTask(task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Title != task.Title || got.Status != task.Status {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, task)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	s := testStore(t)
	_, err := s.GetTask("task-does-not-exist")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestResolveTaskIDAmbiguous(t *testing.T) {
	s := testStore(t)
	now := time.Now().UTC()
	for _, id := range []string{"task-20260101-000000-abc", "task-20260101-000000-abd"} {
		if err := s.CreateTask(Task{ID: id, CreatedAt: now, UpdatedAt: now}); err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
	}
	_, err := s.ResolveTaskID("task-20260101")
	if !errors.Is(err, ErrAmbiguousPrefix) {
		t.Fatalf("expected ErrAmbiguousPrefix, got %v", err)
	}
}

func TestResolveTaskIDUnique(t *testing.T) {
	s := testStore(t)
	now := time.Now().UTC()
	id := "task-20260101-000000-xyz9"
	if err := s.CreateTask(Task{ID: id, CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	resolved, err := s.ResolveTaskID("task-2026")
	if err != nil {
		t.Fatalf("ResolveTaskID: %v", err)
	}
	if resolved != id {
		t.Fatalf("got %q want %q", resolved, id)
	}
}

func TestCorruptTaskQuarantined(t *testing.T) {
	s := testStore(t)
	id := "task-corrupt-0001"
	if err := os.MkdirAll(s.taskDir(id), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(s.taskPath(id), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := s.GetTask(id)
	if !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
	matches, _ := filepath.Glob(s.taskPath(id) + ".corrupt.*")
	if len(matches) != 1 {
		t.Fatalf("expected exactly one quarantine backup, got %v", matches)
	}
	if _, err := os.Stat(s.taskPath(id)); !os.IsNotExist(err) {
		t.Fatalf("expected original corrupt file removed, stat err=%v", err)
	}
}

func validWorkflow() Workflow {
	return Workflow{
		ID:     "wf-1",
		TaskID: "task-1",
		Name:   "sample",
		Nodes: []Node{
			{ID: "n1", Type: NodeStart},
			{ID: "n2", Type: NodeTask},
			{ID: "n3", Type: NodeEnd},
		},
		Edges: []Edge{
			{ID: "e1", From: "n1", To: "n2"},
			{ID: "e2", From: "n2", To: "n3"},
		},
	}
}

func TestValidateWorkflowOK(t *testing.T) {
	if err := ValidateWorkflow(validWorkflow()); err != nil {
		t.Fatalf("expected valid workflow, got %v", err)
	}
}

func TestValidateWorkflowRequiresSingleStart(t *testing.T) {
	w := validWorkflow()
	w.Nodes = append(w.Nodes, Node{ID: "n4", Type: NodeStart})
	if err := ValidateWorkflow(w); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for duplicate start, got %v", err)
	}
}

func TestValidateWorkflowUnreachableNode(t *testing.T) {
	w := validWorkflow()
	w.Nodes = append(w.Nodes, Node{ID: "orphan", Type: NodeTask})
	if err := ValidateWorkflow(w); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for unreachable node, got %v", err)
	}
}

func TestSaveWorkflowRejectsInvalid(t *testing.T) {
	s := testStore(t)
	w := validWorkflow()
	w.Nodes = nil
	if err := s.SaveWorkflow(w); err == nil {
		t.Fatal("expected error saving workflow with no nodes")
	}
}

func TestInstanceRoundTrip(t *testing.T) {
	s := testStore(t)
	inst := WorkflowInstance{
		ID:         "inst-1",
		WorkflowID: "wf-1",
		Status:     InstRunning,
		NodeStates: map[string]*NodeState{"n1": {Status: NRDone}},
		Variables:  map[string]interface{}{"_llmSessionId": "sess-123"},
		StartedAt:  time.Now().UTC(),
	}
	if err := s.SaveInstance("task-1", inst); err != nil {
		t.Fatalf("SaveInstance: %v", err)
	}
	got, err := s.GetInstance("task-1")
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if got.VarString("_llmSessionId") != "sess-123" {
		t.Fatalf("session id not preserved: %+v", got)
	}
	if got.NodeStates["n1"].Status != NRDone {
		t.Fatalf("node state not preserved: %+v", got.NodeStates)
	}
}
