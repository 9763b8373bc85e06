package engine

import (
	"context"
	"testing"
	"time"

	"github.com/relaycode/cah/internal/invoker"
	"github.com/relaycode/cah/internal/queue"
	"github.com/relaycode/cah/internal/store"
)

func newTestEngine(t *testing.T) (*Engine, *store.Store) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	q := queue.New(st)
	inv := invoker.New(invoker.Config{Command: "true"})
	return New(st, q, inv), st
}

func seedTask(t *testing.T, st *store.Store, taskID string, wf store.Workflow) {
	t.Helper()
	if err := st.CreateTask(store.Task{ID: taskID, Title: "t", Status: store.TaskDeveloping, CreatedAt: time.Now(), WorkflowID: wf.ID}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := st.SaveWorkflow(wf); err != nil {
		t.Fatalf("SaveWorkflow: %v", err)
	}
	inst := store.WorkflowInstance{ID: "inst-1", WorkflowID: wf.ID, Status: store.InstRunning, StartedAt: time.Now()}
	if err := st.SaveInstance(taskID, inst); err != nil {
		t.Fatalf("SaveInstance: %v", err)
	}
}

func drain(t *testing.T, e *Engine) {
	t.Helper()
	for i := 0; i < 50; i++ {
		job, ok, err := e.Queue.ClaimNextWaiting()
		if err != nil {
			t.Fatalf("ClaimNextWaiting: %v", err)
		}
		if !ok {
			return
		}
		if err := e.RunJob(context.Background(), job); err != nil {
			_ = e.Queue.Fail(job.ID, err)
			continue
		}
		_ = e.Queue.Complete(job.ID)
	}
	t.Fatal("drain: queue did not empty within iteration budget")
}

func TestLinearWorkflowCompletes(t *testing.T) {
	e, st := newTestEngine(t)
	taskID := "task-linear"
	wf := store.Workflow{
		ID: taskID, TaskID: taskID, Name: "linear", Version: 1,
		Nodes: []store.Node{
			{ID: "start", Type: store.NodeStart},
			{ID: "assign", Type: store.NodeAssign, Config: store.NodeConfig{Assignments: []store.Assignment{
				{Path: "greeting", Value: "hello"},
			}}},
			{ID: "end", Type: store.NodeEnd},
		},
		Edges: []store.Edge{
			{ID: "e1", From: "start", To: "assign"},
			{ID: "e2", From: "assign", To: "end"},
		},
	}
	seedTask(t, st, taskID, wf)

	if err := e.Queue.Enqueue(taskID, "inst-1", "start"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	drain(t, e)

	inst, err := st.GetInstance(taskID)
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if inst.Status != store.InstCompleted {
		t.Fatalf("expected instance completed, got %s (error=%s)", inst.Status, inst.Error)
	}
	if inst.Variables["greeting"] != "hello" {
		t.Fatalf("unexpected variables: %+v", inst.Variables)
	}

	task, err := st.GetTask(taskID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Status != store.TaskCompleted {
		t.Fatalf("expected task completed, got %s", task.Status)
	}
}

func TestConditionalRoutingFollowsTrueEdge(t *testing.T) {
	e, st := newTestEngine(t)
	taskID := "task-cond"
	wf := store.Workflow{
		ID: taskID, TaskID: taskID, Name: "cond", Version: 1,
		Variables: map[string]interface{}{},
		Nodes: []store.Node{
			{ID: "start", Type: store.NodeStart},
			{ID: "branch", Type: store.NodeCondition},
			{ID: "onTrue", Type: store.NodeAssign, Config: store.NodeConfig{Assignments: []store.Assignment{{Path: "taken", Value: "true-branch"}}}},
			{ID: "onFalse", Type: store.NodeAssign, Config: store.NodeConfig{Assignments: []store.Assignment{{Path: "taken", Value: "false-branch"}}}},
			{ID: "end", Type: store.NodeEnd},
		},
		Edges: []store.Edge{
			{ID: "e1", From: "start", To: "branch"},
			{ID: "e2", From: "branch", To: "onTrue", Condition: "1 == 1"},
			{ID: "e3", From: "branch", To: "onFalse"},
			{ID: "e4", From: "onTrue", To: "end"},
			{ID: "e5", From: "onFalse", To: "end"},
		},
	}
	seedTask(t, st, taskID, wf)

	if err := e.Queue.Enqueue(taskID, "inst-1", "start"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	drain(t, e)

	inst, err := st.GetInstance(taskID)
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if inst.Variables["taken"] != "true-branch" {
		t.Fatalf("expected true branch taken, got %+v", inst.Variables)
	}
}

func TestRetryExhaustionFailsWorkflow(t *testing.T) {
	e, st := newTestEngine(t)
	taskID := "task-retry"
	maxAttempts := 2
	wf := store.Workflow{
		ID: taskID, TaskID: taskID, Name: "retry", Version: 1,
		Nodes: []store.Node{
			{ID: "start", Type: store.NodeStart},
			{ID: "bad", Type: store.NodeScript, Config: store.NodeConfig{
				Expr:  "undefinedFn()",
				Retry: &store.RetryPolicy{MaxAttempts: maxAttempts, BackoffMs: 0},
			}},
			{ID: "end", Type: store.NodeEnd},
		},
		Edges: []store.Edge{
			{ID: "e1", From: "start", To: "bad"},
			{ID: "e2", From: "bad", To: "end"},
		},
	}
	seedTask(t, st, taskID, wf)

	if err := e.Queue.Enqueue(taskID, "inst-1", "start"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		inst, err := st.GetInstance(taskID)
		if err == nil && inst.Status == store.InstFailed {
			task, _ := st.GetTask(taskID)
			if task.Status != store.TaskFailed {
				t.Fatalf("expected task failed, got %s", task.Status)
			}
			if inst.NodeStates["bad"].Attempts < maxAttempts {
				t.Fatalf("expected %d attempts, got %d", maxAttempts, inst.NodeStates["bad"].Attempts)
			}
			return
		}
		job, ok, err := e.Queue.ClaimNextWaiting()
		if err != nil {
			t.Fatalf("ClaimNextWaiting: %v", err)
		}
		if !ok {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		if err := e.RunJob(context.Background(), job); err != nil {
			_ = e.Queue.Fail(job.ID, err)
		} else {
			_ = e.Queue.Complete(job.ID)
		}
	}
	t.Fatal("workflow did not fail within deadline")
}

// TestDefaultRetryPolicyAllowsThreeAttempts pins spec.md §8 testable
// property 3: a node with no explicit retry config still gets the
// default budget of 3 attempts, not 1.
func TestDefaultRetryPolicyAllowsThreeAttempts(t *testing.T) {
	e, st := newTestEngine(t)
	taskID := "task-default-retry"
	wf := store.Workflow{
		ID: taskID, TaskID: taskID, Name: "default-retry", Version: 1,
		Nodes: []store.Node{
			{ID: "start", Type: store.NodeStart},
			{ID: "bad", Type: store.NodeScript, Config: store.NodeConfig{Expr: "undefinedFn()"}},
			{ID: "end", Type: store.NodeEnd},
		},
		Edges: []store.Edge{
			{ID: "e1", From: "start", To: "bad"},
			{ID: "e2", From: "bad", To: "end"},
		},
	}
	seedTask(t, st, taskID, wf)

	if err := e.Queue.Enqueue(taskID, "inst-1", "start"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		inst, err := st.GetInstance(taskID)
		if err == nil && inst.Status == store.InstFailed {
			if inst.NodeStates["bad"].Attempts != defaultMaxAttempts {
				t.Fatalf("expected %d attempts (default), got %d", defaultMaxAttempts, inst.NodeStates["bad"].Attempts)
			}
			return
		}
		job, ok, err := e.Queue.ClaimNextWaiting()
		if err != nil {
			t.Fatalf("ClaimNextWaiting: %v", err)
		}
		if !ok {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		if err := e.RunJob(context.Background(), job); err != nil {
			_ = e.Queue.Fail(job.ID, err)
		} else {
			_ = e.Queue.Complete(job.ID)
		}
	}
	t.Fatal("workflow did not fail within deadline")
}

// TestRecoverResetsRunningNodeToPendingAndIncrementsAttempts covers
// spec.md §4.4's recovery rule and boundary scenario 6: a node left
// "running" across a restart is treated as a failed attempt, reset to
// pending, and re-enqueued.
func TestRecoverResetsRunningNodeToPendingAndIncrementsAttempts(t *testing.T) {
	e, st := newTestEngine(t)
	taskID := "task-recover"
	wf := store.Workflow{
		ID: taskID, TaskID: taskID, Name: "recover", Version: 1,
		Nodes: []store.Node{
			{ID: "start", Type: store.NodeStart},
			{ID: "stuck", Type: store.NodeScript, Config: store.NodeConfig{OutputVar: "x", Expr: "1"}},
			{ID: "end", Type: store.NodeEnd},
		},
		Edges: []store.Edge{
			{ID: "e1", From: "start", To: "stuck"},
			{ID: "e2", From: "stuck", To: "end"},
		},
	}
	if err := st.CreateTask(store.Task{ID: taskID, Title: "t", Status: store.TaskDeveloping, CreatedAt: time.Now(), WorkflowID: wf.ID}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := st.SaveWorkflow(wf); err != nil {
		t.Fatalf("SaveWorkflow: %v", err)
	}
	inst := store.WorkflowInstance{
		ID: "inst-1", WorkflowID: wf.ID, Status: store.InstRunning, StartedAt: time.Now(),
		NodeStates: map[string]*store.NodeState{
			"stuck": {Status: store.NRRunning, Attempts: 1},
		},
	}
	if err := st.SaveInstance(taskID, inst); err != nil {
		t.Fatalf("SaveInstance: %v", err)
	}

	n, err := e.Recover(context.Background(), taskID)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if n != 1 {
		t.Fatalf("Recover reported %d recovered nodes, want 1", n)
	}

	got, err := st.GetInstance(taskID)
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	state := got.NodeStates["stuck"]
	if state.Status != store.NRPending {
		t.Fatalf("expected stuck node reset to pending, got %s", state.Status)
	}
	if state.Attempts != 2 {
		t.Fatalf("expected attempts incremented to 2, got %d", state.Attempts)
	}

	job, ok, err := e.Queue.ClaimNextWaiting()
	if err != nil {
		t.Fatalf("ClaimNextWaiting: %v", err)
	}
	if !ok || job.NodeID != "stuck" {
		t.Fatalf("expected stuck node re-enqueued, got ok=%v job=%+v", ok, job)
	}
}

// TestLoopRunsMultipleIterationsThenCompletes covers spec.md §4.3's loop
// node: without the engine clearing the per-iteration pending flag once a
// dispatched body node finishes, the loop would deadlock in NRWaiting after
// its first iteration instead of running again.
func TestLoopRunsMultipleIterationsThenCompletes(t *testing.T) {
	e, st := newTestEngine(t)
	taskID := "task-loop"
	wf := store.Workflow{
		ID: taskID, TaskID: taskID, Name: "loop", Version: 1,
		Nodes: []store.Node{
			{ID: "start", Type: store.NodeStart},
			{ID: "loop", Type: store.NodeLoop, Config: store.NodeConfig{
				LoopMode: "for", MaxIterations: 2, BodyNodeIDs: []string{"step"},
			}},
			{ID: "step", Type: store.NodeAssign, Config: store.NodeConfig{Assignments: []store.Assignment{
				{Path: "lastStep", Value: "visited"},
			}}},
			{ID: "end", Type: store.NodeEnd},
		},
		Edges: []store.Edge{
			{ID: "e1", From: "start", To: "loop"},
			{ID: "e2", From: "loop", To: "step", Condition: "1 == 2"},
			{ID: "e3", From: "loop", To: "end"},
		},
	}
	seedTask(t, st, taskID, wf)

	if err := e.Queue.Enqueue(taskID, "inst-1", "start"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	drain(t, e)

	inst, err := st.GetInstance(taskID)
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if inst.Status != store.InstCompleted {
		t.Fatalf("expected instance completed, got %s (error=%s)", inst.Status, inst.Error)
	}
	if inst.LoopCounts["loop"] != 2 {
		t.Fatalf("expected loop to run 2 iterations, got %d", inst.LoopCounts["loop"])
	}
	if inst.NodeStates["step"].Status != store.NRDone {
		t.Fatalf("expected body node done, got %s", inst.NodeStates["step"].Status)
	}
}

// TestForeachRunsEveryItemThenCompletes covers spec.md §4.3's foreach node
// across two sequential items, exercising the same pending-clear path as
// the loop node but through ClearForeachPending.
func TestForeachRunsEveryItemThenCompletes(t *testing.T) {
	e, st := newTestEngine(t)
	taskID := "task-foreach"
	wf := store.Workflow{
		ID: taskID, TaskID: taskID, Name: "foreach", Version: 1,
		Nodes: []store.Node{
			{ID: "start", Type: store.NodeStart},
			{ID: "foreach", Type: store.NodeForeach, Config: store.NodeConfig{
				Collection: "variables.items", BodyNodeIDs: []string{"step"},
			}},
			{ID: "step", Type: store.NodeAssign, Config: store.NodeConfig{Assignments: []store.Assignment{
				{Path: "lastItem", Value: "item", Expression: true},
			}}},
			{ID: "end", Type: store.NodeEnd},
		},
		Edges: []store.Edge{
			{ID: "e1", From: "start", To: "foreach"},
			{ID: "e2", From: "foreach", To: "step", Condition: "1 == 2"},
			{ID: "e3", From: "foreach", To: "end"},
		},
	}
	if err := st.CreateTask(store.Task{ID: taskID, Title: "t", Status: store.TaskDeveloping, CreatedAt: time.Now(), WorkflowID: wf.ID}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := st.SaveWorkflow(wf); err != nil {
		t.Fatalf("SaveWorkflow: %v", err)
	}
	inst := store.WorkflowInstance{
		ID: "inst-1", WorkflowID: wf.ID, Status: store.InstRunning, StartedAt: time.Now(),
		Variables: map[string]interface{}{"items": []interface{}{float64(10), float64(20)}},
	}
	if err := st.SaveInstance(taskID, inst); err != nil {
		t.Fatalf("SaveInstance: %v", err)
	}

	if err := e.Queue.Enqueue(taskID, "inst-1", "start"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	drain(t, e)

	got, err := st.GetInstance(taskID)
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if got.Status != store.InstCompleted {
		t.Fatalf("expected instance completed, got %s (error=%s)", got.Status, got.Error)
	}
	if got.Variables["lastItem"] != float64(20) {
		t.Fatalf("expected last item bound from second iteration, got %+v", got.Variables["lastItem"])
	}
	if got.NodeStates["step"].Status != store.NRDone {
		t.Fatalf("expected body node done, got %s", got.NodeStates["step"].Status)
	}
}
