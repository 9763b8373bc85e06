// Package taskutil holds the default single-node workflow builder shared
// by every task-creation entrypoint (the Telegram channel, the cah CLI,
// the self-drive scheduler job), so a bare "run this prompt" request
// doesn't need its caller to hand-author a start->task->end DAG, per
// spec.md §4.9. internal/gateway's createTask stays the one place a
// caller supplies a full custom Workflow.
package taskutil

import (
	"fmt"
	"time"

	"github.com/relaycode/cah/internal/bus"
	"github.com/relaycode/cah/internal/queue"
	"github.com/relaycode/cah/internal/store"
	"github.com/relaycode/cah/internal/supervisor"
)

// CreateDefault mints a task with a single task-node workflow
// (start -> task -> end) running prompt, persists it, enqueues the start
// node, and — if sup is non-nil — spawns its subprocess. It returns the
// new task id.
func CreateDefault(st *store.Store, q *queue.Queue, sup *supervisor.Supervisor, b *bus.Bus, title, prompt string) (string, error) {
	now := time.Now().UTC()
	taskID := store.NewTaskID(now)

	wf := store.Workflow{
		ID:      taskID,
		TaskID:  taskID,
		Name:    "default",
		Version: 1,
		Nodes: []store.Node{
			{ID: "start", Type: store.NodeStart, Name: "start"},
			{ID: "run", Type: store.NodeTask, Name: "run", Config: store.NodeConfig{Prompt: prompt}},
			{ID: "end", Type: store.NodeEnd, Name: "end"},
		},
		Edges: []store.Edge{
			{ID: "e1", From: "start", To: "run"},
			{ID: "e2", From: "run", To: "end"},
		},
		Variables: map[string]interface{}{},
	}
	if err := store.ValidateWorkflow(wf); err != nil {
		return "", fmt.Errorf("taskutil: default workflow invalid: %w", err)
	}

	task := store.Task{
		ID:          taskID,
		Title:       title,
		Description: prompt,
		Priority:    store.PriorityMedium,
		Status:      store.TaskPending,
		Source:      store.SourceUser,
		CreatedAt:   now,
		UpdatedAt:   now,
		WorkflowID:  taskID,
	}
	if err := st.CreateTask(task); err != nil {
		return "", err
	}
	if err := st.SaveWorkflow(wf); err != nil {
		return "", err
	}
	if err := st.SaveInstance(taskID, store.WorkflowInstance{
		ID:         taskID,
		WorkflowID: taskID,
		Status:     store.InstRunning,
		NodeStates: map[string]*store.NodeState{},
		Variables:  map[string]interface{}{},
		StartedAt:  now,
	}); err != nil {
		return "", err
	}
	if err := q.Enqueue(taskID, taskID, "start"); err != nil {
		return "", err
	}
	if sup != nil {
		if _, err := sup.Spawn(taskID, false); err != nil {
			return taskID, fmt.Errorf("taskutil: spawn: %w", err)
		}
	}
	if b != nil {
		b.EmitAsync(bus.TopicWorkflowStarted, bus.WorkflowEvent{TaskID: taskID, InstanceID: taskID})
	}
	return taskID, nil
}
