package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/relaycode/cah/internal/store"
)

// workflowCreateRequest is the on-disk shape accepted by
// "cah workflow create <file.json>": a task title/description plus the
// full custom Workflow DAG, mirroring internal/gateway's createTaskRequest
// so a file produced for one can be submitted through the other.
type workflowCreateRequest struct {
	Title       string             `json:"title"`
	Description string             `json:"description"`
	Priority    store.TaskPriority `json:"priority"`
	Workflow    store.Workflow     `json:"workflow"`
}

func runWorkflowCommand(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: cah workflow <create|status> [args]")
		return 2
	}
	d, err := openTaskCLIDeps()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	switch args[0] {
	case "create":
		return d.workflowCreate(args[1:])
	case "status":
		return d.workflowStatus(args[1:])
	default:
		fmt.Fprintln(os.Stderr, "unknown workflow subcommand:", args[0])
		return 2
	}
}

func (d *taskCLIDeps) workflowCreate(args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: cah workflow create <file.json>")
		return 2
	}
	raw, err := os.ReadFile(args[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	var req workflowCreateRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		fmt.Fprintln(os.Stderr, "invalid workflow file:", err)
		return 1
	}
	if req.Priority == "" {
		req.Priority = store.PriorityMedium
	}

	now := time.Now().UTC()
	taskID := store.NewTaskID(now)
	req.Workflow.TaskID = taskID

	if err := store.ValidateWorkflow(req.Workflow); err != nil {
		fmt.Fprintln(os.Stderr, "workflow invalid:", err)
		return 1
	}

	task := store.Task{
		ID:          taskID,
		Title:       req.Title,
		Description: req.Description,
		Priority:    req.Priority,
		Status:      store.TaskPending,
		Source:      store.SourceUser,
		CreatedAt:   now,
		UpdatedAt:   now,
		WorkflowID:  taskID,
	}
	if err := d.store.CreateTask(task); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if err := d.store.SaveWorkflow(req.Workflow); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if err := d.store.SaveInstance(taskID, store.WorkflowInstance{
		ID:         taskID,
		WorkflowID: taskID,
		Status:     store.InstRunning,
		NodeStates: map[string]*store.NodeState{},
		Variables:  map[string]interface{}{},
		StartedAt:  now,
	}); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	startNode, ok := findStartNodeID(req.Workflow)
	if !ok {
		fmt.Fprintln(os.Stderr, "workflow has no start node")
		return 1
	}
	if err := d.queue.Enqueue(taskID, taskID, startNode); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if _, err := d.sup.Spawn(taskID, false); err != nil {
		fmt.Fprintln(os.Stderr, "spawn failed:", err)
		return 1
	}
	fmt.Println(taskID)
	return 0
}

func findStartNodeID(wf store.Workflow) (string, bool) {
	for _, n := range wf.Nodes {
		if n.Type == store.NodeStart {
			return n.ID, true
		}
	}
	return "", false
}

func (d *taskCLIDeps) workflowStatus(args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: cah workflow status <id>")
		return 2
	}
	id, ok := d.resolve(args[0])
	if !ok {
		return 1
	}
	inst, err := d.store.GetInstance(id)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	fmt.Printf("instance:  %s\n", inst.ID)
	fmt.Printf("status:    %s\n", inst.Status)
	fmt.Printf("started:   %s\n", inst.StartedAt.Format(time.RFC3339))
	if inst.CompletedAt != nil {
		fmt.Printf("completed: %s\n", inst.CompletedAt.Format(time.RFC3339))
	}
	if inst.Error != "" {
		fmt.Printf("error:     %s\n", inst.Error)
	}
	return 0
}
