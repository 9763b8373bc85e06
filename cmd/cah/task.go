package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/relaycode/cah/internal/config"
	"github.com/relaycode/cah/internal/engine"
	"github.com/relaycode/cah/internal/invoker"
	"github.com/relaycode/cah/internal/queue"
	"github.com/relaycode/cah/internal/store"
	"github.com/relaycode/cah/internal/supervisor"
	"github.com/relaycode/cah/internal/taskutil"
)

// taskCLIDeps opens the minimal set of components a one-shot "cah task
// ..." subcommand needs. It never starts the scheduler or gateway — a
// task CLI invocation is a short-lived client of the same on-disk state
// the daemon itself reads and writes.
type taskCLIDeps struct {
	cfg    config.Config
	store  *store.Store
	queue  *queue.Queue
	engine *engine.Engine
	sup    *supervisor.Supervisor
}

func openTaskCLIDeps() (*taskCLIDeps, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}
	st, err := store.Open(cfg.HomeDir)
	if err != nil {
		return nil, fmt.Errorf("store open: %w", err)
	}
	q := queue.New(st)
	inv := invoker.New(invoker.Config{Command: cfg.Invoker.Command, Args: cfg.Invoker.Args})
	eng := engine.New(st, q, inv)

	binPath, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve executable: %w", err)
	}
	sup := supervisor.New(st, q, binPath)

	return &taskCLIDeps{cfg: cfg, store: st, queue: q, engine: eng, sup: sup}, nil
}

func runTaskCommand(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: cah task <list|get|logs|new|pause|resume|stop|approve|reject|msg|delete> [args]")
		return 2
	}
	d, err := openTaskCLIDeps()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	sub, rest := args[0], args[1:]
	switch sub {
	case "list":
		return d.taskList()
	case "get":
		return d.taskGet(rest)
	case "logs":
		return d.taskLogs(rest)
	case "new":
		return d.taskNew(rest)
	case "pause":
		return d.taskPause(rest)
	case "resume":
		return d.taskResume(rest)
	case "stop", "reject":
		return d.taskReject(rest, "stopped via cah CLI")
	case "complete":
		return d.taskComplete(rest)
	case "approve":
		return d.taskApprove(ctx, rest, true)
	case "deny":
		return d.taskApprove(ctx, rest, false)
	case "msg":
		return d.taskMsg(rest)
	case "delete", "clear":
		return d.taskDelete(rest)
	case "snapshot":
		return d.taskSnapshot(rest)
	default:
		fmt.Fprintln(os.Stderr, "unknown task subcommand:", sub)
		return 2
	}
}

func (d *taskCLIDeps) resolve(idOrPrefix string) (string, bool) {
	id, err := d.store.ResolveTaskID(idOrPrefix)
	if err != nil {
		fmt.Fprintln(os.Stderr, "lookup failed:", err)
		return "", false
	}
	return id, true
}

func (d *taskCLIDeps) taskList() int {
	tasks, err := d.store.GetAllTasks()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	for _, t := range tasks {
		fmt.Printf("%-28s %-12s %-8s %s\n", t.ID, t.Status, t.Priority, t.Title)
	}
	return 0
}

func (d *taskCLIDeps) taskGet(args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: cah task get <id>")
		return 2
	}
	id, ok := d.resolve(args[0])
	if !ok {
		return 1
	}
	task, err := d.store.GetTask(id)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	fmt.Printf("id:          %s\n", task.ID)
	fmt.Printf("title:       %s\n", task.Title)
	fmt.Printf("status:      %s\n", task.Status)
	fmt.Printf("priority:    %s\n", task.Priority)
	fmt.Printf("retries:     %d\n", task.RetryCount)
	fmt.Printf("created:     %s\n", task.CreatedAt.Format(time.RFC3339))
	if task.Output != nil && task.Output.Timing != nil {
		fmt.Printf("duration_ms: %d\n", task.Output.Timing.DurationMs)
	}
	return 0
}

func (d *taskCLIDeps) taskLogs(args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: cah task logs <id>")
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
	for nodeID, state := range inst.NodeStates {
		fmt.Printf("%-20s %-10s attempts=%d", nodeID, state.Status, state.Attempts)
		if state.Error != "" {
			fmt.Printf(" error=%q", state.Error)
		}
		fmt.Println()
	}
	return 0
}

func (d *taskCLIDeps) taskNew(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: cah task new <description>")
		return 2
	}
	description := joinArgs(args)
	id, err := taskutil.CreateDefault(d.store, d.queue, d.sup, nil, description, description)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	fmt.Println(id)
	return 0
}

func (d *taskCLIDeps) taskPause(args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: cah task pause <id>")
		return 2
	}
	id, ok := d.resolve(args[0])
	if !ok {
		return 1
	}
	if err := d.sup.PauseTask(id, "paused via cah CLI"); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	fmt.Println("paused", id)
	return 0
}

func (d *taskCLIDeps) taskResume(args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: cah task resume <id>")
		return 2
	}
	id, ok := d.resolve(args[0])
	if !ok {
		return 1
	}
	pid, err := d.sup.ResumePausedTask(id)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	fmt.Println("resumed", id, "pid", pid)
	return 0
}

func (d *taskCLIDeps) taskReject(args []string, reason string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: cah task stop <id> [reason]")
		return 2
	}
	id, ok := d.resolve(args[0])
	if !ok {
		return 1
	}
	if len(args) > 1 {
		reason = joinArgs(args[1:])
	}
	if err := d.sup.RejectTask(id, reason); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	fmt.Println("stopped", id)
	return 0
}

func (d *taskCLIDeps) taskComplete(args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: cah task complete <id>")
		return 2
	}
	id, ok := d.resolve(args[0])
	if !ok {
		return 1
	}
	if err := d.sup.CompleteTask(id); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	fmt.Println("completed", id)
	return 0
}

func (d *taskCLIDeps) taskApprove(ctx context.Context, args []string, approved bool) int {
	if len(args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: cah task approve <id> <node-id>")
		return 2
	}
	id, ok := d.resolve(args[0])
	if !ok {
		return 1
	}
	if err := d.engine.ExternalTransition(ctx, id, args[1], approved, "via cah CLI"); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	fmt.Println("recorded")
	return 0
}

func (d *taskCLIDeps) taskMsg(args []string) int {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: cah task msg <id> <text>")
		return 2
	}
	id, ok := d.resolve(args[0])
	if !ok {
		return 1
	}
	if err := appendMessage(d.store, id, joinArgs(args[1:])); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func (d *taskCLIDeps) taskDelete(args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: cah task delete <id>")
		return 2
	}
	id, ok := d.resolve(args[0])
	if !ok {
		return 1
	}
	if err := d.store.DeleteTask(id); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	fmt.Println("deleted", id)
	return 0
}

func (d *taskCLIDeps) taskSnapshot(args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: cah task snapshot <id>")
		return 2
	}
	id, ok := d.resolve(args[0])
	if !ok {
		return 1
	}
	stats, err := d.store.GetStats(id)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	fmt.Printf("nodes_completed: %d\n", stats.NodesCompleted)
	fmt.Printf("nodes_failed:    %d\n", stats.NodesFailed)
	fmt.Printf("total_tokens:    %d\n", stats.TotalTokens)
	fmt.Printf("estimated_cost:  %.4f\n", stats.EstimatedCost)
	return 0
}

// appendMessage writes one operator note to a task's messages.jsonl,
// the append-only per-task transcript store.go only exposes a path
// helper for (MessagesPath) since every other writer is the invoker's
// streamed-response recorder, not a one-shot CLI append.
func appendMessage(st *store.Store, taskID, text string) error {
	f, err := os.OpenFile(st.MessagesPath(taskID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open messages.jsonl: %w", err)
	}
	defer f.Close()
	line, err := json.Marshal(map[string]string{
		"at":   time.Now().UTC().Format(time.RFC3339Nano),
		"role": "operator",
		"text": text,
	})
	if err != nil {
		return err
	}
	_, err = f.Write(append(line, '\n'))
	return err
}

func joinArgs(args []string) string {
	out := ""
	for i, a := range args {
		if i > 0 {
			out += " "
		}
		out += a
	}
	return out
}
