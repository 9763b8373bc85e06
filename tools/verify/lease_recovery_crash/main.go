// Command lease_recovery_crash is a three-phase chaos drill for the
// supervisor's orphan detection: "prepare" records a task with a
// process.json claiming to be running, "claim-sleep" takes over that
// PID slot with its own pid and blocks forever so the harness can
// SIGKILL it, and "recover" runs DetectOrphans and checks the task no
// longer reads as running.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/relaycode/cah/internal/queue"
	"github.com/relaycode/cah/internal/store"
	"github.com/relaycode/cah/internal/supervisor"
)

func main() {
	mode := flag.String("mode", "", "prepare|claim-sleep|recover")
	homeDir := flag.String("home", "", "path to store root")
	taskID := flag.String("task", "", "task id (claim-sleep/recover)")
	flag.Parse()

	if *mode == "" || *homeDir == "" {
		fmt.Fprintln(os.Stderr, "mode and home are required")
		os.Exit(2)
	}

	st, err := store.Open(*homeDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	q := queue.New(st)
	sup := supervisor.New(st, q, os.Args[0])

	switch *mode {
	case "prepare":
		now := time.Now().UTC()
		id := store.NewTaskID(now)
		task := store.Task{
			ID:        id,
			Title:     "lease-crash",
			Priority:  store.PriorityMedium,
			Status:    store.TaskDeveloping,
			Source:    store.SourceUser,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := st.CreateTask(task); err != nil {
			fmt.Fprintf(os.Stderr, "create task: %v\n", err)
			os.Exit(1)
		}
		if err := st.SaveProcessInfo(id, store.ProcessInfo{PID: -1, StartedAt: now, Status: store.ProcRunning}); err != nil {
			fmt.Fprintf(os.Stderr, "save process info: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("PREPARED_TASK_ID=%s\n", id)

	case "claim-sleep":
		if *taskID == "" {
			fmt.Fprintln(os.Stderr, "task is required for claim-sleep")
			os.Exit(2)
		}
		pid := os.Getpid()
		if err := st.SaveProcessInfo(*taskID, store.ProcessInfo{PID: pid, StartedAt: time.Now().UTC(), Status: store.ProcRunning}); err != nil {
			fmt.Fprintf(os.Stderr, "save process info: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("CLAIMED_TASK_ID=%s\n", *taskID)
		fmt.Printf("PID=%d\n", pid)
		for {
			time.Sleep(1 * time.Second)
		}

	case "recover":
		orphans, err := sup.DetectOrphans()
		if err != nil {
			fmt.Fprintf(os.Stderr, "detect orphans: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("ORPHANS=%d\n", len(orphans))
		for _, o := range orphans {
			fmt.Printf("ORPHAN task=%s pid=%d\n", o.TaskID, o.PID)
		}

		info, err := st.GetProcessInfo(*taskID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "get process info: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("TASK_STATUS id=%s process_status=%s\n", *taskID, info.Status)

		if info.Status != store.ProcRunning && len(orphans) > 0 {
			fmt.Println("VERDICT PASS")
		} else {
			fmt.Println("VERDICT FAIL — task still reads as running after crash recovery")
			os.Exit(1)
		}

	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", *mode)
		os.Exit(2)
	}
}
