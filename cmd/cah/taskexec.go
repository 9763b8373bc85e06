package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/relaycode/cah/internal/audit"
	"github.com/relaycode/cah/internal/config"
	"github.com/relaycode/cah/internal/engine"
	"github.com/relaycode/cah/internal/invoker"
	"github.com/relaycode/cah/internal/queue"
	"github.com/relaycode/cah/internal/store"
	"github.com/relaycode/cah/internal/telemetry"
)

// pollInterval matches the worker pool's own cadence (internal/queue's
// default), since a task-exec subprocess is itself a single-task worker.
const execPollInterval = 500 * time.Millisecond

// idleTimeout bounds how long a subprocess waits for its own next job
// before deciding the instance is done waiting on something external
// (a human node, a future schedule) and exiting; the scheduler's
// waiting_task_recovery job re-spawns it later via the supervisor.
const idleTimeout = 2 * time.Minute

// runTaskExecCommand is the subprocess entrypoint re-exec'd by
// internal/supervisor.Spawn as "task-exec --task <id> [--resume]". It
// drives exactly one task's workflow instance: claim jobs scoped to this
// task from the shared queue.json, run them through the engine, and exit
// once the instance reaches a terminal or paused state, or the instance
// has nothing left to claim for idleTimeout.
//
// Exit codes: 0 instance reached a terminal state (done, failed, or
// cancelled) or the subprocess idled out waiting on something external;
// 1 a setup error prevented the subprocess from running at all; 2 bad
// arguments.
func runTaskExecCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("task-exec", flag.ContinueOnError)
	taskID := fs.String("task", "", "task id to drive")
	resume := fs.Bool("resume", false, "recover in-flight node state before polling")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *taskID == "" {
		fmt.Fprintln(os.Stderr, "task-exec: --task is required")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "task-exec: config load:", err)
		return 1
	}
	if err := audit.Init(cfg.HomeDir); err != nil {
		fmt.Fprintln(os.Stderr, "task-exec: audit init:", err)
		return 1
	}
	defer audit.Close()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, true)
	if err != nil {
		fmt.Fprintln(os.Stderr, "task-exec: logger init:", err)
		return 1
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger = logger.With("task_id", *taskID)

	st, err := store.Open(cfg.HomeDir)
	if err != nil {
		logger.Error("task-exec: store open failed", "error", err)
		return 1
	}
	q := queue.New(st)
	inv := invoker.New(invoker.Config{Command: cfg.Invoker.Command, Args: cfg.Invoker.Args})
	eng := engine.New(st, q, inv)
	eng.Logger = logger

	if *resume {
		n, err := eng.Recover(ctx, *taskID)
		if err != nil {
			logger.Error("task-exec: recover failed", "error", err)
			return 1
		}
		if n > 0 {
			logger.Info("task-exec: recovered in-flight nodes", "count", n)
		}
	}

	return driveTask(ctx, logger, st, q, eng, *taskID)
}

func driveTask(ctx context.Context, logger *slog.Logger, st *store.Store, q *queue.Queue, eng *engine.Engine, taskID string) int {
	ticker := time.NewTicker(execPollInterval)
	defer ticker.Stop()

	idleSince := time.Now()
	for {
		if isTerminal(st, taskID) {
			logger.Info("task-exec: instance reached terminal state, exiting")
			return 0
		}

		select {
		case <-ctx.Done():
			logger.Info("task-exec: context cancelled, exiting")
			return 0
		case <-ticker.C:
			job, ok, err := q.ClaimNextWaitingForWorkflow(taskID)
			if err != nil {
				logger.Error("task-exec: claim failed", "error", err)
				continue
			}
			if !ok {
				if time.Since(idleSince) > idleTimeout {
					logger.Info("task-exec: idle timeout reached, exiting to await external event")
					return 0
				}
				continue
			}
			idleSince = time.Now()

			if err := eng.RunJob(ctx, job); err != nil {
				logger.Error("task-exec: job failed", "job", job.ID, "node", job.NodeID, "error", err)
				if ferr := q.Fail(job.ID, err); ferr != nil {
					logger.Error("task-exec: mark job failed failed", "job", job.ID, "error", ferr)
				}
				continue
			}
			if err := q.Complete(job.ID); err != nil {
				logger.Error("task-exec: complete job failed", "job", job.ID, "error", err)
			}
		}
	}
}

func isTerminal(st *store.Store, taskID string) bool {
	inst, err := st.GetInstance(taskID)
	if err != nil {
		return true // instance missing/corrupt: nothing left to drive
	}
	switch inst.Status {
	case store.InstCompleted, store.InstFailed, store.InstCancelled, store.InstPaused:
		return true
	default:
		return false
	}
}
