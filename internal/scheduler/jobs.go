package scheduler

import (
	"context"

	"github.com/relaycode/cah/internal/store"
)

// taskPolling spawns a task-exec subprocess for every task still in
// TaskPending, grounded on the teacher's cron tick/fire dispatch,
// retargeted from "fire a due cron schedule" to "start a queued task."
func (s *Scheduler) taskPolling(cfg Config) func(ctx context.Context) {
	return func(ctx context.Context) {
		pending, err := cfg.Store.GetTasksByStatus(store.TaskPending)
		if err != nil {
			s.logger.Error("scheduler: list pending tasks", "error", err)
			return
		}
		for _, t := range pending {
			if _, err := cfg.Supervisor.Spawn(t.ID, false); err != nil {
				s.logger.Error("scheduler: spawn task", "task", t.ID, "error", err)
				continue
			}
			if _, err := cfg.Store.UpdateTask(t.ID, func(task *store.Task) { task.Status = store.TaskDeveloping }); err != nil {
				s.logger.Error("scheduler: mark task developing", "task", t.ID, "error", err)
			}
		}
	}
}

// signalDetection scans for orphaned task subprocesses (a crashed
// daemon's children) and auto-repairs by respawning them, retargeted
// from the teacher's HeartbeatManager's "read HEARTBEAT.md, ask the LLM"
// loop to a scripted store/process scan.
func (s *Scheduler) signalDetection(cfg Config) func(ctx context.Context) {
	return func(ctx context.Context) {
		orphans, err := cfg.Supervisor.DetectOrphans()
		if err != nil {
			s.logger.Error("scheduler: detect orphans", "error", err)
			return
		}
		for _, o := range orphans {
			s.logger.Warn("scheduler: orphaned task process found, respawning", "task", o.TaskID, "pid", o.PID)
			if _, err := cfg.Supervisor.ResumeTask(o.TaskID); err != nil {
				s.logger.Error("scheduler: respawn orphaned task", "task", o.TaskID, "error", err)
			}
		}
	}
}

// waitingTaskRecovery re-enqueues every running instance's stuck nodes
// (orphaned ready/running states, or delay/schedule nodes whose deadline
// has passed), per spec.md §4.7. It runs before schedule nodes get a
// chance to recompute their own cron expression on this same tick (see
// DESIGN.md's Open Question (a) decision), because this job is
// registered first in New and Start launches all job loops together but
// each loop fires immediately on its own goroutine — in practice a
// schedule node's own Execute and this recovery sweep may race, and
// either resolving the wait is correct, so no further ordering is
// enforced beyond registration order documenting intent.
//
// spec.md §4.7 requires more than re-enqueueing the stuck node: the
// subprocess that was blocked on the now-past wait deadline is presumed
// wedged (it never noticed its own deadline pass) and is replaced
// outright — SIGKILLed, task marked developing, a fresh subprocess
// spawned with --resume — rather than left running alongside a second
// worker claiming the same re-enqueued job.
func (s *Scheduler) waitingTaskRecovery(cfg Config) func(ctx context.Context) {
	return func(ctx context.Context) {
		tasks, err := cfg.Store.GetAllTasks()
		if err != nil {
			s.logger.Error("scheduler: list tasks for recovery", "error", err)
			return
		}
		for _, t := range tasks {
			inst, err := cfg.Store.GetInstance(t.ID)
			if err != nil {
				continue
			}
			if inst.Status != store.InstRunning {
				continue
			}
			n, err := cfg.Engine.Recover(ctx, t.ID)
			if err != nil {
				s.logger.Error("scheduler: recover task", "task", t.ID, "error", err)
				continue
			}
			if n == 0 {
				continue
			}
			s.logger.Info("scheduler: recovered stuck nodes", "task", t.ID, "count", n)
			if cfg.Supervisor == nil {
				continue
			}
			if _, err := cfg.Supervisor.KillAndRespawn(t.ID); err != nil {
				s.logger.Error("scheduler: kill and respawn recovered task", "task", t.ID, "error", err)
			}
		}
	}
}

// evolutionCycle periodically asks the configured LLM CLI for a
// self-improvement suggestion, trimmed from the teacher's
// internal/engine/loop.go external-call shape to a single opaque
// subprocess invocation with no coupling back into the core (spec.md
// §4.7's "no core coupling" requirement).
func (s *Scheduler) evolutionCycle(cfg Config) func(ctx context.Context) {
	return func(ctx context.Context) {
		if cfg.EvolutionPrompt == "" || cfg.Invoker == nil {
			return
		}
		res, err := cfg.Invoker.Invoke(ctx, evolutionRequest(cfg))
		if err != nil {
			s.logger.Error("scheduler: evolution cycle invocation failed", "error", err)
			return
		}
		s.logger.Info("scheduler: evolution cycle complete", "response_chars", len(res.Response))
	}
}
