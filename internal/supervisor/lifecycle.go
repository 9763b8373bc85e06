package supervisor

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/relaycode/cah/internal/queue"
	"github.com/relaycode/cah/internal/store"
)

// PauseTask suspends a running task: the instance is marked paused and
// its subprocess is signalled to stop claiming new queue jobs for it.
// The subprocess itself checks instance.Status on each RunJob (see
// internal/engine.RunJob) and exits its poll loop once it observes
// anything other than running.
func (s *Supervisor) PauseTask(taskID, reason string) error {
	_, err := s.store.UpdateInstance(taskID, func(inst *store.WorkflowInstance) {
		now := time.Now().UTC()
		inst.Status = store.InstPaused
		inst.PausedAt = &now
		inst.PauseReason = reason
	})
	if err != nil {
		return fmt.Errorf("supervisor: pause instance: %w", err)
	}
	_, err = s.store.UpdateTask(taskID, func(t *store.Task) { t.Status = store.TaskPaused })
	return err
}

// ResumePausedTask clears the pause and re-spawns the task subprocess.
func (s *Supervisor) ResumePausedTask(taskID string) (int, error) {
	_, err := s.store.UpdateInstance(taskID, func(inst *store.WorkflowInstance) {
		inst.Status = store.InstRunning
		inst.PausedAt = nil
		inst.PauseReason = ""
	})
	if err != nil {
		return 0, fmt.Errorf("supervisor: resume instance: %w", err)
	}
	if _, err := s.store.UpdateTask(taskID, func(t *store.Task) { t.Status = store.TaskDeveloping }); err != nil {
		return 0, err
	}
	return s.ResumeTask(taskID)
}

// CompleteTask marks a task completed out of band (e.g. an operator
// override) without waiting for the workflow to reach an end node.
func (s *Supervisor) CompleteTask(taskID string) error {
	now := time.Now().UTC()
	_, err := s.store.UpdateInstance(taskID, func(inst *store.WorkflowInstance) {
		inst.Status = store.InstCompleted
		inst.CompletedAt = &now
	})
	if err != nil {
		return fmt.Errorf("supervisor: complete instance: %w", err)
	}
	_, err = s.store.UpdateTask(taskID, func(t *store.Task) { t.Status = store.TaskCompleted })
	return err
}

// RejectTask cancels a task, e.g. from an operator or a rejected human
// approval that should abort rather than resume the workflow.
func (s *Supervisor) RejectTask(taskID, reason string) error {
	_, err := s.store.UpdateInstance(taskID, func(inst *store.WorkflowInstance) {
		inst.Status = store.InstCancelled
		inst.Error = reason
	})
	if err != nil {
		return fmt.Errorf("supervisor: cancel instance: %w", err)
	}
	_, err = s.store.UpdateTask(taskID, func(t *store.Task) { t.Status = store.TaskCancelled })
	return err
}

// KillAndRespawn force-terminates taskID's current subprocess (if any is
// recorded and alive) with SIGKILL, marks the task developing, and spawns
// a fresh subprocess with --resume. Used by internal/scheduler's
// waiting-task recovery job (spec.md §4.7) to replace an idle subprocess
// stuck past its schedule/delay wait deadline: a SIGTERM grace period
// doesn't apply here because the process is not expected to be
// responsive (it's blocked in a wait state that has itself already
// deadlocked). Safe to call even if process.json is missing or stale:
// a dead/absent PID is simply skipped before respawning.
func (s *Supervisor) KillAndRespawn(taskID string) (int, error) {
	if info, err := s.store.GetProcessInfo(taskID); err == nil && info.PID > 0 {
		_ = syscall.Kill(info.PID, syscall.SIGKILL)
	}
	if _, err := s.store.UpdateTask(taskID, func(t *store.Task) { t.Status = store.TaskDeveloping }); err != nil {
		return 0, fmt.Errorf("supervisor: mark task developing: %w", err)
	}
	return s.Spawn(taskID, true)
}

// RunnerLock guards the singleton queue-runner process for one host,
// reusing internal/queue's O_CREAT|O_EXCL + mtime-staleness protocol via
// the store's runner.lock path.
type RunnerLock struct {
	path    string
	release func()
}

// AcquireRunnerLock blocks (with the same retry/backoff as the job
// queue's lock) until the singleton runner lock is free, then holds it.
func AcquireRunnerLock(st *store.Store) (*RunnerLock, error) {
	path := st.RunnerLockPath()
	release, err := queue.AcquireLock(path)
	if err != nil {
		return nil, err
	}
	if err := st.SaveRunnerLock(store.RunnerLock{PID: os.Getpid(), StartedAt: time.Now().UTC()}); err != nil {
		release()
		return nil, err
	}
	return &RunnerLock{path: path, release: release}, nil
}

// Release frees the runner lock.
func (l *RunnerLock) Release() { l.release() }
