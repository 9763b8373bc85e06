// Package supervisor spawns and tracks the detached per-task subprocess
// that runs a workflow instance to completion, per spec.md §4.6.
package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/relaycode/cah/internal/queue"
	"github.com/relaycode/cah/internal/store"
)

// Supervisor owns task-subprocess lifecycle.
type Supervisor struct {
	store *store.Store
	queue *queue.Queue
	self  string // os.Args[0], re-exec'd as "task-exec"
}

// New returns a Supervisor bound to st/q, re-exec'ing binPath as the
// child's own executable.
func New(st *store.Store, q *queue.Queue, binPath string) *Supervisor {
	return &Supervisor{store: st, queue: q, self: binPath}
}

// Orphan describes a task whose recorded PID is no longer alive.
type Orphan struct {
	TaskID string
	PID    int
}

// Spawn starts a detached child for taskID and records process.json with
// its PID before returning, satisfying spec.md §4.6's ordering
// requirement that a crash between spawn and persistence is impossible.
func (s *Supervisor) Spawn(taskID string, resume bool) (int, error) {
	args := []string{"task-exec", "--task", taskID}
	if resume {
		args = append(args, "--resume")
	}
	cmd := exec.Command(s.self, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Stdin = nil

	logPath := filepath.Join(s.store.LogsDir(taskID), "execution.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return 0, fmt.Errorf("supervisor: create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("supervisor: open execution log: %w", err)
	}
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return 0, fmt.Errorf("supervisor: start task-exec: %w", err)
	}
	pid := cmd.Process.Pid

	// The child is detached (Setsid) and inherited a dup'd fd onto
	// logFile; closing our handle and releasing the *os.Process here
	// stops us from tracking it as our own child, so it cannot become a
	// zombie under us.
	logFile.Close()
	_ = cmd.Process.Release()

	if err := s.store.SaveProcessInfo(taskID, store.ProcessInfo{
		PID:       pid,
		StartedAt: time.Now().UTC(),
		Status:    store.ProcRunning,
	}); err != nil {
		return pid, fmt.Errorf("supervisor: persist process info: %w", err)
	}
	return pid, nil
}

// DetectOrphans scans every task's process.json and reports those whose
// recorded PID is no longer alive (ESRCH from a signal-0 probe).
func (s *Supervisor) DetectOrphans() ([]Orphan, error) {
	tasks, err := s.store.GetAllTasks()
	if err != nil {
		return nil, err
	}
	var orphans []Orphan
	for _, t := range tasks {
		info, err := s.store.GetProcessInfo(t.ID)
		if err != nil {
			continue
		}
		if info.Status != store.ProcRunning {
			continue
		}
		if !processAlive(info.PID) {
			orphans = append(orphans, Orphan{TaskID: t.ID, PID: info.PID})
			_ = s.store.SaveProcessInfo(t.ID, store.ProcessInfo{PID: info.PID, StartedAt: info.StartedAt, Status: store.ProcCrashed})
		}
	}
	return orphans, nil
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return err != syscall.ESRCH
}

// ResumeTask re-spawns a task's subprocess with --resume. It is
// idempotent: engine.Recover (run by the resumed subprocess on startup)
// is itself a no-op scan when nothing needs recovering, so calling
// ResumeTask twice against an already-recovered instance is harmless.
func (s *Supervisor) ResumeTask(taskID string) (int, error) {
	return s.Spawn(taskID, true)
}
