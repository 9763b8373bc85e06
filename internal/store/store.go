package store

import (
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Store owns every JSON file under the data root. All other components go
// through it; no other package touches tasks/<id>/*.json directly.
type Store struct {
	root string
}

// Open returns a Store rooted at dataDir, creating it if necessary.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dataDir, "tasks"), 0o755); err != nil {
		return nil, fmt.Errorf("store: create data root: %w", err)
	}
	return &Store{root: dataDir}, nil
}

// Root returns the data root directory.
func (s *Store) Root() string { return s.root }

func (s *Store) taskDir(id string) string           { return filepath.Join(s.root, "tasks", id) }
func (s *Store) taskPath(id string) string           { return filepath.Join(s.taskDir(id), "task.json") }
func (s *Store) workflowPath(id string) string       { return filepath.Join(s.taskDir(id), "workflow.json") }
func (s *Store) instancePath(id string) string       { return filepath.Join(s.taskDir(id), "instance.json") }
func (s *Store) processPath(id string) string        { return filepath.Join(s.taskDir(id), "process.json") }
func (s *Store) statsPath(id string) string          { return filepath.Join(s.taskDir(id), "stats.json") }
func (s *Store) timelinePath(id string) string       { return filepath.Join(s.taskDir(id), "timeline.json") }
func (s *Store) LogsDir(id string) string            { return filepath.Join(s.taskDir(id), "logs") }
func (s *Store) OutputsDir(id string) string         { return filepath.Join(s.taskDir(id), "outputs") }
func (s *Store) MessagesPath(id string) string       { return filepath.Join(s.taskDir(id), "messages.jsonl") }

// NewTaskID mints an id in the format task-YYYYMMDD-HHMMSS-<rand>.
func NewTaskID(now time.Time) string {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	n := 3 + rand.Intn(3) // 3-5 chars
	b := make([]byte, n)
	for i := range b {
		b[i] = alphabet[rand.Intn(len(alphabet))]
	}
	return fmt.Sprintf("task-%s-%s", now.UTC().Format("20060102-150405"), string(b))
}

// CreateTask persists a brand new task, creating its folder layout.
func (s *Store) CreateTask(t Task) error {
	if err := os.MkdirAll(s.LogsDir(t.ID), 0o755); err != nil {
		return err
	}
	if err := os.MkdirAll(s.OutputsDir(t.ID), 0o755); err != nil {
		return err
	}
	return atomicWriteJSON(s.taskPath(t.ID), t)
}

// SaveTask overwrites a task's record atomically.
func (s *Store) SaveTask(t Task) error {
	return atomicWriteJSON(s.taskPath(t.ID), t)
}

// GetTask loads a task by exact id.
func (s *Store) GetTask(id string) (Task, error) {
	var t Task
	err := readJSON(s.taskPath(id), &t)
	return t, err
}

// UpdateTask loads, applies mutate, and atomically re-persists a task.
func (s *Store) UpdateTask(id string, mutate func(*Task)) (Task, error) {
	t, err := s.GetTask(id)
	if err != nil {
		return Task{}, err
	}
	mutate(&t)
	t.UpdatedAt = time.Now().UTC()
	if err := s.SaveTask(t); err != nil {
		return Task{}, err
	}
	return t, nil
}

// DeleteTask removes a task's entire folder.
func (s *Store) DeleteTask(id string) error {
	return os.RemoveAll(s.taskDir(id))
}

// GetAllTasks returns every task, sorted by CreatedAt descending.
func (s *Store) GetAllTasks() ([]Task, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, "tasks"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []Task
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		t, err := s.GetTask(e.Name())
		if err != nil {
			continue // absent/corrupt: skip, doctor will surface it
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// GetTasksByStatus filters GetAllTasks by status.
func (s *Store) GetTasksByStatus(status TaskStatus) ([]Task, error) {
	all, err := s.GetAllTasks()
	if err != nil {
		return nil, err
	}
	var out []Task
	for _, t := range all {
		if t.Status == status {
			out = append(out, t)
		}
	}
	return out, nil
}

// ResolveTaskID resolves a ≥4-char id prefix to a full task id. An exact
// match short-circuits; otherwise ≥2 prefix matches is ErrAmbiguousPrefix.
func (s *Store) ResolveTaskID(prefix string) (string, error) {
	if _, err := os.Stat(s.taskDir(prefix)); err == nil {
		return prefix, nil
	}
	if len(prefix) < 4 {
		return "", ErrNotFound
	}
	entries, err := os.ReadDir(filepath.Join(s.root, "tasks"))
	if err != nil {
		return "", ErrNotFound
	}
	var matches []string
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), prefix) {
			matches = append(matches, e.Name())
		}
	}
	switch len(matches) {
	case 0:
		return "", ErrNotFound
	case 1:
		return matches[0], nil
	default:
		return "", ErrAmbiguousPrefix
	}
}

// SaveWorkflow validates and atomically persists a workflow document.
func (s *Store) SaveWorkflow(w Workflow) error {
	if err := ValidateWorkflow(w); err != nil {
		return err
	}
	return atomicWriteJSON(s.workflowPath(w.TaskID), w)
}

// GetWorkflow loads the workflow for a task.
func (s *Store) GetWorkflow(taskID string) (Workflow, error) {
	var w Workflow
	err := readJSON(s.workflowPath(taskID), &w)
	return w, err
}

// SaveInstance atomically persists a workflow instance.
func (s *Store) SaveInstance(taskID string, inst WorkflowInstance) error {
	return atomicWriteJSON(s.instancePath(taskID), inst)
}

// GetInstance loads the instance for a task.
func (s *Store) GetInstance(taskID string) (WorkflowInstance, error) {
	var inst WorkflowInstance
	err := readJSON(s.instancePath(taskID), &inst)
	return inst, err
}

// UpdateInstance loads, applies mutate, and atomically re-persists an instance.
func (s *Store) UpdateInstance(taskID string, mutate func(*WorkflowInstance)) (WorkflowInstance, error) {
	inst, err := s.GetInstance(taskID)
	if err != nil {
		return WorkflowInstance{}, err
	}
	mutate(&inst)
	if err := s.SaveInstance(taskID, inst); err != nil {
		return WorkflowInstance{}, err
	}
	return inst, nil
}

// SaveProcessInfo atomically persists process.json for a task.
func (s *Store) SaveProcessInfo(taskID string, p ProcessInfo) error {
	return atomicWriteJSON(s.processPath(taskID), p)
}

// GetProcessInfo loads process.json for a task.
func (s *Store) GetProcessInfo(taskID string) (ProcessInfo, error) {
	var p ProcessInfo
	err := readJSON(s.processPath(taskID), &p)
	return p, err
}

// SaveStats atomically persists stats.json for a task.
func (s *Store) SaveStats(taskID string, st StatsRollup) error {
	return atomicWriteJSON(s.statsPath(taskID), st)
}

// GetStats loads stats.json for a task.
func (s *Store) GetStats(taskID string) (StatsRollup, error) {
	var st StatsRollup
	err := readJSON(s.statsPath(taskID), &st)
	return st, err
}

// AppendTimeline appends one event to timeline.json (a JSON array rewritten
// atomically; timelines are small and bounded by task lifetime, so the
// whole-file rewrite stays cheap and keeps the same stage-then-commit
// guarantee as every other store mutation).
func (s *Store) AppendTimeline(taskID string, ev TimelineEvent) error {
	var events []TimelineEvent
	err := readJSON(s.timelinePath(taskID), &events)
	if err != nil && !errors.Is(err, ErrNotFound) {
		if !errors.Is(err, ErrCorrupt) {
			return err
		}
		events = nil
	}
	events = append(events, ev)
	return atomicWriteJSON(s.timelinePath(taskID), events)
}

// RunnerLockPath returns the path to the singleton queue-runner lock file.
func (s *Store) RunnerLockPath() string { return filepath.Join(s.root, "runner.lock") }

func (s *Store) runnerLockDataPath() string { return filepath.Join(s.root, "runner.json") }

// SaveRunnerLock atomically persists the singleton runner's identity.
func (s *Store) SaveRunnerLock(l RunnerLock) error {
	return atomicWriteJSON(s.runnerLockDataPath(), l)
}

// GetRunnerLock loads the singleton runner's recorded identity.
func (s *Store) GetRunnerLock() (RunnerLock, error) {
	var l RunnerLock
	err := readJSON(s.runnerLockDataPath(), &l)
	return l, err
}

// QueuePath returns the path to the global queue.json file.
func (s *Store) QueuePath() string { return filepath.Join(s.root, "queue.json") }
