package queue

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/relaycode/cah/internal/store"
)

// Queue is the file-backed job queue: every mutation takes the advisory
// lock, reads the current document, applies the change, and atomically
// rewrites it before releasing.
type Queue struct {
	path string
}

// New returns a Queue backed by the given store's queue.json.
func New(st *store.Store) *Queue {
	return &Queue{path: st.QueuePath()}
}

func (q *Queue) withLock(fn func(*file) error) error {
	release, err := acquireLock(q.path)
	if err != nil {
		return err
	}
	defer release()

	var f file
	data, err := os.ReadFile(q.path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &f); err != nil {
			return fmt.Errorf("queue: corrupt queue.json: %w", err)
		}
	case os.IsNotExist(err):
		f = file{}
	default:
		return err
	}

	if err := fn(&f); err != nil {
		return err
	}

	tmp := q.path + ".tmp"
	out, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(tmp, out, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}

// Enqueue adds a pending job for the given workflow instance/node.
func (q *Queue) Enqueue(workflowID, instanceID, nodeID string) error {
	return q.EnqueueWithData(workflowID, instanceID, nodeID, nil)
}

// EnqueueWithData adds a pending job carrying a per-job data snapshot,
// used by parallel foreach dispatch where each iteration needs its own
// item/index binding (internal/nodes.foreachExecutor).
func (q *Queue) EnqueueWithData(workflowID, instanceID, nodeID string, data map[string]interface{}) error {
	return q.withLock(func(f *file) error {
		f.Jobs = append(f.Jobs, Job{
			ID:         uuid.NewString(),
			WorkflowID: workflowID,
			InstanceID: instanceID,
			NodeID:     nodeID,
			Status:     JobPending,
			Data:       data,
			CreatedAt:  time.Now().UTC(),
		})
		return nil
	})
}

// ClaimNextWaiting atomically claims the oldest pending job, marking it
// claimed so no other worker picks it up concurrently.
func (q *Queue) ClaimNextWaiting() (Job, bool, error) {
	var claimed Job
	var found bool
	err := q.withLock(func(f *file) error {
		for i := range f.Jobs {
			if f.Jobs[i].Status != JobPending {
				continue
			}
			now := time.Now().UTC()
			f.Jobs[i].Status = JobClaimed
			f.Jobs[i].ClaimedAt = &now
			f.Jobs[i].Attempts++
			claimed = f.Jobs[i]
			found = true
			return nil
		}
		return nil
	})
	return claimed, found, err
}

// ClaimNextWaitingForWorkflow atomically claims the oldest pending job
// belonging to the given workflow (== task) id, leaving every other
// task's jobs untouched. Used by the task-exec subprocess entrypoint:
// the queue file is global and shared by every concurrently-running
// task subprocess, so each subprocess's own worker loop only ever claims
// (and therefore only ever writes to the task folder of) its own task,
// preserving the "one writer per task folder" invariant of spec.md §5.
func (q *Queue) ClaimNextWaitingForWorkflow(workflowID string) (Job, bool, error) {
	var claimed Job
	var found bool
	err := q.withLock(func(f *file) error {
		for i := range f.Jobs {
			if f.Jobs[i].Status != JobPending || f.Jobs[i].WorkflowID != workflowID {
				continue
			}
			now := time.Now().UTC()
			f.Jobs[i].Status = JobClaimed
			f.Jobs[i].ClaimedAt = &now
			f.Jobs[i].Attempts++
			claimed = f.Jobs[i]
			found = true
			return nil
		}
		return nil
	})
	return claimed, found, err
}

// Complete marks a job done and prunes it from the queue.
func (q *Queue) Complete(jobID string) error {
	return q.withLock(func(f *file) error {
		f.Jobs = removeJob(f.Jobs, jobID)
		return nil
	})
}

// Fail marks a job failed, recording the error, and leaves it in the
// queue for operator visibility (doctor/status surfaces failed jobs).
func (q *Queue) Fail(jobID string, cause error) error {
	return q.withLock(func(f *file) error {
		for i := range f.Jobs {
			if f.Jobs[i].ID == jobID {
				f.Jobs[i].Status = JobFailed
				if cause != nil {
					f.Jobs[i].Error = cause.Error()
				}
				return nil
			}
		}
		return nil
	})
}

// MarkWaitingHuman transitions a claimed job to waitingHuman so the
// worker pool stops retrying it until an external approval arrives.
func (q *Queue) MarkWaitingHuman(jobID string) error {
	return q.withLock(func(f *file) error {
		for i := range f.Jobs {
			if f.Jobs[i].ID == jobID {
				f.Jobs[i].Status = JobWaitingHuman
				return nil
			}
		}
		return nil
	})
}

// ResumeWaitingJobsForInstance flips every waitingHuman job of the given
// instance back to pending, e.g. after a human approval is recorded.
func (q *Queue) ResumeWaitingJobsForInstance(instanceID string) (int, error) {
	n := 0
	err := q.withLock(func(f *file) error {
		for i := range f.Jobs {
			if f.Jobs[i].InstanceID == instanceID && f.Jobs[i].Status == JobWaitingHuman {
				f.Jobs[i].Status = JobPending
				n++
			}
		}
		return nil
	})
	return n, err
}

// List returns a snapshot of every job currently in the queue.
func (q *Queue) List() ([]Job, error) {
	var out []Job
	err := q.withLock(func(f *file) error {
		out = append(out, f.Jobs...)
		return nil
	})
	return out, err
}

func removeJob(jobs []Job, id string) []Job {
	out := jobs[:0]
	for _, j := range jobs {
		if j.ID != id {
			out = append(out, j)
		}
	}
	return out
}
