// Package queue implements the persistent, file-backed job queue of
// spec.md §4.5: a single queue.json document guarded by an advisory lock
// file, plus a small worker pool that polls it.
package queue

import "time"

// JobStatus is the lifecycle status of one queued node execution.
type JobStatus string

const (
	JobPending      JobStatus = "pending"
	JobClaimed      JobStatus = "claimed"
	JobDone         JobStatus = "done"
	JobFailed       JobStatus = "failed"
	JobWaitingHuman JobStatus = "waitingHuman"
)

// Job is one unit of work: "run this node of this workflow instance."
// WorkflowID doubles as the owning task's id (every workflow is 1:1 with
// the task it was planned for and shares its id), so the engine can load
// task.json/workflow.json/instance.json directly from it.
type Job struct {
	ID         string                 `json:"id"`
	WorkflowID string                 `json:"workflowId"`
	InstanceID string                 `json:"instanceId"`
	NodeID     string                 `json:"nodeId"`
	Status     JobStatus              `json:"status"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Attempts   int                    `json:"attempts"`
	CreatedAt  time.Time              `json:"createdAt"`
	ClaimedAt  *time.Time             `json:"claimedAt,omitempty"`
	Error      string                 `json:"error,omitempty"`
}

// file is the on-disk shape of queue.json.
type file struct {
	Jobs []Job `json:"jobs"`
}
