package bus

// Lifecycle event topics, per spec.md §4.8: task/workflow/node lifecycle
// notifications consumed by internal/gateway's SSE stream and
// internal/channels' completion notifications.
const (
	TopicTaskCompleted = "task:completed"

	TopicWorkflowStarted   = "workflow:started"
	TopicWorkflowCompleted = "workflow:completed"
	TopicWorkflowFailed    = "workflow:failed"

	TopicNodeStarted   = "node:started"
	TopicNodeCompleted = "node:completed"
	TopicNodeFailed    = "node:failed"
)

// TaskCompletedEvent is published once a task reaches a terminal status.
type TaskCompletedEvent struct {
	TaskID string
	Status string // "completed" | "failed" | "cancelled"
}

// WorkflowEvent is published on workflow instance lifecycle transitions.
type WorkflowEvent struct {
	TaskID     string
	InstanceID string
	Error      string // set only for workflow:failed
}

// NodeEvent is published on per-node lifecycle transitions.
type NodeEvent struct {
	TaskID     string
	InstanceID string
	NodeID     string
	NodeType   string
	Error      string // set only for node:failed
}
