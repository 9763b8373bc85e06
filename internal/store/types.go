// Package store implements atomic JSON persistence for tasks, workflows,
// and workflow instances under a per-task folder layout.
package store

import "time"

// TaskPriority is the priority band of a Task.
type TaskPriority string

const (
	PriorityLow    TaskPriority = "low"
	PriorityMedium TaskPriority = "medium"
	PriorityHigh   TaskPriority = "high"
)

// TaskStatus is the lifecycle status of a Task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskPlanning   TaskStatus = "planning"
	TaskDeveloping TaskStatus = "developing"
	TaskReviewing  TaskStatus = "reviewing"
	TaskPaused     TaskStatus = "paused"
	TaskWaiting    TaskStatus = "waiting"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

// TaskSource names who originated a Task.
type TaskSource string

const (
	SourceUser     TaskSource = "user"
	SourceSelfDrive TaskSource = "selfdrive"
)

// TaskOutput carries timing and other terminal metadata for a Task.
type TaskOutput struct {
	Timing *TaskTiming `json:"timing,omitempty"`
}

// TaskTiming records wall-clock duration for a completed task.
type TaskTiming struct {
	StartedAt   time.Time `json:"startedAt"`
	CompletedAt time.Time `json:"completedAt"`
	DurationMs  int64     `json:"durationMs"`
}

// Task is the stable identity for one user request.
type Task struct {
	ID          string       `json:"id"`
	Title       string       `json:"title"`
	Description string       `json:"description"`
	Priority    TaskPriority `json:"priority"`
	Status      TaskStatus   `json:"status"`
	RetryCount  int          `json:"retryCount"`
	Source      TaskSource   `json:"source"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
	WorkflowID  string       `json:"workflowId,omitempty"`
	Output      *TaskOutput  `json:"output,omitempty"`
}

// NodeType enumerates the thirteen supported workflow node kinds.
type NodeType string

const (
	NodeStart     NodeType = "start"
	NodeEnd       NodeType = "end"
	NodeTask      NodeType = "task"
	NodeCondition NodeType = "condition"
	NodeParallel  NodeType = "parallel"
	NodeJoin      NodeType = "join"
	NodeHuman     NodeType = "human"
	NodeDelay     NodeType = "delay"
	NodeSchedule  NodeType = "schedule"
	NodeSwitch    NodeType = "switch"
	NodeAssign    NodeType = "assign"
	NodeScript    NodeType = "script"
	NodeLoop      NodeType = "loop"
	NodeForeach   NodeType = "foreach"
)

// RetryPolicy controls node-level retry behavior.
type RetryPolicy struct {
	MaxAttempts int `json:"maxAttempts,omitempty"`
	BackoffMs   int `json:"backoffMs,omitempty"`
}

// SwitchCase is one branch of a switch node.
type SwitchCase struct {
	Value  interface{} `json:"value"`
	Target string      `json:"target"`
}

// Assignment is one variable write performed by an assign/script node.
type Assignment struct {
	Path       string `json:"path"`
	Value      string `json:"value"`
	Expression bool   `json:"expression,omitempty"`
}

// NodeConfig holds the union of all type-specific node configuration.
// Only the fields relevant to Type are populated; unused fields are left zero.
type NodeConfig struct {
	// task
	Persona     string `json:"persona,omitempty"`
	Prompt      string `json:"prompt,omitempty"`
	Model       string `json:"model,omitempty"`
	DisableMCP  bool   `json:"disableMcp,omitempty"`
	Stream      bool   `json:"stream,omitempty"`
	TimeoutMs   int    `json:"timeoutMs,omitempty"`

	// delay
	Value int    `json:"value,omitempty"`
	Unit  string `json:"unit,omitempty"` // s|m|h|d

	// schedule
	Datetime *time.Time `json:"datetime,omitempty"`
	Cron     string     `json:"cron,omitempty"`

	// switch
	Expression string       `json:"expression,omitempty"`
	Cases      []SwitchCase `json:"cases,omitempty"`
	Default    string       `json:"default,omitempty"`

	// assign / script
	Assignments []Assignment `json:"assignments,omitempty"`
	OutputVar   string       `json:"outputVar,omitempty"`
	Expr        string       `json:"expr,omitempty"`

	// loop
	LoopMode      string `json:"loopMode,omitempty"` // while|until|for
	Condition     string `json:"condition,omitempty"`
	MaxIterations int    `json:"maxIterations,omitempty"`
	BodyNodeIDs   []string `json:"bodyNodeIds,omitempty"`

	// foreach
	Collection  string `json:"collection,omitempty"`
	ItemVar     string `json:"itemVar,omitempty"`
	IndexVar    string `json:"indexVar,omitempty"`
	ForeachMode string `json:"foreachMode,omitempty"` // sequential|parallel
	MaxParallel int    `json:"maxParallel,omitempty"`

	Retry *RetryPolicy `json:"retry,omitempty"`
}

// Node is one vertex in a Workflow.
type Node struct {
	ID     string     `json:"id"`
	Type   NodeType   `json:"type"`
	Name   string     `json:"name"`
	Config NodeConfig `json:"config"`
}

// Edge is one directed connection between two nodes.
type Edge struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Condition string `json:"condition,omitempty"`
	Label     string `json:"label,omitempty"`
}

// WorkflowSettings holds optional execution settings for a Workflow.
type WorkflowSettings struct {
	DefaultRetry *RetryPolicy `json:"defaultRetry,omitempty"`
}

// Workflow is the DAG plan for one task.
type Workflow struct {
	ID          string                 `json:"id"`
	TaskID      string                 `json:"taskId"`
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Version     int                    `json:"version"`
	Nodes       []Node                 `json:"nodes"`
	Edges       []Edge                 `json:"edges"`
	Variables   map[string]interface{} `json:"variables"`
	Inputs      map[string]interface{} `json:"inputs,omitempty"`
	Outputs     map[string]interface{} `json:"outputs,omitempty"`
	Settings    *WorkflowSettings      `json:"settings,omitempty"`
}

// NodeRuntimeStatus is the execution status of one node within an instance.
type NodeRuntimeStatus string

const (
	NRPending NodeRuntimeStatus = "pending"
	NRReady   NodeRuntimeStatus = "ready"
	NRRunning NodeRuntimeStatus = "running"
	NRDone    NodeRuntimeStatus = "done"
	NRFailed  NodeRuntimeStatus = "failed"
	NRSkipped NodeRuntimeStatus = "skipped"
	NRWaiting NodeRuntimeStatus = "waiting"
)

// NodeState is the per-instance runtime state of one node.
type NodeState struct {
	Status      NodeRuntimeStatus `json:"status"`
	Attempts    int               `json:"attempts"`
	StartedAt   *time.Time        `json:"startedAt,omitempty"`
	CompletedAt *time.Time        `json:"completedAt,omitempty"`
	DurationMs  int64             `json:"durationMs,omitempty"`
	Result      interface{}       `json:"result,omitempty"`
	Error       string            `json:"error,omitempty"`
}

// InstanceStatus is the lifecycle status of a WorkflowInstance.
type InstanceStatus string

const (
	InstPending   InstanceStatus = "pending"
	InstRunning   InstanceStatus = "running"
	InstPaused    InstanceStatus = "paused"
	InstCompleted InstanceStatus = "completed"
	InstFailed    InstanceStatus = "failed"
	InstCancelled InstanceStatus = "cancelled"
)

// WorkflowInstance is one execution of a Workflow.
type WorkflowInstance struct {
	ID          string                       `json:"id"`
	WorkflowID  string                       `json:"workflowId"`
	Status      InstanceStatus               `json:"status"`
	NodeStates  map[string]*NodeState        `json:"nodeStates"`
	Variables   map[string]interface{}       `json:"variables"`
	Outputs     map[string]map[string]interface{} `json:"outputs"`
	LoopCounts  map[string]int               `json:"loopCounts"`
	StartedAt   time.Time                    `json:"startedAt"`
	CompletedAt *time.Time                   `json:"completedAt,omitempty"`
	Error       string                       `json:"error,omitempty"`
	PausedAt    *time.Time                   `json:"pausedAt,omitempty"`
	PauseReason string                       `json:"pauseReason,omitempty"`
}

// VarString reads a dotted-path-free string instance variable; returns "" if absent or not a string.
func (w *WorkflowInstance) VarString(key string) string {
	if w.Variables == nil {
		return ""
	}
	v, ok := w.Variables[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// ProcessStatus is the liveness status of a task's subprocess.
type ProcessStatus string

const (
	ProcRunning ProcessStatus = "running"
	ProcStopped ProcessStatus = "stopped"
	ProcCrashed ProcessStatus = "crashed"
)

// ProcessInfo records the supervised subprocess for one task.
type ProcessInfo struct {
	PID       int           `json:"pid"`
	StartedAt time.Time     `json:"startedAt"`
	Status    ProcessStatus `json:"status"`
}

// RunnerLock records the singleton queue-runner process for one host.
type RunnerLock struct {
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"startedAt"`
}

// StatsRollup is the lightweight per-task stats.json rollup.
type StatsRollup struct {
	NodesCompleted int     `json:"nodesCompleted"`
	NodesFailed    int     `json:"nodesFailed"`
	TotalTokens    int     `json:"totalTokens"`
	EstimatedCost  float64 `json:"estimatedCostUsd"`
}

// TimelineEvent is one append-only timeline.json record.
type TimelineEvent struct {
	At      time.Time   `json:"at"`
	Kind    string      `json:"kind"`
	NodeID  string      `json:"nodeId,omitempty"`
	Detail  interface{} `json:"detail,omitempty"`
}
