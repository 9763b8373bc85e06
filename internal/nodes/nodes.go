// Package nodes implements the per-node-type executors of spec.md §4.3.
// Each node type gets one small Executor; the engine drives advancement
// and retries (internal/engine), not the executors themselves.
package nodes

import (
	"context"
	"errors"
	"time"

	"github.com/relaycode/cah/internal/expr"
	"github.com/relaycode/cah/internal/invoker"
	"github.com/relaycode/cah/internal/store"
)

// Errors surfaced by node executors, per spec.md §7.
var (
	ErrNotReady    = errors.New("nodes: join barrier not yet satisfied")
	ErrWaiting     = errors.New("nodes: node is waiting on an external event")
	ErrNodeFailed  = errors.New("nodes: node execution failed")
	ErrNotSequence = errors.New("nodes: foreach collection is not a sequence")
)

// ErrWaitingUntil reports that a node should suspend until the given instant.
type ErrWaitingUntil struct {
	Until time.Time
}

func (e *ErrWaitingUntil) Error() string { return "nodes: waiting until " + e.Until.Format(time.RFC3339) }
func (e *ErrWaitingUntil) Is(target error) bool { return target == ErrWaiting }

// Output is what an Executor returns for a successfully-run (or
// legitimately-waiting) node.
type Output struct {
	Data map[string]interface{}
	Raw  string
}

// QueueHandle is the subset of the job queue an executor needs to enqueue
// loop/foreach body nodes. Defined here (not imported from internal/queue)
// to avoid a store/nodes/queue import cycle; internal/queue.Queue
// satisfies it.
type QueueHandle interface {
	Enqueue(workflowID, instanceID, nodeID string) error
	EnqueueWithData(workflowID, instanceID, nodeID string, data map[string]interface{}) error
}

// Runtime bundles everything an executor may need.
type Runtime struct {
	Store    *store.Store
	Invoker  *invoker.Invoker
	Queue    QueueHandle
	Workflow *store.Workflow
	Instance *store.WorkflowInstance
}

// EvalEnv builds the expr.Env for the current instance state.
func (rt *Runtime) EvalEnv(loop expr.LoopContext) expr.Env {
	nodeStates := make(map[string]string, len(rt.Instance.NodeStates))
	for id, ns := range rt.Instance.NodeStates {
		nodeStates[id] = string(ns.Status)
	}
	return expr.BuildContext(rt.Instance.Outputs, rt.Instance.Variables, nodeStates, rt.Workflow.Inputs, loop)
}

// Executor runs one node to completion (or to a legitimate waiting state).
type Executor interface {
	Execute(ctx context.Context, rt *Runtime, node store.Node) (Output, error)
}

// Registry maps node type to its Executor.
type Registry struct {
	executors map[store.NodeType]Executor
}

// NewRegistry builds the default registry wiring every node type from
// spec.md §4.3.
func NewRegistry() *Registry {
	r := &Registry{executors: make(map[store.NodeType]Executor)}
	r.executors[store.NodeStart] = noopExecutor{}
	r.executors[store.NodeEnd] = noopExecutor{}
	r.executors[store.NodeCondition] = noopExecutor{}
	r.executors[store.NodeParallel] = noopExecutor{}
	r.executors[store.NodeTask] = taskExecutor{}
	r.executors[store.NodeJoin] = joinExecutor{}
	r.executors[store.NodeHuman] = humanExecutor{}
	r.executors[store.NodeDelay] = delayExecutor{}
	r.executors[store.NodeSchedule] = scheduleExecutor{}
	r.executors[store.NodeSwitch] = switchExecutor{}
	r.executors[store.NodeAssign] = assignExecutor{}
	r.executors[store.NodeScript] = scriptExecutor{}
	r.executors[store.NodeLoop] = loopExecutor{}
	r.executors[store.NodeForeach] = foreachExecutor{}
	return r
}

// Get returns the Executor for a node type.
func (r *Registry) Get(t store.NodeType) (Executor, bool) {
	e, ok := r.executors[t]
	return e, ok
}

type noopExecutor struct{}

func (noopExecutor) Execute(_ context.Context, _ *Runtime, _ store.Node) (Output, error) {
	return Output{}, nil
}
