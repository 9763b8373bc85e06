// Package engine advances a workflow instance one node at a time,
// implementing the node-dispatch protocol of spec.md §4.4: load state,
// run the node's Executor, interpret the outcome (done/waiting/failed),
// route to the next node(s) via the workflow's edges, and persist.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/relaycode/cah/internal/bus"
	"github.com/relaycode/cah/internal/expr"
	"github.com/relaycode/cah/internal/invoker"
	"github.com/relaycode/cah/internal/nodes"
	"github.com/relaycode/cah/internal/queue"
	"github.com/relaycode/cah/internal/store"
)

// ErrWorkflowFailed marks an instance that has exhausted a node's retries.
var ErrWorkflowFailed = errors.New("engine: workflow instance failed")

// defaultMaxAttempts is the retry budget a node gets when its workflow
// supplies no explicit retry policy, per spec.md §8 testable property 3
// ("Σ retry.maxAttempts (default 3)").
const defaultMaxAttempts = 3

// Engine owns node advancement for every workflow instance.
type Engine struct {
	Store    *store.Store
	Queue    *queue.Queue
	Invoker  *invoker.Invoker
	Registry *nodes.Registry
	Logger   *slog.Logger

	// Bus, if set, receives node/workflow/task lifecycle events per
	// spec.md §4.8. Nil is a valid zero value: publishing is skipped.
	Bus *bus.Bus
}

// New builds an Engine wired to the given store/queue/invoker.
func New(st *store.Store, q *queue.Queue, inv *invoker.Invoker) *Engine {
	return &Engine{
		Store:    st,
		Queue:    q,
		Invoker:  inv,
		Registry: nodes.NewRegistry(),
		Logger:   slog.Default(),
	}
}

// Handler adapts Engine.RunJob to queue.Handler for the worker pool.
func (e *Engine) Handler() queue.Handler {
	return func(ctx context.Context, job queue.Job) error {
		return e.RunJob(ctx, job)
	}
}

// RunJob loads the job's workflow/instance, executes its node, and
// advances the instance. It returns an error only for genuine failures
// the pool should mark the queue job failed for; waiting and not-ready
// outcomes are persisted as instance state and return nil so the queue
// job is considered handled (the node itself remains non-terminal and is
// re-enqueued by internal/scheduler's recovery sweep, or — for join
// barriers — re-enqueued immediately below).
func (e *Engine) RunJob(ctx context.Context, job queue.Job) error {
	taskID := job.WorkflowID // see queue.Job doc: WorkflowID doubles as taskID

	wf, err := e.Store.GetWorkflow(taskID)
	if err != nil {
		return fmt.Errorf("engine: load workflow %s: %w", taskID, err)
	}
	inst, err := e.Store.GetInstance(taskID)
	if err != nil {
		return fmt.Errorf("engine: load instance %s: %w", taskID, err)
	}

	node, ok := findNode(wf, job.NodeID)
	if !ok {
		return fmt.Errorf("engine: node %s not found in workflow %s", job.NodeID, wf.ID)
	}

	if inst.Status != store.InstRunning {
		return nil // instance was paused/cancelled/completed since this job was enqueued
	}

	rt := &nodes.Runtime{Store: e.Store, Invoker: e.Invoker, Queue: e.Queue, Workflow: &wf, Instance: &inst}
	if job.Data != nil {
		applyJobData(&inst, job.Data)
	}

	state := ensureNodeState(&inst, node.ID)
	if state.StartedAt == nil {
		now := time.Now().UTC()
		state.StartedAt = &now
	}
	state.Status = store.NRRunning
	e.publish(bus.TopicNodeStarted, bus.NodeEvent{TaskID: taskID, InstanceID: inst.ID, NodeID: node.ID, NodeType: string(node.Type)})

	exec, ok := e.Registry.Get(node.Type)
	if !ok {
		return fmt.Errorf("engine: no executor registered for node type %s", node.Type)
	}

	out, runErr := exec.Execute(ctx, rt, node)

	switch {
	case runErr == nil:
		return e.onNodeDone(ctx, &wf, &inst, node, out, taskID)
	case isWaiting(runErr):
		return e.onNodeWaiting(&inst, node, state, taskID, runErr)
	case errors.Is(runErr, nodes.ErrNotReady):
		return e.onNotReady(node, taskID)
	default:
		return e.onNodeFailed(&wf, &inst, node, state, runErr, taskID)
	}
}

func isWaiting(err error) bool {
	if errors.Is(err, nodes.ErrWaiting) {
		return true
	}
	var w *nodes.ErrWaitingUntil
	return errors.As(err, &w)
}

func (e *Engine) onNodeWaiting(inst *store.WorkflowInstance, node store.Node, state *store.NodeState, taskID string, runErr error) error {
	state.Status = store.NRWaiting
	var w *nodes.ErrWaitingUntil
	if errors.As(runErr, &w) {
		state.Result = map[string]interface{}{"_waitUntil": w.Until.Format(time.RFC3339)}
	}
	return e.Store.SaveInstance(taskID, *inst)
}

func (e *Engine) onNotReady(node store.Node, taskID string) error {
	// Join barrier not yet satisfied: re-enqueue for the next poll cycle
	// rather than busy-retrying inline.
	return e.Queue.Enqueue(taskID, "", node.ID)
}

func (e *Engine) onNodeFailed(wf *store.Workflow, inst *store.WorkflowInstance, node store.Node, state *store.NodeState, cause error, taskID string) error {
	state.Attempts++
	policy := retryPolicyFor(wf, node)
	if state.Attempts < policy.MaxAttempts {
		state.Status = store.NRReady
		state.Error = cause.Error()
		if err := e.Store.SaveInstance(taskID, *inst); err != nil {
			return err
		}
		delay := time.Duration(policy.BackoffMs) * time.Millisecond
		if delay <= 0 {
			delay = 0
		}
		time.AfterFunc(delay, func() {
			if err := e.Queue.Enqueue(taskID, inst.ID, node.ID); err != nil {
				e.Logger.Error("engine: re-enqueue after retry backoff failed", "task", taskID, "node", node.ID, "error", err)
			}
		})
		return nil
	}

	now := time.Now().UTC()
	state.Status = store.NRFailed
	state.CompletedAt = &now
	state.Error = cause.Error()
	inst.Status = store.InstFailed
	inst.Error = fmt.Sprintf("node %s failed: %v", node.ID, cause)
	if err := e.Store.SaveInstance(taskID, *inst); err != nil {
		return err
	}
	if _, err := e.Store.UpdateTask(taskID, func(t *store.Task) { t.Status = store.TaskFailed }); err != nil {
		e.Logger.Error("engine: mark task failed", "task", taskID, "error", err)
	}
	e.Store.AppendTimeline(taskID, store.TimelineEvent{At: now, Kind: "node_failed", NodeID: node.ID, Detail: cause.Error()})
	e.publish(bus.TopicNodeFailed, bus.NodeEvent{TaskID: taskID, InstanceID: inst.ID, NodeID: node.ID, NodeType: string(node.Type), Error: cause.Error()})
	e.publish(bus.TopicWorkflowFailed, bus.WorkflowEvent{TaskID: taskID, InstanceID: inst.ID, Error: inst.Error})
	e.publish(bus.TopicTaskCompleted, bus.TaskCompletedEvent{TaskID: taskID, Status: string(store.TaskFailed)})
	return fmt.Errorf("%w: node %s: %v", ErrWorkflowFailed, node.ID, cause)
}

func (e *Engine) onNodeDone(ctx context.Context, wf *store.Workflow, inst *store.WorkflowInstance, node store.Node, out nodes.Output, taskID string) error {
	now := time.Now().UTC()
	state := ensureNodeState(inst, node.ID)
	state.Status = store.NRDone
	state.CompletedAt = &now
	if state.StartedAt != nil {
		state.DurationMs = now.Sub(*state.StartedAt).Milliseconds()
	}
	state.Result = out.Data

	if inst.Outputs == nil {
		inst.Outputs = make(map[string]map[string]interface{})
	}
	if out.Data != nil {
		inst.Outputs[node.ID] = out.Data
	}

	e.Store.AppendTimeline(taskID, store.TimelineEvent{At: now, Kind: "node_done", NodeID: node.ID})
	e.publish(bus.TopicNodeCompleted, bus.NodeEvent{TaskID: taskID, InstanceID: inst.ID, NodeID: node.ID, NodeType: string(node.Type)})

	if owner, ok := nodes.FindBodyOwner(wf, node.ID); ok {
		if nodes.BodyNodeDone(inst, owner) {
			switch owner.Type {
			case store.NodeLoop:
				nodes.ClearLoopBodyPending(inst, owner.ID)
			case store.NodeForeach:
				nodes.ClearForeachPending(inst, owner.ID)
			}
			ensureNodeState(inst, owner.ID).Status = store.NRReady
			if err := e.Queue.Enqueue(taskID, inst.ID, owner.ID); err != nil {
				return fmt.Errorf("engine: re-enqueue loop/foreach owner %s: %w", owner.ID, err)
			}
		}
	}

	if node.Type == store.NodeEnd {
		return e.finalizeIfComplete(wf, inst, taskID)
	}

	targets, err := e.nextNodes(wf, inst, node, out)
	if err != nil {
		return err
	}
	for _, target := range targets {
		ensureNodeState(inst, target).Status = store.NRReady
		if err := e.Queue.Enqueue(taskID, inst.ID, target); err != nil {
			return fmt.Errorf("engine: enqueue next node %s: %w", target, err)
		}
	}

	if len(targets) == 0 {
		return e.finalizeIfComplete(wf, inst, taskID)
	}
	return e.Store.SaveInstance(taskID, *inst)
}

// nextNodes resolves which node ids to run after node completes, per
// spec.md §4.3/§4.4's routing rules: switch nodes route by their single
// chosen target, parallel nodes fan out every outgoing edge, and every
// other node follows whichever outgoing edges' conditions evaluate true
// (edges without a condition are unconditional).
func (e *Engine) nextNodes(wf *store.Workflow, inst *store.WorkflowInstance, node store.Node, out nodes.Output) ([]string, error) {
	if node.Type == store.NodeSwitch {
		if target, ok := out.Data[nodes.SwitchTargetKey].(string); ok && target != "" {
			return []string{target}, nil
		}
		return nil, fmt.Errorf("engine: switch node %s produced no target", node.ID)
	}

	outgoing := outgoingEdges(wf, node.ID)
	if node.Type == store.NodeParallel {
		var targets []string
		for _, ed := range outgoing {
			targets = append(targets, ed.To)
		}
		return targets, nil
	}

	env := expr.BuildContext(inst.Outputs, inst.Variables, nodeStateStrings(inst), wf.Inputs, expr.LoopContext{})
	var targets []string
	var fallback string
	for _, ed := range outgoing {
		if ed.Condition == "" {
			fallback = ed.To
			continue
		}
		ok, err := expr.Truthy(ed.Condition, env)
		if err != nil {
			return nil, fmt.Errorf("%w: edge condition %s: %v", nodes.ErrNodeFailed, ed.ID, err)
		}
		if ok {
			targets = append(targets, ed.To)
		}
	}
	if len(targets) == 0 && fallback != "" {
		targets = append(targets, fallback)
	}
	return targets, nil
}

func (e *Engine) finalizeIfComplete(wf *store.Workflow, inst *store.WorkflowInstance, taskID string) error {
	if !allNodesTerminal(wf, inst) {
		return e.Store.SaveInstance(taskID, *inst)
	}
	now := time.Now().UTC()
	inst.Status = store.InstCompleted
	inst.CompletedAt = &now
	if err := e.Store.SaveInstance(taskID, *inst); err != nil {
		return err
	}
	_, err := e.Store.UpdateTask(taskID, func(t *store.Task) {
		t.Status = store.TaskCompleted
		if t.Output == nil {
			t.Output = &store.TaskOutput{}
		}
		t.Output.Timing = &store.TaskTiming{
			StartedAt:   inst.StartedAt,
			CompletedAt: now,
			DurationMs:  now.Sub(inst.StartedAt).Milliseconds(),
		}
	})
	if err != nil {
		return err
	}
	e.publish(bus.TopicWorkflowCompleted, bus.WorkflowEvent{TaskID: taskID, InstanceID: inst.ID})
	e.publish(bus.TopicTaskCompleted, bus.TaskCompletedEvent{TaskID: taskID, Status: string(store.TaskCompleted)})
	return nil
}

// publish emits a lifecycle event if a Bus is configured; it is a no-op
// otherwise so Engine remains usable without one (as in tests).
func (e *Engine) publish(topic string, payload interface{}) {
	if e.Bus != nil {
		e.Bus.EmitAsync(topic, payload)
	}
}

func allNodesTerminal(wf *store.Workflow, inst *store.WorkflowInstance) bool {
	for _, n := range wf.Nodes {
		st, ok := inst.NodeStates[n.ID]
		if !ok {
			continue // never reached along this branch
		}
		switch st.Status {
		case store.NRDone, store.NRSkipped, store.NRFailed:
		default:
			return false
		}
	}
	return true
}

func findNode(wf store.Workflow, id string) (store.Node, bool) {
	for _, n := range wf.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return store.Node{}, false
}

func outgoingEdges(wf *store.Workflow, from string) []store.Edge {
	var out []store.Edge
	for _, ed := range wf.Edges {
		if ed.From == from {
			out = append(out, ed)
		}
	}
	return out
}

func nodeStateStrings(inst *store.WorkflowInstance) map[string]string {
	out := make(map[string]string, len(inst.NodeStates))
	for id, st := range inst.NodeStates {
		out[id] = string(st.Status)
	}
	return out
}

func ensureNodeState(inst *store.WorkflowInstance, nodeID string) *store.NodeState {
	if inst.NodeStates == nil {
		inst.NodeStates = make(map[string]*store.NodeState)
	}
	st, ok := inst.NodeStates[nodeID]
	if !ok {
		st = &store.NodeState{Status: store.NRPending}
		inst.NodeStates[nodeID] = st
	}
	return st
}

func retryPolicyFor(wf *store.Workflow, node store.Node) store.RetryPolicy {
	if node.Config.Retry != nil {
		return *node.Config.Retry
	}
	if wf.Settings != nil && wf.Settings.DefaultRetry != nil {
		return *wf.Settings.DefaultRetry
	}
	return store.RetryPolicy{MaxAttempts: defaultMaxAttempts}
}

func applyJobData(inst *store.WorkflowInstance, data map[string]interface{}) {
	if inst.Variables == nil {
		inst.Variables = make(map[string]interface{})
	}
	for k, v := range data {
		inst.Variables[k] = v
	}
}
