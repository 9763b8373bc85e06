package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/relaycode/cah/internal/store"
)

// Recover re-enqueues a task's in-flight nodes after a daemon restart
// (orphaned running/ready nodes whose worker died mid-job) and any
// delay/schedule node whose persisted wait deadline has already passed.
// internal/scheduler's waiting-task recovery cron job calls this once per
// running task on every tick; see DESIGN.md's Open Question (a) decision
// for how this interacts with schedule nodes' own cron evaluation.
func (e *Engine) Recover(ctx context.Context, taskID string) (int, error) {
	inst, err := e.Store.GetInstance(taskID)
	if err != nil {
		return 0, fmt.Errorf("engine: load instance for recovery: %w", err)
	}
	if inst.Status != store.InstRunning {
		return 0, nil
	}

	wf, err := e.Store.GetWorkflow(taskID)
	if err != nil {
		return 0, fmt.Errorf("engine: load workflow for recovery: %w", err)
	}

	n := 0
	for _, node := range wf.Nodes {
		state, ok := inst.NodeStates[node.ID]
		if !ok {
			continue
		}
		switch state.Status {
		case store.NRReady, store.NRRunning:
			// spec.md §4.4: a node left running across a restart had its
			// in-flight worker die mid-job; its previous attempt counts
			// as a failure and it is reset to pending before re-dispatch
			// (boundary scenario 6: the resumed node completes with
			// attempt=2, not attempt=1).
			if state.Status == store.NRRunning {
				state.Attempts++
				// A schedule/delay node left running is presumed stuck
				// mid-wait rather than mid-compute; resolve its wait
				// immediately on resume instead of recomputing the
				// deadline against whatever "now" the resumed node sees.
				markScheduleTriggered(&inst, node.ID)
			}
			state.Status = store.NRPending
			if err := e.Queue.Enqueue(taskID, inst.ID, node.ID); err != nil {
				return n, err
			}
			n++
		case store.NRWaiting:
			if due, ok := waitDeadlinePassed(state); ok && due {
				markScheduleTriggered(&inst, node.ID)
				if err := e.Queue.Enqueue(taskID, inst.ID, node.ID); err != nil {
					return n, err
				}
				n++
			}
		}
	}
	if n > 0 {
		if err := e.Store.SaveInstance(taskID, inst); err != nil {
			return n, err
		}
	}
	return n, nil
}

func waitDeadlinePassed(state *store.NodeState) (due, ok bool) {
	data, isMap := state.Result.(map[string]interface{})
	if !isMap {
		return false, false
	}
	raw, present := data["_waitUntil"]
	if !present {
		return false, false
	}
	s, isStr := raw.(string)
	if !isStr {
		return false, false
	}
	until, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return false, false
	}
	return time.Now().After(until), true
}

// markScheduleTriggered sets the flag scheduleExecutor checks so a
// recovered schedule node resolves immediately instead of recomputing
// its cron expression against a possibly-different "now".
func markScheduleTriggered(inst *store.WorkflowInstance, nodeID string) {
	if inst.Variables == nil {
		inst.Variables = make(map[string]interface{})
	}
	inst.Variables["_scheduleWaitTriggered_"+nodeID] = true
}
