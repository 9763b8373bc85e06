package engine

import (
	"context"
	"fmt"

	"github.com/relaycode/cah/internal/nodes"
	"github.com/relaycode/cah/internal/store"
)

// ExternalTransition applies an externally-originated decision (a human
// approval via internal/gateway, or an operator override) to a waiting
// node and re-enqueues it so the engine re-evaluates it on the next poll.
// Per DESIGN.md's Open Question (b) decision, this is the ONLY path by
// which a waiting node's state changes outside the engine's own
// RunJob/Execute loop — nothing else mutates a waiting node directly.
func (e *Engine) ExternalTransition(ctx context.Context, taskID, nodeID string, approved bool, note string) error {
	inst, err := e.Store.GetInstance(taskID)
	if err != nil {
		return fmt.Errorf("engine: load instance for external transition: %w", err)
	}
	state, ok := inst.NodeStates[nodeID]
	if !ok || state.Status != store.NRWaiting {
		return fmt.Errorf("engine: node %s is not waiting", nodeID)
	}

	nodes.ApplyApproval(&inst, nodeID, approved, note)
	if err := e.Store.SaveInstance(taskID, inst); err != nil {
		return err
	}
	return e.Queue.Enqueue(taskID, inst.ID, nodeID)
}
