package nodes

import "github.com/relaycode/cah/internal/store"

// FindBodyOwner reports the loop/foreach node that dispatched bodyNodeID as
// part of its BodyNodeIDs, if any. The engine uses this to know which
// iteration-pending flag to clear once a body node reaches a terminal state.
func FindBodyOwner(wf *store.Workflow, bodyNodeID string) (store.Node, bool) {
	for _, n := range wf.Nodes {
		if n.Type != store.NodeLoop && n.Type != store.NodeForeach {
			continue
		}
		for _, id := range n.Config.BodyNodeIDs {
			if id == bodyNodeID {
				return n, true
			}
		}
	}
	return store.Node{}, false
}

// BodyNodeDone decrements owner's per-iteration dispatch counter and reports
// whether every body node dispatched for the current iteration (or, for a
// parallel foreach, the current batch) has now reached a terminal state. The
// engine calls this once per finished body node and, when it returns true,
// clears the owner's pending flag and re-enqueues the owner so loopExecutor
// / foreachExecutor can evaluate the next iteration.
func BodyNodeDone(instance *store.WorkflowInstance, owner store.Node) bool {
	switch owner.Type {
	case store.NodeLoop:
		return decrementRemaining(instance, loopBodyRemainingKey(owner.ID))
	case store.NodeForeach:
		return decrementRemaining(instance, foreachBodyRemainingKey(owner.ID))
	default:
		return false
	}
}

func decrementRemaining(instance *store.WorkflowInstance, key string) bool {
	if instance.Variables == nil {
		return false
	}
	remaining, _ := instance.Variables[key].(int)
	remaining--
	if remaining <= 0 {
		delete(instance.Variables, key)
		return true
	}
	instance.Variables[key] = remaining
	return false
}
