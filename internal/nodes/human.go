package nodes

import (
	"context"
	"fmt"

	"github.com/relaycode/cah/internal/store"
)

// humanExecutor implements the human-in-the-loop approval gate of
// spec.md §4.3: the node suspends (ErrWaiting) until ApplyApproval
// records a decision against the instance, at which point the engine
// re-runs it and it resolves immediately.
type humanExecutor struct{}

func approvalKey(nodeID string) string { return "_approval_" + nodeID }

func (humanExecutor) Execute(_ context.Context, rt *Runtime, node store.Node) (Output, error) {
	key := approvalKey(node.ID)
	raw, ok := rt.Instance.Variables[key]
	if !ok {
		return Output{}, ErrWaiting
	}
	decision, _ := raw.(map[string]interface{})
	approved, _ := decision["approved"].(bool)
	delete(rt.Instance.Variables, key)
	if !approved {
		note, _ := decision["note"].(string)
		return Output{}, fmt.Errorf("%w: rejected by human: %s", ErrNodeFailed, note)
	}
	return Output{Data: decision}, nil
}

// ApplyApproval records an external approve/reject decision against a
// human node so the next Execute call resolves instead of waiting.
func ApplyApproval(instance *store.WorkflowInstance, nodeID string, approved bool, note string) {
	if instance.Variables == nil {
		instance.Variables = make(map[string]interface{})
	}
	instance.Variables[approvalKey(nodeID)] = map[string]interface{}{
		"approved": approved,
		"note":     note,
	}
}
