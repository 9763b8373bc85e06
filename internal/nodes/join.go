package nodes

import (
	"context"

	"github.com/relaycode/cah/internal/store"
)

// joinExecutor implements the parallel-branch barrier of spec.md §4.3:
// a join node only fires once every incoming edge's source node has
// reached a terminal state (done or skipped). Branches that failed hold
// the join back, surfacing as ErrNotReady until the engine's retry/fail
// handling resolves them.
type joinExecutor struct{}

func (joinExecutor) Execute(_ context.Context, rt *Runtime, node store.Node) (Output, error) {
	for _, edge := range rt.Workflow.Edges {
		if edge.To != node.ID {
			continue
		}
		state, ok := rt.Instance.NodeStates[edge.From]
		if !ok {
			return Output{}, ErrNotReady
		}
		switch state.Status {
		case store.NRDone, store.NRSkipped:
			continue
		default:
			return Output{}, ErrNotReady
		}
	}
	return Output{}, nil
}
