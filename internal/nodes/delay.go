package nodes

import (
	"context"
	"fmt"
	"time"

	"github.com/relaycode/cah/internal/store"
)

// delayExecutor implements the pure-wait node of spec.md §4.3: it
// suspends until Value*Unit has elapsed since the node first started,
// recovering correctly across daemon restarts because the comparison is
// against the persisted StartedAt rather than an in-memory timer.
type delayExecutor struct{}

func unitDuration(unit string) time.Duration {
	switch unit {
	case "s":
		return time.Second
	case "m":
		return time.Minute
	case "h":
		return time.Hour
	case "d":
		return 24 * time.Hour
	default:
		return time.Second
	}
}

func (delayExecutor) Execute(_ context.Context, rt *Runtime, node store.Node) (Output, error) {
	state := rt.Instance.NodeStates[node.ID]
	if state == nil || state.StartedAt == nil {
		return Output{}, fmt.Errorf("nodes: delay node %s missing start time", node.ID)
	}
	deadline := state.StartedAt.Add(time.Duration(node.Config.Value) * unitDuration(node.Config.Unit))
	if time.Now().Before(deadline) {
		return Output{}, &ErrWaitingUntil{Until: deadline}
	}
	return Output{}, nil
}
