package nodes

import (
	"context"
	"fmt"

	"github.com/relaycode/cah/internal/expr"
	"github.com/relaycode/cah/internal/store"
)

// maxLoopIterations bounds every loop/foreach node regardless of its own
// MaxIterations, per the engine's LoopCounts cap.
const maxLoopIterations = 1000

// loopExecutor implements the while/until/for body-repeat node of
// spec.md §4.3. Each Execute call evaluates the continuation condition
// once: the engine calls it again after each iteration's body nodes
// report done, so the node itself holds no iteration loop of its own.
type loopExecutor struct{}

// bodyIterationKey marks that this iteration's body has already been
// enqueued, so a re-Execute (e.g. after a daemon restart) does not
// double-enqueue the same body nodes.
func bodyIterationKey(nodeID string) string { return "_loopBodyPending_" + nodeID }

// loopBodyRemainingKey tracks how many of this iteration's dispatched body
// nodes have not yet reached a terminal state; see BodyNodeDone.
func loopBodyRemainingKey(nodeID string) string { return "_loopBodyRemaining_" + nodeID }

func (loopExecutor) Execute(_ context.Context, rt *Runtime, node store.Node) (Output, error) {
	cfg := node.Config
	count := rt.Instance.LoopCounts[node.ID]

	if _, pending := rt.Instance.Variables[bodyIterationKey(node.ID)]; pending {
		return Output{}, ErrWaiting
	}

	if count >= maxLoopIterations {
		return Output{}, fmt.Errorf("%w: loop node %s exceeded %d iterations", ErrNodeFailed, node.ID, maxLoopIterations)
	}

	shouldContinue, err := evalLoopCondition(rt, cfg, count)
	if err != nil {
		return Output{}, err
	}
	if !shouldContinue {
		return Output{}, nil
	}

	if rt.Instance.LoopCounts == nil {
		rt.Instance.LoopCounts = make(map[string]int)
	}
	rt.Instance.LoopCounts[node.ID] = count + 1

	for _, bodyID := range cfg.BodyNodeIDs {
		if err := rt.Queue.Enqueue(rt.Workflow.ID, rt.Instance.ID, bodyID); err != nil {
			return Output{}, fmt.Errorf("nodes: enqueueing loop body %s: %w", bodyID, err)
		}
	}
	if rt.Instance.Variables == nil {
		rt.Instance.Variables = make(map[string]interface{})
	}
	rt.Instance.Variables[bodyIterationKey(node.ID)] = true
	rt.Instance.Variables[loopBodyRemainingKey(node.ID)] = len(cfg.BodyNodeIDs)
	return Output{}, ErrWaiting
}

func evalLoopCondition(rt *Runtime, cfg store.NodeConfig, count int) (bool, error) {
	switch cfg.LoopMode {
	case "for":
		return count < cfg.MaxIterations, nil
	case "until":
		env := rt.EvalEnv(expr.LoopContext{Active: true, Count: count})
		done, err := expr.Truthy(cfg.Condition, env)
		if err != nil {
			return false, fmt.Errorf("%w: until condition: %v", ErrNodeFailed, err)
		}
		return !done, nil
	case "while", "":
		env := rt.EvalEnv(expr.LoopContext{Active: true, Count: count})
		cont, err := expr.Truthy(cfg.Condition, env)
		if err != nil {
			return false, fmt.Errorf("%w: while condition: %v", ErrNodeFailed, err)
		}
		return cont, nil
	default:
		return false, fmt.Errorf("%w: unknown loop mode %q", ErrNodeFailed, cfg.LoopMode)
	}
}

// ClearLoopBodyPending is called by the engine once every body node for
// this iteration has reached a terminal state, allowing the next
// Execute call to evaluate the continuation condition again.
func ClearLoopBodyPending(instance *store.WorkflowInstance, nodeID string) {
	delete(instance.Variables, bodyIterationKey(nodeID))
}
