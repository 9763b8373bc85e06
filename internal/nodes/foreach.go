package nodes

import (
	"context"
	"fmt"

	"github.com/relaycode/cah/internal/expr"
	"github.com/relaycode/cah/internal/store"
)

// foreachExecutor implements the collection-iteration node of
// spec.md §4.3. Collection must evaluate to a sequence (slice); a
// non-sequence result is ErrNotSequence (DESIGN.md Open Question c),
// never silently treated as a single-element collection. Sequential mode
// binds ItemVar/IndexVar directly on the instance and runs one body copy
// at a time; parallel mode (bounded by MaxParallel) snapshots item/index
// into each enqueued job's own data instead, since concurrent iterations
// cannot safely share a single instance-wide variable.
type foreachExecutor struct{}

func itemsKey(nodeID string) string   { return "_foreachItems_" + nodeID }
func cursorKey(nodeID string) string  { return "_foreachCursor_" + nodeID }
func activeKey(nodeID string) string  { return "_foreachActive_" + nodeID }
func pendingKey(nodeID string) string { return "_foreachPending_" + nodeID }

// foreachBodyRemainingKey tracks how many of the current batch's dispatched
// body-node jobs have not yet reached a terminal state; see BodyNodeDone.
func foreachBodyRemainingKey(nodeID string) string { return "_foreachBodyRemaining_" + nodeID }

func (foreachExecutor) Execute(_ context.Context, rt *Runtime, node store.Node) (Output, error) {
	cfg := node.Config
	vars := rt.Instance.Variables
	if vars == nil {
		vars = make(map[string]interface{})
		rt.Instance.Variables = vars
	}

	if _, pending := vars[pendingKey(node.ID)]; pending {
		return Output{}, ErrWaiting
	}

	items, ok := vars[itemsKey(node.ID)].([]interface{})
	if !ok {
		env := rt.EvalEnv(expr.LoopContext{})
		raw, err := expr.Eval(cfg.Collection, env)
		if err != nil {
			return Output{}, fmt.Errorf("%w: foreach collection: %v", ErrNodeFailed, err)
		}
		items, ok = raw.([]interface{})
		if !ok {
			return Output{}, fmt.Errorf("%w: %v", ErrNotSequence, ErrNodeFailed)
		}
		if len(items) > maxLoopIterations {
			return Output{}, fmt.Errorf("%w: foreach node %s exceeds %d items", ErrNodeFailed, node.ID, maxLoopIterations)
		}
		vars[itemsKey(node.ID)] = items
		vars[cursorKey(node.ID)] = 0
	}

	cursor, _ := vars[cursorKey(node.ID)].(int)
	if cursor >= len(items) {
		delete(vars, itemsKey(node.ID))
		delete(vars, cursorKey(node.ID))
		delete(vars, activeKey(node.ID))
		return Output{Data: map[string]interface{}{"total": len(items)}}, nil
	}

	maxParallel := cfg.MaxParallel
	if cfg.ForeachMode != "parallel" || maxParallel < 1 {
		maxParallel = 1
	}

	itemVar := cfg.ItemVar
	if itemVar == "" {
		itemVar = "item"
	}
	indexVar := cfg.IndexVar
	if indexVar == "" {
		indexVar = "index"
	}

	dispatched := 0
	for cursor < len(items) && dispatched < maxParallel {
		if maxParallel == 1 {
			vars[itemVar] = items[cursor]
			vars[indexVar] = cursor
			for _, bodyID := range cfg.BodyNodeIDs {
				if err := rt.Queue.Enqueue(rt.Workflow.ID, rt.Instance.ID, bodyID); err != nil {
					return Output{}, fmt.Errorf("nodes: enqueueing foreach body %s: %w", bodyID, err)
				}
			}
		} else {
			data := map[string]interface{}{itemVar: items[cursor], indexVar: cursor}
			for _, bodyID := range cfg.BodyNodeIDs {
				if err := rt.Queue.EnqueueWithData(rt.Workflow.ID, rt.Instance.ID, bodyID, data); err != nil {
					return Output{}, fmt.Errorf("nodes: enqueueing foreach body %s: %w", bodyID, err)
				}
			}
		}
		cursor++
		dispatched++
	}
	vars[cursorKey(node.ID)] = cursor
	vars[pendingKey(node.ID)] = true
	vars[foreachBodyRemainingKey(node.ID)] = dispatched * len(cfg.BodyNodeIDs)
	return Output{}, ErrWaiting
}

// ClearForeachPending is called by the engine once a dispatched batch of
// body nodes has reached a terminal state, unblocking the next batch.
func ClearForeachPending(instance *store.WorkflowInstance, nodeID string) {
	delete(instance.Variables, pendingKey(nodeID))
}
