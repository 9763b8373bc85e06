package nodes

import (
	"context"
	"fmt"

	"github.com/relaycode/cah/internal/expr"
	"github.com/relaycode/cah/internal/store"
)

// switchExecutor implements the multi-way branch of spec.md §4.3: the
// expression is evaluated once and matched against each case's literal
// value; the engine reads Output.Data["_switchTarget"] to pick the
// outgoing edge instead of evaluating per-edge conditions.
type switchExecutor struct{}

const SwitchTargetKey = "_switchTarget"

func (switchExecutor) Execute(_ context.Context, rt *Runtime, node store.Node) (Output, error) {
	env := rt.EvalEnv(expr.LoopContext{})
	val, err := expr.Eval(node.Config.Expression, env)
	if err != nil {
		return Output{}, fmt.Errorf("%w: switch expression: %v", ErrNodeFailed, err)
	}

	target := node.Config.Default
	for _, c := range node.Config.Cases {
		if switchValuesEqual(val, c.Value) {
			target = c.Target
			break
		}
	}
	if target == "" {
		return Output{}, fmt.Errorf("%w: switch node %s matched no case and has no default", ErrNodeFailed, node.ID)
	}
	return Output{Data: map[string]interface{}{SwitchTargetKey: target}}, nil
}

func switchValuesEqual(a, b interface{}) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}
