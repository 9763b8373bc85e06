package nodes

import (
	"fmt"

	"context"

	"github.com/relaycode/cah/internal/expr"
	"github.com/relaycode/cah/internal/store"
)

// assignExecutor implements the variable-mutation node of spec.md §4.3:
// each Assignment either evaluates an expression against the current
// instance scope or writes a literal string, at a dotted Path under
// instance Variables.
type assignExecutor struct{}

func (assignExecutor) Execute(_ context.Context, rt *Runtime, node store.Node) (Output, error) {
	if rt.Instance.Variables == nil {
		rt.Instance.Variables = make(map[string]interface{})
	}
	env := rt.EvalEnv(expr.LoopContext{})
	applied := make(map[string]interface{}, len(node.Config.Assignments))
	for _, a := range node.Config.Assignments {
		var value interface{} = a.Value
		if a.Expression {
			v, err := expr.Eval(a.Value, env)
			if err != nil {
				return Output{}, fmt.Errorf("%w: assignment to %s: %v", ErrNodeFailed, a.Path, err)
			}
			value = v
		}
		setPath(rt.Instance.Variables, a.Path, value)
		applied[a.Path] = value
	}
	return Output{Data: applied}, nil
}
