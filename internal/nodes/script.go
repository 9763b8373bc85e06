package nodes

import (
	"context"
	"fmt"

	"github.com/relaycode/cah/internal/expr"
	"github.com/relaycode/cah/internal/store"
)

// scriptExecutor implements the expression-only compute node of
// spec.md §4.3: a single expression is evaluated against the current
// scope and stored under OutputVar, then any additional Assignments run
// the same as an assign node. There is no general-purpose scripting
// language here by design: Expr is evaluated by the same sandboxed
// evaluator as every condition/switch expression (internal/expr).
type scriptExecutor struct{}

func (scriptExecutor) Execute(ctx context.Context, rt *Runtime, node store.Node) (Output, error) {
	env := rt.EvalEnv(expr.LoopContext{})
	result, err := expr.Eval(node.Config.Expr, env)
	if err != nil {
		return Output{}, fmt.Errorf("%w: script expression: %v", ErrNodeFailed, err)
	}

	if rt.Instance.Variables == nil {
		rt.Instance.Variables = make(map[string]interface{})
	}
	if node.Config.OutputVar != "" {
		setPath(rt.Instance.Variables, node.Config.OutputVar, result)
	}

	assignOut, err := assignExecutor{}.Execute(ctx, rt, node)
	if err != nil {
		return Output{}, err
	}

	data := assignOut.Data
	if data == nil {
		data = make(map[string]interface{})
	}
	if node.Config.OutputVar != "" {
		data[node.Config.OutputVar] = result
	}
	return Output{Data: data}, nil
}
