package nodes

import (
	"context"
	"path/filepath"

	"github.com/relaycode/cah/internal/invoker"
	"github.com/relaycode/cah/internal/store"
)

// sessionVarKey is where the LLM CLI's resumable session id is stashed on
// the instance, per SPEC_FULL.md §3 "[DOMAIN] Session continuity".
const sessionVarKey = "_llmSessionId"

// taskExecutor runs one agent turn through the invoker, grounded on
// spec.md §4.3's task node contract: a prompt is rendered, sent to the
// configured LLM CLI (optionally resuming the instance's running
// session), and the reply is parsed back into structured node output.
type taskExecutor struct{}

func (taskExecutor) Execute(ctx context.Context, rt *Runtime, node store.Node) (Output, error) {
	cfg := node.Config
	req := invoker.Request{
		Prompt:     cfg.Prompt,
		Model:      cfg.Model,
		SessionID:  rt.Instance.VarString(sessionVarKey),
		Stream:     cfg.Stream,
		DisableMCP: cfg.DisableMCP,
		TimeoutMs:  cfg.TimeoutMs,
		OutputsDir: filepath.Join(rt.Store.Root(), rt.Workflow.TaskID, "outputs"),
	}

	res, err := rt.Invoker.Invoke(ctx, req)
	if err != nil {
		return Output{}, err
	}

	if res.SessionID != "" {
		if rt.Instance.Variables == nil {
			rt.Instance.Variables = make(map[string]interface{})
		}
		rt.Instance.Variables[sessionVarKey] = res.SessionID
	}

	out := parseOutput(res.Response)
	if out.Data == nil {
		out.Data = make(map[string]interface{})
	}
	out.Data["_costUsd"] = res.CostUSD
	out.Data["_costEstimated"] = res.CostEstimated
	out.Data["_durationMs"] = res.DurationMs
	if len(res.MCPImagePaths) > 0 {
		out.Data["_mcpImages"] = res.MCPImagePaths
	}
	return out, nil
}
