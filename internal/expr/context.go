package expr

// BuildContext assembles the fixed evaluation scope of spec.md §4.3:
// {outputs, variables, nodeStates, inputs, loopCount, index, item, total}.
// Keys containing '-' in outputs/variables/nodeStates are dual-indexed so
// that both the original key and a '_'-substituted alias resolve from dot
// syntax (spec.md §9 "Dynamic output parsing" / boundary scenario 5); this
// is the one place the aliasing transform happens, so every caller (node
// executors, the engine's edge-condition checks) gets it for free.
func BuildContext(outputs map[string]map[string]interface{}, variables map[string]interface{}, nodeStates map[string]string, inputs map[string]interface{}, loop LoopContext) Env {
	env := Env{
		"outputs":    aliasNested(outputs),
		"variables":  aliasFlat(variables),
		"nodeStates": nodeStatesToEnv(nodeStates),
		"inputs":     aliasFlat(inputs),
	}
	if loop.Active {
		env["loopCount"] = float64(loop.Count)
		env["index"] = float64(loop.Index)
		env["item"] = loop.Item
		env["total"] = float64(loop.Total)
	}
	return env
}

// LoopContext carries the loop/foreach-local bindings active when an
// expression is evaluated from inside a loop body; Active is false for
// top-level (non-loop) evaluation.
type LoopContext struct {
	Active bool
	Count  int
	Index  int
	Item   interface{}
	Total  int
}

func aliasFlat(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
		dualIndex(out, k, v)
	}
	return out
}

func aliasNested(m map[string]map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		aliased := aliasFlat(v)
		out[k] = aliased
		dualIndex(out, k, aliased)
	}
	return out
}

func nodeStatesToEnv(m map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
		dualIndex(out, k, v)
	}
	return out
}

func dualIndex(m map[string]interface{}, key string, v interface{}) {
	if alias := hyphenUnderscoreAlias(key); alias != key {
		if _, exists := m[alias]; !exists {
			m[alias] = v
		}
	}
}

func hyphenUnderscoreAlias(key string) string {
	out := make([]byte, len(key))
	for i := 0; i < len(key); i++ {
		if key[i] == '-' {
			out[i] = '_'
		} else {
			out[i] = key[i]
		}
	}
	return string(out)
}
