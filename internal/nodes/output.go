package nodes

import (
	"encoding/json"
	"regexp"
	"strings"
)

// fencedJSONBlock matches a ```json ... ``` (or bare ```) fenced block
// inside free-form LLM text output, per spec.md §4.3 "dynamic output
// parsing": an agent's prose reply may embed a JSON object the workflow
// needs to read back as structured node output.
var fencedJSONBlock = regexp.MustCompile("(?s)```(?:json)?\\s*\\n(.*?)\\n```")

// parseOutput extracts structured data from a node's raw text response.
// It tries, in order: a fenced JSON block, a bare top-level JSON object,
// then falls back to "key: value" line parsing. Every resulting key is
// additionally indexed under its hyphen/underscore alias so downstream
// expressions can use either spelling (spec.md §8 boundary scenario 5).
func parseOutput(text string) Output {
	out := Output{Raw: text}

	if m := fencedJSONBlock.FindStringSubmatch(text); m != nil {
		var data map[string]interface{}
		if err := json.Unmarshal([]byte(m[1]), &data); err == nil {
			out.Data = aliasKeys(data)
			return out
		}
	}

	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "{") {
		var data map[string]interface{}
		if err := json.Unmarshal([]byte(trimmed), &data); err == nil {
			out.Data = aliasKeys(data)
			return out
		}
	}

	data := make(map[string]interface{})
	for _, line := range strings.Split(text, "\n") {
		idx := strings.Index(line, ":")
		if idx <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		val := strings.TrimSpace(line[idx+1:])
		if key == "" || strings.ContainsAny(key, " \t") {
			continue
		}
		data[key] = val
	}
	if len(data) > 0 {
		out.Data = aliasKeys(data)
	}
	return out
}

func aliasKeys(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m)*2)
	for k, v := range m {
		out[k] = v
		if alt := hyphenUnderscoreAlias(k); alt != k {
			if _, exists := out[alt]; !exists {
				out[alt] = v
			}
		}
	}
	return out
}

func hyphenUnderscoreAlias(key string) string {
	if strings.Contains(key, "-") {
		return strings.ReplaceAll(key, "-", "_")
	}
	if strings.Contains(key, "_") {
		return strings.ReplaceAll(key, "_", "-")
	}
	return key
}
