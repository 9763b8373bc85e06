package nodes

import "strings"

// setPath writes value into root at a dotted path (e.g. "user.name"),
// creating intermediate map[string]interface{} levels as needed. Matches
// the assign/script node contract of spec.md §4.3.
func setPath(root map[string]interface{}, path string, value interface{}) {
	parts := strings.Split(path, ".")
	cur := root
	for i, part := range parts {
		if i == len(parts)-1 {
			cur[part] = value
			return
		}
		next, ok := cur[part].(map[string]interface{})
		if !ok {
			next = make(map[string]interface{})
			cur[part] = next
		}
		cur = next
	}
}
