package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// workflowSchemaJSON is the compiled-at-init JSON Schema for a Workflow
// document, catching malformed DAGs (missing id/type, wrong enum values)
// before they reach disk. Ported from the teacher's StructuredValidator,
// which compiled a schema once and validated every LLM JSON reply against
// it; here the document under validation is a Workflow instead of a chat
// response.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id", "taskId", "name", "nodes", "edges"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "taskId": {"type": "string", "minLength": 1},
    "name": {"type": "string", "minLength": 1},
    "version": {"type": "integer"},
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "type"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "type": {
            "type": "string",
            "enum": ["start", "end", "task", "condition", "parallel", "join",
                     "human", "delay", "schedule", "switch", "assign",
                     "script", "loop", "foreach"]
          }
        }
      }
    },
    "edges": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "from", "to"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "from": {"type": "string", "minLength": 1},
          "to": {"type": "string", "minLength": 1}
        }
      }
    }
  }
}`

var (
	schemaOnce    sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr     error
)

func compileWorkflowSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		var doc interface{}
		if err := json.Unmarshal([]byte(workflowSchemaJSON), &doc); err != nil {
			schemaErr = fmt.Errorf("store: parse embedded workflow schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		const resourceURL = "mem://cah/workflow.schema.json"
		if err := c.AddResource(resourceURL, doc); err != nil {
			schemaErr = fmt.Errorf("store: add workflow schema resource: %w", err)
			return
		}
		sch, err := c.Compile(resourceURL)
		if err != nil {
			schemaErr = fmt.Errorf("store: compile workflow schema: %w", err)
			return
		}
		compiledSchema = sch
	})
	return compiledSchema, schemaErr
}

// ValidateWorkflow checks w's JSON representation against the compiled
// workflow schema, then checks the structural invariants of spec.md §3
// that a generic JSON Schema cannot express (reachability, unique ids).
func ValidateWorkflow(w Workflow) error {
	sch, err := compileWorkflowSchema()
	if err != nil {
		return err
	}

	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("store: marshal workflow for validation: %w", err)
	}
	var doc interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("store: decode workflow for validation: %w", err)
	}
	if err := sch.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidState, err)
	}

	return validateDAGInvariants(w)
}

// validateDAGInvariants enforces spec.md §3's structural invariants: exactly
// one start node, at least one end node, every node reachable from start,
// every edge endpoint references an existing node, and loop/foreach/switch
// body/case references are resolvable.
func validateDAGInvariants(w Workflow) error {
	byID := make(map[string]Node, len(w.Nodes))
	var starts, ends int
	for _, n := range w.Nodes {
		if _, dup := byID[n.ID]; dup {
			return fmt.Errorf("%w: duplicate node id %q", ErrInvalidState, n.ID)
		}
		byID[n.ID] = n
		switch n.Type {
		case NodeStart:
			starts++
		case NodeEnd:
			ends++
		}
	}
	if starts != 1 {
		return fmt.Errorf("%w: workflow must have exactly one start node, found %d", ErrInvalidState, starts)
	}
	if ends < 1 {
		return fmt.Errorf("%w: workflow must have at least one end node", ErrInvalidState)
	}

	adj := make(map[string][]string)
	for _, e := range w.Edges {
		if _, ok := byID[e.From]; !ok {
			return fmt.Errorf("%w: edge %q references unknown from-node %q", ErrInvalidState, e.ID, e.From)
		}
		if _, ok := byID[e.To]; !ok {
			return fmt.Errorf("%w: edge %q references unknown to-node %q", ErrInvalidState, e.ID, e.To)
		}
		adj[e.From] = append(adj[e.From], e.To)
	}

	for _, n := range w.Nodes {
		for _, bodyID := range n.Config.BodyNodeIDs {
			if _, ok := byID[bodyID]; !ok {
				return fmt.Errorf("%w: node %q references unknown body node %q", ErrInvalidState, n.ID, bodyID)
			}
		}
		for _, c := range n.Config.Cases {
			if c.Target != "" {
				if _, ok := byID[c.Target]; !ok {
					return fmt.Errorf("%w: switch node %q case references unknown target %q", ErrInvalidState, n.ID, c.Target)
				}
			}
		}
		if n.Config.Default != "" {
			if _, ok := byID[n.Config.Default]; !ok {
				return fmt.Errorf("%w: switch node %q default references unknown target %q", ErrInvalidState, n.ID, n.Config.Default)
			}
		}
	}

	var startID string
	for _, n := range w.Nodes {
		if n.Type == NodeStart {
			startID = n.ID
		}
	}
	reachable := map[string]bool{startID: true}
	queue := []string{startID}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range adj[cur] {
			if !reachable[next] {
				reachable[next] = true
				queue = append(queue, next)
			}
		}
	}
	for _, n := range w.Nodes {
		if !reachable[n.ID] {
			return fmt.Errorf("%w: node %q is not reachable from start", ErrInvalidState, n.ID)
		}
	}
	return nil
}
