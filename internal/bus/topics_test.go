package bus

import "testing"

// TestLifecycleTopics_Unique verifies every lifecycle topic constant is
// present and distinct, per spec.md §4.8's fixed topic set.
func TestLifecycleTopics_Unique(t *testing.T) {
	topics := []string{
		TopicTaskCompleted,
		TopicWorkflowStarted,
		TopicWorkflowCompleted,
		TopicWorkflowFailed,
		TopicNodeStarted,
		TopicNodeCompleted,
		TopicNodeFailed,
	}
	seen := make(map[string]bool, len(topics))
	for _, topic := range topics {
		if topic == "" {
			t.Fatal("topic constant is empty")
		}
		if seen[topic] {
			t.Fatalf("duplicate topic: %s", topic)
		}
		seen[topic] = true
	}
}

func TestNodeEvent_Fields(t *testing.T) {
	ev := NodeEvent{TaskID: "task-1", InstanceID: "inst-1", NodeID: "n1", NodeType: "task", Error: "boom"}
	if ev.TaskID != "task-1" || ev.NodeID != "n1" || ev.Error != "boom" {
		t.Fatalf("unexpected NodeEvent: %+v", ev)
	}
}

func TestWorkflowEvent_Fields(t *testing.T) {
	ev := WorkflowEvent{TaskID: "task-1", InstanceID: "inst-1"}
	if ev.TaskID != "task-1" || ev.Error != "" {
		t.Fatalf("unexpected WorkflowEvent: %+v", ev)
	}
}
