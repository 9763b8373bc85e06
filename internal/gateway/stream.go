package gateway

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/relaycode/cah/internal/bus"
)

// streamSSEEvent is a single SSE event sent to a dashboard client.
type streamSSEEvent struct {
	Type   string `json:"type"` // "node" | "workflow" | "task"
	NodeID string `json:"node_id,omitempty"`
	Status string `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

// handleTaskStream implements GET /api/v1/task/{id}/events. It subscribes
// to the lifecycle bus and forwards every node/workflow/task event whose
// TaskID matches, as an SSE stream, per spec.md §4.8/§6.
func (s *Server) handleTaskStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	taskID := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/api/v1/tasks/"), "/events")
	if taskID == "" {
		http.Error(w, "task id is required", http.StatusBadRequest)
		return
	}

	if s.bus == nil {
		http.Error(w, "streaming not available: event bus not configured", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	sub := s.bus.Subscribe("")
	defer s.bus.Unsubscribe(sub)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			slog.Debug("sse: client disconnected", "task_id", taskID)
			return

		case event, ok := <-sub.Ch():
			if !ok {
				return
			}

			sseEvent, terminal := sseEventFor(taskID, event)
			if sseEvent == nil {
				continue
			}

			data, err := json.Marshal(sseEvent)
			if err != nil {
				slog.Error("sse: marshal event", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				slog.Debug("sse: write failed (client disconnected?)", "task_id", taskID, "error", err)
				return
			}
			flusher.Flush()

			if terminal {
				return
			}
		}
	}
}

// sseEventFor translates a bus.Event into a client-facing SSE payload,
// filtered to the requested task. terminal reports whether the stream
// should close after sending this event.
func sseEventFor(taskID string, event bus.Event) (payload *streamSSEEvent, terminal bool) {
	switch ev := event.Payload.(type) {
	case bus.NodeEvent:
		if ev.TaskID != taskID {
			return nil, false
		}
		return &streamSSEEvent{Type: "node", NodeID: ev.NodeID, Status: event.Topic, Error: ev.Error}, false

	case bus.WorkflowEvent:
		if ev.TaskID != taskID {
			return nil, false
		}
		return &streamSSEEvent{Type: "workflow", Status: event.Topic, Error: ev.Error}, event.Topic != bus.TopicWorkflowStarted

	case bus.TaskCompletedEvent:
		if ev.TaskID != taskID {
			return nil, false
		}
		return &streamSSEEvent{Type: "task", Status: ev.Status}, true

	default:
		return nil, false
	}
}
