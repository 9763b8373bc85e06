// Command runtime_smoke exercises the daemon's HTTP dashboard boundary
// end to end against a live gateway: it submits a start->human->end
// workflow, follows the task's SSE event stream until the human node
// reports waiting, approves it over the REST endpoint, and confirms the
// stream reports the task reaching a terminal state.
//
// Usage:
//
//	go run ./tools/verify/runtime_smoke/ -url http://127.0.0.1:18789
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/relaycode/cah/internal/store"
)

type createTaskRequest struct {
	Title       string             `json:"title"`
	Description string             `json:"description"`
	Priority    store.TaskPriority `json:"priority"`
	Workflow    store.Workflow     `json:"workflow"`
}

type sseEvent struct {
	Type   string `json:"type"`
	NodeID string `json:"node_id,omitempty"`
	Status string `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

func main() {
	baseURL := flag.String("url", "http://127.0.0.1:18789", "gateway base URL")
	apiKey := flag.String("api-key", "", "X-API-Key header value, if gateway auth is enabled")
	timeout := flag.Duration("timeout", 20*time.Second, "overall timeout")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	client := &http.Client{}

	if err := waitHealthy(ctx, client, *baseURL); err != nil {
		fatal("healthz", err)
	}
	fmt.Println("CHECK healthz ok")

	taskID, err := createTask(ctx, client, *baseURL, *apiKey)
	if err != nil {
		fatal("create task", err)
	}
	fmt.Printf("CHECK task created task_id=%s\n", taskID)

	streamCtx, streamCancel := context.WithCancel(ctx)
	defer streamCancel()
	events, errs := streamEvents(streamCtx, client, *baseURL, *apiKey, taskID)

	// The human node always suspends on its first Execute (see
	// internal/nodes/human.go), so node:started for "gate" is the signal
	// that it is now waiting on an external approval decision.
	if err := waitForNodeStatus(events, errs, "gate", "node:started"); err != nil {
		fatal("wait for human node to start waiting", err)
	}
	fmt.Println("CHECK human node waiting")

	if err := approveNode(ctx, client, *baseURL, *apiKey, taskID, "gate", true, "runtime smoke approval"); err != nil {
		fatal("approve node", err)
	}
	fmt.Println("CHECK approval accepted")

	if err := waitForTaskTerminal(events, errs); err != nil {
		fatal("wait for task terminal", err)
	}
	fmt.Println("CHECK task reached terminal state")

	fmt.Println("VERDICT PASS")
}

func waitHealthy(ctx context.Context, client *http.Client, baseURL string) error {
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/healthz", nil)
		resp, err := client.Do(req)
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(200 * time.Millisecond)
	}
	return fmt.Errorf("gateway never became healthy at %s", baseURL)
}

func createTask(ctx context.Context, client *http.Client, baseURL, apiKey string) (string, error) {
	req := createTaskRequest{
		Title:       "runtime-smoke",
		Description: "runtime smoke drill",
		Priority:    store.PriorityMedium,
		Workflow: store.Workflow{
			Name:    "runtime-smoke",
			Version: 1,
			Nodes: []store.Node{
				{ID: "start", Type: store.NodeStart, Name: "start"},
				{ID: "gate", Type: store.NodeHuman, Name: "gate", Config: store.NodeConfig{Prompt: "approve runtime smoke?"}},
				{ID: "end", Type: store.NodeEnd, Name: "end"},
			},
			Edges: []store.Edge{
				{ID: "e1", From: "start", To: "gate"},
				{ID: "e2", From: "gate", To: "end"},
			},
			Variables: map[string]interface{}{},
		},
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/v1/tasks", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	setAuth(httpReq, apiKey)

	resp, err := client.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("create task: unexpected status %d", resp.StatusCode)
	}
	var task store.Task
	if err := json.NewDecoder(resp.Body).Decode(&task); err != nil {
		return "", err
	}
	return task.ID, nil
}

func approveNode(ctx context.Context, client *http.Client, baseURL, apiKey, taskID, nodeID string, approved bool, note string) error {
	body, err := json.Marshal(map[string]interface{}{
		"node_id":  nodeID,
		"approved": approved,
		"note":     note,
	})
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/v1/tasks/"+taskID+"/approve", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	setAuth(httpReq, apiKey)

	resp, err := client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("approve: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// streamEvents opens the task's SSE feed and decodes events onto a
// channel in the background; the caller cancels ctx to stop it.
func streamEvents(ctx context.Context, client *http.Client, baseURL, apiKey, taskID string) (<-chan sseEvent, <-chan error) {
	events := make(chan sseEvent, 32)
	errs := make(chan error, 1)

	go func() {
		defer close(events)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/v1/tasks/"+taskID+"/events", nil)
		if err != nil {
			errs <- err
			return
		}
		setAuth(req, apiKey)

		resp, err := client.Do(req)
		if err != nil {
			errs <- err
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			errs <- fmt.Errorf("events stream: unexpected status %d", resp.StatusCode)
			return
		}

		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var ev sseEvent
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
				continue
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	return events, errs
}

func waitForNodeStatus(events <-chan sseEvent, errs <-chan error, nodeID, wantStatus string) error {
	timeout := time.After(15 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return fmt.Errorf("event stream closed before %s reached %s", nodeID, wantStatus)
			}
			if ev.Type == "node" && ev.NodeID == nodeID && strings.Contains(ev.Status, wantStatus) {
				return nil
			}
		case err := <-errs:
			return err
		case <-timeout:
			return fmt.Errorf("timed out waiting for node %s status %s", nodeID, wantStatus)
		}
	}
}

func waitForTaskTerminal(events <-chan sseEvent, errs <-chan error) error {
	timeout := time.After(15 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return fmt.Errorf("event stream closed before task reached a terminal state")
			}
			if ev.Type == "task" {
				return nil
			}
		case err := <-errs:
			return err
		case <-timeout:
			return fmt.Errorf("timed out waiting for task terminal event")
		}
	}
}

func setAuth(r *http.Request, apiKey string) {
	if apiKey == "" {
		return
	}
	r.Header.Set("X-API-Key", apiKey)
}

func fatal(msg string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
	os.Exit(1)
}
