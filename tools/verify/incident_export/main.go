// Command incident_export exercises the data an operator would gather
// when filing an incident report: the task store's timeline for a run,
// the audit trail of unrecoverable failures, a tail of the structured
// system log, and a hash of the active config — bundled into one JSON
// file for attachment to a ticket.
package main

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/relaycode/cah/internal/audit"
	"github.com/relaycode/cah/internal/store"
)

const (
	maxEvents = 64
	maxLogs   = 32
)

type bundle struct {
	ExportedAt  time.Time             `json:"exported_at"`
	ConfigHash  string                `json:"config_hash"`
	EventCount  int                   `json:"event_count"`
	LogCount    int                   `json:"log_count"`
	Tasks       []store.Task          `json:"tasks"`
	Timeline    []store.TimelineEvent `json:"timeline"`
	AuditTrail  []audit.Entry         `json:"audit_trail"`
	RedactedLog []string              `json:"redacted_logs"`
}

func main() {
	home, err := os.MkdirTemp("", "cah-incident-export-*")
	if err != nil {
		fmt.Printf("mktemp_error=%v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(home)

	cfgPath := filepath.Join(home, "config.yaml")
	cfgBody := []byte("worker_count: 1\nbind_addr: \"127.0.0.1:18900\"\nlog_level: \"info\"\n")
	if err := os.WriteFile(cfgPath, cfgBody, 0o644); err != nil {
		fmt.Printf("write_config_error=%v\n", err)
		os.Exit(1)
	}

	if err := audit.Init(home); err != nil {
		fmt.Printf("audit_init_error=%v\n", err)
		os.Exit(1)
	}
	defer audit.Close()

	st, err := store.Open(home)
	if err != nil {
		fmt.Printf("open_store_error=%v\n", err)
		os.Exit(1)
	}

	now := time.Now().UTC()
	var lastTaskID string
	for i := 0; i < 10; i++ {
		id := store.NewTaskID(now.Add(time.Duration(i) * time.Millisecond))
		task := store.Task{
			ID:        id,
			Title:     fmt.Sprintf("incident-%d", i),
			Priority:  store.PriorityMedium,
			Status:    store.TaskFailed,
			Source:    store.SourceUser,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := st.CreateTask(task); err != nil {
			fmt.Printf("create_task_error=%v\n", err)
			os.Exit(1)
		}
		if err := st.AppendTimeline(id, store.TimelineEvent{At: now, Kind: "task_failed", Detail: "simulated incident"}); err != nil {
			fmt.Printf("append_timeline_error=%v\n", err)
			os.Exit(1)
		}
		audit.Record(id, "task_failed", "", "simulated incident for export drill")
		lastTaskID = id
	}

	logDir := filepath.Join(home, "logs")
	logPath := filepath.Join(logDir, "system.jsonl")
	logLines := []string{
		`{"timestamp":"2026-02-11T00:00:00Z","level":"INFO","msg":"startup phase","component":"runtime","trace_id":"-"}`,
		`{"timestamp":"2026-02-11T00:00:01Z","level":"WARN","msg":"api token used","token":"[REDACTED]","trace_id":"abc"}`,
		`{"timestamp":"2026-02-11T00:00:02Z","level":"INFO","msg":"task failed","trace_id":"abc","task_id":"t1"}`,
	}
	if err := os.WriteFile(logPath, []byte(strings.Join(logLines, "\n")+"\n"), 0o644); err != nil {
		fmt.Printf("write_log_error=%v\n", err)
		os.Exit(1)
	}

	tasks, err := st.GetAllTasks()
	if err != nil {
		fmt.Printf("list_tasks_error=%v\n", err)
		os.Exit(1)
	}
	timeline, err := readTimeline(st, lastTaskID)
	if err != nil {
		fmt.Printf("read_timeline_error=%v\n", err)
		os.Exit(1)
	}
	if len(timeline) > maxEvents {
		timeline = timeline[:maxEvents]
	}
	trail, err := readAuditTrail(home, maxEvents)
	if err != nil {
		fmt.Printf("read_audit_error=%v\n", err)
		os.Exit(1)
	}
	logs, err := tailLines(logPath, maxLogs)
	if err != nil {
		fmt.Printf("tail_logs_error=%v\n", err)
		os.Exit(1)
	}
	cfgHash, err := sha256File(cfgPath)
	if err != nil {
		fmt.Printf("config_hash_error=%v\n", err)
		os.Exit(1)
	}

	b := bundle{
		ExportedAt:  time.Now().UTC(),
		ConfigHash:  cfgHash,
		EventCount:  len(timeline),
		LogCount:    len(logs),
		Tasks:       tasks,
		Timeline:    timeline,
		AuditTrail:  trail,
		RedactedLog: logs,
	}

	bundlePath := filepath.Join(home, "incident_bundle.json")
	encoded, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		fmt.Printf("marshal_bundle_error=%v\n", err)
		os.Exit(1)
	}
	if err := os.WriteFile(bundlePath, encoded, 0o644); err != nil {
		fmt.Printf("write_bundle_error=%v\n", err)
		os.Exit(1)
	}

	fmt.Printf("bundle_path=%s\n", bundlePath)
	fmt.Printf("config_hash=%s\n", cfgHash)
	fmt.Printf("timeline_events=%d max_events=%d\n", len(timeline), maxEvents)
	fmt.Printf("audit_entries=%d\n", len(trail))
	fmt.Printf("logs=%d max_logs=%d\n", len(logs), maxLogs)
	fmt.Printf("tasks=%d\n", len(tasks))
	if len(timeline) == 0 || len(logs) == 0 || len(trail) == 0 || len(timeline) > maxEvents || len(logs) > maxLogs {
		fmt.Println("VERDICT FAIL")
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS")
}

func readTimeline(st *store.Store, taskID string) ([]store.TimelineEvent, error) {
	data, err := os.ReadFile(filepath.Join(st.Root(), "tasks", taskID, "timeline.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var events []store.TimelineEvent
	if len(data) == 0 {
		return events, nil
	}
	if err := json.Unmarshal(data, &events); err != nil {
		return nil, err
	}
	return events, nil
}

func readAuditTrail(homeDir string, limit int) ([]audit.Entry, error) {
	path := filepath.Join(homeDir, "logs", "audit.jsonl")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var entries []audit.Entry
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" {
			continue
		}
		var e audit.Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			return nil, err
		}
		entries = append(entries, e)
		if len(entries) > limit {
			entries = entries[1:]
		}
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func tailLines(path string, limit int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if limit <= 0 {
		limit = 1
	}
	lines := make([]string, 0, limit)
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" {
			continue
		}
		lines = append(lines, line)
		if len(lines) > limit {
			lines = lines[1:]
		}
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

func sha256File(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}
