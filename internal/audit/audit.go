// Package audit writes an append-only JSONL trail for unrecoverable
// workflow/task failures, per spec.md §7's error-handling policy:
// "Unrecoverable conditions ... write jsonl audit, and send a completion
// notification."
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relaycode/cah/internal/shared"
)

// Entry is one record in the audit trail.
type Entry struct {
	Timestamp string `json:"timestamp"`
	TaskID    string `json:"taskId"`
	Kind      string `json:"kind"` // "workflow_failed" | "task_failed" | "corrupt_store"
	Reason    string `json:"reason"`
	NodeID    string `json:"nodeId,omitempty"`
}

var (
	mu         sync.Mutex
	file       *os.File
	failCount  atomic.Int64
)

// Init opens (creating if necessary) logs/audit.jsonl under dataDir.
func Init(dataDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(dataDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// Close releases the audit file handle.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// FailureCount returns the total number of recorded failures since startup.
func FailureCount() int64 {
	return failCount.Load()
}

// Record appends one entry to the audit trail, redacting any secret-like
// content in reason per spec.md §7.
func Record(taskID, kind, nodeID, reason string) {
	failCount.Add(1)
	reason = shared.Redact(reason)

	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return
	}
	ev := Entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		TaskID:    taskID,
		Kind:      kind,
		NodeID:    nodeID,
		Reason:    reason,
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_, _ = file.Write(append(b, '\n'))
}
