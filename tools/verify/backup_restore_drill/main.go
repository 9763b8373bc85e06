// Command backup_restore_drill exercises a cold backup/restore cycle
// against the file-backed task store: it creates a batch of tasks,
// copies the data root to a second directory (the operator's backup
// procedure, since the store is plain files rather than a single
// database), opens a fresh Store against the copy, and verifies every
// task and its timeline survived the round trip.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/relaycode/cah/internal/store"
)

const taskCount = 40

func main() {
	baseDir, err := os.MkdirTemp("", "cah-backup-drill-*")
	if err != nil {
		fmt.Printf("mktemp_error=%v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(baseDir)

	liveDir := filepath.Join(baseDir, "live")
	backupDir := filepath.Join(baseDir, "backup")

	st, err := store.Open(liveDir)
	if err != nil {
		fmt.Printf("open_store_error=%v\n", err)
		os.Exit(1)
	}

	now := time.Now().UTC()
	for i := 0; i < taskCount; i++ {
		id := store.NewTaskID(now.Add(time.Duration(i) * time.Millisecond))
		task := store.Task{
			ID:        id,
			Title:     fmt.Sprintf("backup-drill-%d", i),
			Priority:  store.PriorityMedium,
			Status:    store.TaskCompleted,
			Source:    store.SourceUser,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := st.CreateTask(task); err != nil {
			fmt.Printf("create_task_error=%v\n", err)
			os.Exit(1)
		}
		if err := st.AppendTimeline(id, store.TimelineEvent{At: now, Kind: "task_completed"}); err != nil {
			fmt.Printf("append_timeline_error=%v\n", err)
			os.Exit(1)
		}
	}

	backupStart := time.Now().UTC()
	if err := copyDir(liveDir, backupDir); err != nil {
		fmt.Printf("backup_error=%v\n", err)
		os.Exit(1)
	}
	backupEnd := time.Now().UTC()

	restoreStart := time.Now().UTC()
	restored, err := store.Open(backupDir)
	if err != nil {
		fmt.Printf("open_restore_error=%v\n", err)
		os.Exit(1)
	}
	restoreEnd := time.Now().UTC()

	tasks, err := restored.GetAllTasks()
	if err != nil {
		fmt.Printf("list_restored_tasks_error=%v\n", err)
		os.Exit(1)
	}

	timelineCount := 0
	for _, t := range tasks {
		events, err := readTimeline(restored, t.ID)
		if err != nil {
			fmt.Printf("read_timeline_error=%v\n", err)
			os.Exit(1)
		}
		timelineCount += len(events)
	}

	rpo := backupEnd.Sub(backupStart)
	rto := restoreEnd.Sub(restoreStart)
	fmt.Printf("backup_started=%s\n", backupStart.Format(time.RFC3339Nano))
	fmt.Printf("backup_completed=%s\n", backupEnd.Format(time.RFC3339Nano))
	fmt.Printf("restore_started=%s\n", restoreStart.Format(time.RFC3339Nano))
	fmt.Printf("restore_completed=%s\n", restoreEnd.Format(time.RFC3339Nano))
	fmt.Printf("rpo_duration=%s\n", rpo)
	fmt.Printf("rto_duration=%s\n", rto)
	fmt.Printf("restored_tasks=%d\n", len(tasks))
	fmt.Printf("restored_timeline_events=%d\n", timelineCount)

	if len(tasks) < taskCount || timelineCount == 0 {
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

func copyDir(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode())
		}
		return copyFile(path, target, info.Mode())
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}
