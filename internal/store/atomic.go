package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// atomicWriteJSON marshals v and writes it to path via a stage-then-commit
// sequence: write to a sibling temp file, fsync, then rename into place.
// This is the file-backed analogue of the teacher's BeginTx/Commit pairing —
// every mutation stages fully before it becomes visible.
func atomicWriteJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	tmp := filepath.Join(dir, fmt.Sprintf(".%s.tmp.%d.%s", filepath.Base(path), os.Getpid(), uuid.NewString()[:8]))
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create temp %s: %w", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write temp %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("fsync temp %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close temp %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s -> %s: %w", tmp, path, err)
	}
	return nil
}

// readJSON reads path and unmarshals it into v. A missing file is reported
// via ErrNotFound; a file present but unparseable is quarantined and
// reported via ErrCorrupt, matching spec.md §4.1's "log + treat as absent"
// policy and §7's Corrupt error kind.
func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		quarantineCorrupt(path)
		return fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	return nil
}

// quarantineCorrupt copies a broken JSON file aside so the original bytes
// are preserved for inspection, then removes the original so subsequent
// reads see it as absent. Invoked both by direct reads and by the doctor
// package's auto-repair pass.
func quarantineCorrupt(path string) {
	backup := fmt.Sprintf("%s.corrupt.%d", path, time.Now().UTC().Unix())
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	if err := os.WriteFile(backup, data, 0o644); err != nil {
		slog.Error("store: failed to quarantine corrupt file", "path", path, "error", err)
		return
	}
	if err := os.Remove(path); err != nil {
		slog.Error("store: failed to remove corrupt file after quarantine", "path", path, "error", err)
	}
	slog.Warn("store: quarantined corrupt file", "path", path, "backup", backup)
}
