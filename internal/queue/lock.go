package queue

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// staleLockTimeout and lockRetryInterval implement the advisory-lock
// protocol of spec.md §4.5/§6: a lock file older than staleLockTimeout is
// presumed abandoned by a crashed holder and reclaimed.
const (
	staleLockTimeout  = 30 * time.Second
	lockRetryInterval = 100 * time.Millisecond
)

// AcquireLock exposes the queue's advisory-lock primitive for reuse by
// other file-backed singletons (internal/supervisor's runner lock),
// since spec.md §4.6 reuses the same O_CREAT|O_EXCL + mtime-staleness
// protocol rather than inventing a second one.
func AcquireLock(path string) (func(), error) {
	return acquireLock(path)
}

// acquireLock takes the advisory lock at path+".lock", blocking (with
// retry) until it is free or a stale holder is reclaimed.
func acquireLock(path string) (func(), error) {
	lockPath := path + ".lock"
	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d", os.Getpid())
			f.Close()
			return func() { os.Remove(lockPath) }, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("queue: create lock file: %w", err)
		}
		if reclaimStaleLock(lockPath) {
			continue
		}
		time.Sleep(lockRetryInterval)
	}
}

// reclaimStaleLock removes a lock file whose mtime is older than
// staleLockTimeout, reporting whether it did so. A benign race with
// another process doing the same reclaim is fine: whichever Remove wins,
// the next OpenFile attempt in acquireLock's loop resolves it.
func reclaimStaleLock(lockPath string) bool {
	info, err := os.Stat(lockPath)
	if err != nil {
		return os.IsNotExist(err) // already gone, let the caller retry immediately
	}
	if time.Since(info.ModTime()) < staleLockTimeout {
		return false
	}
	_ = os.Remove(lockPath)
	return true
}

func readLockHolderPID(lockPath string) (int, error) {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(string(data))
}
