package queue

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/relaycode/cah/internal/store"
)

func testQueue(t *testing.T) *Queue {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(dir)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	return New(st)
}

func TestEnqueueClaimComplete(t *testing.T) {
	q := testQueue(t)
	if err := q.Enqueue("wf-1", "inst-1", "node-a"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	job, ok, err := q.ClaimNextWaiting()
	if err != nil || !ok {
		t.Fatalf("ClaimNextWaiting: ok=%v err=%v", ok, err)
	}
	if job.NodeID != "node-a" || job.Status != JobClaimed {
		t.Fatalf("unexpected job: %+v", job)
	}
	if err := q.Complete(job.ID); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	jobs, err := q.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("expected empty queue after complete, got %+v", jobs)
	}
}

func TestClaimNextWaitingEmpty(t *testing.T) {
	q := testQueue(t)
	_, ok, err := q.ClaimNextWaiting()
	if err != nil {
		t.Fatalf("ClaimNextWaiting: %v", err)
	}
	if ok {
		t.Fatal("expected no job available")
	}
}

func TestFailAndMarkWaitingHuman(t *testing.T) {
	q := testQueue(t)
	q.Enqueue("wf", "inst", "n1")
	job, _, _ := q.ClaimNextWaiting()
	if err := q.Fail(job.ID, errors.New("boom")); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	jobs, _ := q.List()
	if jobs[0].Status != JobFailed || jobs[0].Error != "boom" {
		t.Fatalf("unexpected job: %+v", jobs[0])
	}

	q.Enqueue("wf", "inst2", "n2")
	job2, _, _ := q.ClaimNextWaiting()
	if err := q.MarkWaitingHuman(job2.ID); err != nil {
		t.Fatalf("MarkWaitingHuman: %v", err)
	}
	n, err := q.ResumeWaitingJobsForInstance("inst2")
	if err != nil || n != 1 {
		t.Fatalf("ResumeWaitingJobsForInstance: n=%d err=%v", n, err)
	}
}

func TestStaleLockReclaimed(t *testing.T) {
	q := testQueue(t)
	lockPath := q.path + ".lock"
	if err := os.WriteFile(lockPath, []byte("99999"), 0o644); err != nil {
		t.Fatalf("seed lock: %v", err)
	}
	old := time.Now().Add(-time.Hour)
	if err := os.Chtimes(lockPath, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	if err := q.Enqueue("wf", "inst", "n1"); err != nil {
		t.Fatalf("Enqueue after stale lock: %v", err)
	}
	if _, err := os.Stat(lockPath); err == nil {
		t.Fatal("expected lock released after successful enqueue")
	}
}

func TestConcurrentEnqueueNoLostUpdates(t *testing.T) {
	q := testQueue(t)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_ = q.Enqueue("wf", "inst", filepath.Join("node", string(rune('a'+n))))
		}(i)
	}
	wg.Wait()
	jobs, err := q.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(jobs) != 20 {
		t.Fatalf("expected 20 jobs, got %d", len(jobs))
	}
}

func TestPoolRunsHandlerAndStopsOnCancel(t *testing.T) {
	q := testQueue(t)
	q.Enqueue("wf", "inst", "n1")

	var mu sync.Mutex
	var handled []string
	handler := func(ctx context.Context, job Job) error {
		mu.Lock()
		handled = append(handled, job.NodeID)
		mu.Unlock()
		return nil
	}
	pool := NewPool(q, handler, WithConcurrency(1))

	ctx, cancel := context.WithTimeout(context.Background(), 1200*time.Millisecond)
	defer cancel()
	pool.Run(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(handled) != 1 || handled[0] != "n1" {
		t.Fatalf("expected job to be handled once, got %+v", handled)
	}
}
