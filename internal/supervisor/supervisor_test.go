package supervisor

import (
	"os/exec"
	"testing"
	"time"

	"github.com/relaycode/cah/internal/queue"
	"github.com/relaycode/cah/internal/store"
)

func testSupervisor(t *testing.T) (*Supervisor, *store.Store) {
	t.Helper()
	truePath, err := exec.LookPath("true")
	if err != nil {
		t.Skip("true(1) not available")
	}
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	q := queue.New(st)
	return New(st, q, truePath), st
}

func TestSpawnRecordsProcessInfoBeforeReturning(t *testing.T) {
	sup, st := testSupervisor(t)
	taskID := "task-spawn"
	if err := st.CreateTask(store.Task{ID: taskID, Title: "t", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	pid, err := sup.Spawn(taskID, false)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if pid <= 0 {
		t.Fatalf("expected positive pid, got %d", pid)
	}

	info, err := st.GetProcessInfo(taskID)
	if err != nil {
		t.Fatalf("GetProcessInfo: %v", err)
	}
	if info.PID != pid || info.Status != store.ProcRunning {
		t.Fatalf("unexpected process info: %+v", info)
	}
}

func TestDetectOrphansFindsDeadProcess(t *testing.T) {
	sup, st := testSupervisor(t)
	taskID := "task-orphan"
	if err := st.CreateTask(store.Task{ID: taskID, Title: "t", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	pid, err := sup.Spawn(taskID, false)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	// "true" exits immediately; give it time to die before probing.
	time.Sleep(200 * time.Millisecond)

	orphans, err := sup.DetectOrphans()
	if err != nil {
		t.Fatalf("DetectOrphans: %v", err)
	}
	found := false
	for _, o := range orphans {
		if o.TaskID == taskID && o.PID == pid {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected %s/%d to be reported orphaned, got %+v", taskID, pid, orphans)
	}

	info, err := st.GetProcessInfo(taskID)
	if err != nil {
		t.Fatalf("GetProcessInfo: %v", err)
	}
	if info.Status != store.ProcCrashed {
		t.Fatalf("expected crashed status, got %s", info.Status)
	}
}

func TestRunnerLockExclusion(t *testing.T) {
	_, st := testSupervisor(t)
	lock, err := AcquireRunnerLock(st)
	if err != nil {
		t.Fatalf("AcquireRunnerLock: %v", err)
	}
	defer lock.Release()

	got, err := st.GetRunnerLock()
	if err != nil {
		t.Fatalf("GetRunnerLock: %v", err)
	}
	if got.PID == 0 {
		t.Fatalf("expected runner lock to record a pid, got %+v", got)
	}
}

func TestPauseAndResumeTask(t *testing.T) {
	sup, st := testSupervisor(t)
	taskID := "task-pause"
	if err := st.CreateTask(store.Task{ID: taskID, Title: "t", Status: store.TaskDeveloping, CreatedAt: time.Now()}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := st.SaveInstance(taskID, store.WorkflowInstance{ID: "inst-1", Status: store.InstRunning, StartedAt: time.Now()}); err != nil {
		t.Fatalf("SaveInstance: %v", err)
	}

	if err := sup.PauseTask(taskID, "operator request"); err != nil {
		t.Fatalf("PauseTask: %v", err)
	}
	inst, _ := st.GetInstance(taskID)
	if inst.Status != store.InstPaused || inst.PauseReason != "operator request" {
		t.Fatalf("unexpected instance after pause: %+v", inst)
	}

	if _, err := sup.ResumePausedTask(taskID); err != nil {
		t.Fatalf("ResumePausedTask: %v", err)
	}
	inst, _ = st.GetInstance(taskID)
	if inst.Status != store.InstRunning || inst.PauseReason != "" {
		t.Fatalf("unexpected instance after resume: %+v", inst)
	}
}
