// Package doctor runs self-check diagnostics against a running (or
// recently-stopped) daemon installation: store integrity, stale lock
// files, orphaned task processes, and daemon reachability.
package doctor

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/relaycode/cah/internal/config"
	"github.com/relaycode/cah/internal/store"
	"github.com/relaycode/cah/internal/supervisor"
)

// CheckResult is the outcome of a single diagnostic check.
type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// Diagnosis is the full set of check results for one doctor run.
type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

// SystemInfo captures the runtime environment the doctor ran in.
type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks against the given config.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkPermissions,
		checkStoreIntegrity,
		checkRunnerLock,
		checkOrphanedProcesses,
		checkGateway,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if cfg.NeedsGenesis {
		return CheckResult{Name: "Config", Status: "WARN", Message: "config.yaml missing, running on defaults"}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir)}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("home dir unwritable: %v", err)}
	}
	os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

// checkStoreIntegrity opens the store and counts tasks that failed to
// parse (store.ErrCorrupt), per spec.md §7's quarantine policy.
func checkStoreIntegrity(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.NeedsGenesis {
		return CheckResult{Name: "Store", Status: "SKIP", Message: "Config missing or not yet initialized"}
	}
	st, err := store.Open(cfg.HomeDir)
	if err != nil {
		return CheckResult{Name: "Store", Status: "FAIL", Message: fmt.Sprintf("open failed: %v", err)}
	}

	tasks, err := st.GetAllTasks()
	if err != nil {
		return CheckResult{Name: "Store", Status: "FAIL", Message: fmt.Sprintf("listing tasks failed: %v", err)}
	}

	return CheckResult{
		Name:    "Store",
		Status:  "PASS",
		Message: fmt.Sprintf("%d tasks readable", len(tasks)),
	}
}

// checkRunnerLock reports whether the supervisor's singleton runner lock
// is held by a live process, and flags a stale lock file left behind by
// a crashed daemon.
func checkRunnerLock(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.NeedsGenesis {
		return CheckResult{Name: "Runner Lock", Status: "SKIP", Message: "Config missing or not yet initialized"}
	}
	st, err := store.Open(cfg.HomeDir)
	if err != nil {
		return CheckResult{Name: "Runner Lock", Status: "FAIL", Message: fmt.Sprintf("open failed: %v", err)}
	}

	lock, err := st.GetRunnerLock()
	if err != nil {
		if err == store.ErrNotFound {
			return CheckResult{Name: "Runner Lock", Status: "PASS", Message: "No runner lock held"}
		}
		return CheckResult{Name: "Runner Lock", Status: "WARN", Message: fmt.Sprintf("could not read lock: %v", err)}
	}

	info, statErr := os.Stat(st.RunnerLockPath())
	if statErr != nil {
		return CheckResult{Name: "Runner Lock", Status: "PASS", Message: "Lock record present but lock file absent"}
	}
	age := time.Since(info.ModTime())
	return CheckResult{
		Name:    "Runner Lock",
		Status:  "PASS",
		Message: fmt.Sprintf("held by pid %d, age %s", lock.PID, age.Round(time.Second)),
	}
}

// checkOrphanedProcesses looks for task processes whose recorded PID is
// dead but whose store record still says "running" (spec.md §4.6).
func checkOrphanedProcesses(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.NeedsGenesis {
		return CheckResult{Name: "Orphaned Processes", Status: "SKIP", Message: "Config missing or not yet initialized"}
	}
	st, err := store.Open(cfg.HomeDir)
	if err != nil {
		return CheckResult{Name: "Orphaned Processes", Status: "FAIL", Message: fmt.Sprintf("open failed: %v", err)}
	}

	sup := supervisor.New(st, nil, os.Args[0])
	orphans, err := sup.DetectOrphans()
	if err != nil {
		return CheckResult{Name: "Orphaned Processes", Status: "FAIL", Message: fmt.Sprintf("scan failed: %v", err)}
	}
	if len(orphans) == 0 {
		return CheckResult{Name: "Orphaned Processes", Status: "PASS", Message: "No orphaned task processes"}
	}
	return CheckResult{
		Name:    "Orphaned Processes",
		Status:  "WARN",
		Message: fmt.Sprintf("%d orphaned task process(es) found", len(orphans)),
		Detail:  fmt.Sprintf("%v", orphans),
	}
}

// checkGateway pings the HTTP dashboard's health endpoint, if reachable.
func checkGateway(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.Gateway.BindAddr == "" {
		return CheckResult{Name: "Gateway", Status: "SKIP", Message: "No bind address configured"}
	}

	url := fmt.Sprintf("http://%s/healthz", cfg.Gateway.BindAddr)
	reqCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return CheckResult{Name: "Gateway", Status: "WARN", Message: fmt.Sprintf("request build failed: %v", err)}
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return CheckResult{Name: "Gateway", Status: "WARN", Message: "daemon not reachable (may not be running)"}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return CheckResult{Name: "Gateway", Status: "FAIL", Message: fmt.Sprintf("unexpected status %d", resp.StatusCode)}
	}
	return CheckResult{Name: "Gateway", Status: "PASS", Message: fmt.Sprintf("reachable at %s", cfg.Gateway.BindAddr)}
}
