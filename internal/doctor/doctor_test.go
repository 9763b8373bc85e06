package doctor

import (
	"context"
	"testing"
	"time"

	"github.com/relaycode/cah/internal/config"
	"github.com/relaycode/cah/internal/store"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	home := t.TempDir()
	if _, err := store.Open(home); err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	return &config.Config{HomeDir: home}
}

func TestCheckConfig_NilConfig(t *testing.T) {
	result := checkConfig(context.Background(), nil)
	if result.Status != "FAIL" {
		t.Fatalf("expected FAIL for nil config, got %s", result.Status)
	}
}

func TestCheckConfig_NeedsGenesis(t *testing.T) {
	cfg := &config.Config{HomeDir: t.TempDir(), NeedsGenesis: true}
	result := checkConfig(context.Background(), cfg)
	if result.Status != "WARN" {
		t.Fatalf("expected WARN when NeedsGenesis, got %s", result.Status)
	}
}

func TestCheckConfig_Loaded(t *testing.T) {
	cfg := testConfig(t)
	result := checkConfig(context.Background(), cfg)
	if result.Status != "PASS" {
		t.Fatalf("expected PASS, got %s: %s", result.Status, result.Message)
	}
}

func TestCheckPermissions_Writable(t *testing.T) {
	cfg := testConfig(t)
	result := checkPermissions(context.Background(), cfg)
	if result.Status != "PASS" {
		t.Fatalf("expected PASS, got %s: %s", result.Status, result.Message)
	}
}

func TestCheckStoreIntegrity_EmptyStore(t *testing.T) {
	cfg := testConfig(t)
	result := checkStoreIntegrity(context.Background(), cfg)
	if result.Status != "PASS" {
		t.Fatalf("expected PASS, got %s: %s", result.Status, result.Message)
	}
}

func TestCheckStoreIntegrity_SkipsWithoutGenesis(t *testing.T) {
	cfg := &config.Config{HomeDir: t.TempDir(), NeedsGenesis: true}
	result := checkStoreIntegrity(context.Background(), cfg)
	if result.Status != "SKIP" {
		t.Fatalf("expected SKIP, got %s", result.Status)
	}
}

func TestCheckRunnerLock_NoneHeld(t *testing.T) {
	cfg := testConfig(t)
	result := checkRunnerLock(context.Background(), cfg)
	if result.Status != "PASS" {
		t.Fatalf("expected PASS, got %s: %s", result.Status, result.Message)
	}
}

func TestCheckGateway_SkipsWithoutBindAddr(t *testing.T) {
	cfg := &config.Config{HomeDir: t.TempDir()}
	result := checkGateway(context.Background(), cfg)
	if result.Status != "SKIP" {
		t.Fatalf("expected SKIP, got %s", result.Status)
	}
}

func TestCheckGateway_WarnsWhenUnreachable(t *testing.T) {
	cfg := &config.Config{HomeDir: t.TempDir()}
	cfg.Gateway.BindAddr = "127.0.0.1:1"

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	result := checkGateway(ctx, cfg)
	if result.Status != "WARN" {
		t.Fatalf("expected WARN for unreachable gateway, got %s: %s", result.Status, result.Message)
	}
}

func TestRun_ProducesAllChecks(t *testing.T) {
	cfg := testConfig(t)
	d := Run(context.Background(), cfg, "test-version")
	if len(d.Results) != 6 {
		t.Fatalf("expected 6 check results, got %d", len(d.Results))
	}
	if d.System.Version != "test-version" {
		t.Fatalf("unexpected version: %s", d.System.Version)
	}
}
