// Package invoker spawns the externally-configured LLM CLI as a subprocess
// and returns its streamed or buffered final response. The CLI is treated
// as opaque per spec.md §1/§4.2: the invoker never calls a model API
// in-process, only os/exec against a configured binary.
package invoker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/relaycode/cah/internal/pricing"
	"github.com/relaycode/cah/internal/tokenutil"
)

// Errors tagged per spec.md §4.2/§7.
var (
	ErrTimeout   = errors.New("invoker: timed out")
	ErrCancelled = errors.New("invoker: cancelled")
)

// ProcessError wraps a non-zero subprocess exit.
type ProcessError struct {
	ExitCode int
	Message  string
}

func (e *ProcessError) Error() string {
	return fmt.Sprintf("invoker: process exited %d: %s", e.ExitCode, e.Message)
}

// Config configures how the external LLM CLI is invoked.
type Config struct {
	Command string   // e.g. "claude"
	Args    []string // fixed leading args, before per-call flags
}

// killGrace bounds how long a cancelled subprocess is given to exit after
// SIGTERM before SIGKILL, per spec.md §9 "kill grace ≤ 2s".
const killGrace = 2 * time.Second

// concurrencyLimit bounds simultaneous LLM CLI invocations, per spec.md
// §4.2 "semaphore of size 5", grounded on the concurrency-limiting style
// already present in the teacher's provider-client code.
const concurrencyLimit = 5

var semaphore = make(chan struct{}, concurrencyLimit)

// Invoker spawns and manages the lifecycle of LLM CLI subprocesses.
type Invoker struct {
	cfg Config
}

// New returns an Invoker bound to cfg.
func New(cfg Config) *Invoker {
	return &Invoker{cfg: cfg}
}

// Request is one invocation's parameters, matching spec.md §4.2's contract.
type Request struct {
	Prompt     string
	Model      string
	SessionID  string
	Stream     bool
	DisableMCP bool
	TimeoutMs  int
	OnChunk    func(text string)
	OutputsDir string // where MCP tool-result images are written, if any
}

// Result is the successful outcome of one invocation.
type Result struct {
	Response      string
	SessionID     string
	DurationMs    int64
	DurationAPIMs int64
	CostUSD       float64
	CostEstimated bool
	MCPImagePaths []string
}

// Invoke spawns the configured CLI, waits for its (possibly streamed)
// output, and returns the final parsed result.
func (inv *Invoker) Invoke(ctx context.Context, req Request) (Result, error) {
	waitStart := time.Now()
	select {
	case semaphore <- struct{}{}:
	case <-ctx.Done():
		return Result{}, ErrCancelled
	}
	defer func() { <-semaphore }()
	queueWaitMs := time.Since(waitStart).Milliseconds()
	_ = queueWaitMs // recorded as an OTel span attribute by the caller (internal/nodes)

	callCtx := ctx
	var cancel context.CancelFunc
	if req.TimeoutMs > 0 {
		callCtx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	args := append([]string{}, inv.cfg.Args...)
	args = append(args, buildCLIArgs(req)...)
	cmd := exec.Command(inv.cfg.Command, args...)
	cmd.Stdin = nil
	cmd.Env = sanitizeEnv(os.Environ())

	start := time.Now()
	var result Result
	var err error
	if req.Stream {
		result, err = inv.runStreaming(callCtx, cmd, req)
	} else {
		result, err = inv.runBuffered(callCtx, cmd, req)
	}
	result.DurationMs = time.Since(start).Milliseconds()

	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return Result{}, ErrTimeout
		}
		if errors.Is(ctx.Err(), context.Canceled) {
			return Result{}, ErrCancelled
		}
		return Result{}, err
	}

	if result.CostUSD == 0 && !result.CostEstimated {
		tokens := tokenutil.EstimateTokens(req.Prompt) + tokenutil.EstimateTokens(result.Response)
		result.CostUSD = pricing.EstimateCost(req.Model, tokenutil.EstimateTokens(req.Prompt), tokenutil.EstimateTokens(result.Response))
		result.CostEstimated = true
		_ = tokens
	}
	return result, nil
}

func buildCLIArgs(req Request) []string {
	var args []string
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if req.SessionID != "" {
		args = append(args, "--resume", req.SessionID)
	}
	if req.DisableMCP {
		args = append(args, "--no-mcp")
	}
	if req.Stream {
		args = append(args, "--output-format", "stream-json")
	} else {
		args = append(args, "--output-format", "json")
	}
	args = append(args, "--print", req.Prompt)
	return args
}

// sanitizeEnv strips CLAUDECODE-style recursion-guard vars before spawning
// a nested LLM CLI call, per spec.md §6 "Environment variables".
func sanitizeEnv(in []string) []string {
	out := make([]string, 0, len(in))
	for _, kv := range in {
		upper := strings.ToUpper(kv)
		if strings.HasPrefix(upper, "CLAUDECODE") || strings.HasPrefix(upper, "CLAUDE_CODE_") {
			continue
		}
		out = append(out, kv)
	}
	return out
}

func (inv *Invoker) runBuffered(ctx context.Context, cmd *exec.Cmd, req Request) (Result, error) {
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := runWithGracefulCancel(ctx, cmd); err != nil {
		return Result{}, wrapExit(err, stderr.String())
	}

	var rec finalRecord
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &rec); err != nil {
		return Result{Response: stdout.String()}, nil
	}
	return resultFromRecord(rec), nil
}

func (inv *Invoker) runStreaming(ctx context.Context, cmd *exec.Cmd, req Request) (Result, error) {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, err
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return Result{}, err
	}

	var (
		mu     sync.Mutex
		final  finalRecord
		images []string
		have   bool
	)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var ev streamEvent
			if err := json.Unmarshal(line, &ev); err != nil {
				continue
			}
			switch ev.Type {
			case "stream_event":
				if ev.Delta.Text != "" && req.OnChunk != nil {
					req.OnChunk(ev.Delta.Text)
				}
			case "user":
				for _, block := range ev.Message.Content {
					if block.Type == "tool_result" && isMCPToolUseID(block.ToolUseID) {
						if path, err := writeMCPImage(req.OutputsDir, block.Source.Data, len(images)); err == nil && path != "" {
							mu.Lock()
							images = append(images, path)
							mu.Unlock()
						}
					}
				}
			case "result":
				mu.Lock()
				final = finalRecord{
					SessionID:     ev.SessionID,
					Result:        ev.Result,
					DurationAPIMs: ev.DurationAPIMs,
					CostUSD:       ev.CostUSD,
					Usage:         ev.Usage,
				}
				have = true
				mu.Unlock()
			}
		}
	}()

	waitErr := runProcessWithCancel(ctx, cmd, done)
	<-done

	if waitErr != nil {
		return Result{}, wrapExit(waitErr, stderr.String())
	}
	mu.Lock()
	defer mu.Unlock()
	if !have {
		return Result{}, fmt.Errorf("invoker: stream ended without a result record")
	}
	r := resultFromRecord(final)
	r.MCPImagePaths = images
	return r, nil
}

type finalRecord struct {
	SessionID     string
	Result        string
	DurationAPIMs int64
	CostUSD       float64
	Usage         *usageRecord
}

type usageRecord struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func resultFromRecord(rec finalRecord) Result {
	return Result{
		Response:      rec.Result,
		SessionID:     rec.SessionID,
		DurationAPIMs: rec.DurationAPIMs,
		CostUSD:       rec.CostUSD,
	}
}

// runWithGracefulCancel runs cmd to completion or kills it (SIGTERM then
// SIGKILL after killGrace) when ctx is cancelled first.
func runWithGracefulCancel(ctx context.Context, cmd *exec.Cmd) error {
	if err := cmd.Start(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	return waitOrKill(ctx, cmd, done)
}

func runProcessWithCancel(ctx context.Context, cmd *exec.Cmd, scannerDone <-chan struct{}) error {
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	return waitOrKill(ctx, cmd, done)
}

func waitOrKill(ctx context.Context, cmd *exec.Cmd, done chan error) error {
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if cmd.Process != nil {
			_ = cmd.Process.Signal(syscall.SIGTERM)
		}
		select {
		case <-done:
		case <-time.After(killGrace):
			if cmd.Process != nil {
				_ = cmd.Process.Signal(syscall.SIGKILL)
			}
			<-done
		}
		return ctx.Err()
	}
}

func wrapExit(err error, stderr string) error {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &ProcessError{ExitCode: exitErr.ExitCode(), Message: strings.TrimSpace(stderr)}
	}
	return err
}
