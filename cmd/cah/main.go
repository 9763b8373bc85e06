// Command cah is the CLI entrypoint for the coding-agent hub: it starts
// and stops the daemon, inspects and controls tasks, submits workflows,
// and runs diagnostics. It is also re-exec'd by the supervisor as
// "task-exec" to drive a single task's workflow instance to completion
// in its own detached subprocess.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/relaycode/cah/internal/audit"
	"github.com/relaycode/cah/internal/config"
	"github.com/relaycode/cah/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON:
  %s start [-D] [--agent <name>]     Start the daemon (foreground by default)
  %s stop [--agent <name>]           Stop the running daemon
  %s status                          Show daemon health (/healthz)
  %s server [--port <n>]             Run the HTTP gateway only, in foreground

TASKS:
  %s task list                       List all tasks
  %s task get <id>                   Show one task
  %s task logs <id>                  Show node state / execution log summary
  %s task new <description>          Create and launch a default single-node task
  %s task pause <id>                 Pause a running task
  %s task resume <id>                Resume a paused task
  %s task stop <id>                  Reject/cancel a task
  %s task approve <id> <node>        Approve a waiting human node
  %s task reject <id> <node>         Reject a waiting human node
  %s task msg <id> <text>            Append an operator note to messages.jsonl

WORKFLOWS:
  %s workflow create <file.json>     Submit a full workflow DAG from file
  %s workflow status <id>            Show workflow instance status

SELF:
  %s self check                      Run self-check diagnostics
  %s doctor [-json]                  Run diagnostic checks

INTERNAL:
  %s task-exec --task <id> [--resume]  Subprocess entrypoint (used by the supervisor)

ENVIRONMENT VARIABLES:
  CAH_HOME                Data directory (default: ~/.cah)
  CAH_WORKER_COUNT        Worker pool size override
  CAH_BIND_ADDR           Gateway bind address override
  TELEGRAM_TOKEN          Enables the Telegram channel when set

`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0],
		os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0],
		os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
}

func main() {
	flag.Usage = printUsage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := strings.ToLower(strings.TrimSpace(args[0]))
	rest := args[1:]

	// --agent <name> relocates CAH_HOME under a named sub-agent directory
	// before config.Load() reads it, letting one host run several
	// independent hub instances side by side.
	rest = applyAgentFlag(rest)

	switch cmd {
	case "help", "-h", "--help":
		printUsage()
		os.Exit(0)
	case "start":
		os.Exit(runStartCommand(ctx, rest))
	case "stop":
		os.Exit(runStopCommand(ctx, rest))
	case "status":
		os.Exit(runStatusCommand(ctx, rest))
	case "server":
		os.Exit(runServerCommand(ctx, rest))
	case "task":
		os.Exit(runTaskCommand(ctx, rest))
	case "workflow":
		os.Exit(runWorkflowCommand(ctx, rest))
	case "self":
		os.Exit(runSelfCommand(ctx, rest))
	case "doctor":
		os.Exit(runDoctorCommand(ctx, rest))
	case "task-exec":
		os.Exit(runTaskExecCommand(ctx, rest))
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(2)
	}
}

// applyAgentFlag scans for a "--agent <name>" pair anywhere in args,
// setting CAH_HOME to a per-agent subdirectory and returning args with
// the flag removed.
func applyAgentFlag(args []string) []string {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		if args[i] == "--agent" && i+1 < len(args) {
			base := config.HomeDir()
			os.Setenv("CAH_HOME", base+"/agents/"+args[i+1])
			i++
			continue
		}
		out = append(out, args[i])
	}
	return out
}

// bootstrap loads config, initializes audit and the structured logger,
// and returns them in the order every long-running subcommand needs to
// set them up, mirroring the teacher's main.go startup sequence.
func bootstrap(quiet bool) (config.Config, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return cfg, func() {}, fmt.Errorf("config load: %w", err)
	}
	if err := audit.Init(cfg.HomeDir); err != nil {
		return cfg, func() {}, fmt.Errorf("audit init: %w", err)
	}
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		_ = audit.Close()
		return cfg, func() {}, fmt.Errorf("logger init: %w", err)
	}
	cleanup := func() {
		closer.Close()
		_ = audit.Close()
	}
	slog.SetDefault(logger)
	return cfg, cleanup, nil
}
