package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/relaycode/cah/internal/config"
	"github.com/relaycode/cah/internal/invoker"
	"github.com/relaycode/cah/internal/store"
	"github.com/relaycode/cah/internal/taskutil"
)

// runSelfCommand implements spec.md §6's "self check|evolve|drive" group:
// check runs the same diagnostics as "cah doctor", evolve performs one
// manual self-improvement invocation outside the scheduler's own
// interval, and drive submits one or more self-originated tasks (marked
// store.SourceSelfDrive) so the daemon's normal task machinery carries
// them the rest of the way.
func runSelfCommand(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: cah self <check|evolve|drive> [args]")
		return 2
	}
	switch args[0] {
	case "check":
		return runDoctorCommand(ctx, args[1:])
	case "evolve":
		return runSelfEvolve(ctx, args[1:])
	case "drive":
		return runSelfDrive(ctx, args[1:])
	default:
		fmt.Fprintln(os.Stderr, "unknown self subcommand:", args[0])
		return 2
	}
}

func runSelfEvolve(ctx context.Context, args []string) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	prompt := cfg.Scheduler.EvolutionPrompt
	if len(args) > 0 {
		prompt = joinArgs(args)
	}
	if prompt == "" {
		fmt.Fprintln(os.Stderr, "no evolution prompt configured; pass one explicitly: cah self evolve <prompt>")
		return 2
	}

	inv := invoker.New(invoker.Config{Command: cfg.Invoker.Command, Args: cfg.Invoker.Args})
	res, err := inv.Invoke(ctx, invoker.Request{Prompt: prompt, Model: cfg.Scheduler.EvolutionModel})
	if err != nil {
		fmt.Fprintln(os.Stderr, "evolution invocation failed:", err)
		return 1
	}
	fmt.Println(res.Response)
	return 0
}

func runSelfDrive(ctx context.Context, args []string) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	prompt := cfg.Scheduler.EvolutionPrompt
	count := 1
	for _, a := range args {
		if n, err := strconv.Atoi(a); err == nil {
			count = n
			continue
		}
		prompt = a
	}
	if prompt == "" {
		fmt.Fprintln(os.Stderr, "no self-drive prompt configured; pass one explicitly: cah self drive <prompt> [count]")
		return 2
	}

	d, err := openTaskCLIDeps()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	for i := 0; i < count; i++ {
		id, err := taskutil.CreateDefault(d.store, d.queue, d.sup, nil, fmt.Sprintf("self-drive %s", time.Now().UTC().Format(time.RFC3339)), prompt)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		if _, err := d.store.UpdateTask(id, func(t *store.Task) { t.Source = store.SourceSelfDrive }); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		fmt.Println(id)
	}

	return 0
}
