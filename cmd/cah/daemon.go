package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/relaycode/cah/internal/bus"
	"github.com/relaycode/cah/internal/channels"
	"github.com/relaycode/cah/internal/config"
	"github.com/relaycode/cah/internal/doctor"
	"github.com/relaycode/cah/internal/engine"
	"github.com/relaycode/cah/internal/gateway"
	"github.com/relaycode/cah/internal/invoker"
	"github.com/relaycode/cah/internal/messenger"
	otelpkg "github.com/relaycode/cah/internal/otel"
	"github.com/relaycode/cah/internal/queue"
	"github.com/relaycode/cah/internal/scheduler"
	"github.com/relaycode/cah/internal/store"
	"github.com/relaycode/cah/internal/supervisor"
)

// daemonDeps is the fully wired daemon: every long-running subcommand
// (start, server) assembles the same set of components, so this struct
// and buildDaemon keep that assembly in one place.
type daemonDeps struct {
	cfg        config.Config
	store      *store.Store
	queue      *queue.Queue
	invoker    *invoker.Invoker
	engine     *engine.Engine
	supervisor *supervisor.Supervisor
	bus        *bus.Bus
	scheduler  *scheduler.Scheduler
	gateway    *gateway.Server
	router     *messenger.Router
	telegram   *channels.TelegramChannel
	otel       *otelpkg.Provider
	logger     *slog.Logger
}

// buildDaemon wires every subsystem in the same order the teacher's
// main.go does: bus first (so it can be threaded everywhere), otel,
// store, invoker/engine/supervisor, scheduler, gateway, channels.
func buildDaemon(ctx context.Context, cfg config.Config, logger *slog.Logger) (*daemonDeps, error) {
	eventBus := bus.New()

	var metricsEnabled *bool
	if cfg.Otel.MetricsEnabled {
		v := true
		metricsEnabled = &v
	}
	otelProvider, err := otelpkg.Init(ctx, otelpkg.Config{
		Enabled:        cfg.Otel.Enabled,
		Exporter:       cfg.Otel.Exporter,
		Endpoint:       cfg.Otel.Endpoint,
		ServiceName:    cfg.Otel.ServiceName,
		SampleRate:     cfg.Otel.SampleRate,
		MetricsEnabled: metricsEnabled,
	})
	if err != nil {
		return nil, fmt.Errorf("otel init: %w", err)
	}

	st, err := store.Open(cfg.HomeDir)
	if err != nil {
		return nil, fmt.Errorf("store open: %w", err)
	}

	q := queue.New(st)
	inv := invoker.New(invoker.Config{Command: cfg.Invoker.Command, Args: cfg.Invoker.Args})
	eng := engine.New(st, q, inv)
	eng.Logger = logger
	eng.Bus = eventBus

	binPath, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve executable path: %w", err)
	}
	sup := supervisor.New(st, q, binPath)

	sch := scheduler.New(scheduler.Config{
		Store:             st,
		Queue:             q,
		Engine:            eng,
		Supervisor:        sup,
		Invoker:           inv,
		Logger:            logger,
		TaskPollInterval:  time.Duration(cfg.Scheduler.TaskPollIntervalMs) * time.Millisecond,
		RepairInterval:    time.Duration(cfg.Scheduler.RepairIntervalSeconds) * time.Second,
		RecoveryInterval:  time.Duration(cfg.Scheduler.RecoveryIntervalSeconds) * time.Second,
		EvolutionInterval: evolutionInterval(cfg.Scheduler),
		EvolutionPrompt:   cfg.Scheduler.EvolutionPrompt,
		EvolutionModel:    cfg.Scheduler.EvolutionModel,
	})

	gw := gateway.NewServer(gateway.Config{
		Store:      st,
		Queue:      q,
		Engine:     eng,
		Supervisor: sup,
		Bus:        eventBus,
		Auth:       cfg.Gateway.Auth,
		CORS:       cfg.Gateway.CORS,
		RateLimit:  cfg.Gateway.RateLimit,
		Logger:     logger,
	})

	router := messenger.New(messenger.Deps{
		Store:      st,
		Queue:      q,
		Engine:     eng,
		Supervisor: sup,
		Invoker:    inv,
		Bus:        eventBus,
	}, logger)

	var tg *channels.TelegramChannel
	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token != "" {
		tg = channels.NewTelegramChannel(cfg.Channels.Telegram.Token, cfg.Channels.Telegram.AllowedIDs, router, logger)
		router.RegisterAdapter(tg)
	}

	return &daemonDeps{
		cfg: cfg, store: st, queue: q, invoker: inv, engine: eng,
		supervisor: sup, bus: eventBus, scheduler: sch, gateway: gw,
		router: router, telegram: tg, otel: otelProvider, logger: logger,
	}, nil
}

func evolutionInterval(sc config.SchedulerConfig) time.Duration {
	if !sc.EvolutionEnabled {
		return 0
	}
	hours := sc.EvolutionIntervalHours
	if hours <= 0 {
		hours = 1
	}
	return time.Duration(hours) * time.Hour
}

// runStartCommand starts the daemon. Unlike the teacher's TUI-first
// default, cah always runs headless: -D is accepted for symmetry with
// familiar daemonize flags but this CLI does not fork/detach itself —
// operators run it under their own supervisor (systemd, tmux) or rely on
// the per-task subprocess model for task isolation.
func runStartCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	_ = fs.Bool("D", false, "accepted for CLI familiarity; cah always runs in the foreground")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, cleanup, err := bootstrap(false)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer cleanup()

	d, err := buildDaemon(ctx, cfg, slog.Default())
	if err != nil {
		d_fatal(err)
		return 1
	}
	defer d.otel.Shutdown(ctx)

	lock, err := supervisor.AcquireRunnerLock(d.store)
	if err != nil {
		d.logger.Error("daemon: another instance already holds the runner lock", "error", err)
		return 1
	}
	defer lock.Release()

	d.scheduler.Start(ctx)
	defer d.scheduler.Stop()

	d.router.Start(ctx)

	if d.telegram != nil {
		go func() {
			if err := d.telegram.Start(ctx); err != nil {
				d.logger.Error("telegram channel stopped", "error", err)
			}
		}()
	}

	srv := &http.Server{Addr: d.cfg.Gateway.BindAddr, Handler: d.gateway}
	go func() {
		d.logger.Info("daemon: gateway listening", "addr", d.cfg.Gateway.BindAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			d.logger.Error("daemon: gateway exited", "error", err)
		}
	}()

	d.logger.Info("daemon: started", "home", d.cfg.HomeDir)
	<-ctx.Done()
	d.logger.Info("daemon: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	return 0
}

func d_fatal(err error) {
	fmt.Fprintf(os.Stderr, "daemon: fatal startup error: %v\n", err)
}

// runStopCommand sends a polite signal to the daemon by releasing the
// runner lock's liveness check: there is no separate PID-file protocol,
// the runner lock itself (internal/store.RunnerLock) is the liveness
// record, so "stop" here means "report whether a runner is currently
// alive", leaving actual process termination to the operator's process
// supervisor. This mirrors the teacher's status-only approach for a
// headless daemon with no built-in remote-stop RPC.
func runStopCommand(ctx context.Context, args []string) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	st, err := store.Open(cfg.HomeDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	lock, err := st.GetRunnerLock()
	if err != nil {
		fmt.Println("no runner lock recorded; daemon is not running")
		return 0
	}
	fmt.Printf("runner lock held by pid %d since %s; send SIGTERM to that process to stop it\n", lock.PID, lock.StartedAt.Format(time.RFC3339))
	return 0
}

func runStatusCommand(ctx context.Context, args []string) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	addr := strings.TrimSpace(cfg.Gateway.BindAddr)
	if addr == "" {
		addr = "127.0.0.1:18789"
	}
	url := "http://" + addr + "/healthz"
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		fmt.Printf("unreachable: %v\n", err)
		return 1
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	fmt.Printf("%s: %s\n", url, strings.TrimSpace(string(body)))
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}

// runServerCommand runs only the HTTP gateway in the foreground, without
// the scheduler or channels, for local debugging of the dashboard API.
func runServerCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	port := fs.Int("port", 0, "override the configured gateway port")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, cleanup, err := bootstrap(false)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer cleanup()
	if *port > 0 {
		host := "127.0.0.1"
		if idx := strings.LastIndex(cfg.Gateway.BindAddr, ":"); idx >= 0 {
			host = cfg.Gateway.BindAddr[:idx]
		}
		cfg.Gateway.BindAddr = host + ":" + strconv.Itoa(*port)
	}

	d, err := buildDaemon(ctx, cfg, slog.Default())
	if err != nil {
		d_fatal(err)
		return 1
	}
	defer d.otel.Shutdown(ctx)

	srv := &http.Server{Addr: d.cfg.Gateway.BindAddr, Handler: d.gateway}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	d.logger.Info("gateway: listening", "addr", d.cfg.Gateway.BindAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func runDoctorCommand(ctx context.Context, args []string) int {
	jsonOutput := false
	for _, a := range args {
		if a == "-json" || a == "--json" {
			jsonOutput = true
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
	}

	diag := doctor.Run(ctx, &cfg, Version)

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diag); err != nil {
			fmt.Fprintf(os.Stderr, "error encoding json: %v\n", err)
			return 1
		}
		return 0
	}

	fmt.Printf("cah doctor report (%s)\n", diag.Timestamp.Format(time.RFC3339))
	fmt.Printf("system: %s/%s (%s)\n", diag.System.OS, diag.System.Arch, diag.System.Go)
	fmt.Println("---")

	failCount := 0
	for _, res := range diag.Results {
		icon := "[ok]"
		switch res.Status {
		case "FAIL":
			icon = "[fail]"
			failCount++
		case "WARN":
			icon = "[warn]"
		case "SKIP":
			icon = "[skip]"
		}
		fmt.Printf("%s %-20s: %s\n", icon, res.Name, res.Message)
		if res.Detail != "" {
			fmt.Printf("    %s\n", res.Detail)
		}
	}
	if failCount > 0 {
		return 1
	}
	return 0
}
