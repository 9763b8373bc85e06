// Package scheduler runs the daemon's periodic jobs: task polling,
// signal detection/auto-repair, waiting-task recovery, and an optional
// evolution cycle, per spec.md §4.7. Grounded on the teacher's
// internal/cron.Scheduler (same robfig/cron/v3 dependency and
// Start(ctx)/Stop() ticker-loop shape), generalized from firing one
// cron-schedule kind to running four independent named jobs.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/relaycode/cah/internal/engine"
	"github.com/relaycode/cah/internal/invoker"
	"github.com/relaycode/cah/internal/queue"
	"github.com/relaycode/cah/internal/store"
	"github.com/relaycode/cah/internal/supervisor"
)

// Config holds every dependency and cadence the scheduler's jobs need.
type Config struct {
	Store      *store.Store
	Queue      *queue.Queue
	Engine     *engine.Engine
	Supervisor *supervisor.Supervisor
	Invoker    *invoker.Invoker
	Logger     *slog.Logger

	TaskPollInterval      time.Duration // default 1s
	RepairInterval        time.Duration // default 30m
	RecoveryInterval      time.Duration // default 1m
	EvolutionInterval     time.Duration // default 1h, 0 disables
	EvolutionPrompt       string
	EvolutionModel        string
}

type job struct {
	name     string
	interval time.Duration
	run      func(ctx context.Context)
}

// Scheduler runs a fixed set of named background jobs, each on its own
// ticker, each isolated from the others by a per-tick recover().
type Scheduler struct {
	logger *slog.Logger
	jobs   []job
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds the scheduler's four jobs from cfg.
func New(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{logger: logger}

	pollInterval := cfg.TaskPollInterval
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	repairInterval := cfg.RepairInterval
	if repairInterval <= 0 {
		repairInterval = 30 * time.Minute
	}
	recoveryInterval := cfg.RecoveryInterval
	if recoveryInterval <= 0 {
		recoveryInterval = time.Minute
	}

	s.jobs = append(s.jobs,
		job{name: "task_polling", interval: pollInterval, run: s.taskPolling(cfg)},
		job{name: "signal_detection", interval: repairInterval, run: s.signalDetection(cfg)},
		job{name: "waiting_task_recovery", interval: recoveryInterval, run: s.waitingTaskRecovery(cfg)},
	)
	if cfg.EvolutionInterval > 0 {
		s.jobs = append(s.jobs, job{name: "evolution_cycle", interval: cfg.EvolutionInterval, run: s.evolutionCycle(cfg)})
	}
	return s
}

// Start launches every job's own ticker loop in the background.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	for _, j := range s.jobs {
		s.wg.Add(1)
		go s.loop(ctx, j)
	}
	s.logger.Info("scheduler started", "jobs", len(s.jobs))
}

// Stop cancels every job loop and waits for them to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, j job) {
	defer s.wg.Done()
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	s.tick(ctx, j)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, j)
		}
	}
}

// tick runs one job invocation, isolating a panic or logged error in one
// job from stopping the others (the teacher's "try/log" pattern).
func (s *Scheduler) tick(ctx context.Context, j job) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduler: job panicked", "job", j.name, "panic", r)
		}
	}()
	j.run(ctx)
}
