package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/alekspetrov/agentloop/internal/agent"
	"github.com/alekspetrov/agentloop/internal/config"
	"github.com/alekspetrov/agentloop/internal/criteria"
	"github.com/alekspetrov/agentloop/internal/inputqueue"
	"github.com/alekspetrov/agentloop/internal/interaction"
	"github.com/alekspetrov/agentloop/internal/logging"
	"github.com/alekspetrov/agentloop/internal/maintenance"
	"github.com/alekspetrov/agentloop/internal/planner"
	"github.com/alekspetrov/agentloop/internal/ratequeue"
	"github.com/alekspetrov/agentloop/internal/store"
	"github.com/alekspetrov/agentloop/internal/task"
	"github.com/alekspetrov/agentloop/internal/taskexec"
	"github.com/alekspetrov/agentloop/internal/testrunner"
	"github.com/alekspetrov/agentloop/internal/worktree"
)

// pollInterval is how often the daemon scans the store for tasks that
// need scheduling: freshly created PENDING tasks, and PAUSED/STOPPED
// tasks that picked up new input since they last ran.
const pollInterval = 2 * time.Second

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the agentloopd daemon",
		Long: `run starts the long-lived daemon: it opens the task store, wires the
Task Executor and its collaborators, schedules runnable tasks, reaps the
rate-limit retry queue, and runs the periodic maintenance job. It blocks
until interrupted with SIGINT/SIGTERM.`,
		RunE: runDaemon,
	}
	return cmd
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := logging.Init(cfg.Logging); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	log := logging.WithComponent("agentloopd")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	queue, err := inputqueue.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open input queue: %w", err)
	}
	defer queue.Close()

	interacts := interaction.NewLog(st)
	wt := worktree.NewWithPool(cfg.Worktree.DirName, cfg.Worktree.PoolSize)
	if cfg.Worktree.PoolSize > 0 && cfg.Root != "" {
		if err := wt.WarmPool(ctx, cfg.Root); err != nil {
			log.Warn("failed to warm worktree pool", "error", err)
		}
	}
	driver := agent.NewClaudeDriver(agent.Config{
		Binary:                 cfg.AgentBinary,
		Model:                  cfg.Agent.Model,
		Effort:                 cfg.Agent.Effort,
		ExtraArgs:              cfg.Agent.ExtraArgs,
		GracePeriod:            cfg.Agent.GracePeriod,
		HeartbeatTimeout:       cfg.Agent.HeartbeatTimeout,
		HeartbeatCheckInterval: cfg.Agent.HeartbeatCheckInterval,
	})

	var tests taskexec.TestRunner
	if cfg.TestRunner != nil && cfg.TestRunner.Command != "" {
		tests = testrunner.New(cfg.TestRunner.Command, cfg.TestRunner.Timeout)
	}

	rq := ratequeue.New()

	exec := taskexec.New(taskexec.Deps{
		Store:      st,
		Interacts:  interacts,
		Queue:      queue,
		Worktrees:  wt,
		Driver:     driver,
		Planner:    planner.New(),
		Checker:    criteria.NewAgentChecker(driver),
		Tests:      tests,
		RateQueue:  rq,
		Stagnation: stagnationConfig(cfg.Stagnation),
	})

	sup := taskexec.NewSupervisor(ctx, exec)
	_ = taskexec.NewInterruptHandler(st, queue, interacts, driver, sup.AsScheduler())

	var maint *maintenance.Job
	if cfg.Maintenance != nil && cfg.Maintenance.Enabled {
		maint = maintenance.New(st, queue, wt, maintenance.Config{
			Schedule:       cfg.Maintenance.Schedule,
			QueueRetention: cfg.Maintenance.QueueRetention,
			OrphanScanRoot: cfg.Maintenance.OrphanScanRoot,
		})
		if err := maint.Start(ctx); err != nil {
			return fmt.Errorf("start maintenance job: %w", err)
		}
		defer maint.Stop()
		log.Info("maintenance job scheduled", "schedule", cfg.Maintenance.Schedule)
	}

	go pollSchedulable(ctx, st, queue, sup, log)
	go reapRateQueue(ctx, st, rq, sup, log)

	log.Info("agentloopd started", "db", cfg.DBPath, "agent_binary", cfg.AgentBinary)
	fmt.Printf("agentloopd running (db=%s)\n", cfg.DBPath)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	fmt.Println("shutting down...")
	log.Info("shutdown signal received")
	cancel()
	return nil
}

// pollSchedulable periodically schedules tasks that are runnable but not
// currently tracked by any live goroutine: freshly created PENDING tasks,
// and PAUSED tasks a separate `task send` invocation queued new input for.
// STOPPED counts as terminal here and is not rescheduled; `task restart`
// moves such a task back to PENDING. Supervisor.Schedule's CASStatus guard
// makes this safe to call repeatedly for a task already running elsewhere.
func pollSchedulable(ctx context.Context, st *store.Store, queue *inputqueue.Queue, sup *taskexec.Supervisor, log interface {
	Warn(msg string, args ...any)
}) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tasks, err := st.ListTasks()
			if err != nil {
				log.Warn("poll: list tasks failed", "error", err)
				continue
			}
			for _, t := range tasks {
				if t.Status.Terminal() {
					continue
				}
				if t.Status == task.StatusRunning || t.Status == task.StatusTesting {
					continue
				}
				if t.Status == task.StatusPending {
					sup.Schedule(t.ID)
					continue
				}
				if pending, err := queue.HasPending(t.ID); err == nil && pending {
					sup.Schedule(t.ID)
				}
			}
		}
	}
}

// reapRateQueue polls the rate-limit retry queue: ready entries get
// rescheduled, and entries that exhausted their retry budget transition
// their task straight to FAILED, per SPEC_FULL.md §10's retry-on-rate-limit
// supplement.
func reapRateQueue(ctx context.Context, st *store.Store, rq *ratequeue.Queue, sup *taskexec.Supervisor, log interface {
	Warn(msg string, args ...any)
	Info(msg string, args ...any)
}) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, e := range rq.GetExpired() {
				rq.Remove(e.TaskID)
				msg := fmt.Sprintf("rate limit retry budget exhausted: %s", e.Reason)
				if err := st.UpdateFields(e.TaskID, store.FieldUpdate{
					Status:       statusPtr(task.StatusFailed),
					ErrorMessage: &msg,
				}); err != nil {
					log.Warn("reap: failed to mark task failed", "task_id", e.TaskID, "error", err)
				}
			}
			for _, e := range rq.GetReady() {
				rq.Remove(e.TaskID)
				log.Info("rate limit backoff elapsed, rescheduling", "task_id", e.TaskID, "attempts", e.Attempts)
				sup.Schedule(e.TaskID)
			}
		}
	}
}

func statusPtr(s task.Status) *task.Status { return &s }

// stagnationConfig maps the config file's Enabled/WarnAfter/PauseAfter/
// AbortAfter/IdenticalStateWindow knobs onto taskexec's lower-level
// StagnationConfig, whose zero value is what actually disables detection.
func stagnationConfig(sc *config.StagnationConfig) taskexec.StagnationConfig {
	if sc == nil || !sc.Enabled {
		return taskexec.StagnationConfig{}
	}
	defaults := taskexec.DefaultStagnationConfig()
	warnIdentical := sc.IdenticalStateWindow
	if warnIdentical <= 0 {
		warnIdentical = defaults.WarnAfterIdentical
	}
	return taskexec.StagnationConfig{
		WarnAfterIdentical:   warnIdentical,
		PauseAfterIdentical:  warnIdentical + 2,
		WarnAfterNoProgress:  sc.WarnAfter,
		PauseAfterNoProgress: sc.PauseAfter,
		AbortAfterNoProgress: sc.AbortAfter,
		HistorySize:          defaults.HistorySize,
	}
}
