// Package maintenance runs the periodic housekeeping pass described in
// SPEC_FULL.md §10: reclaiming orphaned worktrees and compacting the
// input queue's sent-entry history, on a cron schedule.
//
// Grounded on internal/briefs/scheduler.go's Scheduler: a robfig/cron.Cron
// wrapping a single scheduled func, with the same started/stopped guard
// and graceful Stop().
package maintenance

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/alekspetrov/agentloop/internal/inputqueue"
	"github.com/alekspetrov/agentloop/internal/logging"
	"github.com/alekspetrov/agentloop/internal/store"
	"github.com/alekspetrov/agentloop/internal/task"
	"github.com/alekspetrov/agentloop/internal/worktree"
)

// Config controls the scheduled maintenance job.
type Config struct {
	Schedule       string        // cron expression, e.g. "0 3 * * *"
	QueueRetention time.Duration // passed to inputqueue.Queue.CompactSent
	OrphanScanRoot string        // base_repo to scan for orphaned worktrees; empty skips the scan
}

// Job runs one maintenance pass and can be scheduled to repeat via Start.
type Job struct {
	store     *store.Store
	queue     *inputqueue.Queue
	worktrees *worktree.Manager
	cfg       Config

	cron    *cron.Cron
	mu      sync.Mutex
	running bool

	log *slog.Logger
}

// New constructs a Job. worktrees may be nil if OrphanScanRoot is unset.
func New(st *store.Store, q *inputqueue.Queue, wt *worktree.Manager, cfg Config) *Job {
	return &Job{
		store:     st,
		queue:     q,
		worktrees: wt,
		cfg:       cfg,
		cron:      cron.New(),
		log:       logging.WithComponent("maintenance"),
	}
}

// Start schedules RunOnce on cfg.Schedule. A no-op if already running or
// cfg.Schedule is empty.
func (j *Job) Start(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.running || j.cfg.Schedule == "" {
		return nil
	}

	if _, err := j.cron.AddFunc(j.cfg.Schedule, func() {
		if err := j.RunOnce(ctx); err != nil {
			j.log.Error("maintenance pass failed", slog.Any("error", err))
		}
	}); err != nil {
		return err
	}

	j.cron.Start()
	j.running = true
	j.log.Info("maintenance scheduler started", slog.String("schedule", j.cfg.Schedule))
	return nil
}

// Stop halts the scheduler and waits for any in-flight run to finish.
func (j *Job) Stop() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.running {
		return
	}
	stopCtx := j.cron.Stop()
	<-stopCtx.Done()
	j.running = false
}

// RunOnce performs one maintenance pass: queue compaction for every known
// task, then (if configured) an orphaned-worktree sweep.
func (j *Job) RunOnce(ctx context.Context) error {
	tasks, err := j.store.ListTasks()
	if err != nil {
		return err
	}

	j.compactQueues(tasks)

	if j.worktrees != nil && j.cfg.OrphanScanRoot != "" {
		j.sweepOrphanedWorktrees(ctx, tasks)
	}
	return nil
}

func (j *Job) compactQueues(tasks []*task.Task) {
	retention := j.cfg.QueueRetention
	if retention <= 0 {
		return
	}
	for _, t := range tasks {
		n, err := j.queue.CompactSent(t.ID, retention)
		if err != nil {
			j.log.Warn("compact sent queue entries failed",
				slog.String("task_id", t.ID), slog.Any("error", err))
			continue
		}
		if n > 0 {
			j.log.Debug("compacted sent queue entries",
				slog.String("task_id", t.ID), slog.Int64("dropped", n))
		}
	}
}

// sweepOrphanedWorktrees keeps every worktree_path still owned by a
// non-terminal task and removes the rest under OrphanScanRoot.
func (j *Job) sweepOrphanedWorktrees(ctx context.Context, tasks []*task.Task) {
	keep := make(map[string]bool)
	for _, t := range tasks {
		if t.WorktreePath != "" && !t.Status.Terminal() {
			keep[t.WorktreePath] = true
		}
	}

	removed, err := j.worktrees.CleanupOrphaned(ctx, j.cfg.OrphanScanRoot, keep, false)
	if err != nil {
		j.log.Warn("orphaned worktree sweep failed", slog.Any("error", err))
		return
	}
	if len(removed) > 0 {
		j.log.Info("removed orphaned worktrees", slog.Int("count", len(removed)), slog.Any("paths", removed))
	}
}
