package taskexec

import (
	"context"
	"log/slog"

	"github.com/alekspetrov/agentloop/internal/logging"
)

// Supervisor schedules execute_task(id) invocations onto goroutines.
//
// It deliberately carries no in-memory pid or lock registry of its own:
// *store.Store's CASStatus (PENDING|STOPPED|PAUSED → RUNNING) is already
// the single source of truth serializing concurrent Schedule calls for
// the same task — a second call simply loses the compare-and-set and
// ExecuteTask returns immediately as a no-op (spec.md §5's "enforced by
// the RUNNING status transition being a compare-and-set").
type Supervisor struct {
	executor *Executor
	ctx      context.Context
	log      *slog.Logger
}

// NewSupervisor constructs a Supervisor bound to a background context
// used for every scheduled invocation's lifetime.
func NewSupervisor(ctx context.Context, executor *Executor) *Supervisor {
	return &Supervisor{
		executor: executor,
		ctx:      ctx,
		log:      logging.WithComponent("taskexec.supervisor"),
	}
}

// Schedule launches one execute_task(id) invocation in its own goroutine
// and returns immediately. Safe to call repeatedly for the same task id:
// duplicate concurrent invocations collapse to a no-op via CASStatus.
func (s *Supervisor) Schedule(taskID string) {
	go func() {
		if err := s.executor.ExecuteTask(s.ctx, taskID); err != nil {
			s.log.Error("execute_task returned an error", slog.String("task_id", taskID), slog.Any("error", err))
		}
	}()
}

// AsScheduler adapts the Supervisor to the Scheduler function type the
// InterruptHandler expects.
func (s *Supervisor) AsScheduler() Scheduler {
	return s.Schedule
}
