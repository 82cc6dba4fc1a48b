package taskexec

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alekspetrov/agentloop/internal/agent"
	"github.com/alekspetrov/agentloop/internal/inputqueue"
	"github.com/alekspetrov/agentloop/internal/interaction"
	"github.com/alekspetrov/agentloop/internal/logging"
	"github.com/alekspetrov/agentloop/internal/store"
	"github.com/alekspetrov/agentloop/internal/task"
)

// killPollInterval and killPollBudget implement spec.md §4.I step 3's
// "poll up to 0.5s; SIGKILL if still alive".
const (
	killPollInterval = 50 * time.Millisecond
	killPollBudget   = 500 * time.Millisecond
)

// Scheduler launches (or re-launches) an executor invocation for a task,
// typically `go executor.ExecuteTask(ctx, taskID)` fire-and-forget from
// the caller's worker pool. It is a function rather than an interface
// since the Supervisor is the only implementation the core needs.
type Scheduler func(taskID string)

// InterruptHandler is the Immediate-Interrupt Path (spec.md §4.I): an
// external caller delivers new user input while a task may already be
// RUNNING with a live Agent subprocess, and this handler preempts it.
//
// Grounded on internal/executor/dispatcher.go's kill-then-restart shape,
// adapted from Pilot's per-project worker cancellation to the spec's
// SIGTERM→poll→SIGKILL-then-direct-dispatch sequence.
type InterruptHandler struct {
	store     Store
	queue     *inputqueue.Queue
	interacts *interaction.Log
	driver    agent.Driver
	schedule  Scheduler
	log       *slog.Logger

	mu       sync.Mutex
	inflight map[string]bool // task id -> immediate_processing_active
}

// NewInterruptHandler constructs an InterruptHandler.
func NewInterruptHandler(st Store, q *inputqueue.Queue, log *interaction.Log, driver agent.Driver, schedule Scheduler) *InterruptHandler {
	return &InterruptHandler{
		store:     st,
		queue:     q,
		interacts: log,
		driver:    driver,
		schedule:  schedule,
		log:       logging.WithComponent("taskexec.interrupt"),
		inflight:  make(map[string]bool),
	}
}

// Deliver implements spec.md §4.I's numbered steps for one piece of new
// user input arriving for taskID. The returned string is the reply the
// external caller should surface to the user ("blocked" on duplicate,
// "queued" otherwise).
func (h *InterruptHandler) Deliver(ctx context.Context, taskID, text string, images []string) (string, error) {
	_, err := h.queue.Enqueue(taskID, text, images)
	if err == inputqueue.ErrDuplicate {
		return "blocked", nil
	}
	if err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}

	t, err := h.store.GetTask(taskID)
	if err != nil {
		return "", fmt.Errorf("load task: %w", err)
	}

	if t.ProcessPID == nil {
		h.schedule(taskID)
		return "queued", nil
	}

	if err := h.preempt(ctx, t); err != nil {
		return "", fmt.Errorf("preempt running subprocess: %w", err)
	}

	go h.dispatchImmediate(ctx, taskID, text, images)
	return "queued", nil
}

// preempt implements step 3's kill sequence: SIGTERM, poll up to 0.5s,
// SIGKILL if still alive, then clear process_pid.
func (h *InterruptHandler) preempt(ctx context.Context, t *task.Task) error {
	pid := *t.ProcessPID

	if err := agent.Interrupt(pid); err != nil {
		h.log.Warn("SIGTERM failed, process may already be gone", slog.Int("pid", pid), slog.Any("error", err))
	}

	deadline := time.Now().Add(killPollBudget)
	for time.Now().Before(deadline) {
		if !agent.Alive(pid) {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(killPollInterval):
		}
	}
	if agent.Alive(pid) {
		if err := agent.ForceKill(pid); err != nil {
			h.log.Warn("SIGKILL failed", slog.Int("pid", pid), slog.Any("error", err))
		}
	}

	return h.store.UpdateFields(t.ID, store.FieldUpdate{ClearProcessPID: true})
}

// dispatchImmediate implements step 3's "immediate processing" path: send
// the newly-interrupted message directly, bypassing the normal loop's
// planning/worktree-provisioning steps, then hand control back to the
// Scheduler. It guards against two concurrent immediate dispatches for
// the same task with an in-memory flag (immediate_processing_active is
// not a persisted field; it only matters to the process holding the
// interrupt path, so process-local state is sufficient).
func (h *InterruptHandler) dispatchImmediate(ctx context.Context, taskID, text string, images []string) {
	h.mu.Lock()
	if h.inflight[taskID] {
		h.mu.Unlock()
		return
	}
	h.inflight[taskID] = true
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.inflight, taskID)
		h.mu.Unlock()
		h.schedule(taskID)
	}()

	t, err := h.store.GetTask(taskID)
	if err != nil {
		h.log.Error("immediate dispatch: failed to load task", slog.Any("error", err))
		return
	}

	if err := h.queue.MarkSent(taskID, text); err != nil {
		h.log.Error("immediate dispatch: mark_sent failed", slog.Any("error", err))
		return
	}
	if _, err := h.interacts.Append(taskID, interaction.TypeUserRequest, text, interaction.WithImages(images)); err != nil {
		h.log.Error("immediate dispatch: failed to log user request", slog.Any("error", err))
		return
	}

	cwd := t.InitialCWD()
	onEvent := func(ev agent.Event) {
		switch ev.Type {
		case agent.EventText:
			if _, err := h.interacts.Append(taskID, interaction.TypeClaudeResponse, ev.Text); err != nil {
				h.log.Warn("immediate dispatch: failed to log response event", slog.Any("error", err))
			}
		case agent.EventToolResult:
			if _, err := h.interacts.Append(taskID, interaction.TypeToolResult, ev.ToolResult); err != nil {
				h.log.Warn("immediate dispatch: failed to log tool result event", slog.Any("error", err))
			}
		}
	}
	result, runErr := h.driver.Run(ctx, agent.RunOptions{
		Message:   text,
		CWD:       cwd,
		SessionID: t.AgentSessionID,
		Images:    images,
		MCPConfig: t.MCPServers,
		OnEvent:   onEvent,
	})

	if runErr == agent.ErrSessionMissing {
		// Step 4: retry once with session_id = null.
		if err := h.store.UpdateFields(taskID, store.FieldUpdate{ClearSessionID: true}); err != nil {
			h.log.Error("immediate dispatch: failed to clear session id", slog.Any("error", err))
			return
		}
		result, runErr = h.driver.Run(ctx, agent.RunOptions{
			Message:   text,
			CWD:       cwd,
			Images:    images,
			MCPConfig: t.MCPServers,
			OnEvent:   onEvent,
		})
	}
	if runErr != nil {
		h.log.Error("immediate dispatch: execution failed", slog.Any("error", runErr))
		return
	}

	update := store.FieldUpdate{
		AgentSessionID:  &result.SessionID,
		ClearProcessPID: true,
		TotalTokensUsed: totalTokensPtr(t.TotalTokensUsed + result.Usage.OutputTokens),
	}
	if err := h.store.UpdateFields(taskID, update); err != nil {
		h.log.Error("immediate dispatch: failed to persist result", slog.Any("error", err))
	}
}
