package taskexec

import (
	"context"
	"fmt"
	"strings"

	"github.com/alekspetrov/agentloop/internal/interaction"
	"github.com/alekspetrov/agentloop/internal/store"
	"github.com/alekspetrov/agentloop/internal/task"
)

// restartableFrom are the terminal statuses spec.md §7 allows a restart
// from. RUNNING and PAUSED are excluded: a RUNNING task already has a
// writer, and a PAUSED task resumes through the ordinary Schedule path.
var restartableFrom = []task.Status{task.StatusFailed, task.StatusExhausted, task.StatusStopped}

// recoveryHistoryLimit is the "last ≤10 interactions" spec.md §7 names for
// the recovery SYSTEM_MESSAGE summary.
const recoveryHistoryLimit = 10

// Restart implements spec.md §7's recovery operation: a FAILED, EXHAUSTED,
// or STOPPED task transitions back to PENDING, `agent_session_id` is
// cleared so the next turn starts a fresh agent session, and a recovery
// SYSTEM_MESSAGE summarizing the last ≤10 interactions is appended ahead of
// it so the agent has continuity across the new session. The caller
// (cmd/agentloopd) is responsible for scheduling the task after Restart
// returns, the same as any other PENDING task.
func (e *Executor) Restart(ctx context.Context, taskID string) error {
	t, err := e.store.GetTask(taskID)
	if err != nil {
		return fmt.Errorf("load task: %w", err)
	}

	ok, err := e.store.CASStatus(taskID, restartableFrom, task.StatusPending)
	if err != nil {
		return fmt.Errorf("transition to PENDING: %w", err)
	}
	if !ok {
		return fmt.Errorf("task %s is not in a restartable state (status=%s)", taskID, t.Status)
	}

	history, err := e.store.LastInteractions(taskID, recoveryHistoryLimit)
	if err != nil {
		return fmt.Errorf("load recovery history: %w", err)
	}
	if _, err := e.interacts.Append(taskID, interaction.TypeSystemMessage, recoverySummary(history)); err != nil {
		return fmt.Errorf("log recovery summary: %w", err)
	}

	return e.store.UpdateFields(taskID, store.FieldUpdate{ClearSessionID: true})
}

// ClearAndRestart implements spec.md §7's "clear and restart" operation: it
// deletes every interaction the task has logged, tears down and clears its
// worktree, zeroes its token usage and agent session, and transitions it
// back to PENDING for the caller to reschedule. Iteration count needs no
// explicit reset since ExecuteTask derives it by counting dispatched
// interactions, which DeleteInteractions has just emptied.
func (e *Executor) ClearAndRestart(ctx context.Context, taskID string) error {
	t, err := e.store.GetTask(taskID)
	if err != nil {
		return fmt.Errorf("load task: %w", err)
	}

	ok, err := e.store.CASStatus(taskID, restartableFrom, task.StatusPending)
	if err != nil {
		return fmt.Errorf("transition to PENDING: %w", err)
	}
	if !ok {
		return fmt.Errorf("task %s is not in a restartable state (status=%s)", taskID, t.Status)
	}

	if err := e.store.DeleteInteractions(taskID); err != nil {
		return fmt.Errorf("delete interactions: %w", err)
	}

	if t.WorktreePath != "" {
		if err := e.worktrees.CleanupTaskWorktreeAndBranch(ctx, t.RootFolder, t.Name, t.WorktreePath, t.BranchName, true); err != nil {
			return fmt.Errorf("reset worktree: %w", err)
		}
		e.worktrees.Release(t.ID)
	}

	var zero int64
	return e.store.UpdateFields(taskID, store.FieldUpdate{
		ClearWorktreePath: true,
		ClearSessionID:    true,
		ClearProcessPID:   true,
		TotalTokensUsed:   &zero,
	})
}

// recoverySummary renders the last ≤10 interactions as a compact transcript
// for the recovery SYSTEM_MESSAGE, so the agent can re-orient after losing
// its prior session without replaying the full interaction log verbatim.
func recoverySummary(history []*interaction.Interaction) string {
	var b strings.Builder
	b.WriteString("Recovering from an interrupted run. Summary of the last ")
	fmt.Fprintf(&b, "%d interaction(s):\n\n", len(history))
	for _, i := range history {
		b.WriteString("- ")
		b.WriteString(string(i.Type))
		b.WriteString(": ")
		b.WriteString(summarize(i.Content))
		b.WriteString("\n")
	}
	return b.String()
}
