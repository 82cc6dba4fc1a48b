package taskexec

import (
	"context"
	"testing"

	"github.com/alekspetrov/agentloop/internal/interaction"
	"github.com/alekspetrov/agentloop/internal/store"
	"github.com/alekspetrov/agentloop/internal/task"
	"github.com/alekspetrov/agentloop/internal/worktree"
)

func TestRestartClearsSessionAndLogsSummary(t *testing.T) {
	st, q, cleanup := newTestEnv(t)
	defer cleanup()

	tk := newTask("task-restart")
	tk.AgentSessionID = "sess-old"
	if err := st.CreateTask(tk); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	failed := task.StatusFailed
	if err := st.UpdateFields(tk.ID, store.FieldUpdate{Status: &failed}); err != nil {
		t.Fatalf("force FAILED: %v", err)
	}

	interacts := interaction.NewLog(st)
	if _, err := interacts.Append(tk.ID, interaction.TypeUserRequest, "do the thing"); err != nil {
		t.Fatalf("seed interaction: %v", err)
	}

	ex := New(Deps{
		Store:     st,
		Interacts: interacts,
		Queue:     q,
		Worktrees: worktree.NewWithPool(".claude_worktrees", 0),
	})

	if err := ex.Restart(context.Background(), tk.ID); err != nil {
		t.Fatalf("Restart: %v", err)
	}

	got, err := st.GetTask(tk.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != task.StatusPending {
		t.Fatalf("status = %v, want PENDING", got.Status)
	}
	if got.AgentSessionID != "" {
		t.Fatalf("agent_session_id = %q, want cleared", got.AgentSessionID)
	}

	all, err := st.ListInteractions(tk.ID)
	if err != nil {
		t.Fatalf("ListInteractions: %v", err)
	}
	last := all[len(all)-1]
	if last.Type != interaction.TypeSystemMessage {
		t.Fatalf("last interaction type = %v, want SYSTEM_MESSAGE recovery summary", last.Type)
	}
}

func TestRestartRejectsNonTerminalTask(t *testing.T) {
	st, q, cleanup := newTestEnv(t)
	defer cleanup()

	tk := newTask("task-restart-running")
	if err := st.CreateTask(tk); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	running := task.StatusRunning
	if err := st.UpdateFields(tk.ID, store.FieldUpdate{Status: &running}); err != nil {
		t.Fatalf("force RUNNING: %v", err)
	}

	ex := New(Deps{
		Store:     st,
		Interacts: interaction.NewLog(st),
		Queue:     q,
		Worktrees: worktree.NewWithPool(".claude_worktrees", 0),
	})

	if err := ex.Restart(context.Background(), tk.ID); err == nil {
		t.Fatal("expected an error restarting a RUNNING task")
	}
}

func TestClearAndRestartWipesHistoryAndTokens(t *testing.T) {
	st, q, cleanup := newTestEnv(t)
	defer cleanup()

	tk := newTask("task-clear-restart")
	if err := st.CreateTask(tk); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	var tokens int64 = 500
	exhausted := task.StatusExhausted
	if err := st.UpdateFields(tk.ID, store.FieldUpdate{Status: &exhausted, TotalTokensUsed: &tokens}); err != nil {
		t.Fatalf("force EXHAUSTED: %v", err)
	}

	interacts := interaction.NewLog(st)
	if _, err := interacts.Append(tk.ID, interaction.TypeUserRequest, "do the thing"); err != nil {
		t.Fatalf("seed interaction: %v", err)
	}

	ex := New(Deps{
		Store:     st,
		Interacts: interacts,
		Queue:     q,
		Worktrees: worktree.NewWithPool(".claude_worktrees", 0),
	})

	if err := ex.ClearAndRestart(context.Background(), tk.ID); err != nil {
		t.Fatalf("ClearAndRestart: %v", err)
	}

	got, err := st.GetTask(tk.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != task.StatusPending {
		t.Fatalf("status = %v, want PENDING", got.Status)
	}
	if got.TotalTokensUsed != 0 {
		t.Fatalf("total_tokens_used = %d, want 0", got.TotalTokensUsed)
	}
	if got.WorktreePath != "" {
		t.Fatalf("worktree_path = %q, want cleared", got.WorktreePath)
	}

	all, err := st.ListInteractions(tk.ID)
	if err != nil {
		t.Fatalf("ListInteractions: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("got %d interactions, want 0 after clear", len(all))
	}
}
