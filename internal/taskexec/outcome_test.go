package taskexec

import (
	"context"
	"errors"
	"testing"

	"github.com/alekspetrov/agentloop/internal/agent"
	"github.com/alekspetrov/agentloop/internal/interaction"
	"github.com/alekspetrov/agentloop/internal/planner"
	"github.com/alekspetrov/agentloop/internal/task"
)

func TestClassifyExecutionOutcome(t *testing.T) {
	if !classifyExecutionOutcome(nil).IsContinue() {
		t.Error("nil error should classify as Continue")
	}
	if o := classifyExecutionOutcome(agent.ErrSessionMissing); !o.IsRetry() || o.retry != retrySessionMissing {
		t.Errorf("ErrSessionMissing should classify as retrySessionMissing, got %v", o)
	}
	if o := classifyExecutionOutcome(agent.ErrRateLimited); !o.IsRetry() || o.retry != retryTransientIO {
		t.Errorf("ErrRateLimited should classify as retryTransientIO, got %v", o)
	}
	if o := classifyExecutionOutcome(errors.New("boom")); !o.IsTerminal() {
		t.Errorf("an unrecognized error should classify as Terminal, got %v", o)
	}
}

// sessionMissingOnceDriver fails the first execution-turn call (call 3;
// calls 1 and 2 are the initial-context and planning turns) with
// ErrSessionMissing, then succeeds, mirroring the agent CLI rejecting a
// stale session id.
type sessionMissingOnceDriver struct {
	calls int
}

func (d *sessionMissingOnceDriver) Run(ctx context.Context, opts agent.RunOptions) (agent.Result, error) {
	d.calls++
	if d.calls == 3 {
		return agent.Result{}, agent.ErrSessionMissing
	}
	if opts.OnEvent != nil {
		opts.OnEvent(agent.Event{Type: agent.EventText, Text: "ack"})
	}
	return agent.Result{FinalText: "ack", SessionID: "sess-new"}, nil
}

func TestExecuteTaskRetriesOnceOnSessionMissing(t *testing.T) {
	st, q, cleanup := newTestEnv(t)
	defer cleanup()

	tk := newTask("task-session-retry")
	tk.AgentSessionID = "sess-stale"
	if err := st.CreateTask(tk); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, err := q.Enqueue(tk.ID, "please start", nil); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	driver := &sessionMissingOnceDriver{}
	exec := New(Deps{
		Store:     st,
		Interacts: interaction.NewLog(st),
		Queue:     q,
		Driver:    driver,
		Planner:   planner.New(),
	})

	if err := exec.ExecuteTask(context.Background(), tk.ID); err != nil {
		t.Fatalf("ExecuteTask: %v", err)
	}

	got, err := st.GetTask(tk.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.AgentSessionID != "sess-new" {
		t.Fatalf("agent_session_id = %q, want the retried turn's new session id", got.AgentSessionID)
	}
	if got.Status == task.StatusFailed {
		t.Fatal("task should not end FAILED after a successful session-missing retry")
	}
}
