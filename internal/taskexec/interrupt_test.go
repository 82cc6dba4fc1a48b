package taskexec

import (
	"context"
	"testing"

	"github.com/alekspetrov/agentloop/internal/agent"
	"github.com/alekspetrov/agentloop/internal/interaction"
)

// sessionMissingOnceImmediateDriver fails the first call with
// ErrSessionMissing (mirroring a stale agent_session_id rejected by the
// agent CLI) and streams a text event on every call, succeeding after.
type sessionMissingOnceImmediateDriver struct {
	calls int
}

func (d *sessionMissingOnceImmediateDriver) Run(ctx context.Context, opts agent.RunOptions) (agent.Result, error) {
	d.calls++
	if opts.OnEvent != nil {
		opts.OnEvent(agent.Event{Type: agent.EventText, Text: "reply"})
	}
	if d.calls == 1 {
		return agent.Result{}, agent.ErrSessionMissing
	}
	return agent.Result{FinalText: "reply", SessionID: "sess-retry"}, nil
}

func TestDispatchImmediateLogsEventsOnSessionMissingRetry(t *testing.T) {
	st, q, cleanup := newTestEnv(t)
	defer cleanup()

	tk := newTask("task-interrupt-retry")
	tk.AgentSessionID = "sess-stale"
	if err := st.CreateTask(tk); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, err := q.Enqueue(tk.ID, "new input", nil); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	driver := &sessionMissingOnceImmediateDriver{}
	interacts := interaction.NewLog(st)
	scheduled := make(chan string, 1)
	h := NewInterruptHandler(st, q, interacts, driver, func(taskID string) { scheduled <- taskID })

	h.dispatchImmediate(context.Background(), tk.ID, "new input", nil)

	select {
	case <-scheduled:
	default:
		t.Fatal("expected dispatchImmediate to call Scheduler on completion")
	}

	logged, err := st.ListInteractions(tk.ID)
	if err != nil {
		t.Fatalf("ListInteractions: %v", err)
	}
	var responseCount int
	for _, i := range logged {
		if i.Type == interaction.TypeClaudeResponse {
			responseCount++
		}
	}
	if responseCount != 2 {
		t.Fatalf("got %d CLAUDE_RESPONSE interactions, want 2 (one from the failed call, one from the retry)", responseCount)
	}

	got, err := st.GetTask(tk.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.AgentSessionID != "sess-retry" {
		t.Fatalf("agent_session_id = %q, want sess-retry", got.AgentSessionID)
	}
}
