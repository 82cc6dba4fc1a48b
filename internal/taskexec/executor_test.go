package taskexec

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alekspetrov/agentloop/internal/agent"
	"github.com/alekspetrov/agentloop/internal/inputqueue"
	"github.com/alekspetrov/agentloop/internal/interaction"
	"github.com/alekspetrov/agentloop/internal/planner"
	"github.com/alekspetrov/agentloop/internal/store"
	"github.com/alekspetrov/agentloop/internal/task"
)

// fakeDriver returns canned results keyed by how many times it's been called.
type fakeDriver struct {
	responses []agent.Result
	calls     int
}

func (f *fakeDriver) Run(ctx context.Context, opts agent.RunOptions) (agent.Result, error) {
	if opts.OnEvent != nil {
		opts.OnEvent(agent.Event{Type: agent.EventText, Text: "ack"})
	}
	idx := f.calls
	if idx >= len(f.responses) {
		idx = len(f.responses) - 1
	}
	f.calls++
	return f.responses[idx], nil
}

type fakeChecker struct {
	done   bool
	reason string
}

func (f *fakeChecker) Check(ctx context.Context, criteria, cwd, lastResponse string) (bool, string, error) {
	return f.done, f.reason, nil
}

func newTestEnv(t *testing.T) (*store.Store, *inputqueue.Queue, func()) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	st, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	q, err := inputqueue.Open(dbPath)
	if err != nil {
		t.Fatalf("inputqueue.Open: %v", err)
	}
	return st, q, func() {
		q.Close()
		st.Close()
	}
}

func newTask(id string) *task.Task {
	return &task.Task{
		ID:          id,
		Name:        id,
		Description: "do the thing",
		Status:      task.StatusPending,
		RootFolder:  "/tmp/nonexistent-root",
		EndCriteria: task.EndCriteriaConfig{MaxIterations: 5},
	}
}

func TestExecuteTaskFinishesOnCriteriaMet(t *testing.T) {
	st, q, cleanup := newTestEnv(t)
	defer cleanup()

	tk := newTask("task-1")
	tk.EndCriteria.Criteria = "tests pass"
	if err := st.CreateTask(tk); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, err := q.Enqueue(tk.ID, "please start", nil); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	driver := &fakeDriver{responses: []agent.Result{
		{FinalText: "ack", SessionID: "sess-1"},
		{FinalText: "all done", SessionID: "sess-1"},
	}}

	exec := New(Deps{
		Store:     st,
		Interacts: interaction.NewLog(st),
		Queue:     q,
		Driver:    driver,
		Planner:   planner.New(),
		Checker:   &fakeChecker{done: true, reason: "criteria satisfied"},
	})

	if err := exec.ExecuteTask(context.Background(), tk.ID); err != nil {
		t.Fatalf("ExecuteTask: %v", err)
	}

	got, err := st.GetTask(tk.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != task.StatusFinished {
		t.Fatalf("status = %v, want FINISHED", got.Status)
	}
	if got.Summary != "criteria satisfied" {
		t.Fatalf("summary = %q, want %q", got.Summary, "criteria satisfied")
	}
	if got.ProcessPID != nil {
		t.Fatalf("process_pid = %v, want nil in terminal state", *got.ProcessPID)
	}
}

func TestExecuteTaskPausesInChatModeWithNoQueuedInput(t *testing.T) {
	st, q, cleanup := newTestEnv(t)
	defer cleanup()

	tk := newTask("task-2")
	tk.ChatMode = true
	if err := st.CreateTask(tk); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, err := q.Enqueue(tk.ID, "hi", nil); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	driver := &fakeDriver{responses: []agent.Result{
		{FinalText: "ack", SessionID: "sess-1"},
		{FinalText: "how can I help further?", SessionID: "sess-1"},
	}}

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
	if got.Status != task.StatusPaused {
		t.Fatalf("status = %v, want PAUSED", got.Status)
	}
}

func TestExecuteTaskDeclinesWhenCASRaceLost(t *testing.T) {
	st, q, cleanup := newTestEnv(t)
	defer cleanup()

	tk := newTask("task-3")
	if err := st.CreateTask(tk); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	// Force the task into a status outside CASStatus's allowed source set
	// {PENDING, STOPPED, PAUSED} for RUNNING, simulating a state a second
	// worker's CAS would simply fail against — the single-writer invariant
	// of spec.md §5.
	completed := task.StatusCompleted
	if err := st.UpdateFields(tk.ID, store.FieldUpdate{Status: &completed}); err != nil {
		t.Fatalf("force COMPLETED: %v", err)
	}

	exec := New(Deps{
		Store:     st,
		Interacts: interaction.NewLog(st),
		Queue:     q,
		Driver:    &fakeDriver{responses: []agent.Result{{FinalText: "should not be called"}}},
		Planner:   planner.New(),
	})

	if err := exec.ExecuteTask(context.Background(), tk.ID); err != nil {
		t.Fatalf("ExecuteTask: %v", err)
	}

	got, err := st.GetTask(tk.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != task.StatusCompleted {
		t.Fatalf("status = %v, want unchanged COMPLETED (CAS should have declined)", got.Status)
	}
	if driver := exec.driver.(*fakeDriver); driver.calls != 0 {
		t.Fatalf("driver.calls = %d, want 0 (declined before touching the Agent)", driver.calls)
	}
}
