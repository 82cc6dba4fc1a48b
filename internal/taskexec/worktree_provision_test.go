package taskexec

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/alekspetrov/agentloop/internal/agent"
	"github.com/alekspetrov/agentloop/internal/interaction"
	"github.com/alekspetrov/agentloop/internal/planner"
	"github.com/alekspetrov/agentloop/internal/worktree"
)

func setupGitRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v failed: %v\n%s", args, err, out)
		}
	}
	run("init", "-b", "main")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "Test User")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("# test\n"), 0644); err != nil {
		t.Fatalf("write README: %v", err)
	}
	run("add", ".")
	run("commit", "-m", "initial commit")
	return dir
}

// TestProvisionWorktreesKindCurrentFailSafeIsolates verifies the spec.md
// §4.E fail-safe ("write needed against root_folder") provisions an
// isolated worktree instead of handing back root_folder itself, which
// would let the agent write directly in the base repo.
func TestProvisionWorktreesKindCurrentFailSafeIsolates(t *testing.T) {
	st, q, cleanup := newTestEnv(t)
	defer cleanup()

	repo := setupGitRepo(t)
	tk := newTask("task-failsafe")
	tk.RootFolder = repo
	if err := st.CreateTask(tk); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	ex := New(Deps{
		Store:     st,
		Interacts: interaction.NewLog(st),
		Queue:     q,
		Worktrees: worktree.NewWithPool(".claude_worktrees", 0),
		Driver:    &fakeDriver{responses: []agent.Result{{FinalText: "ack", SessionID: "sess-1"}}},
		Planner:   planner.New(),
	})

	cwd, err := ex.provisionWorktrees(context.Background(), tk, planner.Decision{Kind: planner.KindCurrent}, nil)
	if err != nil {
		t.Fatalf("provisionWorktrees: %v", err)
	}
	if cwd == repo {
		t.Fatalf("fail-safe should isolate into a worktree, got root_folder itself: %s", cwd)
	}
	if filepath.Dir(filepath.Dir(cwd)) != repo {
		t.Fatalf("expected worktree nested under repo %s, got %s", repo, cwd)
	}

	got, err := st.GetTask(tk.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.WorktreePath != cwd {
		t.Fatalf("worktree_path = %q, want %q persisted", got.WorktreePath, cwd)
	}
}
