package main

import (
	"path/filepath"
	"testing"

	"github.com/alekspetrov/agentloop/internal/store"
	"github.com/alekspetrov/agentloop/internal/task"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestParseProjectFlags(t *testing.T) {
	entries, err := parseProjectFlags([]string{
		"/repo/a:write:web",
		"/repo/b:read",
		"/repo/c",
	})
	if err != nil {
		t.Fatalf("parseProjectFlags: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}

	want := []task.ProjectEntry{
		{Path: "/repo/a", Access: task.AccessWrite, ProjectType: task.ProjectTypeWeb},
		{Path: "/repo/b", Access: task.AccessRead, ProjectType: task.ProjectTypeOther},
		{Path: "/repo/c", Access: task.AccessRead, ProjectType: task.ProjectTypeOther},
	}
	for i, w := range want {
		if entries[i] != w {
			t.Errorf("entry %d = %+v, want %+v", i, entries[i], w)
		}
	}
}

func TestParseProjectFlagsRejectsEmptyPath(t *testing.T) {
	if _, err := parseProjectFlags([]string{":write:web"}); err == nil {
		t.Fatal("expected an error for a spec with no path")
	}
}

func TestCreateCmdFlags(t *testing.T) {
	cmd := newTaskCreateCmd()
	for _, name := range []string{"description", "root", "chat", "criteria", "max-iterations", "project"} {
		if cmd.Flags().Lookup(name) == nil {
			t.Errorf("task create missing --%s flag", name)
		}
	}
}

func TestLookupTaskByIDOrName(t *testing.T) {
	st := newTestStore(t)
	if err := st.CreateTask(&task.Task{
		ID: "abc-123", Name: "fix-login", Status: task.StatusPending,
		EndCriteria: task.DefaultEndCriteria(),
	}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	byID, err := lookupTask(st, "abc-123")
	if err != nil {
		t.Fatalf("lookupTask by id: %v", err)
	}
	if byID.Name != "fix-login" {
		t.Errorf("lookup by id returned name %q, want fix-login", byID.Name)
	}

	byName, err := lookupTask(st, "fix-login")
	if err != nil {
		t.Fatalf("lookupTask by name: %v", err)
	}
	if byName.ID != "abc-123" {
		t.Errorf("lookup by name returned id %q, want abc-123", byName.ID)
	}

	if _, err := lookupTask(st, "does-not-exist"); err == nil {
		t.Error("expected an error for an unknown id/name")
	}
}

func TestTaskRestartCmdFlags(t *testing.T) {
	cmd := newTaskRestartCmd()
	if cmd.Flags().Lookup("clear") == nil {
		t.Error("task restart missing --clear flag")
	}
	if err := cmd.Args(cmd, []string{"one"}); err != nil {
		t.Errorf("unexpected error with one positional arg: %v", err)
	}
	if err := cmd.Args(cmd, []string{}); err == nil {
		t.Error("expected an error with no positional args")
	}
}

func TestTaskSendCmdArgs(t *testing.T) {
	cmd := newTaskSendCmd()
	if cmd.Args == nil {
		t.Fatal("task send should enforce exactly 2 positional args")
	}
	if err := cmd.Args(cmd, []string{"one"}); err == nil {
		t.Error("expected an error with only one positional arg")
	}
	if err := cmd.Args(cmd, []string{"one", "two"}); err != nil {
		t.Errorf("unexpected error with two positional args: %v", err)
	}
}
