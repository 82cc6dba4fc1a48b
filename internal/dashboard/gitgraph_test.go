package dashboard

import (
	"strings"
	"testing"

	"github.com/charmbracelet/lipgloss"
)

// TestTranslateGraphChars verifies git graph characters are mapped to our symbol set.
func TestTranslateGraphChars(t *testing.T) {
	// '*' → '●'
	got := TranslateGraphChars("*")
	if !strings.Contains(got, "●") {
		t.Errorf("* should become ●, got %q", got)
	}

	// '|' → '│' (or '├' after post-processing)
	got = TranslateGraphChars("|")
	if got != "│" {
		t.Errorf("| should become │, got %q", got)
	}

	// '-' → '╌'
	got = TranslateGraphChars("-")
	if got != "╌" {
		t.Errorf("- should become ╌, got %q", got)
	}

	// Spaces are unchanged
	got = TranslateGraphChars("  ")
	if got != "  " {
		t.Errorf("spaces should be unchanged, got %q", got)
	}
}

// TestTranslateGraphChars_JunctionReplacement verifies branch-off/merge-back junctions.
func TestTranslateGraphChars_JunctionReplacement(t *testing.T) {
	// "|\\" in git output: | becomes │, \ becomes ╮, then │╮ → ├╌╮
	got := TranslateGraphChars(`|\`)
	if !strings.Contains(got, "├") || !strings.Contains(got, "╮") {
		t.Errorf("branch-off `|\\` should produce ├...╮, got %q", got)
	}

	// "|/" in git output: │╯ → ├╌╯
	got = TranslateGraphChars("|/")
	if !strings.Contains(got, "├") || !strings.Contains(got, "╯") {
		t.Errorf("merge-back `|/` should produce ├...╯, got %q", got)
	}
}

// TestParseGitGraphOutput verifies raw git log lines are parsed correctly.
func TestParseGitGraphOutput(t *testing.T) {
	// Commit line:    graph_chars + NUL + sha|author|refs|message
	// Connector line: graph_chars only (no NUL)
	raw := "* \x007eb8da1|Alice Smith|HEAD -> main|feat: add dashboard\n" +
		"|\n" +
		"* \x00a1b2c3d|Bob Jones||fix: handle nil"

	lines := ParseGitGraphOutput(raw)

	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(lines))
	}

	// Line 0: commit line
	l0 := lines[0]
	if l0.SHA != "7eb8da1" {
		t.Errorf("line 0 SHA = %q, want %q", l0.SHA, "7eb8da1")
	}
	if l0.Message != "feat: add dashboard" {
		t.Errorf("line 0 Message = %q, want %q", l0.Message, "feat: add dashboard")
	}
	if l0.Refs != "HEAD -> main" {
		t.Errorf("line 0 Refs = %q, want %q", l0.Refs, "HEAD -> main")
	}

	// Line 1: pure connector
	l1 := lines[1]
	if l1.SHA != "" {
		t.Errorf("connector line should have empty SHA, got %q", l1.SHA)
	}
	if l1.Message != "" {
		t.Errorf("connector line should have empty Message, got %q", l1.Message)
	}

	// Line 2: commit with empty refs
	l2 := lines[2]
	if l2.SHA != "a1b2c3d" {
		t.Errorf("line 2 SHA = %q, want %q", l2.SHA, "a1b2c3d")
	}
	if l2.Refs != "" {
		t.Errorf("line 2 Refs should be empty, got %q", l2.Refs)
	}
}

// TestParseGitGraphOutput_Empty verifies empty input is handled gracefully.
func TestParseGitGraphOutput_Empty(t *testing.T) {
	lines := ParseGitGraphOutput("")
	if len(lines) != 0 {
		t.Errorf("expected 0 lines for empty input, got %d", len(lines))
	}
}

// TestAbbreviateAuthor verifies author name abbreviation.
func TestAbbreviateAuthor(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"Alice", "Alice"},
		{"Al", "Al"},
		{"Alice Smith", "A. Smith"},
		{"First Middle Last", "F. Last"},
		{"VeryLongNameNoSpaces", "VeryLongNa"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := AbbreviateAuthor(tt.input)
			if got != tt.want {
				t.Errorf("AbbreviateAuthor(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

// TestColorizeRefs verifies refs are styled correctly.
func TestColorizeRefs(t *testing.T) {
	tests := []struct {
		name    string
		refs    string
		wantSub string
		empty   bool
	}{
		{"empty refs", "", "", true},
		{"HEAD ref", "HEAD -> main", "HEAD -> main", false},
		{"branch ref", "refs/heads/pilot/GH-123", "pilot/GH-123", false},
		{"tag ref", "tag: refs/tags/v1.0.0", "v1.0.0", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := colorizeRefs(tt.refs)
			plain := stripANSI(got)
			if tt.empty {
				if got != "" {
					t.Errorf("colorizeRefs(%q) = %q, want empty", tt.refs, got)
				}
				return
			}
			if !strings.Contains(plain, tt.wantSub) {
				t.Errorf("colorizeRefs(%q) plain = %q, want substring %q", tt.refs, plain, tt.wantSub)
			}
		})
	}
}

// TestRenderGraphLineFull verifies full-mode rendering width and content.
func TestRenderGraphLineFull(t *testing.T) {
	line := GitGraphLine{
		GraphChars: "● ",
		Refs:       "HEAD -> main",
		Message:    "feat: add git graph panel",
		Author:     "Alice Smith",
		SHA:        "7eb8da1",
	}

	width := 80
	got := renderGraphLineFull(line, width)

	if got == "" {
		t.Error("renderGraphLineFull returned empty string")
	}

	// Visual width should not exceed target width (with small tolerance for ANSI)
	visualWidth := lipgloss.Width(got)
	if visualWidth > width+2 {
		t.Errorf("renderGraphLineFull width = %d, want <= %d", visualWidth, width+2)
	}

	// Should contain the commit message
	plain := stripANSI(got)
	if !strings.Contains(plain, "feat: add git graph") {
		t.Errorf("missing commit message in full line: %q", plain)
	}
}

// TestRenderGraphLineFull_Connector verifies connector lines in full mode.
func TestRenderGraphLineFull_Connector(t *testing.T) {
	line := GitGraphLine{
		GraphChars: "├╌╮",
		SHA:        "", // no commit data
	}

	width := 80
	got := renderGraphLineFull(line, width)

	plain := stripANSI(got)
	// Should contain the branch junction characters
	if !strings.Contains(plain, "╮") {
		t.Errorf("connector line should contain ╮, got %q", plain)
	}
	// Should be padded to width
	visualWidth := lipgloss.Width(got)
	if visualWidth != width {
		t.Errorf("connector line visual width = %d, want %d", visualWidth, width)
	}
}

// TestRenderGraphLineSmall verifies small-mode rendering (graph + message only).
func TestRenderGraphLineSmall(t *testing.T) {
	line := GitGraphLine{
		GraphChars: "● ",
		Refs:       "HEAD -> main",
		Message:    "feat: add git graph panel",
		Author:     "Alice Smith",
		SHA:        "7eb8da1",
	}

	width := 28
	got := renderGraphLineSmall(line, width)

	if got == "" {
		t.Error("renderGraphLineSmall returned empty string")
	}

	plain := stripANSI(got)
	// Should contain message
	if !strings.Contains(plain, "feat:") {
		t.Errorf("missing commit message in small line: %q", plain)
	}
	// Should NOT contain SHA or author
	if strings.Contains(plain, "7eb8da1") {
		t.Errorf("small line should not contain SHA: %q", plain)
	}
	if strings.Contains(plain, "Alice") {
		t.Errorf("small line should not contain author: %q", plain)
	}
	// Should NOT contain refs
	if strings.Contains(plain, "HEAD") {
		t.Errorf("small line should not contain refs: %q", plain)
	}
}

// TestRenderGraphLineSmall_Connector verifies connector lines in small mode.
func TestRenderGraphLineSmall_Connector(t *testing.T) {
	line := GitGraphLine{GraphChars: "├╌╮"}
	width := 28
	got := renderGraphLineSmall(line, width)
	visualWidth := lipgloss.Width(got)
	if visualWidth != width {
		t.Errorf("connector visual width = %d, want %d", visualWidth, width)
	}
}

// TestRenderGraphLineMedium verifies medium-mode rendering (graph + refs + message).
func TestRenderGraphLineMedium(t *testing.T) {
	line := GitGraphLine{
		GraphChars: "● ",
		Refs:       "HEAD -> main",
		Message:    "feat: add git graph panel",
		Author:     "Alice Smith",
		SHA:        "7eb8da1",
	}

	width := 46
	got := renderGraphLineMedium(line, width)

	if got == "" {
		t.Error("renderGraphLineMedium returned empty string")
	}

	plain := stripANSI(got)
	// Should contain message
	if !strings.Contains(plain, "feat:") {
		t.Errorf("missing commit message in medium line: %q", plain)
	}
	// Should contain refs
	if !strings.Contains(plain, "HEAD") {
		t.Errorf("missing refs in medium line: %q", plain)
	}
	// Should NOT contain SHA or author
	if strings.Contains(plain, "7eb8da1") {
		t.Errorf("medium line should not contain SHA: %q", plain)
	}
	if strings.Contains(plain, "Alice") {
		t.Errorf("medium line should not contain author: %q", plain)
	}
}

// TestRenderGraphLineMedium_NoRefs verifies medium mode without refs.
func TestRenderGraphLineMedium_NoRefs(t *testing.T) {
	line := GitGraphLine{
		GraphChars: "● ",
		Message:    "fix: handle nil pointer",
		SHA:        "a1b2c3d",
	}

	width := 46
	got := renderGraphLineMedium(line, width)
	plain := stripANSI(got)
	if !strings.Contains(plain, "fix: handle nil") {
		t.Errorf("missing message: %q", plain)
	}
}

// TestRenderGitGraph_Loading verifies the panel shows a loading line before
// the first refresh completes.
func TestRenderGitGraph_Loading(t *testing.T) {
	m := Model{gitGraphState: nil}

	got := m.renderGitGraph()
	plain := stripANSI(got)
	if !strings.Contains(plain, "loading") {
		t.Errorf("loading state should contain 'loading', got:\n%s", plain)
	}
	if !strings.Contains(plain, "GIT GRAPH") {
		t.Error("missing 'GIT GRAPH' panel title")
	}
}

// TestRenderGitGraph_Error verifies error state renders correctly.
func TestRenderGitGraph_Error(t *testing.T) {
	m := Model{gitGraphState: &GitGraphState{Error: "fatal: not a git repository"}}

	got := m.renderGitGraph()
	plain := stripANSI(got)
	if !strings.Contains(plain, "fatal: not a git") {
		t.Errorf("error state should show error message, got:\n%s", plain)
	}
}

// TestRenderGitGraph_WithData verifies full rendering with commit data,
// including the truncation footer when more commits exist than were fetched.
func TestRenderGitGraph_WithData(t *testing.T) {
	m := Model{gitGraphState: &GitGraphState{
		TotalCount: 3,
		Lines: []GitGraphLine{
			{GraphChars: "● ", SHA: "7eb8da1", Author: "Alice Smith", Refs: "HEAD -> main", Message: "feat: add git graph"},
			{GraphChars: "├╌╮"},
		},
	}}

	got := m.renderGitGraph()
	plain := stripANSI(got)

	if !strings.Contains(plain, "GIT GRAPH") {
		t.Error("missing 'GIT GRAPH' panel title")
	}
	if !strings.Contains(plain, "feat: add git graph") {
		t.Errorf("missing commit message in output:\n%s", plain)
	}
	if !strings.Contains(plain, "2 more commits") {
		t.Errorf("missing truncation footer, got:\n%s", plain)
	}
}

// TestRefreshGitGraphCmd verifies the command wraps FetchGitGraph's result
// in a gitRefreshMsg for an empty directory (no .git), which FetchGitGraph
// reports as an error state rather than panicking.
func TestRefreshGitGraphCmd(t *testing.T) {
	cmd := refreshGitGraphCmd(t.TempDir())
	if cmd == nil {
		t.Fatal("refreshGitGraphCmd returned nil")
	}
	msg := cmd()
	refresh, ok := msg.(gitRefreshMsg)
	if !ok {
		t.Fatalf("cmd() returned %T, want gitRefreshMsg", msg)
	}
	if refresh.state == nil {
		t.Fatal("gitRefreshMsg.state is nil")
	}
	if refresh.state.Error == "" {
		t.Error("expected an error state for a directory with no git history")
	}
}
