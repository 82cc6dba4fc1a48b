// Package planner implements the Planner (spec.md §4.E): before each
// iteration's work turn, the Task Executor asks the Agent a planning
// question and parses the fenced ```planning``` block from the response to
// decide which worktrees (if any) the next turn needs.
//
// Grounded on internal/executor/signal.go's SignalParser: same fenced-block
// regex-then-JSON-or-field-parse technique and "parse, validate, clamp"
// defensive posture, adapted from Navigator's free-form JSON signal to the
// spec's fixed two-line NEEDS_WRITE/WRITE_TARGETS block.
package planner

import (
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/alekspetrov/agentloop/internal/logging"
)

// planningBlockRegex matches ```planning\nNEEDS_WRITE: ...\nWRITE_TARGETS: ...\n```
var planningBlockRegex = regexp.MustCompile("(?s)```planning\\s*\\n(.+?)\\n```")

// writeVerbs triggers the heuristic fallback when no fenced block is
// present, per spec.md §4.E.
var writeVerbs = []string{"create", "edit", "modify", "update", "write", "add", "delete", "change", "implement"}

// Kind distinguishes the three write-target outcomes of spec.md §4.E.
type Kind int

const (
	// KindNone means no worktrees are needed this iteration.
	KindNone Kind = iota
	// KindCurrent means reuse the task's existing worktree_path if set,
	// else behave like KindNone.
	KindCurrent
	// KindTargets means the response named specific project numbers.
	KindTargets
)

// Decision is the parsed outcome of one planning turn.
type Decision struct {
	Kind    Kind
	Targets []int // project indices (1-based, as written by the Agent) when Kind == KindTargets
}

// Project is the numbered project/module the planning prompt lists.
type Project struct {
	Path        string
	Description string
}

// Planner parses planning-turn responses into Decisions.
type Planner struct {
	log *slog.Logger
}

// New constructs a Planner.
func New() *Planner {
	return &Planner{log: logging.WithComponent("planner")}
}

// BuildPrompt renders the planning prompt spec.md §4.E describes: numbered
// projects, a request for NEEDS_WRITE/WRITE_TARGETS, and a prohibition on
// making changes during this turn.
func (p *Planner) BuildPrompt(task string, projects []Project) string {
	var b strings.Builder
	b.WriteString("Before making any changes, answer the following planning question.\n\n")
	b.WriteString("Task: ")
	b.WriteString(task)
	b.WriteString("\n\nAvailable projects:\n")
	for i, proj := range projects {
		b.WriteString(strconv.Itoa(i + 1))
		b.WriteString(". ")
		b.WriteString(proj.Path)
		if proj.Description != "" {
			b.WriteString(" — ")
			b.WriteString(proj.Description)
		}
		b.WriteString("\n")
	}
	b.WriteString("\nDo NOT make any file changes in this turn. Answer whether code changes ")
	b.WriteString("are required and, if so, which project numbers. You MUST end your response ")
	b.WriteString("with exactly this fenced block:\n\n")
	b.WriteString("```planning\n")
	b.WriteString("NEEDS_WRITE: YES|NO\n")
	b.WriteString("WRITE_TARGETS: <comma-separated numbers> | NONE | CURRENT\n")
	b.WriteString("```\n")
	return b.String()
}

// Parse interprets a planning-turn response. On any parse exception, the
// fail-safe default is "write needed against root_folder" — represented
// here as KindCurrent (the caller treats an empty worktree_path under
// KindCurrent the same as root_folder).
func (p *Planner) Parse(response string) Decision {
	match := planningBlockRegex.FindStringSubmatch(response)
	if match == nil {
		return p.heuristicFallback(response)
	}

	fields := parseFields(match[1])
	needsWrite := strings.EqualFold(fields["NEEDS_WRITE"], "YES")
	if !needsWrite {
		return Decision{Kind: KindNone}
	}

	targets := strings.TrimSpace(fields["WRITE_TARGETS"])
	switch strings.ToUpper(targets) {
	case "", "NONE":
		return Decision{Kind: KindNone}
	case "CURRENT":
		return Decision{Kind: KindCurrent}
	}

	var nums []int
	for _, part := range strings.Split(targets, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			p.log.Warn("planner: ignoring unparsable write target", slog.String("value", part))
			continue
		}
		nums = append(nums, n)
	}
	if len(nums) == 0 {
		return Decision{Kind: KindCurrent}
	}
	return Decision{Kind: KindTargets, Targets: nums}
}

// heuristicFallback implements the absent-block heuristic of spec.md §4.E:
// presence of a write verb anywhere in the response implies a write is
// needed against root_folder (modeled as KindCurrent).
func (p *Planner) heuristicFallback(response string) Decision {
	lower := strings.ToLower(response)
	for _, verb := range writeVerbs {
		if strings.Contains(lower, verb) {
			return Decision{Kind: KindCurrent}
		}
	}
	return Decision{Kind: KindNone}
}

// parseFields reads "KEY: value" lines out of a fenced block body.
func parseFields(body string) map[string]string {
	fields := make(map[string]string)
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		idx := strings.Index(line, ":")
		if idx < 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		val := strings.TrimSpace(line[idx+1:])
		fields[strings.ToUpper(key)] = val
	}
	return fields
}

// ResolveTargets maps 1-based project numbers to their paths, ignoring
// (with a log warning) any number outside the project list, per spec.md
// §4.E ("unknown numbers are ignored with a log warning").
func (p *Planner) ResolveTargets(nums []int, projects []Project) []Project {
	out := make([]Project, 0, len(nums))
	for _, n := range nums {
		if n < 1 || n > len(projects) {
			p.log.Warn("planner: unknown project number ignored", slog.Int("number", n))
			continue
		}
		out = append(out, projects[n-1])
	}
	return out
}
