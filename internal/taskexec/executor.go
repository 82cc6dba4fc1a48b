package taskexec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/alekspetrov/agentloop/internal/agent"
	"github.com/alekspetrov/agentloop/internal/autoresponder"
	"github.com/alekspetrov/agentloop/internal/criteria"
	"github.com/alekspetrov/agentloop/internal/inputqueue"
	"github.com/alekspetrov/agentloop/internal/interaction"
	"github.com/alekspetrov/agentloop/internal/logging"
	"github.com/alekspetrov/agentloop/internal/planner"
	"github.com/alekspetrov/agentloop/internal/ratequeue"
	"github.com/alekspetrov/agentloop/internal/store"
	"github.com/alekspetrov/agentloop/internal/task"
	"github.com/alekspetrov/agentloop/internal/worktree"
)

// TestRunner is the opaque External Test Runner of spec.md §6, invoked
// once after terminal success on a non-chat task. Defined here (rather
// than imported from internal/testrunner) to keep the Executor's
// dependency direction pointing at a narrow interface callers can fake.
type TestRunner interface {
	Run(ctx context.Context, cwd string) (passed bool, output string, err error)
}

// Store is the subset of *store.Store the Executor depends on.
type Store interface {
	GetTask(id string) (*task.Task, error)
	CASStatus(id string, from []task.Status, to task.Status) (bool, error)
	UpdateFields(id string, u store.FieldUpdate) error
	ListInteractions(taskID string) ([]*interaction.Interaction, error)
	LastInteractions(taskID string, n int) ([]*interaction.Interaction, error)
	DeleteInteractions(taskID string) error
}

// Executor is the Task Executor core (spec.md §4.H): one call to
// ExecuteTask drives a task's iteration loop to a pause point or a
// terminal state.
type Executor struct {
	store     Store
	interacts *interaction.Log
	queue     *inputqueue.Queue
	worktrees *worktree.Manager
	driver    agent.Driver
	planner   *planner.Planner
	checker   criteria.Checker
	tests     TestRunner
	rateQueue *ratequeue.Queue
	log       *slog.Logger

	stagCfg    StagnationConfig
	stagMu     sync.Mutex
	stagByTask map[string]*StagnationMonitor
}

// Deps bundles the Executor's collaborators, each injectable per
// spec.md §9 ("pass as interfaces into the Executor so tests can inject
// fakes").
type Deps struct {
	Store     Store
	Interacts *interaction.Log
	Queue     *inputqueue.Queue
	Worktrees *worktree.Manager
	Driver    agent.Driver
	Planner   *planner.Planner
	Checker   criteria.Checker
	Tests     TestRunner // may be nil: test running is skipped

	// RateQueue is the SPEC_FULL.md §10 rate-limit retry supplement. When
	// set, an execution turn that fails with agent.ErrRateLimited pauses
	// the task and holds it here instead of transitioning to FAILED; a
	// caller-owned reaper loop (cmd/agentloopd) polls GetReady/GetExpired
	// and reschedules or fails the task accordingly. A nil RateQueue
	// disables the supplement: rate limits are treated like any other
	// execution error.
	RateQueue *ratequeue.Queue

	// Stagnation is the SPEC_FULL.md §10 stagnation-detection config. The
	// zero value disables detection entirely, matching the teacher's
	// opt-in default.
	Stagnation StagnationConfig
}

// New constructs an Executor.
func New(d Deps) *Executor {
	return &Executor{
		store:      d.Store,
		interacts:  d.Interacts,
		queue:      d.Queue,
		worktrees:  d.Worktrees,
		driver:     d.Driver,
		planner:    d.Planner,
		checker:    d.Checker,
		tests:      d.Tests,
		rateQueue:  d.RateQueue,
		log:        logging.WithComponent("taskexec"),
		stagCfg:    d.Stagnation,
		stagByTask: make(map[string]*StagnationMonitor),
	}
}

// stagnationFor returns (creating on first use) the per-task stagnation
// monitor. A dedicated monitor per task id is required since one Executor
// instance is shared across every task the process runs.
func (e *Executor) stagnationFor(taskID string) *StagnationMonitor {
	e.stagMu.Lock()
	defer e.stagMu.Unlock()
	m, ok := e.stagByTask[taskID]
	if !ok {
		m = NewStagnationMonitor(e.stagCfg)
		e.stagByTask[taskID] = m
	}
	return m
}

// ExecuteTask implements one call to execute_task(id), spec.md §4.H.
func (e *Executor) ExecuteTask(ctx context.Context, taskID string) error {
	t, err := e.store.GetTask(taskID)
	if err != nil {
		return fmt.Errorf("load task: %w", err)
	}

	if t.Status != task.StatusRunning {
		ok, err := e.store.CASStatus(taskID, []task.Status{task.StatusPending, task.StatusStopped, task.StatusPaused}, task.StatusRunning)
		if err != nil {
			return fmt.Errorf("transition to RUNNING: %w", err)
		}
		if !ok {
			// Another worker already owns this task; the single-writer
			// invariant (spec.md §5) means we simply decline to run.
			e.log.Debug("declined execute_task: CAS to RUNNING failed", slog.String("task_id", taskID))
			return nil
		}
		t.Status = task.StatusRunning
	}

	cwd := t.InitialCWD()

	interactions, err := e.store.ListInteractions(taskID)
	if err != nil {
		return fmt.Errorf("list interactions: %w", err)
	}
	if len(interactions) == 0 {
		if err := e.runInitialContext(ctx, t, cwd); err != nil {
			return e.fail(t, fmt.Errorf("initial context: %w", err))
		}
		interactions, err = e.store.ListInteractions(taskID)
		if err != nil {
			return fmt.Errorf("list interactions after initial context: %w", err)
		}
	}

	iteration := countDispatchedMessages(interactions)
	maxIter := t.EndCriteria.MaxIterations
	if maxIter <= 0 {
		maxIter = task.DefaultEndCriteria().MaxIterations
	}

	for iteration < maxIter {
		t, err = e.store.GetTask(taskID)
		if err != nil {
			return fmt.Errorf("refresh task: %w", err)
		}
		if t.Status == task.StatusStopped {
			return nil
		}
		if t.EndCriteria.MaxTokens != nil && t.TotalTokensUsed >= *t.EndCriteria.MaxTokens {
			return e.exhaust(t, "max tokens reached")
		}

		entry, err := e.queue.PeekPending(taskID)
		if err != nil {
			return fmt.Errorf("peek pending: %w", err)
		}
		if entry == nil {
			if t.ChatMode {
				return e.pause(t)
			}
			if iteration == 0 {
				return nil // nothing queued yet; caller retries once input arrives
			}
			return e.pause(t)
		}

		if err := e.queue.MarkSent(taskID, entry.Text); err != nil {
			return fmt.Errorf("mark_sent: %w", err)
		}
		if _, err := e.interacts.Append(taskID, interaction.TypeUserRequest, entry.Text, interaction.WithImages(entry.Images)); err != nil {
			return fmt.Errorf("log user request: %w", err)
		}

		projects := projectsFor(t)
		planDecision := planner.Decision{Kind: planner.KindCurrent}
		if planText, err := e.runPlanningTurn(ctx, t, cwd, entry.Text, projects); err == nil {
			planDecision = e.planner.Parse(planText)
		}

		cwd, err = e.provisionWorktrees(ctx, t, planDecision, projects)
		if err != nil {
			return fmt.Errorf("provision worktrees: %w", err)
		}

		result, runErr := e.runExecutionTurn(ctx, t, cwd, entry.Text, entry.Images)
		switch outcome := classifyExecutionOutcome(runErr); {
		case outcome.IsContinue():
			// runErr == nil; fall through with result populated.
		case outcome.IsRetry():
			switch outcome.retry {
			case retrySessionMissing:
				if err := e.store.UpdateFields(taskID, store.FieldUpdate{ClearSessionID: true}); err != nil {
					return fmt.Errorf("clear session id: %w", err)
				}
				t.AgentSessionID = ""
				result, runErr = e.runExecutionTurn(ctx, t, cwd, entry.Text, entry.Images)
				if retried := classifyExecutionOutcome(runErr); retried.IsRetry() && retried.retry == retryTransientIO && e.rateQueue != nil {
					e.rateQueue.Add(taskID, retried.Reason())
					e.log.Warn("agent rate limited, holding in retry queue", slog.String("task_id", taskID))
					return e.pause(t)
				} else if runErr != nil {
					return e.fail(t, fmt.Errorf("execution turn: %w", runErr))
				}
			case retryTransientIO:
				if e.rateQueue == nil {
					return e.fail(t, fmt.Errorf("execution turn: %w", runErr))
				}
				e.rateQueue.Add(taskID, outcome.Reason())
				e.log.Warn("agent rate limited, holding in retry queue", slog.String("task_id", taskID))
				return e.pause(t)
			}
		case outcome.IsTerminal():
			return e.fail(t, fmt.Errorf("execution turn: %s", outcome.Reason()))
		}

		if err := e.store.UpdateFields(taskID, store.FieldUpdate{
			AgentSessionID:  &result.SessionID,
			ClearProcessPID: true,
			TotalTokensUsed: totalTokensPtr(t.TotalTokensUsed + result.Usage.OutputTokens),
		}); err != nil {
			return fmt.Errorf("persist result: %w", err)
		}
		t.AgentSessionID = result.SessionID
		t.TotalTokensUsed += result.Usage.OutputTokens

		if t.EndCriteria.Criteria != "" && !t.ChatMode {
			done, reason, err := e.checker.Check(ctx, t.EndCriteria.Criteria, cwd, result.FinalText)
			if err != nil {
				e.log.Warn("criteria checker error, continuing", slog.Any("error", err))
			} else if done {
				return e.finish(ctx, t, reason)
			}
		}

		if level := e.stagnationFor(taskID).RecordTurn(stagnationSignature(planDecision, result.FinalText)); level >= StagnationWarn {
			e.log.Warn("stagnation detected", slog.String("task_id", taskID), slog.String("level", level.String()))
			if level == StagnationAbort {
				return e.exhaust(t, "stagnation: no progress for too long")
			}
			if level == StagnationPause {
				return e.pause(t)
			}
		}

		hasMore, err := e.queue.HasPending(taskID)
		if err != nil {
			return fmt.Errorf("has_pending: %w", err)
		}
		if hasMore {
			iteration++
			continue
		}

		if t.ChatMode {
			return e.pause(t)
		}

		reply, cont := autoresponder.Respond(result.FinalText)
		if !cont {
			return e.finish(ctx, t, summarize(result.FinalText))
		}
		if _, err := e.queue.Enqueue(taskID, reply, nil); err != nil && err != inputqueue.ErrDuplicate {
			return fmt.Errorf("enqueue simulated continuation: %w", err)
		}
		if _, err := e.interacts.Append(taskID, interaction.TypeSimulatedHuman, reply); err != nil {
			return fmt.Errorf("log simulated human: %w", err)
		}
		iteration++
	}

	return e.exhaust(t, "max iterations reached")
}

// classifyExecutionOutcome turns a runExecutionTurn error into the tagged
// Outcome spec.md §9's design note calls for, so the iteration loop
// switches over a sum type instead of nesting error-specific ifs.
func classifyExecutionOutcome(runErr error) Outcome {
	if runErr == nil {
		return Continue()
	}
	if runErr == agent.ErrSessionMissing {
		return RetrySessionMissing(runErr.Error())
	}
	if errors.Is(runErr, agent.ErrRateLimited) {
		return RetryTransientIO(runErr.Error())
	}
	return Terminal(runErr.Error())
}

func (e *Executor) runPlanningTurn(ctx context.Context, t *task.Task, cwd, userMessage string, projects []planner.Project) (string, error) {
	prompt := e.planner.BuildPrompt(userMessage, projects)
	res, err := e.driver.Run(ctx, agent.RunOptions{Message: prompt, CWD: cwd, SessionID: t.AgentSessionID})
	if err != nil {
		e.log.Warn("planning turn failed, defaulting to write-needed", slog.Any("error", err))
		return "", err
	}
	return res.FinalText, nil
}

func (e *Executor) provisionWorktrees(ctx context.Context, t *task.Task, d planner.Decision, projects []planner.Project) (string, error) {
	switch d.Kind {
	case planner.KindNone:
		return t.InitialCWD(), nil
	case planner.KindCurrent:
		if t.WorktreePath != "" {
			return t.WorktreePath, nil
		}
		// Fail-safe toward isolation (spec.md §4.E): "write needed against
		// root_folder" still means an isolated worktree, not writing
		// directly in the base repo, so this goes through the same
		// Targets-style provisioning as an explicit WRITE_TARGETS.
		return e.provisionTargets(ctx, t, []planner.Project{{Path: t.RootFolder, Description: t.Description}})
	case planner.KindTargets:
		targets := e.planner.ResolveTargets(d.Targets, projects)
		if len(targets) == 0 {
			return t.InitialCWD(), nil
		}
		return e.provisionTargets(ctx, t, targets)
	}
	return t.InitialCWD(), nil
}

// provisionTargets creates (or draws from the warm pool) a worktree per
// target and, the first time a task needs one at all, persists the chosen
// worktree_path and replays the initial context there.
func (e *Executor) provisionTargets(ctx context.Context, t *task.Task, targets []planner.Project) (string, error) {
	var created []string
	firstCreated := ""
	firstProvision := t.WorktreePath == ""
	for _, target := range targets {
		if firstProvision {
			// First time this task needs a worktree: draw from the warm
			// pool if one is configured, shaving the `git worktree add`
			// cost off the task's critical path.
			path, err := e.worktrees.Acquire(ctx, target.Path, t.ID, t.BranchName, t.BaseBranch)
			if err != nil {
				return "", fmt.Errorf("acquire worktree for %s: %w", target.Path, err)
			}
			created = append(created, path)
			if firstCreated == "" {
				firstCreated = path
			}
			continue
		}
		res, err := e.worktrees.Create(ctx, target.Path, t.Name, t.BranchName, t.BaseBranch)
		if err != nil {
			return "", fmt.Errorf("create worktree for %s: %w", target.Path, err)
		}
		created = append(created, res.Path)
	}
	if firstCreated != "" && t.WorktreePath == "" {
		if err := e.store.UpdateFields(t.ID, store.FieldUpdate{
			WorktreePath:   &firstCreated,
			ClearSessionID: true,
		}); err != nil {
			return "", fmt.Errorf("persist worktree path: %w", err)
		}
		t.WorktreePath = firstCreated
		t.AgentSessionID = ""

		if err := e.runInitialContext(ctx, t, firstCreated); err != nil {
			return "", fmt.Errorf("re-send initial context in new worktree: %w", err)
		}
		listing := strings.Join(created, ", ")
		if _, err := e.interacts.Append(t.ID, interaction.TypeSystemMessage,
			fmt.Sprintf("Worktrees provisioned: %s", listing)); err != nil {
			return "", fmt.Errorf("log worktree system message: %w", err)
		}
	}
	if t.WorktreePath != "" {
		return t.WorktreePath, nil
	}
	return created[0], nil
}

func (e *Executor) runExecutionTurn(ctx context.Context, t *task.Task, cwd, userMessage string, images []string) (agent.Result, error) {
	var result agent.Result
	var runErr error
	onEvent := func(ev agent.Event) {
		switch ev.Type {
		case agent.EventText:
			if _, err := e.interacts.Append(t.ID, interaction.TypeClaudeResponse, ev.Text); err != nil {
				e.log.Warn("failed to log claude response event", slog.Any("error", err))
			}
		case agent.EventToolResult:
			if _, err := e.interacts.Append(t.ID, interaction.TypeToolResult, ev.ToolResult); err != nil {
				e.log.Warn("failed to log tool result event", slog.Any("error", err))
			}
		}
	}

	result, runErr = e.driver.Run(ctx, agent.RunOptions{
		Message:   userMessage,
		CWD:       cwd,
		SessionID: t.AgentSessionID,
		Images:    images,
		MCPConfig: t.MCPServers,
		OnEvent:   onEvent,
	})
	if result.PID != 0 {
		pid := result.PID
		if err := e.store.UpdateFields(t.ID, store.FieldUpdate{ProcessPID: &pid}); err != nil {
			e.log.Warn("failed to persist process pid", slog.Any("error", err))
		}
	}
	return result, runErr
}

func (e *Executor) runInitialContext(ctx context.Context, t *task.Task, cwd string) error {
	msg := buildInitialContextMessage(t)
	res, err := e.driver.Run(ctx, agent.RunOptions{Message: msg, CWD: cwd})
	if err != nil {
		return err
	}
	if _, err := e.interacts.Append(t.ID, interaction.TypeSystemMessage, msg); err != nil {
		return fmt.Errorf("log initial context: %w", err)
	}
	if _, err := e.interacts.Append(t.ID, interaction.TypeClaudeResponse, res.FinalText); err != nil {
		return fmt.Errorf("log initial context response: %w", err)
	}
	return e.store.UpdateFields(t.ID, store.FieldUpdate{AgentSessionID: &res.SessionID})
}

func buildInitialContextMessage(t *task.Task) string {
	var b strings.Builder
	b.WriteString("Task: ")
	b.WriteString(t.Name)
	b.WriteString("\n\n")
	b.WriteString(t.Description)
	b.WriteString("\n\nProjects:\n")
	for i, p := range t.Projects {
		b.WriteString(strconv.Itoa(i + 1))
		b.WriteString(". ")
		b.WriteString(p.Path)
		b.WriteString(" (access=")
		b.WriteString(string(p.Access))
		b.WriteString(", type=")
		b.WriteString(string(p.ProjectType))
		b.WriteString(")")
		if p.Context != "" {
			b.WriteString(" — ")
			b.WriteString(p.Context)
		}
		b.WriteString("\n")
	}
	b.WriteString("\nDo not explore or read files; do not invoke tools; acknowledge and wait for instructions.")
	return b.String()
}

func projectsFor(t *task.Task) []planner.Project {
	if len(t.Projects) == 0 {
		return []planner.Project{{Path: t.RootFolder, Description: t.Description}}
	}
	out := make([]planner.Project, len(t.Projects))
	for i, p := range t.Projects {
		out[i] = planner.Project{Path: p.Path, Description: p.Context}
	}
	return out
}

// countDispatchedMessages derives the iteration count from the log rather
// than a separately persisted counter: one iteration = one dispatched
// message, per spec.md §4.H's iteration-count semantics. Every dispatched
// message, real or simulated, is logged exactly once as USER_REQUEST when
// the loop sends it; a SIMULATED_HUMAN entry records the reply being
// queued, so counting it too would count that message twice.
func countDispatchedMessages(interactions []*interaction.Interaction) int {
	n := 0
	for _, i := range interactions {
		if i.Type == interaction.TypeUserRequest {
			n++
		}
	}
	return n
}

func summarize(finalText string) string {
	const maxLen = 400
	text := strings.TrimSpace(finalText)
	if len(text) <= maxLen {
		return text
	}
	return text[:maxLen] + "…"
}

func totalTokensPtr(v int64) *int64 { return &v }

// stagnationSignature summarizes one execution turn for loop detection: the
// planning decision's kind plus a prefix of the response text, so that an
// Agent repeating the same analysis-without-writing cycle is detected even
// if the wording varies slightly turn to turn.
func stagnationSignature(d planner.Decision, finalText string) string {
	const prefixLen = 120
	text := strings.TrimSpace(finalText)
	if len(text) > prefixLen {
		text = text[:prefixLen]
	}
	return fmt.Sprintf("%d:%s", d.Kind, text)
}

// finish handles a terminal-success outcome. Per spec.md §4.H's post-loop
// finalization, the External Test Runner only runs for non-chat tasks, and
// its outcome is folded into the summary rather than changing the task's
// terminal status (a failing test run is still a FINISHED task — the
// Agent believed the work was done).
func (e *Executor) finish(ctx context.Context, t *task.Task, summary string) error {
	if e.tests != nil && !t.ChatMode {
		cwd := t.InitialCWD()
		passed, output, err := e.tests.Run(ctx, cwd)
		if err != nil {
			e.log.Warn("test runner failed to execute", slog.Any("error", err))
		} else {
			verdict := "PASSED"
			if !passed {
				verdict = "FAILED"
			}
			summary = fmt.Sprintf("%s\n\nTest run: %s\n%s", summary, verdict, summarize(output))
			if _, err := e.interacts.Append(t.ID, interaction.TypeSystemMessage,
				fmt.Sprintf("Test runner: %s", verdict)); err != nil {
				e.log.Warn("failed to log test runner result", slog.Any("error", err))
			}
		}
	}

	e.dropStagnation(t.ID)
	e.worktrees.Release(t.ID)
	status := task.StatusFinished
	return e.store.UpdateFields(t.ID, store.FieldUpdate{
		Status:          &status,
		Summary:         &summary,
		ClearProcessPID: true,
	})
}

func (e *Executor) exhaust(t *task.Task, reason string) error {
	e.dropStagnation(t.ID)
	e.worktrees.Release(t.ID)
	status := task.StatusExhausted
	return e.store.UpdateFields(t.ID, store.FieldUpdate{
		Status:          &status,
		ErrorMessage:    &reason,
		ClearProcessPID: true,
	})
}

// dropStagnation discards the per-task stagnation monitor once a task
// reaches a terminal state it cannot resume from, so a long-running
// process's monitor map doesn't grow without bound.
func (e *Executor) dropStagnation(taskID string) {
	e.stagMu.Lock()
	defer e.stagMu.Unlock()
	delete(e.stagByTask, taskID)
}

func (e *Executor) pause(t *task.Task) error {
	status := task.StatusPaused
	return e.store.UpdateFields(t.ID, store.FieldUpdate{
		Status:          &status,
		ClearProcessPID: true,
	})
}

func (e *Executor) fail(t *task.Task, cause error) error {
	e.dropStagnation(t.ID)
	e.worktrees.Release(t.ID)
	status := task.StatusFailed
	msg := cause.Error()
	if err := e.store.UpdateFields(t.ID, store.FieldUpdate{
		Status:          &status,
		ErrorMessage:    &msg,
		ClearProcessPID: true,
	}); err != nil {
		e.log.Error("failed to persist FAILED status", slog.Any("error", err), slog.String("task_id", t.ID))
	}
	return cause
}
