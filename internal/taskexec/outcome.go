// Package taskexec is the Task Executor (spec.md §4.H): the core state
// machine driving one task's iteration loop, plus the Immediate-Interrupt
// Path (§4.I) that preempts a running iteration when new user input
// arrives.
//
// Grounded on internal/executor/dispatcher.go's per-key worker/supervisor
// shape (one goroutine per key, context-cancel to stop), generalized from
// per-project workers to per-task cancel tokens, and on
// internal/executor/runner.go's iteration-loop structure, rewritten around
// spec.md's exact state diagram and decision steps rather than Pilot's
// ticket-to-PR pipeline.
package taskexec

import "fmt"

// Outcome is the tagged per-iteration result of spec.md §9's design note
// replacing deeply-nested try/except control flow: "Ok(next_action) |
// Retry | Terminal(reason)".
type Outcome struct {
	kind    outcomeKind
	retry   retryReason
	reason  string
}

type outcomeKind int

const (
	outcomeContinue outcomeKind = iota
	outcomeRetry
	outcomeTerminal
)

type retryReason int

const (
	retryNone retryReason = iota
	retryTransientIO
	retrySessionMissing
)

// Continue signals the loop should proceed to the next iteration.
func Continue() Outcome { return Outcome{kind: outcomeContinue} }

// RetryTransientIO signals a transient, non-fatal agent failure; the
// Executor produces it for agent.ErrRateLimited. ExecuteTask holds such a
// task in the rate-limit retry queue and pauses it, or fails the task when
// no retry queue is configured.
func RetryTransientIO(reason string) Outcome {
	return Outcome{kind: outcomeRetry, retry: retryTransientIO, reason: reason}
}

// RetrySessionMissing signals the agent rejected agent_session_id; the
// caller should clear it and retry once with a fresh session.
func RetrySessionMissing(reason string) Outcome {
	return Outcome{kind: outcomeRetry, retry: retrySessionMissing, reason: reason}
}

// Terminal signals the iteration loop must stop; reason is informational
// (the caller still decides FINISHED vs FAILED vs EXHAUSTED vs STOPPED vs
// PAUSED from task state, not from this value).
func Terminal(reason string) Outcome {
	return Outcome{kind: outcomeTerminal, reason: reason}
}

func (o Outcome) IsContinue() bool { return o.kind == outcomeContinue }
func (o Outcome) IsRetry() bool    { return o.kind == outcomeRetry }
func (o Outcome) IsTerminal() bool { return o.kind == outcomeTerminal }
func (o Outcome) Reason() string   { return o.reason }

func (o Outcome) String() string {
	switch o.kind {
	case outcomeContinue:
		return "continue"
	case outcomeRetry:
		return fmt.Sprintf("retry(%v): %s", o.retry, o.reason)
	case outcomeTerminal:
		return fmt.Sprintf("terminal: %s", o.reason)
	default:
		return "unknown"
	}
}
