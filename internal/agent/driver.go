// Package agent drives the external Agent CLI subprocess per spec.md §4.B:
// one invocation per iteration, NDJSON streaming events consumed live, and a
// final assembled result handed back to the Task Executor.
//
// Grounded on internal/executor/backend_claudecode.go's ClaudeCodeBackend
// (subprocess start, stdout/stderr pipes, heartbeat monitor, grace-period
// kill) and internal/executor/runner.go's StreamEvent/AssistantMsg/
// ContentBlock/ToolResultContent types, generalized from Pilot's one-shot
// Execute() into the spec's resumable run() contract with session_id
// threading and image attachment.
package agent

import (
	"context"
	"errors"
	"time"
)

// ErrSessionMissing is returned when the agent reports it has no
// conversation for the supplied session_id ("No conversation found with
// session ID"). The Task Executor clears agent_session_id and retries once
// with a fresh session, per spec.md §7.
var ErrSessionMissing = errors.New("agent: session not found")

// ErrChunkOverflow names the "chunk longer than limit" stderr signature.
// ClaudeDriver does not return it: on that signature it returns the text
// accumulated so far with Result.Truncated set and a nil error, so the
// caller keeps that text and continues to the next iteration.
var ErrChunkOverflow = errors.New("agent: output chunk exceeded limit")

// ErrRateLimited is returned when the agent reports it has hit its usage
// limit. Unlike other run errors this is not fatal to the task: the Task
// Executor's optional rate-limit retry queue (internal/ratequeue) holds the
// task and reschedules it once the backoff elapses, rather than
// transitioning straight to FAILED.
var ErrRateLimited = errors.New("agent: rate limit reached")

// EventType categorizes one streamed NDJSON event, per spec.md §4.B.
type EventType string

const (
	EventInit       EventType = "init"
	EventText       EventType = "text"
	EventToolUse    EventType = "tool_use"
	EventToolResult EventType = "tool_result"
	EventResult     EventType = "result"
)

// Event is one unit handed to the on_event callback as the agent streams.
type Event struct {
	Type       EventType
	Text       string
	ToolName   string
	ToolInput  map[string]interface{}
	ToolResult string
	IsError    bool
}

// Usage is the token/cost accounting an agent run reports.
type Usage struct {
	InputTokens         int64
	OutputTokens        int64
	CacheCreationTokens int64
	CacheReadTokens     int64
	DurationMS          int64
	CostUSD             float64
}

// RunOptions parameterizes one agent invocation.
type RunOptions struct {
	Message   string
	CWD       string
	SessionID string // resume this session if non-empty
	Images    []string
	MCPConfig string // opaque JSON forwarded via --mcp-config, spec.md §3
	OnEvent   func(Event)
}

// Result is what run() returns: spec.md §4.B's
// (final_text, pid, session_id, usage).
type Result struct {
	FinalText string
	PID       int
	SessionID string
	Usage     Usage
	Truncated bool // true if ErrChunkOverflow recovery kicked in
}

// Driver is the Agent Subprocess Driver contract of spec.md §4.B.
type Driver interface {
	Run(ctx context.Context, opts RunOptions) (Result, error)
}

// Config tunes process lifecycle timing. Values are sourced from
// config.AgentConfig.
type Config struct {
	Binary                 string
	Model                  string
	Effort                 string
	ExtraArgs              []string
	GracePeriod            time.Duration
	HeartbeatTimeout       time.Duration
	HeartbeatCheckInterval time.Duration
}

// DefaultConfig mirrors the teacher's ClaudeCodeBackend defaults.
func DefaultConfig() Config {
	return Config{
		Binary:                 "claude",
		GracePeriod:            5 * time.Second,
		HeartbeatTimeout:       5 * time.Minute,
		HeartbeatCheckInterval: 30 * time.Second,
	}
}
