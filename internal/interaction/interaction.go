// Package interaction implements the append-only Interaction Log (spec.md §4.D).
package interaction

import "time"

// Type classifies one interaction record.
type Type string

const (
	TypeUserRequest    Type = "USER_REQUEST"
	TypeSystemMessage  Type = "SYSTEM_MESSAGE"
	TypeClaudeResponse Type = "CLAUDE_RESPONSE"
	TypeToolResult     Type = "TOOL_RESULT"
	TypeSimulatedHuman Type = "SIMULATED_HUMAN"
)

// Usage holds the optional per-interaction cost/token accounting fields.
type Usage struct {
	InputTokens         int64
	OutputTokens        int64
	CacheCreationTokens int64
	CacheReadTokens     int64
	DurationMS          int64
	CostUSD             float64
}

// Interaction is one append-only record in a task's conversation history.
type Interaction struct {
	ID        int64
	TaskID    string
	Type      Type
	Content   string
	CreatedAt time.Time
	Images    []string
	Usage     *Usage
}
