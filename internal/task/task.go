// Package task defines the data model the Task Executor core operates on.
package task

import "time"

// Status is one of the task lifecycle states from the state diagram.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusPaused    Status = "PAUSED"
	StatusStopped   Status = "STOPPED"
	StatusTesting   Status = "TESTING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusFinished  Status = "FINISHED"
	StatusExhausted Status = "EXHAUSTED"
)

// Terminal reports whether status is one of the terminal states in which
// process_pid must be null (spec invariant 4).
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFinished, StatusExhausted, StatusFailed, StatusStopped:
		return true
	default:
		return false
	}
}

// Access is the permission a project entry grants the Agent.
type Access string

const (
	AccessRead  Access = "read"
	AccessWrite Access = "write"
)

// ProjectType is opaque metadata the core forwards without interpretation,
// except that type "idl" is never given its own worktree (spec.md §4.A).
type ProjectType string

const (
	ProjectTypeRPC ProjectType = "rpc"
	ProjectTypeWeb ProjectType = "web"
	ProjectTypeIDL ProjectType = "idl"
	ProjectTypeSDK ProjectType = "sdk"
	ProjectTypeOther ProjectType = "other"
)

// ProjectEntry is one module a task may read or write.
type ProjectEntry struct {
	Path        string      `json:"path"`
	Access      Access      `json:"access"`
	Context     string      `json:"context"`
	ProjectType ProjectType `json:"project_type"`
	BranchName  string      `json:"branch_name,omitempty"`
	BaseBranch  string      `json:"base_branch,omitempty"`
}

// QueueStatus is the lifecycle of one user-input queue entry.
type QueueStatus string

const (
	QueueStatusPending QueueStatus = "pending"
	QueueStatusSent    QueueStatus = "sent"
)

// QueueEntry is one entry of the per-task user-input FIFO (§4.C).
type QueueEntry struct {
	ID        string      `json:"id"`
	Text      string      `json:"text"`
	Images    []string    `json:"images,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Status    QueueStatus `json:"status"`
	SentAt    *time.Time  `json:"sent_at,omitempty"`
}

// EndCriteriaConfig bounds a task's iteration loop.
type EndCriteriaConfig struct {
	Criteria      string `json:"criteria,omitempty"`
	MaxIterations int    `json:"max_iterations"`
	MaxTokens     *int64 `json:"max_tokens,omitempty"`
}

// DefaultEndCriteria matches spec.md §3's stated default.
func DefaultEndCriteria() EndCriteriaConfig {
	return EndCriteriaConfig{MaxIterations: 20}
}

// Task is the persisted unit of work the Task Executor drives.
type Task struct {
	ID          string
	Name        string
	Description string
	Status      Status
	ChatMode    bool

	Projects   []ProjectEntry
	RootFolder string
	BranchName string
	BaseBranch string

	WorktreePath   string
	AgentSessionID string
	ProcessPID     *int

	UserInputQueue    []QueueEntry
	UserInputPending  bool
	EndCriteria       EndCriteriaConfig
	TotalTokensUsed   int64

	Summary      string
	ErrorMessage string
	MCPServers   string // opaque JSON forwarded to the Agent, spec.md §3

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasPendingInput reports whether the queue has an entry still pending.
func (t *Task) HasPendingInput() bool {
	for _, e := range t.UserInputQueue {
		if e.Status == QueueStatusPending {
			return true
		}
	}
	return false
}

// InitialCWD implements the initial path policy of spec.md §4.H: prefer an
// existing worktree, then the first project path, then root_folder, then ".".
func (t *Task) InitialCWD() string {
	if t.WorktreePath != "" {
		return t.WorktreePath
	}
	if len(t.Projects) > 0 && t.Projects[0].Path != "" {
		return t.Projects[0].Path
	}
	if t.RootFolder != "" {
		return t.RootFolder
	}
	return "."
}
