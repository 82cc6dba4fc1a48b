// Package store provides SQLite-backed persistence for Task and Interaction
// rows, plus the compare-and-set status transition the Task Executor relies
// on to enforce its single-writer-per-task invariant.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/alekspetrov/agentloop/internal/interaction"
	"github.com/alekspetrov/agentloop/internal/task"
)

// Store is the relational store spec.md §6 calls for: per-task rows with
// the fields in §3, and an append-only interactions table.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates (or opens) the SQLite database at path and runs migrations.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite: one writer; avoids SQLITE_BUSY under concurrent tasks

	s := &Store{db: db, path: path}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// Path returns the DSN this store was opened against, so callers needing a
// dedicated session (internal/inputqueue) can open their own connection
// against the same file.
func (s *Store) Path() string {
	return s.path
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			name TEXT UNIQUE NOT NULL,
			description TEXT,
			status TEXT NOT NULL,
			chat_mode BOOLEAN DEFAULT FALSE,
			projects TEXT,
			root_folder TEXT,
			branch_name TEXT,
			base_branch TEXT,
			worktree_path TEXT,
			agent_session_id TEXT,
			process_pid INTEGER,
			end_criteria TEXT,
			total_tokens_used INTEGER DEFAULT 0,
			summary TEXT,
			error_message TEXT,
			mcp_servers TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
		`CREATE TABLE IF NOT EXISTS interactions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL,
			type TEXT NOT NULL,
			content TEXT,
			images TEXT,
			input_tokens INTEGER DEFAULT 0,
			output_tokens INTEGER DEFAULT 0,
			cache_creation_tokens INTEGER DEFAULT 0,
			cache_read_tokens INTEGER DEFAULT 0,
			duration_ms INTEGER DEFAULT 0,
			cost_usd REAL DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_interactions_task ON interactions(task_id, id)`,
		// Queue table is created here so a fresh database has it even before
		// internal/inputqueue opens its dedicated session; inputqueue never
		// needs to migrate.
		`CREATE TABLE IF NOT EXISTS queue_entries (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			text TEXT NOT NULL,
			images TEXT,
			timestamp DATETIME NOT NULL,
			status TEXT NOT NULL,
			sent_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_task ON queue_entries(task_id, timestamp)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			if strings.Contains(err.Error(), "duplicate column") {
				continue
			}
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// CreateTask inserts a new task row.
func (s *Store) CreateTask(t *task.Task) error {
	projectsJSON, err := json.Marshal(t.Projects)
	if err != nil {
		return fmt.Errorf("marshal projects: %w", err)
	}
	criteriaJSON, err := json.Marshal(t.EndCriteria)
	if err != nil {
		return fmt.Errorf("marshal end_criteria: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO tasks (id, name, description, status, chat_mode, projects, root_folder,
			branch_name, base_branch, worktree_path, agent_session_id, process_pid, end_criteria,
			total_tokens_used, summary, error_message, mcp_servers)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.Name, t.Description, string(t.Status), t.ChatMode, string(projectsJSON), t.RootFolder,
		t.BranchName, t.BaseBranch, t.WorktreePath, t.AgentSessionID, nullableInt(t.ProcessPID), string(criteriaJSON),
		t.TotalTokensUsed, t.Summary, t.ErrorMessage, t.MCPServers)
	return err
}

func nullableInt(p *int) interface{} {
	if p == nil {
		return nil
	}
	return *p
}

// GetTask loads a task by id.
func (s *Store) GetTask(id string) (*task.Task, error) {
	row := s.db.QueryRow(`
		SELECT id, name, description, status, chat_mode, projects, root_folder, branch_name,
			base_branch, worktree_path, agent_session_id, process_pid, end_criteria,
			total_tokens_used, summary, error_message, mcp_servers, created_at, updated_at
		FROM tasks WHERE id = ?
	`, id)
	return scanTask(row)
}

// GetTaskByName loads a task by its unique human-chosen name.
func (s *Store) GetTaskByName(name string) (*task.Task, error) {
	row := s.db.QueryRow(`
		SELECT id, name, description, status, chat_mode, projects, root_folder, branch_name,
			base_branch, worktree_path, agent_session_id, process_pid, end_criteria,
			total_tokens_used, summary, error_message, mcp_servers, created_at, updated_at
		FROM tasks WHERE name = ?
	`, name)
	return scanTask(row)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row scanner) (*task.Task, error) {
	var t task.Task
	var status string
	var projectsJSON, criteriaJSON string
	var pid sql.NullInt64

	if err := row.Scan(&t.ID, &t.Name, &t.Description, &status, &t.ChatMode, &projectsJSON,
		&t.RootFolder, &t.BranchName, &t.BaseBranch, &t.WorktreePath, &t.AgentSessionID, &pid,
		&criteriaJSON, &t.TotalTokensUsed, &t.Summary, &t.ErrorMessage, &t.MCPServers,
		&t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}

	t.Status = task.Status(status)
	if pid.Valid {
		v := int(pid.Int64)
		t.ProcessPID = &v
	}
	if projectsJSON != "" {
		if err := json.Unmarshal([]byte(projectsJSON), &t.Projects); err != nil {
			return nil, fmt.Errorf("unmarshal projects: %w", err)
		}
	}
	if criteriaJSON != "" {
		if err := json.Unmarshal([]byte(criteriaJSON), &t.EndCriteria); err != nil {
			return nil, fmt.Errorf("unmarshal end_criteria: %w", err)
		}
	}
	return &t, nil
}

// ListTasks returns all tasks ordered by creation time.
func (s *Store) ListTasks() ([]*task.Task, error) {
	rows, err := s.db.Query(`SELECT id FROM tasks ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	tasks := make([]*task.Task, 0, len(ids))
	for _, id := range ids {
		t, err := s.GetTask(id)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// CASStatus performs the compare-and-set transition the concurrency model
// (spec.md §5) requires: it only succeeds if the task's current status is
// one of from. Returns whether the transition was applied.
func (s *Store) CASStatus(id string, from []task.Status, to task.Status) (bool, error) {
	placeholders := make([]string, len(from))
	args := make([]interface{}, 0, len(from)+2)
	args = append(args, string(to))
	for i, f := range from {
		placeholders[i] = "?"
		args = append(args, string(f))
	}
	args = append(args, id)

	query := fmt.Sprintf(`UPDATE tasks SET status = ?, updated_at = CURRENT_TIMESTAMP
		WHERE status IN (%s) AND id = ?`, strings.Join(placeholders, ","))

	result, err := s.db.Exec(query, args...)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// UpdateFields applies a narrow set of field updates to a task row in one
// statement (spec.md §9's "update_fields" repository operation, replacing
// ORM-attached mutable rows passed across async boundaries).
type FieldUpdate struct {
	WorktreePath      *string
	ClearWorktreePath bool
	AgentSessionID    *string
	ClearSessionID    bool
	ProcessPID        *int
	ClearProcessPID   bool
	TotalTokensUsed   *int64
	Summary           *string
	ErrorMessage      *string
	Status            *task.Status
	BranchName        *string
	BaseBranch        *string
}

// UpdateFields applies only the non-nil fields of u to the task row.
func (s *Store) UpdateFields(id string, u FieldUpdate) error {
	sets := []string{}
	args := []interface{}{}

	if u.ClearWorktreePath {
		sets = append(sets, "worktree_path = ?")
		args = append(args, "")
	} else if u.WorktreePath != nil {
		sets = append(sets, "worktree_path = ?")
		args = append(args, *u.WorktreePath)
	}
	if u.ClearSessionID {
		sets = append(sets, "agent_session_id = ?")
		args = append(args, "")
	} else if u.AgentSessionID != nil {
		sets = append(sets, "agent_session_id = ?")
		args = append(args, *u.AgentSessionID)
	}
	if u.ClearProcessPID {
		sets = append(sets, "process_pid = NULL")
	} else if u.ProcessPID != nil {
		sets = append(sets, "process_pid = ?")
		args = append(args, *u.ProcessPID)
	}
	if u.TotalTokensUsed != nil {
		sets = append(sets, "total_tokens_used = ?")
		args = append(args, *u.TotalTokensUsed)
	}
	if u.Summary != nil {
		sets = append(sets, "summary = ?")
		args = append(args, *u.Summary)
	}
	if u.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, *u.ErrorMessage)
	}
	if u.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*u.Status))
	}
	if u.BranchName != nil {
		sets = append(sets, "branch_name = ?")
		args = append(args, *u.BranchName)
	}
	if u.BaseBranch != nil {
		sets = append(sets, "base_branch = ?")
		args = append(args, *u.BaseBranch)
	}

	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE tasks SET %s WHERE id = ?", strings.Join(sets, ", "))
	_, err := s.db.Exec(query, args...)
	return err
}

// ReplaceQueue overwrites a task's queue_entries rows to match entries, in
// one transaction. GetTask and ListTasks do not read queue_entries back, so
// task.Task.UserInputQueue is empty on the tasks they return.
func (s *Store) ReplaceQueue(taskID string, entries []task.QueueEntry) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM queue_entries WHERE task_id = ?`, taskID); err != nil {
		return err
	}
	for _, e := range entries {
		imagesJSON, _ := json.Marshal(e.Images)
		if _, err := tx.Exec(`
			INSERT INTO queue_entries (id, task_id, text, images, timestamp, status, sent_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, e.ID, taskID, e.Text, string(imagesJSON), e.Timestamp, string(e.Status), e.SentAt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// AppendInteraction inserts a new interaction row. Writers commit before the
// next state transition that depends on the write being visible (spec.md
// §4.D); since this uses a single connection, the Exec's return already
// guarantees durability for the next read on this Store.
func (s *Store) AppendInteraction(i *interaction.Interaction) error {
	imagesJSON, _ := json.Marshal(i.Images)
	var usage interaction.Usage
	if i.Usage != nil {
		usage = *i.Usage
	}
	result, err := s.db.Exec(`
		INSERT INTO interactions (task_id, type, content, images, input_tokens, output_tokens,
			cache_creation_tokens, cache_read_tokens, duration_ms, cost_usd, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, i.TaskID, string(i.Type), i.Content, string(imagesJSON), usage.InputTokens, usage.OutputTokens,
		usage.CacheCreationTokens, usage.CacheReadTokens, usage.DurationMS, usage.CostUSD, timeOrNow(i.CreatedAt))
	if err != nil {
		return err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	i.ID = id
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}

// ListInteractions returns a task's interactions ordered by created_at, with
// ties broken by insertion order (the autoincrement id), matching spec.md §4.D.
func (s *Store) ListInteractions(taskID string) ([]*interaction.Interaction, error) {
	rows, err := s.db.Query(`
		SELECT id, task_id, type, content, images, input_tokens, output_tokens,
			cache_creation_tokens, cache_read_tokens, duration_ms, cost_usd, created_at
		FROM interactions WHERE task_id = ? ORDER BY created_at ASC, id ASC
	`, taskID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*interaction.Interaction
	for rows.Next() {
		var i interaction.Interaction
		var typ string
		var imagesJSON string
		var usage interaction.Usage
		if err := rows.Scan(&i.ID, &i.TaskID, &typ, &i.Content, &imagesJSON, &usage.InputTokens,
			&usage.OutputTokens, &usage.CacheCreationTokens, &usage.CacheReadTokens, &usage.DurationMS,
			&usage.CostUSD, &i.CreatedAt); err != nil {
			return nil, err
		}
		i.Type = interaction.Type(typ)
		if imagesJSON != "" {
			_ = json.Unmarshal([]byte(imagesJSON), &i.Images)
		}
		i.Usage = &usage
		out = append(out, &i)
	}
	return out, nil
}

// LastInteractions returns the most recent n interactions for a task, in
// chronological order, for use in recovery SYSTEM_MESSAGE summaries
// (spec.md §7 "recovery operations supported").
func (s *Store) LastInteractions(taskID string, n int) ([]*interaction.Interaction, error) {
	all, err := s.ListInteractions(taskID)
	if err != nil {
		return nil, err
	}
	if len(all) <= n {
		return all, nil
	}
	return all[len(all)-n:], nil
}

// DeleteInteractions removes all interactions for a task, used by the
// "clear and restart" recovery operation (spec.md §7).
func (s *Store) DeleteInteractions(taskID string) error {
	_, err := s.db.Exec(`DELETE FROM interactions WHERE task_id = ?`, taskID)
	return err
}
