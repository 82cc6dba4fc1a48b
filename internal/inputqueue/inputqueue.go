// Package inputqueue implements the per-task User-Input Queue (spec.md
// §4.C): a strict-FIFO list of operator messages waiting to be delivered as
// the next iteration's prompt, with 30s duplicate suppression.
//
// Grounded on the mutex-guarded-slice CRUD shape of
// internal/executor/queue.go's TaskQueue, adapted from an in-memory
// retry queue into a SQLite-backed FIFO addressed by task id. It opens its
// own *sql.DB handle against the same file internal/store.Store uses
// (spec.md's "dedicated database session", since SQLite has no
// server-side session concept of its own) so that enqueue/peek/mark_sent
// never block on the caller's in-flight transaction.
package inputqueue

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/google/uuid"

	"github.com/alekspetrov/agentloop/internal/task"
)

// dedupWindow is how recently an identical-text entry must have been
// enqueued to be rejected as a duplicate, per spec.md §4.C.
const dedupWindow = 30 * time.Second

// Queue is the User-Input Queue, backed by its own connection to the
// shared SQLite file.
type Queue struct {
	db *sql.DB
}

// Open connects to the SQLite file at dbPath as a dedicated session. The
// queue_entries table is created by internal/store's migration, so Open
// never migrates itself.
func Open(dbPath string) (*Queue, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open dedicated queue session: %w", err)
	}
	db.SetMaxOpenConns(1)
	return &Queue{db: db}, nil
}

// Close releases the dedicated connection.
func (q *Queue) Close() error {
	return q.db.Close()
}

// ErrDuplicate indicates enqueue rejected an identical-text entry seen
// within the dedup window.
var ErrDuplicate = fmt.Errorf("inputqueue: duplicate entry within dedup window")

// Enqueue appends a new pending entry, atomically checked against the
// dedup window. Returns ErrDuplicate (no queue change) if text matches an
// entry enqueued in the last 30s.
func (q *Queue) Enqueue(taskID, text string, images []string) (*task.QueueEntry, error) {
	tx, err := q.db.Begin()
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	cutoff := time.Now().Add(-dedupWindow)
	var count int
	if err := tx.QueryRow(`
		SELECT COUNT(*) FROM queue_entries
		WHERE task_id = ? AND text = ? AND timestamp >= ?
	`, taskID, text, cutoff).Scan(&count); err != nil {
		return nil, fmt.Errorf("check duplicate: %w", err)
	}
	if count > 0 {
		return nil, ErrDuplicate
	}

	entry := &task.QueueEntry{
		ID:        uuid.NewString(),
		Text:      text,
		Images:    images,
		Timestamp: time.Now(),
		Status:    task.QueueStatusPending,
	}
	imagesJSON, err := json.Marshal(entry.Images)
	if err != nil {
		return nil, fmt.Errorf("marshal images: %w", err)
	}
	if _, err := tx.Exec(`
		INSERT INTO queue_entries (id, task_id, text, images, timestamp, status, sent_at)
		VALUES (?, ?, ?, ?, ?, ?, NULL)
	`, entry.ID, taskID, entry.Text, string(imagesJSON), entry.Timestamp, string(entry.Status)); err != nil {
		return nil, fmt.Errorf("insert queue entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return entry, nil
}

// PeekPending returns the first entry with status "pending", in FIFO order.
func (q *Queue) PeekPending(taskID string) (*task.QueueEntry, error) {
	row := q.db.QueryRow(`
		SELECT id, text, images, timestamp, status, sent_at FROM queue_entries
		WHERE task_id = ? AND status = ?
		ORDER BY timestamp ASC LIMIT 1
	`, taskID, string(task.QueueStatusPending))
	entry, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return entry, err
}

// MarkSent transitions the first pending entry matching text to "sent".
func (q *Queue) MarkSent(taskID, text string) error {
	row := q.db.QueryRow(`
		SELECT id FROM queue_entries
		WHERE task_id = ? AND text = ? AND status = ?
		ORDER BY timestamp ASC LIMIT 1
	`, taskID, text, string(task.QueueStatusPending))
	var id string
	if err := row.Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return nil
		}
		return err
	}
	_, err := q.db.Exec(`
		UPDATE queue_entries SET status = ?, sent_at = ? WHERE id = ?
	`, string(task.QueueStatusSent), time.Now(), id)
	return err
}

// HasPending reports whether any entry for taskID is still pending.
func (q *Queue) HasPending(taskID string) (bool, error) {
	var count int
	err := q.db.QueryRow(`
		SELECT COUNT(*) FROM queue_entries WHERE task_id = ? AND status = ?
	`, taskID, string(task.QueueStatusPending)).Scan(&count)
	return count > 0, err
}

// Status is the diagnostic summary spec.md §4.C calls for.
type Status struct {
	PendingCount int
	SentCount    int
	Preview      []task.QueueEntry // last 5 entries by timestamp
}

// StatusFor builds a Status summary for taskID.
func (q *Queue) StatusFor(taskID string) (Status, error) {
	var st Status
	if err := q.db.QueryRow(`
		SELECT COUNT(*) FROM queue_entries WHERE task_id = ? AND status = ?
	`, taskID, string(task.QueueStatusPending)).Scan(&st.PendingCount); err != nil {
		return Status{}, err
	}
	if err := q.db.QueryRow(`
		SELECT COUNT(*) FROM queue_entries WHERE task_id = ? AND status = ?
	`, taskID, string(task.QueueStatusSent)).Scan(&st.SentCount); err != nil {
		return Status{}, err
	}

	rows, err := q.db.Query(`
		SELECT id, text, images, timestamp, status, sent_at FROM queue_entries
		WHERE task_id = ? ORDER BY timestamp DESC LIMIT 5
	`, taskID)
	if err != nil {
		return Status{}, err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return Status{}, err
		}
		st.Preview = append(st.Preview, *e)
	}
	return st, nil
}

// CompactSent drops "sent" entries older than retention, per spec.md §4.C's
// compaction operation.
func (q *Queue) CompactSent(taskID string, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention)
	result, err := q.db.Exec(`
		DELETE FROM queue_entries WHERE task_id = ? AND status = ? AND sent_at < ?
	`, taskID, string(task.QueueStatusSent), cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (*task.QueueEntry, error) {
	var e task.QueueEntry
	var status string
	var imagesJSON string
	var sentAt sql.NullTime
	if err := row.Scan(&e.ID, &e.Text, &imagesJSON, &e.Timestamp, &status, &sentAt); err != nil {
		return nil, err
	}
	e.Status = task.QueueStatus(status)
	if imagesJSON != "" {
		if err := json.Unmarshal([]byte(imagesJSON), &e.Images); err != nil {
			return nil, fmt.Errorf("unmarshal images: %w", err)
		}
	}
	if sentAt.Valid {
		e.SentAt = &sentAt.Time
	}
	return &e, nil
}
