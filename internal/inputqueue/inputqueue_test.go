package inputqueue

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alekspetrov/agentloop/internal/store"
)

func newTestQueue(t *testing.T) (*Queue, string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	// internal/store owns the migration; open it once to create the schema,
	// then close it so the dedicated session below is the sole connection.
	st, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close seed store: %v", err)
	}

	q, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = q.Close(); _ = os.Remove(dbPath) })
	return q, dbPath
}

func TestEnqueuePeekMarkSent(t *testing.T) {
	q, _ := newTestQueue(t)

	entry, err := q.Enqueue("task-1", "please add a test", nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if entry.Status != "pending" {
		t.Fatalf("status = %q, want pending", entry.Status)
	}

	has, err := q.HasPending("task-1")
	if err != nil || !has {
		t.Fatalf("HasPending = %v, %v; want true, nil", has, err)
	}

	peeked, err := q.PeekPending("task-1")
	if err != nil {
		t.Fatalf("PeekPending: %v", err)
	}
	if peeked == nil || peeked.Text != "please add a test" {
		t.Fatalf("peeked = %+v", peeked)
	}

	if err := q.MarkSent("task-1", "please add a test"); err != nil {
		t.Fatalf("MarkSent: %v", err)
	}

	has, err = q.HasPending("task-1")
	if err != nil || has {
		t.Fatalf("HasPending after mark_sent = %v, %v; want false, nil", has, err)
	}
}

func TestEnqueueDedup(t *testing.T) {
	q, _ := newTestQueue(t)

	if _, err := q.Enqueue("task-1", "same text", nil); err != nil {
		t.Fatalf("first Enqueue: %v", err)
	}
	if _, err := q.Enqueue("task-1", "same text", nil); err != ErrDuplicate {
		t.Fatalf("second Enqueue error = %v, want ErrDuplicate", err)
	}

	st, err := q.StatusFor("task-1")
	if err != nil {
		t.Fatalf("StatusFor: %v", err)
	}
	if st.PendingCount != 1 {
		t.Fatalf("PendingCount = %d, want 1 (duplicate must not be queued)", st.PendingCount)
	}
}

func TestFIFOOrdering(t *testing.T) {
	q, _ := newTestQueue(t)

	for _, text := range []string{"first", "second", "third"} {
		if _, err := q.Enqueue("task-1", text, nil); err != nil {
			t.Fatalf("Enqueue(%q): %v", text, err)
		}
		time.Sleep(time.Millisecond) // ensure distinct timestamps
	}

	for _, want := range []string{"first", "second", "third"} {
		peeked, err := q.PeekPending("task-1")
		if err != nil {
			t.Fatalf("PeekPending: %v", err)
		}
		if peeked == nil || peeked.Text != want {
			t.Fatalf("PeekPending = %+v, want text %q", peeked, want)
		}
		if err := q.MarkSent("task-1", want); err != nil {
			t.Fatalf("MarkSent(%q): %v", want, err)
		}
	}
}

func TestCompactSent(t *testing.T) {
	q, _ := newTestQueue(t)

	if _, err := q.Enqueue("task-1", "old message", nil); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.MarkSent("task-1", "old message"); err != nil {
		t.Fatalf("MarkSent: %v", err)
	}

	n, err := q.CompactSent("task-1", -time.Hour) // negative retention: everything is "older"
	if err != nil {
		t.Fatalf("CompactSent: %v", err)
	}
	if n != 1 {
		t.Fatalf("CompactSent removed %d rows, want 1", n)
	}
}
