package tail

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alekspetrov/agentloop/internal/interaction"
	"github.com/alekspetrov/agentloop/internal/store"
	"github.com/alekspetrov/agentloop/internal/task"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestHandlerStreamsExistingInteractions(t *testing.T) {
	st := newTestStore(t)
	if err := st.CreateTask(&task.Task{ID: "t1", Name: "t1", Status: task.StatusPending, EndCriteria: task.DefaultEndCriteria()}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := st.AppendInteraction(&interaction.Interaction{TaskID: "t1", Type: interaction.TypeUserRequest, Content: "hello"}); err != nil {
		t.Fatalf("AppendInteraction: %v", err)
	}

	b := NewBroadcaster(st, 20*time.Millisecond)
	server := httptest.NewServer(http.HandlerFunc(b.Handler("t1")))
	defer server.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+server.URL[4:], nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close() }()

	var got interaction.Interaction
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if got.Content != "hello" {
		t.Fatalf("Content = %q, want %q", got.Content, "hello")
	}
}

func TestHandlerPushesNewInteractionsOnPoll(t *testing.T) {
	st := newTestStore(t)
	if err := st.CreateTask(&task.Task{ID: "t1", Name: "t1", Status: task.StatusPending, EndCriteria: task.DefaultEndCriteria()}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	b := NewBroadcaster(st, 10*time.Millisecond)
	server := httptest.NewServer(http.HandlerFunc(b.Handler("t1")))
	defer server.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+server.URL[4:], nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close() }()

	if err := st.AppendInteraction(&interaction.Interaction{TaskID: "t1", Type: interaction.TypeClaudeResponse, Content: "turn one"}); err != nil {
		t.Fatalf("AppendInteraction: %v", err)
	}

	var got interaction.Interaction
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if got.Content != "turn one" {
		t.Fatalf("Content = %q, want %q", got.Content, "turn one")
	}
}
