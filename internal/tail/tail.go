// Package tail implements a read-only, per-task websocket broadcaster: a
// "tail -f" for one task's Interaction Log, used by `agentloopd tail
// <task-id>` as a debug utility. It never accepts input back from a
// client — that remains the Input Queue's job (spec.md §4.C).
//
// Grounded on internal/gateway/sessions.go's SessionManager, narrowed from
// a general-purpose connected-client registry (serving the HTTP gateway
// spec.md §1 excludes) to one registry per task ID, and rewritten to push
// interaction.Interaction records rather than arbitrary gateway messages.
package tail

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/alekspetrov/agentloop/internal/interaction"
	"github.com/alekspetrov/agentloop/internal/logging"
	"github.com/alekspetrov/agentloop/internal/store"
)

// Broadcaster fans out one task's interaction stream to every client
// currently watching it, and polls the store for new rows on an interval
// so a client sees activity the Task Executor appends from any process.
type Broadcaster struct {
	store        *store.Store
	pollInterval time.Duration

	upgrader websocket.Upgrader

	mu       sync.RWMutex
	watchers map[string]map[string]*client // taskID -> clientID -> client

	log *slog.Logger
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

// NewBroadcaster constructs a Broadcaster against st. A non-positive
// pollInterval falls back to one second.
func NewBroadcaster(st *store.Store, pollInterval time.Duration) *Broadcaster {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Broadcaster{
		store:        st,
		pollInterval: pollInterval,
		upgrader:     websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		watchers:     make(map[string]map[string]*client),
		log:          logging.WithComponent("tail"),
	}
}

// Handler upgrades the request to a websocket connection and streams
// taskID's interaction log: first the entries already recorded, then any
// new ones as they're appended, until the client disconnects.
func (b *Broadcaster) Handler(taskID string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := b.upgrader.Upgrade(w, r, nil)
		if err != nil {
			b.log.Warn("websocket upgrade failed", slog.Any("error", err))
			return
		}

		existing, err := b.store.ListInteractions(taskID)
		if err != nil {
			b.log.Warn("list interactions failed", slog.String("task_id", taskID), slog.Any("error", err))
			_ = conn.Close()
			return
		}

		c := &client{conn: conn}
		lastID := int64(0)
		for _, i := range existing {
			if err := c.send(i); err != nil {
				_ = conn.Close()
				return
			}
			if i.ID > lastID {
				lastID = i.ID
			}
		}

		id := b.register(taskID, c)
		defer b.unregister(taskID, id)

		b.pollAndPush(taskID, c, lastID, conn)
	}
}

func (b *Broadcaster) register(taskID string, c *client) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.watchers[taskID] == nil {
		b.watchers[taskID] = make(map[string]*client)
	}
	id := uuid.NewString()
	b.watchers[taskID][id] = c
	return id
}

func (b *Broadcaster) unregister(taskID, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.watchers[taskID], id)
	if len(b.watchers[taskID]) == 0 {
		delete(b.watchers, taskID)
	}
}

// pollAndPush re-reads the store on pollInterval and pushes any
// interaction with ID > lastID, until the client's read loop reports the
// connection is gone (detected via a blocking read in a companion
// goroutine, the standard gorilla/websocket liveness idiom).
func (b *Broadcaster) pollAndPush(taskID string, c *client, lastID int64, conn *websocket.Conn) {
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case <-ticker.C:
			all, err := b.store.ListInteractions(taskID)
			if err != nil {
				b.log.Warn("list interactions failed", slog.String("task_id", taskID), slog.Any("error", err))
				continue
			}
			for _, i := range all {
				if i.ID <= lastID {
					continue
				}
				if err := c.send(i); err != nil {
					return
				}
				lastID = i.ID
			}
		}
	}
}

// Publish immediately fans i out to every client currently watching its
// task, ahead of the next poll tick. Callers that already hold a fresh
// interaction (e.g. the Task Executor, in-process) can use this to avoid
// the poll latency; it is optional — polling alone keeps clients current.
func (b *Broadcaster) Publish(i *interaction.Interaction) {
	b.mu.RLock()
	watchers := b.watchers[i.TaskID]
	clients := make([]*client, 0, len(watchers))
	for _, c := range watchers {
		clients = append(clients, c)
	}
	b.mu.RUnlock()

	for _, c := range clients {
		if err := c.send(i); err != nil {
			b.log.Debug("publish to tail client failed", slog.Any("error", err))
		}
	}
}
