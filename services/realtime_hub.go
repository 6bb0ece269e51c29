package services

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lfglabs-dev/api.calorily.com/metrics"
)

// Conn is one live push channel to a client.
type Conn interface {
	Send(ctx context.Context, payload []byte) error
	Close() error
}

// WSClient adapts a gorilla websocket to Conn. Writes are serialized so
// that messages reach the socket in the order Send was called.
type WSClient struct {
	UserID string
	Conn   *websocket.Conn

	writeTimeout time.Duration
	mu           sync.Mutex
	closeOnce    sync.Once
}

func NewWSClient(userID string, conn *websocket.Conn, writeTimeout time.Duration) *WSClient {
	return &WSClient{UserID: userID, Conn: conn, writeTimeout: writeTimeout}
}

func (c *WSClient) Send(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.Conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.Conn.WriteMessage(websocket.TextMessage, payload)
}

// Ping may run concurrently with Send.
func (c *WSClient) Ping() error {
	return c.Conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

func (c *WSClient) Close() error {
	var err error
	c.closeOnce.Do(func() { err = c.Conn.Close() })
	return err
}

// userConns is the guarded connection set of one user. Once removed is set
// the set has been dropped from the hub and must not receive new members.
type userConns struct {
	mu      sync.Mutex
	conns   map[Conn]struct{}
	removed bool
}

// RealtimeHub tracks the live connections of every user. The hub lock only
// protects the user index; each user's set has its own lock.
type RealtimeHub struct {
	mu    sync.RWMutex
	users map[string]*userConns
}

func NewRealtimeHub() *RealtimeHub {
	return &RealtimeHub{users: make(map[string]*userConns)}
}

func (h *RealtimeHub) Register(userID string, c Conn) {
	for {
		set := h.entry(userID)
		set.mu.Lock()
		if set.removed {
			set.mu.Unlock()
			h.drop(userID, set)
			continue
		}
		if _, ok := set.conns[c]; !ok {
			set.conns[c] = struct{}{}
			metrics.LiveConnections.Inc()
		}
		set.mu.Unlock()
		return
	}
}

// Unregister removes c and closes it. It reports whether c was registered.
func (h *RealtimeHub) Unregister(userID string, c Conn) bool {
	h.mu.RLock()
	set := h.users[userID]
	h.mu.RUnlock()
	if set == nil {
		return false
	}

	set.mu.Lock()
	_, ok := set.conns[c]
	if ok {
		delete(set.conns, c)
		metrics.LiveConnections.Dec()
	}
	empty := len(set.conns) == 0 && !set.removed
	if empty {
		set.removed = true
	}
	set.mu.Unlock()

	if empty {
		h.drop(userID, set)
	}
	if ok {
		_ = c.Close()
	}
	return ok
}

// Connections returns a snapshot of the user's live connections.
func (h *RealtimeHub) Connections(userID string) []Conn {
	h.mu.RLock()
	set := h.users[userID]
	h.mu.RUnlock()
	if set == nil {
		return nil
	}

	set.mu.Lock()
	defer set.mu.Unlock()
	out := make([]Conn, 0, len(set.conns))
	for c := range set.conns {
		out = append(out, c)
	}
	return out
}

func (h *RealtimeHub) Count(userID string) int {
	return len(h.Connections(userID))
}

// Users returns how many users have at least one live connection.
func (h *RealtimeHub) Users() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users)
}

// CloseAll disconnects every client, used on shutdown.
func (h *RealtimeHub) CloseAll() {
	h.mu.RLock()
	ids := make([]string, 0, len(h.users))
	for id := range h.users {
		ids = append(ids, id)
	}
	h.mu.RUnlock()

	for _, id := range ids {
		for _, c := range h.Connections(id) {
			h.Unregister(id, c)
		}
	}
}

func (h *RealtimeHub) entry(userID string) *userConns {
	h.mu.RLock()
	set := h.users[userID]
	h.mu.RUnlock()
	if set != nil {
		return set
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if set = h.users[userID]; set == nil {
		set = &userConns{conns: make(map[Conn]struct{})}
		h.users[userID] = set
	}
	return set
}

func (h *RealtimeHub) drop(userID string, set *userConns) {
	h.mu.Lock()
	if h.users[userID] == set {
		delete(h.users, userID)
	}
	h.mu.Unlock()
}
