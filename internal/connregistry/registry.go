// Package connregistry is the Connection Registry of spec.md §4.2: the
// in-process map from connection-id to an outbound message sink, plus
// indexes by project-token and session-token, grounded on
// evalgo-org-eve/coordinator/coordinator.go's per-connection send-channel
// and writer-goroutine shape, adapted from a single outbound client
// connection into a registry of many inbound ones.
package connregistry

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/zeromicro/go-zero/core/logx"

	"github.com/suleymanmyradov/completion-server/internal/tokencache"
	"github.com/suleymanmyradov/completion-server/internal/wire"
)

// DropReason records why a connection was torn down, forwarded to the
// caller-supplied OnDrop hook (e.g. so the orchestrator can cancel any
// PendingRequest still referencing it).
type DropReason string

const (
	DropBackpressure DropReason = "backpressure"
	DropUnregistered DropReason = "unregistered"
)

// cascadeReason adapts tokencache's CloseReason (a distinct type so that
// package has no dependency on connregistry) to DropReason for the
// onDrop hook.
func cascadeReason(r tokencache.CloseReason) DropReason { return DropReason(r) }

// outboundQueueSize bounds a connection's pending-frame buffer. A sink
// that cannot keep up is dropped rather than allowed to block the
// dispatch path (spec §4.2, `deliver`).
const outboundQueueSize = 256

// Connection is the runtime entity of spec §3: one owner (the registry),
// referenced weakly elsewhere by connection-id string only.
type Connection struct {
	ID           string
	SessionToken string
	ProjectToken string
	CreatedAt    time.Time

	conn    *websocket.Conn
	outbox  chan wire.Frame
	closed  chan struct{}
	closeMu sync.Once
}

func (c *Connection) close() {
	c.closeMu.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
}

// Registry is the process-local connection table. Horizontal scaling is
// obtained by each backend instance subscribing only to reply channels
// scoped to connections it locally owns (spec §4.2, §4.4).
type Registry struct {
	mu           sync.RWMutex
	byID         map[string]*Connection
	byProject    map[string]map[string]struct{} // project-token -> set of connection-id
	bySession    map[string]map[string]struct{} // session-token -> set of connection-id
	onDrop       func(connID string, reason DropReason)
}

func New(onDrop func(connID string, reason DropReason)) *Registry {
	return &Registry{
		byID:      make(map[string]*Connection),
		byProject: make(map[string]map[string]struct{}),
		bySession: make(map[string]map[string]struct{}),
		onDrop:    onDrop,
	}
}

// Register inserts a new Connection into the primary map and secondary
// indexes, and starts its writer goroutine (spec §4.2, `register`).
func (r *Registry) Register(connID string, wsConn *websocket.Conn, sessionToken, projectToken string) *Connection {
	c := &Connection{
		ID:           connID,
		SessionToken: sessionToken,
		ProjectToken: projectToken,
		CreatedAt:    time.Now(),
		conn:         wsConn,
		outbox:       make(chan wire.Frame, outboundQueueSize),
		closed:       make(chan struct{}),
	}

	r.mu.Lock()
	r.byID[connID] = c
	r.indexAdd(r.bySession, sessionToken, connID)
	r.indexAdd(r.byProject, projectToken, connID)
	r.mu.Unlock()

	go r.writeLoop(c)
	return c
}

func (r *Registry) indexAdd(index map[string]map[string]struct{}, key, connID string) {
	if key == "" {
		return
	}
	set, ok := index[key]
	if !ok {
		set = make(map[string]struct{})
		index[key] = set
	}
	set[connID] = struct{}{}
}

func (r *Registry) indexRemove(index map[string]map[string]struct{}, key, connID string) {
	if key == "" {
		return
	}
	set, ok := index[key]
	if !ok {
		return
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(index, key)
	}
}

// Unregister removes connID from all indexes and closes its sink (spec
// §4.2, `unregister`).
func (r *Registry) Unregister(connID string, reason DropReason) {
	r.mu.Lock()
	c, ok := r.byID[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.byID, connID)
	r.indexRemove(r.bySession, c.SessionToken, connID)
	r.indexRemove(r.byProject, c.ProjectToken, connID)
	r.mu.Unlock()

	c.close()
	if r.onDrop != nil {
		r.onDrop(connID, reason)
	}
}

// Get returns the Connection for connID, or false if it is not (or no
// longer) registered — spec §3 I4: "a PendingRequest's connection-id
// identifies either a live Connection or is treated as orphaned".
func (r *Registry) Get(connID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[connID]
	return c, ok
}

// Deliver enqueues a frame on connID's outbound sink. A full sink drops
// the connection with reason backpressure rather than blocking the
// dispatch path (spec §4.2, `deliver`).
func (r *Registry) Deliver(connID string, frame wire.Frame) {
	r.mu.RLock()
	c, ok := r.byID[connID]
	r.mu.RUnlock()
	if !ok {
		return // unknown connection-id: dropped silently, not retried (spec §4.2)
	}

	select {
	case c.outbox <- frame:
	default:
		logx.Errorf("connregistry: connection %s backpressured, dropping", connID)
		r.Unregister(connID, DropBackpressure)
	}
}

// Broadcast delivers to every connection bound to projectToken, optionally
// skipping one connection-id (the originator of a context update — spec
// §4.4, "broadcasts ... to all connections of the project except the
// originator").
func (r *Registry) Broadcast(projectToken string, frame wire.Frame, exceptConnID string) {
	r.mu.RLock()
	set := r.byProject[projectToken]
	ids := make([]string, 0, len(set))
	for id := range set {
		if id != exceptConnID {
			ids = append(ids, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range ids {
		r.Deliver(id, frame)
	}
}

// CloseConnectionsForSession provides this tokencache.CascadeSink method
// (cmd/gatewayapi's cascadeSink adds FlushProjectContext): every
// connection bound to a dying session is torn down (spec §4.1 cascade
// rules, §3 I3).
func (r *Registry) CloseConnectionsForSession(sessionToken string, reason tokencache.CloseReason) {
	r.mu.RLock()
	set := r.bySession[sessionToken]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		r.Unregister(id, cascadeReason(reason))
	}
}

// CloseConnectionsForProject provides the matching tokencache.CascadeSink
// method for a dying project.
func (r *Registry) CloseConnectionsForProject(projectToken string, reason tokencache.CloseReason) {
	r.mu.RLock()
	set := r.byProject[projectToken]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		r.Unregister(id, cascadeReason(reason))
	}
}

// writeLoop drains a Connection's outbox to its socket, the adapted
// counterpart of coordinator.go's senderLoop.
func (r *Registry) writeLoop(c *Connection) {
	for {
		select {
		case <-c.closed:
			return
		case frame, ok := <-c.outbox:
			if !ok {
				return
			}
			if err := c.conn.WriteJSON(frame); err != nil {
				logx.Errorf("connregistry: write failed for %s: %v", c.ID, err)
				r.Unregister(c.ID, DropUnregistered)
				return
			}
		}
	}
}

// Count reports the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
