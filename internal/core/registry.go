package core

import (
	"errors"
	"log/slog"
	"sync"

	"wschat/internal/protocol"
)

// ErrConnectionNotFound is returned when a user has no live connections.
var ErrConnectionNotFound = errors.New("no connection for user")

// Connection is the transport-owned duplex channel the core routes over.
// The transport constructs it; the core only holds a handle.
type Connection interface {
	// ID is the transport-assigned identifier, unique process-wide.
	ID() uint64
	// User is the authenticated owner, set once at registration.
	User() uint64
	SetUser(uid uint64)
	RemoteAddr() string
	// Send submits an asynchronous write. done is invoked exactly once
	// with the transferred byte count and the write error, if any.
	Send(data []byte, op protocol.Opcode, done func(n int, err error))
	SendClose(code int, reason string)
}

// Registry is the thread-safe user to connections multimap. A user may
// hold several simultaneous connections (multi-device). The pong-wait set
// tracks connections pinged by the watchdog and still owing a pong;
// every member of the set is also present in the user map.
type Registry struct {
	mu       sync.RWMutex
	conns    map[uint64]map[uint64]Connection
	pongWait map[uint64]Connection
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		conns:    make(map[uint64]map[uint64]Connection),
		pongWait: make(map[uint64]Connection),
	}
}

// Add registers a connection under uid. Idempotent on duplicate ids.
func (r *Registry) Add(uid uint64, conn Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	byID, ok := r.conns[uid]
	if !ok {
		byID = make(map[uint64]Connection)
		r.conns[uid] = byID
	}
	byID[conn.ID()] = conn
	slog.Debug("connection registered", "user_id", uid, "conn_id", conn.ID(), "user_conns", len(byID))
}

// Remove drops a connection by its own (user, id) keys.
func (r *Registry) Remove(conn Connection) {
	r.RemoveKey(conn.User(), conn.ID())
}

// RemoveKey drops the (uid, cid) entry, if present.
func (r *Registry) RemoveKey(uid, cid uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(uid, cid)
}

func (r *Registry) removeLocked(uid, cid uint64) {
	delete(r.pongWait, cid)
	byID, ok := r.conns[uid]
	if !ok {
		return
	}
	if _, ok := byID[cid]; !ok {
		return
	}
	delete(byID, cid)
	if len(byID) == 0 {
		delete(r.conns, uid)
	}
	slog.Debug("connection removed", "user_id", uid, "conn_id", cid, "user_conns", len(byID))
}

// Get returns a snapshot of the user's connections, or
// ErrConnectionNotFound when there are none.
func (r *Registry) Get(uid uint64) ([]Connection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byID := r.conns[uid]
	if len(byID) == 0 {
		return nil, ErrConnectionNotFound
	}
	out := make([]Connection, 0, len(byID))
	for _, conn := range byID {
		out = append(out, conn)
	}
	return out, nil
}

// Size returns the number of live connections for uid.
func (r *Registry) Size(uid uint64) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns[uid])
}

// Exists reports whether the exact (uid, cid) entry is still registered.
func (r *Registry) Exists(uid, cid uint64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.conns[uid][cid]
	return ok
}

// ConnCount returns the total live connection count across all users.
func (r *Registry) ConnCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, byID := range r.conns {
		n += len(byID)
	}
	return n
}

// MarkPongWait records that conn was pinged and owes a pong before the
// next sweep. Connections no longer in the user map are not tracked.
func (r *Registry) MarkPongWait(conn Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[conn.User()][conn.ID()]; !ok {
		return
	}
	r.pongWait[conn.ID()] = conn
}

// MarkPongReceived clears the pong debt for conn. Returns whether the
// connection was actually waiting.
func (r *Registry) MarkPongReceived(conn Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pongWait[conn.ID()]; !ok {
		return false
	}
	delete(r.pongWait, conn.ID())
	return true
}

// DisconnectWithoutPong closes and removes every connection still owing a
// pong, clears the set, and returns the number closed.
func (r *Registry) DisconnectWithoutPong() int {
	r.mu.Lock()
	stale := make([]Connection, 0, len(r.pongWait))
	for _, conn := range r.pongWait {
		stale = append(stale, conn)
	}
	for _, conn := range stale {
		r.removeLocked(conn.User(), conn.ID())
	}
	r.pongWait = make(map[uint64]Connection)
	r.mu.Unlock()

	for _, conn := range stale {
		conn.SendClose(protocol.CloseInactiveConnection, "No pong received")
	}
	return len(stale)
}

// Entry pairs a connection with its registry key.
type Entry struct {
	ConnID uint64
	Conn   Connection
}

// ForEach iterates a snapshot of the map, so callers may remove entries
// mid-iteration without invalidation.
func (r *Registry) ForEach(f func(uid uint64, entries []Entry)) {
	r.mu.RLock()
	snapshot := make(map[uint64][]Entry, len(r.conns))
	for uid, byID := range r.conns {
		entries := make([]Entry, 0, len(byID))
		for cid, conn := range byID {
			entries = append(entries, Entry{ConnID: cid, Conn: conn})
		}
		snapshot[uid] = entries
	}
	r.mu.RUnlock()

	for uid, entries := range snapshot {
		f(uid, entries)
	}
}
