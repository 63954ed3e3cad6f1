package registry

import (
	"sort"
	"sync"

	"relaychat/pkg/interfaces"
)

// Registry tracks which user owns which live connection.
// ARCHITECTURAL DISCOVERY: a user owns a set of connections (multi-device),
// so presence is "at least one handle registered" rather than a single slot.
//
// Lock order: the registry lock is taken before any room lock and never the
// other way around. No I/O happens while it is held.
type Registry struct {
	mu     sync.RWMutex
	byUser map[int64]map[string]interfaces.Connection // userID -> connID -> conn
	byConn map[string]int64                           // connID -> userID
}

// Stats is a point-in-time view of the registry.
type Stats struct {
	Connections int `json:"connections"`
	OnlineUsers int `json:"online_users"`
}

func New() *Registry {
	return &Registry{
		byUser: make(map[int64]map[string]interfaces.Connection),
		byConn: make(map[string]int64),
	}
}

// Register adds conn under its owner. Registering the same handle twice is a
// no-op. first reports whether the user went from zero to one handle.
func (r *Registry) Register(conn interfaces.Connection) (first bool, err error) {
	if conn == nil {
		return false, ErrNilConnection
	}

	id, userID := conn.ID(), conn.UserID()

	r.mu.Lock()
	defer r.mu.Unlock()

	if owner, exists := r.byConn[id]; exists {
		if owner != userID {
			return false, ErrUserMismatch
		}
		return false, nil
	}

	conns, online := r.byUser[userID]
	if !online {
		conns = make(map[string]interfaces.Connection)
		r.byUser[userID] = conns
	}
	conns[id] = conn
	r.byConn[id] = userID

	return !online, nil
}

// Unregister removes conn by id. Unknown handles are ignored. last reports
// whether the owner has no handles left.
func (r *Registry) Unregister(conn interfaces.Connection) (last bool) {
	if conn == nil {
		return false
	}

	id := conn.ID()

	r.mu.Lock()
	defer r.mu.Unlock()

	userID, exists := r.byConn[id]
	if !exists {
		return false
	}
	delete(r.byConn, id)

	conns := r.byUser[userID]
	delete(conns, id)
	if len(conns) == 0 {
		delete(r.byUser, userID)
		return true
	}
	return false
}

func (r *Registry) IsOnline(userID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// OnlineUsers returns every user with at least one handle, ascending.
func (r *Registry) OnlineUsers() []int64 {
	r.mu.RLock()
	users := make([]int64, 0, len(r.byUser))
	for userID := range r.byUser {
		users = append(users, userID)
	}
	r.mu.RUnlock()

	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
	return users
}

// Connections returns a snapshot of the user's handles.
func (r *Registry) Connections(userID int64) []interfaces.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]interfaces.Connection, 0, len(r.byUser[userID]))
	for _, conn := range r.byUser[userID] {
		conns = append(conns, conn)
	}
	return conns
}

// All returns a snapshot of every registered handle.
func (r *Registry) All() []interfaces.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]interfaces.Connection, 0, len(r.byConn))
	for _, userConns := range r.byUser {
		for _, conn := range userConns {
			conns = append(conns, conn)
		}
	}
	return conns
}

func (r *Registry) Contains(connID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.byConn[connID]
	return exists
}

// Guard runs fn while holding the read lock, but only if connID is still
// registered. It lets callers mutate state keyed by a handle without racing
// that handle's Unregister. fn must not call back into the registry for
// writes.
func (r *Registry) Guard(connID string, fn func()) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, exists := r.byConn[connID]; !exists {
		return false
	}
	fn()
	return true
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return Stats{
		Connections: len(r.byConn),
		OnlineUsers: len(r.byUser),
	}
}
