package router

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"relaychat/internal/registry"
	"relaychat/pkg/interfaces"
	"relaychat/pkg/types"
)

// Authorizer decides room admission.
type Authorizer interface {
	CanJoin(ctx context.Context, userID, chatID int64) (bool, error)
}

// Router multiplexes chat rooms and personal channels over registered
// connections.
// ARCHITECTURAL DISCOVERY: room membership is per connection and lives only
// in memory; the personal channel of a user is the registry entry itself.
//
// Lock order: registry, then r.mu, then a room's mu. Join and Leave hold
// r.mu for writing and the room mu together; broadcasts only hold the room mu
// while enqueueing, which keeps delivery FIFO per room.
type Router struct {
	registry *registry.Registry
	authz    Authorizer
	logger   *slog.Logger

	mu        sync.RWMutex
	rooms     map[int64]*room               // chatID -> room
	connRooms map[string]map[int64]struct{} // connID -> joined chats
}

type room struct {
	mu      sync.Mutex
	members map[string]interfaces.Connection
}

// Stats is a point-in-time view of the rooms.
type Stats struct {
	Rooms       int `json:"rooms"`
	Memberships int `json:"memberships"`
}

func New(reg *registry.Registry, authz Authorizer, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		registry:  reg,
		authz:     authz,
		logger:    logger.With("component", "router"),
		rooms:     make(map[int64]*room),
		connRooms: make(map[string]map[int64]struct{}),
	}
}

// Join adds conn to the room of chatID after checking participancy. Joining
// twice is a no-op. A denied join changes nothing.
func (r *Router) Join(ctx context.Context, conn interfaces.Connection, chatID int64) error {
	// FUNCTIONAL DISCOVERY: the store check runs before any lock is taken
	allowed, err := r.authz.CanJoin(ctx, conn.UserID(), chatID)
	if err != nil {
		return fmt.Errorf("join chat %d: %w", chatID, err)
	}
	if !allowed {
		return fmt.Errorf("join chat %d: %w", chatID, types.ErrAccessDenied)
	}

	registered := r.registry.Guard(conn.ID(), func() {
		r.mu.Lock()
		defer r.mu.Unlock()

		rm, exists := r.rooms[chatID]
		if !exists {
			rm = &room{members: make(map[string]interfaces.Connection)}
			r.rooms[chatID] = rm
		}
		rm.mu.Lock()
		rm.members[conn.ID()] = conn
		rm.mu.Unlock()

		joined, exists := r.connRooms[conn.ID()]
		if !exists {
			joined = make(map[int64]struct{})
			r.connRooms[conn.ID()] = joined
		}
		joined[chatID] = struct{}{}
	})
	if !registered {
		return ErrConnectionGone
	}

	r.logger.Debug("joined room", "conn_id", conn.ID(), "user_id", conn.UserID(), "chat_id", chatID)
	return nil
}

// Leave removes conn from the room of chatID. It reports whether conn was a
// member.
func (r *Router) Leave(conn interfaces.Connection, chatID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaveLocked(conn.ID(), chatID)
}

// LeaveAll removes conn from every room it joined and returns their ids.
func (r *Router) LeaveAll(conn interfaces.Connection) []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	joined := r.connRooms[conn.ID()]
	chats := make([]int64, 0, len(joined))
	for chatID := range joined {
		chats = append(chats, chatID)
	}
	for _, chatID := range chats {
		r.leaveLocked(conn.ID(), chatID)
	}
	sort.Slice(chats, func(i, j int) bool { return chats[i] < chats[j] })
	return chats
}

// leaveLocked requires r.mu held for writing.
func (r *Router) leaveLocked(connID string, chatID int64) bool {
	joined, exists := r.connRooms[connID]
	if !exists {
		return false
	}
	if _, member := joined[chatID]; !member {
		return false
	}
	delete(joined, chatID)
	if len(joined) == 0 {
		delete(r.connRooms, connID)
	}

	if rm, exists := r.rooms[chatID]; exists {
		rm.mu.Lock()
		delete(rm.members, connID)
		empty := len(rm.members) == 0
		rm.mu.Unlock()
		if empty {
			delete(r.rooms, chatID)
		}
	}
	return true
}

// BroadcastToChat delivers event to every handle joined to chatID and
// returns how many accepted it.
func (r *Router) BroadcastToChat(chatID int64, event types.Event) int {
	return r.BroadcastToChatExcept(chatID, event, "")
}

// BroadcastToChatExcept is BroadcastToChat skipping the handle exceptConnID.
func (r *Router) BroadcastToChatExcept(chatID int64, event types.Event, exceptConnID string) int {
	r.mu.RLock()
	rm, exists := r.rooms[chatID]
	r.mu.RUnlock()
	if !exists {
		return 0
	}

	var slow []interfaces.Connection
	delivered := 0

	rm.mu.Lock()
	for id, conn := range rm.members {
		if id == exceptConnID {
			continue
		}
		if err := conn.Send(event); err != nil {
			slow = append(slow, conn)
			continue
		}
		delivered++
	}
	rm.mu.Unlock()

	r.dropSlow(slow, event.Name)
	return delivered
}

// SendToUser delivers event to every handle of userID. An offline user is a
// silent no-op.
func (r *Router) SendToUser(userID int64, event types.Event) int {
	var slow []interfaces.Connection
	delivered := 0

	for _, conn := range r.registry.Connections(userID) {
		if err := conn.Send(event); err != nil {
			slow = append(slow, conn)
			continue
		}
		delivered++
	}

	r.dropSlow(slow, event.Name)
	return delivered
}

// BroadcastPresence tells every handle not owned by userID that the user
// came online or went offline.
func (r *Router) BroadcastPresence(userID int64, online bool) int {
	name := types.EventUserOffline
	if online {
		name = types.EventUserOnline
	}
	event := types.MustEvent(name, types.PresencePayload{UserID: userID})

	var slow []interfaces.Connection
	delivered := 0

	for _, conn := range r.registry.All() {
		if conn.UserID() == userID {
			continue
		}
		if err := conn.Send(event); err != nil {
			slow = append(slow, conn)
			continue
		}
		delivered++
	}

	r.dropSlow(slow, name)
	return delivered
}

// RoomMembers returns the sorted connection ids joined to chatID.
func (r *Router) RoomMembers(chatID int64) []string {
	r.mu.RLock()
	rm, exists := r.rooms[chatID]
	r.mu.RUnlock()
	if !exists {
		return nil
	}

	rm.mu.Lock()
	ids := make([]string, 0, len(rm.members))
	for id := range rm.members {
		ids = append(ids, id)
	}
	rm.mu.Unlock()

	sort.Strings(ids)
	return ids
}

// joinedChats returns the chats conn is currently in.
func (r *Router) joinedChats(conn interfaces.Connection) []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	chats := make([]int64, 0, len(r.connRooms[conn.ID()]))
	for chatID := range r.connRooms[conn.ID()] {
		chats = append(chats, chatID)
	}
	sort.Slice(chats, func(i, j int) bool { return chats[i] < chats[j] })
	return chats
}

func (r *Router) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	memberships := 0
	for _, joined := range r.connRooms {
		memberships += len(joined)
	}
	return Stats{Rooms: len(r.rooms), Memberships: memberships}
}

// dropSlow closes handles that could not take an event. Their read pump
// then runs the normal disconnect path.
func (r *Router) dropSlow(conns []interfaces.Connection, eventName string) {
	for _, conn := range conns {
		r.logger.Warn("dropping connection that cannot keep up",
			"conn_id", conn.ID(), "user_id", conn.UserID(), "event", eventName)
		if err := conn.Close(); err != nil {
			r.logger.Debug("close slow connection", "conn_id", conn.ID(), "error", err)
		}
	}
}
