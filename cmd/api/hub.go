package main

import (
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/samber/lo"
)

// EventSender is the minimal interface the hub needs from a connection:
// the ability to push an outbound event to the connected client.
type EventSender interface {
	Send(Event) error
}

// Transition is invoked after every register/unregister with the user's
// resulting presence. Fired outside the hub's lock so the consumer may
// call back into the hub.
type Transition func(userID string, online bool)

// Hub is the process-wide session registry: it maps user ids to their live
// connections and tracks room membership. It is the sole authority on who
// is reachable right now. Nothing here is persisted; the registry starts
// empty on every process restart.
type Hub struct {
	mu     sync.RWMutex
	conns  map[string]map[int64]EventSender
	meta   map[string]onlineUser
	rooms  map[string]map[string]struct{} // room -> member user ids
	joined map[string]map[string]struct{} // user -> rooms joined
	nextID int64

	// single switches delivery routing to one session per user:
	// registering evicts any previous connection (last write wins).
	// When false, every live connection of a user receives deliveries.
	single bool

	onTransition Transition
}

// NewHub creates an empty hub. singleSession selects the one-session-per-
// user model; the default multi-session model fans deliveries out to every
// connection a user holds.
func NewHub(singleSession bool) *Hub {
	return &Hub{
		conns:  make(map[string]map[int64]EventSender),
		meta:   make(map[string]onlineUser),
		rooms:  make(map[string]map[string]struct{}),
		joined: make(map[string]map[string]struct{}),
		single: singleSession,
	}
}

// OnTransition sets the presence callback. Must be called before the hub
// starts accepting registrations.
func (h *Hub) OnTransition(fn Transition) {
	h.onTransition = fn
}

// Register adds a connection for the given user and returns a connection
// id used to unregister it later. In single-session mode the previous
// connection is closed and replaced.
func (h *Hub) Register(user onlineUser, s EventSender) int64 {
	h.mu.Lock()

	var evicted []EventSender
	if h.single {
		for _, old := range h.conns[user.ID] {
			evicted = append(evicted, old)
		}
		delete(h.conns, user.ID)
	}

	if _, ok := h.conns[user.ID]; !ok {
		h.conns[user.ID] = make(map[int64]EventSender)
	}
	h.nextID++
	id := h.nextID
	h.conns[user.ID][id] = s
	h.meta[user.ID] = user
	h.mu.Unlock()

	for _, old := range evicted {
		if c, ok := old.(io.Closer); ok {
			_ = c.Close()
		}
	}

	if h.onTransition != nil {
		h.onTransition(user.ID, true)
	}
	return id
}

// Unregister removes a previously-registered connection. When the user's
// last connection goes, their metadata and room memberships are released
// in the same critical section. Disconnect cleanup is synchronous, never
// deferred.
func (h *Hub) Unregister(userID string, id int64) {
	h.mu.Lock()
	if conns, ok := h.conns[userID]; ok {
		delete(conns, id)
		if len(conns) == 0 {
			delete(h.conns, userID)
			delete(h.meta, userID)
			h.leaveAllLocked(userID)
		}
	}
	online := len(h.conns[userID]) > 0
	h.mu.Unlock()

	if h.onTransition != nil {
		h.onTransition(userID, online)
	}
}

// Lookup reports whether the user has at least one live connection. This
// is the only check the delivery pipeline consults before attempting a
// push.
func (h *Hub) Lookup(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[userID]) > 0
}

// evict removes a failed connection and closes it so its pumps terminate
// and the client notices the dead session and reconnects. Unregister
// releases metadata and room memberships and fires the transition.
func (h *Hub) evict(userID string, id int64, s EventSender) {
	h.Unregister(userID, id)
	if c, ok := s.(io.Closer); ok {
		_ = c.Close()
	}
}

// SendToUser pushes an event to every live connection of the given user.
// Returns an error if the user is not connected. Delivery is best effort:
// all connections are attempted and the first error is returned;
// connections that failed are evicted so broken streams don't linger as
// half-open sessions.
func (h *Hub) SendToUser(userID string, ev Event) error {
	h.mu.RLock()
	conns := make(map[int64]EventSender, len(h.conns[userID]))
	for id, s := range h.conns[userID] {
		conns[id] = s
	}
	h.mu.RUnlock()

	if len(conns) == 0 {
		return fmt.Errorf("user %s not connected", userID)
	}

	var firstErr error
	for id, s := range conns {
		if err := s.Send(ev); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			h.evict(userID, id, s)
		}
	}

	return firstErr
}

// Broadcast pushes an event to every live connection of every user.
// Failed connections are evicted through the normal unregister path so
// presence metadata and room memberships never outlive them. Eviction can
// fire a transition that broadcasts again; each round removes at least
// one connection, so the recursion is bounded.
func (h *Hub) Broadcast(ev Event) {
	h.mu.RLock()
	type target struct {
		userID string
		id     int64
		s      EventSender
	}
	var targets []target
	for userID, conns := range h.conns {
		for id, s := range conns {
			targets = append(targets, target{userID, id, s})
		}
	}
	h.mu.RUnlock()

	for _, t := range targets {
		if err := t.s.Send(ev); err != nil {
			h.evict(t.userID, t.id, t.s)
		}
	}
}

// ActiveUsers returns a consistent snapshot of everyone currently online,
// ordered by id for stable output.
func (h *Hub) ActiveUsers() []onlineUser {
	h.mu.RLock()
	active := lo.Values(h.meta)
	h.mu.RUnlock()

	sort.Slice(active, func(i, j int) bool { return active[i].ID < active[j].ID })
	return active
}

// JoinRoom adds the user to a room's member set.
func (h *Hub) JoinRoom(roomID, userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.rooms[roomID]; !ok {
		h.rooms[roomID] = make(map[string]struct{})
	}
	h.rooms[roomID][userID] = struct{}{}

	if _, ok := h.joined[userID]; !ok {
		h.joined[userID] = make(map[string]struct{})
	}
	h.joined[userID][roomID] = struct{}{}
}

// LeaveRoom removes the user from a room, dropping the room entirely once
// empty so the map never accumulates dead rooms.
func (h *Hub) LeaveRoom(roomID, userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveRoomLocked(roomID, userID)
}

func (h *Hub) leaveRoomLocked(roomID, userID string) {
	if members, ok := h.rooms[roomID]; ok {
		delete(members, userID)
		if len(members) == 0 {
			delete(h.rooms, roomID)
		}
	}
	if rooms, ok := h.joined[userID]; ok {
		delete(rooms, roomID)
		if len(rooms) == 0 {
			delete(h.joined, userID)
		}
	}
}

func (h *Hub) leaveAllLocked(userID string) {
	for roomID := range h.joined[userID] {
		h.leaveRoomLocked(roomID, userID)
	}
}

// RoomMembers returns the user ids currently joined to a room.
func (h *Hub) RoomMembers(roomID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return lo.Keys(h.rooms[roomID])
}
