package server

import (
	"errors"
	"sync"

	"github.com/npezzotti/go-squadchat/internal/types"
	"github.com/samber/lo"
)

var errClientNotRegistered = errors.New("client is not registered")

type presenceChange struct {
	ref         types.RoomRef
	principalId string
	delta       int64
}

// Registry maps rooms to the connections joined to them. It is the only
// state shared between room goroutines.
type Registry struct {
	mu      sync.RWMutex
	rooms   map[types.RoomRef]map[*Client]struct{}
	clients map[*Client]map[types.RoomRef]struct{}
	// onPresence hears when a principal's first connection joins a room
	// (+1) and when its last one leaves (-1). It runs outside mu.
	onPresence func(ref types.RoomRef, principalId string, delta int64)
	pending    []presenceChange
}

func NewRegistry() *Registry {
	return &Registry{
		rooms:   make(map[types.RoomRef]map[*Client]struct{}),
		clients: make(map[*Client]map[types.RoomRef]struct{}),
	}
}

// TrackPresence installs fn as the presence listener.
func (r *Registry) TrackPresence(fn func(ref types.RoomRef, principalId string, delta int64)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.onPresence = fn
}

func (r *Registry) flushPresence() {
	r.mu.Lock()
	changes, track := r.pending, r.onPresence
	r.pending = nil
	r.mu.Unlock()

	if track == nil {
		return
	}
	for _, ch := range changes {
		track(ch.ref, ch.principalId, ch.delta)
	}
}

func (r *Registry) notePresence(members map[*Client]struct{}, ref types.RoomRef, principalId string, delta int64) {
	if r.onPresence == nil {
		return
	}

	n := 0
	for c := range members {
		if c.principal.Id == principalId {
			n++
		}
	}

	// first connection in, or last one out
	if (delta > 0 && n == 1) || (delta < 0 && n == 0) {
		r.pending = append(r.pending, presenceChange{ref: ref, principalId: principalId, delta: delta})
	}
}

// Register tracks a new connection and joins it to its personal channel.
func (r *Registry) Register(c *Client) {
	defer r.flushPresence()
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clients[c]; ok {
		return
	}

	r.clients[c] = make(map[types.RoomRef]struct{})
	r.join(c, types.PersonalRoom(c.principal.Id))
}

// Unregister removes c from every room and returns the joinable rooms it
// was in.
func (r *Registry) Unregister(c *Client) []types.RoomRef {
	defer r.flushPresence()
	r.mu.Lock()
	defer r.mu.Unlock()

	joined, ok := r.clients[c]
	if !ok {
		return nil
	}

	var left []types.RoomRef
	for ref := range joined {
		r.leave(c, ref)
		if ref.Joinable() {
			left = append(left, ref)
		}
	}
	delete(r.clients, c)

	return left
}

// Join adds c to ref and reports whether it was newly added.
func (r *Registry) Join(c *Client, ref types.RoomRef) (bool, error) {
	defer r.flushPresence()
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clients[c]; !ok {
		return false, errClientNotRegistered
	}

	return r.join(c, ref), nil
}

func (r *Registry) join(c *Client, ref types.RoomRef) bool {
	members, ok := r.rooms[ref]
	if !ok {
		members = make(map[*Client]struct{})
		r.rooms[ref] = members
	}

	if _, ok := members[c]; ok {
		return false
	}

	members[c] = struct{}{}
	r.clients[c][ref] = struct{}{}
	r.notePresence(members, ref, c.principal.Id, 1)
	return true
}

// Leave removes c from ref and reports whether it had been joined.
func (r *Registry) Leave(c *Client, ref types.RoomRef) bool {
	defer r.flushPresence()
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.leave(c, ref)
}

func (r *Registry) leave(c *Client, ref types.RoomRef) bool {
	members, ok := r.rooms[ref]
	if !ok {
		return false
	}

	if _, ok := members[c]; !ok {
		return false
	}

	delete(members, c)
	r.notePresence(members, ref, c.principal.Id, -1)
	if len(members) == 0 {
		delete(r.rooms, ref)
	}

	if joined, ok := r.clients[c]; ok {
		delete(joined, ref)
	}

	return true
}

// LeaveUser removes every connection of userId from ref and returns them.
func (r *Registry) LeaveUser(ref types.RoomRef, userId string) []*Client {
	defer r.flushPresence()
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []*Client
	for c := range r.rooms[ref] {
		if c.principal.Id == userId {
			removed = append(removed, c)
		}
	}

	for _, c := range removed {
		r.leave(c, ref)
	}

	return removed
}

// RemoveRoom detaches every connection from ref and returns them.
func (r *Registry) RemoveRoom(ref types.RoomRef) []*Client {
	defer r.flushPresence()
	r.mu.Lock()
	defer r.mu.Unlock()

	members := lo.Keys(r.rooms[ref])
	for _, c := range members {
		r.leave(c, ref)
	}

	return members
}

// Broadcast queues msg for every connection in ref whose principal is not
// in exclude. It returns the number of connections reached.
func (r *Registry) Broadcast(ref types.RoomRef, msg *ServerMessage, exclude ...string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for c := range r.rooms[ref] {
		if len(exclude) > 0 && lo.Contains(exclude, c.principal.Id) {
			continue
		}

		if c.queueMessage(msg) {
			n++
		}
	}

	return n
}

// MembersOnline returns the distinct principals joined to ref.
func (r *Registry) MembersOnline(ref types.RoomRef) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.rooms[ref]))
	for c := range r.rooms[ref] {
		ids = append(ids, c.principal.Id)
	}

	return lo.Uniq(ids)
}

func (r *Registry) UserInRoom(ref types.RoomRef, userId string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for c := range r.rooms[ref] {
		if c.principal.Id == userId {
			return true
		}
	}

	return false
}

// UserOnline reports whether userId has any live connection on this
// instance.
func (r *Registry) UserOnline(userId string) bool {
	return r.UserInRoom(types.PersonalRoom(userId), userId)
}

func (r *Registry) IsMember(c *Client, ref types.RoomRef) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.rooms[ref][c]
	return ok
}

// Count returns the number of connections joined to ref.
func (r *Registry) Count(ref types.RoomRef) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.rooms[ref])
}

func (r *Registry) Clients() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return lo.Keys(r.clients)
}
