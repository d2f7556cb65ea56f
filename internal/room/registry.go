// Package room tracks which live connections are subscribed to which class
// rooms and fans room events out to them.
package room

import (
	"sort"
	"sync"
)

// Event is one room-scoped fact, stamped with the room's sequence number.
type Event struct {
	Type    string `json:"event"`
	ClassID int64  `json:"class_id"`
	Seq     int64  `json:"seq"`
	Data    any    `json:"data"`
}

// Subscriber is a live connection. Deliver must never block; it reports
// false when the event could not be queued.
type Subscriber interface {
	ID() string
	UserID() int
	Deliver(ev Event) bool
}

type room struct {
	// send orders sequence assignment and delivery against joins.
	send sync.Mutex

	mu      sync.RWMutex
	members map[string]Subscriber
	// dead is set once the empty room is dropped from the registry; callers
	// holding it must look the room up again.
	dead bool
}

// Registry holds room memberships. Each room has its own lock, so joins
// and broadcasts in different rooms never contend.
type Registry struct {
	mu    sync.RWMutex
	rooms map[int64]*room

	idxMu sync.Mutex
	conns map[string]map[int64]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		rooms: make(map[int64]*room),
		conns: make(map[string]map[int64]struct{}),
	}
}

// room returns the room for classID, creating it when create is set.
func (r *Registry) room(classID int64, create bool) *room {
	r.mu.RLock()
	rm, ok := r.rooms[classID]
	r.mu.RUnlock()
	if ok || !create {
		return rm
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if rm, ok = r.rooms[classID]; ok {
		return rm
	}
	rm = &room{members: make(map[string]Subscriber)}
	r.rooms[classID] = rm
	return rm
}

// Join subscribes sub to classID. Joining twice is a no-op that still
// reports the current member count. A new instance under a known ID
// replaces the old one.
func (r *Registry) Join(sub Subscriber, classID int64) (added bool, count int) {
	for {
		added, count, ok := r.join(r.room(classID, true), sub, classID)
		if ok {
			return added, count
		}
	}
}

// join reports ok=false without joining when rm was dropped concurrently.
func (r *Registry) join(rm *room, sub Subscriber, classID int64) (added bool, count int, ok bool) {
	rm.mu.Lock()
	if rm.dead {
		rm.mu.Unlock()
		return false, 0, false
	}
	cur, exists := rm.members[sub.ID()]
	if !exists || cur != sub {
		rm.members[sub.ID()] = sub
	}
	count = len(rm.members)
	rm.mu.Unlock()

	r.idxMu.Lock()
	set, found := r.conns[sub.ID()]
	if !found {
		set = make(map[int64]struct{})
		r.conns[sub.ID()] = set
	}
	set[classID] = struct{}{}
	r.idxMu.Unlock()

	return !exists, count, true
}

// Leave removes one membership. Leaving a room never joined is a no-op.
func (r *Registry) Leave(connID string, classID int64) (removed bool, count int) {
	r.idxMu.Lock()
	if set, ok := r.conns[connID]; ok {
		delete(set, classID)
		if len(set) == 0 {
			delete(r.conns, connID)
		}
	}
	r.idxMu.Unlock()

	rm := r.room(classID, false)
	if rm == nil {
		return false, 0
	}
	rm.mu.Lock()
	_, removed = rm.members[connID]
	delete(rm.members, connID)
	count = len(rm.members)
	rm.mu.Unlock()

	if count == 0 {
		r.drop(classID, rm)
	}
	return removed, count
}

// Disconnect removes every membership of connID and returns the rooms it
// was in, sorted.
func (r *Registry) Disconnect(connID string) []int64 {
	r.idxMu.Lock()
	set := r.conns[connID]
	delete(r.conns, connID)
	r.idxMu.Unlock()

	classIDs := make([]int64, 0, len(set))
	for classID := range set {
		classIDs = append(classIDs, classID)
		if rm := r.room(classID, false); rm != nil {
			rm.mu.Lock()
			delete(rm.members, connID)
			empty := len(rm.members) == 0
			rm.mu.Unlock()
			if empty {
				r.drop(classID, rm)
			}
		}
	}
	sort.Slice(classIDs, func(i, j int) bool { return classIDs[i] < classIDs[j] })
	return classIDs
}

// drop removes rm from the registry if it is still the room for classID and
// still empty. Holding send keeps it from racing a join or broadcast that
// already picked rm up.
func (r *Registry) drop(classID int64, rm *room) {
	rm.send.Lock()
	defer rm.send.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if len(rm.members) > 0 || r.rooms[classID] != rm {
		return
	}
	delete(r.rooms, classID)
	rm.dead = true
}

// Len returns the number of rooms currently held.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

func (rm *room) isDead() bool {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.dead
}

// Count returns the number of connections in classID.
func (r *Registry) Count(classID int64) int {
	rm := r.room(classID, false)
	if rm == nil {
		return 0
	}
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return len(rm.members)
}

// IsMember reports whether connID is subscribed to classID.
func (r *Registry) IsMember(connID string, classID int64) bool {
	rm := r.room(classID, false)
	if rm == nil {
		return false
	}
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	_, ok := rm.members[connID]
	return ok
}

// Rooms returns the rooms connID is subscribed to, sorted.
func (r *Registry) Rooms(connID string) []int64 {
	r.idxMu.Lock()
	defer r.idxMu.Unlock()

	out := make([]int64, 0, len(r.conns[connID]))
	for classID := range r.conns[connID] {
		out = append(out, classID)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (rm *room) snapshot() []Subscriber {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	out := make([]Subscriber, 0, len(rm.members))
	for _, s := range rm.members {
		out = append(out, s)
	}
	return out
}

// Connections returns how many connections hold at least one membership.
func (r *Registry) Connections() int {
	r.idxMu.Lock()
	defer r.idxMu.Unlock()
	return len(r.conns)
}
