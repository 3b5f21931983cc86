package gateway

import (
	"sort"
	"sync"
)

// Registry indexes live connections by socket id and by couple room.
type Registry struct {
	mu        sync.RWMutex
	conns     map[string]*Connection
	rooms     map[string]*room
	subscribe func(coupleID string) (unsubscribe func())
}

type room struct {
	members     map[string]*Connection
	unsubscribe func()
}

type Stats struct {
	Connections int `json:"connections"`
	Rooms       int `json:"rooms"`
}

// NewRegistry calls subscribe when a room gets its first member and the
// returned func when its last member leaves.
func NewRegistry(subscribe func(coupleID string) func()) *Registry {
	if subscribe == nil {
		subscribe = func(string) func() { return func() {} }
	}
	return &Registry{
		conns:     make(map[string]*Connection),
		rooms:     make(map[string]*room),
		subscribe: subscribe,
	}
}

func RoomName(coupleID string) string { return "couple:" + coupleID }

func (r *Registry) Join(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.conns[c.ID] = c
	rm, ok := r.rooms[c.Identity.CoupleID]
	if !ok {
		rm = &room{members: make(map[string]*Connection)}
		rm.unsubscribe = r.subscribe(c.Identity.CoupleID)
		r.rooms[c.Identity.CoupleID] = rm
	}
	rm.members[c.ID] = c
}

// Leave reports whether c was registered.
func (r *Registry) Leave(c *Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[c.ID]; !ok {
		return false
	}
	delete(r.conns, c.ID)
	if rm, ok := r.rooms[c.Identity.CoupleID]; ok {
		delete(rm.members, c.ID)
		if len(rm.members) == 0 {
			delete(r.rooms, c.Identity.CoupleID)
			rm.unsubscribe()
		}
	}
	return true
}

func (r *Registry) Get(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// Members returns the room's connections ordered by socket id.
func (r *Registry) Members(coupleID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rm, ok := r.rooms[coupleID]
	if !ok {
		return nil
	}
	out := make([]*Connection, 0, len(rm.members))
	for _, c := range rm.members {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) All() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{Connections: len(r.conns), Rooms: len(r.rooms)}
}
