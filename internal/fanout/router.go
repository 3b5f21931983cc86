package fanout

import "sync"

// router holds the process-local subscriptions shared by every Bus.
type router struct {
	mu   sync.RWMutex
	next uint64
	subs map[string]map[uint64]func(Notification)
}

func newRouter() *router {
	return &router{subs: make(map[string]map[uint64]func(Notification))}
}

func (r *router) subscribe(coupleID string, fn func(Notification)) func() {
	r.mu.Lock()
	r.next++
	id := r.next
	room, ok := r.subs[coupleID]
	if !ok {
		room = make(map[uint64]func(Notification))
		r.subs[coupleID] = room
	}
	room[id] = fn
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if room, ok := r.subs[coupleID]; ok {
				delete(room, id)
				if len(room) == 0 {
					delete(r.subs, coupleID)
				}
			}
		})
	}
}

// dispatch routes by the channel's couple id; the payload's own couple id is
// not trusted.
func (r *router) dispatch(channel string, n Notification) int {
	coupleID, ok := CoupleFromChannel(channel)
	if !ok {
		return 0
	}
	n.CoupleID = coupleID

	r.mu.RLock()
	fns := make([]func(Notification), 0, len(r.subs[coupleID]))
	for _, fn := range r.subs[coupleID] {
		fns = append(fns, fn)
	}
	r.mu.RUnlock()

	for _, fn := range fns {
		fn(n)
	}
	return len(fns)
}

func (r *router) rooms() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}
