package surface

import (
	"sync"

	"github.com/surfaceui/surface/session"
)

// ConnectionKey identifies one open event-stream connection (one browser
// tab). Keys increase monotonically for the lifetime of the dispatcher.
type ConnectionKey uint32

// subscriber is one registered event-stream connection. done is the request
// context's done channel; once it closes the consumer is gone.
type subscriber struct {
	session session.Key
	ch      chan []byte
	done    <-chan struct{}
	path    string
}

// registry maps live connections to their outbound senders. The broadcast
// loop drains it to a local set before sending so the lock is never held
// across a channel operation; connections onboarded during a send pass land
// in the fresh map and survive the reinsertion merge.
type registry struct {
	mu    sync.RWMutex
	conns map[ConnectionKey]subscriber
}

func newRegistry() *registry {
	return &registry{conns: make(map[ConnectionKey]subscriber)}
}

func (r *registry) insert(key ConnectionKey, sub subscriber) {
	r.mu.Lock()
	r.conns[key] = sub
	r.mu.Unlock()
}

// drain removes and returns all current entries.
func (r *registry) drain() map[ConnectionKey]subscriber {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[ConnectionKey]subscriber)
	r.mu.Unlock()
	return conns
}

// merge reinserts survivors of a send pass.
func (r *registry) merge(conns map[ConnectionKey]subscriber) {
	r.mu.Lock()
	for key, sub := range conns {
		r.conns[key] = sub
	}
	r.mu.Unlock()
}

func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
