// Package cell provides a change-tracked container: a single value of type T
// whose mutations fan out as (old, new) pairs to every live subscriber.
//
// T must be JSON-serializable. Snapshots handed to subscribers are deep
// copies made via a JSON round trip, so subscribers never alias the live
// value, and change detection compares the serialized forms before and
// after a mutation.
package cell

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"sync"
)

// Change is one observed mutation: the value before and after.
type Change[T any] struct {
	Old T
	New T
}

// subscriber pairs the outbound channel with the consumer's cancellation
// signal. The channel is closed by the cell when the subscriber is removed.
type subscriber[T any] struct {
	ch   chan Change[T]
	done chan struct{}
}

// Subscription is a bounded stream of changes. C is closed when the cell
// drops the subscriber, either after Cancel or because the buffer was full
// at fan-out time.
type Subscription[T any] struct {
	C <-chan Change[T]

	once sync.Once
	done chan struct{}
}

// Cancel tells the cell to drop this subscriber. The cell detects the
// cancellation at its next fan-out and closes C.
func (s *Subscription[T]) Cancel() {
	s.once.Do(func() { close(s.done) })
}

// Cell holds a value of type T and notifies subscribers when it changes.
type Cell[T any] struct {
	mu    sync.RWMutex // guards value
	value T

	subsMu sync.Mutex // guards subs; never held across a blocking operation
	subs   []*subscriber[T]
}

// New creates a Cell that takes ownership of value.
func New[T any](value T) *Cell[T] {
	return &Cell[T]{value: value}
}

// Value returns a deep copy of the current value.
func (c *Cell[T]) Value() T {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, err := cloneValue(c.value)
	if err != nil {
		slog.Error("cell: failed to clone value", "error", err)
		return c.value
	}
	return v
}

// Subscribe registers a listener with a buffer of capacity changes. A slow
// consumer whose buffer is full at fan-out time is dropped; to unsubscribe,
// call Cancel on the returned Subscription.
func (c *Cell[T]) Subscribe(capacity int) *Subscription[T] {
	sub := &subscriber[T]{
		ch:   make(chan Change[T], capacity),
		done: make(chan struct{}),
	}
	c.subsMu.Lock()
	c.subs = append(c.subs, sub)
	c.subsMu.Unlock()
	return &Subscription[T]{C: sub.ch, done: sub.done}
}

// NumSubscribers reports the current subscriber count.
func (c *Cell[T]) NumSubscribers() int {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	return len(c.subs)
}

// Modify grants f exclusive mutable access to the value. If f changed the
// value (compared via its JSON serialization), a (old, new) pair is fanned
// out to every live subscriber. Subscribers whose buffer is full or whose
// consumer has cancelled are removed and their channel closed.
func (c *Cell[T]) Modify(f func(*T)) {
	c.mu.Lock()

	oldJSON, err := json.Marshal(c.value)
	if err != nil {
		slog.Error("cell: failed to serialize value before modify", "error", err)
		f(&c.value)
		c.mu.Unlock()
		return
	}

	f(&c.value)

	newJSON, err := json.Marshal(c.value)
	if err != nil {
		slog.Error("cell: failed to serialize value after modify", "error", err)
		c.mu.Unlock()
		return
	}

	if bytes.Equal(oldJSON, newJSON) {
		c.mu.Unlock()
		return
	}

	var old, newVal T
	if err := json.Unmarshal(oldJSON, &old); err != nil {
		slog.Error("cell: failed to clone old value", "error", err)
		c.mu.Unlock()
		return
	}
	if err := json.Unmarshal(newJSON, &newVal); err != nil {
		slog.Error("cell: failed to clone new value", "error", err)
		c.mu.Unlock()
		return
	}

	// Take the subscriber lock before releasing the value lock so that
	// notification order equals the order in which modifications complete.
	c.subsMu.Lock()
	c.mu.Unlock()
	c.fanOut(Change[T]{Old: old, New: newVal})
	c.subsMu.Unlock()
}

// fanOut sends change to every subscriber. Callers must hold subsMu. Sends
// never block: a full buffer is treated the same as a cancelled consumer
// and the subscriber is removed.
func (c *Cell[T]) fanOut(change Change[T]) {
	keep := c.subs[:0]
	for _, sub := range c.subs {
		select {
		case <-sub.done:
			close(sub.ch)
			continue
		default:
		}
		select {
		case sub.ch <- change:
			keep = append(keep, sub)
		default:
			close(sub.ch)
		}
	}
	for i := len(keep); i < len(c.subs); i++ {
		c.subs[i] = nil
	}
	c.subs = keep
}

func cloneValue[T any](v T) (T, error) {
	var out T
	data, err := json.Marshal(v)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, err
	}
	return out, nil
}
