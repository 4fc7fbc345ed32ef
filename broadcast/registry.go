// Package broadcast fans encrypted detection messages out to every connected
// subscriber on a best-effort, at-most-once basis.
package broadcast

import (
	"errors"
	"sync"
)

var (
	// ErrSubscriberClosed means the handle is gone and should be pruned.
	ErrSubscriberClosed = errors.New("subscriber closed")
	// ErrDropped means the subscriber is alive but could not take this message.
	ErrDropped = errors.New("subscriber queue full, message dropped")
)

// Subscriber is one connected receiver. Send must not block on the network.
type Subscriber interface {
	ID() string
	Send(msg []byte) error
	Close() error
}

// Registry is the set of connected subscribers. Safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	subs map[string]Subscriber
}

func NewRegistry() *Registry {
	return &Registry{subs: make(map[string]Subscriber)}
}

// Add registers sub, replacing any subscriber with the same id.
func (r *Registry) Add(sub Subscriber) {
	r.mu.Lock()
	r.subs[sub.ID()] = sub
	r.mu.Unlock()
}

func (r *Registry) Remove(id string) (Subscriber, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[id]
	if ok {
		delete(r.subs, id)
	}
	return sub, ok
}

// removeIf deletes id only while it still maps to sub, so a pruned handle
// never evicts a newer subscriber registered under the same id.
func (r *Registry) removeIf(id string, sub Subscriber) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.subs[id]
	if !ok || cur != sub {
		return false
	}
	delete(r.subs, id)
	return true
}

func (r *Registry) Get(id string) (Subscriber, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.subs[id]
	return sub, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// Snapshot copies the current subscribers. Later mutations of the registry
// do not affect the returned slice.
func (r *Registry) Snapshot() []Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Subscriber, 0, len(r.subs))
	for _, sub := range r.subs {
		out = append(out, sub)
	}
	return out
}
