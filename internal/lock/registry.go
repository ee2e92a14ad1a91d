// internal/lock/registry.go
package lock

import (
	"sync"

	"github.com/google/uuid"
)

// Registry hands out one in-process mutex per connection id. A second sync of
// the same connection is skipped rather than queued behind the first.
type Registry struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

func NewRegistry() *Registry {
	return &Registry{locks: make(map[uuid.UUID]*sync.Mutex)}
}

func (r *Registry) lockFor(id uuid.UUID) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[id]
	if !ok {
		l = &sync.Mutex{}
		r.locks[id] = l
	}
	return l
}

// TryAcquire takes the lock for id without blocking. When ok is false the
// lock is held elsewhere and release is nil.
func (r *Registry) TryAcquire(id uuid.UUID) (release func(), ok bool) {
	l := r.lockFor(id)
	if !l.TryLock() {
		return nil, false
	}
	var once sync.Once
	return func() { once.Do(l.Unlock) }, true
}

// Held reports whether a sync for id is currently running.
func (r *Registry) Held(id uuid.UUID) bool {
	release, ok := r.TryAcquire(id)
	if !ok {
		return true
	}
	release()
	return false
}
