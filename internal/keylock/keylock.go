// Package keylock provides per-key mutual exclusion.
//
// A Registry hands out one lock per key. Locks are created on first use and
// dropped once no goroutine holds or waits for them, so the registry only
// grows with the number of keys that are concurrently in use.
package keylock

import (
	"context"
	"sync"
)

// Registry maps keys to exclusive locks. The zero value is ready for use.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	sem  chan struct{}
	refs int // holders plus waiters
}

// Handle is a held lock. Unlock may be called more than once; only the
// first call releases the lock.
type Handle struct {
	r    *Registry
	key  string
	e    *entry
	once sync.Once
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Lock blocks until the lock for key is acquired or ctx is done.
func (r *Registry) Lock(ctx context.Context, key string) (*Handle, error) {
	e := r.retain(key)
	select {
	case e.sem <- struct{}{}:
		return &Handle{r: r, key: key, e: e}, nil
	case <-ctx.Done():
		r.release(key, e)
		return nil, ctx.Err()
	}
}

// TryLock acquires the lock for key without waiting.
func (r *Registry) TryLock(key string) (*Handle, bool) {
	e := r.retain(key)
	select {
	case e.sem <- struct{}{}:
		return &Handle{r: r, key: key, e: e}, true
	default:
		r.release(key, e)
		return nil, false
	}
}

// Len reports the number of keys currently held or waited on.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Key returns the key this handle locks.
func (h *Handle) Key() string {
	return h.key
}

// Unlock releases the lock.
func (h *Handle) Unlock() {
	h.once.Do(func() {
		<-h.e.sem
		h.r.release(h.key, h.e)
	})
}

func (r *Registry) retain(key string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries == nil {
		r.entries = make(map[string]*entry)
	}
	e, ok := r.entries[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		r.entries[key] = e
	}
	e.refs++
	return e
}

func (r *Registry) release(key string, e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e.refs--
	if e.refs == 0 && r.entries[key] == e {
		delete(r.entries, key)
	}
}
