package sketch

import (
	"sync"

	"github.com/meigma/sketch/cache/memory"
)

// PendingManager tracks which memory cache leases are held on behalf of
// logical holders such as views. Each holder has at most one lease; marking
// a new lease for a holder releases the previous one. Every lease handed to
// the manager is released exactly once.
type PendingManager struct {
	mu     sync.Mutex
	leases map[string]*memory.Lease
}

// NewPendingManager returns an empty manager.
func NewPendingManager() *PendingManager {
	return &PendingManager{leases: make(map[string]*memory.Lease)}
}

// Mark records lease as held by holder, releasing any lease the holder had.
// A nil lease is equivalent to Complete. Marking the lease the holder
// already has is a no-op.
func (p *PendingManager) Mark(holder string, lease *memory.Lease) {
	p.mu.Lock()
	old := p.leases[holder]
	if old == lease {
		p.mu.Unlock()
		return
	}
	if lease == nil {
		delete(p.leases, holder)
	} else {
		p.leases[holder] = lease
	}
	p.mu.Unlock()

	if old != nil {
		old.Release()
	}
}

// Complete releases the holder's lease, if any.
func (p *PendingManager) Complete(holder string) {
	p.Mark(holder, nil)
}

// Lease returns the lease held for holder.
func (p *PendingManager) Lease(holder string) (*memory.Lease, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.leases[holder]
	return l, ok
}

// Len returns the number of holders with a lease.
func (p *PendingManager) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.leases)
}

// CompleteAll releases every lease.
func (p *PendingManager) CompleteAll() {
	p.mu.Lock()
	leases := p.leases
	p.leases = make(map[string]*memory.Lease)
	p.mu.Unlock()

	for _, l := range leases {
		l.Release()
	}
}
