package vm

import (
	"fmt"
	"sync"
)

// ServiceRef is a generational index into a container's service arena. A
// ref whose generation no longer matches its slot refers to a terminated
// service.
type ServiceRef struct {
	Index uint32
	Gen   uint32
}

func (r ServiceRef) String() string { return fmt.Sprintf("%d@%d", r.Index, r.Gen) }

type arenaSlot struct {
	gen uint32
	ctx *ServiceContext
}

// arena stores the service contexts of one container. Freed slots are
// reused with a bumped generation.
type arena struct {
	mu    sync.RWMutex
	slots []arenaSlot
	free  []uint32
	live  int
}

func (a *arena) insert(ctx *ServiceContext) ServiceRef {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.live++
	if n := len(a.free); n > 0 {
		idx := a.free[n-1]
		a.free = a.free[:n-1]
		s := &a.slots[idx]
		s.ctx = ctx
		return ServiceRef{Index: idx, Gen: s.gen}
	}
	a.slots = append(a.slots, arenaSlot{gen: 1, ctx: ctx})
	return ServiceRef{Index: uint32(len(a.slots) - 1), Gen: 1}
}

func (a *arena) get(ref ServiceRef) (*ServiceContext, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if int(ref.Index) >= len(a.slots) {
		return nil, false
	}
	s := a.slots[ref.Index]
	if s.gen != ref.Gen || s.ctx == nil {
		return nil, false
	}
	return s.ctx, true
}

// release frees the slot; stale refs to it stop resolving.
func (a *arena) release(ref ServiceRef) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if int(ref.Index) >= len(a.slots) {
		return false
	}
	s := &a.slots[ref.Index]
	if s.gen != ref.Gen || s.ctx == nil {
		return false
	}
	s.ctx = nil
	s.gen++
	a.free = append(a.free, ref.Index)
	a.live--
	return true
}

// each calls fn for every live context.
func (a *arena) each(fn func(*ServiceContext)) {
	a.mu.RLock()
	ctxs := make([]*ServiceContext, 0, a.live)
	for _, s := range a.slots {
		if s.ctx != nil {
			ctxs = append(ctxs, s.ctx)
		}
	}
	a.mu.RUnlock()
	for _, c := range ctxs {
		fn(c)
	}
}

func (a *arena) len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.live
}
