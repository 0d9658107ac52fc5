package vm

import (
	"sync/atomic"
	"time"
)

// FiberStatus is the scheduling state of a fiber.
type FiberStatus int32

const (
	FiberNew FiberStatus = iota
	FiberRunning
	FiberPaused  // used up its instruction quantum
	FiberYielded // gave way voluntarily
	FiberWaiting // blocked on a future
	FiberTerminated
)

var fiberStatusNames = [...]string{"New", "Running", "Paused", "Yielded", "Waiting", "Terminated"}

func (s FiberStatus) String() string {
	if int(s) < len(fiberStatusNames) {
		return fiberStatusNames[s]
	}
	return "Unknown"
}

// timeoutStagger shortens an inherited deadline so the callee times out
// before its caller does.
const timeoutStagger = 20 * time.Millisecond

var fiberIDs atomic.Uint64

// Fiber is the logical thread of control created for one message. It owns
// a stack of frames and remembers the fiber that sent the message, so
// callbacks from a service we are waiting on can be recognised.
type Fiber struct {
	id       uint64
	ctx      *ServiceContext
	caller   *Fiber
	msg      *message
	frame    *Frame
	status   atomic.Int32
	deadline time.Time
	timer    *time.Timer
}

func newFiber(ctx *ServiceContext, msg *message) *Fiber {
	fb := &Fiber{
		id:     fiberIDs.Add(1),
		ctx:    ctx,
		caller: msg.caller,
		msg:    msg,
	}
	switch {
	case msg.caller != nil && !msg.caller.deadline.IsZero():
		fb.deadline = msg.caller.deadline.Add(-timeoutStagger)
	case ctx.timeout > 0:
		fb.deadline = time.Now().Add(ctx.timeout)
	}
	return fb
}

// ID returns the fiber's process-unique identifier.
func (fb *Fiber) ID() uint64 { return fb.id }

// Status returns the fiber's scheduling state.
func (fb *Fiber) Status() FiberStatus { return FiberStatus(fb.status.Load()) }

func (fb *Fiber) setStatus(s FiberStatus) { fb.status.Store(int32(s)) }

// expired reports whether the fiber has passed its deadline.
func (fb *Fiber) expired() bool {
	return !fb.deadline.IsZero() && !time.Now().Before(fb.deadline)
}

// associatedWith reports whether fb or one of the fibers that called it,
// directly or through a chain of calls, is a live fiber of ctx.
func (fb *Fiber) associatedWith(ctx *ServiceContext) bool {
	for c := fb; c != nil; c = c.caller {
		if c.ctx == ctx && c.Status() != FiberTerminated {
			return true
		}
	}
	return false
}
