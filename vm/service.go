package vm

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Reentrancy decides whether a service may start a new message while one
// of its fibers is waiting on a call.
type Reentrancy int

const (
	// ReentrancyOpen starts queued messages in arrival order regardless of
	// waiting fibers.
	ReentrancyOpen Reentrancy = iota
	// ReentrancyPrioritized prefers messages that belong to a call chain of
	// a waiting fiber but otherwise behaves like Open.
	ReentrancyPrioritized
	// ReentrancyExclusive only admits messages belonging to the call chain
	// of a live fiber until every fiber has finished.
	ReentrancyExclusive
	// ReentrancyForbidden admits nothing while any fiber is live.
	ReentrancyForbidden
)

var reentrancyNames = [...]string{"open", "prioritized", "exclusive", "forbidden"}

func (r Reentrancy) String() string {
	if int(r) < len(reentrancyNames) {
		return reentrancyNames[r]
	}
	return fmt.Sprintf("Reentrancy(%d)", int(r))
}

// ParseReentrancy parses a policy name as written in configuration.
func ParseReentrancy(s string) (Reentrancy, error) {
	for i, n := range reentrancyNames {
		if strings.EqualFold(s, n) {
			return Reentrancy(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown reentrancy %q", ErrIllegalArgument, s)
}

// message is one queued request for a service context.
type message struct {
	this   Handle
	sig    string
	chain  *CallChain // resolved lazily from sig when nil
	depth  int
	args   []Handle
	caller *Fiber
	local  bool // posted by the context itself, results need not be shareable
	future *Future
	alarm  *Alarm
}

// associated reports whether the message belongs to the call chain of a
// live fiber of c.
func (m *message) associated(c *ServiceContext) bool {
	return m.local || (m.caller != nil && m.caller.associatedWith(c))
}

// UnhandledHook observes exceptions that escape a message's outermost frame.
type UnhandledHook func(ctx *ServiceContext, err *UnhandledException)

// Stats are the runtime counters of a service context.
type Stats struct {
	Messages     uint64
	Frames       uint64
	Instructions uint64
	Runtime      time.Duration
	Violations   uint64
}

// ---------------------------------------------------------------------------
// ServiceContext
// ---------------------------------------------------------------------------

// ServiceContext is the single-writer execution context of one service. It
// owns the service object, a FIFO message queue and the fibers processing
// messages. At most one host goroutine steps a context at any time.
type ServiceContext struct {
	name      string
	container *Container
	reg       *Registry
	ref       ServiceRef
	object    Handle
	proxy     *ServiceProxy
	state     any

	quantum     int
	timeout     time.Duration
	reentrancy  Reentrancy
	onUnhandled UnhandledHook

	mu         sync.Mutex
	queue      []*message
	ready      []*Fiber
	waiting    map[*Fiber]bool
	fibers     map[uint64]*Fiber
	scheduled  bool
	terminated bool

	stepping   atomic.Int32
	violations atomic.Uint64
	frames     atomic.Uint64
	msgs       atomic.Uint64
	insts      atomic.Uint64
	runtime    atomic.Int64
}

func newServiceContext(c *Container, name string, object Handle) *ServiceContext {
	return &ServiceContext{
		name:        name,
		container:   c,
		reg:         c.reg,
		object:      orNull(object),
		quantum:     c.cfg.Quantum,
		timeout:     c.cfg.Timeout,
		reentrancy:  c.cfg.Reentrancy,
		onUnhandled: c.cfg.OnUnhandled,
		waiting:     make(map[*Fiber]bool),
		fibers:      make(map[uint64]*Fiber),
	}
}

// Name returns the service name.
func (c *ServiceContext) Name() string { return c.name }

// Proxy returns the handle other services use to reach this one.
func (c *ServiceContext) Proxy() *ServiceProxy { return c.proxy }

// export replaces the service's own object with its proxy in handles about
// to leave the context. The object itself stays Mutable and never crosses.
func (c *ServiceContext) export(hs []Handle) []Handle {
	if c == nil {
		return hs
	}
	obj, ok := c.object.(*StructHandle)
	if !ok || c.proxy == nil {
		return hs
	}
	var out []Handle
	for i, h := range hs {
		if s, ok := h.(*StructHandle); !ok || s != obj {
			continue
		}
		if out == nil {
			out = make([]Handle, len(hs))
			copy(out, hs)
		}
		out[i] = c.proxy
	}
	if out == nil {
		return hs
	}
	return out
}

// Object returns the service object.
func (c *ServiceContext) Object() Handle { return c.object }

// State returns host state attached to a native service.
func (c *ServiceContext) State() any { return c.state }

// Container returns the hosting container.
func (c *ServiceContext) Container() *Container { return c.container }

// Registry returns the program registry.
func (c *ServiceContext) Registry() *Registry { return c.reg }

func (c *ServiceContext) String() string {
	return fmt.Sprintf("service %s (%s)", c.name, c.ref)
}

// Stats returns a snapshot of the context's counters.
func (c *ServiceContext) Stats() Stats {
	return Stats{
		Messages:     c.msgs.Load(),
		Frames:       c.frames.Load(),
		Instructions: c.insts.Load(),
		Runtime:      time.Duration(c.runtime.Load()),
		Violations:   c.violations.Load(),
	}
}

// Invoke sends sig to the service object from the host. The call is always
// queued; the returned future completes with the method's results or fails
// with an *UnhandledException.
func (c *ServiceContext) Invoke(sig string, args ...Handle) *Future {
	if err := checkShareable("argument", args); err != nil {
		return failedFuture(err)
	}
	return c.post(&message{this: c.object, sig: sig, args: args})
}

// ScheduleAfter queues sig on the service object after delay.
func (c *ServiceContext) ScheduleAfter(delay time.Duration, sig string, args ...Handle) (*Alarm, error) {
	if err := checkShareable("argument", args); err != nil {
		return nil, err
	}
	return c.scheduleAfter(delay, &message{this: c.object, sig: sig, args: args}), nil
}

// IsIdle reports whether the context has no live fibers and no queued
// messages.
func (c *ServiceContext) IsIdle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue) == 0 && len(c.fibers) == 0
}

// member resolves sig on the service object.
func (c *ServiceContext) member(sig string) *CallChain {
	return memberOf(c.reg, c.object, sig)
}

// send queues a call from another service's fiber.
func (c *ServiceContext) send(caller *Fiber, sig string, args []Handle) *Future {
	return c.post(&message{this: c.object, sig: sig, args: args, caller: caller})
}

// post appends msg to the queue and makes sure the context gets scheduled.
func (c *ServiceContext) post(msg *message) *Future {
	if msg.future == nil {
		msg.future = NewFuture()
	}
	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		msg.future.Fail(fmt.Errorf("%w: %s", ErrServiceTerminated, c.name))
		return msg.future
	}
	c.queue = append(c.queue, msg)
	c.mu.Unlock()
	c.schedule()
	return msg.future
}

// schedule submits the context to the scheduler unless it is already
// scheduled, has nothing to do or the container has not started.
func (c *ServiceContext) schedule() {
	if !c.container.started.Load() {
		return
	}
	c.mu.Lock()
	if c.scheduled || c.terminated || !c.runnableLocked() {
		c.mu.Unlock()
		return
	}
	c.scheduled = true
	c.mu.Unlock()
	if !c.container.scheduler.submit(c.drain) {
		c.mu.Lock()
		c.scheduled = false
		c.mu.Unlock()
	}
}

func (c *ServiceContext) runnableLocked() bool {
	return len(c.ready) > 0 || c.admissibleLocked() >= 0
}

// admissibleLocked returns the index of the next message that may start a
// fiber under the reentrancy policy, or -1.
func (c *ServiceContext) admissibleLocked() int {
	if len(c.queue) == 0 {
		return -1
	}
	live := len(c.fibers) > 0
	switch c.reentrancy {
	case ReentrancyOpen:
		return 0
	case ReentrancyPrioritized:
		for i, m := range c.queue {
			if m.associated(c) {
				return i
			}
		}
		return 0
	case ReentrancyForbidden:
		if live {
			return -1
		}
		return 0
	default:
		if !live {
			return 0
		}
		for i, m := range c.queue {
			if m.associated(c) {
				return i
			}
		}
		return -1
	}
}

// nextFiber picks a ready fiber or starts one for an admissible message.
func (c *ServiceContext) nextFiber() *Fiber {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.terminated {
		return nil
	}
	if len(c.ready) > 0 {
		fb := c.ready[0]
		c.ready = c.ready[1:]
		return fb
	}
	i := c.admissibleLocked()
	if i < 0 {
		return nil
	}
	msg := c.queue[i]
	c.queue = append(c.queue[:i], c.queue[i+1:]...)
	if msg.alarm != nil {
		msg.alarm.dequeued = true
	}
	fb := newFiber(c, msg)
	c.fibers[fb.id] = fb
	c.msgs.Add(1)
	return fb
}

// drainBatch bounds the fiber slices run per scheduling turn.
const drainBatch = 16

// drain runs a batch of fiber slices. It is the only place frames of this
// context are stepped.
func (c *ServiceContext) drain() {
	c.enter()
	start := time.Now()
	for i := 0; i < drainBatch; i++ {
		fb := c.nextFiber()
		if fb == nil {
			break
		}
		status, err := c.runSlice(fb)
		if err != nil {
			c.exit()
			c.terminate(err)
			c.container.notifyIdle()
			return
		}
		c.settle(fb, status)
	}
	c.runtime.Add(int64(time.Since(start)))
	c.exit()

	c.mu.Lock()
	c.scheduled = false
	c.mu.Unlock()
	c.schedule()
	c.container.notifyIdle()
}

// enter and exit bracket stepping; overlapping brackets are counted as
// single-writer violations.
func (c *ServiceContext) enter() {
	if !c.stepping.CompareAndSwap(0, 1) {
		c.violations.Add(1)
		log.Errorf("%s: concurrent stepping detected", c)
	}
}

func (c *ServiceContext) exit() { c.stepping.Store(0) }

// runSlice executes fb for one quantum, turning a Go panic into a fault.
func (c *ServiceContext) runSlice(fb *Fiber) (status FiberStatus, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: internal fault in %s: %v", ErrServiceTerminated, c.name, r)
		}
	}()
	fb.setStatus(FiberRunning)
	if fb.frame == nil {
		if done := c.begin(fb); done {
			return FiberTerminated, nil
		}
	}
	return c.execute(fb), nil
}

// settle files a fiber after its slice.
func (c *ServiceContext) settle(fb *Fiber, status FiberStatus) {
	fb.setStatus(status)
	switch status {
	case FiberTerminated:
		c.mu.Lock()
		delete(c.fibers, fb.id)
		c.mu.Unlock()
		if fb.timer != nil {
			fb.timer.Stop()
		}
	case FiberPaused, FiberYielded:
		c.mu.Lock()
		c.ready = append(c.ready, fb)
		c.mu.Unlock()
	case FiberWaiting:
		pending := fb.frame.pending
		c.mu.Lock()
		c.waiting[fb] = true
		c.mu.Unlock()
		if !fb.deadline.IsZero() && fb.timer == nil {
			fb.timer = time.AfterFunc(time.Until(fb.deadline), func() { c.wake(fb) })
		}
		pending.OnComplete(func() { c.wake(fb) })
	}
}

// wake moves a waiting fiber back to the ready list.
func (c *ServiceContext) wake(fb *Fiber) {
	c.mu.Lock()
	if !c.waiting[fb] {
		c.mu.Unlock()
		return
	}
	delete(c.waiting, fb)
	c.ready = append(c.ready, fb)
	c.mu.Unlock()
	c.schedule()
}

// begin builds the first frame of a new fiber. It reports true when the
// message finished without needing one: natives run to completion here.
func (c *ServiceContext) begin(fb *Fiber) bool {
	msg := fb.msg
	chain := msg.chain
	if chain == nil {
		chain = memberOf(c.reg, msg.this, msg.sig)
	}
	if chain.IsEmpty() || msg.depth >= chain.Len() {
		ex := c.reg.NewException("Unsupported", fmt.Sprintf("%s does not understand %s", c.reg.CompositionOf(msg.this), msg.sig), nil)
		c.finish(fb, nil, ex)
		return true
	}
	body := chain.At(msg.depth)
	if body.IsNative() {
		f := nativeFrame(c, fb, body, msg.this)
		vals, err := body.Native(f, msg.this, msg.args)
		if err != nil {
			ex := c.reg.exceptionFromError(err)
			if ex.trace == nil {
				ex.trace = []string{body.ID()}
			}
			c.finish(fb, nil, ex)
			return true
		}
		c.finish(fb, vals, nil)
		return true
	}
	f, err := newFrame(c, body, chain, msg.depth, msg.this, msg.args)
	if err != nil {
		ex := c.reg.exceptionFromError(err)
		ex.trace = []string{body.ID()}
		c.finish(fb, nil, ex)
		return true
	}
	f.fiber = fb
	fb.frame = f
	c.frames.Add(1)
	return false
}

// execute steps fb's frames until the fiber finishes, waits, yields or
// uses up its quantum.
func (c *ServiceContext) execute(fb *Fiber) FiberStatus {
	f := fb.frame
	ops := 0
	defer func() { c.insts.Add(uint64(ops)) }()
	for ; ; ops++ {
		if c.quantum > 0 && ops >= c.quantum {
			fb.frame = f
			return FiberPaused
		}
		var r Result
		if f.pc >= len(f.code) {
			r = f.ret(nil)
		} else {
			in := &f.code[f.pc]
			f.pc++
			r = f.step(in)
		}

	settle:
		for {
			switch r {
			case StepNext:
				break settle
			case StepCall:
				f = f.next
				break settle
			case StepRepeat:
				f.pc--
				fb.frame = f
				if f.pending != nil {
					return FiberWaiting
				}
				return FiberYielded
			case StepReturn:
				caller := f.prev
				if caller == nil {
					c.finish(fb, f.results, nil)
					return FiberTerminated
				}
				callee := f
				f = caller
				r = caller.resume(callee)
			case StepException:
				handler, ex := unwind(f)
				if handler == nil {
					c.finish(fb, nil, ex)
					return FiberTerminated
				}
				f = handler
				break settle
			default:
				panic(fmt.Sprintf("%s: bad step result %d", f.body.ID(), int(r)))
			}
		}
	}
}

// unwind walks from f towards the outermost frame looking for a guard that
// accepts the pending exception. It returns the frame that will handle it,
// or nil and the exception when nothing does.
func unwind(f *Frame) (*Frame, *ExceptionHandle) {
	ex := f.exception
	for fr := f; fr != nil; fr = fr.prev {
		fr.next = nil
		fr.pending = nil
		if fr.handle(ex) {
			return fr, nil
		}
		fr.exception = nil
	}
	return nil, ex
}

// finish completes the fiber's future.
func (c *ServiceContext) finish(fb *Fiber, results []Handle, ex *ExceptionHandle) {
	fb.frame = nil
	fut := fb.msg.future
	if ex == nil && !fb.msg.local {
		results = c.export(results)
		if err := checkShareable("result", results); err != nil {
			ex = c.reg.exceptionFromError(err)
		}
	}
	if ex != nil {
		uh := &UnhandledException{Exception: ex, Trace: ex.Trace()}
		fut.Fail(uh)
		if c.onUnhandled != nil {
			c.onUnhandled(c, uh)
		}
		return
	}
	fut.Complete(results...)
}

// terminate tears the context down after an internal fault: queued and
// running work fails with ErrServiceTerminated and the arena slot is freed.
func (c *ServiceContext) terminate(cause error) {
	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		return
	}
	c.terminated = true
	queue := c.queue
	fibers := c.fibers
	c.queue = nil
	c.ready = nil
	c.waiting = make(map[*Fiber]bool)
	c.fibers = make(map[uint64]*Fiber)
	c.scheduled = false
	for _, m := range queue {
		if m.alarm != nil {
			m.alarm.dequeued = true
		}
	}
	c.mu.Unlock()

	err := fmt.Errorf("%w: %s: %v", ErrServiceTerminated, c.name, cause)
	for _, m := range queue {
		m.future.Fail(err)
	}
	for _, fb := range fibers {
		fb.setStatus(FiberTerminated)
		if fb.timer != nil {
			fb.timer.Stop()
		}
		fb.msg.future.Fail(err)
	}
	c.container.release(c)
	log.Errorf("%s terminated: %v", c, cause)
}
