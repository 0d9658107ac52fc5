package vm

import "fmt"

// Result tells the stepper what an instruction did.
type Result int

const (
	// StepNext advances to the next instruction of the same frame.
	StepNext Result = iota
	// StepCall means a callee frame was pushed; the stepper switches to it
	// and resumes the caller (through its continuation) when it returns.
	StepCall
	// StepException means the frame has a pending exception to unwind.
	StepException
	// StepRepeat retries the current instruction later, without advancing.
	StepRepeat
	// StepReturn pops the frame and hands its results to the caller.
	StepReturn
)

var resultNames = [...]string{"Next", "Call", "Exception", "Repeat", "Return"}

func (r Result) String() string {
	if int(r) < len(resultNames) {
		return resultNames[r]
	}
	return fmt.Sprintf("Result(%d)", int(r))
}

// Continuation runs in the caller once a callee frame returns. It receives
// the callee's results and decides how the caller proceeds.
type Continuation func(caller *Frame, results []Handle) Result

// guard is an active try region: either typed catch clauses or a finally
// block that receives whatever exception is in flight.
type guard struct {
	catches []Catch
	finally bool
	reg     int
	handler int
}

// ---------------------------------------------------------------------------
// Frame: one method activation
// ---------------------------------------------------------------------------

// Frame is the activation of one interpreted method. Frames form a linked
// stack per fiber through prev; next points at a callee that was pushed but
// has not run yet.
type Frame struct {
	ctx   *ServiceContext
	reg   *Registry
	fiber *Fiber
	body  MethodBody
	code  []Instruction
	chain *CallChain
	depth int
	this  Handle

	// Regs is the register file; parameters occupy the first registers.
	Regs   []Handle
	stack  []Handle
	guards []guard
	pc     int
	level  int

	exception *ExceptionHandle
	prev      *Frame
	next      *Frame
	cont      Continuation
	rets      []int
	toStack   bool
	results   []Handle

	pending *Future // cross-service call or awaited future for the current instruction
	yielded bool
}

// newFrame creates an activation for an interpreted body with bound
// arguments. Missing trailing arguments take their declared defaults.
func newFrame(ctx *ServiceContext, body MethodBody, chain *CallChain, depth int, this Handle, args []Handle) (*Frame, error) {
	m := body.Method
	if len(args) > len(m.Params) {
		return nil, fmt.Errorf("%w: %s takes %d arguments, got %d", ErrIllegalArgument, m.ID(), len(m.Params), len(args))
	}
	f := &Frame{
		ctx:   ctx,
		reg:   ctx.reg,
		body:  body,
		code:  m.Code,
		chain: chain,
		depth: depth,
		this:  orNull(this),
		Regs:  make([]Handle, m.registerCount()),
	}
	for i := range f.Regs {
		f.Regs[i] = Null
	}
	for i, p := range m.Params {
		switch {
		case i < len(args):
			f.Regs[i] = orNull(args[i])
		case p.Default != nil:
			f.Regs[i] = p.Default
		default:
			return nil, fmt.Errorf("%w: %s missing argument %q", ErrIllegalArgument, m.ID(), p.Name)
		}
	}
	return f, nil
}

// nativeFrame is the frame a native runs on when it is the target of a
// message rather than of an instruction.
func nativeFrame(ctx *ServiceContext, fb *Fiber, body MethodBody, this Handle) *Frame {
	return &Frame{ctx: ctx, reg: ctx.reg, fiber: fb, body: body, this: orNull(this)}
}

// Context returns the service context the frame runs on.
func (f *Frame) Context() *ServiceContext { return f.ctx }

// Registry returns the registry of the running program.
func (f *Frame) Registry() *Registry { return f.reg }

// This returns the receiver.
func (f *Frame) This() Handle { return f.this }

// Body returns the method body being executed.
func (f *Frame) Body() MethodBody { return f.body }

// PC returns the index of the current instruction.
func (f *Frame) PC() int { return f.pc }

// Caller returns the calling frame, or nil for the outermost frame.
func (f *Frame) Caller() *Frame { return f.prev }

// Exception returns the pending exception, if any.
func (f *Frame) Exception() *ExceptionHandle { return f.exception }

// GuardDepth returns the number of active guards.
func (f *Frame) GuardDepth() int { return len(f.guards) }

func (f *Frame) push(h Handle) { f.stack = append(f.stack, orNull(h)) }

func (f *Frame) pop() (Handle, bool) {
	if len(f.stack) == 0 {
		return nil, false
	}
	h := f.stack[len(f.stack)-1]
	f.stack = f.stack[:len(f.stack)-1]
	return h, true
}

// get reads a register. Out-of-range registers are a malformed program.
func (f *Frame) get(r int) Handle {
	if r < 0 || r >= len(f.Regs) {
		panic(fmt.Sprintf("%s: register r%d out of range at pc %d", f.body.ID(), r, f.pc))
	}
	return f.Regs[r]
}

func (f *Frame) set(r int, h Handle) {
	if r < 0 || r >= len(f.Regs) {
		panic(fmt.Sprintf("%s: register r%d out of range at pc %d", f.body.ID(), r, f.pc))
	}
	f.Regs[r] = orNull(h)
}

// assign stores call results positionally in the given registers, or on
// the operand stack.
func (f *Frame) assign(rets []int, toStack bool, vals []Handle) {
	if toStack {
		for _, v := range vals {
			f.push(v)
		}
		return
	}
	for i, r := range rets {
		if i < len(vals) {
			f.set(r, vals[i])
		} else {
			f.set(r, Null)
		}
	}
}

// ---------------------------------------------------------------------------
// Raising
// ---------------------------------------------------------------------------

// Raise makes err the pending exception and returns StepException.
func (f *Frame) Raise(err error) Result {
	return f.RaiseException(f.reg.exceptionFromError(err))
}

// RaiseException makes ex the pending exception. The frame trace is
// captured the first time an exception is raised.
func (f *Frame) RaiseException(ex *ExceptionHandle) Result {
	if ex.trace == nil {
		ex.trace = f.Trace()
	}
	f.exception = ex
	return StepException
}

// Throw creates and raises an exception of the named class.
func (f *Frame) Throw(class, format string, args ...any) Result {
	return f.RaiseException(f.reg.NewException(class, fmt.Sprintf(format, args...), nil))
}

// Trace returns the identifiers of the active frames, outermost first.
func (f *Frame) Trace() []string {
	var ids []string
	for fr := f; fr != nil; fr = fr.prev {
		ids = append(ids, fr.body.ID())
	}
	for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
		ids[i], ids[j] = ids[j], ids[i]
	}
	return ids
}

// ---------------------------------------------------------------------------
// Guards
// ---------------------------------------------------------------------------

func (f *Frame) pushGuard(g guard) { f.guards = append(f.guards, g) }

func (f *Frame) popGuard() {
	if len(f.guards) == 0 {
		panic(fmt.Sprintf("%s: guard stack underflow at pc %d", f.body.ID(), f.pc))
	}
	f.guards = f.guards[:len(f.guards)-1]
}

// handle looks for the innermost active guard accepting ex. On a match the
// guard and everything inside it is popped, the exception is bound to the
// clause's register and the pc moves to the handler.
func (f *Frame) handle(ex *ExceptionHandle) bool {
	for i := len(f.guards) - 1; i >= 0; i-- {
		g := f.guards[i]
		if g.finally {
			f.guards = f.guards[:i]
			f.set(g.reg, ex)
			f.pc = g.handler
			f.exception = nil
			return true
		}
		for _, c := range g.catches {
			if !f.catches(c.Type, ex) {
				continue
			}
			f.guards = f.guards[:i]
			f.set(c.Reg, ex)
			f.pc = c.Handler
			f.exception = nil
			return true
		}
	}
	return false
}

func (f *Frame) catches(typeName string, ex *ExceptionHandle) bool {
	t, err := f.reg.Lookup(typeName)
	if err != nil {
		return false
	}
	return ex.comp.IsA(t)
}
