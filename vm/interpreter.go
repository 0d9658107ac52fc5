package vm

import (
	"fmt"
	"math"
	"strings"
)

// maxFrameDepth bounds the frames of one fiber.
const maxFrameDepth = 4096

// ---------------------------------------------------------------------------
// Instruction stepping
// ---------------------------------------------------------------------------

// step executes one instruction. The pc has already been advanced past it,
// so branches simply overwrite f.pc and StepRepeat is undone by the caller.
func (f *Frame) step(in *Instruction) Result {
	switch in.Op {
	// --- Loads and moves ---
	case OpNop:

	case OpLoadConst:
		f.set(in.A, in.Value)

	case OpLoadNull:
		f.set(in.A, Null)

	case OpLoadThis:
		f.set(in.A, f.this)

	case OpMove:
		f.set(in.A, f.get(in.B))

	case OpPush:
		f.push(f.get(in.A))

	case OpPop:
		v, ok := f.pop()
		if !ok {
			return f.Throw("IllegalState", "operand stack is empty")
		}
		f.set(in.A, v)

	// --- Arithmetic and comparison ---
	case OpAdd, OpSub, OpMul, OpDiv, OpMod:
		v, err := arithmetic(in.Op, Deref(f.get(in.B)), Deref(f.get(in.C)))
		if err != nil {
			return f.Raise(err)
		}
		f.set(in.A, v)

	case OpNeg:
		switch x := Deref(f.get(in.B)).(type) {
		case Primitive:
			switch x.kind {
			case KindInt:
				f.set(in.A, Int(-x.AsInt()))
				return StepNext
			case KindFloat:
				f.set(in.A, Float(-x.AsFloat()))
				return StepNext
			}
		}
		return f.Throw("TypeMismatch", "cannot negate %s", f.get(in.B))

	case OpNot:
		x, ok := Deref(f.get(in.B)).(Primitive)
		if !ok || x.kind != KindBool {
			return f.Throw("TypeMismatch", "not a Boolean: %s", f.get(in.B))
		}
		f.set(in.A, Bool(!x.AsBool()))

	case OpIsEq:
		f.set(in.A, Bool(Equal(f.get(in.B), f.get(in.C))))

	case OpIsNotEq:
		f.set(in.A, Bool(!Equal(f.get(in.B), f.get(in.C))))

	case OpIsLt, OpIsLte, OpIsGt, OpIsGte:
		c, err := compare(Deref(f.get(in.B)), Deref(f.get(in.C)))
		if err != nil {
			return f.Raise(err)
		}
		var b bool
		switch in.Op {
		case OpIsLt:
			b = c < 0
		case OpIsLte:
			b = c <= 0
		case OpIsGt:
			b = c > 0
		case OpIsGte:
			b = c >= 0
		}
		f.set(in.A, Bool(b))

	case OpIsNull:
		f.set(in.A, Bool(IsNull(f.get(in.B))))

	case OpIsType:
		t, err := f.reg.Lookup(in.Type)
		if err != nil {
			return f.Raise(err)
		}
		v := f.get(in.B)
		f.set(in.A, Bool(!IsNull(v) && f.reg.CompositionOf(v).IsA(t)))

	// --- Control flow ---
	case OpJump:
		f.pc = in.Jump

	case OpJumpTrue:
		if Truthy(Deref(f.get(in.A))) {
			f.pc = in.Jump
		}

	case OpJumpFalse:
		if !Truthy(Deref(f.get(in.A))) {
			f.pc = in.Jump
		}

	case OpJumpNull:
		if IsNull(f.get(in.A)) {
			f.pc = in.Jump
		}

	case OpAssert:
		if !Truthy(Deref(f.get(in.A))) {
			msg := in.Name
			if msg == "" {
				msg = fmt.Sprintf("assertion failed at %s:%d", f.body.ID(), f.pc-1)
			}
			return f.Throw("AssertionFailed", "%s", msg)
		}

	case OpYield:
		if !f.yielded {
			f.yielded = true
			return StepRepeat
		}
		f.yielded = false

	case OpAwait:
		if f.pending == nil {
			fut, ok := f.get(in.B).(*Future)
			if !ok {
				f.assign(in.Rets, in.Stack, []Handle{f.get(in.B)})
				return StepNext
			}
			f.pending = fut
		}
		return f.awaitPending(in)

	// --- Calls ---
	case OpInvoke, OpInvokeAsync:
		return f.invoke(in)

	case OpInvokeSuper:
		if f.chain == nil {
			return f.Throw("Unsupported", "%s has no super chain", f.body.ID())
		}
		if _, ok := f.chain.Super(f.depth); !ok {
			return f.Throw("Unsupported", "%s has no super implementation", f.body.ID())
		}
		return f.call(f.chain, f.depth+1, f.this, f.args(in.Args), in.Rets, in.Stack, nil)

	case OpCallFunc:
		return f.callFunction(in)

	case OpMakeFunc:
		chain := f.reg.CompositionOf(f.this).CallChain(in.Name)
		if chain.IsEmpty() {
			return f.Throw("Unsupported", "%s does not understand %s", f.reg.CompositionOf(f.this), in.Name)
		}
		fn := NewFunction(f.reg.builtin.function, chain, 0, f.this)
		fn.owner = f.ctx
		bound, err := fn.Bind(f.args(in.Args)...)
		if err != nil {
			return f.Raise(err)
		}
		f.set(in.A, bound)

	case OpBind:
		fn, ok := f.get(in.B).(*FunctionHandle)
		if !ok {
			return f.Throw("TypeMismatch", "not a function: %s", f.get(in.B))
		}
		bound, err := fn.Bind(f.args(in.Args)...)
		if err != nil {
			return f.Raise(err)
		}
		f.set(in.A, bound)

	case OpNew:
		return f.instantiate(in)

	case OpInject:
		h, err := f.ctx.container.Inject(in.Type, in.Name)
		if err != nil {
			return f.Raise(err)
		}
		f.set(in.A, h)

	case OpReturn0:
		return f.ret(nil)

	case OpReturn1:
		return f.ret([]Handle{f.get(in.A)})

	case OpReturnN:
		return f.ret(f.args(in.Args))

	// --- Properties and arrays ---
	case OpGetProp:
		return f.getProperty(in)

	case OpSetProp:
		return f.setProperty(in)

	case OpNewArray:
		typ := "Array"
		if in.Type != "" {
			typ = "Array<" + in.Type + ">"
		}
		comp, err := f.reg.Lookup(typ)
		if err != nil {
			return f.Raise(err)
		}
		n, err := toIndex(f.get(in.B))
		if err != nil {
			return f.Raise(err)
		}
		arr, err := NewArray(comp, n)
		if err != nil {
			return f.Raise(err)
		}
		f.set(in.A, arr)

	case OpArrayGet:
		arr, err := f.array(in.B)
		if err != nil {
			return f.Raise(err)
		}
		i, err := toIndex(f.get(in.C))
		if err != nil {
			return f.Raise(err)
		}
		v, err := arr.Get(i)
		if err != nil {
			return f.Raise(err)
		}
		f.set(in.A, v)

	case OpArraySet:
		arr, err := f.array(in.A)
		if err != nil {
			return f.Raise(err)
		}
		i, err := toIndex(f.get(in.B))
		if err != nil {
			return f.Raise(err)
		}
		if err := arr.Set(i, f.get(in.C)); err != nil {
			return f.Raise(err)
		}

	case OpArrayAdd:
		arr, err := f.array(in.A)
		if err != nil {
			return f.Raise(err)
		}
		if err := arr.Add(f.get(in.B)); err != nil {
			return f.Raise(err)
		}

	case OpArraySize:
		switch v := Deref(f.get(in.B)).(type) {
		case *ArrayHandle:
			f.set(in.A, Int(int64(v.Size())))
		case Str:
			f.set(in.A, Int(int64(len([]rune(string(v))))))
		default:
			return f.Throw("TypeMismatch", "no size: %s", v)
		}

	// --- Exceptions ---
	case OpGuardEnter:
		f.pushGuard(guard{catches: in.Catches})

	case OpGuardAll:
		f.set(in.A, Null)
		f.pushGuard(guard{finally: true, reg: in.A, handler: in.Jump})

	case OpGuardExit:
		f.popGuard()
		f.pc = in.Jump

	case OpCatchEnd:
		f.pc = in.Jump

	case OpFinallyEnd:
		if ex, ok := f.get(in.A).(*ExceptionHandle); ok {
			return f.RaiseException(ex)
		}

	case OpThrow:
		ex, ok := f.get(in.A).(*ExceptionHandle)
		if !ok {
			return f.Throw("TypeMismatch", "cannot throw %s", f.get(in.A))
		}
		return f.RaiseException(ex)

	default:
		panic(fmt.Sprintf("%s: unknown opcode %s at pc %d", f.body.ID(), in.Op, f.pc-1))
	}
	return StepNext
}

// args collects argument registers.
func (f *Frame) args(regs []int) []Handle {
	out := make([]Handle, len(regs))
	for i, r := range regs {
		out[i] = f.get(r)
	}
	return out
}

// array reads an array register, looking through constants.
func (f *Frame) array(r int) (*ArrayHandle, error) {
	arr, ok := Deref(f.get(r)).(*ArrayHandle)
	if !ok {
		return nil, fmt.Errorf("%w: not an array: %s", ErrTypeMismatch, f.get(r))
	}
	return arr, nil
}

// ret finishes the frame with vals after checking the declared count.
func (f *Frame) ret(vals []Handle) Result {
	if want := f.body.ReturnCount(); len(vals) != want {
		return f.Throw("IllegalState", "%s returns %d values, got %d", f.body.ID(), want, len(vals))
	}
	f.guards = nil
	f.results = vals
	return StepReturn
}

// resume hands a returning callee's results to this (the calling) frame.
func (f *Frame) resume(callee *Frame) Result {
	f.next = nil
	if callee.cont != nil {
		if r := callee.cont(f, callee.results); r != StepRepeat {
			return r
		}
		return StepNext
	}
	f.assign(callee.rets, callee.toStack, callee.results)
	return StepNext
}

// ---------------------------------------------------------------------------
// Calls
// ---------------------------------------------------------------------------

// call invokes the body at depth in chain. Natives run immediately on this
// frame; interpreted bodies get a new frame and StepCall is returned.
func (f *Frame) call(chain *CallChain, depth int, this Handle, args []Handle, rets []int, toStack bool, cont Continuation) Result {
	body := chain.At(depth)
	if body.IsNative() {
		vals, err := body.Native(f, this, args)
		if err != nil {
			ex := f.reg.exceptionFromError(err)
			if ex.trace == nil {
				ex.trace = append(f.Trace(), body.ID())
			}
			return f.RaiseException(ex)
		}
		if cont != nil {
			return cont(f, vals)
		}
		f.assign(rets, toStack, vals)
		return StepNext
	}

	if f.level+1 >= maxFrameDepth {
		return f.Throw("IllegalState", "stack overflow calling %s", body.ID())
	}
	callee, err := newFrame(f.ctx, body, chain, depth, this, args)
	if err != nil {
		return f.Raise(err)
	}
	callee.fiber = f.fiber
	callee.prev = f
	callee.level = f.level + 1
	callee.rets = rets
	callee.toStack = toStack
	callee.cont = cont
	f.next = callee
	f.ctx.frames.Add(1)
	return StepCall
}

// invoke handles INVOKE and INVOKE_ASYNC.
func (f *Frame) invoke(in *Instruction) Result {
	target := Deref(f.get(in.A))
	args := f.args(in.Args)
	async := in.Op == OpInvokeAsync

	if p, ok := target.(*ServiceProxy); ok {
		return f.invokeService(in, p, in.Name, args, async)
	}
	if IsNull(target) {
		return f.Throw("IllegalState", "%s invoked on null", in.Name)
	}
	chain := f.reg.CompositionOf(target).CallChain(in.Name)
	if chain.IsEmpty() {
		return f.Throw("Unsupported", "%s does not understand %s", f.reg.CompositionOf(target), in.Name)
	}
	if async {
		fut := f.ctx.post(&message{this: target, chain: chain, args: args, caller: f.fiber, local: true})
		f.assign(in.Rets, in.Stack, []Handle{fut})
		return StepNext
	}
	return f.call(chain, 0, target, args, in.Rets, in.Stack, nil)
}

// invokeService calls sig on a service. Calls into the running service are
// plain synchronous calls. Calls into other services become messages: the
// async form stores the future, the sync form waits for it without holding
// the host thread.
func (f *Frame) invokeService(in *Instruction, p *ServiceProxy, sig string, args []Handle, async bool) Result {
	target, err := p.Context()
	if err != nil {
		return f.Raise(err)
	}
	if target == f.ctx {
		chain := target.member(sig)
		if chain.IsEmpty() {
			return f.Throw("Unsupported", "%s does not understand %s", p.comp, sig)
		}
		if async {
			fut := f.ctx.post(&message{this: target.object, chain: chain, args: args, caller: f.fiber, local: true})
			f.assign(in.Rets, in.Stack, []Handle{fut})
			return StepNext
		}
		return f.call(chain, 0, target.object, args, in.Rets, in.Stack, nil)
	}

	if f.pending == nil {
		args = f.ctx.export(args)
		if err := checkShareable("argument", args); err != nil {
			return f.Raise(err)
		}
		fut := target.send(f.fiber, sig, args)
		if async {
			f.assign(in.Rets, in.Stack, []Handle{fut})
			return StepNext
		}
		f.pending = fut
	}
	return f.awaitPending(in)
}

// awaitPending completes an instruction waiting on f.pending. Until the
// future is done the instruction repeats and the fiber waits.
func (f *Frame) awaitPending(in *Instruction) Result {
	fut := f.pending
	if !fut.IsDone() {
		if f.fiber != nil && f.fiber.expired() {
			f.pending = nil
			return f.Throw("TimedOut", "%s timed out waiting at pc %d", f.body.ID(), f.pc-1)
		}
		return StepRepeat
	}
	f.pending = nil
	vals, err := fut.Result()
	if err != nil {
		return f.Raise(err)
	}
	f.assign(in.Rets, in.Stack, vals)
	return StepNext
}

// callFunction handles CALL on a function handle.
func (f *Frame) callFunction(in *Instruction) Result {
	fn, ok := f.get(in.A).(*FunctionHandle)
	if !ok {
		return f.Throw("TypeMismatch", "not a function: %s", f.get(in.A))
	}
	args := fn.arguments(f.args(in.Args))
	if fn.owner == nil || fn.owner == f.ctx {
		return f.call(fn.chain, fn.depth, fn.this, args, in.Rets, in.Stack, nil)
	}
	if f.pending == nil {
		args = f.ctx.export(args)
		if err := checkShareable("argument", args); err != nil {
			return f.Raise(err)
		}
		f.pending = fn.owner.post(&message{
			this: fn.this, chain: fn.chain, depth: fn.depth,
			args: args, caller: f.fiber, future: NewFuture(),
		})
	}
	return f.awaitPending(in)
}

// instantiate handles NEW.
func (f *Frame) instantiate(in *Instruction) Result {
	comp, err := f.reg.Lookup(in.Type)
	if err != nil {
		return f.Raise(err)
	}
	cls := comp.class
	args := f.args(in.Args)
	switch {
	case cls.Abstract || cls.Mixin:
		return f.Throw("IllegalState", "cannot instantiate abstract %s", comp)

	case comp.IsA(f.reg.builtin.exception):
		ex := &ExceptionHandle{comp: comp}
		if len(args) > 0 {
			if s, ok := Deref(args[0]).(Str); ok {
				ex.message = string(s)
			} else if !IsNull(args[0]) {
				ex.message = args[0].String()
			}
		}
		if len(args) > 1 {
			ex.cause, _ = args[1].(*ExceptionHandle)
		}
		f.set(in.A, ex)
		return StepNext

	case cls == f.reg.builtin.array.class:
		n := 0
		if len(args) > 0 {
			if n, err = toIndex(args[0]); err != nil {
				return f.Raise(err)
			}
		}
		arr, err := NewArray(comp, n)
		if err != nil {
			return f.Raise(err)
		}
		f.set(in.A, arr)
		return StepNext

	case cls.Service:
		args = f.ctx.export(args)
		if err := checkShareable("argument", args); err != nil {
			return f.Raise(err)
		}
		proxy, err := f.ctx.container.newService(comp, cls.Name, args, f.fiber)
		if err != nil {
			return f.Raise(err)
		}
		f.set(in.A, proxy)
		return StepNext
	}

	inst := newInstance(comp)
	finish := func(caller *Frame, _ []Handle) Result {
		if cls.Const {
			if err := Freeze(inst); err != nil {
				return caller.Raise(err)
			}
		}
		caller.set(in.A, inst)
		return StepNext
	}
	chain := comp.CallChain(constructorSignature)
	if chain.IsEmpty() {
		if len(args) > 0 {
			return f.Throw("IllegalArgument", "%s has no constructor taking %d arguments", comp, len(args))
		}
		return finish(f, nil)
	}
	return f.call(chain, 0, inst, args, nil, false, finish)
}

// constructorSignature is the method run on new instances.
const constructorSignature = "construct"

// getProperty handles GET_PROP. C=1 reads the slot directly, which is how
// accessors reach their own storage.
func (f *Frame) getProperty(in *Instruction) Result {
	obj := Deref(f.get(in.B))
	sig := GetterSignature(in.Name)
	if p, ok := obj.(*ServiceProxy); ok {
		return f.invokeService(&Instruction{Rets: []int{in.A}}, p, sig, nil, false)
	}
	if s, ok := obj.(*StructHandle); ok && in.C == 1 {
		v, err := s.Field(in.Name)
		if err != nil {
			return f.Raise(err)
		}
		f.set(in.A, v)
		return StepNext
	}
	chain := memberOf(f.reg, obj, sig)
	if chain.IsEmpty() {
		return f.Throw("Unsupported", "%s has no property %s", f.reg.CompositionOf(obj), in.Name)
	}
	return f.call(chain, 0, obj, nil, []int{in.A}, false, nil)
}

// setProperty handles SET_PROP.
func (f *Frame) setProperty(in *Instruction) Result {
	obj := Deref(f.get(in.A))
	val := f.get(in.B)
	sig := SetterSignature(in.Name)
	if p, ok := obj.(*ServiceProxy); ok {
		return f.invokeService(&Instruction{}, p, sig, []Handle{val}, false)
	}
	if s, ok := obj.(*StructHandle); ok && in.C == 1 {
		if err := s.SetField(in.Name, val); err != nil {
			return f.Raise(err)
		}
		return StepNext
	}
	chain := memberOf(f.reg, obj, sig)
	if chain.IsEmpty() {
		return f.Throw("Unsupported", "%s has no property %s", f.reg.CompositionOf(obj), in.Name)
	}
	return f.call(chain, 0, obj, []Handle{val}, nil, false, nil)
}

// memberOf resolves sig on a value. Properties without declared accessors
// get direct slot accessors.
func memberOf(reg *Registry, obj Handle, sig string) *CallChain {
	comp := reg.CompositionOf(obj)
	if chain := comp.CallChain(sig); !chain.IsEmpty() {
		return chain
	}
	var name string
	var getter bool
	switch {
	case strings.HasPrefix(sig, "get:"):
		name, getter = sig[4:], true
	case strings.HasPrefix(sig, "set:"):
		name = sig[4:]
	default:
		return nil
	}
	if _, ok := comp.SlotIndex(name); !ok {
		return nil
	}
	body := MethodBody{Class: comp.class, Sig: sig}
	if getter {
		body.Returns = 1
		body.Native = Native0(func(_ *Frame, this Handle) (Handle, error) {
			s, ok := this.(*StructHandle)
			if !ok {
				return nil, fmt.Errorf("%w: %s has no slots", ErrTypeMismatch, this)
			}
			return s.Field(name)
		})
	} else {
		body.Params = 1
		body.Native = func(_ *Frame, this Handle, args []Handle) ([]Handle, error) {
			s, ok := this.(*StructHandle)
			if !ok || len(args) != 1 {
				return nil, fmt.Errorf("%w: cannot set %s on %s", ErrTypeMismatch, name, this)
			}
			return nil, s.SetField(name, args[0])
		}
	}
	return &CallChain{Sig: sig, Bodies: []MethodBody{body}}
}

// ---------------------------------------------------------------------------
// Primitive operations
// ---------------------------------------------------------------------------

// Deref looks through interned constants to the value they hold.
func Deref(h Handle) Handle {
	if c, ok := h.(*ConstHandle); ok {
		return c.value
	}
	return orNull(h)
}

func toIndex(h Handle) (int, error) {
	p, ok := Deref(h).(Primitive)
	if !ok || p.kind != KindInt {
		return 0, fmt.Errorf("%w: index must be an Int, got %s", ErrTypeMismatch, h)
	}
	return int(p.AsInt()), nil
}

func arithmetic(op Opcode, a, b Handle) (Handle, error) {
	if op == OpAdd {
		if sa, ok := a.(Str); ok {
			return Str(string(sa) + display(b)), nil
		}
		if sb, ok := b.(Str); ok {
			return Str(display(a) + string(sb)), nil
		}
	}
	x, okx := a.(Primitive)
	y, oky := b.(Primitive)
	if !okx || !oky || !isNumber(x) || !isNumber(y) {
		return nil, fmt.Errorf("%w: %s %s %s", ErrTypeMismatch, a, op, b)
	}
	if x.kind == KindInt && y.kind == KindInt {
		return primitiveInt(op, x.AsInt(), y.AsInt())
	}
	return primitiveFloat(op, x.AsFloat(), y.AsFloat())
}

func primitiveInt(op Opcode, x, y int64) (Handle, error) {
	switch op {
	case OpAdd:
		return Int(x + y), nil
	case OpSub:
		return Int(x - y), nil
	case OpMul:
		return Int(x * y), nil
	case OpDiv, OpMod:
		if y == 0 {
			return nil, ErrDivisionByZero
		}
		if op == OpDiv {
			return Int(x / y), nil
		}
		return Int(x % y), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupported, op)
}

func primitiveFloat(op Opcode, x, y float64) (Handle, error) {
	switch op {
	case OpAdd:
		return Float(x + y), nil
	case OpSub:
		return Float(x - y), nil
	case OpMul:
		return Float(x * y), nil
	case OpDiv:
		if y == 0 {
			return nil, ErrDivisionByZero
		}
		return Float(x / y), nil
	case OpMod:
		if y == 0 {
			return nil, ErrDivisionByZero
		}
		return Float(math.Mod(x, y)), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupported, op)
}

func isNumber(p Primitive) bool { return p.kind == KindInt || p.kind == KindFloat }

// compare orders numbers, chars and strings.
func compare(a, b Handle) (int, error) {
	switch x := a.(type) {
	case Primitive:
		y, ok := b.(Primitive)
		if !ok {
			break
		}
		switch {
		case isNumber(x) && isNumber(y):
			if x.kind == KindInt && y.kind == KindInt {
				return cmp(x.AsInt(), y.AsInt()), nil
			}
			fx, fy := x.AsFloat(), y.AsFloat()
			switch {
			case fx < fy:
				return -1, nil
			case fx > fy:
				return 1, nil
			}
			return 0, nil
		case x.kind == KindChar && y.kind == KindChar:
			return cmp(int64(x.AsChar()), int64(y.AsChar())), nil
		}
	case Str:
		if y, ok := b.(Str); ok {
			return strings.Compare(string(x), string(y)), nil
		}
	}
	return 0, fmt.Errorf("%w: cannot compare %s with %s", ErrTypeMismatch, a, b)
}

func cmp(x, y int64) int {
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	}
	return 0
}

// display renders a handle for string concatenation: strings unquoted,
// everything else as printed.
func display(h Handle) string {
	if s, ok := Deref(h).(Str); ok {
		return string(s)
	}
	return orNull(h).String()
}
