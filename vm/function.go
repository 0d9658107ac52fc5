package vm

import (
	"fmt"
	"strings"
)

// FunctionHandle references a method body together with a bound receiver and
// bound leading arguments. Binding produces a new handle; the original is
// never modified.
//
// A function remembers the service context that created it. Calling it from
// any other context routes the call through the owner as a message, so the
// receiver's state is still only touched by its own service.
type FunctionHandle struct {
	comp  *Composition
	body  MethodBody
	chain *CallChain
	depth int
	this  Handle
	bound []Handle
	owner *ServiceContext
}

// NewFunction creates an unbound function for a call-chain position.
func NewFunction(comp *Composition, chain *CallChain, depth int, this Handle) *FunctionHandle {
	return &FunctionHandle{
		comp:  comp,
		body:  chain.At(depth),
		chain: chain,
		depth: depth,
		this:  orNull(this),
	}
}

// NewNativeFunction wraps a Go function as a function handle.
func NewNativeFunction(comp *Composition, name string, params, returns int, fn NativeFunc) *FunctionHandle {
	body := MethodBody{Sig: name, Native: fn, Params: params, Returns: returns}
	return &FunctionHandle{
		comp:  comp,
		body:  body,
		chain: &CallChain{Sig: name, Bodies: []MethodBody{body}},
		this:  Null,
	}
}

func (fn *FunctionHandle) Kind() Kind { return KindFunction }

// Composition returns the Function type.
func (fn *FunctionHandle) Composition() *Composition { return fn.comp }

// Body returns the method body the function invokes.
func (fn *FunctionHandle) Body() MethodBody { return fn.body }

// Bound returns a copy of the bound leading arguments.
func (fn *FunctionHandle) Bound() []Handle {
	cp := make([]Handle, len(fn.bound))
	copy(cp, fn.bound)
	return cp
}

// Arity returns the number of arguments still expected.
func (fn *FunctionHandle) Arity() int {
	n := fn.body.ParamCount() - len(fn.bound)
	if n < 0 {
		return 0
	}
	return n
}

// Bind returns a new function with args appended to the bound arguments.
func (fn *FunctionHandle) Bind(args ...Handle) (*FunctionHandle, error) {
	if len(args) > fn.Arity() {
		return nil, fmt.Errorf("%w: binding %d arguments to %s with arity %d",
			ErrIllegalArgument, len(args), fn.body.ID(), fn.Arity())
	}
	bound := make([]Handle, 0, len(fn.bound)+len(args))
	bound = append(bound, fn.bound...)
	for _, a := range args {
		bound = append(bound, orNull(a))
	}
	cp := *fn
	cp.bound = bound
	return &cp, nil
}

// arguments returns the bound arguments followed by args.
func (fn *FunctionHandle) arguments(args []Handle) []Handle {
	all := make([]Handle, 0, len(fn.bound)+len(args))
	all = append(all, fn.bound...)
	return append(all, args...)
}

func (fn *FunctionHandle) String() string {
	var b strings.Builder
	b.WriteString("fn ")
	b.WriteString(fn.body.ID())
	if len(fn.bound) > 0 {
		b.WriteByte('(')
		for i, a := range fn.bound {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(a.String())
		}
		b.WriteString(", ...)")
	}
	return b.String()
}
