package vm

import "fmt"

// NativeFunc is a Go implementation of a method. It runs on the caller's
// frame and returns the method's results, or an error that is raised as a
// language exception (an *ExceptionHandle is raised unchanged).
type NativeFunc func(f *Frame, this Handle, args []Handle) ([]Handle, error)

// Native0Func is a native taking no arguments and returning one value.
type Native0Func func(f *Frame, this Handle) (Handle, error)

// Native1Func is a native taking one argument.
type Native1Func func(f *Frame, this, arg Handle) (Handle, error)

// Native2Func is a native taking two arguments.
type Native2Func func(f *Frame, this, arg1, arg2 Handle) (Handle, error)

// ---------------------------------------------------------------------------
// Arity-specialized native wrappers
// ---------------------------------------------------------------------------

// Native0 adapts a zero-argument native.
func Native0(fn Native0Func) NativeFunc {
	return func(f *Frame, this Handle, args []Handle) ([]Handle, error) {
		if len(args) != 0 {
			return nil, arityError(0, len(args))
		}
		v, err := fn(f, this)
		return one(v, err)
	}
}

// Native1 adapts a one-argument native.
func Native1(fn Native1Func) NativeFunc {
	return func(f *Frame, this Handle, args []Handle) ([]Handle, error) {
		if len(args) != 1 {
			return nil, arityError(1, len(args))
		}
		v, err := fn(f, this, args[0])
		return one(v, err)
	}
}

// Native2 adapts a two-argument native.
func Native2(fn Native2Func) NativeFunc {
	return func(f *Frame, this Handle, args []Handle) ([]Handle, error) {
		if len(args) != 2 {
			return nil, arityError(2, len(args))
		}
		v, err := fn(f, this, args[0], args[1])
		return one(v, err)
	}
}

func one(v Handle, err error) ([]Handle, error) {
	if err != nil {
		return nil, err
	}
	return []Handle{orNull(v)}, nil
}

func arityError(want, got int) error {
	return fmt.Errorf("%w: expected %d arguments, got %d", ErrIllegalArgument, want, got)
}

// NativeBinding registers a native implementation for a class signature.
// Params and Returns describe the native when the class does not declare
// the method itself.
type NativeBinding struct {
	Class     string
	Signature string
	Params    int
	Returns   int
	Fn        NativeFunc
}

// ---------------------------------------------------------------------------
// Method bodies and call chains
// ---------------------------------------------------------------------------

// MethodBody is one implementation in a call chain: either a native Go
// function or an interpreted method.
type MethodBody struct {
	Class   *Class
	Sig     string
	Method  *Method    // interpreted code, or the declaration a native implements
	Native  NativeFunc // nil for interpreted bodies
	Params  int
	Returns int
}

// IsNative reports whether the body is implemented in Go.
func (b MethodBody) IsNative() bool { return b.Native != nil }

// ID returns "Class.sig".
func (b MethodBody) ID() string {
	if b.Class == nil {
		return b.Sig
	}
	return b.Class.Name + "." + b.Sig
}

// ParamCount returns the number of declared parameters.
func (b MethodBody) ParamCount() int {
	if b.Method != nil {
		return len(b.Method.Params)
	}
	return b.Params
}

// ReturnCount returns the declared number of results.
func (b MethodBody) ReturnCount() int {
	if b.Method != nil {
		return b.Method.Returns
	}
	return b.Returns
}

func (b MethodBody) String() string {
	if b.IsNative() {
		return b.ID() + " (native)"
	}
	return b.ID()
}

// CallChain lists the implementations of one signature from most-derived to
// base. The chain ends at the first native body. A super call from the body
// at depth d continues with the body at d+1.
type CallChain struct {
	Sig    string
	Bodies []MethodBody
}

// Len returns the number of bodies in the chain.
func (cc *CallChain) Len() int { return len(cc.Bodies) }

// IsEmpty reports whether no implementation exists.
func (cc *CallChain) IsEmpty() bool { return cc == nil || len(cc.Bodies) == 0 }

// Top returns the most-derived body.
func (cc *CallChain) Top() MethodBody { return cc.Bodies[0] }

// At returns the body at depth.
func (cc *CallChain) At(depth int) MethodBody { return cc.Bodies[depth] }

// Super returns the body a super call at depth continues with.
func (cc *CallChain) Super(depth int) (MethodBody, bool) {
	if depth+1 >= len(cc.Bodies) {
		return MethodBody{}, false
	}
	return cc.Bodies[depth+1], true
}

// IDs returns the body identifiers in chain order.
func (cc *CallChain) IDs() []string {
	ids := make([]string, len(cc.Bodies))
	for i, b := range cc.Bodies {
		ids[i] = b.ID()
	}
	return ids
}
