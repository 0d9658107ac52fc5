package vm

import "fmt"

// objectClass is the root of every class hierarchy.
const objectClass = "Object"

// builtins caches the compositions the engine needs on hot paths.
type builtins struct {
	object    *Composition
	boolean   *Composition
	integer   *Composition
	char      *Composition
	float     *Composition
	str       *Composition
	array     *Composition
	function  *Composition
	service   *Composition
	exception *Composition
	future    *Composition
}

// exceptionSubclasses are the exception classes raised by the engine itself.
var exceptionSubclasses = []string{
	"OutOfBounds",
	"ImmutableViolation",
	"IllegalState",
	"IllegalArgument",
	"NotFound",
	"TimedOut",
	"AssertionFailed",
	"DivisionByZero",
	"TypeMismatch",
	"Unsupported",
	"NotShareable",
	"ServiceTerminated",
}

// bootstrapBuiltins defines the core classes and their natives. It runs once
// per registry, before any user class is defined.
func bootstrapBuiltins(r *Registry) {
	classes := []*Class{
		{Name: objectClass},
		{Name: "Boolean", Const: true},
		{Name: "Int", Const: true},
		{Name: "Char", Const: true},
		{Name: "Float", Const: true},
		{Name: "String", Const: true},
		{Name: "Array", TypeParams: []string{"Element"}},
		{Name: "Function"},
		{Name: "Service", Abstract: true, Service: true},
		{Name: "Future"},
		{Name: "Exception"},
	}
	for _, name := range exceptionSubclasses {
		classes = append(classes, &Class{Name: name, Super: "Exception"})
	}
	for _, c := range classes {
		if err := r.Define(c); err != nil {
			panic(err)
		}
	}
	for _, nb := range builtinNatives() {
		if err := r.RegisterNative(nb); err != nil {
			panic(err)
		}
	}

	r.builtin = builtins{
		object:    r.MustLookup(objectClass),
		boolean:   r.MustLookup("Boolean"),
		integer:   r.MustLookup("Int"),
		char:      r.MustLookup("Char"),
		float:     r.MustLookup("Float"),
		str:       r.MustLookup("String"),
		array:     r.MustLookup("Array"),
		function:  r.MustLookup("Function"),
		service:   r.MustLookup("Service"),
		exception: r.MustLookup("Exception"),
		future:    r.MustLookup("Future"),
	}
	for _, name := range exceptionSubclasses {
		r.MustLookup(name)
	}
}

func builtinNatives() []NativeBinding {
	return []NativeBinding{
		// Object
		{Class: objectClass, Signature: "toString", Returns: 1, Fn: Native0(func(_ *Frame, this Handle) (Handle, error) {
			return Str(display(this)), nil
		})},
		{Class: objectClass, Signature: "equals", Params: 1, Returns: 1, Fn: Native1(func(_ *Frame, this, other Handle) (Handle, error) {
			return Bool(Equal(this, other)), nil
		})},

		// Array
		{Class: "Array", Signature: "size", Returns: 1, Fn: arrayNative0(func(a *ArrayHandle) (Handle, error) {
			return Int(int64(a.Size())), nil
		})},
		{Class: "Array", Signature: "get", Params: 1, Returns: 1, Fn: Native1(func(_ *Frame, this, i Handle) (Handle, error) {
			a, err := asArray(this)
			if err != nil {
				return nil, err
			}
			n, err := toIndex(i)
			if err != nil {
				return nil, err
			}
			return a.Get(n)
		})},
		{Class: "Array", Signature: "set", Params: 2, Fn: func(_ *Frame, this Handle, args []Handle) ([]Handle, error) {
			if len(args) != 2 {
				return nil, arityError(2, len(args))
			}
			a, err := asArray(this)
			if err != nil {
				return nil, err
			}
			n, err := toIndex(args[0])
			if err != nil {
				return nil, err
			}
			return nil, a.Set(n, args[1])
		}},
		{Class: "Array", Signature: "add", Params: 1, Fn: func(_ *Frame, this Handle, args []Handle) ([]Handle, error) {
			if len(args) != 1 {
				return nil, arityError(1, len(args))
			}
			a, err := asArray(this)
			if err != nil {
				return nil, err
			}
			return nil, a.Add(args[0])
		}},
		{Class: "Array", Signature: "toFixedSize", Fn: arrayMutator(func(a *ArrayHandle) error { return a.ToFixedSize() })},
		{Class: "Array", Signature: "toPersistent", Fn: arrayMutator(func(a *ArrayHandle) error { return a.ToPersistent() })},
		{Class: "Array", Signature: "freeze", Fn: arrayMutator(func(a *ArrayHandle) error { return Freeze(a) })},
		{Class: "Array", Signature: "mutability", Returns: 1, Fn: arrayNative0(func(a *ArrayHandle) (Handle, error) {
			return Str(a.Mutability().String()), nil
		})},

		// String
		{Class: "String", Signature: "size", Returns: 1, Fn: Native0(func(_ *Frame, this Handle) (Handle, error) {
			s, ok := Deref(this).(Str)
			if !ok {
				return nil, fmt.Errorf("%w: not a String: %s", ErrTypeMismatch, this)
			}
			return Int(int64(len([]rune(string(s))))), nil
		})},
		{Class: "String", Signature: "concat", Params: 1, Returns: 1, Fn: Native1(func(_ *Frame, this, other Handle) (Handle, error) {
			return Str(display(this) + display(other)), nil
		})},

		// Exception
		{Class: "Exception", Signature: "message", Returns: 1, Fn: Native0(func(_ *Frame, this Handle) (Handle, error) {
			ex, ok := this.(*ExceptionHandle)
			if !ok {
				return nil, fmt.Errorf("%w: not an exception: %s", ErrTypeMismatch, this)
			}
			return Str(ex.message), nil
		})},
		{Class: "Exception", Signature: "cause", Returns: 1, Fn: Native0(func(_ *Frame, this Handle) (Handle, error) {
			ex, ok := this.(*ExceptionHandle)
			if !ok {
				return nil, fmt.Errorf("%w: not an exception: %s", ErrTypeMismatch, this)
			}
			if ex.cause == nil {
				return Null, nil
			}
			return ex.cause, nil
		})},

		// Future
		{Class: "Future", Signature: "isDone", Returns: 1, Fn: Native0(func(_ *Frame, this Handle) (Handle, error) {
			fut, ok := this.(*Future)
			if !ok {
				return nil, fmt.Errorf("%w: not a future: %s", ErrTypeMismatch, this)
			}
			return Bool(fut.IsDone()), nil
		})},
	}
}

func asArray(h Handle) (*ArrayHandle, error) {
	a, ok := Deref(h).(*ArrayHandle)
	if !ok {
		return nil, fmt.Errorf("%w: not an array: %s", ErrTypeMismatch, h)
	}
	return a, nil
}

func arrayNative0(fn func(a *ArrayHandle) (Handle, error)) NativeFunc {
	return Native0(func(_ *Frame, this Handle) (Handle, error) {
		a, err := asArray(this)
		if err != nil {
			return nil, err
		}
		return fn(a)
	})
}

func arrayMutator(fn func(a *ArrayHandle) error) NativeFunc {
	return func(_ *Frame, this Handle, args []Handle) ([]Handle, error) {
		if len(args) != 0 {
			return nil, arityError(0, len(args))
		}
		a, err := asArray(this)
		if err != nil {
			return nil, err
		}
		return nil, fn(a)
	}
}
