package vm

import "fmt"

// Freeze moves h and everything reachable from it to Constant. Either the
// whole graph is frozen or, if some reachable value cannot be frozen (a
// pending future, say), nothing changes and an error is returned.
func Freeze(h Handle) error {
	seen := make(map[Handle]bool)
	if err := checkFreezable(orNull(h), seen); err != nil {
		return err
	}
	for v := range seen {
		switch x := v.(type) {
		case *ArrayHandle:
			x.mut = Constant
		case *StructHandle:
			x.mut = Constant
		}
	}
	return nil
}

func checkFreezable(h Handle, seen map[Handle]bool) error {
	switch v := h.(type) {
	case *ArrayHandle:
		if seen[v] {
			return nil
		}
		seen[v] = true
		for _, e := range v.elems {
			if err := checkFreezable(e, seen); err != nil {
				return err
			}
		}
	case *StructHandle:
		if seen[v] {
			return nil
		}
		seen[v] = true
		for _, s := range v.slots {
			if err := checkFreezable(s, seen); err != nil {
				return err
			}
		}
	case *FunctionHandle:
		// Bound arguments are reachable through the function.
		if seen[v] {
			return nil
		}
		seen[v] = true
		for _, b := range v.bound {
			if err := checkFreezable(b, seen); err != nil {
				return err
			}
		}
	case *Future:
		return fmt.Errorf("%w: a future cannot be frozen", ErrIllegalState)
	}
	return nil
}

// Shareable reports whether h may cross a service boundary without copying:
// primitives, strings, constants, Constant arrays and structs, exceptions,
// service proxies, futures and functions whose bound arguments are
// shareable. Functions stay bound to the service that created them, so
// calling one elsewhere becomes a message.
func Shareable(h Handle) bool {
	switch v := orNull(h).(type) {
	case Primitive, Str, *ConstHandle, *ExceptionHandle, *ServiceProxy, *Future:
		return true
	case *FunctionHandle:
		for _, b := range v.bound {
			if !Shareable(b) {
				return false
			}
		}
		return true
	case *ArrayHandle:
		return v.mut == Constant
	case *StructHandle:
		return v.mut == Constant
	}
	return false
}

// checkShareable validates every handle crossing a service boundary.
func checkShareable(what string, hs []Handle) error {
	for i, h := range hs {
		if !Shareable(h) {
			return fmt.Errorf("%w: %s %d is a %s %s", ErrNotShareable, what, i, mutabilityOf(h), h.Kind())
		}
	}
	return nil
}

func mutabilityOf(h Handle) Mutability {
	switch v := h.(type) {
	case *ArrayHandle:
		return v.mut
	case *StructHandle:
		return v.mut
	}
	return Constant
}
