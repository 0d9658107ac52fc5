package vm

import (
	"fmt"
	"sync"
)

// ---------------------------------------------------------------------------
// Interner: deduplicated constants
// ---------------------------------------------------------------------------

// ConstHandle is an interned constant. Two constants with equal structure
// interned through the same Interner are the same *ConstHandle.
type ConstHandle struct {
	key   string
	value Handle
	owner *Interner
}

func (c *ConstHandle) Kind() Kind { return KindConst }

// Value returns the interned value.
func (c *ConstHandle) Value() Handle { return c.value }

// Key returns the canonical representation the constant is interned under.
func (c *ConstHandle) Key() string { return c.key }

func (c *ConstHandle) String() string { return c.value.String() }

// Interner deduplicates constant values by canonical representation. The
// table only grows; constants are bounded by the loaded program and whatever
// the host interns explicitly.
type Interner struct {
	mu    sync.RWMutex
	byKey map[string]*ConstHandle
	order []*ConstHandle
}

// NewInterner creates an empty interning table.
func NewInterner() *Interner {
	return &Interner{
		byKey: make(map[string]*ConstHandle),
		order: make([]*ConstHandle, 0, 64),
	}
}

// Intern returns the unique constant for h. The value must already be
// constant: primitives, strings, constants, or Constant arrays and structs.
func (in *Interner) Intern(h Handle) (*ConstHandle, error) {
	if c, ok := h.(*ConstHandle); ok {
		if in.Contains(c) {
			return c, nil
		}
		h = c.value
	}
	h = orNull(h)
	if !isConstantValue(h) {
		return nil, fmt.Errorf("%w: cannot intern non-constant %s", ErrIllegalArgument, h.Kind())
	}
	key := Canonical(h)

	// Fast path: read-only lookup
	in.mu.RLock()
	if c, ok := in.byKey[key]; ok {
		in.mu.RUnlock()
		return c, nil
	}
	in.mu.RUnlock()

	in.mu.Lock()
	defer in.mu.Unlock()

	// Double-check after acquiring write lock
	if c, ok := in.byKey[key]; ok {
		return c, nil
	}
	c := &ConstHandle{key: key, value: h, owner: in}
	in.byKey[key] = c
	in.order = append(in.order, c)
	return c, nil
}

// MustIntern is Intern for values known to be constant, such as literals.
func (in *Interner) MustIntern(h Handle) *ConstHandle {
	c, err := in.Intern(h)
	if err != nil {
		panic(err)
	}
	return c
}

// Contains reports whether c is the member of this table for its key.
func (in *Interner) Contains(c *ConstHandle) bool {
	if c == nil || c.owner != in {
		return false
	}
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.byKey[c.key] == c
}

// Lookup returns the constant interned under a canonical key.
func (in *Interner) Lookup(key string) (*ConstHandle, bool) {
	in.mu.RLock()
	defer in.mu.RUnlock()
	c, ok := in.byKey[key]
	return c, ok
}

// Equal compares two constants. Identity decides only when both are
// confirmed members; otherwise the values are compared structurally.
func (in *Interner) Equal(a, b *ConstHandle) bool {
	if in.Contains(a) && in.Contains(b) {
		return a == b
	}
	return Equal(a.value, b.value)
}

// Len returns the number of interned constants.
func (in *Interner) Len() int {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return len(in.order)
}

// isConstantValue reports whether h may be interned or shared as a constant.
func isConstantValue(h Handle) bool {
	switch v := h.(type) {
	case Primitive, Str, *ConstHandle:
		return true
	case *ArrayHandle:
		return v.mut == Constant
	case *StructHandle:
		return v.mut == Constant
	}
	return false
}
