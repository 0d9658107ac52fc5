package vm

import (
	"fmt"
	"strings"
)

// ArrayHandle is an ordered sequence of handles. Its composition carries the
// element type as the first generic binding (Array<Int>).
//
// Size-changing operations require Mutable; element replacement is allowed
// up to and including Persistent; Constant arrays reject every mutation.
// The mutability check always runs before the bounds check.
type ArrayHandle struct {
	comp  *Composition
	elems []Handle
	mut   Mutability
}

// NewArray creates a Mutable array holding capacity elements, each set to
// the element type's default value.
func NewArray(comp *Composition, capacity int) (*ArrayHandle, error) {
	if capacity < 0 {
		return nil, fmt.Errorf("%w: negative capacity %d", ErrIllegalArgument, capacity)
	}
	def := comp.ElementType().Default()
	elems := make([]Handle, capacity)
	for i := range elems {
		elems[i] = def
	}
	return &ArrayHandle{comp: comp, elems: elems}, nil
}

// NewArrayOf creates a Mutable array holding the given elements.
func NewArrayOf(comp *Composition, elems ...Handle) *ArrayHandle {
	cp := make([]Handle, len(elems))
	for i, e := range elems {
		cp[i] = orNull(e)
	}
	return &ArrayHandle{comp: comp, elems: cp}
}

func (a *ArrayHandle) Kind() Kind { return KindArray }

// Composition returns the array's type.
func (a *ArrayHandle) Composition() *Composition { return a.comp }

// Mutability returns the current lattice stage.
func (a *ArrayHandle) Mutability() Mutability { return a.mut }

// Size returns the element count.
func (a *ArrayHandle) Size() int { return len(a.elems) }

// Elements returns a copy of the elements.
func (a *ArrayHandle) Elements() []Handle {
	cp := make([]Handle, len(a.elems))
	copy(cp, a.elems)
	return cp
}

// Get returns the element at index i.
func (a *ArrayHandle) Get(i int) (Handle, error) {
	if i < 0 || i >= len(a.elems) {
		return nil, fmt.Errorf("%w: index %d, size %d", ErrOutOfBounds, i, len(a.elems))
	}
	return a.elems[i], nil
}

// Set replaces the element at index i.
func (a *ArrayHandle) Set(i int, v Handle) error {
	if !a.mut.canSet() {
		return fmt.Errorf("%w: set on %s array", ErrImmutableViolation, a.mut)
	}
	if i < 0 || i >= len(a.elems) {
		return fmt.Errorf("%w: index %d, size %d", ErrOutOfBounds, i, len(a.elems))
	}
	v = orNull(v)
	if err := a.checkElement(v); err != nil {
		return err
	}
	a.elems[i] = v
	return nil
}

// Add appends one element.
func (a *ArrayHandle) Add(v Handle) error {
	return a.AddAll(v)
}

// AddAll appends elements in order. Nothing is appended if any element is
// rejected.
func (a *ArrayHandle) AddAll(vs ...Handle) error {
	if !a.mut.canGrow() {
		return fmt.Errorf("%w: add to %s array", ErrImmutableViolation, a.mut)
	}
	add := make([]Handle, len(vs))
	for i, v := range vs {
		add[i] = orNull(v)
		if err := a.checkElement(add[i]); err != nil {
			return err
		}
	}
	a.elems = append(a.elems, add...)
	return nil
}

// Grow appends n default elements.
func (a *ArrayHandle) Grow(n int) error {
	if !a.mut.canGrow() {
		return fmt.Errorf("%w: grow %s array", ErrImmutableViolation, a.mut)
	}
	if n < 0 {
		return fmt.Errorf("%w: negative growth %d", ErrIllegalArgument, n)
	}
	def := a.comp.ElementType().Default()
	for ; n > 0; n-- {
		a.elems = append(a.elems, def)
	}
	return nil
}

// ToFixedSize freezes the array's size.
func (a *ArrayHandle) ToFixedSize() error { return a.moveTo(FixedSize) }

// ToPersistent advances the array to Persistent.
func (a *ArrayHandle) ToPersistent() error { return a.moveTo(Persistent) }

func (a *ArrayHandle) moveTo(m Mutability) error {
	next, err := a.mut.advance(m)
	if err != nil {
		return err
	}
	a.mut = next
	return nil
}

func (a *ArrayHandle) checkElement(v Handle) error {
	elem := a.comp.ElementType()
	if !elem.Accepts(v) {
		return fmt.Errorf("%w: %s is not %s", ErrTypeMismatch, v, elem)
	}
	return nil
}

func (a *ArrayHandle) String() string {
	var b strings.Builder
	b.WriteByte('[')
	for i, e := range a.elems {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(e.String())
	}
	b.WriteByte(']')
	return b.String()
}
