package vm

import (
	"fmt"
	"strings"
)

// StructHandle is an object instance: one slot per property in the
// composition's layout order.
type StructHandle struct {
	comp  *Composition
	slots []Handle
	mut   Mutability
}

// NewStruct creates an instance from explicit slot values. The slot count
// must equal the composition's property count.
func NewStruct(comp *Composition, slots []Handle) (*StructHandle, error) {
	if len(slots) != comp.PropertyCount() {
		return nil, fmt.Errorf("%w: %s has %d properties, got %d slots",
			ErrIllegalArgument, comp, comp.PropertyCount(), len(slots))
	}
	cp := make([]Handle, len(slots))
	for i, s := range slots {
		cp[i] = orNull(s)
	}
	return &StructHandle{comp: comp, slots: cp}, nil
}

// newInstance creates an instance with every slot at its declared default.
func newInstance(comp *Composition) *StructHandle {
	slots := make([]Handle, comp.PropertyCount())
	for i, p := range comp.props {
		slots[i] = comp.propertyDefault(p)
	}
	return &StructHandle{comp: comp, slots: slots}
}

func (s *StructHandle) Kind() Kind { return KindStruct }

// Composition returns the instance's type.
func (s *StructHandle) Composition() *Composition { return s.comp }

// Mutability returns the current lattice stage.
func (s *StructHandle) Mutability() Mutability { return s.mut }

// Slot returns the value at slot i.
func (s *StructHandle) Slot(i int) (Handle, error) {
	if i < 0 || i >= len(s.slots) {
		return nil, fmt.Errorf("%w: slot %d of %s", ErrOutOfBounds, i, s.comp)
	}
	return s.slots[i], nil
}

// Field returns the value of the named property.
func (s *StructHandle) Field(name string) (Handle, error) {
	i, ok := s.comp.SlotIndex(name)
	if !ok {
		return nil, fmt.Errorf("%w: property %q of %s", ErrNotFound, name, s.comp)
	}
	return s.slots[i], nil
}

// SetSlot replaces the value at slot i.
func (s *StructHandle) SetSlot(i int, v Handle) error {
	if !s.mut.canSet() {
		return fmt.Errorf("%w: set slot on %s %s", ErrImmutableViolation, s.mut, s.comp)
	}
	if i < 0 || i >= len(s.slots) {
		return fmt.Errorf("%w: slot %d of %s", ErrOutOfBounds, i, s.comp)
	}
	s.slots[i] = orNull(v)
	return nil
}

// SetField replaces the value of the named property.
func (s *StructHandle) SetField(name string, v Handle) error {
	i, ok := s.comp.SlotIndex(name)
	if !ok {
		return fmt.Errorf("%w: property %q of %s", ErrNotFound, name, s.comp)
	}
	return s.SetSlot(i, v)
}

// ToPersistent advances the instance to Persistent.
func (s *StructHandle) ToPersistent() error {
	next, err := s.mut.advance(Persistent)
	if err != nil {
		return err
	}
	s.mut = next
	return nil
}

func (s *StructHandle) String() string {
	var b strings.Builder
	b.WriteString(s.comp.String())
	b.WriteByte('{')
	for i, p := range s.comp.props {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(p.Name)
		b.WriteByte('=')
		b.WriteString(s.slots[i].String())
	}
	b.WriteByte('}')
	return b.String()
}
