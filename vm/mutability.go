package vm

import "fmt"

// Mutability is a stage in the lattice Mutable -> FixedSize -> Persistent ->
// Constant. Transitions only ever move forward.
type Mutability uint8

const (
	// Mutable values may change size and content.
	Mutable Mutability = iota
	// FixedSize values may change content but never size.
	FixedSize
	// Persistent values keep their size; elements may still be replaced.
	Persistent
	// Constant values are immutable and may be shared across services.
	Constant
)

var mutabilityNames = [...]string{"Mutable", "FixedSize", "Persistent", "Constant"}

func (m Mutability) String() string {
	if int(m) < len(mutabilityNames) {
		return mutabilityNames[m]
	}
	return fmt.Sprintf("Mutability(%d)", m)
}

// ParseMutability maps a stage name back to its value.
func ParseMutability(s string) (Mutability, error) {
	for i, n := range mutabilityNames {
		if n == s {
			return Mutability(i), nil
		}
	}
	return Mutable, fmt.Errorf("unknown mutability %q", s)
}

// canGrow reports whether a value at this stage may change its size.
func (m Mutability) canGrow() bool { return m == Mutable }

// canSet reports whether a value at this stage may replace an element.
func (m Mutability) canSet() bool { return m < Constant }

// advance returns the stage after moving to target, refusing regressions.
// Moving to the current stage is a no-op.
func (m Mutability) advance(target Mutability) (Mutability, error) {
	if target < m {
		return m, fmt.Errorf("%w: %s -> %s", ErrMutabilityRegression, m, target)
	}
	return target, nil
}
