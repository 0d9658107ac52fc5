package vm

import (
	"fmt"
	"sync"
)

// ---------------------------------------------------------------------------
// Composition: a resolved class with its generic bindings
// ---------------------------------------------------------------------------

// Composition is a class together with its generic bindings. It owns the
// property-slot layout and the call-chain cache for the type. Compositions
// are memoized by the registry and never change after resolution apart from
// the lazily filled call-chain cache.
//
// Property slots are laid out base-first: the properties of the least
// derived class come first, each class's properties in declaration order.
// A subclass therefore shares the slot indexes of its superclass.
type Composition struct {
	reg       *Registry
	class     *Class
	bindings  []*Composition
	canonical bool
	key       string
	lin       []*Class

	props []*Property
	slots map[string]int

	mu        sync.Mutex
	chains    map[string]*CallChain
	chainsGen uint64
}

// Class returns the composition's class.
func (c *Composition) Class() *Class { return c.class }

// Registry returns the owning registry.
func (c *Composition) Registry() *Registry { return c.reg }

// Bindings returns the generic bindings in type-parameter order.
func (c *Composition) Bindings() []*Composition {
	cp := make([]*Composition, len(c.bindings))
	copy(cp, c.bindings)
	return cp
}

// Canonical reports whether the composition was resolved without explicit
// bindings.
func (c *Composition) Canonical() bool { return c.canonical }

// Key returns the memoization key, e.g. "Array<Int>".
func (c *Composition) Key() string { return c.key }

func (c *Composition) String() string { return c.key }

// Linearization returns the ancestry used for dispatch, most-derived first.
func (c *Composition) Linearization() []*Class {
	cp := make([]*Class, len(c.lin))
	copy(cp, c.lin)
	return cp
}

// PropertyCount returns the number of slots in an instance.
func (c *Composition) PropertyCount() int { return len(c.props) }

// PropertyNames returns property names in slot order.
func (c *Composition) PropertyNames() []string {
	names := make([]string, len(c.props))
	for i, p := range c.props {
		names[i] = p.Name
	}
	return names
}

// SlotIndex returns the slot of a property.
func (c *Composition) SlotIndex(name string) (int, bool) {
	i, ok := c.slots[name]
	return i, ok
}

// TypeArgument returns the binding for a named type parameter.
func (c *Composition) TypeArgument(param string) (*Composition, bool) {
	for i, p := range c.class.TypeParams {
		if p == param && i < len(c.bindings) {
			return c.bindings[i], true
		}
	}
	return nil, false
}

// ElementType returns the first generic binding, or Object.
func (c *Composition) ElementType() *Composition {
	if len(c.bindings) > 0 {
		return c.bindings[0]
	}
	return c.reg.builtin.object
}

// Default returns the initial value for a slot of this type.
func (c *Composition) Default() Handle {
	switch c.class.Name {
	case "Boolean":
		return False
	case "Int":
		return Int(0)
	case "Char":
		return Char(0)
	case "Float":
		return Float(0)
	case "String":
		return Str("")
	}
	return Null
}

// IsA reports whether values of c may be used where other is expected. The
// class must appear in c's linearization; generic bindings must match
// unless other is canonical.
func (c *Composition) IsA(other *Composition) bool {
	return c.isA(other, false)
}

// isA is IsA with an option to compare generic bindings covariantly, which
// is sound only for Constant values: nothing can be stored through the
// wider type.
func (c *Composition) isA(other *Composition, covariant bool) bool {
	if c == other {
		return true
	}
	found := false
	for _, cls := range c.lin {
		if cls == other.class {
			found = true
			break
		}
	}
	if !found {
		return false
	}
	if other.canonical || c.class != other.class {
		return true
	}
	for i := range other.bindings {
		if covariant {
			if !c.bindings[i].isA(other.bindings[i], true) {
				return false
			}
		} else if c.bindings[i] != other.bindings[i] {
			return false
		}
	}
	return true
}

// Accepts reports whether h may be stored where c is expected. Null is
// accepted everywhere. Constant arrays and structs are checked with
// covariant bindings, so a Constant Array<Int> is an Array<Object>.
func (c *Composition) Accepts(h Handle) bool {
	if IsNull(h) || c == c.reg.builtin.object {
		return true
	}
	return c.reg.CompositionOf(h).isA(c, frozen(h))
}

// frozen reports whether h is a Constant array or struct, directly or
// through a constant handle.
func frozen(h Handle) bool {
	if ch, ok := h.(*ConstHandle); ok {
		h = ch.value
	}
	switch v := h.(type) {
	case *ArrayHandle:
		return v.mut == Constant
	case *StructHandle:
		return v.mut == Constant
	}
	return false
}

// ---------------------------------------------------------------------------
// Call chains
// ---------------------------------------------------------------------------

// CallChain returns the implementations of sig from most-derived to base.
// The result is cached; repeated calls return the same chain. An empty
// chain means the type does not understand sig.
func (c *Composition) CallChain(sig string) *CallChain {
	gen := c.reg.gen.Load()
	c.mu.Lock()
	if c.chainsGen != gen {
		c.chains = make(map[string]*CallChain)
		c.chainsGen = gen
	}
	if cc, ok := c.chains[sig]; ok {
		c.mu.Unlock()
		return cc
	}
	c.mu.Unlock()

	c.reg.mu.RLock()
	gen = c.reg.gen.Load()
	cc := c.computeChain(sig)
	c.reg.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.chainsGen == gen {
		if existing, ok := c.chains[sig]; ok {
			return existing
		}
		c.chains[sig] = cc
	}
	return cc
}

// GetterChain returns the accessor chain for reading a property.
func (c *Composition) GetterChain(property string) *CallChain {
	return c.CallChain(GetterSignature(property))
}

// SetterChain returns the accessor chain for writing a property.
func (c *Composition) SetterChain(property string) *CallChain {
	return c.CallChain(SetterSignature(property))
}

// GetterSignature is the method signature of a property getter.
func GetterSignature(property string) string { return "get:" + property }

// SetterSignature is the method signature of a property setter.
func SetterSignature(property string) string { return "set:" + property }

// computeChain walks the linearization collecting one body per class and
// stopping at the first native. The registry lock is held.
func (c *Composition) computeChain(sig string) *CallChain {
	cc := &CallChain{Sig: sig}
	for _, cls := range c.lin {
		decl := cls.methods[sig]
		if nb, ok := c.reg.natives[nativeKey{cls.Name, sig}]; ok {
			cc.Bodies = append(cc.Bodies, MethodBody{
				Class: cls, Sig: sig, Method: decl, Native: nb.Fn,
				Params: nb.Params, Returns: nb.Returns,
			})
			break
		}
		if decl != nil && !decl.Abstract {
			cc.Bodies = append(cc.Bodies, MethodBody{Class: cls, Sig: sig, Method: decl})
		}
	}
	return cc
}

// implements reports whether cls contributes a body for sig.
func (c *Composition) implements(cls *Class, sig string) bool {
	if _, ok := c.reg.natives[nativeKey{cls.Name, sig}]; ok {
		return true
	}
	m := cls.methods[sig]
	return m != nil && !m.Abstract
}

// ---------------------------------------------------------------------------
// Resolution-time checks
// ---------------------------------------------------------------------------

// layout computes the base-first slot order.
func (c *Composition) layout() error {
	c.slots = make(map[string]int)
	for i := len(c.lin) - 1; i >= 0; i-- {
		for _, p := range c.lin[i].Properties {
			if _, dup := c.slots[p.Name]; dup {
				return &ResolutionError{
					Type:   c.key,
					Detail: fmt.Sprintf("property %q declared twice (again in %s)", p.Name, c.lin[i].Name),
					Err:    ErrIllegalArgument,
				}
			}
			c.slots[p.Name] = len(c.props)
			c.props = append(c.props, p)
		}
	}
	return nil
}

// validate rejects ambiguous overrides and unimplemented abstract methods.
// It runs with the registry lock held, before the composition is published.
func (c *Composition) validate() error {
	sigs, err := c.checkSignatures()
	if err != nil {
		return err
	}
	for _, sig := range sigs {
		c.chains[sig] = c.computeChain(sig)
	}
	return nil
}

// checkSignatures reports conflicting or missing implementations for every
// signature the linearization declares, returning those signatures. It only
// reads; the registry lock is held.
func (c *Composition) checkSignatures() ([]string, error) {
	var sigs []string
	seen := make(map[string]bool)
	note := func(sig string) {
		if !seen[sig] {
			seen[sig] = true
			sigs = append(sigs, sig)
		}
	}
	inLin := make(map[string]bool, len(c.lin))
	for _, cls := range c.lin {
		inLin[cls.Name] = true
		for _, m := range cls.Methods {
			note(m.Name)
		}
	}
	for k := range c.reg.natives {
		if inLin[k.class] {
			note(k.sig)
		}
	}

	concrete := !c.class.Abstract && !c.class.Mixin
	for _, sig := range sigs {
		var top *Class
		for _, cls := range c.lin {
			if !c.implements(cls, sig) {
				continue
			}
			if top == nil {
				top = cls
				continue
			}
			// every class, mixins included, implicitly extends Object
			if !top.IsSubclassOf(cls) && cls.Name != objectClass {
				return nil, &ResolutionError{
					Type:      c.key,
					Signature: sig,
					Detail:    fmt.Sprintf("%s and %s both implement it and %s overrides neither", top.Name, cls.Name, c.class.Name),
					Err:       ErrConflictingOverride,
				}
			}
		}
		if top == nil && concrete {
			return nil, &ResolutionError{Type: c.key, Signature: sig, Err: ErrMissingImplementation}
		}
	}
	return sigs, nil
}

// linearizes reports whether class is part of c's linearization.
func (c *Composition) linearizes(class string) bool {
	for _, cls := range c.lin {
		if cls.Name == class {
			return true
		}
	}
	return false
}

// propertyDefault returns the initial value of a property slot.
func (c *Composition) propertyDefault(p *Property) Handle {
	if p.Default != nil {
		return p.Default
	}
	if p.Type == "" {
		return Null
	}
	if t, ok := c.TypeArgument(p.Type); ok {
		return t.Default()
	}
	t, err := c.reg.Lookup(p.Type)
	if err != nil {
		return Null
	}
	return t.Default()
}
