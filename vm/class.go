package vm

import "fmt"

// ---------------------------------------------------------------------------
// Class: a linked class template
// ---------------------------------------------------------------------------

// Class is a class, mixin or service template as produced by the compiler.
// Super and Mixins name other classes in the same registry; they are linked
// when the class is first resolved into a Composition.
type Class struct {
	Name       string
	Super      string   // "" means Object (or no super for Object itself)
	Mixins     []string // applied in declaration order
	TypeParams []string // generic parameter names, e.g. ["Element"]
	Abstract   bool
	Mixin      bool // mixins are never instantiated directly
	Service    bool // instances run in their own service context
	Const      bool // instances are frozen once constructed

	Properties []*Property
	Methods    []*Method

	super   *Class
	mixins  []*Class
	methods map[string]*Method
	linked  bool
}

// Property is a declared field. Default is the initial value for new
// instances; nil means the type's default.
type Property struct {
	Name    string
	Type    string
	Default Handle
}

// Param is a declared method parameter. A non-nil Default makes the
// parameter optional; callers may omit trailing optional arguments.
type Param struct {
	Name    string
	Type    string
	Default Handle
}

// Method is an interpreted method. Abstract methods have no Code.
type Method struct {
	Name      string
	Params    []Param
	Returns   int // declared number of return values
	Registers int // register file size, at least len(Params)
	Code      []Instruction
	Abstract  bool

	class *Class
}

// Class returns the declaring class once the method has been linked.
func (m *Method) Class() *Class { return m.class }

// ID returns "Class.method", the identifier used in frame traces.
func (m *Method) ID() string {
	if m.class == nil {
		return m.Name
	}
	return m.class.Name + "." + m.Name
}

// Required returns the number of parameters without defaults.
func (m *Method) Required() int {
	n := 0
	for _, p := range m.Params {
		if p.Default == nil {
			n++
		}
	}
	return n
}

// registerCount returns the size of the register file for a frame.
func (m *Method) registerCount() int {
	if m.Registers < len(m.Params) {
		return len(m.Params)
	}
	return m.Registers
}

// Method returns the method declared on this class (not inherited).
func (c *Class) Method(name string) *Method {
	if c.methods != nil {
		return c.methods[name]
	}
	for _, m := range c.Methods {
		if m.Name == name {
			return m
		}
	}
	return nil
}

// AddMethod declares a method on the class. Must be called before the
// class is resolved.
func (c *Class) AddMethod(m *Method) *Class {
	c.Methods = append(c.Methods, m)
	return c
}

// AddProperty declares a property on the class.
func (c *Class) AddProperty(name, typ string, def Handle) *Class {
	c.Properties = append(c.Properties, &Property{Name: name, Type: typ, Default: def})
	return c
}

// IsGeneric reports whether the class declares type parameters.
func (c *Class) IsGeneric() bool { return len(c.TypeParams) > 0 }

// SuperClass returns the linked superclass, or nil.
func (c *Class) SuperClass() *Class { return c.super }

// IsSubclassOf returns true if c inherits from other through its super
// chain or its mixins (or is the same class).
func (c *Class) IsSubclassOf(other *Class) bool {
	if c == other {
		return true
	}
	for _, m := range c.mixins {
		if m.IsSubclassOf(other) {
			return true
		}
	}
	return c.super != nil && c.super.IsSubclassOf(other)
}

// link resolves super and mixin names. The registry lock is held.
func (c *Class) link(lookup func(string) (*Class, bool)) error {
	if c.linked {
		return nil
	}
	superName := c.Super
	if superName == "" && !c.Mixin && c.Name != objectClass {
		superName = objectClass
	}
	if superName != "" {
		sup, ok := lookup(superName)
		if !ok {
			return &ResolutionError{Type: c.Name, Detail: "super " + superName, Err: ErrNotFound}
		}
		if sup.Mixin {
			return &ResolutionError{Type: c.Name, Detail: superName + " is a mixin", Err: ErrIllegalArgument}
		}
		c.super = sup
	}
	c.mixins = c.mixins[:0]
	for _, name := range c.Mixins {
		m, ok := lookup(name)
		if !ok {
			return &ResolutionError{Type: c.Name, Detail: "mixin " + name, Err: ErrNotFound}
		}
		if !m.Mixin {
			return &ResolutionError{Type: c.Name, Detail: name + " is not a mixin", Err: ErrIllegalArgument}
		}
		c.mixins = append(c.mixins, m)
	}
	c.methods = make(map[string]*Method, len(c.Methods))
	for _, m := range c.Methods {
		if _, dup := c.methods[m.Name]; dup {
			return &ResolutionError{Type: c.Name, Signature: m.Name, Detail: "declared twice", Err: ErrIllegalArgument}
		}
		m.class = c
		c.methods[m.Name] = m
	}
	c.linked = true
	return nil
}

func (c *Class) String() string { return c.Name }

// GoString is used by %#v in test failures.
func (c *Class) GoString() string { return fmt.Sprintf("vm.Class(%s)", c.Name) }
