package vm

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// Registry: classes, natives, compositions and constants
// ---------------------------------------------------------------------------

// Registry owns every class of a program together with the caches derived
// from them: memoized compositions, parsed type names and the constant
// interning table. There is no package-level registry; a Program carries
// one and tests can build as many isolated registries as they like.
type Registry struct {
	mu       sync.RWMutex
	classes  map[string]*Class
	natives  map[nativeKey]NativeBinding
	comps    map[string]*Composition
	gen      atomic.Uint64 // bumped when natives change, invalidating call chains
	interner *Interner

	typesMu sync.RWMutex
	types   map[string]*Composition

	builtin builtins
}

type nativeKey struct {
	class string
	sig   string
}

// NewRegistry creates a registry holding the builtin classes.
func NewRegistry() *Registry {
	r := &Registry{
		classes:  make(map[string]*Class),
		natives:  make(map[nativeKey]NativeBinding),
		comps:    make(map[string]*Composition),
		types:    make(map[string]*Composition),
		interner: NewInterner(),
	}
	bootstrapBuiltins(r)
	return r
}

// Interner returns the registry's constant table.
func (r *Registry) Interner() *Interner { return r.interner }

// Define adds a class. Class names are unique within a registry.
func (r *Registry) Define(c *Class) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.classes[c.Name]; dup {
		return fmt.Errorf("class %s: %w", c.Name, ErrIllegalArgument)
	}
	r.classes[c.Name] = c
	return nil
}

// Class returns a defined class by name.
func (r *Registry) Class(name string) (*Class, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.classes[name]
	return c, ok
}

// ClassNames returns the defined class names.
func (r *Registry) ClassNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.classes))
	for n := range r.classes {
		names = append(names, n)
	}
	return names
}

// RegisterNative installs a native implementation. Natives terminate call
// chains: a class's native takes priority over its interpreted body for the
// same signature. Cached call chains are recomputed on next use.
func (r *Registry) RegisterNative(b NativeBinding) error {
	if b.Fn == nil {
		return fmt.Errorf("native %s.%s: %w", b.Class, b.Signature, ErrIllegalArgument)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.classes[b.Class]; !ok {
		return fmt.Errorf("native %s.%s: class %w", b.Class, b.Signature, ErrNotFound)
	}
	key := nativeKey{b.Class, b.Signature}
	prev, had := r.natives[key]
	r.natives[key] = b
	// compositions already resolved must stay free of conflicts
	for _, comp := range r.comps {
		if !comp.linearizes(b.Class) {
			continue
		}
		if _, err := comp.checkSignatures(); err != nil {
			if had {
				r.natives[key] = prev
			} else {
				delete(r.natives, key)
			}
			return fmt.Errorf("native %s.%s: %w", b.Class, b.Signature, err)
		}
	}
	r.gen.Add(1)
	return nil
}

// Resolve returns the composition for a class and its generic bindings.
// Requests with the same class and bindings return the same instance.
// Resolving a generic class with no bindings yields its canonical form,
// with every parameter bound to Object.
func (r *Registry) Resolve(class string, bindings ...*Composition) (*Composition, error) {
	key := compositionKey(class, bindings)

	// Fast path: read-only lookup
	r.mu.RLock()
	if c, ok := r.comps[key]; ok {
		r.mu.RUnlock()
		return c, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolveLocked(class, bindings)
}

func (r *Registry) resolveLocked(class string, bindings []*Composition) (*Composition, error) {
	key := compositionKey(class, bindings)
	if c, ok := r.comps[key]; ok {
		return c, nil
	}
	cls, ok := r.classes[class]
	if !ok {
		return nil, &ResolutionError{Type: class, Err: ErrNotFound}
	}

	canonical := len(bindings) == 0
	if len(bindings) > 0 && len(bindings) != len(cls.TypeParams) {
		return nil, &ResolutionError{
			Type:   key,
			Detail: fmt.Sprintf("%s takes %d type arguments", class, len(cls.TypeParams)),
			Err:    ErrTypeArity,
		}
	}
	if canonical && cls.IsGeneric() {
		obj, err := r.resolveLocked(objectClass, nil)
		if err != nil {
			return nil, err
		}
		bindings = make([]*Composition, len(cls.TypeParams))
		for i := range bindings {
			bindings[i] = obj
		}
	}

	lin, err := r.linearize(cls, make(map[*Class]bool))
	if err != nil {
		return nil, err
	}
	comp := &Composition{
		reg:       r,
		class:     cls,
		bindings:  bindings,
		canonical: canonical,
		key:       key,
		lin:       lin,
		chains:    make(map[string]*CallChain),
		chainsGen: r.gen.Load(),
	}
	if err := comp.layout(); err != nil {
		return nil, err
	}
	if err := comp.validate(); err != nil {
		return nil, err
	}
	r.comps[key] = comp
	return comp, nil
}

// linearize orders a class's ancestry: the class itself, then each mixin's
// linearization in declaration order, then the superclass linearization.
// Later duplicates are dropped. The registry lock is held.
func (r *Registry) linearize(c *Class, visiting map[*Class]bool) ([]*Class, error) {
	if visiting[c] {
		return nil, &ResolutionError{Type: c.Name, Detail: "inheritance cycle", Err: ErrIllegalArgument}
	}
	visiting[c] = true
	defer delete(visiting, c)

	if err := c.link(func(name string) (*Class, bool) {
		cls, ok := r.classes[name]
		return cls, ok
	}); err != nil {
		return nil, err
	}

	out := []*Class{c}
	seen := map[*Class]bool{c: true}
	add := func(lin []*Class) {
		for _, x := range lin {
			if !seen[x] {
				seen[x] = true
				out = append(out, x)
			}
		}
	}
	for _, m := range c.mixins {
		ml, err := r.linearize(m, visiting)
		if err != nil {
			return nil, err
		}
		add(ml)
	}
	if c.super != nil {
		sl, err := r.linearize(c.super, visiting)
		if err != nil {
			return nil, err
		}
		add(sl)
	}
	return out, nil
}

// Lookup resolves a type name such as "Int", "Array<Int>" or
// "Map<String, Array<Int>>". Parsed names are cached.
func (r *Registry) Lookup(typeName string) (*Composition, error) {
	r.typesMu.RLock()
	if c, ok := r.types[typeName]; ok {
		r.typesMu.RUnlock()
		return c, nil
	}
	r.typesMu.RUnlock()

	name, args, err := parseTypeName(typeName)
	if err != nil {
		return nil, err
	}
	bindings := make([]*Composition, len(args))
	for i, a := range args {
		if bindings[i], err = r.Lookup(a); err != nil {
			return nil, err
		}
	}
	c, err := r.Resolve(name, bindings...)
	if err != nil {
		return nil, err
	}

	r.typesMu.Lock()
	r.types[typeName] = c
	r.typesMu.Unlock()
	return c, nil
}

// MustLookup is Lookup for type names known to exist, such as builtins.
func (r *Registry) MustLookup(typeName string) *Composition {
	c, err := r.Lookup(typeName)
	if err != nil {
		panic(err)
	}
	return c
}

// CompositionOf returns the runtime type of a handle. Null is an Object.
func (r *Registry) CompositionOf(h Handle) *Composition {
	switch v := orNull(h).(type) {
	case Primitive:
		switch v.kind {
		case KindBool:
			return r.builtin.boolean
		case KindInt:
			return r.builtin.integer
		case KindChar:
			return r.builtin.char
		case KindFloat:
			return r.builtin.float
		}
		return r.builtin.object
	case Str:
		return r.builtin.str
	case *ArrayHandle:
		return v.comp
	case *StructHandle:
		return v.comp
	case *FunctionHandle:
		return v.comp
	case *ServiceProxy:
		return v.comp
	case *ExceptionHandle:
		return v.comp
	case *ConstHandle:
		return r.CompositionOf(v.value)
	case *Future:
		return r.builtin.future
	}
	return r.builtin.object
}

// IsInstance reports whether h is an instance of the named type. Null is
// an instance of every type.
func (r *Registry) IsInstance(h Handle, typeName string) (bool, error) {
	c, err := r.Lookup(typeName)
	if err != nil {
		return false, err
	}
	return c.Accepts(h), nil
}

func compositionKey(class string, bindings []*Composition) string {
	if len(bindings) == 0 {
		return class
	}
	parts := make([]string, len(bindings))
	for i, b := range bindings {
		parts[i] = b.key
	}
	return class + "<" + strings.Join(parts, ",") + ">"
}

// parseTypeName splits "Name<A, B<C>>" into "Name" and ["A", "B<C>"].
func parseTypeName(s string) (string, []string, error) {
	s = strings.TrimSpace(s)
	open := strings.IndexByte(s, '<')
	if open < 0 {
		if s == "" || strings.ContainsAny(s, ">,") {
			return "", nil, fmt.Errorf("%w: malformed type name %q", ErrIllegalArgument, s)
		}
		return s, nil, nil
	}
	if !strings.HasSuffix(s, ">") {
		return "", nil, fmt.Errorf("%w: malformed type name %q", ErrIllegalArgument, s)
	}
	name := strings.TrimSpace(s[:open])
	inner := s[open+1 : len(s)-1]

	var args []string
	depth, start := 0, 0
	for i := 0; i < len(inner); i++ {
		switch inner[i] {
		case '<':
			depth++
		case '>':
			depth--
			if depth < 0 {
				return "", nil, fmt.Errorf("%w: malformed type name %q", ErrIllegalArgument, s)
			}
		case ',':
			if depth == 0 {
				args = append(args, strings.TrimSpace(inner[start:i]))
				start = i + 1
			}
		}
	}
	if depth != 0 {
		return "", nil, fmt.Errorf("%w: malformed type name %q", ErrIllegalArgument, s)
	}
	args = append(args, strings.TrimSpace(inner[start:]))
	for _, a := range args {
		if a == "" {
			return "", nil, fmt.Errorf("%w: malformed type name %q", ErrIllegalArgument, s)
		}
	}
	return name, args, nil
}
