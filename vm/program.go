package vm

import (
	"fmt"
	"strings"
)

// Module is a resolved compilation unit: its classes and an optional entry
// point of the form "Class.method".
type Module struct {
	Name    string
	Classes []*Class
	Main    string
}

// Program is a loaded module together with its registry.
type Program struct {
	name string
	main string
	reg  *Registry
}

// LoadProgram defines the module's classes, installs the natives and
// resolves every class, so structural errors (conflicting overrides,
// missing implementations, bad hierarchies) are reported before anything
// runs.
func LoadProgram(m *Module, natives ...NativeBinding) (*Program, error) {
	p := &Program{name: m.Name, main: m.Main, reg: NewRegistry()}
	for _, c := range m.Classes {
		if err := p.reg.Define(c); err != nil {
			return nil, fmt.Errorf("load %s: %w", m.Name, err)
		}
	}
	for _, nb := range natives {
		if err := p.reg.RegisterNative(nb); err != nil {
			return nil, fmt.Errorf("load %s: %w", m.Name, err)
		}
	}
	for _, c := range m.Classes {
		if _, err := p.reg.Resolve(c.Name); err != nil {
			return nil, fmt.Errorf("load %s: %w", m.Name, err)
		}
	}
	if m.Main != "" {
		if err := p.checkEntry(m.Main); err != nil {
			return nil, fmt.Errorf("load %s: %w", m.Name, err)
		}
	}
	log.Debugf("loaded module %s: %d classes", m.Name, len(m.Classes))
	return p, nil
}

func (p *Program) checkEntry(entry string) error {
	class, method, ok := strings.Cut(entry, ".")
	if !ok {
		return fmt.Errorf("%w: entry %q is not Class.method", ErrIllegalArgument, entry)
	}
	comp, err := p.reg.Resolve(class)
	if err != nil {
		return err
	}
	if comp.CallChain(method).IsEmpty() {
		return fmt.Errorf("%w: entry %s", ErrNotFound, entry)
	}
	return nil
}

// Name returns the module name.
func (p *Program) Name() string { return p.name }

// Main returns the entry point, or "".
func (p *Program) Main() string { return p.main }

// Registry returns the program's registry.
func (p *Program) Registry() *Registry { return p.reg }

// Define adds a class after loading, resolving it immediately.
func (p *Program) Define(c *Class) error {
	if err := p.reg.Define(c); err != nil {
		return err
	}
	_, err := p.reg.Resolve(c.Name)
	return err
}

// RegisterNative installs a native implementation for class.signature.
// Natives take priority over interpreted bodies of the same class and end
// call chains.
func (p *Program) RegisterNative(class, signature string, params, returns int, fn NativeFunc) error {
	return p.reg.RegisterNative(NativeBinding{
		Class:     class,
		Signature: signature,
		Params:    params,
		Returns:   returns,
		Fn:        fn,
	})
}
