package loader

import (
	"fmt"

	"github.com/chazu/capsule/vm"
)

// fixup is a value slot filled once the registry exists. Array constants
// need their composition, which only the loaded program can provide.
type fixup struct {
	dst   *vm.Handle
	value ValueDoc
	where string
}

// Compile builds the module and loads it into a program. Natives are
// registered before classes are resolved.
func Compile(doc *ModuleDoc, natives ...vm.NativeBinding) (*vm.Program, error) {
	m, fixups, err := doc.module()
	if err != nil {
		return nil, err
	}
	p, err := vm.LoadProgram(m, natives...)
	if err != nil {
		return nil, fmt.Errorf("loader: module %s: %w", doc.Name, err)
	}
	reg := p.Registry()
	for _, f := range fixups {
		h, err := f.value.handle(reg)
		if err != nil {
			return nil, fmt.Errorf("loader: %s: %w", f.where, err)
		}
		*f.dst = h
	}
	log.Infof("module %s: %d classes, entry %q", doc.Name, len(m.Classes), m.Main)
	return p, nil
}

// Module converts doc into an unloaded vm.Module. Array constants are left
// null; use Compile to get them filled in.
func (doc *ModuleDoc) Module() (*vm.Module, error) {
	m, _, err := doc.module()
	return m, err
}

func (doc *ModuleDoc) module() (*vm.Module, []fixup, error) {
	b := &moduleBuilder{doc: doc}
	m := &vm.Module{Name: doc.Name, Main: doc.Main}
	for i := range doc.Classes {
		c, err := b.class(&doc.Classes[i])
		if err != nil {
			return nil, nil, err
		}
		m.Classes = append(m.Classes, c)
	}
	return m, b.fixups, nil
}

type moduleBuilder struct {
	doc    *ModuleDoc
	fixups []fixup
}

func (b *moduleBuilder) class(cd *ClassDoc) (*vm.Class, error) {
	c := &vm.Class{
		Name:       cd.Name,
		Super:      cd.Super,
		Mixins:     cd.Mixins,
		TypeParams: cd.TypeParams,
		Abstract:   cd.Abstract,
		Mixin:      cd.Mixin,
		Service:    cd.Service,
		Const:      cd.Const,
	}
	for _, pd := range cd.Properties {
		p := &vm.Property{Name: pd.Name, Type: pd.Type}
		if pd.Default != nil {
			if err := b.value(&p.Default, *pd.Default, cd.Name+"."+pd.Name); err != nil {
				return nil, err
			}
		}
		c.Properties = append(c.Properties, p)
	}
	for i := range cd.Methods {
		md := &cd.Methods[i]
		m, err := b.method(cd.Name, md)
		if err != nil {
			return nil, err
		}
		c.Methods = append(c.Methods, m)
	}
	return c, nil
}

func (b *moduleBuilder) method(class string, md *MethodDoc) (*vm.Method, error) {
	id := class + "." + md.Name
	m := &vm.Method{
		Name:      md.Name,
		Returns:   md.Returns,
		Registers: md.Registers,
		Abstract:  md.Abstract,
		Params:    make([]vm.Param, len(md.Params)),
	}
	for i, pd := range md.Params {
		m.Params[i] = vm.Param{Name: pd.Name, Type: pd.Type}
		if pd.Default != nil {
			if err := b.value(&m.Params[i].Default, *pd.Default, id+"("+pd.Name+")"); err != nil {
				return nil, err
			}
		}
	}
	if md.Abstract {
		if len(md.Code) > 0 {
			return nil, fmt.Errorf("loader: %s: abstract method has code", id)
		}
		return m, nil
	}
	code, err := b.code(id, md.Code)
	if err != nil {
		return nil, err
	}
	m.Code = code
	return m, nil
}

// code assembles instructions, resolving labels with a vm.Builder.
func (b *moduleBuilder) code(id string, docs []InstrDoc) ([]vm.Instruction, error) {
	asm := vm.NewBuilder()
	labels := make(map[string]*vm.Label)
	marked := make(map[string]bool)
	label := func(name string) *vm.Label {
		l, ok := labels[name]
		if !ok {
			l = asm.NewLabel()
			labels[name] = l
		}
		return l
	}

	type pendingValue struct {
		pc    int
		value ValueDoc
		where string
	}
	var values []pendingValue

	for i, d := range docs {
		where := fmt.Sprintf("%s[%d]", id, i)
		if d.Label != "" {
			if marked[d.Label] {
				return nil, fmt.Errorf("loader: %s: label %q marked twice", where, d.Label)
			}
			marked[d.Label] = true
			asm.Mark(label(d.Label))
		}
		if d.Op == "" {
			if d.Label == "" {
				return nil, fmt.Errorf("loader: %s: instruction has no op", where)
			}
			continue
		}
		op, ok := vm.ParseOpcode(d.Op)
		if !ok {
			return nil, fmt.Errorf("loader: %s: unknown opcode %q", where, d.Op)
		}

		var pc int
		switch {
		case op == vm.OpGuardEnter:
			if len(d.Catches) == 0 {
				return nil, fmt.Errorf("loader: %s: GUARD needs at least one catch", where)
			}
			clauses := make([]vm.CatchLabel, len(d.Catches))
			for j, c := range d.Catches {
				if c.Handler == "" {
					return nil, fmt.Errorf("loader: %s: catch %d has no handler", where, j)
				}
				clauses[j] = vm.CatchLabel{Type: c.Type, Reg: c.Reg, Handler: label(c.Handler)}
			}
			pc = asm.EmitGuard(clauses...)
		case op.Info().Branches:
			if d.Target == "" {
				return nil, fmt.Errorf("loader: %s: %s needs a target", where, op)
			}
			pc = asm.EmitJump(op, d.A, label(d.Target))
		default:
			pc = asm.Emit(vm.Instruction{
				Op: op, A: d.A, B: d.B, C: d.C,
				Args: d.Args, Rets: d.Rets, Stack: d.Stack,
				Name: d.Name, Type: d.Type,
			})
		}

		switch {
		case d.Value != nil && d.Const != "":
			return nil, fmt.Errorf("loader: %s: both value and const given", where)
		case d.Value != nil:
			values = append(values, pendingValue{pc, *d.Value, where})
		case d.Const != "":
			v, ok := b.doc.Constants[d.Const]
			if !ok {
				return nil, fmt.Errorf("loader: %s: unknown constant %q", where, d.Const)
			}
			values = append(values, pendingValue{pc, v, where})
		}
	}

	for name := range labels {
		if !marked[name] {
			return nil, fmt.Errorf("loader: %s: label %q is never marked", id, name)
		}
	}
	code, err := asm.Code()
	if err != nil {
		return nil, fmt.Errorf("loader: %s: %w", id, err)
	}
	for _, v := range values {
		if err := b.value(&code[v.pc].Value, v.value, v.where); err != nil {
			return nil, err
		}
	}
	return code, nil
}

// value stores v in dst now, or records a fixup for arrays.
func (b *moduleBuilder) value(dst *vm.Handle, v ValueDoc, where string) error {
	if err := v.validate(); err != nil {
		return fmt.Errorf("loader: %s: %w", where, err)
	}
	if v.Kind == KindArray {
		*dst = vm.Null
		b.fixups = append(b.fixups, fixup{dst: dst, value: v, where: where})
		return nil
	}
	h, err := v.handle(nil)
	if err != nil {
		return fmt.Errorf("loader: %s: %w", where, err)
	}
	*dst = h
	return nil
}

// handle converts v. Arrays need reg and come back Constant.
func (v ValueDoc) handle(reg *vm.Registry) (vm.Handle, error) {
	switch v.Kind {
	case KindNull:
		return vm.Null, nil
	case KindBool:
		return vm.Bool(v.Bool), nil
	case KindInt:
		return vm.Int(v.Int), nil
	case KindFloat:
		return vm.Float(v.Float), nil
	case KindChar:
		return vm.Char([]rune(v.Text)[0]), nil
	case KindString:
		return vm.Str(v.Text), nil
	case KindArray:
		typ := "Array"
		if v.Type != "" {
			typ = "Array<" + v.Type + ">"
		}
		comp, err := reg.Lookup(typ)
		if err != nil {
			return nil, err
		}
		elems := make([]vm.Handle, len(v.Elems))
		for i, e := range v.Elems {
			h, err := e.handle(reg)
			if err != nil {
				return nil, fmt.Errorf("elems[%d]: %w", i, err)
			}
			elems[i] = h
		}
		arr, err := vm.NewArray(comp, 0)
		if err != nil {
			return nil, err
		}
		if err := arr.AddAll(elems...); err != nil {
			return nil, err
		}
		if err := vm.Freeze(arr); err != nil {
			return nil, err
		}
		return arr, nil
	}
	return nil, fmt.Errorf("unknown value kind %q", v.Kind)
}
