// Package loader reads resolved module descriptions and turns them into
// loadable programs.
//
// A module document lists classes with their properties and methods. Method
// bodies are instruction lists in which branch targets and catch handlers
// are symbolic labels. Documents are written by hand as YAML or exchanged as
// canonical CBOR images; both decode into the same ModuleDoc.
package loader

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// ModuleDoc is a resolved module description.
type ModuleDoc struct {
	Name      string              `yaml:"name" cbor:"name"`
	Main      string              `yaml:"main,omitempty" cbor:"main,omitempty"`
	Constants map[string]ValueDoc `yaml:"constants,omitempty" cbor:"constants,omitempty"`
	Classes   []ClassDoc          `yaml:"classes" cbor:"classes"`
}

// ClassDoc describes one class.
type ClassDoc struct {
	Name       string        `yaml:"name" cbor:"name"`
	Super      string        `yaml:"super,omitempty" cbor:"super,omitempty"`
	Mixins     []string      `yaml:"mixins,omitempty" cbor:"mixins,omitempty"`
	TypeParams []string      `yaml:"typeParams,omitempty" cbor:"typeParams,omitempty"`
	Abstract   bool          `yaml:"abstract,omitempty" cbor:"abstract,omitempty"`
	Mixin      bool          `yaml:"mixin,omitempty" cbor:"mixin,omitempty"`
	Service    bool          `yaml:"service,omitempty" cbor:"service,omitempty"`
	Const      bool          `yaml:"const,omitempty" cbor:"const,omitempty"`
	Properties []PropertyDoc `yaml:"properties,omitempty" cbor:"properties,omitempty"`
	Methods    []MethodDoc   `yaml:"methods,omitempty" cbor:"methods,omitempty"`
}

// PropertyDoc describes a declared property.
type PropertyDoc struct {
	Name    string    `yaml:"name" cbor:"name"`
	Type    string    `yaml:"type,omitempty" cbor:"type,omitempty"`
	Default *ValueDoc `yaml:"default,omitempty" cbor:"default,omitempty"`
}

// ParamDoc describes a method parameter.
type ParamDoc struct {
	Name    string    `yaml:"name" cbor:"name"`
	Type    string    `yaml:"type,omitempty" cbor:"type,omitempty"`
	Default *ValueDoc `yaml:"default,omitempty" cbor:"default,omitempty"`
}

// MethodDoc describes a method and its body.
type MethodDoc struct {
	Name      string     `yaml:"name" cbor:"name"`
	Params    []ParamDoc `yaml:"params,omitempty" cbor:"params,omitempty"`
	Returns   int        `yaml:"returns,omitempty" cbor:"returns,omitempty"`
	Registers int        `yaml:"registers,omitempty" cbor:"registers,omitempty"`
	Abstract  bool       `yaml:"abstract,omitempty" cbor:"abstract,omitempty"`
	Code      []InstrDoc `yaml:"code,omitempty" cbor:"code,omitempty"`
}

// InstrDoc is one instruction. An entry with a Label and no Op only marks
// a position.
type InstrDoc struct {
	Label   string     `yaml:"label,omitempty" cbor:"label,omitempty"`
	Op      string     `yaml:"op,omitempty" cbor:"op,omitempty"`
	A       int        `yaml:"a,omitempty" cbor:"a,omitempty"`
	B       int        `yaml:"b,omitempty" cbor:"b,omitempty"`
	C       int        `yaml:"c,omitempty" cbor:"c,omitempty"`
	Args    []int      `yaml:"args,omitempty" cbor:"args,omitempty"`
	Rets    []int      `yaml:"rets,omitempty" cbor:"rets,omitempty"`
	Stack   bool       `yaml:"stack,omitempty" cbor:"stack,omitempty"`
	Value   *ValueDoc  `yaml:"value,omitempty" cbor:"value,omitempty"`
	Const   string     `yaml:"const,omitempty" cbor:"const,omitempty"`
	Name    string     `yaml:"name,omitempty" cbor:"name,omitempty"`
	Type    string     `yaml:"type,omitempty" cbor:"type,omitempty"`
	Target  string     `yaml:"target,omitempty" cbor:"target,omitempty"`
	Catches []CatchDoc `yaml:"catches,omitempty" cbor:"catches,omitempty"`
}

// CatchDoc is one clause of a GUARD instruction.
type CatchDoc struct {
	Type    string `yaml:"type,omitempty" cbor:"type,omitempty"`
	Reg     int    `yaml:"reg" cbor:"reg"`
	Handler string `yaml:"handler" cbor:"handler"`
}

// Value kinds.
const (
	KindNull   = "null"
	KindBool   = "bool"
	KindInt    = "int"
	KindFloat  = "float"
	KindChar   = "char"
	KindString = "string"
	KindArray  = "array"
)

// ValueDoc is a constant operand or default value. Arrays become Constant
// arrays of Array<Type>, or of Array when Type is empty.
type ValueDoc struct {
	Kind  string     `yaml:"kind" cbor:"kind"`
	Bool  bool       `yaml:"bool,omitempty" cbor:"bool,omitempty"`
	Int   int64      `yaml:"int,omitempty" cbor:"int,omitempty"`
	Float float64    `yaml:"float,omitempty" cbor:"float,omitempty"`
	Text  string     `yaml:"text,omitempty" cbor:"text,omitempty"`
	Type  string     `yaml:"type,omitempty" cbor:"type,omitempty"`
	Elems []ValueDoc `yaml:"elems,omitempty" cbor:"elems,omitempty"`
}

// UnmarshalYAML accepts plain scalars (42, 1.5, true, "hi", null), a
// "!char" tagged scalar, a sequence for an untyped array, or the mapping
// form with an explicit kind.
func (v *ValueDoc) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.AliasNode:
		return v.UnmarshalYAML(node.Alias)
	case yaml.SequenceNode:
		v.Kind = KindArray
		v.Elems = make([]ValueDoc, len(node.Content))
		for i, n := range node.Content {
			if err := v.Elems[i].UnmarshalYAML(n); err != nil {
				return err
			}
		}
		return nil
	case yaml.MappingNode:
		type plain ValueDoc
		var p plain
		if err := node.Decode(&p); err != nil {
			return err
		}
		*v = ValueDoc(p)
		return v.validate()
	case yaml.ScalarNode:
		return v.scalar(node)
	default:
		return fmt.Errorf("line %d: cannot use %s as a value", node.Line, node.ShortTag())
	}
}

func (v *ValueDoc) scalar(node *yaml.Node) error {
	switch node.ShortTag() {
	case "!char":
		r := []rune(node.Value)
		if len(r) != 1 {
			return fmt.Errorf("line %d: !char needs exactly one character, got %q", node.Line, node.Value)
		}
		*v = ValueDoc{Kind: KindChar, Text: node.Value}
	case "!!null":
		*v = ValueDoc{Kind: KindNull}
	case "!!bool":
		var b bool
		if err := node.Decode(&b); err != nil {
			return err
		}
		*v = ValueDoc{Kind: KindBool, Bool: b}
	case "!!int":
		var n int64
		if err := node.Decode(&n); err != nil {
			return err
		}
		*v = ValueDoc{Kind: KindInt, Int: n}
	case "!!float":
		var f float64
		if err := node.Decode(&f); err != nil {
			return err
		}
		*v = ValueDoc{Kind: KindFloat, Float: f}
	case "!!str":
		*v = ValueDoc{Kind: KindString, Text: node.Value}
	default:
		return fmt.Errorf("line %d: unsupported value tag %s", node.Line, node.ShortTag())
	}
	return nil
}

func (v *ValueDoc) validate() error {
	switch v.Kind {
	case KindNull, KindBool, KindInt, KindFloat, KindString:
	case KindChar:
		if len([]rune(v.Text)) != 1 {
			return fmt.Errorf("char value %q must be one character", v.Text)
		}
	case KindArray:
		for i := range v.Elems {
			if err := v.Elems[i].validate(); err != nil {
				return fmt.Errorf("elems[%d]: %w", i, err)
			}
		}
	case "":
		return fmt.Errorf("value has no kind")
	default:
		return fmt.Errorf("unknown value kind %q", v.Kind)
	}
	return nil
}

func (v ValueDoc) String() string {
	switch v.Kind {
	case KindBool:
		return fmt.Sprint(v.Bool)
	case KindInt:
		return fmt.Sprint(v.Int)
	case KindFloat:
		return fmt.Sprint(v.Float)
	case KindChar:
		return "'" + v.Text + "'"
	case KindString:
		return fmt.Sprintf("%q", v.Text)
	case KindArray:
		parts := make([]string, len(v.Elems))
		for i, e := range v.Elems {
			parts[i] = e.String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	}
	return v.Kind
}
