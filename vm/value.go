package vm

import (
	"math"
	"strconv"
)

// Handle is a runtime value. Every variant reports its Kind; the registry
// maps a handle to its Composition for dispatch and type tests.
//
// Variants:
//   - Primitive: Boolean, Int, Char, Float and the Null singleton, boxed by value
//   - Str: immutable text
//   - *StructHandle: object instances with a slot per property
//   - *ArrayHandle: element sequences carrying a Mutability stage
//   - *FunctionHandle: method references with bound arguments
//   - *ServiceProxy: generational reference to a service in a container
//   - *ExceptionHandle: raised errors with message, cause and frame trace
//   - *ConstHandle: interned constants
//   - *Future: pending cross-service result
type Handle interface {
	Kind() Kind
	String() string
}

// Kind tags a Handle variant.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindChar
	KindFloat
	KindString
	KindStruct
	KindArray
	KindFunction
	KindService
	KindException
	KindConst
	KindFuture
)

var kindNames = [...]string{
	KindNull:      "Null",
	KindBool:      "Boolean",
	KindInt:       "Int",
	KindChar:      "Char",
	KindFloat:     "Float",
	KindString:    "String",
	KindStruct:    "Struct",
	KindArray:     "Array",
	KindFunction:  "Function",
	KindService:   "Service",
	KindException: "Exception",
	KindConst:     "Const",
	KindFuture:    "Future",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "Kind(" + strconv.Itoa(int(k)) + ")"
}

// ---------------------------------------------------------------------------
// Primitives
// ---------------------------------------------------------------------------

// Primitive is a boxed scalar. The payload is stored as raw bits; Float uses
// the IEEE 754 encoding, Int and Char are sign-extended integers.
type Primitive struct {
	kind Kind
	bits uint64
}

// Null is the only value of kind KindNull.
var Null = Primitive{kind: KindNull}

// Pre-defined booleans.
var (
	True  = Primitive{kind: KindBool, bits: 1}
	False = Primitive{kind: KindBool, bits: 0}
)

// Bool boxes a boolean.
func Bool(b bool) Primitive {
	if b {
		return True
	}
	return False
}

// Int boxes a 64-bit signed integer.
func Int(n int64) Primitive { return Primitive{kind: KindInt, bits: uint64(n)} }

// Char boxes a Unicode code point.
func Char(r rune) Primitive { return Primitive{kind: KindChar, bits: uint64(int64(r))} }

// Float boxes a 64-bit float.
func Float(f float64) Primitive { return Primitive{kind: KindFloat, bits: math.Float64bits(f)} }

func (p Primitive) Kind() Kind { return p.kind }

// IsNull reports whether p is the Null value.
func (p Primitive) IsNull() bool { return p.kind == KindNull }

// AsBool returns the boolean payload. Non-boolean values are never true.
func (p Primitive) AsBool() bool { return p.kind == KindBool && p.bits != 0 }

// AsInt returns the integer payload of an Int or Char.
func (p Primitive) AsInt() int64 { return int64(p.bits) }

// AsChar returns the code point of a Char.
func (p Primitive) AsChar() rune { return rune(int64(p.bits)) }

// AsFloat returns the payload as a float, converting Int values.
func (p Primitive) AsFloat() float64 {
	if p.kind == KindInt {
		return float64(int64(p.bits))
	}
	return math.Float64frombits(p.bits)
}

func (p Primitive) String() string {
	switch p.kind {
	case KindNull:
		return "null"
	case KindBool:
		return strconv.FormatBool(p.AsBool())
	case KindInt:
		return strconv.FormatInt(p.AsInt(), 10)
	case KindChar:
		return strconv.QuoteRune(p.AsChar())
	case KindFloat:
		return strconv.FormatFloat(p.AsFloat(), 'g', -1, 64)
	}
	return "?"
}

// IsNull reports whether h is nil or the Null primitive.
func IsNull(h Handle) bool {
	if h == nil {
		return true
	}
	p, ok := h.(Primitive)
	return ok && p.kind == KindNull
}

// Truthy reports whether h is the boolean true.
func Truthy(h Handle) bool {
	p, ok := h.(Primitive)
	return ok && p.AsBool()
}

// ---------------------------------------------------------------------------
// Strings
// ---------------------------------------------------------------------------

// Str is an immutable string handle.
type Str string

func (s Str) Kind() Kind     { return KindString }
func (s Str) String() string { return strconv.Quote(string(s)) }

// Text returns the raw string.
func (s Str) Text() string { return string(s) }

// orNull maps a Go nil to Null so registers never hold a nil interface.
func orNull(h Handle) Handle {
	if h == nil {
		return Null
	}
	return h
}
