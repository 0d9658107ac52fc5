package vm

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Equal compares two handles structurally. Arrays and structs compare by
// type and contents, constants by their values, and reference-like handles
// (functions, exceptions, futures) by identity.
func Equal(a, b Handle) bool {
	a, b = orNull(a), orNull(b)
	if ca, ok := a.(*ConstHandle); ok {
		if cb, ok := b.(*ConstHandle); ok && ca.owner != nil && ca.owner == cb.owner {
			return ca.owner.Equal(ca, cb)
		}
		return Equal(ca.value, b)
	}
	if cb, ok := b.(*ConstHandle); ok {
		return Equal(a, cb.value)
	}

	switch x := a.(type) {
	case Primitive:
		y, ok := b.(Primitive)
		if !ok {
			return false
		}
		if x.kind == KindFloat && y.kind == KindFloat {
			return floatKey(x.AsFloat()) == floatKey(y.AsFloat())
		}
		return x == y
	case Str:
		y, ok := b.(Str)
		return ok && x == y
	case *ArrayHandle:
		y, ok := b.(*ArrayHandle)
		if !ok || x.comp != y.comp || len(x.elems) != len(y.elems) {
			return false
		}
		for i := range x.elems {
			if !Equal(x.elems[i], y.elems[i]) {
				return false
			}
		}
		return true
	case *StructHandle:
		y, ok := b.(*StructHandle)
		if !ok || x.comp != y.comp {
			return false
		}
		for i := range x.slots {
			if !Equal(x.slots[i], y.slots[i]) {
				return false
			}
		}
		return true
	case *ServiceProxy:
		y, ok := b.(*ServiceProxy)
		return ok && x.container == y.container && x.ref == y.ref
	}
	return a == b
}

// Canonical renders h as a string that is equal for structurally equal
// constant values and distinct otherwise. It is the interning key.
func Canonical(h Handle) string {
	var b strings.Builder
	writeCanonical(&b, orNull(h))
	return b.String()
}

func writeCanonical(b *strings.Builder, h Handle) {
	switch v := h.(type) {
	case Primitive:
		switch v.kind {
		case KindNull:
			b.WriteString("n")
		case KindBool:
			b.WriteString("b:")
			b.WriteString(strconv.FormatBool(v.AsBool()))
		case KindInt:
			b.WriteString("i:")
			b.WriteString(strconv.FormatInt(v.AsInt(), 10))
		case KindChar:
			b.WriteString("c:")
			b.WriteString(strconv.FormatInt(int64(v.AsChar()), 10))
		case KindFloat:
			b.WriteString("f:")
			b.WriteString(floatKey(v.AsFloat()))
		}
	case Str:
		b.WriteString("s:")
		b.WriteString(strconv.Quote(string(v)))
	case *ConstHandle:
		writeCanonical(b, v.value)
	case *ArrayHandle:
		b.WriteString("a:")
		b.WriteString(v.comp.Key())
		b.WriteByte('[')
		for i, e := range v.elems {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonical(b, e)
		}
		b.WriteByte(']')
	case *StructHandle:
		b.WriteString("o:")
		b.WriteString(v.comp.Key())
		b.WriteByte('{')
		for i, s := range v.slots {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonical(b, s)
		}
		b.WriteByte('}')
	default:
		fmt.Fprintf(b, "%s@%p", h.Kind(), h)
	}
}

// floatKey is the canonical text of a float. Zero of either sign is one
// value and so is every NaN, which keeps Equal and interning in agreement.
func floatKey(f float64) string {
	switch {
	case math.IsNaN(f):
		return "nan"
	case f == 0:
		return "0"
	}
	return strconv.FormatUint(math.Float64bits(f), 16)
}
