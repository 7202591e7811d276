// Package machine implements the virtual machine that executes the
// bytecode-compiled form of nelumbo source code. It provides the runtime
// representation of values, the interning of strings, the dispatch loop
// with its call frames and upvalues, and the tracing garbage collector
// that reclaims unreachable heap objects.
package machine

import "strconv"

// Value is the interface implemented by any value manipulated by the
// machine. Nil, Bool and Float are immediates; strings, functions,
// closures, upvalues and builtins are heap objects owned by a Thread.
type Value interface {
	// String returns the display representation of the value, the one
	// used by the execution trace (strings are quoted).
	String() string

	// Type returns a short string describing the value's type.
	Type() string
}

// Truth returns the truthiness of a value: nil and false are falsey,
// everything else is truthy.
func Truth(v Value) bool {
	switch v := v.(type) {
	case NilType:
		return false
	case Bool:
		return bool(v)
	default:
		return true
	}
}

// Equal returns whether two values are equal: structural equality for
// nil, booleans and numbers, identity for heap objects. Interning makes
// string identity equivalent to string content equality.
func Equal(x, y Value) bool {
	switch x := x.(type) {
	case NilType:
		_, ok := y.(NilType)
		return ok
	case Bool:
		yb, ok := y.(Bool)
		return ok && x == yb
	case Float:
		yf, ok := y.(Float)
		return ok && x == yf
	default:
		return x == y
	}
}

// Printable returns the representation of v used by the print
// statement: the raw text for strings, the display form otherwise.
func Printable(v Value) string {
	if s, ok := v.(*String); ok {
		return s.Text()
	}
	return v.String()
}

// AsString returns the text of v if it is a string.
func AsString(v Value) (string, bool) {
	s, ok := v.(*String)
	if !ok {
		return "", false
	}
	return s.Text(), true
}

// NilType is the type of nil. Its only legal value is Nil. (It is
// represented as a number, not struct{}, so that Nil may be constant.)
type NilType byte

// Nil is the sole value of NilType.
const Nil = NilType(0)

var _ Value = Nil

func (NilType) String() string { return "nil" }
func (NilType) Type() string   { return "nil" }

// Bool is the type of boolean values.
type Bool bool

const (
	True  Bool = true
	False Bool = false
)

var _ Value = True

func (b Bool) String() string { return strconv.FormatBool(bool(b)) }
func (b Bool) Type() string   { return "bool" }

// Float is the type of nelumbo numbers, 64-bit floating points.
type Float float64

var _ Value = Float(0)

func (f Float) String() string { return strconv.FormatFloat(float64(f), 'g', -1, 64) }
func (f Float) Type() string   { return "number" }
