package machine

import (
	"strconv"

	"github.com/mna/nelumbo/lang/compiler"
)

// An object is a heap-allocated value tracked by the garbage collector.
// The thread's objects list holds the owning reference of every live
// object; values and other objects only carry non-owning references.
type object interface {
	Value

	marked() bool
	setMarked(bool)
	// trace appends the objects directly reachable from this one to the
	// worklist via wl.add.
	trace(wl *worklist)
	// size returns the approximate heap footprint in bytes, used to
	// schedule collections.
	size() int
}

// gcBits is the collector metadata embedded in every heap object.
type gcBits struct {
	mark bool
}

func (g *gcBits) marked() bool     { return g.mark }
func (g *gcBits) setMarked(b bool) { g.mark = b }

const objOverhead = 48 // rough per-object bookkeeping estimate

// A String is an interned heap string. At most one String exists per
// distinct text on a given thread, so equality reduces to identity.
type String struct {
	gcBits
	text string
}

var _ object = (*String)(nil)

func (s *String) Text() string     { return s.text }
func (s *String) String() string   { return strconv.Quote(s.text) }
func (s *String) Type() string     { return "string" }
func (s *String) trace(*worklist)  {}
func (s *String) size() int        { return objOverhead + len(s.text) }

// A Function is a compiled function prototype: the compiled code plus
// the materialized runtime form of its constant pool. It is immutable
// after materialization; one prototype may back many closures.
type Function struct {
	gcBits
	Funcode   *compiler.Funcode
	Name      *String // nil for the top-level script
	Constants []Value
}

var _ object = (*Function)(nil)

func (fn *Function) String() string {
	if fn.Name == nil {
		return "<script>"
	}
	return "<fn " + fn.Name.Text() + ">"
}
func (fn *Function) Type() string { return "function" }

func (fn *Function) trace(wl *worklist) {
	if fn.Name != nil {
		wl.add(fn.Name)
	}
	for _, c := range fn.Constants {
		wl.addValue(c)
	}
}

func (fn *Function) size() int {
	return objOverhead + len(fn.Funcode.Chunk.Code) + 16*len(fn.Constants)
}

// A Closure is a function prototype bound to the upvalues it captured.
type Closure struct {
	gcBits
	Fn       *Function
	Upvalues []*Upvalue
}

var _ object = (*Closure)(nil)

func (cl *Closure) String() string { return cl.Fn.String() }
func (cl *Closure) Type() string   { return "function" }

func (cl *Closure) trace(wl *worklist) {
	wl.add(cl.Fn)
	for _, uv := range cl.Upvalues {
		// slots not yet filled by the CLOSURE instruction are nil
		if uv != nil {
			wl.add(uv)
		}
	}
}

func (cl *Closure) size() int { return objOverhead + 8*len(cl.Upvalues) }

// An Upvalue is the indirection cell that shares a variable between the
// function that declares it and the closures that capture it. While the
// variable lives on the stack the upvalue is open and points at its
// slot; when the slot goes out of scope the upvalue is closed and owns
// the captured value.
type Upvalue struct {
	gcBits
	slot   int   // stack slot while open, -1 once closed
	closed Value // the captured value once closed
}

var _ object = (*Upvalue)(nil)

func (uv *Upvalue) isOpen() bool { return uv.slot >= 0 }

func (uv *Upvalue) String() string { return "upvalue" }
func (uv *Upvalue) Type() string   { return "upvalue" }

func (uv *Upvalue) trace(wl *worklist) {
	// an open upvalue's referent is on the stack and is marked as a root
	if !uv.isOpen() {
		wl.addValue(uv.closed)
	}
}

func (uv *Upvalue) size() int { return objOverhead }

// A Builtin is a function provided by the host. Builtins are bound to
// global names before any user code runs.
type Builtin struct {
	gcBits
	name string
	fn   func(th *Thread, args []Value) (Value, error)
}

var _ object = (*Builtin)(nil)

func (b *Builtin) Name() string    { return b.name }
func (b *Builtin) String() string  { return "<native fn>" }
func (b *Builtin) Type() string    { return "function" }
func (b *Builtin) trace(*worklist) {}
func (b *Builtin) size() int       { return objOverhead + len(b.name) }
