package machine

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/dolthub/swiss"

	"github.com/mna/nelumbo/lang/compiler"
)

// MaxFrames is the maximum depth of the call-frame stack; exceeding it
// is a runtime stack overflow.
const MaxFrames = 64

// A Thread owns all the state of one interpreter: the value stack, the
// call frames, the globals, the interned strings and the heap objects.
// It is strictly single-threaded; a Thread must never be used
// concurrently. The zero value is ready to use: state is initialized
// lazily on the first DefineBuiltin or RunProgram call, and persists
// across RunProgram calls so a REPL accumulates globals and interned
// strings.
type Thread struct {
	// Name is an optional name that describes the thread, mostly for
	// debugging.
	Name string

	// Stdout and Stderr are the standard I/O abstractions for the
	// thread. If nil, os.Stdout and os.Stderr are used. Program output
	// (print) and traces go to Stdout, runtime errors to Stderr.
	Stdout io.Writer
	Stderr io.Writer

	// MaxSteps is the maximum number of instructions executed before the
	// thread is cancelled. A value <= 0 means no limit.
	MaxSteps int

	// TraceExec prints the stack picture and the current instruction to
	// Stdout before each step.
	TraceExec bool

	// StressGC forces a collection at every allocation check point.
	StressGC bool

	// VerboseGC logs collection phases and freed objects to Stdout.
	VerboseGC bool

	ctx   context.Context
	steps int

	stack        []Value
	frames       []frame
	openUpvalues []*Upvalue // sorted by stack slot, highest first
	globals      *swiss.Map[*String, Value]
	strings      *swiss.Map[string, *String]
	objects      []object
	tempRoots    []Value
	allocated    int
	nextGC       int
	underflow    bool

	stdout io.Writer
	stderr io.Writer
}

// frame is the activation record of one call: the executing closure,
// the saved instruction offset and the stack index of slot zero (the
// callee itself, so local slot n lives at base+n).
type frame struct {
	closure *Closure
	ip      int
	base    int
}

func (th *Thread) init() {
	if th.globals == nil {
		th.globals = swiss.NewMap[*String, Value](8)
		th.strings = swiss.NewMap[string, *String](8)
		th.nextGC = initialGC
	}

	// the I/O abstractions may be redirected between programs
	th.stdout = th.Stdout
	if th.stdout == nil {
		th.stdout = os.Stdout
	}
	th.stderr = th.Stderr
	if th.stderr == nil {
		th.stderr = os.Stderr
	}
}

// DefineBuiltin binds a host function to a global name. Builtins must
// be registered before any user code runs.
func (th *Thread) DefineBuiltin(name string, fn func(th *Thread, args []Value) (Value, error)) {
	th.init()
	nameStr := th.internString(name)
	// the intern table is weak: root the name until it is a globals key
	th.tempRoots = append(th.tempRoots, nameStr)
	th.maybeCollect()
	b := &Builtin{name: name, fn: fn}
	th.register(b)
	th.globals.Put(nameStr, b)
	th.tempRoots = th.tempRoots[:len(th.tempRoots)-1]
}

// RunProgram executes a compiled top-level function on the thread. On a
// runtime error it prints the message and a stack trace to Stderr,
// clears the value stack and returns the error as an *EvalError.
func (th *Thread) RunProgram(ctx context.Context, fc *compiler.Funcode) error {
	th.init()
	th.ctx = ctx
	th.steps = 0

	fn := th.materialize(fc)
	th.push(fn) // keep the prototype rooted while the closure is allocated
	cl := th.newClosure(fn)
	th.stack[len(th.stack)-1] = cl

	if err := th.call(cl, 0); err != nil {
		return th.fail(err)
	}
	if err := th.run(); err != nil {
		return th.fail(err)
	}
	return nil
}

// fail reports a runtime error: print message and stack trace, then
// clear the stack so the thread is reusable.
func (th *Thread) fail(err error) error {
	ee, ok := err.(*EvalError)
	if !ok {
		ee = &EvalError{Msg: err.Error(), Trace: th.backtrace()}
	}
	fmt.Fprintln(th.stderr, ee.Msg)
	fmt.Fprint(th.stderr, ee.Backtrace())

	th.stack = th.stack[:0]
	th.frames = th.frames[:0]
	th.openUpvalues = th.openUpvalues[:0]
	return ee
}

// materialize converts compiled code into its runtime form: number
// constants become Float values, string constants are interned, nested
// prototypes are materialized recursively. The function under
// construction is kept on the temp-roots stack so a collection
// triggered by any of these allocations cannot free it.
func (th *Thread) materialize(fc *compiler.Funcode) *Function {
	th.maybeCollect()
	// the constant slice is sized before registering, so the byte count
	// added now is the one subtracted when the function is swept
	fn := &Function{Funcode: fc, Constants: make([]Value, len(fc.Chunk.Constants))}
	th.register(fn)
	th.tempRoots = append(th.tempRoots, fn)

	if fc.Name != "" {
		fn.Name = th.internString(fc.Name)
	}
	for i, cst := range fc.Chunk.Constants {
		switch cst := cst.(type) {
		case float64:
			fn.Constants[i] = Float(cst)
		case string:
			fn.Constants[i] = th.internString(cst)
		case *compiler.Funcode:
			fn.Constants[i] = th.materialize(cst)
		default:
			panic(fmt.Sprintf("unexpected constant %T: %[1]v", cst))
		}
	}

	th.tempRoots = th.tempRoots[:len(th.tempRoots)-1]
	return fn
}

// internString returns the interned string for text, allocating it on
// first use. Two interned strings are equal exactly when their pointers
// are.
func (th *Thread) internString(text string) *String {
	if s, ok := th.strings.Get(text); ok {
		return s
	}
	th.maybeCollect()
	s := &String{text: text}
	th.register(s)
	th.strings.Put(text, s)
	return s
}

func (th *Thread) newClosure(fn *Function) *Closure {
	th.maybeCollect()
	cl := &Closure{Fn: fn}
	if n := fn.Funcode.UpvalueCount; n > 0 {
		cl.Upvalues = make([]*Upvalue, n)
	}
	th.register(cl)
	return cl
}

func (th *Thread) newUpvalue(slot int) *Upvalue {
	th.maybeCollect()
	uv := &Upvalue{slot: slot}
	th.register(uv)
	return uv
}

// ----- stack helpers

func (th *Thread) push(v Value) {
	th.stack = append(th.stack, v)
}

func (th *Thread) pop() Value {
	if len(th.stack) == 0 {
		th.underflow = true
		return Nil
	}
	v := th.stack[len(th.stack)-1]
	th.stack = th.stack[:len(th.stack)-1]
	return v
}

// peek returns the value distance slots below the top without popping.
func (th *Thread) peek(distance int) Value {
	if distance >= len(th.stack) {
		th.underflow = true
		return Nil
	}
	return th.stack[len(th.stack)-1-distance]
}
