package machine

import (
	"fmt"

	"github.com/mna/nelumbo/lang/compiler"
)

// run executes the bytecode of the innermost frame until the top-level
// program returns or a runtime error occurs. The active frame, its code
// and its constants are cached in locals and refreshed across call
// boundaries.
func (th *Thread) run() error {
	fr := &th.frames[len(th.frames)-1]
	code := fr.closure.Fn.Funcode.Chunk.Code
	consts := fr.closure.Fn.Constants

	// refresh the cached state after a frame push or pop
	recache := func() {
		fr = &th.frames[len(th.frames)-1]
		code = fr.closure.Fn.Funcode.Chunk.Code
		consts = fr.closure.Fn.Constants
	}

	for {
		th.steps++
		if th.MaxSteps > 0 && th.steps > th.MaxSteps {
			return th.runtimeErrorf("thread cancelled: maximum execution steps reached")
		}
		if th.steps&1023 == 0 && th.ctx != nil {
			if err := th.ctx.Err(); err != nil {
				return th.runtimeErrorf("thread cancelled: %s", err)
			}
		}

		if fr.ip >= len(code) {
			return th.runtimeErrorf("Unexpected end of chunk.")
		}

		if th.TraceExec {
			fmt.Fprint(th.stdout, "          ")
			if len(th.stack) == 0 {
				fmt.Fprintln(th.stdout, "<empty>")
			} else {
				for _, v := range th.stack {
					fmt.Fprintf(th.stdout, "[ %s ]", v)
				}
				fmt.Fprintln(th.stdout)
			}
			compiler.DisasmInstruction(th.stdout, fr.closure.Fn.Funcode, fr.ip)
		}

		op := compiler.Opcode(code[fr.ip])
		fr.ip++

		switch op {
		case compiler.CONSTANT:
			idx := code[fr.ip]
			fr.ip++
			th.push(consts[idx])

		case compiler.NIL:
			th.push(Nil)

		case compiler.TRUE:
			th.push(True)

		case compiler.FALSE:
			th.push(False)

		case compiler.EQUAL:
			y := th.pop()
			x := th.pop()
			th.push(Bool(Equal(x, y)))

		case compiler.GREATER, compiler.LESS:
			yf, yok := th.peek(0).(Float)
			xf, xok := th.peek(1).(Float)
			if !xok || !yok {
				return th.runtimeErrorf("Operands must be numbers.")
			}
			th.stack = th.stack[:len(th.stack)-2]
			if op == compiler.GREATER {
				th.push(Bool(xf > yf))
			} else {
				th.push(Bool(xf < yf))
			}

		case compiler.NEGATE:
			f, ok := th.peek(0).(Float)
			if !ok {
				return th.runtimeErrorf("Operand must be a number.")
			}
			th.stack[len(th.stack)-1] = -f

		case compiler.ADD:
			y := th.peek(0)
			x := th.peek(1)
			xf, xok := x.(Float)
			yf, yok := y.(Float)
			if xok && yok {
				th.stack = th.stack[:len(th.stack)-2]
				th.push(xf + yf)
				break
			}
			xs, xok := x.(*String)
			ys, yok := y.(*String)
			if xok && yok {
				// allocate while both operands are still rooted on the stack
				res := th.internString(xs.Text() + ys.Text())
				th.stack = th.stack[:len(th.stack)-2]
				th.push(res)
				break
			}
			return th.runtimeErrorf("Operands must be two numbers or two strings.")

		case compiler.SUBTRACT, compiler.MULTIPLY, compiler.DIVIDE:
			yf, yok := th.peek(0).(Float)
			xf, xok := th.peek(1).(Float)
			if !xok || !yok {
				return th.runtimeErrorf("Operands must be numbers.")
			}
			th.stack = th.stack[:len(th.stack)-2]
			switch op {
			case compiler.SUBTRACT:
				th.push(xf - yf)
			case compiler.MULTIPLY:
				th.push(xf * yf)
			case compiler.DIVIDE:
				th.push(xf / yf)
			}

		case compiler.NOT:
			th.stack[len(th.stack)-1] = Bool(!Truth(th.peek(0)))

		case compiler.PRINT:
			fmt.Fprintln(th.stdout, Printable(th.pop()))

		case compiler.POP:
			th.pop()

		case compiler.DEFINEGLOBAL:
			name := consts[code[fr.ip]].(*String)
			fr.ip++
			th.globals.Put(name, th.peek(0))
			th.pop()

		case compiler.GETGLOBAL:
			name := consts[code[fr.ip]].(*String)
			fr.ip++
			v, ok := th.globals.Get(name)
			if !ok {
				return th.runtimeErrorf("Undefined variable '%s'.", name.Text())
			}
			th.push(v)

		case compiler.SETGLOBAL:
			name := consts[code[fr.ip]].(*String)
			fr.ip++
			if !th.globals.Has(name) {
				return th.runtimeErrorf("Undefined variable '%s'.", name.Text())
			}
			// assignment is an expression, the value stays on the stack
			th.globals.Put(name, th.peek(0))

		case compiler.GETLOCAL:
			slot := int(code[fr.ip])
			fr.ip++
			th.push(th.stack[fr.base+slot])

		case compiler.SETLOCAL:
			slot := int(code[fr.ip])
			fr.ip++
			th.stack[fr.base+slot] = th.peek(0)

		case compiler.GETUPVALUE:
			uv := fr.closure.Upvalues[code[fr.ip]]
			fr.ip++
			if uv.isOpen() {
				th.push(th.stack[uv.slot])
			} else {
				th.push(uv.closed)
			}

		case compiler.SETUPVALUE:
			uv := fr.closure.Upvalues[code[fr.ip]]
			fr.ip++
			if uv.isOpen() {
				th.stack[uv.slot] = th.peek(0)
			} else {
				uv.closed = th.peek(0)
			}

		case compiler.JUMP:
			off := int(code[fr.ip])<<8 | int(code[fr.ip+1])
			fr.ip += 2 + off

		case compiler.JUMPIFFALSE:
			off := int(code[fr.ip])<<8 | int(code[fr.ip+1])
			fr.ip += 2
			if !Truth(th.peek(0)) {
				fr.ip += off
			}

		case compiler.LOOP:
			off := int(code[fr.ip])<<8 | int(code[fr.ip+1])
			fr.ip += 2
			fr.ip -= off

		case compiler.CALL:
			argc := int(code[fr.ip])
			fr.ip++
			if err := th.callValue(th.peek(argc), argc); err != nil {
				return err
			}
			recache()

		case compiler.CLOSURE:
			fn := consts[code[fr.ip]].(*Function)
			fr.ip++
			cl := th.newClosure(fn)
			th.push(cl) // root the closure while its upvalues are captured
			for i := 0; i < fn.Funcode.UpvalueCount; i++ {
				isLocal := code[fr.ip]
				index := int(code[fr.ip+1])
				fr.ip += 2
				if isLocal != 0 {
					cl.Upvalues[i] = th.captureUpvalue(fr.base + index)
				} else {
					cl.Upvalues[i] = fr.closure.Upvalues[index]
				}
			}

		case compiler.CLOSEUPVALUE:
			th.closeUpvalues(len(th.stack) - 1)
			th.pop()

		case compiler.RETURN:
			result := th.pop()
			base := fr.base
			th.closeUpvalues(base)
			th.frames = th.frames[:len(th.frames)-1]
			if len(th.frames) == 0 {
				th.pop() // the script closure
				return nil
			}
			th.stack = th.stack[:base]
			th.push(result)
			recache()

		default:
			return th.runtimeErrorf("Unknown opcode.")
		}

		if th.underflow {
			th.underflow = false
			return th.runtimeErrorf("Stack underflow.")
		}
	}
}

// callValue calls the value at peek(argc) with the argc arguments above
// it on the stack.
func (th *Thread) callValue(callee Value, argc int) error {
	switch callee := callee.(type) {
	case *Closure:
		return th.call(callee, argc)
	case *Builtin:
		args := th.stack[len(th.stack)-argc:]
		res, err := callee.fn(th, args)
		if err != nil {
			return th.runtimeErrorf("%s", err)
		}
		if res == nil {
			res = Nil
		}
		th.stack = th.stack[:len(th.stack)-argc-1]
		th.push(res)
		return nil
	default:
		return th.runtimeErrorf("Can only call functions and classes.")
	}
}

// call pushes a new frame for a closure call. The frame's base points
// at the callee, so arguments are already in their parameter slots.
func (th *Thread) call(cl *Closure, argc int) error {
	if arity := cl.Fn.Funcode.Arity; argc != arity {
		return th.runtimeErrorf("Expected %d arguments but got %d.", arity, argc)
	}
	if len(th.frames) == MaxFrames {
		return th.runtimeErrorf("Stack overflow.")
	}
	th.frames = append(th.frames, frame{closure: cl, base: len(th.stack) - argc - 1})
	return nil
}

// captureUpvalue returns the open upvalue for a stack slot, creating
// and inserting it if no closure captured that slot yet. The open list
// stays sorted by slot, highest first, so closing scans from the front.
func (th *Thread) captureUpvalue(slot int) *Upvalue {
	i := 0
	for ; i < len(th.openUpvalues); i++ {
		if th.openUpvalues[i].slot == slot {
			return th.openUpvalues[i]
		}
		if th.openUpvalues[i].slot < slot {
			break
		}
	}
	uv := th.newUpvalue(slot)
	th.openUpvalues = append(th.openUpvalues, nil)
	copy(th.openUpvalues[i+1:], th.openUpvalues[i:])
	th.openUpvalues[i] = uv
	return uv
}

// closeUpvalues closes every open upvalue at or above limit: the stack
// value is copied into the cell and the upvalue leaves the open list.
func (th *Thread) closeUpvalues(limit int) {
	n := 0
	for n < len(th.openUpvalues) && th.openUpvalues[n].slot >= limit {
		uv := th.openUpvalues[n]
		uv.closed = th.stack[uv.slot]
		uv.slot = -1
		n++
	}
	if n > 0 {
		th.openUpvalues = append(th.openUpvalues[:0], th.openUpvalues[n:]...)
	}
}

func (th *Thread) runtimeErrorf(format string, args ...any) error {
	return &EvalError{Msg: fmt.Sprintf(format, args...), Trace: th.backtrace()}
}
