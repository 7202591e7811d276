package compiler

import (
	"fmt"
	"io"
	"strconv"
	"strings"
)

// This file implements a human-readable listing of compiled code, used
// by the --disasm flag, the machine's execution trace and the compiler
// tests.

// FuncName returns the display name of a compiled function: "<fn f>"
// for a named function, "<script>" for the top level.
func FuncName(fn *Funcode) string {
	if fn.Name == "" {
		return "<script>"
	}
	return "<fn " + fn.Name + ">"
}

// Disasm returns a listing of fn and of every function nested in its
// constant pool, outermost first.
func Disasm(fn *Funcode) string {
	var sb strings.Builder
	disasmFunc(&sb, fn)
	return sb.String()
}

func disasmFunc(sb *strings.Builder, fn *Funcode) {
	fmt.Fprintf(sb, "== %s ==\n", FuncName(fn))
	for off := 0; off < len(fn.Chunk.Code); {
		off = DisasmInstruction(sb, fn, off)
	}
	for _, cst := range fn.Chunk.Constants {
		if sub, ok := cst.(*Funcode); ok {
			disasmFunc(sb, sub)
		}
	}
}

// DisasmInstruction writes the listing line(s) of the instruction at
// offset and returns the offset of the next instruction.
func DisasmInstruction(w io.Writer, fn *Funcode, offset int) int {
	code := fn.Chunk.Code

	line := fn.Chunk.Line(offset)
	if offset > 0 && line == fn.Chunk.Line(offset-1) {
		fmt.Fprintf(w, "    | %04d ", offset)
	} else {
		fmt.Fprintf(w, "%5d %04d ", line, offset)
	}

	op := Opcode(code[offset])
	offset++
	if op > OpcodeMax {
		fmt.Fprintf(w, "Unknown opcode %d\n", byte(op))
		return offset
	}

	switch op.mode() {
	case modeSimple:
		fmt.Fprintf(w, "%s\n", op)

	case modeByte:
		fmt.Fprintf(w, "%-16s %-4d\n", op, code[offset])
		offset++

	case modeConstant:
		idx := code[offset]
		offset++
		fmt.Fprintf(w, "%-16s %-4d %s\n", op, idx, constString(fn.Chunk.Constants[idx]))

	case modeJump, modeLoop:
		arg := int(code[offset])<<8 | int(code[offset+1])
		offset += 2
		target := offset + arg
		if op.mode() == modeLoop {
			target = offset - arg
		}
		fmt.Fprintf(w, "%-16s %-4d -> %-4d\n", op, arg, target)

	case modeClosure:
		idx := code[offset]
		offset++
		sub := fn.Chunk.Constants[idx].(*Funcode)
		fmt.Fprintf(w, "%-16s %-4d %s\n", op, idx, FuncName(sub))
		for i := 0; i < sub.UpvalueCount; i++ {
			text := "upvalue"
			if code[offset] != 0 {
				text = "local"
			}
			fmt.Fprintf(w, "    | %04d |                %s %d\n", offset, text, code[offset+1])
			offset += 2
		}
	}
	return offset
}

func constString(cst Constant) string {
	switch cst := cst.(type) {
	case float64:
		return strconv.FormatFloat(cst, 'g', -1, 64)
	case string:
		return strconv.Quote(cst)
	case *Funcode:
		return FuncName(cst)
	default:
		return fmt.Sprintf("%v", cst)
	}
}
