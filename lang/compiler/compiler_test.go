package compiler_test

import (
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mna/nelumbo/lang/compiler"
)

// bc builds a code byte slice from a mix of opcodes and operand bytes.
func bc(xs ...any) []byte {
	var b []byte
	for _, x := range xs {
		switch x := x.(type) {
		case compiler.Opcode:
			b = append(b, byte(x))
		case int:
			b = append(b, byte(x))
		default:
			panic(fmt.Sprintf("unexpected bytecode element %T", x))
		}
	}
	return b
}

func compile(t *testing.T, src string) *compiler.Funcode {
	t.Helper()
	fn, err := compiler.Compile([]byte(src))
	require.NoError(t, err)
	return fn
}

func TestCompileArithmetic(t *testing.T) {
	fn := compile(t, "print 1 + 2 * 3 - -4;")
	require.Equal(t, bc(
		compiler.CONSTANT, 0,
		compiler.CONSTANT, 1,
		compiler.CONSTANT, 2,
		compiler.MULTIPLY,
		compiler.ADD,
		compiler.CONSTANT, 3,
		compiler.NEGATE,
		compiler.SUBTRACT,
		compiler.PRINT,
		compiler.NIL,
		compiler.RETURN,
	), fn.Chunk.Code)
	require.Equal(t, []compiler.Constant{1.0, 2.0, 3.0, 4.0}, fn.Chunk.Constants)
	require.Equal(t, "", fn.Name)
	require.Equal(t, 0, fn.Arity)
	require.Equal(t, 0, fn.UpvalueCount)
}

func TestCompileComparisons(t *testing.T) {
	fn := compile(t, "1 <= 2;")
	require.Equal(t, bc(
		compiler.CONSTANT, 0,
		compiler.CONSTANT, 1,
		compiler.GREATER,
		compiler.NOT,
		compiler.POP,
		compiler.NIL,
		compiler.RETURN,
	), fn.Chunk.Code)

	fn = compile(t, "1 != 2;")
	require.Equal(t, bc(
		compiler.CONSTANT, 0,
		compiler.CONSTANT, 1,
		compiler.EQUAL,
		compiler.NOT,
		compiler.POP,
		compiler.NIL,
		compiler.RETURN,
	), fn.Chunk.Code)
}

func TestCompileGlobals(t *testing.T) {
	fn := compile(t, "var a = 1; a = 2; print a;")
	require.Equal(t, bc(
		compiler.CONSTANT, 1, // 1
		compiler.DEFINEGLOBAL, 0, // a
		compiler.CONSTANT, 3, // 2
		compiler.SETGLOBAL, 2, // a
		compiler.POP,
		compiler.GETGLOBAL, 4, // a
		compiler.PRINT,
		compiler.NIL,
		compiler.RETURN,
	), fn.Chunk.Code)
	// no constant pool dedup: each mention of a adds an entry, interning
	// at materialization makes them one heap string anyway
	require.Equal(t, []compiler.Constant{"a", 1.0, "a", 2.0, "a"}, fn.Chunk.Constants)
}

func TestCompileLocals(t *testing.T) {
	fn := compile(t, "{ var a = 1; print a; }")
	require.Equal(t, bc(
		compiler.CONSTANT, 0, // 1
		compiler.GETLOCAL, 1, // slot 0 is reserved for the callee
		compiler.PRINT,
		compiler.POP, // a leaves scope
		compiler.NIL,
		compiler.RETURN,
	), fn.Chunk.Code)
	require.Equal(t, []compiler.Constant{1.0}, fn.Chunk.Constants)
}

func TestCompileIfElse(t *testing.T) {
	fn := compile(t, "if (true) print 1; else print 2;")
	require.Equal(t, bc(
		compiler.TRUE,
		compiler.JUMPIFFALSE, 0, 7,
		compiler.POP,
		compiler.CONSTANT, 0,
		compiler.PRINT,
		compiler.JUMP, 0, 4,
		compiler.POP,
		compiler.CONSTANT, 1,
		compiler.PRINT,
		compiler.NIL,
		compiler.RETURN,
	), fn.Chunk.Code)
}

func TestCompileWhile(t *testing.T) {
	fn := compile(t, "while (false) print 1;")
	require.Equal(t, bc(
		compiler.FALSE,
		compiler.JUMPIFFALSE, 0, 7,
		compiler.POP,
		compiler.CONSTANT, 0,
		compiler.PRINT,
		compiler.LOOP, 0, 11,
		compiler.POP,
		compiler.NIL,
		compiler.RETURN,
	), fn.Chunk.Code)
}

func TestCompileAndOr(t *testing.T) {
	fn := compile(t, "true and false;")
	require.Equal(t, bc(
		compiler.TRUE,
		compiler.JUMPIFFALSE, 0, 2,
		compiler.POP,
		compiler.FALSE,
		compiler.POP,
		compiler.NIL,
		compiler.RETURN,
	), fn.Chunk.Code)

	fn = compile(t, "true or false;")
	require.Equal(t, bc(
		compiler.TRUE,
		compiler.JUMPIFFALSE, 0, 3,
		compiler.JUMP, 0, 2,
		compiler.POP,
		compiler.FALSE,
		compiler.POP,
		compiler.NIL,
		compiler.RETURN,
	), fn.Chunk.Code)
}

func TestCompileFunction(t *testing.T) {
	fn := compile(t, "fun f() { return 1; } print f();")
	require.Equal(t, bc(
		compiler.CLOSURE, 1,
		compiler.DEFINEGLOBAL, 0,
		compiler.GETGLOBAL, 2,
		compiler.CALL, 0,
		compiler.PRINT,
		compiler.NIL,
		compiler.RETURN,
	), fn.Chunk.Code)

	require.Equal(t, "f", fn.Chunk.Constants[0])
	sub, ok := fn.Chunk.Constants[1].(*compiler.Funcode)
	require.True(t, ok)
	require.Equal(t, "f", sub.Name)
	require.Equal(t, 0, sub.Arity)
	require.Equal(t, 0, sub.UpvalueCount)
	require.Equal(t, bc(
		compiler.CONSTANT, 0,
		compiler.RETURN,
		compiler.NIL,
		compiler.RETURN,
	), sub.Chunk.Code)
}

func TestCompileParams(t *testing.T) {
	fn := compile(t, "fun add(a, b) { return a + b; }")
	sub := fn.Chunk.Constants[1].(*compiler.Funcode)
	require.Equal(t, 2, sub.Arity)
	require.Equal(t, bc(
		compiler.GETLOCAL, 1,
		compiler.GETLOCAL, 2,
		compiler.ADD,
		compiler.RETURN,
		compiler.NIL,
		compiler.RETURN,
	), sub.Chunk.Code)
}

func TestCompileUpvalues(t *testing.T) {
	fn := compile(t, `
fun outer() {
  var x = 1;
  fun inner() { return x; }
  return inner;
}`)
	outer := fn.Chunk.Constants[1].(*compiler.Funcode)
	require.Equal(t, bc(
		compiler.CONSTANT, 0, // 1 -> x (slot 1)
		compiler.CLOSURE, 1, 1, 1, // capture local slot 1
		compiler.GETLOCAL, 2, // inner
		compiler.RETURN,
		compiler.NIL,
		compiler.RETURN,
	), outer.Chunk.Code)

	inner := outer.Chunk.Constants[1].(*compiler.Funcode)
	require.Equal(t, 1, inner.UpvalueCount)
	require.Equal(t, bc(
		compiler.GETUPVALUE, 0,
		compiler.RETURN,
		compiler.NIL,
		compiler.RETURN,
	), inner.Chunk.Code)
}

func TestCompileUpvalueChain(t *testing.T) {
	// y is a local of outer, captured by middle only because inner needs
	// it: inner's upvalue refers to middle's upvalue, not a local
	fn := compile(t, `
fun outer() {
  var y = 1;
  fun middle() {
    fun inner() { return y; }
    return inner;
  }
  return middle;
}`)
	outer := fn.Chunk.Constants[1].(*compiler.Funcode)
	middle := outer.Chunk.Constants[1].(*compiler.Funcode)
	inner := middle.Chunk.Constants[0].(*compiler.Funcode)

	require.Equal(t, 1, middle.UpvalueCount)
	require.Equal(t, 1, inner.UpvalueCount)

	// middle captures outer's local slot 1; inner captures middle's
	// upvalue 0
	require.Equal(t, bc(
		compiler.CLOSURE, 0, 0, 0, // upvalue 0 of the enclosing function
		compiler.GETLOCAL, 1,
		compiler.RETURN,
		compiler.NIL,
		compiler.RETURN,
	), middle.Chunk.Code)
}

func TestCompileCloseUpvalue(t *testing.T) {
	fn := compile(t, `
{
  var x = 1;
  fun f() { return x; }
}`)
	require.Equal(t, bc(
		compiler.CONSTANT, 0,
		compiler.CLOSURE, 1, 1, 1,
		compiler.POP,          // f leaves scope first and is not captured
		compiler.CLOSEUPVALUE, // x is captured
		compiler.NIL,
		compiler.RETURN,
	), fn.Chunk.Code)
}

func TestCompileLineMap(t *testing.T) {
	fn := compile(t, "print 1;\nprint 2;")
	// offsets 0-2 (CONSTANT+PRINT) on line 1, 3-5 on line 2, implicit
	// return attributed to the last token's line
	require.Equal(t, 1, fn.Chunk.Line(0))
	require.Equal(t, 1, fn.Chunk.Line(2))
	require.Equal(t, 2, fn.Chunk.Line(3))
	require.Equal(t, 2, fn.Chunk.Line(len(fn.Chunk.Code)-1))
}

func TestCompileDeterministic(t *testing.T) {
	const src = `
var g = "x";
fun outer(a) {
  var x = a;
  fun inner() { x = x + 1; return x; }
  return inner;
}
var c = outer(10);
print c() + c();
for (var i = 0; i < 3; i = i + 1) { print i and g; }
`
	fn1, err1 := compiler.Compile([]byte(src))
	fn2, err2 := compiler.Compile([]byte(src))
	require.NoError(t, err1)
	require.NoError(t, err2)
	require.Equal(t, fn1, fn2)
}

// TestCompileJumpTargets verifies that every forward jump lands within
// the chunk and every loop jumps backward to a valid offset.
func TestCompileJumpTargets(t *testing.T) {
	sources := []string{
		"if (1 < 2) print 1; else print 2;",
		"while (true) { if (false) print 1; }",
		"for (var i = 0; i < 10; i = i + 1) print i;",
		"for (;;) { print 1; }",
		"print 1 and 2 or 3;",
		"fun f(n) { if (n < 2) return n; return f(n-1) + f(n-2); } print f(10);",
	}
	for _, src := range sources {
		t.Run(src, func(t *testing.T) {
			checkJumps(t, compile(t, src))
		})
	}
}

func checkJumps(t *testing.T, fn *compiler.Funcode) {
	t.Helper()

	code := fn.Chunk.Code
	for off := 0; off < len(code); {
		op := compiler.Opcode(code[off])
		next := compiler.DisasmInstruction(io.Discard, fn, off)
		switch op {
		case compiler.JUMP, compiler.JUMPIFFALSE:
			arg := int(code[off+1])<<8 | int(code[off+2])
			target := off + 3 + arg
			require.LessOrEqual(t, target, len(code), "forward jump out of chunk at %d", off)
		case compiler.LOOP:
			arg := int(code[off+1])<<8 | int(code[off+2])
			target := off + 3 - arg
			require.GreaterOrEqual(t, target, 0, "loop target out of chunk at %d", off)
			require.Less(t, target, len(code), "loop target out of chunk at %d", off)
		}
		off = next
	}
	for _, cst := range fn.Chunk.Constants {
		if sub, ok := cst.(*compiler.Funcode); ok {
			checkJumps(t, sub)
		}
	}
}

func TestCompileErrors(t *testing.T) {
	cases := []struct {
		src  string
		want string
	}{
		{";", "[line 1] Error at ';': Expect expression."},
		{"print 1", "[line 1] Error at end: Expect ';' after value."},
		{"1 + 2", "[line 1] Error at end: Expect ';' after expression."},
		{"var a = 1", "[line 1] Error at end: Expect ';' after variable declaration."},
		{"var 1;", "[line 1] Error at '1': Expect variable name."},
		{"{", "[line 1] Error at end: Expect '}' after block."},
		{"if true;", "[line 1] Error at 'true': Expect '(' after 'if'."},
		{"while true;", "[line 1] Error at 'true': Expect '(' after 'while'."},
		{"for ;;", "[line 1] Error at ';': Expect '(' after 'for'."},
		{"if (true;", "[line 1] Error at ';': Expect ')' after condition."},
		{"while (true;", "[line 1] Error at ';': Expect ')' after condition."},
		{"f(1;", "[line 1] Error at ';': Expect ')' after arguments."},
		{"fun f(a;", "[line 1] Error at ';': Expect ')' after parameters."},
		{"for (;; 1 2) {}", "[line 1] Error at '2': Expect ')' after for clauses."},
		{"for (; 1 2;) {}", "[line 1] Error at '2': Expect ';' after loop condition."},
		{"fun f;", "[line 1] Error at ';': Expect '(' after function name."},
		{"fun f();", "[line 1] Error at ';': Expect '{' before function body."},
		{"fun f(1) {}", "[line 1] Error at '1': Expect parameter name."},
		{"fun;", "[line 1] Error at ';': Expect function name."},
		{"1 + 2 = 3;", "[line 1] Error at '=': Invalid assignment target."},
		{"a + b = c;", "[line 1] Error at '=': Invalid assignment target."},
		{"{ var a; var a; }", "[line 1] Error at 'a': Already a variable with this name in this scope."},
		{"{ var a = a; }", "[line 1] Error at 'a': Can't read local variable in its own initializer."},
		{"return 1;", "[line 1] Error at 'return': Can't return from top-level code."},
		{"fun f() { return; } return;", "[line 1] Error at 'return': Can't return from top-level code."},
		{"@;", "[line 1] Error: Unexpected character."},
		{"print \"abc;", "[line 1] Error: Unterminated string."},
		{"class Foo {}", "[line 1] Error at 'class': Expect expression."},
		{"print this;", "[line 1] Error at 'this': Expect expression."},
		{"print super.x;", "[line 1] Error at 'super': Expect expression."},
		{"print 1;\nvar;", "[line 2] Error at ';': Expect variable name."},
	}
	for _, c := range cases {
		t.Run(c.src, func(t *testing.T) {
			_, err := compiler.Compile([]byte(c.src))
			require.Error(t, err)
			list, ok := err.(compiler.ErrorList)
			require.True(t, ok)
			require.NotEmpty(t, list)
			require.Equal(t, c.want, list[0].Error())
		})
	}
}

// TestCompileErrorRecovery verifies that the compiler synchronizes at
// statement boundaries and keeps reporting further errors.
func TestCompileErrorRecovery(t *testing.T) {
	_, err := compiler.Compile([]byte("var 1;\nprint 2\nvar x = ;\n"))
	require.Error(t, err)
	list, ok := err.(compiler.ErrorList)
	require.True(t, ok)
	require.Len(t, list, 3)
	require.Equal(t, "[line 1] Error at '1': Expect variable name.", list[0].Error())
	require.Equal(t, "[line 3] Error at 'var': Expect ';' after value.", list[1].Error())
	require.Equal(t, "[line 3] Error at ';': Expect expression.", list[2].Error())
}

func TestCompileTooManyConstants(t *testing.T) {
	var sb strings.Builder
	for i := 0; i <= compiler.MaxConstants; i++ {
		fmt.Fprintf(&sb, "print %d;\n", i)
	}
	_, err := compiler.Compile([]byte(sb.String()))
	require.Error(t, err)
	list := err.(compiler.ErrorList)
	require.Equal(t, "Too many constants in one chunk.", list[0].Msg)
	require.Equal(t, 257, list[0].Line)
}

func TestCompileTooManyLocals(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("{\n")
	for i := 0; i < 256; i++ {
		fmt.Fprintf(&sb, "var a%d;\n", i)
	}
	sb.WriteString("}\n")
	_, err := compiler.Compile([]byte(sb.String()))
	require.Error(t, err)
	list := err.(compiler.ErrorList)
	require.Equal(t, "Too many local variables in function.", list[0].Msg)
	// slot zero is reserved, so the 256th declaration overflows
	require.Equal(t, "a255", list[0].Tok)
}

func TestCompileTooFarToJump(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("{ var x; if (x) {\n")
	// each "x = x;" compiles to 5 bytes and no constants
	sb.WriteString(strings.Repeat("x = x;", 14000))
	sb.WriteString("\n} }")
	_, err := compiler.Compile([]byte(sb.String()))
	require.Error(t, err)
	list := err.(compiler.ErrorList)
	require.Equal(t, "Too much code to jump over.", list[0].Msg)
}

func TestCompileLoopTooLarge(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("{ var x; while (x) {\n")
	sb.WriteString(strings.Repeat("x = x;", 14000))
	sb.WriteString("\n} }")
	_, err := compiler.Compile([]byte(sb.String()))
	require.Error(t, err)
	list := err.(compiler.ErrorList)
	require.Equal(t, "Loop body too large.", list[0].Msg)
}

func TestCompileTooManyParameters(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("fun f(")
	for i := 0; i < 256; i++ {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "p%d", i)
	}
	sb.WriteString(") {}")
	_, err := compiler.Compile([]byte(sb.String()))
	require.Error(t, err)
	list := err.(compiler.ErrorList)
	require.Equal(t, "Can't have more than 255 parameters.", list[0].Msg)
}

func TestCompileTooManyArguments(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("fun g(x) { f(")
	for i := 0; i < 256; i++ {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("x")
	}
	sb.WriteString("); }")
	_, err := compiler.Compile([]byte(sb.String()))
	require.Error(t, err)
	list := err.(compiler.ErrorList)
	require.Equal(t, "Can't have more than 255 arguments.", list[0].Msg)
}

func TestCompileTooManyUpvalues(t *testing.T) {
	// inner needs 257 distinct captures: 254 outer locals plus middle
	// itself through the upvalue chain, plus two locals of middle
	var sb strings.Builder
	sb.WriteString("fun outer() {\n")
	for i := 0; i < 254; i++ {
		fmt.Fprintf(&sb, "var a%d;", i)
	}
	sb.WriteString("\nfun middle() { var b0; var b1;\nfun inner() {\n")
	for i := 0; i < 254; i++ {
		fmt.Fprintf(&sb, "a%d;", i)
	}
	sb.WriteString("middle; b0; b1;\n} } }")
	_, err := compiler.Compile([]byte(sb.String()))
	require.Error(t, err)
	list := err.(compiler.ErrorList)
	require.Equal(t, "Too many closure variables in function.", list[0].Msg)
}

func TestDisasm(t *testing.T) {
	fn := compile(t, "print 1 + 2 * 3 - -4;")
	want := `== <script> ==
    1 0000 CONSTANT         0    1
    | 0002 CONSTANT         1    2
    | 0004 CONSTANT         2    3
    | 0006 MULTIPLY
    | 0007 ADD
    | 0008 CONSTANT         3    4
    | 0010 NEGATE
    | 0011 SUBTRACT
    | 0012 PRINT
    | 0013 NIL
    | 0014 RETURN
`
	require.Equal(t, want, compiler.Disasm(fn))
}

func TestDisasmClosure(t *testing.T) {
	fn := compile(t, "fun f() {\n  var x = 1;\n  fun g() { return x; }\n}")
	out := compiler.Disasm(fn)
	require.Contains(t, out, "== <script> ==")
	require.Contains(t, out, "== <fn f> ==")
	require.Contains(t, out, "== <fn g> ==")
	require.Contains(t, out, "CLOSURE")
	require.Contains(t, out, "|                local 1")
	require.Contains(t, out, `"f"`)
	require.Contains(t, out, "GET_UPVALUE")
	// x is a function-level local of f: RETURN closes it, no
	// CLOSE_UPVALUE is emitted
	require.NotContains(t, out, "CLOSE_UPVALUE")
}
