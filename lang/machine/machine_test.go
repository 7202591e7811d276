package machine_test

import (
	"bytes"
	"context"
	"flag"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mna/nelumbo/internal/filetest"
	"github.com/mna/nelumbo/lang/compiler"
	"github.com/mna/nelumbo/lang/machine"
)

var testUpdateExecTests = flag.Bool("test.update-exec-tests", false, "If set, replace expected execution test results with actual results.")

// runSource compiles and runs src on th, capturing its stdout. Runtime
// errors are returned, not printed.
func runSource(t *testing.T, th *machine.Thread, src string) (string, error) {
	t.Helper()

	fn, err := compiler.Compile([]byte(src))
	require.NoError(t, err)

	var buf bytes.Buffer
	th.Stdout = &buf
	th.Stderr = io.Discard
	err = th.RunProgram(context.Background(), fn)
	return buf.String(), err
}

func TestExecScripts(t *testing.T) {
	srcDir, resultDir := filepath.Join("testdata", "in"), filepath.Join("testdata", "out")

	for _, name := range filetest.SourceFiles(t, srcDir, ".nlb") {
		t.Run(name, func(t *testing.T) {
			b, err := os.ReadFile(filepath.Join(srcDir, name))
			require.NoError(t, err)

			var th machine.Thread
			got, err := runSource(t, &th, string(b))
			require.NoError(t, err)
			filetest.DiffOutput(t, name, got, resultDir, testUpdateExecTests)
		})
	}
}

// TestExecScriptsStressGC runs the same scripts with a collection
// forced at every allocation check point; behavior must not change.
func TestExecScriptsStressGC(t *testing.T) {
	srcDir, resultDir := filepath.Join("testdata", "in"), filepath.Join("testdata", "out")

	for _, name := range filetest.SourceFiles(t, srcDir, ".nlb") {
		t.Run(name, func(t *testing.T) {
			b, err := os.ReadFile(filepath.Join(srcDir, name))
			require.NoError(t, err)

			th := machine.Thread{StressGC: true}
			got, err := runSource(t, &th, string(b))
			require.NoError(t, err)
			filetest.DiffOutput(t, name, got, resultDir, testUpdateExecTests)
		})
	}
}

func TestRuntimeErrors(t *testing.T) {
	cases := []struct {
		name  string
		src   string
		msg   string
		trace []machine.TraceEntry
	}{
		{
			name:  "negate string",
			src:   `print -"x";`,
			msg:   "Operand must be a number.",
			trace: []machine.TraceEntry{{Line: 1}},
		},
		{
			name:  "add number and nil",
			src:   `print 1 + nil;`,
			msg:   "Operands must be two numbers or two strings.",
			trace: []machine.TraceEntry{{Line: 1}},
		},
		{
			name:  "add string and number",
			src:   `print "x" + 1;`,
			msg:   "Operands must be two numbers or two strings.",
			trace: []machine.TraceEntry{{Line: 1}},
		},
		{
			name:  "compare number and string",
			src:   `print 1 < "a";`,
			msg:   "Operands must be numbers.",
			trace: []machine.TraceEntry{{Line: 1}},
		},
		{
			name:  "subtract strings",
			src:   `print "a" - "b";`,
			msg:   "Operands must be numbers.",
			trace: []machine.TraceEntry{{Line: 1}},
		},
		{
			name:  "undefined variable read",
			src:   `print x;`,
			msg:   "Undefined variable 'x'.",
			trace: []machine.TraceEntry{{Line: 1}},
		},
		{
			name:  "undefined variable write",
			src:   `x = 1;`,
			msg:   "Undefined variable 'x'.",
			trace: []machine.TraceEntry{{Line: 1}},
		},
		{
			name:  "call non-callable",
			src:   `"s"();`,
			msg:   "Can only call functions and classes.",
			trace: []machine.TraceEntry{{Line: 1}},
		},
		{
			name:  "wrong arity",
			src:   "fun f(a) {}\nf();",
			msg:   "Expected 1 arguments but got 0.",
			trace: []machine.TraceEntry{{Line: 2}},
		},
		{
			name: "nested trace",
			src:  "fun a() {\n  return b();\n}\nprint a();",
			msg:  "Undefined variable 'b'.",
			trace: []machine.TraceEntry{
				{Line: 2, Name: "a"},
				{Line: 4},
			},
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			var th machine.Thread
			_, err := runSource(t, &th, c.src)
			require.Error(t, err)

			var ee *machine.EvalError
			require.ErrorAs(t, err, &ee)
			require.Equal(t, c.msg, ee.Msg)
			require.Equal(t, c.trace, ee.Trace)
		})
	}
}

func TestStackOverflow(t *testing.T) {
	var th machine.Thread
	_, err := runSource(t, &th, "fun f() { return f(); }\nf();")
	require.Error(t, err)

	var ee *machine.EvalError
	require.ErrorAs(t, err, &ee)
	require.Equal(t, "Stack overflow.", ee.Msg)
	require.Len(t, ee.Trace, machine.MaxFrames)
	require.Equal(t, machine.TraceEntry{Line: 1, Name: "f"}, ee.Trace[0])
	require.Equal(t, machine.TraceEntry{Line: 2}, ee.Trace[machine.MaxFrames-1])
}

// TestThreadReusableAfterError verifies the REPL contract: a runtime
// error clears the machine state and the thread accepts new programs,
// with its globals intact.
func TestThreadReusableAfterError(t *testing.T) {
	var th machine.Thread
	_, err := runSource(t, &th, "var a = 40;\nprint a + nil;")
	require.Error(t, err)

	out, err := runSource(t, &th, "print a + 2;")
	require.NoError(t, err)
	require.Equal(t, "42\n", out)
}

func TestBuiltin(t *testing.T) {
	var th machine.Thread
	th.DefineBuiltin("answer", func(_ *machine.Thread, _ []machine.Value) (machine.Value, error) {
		return machine.Float(42), nil
	})
	th.DefineBuiltin("add", func(_ *machine.Thread, args []machine.Value) (machine.Value, error) {
		var sum machine.Float
		for _, a := range args {
			sum += a.(machine.Float)
		}
		return sum, nil
	})

	out, err := runSource(t, &th, "print answer();\nprint add(1, 2, 3);\nprint answer;")
	require.NoError(t, err)
	require.Equal(t, "42\n6\n<native fn>\n", out)
}

func TestBuiltinError(t *testing.T) {
	errBoom := os.ErrPermission
	var th machine.Thread
	th.DefineBuiltin("boom", func(_ *machine.Thread, _ []machine.Value) (machine.Value, error) {
		return nil, errBoom
	})

	_, err := runSource(t, &th, "boom();")
	require.Error(t, err)
	var ee *machine.EvalError
	require.ErrorAs(t, err, &ee)
	require.Equal(t, errBoom.Error(), ee.Msg)
}

func TestMaxSteps(t *testing.T) {
	th := machine.Thread{MaxSteps: 1000}
	_, err := runSource(t, &th, "var i = 0;\nwhile (true) { i = i + 1; }")
	require.Error(t, err)
	require.Contains(t, err.Error(), "thread cancelled")
}

func TestCancelledContext(t *testing.T) {
	var th machine.Thread
	fn, err := compiler.Compile([]byte("var i = 0;\nwhile (true) { i = i + 1; }"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	th.Stdout = io.Discard
	th.Stderr = io.Discard
	err = th.RunProgram(ctx, fn)
	require.Error(t, err)
	require.Contains(t, err.Error(), "thread cancelled")
}
