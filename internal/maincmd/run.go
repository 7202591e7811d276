package maincmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mna/mainer"

	"github.com/mna/nelumbo/lang/compiler"
	"github.com/mna/nelumbo/lang/machine"
	"github.com/mna/nelumbo/lang/scanner"
	"github.com/mna/nelumbo/lang/token"
)

func (c *Cmd) runFile(ctx context.Context, stdio mainer.Stdio, path string) mainer.ExitCode {
	b, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(stdio.Stderr, "could not read input file %s: %s\n", path, err)
		return exitIO
	}

	if c.Tokens {
		tokenize(stdio, b)
		return mainer.Success
	}

	fn, err := compiler.Compile(b)
	if err != nil {
		printCompileErrors(stdio, err)
		return exitCompile
	}
	if c.Disasm {
		fmt.Fprint(stdio.Stdout, compiler.Disasm(fn))
	}

	th := c.newThread(stdio)
	if err := th.RunProgram(ctx, fn); err != nil {
		// the machine already printed the error and its stack trace
		return exitRuntime
	}
	return mainer.Success
}

func (c *Cmd) newThread(stdio mainer.Stdio) *machine.Thread {
	th := &machine.Thread{
		Stdout:    stdio.Stdout,
		Stderr:    stdio.Stderr,
		TraceExec: c.Trace,
		StressGC:  c.StressGC,
		VerboseGC: c.VerboseGC,
	}
	th.DefineBuiltin("clock", func(_ *machine.Thread, _ []machine.Value) (machine.Value, error) {
		return machine.Float(time.Now().UnixMilli()), nil
	})
	return th
}

func printCompileErrors(stdio mainer.Stdio, err error) {
	var list compiler.ErrorList
	if errors.As(err, &list) {
		for _, e := range list {
			fmt.Fprintln(stdio.Stderr, e)
		}
		return
	}
	fmt.Fprintln(stdio.Stderr, err)
}

// tokenize prints the token stream of src, one token per line with its
// source line in the left column ("|" when unchanged).
func tokenize(stdio mainer.Stdio, src []byte) {
	var (
		s    scanner.Scanner
		val  token.Value
		line int
	)
	s.Init(src)
	for {
		tok := s.Scan(&val)
		if val.Line != line {
			line = val.Line
			fmt.Fprintf(stdio.Stdout, "%4d ", line)
		} else {
			fmt.Fprint(stdio.Stdout, "   | ")
		}
		if tok.HasValue() {
			fmt.Fprintf(stdio.Stdout, "%s %s\n", tok, tok.Literal(val))
		} else {
			fmt.Fprintln(stdio.Stdout, tok.GoString())
		}
		if tok == token.EOF {
			return
		}
	}
}
