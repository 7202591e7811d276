package maincmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/mna/mainer"
	"github.com/peterh/liner"

	"github.com/mna/nelumbo/lang/compiler"
)

// repl runs the interactive loop: one statement per line, with the
// machine state (globals, interned strings) persisting across lines.
// Errors are printed and the loop continues; EOF ends the session.
func (c *Cmd) repl(ctx context.Context, stdio mainer.Stdio) mainer.ExitCode {
	th := c.newThread(stdio)

	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	for ctx.Err() == nil {
		src, err := line.Prompt("> ")
		if err == liner.ErrPromptAborted {
			continue
		}
		if err != nil {
			// io.EOF on ctrl-D, or the terminal went away
			break
		}
		if strings.TrimSpace(src) == "" {
			continue
		}
		line.AppendHistory(src)

		fn, err := compiler.Compile([]byte(src))
		if err != nil {
			printCompileErrors(stdio, err)
			continue
		}
		if c.Disasm {
			fmt.Fprint(stdio.Stdout, compiler.Disasm(fn))
		}
		// a runtime error was printed with its trace, keep going
		_ = th.RunProgram(ctx, fn)
	}
	fmt.Fprintln(stdio.Stdout)
	return mainer.Success
}
