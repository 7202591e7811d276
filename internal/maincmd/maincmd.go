// Package maincmd implements the command-line interface of the nelumbo
// interpreter: running a script file, the interactive REPL, and the
// debugging surfaces (token dump, disassembly, execution and GC
// traces).
package maincmd

import (
	"context"
	"fmt"
	"os"

	"github.com/caarlos0/env/v6"
	"github.com/mna/mainer"
)

const (
	binName   = "nelumbo"
	envPrefix = "NELUMBO_"
)

// Exit codes of the interpreter (sysexits-style, as expected by the
// language's test harnesses).
const (
	exitUsage   mainer.ExitCode = 64 // bad command line
	exitCompile mainer.ExitCode = 65 // compile error
	exitRuntime mainer.ExitCode = 70 // runtime error
	exitIO      mainer.ExitCode = 74 // file could not be read
)

var (
	shortUsage = fmt.Sprintf("usage: %s [path]", binName)

	longUsage = fmt.Sprintf(`usage: %s [<option>...] [<path>]
       %[1]s -h|--help
       %[1]s -v|--version

Interpreter for the %[1]s programming language. With a <path>, compiles
and runs that script; without, starts an interactive session reading one
statement per line.

Valid flag options are:
       -h --help                 Show this help and exit.
       -v --version              Print version and exit.
       --tokens                  Print the token stream instead of
                                 executing.
       --disasm                  Print the disassembly of the compiled
                                 code before executing.
       --trace                   Print each instruction and the operand
                                 stack as the machine executes.
       --stress-gc               Run a garbage collection at every
                                 allocation check point.
       --verbose-gc              Log garbage collection activity.

Each flag option can also be set via an environment variable with the
%[2]s prefix (e.g. %[2]sTRACE=true).

More information on the %[1]s repository:
       https://github.com/mna/%[1]s
`, binName, envPrefix)
)

type Cmd struct {
	BuildVersion string
	BuildDate    string

	Help    bool `flag:"h,help"`
	Version bool `flag:"v,version"`

	Tokens    bool `flag:"tokens" env:"TOKENS"`
	Disasm    bool `flag:"disasm" env:"DISASM"`
	Trace     bool `flag:"trace" env:"TRACE"`
	StressGC  bool `flag:"stress-gc" env:"STRESS_GC"`
	VerboseGC bool `flag:"verbose-gc" env:"VERBOSE_GC"`

	args  []string
	flags map[string]bool
}

func (c *Cmd) SetArgs(args []string) {
	c.args = args
}

func (c *Cmd) SetFlags(flags map[string]bool) {
	c.flags = flags
}

// Validate fills the flags that were not set explicitly on the command
// line from their environment variables.
func (c *Cmd) Validate() error {
	var envc Cmd
	if err := env.Parse(&envc, env.Options{Prefix: envPrefix}); err != nil {
		return err
	}
	if !c.flags["tokens"] {
		c.Tokens = c.Tokens || envc.Tokens
	}
	if !c.flags["disasm"] {
		c.Disasm = c.Disasm || envc.Disasm
	}
	if !c.flags["trace"] {
		c.Trace = c.Trace || envc.Trace
	}
	if !c.flags["stress-gc"] {
		c.StressGC = c.StressGC || envc.StressGC
	}
	if !c.flags["verbose-gc"] {
		c.VerboseGC = c.VerboseGC || envc.VerboseGC
	}
	return nil
}

func (c *Cmd) Main(args []string, stdio mainer.Stdio) mainer.ExitCode {
	p := mainer.Parser{
		EnvVars:   false, // env vars are merged in Validate, flags win
		EnvPrefix: envPrefix,
	}
	if err := p.Parse(args, c); err != nil {
		fmt.Fprintf(stdio.Stderr, "invalid arguments: %s\n%s\n", err, shortUsage)
		return mainer.InvalidArgs
	}

	switch {
	case c.Help:
		fmt.Fprint(stdio.Stdout, longUsage)
		return mainer.Success

	case c.Version:
		fmt.Fprintf(stdio.Stdout, "%s %s %s\n", binName, c.BuildVersion, c.BuildDate)
		return mainer.Success
	}

	ctx := mainer.CancelOnSignal(context.Background(), os.Interrupt)
	switch len(c.args) {
	case 0:
		return c.repl(ctx, stdio)
	case 1:
		return c.runFile(ctx, stdio, c.args[0])
	default:
		fmt.Fprintln(stdio.Stderr, shortUsage)
		return exitUsage
	}
}
