package machine

import (
	"fmt"
	"strings"
)

// A TraceEntry is one frame of a runtime error's stack trace. An empty
// Name denotes the top-level script.
type TraceEntry struct {
	Line int
	Name string
}

// An EvalError is a runtime error along with the stack trace at the
// point of failure, innermost frame first.
type EvalError struct {
	Msg   string
	Trace []TraceEntry
}

func (e *EvalError) Error() string { return e.Msg }

// Backtrace renders the stack trace, one "[line N] in f()" line per
// frame, innermost first; the top-level frame reads "in script".
func (e *EvalError) Backtrace() string {
	var sb strings.Builder
	for _, t := range e.Trace {
		if t.Name == "" {
			fmt.Fprintf(&sb, "[line %d] in script\n", t.Line)
		} else {
			fmt.Fprintf(&sb, "[line %d] in %s()\n", t.Line, t.Name)
		}
	}
	return sb.String()
}

// backtrace captures the trace of the current call stack, innermost
// first. The line of each frame is the one of the instruction at the
// offset just before the frame's saved ip.
func (th *Thread) backtrace() []TraceEntry {
	entries := make([]TraceEntry, 0, len(th.frames))
	for i := len(th.frames) - 1; i >= 0; i-- {
		fr := &th.frames[i]
		fn := fr.closure.Fn
		entry := TraceEntry{Line: fn.Funcode.Chunk.Line(fr.ip - 1)}
		if fn.Name != nil {
			entry.Name = fn.Name.Text()
		}
		entries = append(entries, entry)
	}
	return entries
}
