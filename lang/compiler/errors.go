package compiler

import "fmt"

// An Error is a single compile error with its source location. The
// rendered form is "[line N] Error at 'tok': message", with the at
// clause replaced by "at end" for errors at EOF and omitted entirely
// for errors reported on scanner error tokens.
type Error struct {
	Line  int
	Tok   string // raw text of the offending token
	AtEnd bool
	Msg   string
}

func (e *Error) Error() string {
	switch {
	case e.AtEnd:
		return fmt.Sprintf("[line %d] Error at end: %s", e.Line, e.Msg)
	case e.Tok == "":
		return fmt.Sprintf("[line %d] Error: %s", e.Line, e.Msg)
	default:
		return fmt.Sprintf("[line %d] Error at '%s': %s", e.Line, e.Tok, e.Msg)
	}
}

// An ErrorList is the list of all errors found during one compilation,
// in source order. As an error value it reports the first entry; the
// caller is expected to print every entry.
type ErrorList []*Error

func (l ErrorList) Error() string {
	if len(l) == 0 {
		return "no errors"
	}
	return l[0].Error()
}

// Err returns l as an error, or nil if the list is empty.
func (l ErrorList) Err() error {
	if len(l) == 0 {
		return nil
	}
	return l
}
