// Package compiler implements the single-pass compiler of the nelumbo
// language: a Pratt parser fused with bytecode emission. It drives the
// scanner token by token and emits code for the virtual machine as it
// goes, with no intermediate tree. Scope resolution and upvalue capture
// analysis happen inline, in the same left-to-right walk.
package compiler

import (
	"math"

	"github.com/mna/nelumbo/lang/scanner"
	"github.com/mna/nelumbo/lang/token"
)

const (
	maxLocals   = 256
	maxUpvalues = 256
	maxParams   = 255
	maxArgs     = 255
	maxJump     = math.MaxUint16
)

// Compile compiles a single source chunk (a file or a REPL line) in one
// pass and returns the function code of its top level. On error it
// returns an ErrorList with every error found; execution must be
// skipped in that case.
func Compile(src []byte) (*Funcode, error) {
	c := &compiler{}
	c.scan.Init(src)
	c.fcomp = newFcomp(nil, ftScript, "")
	c.advance()
	for !c.match(token.EOF) {
		c.declaration()
	}
	fn, _ := c.endFcomp()
	if err := c.errs.Err(); err != nil {
		return nil, err
	}
	return fn, nil
}

type funcType int8

const (
	ftScript funcType = iota
	ftFunction
)

// tokenInfo is a scanned token along with its value.
type tokenInfo struct {
	tok token.Token
	val token.Value
}

// compiler is the state shared by the whole compilation: the token
// cursor, the error list and the stack of per-function states.
type compiler struct {
	scan      scanner.Scanner
	prev, cur tokenInfo
	panicMode bool
	errs      ErrorList
	fcomp     *fcomp
}

// fcomp is the compiler state for a single function. Function
// declarations nest, so fcomps form an owned linked stack through
// enclosing, with exactly one active at a time.
type fcomp struct {
	enclosing  *fcomp
	fn         *Funcode
	ftype      funcType
	locals     []local
	upvalues   []upvalue
	scopeDepth int
}

type local struct {
	name       string
	depth      int // -1 while declared but not yet initialized
	isCaptured bool
}

type upvalue struct {
	index   byte
	isLocal bool // index is a local slot of the enclosing function, else one of its upvalue slots
}

func newFcomp(enclosing *fcomp, ftype funcType, name string) *fcomp {
	f := &fcomp{
		enclosing: enclosing,
		fn:        &Funcode{Name: name},
		ftype:     ftype,
	}
	// slot zero holds the callee and is not nameable
	f.locals = append(f.locals, local{depth: 0})
	return f
}

// endFcomp finishes the current function with an implicit return, pops
// its state and returns the function code and its upvalue descriptors.
func (c *compiler) endFcomp() (*Funcode, []upvalue) {
	c.emitReturn()
	f := c.fcomp
	f.fn.UpvalueCount = len(f.upvalues)
	c.fcomp = f.enclosing
	return f.fn, f.upvalues
}

// ----- token cursor

// advance moves to the next token, reporting scanner error tokens as
// parse errors and skipping over them.
func (c *compiler) advance() {
	c.prev = c.cur
	for {
		c.cur.tok = c.scan.Scan(&c.cur.val)
		switch c.cur.tok {
		case token.ILLEGAL:
			c.errorAtCurrent("Unexpected character.")
		case token.UNTERMINATED:
			c.errorAtCurrent("Unterminated string.")
		default:
			return
		}
	}
}

func (c *compiler) check(tok token.Token) bool {
	return c.cur.tok == tok
}

func (c *compiler) match(tok token.Token) bool {
	if !c.check(tok) {
		return false
	}
	c.advance()
	return true
}

func (c *compiler) consume(tok token.Token, msg string) {
	if c.cur.tok == tok {
		c.advance()
		return
	}
	c.errorAtCurrent(msg)
}

// ----- error reporting

func (c *compiler) errorAtCurrent(msg string) { c.errorAt(c.cur, msg) }
func (c *compiler) errorAtPrev(msg string)    { c.errorAt(c.prev, msg) }

// errorAt records an error at the given token and enters panic mode;
// further errors are suppressed until the next synchronization point.
func (c *compiler) errorAt(at tokenInfo, msg string) {
	if c.panicMode {
		return
	}
	c.panicMode = true

	e := &Error{Line: at.val.Line, Msg: msg}
	switch at.tok {
	case token.EOF:
		e.AtEnd = true
	case token.ILLEGAL, token.UNTERMINATED:
		// no at clause, the raw text is what the message is about
	default:
		e.Tok = at.val.Raw
	}
	c.errs = append(c.errs, e)
}

// synchronize exits panic mode at the next statement boundary: right
// after a semicolon, or right before a token that starts a new
// declaration-level construct.
func (c *compiler) synchronize() {
	c.panicMode = false
	for c.cur.tok != token.EOF {
		if c.prev.tok == token.SEMI {
			return
		}
		switch c.cur.tok {
		case token.CLASS, token.FUN, token.VAR, token.FOR,
			token.IF, token.WHILE, token.PRINT, token.RETURN:
			return
		}
		c.advance()
	}
}

// ----- emission

func (c *compiler) emit(bs ...byte) {
	for _, b := range bs {
		c.fcomp.fn.Chunk.write(b, c.prev.val.Line)
	}
}

func (c *compiler) emitOp(op Opcode)              { c.emit(byte(op)) }
func (c *compiler) emitOps(op1, op2 Opcode)       { c.emit(byte(op1), byte(op2)) }
func (c *compiler) emitOpByte(op Opcode, b byte)  { c.emit(byte(op), b) }

func (c *compiler) emitReturn() {
	c.emitOps(NIL, RETURN)
}

// makeConstant adds v to the current chunk's constant pool and returns
// its index, reporting an error if the pool is full.
func (c *compiler) makeConstant(v Constant) byte {
	idx, ok := c.fcomp.fn.Chunk.addConstant(v)
	if !ok {
		c.errorAtPrev("Too many constants in one chunk.")
		return 0
	}
	return byte(idx)
}

func (c *compiler) emitConstant(v Constant) {
	c.emitOpByte(CONSTANT, c.makeConstant(v))
}

// emitJump emits a forward jump with a placeholder offset and returns
// the offset of the placeholder for patchJump.
func (c *compiler) emitJump(op Opcode) int {
	c.emitOp(op)
	c.emit(0xff, 0xff)
	return len(c.fcomp.fn.Chunk.Code) - 2
}

// patchJump back-fills the two-byte operand at off with the distance
// from the end of the operand to the current end of code.
func (c *compiler) patchJump(off int) {
	code := c.fcomp.fn.Chunk.Code
	jump := len(code) - off - 2
	if jump > maxJump {
		c.errorAtPrev("Too much code to jump over.")
	}
	code[off] = byte(jump >> 8)
	code[off+1] = byte(jump)
}

// emitLoop emits a backward jump to loopStart.
func (c *compiler) emitLoop(loopStart int) {
	c.emitOp(LOOP)
	off := len(c.fcomp.fn.Chunk.Code) - loopStart + 2
	if off > maxJump {
		c.errorAtPrev("Loop body too large.")
	}
	c.emit(byte(off>>8), byte(off))
}

// ----- scopes, locals and upvalues

func (c *compiler) beginScope() { c.fcomp.scopeDepth++ }

// endScope discards the locals of the scope being left, closing the
// upvalues of captured ones.
func (c *compiler) endScope() {
	f := c.fcomp
	f.scopeDepth--
	for len(f.locals) > 0 && f.locals[len(f.locals)-1].depth > f.scopeDepth {
		if f.locals[len(f.locals)-1].isCaptured {
			c.emitOp(CLOSEUPVALUE)
		} else {
			c.emitOp(POP)
		}
		f.locals = f.locals[:len(f.locals)-1]
	}
}

func (c *compiler) addLocal(name string) {
	if len(c.fcomp.locals) == maxLocals {
		c.errorAtPrev("Too many local variables in function.")
		return
	}
	c.fcomp.locals = append(c.fcomp.locals, local{name: name, depth: -1})
}

// declareVariable registers the previous token as a local of the
// current scope; at global scope it does nothing, globals are defined
// by name at runtime.
func (c *compiler) declareVariable() {
	f := c.fcomp
	if f.scopeDepth == 0 {
		return
	}
	name := c.prev.val.Raw
	for i := len(f.locals) - 1; i >= 0; i-- {
		l := f.locals[i]
		if l.depth != -1 && l.depth < f.scopeDepth {
			break
		}
		if l.name == name {
			c.errorAtPrev("Already a variable with this name in this scope.")
		}
	}
	c.addLocal(name)
}

func (c *compiler) markInitialized() {
	f := c.fcomp
	if f.scopeDepth == 0 {
		return
	}
	f.locals[len(f.locals)-1].depth = f.scopeDepth
}

// resolveLocal returns the slot of name in f's locals, or false if name
// does not resolve to a local there.
func (c *compiler) resolveLocal(f *fcomp, name string) (byte, bool) {
	for i := len(f.locals) - 1; i >= 0; i-- {
		if f.locals[i].name == name {
			if f.locals[i].depth == -1 {
				c.errorAtPrev("Can't read local variable in its own initializer.")
			}
			return byte(i), true
		}
	}
	return 0, false
}

// resolveUpvalue resolves name in the functions enclosing f and, if
// found, threads an upvalue chain down to f, marking the captured local
// on the way. It returns the upvalue slot in f.
func (c *compiler) resolveUpvalue(f *fcomp, name string) (byte, bool) {
	if f.enclosing == nil {
		return 0, false
	}
	if slot, ok := c.resolveLocal(f.enclosing, name); ok {
		f.enclosing.locals[slot].isCaptured = true
		return c.addUpvalue(f, slot, true), true
	}
	if slot, ok := c.resolveUpvalue(f.enclosing, name); ok {
		return c.addUpvalue(f, slot, false), true
	}
	return 0, false
}

// addUpvalue returns the slot of the (index, isLocal) upvalue in f,
// adding it if not already present.
func (c *compiler) addUpvalue(f *fcomp, index byte, isLocal bool) byte {
	for i, uv := range f.upvalues {
		if uv.index == index && uv.isLocal == isLocal {
			return byte(i)
		}
	}
	if len(f.upvalues) == maxUpvalues {
		c.errorAtPrev("Too many closure variables in function.")
		return 0
	}
	f.upvalues = append(f.upvalues, upvalue{index: index, isLocal: isLocal})
	return byte(len(f.upvalues) - 1)
}

// ----- declarations and statements

func (c *compiler) declaration() {
	switch {
	case c.match(token.FUN):
		c.funDeclaration()
	case c.match(token.VAR):
		c.varDeclaration()
	default:
		c.statement()
	}
	if c.panicMode {
		c.synchronize()
	}
}

func (c *compiler) varDeclaration() {
	global := c.parseVariable("Expect variable name.")
	if c.match(token.EQ) {
		c.expression()
	} else {
		c.emitOp(NIL)
	}
	c.consume(token.SEMI, "Expect ';' after variable declaration.")
	c.defineVariable(global)
}

func (c *compiler) funDeclaration() {
	global := c.parseVariable("Expect function name.")
	// the function may refer to itself recursively, so the name must be
	// usable before the body is compiled
	c.markInitialized()
	c.function()
	c.defineVariable(global)
}

// parseVariable consumes an identifier and declares it. The returned
// constant index is only meaningful at global scope.
func (c *compiler) parseVariable(msg string) byte {
	c.consume(token.IDENT, msg)
	c.declareVariable()
	if c.fcomp.scopeDepth > 0 {
		return 0
	}
	return c.identifierConstant(c.prev.val.Raw)
}

func (c *compiler) identifierConstant(name string) byte {
	return c.makeConstant(name)
}

func (c *compiler) defineVariable(global byte) {
	if c.fcomp.scopeDepth > 0 {
		c.markInitialized()
		return
	}
	c.emitOpByte(DEFINEGLOBAL, global)
}

// function compiles a function body into a nested fcomp and emits the
// CLOSURE instruction with its upvalue descriptors in the enclosing
// chunk.
func (c *compiler) function() {
	c.fcomp = newFcomp(c.fcomp, ftFunction, c.prev.val.Raw)
	c.beginScope()

	c.consume(token.LPAREN, "Expect '(' after function name.")
	if !c.check(token.RPAREN) {
		for first := true; first || c.match(token.COMMA); first = false {
			c.fcomp.fn.Arity++
			if c.fcomp.fn.Arity > maxParams {
				c.errorAtCurrent("Can't have more than 255 parameters.")
			}
			idx := c.parseVariable("Expect parameter name.")
			c.defineVariable(idx)
		}
	}
	c.consume(token.RPAREN, "Expect ')' after parameters.")
	c.consume(token.LBRACE, "Expect '{' before function body.")
	c.block()

	// no endScope: the frame teardown discards the whole call window
	fn, upvalues := c.endFcomp()
	c.emitOpByte(CLOSURE, c.makeConstant(fn))
	for _, uv := range upvalues {
		isLocal := byte(0)
		if uv.isLocal {
			isLocal = 1
		}
		c.emit(isLocal, uv.index)
	}
}

func (c *compiler) statement() {
	switch {
	case c.match(token.PRINT):
		c.printStatement()
	case c.match(token.IF):
		c.ifStatement()
	case c.match(token.WHILE):
		c.whileStatement()
	case c.match(token.FOR):
		c.forStatement()
	case c.match(token.RETURN):
		c.returnStatement()
	case c.match(token.LBRACE):
		c.beginScope()
		c.block()
		c.endScope()
	default:
		c.expressionStatement()
	}
}

func (c *compiler) block() {
	for !c.check(token.RBRACE) && !c.check(token.EOF) {
		c.declaration()
	}
	c.consume(token.RBRACE, "Expect '}' after block.")
}

func (c *compiler) printStatement() {
	c.expression()
	c.consume(token.SEMI, "Expect ';' after value.")
	c.emitOp(PRINT)
}

func (c *compiler) expressionStatement() {
	c.expression()
	c.consume(token.SEMI, "Expect ';' after expression.")
	c.emitOp(POP)
}

func (c *compiler) ifStatement() {
	c.consume(token.LPAREN, "Expect '(' after 'if'.")
	c.expression()
	c.consume(token.RPAREN, "Expect ')' after condition.")

	thenJump := c.emitJump(JUMPIFFALSE)
	c.emitOp(POP)
	c.statement()
	elseJump := c.emitJump(JUMP)
	c.patchJump(thenJump)
	c.emitOp(POP)
	if c.match(token.ELSE) {
		c.statement()
	}
	c.patchJump(elseJump)
}

func (c *compiler) whileStatement() {
	loopStart := len(c.fcomp.fn.Chunk.Code)
	c.consume(token.LPAREN, "Expect '(' after 'while'.")
	c.expression()
	c.consume(token.RPAREN, "Expect ')' after condition.")

	exitJump := c.emitJump(JUMPIFFALSE)
	c.emitOp(POP)
	c.statement()
	c.emitLoop(loopStart)
	c.patchJump(exitJump)
	c.emitOp(POP)
}

func (c *compiler) forStatement() {
	c.beginScope()
	c.consume(token.LPAREN, "Expect '(' after 'for'.")
	switch {
	case c.match(token.SEMI):
		// no initializer
	case c.match(token.VAR):
		c.varDeclaration()
	default:
		c.expressionStatement()
	}

	loopStart := len(c.fcomp.fn.Chunk.Code)
	exitJump := -1
	if !c.match(token.SEMI) {
		c.expression()
		c.consume(token.SEMI, "Expect ';' after loop condition.")
		exitJump = c.emitJump(JUMPIFFALSE)
		c.emitOp(POP)
	}

	if !c.match(token.RPAREN) {
		// the increment runs after the body: jump over it now, loop back
		// to it from the end of the body
		bodyJump := c.emitJump(JUMP)
		incStart := len(c.fcomp.fn.Chunk.Code)
		c.expression()
		c.emitOp(POP)
		c.consume(token.RPAREN, "Expect ')' after for clauses.")
		c.emitLoop(loopStart)
		loopStart = incStart
		c.patchJump(bodyJump)
	}

	c.statement()
	c.emitLoop(loopStart)
	if exitJump != -1 {
		c.patchJump(exitJump)
		c.emitOp(POP)
	}
	c.endScope()
}

func (c *compiler) returnStatement() {
	if c.fcomp.ftype == ftScript {
		c.errorAtPrev("Can't return from top-level code.")
	}
	if c.match(token.SEMI) {
		c.emitReturn()
		return
	}
	c.expression()
	c.consume(token.SEMI, "Expect ';' after return value.")
	c.emitOp(RETURN)
}

// ----- expressions (Pratt parsing)

type precedence int8

const (
	precNone precedence = iota
	precAssignment
	precOr
	precAnd
	precEquality
	precComparison
	precTerm
	precFactor
	precUnary
	precCall
	precPrimary
)

type parseFn func(c *compiler, canAssign bool)

type parseRule struct {
	prefix parseFn
	infix  parseFn
	prec   precedence
}

// getRule returns the Pratt rule of a token type. It is a function
// instead of a table so that the rules can reference the parsing
// functions without an initialization cycle.
func getRule(tok token.Token) parseRule {
	switch tok {
	case token.LPAREN:
		return parseRule{prefix: (*compiler).grouping, infix: (*compiler).call, prec: precCall}
	case token.MINUS:
		return parseRule{prefix: (*compiler).unary, infix: (*compiler).binary, prec: precTerm}
	case token.PLUS:
		return parseRule{infix: (*compiler).binary, prec: precTerm}
	case token.SLASH, token.STAR:
		return parseRule{infix: (*compiler).binary, prec: precFactor}
	case token.BANG:
		return parseRule{prefix: (*compiler).unary}
	case token.BANGEQ, token.EQEQ:
		return parseRule{infix: (*compiler).binary, prec: precEquality}
	case token.GT, token.GE, token.LT, token.LE:
		return parseRule{infix: (*compiler).binary, prec: precComparison}
	case token.AND:
		return parseRule{infix: (*compiler).andOp, prec: precAnd}
	case token.OR:
		return parseRule{infix: (*compiler).orOp, prec: precOr}
	case token.IDENT:
		return parseRule{prefix: (*compiler).variable}
	case token.STRING:
		return parseRule{prefix: (*compiler).str}
	case token.NUMBER:
		return parseRule{prefix: (*compiler).number}
	case token.TRUE, token.FALSE, token.NIL:
		return parseRule{prefix: (*compiler).literal}
	default:
		return parseRule{}
	}
}

func (c *compiler) expression() {
	c.parsePrecedence(precAssignment)
}

// parsePrecedence parses and emits an expression of at least the given
// precedence: the prefix rule of the leading token, then every infix
// whose precedence is high enough.
func (c *compiler) parsePrecedence(p precedence) {
	c.advance()
	prefix := getRule(c.prev.tok).prefix
	if prefix == nil {
		c.errorAtPrev("Expect expression.")
		return
	}
	canAssign := p <= precAssignment
	prefix(c, canAssign)

	for p <= getRule(c.cur.tok).prec {
		c.advance()
		getRule(c.prev.tok).infix(c, canAssign)
	}

	// a '=' that no variable prefix consumed cannot be an assignment
	if canAssign && c.match(token.EQ) {
		c.errorAtPrev("Invalid assignment target.")
	}
}

func (c *compiler) grouping(_ bool) {
	c.expression()
	c.consume(token.RPAREN, "Expect ')' after expression.")
}

func (c *compiler) number(_ bool) {
	c.emitConstant(c.prev.val.Float)
}

func (c *compiler) str(_ bool) {
	c.emitConstant(c.prev.val.String)
}

func (c *compiler) literal(_ bool) {
	switch c.prev.tok {
	case token.FALSE:
		c.emitOp(FALSE)
	case token.TRUE:
		c.emitOp(TRUE)
	case token.NIL:
		c.emitOp(NIL)
	}
}

func (c *compiler) unary(_ bool) {
	op := c.prev.tok
	c.parsePrecedence(precUnary)
	switch op {
	case token.MINUS:
		c.emitOp(NEGATE)
	case token.BANG:
		c.emitOp(NOT)
	}
}

func (c *compiler) binary(_ bool) {
	op := c.prev.tok
	c.parsePrecedence(getRule(op).prec + 1)
	switch op {
	case token.BANGEQ:
		c.emitOps(EQUAL, NOT)
	case token.EQEQ:
		c.emitOp(EQUAL)
	case token.GT:
		c.emitOp(GREATER)
	case token.GE:
		c.emitOps(LESS, NOT)
	case token.LT:
		c.emitOp(LESS)
	case token.LE:
		c.emitOps(GREATER, NOT)
	case token.PLUS:
		c.emitOp(ADD)
	case token.MINUS:
		c.emitOp(SUBTRACT)
	case token.STAR:
		c.emitOp(MULTIPLY)
	case token.SLASH:
		c.emitOp(DIVIDE)
	}
}

// andOp short-circuits: the left operand is left on the stack when it
// is falsey.
func (c *compiler) andOp(_ bool) {
	endJump := c.emitJump(JUMPIFFALSE)
	c.emitOp(POP)
	c.parsePrecedence(precAnd)
	c.patchJump(endJump)
}

func (c *compiler) orOp(_ bool) {
	elseJump := c.emitJump(JUMPIFFALSE)
	endJump := c.emitJump(JUMP)
	c.patchJump(elseJump)
	c.emitOp(POP)
	c.parsePrecedence(precOr)
	c.patchJump(endJump)
}

func (c *compiler) call(_ bool) {
	argc := c.argumentList()
	c.emitOpByte(CALL, argc)
}

func (c *compiler) argumentList() byte {
	var argc int
	if !c.check(token.RPAREN) {
		for first := true; first || c.match(token.COMMA); first = false {
			c.expression()
			if argc == maxArgs {
				c.errorAtPrev("Can't have more than 255 arguments.")
			}
			argc++
		}
	}
	c.consume(token.RPAREN, "Expect ')' after arguments.")
	return byte(argc)
}

func (c *compiler) variable(canAssign bool) {
	c.namedVariable(c.prev.val.Raw, canAssign)
}

// namedVariable resolves name as a local, an upvalue or, failing both,
// a global looked up by name at runtime, and emits the matching get or
// set instruction.
func (c *compiler) namedVariable(name string, canAssign bool) {
	var getOp, setOp Opcode
	arg, ok := c.resolveLocal(c.fcomp, name)
	switch {
	case ok:
		getOp, setOp = GETLOCAL, SETLOCAL
	default:
		if arg, ok = c.resolveUpvalue(c.fcomp, name); ok {
			getOp, setOp = GETUPVALUE, SETUPVALUE
		} else {
			arg = c.identifierConstant(name)
			getOp, setOp = GETGLOBAL, SETGLOBAL
		}
	}

	if canAssign && c.match(token.EQ) {
		c.expression()
		c.emitOpByte(setOp, arg)
	} else {
		c.emitOpByte(getOp, arg)
	}
}
