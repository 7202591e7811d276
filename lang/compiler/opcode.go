package compiler

import "fmt"

type Opcode uint8

// One-byte opcodes with a fixed operand format: jumps and loops use a
// two-byte big-endian operand, CLOSURE uses a one-byte constant index
// followed by one (isLocal, index) byte pair per upvalue, and the rest
// use zero or one one-byte operands.
//
// "x ADD y" style stack pictures describe the state of the operand
// stack before and after execution of the instruction.
const ( //nolint:revive
	CONSTANT Opcode = iota //     - CONSTANT<c>      value

	NIL   //                      - NIL              nil
	TRUE  //                      - TRUE             true
	FALSE //                      - FALSE            false

	EQUAL   //                  x y EQUAL            bool
	GREATER //                  x y GREATER          bool
	LESS    //                  x y LESS             bool

	NEGATE   //                   x NEGATE           -x
	ADD      //                 x y ADD              x+y
	SUBTRACT //                 x y SUBTRACT         x-y
	MULTIPLY //                 x y MULTIPLY         x*y
	DIVIDE   //                 x y DIVIDE           x/y
	NOT      //                   x NOT              bool

	PRINT //                      x PRINT            -
	POP   //                      x POP              -

	DEFINEGLOBAL //               x DEFINEGLOBAL<c>  -
	GETGLOBAL    //               - GETGLOBAL<c>     value
	SETGLOBAL    //               x SETGLOBAL<c>     x
	GETLOCAL     //               - GETLOCAL<slot>   value
	SETLOCAL     //               x SETLOCAL<slot>   x
	GETUPVALUE   //               - GETUPVALUE<slot> value
	SETUPVALUE   //               x SETUPVALUE<slot> x

	JUMP        //                - JUMP<off>         -
	JUMPIFFALSE //             cond JUMPIFFALSE<off>  cond
	LOOP        //                - LOOP<off>         -

	CALL         //    fn a1 .. an CALL<n>            result
	CLOSURE      //               - CLOSURE<c> pairs  closure
	CLOSEUPVALUE //               x CLOSEUPVALUE      -
	RETURN       //               x RETURN            x

	OpcodeMax = RETURN
)

var opcodeNames = [...]string{
	CONSTANT:     "CONSTANT",
	NIL:          "NIL",
	TRUE:         "TRUE",
	FALSE:        "FALSE",
	EQUAL:        "EQUAL",
	GREATER:      "GREATER",
	LESS:         "LESS",
	NEGATE:       "NEGATE",
	ADD:          "ADD",
	SUBTRACT:     "SUBTRACT",
	MULTIPLY:     "MULTIPLY",
	DIVIDE:       "DIVIDE",
	NOT:          "NOT",
	PRINT:        "PRINT",
	POP:          "POP",
	DEFINEGLOBAL: "DEFINE_GLOBAL",
	GETGLOBAL:    "GET_GLOBAL",
	SETGLOBAL:    "SET_GLOBAL",
	GETLOCAL:     "GET_LOCAL",
	SETLOCAL:     "SET_LOCAL",
	GETUPVALUE:   "GET_UPVALUE",
	SETUPVALUE:   "SET_UPVALUE",
	JUMP:         "JUMP",
	JUMPIFFALSE:  "JUMP_IF_FALSE",
	LOOP:         "LOOP",
	CALL:         "CALL",
	CLOSURE:      "CLOSURE",
	CLOSEUPVALUE: "CLOSE_UPVALUE",
	RETURN:       "RETURN",
}

func (op Opcode) String() string {
	if op <= OpcodeMax {
		return opcodeNames[op]
	}
	return fmt.Sprintf("illegal op (%d)", op)
}

// opMode describes how an opcode's operands are encoded.
type opMode int8

const (
	modeSimple   opMode = iota // no operand
	modeByte                   // one-byte slot or argument count
	modeConstant               // one-byte constant pool index
	modeJump                   // two-byte big-endian forward offset
	modeLoop                   // two-byte big-endian backward offset
	modeClosure                // constant index + one byte pair per upvalue
)

var opModes = [...]opMode{
	CONSTANT:     modeConstant,
	NIL:          modeSimple,
	TRUE:         modeSimple,
	FALSE:        modeSimple,
	EQUAL:        modeSimple,
	GREATER:      modeSimple,
	LESS:         modeSimple,
	NEGATE:       modeSimple,
	ADD:          modeSimple,
	SUBTRACT:     modeSimple,
	MULTIPLY:     modeSimple,
	DIVIDE:       modeSimple,
	NOT:          modeSimple,
	PRINT:        modeSimple,
	POP:          modeSimple,
	DEFINEGLOBAL: modeConstant,
	GETGLOBAL:    modeConstant,
	SETGLOBAL:    modeConstant,
	GETLOCAL:     modeByte,
	SETLOCAL:     modeByte,
	GETUPVALUE:   modeByte,
	SETUPVALUE:   modeByte,
	JUMP:         modeJump,
	JUMPIFFALSE:  modeJump,
	LOOP:         modeLoop,
	CALL:         modeByte,
	CLOSURE:      modeClosure,
	CLOSEUPVALUE: modeSimple,
	RETURN:       modeSimple,
}

// mode returns the operand encoding of op.
func (op Opcode) mode() opMode {
	if op <= OpcodeMax {
		return opModes[op]
	}
	return modeSimple
}
