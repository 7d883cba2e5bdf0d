package vm

/*
	The AQ instruction set is register-style over a single flat,
	tagged memory area. Every operand is a slot: a byte offset into
	the data segment that also names the owning type-tag nibble.
	There is no separate register file the way a stack/register
	hybrid ISA has one — "destination", "lhs", "rhs" are all just
	slots.

	Each instruction is one opcode byte followed by a fixed number of
	ULEB-255 encoded slot operands, except INVOKE, whose operand count
	is read from memory at decode time (see decode.go).

		nop                       no-op
		load   src, dst           copy width(type_of(dst)) bytes from data+src to dst
		store  ptr, src           *word(data+ptr) = width(type_of(src)) bytes from data+src
		new    dst, size          allocate long-valued size bytes, write address into dst
		free   ptr                release the block whose address is at ptr
		ptr    index, dst         dst = data+index, as a machine word
		add/sub/mul/div/rem r,a,b arithmetic kernel ops, see kernel.go
		neg    r, a               unary negate
		shl/shr/sar r,a,b         shifts
		if     cond, t, f         PC += long(t) if byte@cond != 0, else PC += long(f)
		and/or/xor r,a,b          bitwise ops
		cmp    r, op, a, b        comparison, op in {EQ,NE,LT,LE,GT,GE}
		invoke (call frame)       see hostcall.go
		return                    terminate the current execution context
		goto   off                PC += long(off)
		throw                     reserved, currently no-op
		wide                      reserved, currently no-op
*/

// Opcode is the first byte of every AQ instruction.
type Opcode byte

const (
	OpNop Opcode = 0x00
	OpLoad Opcode = 0x01
	OpStore Opcode = 0x02
	OpNew Opcode = 0x03
	OpFree Opcode = 0x04
	OpPtr Opcode = 0x05

	OpAdd Opcode = 0x06
	OpSub Opcode = 0x07
	OpMul Opcode = 0x08
	OpDiv Opcode = 0x09
	OpRem Opcode = 0x0A

	OpNeg Opcode = 0x0B

	OpShl Opcode = 0x0C
	OpShr Opcode = 0x0D
	OpSar Opcode = 0x0E

	OpIf Opcode = 0x0F

	OpAnd Opcode = 0x10
	OpOr  Opcode = 0x11
	OpXor Opcode = 0x12

	OpCmp Opcode = 0x13

	OpInvoke Opcode = 0x14
	OpReturn Opcode = 0x15
	OpGoto   Opcode = 0x16
	OpThrow  Opcode = 0x17

	OpWide Opcode = 0xFF
)

var opcodeNames = map[Opcode]string{
	OpNop:    "nop",
	OpLoad:   "load",
	OpStore:  "store",
	OpNew:    "new",
	OpFree:   "free",
	OpPtr:    "ptr",
	OpAdd:    "add",
	OpSub:    "sub",
	OpMul:    "mul",
	OpDiv:    "div",
	OpRem:    "rem",
	OpNeg:    "neg",
	OpShl:    "shl",
	OpShr:    "shr",
	OpSar:    "sar",
	OpIf:     "if",
	OpAnd:    "and",
	OpOr:     "or",
	OpXor:    "xor",
	OpCmp:    "cmp",
	OpInvoke: "invoke",
	OpReturn: "return",
	OpGoto:   "goto",
	OpThrow:  "throw",
	OpWide:   "wide",
}

// String allows Opcode to be used directly with Print/Sprint, matching
// how the rest of this codebase prints instructions for debugging.
func (op Opcode) String() string {
	if s, ok := opcodeNames[op]; ok {
		return s
	}
	return "?unknown?"
}

// numFixedOperands returns the number of ULEB-255 slot operands that
// follow the opcode byte, for every opcode except OpInvoke, whose
// operand count depends on runtime memory contents (see
// DecodeCallFrame in decode.go).
func (op Opcode) numFixedOperands() int {
	switch op {
	case OpNop, OpReturn, OpThrow, OpWide:
		return 0
	case OpFree, OpGoto:
		return 1
	case OpLoad, OpStore, OpNew, OpPtr, OpNeg:
		return 2
	case OpIf:
		return 3
	case OpAdd, OpSub, OpMul, OpDiv, OpRem,
		OpShl, OpShr, OpSar,
		OpAnd, OpOr, OpXor:
		return 3
	case OpCmp:
		return 4
	default:
		return 0
	}
}

// IsArithmetic reports whether op is dispatched through the
// arithmetic/logic kernel's (op, workingType) table.
func (op Opcode) IsArithmetic() bool {
	switch op {
	case OpAdd, OpSub, OpMul, OpDiv, OpRem, OpNeg,
		OpShl, OpShr, OpSar, OpAnd, OpOr, OpXor:
		return true
	default:
		return false
	}
}

// CmpOp is the comparison selector carried as CMP's second operand.
type CmpOp byte

const (
	CmpEQ CmpOp = 0
	CmpNE CmpOp = 1
	CmpLT CmpOp = 2
	CmpLE CmpOp = 3
	CmpGT CmpOp = 4
	CmpGE CmpOp = 5
)

var cmpOpNames = map[CmpOp]string{
	CmpEQ: "eq", CmpNE: "ne", CmpLT: "lt", CmpLE: "le", CmpGT: "gt", CmpGE: "ge",
}

func (c CmpOp) String() string {
	if s, ok := cmpOpNames[c]; ok {
		return s
	}
	return "?unknown-cmp?"
}
