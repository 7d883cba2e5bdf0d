package vm

import (
	"fmt"
	"strings"
)

// Disassemble decodes code into "offset: MNEMONIC operand, ..." lines
// without executing it, per SPEC_FULL.md's supplemental disassembler.
// This is not the compiler (spec.md §1 keeps assembling text source
// into bytecode out of scope) - it only ever reads bytes already in
// AQ form, the same direction the teacher's Instruction.String() /
// Bytecode.String() pretty-printers go, generalized from the
// teacher's fixed 8-byte instruction encoding to this ISA's
// variable-length ULEB-255 operand stream.
//
// mem is optional (nil disassembles without resolving INVOKE's
// argument count, since that read happens against live memory - see
// spec.md §9's note that INVOKE's decode length depends on runtime
// data and therefore "prevents static disassembly"). When mem is nil,
// any INVOKE this function reaches is rendered as
// "invoke <unresolved>" and disassembly stops, since the byte offset
// of the next instruction cannot be known without executing up to it.
func Disassemble(code []byte, mem *Memory) string {
	var b strings.Builder
	pc := 0
	for pc < len(code) {
		op := Opcode(code[pc])
		start := pc
		pc++

		if op == OpInvoke {
			if mem == nil {
				fmt.Fprintf(&b, "%d: invoke <unresolved>\n", start)
				break
			}
			frame, next, err := DecodeCallFrame(code, pc, mem)
			if err != nil {
				fmt.Fprintf(&b, "%d: invoke <decode error: %v>\n", start, err)
				break
			}
			fmt.Fprintf(&b, "%d: invoke func=%d ret=%d args=%v\n", start, frame.FuncSlot, frame.RetSlot, frame.ArgSlots)
			pc = next
			continue
		}

		n := op.numFixedOperands()
		ops, next, err := DecodeN(code, pc, n)
		if err != nil {
			fmt.Fprintf(&b, "%d: %s <decode error: %v>\n", start, op, err)
			break
		}
		pc = next

		if n == 0 {
			fmt.Fprintf(&b, "%d: %s\n", start, op)
			continue
		}

		if op == OpCmp {
			fmt.Fprintf(&b, "%d: %s r=%d op=%s a=%d b=%d\n", start, op, ops[0], CmpOp(ops[1]), ops[2], ops[3])
			continue
		}

		strs := make([]string, len(ops))
		for i, v := range ops {
			strs[i] = fmt.Sprintf("%d", v)
		}
		fmt.Fprintf(&b, "%d: %s %s\n", start, op, strings.Join(strs, ", "))
	}
	return b.String()
}
