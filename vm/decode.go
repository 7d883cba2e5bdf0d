package vm

// ULEB-255 is the variable-length unsigned integer used for every
// instruction operand (spec.md §4.C): every non-terminal byte equals
// 255, and the terminal byte is < 255. The decoded value is
// (count of 255-bytes) * 255 + terminal-byte.
//
// The teacher's own instructions are fixed 8-byte structs with no
// analog to this - these decoders are built fresh, but in the
// teacher's idiom of small pure functions that return a decoded value
// alongside an updated cursor (mirroring popStackUint32's "read, then
// advance" shape).

// decodeULEB255 reads one ULEB-255 value starting at code[pc],
// bounded to len(code) so a malformed stream fails with Truncated
// instead of reading past the code segment (the over-read fix called
// out in spec.md §9).
func decodeULEB255(code []byte, pc int) (value uint64, newPC int, err error) {
	count := uint64(0)
	for {
		if pc >= len(code) {
			return 0, 0, newVMError(KindTruncated, int64(pc), ErrTruncated)
		}
		b := code[pc]
		pc++
		if b < 255 {
			return count*255 + uint64(b), pc, nil
		}
		count++
	}
}

// encodeULEB255 is the inverse of decodeULEB255, used by tests to
// build fixtures.
func encodeULEB255(v uint64) []byte {
	count := v / 255
	rem := byte(v % 255)
	out := make([]byte, 0, count+1)
	for i := uint64(0); i < count; i++ {
		out = append(out, 255)
	}
	return append(out, rem)
}

// DecodeN decodes k consecutive ULEB-255 operands starting at pc,
// returning their values in order and the new PC. The fixed-operand
// opcodes use k = 1..4; any k >= 0 is accepted (k = 0 decodes nothing,
// and DecodeCallFrame passes the runtime argument count).
func DecodeN(code []byte, pc int, k int) ([]uint64, int, error) {
	out := make([]uint64, k)
	for i := 0; i < k; i++ {
		v, next, err := decodeULEB255(code, pc)
		if err != nil {
			return nil, 0, err
		}
		out[i] = v
		pc = next
	}
	return out, pc, nil
}

// CallFrame is INVOKE's decoded operand set: a function slot, a
// return slot, and a variable-length argument slot list.
type CallFrame struct {
	FuncSlot  uint64
	RetSlot   uint64
	ArgCount  uint64
	ArgSlots  []uint64
}

// DecodeCallFrame decodes (func_slot, return_slot, arg_count_slot,
// arg_slot*), where the number of argument operands is the
// long-valued contents of memory at arg_count_slot *at decode time*
// (spec.md §4.C) - the one instruction whose decode length depends on
// runtime data, preserved here per the §9 design note's option (a),
// the spec's stated compatibility default.
func DecodeCallFrame(code []byte, pc int, mem *Memory) (CallFrame, int, error) {
	heads, pc, err := DecodeN(code, pc, 3)
	if err != nil {
		return CallFrame{}, 0, err
	}
	funcSlot, retSlot, argCountSlot := heads[0], heads[1], heads[2]

	argCountVal, err := mem.ReadAs(argCountSlot, TagLong)
	if err != nil {
		return CallFrame{}, 0, err
	}
	argCount := uint64(argCountVal.AsInt64())

	argSlots, pc, err := DecodeN(code, pc, int(argCount))
	if err != nil {
		return CallFrame{}, 0, err
	}

	return CallFrame{
		FuncSlot: funcSlot,
		RetSlot:  retSlot,
		ArgCount: argCount,
		ArgSlots: argSlots,
	}, pc, nil
}
