package vm

import (
	"context"
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildProgram assembles an *Image by hand, the way these scenario
// tests exercise the execution loop directly instead of through a
// compiler this repository doesn't have (spec.md §1 keeps the
// text-to-bytecode assembler out of scope).
func buildProgram(memSize uint64, tagsBySlot map[uint64]Tag, init map[uint64]int32, code []byte) *Image {
	data := make([]byte, memSize)
	for slot, v := range init {
		binary.LittleEndian.PutUint32(data[slot:], uint32(v))
	}

	types := make([]byte, (memSize+1)/2)
	for slot, tag := range tagsBySlot {
		if slot%2 == 0 {
			types[slot/2] = (types[slot/2] & 0x0F) | (byte(tag) << 4)
		} else {
			types[slot/2] = (types[slot/2] & 0xF0) | byte(tag)
		}
	}

	return &Image{MemSize: memSize, Data: data, Types: types, Code: code}
}

func assembleFixed(op Opcode, operands ...uint64) []byte {
	out := []byte{byte(op)}
	for _, v := range operands {
		out = append(out, encodeULEB255(v)...)
	}
	return out
}

func TestScenarioNopOnlyProgram(t *testing.T) {
	img := buildProgram(0, nil, nil, concat(
		assembleFixed(OpNop),
		assembleFixed(OpReturn),
	))

	machine := New(img, WithoutBuiltins())
	err := machine.Run(context.Background())
	require.NoError(t, err)
}

func TestScenarioAddTwoInts(t *testing.T) {
	img := buildProgram(12,
		map[uint64]Tag{0: TagInt, 4: TagInt, 8: TagInt},
		map[uint64]int32{0: 2, 4: 3},
		concat(
			assembleFixed(OpAdd, 8, 0, 4),
			assembleFixed(OpReturn),
		))

	machine := New(img, WithoutBuiltins())
	require.NoError(t, machine.Run(context.Background()))

	result, err := machine.Memory().ReadAs(8, TagInt)
	require.NoError(t, err)
	assert.Equal(t, int64(5), result.AsInt64())
}

func TestScenarioFloatIntMixedAddPromotesToFloat(t *testing.T) {
	memSize := uint64(20)
	data := make([]byte, memSize)
	binary.LittleEndian.PutUint32(data[0:], uint32(2)) // int slot 0 = 2
	binary.LittleEndian.PutUint32(data[4:], math.Float32bits(1.5))

	types := make([]byte, (memSize+1)/2)
	img := &Image{MemSize: memSize, Data: data, Types: types, Code: concat(
		assembleFixed(OpAdd, 12, 0, 4),
		assembleFixed(OpReturn),
	)}
	setTagInImage(img, 0, TagInt)
	setTagInImage(img, 4, TagFloat)
	setTagInImage(img, 12, TagDouble)

	machine := New(img, WithoutBuiltins())
	require.NoError(t, machine.Run(context.Background()))

	result, err := machine.Memory().ReadAs(12, TagDouble)
	require.NoError(t, err)
	assert.InDelta(t, 3.5, result.AsFloat64(), 1e-6)
}

func TestScenarioCmpLessThan(t *testing.T) {
	memSize := uint64(20)
	img := buildProgram(memSize,
		map[uint64]Tag{0: TagInt, 4: TagInt, 16: TagByte},
		map[uint64]int32{0: 1, 4: 2},
		nil)
	setTagInImage(img, 8, TagByte) // op selector slot
	img.Code = concat(
		assembleFixed(OpCmp, 16, 8, 0, 4),
		assembleFixed(OpReturn),
	)
	// op selector is read as TagByte from slot 8; write CmpLT's value there.
	img.Data[8] = byte(CmpLT)

	machine := New(img, WithoutBuiltins())
	require.NoError(t, machine.Run(context.Background()))

	result, err := machine.Memory().ReadAs(16, TagByte)
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.AsInt64())
}

func TestScenarioUnconditionalGoto(t *testing.T) {
	memSize := uint64(8)
	img := buildProgram(memSize,
		map[uint64]Tag{0: TagLong},
		nil, nil)

	// GOTO's own decode advances the PC past its operand first, then
	// adds the long-valued offset read from slot 0; the jump target
	// skips a deliberately-unreachable NOP and lands on RETURN.
	gotoInstr := assembleFixed(OpGoto, 0)
	unreachable := assembleFixed(OpNop)
	landing := assembleFixed(OpReturn)

	offset := int64(len(unreachable))
	binary.LittleEndian.PutUint64(img.Data[0:], uint64(offset))

	landingOffset := int64(len(gotoInstr) + len(unreachable))
	img.Code = concat(gotoInstr, unreachable, landing)

	machine := New(img, WithoutBuiltins())
	require.NoError(t, machine.Run(context.Background()))
	// RETURN never advances the PC past its own opcode byte, so
	// execution ends with the PC parked on the landing instruction.
	assert.Equal(t, landingOffset, machine.PC())
}

func TestScenarioInvokePrint(t *testing.T) {
	memSize := uint64(32)
	img := buildProgram(memSize,
		map[uint64]Tag{0: tagRef, 8: TagInt, 16: TagLong, 24: tagRef},
		nil, nil)

	copy(img.Data[24:], "print\x00")
	binary.LittleEndian.PutUint64(img.Data[0:], 24) // func_slot -> name string
	binary.LittleEndian.PutUint64(img.Data[16:], 1) // arg_count = 1

	invokeInstr := []byte{byte(OpInvoke)}
	invokeInstr = append(invokeInstr, encodeULEB255(0)...)  // func_slot
	invokeInstr = append(invokeInstr, encodeULEB255(8)...)  // return_slot
	invokeInstr = append(invokeInstr, encodeULEB255(16)...) // arg_count_slot
	invokeInstr = append(invokeInstr, encodeULEB255(0)...)  // arg 0: the name pointer itself, reused as a convenient ref arg

	img.Code = concat(invokeInstr, assembleFixed(OpReturn))

	machine := New(img, WithoutBuiltins())
	var out []byte
	RegisterBuiltins(machine.Names(), &byteSink{buf: &out}, machine.logger, machine.ID)

	require.NoError(t, machine.Run(context.Background()))

	ret, err := machine.Memory().ReadAs(8, TagInt)
	require.NoError(t, err)
	assert.True(t, ret.AsInt64() > 0, "print should report a positive byte count")
}

func TestScenarioUnknownOpcodeIsFatal(t *testing.T) {
	img := buildProgram(0, nil, nil, []byte{0xAB})

	machine := New(img, WithoutBuiltins())
	err := machine.Run(context.Background())
	verr, ok := err.(*VMError)
	require.True(t, ok)
	assert.Equal(t, KindUnknownOpcode, verr.Kind)
}

func TestScenarioDivByZeroIsFatal(t *testing.T) {
	img := buildProgram(12,
		map[uint64]Tag{0: TagInt, 4: TagInt, 8: TagInt},
		map[uint64]int32{0: 1, 4: 0},
		concat(assembleFixed(OpDiv, 8, 0, 4), assembleFixed(OpReturn)))

	machine := New(img, WithoutBuiltins())
	err := machine.Run(context.Background())
	verr, ok := err.(*VMError)
	require.True(t, ok)
	assert.Equal(t, KindDivByZero, verr.Kind)
}

func TestScenarioLoadCopiesBetweenSlots(t *testing.T) {
	img := buildProgram(8,
		map[uint64]Tag{0: TagInt, 4: TagInt},
		map[uint64]int32{0: 7},
		concat(assembleFixed(OpLoad, 0, 4), assembleFixed(OpReturn)))

	machine := New(img, WithoutBuiltins())
	require.NoError(t, machine.Run(context.Background()))

	result, err := machine.Memory().ReadAs(4, TagInt)
	require.NoError(t, err)
	assert.Equal(t, int64(7), result.AsInt64())
}

func TestScenarioStoreWritesThroughPointer(t *testing.T) {
	img := buildProgram(24,
		map[uint64]Tag{0: tagRef, 8: TagInt, 16: TagInt},
		map[uint64]int32{16: 99},
		nil)
	binary.LittleEndian.PutUint64(img.Data[0:], 8) // slot 0 points at slot 8
	img.Code = concat(assembleFixed(OpStore, 0, 16), assembleFixed(OpReturn))

	machine := New(img, WithoutBuiltins())
	require.NoError(t, machine.Run(context.Background()))

	result, err := machine.Memory().ReadAs(8, TagInt)
	require.NoError(t, err)
	assert.Equal(t, int64(99), result.AsInt64())
}

func TestScenarioPtrWritesAddressAsMachineWord(t *testing.T) {
	img := buildProgram(16,
		map[uint64]Tag{0: tagRef},
		nil,
		concat(assembleFixed(OpPtr, 8, 0), assembleFixed(OpReturn)))

	machine := New(img, WithoutBuiltins())
	require.NoError(t, machine.Run(context.Background()))

	result, err := machine.Memory().ReadAs(0, tagRef)
	require.NoError(t, err)
	assert.Equal(t, uint64(8), result.AsUint64())
}

func TestScenarioIfBranchesToTrueOffsetWhenConditionNonzero(t *testing.T) {
	img := buildProgram(24,
		map[uint64]Tag{0: TagByte, 8: TagLong, 16: TagLong},
		map[uint64]int32{0: 1},
		nil)

	unreachable := assembleFixed(OpNop)
	binary.LittleEndian.PutUint64(img.Data[8:], uint64(len(unreachable))) // trueOff: skip it
	binary.LittleEndian.PutUint64(img.Data[16:], 0)                      // falseOff: unused

	ifInstr := assembleFixed(OpIf, 0, 8, 16)
	landing := assembleFixed(OpReturn)
	landingOffset := int64(len(ifInstr) + len(unreachable))
	img.Code = concat(ifInstr, unreachable, landing)

	machine := New(img, WithoutBuiltins())
	require.NoError(t, machine.Run(context.Background()))
	assert.Equal(t, landingOffset, machine.PC())
}

func TestScenarioIfBranchesToFalseOffsetWhenConditionZero(t *testing.T) {
	img := buildProgram(24,
		map[uint64]Tag{0: TagByte, 8: TagLong, 16: TagLong},
		map[uint64]int32{0: 0},
		nil)

	unreachable := assembleFixed(OpNop)
	binary.LittleEndian.PutUint64(img.Data[8:], 0)                        // trueOff: unused
	binary.LittleEndian.PutUint64(img.Data[16:], uint64(len(unreachable))) // falseOff: skip it

	ifInstr := assembleFixed(OpIf, 0, 8, 16)
	landing := assembleFixed(OpReturn)
	landingOffset := int64(len(ifInstr) + len(unreachable))
	img.Code = concat(ifInstr, unreachable, landing)

	machine := New(img, WithoutBuiltins())
	require.NoError(t, machine.Run(context.Background()))
	assert.Equal(t, landingOffset, machine.PC())
}

func TestScenarioNewFreeLeavesAllocatorInPreCallState(t *testing.T) {
	img := buildProgram(24,
		map[uint64]Tag{0: tagRef, 8: TagLong, 16: tagRef},
		nil, nil)
	binary.LittleEndian.PutUint64(img.Data[8:], 16) // size_slot = 16 bytes

	img.Code = concat(
		assembleFixed(OpNew, 0, 8),  // dst=0, size=slot 8
		assembleFixed(OpFree, 0),    // free the block just allocated
		assembleFixed(OpNew, 16, 8), // dst=16, same size again
		assembleFixed(OpReturn),
	)

	machine := New(img, WithoutBuiltins())
	require.NoError(t, machine.Run(context.Background()))

	first, err := machine.Memory().ReadAs(0, tagRef)
	require.NoError(t, err)
	second, err := machine.Memory().ReadAs(16, tagRef)
	require.NoError(t, err)
	assert.Equal(t, first.AsUint64(), second.AsUint64(),
		"NEW(p,n); FREE(p); NEW(p2,n) must reuse the freed block, leaving the allocator in its pre-call state")
}

func TestScenarioFreeUnknownAddressIsFatal(t *testing.T) {
	img := buildProgram(16,
		map[uint64]Tag{0: tagRef},
		nil,
		nil)
	binary.LittleEndian.PutUint64(img.Data[0:], 999) // never allocated
	img.Code = concat(assembleFixed(OpFree, 0), assembleFixed(OpReturn))

	machine := New(img, WithoutBuiltins())
	err := machine.Run(context.Background())
	verr, ok := err.(*VMError)
	require.True(t, ok)
	assert.Equal(t, KindDoubleFree, verr.Kind)
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func setTagInImage(img *Image, slot uint64, tag Tag) {
	if slot%2 == 0 {
		img.Types[slot/2] = (img.Types[slot/2] & 0x0F) | (byte(tag) << 4)
	} else {
		img.Types[slot/2] = (img.Types[slot/2] & 0xF0) | byte(tag)
	}
}

type byteSink struct{ buf *[]byte }

func (s *byteSink) Write(p []byte) (int, error) {
	*s.buf = append(*s.buf, p...)
	return len(p), nil
}
