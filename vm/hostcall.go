package vm

import "bytes"

// Object is the call descriptor from spec.md §4.F: either an argument
// vector (Size = number of slot indices) or a single return slot
// (Size = 1).
//
// This is the synchronous analog of the teacher's device call shape
// (TrySend(id, command, data) in devices.go) - adapted from an async
// request/response-bus model (nonBlockingChan, interrupt addresses) to
// a direct call-and-return, because spec.md §5 makes host calls
// synchronous on the VM's own goroutine with no interrupt or
// scheduling primitive. The async plumbing itself is dropped; see
// DESIGN.md.
type Object struct {
	Size  uint64
	Index []uint64
}

// Arg reads argument i of an Object built from a call frame, already
// widened to dst.
func (o Object) Arg(m *Memory, i int, dst Tag) (Value, error) {
	return m.ReadAs(o.Index[i], dst)
}

// SetReturn writes value into the single slot an Object describes,
// with width coercion to that slot's declared tag.
func (o Object) SetReturn(m *Memory, value Value) error {
	return m.WriteAs(o.Index[0], value)
}

// invoke resolves and calls the function named at func_slot, per
// spec.md §4.F: read a machine-word value from func_slot, treat it as
// a pointer to a NUL-terminated name string in the data segment, look
// the name up in names, and call the handler with (args, return)
// descriptors built from the call frame.
func invoke(m *Memory, names *NameTable, frame CallFrame) error {
	funcPtr, err := m.ReadAs(frame.FuncSlot, tagRef)
	if err != nil {
		return err
	}

	name, err := readCString(m, funcPtr.AsUint64())
	if err != nil {
		return err
	}

	handler, ok := names.Lookup(name)
	if !ok {
		return ErrUnresolvedName
	}

	args := Object{Size: frame.ArgCount, Index: frame.ArgSlots}
	ret := Object{Size: 1, Index: []uint64{frame.RetSlot}}

	handler(m, args, ret)
	return nil
}

// readCString reads a NUL-terminated string starting at addr out of
// m's backing bytes, used both by INVOKE's name resolution and by the
// print builtin's format-string argument.
func readCString(m *Memory, addr uint64) (string, error) {
	raw := m.Bytes()
	if addr > uint64(len(raw)) {
		return "", ErrSegFault
	}
	end := bytes.IndexByte(raw[addr:], 0)
	if end < 0 {
		return "", ErrSegFault
	}
	return string(raw[addr : addr+uint64(end)]), nil
}
