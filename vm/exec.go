package vm

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime/debug"

	"github.com/google/uuid"
)

// defaultHeapBytes is used when the embedder doesn't override it via
// SPEC_FULL.md §6.2's --heap-bytes flag / AQVM_HEAP_BYTES env var.
const defaultHeapBytes = 1 << 20

// VM owns one memory triple, one name table, and one code buffer, per
// spec.md §5: "at most one executing VM instance per thread;
// embedding multiple instances in one process requires each to own
// its own memory, name table, and code buffer."
type VM struct {
	ID uuid.UUID

	mem   *Memory
	names *NameTable
	code  []byte
	pc    int64

	logger *Logger
}

// Option configures New.
type Option func(*vmConfig)

type vmConfig struct {
	heapBytes  uint64
	names      *NameTable
	logger     *Logger
	stdout     io.Writer
	noBuiltins bool
}

// WithHeapBytes overrides the size of the NEW/FREE arena beyond the
// image's declared memory_size.
func WithHeapBytes(n uint64) Option {
	return func(c *vmConfig) { c.heapBytes = n }
}

// WithNameTable supplies a pre-populated host-function registry
// instead of a fresh empty one. Unless WithoutBuiltins is also given,
// New still registers print/clock/trace into it, and those shadow any
// entries of the same name already there.
func WithNameTable(names *NameTable) Option {
	return func(c *vmConfig) { c.names = names }
}

// WithLogger overrides the default stderr logger.
func WithLogger(l *Logger) Option {
	return func(c *vmConfig) { c.logger = l }
}

// WithStdout overrides where the print builtin writes.
func WithStdout(w io.Writer) Option {
	return func(c *vmConfig) { c.stdout = w }
}

// WithoutBuiltins skips registering print/clock/trace, for embedders
// that want a bare registry (spec.md §6: the built-in set beyond the
// registration interface is an external collaborator's choice).
func WithoutBuiltins() Option {
	return func(c *vmConfig) { c.noBuiltins = true }
}

// New builds a VM from an already-loaded Image (see LoadImage).
func New(img *Image, opts ...Option) *VM {
	cfg := vmConfig{heapBytes: defaultHeapBytes, stdout: os.Stdout}
	for _, opt := range opts {
		opt(&cfg)
	}

	mem := NewMemory(img.Data, img.Types, cfg.heapBytes)

	names := cfg.names
	if names == nil {
		names = NewNameTable()
	}

	logger := cfg.logger
	if logger == nil {
		logger = NewLogger(os.Stderr)
	}

	id := uuid.New()
	if !cfg.noBuiltins {
		RegisterBuiltins(names, cfg.stdout, logger, id)
	}

	code := make([]byte, len(img.Code))
	copy(code, img.Code)

	return &VM{
		ID:     id,
		mem:    mem,
		names:  names,
		code:   code,
		logger: logger,
	}
}

// Memory exposes the VM's tagged memory, e.g. for a host embedder
// that wants to poke at guest state between runs.
func (vm *VM) Memory() *Memory { return vm.mem }

// Names exposes the VM's host-function registry so the embedder can
// Register additional functions before calling Run.
func (vm *VM) Names() *NameTable { return vm.names }

// PC returns the current program counter, a byte offset into the code
// segment.
func (vm *VM) PC() int64 { return vm.pc }

// Run executes instructions from the current PC until RETURN, the end
// of the code segment, or a fatal condition, per spec.md §4.G. A
// nil error means RETURN or end-of-code; any other return is a
// *VMError per the fatal-condition policy in spec.md §7.
//
// ctx is checked between instructions only (SPEC_FULL.md §5/§6.2): a
// host call that never returns is still fatal, matching the spec's
// "no cancellation primitive" language for anything inside an
// instruction itself.
func (vm *VM) Run(ctx context.Context) (err error) {
	// Disable the GC while running the hot loop, exactly as the
	// teacher's RunProgram does: memory is allocated up front (the
	// Memory triple, the heap arena) and the loop itself should not
	// pay for GC pauses.
	gcPercent := debug.SetGCPercent(-1)
	defer debug.SetGCPercent(gcPercent)

	defer func() {
		if r := recover(); r != nil {
			// A Go-level panic (out-of-range slice index from a BadSlot
			// operand, spec.md §7) is undefined behavior per the spec -
			// turned into a segmentation fault *VMError instead of
			// escaping to the embedder, matching §7's "abnormal
			// termination... no recovery path inside the VM" policy.
			err = vm.wrapFatal(fmt.Errorf("%w: %v", ErrSegFault, r))
		}
	}()

	for {
		if ctx != nil {
			select {
			case <-ctx.Done():
				return vm.wrapFatal(newVMError(KindSegFault, vm.pc, ctx.Err()))
			default:
			}
		}

		done, stepErr := vm.step()
		if stepErr != nil {
			return vm.wrapFatal(stepErr)
		}
		if done {
			return nil
		}
	}
}

// wrapFatal ensures every error leaving Run/RunDebug is a *VMError,
// per spec.md §7's fatal-condition policy. step's handlers mostly
// return *VMError already (constructed at the point of failure so the
// Kind is precise); anything else - e.g. a bounds error surfaced
// straight from Memory's checkBounds - is wrapped as a segmentation
// fault, since that's the one Kind spec.md §7 maps to "undefined
// behavior the compiler is expected to prevent."
//
// This is also the single place a fatal condition is logged, once, at
// the instruction that triggered it, through the ambient logger - the
// recover-to-typed-error path and every step() error return all funnel
// through here before reaching the embedder.
func (vm *VM) wrapFatal(err error) error {
	verr, ok := err.(*VMError)
	if !ok {
		verr = newVMError(KindSegFault, vm.pc, err)
	}
	vm.logger.Tracef(vm.ID, "fatal: %v", verr)
	return verr
}

// RunDebug executes exactly one instruction and reports whether
// execution has finished (RETURN/end-of-code). It is the primitive
// the debug REPL in vm/repl.go single-steps with.
func (vm *VM) RunDebug() (done bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = vm.wrapFatal(fmt.Errorf("%w: %v", ErrSegFault, r))
		}
	}()
	done, err = vm.step()
	if err != nil {
		err = vm.wrapFatal(err)
	}
	return done, err
}

// step fetches one opcode, decodes its operands, and dispatches it.
// Only step moves the program counter - handlers either fall through
// (step advances it naturally) or set a new PC (IF/GOTO), per
// spec.md §2's data-flow note.
func (vm *VM) step() (done bool, err error) {
	if vm.pc >= int64(len(vm.code)) {
		return true, nil
	}

	op := Opcode(vm.code[vm.pc])
	pc := int(vm.pc) + 1

	switch op {
	case OpNop:
		vm.pc = int64(pc)

	case OpLoad:
		ops, next, derr := DecodeN(vm.code, pc, 2)
		if derr != nil {
			return false, derr
		}
		src, dst := ops[0], ops[1]
		width := vm.mem.TypeOf(dst).width()
		raw, rerr := vm.mem.ReadRaw(src, int(width))
		if rerr != nil {
			return false, rerr
		}
		if werr := vm.mem.WriteRaw(dst, raw, int(width)); werr != nil {
			return false, werr
		}
		vm.pc = int64(next)

	case OpStore:
		ops, next, derr := DecodeN(vm.code, pc, 2)
		if derr != nil {
			return false, derr
		}
		ptrSlot, src := ops[0], ops[1]
		ptrVal, perr := vm.mem.ReadAs(ptrSlot, tagRef)
		if perr != nil {
			return false, perr
		}
		width := vm.mem.TypeOf(src).width()
		raw, rerr := vm.mem.ReadRaw(src, int(width))
		if rerr != nil {
			return false, rerr
		}
		if werr := vm.mem.WriteRaw(ptrVal.AsUint64(), raw, int(width)); werr != nil {
			return false, werr
		}
		vm.pc = int64(next)

	case OpNew:
		ops, next, derr := DecodeN(vm.code, pc, 2)
		if derr != nil {
			return false, derr
		}
		dst, sizeSlot := ops[0], ops[1]
		sizeVal, serr := vm.mem.ReadAs(sizeSlot, TagLong)
		if serr != nil {
			return false, serr
		}
		addr, aerr := vm.mem.New(uint64(sizeVal.AsInt64()))
		if aerr != nil {
			return false, newVMError(KindOutOfMemory, vm.pc, aerr)
		}
		if werr := vm.mem.WriteAs(dst, vm.mem.PtrTo(addr)); werr != nil {
			return false, werr
		}
		vm.pc = int64(next)

	case OpFree:
		ops, next, derr := DecodeN(vm.code, pc, 1)
		if derr != nil {
			return false, derr
		}
		ptrVal, perr := vm.mem.ReadAs(ops[0], tagRef)
		if perr != nil {
			return false, perr
		}
		if ferr := vm.mem.Free(ptrVal.AsUint64()); ferr != nil {
			return false, newVMError(KindDoubleFree, vm.pc, ferr)
		}
		vm.pc = int64(next)

	case OpPtr:
		ops, next, derr := DecodeN(vm.code, pc, 2)
		if derr != nil {
			return false, derr
		}
		index, dst := ops[0], ops[1]
		if werr := vm.mem.WriteAs(dst, vm.mem.PtrTo(index)); werr != nil {
			return false, werr
		}
		vm.pc = int64(next)

	case OpAdd, OpSub, OpMul, OpDiv, OpRem, OpShl, OpShr, OpSar, OpAnd, OpOr, OpXor:
		ops, next, derr := DecodeN(vm.code, pc, 3)
		if derr != nil {
			return false, derr
		}
		r, a, b := ops[0], ops[1], ops[2]
		if berr := vm.binaryArith(op, r, a, b); berr != nil {
			return false, berr
		}
		vm.pc = int64(next)

	case OpNeg:
		ops, next, derr := DecodeN(vm.code, pc, 2)
		if derr != nil {
			return false, derr
		}
		r, a := ops[0], ops[1]
		dstTag, aTag := vm.mem.TypeOf(r), vm.mem.TypeOf(a)
		aVal, aerr := vm.mem.ReadAs(a, aTag)
		if aerr != nil {
			return false, aerr
		}
		result, uerr := UnaryOp(OpNeg, dstTag, aTag, aVal)
		if uerr != nil {
			return false, uerr
		}
		if werr := vm.mem.WriteAs(r, result); werr != nil {
			return false, werr
		}
		vm.pc = int64(next)

	case OpIf:
		ops, next, derr := DecodeN(vm.code, pc, 3)
		if derr != nil {
			return false, derr
		}
		condSlot, trueOff, falseOff := ops[0], ops[1], ops[2]
		condVal, cerr := vm.mem.ReadAs(condSlot, TagByte)
		if cerr != nil {
			return false, cerr
		}
		trueOffVal, terr := vm.mem.ReadAs(trueOff, TagLong)
		if terr != nil {
			return false, terr
		}
		falseOffVal, ferr := vm.mem.ReadAs(falseOff, TagLong)
		if ferr != nil {
			return false, ferr
		}
		if condVal.IsTruthy() {
			vm.pc = int64(next) + trueOffVal.AsInt64()
		} else {
			vm.pc = int64(next) + falseOffVal.AsInt64()
		}

	case OpCmp:
		ops, next, derr := DecodeN(vm.code, pc, 4)
		if derr != nil {
			return false, derr
		}
		r, opSlot, a, b := ops[0], ops[1], ops[2], ops[3]
		opVal, operr := vm.mem.ReadAs(opSlot, TagByte)
		if operr != nil {
			return false, operr
		}
		dstTag, aTag, bTag := vm.mem.TypeOf(r), vm.mem.TypeOf(a), vm.mem.TypeOf(b)
		aVal, aerr := vm.mem.ReadAs(a, aTag)
		if aerr != nil {
			return false, aerr
		}
		bVal, berr := vm.mem.ReadAs(b, bTag)
		if berr != nil {
			return false, berr
		}
		result := Compare(CmpOp(opVal.AsInt64()), dstTag, aTag, bTag, aVal, bVal)
		if werr := vm.mem.WriteAs(r, result); werr != nil {
			return false, werr
		}
		vm.pc = int64(next)

	case OpInvoke:
		frame, next, derr := DecodeCallFrame(vm.code, pc, vm.mem)
		if derr != nil {
			return false, derr
		}
		if ierr := invoke(vm.mem, vm.names, frame); ierr != nil {
			kind := KindSegFault
			if ierr == ErrUnresolvedName {
				kind = KindUnresolvedName
			}
			return false, newVMError(kind, vm.pc, ierr)
		}
		vm.pc = int64(next)

	case OpReturn:
		return true, nil

	case OpGoto:
		ops, next, derr := DecodeN(vm.code, pc, 1)
		if derr != nil {
			return false, derr
		}
		offVal, operr := vm.mem.ReadAs(ops[0], TagLong)
		if operr != nil {
			return false, operr
		}
		vm.pc = int64(next) + offVal.AsInt64()

	case OpThrow, OpWide:
		// Reserved, currently no-op, per spec.md §4.G.
		vm.pc = int64(pc)

	default:
		// Per spec.md §9: the reference's silent-skip-on-unknown-opcode
		// default branch causes an infinite loop; a conforming
		// implementation treats unknown opcodes as fatal instead.
		return false, newVMError(KindUnknownOpcode, vm.pc, ErrUnknownOpcode)
	}

	return false, nil
}

// binaryArith shares the decode/dispatch/coerce-and-store shape
// across ADD/SUB/MUL/DIV/REM/SHL/SHR/SAR/AND/OR/XOR.
func (vm *VM) binaryArith(op Opcode, r, a, b uint64) error {
	dstTag, aTag, bTag := vm.mem.TypeOf(r), vm.mem.TypeOf(a), vm.mem.TypeOf(b)
	aVal, err := vm.mem.ReadAs(a, aTag)
	if err != nil {
		return err
	}
	bVal, err := vm.mem.ReadAs(b, bTag)
	if err != nil {
		return err
	}
	result, err := BinaryOp(op, dstTag, aTag, bTag, aVal, bVal)
	if err != nil {
		if err == ErrDivByZero {
			return newVMError(KindDivByZero, vm.pc, err)
		}
		return err
	}
	return vm.mem.WriteAs(r, result)
}
