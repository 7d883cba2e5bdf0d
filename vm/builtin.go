package vm

import (
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
)

// escapeSeqReplacements is adapted from the teacher's
// insertEscapeSeqReplacements/revertEscapeSeqReplacements table in its
// (now out-of-scope) assembler - the same \n/\t/... escape handling a
// format string needs, just applied to a guest-supplied C string
// instead of assembly source text.
var escapeSeqReplacements = map[string]string{
	`\a`: "\a", `\b`: "\b", `\t`: "\t", `\n`: "\n",
	`\r`: "\r", `\f`: "\f", `\v`: "\v", `\\`: "\\",
}

func applyEscapeSequences(s string) string {
	for orig, repl := range escapeSeqReplacements {
		s = strings.ReplaceAll(s, orig, repl)
	}
	return s
}

// RegisterBuiltins wires the reference host functions from
// SPEC_FULL.md §6.3 into names: print, clock, and trace. Embedders
// that want a bare registry (no builtins) simply skip this call.
func RegisterBuiltins(names *NameTable, stdout io.Writer, logger *Logger, id uuid.UUID) {
	names.Register("print", printBuiltin(stdout))
	names.Register("clock", clockBuiltin())
	names.Register("trace", traceBuiltin(logger, id))
}

// print(format_ptr) -> int: C-style formatted write of the
// NUL-terminated string at *format_ptr to stdout; escape sequences are
// resolved, then the result is written verbatim (this VM's guest
// language has no variadic printf arguments in scope - the "format"
// string is the whole payload, matching spec.md §6's built-in
// description literally: "C-style formatted write of the string").
// Returns the number of bytes written.
func printBuiltin(stdout io.Writer) HostFunc {
	return func(m *Memory, args Object, ret Object) {
		if len(args.Index) < 1 {
			ret.SetReturn(m, intValue(TagInt, 0))
			return
		}
		ptr, err := args.Arg(m, 0, tagRef)
		if err != nil {
			ret.SetReturn(m, intValue(TagInt, 0))
			return
		}
		s, err := readCString(m, ptr.AsUint64())
		if err != nil {
			ret.SetReturn(m, intValue(TagInt, 0))
			return
		}
		s = applyEscapeSequences(s)
		n, _ := io.WriteString(stdout, s)
		ret.SetReturn(m, intValue(TagInt, int64(n)))
	}
}

// clock() -> long: monotonic nanoseconds since the Go process's
// runtime start, letting guest code self-time without a host-side
// profiler. Grounded in the teacher's system-timer device concept
// (vm/devices.go's port 0), reworked as a synchronous call instead of
// an async device.
var processStart = time.Now()

func clockBuiltin() HostFunc {
	return func(m *Memory, args Object, ret Object) {
		ret.SetReturn(m, intValue(TagLong, int64(time.Since(processStart))))
	}
}

// trace(message_ptr) -> void: writes a line to the VM's debug log
// tagged with this VM instance's correlation ID, so guest-side
// breadcrumbs interleave legibly with host-side log lines.
func traceBuiltin(logger *Logger, id uuid.UUID) HostFunc {
	return func(m *Memory, args Object, ret Object) {
		if logger == nil || len(args.Index) < 1 {
			return
		}
		ptr, err := args.Arg(m, 0, tagRef)
		if err != nil {
			return
		}
		s, err := readCString(m, ptr.AsUint64())
		if err != nil {
			return
		}
		logger.Tracef(id, "%s", applyEscapeSequences(s))
	}
}
