package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"aqvm/vm"
)

const defaultHeapBytes = 1 << 20

func main() {
	_ = godotenv.Load() // optional .env in the working directory; missing file is not an error

	root := newRootCommand()
	if err := root.Execute(); err != nil {
		os.Exit(exitCodeFor(err))
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "aqvm <bytecode-file>",
		Short: "aqvm runs AQ bytecode images",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCmd.RunE(cmd, args)
		},
	}

	root.AddCommand(runCmd, disasmCmd)
	return root
}

var runCmd = &cobra.Command{
	Use:   "run <bytecode-file>",
	Short: "Execute an AQ bytecode image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		debugMode, _ := cmd.Flags().GetBool("debug")

		// Resolved here, not in init(), because godotenv.Load() in
		// main() runs before Execute() but after package
		// initialization - an .env file's AQVM_HEAP_BYTES/AQVM_TIMEOUT
		// would never be observed if read at flag-registration time.
		heapBytes, _ := cmd.Flags().GetUint64("heap-bytes")
		if !cmd.Flags().Changed("heap-bytes") {
			heapBytes = envOrDefaultHeapBytes()
		}

		timeout, _ := cmd.Flags().GetDuration("timeout")
		if !cmd.Flags().Changed("timeout") {
			timeout = envOrDefaultTimeout()
		}

		return runFile(args[0], debugMode, heapBytes, timeout)
	},
}

var disasmCmd = &cobra.Command{
	Use:   "disasm <bytecode-file>",
	Short: "Print the decoded instruction stream without executing it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return disasmFile(args[0])
	},
}

func init() {
	runCmd.Flags().BoolP("debug", "d", false, "drop into the interactive single-step debugger")
	// Defaults are resolved at RunE time (see above), after .env has
	// loaded; the literal defaults registered here are only ever seen
	// when Changed("...") is false AND no env var is set either.
	runCmd.Flags().Uint64("heap-bytes", defaultHeapBytes, "size of the NEW/FREE heap arena beyond the image's declared memory_size (env: AQVM_HEAP_BYTES)")
	runCmd.Flags().Duration("timeout", 0, "wall-clock budget for the whole run, 0 = unbounded (env: AQVM_TIMEOUT)")
}

func envOrDefaultHeapBytes() uint64 {
	if s := os.Getenv("AQVM_HEAP_BYTES"); s != "" {
		var n uint64
		if _, err := fmt.Sscanf(s, "%d", &n); err == nil {
			return n
		}
	}
	return defaultHeapBytes
}

func envOrDefaultTimeout() time.Duration {
	if s := os.Getenv("AQVM_TIMEOUT"); s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			return d
		}
	}
	return 0
}

func runFile(path string, debugMode bool, heapBytes uint64, timeout time.Duration) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		return cliError{code: -2, err: err}
	}

	img, err := vm.LoadImage(buf)
	if err != nil {
		return cliError{code: exitCodeForVMError(err), err: err}
	}

	machine := vm.New(img, vm.WithHeapBytes(heapBytes))

	if debugMode {
		if err := machine.RunDebugREPL(os.Stdin, os.Stdout); err != nil {
			return cliError{code: exitCodeForVMError(err), err: err}
		}
		return nil
	}

	ctx := context.Background()
	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := machine.Run(ctx); err != nil {
		return cliError{code: exitCodeForVMError(err), err: err}
	}
	return nil
}

func disasmFile(path string) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		return cliError{code: -2, err: err}
	}

	img, err := vm.LoadImage(buf)
	if err != nil {
		return cliError{code: exitCodeForVMError(err), err: err}
	}

	mem := vm.NewMemory(img.Data, img.Types, 0)
	fmt.Print(vm.Disassemble(img.Code, mem))
	return nil
}

// cliError carries the exit-code policy from SPEC_FULL.md §6.2
// through cobra's plain error-returning RunE.
type cliError struct {
	code int
	err  error
}

func (e cliError) Error() string { return e.err.Error() }

func exitCodeFor(err error) int {
	if ce, ok := err.(cliError); ok {
		fmt.Fprintln(os.Stderr, ce.err)
		return ce.code
	}
	fmt.Fprintln(os.Stderr, err)
	return -1
}

func exitCodeForVMError(err error) int {
	if verr, ok := err.(*vm.VMError); ok {
		return verr.Kind.ExitCode()
	}
	return -4
}
