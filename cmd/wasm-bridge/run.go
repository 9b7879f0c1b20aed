package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/wippyai/wasm-bridge/engine"
	"github.com/wippyai/wasm-bridge/memory"
	"github.com/wippyai/wasm-bridge/runtime"
	"github.com/wippyai/wasm-bridge/signature"
)

// entryPoints are tried in order when no --func is given.
var entryPoints = []string{"_start", "main", "run"}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <file.wasm|demo>",
		Short: "Instantiate a module and call an export",
		Long: `Instantiate a module with the diagnostic host functions bound and call
one of its exports. Diagnostic reports are printed as they arrive.

Arguments are parsed per the export's prototype. Override it with --sig to
pass pointers (*) or strings ($); string arguments are copied into guest
memory NUL-terminated.`,
		Args: cobra.ExactArgs(1),
		RunE: runRun,
	}
	cmd.Flags().StringP("func", "f", "", "Export to call (default: first of _start, main, run)")
	cmd.Flags().String("sig", "", "Prototype of the export, e.g. (*)i")
	cmd.Flags().StringArrayP("arg", "a", nil, "Argument (repeatable, in order)")
	cmd.Flags().BoolP("interactive", "i", false, "Interactive mode with TUI")
	return cmd
}

func runRun(cmd *cobra.Command, args []string) error {
	if on, _ := cmd.Flags().GetBool("interactive"); on {
		if !term.IsTerminal(int(os.Stdout.Fd())) {
			return fmt.Errorf("interactive mode needs a terminal")
		}
		return runInteractive(cmd, args[0])
	}

	ctx := context.Background()
	out := cmd.OutOrStdout()

	s, err := openSession(ctx, cmd, args[0], printSink(out))
	if err != nil {
		return err
	}

	callErr := runCall(ctx, cmd, s)
	if err := s.close(ctx, cmd); err != nil && callErr == nil {
		return err
	}
	return callErr
}

func runCall(ctx context.Context, cmd *cobra.Command, s *session) error {
	out := cmd.OutOrStdout()
	funcName, _ := cmd.Flags().GetString("func")
	sigFlag, _ := cmd.Flags().GetString("sig")
	values, _ := cmd.Flags().GetStringArray("arg")

	inst, err := s.mod.Instantiate(ctx)
	if err != nil {
		return fmt.Errorf("instantiate: %w", err)
	}
	defer inst.Close(ctx)

	exports := s.mod.Exports()
	if funcName == "" {
		funcName = pickEntry(exports)
		if funcName == "" {
			fmt.Fprintln(out, "No --func given and no entry point found.")
			return nil
		}
	}

	sig, err := resolveSignature(exports, funcName, sigFlag)
	if err != nil {
		return err
	}

	callArgs, handles, err := convertArgs(ctx, inst, values, sig)
	defer freeAll(ctx, inst, handles)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Calling %s\n", describe(funcName, sig))
	res, err := inst.Call(ctx, funcName, sig.String(), callArgs...)
	if err != nil {
		return fmt.Errorf("call %s: %w", funcName, err)
	}
	fmt.Fprintf(out, "Result: %s\n", formatResults(sig, res))
	return nil
}

func pickEntry(exports []engine.FuncDecl) string {
	for _, name := range entryPoints {
		for _, e := range exports {
			if e.Name == name {
				return name
			}
		}
	}
	return ""
}

// resolveSignature returns the parsed --sig, or the prototype derived from
// the export's core type.
func resolveSignature(exports []engine.FuncDecl, name, override string) (signature.Signature, error) {
	if override != "" {
		return signature.Parse(override)
	}
	for _, e := range exports {
		if e.Name == name {
			return exportSignature(e), nil
		}
	}
	return signature.Signature{}, fmt.Errorf("module has no export %q", name)
}

func freeAll(ctx context.Context, inst *runtime.Instance, handles []memory.Handle) {
	for _, h := range handles {
		_ = inst.Free(ctx, h)
	}
}
