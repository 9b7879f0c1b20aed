package main

import (
	"context"
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/wippyai/wasm-bridge/internal/cart"
	"github.com/wippyai/wasm-bridge/marshal"
	"github.com/wippyai/wasm-bridge/resolver"
	"github.com/wippyai/wasm-bridge/runtime"
	"github.com/wippyai/wasm-bridge/signature"
)

var stepStyle = lipgloss.NewStyle().Bold(true)

func newDemoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "demo",
		Short: "Exchange Color and Dimensions values with the built-in cart",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := context.Background()
			out := cmd.OutOrStdout()

			cfg, err := loadConfig(cmd, demoSource)
			if err != nil {
				return err
			}
			logger, err := cfg.Log.Build()
			if err != nil {
				return err
			}
			rt, err := runtime.New(ctx, cfg.RuntimeOptions(logger, printSink(out))...)
			if err != nil {
				return err
			}
			s := &session{cfg: cfg, logger: logger, rt: rt}

			demoErr := runDemo(ctx, out, rt)
			if err := s.close(ctx, cmd); err != nil && demoErr == nil {
				return err
			}
			return demoErr
		},
	}
}

func step(out io.Writer, title string) {
	fmt.Fprintln(out, stepStyle.Render("== "+title))
}

func runDemo(ctx context.Context, out io.Writer, rt *runtime.Runtime) error {
	mod, err := rt.Load(ctx, cart.BuildWith(cart.Options{StartMain: true}))
	if err != nil {
		return err
	}

	step(out, "start function")
	inst, err := mod.Instantiate(ctx)
	if err != nil {
		return err
	}
	defer inst.Close(ctx)

	step(out, "color returned by value")
	var c marshal.Color
	if err := inst.CallInto(ctx, "ret_color_by_value", "()iiii", &c); err != nil {
		return err
	}
	fmt.Fprintln(out, c)

	step(out, "color passed by reference")
	h, err := inst.PassByReference(ctx, marshal.Color{R: 230, G: 41, B: 55, A: 255})
	if err != nil {
		return err
	}
	if _, err := inst.Call(ctx, "param_color_by_pointer", "(*)", h); err != nil {
		return err
	}
	if err := inst.Free(ctx, h); err != nil {
		return err
	}

	step(out, "dimensions both ways by value")
	var d marshal.Dimensions
	if err := inst.CallInto(ctx, "ret_dimensions_by_value", "()ii", &d); err != nil {
		return err
	}
	fmt.Fprintln(out, d)
	args, err := resolver.ArgsOf(marshal.Dimensions{Width: 640, Height: 480})
	if err != nil {
		return err
	}
	if _, err := inst.Call(ctx, "param_dimensions_by_value", "(ii)", args...); err != nil {
		return err
	}

	step(out, "dimensions by reference")
	h, err = inst.PassByReference(ctx, marshal.Dimensions{Width: 3, Height: 7})
	if err != nil {
		return err
	}
	res, err := inst.Call(ctx, "dimensions_area", "(*)i", h)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "area: %s\n", formatResults(signature.MustParse("()i"), res))
	if err := inst.Free(ctx, h); err != nil {
		return err
	}

	step(out, "strings")
	if _, err := inst.Call(ctx, "greet", "()"); err != nil {
		return err
	}
	h, err = inst.CopyIn(ctx, append([]byte("hello from the host"), 0))
	if err != nil {
		return err
	}
	if _, err := inst.Call(ctx, "say", "($)", h); err != nil {
		return err
	}
	if err := inst.Free(ctx, h); err != nil {
		return err
	}

	step(out, "stale handle")
	if _, err := inst.Call(ctx, "say", "($)", h); err != nil {
		fmt.Fprintf(out, "rejected: %v\n", err)
	}

	step(out, "trap")
	if _, err := inst.Call(ctx, "trap", "()"); err != nil {
		fmt.Fprintf(out, "trapped: %v\n", err)
	}
	if _, err := inst.Call(ctx, "touched", "()i"); err != nil {
		fmt.Fprintf(out, "after trap: %v\n", err)
	}
	return nil
}
