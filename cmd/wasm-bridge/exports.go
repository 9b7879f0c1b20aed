package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wippyai/wasm-bridge/config"
)

func newExportsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "exports <file.wasm|demo>",
		Short: "List a module's imports and exports with their prototypes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			out := cmd.OutOrStdout()

			s, err := openSession(ctx, cmd, args[0], nil)
			if err != nil {
				return err
			}

			if imports := s.mod.Imports(); len(imports) > 0 {
				fmt.Fprintf(out, "Imports (%d):\n", len(imports))
				table := s.mod.ImportTable()
				for _, imp := range imports {
					sig := exportSignature(imp)
					state := "missing"
					if _, ok := table.Lookup(imp.Module, imp.Name); ok {
						state = "bound"
					}
					fmt.Fprintf(out, "  %-40s %-10s %s\n", imp.Module+"."+describe(imp.Name, sig), sig, state)
				}
				fmt.Fprintln(out)
			}

			exports := s.mod.Exports()
			fmt.Fprintf(out, "Exports (%d):\n", len(exports))
			for _, e := range exports {
				sig := exportSignature(e)
				fmt.Fprintf(out, "  %-40s %s\n", describe(e.Name, sig), sig)
			}
			return s.close(ctx, cmd)
		},
	}
}

func newSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON Schema of the configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out, err := config.Schema()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
}
