package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-bridge/config"
	"github.com/wippyai/wasm-bridge/diag"
	"github.com/wippyai/wasm-bridge/internal/cart"
	"github.com/wippyai/wasm-bridge/runtime"
)

// demoSource names the built-in cart wherever a module path is expected.
const demoSource = "demo"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "wasm-bridge",
		Short: "Host/guest bridge for WebAssembly modules",
		Long: `wasm-bridge loads core WebAssembly modules, binds host functions to
their imports and calls their exports with typed arguments.

Pass "demo" instead of a file to use the built-in cart, which exchanges
Color and Dimensions values with the host.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "YAML configuration file")
	root.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")
	root.PersistentFlags().String("namespace", "", "Default import namespace for host functions")
	root.PersistentFlags().Bool("metrics", false, "Print Prometheus metrics after the command")

	root.AddCommand(newRunCmd(), newExportsCmd(), newDemoCmd(), newSchemaCmd())
	return root
}

// loadConfig reads --config, or the defaults, and applies flag overrides.
// The demo cart binds the null0 namespace unless told otherwise.
func loadConfig(cmd *cobra.Command, src string) (*config.Config, error) {
	cfg := config.Default()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Log.Level = level
	}
	switch ns, _ := cmd.Flags().GetString("namespace"); {
	case ns != "":
		cfg.Namespace = ns
	case src == demoSource:
		cfg.Namespace = cart.Namespace
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// session is a runtime with one loaded module.
type session struct {
	cfg    *config.Config
	logger *zap.Logger
	rt     *runtime.Runtime
	mod    *runtime.Module
}

func openSession(ctx context.Context, cmd *cobra.Command, src string, sink diag.Sink) (*session, error) {
	cfg, err := loadConfig(cmd, src)
	if err != nil {
		return nil, err
	}
	logger, err := cfg.Log.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	rt, err := runtime.New(ctx, cfg.RuntimeOptions(logger, sink)...)
	if err != nil {
		return nil, fmt.Errorf("create runtime: %w", err)
	}

	var mod *runtime.Module
	if src == demoSource {
		mod, err = rt.Load(ctx, cart.Build())
	} else {
		mod, err = rt.LoadFile(ctx, src)
	}
	if err != nil {
		return nil, closeRuntime(ctx, rt, err)
	}
	return &session{cfg: cfg, logger: logger, rt: rt, mod: mod}, nil
}

// close releases the runtime and prints metrics when --metrics is set.
func (s *session) close(ctx context.Context, cmd *cobra.Command) error {
	var err error
	if on, _ := cmd.Flags().GetBool("metrics"); on {
		fmt.Fprintln(cmd.OutOrStdout())
		err = writeMetrics(cmd.OutOrStdout(), s.rt.Metrics().Registry())
	}
	err = closeRuntime(ctx, s.rt, err)
	_ = s.logger.Sync()
	return err
}

// closeRuntime closes rt and joins its failure onto err.
func closeRuntime(ctx context.Context, rt interface{ Close(context.Context) error }, err error) error {
	if cerr := rt.Close(ctx); cerr != nil {
		return errors.Join(err, fmt.Errorf("close runtime: %w", cerr))
	}
	return err
}

func writeMetrics(w io.Writer, reg *prometheus.Registry) error {
	families, err := reg.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}

// printSink writes each diagnostic report as one line.
func printSink(w io.Writer) diag.Sink {
	var mu sync.Mutex
	return func(_ context.Context, r diag.Report) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintf(w, "[%s] %s\n", r.Name, r.String())
	}
}
