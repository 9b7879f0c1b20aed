package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wippyai/wasm-bridge/internal/cart"
)

func executeCommand(args ...string) (string, error) {
	root := newRootCmd()
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func TestCLIHelp(t *testing.T) {
	out, err := executeCommand("--help")
	require.NoError(t, err)
	for _, phrase := range []string{"run", "exports", "demo", "schema", "--config", "--metrics"} {
		assert.Contains(t, out, phrase)
	}
}

func TestCLIExports(t *testing.T) {
	out, err := executeCommand("exports", "demo")
	require.NoError(t, err)
	assert.Contains(t, out, "Imports (6):")
	assert.Contains(t, out, "null0.debug_string(arg0: s32)")
	assert.Contains(t, out, "bound")
	assert.NotContains(t, out, "missing")
	assert.Contains(t, out, "sum_mixed(arg0: s32, arg1: s64, arg2: f32, arg3: f64) -> f64")
	assert.Contains(t, out, "(iIfF)F")

	out, err = executeCommand("exports", "demo", "--namespace", "env")
	require.NoError(t, err)
	assert.Contains(t, out, "missing")
}

func TestCLIRun(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want []string
	}{
		{
			name: "scalars",
			args: []string{"--func", "sum_mixed", "-a", "-1", "-a", "2", "-a", "0.5", "-a", "0.25"},
			want: []string{"Result: 1.75"},
		},
		{
			name: "color by value",
			args: []string{"-f", "param_color_by_value", "-a", "230", "-a", "41", "-a", "55", "-a", "255"},
			want: []string{"[debug_color] rgba(230, 41, 55, 255)", "Result: ok"},
		},
		{
			name: "string",
			args: []string{"-f", "say", "--sig", "($)", "-a", "hi there"},
			want: []string{"[debug_string] hi there"},
		},
		{
			name: "pointer",
			args: []string{"-f", "dimensions_area", "--sig", "(*)i", "-a", "24"},
			want: []string{"Result: 10000"},
		},
		{
			name: "entry point",
			want: []string{"Calling main()", "[debug_color_pointer] rgba(230, 41, 55, 255) @0x10", "[debug_dimensions] 100x100"},
		},
		{
			name: "metrics",
			args: []string{"-f", "touch", "--metrics"},
			want: []string{"bridge_calls_total{direction=\"guest\",name=\"touch\"} 1", "bridge_instances_live"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := executeCommand(append([]string{"run", "demo"}, tt.args...)...)
			require.NoError(t, err, out)
			for _, w := range tt.want {
				assert.Contains(t, out, w)
			}
		})
	}
}

func TestCLIRunErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"trap", []string{"run", "demo", "-f", "trap"}, "trap"},
		{"unknown export", []string{"run", "demo", "-f", "nope"}, "no export"},
		{"arity", []string{"run", "demo", "-f", "touch", "-a", "1"}, "argument(s)"},
		{"bad argument", []string{"run", "demo", "-f", "add_i64", "-a", "x", "-a", "1"}, "argument 0"},
		{"missing file", []string{"run", filepath.Join(t.TempDir(), "none.wasm")}, "none.wasm"},
		{"bad log level", []string{"run", "demo", "--log-level", "loud"}, "validation"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := executeCommand(tt.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error()+out, tt.want)
		})
	}
}

func TestCLIRunFile(t *testing.T) {
	dir := t.TempDir()
	wasm := filepath.Join(dir, "cart.wasm")
	require.NoError(t, os.WriteFile(wasm, cart.Build(), 0o644))
	cfgPath := filepath.Join(dir, "bridge.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("namespace: null0\nlog:\n  level: error\n"), 0o644))

	out, err := executeCommand("run", wasm, "--config", cfgPath, "-f", "add_i64", "-a", "40", "-a", "2")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Result: 42")

	_, err = executeCommand("run", wasm, "-f", "add_i64", "-a", "40", "-a", "2")
	require.Error(t, err, "the default namespace leaves the cart imports unbound")
}

func TestCLIDemo(t *testing.T) {
	out, err := executeCommand("demo", "--log-level", "error")
	require.NoError(t, err, out)
	for _, w := range []string{
		"[debug_color] rgba(230, 41, 55, 255)",
		"[debug_color_pointer] rgba(230, 41, 55, 255)",
		"[debug_dimensions] 640x480",
		"[debug_dimensions_pointer] 100x100 @0x18",
		"area: 21",
		"[debug_string] cart ready",
		"[debug_string] hello from the host",
		"rejected:",
		"trapped:",
		"after trap:",
	} {
		assert.Contains(t, out, w)
	}
}

func TestCLISchema(t *testing.T) {
	out, err := executeCommand("schema")
	require.NoError(t, err)
	assert.Contains(t, out, `"namespace"`)
	assert.Contains(t, out, `"memory_limit_pages"`)
}

type closerFunc func(context.Context) error

func (f closerFunc) Close(ctx context.Context) error { return f(ctx) }

func TestCloseRuntime(t *testing.T) {
	ctx := context.Background()
	failing := closerFunc(func(context.Context) error { return fmt.Errorf("cache busy") })
	clean := closerFunc(func(context.Context) error { return nil })

	first := fmt.Errorf("write metrics")
	err := closeRuntime(ctx, failing, first)
	assert.ErrorIs(t, err, first)
	assert.Contains(t, err.Error(), "cache busy")

	assert.EqualError(t, closeRuntime(ctx, failing, nil), "close runtime: cache busy")
	assert.Same(t, first, closeRuntime(ctx, clean, first))
	assert.NoError(t, closeRuntime(ctx, clean, nil))
}
