package runtime

import (
	"context"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-bridge/diag"
	"github.com/wippyai/wasm-bridge/engine"
	"github.com/wippyai/wasm-bridge/errors"
	"github.com/wippyai/wasm-bridge/registry"
)

type options struct {
	logger           *zap.Logger
	promRegistry     *prometheus.Registry
	diagnostics      *diag.Channel
	namespace        string
	allocName        string
	freeName         string
	memoryLimitPages uint32
	interpreter      bool
}

// Option configures a Runtime.
type Option func(*options)

// WithNamespace sets the default import namespace for registrations that
// name none.
func WithNamespace(ns string) Option {
	return func(o *options) { o.namespace = ns }
}

// WithMemoryLimitPages caps each instance's memory, in 64 KiB pages.
func WithMemoryLimitPages(pages uint32) Option {
	return func(o *options) { o.memoryLimitPages = pages }
}

// WithInterpreter selects the wazero interpreter instead of the compiler.
func WithInterpreter(on bool) Option {
	return func(o *options) { o.interpreter = on }
}

// WithLogger sets the logger used by the runtime and its instances.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics registers the bridge collectors on reg instead of a private
// registry.
func WithMetrics(reg *prometheus.Registry) Option {
	return func(o *options) { o.promRegistry = reg }
}

// WithAllocator pins the guest allocator exports. An empty name keeps the
// default probe list for that side.
func WithAllocator(alloc, free string) Option {
	return func(o *options) {
		o.allocName = alloc
		o.freeName = free
	}
}

// WithDiagnostics installs ch's debug_string, debug_bytes and aggregate
// reporters under the default namespace.
func WithDiagnostics(ch *diag.Channel) Option {
	return func(o *options) { o.diagnostics = ch }
}

// Runtime owns the engine and the host function registry. Modules loaded
// from it share the compilation cache; every instance is isolated.
type Runtime struct {
	engine   *engine.WazeroEngine
	registry *registry.Registry
	metrics  *Metrics
	logger   *zap.Logger
}

// New creates a runtime.
func New(ctx context.Context, opts ...Option) (*Runtime, error) {
	o := options{namespace: registry.DefaultNamespace}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}

	cfg := &engine.Config{
		MemoryLimitPages: o.memoryLimitPages,
		Interpreter:      o.interpreter,
	}
	if o.allocName != "" {
		cfg.AllocNames = []string{o.allocName}
	}
	if o.freeName != "" {
		cfg.FreeNames = []string{o.freeName}
	}

	eng, err := engine.NewWazeroEngineWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Load("create engine", err)
	}

	metrics, err := NewMetrics(o.promRegistry)
	if err != nil {
		_ = eng.Close(ctx)
		return nil, errors.Wrap(errors.PhaseSetup, errors.KindInvalidInput, err, "register metrics")
	}

	r := &Runtime{
		engine:   eng,
		registry: registry.New(registry.WithNamespace(o.namespace), registry.WithLogger(o.logger)),
		metrics:  metrics,
		logger:   o.logger,
	}

	if ch := o.diagnostics; ch != nil {
		if err := ch.Install(r.registry, o.namespace); err != nil {
			_ = eng.Close(ctx)
			return nil, err
		}
		if err := ch.InstallAggregates(r.registry, o.namespace); err != nil {
			_ = eng.Close(ctx)
			return nil, err
		}
	}
	return r, nil
}

// Close releases the engine. Instances must be closed first.
func (r *Runtime) Close(ctx context.Context) error {
	return r.engine.Close(ctx)
}

// Registry returns the host function registry.
func (r *Runtime) Registry() *registry.Registry {
	return r.registry
}

// Metrics returns the runtime's collectors.
func (r *Runtime) Metrics() *Metrics {
	return r.metrics
}

// Engine returns the underlying engine.
func (r *Runtime) Engine() *engine.WazeroEngine {
	return r.engine
}

// RegisterFunc registers a host function. It must happen before the
// instances that import it are created.
func (r *Runtime) RegisterFunc(namespace, name, sig string, fn registry.Func, opts ...registry.RegisterOption) error {
	return r.registry.Register(namespace, name, sig, fn, opts...)
}

// Load compiles a module image.
func (r *Runtime) Load(ctx context.Context, wasm []byte) (*Module, error) {
	img, err := r.engine.Compile(ctx, wasm)
	if err != nil {
		return nil, err
	}
	r.logger.Debug("module loaded",
		zap.Int("size", img.Size()),
		zap.Int("imports", len(img.Imports())),
		zap.Int("exports", len(img.Exports())))
	return &Module{runtime: r, image: img}, nil
}

// LoadFile reads and compiles a module image from disk.
func (r *Runtime) LoadFile(ctx context.Context, path string) (*Module, error) {
	wasm, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Load("read "+path, err)
	}
	mod, err := r.Load(ctx, wasm)
	if err != nil {
		return nil, err
	}
	mod.name = path
	return mod, nil
}
