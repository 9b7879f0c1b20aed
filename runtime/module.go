package runtime

import (
	"context"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-bridge/engine"
	"github.com/wippyai/wasm-bridge/memory"
	"github.com/wippyai/wasm-bridge/registry"
)

// Module is a compiled guest image. It is safe to instantiate
// concurrently.
type Module struct {
	runtime *Runtime
	image   *engine.Image
	name    string
}

// Name returns the path the module was loaded from, if any.
func (m *Module) Name() string {
	return m.name
}

// Imports returns the functions the guest imports.
func (m *Module) Imports() []engine.FuncDecl {
	return m.image.Imports()
}

// Exports returns the functions the guest exports, sorted by name.
func (m *Module) Exports() []engine.FuncDecl {
	return m.image.Exports()
}

// Instantiate binds the registry's current import table and creates an
// instance. Imports are checked against the table before any guest code
// runs, including the start function.
func (m *Module) Instantiate(ctx context.Context) (*Instance, error) {
	table := m.runtime.registry.Bind()
	if err := table.Validate(m.image.Imports()); err != nil {
		return nil, err
	}

	inst := &Instance{
		module:  m,
		table:   table,
		logger:  m.runtime.logger,
		metrics: m.runtime.metrics,
	}

	imports := table.HostImports(inst.bridgeFor, inst.observeHost)
	ei, err := m.runtime.engine.Instantiate(ctx, m.image, imports)
	if err != nil {
		return nil, err
	}
	inst.inst = ei

	handles := memory.NewTable()
	handles.Subscribe(m.runtime.metrics)
	var mem memory.GuestMemory
	if wm := ei.Memory(); wm != nil {
		mem = wm
	}
	inst.bridge.Store(memory.NewBridge(mem, guardedAllocator{inst},
		memory.WithTable(handles),
		memory.WithLogger(inst.logger)))
	inst.views = memory.NewBridge(mem, nil,
		memory.WithTable(handles),
		memory.WithGuard(inst.guard))

	m.runtime.metrics.instances.Inc()
	inst.logger.Debug("instance created",
		zap.String("module", m.name),
		zap.Strings("namespaces", table.Namespaces()))
	return inst, nil
}

// ImportTable returns a snapshot of what an instance created now would
// bind.
func (m *Module) ImportTable() *registry.ImportTable {
	return m.runtime.registry.Bind()
}
