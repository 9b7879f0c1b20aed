package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-bridge/errors"
)

const (
	CabiRealloc = "cabi_realloc"
	CabiFree    = "cabi_free"

	// Legacy names from older toolchains and hand-written guests
	legacyRealloc = "canonical_abi_realloc"
	legacyAlloc   = "allocate"
	simpleAlloc   = "alloc"
	libcAlloc     = "malloc"
	legacyDealloc = "deallocate"
	simpleFree    = "free"

	// allocAlign is requested from realloc-style allocators.
	allocAlign = 8
)

// DefaultAllocNames and DefaultFreeNames are tried in order when the Config
// leaves them empty.
var (
	DefaultAllocNames = []string{CabiRealloc, legacyRealloc, legacyAlloc, simpleAlloc, libcAlloc}
	DefaultFreeNames  = []string{CabiFree, legacyDealloc, simpleFree}
)

// Config holds configuration for engine creation
type Config struct {
	// AllocNames overrides the allocator exports probed on each instance.
	AllocNames []string

	// FreeNames overrides the deallocator exports probed on each instance.
	FreeNames []string

	// MemoryLimitPages sets the maximum memory per instance in pages (64KB each).
	// 0 means default (65536 pages = 4GB).
	// 256 = 16MB, 1024 = 64MB, 4096 = 256MB
	MemoryLimitPages uint32

	// Interpreter selects the wazero interpreter instead of the compiler.
	Interpreter bool
}

// WazeroEngine implements Engine using wazero. Every instance gets its own
// wazero.Runtime; only the compilation cache is shared.
type WazeroEngine struct {
	cache  wazero.CompilationCache
	rtCfg  wazero.RuntimeConfig
	cfg    Config
	closed atomic.Bool
}

var _ Engine = (*WazeroEngine)(nil)

// NewWazeroEngine creates a new wazero-based engine
func NewWazeroEngine(ctx context.Context) (*WazeroEngine, error) {
	return NewWazeroEngineWithConfig(ctx, nil)
}

// NewWazeroEngineWithConfig creates a new engine with custom configuration
func NewWazeroEngineWithConfig(ctx context.Context, cfg *Config) (*WazeroEngine, error) {
	var c Config
	if cfg != nil {
		c = *cfg
	}
	if len(c.AllocNames) == 0 {
		c.AllocNames = DefaultAllocNames
	}
	if len(c.FreeNames) == 0 {
		c.FreeNames = DefaultFreeNames
	}

	var rtCfg wazero.RuntimeConfig
	if c.Interpreter {
		rtCfg = wazero.NewRuntimeConfigInterpreter()
	} else {
		rtCfg = wazero.NewRuntimeConfig()
	}

	cache := wazero.NewCompilationCache()
	rtCfg = rtCfg.WithCompilationCache(cache)
	if c.MemoryLimitPages > 0 {
		rtCfg = rtCfg.WithMemoryLimitPages(c.MemoryLimitPages)
	}

	return &WazeroEngine{cache: cache, rtCfg: rtCfg, cfg: c}, nil
}

// Config returns the effective configuration.
func (e *WazeroEngine) Config() Config {
	return e.cfg
}

// Compile validates wasm and records its function imports and exports.
// The compiled code lands in the shared cache so later instantiations
// skip compilation.
func (e *WazeroEngine) Compile(ctx context.Context, wasm []byte) (*Image, error) {
	if e.closed.Load() {
		return nil, errors.Closed("engine")
	}

	rt := wazero.NewRuntimeWithConfig(ctx, e.rtCfg)
	defer rt.Close(ctx)

	compiled, err := rt.CompileModule(ctx, wasm)
	if err != nil {
		return nil, errors.Load("compile module", err)
	}

	img := &Image{wasm: append([]byte(nil), wasm...)}
	for _, def := range compiled.ImportedFunctions() {
		module, name, _ := def.Import()
		img.imports = append(img.imports, FuncDecl{
			Module:  module,
			Name:    name,
			Params:  def.ParamTypes(),
			Results: def.ResultTypes(),
		})
	}
	for name, def := range compiled.ExportedFunctions() {
		img.exports = append(img.exports, FuncDecl{
			Name:    name,
			Params:  def.ParamTypes(),
			Results: def.ResultTypes(),
		})
	}
	sort.Slice(img.exports, func(i, j int) bool { return img.exports[i].Name < img.exports[j].Name })
	_, img.hasMemory = compiled.ExportedMemories()["memory"]

	return img, nil
}

// Instantiate creates an isolated instance. Host modules are built from
// imports grouped by module name. The wasm start section runs here;
// exported entry points such as _start are left to the caller.
func (e *WazeroEngine) Instantiate(ctx context.Context, img *Image, imports []HostImport) (Instance, error) {
	if e.closed.Load() {
		return nil, errors.Closed("engine")
	}
	if img == nil {
		return nil, errors.NotInitialized(errors.PhaseLoad, "image")
	}

	rt := wazero.NewRuntimeWithConfig(ctx, e.rtCfg)

	if err := installHostModules(ctx, rt, imports); err != nil {
		_ = rt.Close(ctx)
		return nil, errors.Instantiation(err)
	}

	compiled, err := rt.CompileModule(ctx, img.wasm)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, errors.Load("compile module", err)
	}

	modCfg := wazero.NewModuleConfig().
		WithName(""). // anonymous for parallel instantiation
		WithStartFunctions()
	mod, err := rt.InstantiateModule(ctx, compiled, modCfg)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, errors.Instantiation(err)
	}

	inst := &WazeroInstance{runtime: rt, mod: mod}
	if mem := mod.Memory(); mem != nil {
		inst.memory = &WazeroMemory{mem: mem}
	}
	inst.bindAllocator(e.cfg.AllocNames, e.cfg.FreeNames)

	return inst, nil
}

// Close releases the compilation cache. Live instances keep working until
// they are closed themselves.
func (e *WazeroEngine) Close(ctx context.Context) error {
	if e.closed.Swap(true) {
		return nil
	}
	return e.cache.Close(ctx)
}

func installHostModules(ctx context.Context, rt wazero.Runtime, imports []HostImport) error {
	builders := make(map[string]wazero.HostModuleBuilder)
	var order []string
	for _, imp := range imports {
		b, ok := builders[imp.Module]
		if !ok {
			b = rt.NewHostModuleBuilder(imp.Module)
			order = append(order, imp.Module)
		}
		builders[imp.Module] = b.NewFunctionBuilder().
			WithGoModuleFunction(wrapHostFunc(imp.Func), imp.Params, imp.Results).
			WithName(imp.Name).
			Export(imp.Name)
	}
	for _, ns := range order {
		if _, err := builders[ns].Instantiate(ctx); err != nil {
			return fmt.Errorf("host module %q: %w", ns, err)
		}
	}
	return nil
}

// hostAbort carries a host function error through wazero's unwinding.
// wazero recovers the panic and wraps the value with %w.
type hostAbort struct {
	err error
}

func (a *hostAbort) Error() string { return a.err.Error() }
func (a *hostAbort) Unwrap() error { return a.err }

func wrapHostFunc(f HostFunc) api.GoModuleFunc {
	return func(ctx context.Context, mod api.Module, stack []uint64) {
		var mem *WazeroMemory
		if m := mod.Memory(); m != nil {
			mem = &WazeroMemory{mem: m}
		}
		if err := f(ctx, mem, stack); err != nil {
			panic(&hostAbort{err: err})
		}
	}
}

// classify turns a wazero call error into either the host function's own
// error or a Trap.
func classify(name string, err error) error {
	var abort *hostAbort
	if errors.As(err, &abort) {
		return abort.err
	}
	return errors.Trap(name, err)
}

// WazeroInstance is a live guest backed by its own wazero runtime.
type WazeroInstance struct {
	runtime      wazero.Runtime
	mod          api.Module
	memory       *WazeroMemory
	allocFn      api.Function
	freeFn       api.Function
	allocName    string
	freeName     string
	freeParams   int
	reallocStyle bool
}

var _ Instance = (*WazeroInstance)(nil)

func (i *WazeroInstance) bindAllocator(allocNames, freeNames []string) {
	defs := i.mod.ExportedFunctionDefinitions()

	for _, name := range allocNames {
		def, ok := defs[name]
		if !ok || !allI32(def.ResultTypes(), 1) {
			continue
		}
		switch {
		case allI32(def.ParamTypes(), 4):
			i.reallocStyle = true
		case allI32(def.ParamTypes(), 1):
			i.reallocStyle = false
		default:
			continue
		}
		i.allocFn = i.mod.ExportedFunction(name)
		i.allocName = name
		break
	}

	for _, name := range freeNames {
		def, ok := defs[name]
		if !ok || len(def.ResultTypes()) != 0 {
			continue
		}
		n := len(def.ParamTypes())
		if n < 1 || n > 3 || !allI32(def.ParamTypes(), n) {
			continue
		}
		i.freeFn = i.mod.ExportedFunction(name)
		i.freeName = name
		i.freeParams = n
		break
	}

	Logger().Debug("allocator bound",
		zap.String("alloc", i.allocName),
		zap.String("free", i.freeName))
}

func allI32(types []api.ValueType, n int) bool {
	if len(types) != n {
		return false
	}
	for _, t := range types {
		if t != api.ValueTypeI32 {
			return false
		}
	}
	return true
}

// AllocatorNames reports which exports serve as allocator and deallocator.
// Empty strings mean none was found.
func (i *WazeroInstance) AllocatorNames() (alloc, free string) {
	return i.allocName, i.freeName
}

// Memory returns the guest's memory, or nil if it has none.
func (i *WazeroInstance) Memory() *WazeroMemory {
	return i.memory
}

// Alloc reserves size bytes in guest memory through the guest's allocator.
// A zero pointer or a block that does not fit current memory is OutOfMemory;
// nothing is written in either case.
func (i *WazeroInstance) Alloc(ctx context.Context, size uint32) (uint32, error) {
	if i.mod == nil {
		return 0, errors.Closed("instance")
	}
	if i.allocFn == nil {
		return 0, errors.OutOfMemory(size, fmt.Errorf("guest exports no allocator (tried %s)", strings.Join(DefaultAllocNames, ", ")))
	}
	if i.memory == nil {
		return 0, errors.OutOfMemory(size, fmt.Errorf("guest has no linear memory"))
	}

	var args []uint64
	if i.reallocStyle {
		args = []uint64{0, 0, allocAlign, uint64(size)}
	} else {
		args = []uint64{uint64(size)}
	}
	res, err := i.allocFn.Call(ctx, args...)
	if err != nil {
		return 0, classify(i.allocName, err)
	}

	ptr := api.DecodeU32(res[0])
	if ptr == 0 {
		return 0, errors.OutOfMemory(size, nil)
	}
	if uint64(ptr)+uint64(size) > uint64(i.memory.Size()) {
		return 0, errors.OutOfMemory(size,
			fmt.Errorf("allocator returned %#x outside memory of %d bytes", ptr, i.memory.Size()))
	}
	return ptr, nil
}

// Free returns a block obtained from Alloc. Guests without a deallocator
// keep the block; that is logged and not an error.
func (i *WazeroInstance) Free(ctx context.Context, ptr, size uint32) error {
	if i.mod == nil {
		return errors.Closed("instance")
	}
	if ptr == 0 {
		return nil
	}

	switch {
	case i.freeFn != nil:
		args := []uint64{uint64(ptr), uint64(size), allocAlign}[:i.freeParams]
		if _, err := i.freeFn.Call(ctx, args...); err != nil {
			return classify(i.freeName, err)
		}
	case i.reallocStyle:
		if _, err := i.allocFn.Call(ctx, uint64(ptr), uint64(size), allocAlign, 0); err != nil {
			return classify(i.allocName, err)
		}
	default:
		Logger().Debug("guest exports no deallocator, block retained",
			zap.Uint32("ptr", ptr),
			zap.Uint32("size", size))
	}
	return nil
}

// LookupExport resolves an exported function by name.
func (i *WazeroInstance) LookupExport(name string) (ExportRef, bool) {
	if i.mod == nil {
		return ExportRef{}, false
	}
	fn := i.mod.ExportedFunction(name)
	if fn == nil {
		return ExportRef{}, false
	}
	def := fn.Definition()
	return ExportRef{
		fn:      fn,
		owner:   i,
		Name:    name,
		Params:  def.ParamTypes(),
		Results: def.ResultTypes(),
	}, true
}

// Invoke calls a resolved export. The argument count must equal the
// export's parameter count. Host function errors are returned as is;
// every other failure is a Trap.
func (i *WazeroInstance) Invoke(ctx context.Context, ref ExportRef, args []uint64) ([]uint64, error) {
	if i.mod == nil {
		return nil, errors.Closed("instance")
	}
	if !ref.Valid() {
		return nil, errors.ExportNotFound(ref.Name)
	}
	if ref.owner != i {
		return nil, errors.InvalidInput(errors.PhaseRuntime,
			fmt.Sprintf("export %q belongs to another instance", ref.Name))
	}
	if len(args) != len(ref.Params) {
		return nil, errors.SignatureMismatch(errors.PhaseRuntime, ref.Name,
			fmt.Sprintf("%d params", len(ref.Params)),
			fmt.Sprintf("%d args", len(args)))
	}

	res, err := ref.fn.Call(ctx, args...)
	if err != nil {
		return nil, classify(ref.Name, err)
	}
	return res, nil
}

// Close tears down the instance and its runtime. It is safe to call twice.
func (i *WazeroInstance) Close(ctx context.Context) error {
	if i.runtime == nil {
		return nil
	}
	err := i.runtime.Close(ctx)
	i.runtime = nil
	i.mod = nil
	i.memory = nil
	i.allocFn = nil
	i.freeFn = nil
	return err
}
