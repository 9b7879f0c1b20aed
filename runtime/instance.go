package runtime

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-bridge/engine"
	"github.com/wippyai/wasm-bridge/errors"
	"github.com/wippyai/wasm-bridge/marshal"
	"github.com/wippyai/wasm-bridge/memory"
	"github.com/wippyai/wasm-bridge/registry"
	"github.com/wippyai/wasm-bridge/resolver"
)

// frame marks an instance as executing in a context. Frames chain so a
// host function of one instance may call into another.
type frame struct {
	inst   *Instance
	parent *frame
}

type frameKey struct{}

// FromContext returns the instance whose call is running in ctx, or nil.
// Host functions use it to reach their caller.
func FromContext(ctx context.Context) *Instance {
	if f, ok := ctx.Value(frameKey{}).(*frame); ok {
		return f.inst
	}
	return nil
}

func inCall(ctx context.Context, i *Instance) bool {
	f, _ := ctx.Value(frameKey{}).(*frame)
	for ; f != nil; f = f.parent {
		if f.inst == i {
			return true
		}
	}
	return false
}

func enter(ctx context.Context, i *Instance) context.Context {
	parent, _ := ctx.Value(frameKey{}).(*frame)
	return context.WithValue(ctx, frameKey{}, &frame{inst: i, parent: parent})
}

type poison struct {
	err error
}

// Instance is a live guest. At most one call runs at a time; a call
// arriving while another is in progress waits, and a call into the
// instance from one of its own host functions is rejected.
//
// Host-side memory operations take the same lock as calls.
//
// A trap poisons the instance: its memory and handles are released, every
// later call fails with a Trap error and every handle with InvalidHandle.
type Instance struct {
	module  *Module
	inst    engine.Instance
	table   *registry.ImportTable
	logger  *zap.Logger
	metrics *Metrics
	bridge  atomic.Pointer[memory.Bridge]
	views   *memory.Bridge
	trap    atomic.Pointer[poison]
	closed  atomic.Bool
	mu      sync.Mutex
}

// Module returns the module the instance was created from.
func (i *Instance) Module() *Module {
	return i.module
}

// ImportTable returns the table bound at instantiation.
func (i *Instance) ImportTable() *registry.ImportTable {
	return i.table
}

// Bridge returns the instance's memory bridge.
func (i *Instance) Bridge() *memory.Bridge {
	return i.bridge.Load()
}

// Trapped reports whether a trap has poisoned the instance.
func (i *Instance) Trapped() bool {
	return i.trap.Load() != nil
}

// Err returns the trap that poisoned the instance, or nil.
func (i *Instance) Err() error {
	if p := i.trap.Load(); p != nil {
		return p.err
	}
	return nil
}

func (i *Instance) usable(name string) error {
	if p := i.trap.Load(); p != nil {
		return errors.New(errors.PhaseRuntime, errors.KindTrap).
			Path(name).
			Detail("instance was poisoned by an earlier trap").
			Cause(p.err).
			Build()
	}
	if i.closed.Load() {
		return errors.Closed("instance")
	}
	return nil
}

// run executes fn as the single active call. Failures that are not
// call-scoped poison the instance.
func (i *Instance) run(ctx context.Context, name string, fn func(context.Context) error) error {
	return i.locked(ctx, name, i.usable, fn)
}

// locked is run with the check that decides whether the instance can
// still serve name.
func (i *Instance) locked(ctx context.Context, name string, check func(string) error, fn func(context.Context) error) error {
	if inCall(ctx, i) {
		return errors.New(errors.PhaseRuntime, errors.KindReentrantCall).
			Path(name).
			Detail("instance is already executing a call").
			Build()
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	if err := check(name); err != nil {
		return err
	}
	err := fn(enter(ctx, i))
	if err == nil || errors.CallScoped(err) {
		return err
	}
	if !errors.Is(err, errors.ErrTrap) {
		err = errors.Trap(name, err)
	}
	i.poisonLocked(ctx, name, err)
	return err
}

// released reports h as invalid once the instance is torn down. The trap
// or close error is kept as the cause.
func (i *Instance) released(h memory.Handle, name string) error {
	err := i.usable(name)
	if err == nil {
		return nil
	}
	e := errors.InvalidHandle(uint64(h), "instance was torn down")
	e.Path = []string{name}
	e.Cause = err
	return e
}

// guard serializes access through views handed out by Resolve with
// calls on the instance.
func (i *Instance) guard(fn func() error) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return fn()
}

func (i *Instance) poisonLocked(ctx context.Context, name string, err error) {
	i.trap.Store(&poison{err: err})
	i.metrics.traps.Inc()
	i.metrics.instances.Dec()
	i.logger.Warn("guest trapped, instance poisoned",
		zap.String("export", name),
		zap.Error(err))

	if b := i.bridge.Load(); b != nil {
		b.Close()
	}
	if cerr := i.inst.Close(ctx); cerr != nil {
		i.logger.Debug("closing trapped instance", zap.Error(cerr))
	}
}

// LookupExport resolves an export without checking its prototype.
func (i *Instance) LookupExport(name string) (engine.ExportRef, bool) {
	if i.usable(name) != nil {
		return engine.ExportRef{}, false
	}
	return i.inst.LookupExport(name)
}

// Invoke runs a resolved export with raw stack words.
func (i *Instance) Invoke(ctx context.Context, ref engine.ExportRef, args []uint64) ([]uint64, error) {
	var res []uint64
	err := i.run(ctx, ref.Name, func(ctx context.Context) error {
		i.metrics.call(DirectionGuest, ref.Name)
		var err error
		res, err = i.inst.Invoke(ctx, ref, args)
		return err
	})
	if err != nil {
		i.logger.Debug("guest call failed",
			zap.String("export", ref.Name),
			zap.Error(err))
		return nil, err
	}
	return res, nil
}

// Lookup resolves name against the prototype sig.
func (i *Instance) Lookup(name, sig string) (*resolver.Export, error) {
	if err := i.usable(name); err != nil {
		return nil, err
	}
	return resolver.Lookup(i, name, sig)
}

// Call looks up name with sig and calls it. See resolver.Export.Call for
// the accepted argument types.
func (i *Instance) Call(ctx context.Context, name, sig string, args ...any) ([]uint64, error) {
	e, err := i.Lookup(name, sig)
	if err != nil {
		return nil, err
	}
	return e.Call(ctx, args...)
}

// CallInto calls name and unflattens its results into out.
func (i *Instance) CallInto(ctx context.Context, name, sig string, out any, args ...any) error {
	e, err := i.Lookup(name, sig)
	if err != nil {
		return err
	}
	return e.CallInto(ctx, out, args...)
}

// CopyIn copies data into guest memory and returns a handle to it. It
// waits for a running call to finish and is rejected from the instance's
// own host functions, which use their Call's memory bridge instead.
func (i *Instance) CopyIn(ctx context.Context, data []byte) (memory.Handle, error) {
	var h memory.Handle
	err := i.run(ctx, "copy_in", func(ctx context.Context) error {
		var err error
		h, err = i.Bridge().CopyIn(hold(ctx, i), data)
		return err
	})
	return h, err
}

// Resolve returns a view of the region named by h. Inside a call on the
// instance the view reads memory directly. Otherwise every access through
// the view waits for the running call, so such a view must not be used
// from the instance's own host functions.
//
// Once the instance is closed or trapped every handle is InvalidHandle.
func (i *Instance) Resolve(ctx context.Context, h memory.Handle) (memory.View, error) {
	if inCall(ctx, i) {
		return i.Bridge().Resolve(h)
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	if err := i.released(h, "resolve"); err != nil {
		return memory.View{}, err
	}
	return i.views.Resolve(h)
}

// Free invalidates h and releases its block. Freeing twice, or after the
// instance is torn down, is InvalidHandle.
func (i *Instance) Free(ctx context.Context, h memory.Handle) error {
	check := func(name string) error { return i.released(h, name) }
	return i.locked(ctx, "free", check, func(ctx context.Context) error {
		return i.Bridge().Free(hold(ctx, i), h)
	})
}

// PassByReference copies the byte image of v into guest memory.
func (i *Instance) PassByReference(ctx context.Context, v any) (memory.Handle, error) {
	var h memory.Handle
	err := i.run(ctx, "pass_by_reference", func(ctx context.Context) error {
		var err error
		h, err = marshal.PassByReference(hold(ctx, i), i.Bridge(), v)
		return err
	})
	return h, err
}

// ReadAt decodes the aggregate at a guest pointer into out.
func (i *Instance) ReadAt(ctx context.Context, ptr uint32, out any) error {
	if inCall(ctx, i) {
		return marshal.ReadAt(i.Bridge(), ptr, out)
	}
	return i.run(ctx, "read_at", func(context.Context) error {
		return marshal.ReadAt(i.Bridge(), ptr, out)
	})
}

// Close tears the instance down and invalidates its handles. It is safe
// to call twice and after a trap.
func (i *Instance) Close(ctx context.Context) error {
	if inCall(ctx, i) {
		return errors.New(errors.PhaseRuntime, errors.KindReentrantCall).
			Path("close").
			Detail("cannot close an instance from its own call").
			Build()
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	if i.closed.Swap(true) || i.Trapped() {
		return nil
	}
	i.metrics.instances.Dec()
	if b := i.bridge.Load(); b != nil {
		b.Close()
	}
	return i.inst.Close(ctx)
}

// bridgeFor gives host functions the instance bridge, or a read-only one
// while the start function runs and the instance is still being built.
func (i *Instance) bridgeFor(_ context.Context, mem *engine.WazeroMemory) *memory.Bridge {
	if b := i.bridge.Load(); b != nil {
		return b
	}
	if mem == nil {
		return memory.NewBridge(nil, nil)
	}
	return memory.NewBridge(mem, nil)
}

func (i *Instance) observeHost(d *registry.Descriptor, next registry.Func) registry.Func {
	key := d.Key()
	return func(ctx context.Context, call *registry.Call) error {
		i.metrics.call(DirectionHost, key)
		err := next(ctx, call)
		if err != nil {
			i.logger.Debug("host function failed",
				zap.String("import", key),
				zap.Error(err))
		}
		return err
	}
}

// heldKey marks a context whose caller already holds the instance lock
// for a host-side memory operation.
type heldKey struct{}

func hold(ctx context.Context, i *Instance) context.Context {
	return context.WithValue(ctx, heldKey{}, i)
}

func holds(ctx context.Context, i *Instance) bool {
	held, _ := ctx.Value(heldKey{}).(*Instance)
	return held == i
}

// guardedAllocator runs the guest allocator as a call on the instance, so
// it is serialized with other calls and refused from host functions. Under
// a held lock it calls the guest directly; host functions reached from
// there see an ordinary call context again.
type guardedAllocator struct {
	i *Instance
}

func (g guardedAllocator) Alloc(ctx context.Context, size uint32) (uint32, error) {
	if holds(ctx, g.i) {
		return g.i.inst.Alloc(hold(ctx, nil), size)
	}
	var ptr uint32
	err := g.i.run(ctx, "alloc", func(ctx context.Context) error {
		var err error
		ptr, err = g.i.inst.Alloc(ctx, size)
		return err
	})
	return ptr, err
}

func (g guardedAllocator) Free(ctx context.Context, ptr, size uint32) error {
	if holds(ctx, g.i) {
		return g.i.inst.Free(hold(ctx, nil), ptr, size)
	}
	return g.i.run(ctx, "free", func(ctx context.Context) error {
		return g.i.inst.Free(ctx, ptr, size)
	})
}
