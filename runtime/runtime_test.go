package runtime

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-bridge/diag"
	"github.com/wippyai/wasm-bridge/errors"
	"github.com/wippyai/wasm-bridge/internal/cart"
	wb "github.com/wippyai/wasm-bridge/internal/wasmbuild"
	"github.com/wippyai/wasm-bridge/marshal"
	"github.com/wippyai/wasm-bridge/memory"
	"github.com/wippyai/wasm-bridge/registry"
	"github.com/wippyai/wasm-bridge/resolver"
)

func newRuntime(t *testing.T, opts ...Option) *Runtime {
	t.Helper()
	ctx := context.Background()
	rt, err := New(ctx, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { rt.Close(ctx) })
	return rt
}

func instantiate(t *testing.T, rt *Runtime, wasm []byte) *Instance {
	t.Helper()
	ctx := context.Background()
	mod, err := rt.Load(ctx, wasm)
	require.NoError(t, err)
	inst, err := mod.Instantiate(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { inst.Close(ctx) })
	return inst
}

// cartRuntime returns a runtime with the diagnostic channel installed
// under the cart namespace, and the recorder behind it.
func cartRuntime(t *testing.T, opts ...Option) (*Runtime, *diag.Recorder) {
	t.Helper()
	rec := &diag.Recorder{}
	ch := diag.New(diag.WithSink(rec.Sink()))
	opts = append([]Option{WithNamespace(cart.Namespace), WithDiagnostics(ch)}, opts...)
	return newRuntime(t, opts...), rec
}

func touched(t *testing.T, inst *Instance) uint32 {
	t.Helper()
	res, err := inst.Call(context.Background(), "touched", "()i")
	require.NoError(t, err)
	return api.DecodeU32(res[0])
}

func vt(ts ...wb.ValType) []wb.ValType { return ts }

// hostGuest imports env.lookup(I)i, env.reenter(), env.copy(), env.other()
// and env.fail(), and exports a thin wrapper around each plus a bump
// allocator.
func hostGuest() []byte {
	i32, i64 := wb.I32, wb.I64
	m := wb.New()
	lookup := m.Import("env", "lookup", vt(i64), vt(i32))
	reenter := m.Import("env", "reenter", nil, nil)
	copyIn := m.Import("env", "copy", nil, nil)
	other := m.Import("env", "other", nil, nil)
	fail := m.Import("env", "fail", nil, nil)

	m.Memory(1, 1)
	m.ExportMemory("memory")
	heap := m.Global(i32, true, 1024)

	m.ExportFunc("alloc", m.Func(vt(i32), vt(i32), vt(i32), wb.NewCode().
		GlobalGet(heap).LocalTee(1).
		LocalGet(0).I32Const(7).I32Add().I32Const(-8).I32And().
		I32Add().GlobalSet(heap).
		LocalGet(1)))
	m.ExportFunc("free", m.Func(vt(i32), nil, nil, wb.NewCode()))

	m.ExportFunc("measure", m.Func(vt(i64), vt(i32), nil, wb.NewCode().LocalGet(0).Call(lookup)))
	m.ExportFunc("reenter", m.Func(nil, nil, nil, wb.NewCode().Call(reenter)))
	m.ExportFunc("copy", m.Func(nil, nil, nil, wb.NewCode().Call(copyIn)))
	m.ExportFunc("other", m.Func(nil, nil, nil, wb.NewCode().Call(other)))
	m.ExportFunc("fail", m.Func(nil, nil, nil, wb.NewCode().Call(fail)))
	return m.Encode()
}

// registerHost wires hostGuest's imports. env.other calls touch on target.
func registerHost(t *testing.T, rt *Runtime, target *Instance) {
	t.Helper()
	fns := map[string]struct {
		sig string
		fn  registry.Func
	}{
		"lookup": {"(I)i", func(_ context.Context, c *registry.Call) error {
			view, err := c.Memory.Resolve(memory.Handle(c.U64(0)))
			if err != nil {
				return err
			}
			return c.Return(uint64(view.Len))
		}},
		"reenter": {"()", func(ctx context.Context, _ *registry.Call) error {
			_, err := FromContext(ctx).Call(ctx, "measure", "(I)i", uint64(0))
			return err
		}},
		"copy": {"()", func(ctx context.Context, c *registry.Call) error {
			_, err := c.Memory.CopyIn(ctx, []byte{1, 2, 3})
			return err
		}},
		"other": {"()", func(ctx context.Context, _ *registry.Call) error {
			_, err := target.Call(ctx, "touch", "()")
			return err
		}},
		"fail": {"()", func(context.Context, *registry.Call) error {
			return fmt.Errorf("host exploded")
		}},
	}
	for name, f := range fns {
		require.NoError(t, rt.RegisterFunc("env", name, f.sig, f.fn))
	}
}

func TestColorByReference(t *testing.T) {
	ctx := context.Background()
	rt, rec := cartRuntime(t)
	inst := instantiate(t, rt, cart.Build())

	red := marshal.Color{R: 230, G: 41, B: 55, A: 255}
	h, err := inst.PassByReference(ctx, red)
	require.NoError(t, err)

	view, err := inst.Resolve(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, uint32(4), view.Len)
	got, err := view.Bytes()
	require.NoError(t, err)
	assert.Equal(t, cart.Red[:], got)

	_, err = inst.Call(ctx, "param_color_by_pointer", "(*)", h)
	require.NoError(t, err)

	reports := rec.Reports()
	require.Len(t, reports, 1)
	assert.Equal(t, "debug_color_pointer", reports[0].Name)
	assert.Equal(t, red, reports[0].Value)
	assert.Equal(t, "rgba(230, 41, 55, 255)", reports[0].Value.(marshal.Color).String())

	require.NoError(t, inst.Free(ctx, h))
	_, err = inst.Call(ctx, "param_color_by_pointer", "(*)", h)
	assert.ErrorIs(t, err, errors.ErrInvalidHandle)
	assert.Len(t, rec.Reports(), 1)
}

func TestColorReturnedByPointer(t *testing.T) {
	ctx := context.Background()
	rt, _ := cartRuntime(t)
	inst := instantiate(t, rt, cart.Build())

	e, err := inst.Lookup("ret_color_by_pointer", "()*")
	require.NoError(t, err)
	var c marshal.Color
	require.NoError(t, e.CallPtrInto(ctx, &c))
	assert.Equal(t, marshal.Color{R: 230, G: 41, B: 55, A: 255}, c)

	var byValue marshal.Color
	require.NoError(t, inst.CallInto(ctx, "ret_color_by_value", "()iiii", &byValue))
	assert.Equal(t, c, byValue)
}

func TestDimensionsByValue(t *testing.T) {
	ctx := context.Background()
	rt, rec := cartRuntime(t)
	inst := instantiate(t, rt, cart.Build())

	var d marshal.Dimensions
	require.NoError(t, inst.CallInto(ctx, "ret_dimensions_by_value", "()ii", &d))
	assert.Equal(t, marshal.Dimensions{Width: 100, Height: 100}, d)

	args, err := resolver.ArgsOf(marshal.Dimensions{Width: 640, Height: 480})
	require.NoError(t, err)
	_, err = inst.Call(ctx, "param_dimensions_by_value", "(ii)", args...)
	require.NoError(t, err)

	reports := rec.Reports()
	require.Len(t, reports, 1)
	assert.Equal(t, marshal.Dimensions{Width: 640, Height: 480}, reports[0].Value)
	assert.Equal(t, "640x480", reports[0].String())
}

func TestDimensionsByPointer(t *testing.T) {
	ctx := context.Background()
	rt, rec := cartRuntime(t)
	inst := instantiate(t, rt, cart.Build())

	res, err := inst.Call(ctx, "ret_dimensions_by_pointer", "()*")
	require.NoError(t, err)
	var d marshal.Dimensions
	require.NoError(t, inst.ReadAt(ctx, api.DecodeU32(res[0]), &d))
	assert.Equal(t, marshal.Dimensions{Width: 100, Height: 100}, d)

	h, err := inst.PassByReference(ctx, marshal.Dimensions{Width: 3, Height: 7})
	require.NoError(t, err)
	res, err = inst.Call(ctx, "dimensions_area", "(*)i", h)
	require.NoError(t, err)
	assert.Equal(t, uint32(21), api.DecodeU32(res[0]))

	_, err = inst.Call(ctx, "param_dimensions_by_pointer", "(*)", h)
	require.NoError(t, err)
	require.Len(t, rec.Reports(), 1)
	assert.Equal(t, marshal.Dimensions{Width: 3, Height: 7}, rec.Reports()[0].Value)
}

func TestStartFunctionReports(t *testing.T) {
	rt, rec := cartRuntime(t)
	instantiate(t, rt, cart.BuildWith(cart.Options{StartMain: true}))

	reports := rec.Reports()
	require.Len(t, reports, 4)
	names := make([]string, len(reports))
	for i, r := range reports {
		names[i] = r.Name
	}
	assert.Equal(t, []string{
		"debug_color", "debug_dimensions",
		"debug_color_pointer", "debug_dimensions_pointer",
	}, names)
	red := marshal.Color{R: 230, G: 41, B: 55, A: 255}
	assert.Equal(t, red, reports[0].Value)
	assert.Equal(t, red, reports[2].Value)
}

func TestTrapPoisonsInstance(t *testing.T) {
	for _, export := range []string{"trap", "oob"} {
		t.Run(export, func(t *testing.T) {
			ctx := context.Background()
			rt, _ := cartRuntime(t)
			inst := instantiate(t, rt, cart.Build())

			h, err := inst.CopyIn(ctx, []byte("keep"))
			require.NoError(t, err)
			_, err = inst.Call(ctx, "touch", "()")
			require.NoError(t, err)

			sig := "()"
			if export == "oob" {
				sig = "()i"
			}
			_, err = inst.Call(ctx, export, sig)
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrTrap)
			assert.False(t, errors.CallScoped(err))
			assert.True(t, inst.Trapped())
			assert.ErrorIs(t, inst.Err(), errors.ErrTrap)

			_, err = inst.Call(ctx, "touched", "()i")
			assert.ErrorIs(t, err, errors.ErrTrap)
			_, err = inst.Resolve(ctx, h)
			assert.ErrorIs(t, err, errors.ErrInvalidHandle)
			assert.ErrorIs(t, err, errors.ErrTrap, "the trap stays reachable as the cause")
			err = inst.Free(ctx, h)
			assert.ErrorIs(t, err, errors.ErrInvalidHandle)
			assert.ErrorIs(t, err, errors.ErrTrap)
			_, err = inst.CopyIn(ctx, []byte("x"))
			assert.ErrorIs(t, err, errors.ErrTrap)

			var e *errors.Error
			require.True(t, errors.As(err, &e))
			assert.NotNil(t, e.Cause)

			assert.NoError(t, inst.Close(ctx))
			assert.Equal(t, 1.0, testutil.ToFloat64(rt.Metrics().traps))
			assert.Equal(t, 0.0, testutil.ToFloat64(rt.Metrics().instances))
			assert.Equal(t, 0.0, testutil.ToFloat64(rt.Metrics().handles))
		})
	}
}

func TestTrapLeavesOtherInstances(t *testing.T) {
	ctx := context.Background()
	rt, _ := cartRuntime(t)
	a := instantiate(t, rt, cart.Build())
	b := instantiate(t, rt, cart.Build())

	_, err := a.Call(ctx, "trap", "()")
	require.ErrorIs(t, err, errors.ErrTrap)

	_, err = b.Call(ctx, "touch", "()")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), touched(t, b))
}

func TestHostErrorsAbortOnlyTheCall(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(t)
	registerHost(t, rt, nil)
	inst := instantiate(t, rt, hostGuest())

	h, err := inst.CopyIn(ctx, []byte("hello"))
	require.NoError(t, err)
	res, err := inst.Call(ctx, "measure", "(I)i", uint64(h))
	require.NoError(t, err)
	assert.Equal(t, uint32(5), api.DecodeU32(res[0]))

	require.NoError(t, inst.Free(ctx, h))
	_, err = inst.Call(ctx, "measure", "(I)i", uint64(h))
	assert.ErrorIs(t, err, errors.ErrInvalidHandle)
	assert.True(t, errors.CallScoped(err))
	assert.False(t, inst.Trapped())

	h2, err := inst.CopyIn(ctx, []byte("again"))
	require.NoError(t, err)
	assert.NotEqual(t, h, h2)
	res, err = inst.Call(ctx, "measure", "(I)i", uint64(h2))
	require.NoError(t, err)
	assert.Equal(t, uint32(5), api.DecodeU32(res[0]))
}

func TestUnclassifiedHostErrorTraps(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(t)
	registerHost(t, rt, nil)
	inst := instantiate(t, rt, hostGuest())

	_, err := inst.Call(ctx, "fail", "()")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrTrap)
	assert.Contains(t, err.Error(), "host exploded")
	assert.True(t, inst.Trapped())
}

func TestReentrantCallRejected(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(t)
	registerHost(t, rt, nil)
	inst := instantiate(t, rt, hostGuest())

	_, err := inst.Call(ctx, "reenter", "()")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrReentrantCall)
	assert.True(t, errors.CallScoped(err))
	assert.False(t, inst.Trapped())

	_, err = inst.Call(ctx, "copy", "()")
	assert.ErrorIs(t, err, errors.ErrReentrantCall)
	assert.False(t, inst.Trapped())
	assert.Equal(t, 0, inst.Bridge().Live())

	res, err := inst.Call(ctx, "measure", "(I)i", uint64(0))
	assert.ErrorIs(t, err, errors.ErrInvalidHandle)
	assert.Nil(t, res)
}

func TestCallIntoAnotherInstance(t *testing.T) {
	ctx := context.Background()
	rt, _ := cartRuntime(t)
	target := instantiate(t, rt, cart.Build())
	registerHost(t, rt, target)
	inst := instantiate(t, rt, hostGuest())

	_, err := inst.Call(ctx, "other", "()")
	require.NoError(t, err)
	_, err = inst.Call(ctx, "other", "()")
	require.NoError(t, err)
	assert.Equal(t, uint32(2), touched(t, target))
}

func TestCloseFromHostFunctionRejected(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(t)
	var closeErr error
	require.NoError(t, rt.RegisterFunc("env", "lookup", "(I)i", func(ctx context.Context, c *registry.Call) error {
		closeErr = FromContext(ctx).Close(ctx)
		return c.Return(0)
	}))
	for _, name := range []string{"reenter", "copy", "other", "fail"} {
		require.NoError(t, rt.RegisterFunc("env", name, "()", func(context.Context, *registry.Call) error { return nil }))
	}
	inst := instantiate(t, rt, hostGuest())

	_, err := inst.Call(ctx, "measure", "(I)i", uint64(0))
	require.NoError(t, err)
	assert.ErrorIs(t, closeErr, errors.ErrReentrantCall)
	require.NoError(t, inst.Close(ctx))
}

func TestUnknownExportKeepsInstance(t *testing.T) {
	ctx := context.Background()
	rt, _ := cartRuntime(t)
	inst := instantiate(t, rt, cart.Build())

	_, err := inst.Call(ctx, "no_such_export", "()")
	assert.ErrorIs(t, err, errors.ErrExportNotFound)
	_, err = inst.Call(ctx, "touch", "(i)")
	assert.ErrorIs(t, err, errors.ErrSignatureMismatch)
	_, err = inst.Call(ctx, "touch", "()", uint32(1))
	assert.ErrorIs(t, err, errors.ErrSignatureMismatch)

	assert.False(t, inst.Trapped())
	assert.Equal(t, uint32(0), touched(t, inst))
}

func TestInstantiateChecksImports(t *testing.T) {
	ctx := context.Background()

	t.Run("missing", func(t *testing.T) {
		rt := newRuntime(t, WithNamespace(cart.Namespace))
		require.NoError(t, rt.RegisterFunc("", "debug_color", "(iiii)",
			func(context.Context, *registry.Call) error { return nil }))
		mod, err := rt.Load(ctx, cart.Build())
		require.NoError(t, err)

		_, err = mod.Instantiate(ctx)
		require.Error(t, err)
		assert.ErrorIs(t, err, errors.ErrMissingImport)
		assert.Contains(t, err.Error(), "debug_string")
		assert.Contains(t, err.Error(), cart.Namespace)
	})

	t.Run("signature", func(t *testing.T) {
		rt := newRuntime(t)
		require.NoError(t, rt.RegisterFunc("env", "lookup", "(ii)i", func(context.Context, *registry.Call) error { return nil }))
		for _, name := range []string{"reenter", "copy", "other", "fail"} {
			require.NoError(t, rt.RegisterFunc("env", name, "()", func(context.Context, *registry.Call) error { return nil }))
		}
		mod, err := rt.Load(ctx, hostGuest())
		require.NoError(t, err)
		_, err = mod.Instantiate(ctx)
		assert.ErrorIs(t, err, errors.ErrSignatureMismatch)
	})
}

func TestRegistrationAfterInstantiation(t *testing.T) {
	ctx := context.Background()
	rt, _ := cartRuntime(t)
	mod, err := rt.Load(ctx, cart.Build())
	require.NoError(t, err)

	first, err := mod.Instantiate(ctx)
	require.NoError(t, err)
	defer first.Close(ctx)
	before := first.ImportTable().Len()

	require.NoError(t, rt.RegisterFunc("", "late", "()", func(context.Context, *registry.Call) error { return nil }))
	assert.Equal(t, before, first.ImportTable().Len())
	_, ok := first.ImportTable().Lookup(cart.Namespace, "late")
	assert.False(t, ok)

	second, err := mod.Instantiate(ctx)
	require.NoError(t, err)
	defer second.Close(ctx)
	_, ok = second.ImportTable().Lookup(cart.Namespace, "late")
	assert.True(t, ok)
}

func TestConcurrentCalls(t *testing.T) {
	ctx := context.Background()
	rt, _ := cartRuntime(t)

	shared := instantiate(t, rt, cart.Build())
	var isolated []*Instance
	for i := 0; i < 4; i++ {
		isolated = append(isolated, instantiate(t, rt, cart.Build()))
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				_, err := shared.Call(ctx, "touch", "()")
				assert.NoError(t, err)
			}
		}()
	}
	for n, inst := range isolated {
		wg.Add(1)
		go func(inst *Instance, n int) {
			defer wg.Done()
			for j := 0; j <= n; j++ {
				_, err := inst.Call(ctx, "touch", "()")
				assert.NoError(t, err)
			}
		}(inst, n)
	}
	wg.Wait()

	assert.Equal(t, uint32(80), touched(t, shared))
	for n, inst := range isolated {
		assert.Equal(t, uint32(n+1), touched(t, inst))
	}
}

func TestCloseInvalidatesHandles(t *testing.T) {
	ctx := context.Background()
	rt, _ := cartRuntime(t)
	mod, err := rt.Load(ctx, cart.Build())
	require.NoError(t, err)
	inst, err := mod.Instantiate(ctx)
	require.NoError(t, err)

	h, err := inst.CopyIn(ctx, []byte("bye"))
	require.NoError(t, err)
	require.NoError(t, inst.Close(ctx))
	require.NoError(t, inst.Close(ctx))

	_, err = inst.Resolve(ctx, h)
	assert.ErrorIs(t, err, errors.ErrInvalidHandle)
	err = inst.Free(ctx, h)
	assert.ErrorIs(t, err, errors.ErrInvalidHandle)
	assert.ErrorIs(t, err, errors.ErrClosed)
	_, err = inst.Call(ctx, "touch", "()")
	assert.ErrorIs(t, err, errors.ErrClosed)
	_, err = inst.CopyIn(ctx, []byte("x"))
	assert.ErrorIs(t, err, errors.ErrClosed)
}

func TestHandlesAreScopedToTheirInstance(t *testing.T) {
	ctx := context.Background()
	rt, rec := cartRuntime(t)
	a := instantiate(t, rt, cart.Build())
	b := instantiate(t, rt, cart.Build())

	ha, err := a.PassByReference(ctx, marshal.Color{R: 230, G: 41, B: 55, A: 255})
	require.NoError(t, err)
	hb, err := b.PassByReference(ctx, marshal.Color{R: 1, G: 2, B: 3, A: 4})
	require.NoError(t, err)
	assert.NotEqual(t, ha, hb)

	_, err = b.Resolve(ctx, ha)
	assert.ErrorIs(t, err, errors.ErrInvalidHandle)
	_, err = b.Call(ctx, "param_color_by_pointer", "(*)", ha)
	assert.ErrorIs(t, err, errors.ErrInvalidHandle)
	assert.Empty(t, rec.Reports(), "a foreign handle never reaches the guest")
	assert.ErrorIs(t, b.Free(ctx, ha), errors.ErrInvalidHandle)
	assert.False(t, b.Trapped())

	view, err := b.Resolve(ctx, hb)
	require.NoError(t, err)
	got, err := view.Bytes()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, got)

	view, err = a.Resolve(ctx, ha)
	require.NoError(t, err)
	got, err = view.Bytes()
	require.NoError(t, err)
	assert.Equal(t, cart.Red[:], got)

	require.NoError(t, a.Free(ctx, ha))
	require.NoError(t, b.Free(ctx, hb))
}

func TestHostMemoryAccessWaitsForCall(t *testing.T) {
	ctx := context.Background()
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	sink := func(context.Context, diag.Report) {
		once.Do(func() {
			close(entered)
			<-release
		})
	}
	rt := newRuntime(t, WithNamespace(cart.Namespace), WithDiagnostics(diag.New(diag.WithSink(sink))))
	inst := instantiate(t, rt, cart.Build())

	h, err := inst.PassByReference(ctx, marshal.Color{R: 230, G: 41, B: 55, A: 255})
	require.NoError(t, err)
	view, err := inst.Resolve(ctx, h)
	require.NoError(t, err)

	called := make(chan error, 1)
	go func() {
		_, err := inst.Call(ctx, "param_color_by_pointer", "(*)", h)
		called <- err
	}()
	<-entered

	wrote := make(chan error, 1)
	go func() { wrote <- view.Write(0, []byte{1, 2, 3, 4}) }()
	copied := make(chan error, 1)
	go func() {
		_, err := inst.CopyIn(ctx, []byte("x"))
		copied <- err
	}()

	select {
	case <-wrote:
		t.Fatal("view write ran while a call was active")
	case <-copied:
		t.Fatal("copy in ran while a call was active")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-called)
	require.NoError(t, <-wrote)
	require.NoError(t, <-copied)

	got, err := view.Bytes()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, got)
}

func TestConcurrentHostMemoryAccess(t *testing.T) {
	ctx := context.Background()
	rt, _ := cartRuntime(t, WithInterpreter(true))
	inst := instantiate(t, rt, cart.Build())

	h, err := inst.PassByReference(ctx, marshal.Color{R: 230, G: 41, B: 55, A: 255})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 3)
	wg.Add(3)
	go func() {
		defer wg.Done()
		for n := 0; n < 50; n++ {
			if _, err := inst.Call(ctx, "param_color_by_pointer", "(*)", h); err != nil {
				errs <- err
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		for n := 0; n < 50; n++ {
			view, err := inst.Resolve(ctx, h)
			if err == nil {
				err = view.Write(0, []byte{230, 41, 55, byte(n)})
			}
			if err != nil {
				errs <- err
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		for n := 0; n < 50; n++ {
			tmp, err := inst.CopyIn(ctx, []byte{byte(n)})
			if err == nil {
				err = inst.Free(ctx, tmp)
			}
			if err != nil {
				errs <- err
				return
			}
		}
	}()
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.False(t, inst.Trapped())
}

func TestMetrics(t *testing.T) {
	ctx := context.Background()
	rt, _ := cartRuntime(t)
	m := rt.Metrics()
	inst := instantiate(t, rt, cart.Build())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.instances))

	h, err := inst.CopyIn(ctx, []byte{1, 2, 3, 4})
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.handles))

	for i := 0; i < 2; i++ {
		_, err = inst.Call(ctx, "param_color_by_pointer", "(*)", h)
		require.NoError(t, err)
	}
	assert.Equal(t, 2.0, testutil.ToFloat64(m.calls.WithLabelValues(DirectionGuest, "param_color_by_pointer")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.calls.WithLabelValues(DirectionHost, "null0#debug_color_pointer")))

	require.NoError(t, inst.Free(ctx, h))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.handles))

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Subset(t, names, []string{"bridge_calls_total", "bridge_handles_live", "bridge_instances_live"})

	require.NoError(t, inst.Close(ctx))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.instances))
}

func TestLoadErrors(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(t)

	_, err := rt.LoadFile(ctx, filepath.Join(t.TempDir(), "missing.wasm"))
	require.Error(t, err)
	var e *errors.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, errors.PhaseLoad, e.Phase)

	_, err = rt.Load(ctx, []byte("not wasm"))
	assert.Error(t, err)
}

func TestLoadFile(t *testing.T) {
	ctx := context.Background()
	rt, _ := cartRuntime(t)

	path := filepath.Join(t.TempDir(), "cart.wasm")
	require.NoError(t, os.WriteFile(path, cart.Build(), 0o644))
	mod, err := rt.LoadFile(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, path, mod.Name())

	var names []string
	for _, e := range mod.Exports() {
		names = append(names, e.Name)
	}
	assert.Subset(t, names, cart.Exports)
	assert.Len(t, mod.Imports(), 6)
}
