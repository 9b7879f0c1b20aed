package cart

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

type recorded struct {
	name  string
	stack []uint64
}

func instantiate(t *testing.T, wasm []byte) (api.Module, *[]recorded) {
	t.Helper()
	ctx := context.Background()
	rt := wazero.NewRuntime(ctx)
	t.Cleanup(func() { rt.Close(ctx) })

	var calls []recorded
	host := rt.NewHostModuleBuilder(Namespace)
	stub := func(name string, n int) {
		params := make([]api.ValueType, n)
		for i := range params {
			params[i] = api.ValueTypeI32
		}
		host.NewFunctionBuilder().
			WithGoModuleFunction(api.GoModuleFunc(func(_ context.Context, _ api.Module, stack []uint64) {
				calls = append(calls, recorded{name: name, stack: append([]uint64(nil), stack...)})
			}), params, nil).
			Export(name)
	}
	stub("debug_color", 4)
	stub("debug_color_pointer", 1)
	stub("debug_dimensions", 2)
	stub("debug_dimensions_pointer", 1)
	stub("debug_string", 1)
	stub("debug_bytes", 2)
	_, err := host.Instantiate(ctx)
	require.NoError(t, err)

	mod, err := rt.InstantiateWithConfig(ctx, wasm, wazero.NewModuleConfig().WithName(""))
	require.NoError(t, err)
	return mod, &calls
}

func TestCart_Exports(t *testing.T) {
	mod, _ := instantiate(t, Build())
	defs := mod.ExportedFunctionDefinitions()
	for _, name := range Exports {
		assert.Contains(t, defs, name)
	}
	assert.Contains(t, defs, "alloc")
	assert.Contains(t, defs, "free")
}

func TestCart_ValuesAndPointers(t *testing.T) {
	ctx := context.Background()
	mod, _ := instantiate(t, Build())

	res, err := mod.ExportedFunction("ret_color_by_value").Call(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uint64{230, 41, 55, 255}, res)

	res, err = mod.ExportedFunction("ret_dimensions_by_value").Call(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uint64{100, 100}, res)

	res, err = mod.ExportedFunction("ret_color_by_pointer").Call(ctx)
	require.NoError(t, err)
	b, ok := mod.Memory().Read(uint32(res[0]), 4)
	require.True(t, ok)
	assert.Equal(t, Red[:], b)

	res, err = mod.ExportedFunction("dimensions_area").Call(ctx, DimensionsAddr)
	require.NoError(t, err)
	assert.Equal(t, uint64(10000), res[0])
}

func TestCart_Alloc(t *testing.T) {
	ctx := context.Background()
	mod, _ := instantiate(t, BuildWith(Options{MaxPages: 2}))
	alloc := mod.ExportedFunction("alloc")

	res, err := alloc.Call(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, uint64(HeapBase), res[0])

	res, err = alloc.Call(ctx, 8)
	require.NoError(t, err)
	assert.Equal(t, uint64(HeapBase+8), res[0], "blocks are 8-byte aligned")

	res, err = alloc.Call(ctx, 70000)
	require.NoError(t, err)
	assert.NotZero(t, res[0], "grows into the second page")
	assert.Equal(t, uint32(2*65536), mod.Memory().Size())

	res, err = alloc.Call(ctx, 200000)
	require.NoError(t, err)
	assert.Zero(t, res[0], "cannot grow past max")
}

func TestCart_MainReportsAll(t *testing.T) {
	mod, calls := instantiate(t, Build())
	_, err := mod.ExportedFunction("main").Call(context.Background())
	require.NoError(t, err)

	require.Len(t, *calls, 4)
	assert.Equal(t, "debug_color", (*calls)[0].name)
	assert.Equal(t, []uint64{230, 41, 55, 255}, (*calls)[0].stack)
	assert.Equal(t, "debug_dimensions", (*calls)[1].name)
	assert.Equal(t, []uint64{100, 100}, (*calls)[1].stack)
	assert.Equal(t, "debug_color_pointer", (*calls)[2].name)
	assert.Equal(t, uint64(RedAddr), (*calls)[2].stack[0])
	assert.Equal(t, "debug_dimensions_pointer", (*calls)[3].name)
	assert.Equal(t, uint64(DimensionsAddr), (*calls)[3].stack[0])
}

func TestCart_StartMain(t *testing.T) {
	_, calls := instantiate(t, BuildWith(Options{StartMain: true}))
	assert.Len(t, *calls, 4)
}

func TestCart_Faults(t *testing.T) {
	ctx := context.Background()
	mod, _ := instantiate(t, Build())

	_, err := mod.ExportedFunction("trap").Call(ctx)
	assert.Error(t, err)

	_, err = mod.ExportedFunction("oob").Call(ctx)
	assert.Error(t, err)
}
