package wasmbuild

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

func TestLEB128(t *testing.T) {
	tests := []struct {
		want []byte
		v    int64
	}{
		{v: 0, want: []byte{0x00}},
		{v: 63, want: []byte{0x3f}},
		{v: 64, want: []byte{0xc0, 0x00}},
		{v: -1, want: []byte{0x7f}},
		{v: -8, want: []byte{0x78}},
		{v: 1024, want: []byte{0x80, 0x08}},
	}
	for _, tt := range tests {
		var buf bytes.Buffer
		writeS64(&buf, tt.v)
		assert.Equal(t, tt.want, buf.Bytes(), "signed %d", tt.v)
	}

	var buf bytes.Buffer
	writeU32(&buf, 624485)
	assert.Equal(t, []byte{0xe5, 0x8e, 0x26}, buf.Bytes())
}

func TestEmptyModule(t *testing.T) {
	b := New().Encode()
	assert.Equal(t, []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}, b)
}

func TestModule_RunsUnderWazero(t *testing.T) {
	ctx := context.Background()

	m := New()
	logged := m.Import("env", "log", []ValType{I32}, nil)
	m.Memory(1, 2)
	m.ExportMemory("memory")
	counter := m.Global(I32, true, 5)
	m.ExportGlobal("counter", counter)
	m.Data(8, []byte{1, 2, 3, 4})

	add := m.Func([]ValType{I32, I32}, []ValType{I32}, nil,
		NewCode().LocalGet(0).LocalGet(1).I32Add())
	m.ExportFunc("add", add)

	pair := m.Func(nil, []ValType{I32, I32}, nil,
		NewCode().I32Const(8).I32Load8U(0).I32Const(8).I32Load8U(3))
	m.ExportFunc("pair", pair)

	bump := m.Func(nil, nil, []ValType{I32},
		NewCode().
			GlobalGet(counter).I32Const(1).I32Add().LocalTee(0).
			GlobalSet(counter).
			LocalGet(0).Call(logged))
	m.ExportFunc("bump", bump)

	rt := wazero.NewRuntime(ctx)
	defer rt.Close(ctx)

	var seen []uint32
	_, err := rt.NewHostModuleBuilder("env").
		NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(_ context.Context, _ api.Module, stack []uint64) {
			seen = append(seen, api.DecodeU32(stack[0]))
		}), []api.ValueType{api.ValueTypeI32}, nil).
		Export("log").
		Instantiate(ctx)
	require.NoError(t, err)

	mod, err := rt.Instantiate(ctx, m.Encode())
	require.NoError(t, err)

	res, err := mod.ExportedFunction("add").Call(ctx, 2, 40)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), res[0])

	res, err = mod.ExportedFunction("pair").Call(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 4}, res)

	_, err = mod.ExportedFunction("bump").Call(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uint32{6}, seen)
	assert.Equal(t, uint64(6), mod.ExportedGlobal("counter").Get())

	def := mod.Memory().Definition()
	max, ok := def.Max()
	assert.True(t, ok)
	assert.Equal(t, uint32(2), max)
}

func TestModule_ImportAfterFuncPanics(t *testing.T) {
	m := New()
	m.Func(nil, nil, nil, NewCode())
	assert.Panics(t, func() { m.Import("env", "late", nil, nil) })
}

func TestWriteLocals_Groups(t *testing.T) {
	var buf bytes.Buffer
	writeLocals(&buf, []ValType{I32, I32, I64, I32})
	assert.Equal(t, []byte{0x03, 0x02, 0x7f, 0x01, 0x7e, 0x01, 0x7f}, buf.Bytes())
}
