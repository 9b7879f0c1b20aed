package main

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-bridge/marshal"
	"github.com/wippyai/wasm-bridge/memory"
	"github.com/wippyai/wasm-bridge/signature"
)

type fakeCopier struct {
	data [][]byte
}

func (f *fakeCopier) CopyIn(_ context.Context, data []byte) (memory.Handle, error) {
	f.data = append(f.data, data)
	return memory.Handle(len(f.data)), nil
}

func TestWitTypeStr(t *testing.T) {
	want := map[signature.Token]string{
		signature.I32:    "s32",
		signature.I64:    "s64",
		signature.F32:    "f32",
		signature.F64:    "f64",
		signature.Ptr:    "ptr",
		signature.String: "string",
	}
	for tok, name := range want {
		assert.Equal(t, name, witTypeStr(tok), "token %s", tok)
	}
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "sum_mixed(arg0: s32, arg1: s64, arg2: f32, arg3: f64) -> f64",
		describe("sum_mixed", signature.MustParse("(iIfF)F")))
	assert.Equal(t, "touch()", describe("touch", signature.MustParse("()")))
	assert.Equal(t, "ret_color_by_value() -> s32, s32, s32, s32",
		describe("ret_color_by_value", signature.MustParse("()iiii")))
}

func TestConvertArg(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		value string
		tok   signature.Token
		want  any
	}{
		{"-1", signature.I32, int32(-1)},
		{"0x10", signature.I32, int32(16)},
		{"4294967295", signature.I32, uint32(math.MaxUint32)},
		{"true", signature.I32, true},
		{"-5", signature.I64, int64(-5)},
		{"18446744073709551615", signature.I64, marshal.U64(math.MaxUint64)},
		{"1.5", signature.F32, float32(1.5)},
		{"0.25", signature.F64, 0.25},
		{"0x20", signature.Ptr, marshal.Ptr(32)},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			got, err := convertArg(ctx, nil, tt.value, tt.tok)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConvertArgErrors(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		value string
		tok   signature.Token
	}{
		{"x", signature.I32},
		{"4294967296", signature.I32},
		{"-1", signature.Ptr},
		{"abc", signature.F64},
		{"1e400", signature.F32},
		{"hi", signature.String},
	}
	for _, tt := range tests {
		t.Run(tt.tok.String()+" "+tt.value, func(t *testing.T) {
			_, err := convertArg(ctx, nil, tt.value, tt.tok)
			assert.Error(t, err)
		})
	}
}

func TestConvertArgs(t *testing.T) {
	ctx := context.Background()
	mem := &fakeCopier{}
	sig := signature.MustParse("($i$)")

	args, handles, err := convertArgs(ctx, mem, []string{"a", "7", "bc"}, sig)
	require.NoError(t, err)
	assert.Equal(t, []any{memory.Handle(1), int32(7), memory.Handle(2)}, args)
	assert.Equal(t, []memory.Handle{1, 2}, handles)
	assert.Equal(t, [][]byte{{'a', 0}, {'b', 'c', 0}}, mem.data)

	_, _, err = convertArgs(ctx, mem, []string{"a"}, sig)
	assert.Error(t, err)

	_, handles, err = convertArgs(ctx, mem, []string{"a", "nope", "b"}, sig)
	assert.Error(t, err)
	assert.Len(t, handles, 1, "handles created before the failure are returned for freeing")
}

func TestFormatResults(t *testing.T) {
	sig := signature.MustParse("()iIfF*")
	words := []uint64{
		api.EncodeI32(-3),
		api.EncodeI64(1 << 40),
		api.EncodeF32(0.5),
		api.EncodeF64(1.75),
		api.EncodeU32(24),
	}
	assert.Equal(t, "-3, 1099511627776, 0.5, 1.75, 0x18", formatResults(sig, words))
	assert.Equal(t, "ok", formatResults(signature.MustParse("()"), nil))
}
