package marshal

import (
	"fmt"
	"math"

	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-bridge/signature"
)

// Value is one flattened primitive: its token and its bits as they travel
// on the engine stack. 32-bit values occupy the low half of Bits.
type Value struct {
	Kind signature.Token
	Bits uint64
}

func I32(v int32) Value    { return Value{Kind: signature.I32, Bits: api.EncodeI32(v)} }
func U32(v uint32) Value   { return Value{Kind: signature.I32, Bits: api.EncodeU32(v)} }
func I64(v int64) Value    { return Value{Kind: signature.I64, Bits: api.EncodeI64(v)} }
func U64(v uint64) Value   { return Value{Kind: signature.I64, Bits: v} }
func F32(v float32) Value  { return Value{Kind: signature.F32, Bits: api.EncodeF32(v)} }
func F64(v float64) Value  { return Value{Kind: signature.F64, Bits: api.EncodeF64(v)} }
func Ptr(ptr uint32) Value { return Value{Kind: signature.Ptr, Bits: api.EncodeU32(ptr)} }
func Bool(v bool) Value {
	if v {
		return Value{Kind: signature.I32, Bits: 1}
	}
	return Value{Kind: signature.I32}
}

func (v Value) String() string {
	switch v.Kind {
	case signature.I32:
		return fmt.Sprintf("i32:%d", api.DecodeI32(v.Bits))
	case signature.I64:
		return fmt.Sprintf("i64:%d", int64(v.Bits))
	case signature.F32:
		return fmt.Sprintf("f32:%g", math.Float32frombits(uint32(v.Bits)))
	case signature.F64:
		return fmt.Sprintf("f64:%g", math.Float64frombits(v.Bits))
	default:
		return fmt.Sprintf("%s:%#x", v.Kind, uint32(v.Bits))
	}
}

// Words returns the raw stack words of values.
func Words(values []Value) []uint64 {
	words := make([]uint64, len(values))
	for i, v := range values {
		words[i] = v.Bits
	}
	return words
}
