package wasmbuild

import (
	"bytes"
	"encoding/binary"
	"math"
)

const (
	opUnreachable = 0x00
	opBlock       = 0x02
	opLoop        = 0x03
	opIf          = 0x04
	opElse        = 0x05
	opEnd         = 0x0b
	opBr          = 0x0c
	opBrIf        = 0x0d
	opReturn      = 0x0f
	opCall        = 0x10
	opDrop        = 0x1a

	opLocalGet  = 0x20
	opLocalSet  = 0x21
	opLocalTee  = 0x22
	opGlobalGet = 0x23
	opGlobalSet = 0x24

	opI32Load   = 0x28
	opI64Load   = 0x29
	opI32Load8U = 0x2d
	opI32Store  = 0x36
	opI64Store  = 0x37
	opI32Store8 = 0x3a

	opMemorySize = 0x3f
	opMemoryGrow = 0x40

	opI32Const = 0x41
	opI64Const = 0x42
	opF32Const = 0x43
	opF64Const = 0x44

	opI32Eqz = 0x45
	opI32Eq  = 0x46
	opI32LtU = 0x49
	opI32GtU = 0x4b

	opI32Add  = 0x6a
	opI32Sub  = 0x6b
	opI32Mul  = 0x6c
	opI32And  = 0x71
	opI32Shl  = 0x74
	opI32ShrU = 0x76

	opI64Add = 0x7c
	opF64Add = 0xa0

	opF64ConvertI32S = 0xb7
	opF64ConvertI64S = 0xb9
	opF64PromoteF32  = 0xbb

	blockEmpty = 0x40
)

// Code is a function body under construction. Each method appends one
// instruction and returns the receiver so bodies read top to bottom.
// The trailing end of the function is added by Module.Encode.
type Code struct {
	buf bytes.Buffer
}

// NewCode returns an empty body.
func NewCode() *Code {
	return &Code{}
}

// Bytes returns the encoded instructions.
func (c *Code) Bytes() []byte {
	if c == nil {
		return nil
	}
	return c.buf.Bytes()
}

func (c *Code) op(b byte) *Code {
	c.buf.WriteByte(b)
	return c
}

func (c *Code) opIdx(b byte, idx uint32) *Code {
	c.buf.WriteByte(b)
	writeU32(&c.buf, idx)
	return c
}

func (c *Code) memarg(b byte, align, offset uint32) *Code {
	c.buf.WriteByte(b)
	writeU32(&c.buf, align)
	writeU32(&c.buf, offset)
	return c
}

func (c *Code) Unreachable() *Code { return c.op(opUnreachable) }
func (c *Code) Block() *Code       { return c.op(opBlock).op(blockEmpty) }
func (c *Code) Loop() *Code        { return c.op(opLoop).op(blockEmpty) }
func (c *Code) If() *Code          { return c.op(opIf).op(blockEmpty) }
func (c *Code) Else() *Code        { return c.op(opElse) }
func (c *Code) End() *Code         { return c.op(opEnd) }
func (c *Code) Return() *Code      { return c.op(opReturn) }
func (c *Code) Drop() *Code        { return c.op(opDrop) }

func (c *Code) Br(depth uint32) *Code   { return c.opIdx(opBr, depth) }
func (c *Code) BrIf(depth uint32) *Code { return c.opIdx(opBrIf, depth) }
func (c *Code) Call(fn uint32) *Code    { return c.opIdx(opCall, fn) }

func (c *Code) LocalGet(i uint32) *Code  { return c.opIdx(opLocalGet, i) }
func (c *Code) LocalSet(i uint32) *Code  { return c.opIdx(opLocalSet, i) }
func (c *Code) LocalTee(i uint32) *Code  { return c.opIdx(opLocalTee, i) }
func (c *Code) GlobalGet(i uint32) *Code { return c.opIdx(opGlobalGet, i) }
func (c *Code) GlobalSet(i uint32) *Code { return c.opIdx(opGlobalSet, i) }

// Loads and stores take the natural alignment exponent and a static offset.
func (c *Code) I32Load(offset uint32) *Code   { return c.memarg(opI32Load, 2, offset) }
func (c *Code) I64Load(offset uint32) *Code   { return c.memarg(opI64Load, 3, offset) }
func (c *Code) I32Load8U(offset uint32) *Code { return c.memarg(opI32Load8U, 0, offset) }
func (c *Code) I32Store(offset uint32) *Code  { return c.memarg(opI32Store, 2, offset) }
func (c *Code) I64Store(offset uint32) *Code  { return c.memarg(opI64Store, 3, offset) }
func (c *Code) I32Store8(offset uint32) *Code { return c.memarg(opI32Store8, 0, offset) }

func (c *Code) MemorySize() *Code { return c.op(opMemorySize).op(0x00) }
func (c *Code) MemoryGrow() *Code { return c.op(opMemoryGrow).op(0x00) }

func (c *Code) I32Const(v int32) *Code {
	c.buf.WriteByte(opI32Const)
	writeS32(&c.buf, v)
	return c
}

func (c *Code) I64Const(v int64) *Code {
	c.buf.WriteByte(opI64Const)
	writeS64(&c.buf, v)
	return c
}

func (c *Code) F32Const(v float32) *Code {
	c.buf.WriteByte(opF32Const)
	_ = binary.Write(&c.buf, binary.LittleEndian, math.Float32bits(v))
	return c
}

func (c *Code) F64Const(v float64) *Code {
	c.buf.WriteByte(opF64Const)
	_ = binary.Write(&c.buf, binary.LittleEndian, math.Float64bits(v))
	return c
}

func (c *Code) I32Eqz() *Code  { return c.op(opI32Eqz) }
func (c *Code) I32Eq() *Code   { return c.op(opI32Eq) }
func (c *Code) I32LtU() *Code  { return c.op(opI32LtU) }
func (c *Code) I32GtU() *Code  { return c.op(opI32GtU) }
func (c *Code) I32Add() *Code  { return c.op(opI32Add) }
func (c *Code) I32Sub() *Code  { return c.op(opI32Sub) }
func (c *Code) I32Mul() *Code  { return c.op(opI32Mul) }
func (c *Code) I32And() *Code  { return c.op(opI32And) }
func (c *Code) I32Shl() *Code  { return c.op(opI32Shl) }
func (c *Code) I32ShrU() *Code { return c.op(opI32ShrU) }
func (c *Code) I64Add() *Code  { return c.op(opI64Add) }
func (c *Code) F64Add() *Code  { return c.op(opF64Add) }

func (c *Code) F64ConvertI32S() *Code { return c.op(opF64ConvertI32S) }
func (c *Code) F64ConvertI64S() *Code { return c.op(opF64ConvertI64S) }
func (c *Code) F64PromoteF32() *Code  { return c.op(opF64PromoteF32) }
