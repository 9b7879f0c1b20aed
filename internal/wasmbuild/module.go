// Package wasmbuild assembles small core WebAssembly modules in memory.
//
// It covers the subset the bridge's tests and demo guest need: function
// imports, functions with locals, one memory, globals, exports, active data
// segments and a start function. Imports must be declared before functions
// so that function indices are stable.
package wasmbuild

import (
	"bytes"
	"fmt"
	"strings"
)

// ValType is a core value type byte.
type ValType byte

const (
	I32 ValType = 0x7f
	I64 ValType = 0x7e
	F32 ValType = 0x7d
	F64 ValType = 0x7c
)

const (
	magic   = 0x6d736100
	version = 1

	sectionType     = 1
	sectionImport   = 2
	sectionFunction = 3
	sectionMemory   = 5
	sectionGlobal   = 6
	sectionExport   = 7
	sectionStart    = 8
	sectionCode     = 10
	sectionData     = 11

	kindFunc   = 0x00
	kindMemory = 0x02
	kindGlobal = 0x03

	funcTypeByte = 0x60
)

// FuncType is a function prototype.
type FuncType struct {
	Params  []ValType
	Results []ValType
}

func (ft FuncType) key() string {
	var b strings.Builder
	b.Write(valBytes(ft.Params))
	b.WriteByte(0)
	b.Write(valBytes(ft.Results))
	return b.String()
}

type funcImport struct {
	module  string
	name    string
	typeIdx uint32
}

type function struct {
	locals  []ValType
	body    []byte
	typeIdx uint32
}

type global struct {
	init    []byte
	typ     ValType
	mutable bool
}

type export struct {
	name string
	kind byte
	idx  uint32
}

type segment struct {
	data   []byte
	offset uint32
}

// Module accumulates module contents. The zero value is not usable; call New.
type Module struct {
	start     *uint32
	memMax    *uint32
	typeIndex map[string]uint32
	types     []FuncType
	imports   []funcImport
	funcs     []function
	globals   []global
	exports   []export
	data      []segment
	memMin    uint32
	hasMemory bool
}

// New returns an empty module.
func New() *Module {
	return &Module{typeIndex: make(map[string]uint32)}
}

func (m *Module) typeOf(params, results []ValType) uint32 {
	ft := FuncType{Params: params, Results: results}
	k := ft.key()
	if idx, ok := m.typeIndex[k]; ok {
		return idx
	}
	idx := uint32(len(m.types))
	m.types = append(m.types, ft)
	m.typeIndex[k] = idx
	return idx
}

// Import declares a function import and returns its function index.
// It panics if a function body was already added.
func (m *Module) Import(module, name string, params, results []ValType) uint32 {
	if len(m.funcs) > 0 {
		panic("wasmbuild: imports must be declared before functions")
	}
	m.imports = append(m.imports, funcImport{
		module:  module,
		name:    name,
		typeIdx: m.typeOf(params, results),
	})
	return uint32(len(m.imports) - 1)
}

// Func adds a function and returns its index in the function index space.
func (m *Module) Func(params, results, locals []ValType, body *Code) uint32 {
	m.funcs = append(m.funcs, function{
		typeIdx: m.typeOf(params, results),
		locals:  locals,
		body:    body.Bytes(),
	})
	return uint32(len(m.imports) + len(m.funcs) - 1)
}

// Memory declares the module's single memory. A max of 0 leaves it unbounded.
func (m *Module) Memory(minPages, maxPages uint32) {
	m.hasMemory = true
	m.memMin = minPages
	m.memMax = nil
	if maxPages > 0 {
		m.memMax = &maxPages
	}
}

// Global adds a global initialised to a constant and returns its index.
func (m *Module) Global(t ValType, mutable bool, init int64) uint32 {
	var c Code
	switch t {
	case I32:
		c.I32Const(int32(init))
	case I64:
		c.I64Const(init)
	default:
		panic(fmt.Sprintf("wasmbuild: unsupported global type %#x", byte(t)))
	}
	c.End()
	m.globals = append(m.globals, global{typ: t, mutable: mutable, init: c.Bytes()})
	return uint32(len(m.globals) - 1)
}

// ExportFunc exports function idx under name.
func (m *Module) ExportFunc(name string, idx uint32) {
	m.exports = append(m.exports, export{name: name, kind: kindFunc, idx: idx})
}

// ExportMemory exports memory 0 under name.
func (m *Module) ExportMemory(name string) {
	m.exports = append(m.exports, export{name: name, kind: kindMemory, idx: 0})
}

// ExportGlobal exports global idx under name.
func (m *Module) ExportGlobal(name string, idx uint32) {
	m.exports = append(m.exports, export{name: name, kind: kindGlobal, idx: idx})
}

// Data places b at offset in memory 0 at instantiation.
func (m *Module) Data(offset uint32, b []byte) {
	m.data = append(m.data, segment{offset: offset, data: append([]byte(nil), b...)})
}

// Start makes function idx the module start function.
func (m *Module) Start(idx uint32) {
	m.start = &idx
}

// Encode returns the binary module.
func (m *Module) Encode() []byte {
	var w bytes.Buffer
	writeU32LE(&w, magic)
	writeU32LE(&w, version)

	if len(m.types) > 0 {
		var sec bytes.Buffer
		writeU32(&sec, uint32(len(m.types)))
		for _, ft := range m.types {
			sec.WriteByte(funcTypeByte)
			writeValTypes(&sec, ft.Params)
			writeValTypes(&sec, ft.Results)
		}
		writeSection(&w, sectionType, sec.Bytes())
	}

	if len(m.imports) > 0 {
		var sec bytes.Buffer
		writeU32(&sec, uint32(len(m.imports)))
		for _, imp := range m.imports {
			writeName(&sec, imp.module)
			writeName(&sec, imp.name)
			sec.WriteByte(kindFunc)
			writeU32(&sec, imp.typeIdx)
		}
		writeSection(&w, sectionImport, sec.Bytes())
	}

	if len(m.funcs) > 0 {
		var sec bytes.Buffer
		writeU32(&sec, uint32(len(m.funcs)))
		for _, f := range m.funcs {
			writeU32(&sec, f.typeIdx)
		}
		writeSection(&w, sectionFunction, sec.Bytes())
	}

	if m.hasMemory {
		var sec bytes.Buffer
		writeU32(&sec, 1)
		if m.memMax != nil {
			sec.WriteByte(0x01)
			writeU32(&sec, m.memMin)
			writeU32(&sec, *m.memMax)
		} else {
			sec.WriteByte(0x00)
			writeU32(&sec, m.memMin)
		}
		writeSection(&w, sectionMemory, sec.Bytes())
	}

	if len(m.globals) > 0 {
		var sec bytes.Buffer
		writeU32(&sec, uint32(len(m.globals)))
		for _, g := range m.globals {
			sec.WriteByte(byte(g.typ))
			if g.mutable {
				sec.WriteByte(0x01)
			} else {
				sec.WriteByte(0x00)
			}
			sec.Write(g.init)
		}
		writeSection(&w, sectionGlobal, sec.Bytes())
	}

	if len(m.exports) > 0 {
		var sec bytes.Buffer
		writeU32(&sec, uint32(len(m.exports)))
		for _, exp := range m.exports {
			writeName(&sec, exp.name)
			sec.WriteByte(exp.kind)
			writeU32(&sec, exp.idx)
		}
		writeSection(&w, sectionExport, sec.Bytes())
	}

	if m.start != nil {
		var sec bytes.Buffer
		writeU32(&sec, *m.start)
		writeSection(&w, sectionStart, sec.Bytes())
	}

	if len(m.funcs) > 0 {
		var sec bytes.Buffer
		writeU32(&sec, uint32(len(m.funcs)))
		for _, f := range m.funcs {
			var body bytes.Buffer
			writeLocals(&body, f.locals)
			body.Write(f.body)
			body.WriteByte(opEnd)
			writeU32(&sec, uint32(body.Len()))
			sec.Write(body.Bytes())
		}
		writeSection(&w, sectionCode, sec.Bytes())
	}

	if len(m.data) > 0 {
		var sec bytes.Buffer
		writeU32(&sec, uint32(len(m.data)))
		for _, seg := range m.data {
			sec.WriteByte(0x00)
			var off Code
			off.I32Const(int32(seg.offset)).End()
			sec.Write(off.Bytes())
			writeU32(&sec, uint32(len(seg.data)))
			sec.Write(seg.data)
		}
		writeSection(&w, sectionData, sec.Bytes())
	}

	return w.Bytes()
}

func writeSection(w *bytes.Buffer, id byte, data []byte) {
	w.WriteByte(id)
	writeU32(w, uint32(len(data)))
	w.Write(data)
}

func writeValTypes(w *bytes.Buffer, types []ValType) {
	writeU32(w, uint32(len(types)))
	w.Write(valBytes(types))
}

// writeLocals groups consecutive locals of the same type.
func writeLocals(w *bytes.Buffer, locals []ValType) {
	type group struct {
		n uint32
		t ValType
	}
	var groups []group
	for _, t := range locals {
		if n := len(groups); n > 0 && groups[n-1].t == t {
			groups[n-1].n++
			continue
		}
		groups = append(groups, group{n: 1, t: t})
	}
	writeU32(w, uint32(len(groups)))
	for _, g := range groups {
		writeU32(w, g.n)
		w.WriteByte(byte(g.t))
	}
}

func writeName(w *bytes.Buffer, s string) {
	writeU32(w, uint32(len(s)))
	w.WriteString(s)
}

func writeU32LE(w *bytes.Buffer, v uint32) {
	w.Write([]byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)})
}

func valBytes(types []ValType) []byte {
	b := make([]byte, len(types))
	for i, t := range types {
		b[i] = byte(t)
	}
	return b
}
