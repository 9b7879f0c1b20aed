// Package cart builds the demo guest used by the CLI, the example and the
// integration tests. It exchanges Color and Dimensions values with the host
// through the null0 import namespace, both flattened and by pointer.
package cart

import (
	wb "github.com/wippyai/wasm-bridge/internal/wasmbuild"
)

// Namespace is the import module the cart binds against.
const Namespace = "null0"

// Fixed data addresses inside the cart's memory.
const (
	RedAddr        = 16
	DimensionsAddr = 24
	GreetingAddr   = 32
	HeapBase       = 1024
)

// Greeting is the NUL-terminated string stored at GreetingAddr.
const Greeting = "cart ready"

// Values stored in the cart's data segment.
var (
	Red        = [4]byte{230, 41, 55, 255}
	Dimensions = [2]uint32{100, 100}
)

// Options tweak the generated module.
type Options struct {
	// MaxPages bounds the guest memory; 0 means 2 pages.
	MaxPages uint32
	// StartMain runs main as the module start function.
	StartMain bool
	// OmitFree leaves out the free export.
	OmitFree bool
}

var (
	i32 = wb.I32
	i64 = wb.I64
	f32 = wb.F32
	f64 = wb.F64
)

func vt(ts ...wb.ValType) []wb.ValType { return ts }

// Build assembles the cart with default options.
func Build() []byte {
	return BuildWith(Options{})
}

// BuildWith assembles the cart.
func BuildWith(opts Options) []byte {
	m := wb.New()

	debugColor := m.Import(Namespace, "debug_color", vt(i32, i32, i32, i32), nil)
	debugColorPtr := m.Import(Namespace, "debug_color_pointer", vt(i32), nil)
	debugDims := m.Import(Namespace, "debug_dimensions", vt(i32, i32), nil)
	debugDimsPtr := m.Import(Namespace, "debug_dimensions_pointer", vt(i32), nil)
	debugString := m.Import(Namespace, "debug_string", vt(i32), nil)
	debugBytes := m.Import(Namespace, "debug_bytes", vt(i32, i32), nil)

	maxPages := opts.MaxPages
	if maxPages == 0 {
		maxPages = 2
	}
	m.Memory(1, maxPages)
	m.ExportMemory("memory")

	heap := m.Global(i32, true, HeapBase)
	touched := m.Global(i32, true, 0)

	m.Data(RedAddr, Red[:])
	m.Data(DimensionsAddr, []byte{
		byte(Dimensions[0]), byte(Dimensions[0] >> 8), byte(Dimensions[0] >> 16), byte(Dimensions[0] >> 24),
		byte(Dimensions[1]), byte(Dimensions[1] >> 8), byte(Dimensions[1] >> 16), byte(Dimensions[1] >> 24),
	})
	m.Data(GreetingAddr, append([]byte(Greeting), 0))

	// alloc(size) bump-allocates 8-byte aligned blocks and grows memory on
	// demand. It returns 0 when memory cannot grow.
	const (
		size = 0
		ptr  = 1
		end  = 2
	)
	alloc := m.Func(vt(i32), vt(i32), vt(i32, i32), wb.NewCode().
		GlobalGet(heap).LocalSet(ptr).
		LocalGet(ptr).
		LocalGet(size).I32Const(7).I32Add().I32Const(-8).I32And().
		I32Add().LocalSet(end).
		LocalGet(end).LocalGet(ptr).I32LtU().
		If().I32Const(0).Return().End().
		LocalGet(end).MemorySize().I32Const(16).I32Shl().I32GtU().
		If().
		LocalGet(end).MemorySize().I32Const(16).I32Shl().I32Sub().
		I32Const(65535).I32Add().I32Const(16).I32ShrU().
		MemoryGrow().I32Const(-1).I32Eq().
		If().I32Const(0).Return().End().
		End().
		LocalGet(end).GlobalSet(heap).
		LocalGet(ptr))
	m.ExportFunc("alloc", alloc)

	if !opts.OmitFree {
		free := m.Func(vt(i32), nil, nil, wb.NewCode())
		m.ExportFunc("free", free)
	}

	m.ExportFunc("ret_color_by_value", m.Func(nil, vt(i32, i32, i32, i32), nil, wb.NewCode().
		I32Const(0).I32Load8U(RedAddr).
		I32Const(0).I32Load8U(RedAddr+1).
		I32Const(0).I32Load8U(RedAddr+2).
		I32Const(0).I32Load8U(RedAddr+3)))
	m.ExportFunc("ret_color_by_pointer", m.Func(nil, vt(i32), nil, wb.NewCode().
		I32Const(RedAddr)))
	m.ExportFunc("param_color_by_value", m.Func(vt(i32, i32, i32, i32), nil, nil, wb.NewCode().
		LocalGet(0).LocalGet(1).LocalGet(2).LocalGet(3).Call(debugColor)))
	m.ExportFunc("param_color_by_pointer", m.Func(vt(i32), nil, nil, wb.NewCode().
		LocalGet(0).Call(debugColorPtr)))

	m.ExportFunc("ret_dimensions_by_value", m.Func(nil, vt(i32, i32), nil, wb.NewCode().
		I32Const(0).I32Load(DimensionsAddr).
		I32Const(0).I32Load(DimensionsAddr+4)))
	m.ExportFunc("ret_dimensions_by_pointer", m.Func(nil, vt(i32), nil, wb.NewCode().
		I32Const(DimensionsAddr)))
	m.ExportFunc("param_dimensions_by_value", m.Func(vt(i32, i32), nil, nil, wb.NewCode().
		LocalGet(0).LocalGet(1).Call(debugDims)))
	m.ExportFunc("param_dimensions_by_pointer", m.Func(vt(i32), nil, nil, wb.NewCode().
		LocalGet(0).Call(debugDimsPtr)))

	m.ExportFunc("dimensions_area", m.Func(vt(i32), vt(i32), nil, wb.NewCode().
		LocalGet(0).I32Load(0).LocalGet(0).I32Load(4).I32Mul()))
	m.ExportFunc("sum_mixed", m.Func(vt(i32, i64, f32, f64), vt(f64), nil, wb.NewCode().
		LocalGet(0).F64ConvertI32S().
		LocalGet(1).F64ConvertI64S().F64Add().
		LocalGet(2).F64PromoteF32().F64Add().
		LocalGet(3).F64Add()))
	m.ExportFunc("add_i64", m.Func(vt(i64, i64), vt(i64), nil, wb.NewCode().
		LocalGet(0).LocalGet(1).I64Add()))

	m.ExportFunc("say", m.Func(vt(i32), nil, nil, wb.NewCode().
		LocalGet(0).Call(debugString)))
	m.ExportFunc("greet", m.Func(nil, nil, nil, wb.NewCode().
		I32Const(GreetingAddr).Call(debugString)))
	m.ExportFunc("dump", m.Func(vt(i32, i32), nil, nil, wb.NewCode().
		LocalGet(0).LocalGet(1).Call(debugBytes)))

	m.ExportFunc("touch", m.Func(nil, nil, nil, wb.NewCode().
		GlobalGet(touched).I32Const(1).I32Add().GlobalSet(touched)))
	m.ExportFunc("touched", m.Func(nil, vt(i32), nil, wb.NewCode().
		GlobalGet(touched)))

	m.ExportFunc("trap", m.Func(nil, nil, nil, wb.NewCode().Unreachable()))
	m.ExportFunc("oob", m.Func(nil, vt(i32), nil, wb.NewCode().
		I32Const(-16).I32Load(0)))

	main := m.Func(nil, nil, nil, wb.NewCode().
		I32Const(0).I32Load8U(RedAddr).
		I32Const(0).I32Load8U(RedAddr+1).
		I32Const(0).I32Load8U(RedAddr+2).
		I32Const(0).I32Load8U(RedAddr+3).
		Call(debugColor).
		I32Const(0).I32Load(DimensionsAddr).
		I32Const(0).I32Load(DimensionsAddr+4).
		Call(debugDims).
		I32Const(RedAddr).Call(debugColorPtr).
		I32Const(DimensionsAddr).Call(debugDimsPtr))
	m.ExportFunc("main", main)
	if opts.StartMain {
		m.Start(main)
	}

	return m.Encode()
}

// Exports lists the function exports Build produces, excluding the allocator.
var Exports = []string{
	"ret_color_by_value", "ret_color_by_pointer",
	"param_color_by_value", "param_color_by_pointer",
	"ret_dimensions_by_value", "ret_dimensions_by_pointer",
	"param_dimensions_by_value", "param_dimensions_by_pointer",
	"dimensions_area", "sum_mixed", "add_i64",
	"say", "greet", "dump",
	"touch", "touched", "trap", "oob", "main",
}
