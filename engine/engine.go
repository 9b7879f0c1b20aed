package engine

import (
	"context"

	"github.com/tetratelabs/wazero/api"

	wasmbridge "github.com/wippyai/wasm-bridge"
)

// Engine compiles guest images and creates isolated instances from them.
type Engine interface {
	Compile(ctx context.Context, wasm []byte) (*Image, error)
	Instantiate(ctx context.Context, img *Image, imports []HostImport) (Instance, error)
	Close(ctx context.Context) error
}

// Instance is one live guest. Offsets are guest linear-memory addresses.
type Instance interface {
	wasmbridge.Allocator

	// Memory returns the guest's exported memory, or nil if it has none.
	Memory() *WazeroMemory
	LookupExport(name string) (ExportRef, bool)
	Invoke(ctx context.Context, ref ExportRef, args []uint64) ([]uint64, error)
	Close(ctx context.Context) error
}

// FuncDecl describes an imported or exported guest function.
type FuncDecl struct {
	Module  string
	Name    string
	Params  []api.ValueType
	Results []api.ValueType
}

// Key returns "module#name" for imports and the bare name for exports.
func (d FuncDecl) Key() string {
	if d.Module == "" {
		return d.Name
	}
	return d.Module + "#" + d.Name
}

// HostFunc implements one imported function. stack holds the lowered
// arguments on entry and receives results on return, as in wazero.
// A returned error aborts the guest call that reached the import.
type HostFunc func(ctx context.Context, mem *WazeroMemory, stack []uint64) error

// HostImport satisfies one guest import.
type HostImport struct {
	Func    HostFunc
	Module  string
	Name    string
	Params  []api.ValueType
	Results []api.ValueType
}

// ExportRef is a resolved guest export with its engine prototype.
type ExportRef struct {
	fn      api.Function
	owner   *WazeroInstance
	Name    string
	Params  []api.ValueType
	Results []api.ValueType
}

// Valid reports whether the reference came from LookupExport.
func (r ExportRef) Valid() bool {
	return r.fn != nil
}
