package registry

import (
	"context"
	"fmt"

	"github.com/wippyai/wasm-bridge/engine"
	"github.com/wippyai/wasm-bridge/errors"
	"github.com/wippyai/wasm-bridge/memory"
)

// ImportTable is an immutable snapshot of a Registry. Descriptors returned
// from it must not be modified.
type ImportTable struct {
	byKey   map[string]*Descriptor
	entries []*Descriptor // sorted by key
}

// Lookup returns the descriptor bound to namespace.name.
func (t *ImportTable) Lookup(namespace, name string) (*Descriptor, bool) {
	d, ok := t.byKey[namespace+"#"+name]
	return d, ok
}

// Entries returns all descriptors sorted by namespace and name.
func (t *ImportTable) Entries() []*Descriptor {
	return append([]*Descriptor(nil), t.entries...)
}

// Len returns the number of bound functions.
func (t *ImportTable) Len() int {
	return len(t.entries)
}

// Namespaces returns the distinct namespaces in sorted order.
func (t *ImportTable) Namespaces() []string {
	var out []string
	for _, d := range t.entries {
		if len(out) == 0 || out[len(out)-1] != d.Namespace {
			out = append(out, d.Namespace)
		}
	}
	return out
}

// Validate checks a guest's declared imports against the table. An import
// whose core prototype differs from the bound signature is a
// SignatureMismatch; imports with no binding are reported together as a
// MissingImportsError.
func (t *ImportTable) Validate(imports []engine.FuncDecl) error {
	var missing []string
	for _, imp := range imports {
		d, ok := t.Lookup(imp.Module, imp.Name)
		if !ok {
			missing = append(missing, imp.Key())
			continue
		}
		if err := d.Signature.Check(errors.PhaseBind, imp.Key(), imp.Params, imp.Results); err != nil {
			return err
		}
	}
	if len(missing) > 0 {
		return errors.NewMissingImportsError(missing)
	}
	return nil
}

// BridgeFunc returns the memory bridge a host function should use for the
// instance whose memory is mem. mem is nil for guests without memory.
type BridgeFunc func(ctx context.Context, mem *engine.WazeroMemory) *memory.Bridge

// Middleware wraps every host function installed from the table.
type Middleware func(d *Descriptor, next Func) Func

// HostImports lowers the table into engine imports. bridge may be nil, in
// which case each call gets a read-only bridge over the caller's memory.
func (t *ImportTable) HostImports(bridge BridgeFunc, mw ...Middleware) []engine.HostImport {
	if bridge == nil {
		bridge = transientBridge
	}
	out := make([]engine.HostImport, 0, len(t.entries))
	for _, d := range t.entries {
		fn := d.Func
		for i := len(mw) - 1; i >= 0; i-- {
			fn = mw[i](d, fn)
		}
		out = append(out, engine.HostImport{
			Module:  d.Namespace,
			Name:    d.Name,
			Params:  d.Signature.ParamTypes(),
			Results: d.Signature.ResultTypes(),
			Func:    hostFunc(d, fn, bridge),
		})
	}
	return out
}

func transientBridge(_ context.Context, mem *engine.WazeroMemory) *memory.Bridge {
	if mem == nil {
		return memory.NewBridge(nil, nil)
	}
	return memory.NewBridge(mem, nil)
}

func hostFunc(d *Descriptor, fn Func, bridge BridgeFunc) engine.HostFunc {
	nparams, nresults := d.Signature.Arity()
	return func(ctx context.Context, mem *engine.WazeroMemory, stack []uint64) error {
		call := &Call{
			Descriptor: d,
			Data:       d.Data,
			Memory:     bridge(ctx, mem),
			args:       append([]uint64(nil), stack[:nparams]...),
		}
		if err := fn(ctx, call); err != nil {
			return err
		}
		if len(call.results) != nresults {
			return errors.SignatureMismatch(errors.PhaseHost, d.Key(),
				d.Signature.String(), resultShape(call.results))
		}
		copy(stack, call.results)
		return nil
	}
}

func resultShape(results []uint64) string {
	return fmt.Sprintf("%d result(s)", len(results))
}
