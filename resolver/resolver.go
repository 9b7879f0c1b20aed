package resolver

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-bridge/engine"
	"github.com/wippyai/wasm-bridge/errors"
	"github.com/wippyai/wasm-bridge/marshal"
	"github.com/wippyai/wasm-bridge/memory"
	"github.com/wippyai/wasm-bridge/signature"
)

// Instance is what the resolver needs from a live guest: export lookup,
// invocation, the memory bridge that owns its handles and a way to read
// results left in guest memory.
type Instance interface {
	LookupExport(name string) (engine.ExportRef, bool)
	Invoke(ctx context.Context, ref engine.ExportRef, args []uint64) ([]uint64, error)
	Bridge() *memory.Bridge
	ReadAt(ctx context.Context, ptr uint32, out any) error
}

type direct struct {
	engine.Instance
	bridge *memory.Bridge
}

func (d direct) Bridge() *memory.Bridge { return d.bridge }

func (d direct) ReadAt(_ context.Context, ptr uint32, out any) error {
	return marshal.ReadAt(d.bridge, ptr, out)
}

// Direct pairs a bare engine instance with a bridge. Calls go straight to
// the engine without serialization or trap tracking.
func Direct(inst engine.Instance, b *memory.Bridge) Instance {
	return direct{Instance: inst, bridge: b}
}

// Export is a guest function resolved against a declared signature.
// It is only valid while its instance is alive.
type Export struct {
	inst      Instance
	ref       engine.ExportRef
	Name      string
	Signature signature.Signature
}

// Lookup resolves name and checks its engine prototype against sig.
// A missing export is ExportNotFound; a prototype that differs in any
// position or in arity is SignatureMismatch.
func Lookup(inst Instance, name, sig string) (*Export, error) {
	declared, err := signature.Parse(sig)
	if err != nil {
		return nil, err
	}
	return LookupSignature(inst, name, declared)
}

// LookupSignature is Lookup with an already parsed signature.
func LookupSignature(inst Instance, name string, sig signature.Signature) (*Export, error) {
	if inst == nil {
		return nil, errors.NotInitialized(errors.PhaseLookup, "instance")
	}
	ref, ok := inst.LookupExport(name)
	if !ok {
		return nil, errors.ExportNotFound(name)
	}
	if err := sig.Check(errors.PhaseLookup, name, ref.Params, ref.Results); err != nil {
		return nil, err
	}
	return &Export{inst: inst, ref: ref, Name: name, Signature: sig}, nil
}

// LookupAny resolves name and adopts its engine prototype. Pointer
// parameters appear as plain i32.
func LookupAny(inst Instance, name string) (*Export, error) {
	if inst == nil {
		return nil, errors.NotInitialized(errors.PhaseLookup, "instance")
	}
	ref, ok := inst.LookupExport(name)
	if !ok {
		return nil, errors.ExportNotFound(name)
	}
	return &Export{
		inst:      inst,
		ref:       ref,
		Name:      name,
		Signature: signature.FromValueTypes(ref.Params, ref.Results),
	}, nil
}

// Call invokes the export. Each argument supplies one parameter:
//
//   - uint64 is passed as a raw stack word
//   - int32, uint32, bool, int64, float32 and float64 must match the
//     parameter's lowered type
//   - memory.Handle is resolved to its guest offset and needs an i32 slot
//   - marshal.Value, or a []marshal.Value from Flatten, supplies one
//     parameter per value
//
// The argument count must equal the parameter count. Handles are
// resolved before the guest runs, so an invalid handle never reaches it.
func (e *Export) Call(ctx context.Context, args ...any) ([]uint64, error) {
	words, err := e.lower(args)
	if err != nil {
		return nil, err
	}
	return e.inst.Invoke(ctx, e.ref, words)
}

// CallInto invokes the export and unflattens its results into out.
func (e *Export) CallInto(ctx context.Context, out any, args ...any) error {
	res, err := e.Call(ctx, args...)
	if err != nil {
		return err
	}
	return marshal.Unflatten(res, out)
}

// CallPtrInto invokes an export returning a single pointer and decodes the
// aggregate stored there into out.
func (e *Export) CallPtrInto(ctx context.Context, out any, args ...any) error {
	if _, n := e.Signature.Arity(); n != 1 || e.Signature.Results[0].ValueType() != api.ValueTypeI32 {
		return errors.SignatureMismatch(errors.PhaseDecode, e.Name, e.Signature.String(), "(...)*")
	}
	res, err := e.Call(ctx, args...)
	if err != nil {
		return err
	}
	return e.inst.ReadAt(ctx, api.DecodeU32(res[0]), out)
}

func (e *Export) lower(args []any) ([]uint64, error) {
	params := e.Signature.Params
	words := make([]uint64, 0, len(params))

	push := func(tok signature.Token, w uint64, what string) error {
		i := len(words)
		if i < len(params) && tok != 0 && params[i].ValueType() != tok.ValueType() {
			return errors.New(errors.PhaseRuntime, errors.KindSignatureMismatch).
				Path(e.Name, fmt.Sprintf("param %d", i)).
				Type(params[i].String()).
				GoType(what).
				Detail("argument does not fit the parameter").
				Build()
		}
		words = append(words, w)
		return nil
	}

	for _, a := range args {
		var err error
		switch v := a.(type) {
		case memory.Handle:
			ptr, perr := e.resolveHandle(v)
			if perr != nil {
				return nil, perr
			}
			err = push(signature.Ptr, api.EncodeU32(ptr), "memory.Handle")
		case marshal.Value:
			err = push(v.Kind, v.Bits, "marshal.Value")
		case []marshal.Value:
			for _, mv := range v {
				if err = push(mv.Kind, mv.Bits, "marshal.Value"); err != nil {
					break
				}
			}
		case uint64:
			err = push(0, v, "uint64")
		case int32:
			err = push(signature.I32, api.EncodeI32(v), "int32")
		case uint32:
			err = push(signature.I32, api.EncodeU32(v), "uint32")
		case bool:
			err = push(signature.I32, marshal.Bool(v).Bits, "bool")
		case int64:
			err = push(signature.I64, api.EncodeI64(v), "int64")
		case float32:
			err = push(signature.F32, api.EncodeF32(v), "float32")
		case float64:
			err = push(signature.F64, api.EncodeF64(v), "float64")
		default:
			return nil, errors.Unsupported(errors.PhaseRuntime, fmt.Sprintf("argument of type %T", a))
		}
		if err != nil {
			return nil, err
		}
	}

	if len(words) != len(params) {
		return nil, e.arityError(len(words))
	}
	return words, nil
}

func (e *Export) resolveHandle(h memory.Handle) (uint32, error) {
	b := e.inst.Bridge()
	if b == nil {
		return 0, errors.InvalidHandle(uint64(h), "instance has no memory bridge")
	}
	return b.Ptr(h)
}

func (e *Export) arityError(got int) error {
	return errors.SignatureMismatch(errors.PhaseRuntime, e.Name, e.Signature.String(),
		fmt.Sprintf("%d argument(s)", got))
}

// ArgsOf flattens aggregates into call arguments. Scalars and handles are
// passed through unchanged.
func ArgsOf(values ...any) ([]any, error) {
	out := make([]any, 0, len(values))
	for _, v := range values {
		switch v.(type) {
		case memory.Handle, marshal.Value, []marshal.Value,
			uint64, int32, uint32, bool, int64, float32, float64:
			out = append(out, v)
		default:
			flat, err := marshal.Flatten(v)
			if err != nil {
				return nil, err
			}
			out = append(out, flat)
		}
	}
	return out, nil
}
