package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/tetratelabs/wazero/api"
	"go.bytecodealliance.org/wit"

	"github.com/wippyai/wasm-bridge/engine"
	"github.com/wippyai/wasm-bridge/marshal"
	"github.com/wippyai/wasm-bridge/memory"
	"github.com/wippyai/wasm-bridge/signature"
)

// witType is the WIT primitive a token is shown and parsed as. Pointers
// are guest offsets.
func witType(t signature.Token) wit.Type {
	switch t {
	case signature.I64:
		return wit.S64{}
	case signature.F32:
		return wit.F32{}
	case signature.F64:
		return wit.F64{}
	case signature.Ptr:
		return wit.U32{}
	case signature.String:
		return wit.String{}
	default:
		return wit.S32{}
	}
}

func witTypeStr(t signature.Token) string {
	switch t {
	case signature.Ptr:
		return "ptr"
	case signature.String:
		return "string"
	}
	return marshal.WitName(witType(t))
}

func exportSignature(d engine.FuncDecl) signature.Signature {
	return signature.FromValueTypes(d.Params, d.Results)
}

// describe renders name(arg0: s32, ...) -> f64.
func describe(name string, sig signature.Signature) string {
	params := make([]string, len(sig.Params))
	for i, t := range sig.Params {
		params[i] = fmt.Sprintf("arg%d: %s", i, witTypeStr(t))
	}
	out := name + "(" + strings.Join(params, ", ") + ")"
	if len(sig.Results) > 0 {
		results := make([]string, len(sig.Results))
		for i, t := range sig.Results {
			results[i] = witTypeStr(t)
		}
		out += " -> " + strings.Join(results, ", ")
	}
	return out
}

// copier is the part of an instance that string arguments need.
type copier interface {
	CopyIn(ctx context.Context, data []byte) (memory.Handle, error)
}

// convertArg parses a command line value for a parameter of type t.
// Strings are copied into the guest NUL-terminated and passed by handle.
func convertArg(ctx context.Context, mem copier, value string, t signature.Token) (any, error) {
	switch witType(t).(type) {
	case wit.String:
		if mem == nil {
			return nil, fmt.Errorf("string argument %q needs a live instance", value)
		}
		return mem.CopyIn(ctx, append([]byte(value), 0))
	case wit.U32:
		v, err := strconv.ParseUint(value, 0, 32)
		if err != nil {
			return nil, fmt.Errorf("pointer %q: %w", value, err)
		}
		return marshal.Ptr(uint32(v)), nil
	case wit.S32:
		switch value {
		case "true":
			return true, nil
		case "false":
			return false, nil
		}
		if v, err := strconv.ParseInt(value, 0, 32); err == nil {
			return int32(v), nil
		}
		v, err := strconv.ParseUint(value, 0, 32)
		if err != nil {
			return nil, fmt.Errorf("s32 %q: %w", value, err)
		}
		return uint32(v), nil
	case wit.S64:
		if v, err := strconv.ParseInt(value, 0, 64); err == nil {
			return v, nil
		}
		v, err := strconv.ParseUint(value, 0, 64)
		if err != nil {
			return nil, fmt.Errorf("s64 %q: %w", value, err)
		}
		return marshal.U64(v), nil
	case wit.F32:
		v, err := strconv.ParseFloat(value, 32)
		if err != nil {
			return nil, fmt.Errorf("f32 %q: %w", value, err)
		}
		return float32(v), nil
	case wit.F64:
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, fmt.Errorf("f64 %q: %w", value, err)
		}
		return v, nil
	}
	return nil, fmt.Errorf("unsupported token %s", t)
}

// convertArgs parses values against sig. The returned handles belong to
// string arguments and must be freed after the call.
func convertArgs(ctx context.Context, mem copier, values []string, sig signature.Signature) ([]any, []memory.Handle, error) {
	if len(values) != len(sig.Params) {
		return nil, nil, fmt.Errorf("%s takes %d argument(s), got %d", sig, len(sig.Params), len(values))
	}
	args := make([]any, len(values))
	var handles []memory.Handle
	for i, v := range values {
		a, err := convertArg(ctx, mem, v, sig.Params[i])
		if err != nil {
			return nil, handles, fmt.Errorf("argument %d: %w", i, err)
		}
		if h, ok := a.(memory.Handle); ok {
			handles = append(handles, h)
		}
		args[i] = a
	}
	return args, handles, nil
}

func formatResult(t signature.Token, w uint64) string {
	switch t {
	case signature.I64:
		return strconv.FormatInt(int64(w), 10)
	case signature.F32:
		return strconv.FormatFloat(float64(api.DecodeF32(w)), 'g', -1, 32)
	case signature.F64:
		return strconv.FormatFloat(api.DecodeF64(w), 'g', -1, 64)
	case signature.Ptr, signature.String:
		return fmt.Sprintf("%#x", api.DecodeU32(w))
	default:
		return strconv.FormatInt(int64(api.DecodeI32(w)), 10)
	}
}

func formatResults(sig signature.Signature, words []uint64) string {
	if len(sig.Results) == 0 {
		return "ok"
	}
	out := make([]string, len(words))
	for i, w := range words {
		out[i] = formatResult(sig.Results[i], w)
	}
	return strings.Join(out, ", ")
}
