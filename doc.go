// Package wasmbridge connects Go hosts to core WebAssembly guests.
//
// A guest calls named host functions through its imports, and the host
// calls the guest's exports. Plain scalars travel as stack values; small
// aggregates are flattened into scalars or copied into guest memory and
// passed by reference.
//
// # Architecture Overview
//
//	wasmbridge/          Root package with the Memory and Allocator interfaces
//	├── runtime/         High-level API: load, instantiate, call, trap handling
//	├── registry/        Host function registry and per-instance import tables
//	├── resolver/        Typed lookup and invocation of guest exports
//	├── marshal/         Aggregate layout, flattening and byte images
//	├── memory/          Generation-checked handles into guest memory
//	├── diag/            debug_* host functions and report sinks
//	├── signature/       Prototype strings such as "(iIfF)F"
//	├── engine/          wazero integration
//	├── config/          YAML configuration for the CLI
//	└── errors/          Structured error types for debugging
//
// # Quick Start
//
//	rt, err := runtime.New(ctx, runtime.WithNamespace("env"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer rt.Close(ctx)
//
//	rt.RegisterFunc("", "add", "(ii)i", func(ctx context.Context, c *registry.Call) error {
//	    return c.Return(api.EncodeI32(c.I32(0) + c.I32(1)))
//	})
//
//	mod, err := rt.Load(ctx, wasmBytes)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	inst, err := mod.Instantiate(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer inst.Close(ctx)
//
//	res, err := inst.Call(ctx, "sum", "(ii)i", int32(40), int32(2))
//
// # Prototypes
//
// Host functions and guest exports are described by prototype strings:
// i is a 32-bit integer, I a 64-bit integer, f and F floats, * a pointer
// into guest memory and $ a pointer to a NUL-terminated string. A prototype
// lists parameters in parentheses followed by results, e.g. "(*i)" or "()F".
//
// # Memory Model
//
// Host-owned copies in guest memory are named by handles. A handle stays
// valid until it is freed or its instance is closed or trapped; a stale
// handle is rejected with InvalidHandle and never aliases a newer region.
//
// WASM linear memory can only grow, never shrink. Blocks freed by the host
// go back to the guest allocator for reuse within the instance.
package wasmbridge
