// Package runtime is the high-level API of the bridge.
//
// # Quick Start
//
//	ctx := context.Background()
//	rec := &diag.Recorder{}
//	rt, err := runtime.New(ctx,
//	    runtime.WithNamespace("null0"),
//	    runtime.WithDiagnostics(diag.New(diag.WithSink(rec.Sink()))))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer rt.Close(ctx)
//
//	mod, err := rt.LoadFile(ctx, "cart.wasm")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	inst, err := mod.Instantiate(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer inst.Close(ctx)
//
//	// Pass a Color by reference
//	h, err := inst.PassByReference(ctx, marshal.Color{R: 230, G: 41, B: 55, A: 255})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer inst.Free(ctx, h)
//	_, err = inst.Call(ctx, "param_color_by_pointer", "(*)", h)
//
//	// Receive Dimensions by value
//	var d marshal.Dimensions
//	err = inst.CallInto(ctx, "ret_dimensions_by_value", "()ii", &d)
//
// # Host Functions
//
// Register host functions before instantiating the modules that import
// them. Each instance binds a snapshot of the registry, so later
// registrations only reach later instances.
//
//	rt.RegisterFunc("env", "area", "(*)i", func(ctx context.Context, c *registry.Call) error {
//	    var d marshal.Dimensions
//	    if err := c.ReadRef(0, &d); err != nil {
//	        return err
//	    }
//	    return c.Return(uint64(d.Width * d.Height))
//	})
//
// A host function error aborts the guest call that reached it. Bridge
// errors such as InvalidHandle or OutOfBounds leave the instance usable;
// any other error is treated as a trap.
//
// # Thread Safety
//
// Runtime and Module are safe for concurrent use. An Instance serializes
// its calls; separate instances share no mutable state and run in
// parallel. A host function must not call back into its own instance.
//
// # Metrics
//
// Every Runtime owns a Prometheus registry with bridge_calls_total,
// bridge_traps_total, bridge_handles_live and bridge_instances_live.
package runtime
