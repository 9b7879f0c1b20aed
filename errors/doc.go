// Package errors provides structured error types for the bridge.
//
// Errors are categorized by Phase (where the error occurred) and Kind (error category).
// The Error type includes rich context: field path, Go/wire type names, and cause chain.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseDecode, errors.KindOverflow).
//		Path("Color", "R").
//		GoType("uint8").
//		Type("i").
//		Detail("value 300 does not fit").
//		Build()
//
// Or use convenience constructors for the bridge taxonomy:
//
//	err := errors.InvalidHandle(uint64(h), "freed")
//	err := errors.SignatureMismatch(errors.PhaseLookup, "add", "(ii)i", "(i)i")
//
// Callers branch on kind with the sentinel targets, which match any phase:
//
//	if errors.Is(err, errors.ErrTrap) {
//		// discard the instance and re-instantiate
//	}
//
// Setup-time kinds (RegistrationConflict, SignatureMismatch at bind) should
// halt startup. ExportNotFound and OutOfMemory are ordinary results.
// InvalidHandle aborts the current call only. Trap poisons the instance.
package errors
