// Package engine is the guest execution layer of the bridge.
//
// It wraps wazero behind a small interface: compile an image once, create
// isolated instances from it, move bytes in and out of an instance's linear
// memory, allocate through the guest's own allocator, and invoke exports.
//
// # Architecture
//
//	WazeroEngine   - owns the shared compilation cache
//	Image          - validated binary with its import and export prototypes
//	WazeroInstance - one live guest on its own wazero.Runtime
//
// Because each instance has a private runtime, host modules installed for
// one instance are invisible to every other, and a trap in one guest never
// affects another. Only compiled code is shared.
//
// # Host functions
//
// HostImport binds a HostFunc to a (module, name) pair. The function sees
// the calling guest's memory and the raw value stack. Returning an error
// unwinds the guest call: Invoke hands back that same error so callers can
// tell a host-side abort from an engine trap, which is reported as an
// errors.KindTrap error.
//
// # Allocation
//
// The guest allocator is discovered by export name, in order:
// cabi_realloc, canonical_abi_realloc, allocate, alloc, malloc. Realloc-style
// functions take (old_ptr, old_size, align, new_size); the others take a
// single size. A deallocator is looked up among cabi_free, deallocate and
// free. Allocations that come back as zero or do not fit the current memory
// are OutOfMemory errors.
//
// # Thread Safety
//
// WazeroEngine is safe for concurrent use.
// WazeroInstance is NOT thread-safe and should be used by a single goroutine;
// the runtime package serializes access for callers.
//
// Most users should use the runtime package for a simpler API.
package engine
