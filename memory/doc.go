// Package memory moves byte sequences across the host/guest boundary.
//
// The host never holds raw guest addresses for data it placed in the guest.
// CopyIn allocates through the guest's allocator, copies the bytes and
// returns a Handle; Resolve turns a Handle back into a View whose reads are
// length-checked against the region; Free invalidates the Handle and
// releases the block. Handles carry a generation, so a freed Handle stays
// invalid even after its slot is reused.
//
// Guest-provided pointers, such as host function arguments, are read
// through Borrow and CString, which check the range against the current
// memory size before touching it.
//
// A Bridge belongs to exactly one instance. Every Table stamps its handles
// with a process-unique tag, so a handle presented to another instance is
// rejected as foreign. Close invalidates all of them at instance teardown.
package memory
