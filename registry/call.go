package registry

import (
	"fmt"

	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-bridge/errors"
	"github.com/wippyai/wasm-bridge/marshal"
	"github.com/wippyai/wasm-bridge/memory"
)

// Call is one invocation of a host function. Arguments are in the lowered
// form given by the descriptor's signature; index i must be below Len.
type Call struct {
	Descriptor *Descriptor
	Data       any
	// Memory reads the calling instance's memory. Guest pointers passed as
	// arguments are only valid for the duration of the call.
	Memory  *memory.Bridge
	args    []uint64
	results []uint64
}

// Len returns the argument count.
func (c *Call) Len() int {
	return len(c.args)
}

// Args returns a copy of the raw argument words.
func (c *Call) Args() []uint64 {
	return append([]uint64(nil), c.args...)
}

func (c *Call) I32(i int) int32   { return api.DecodeI32(c.args[i]) }
func (c *Call) U32(i int) uint32  { return api.DecodeU32(c.args[i]) }
func (c *Call) I64(i int) int64   { return int64(c.args[i]) }
func (c *Call) U64(i int) uint64  { return c.args[i] }
func (c *Call) F32(i int) float32 { return api.DecodeF32(c.args[i]) }
func (c *Call) F64(i int) float64 { return api.DecodeF64(c.args[i]) }
func (c *Call) Ptr(i int) uint32  { return api.DecodeU32(c.args[i]) }
func (c *Call) Bool(i int) bool   { return api.DecodeU32(c.args[i]) != 0 }

// View returns a bounds-checked view of size bytes at the pointer in
// argument i.
func (c *Call) View(i int, size uint32) (memory.View, error) {
	if c.Memory == nil {
		return memory.View{}, errors.NotInitialized(errors.PhaseHost, "guest memory")
	}
	return c.Memory.Borrow(c.Ptr(i), size)
}

// CString reads the NUL-terminated string at the pointer in argument i,
// scanning at most limit bytes (0 for the bridge default).
func (c *Call) CString(i int, limit uint32) (string, error) {
	if c.Memory == nil {
		return "", errors.NotInitialized(errors.PhaseHost, "guest memory")
	}
	return c.Memory.CString(c.Ptr(i), limit)
}

// ReadRef decodes the aggregate at the pointer in argument i into out.
func (c *Call) ReadRef(i int, out any) error {
	return marshal.ReadAt(c.Memory, c.Ptr(i), out)
}

// Unflatten rebuilds an aggregate from all arguments, for functions whose
// parameters are one flattened value.
func (c *Call) Unflatten(out any) error {
	return marshal.Unflatten(c.args, out)
}

// Return stores the results. The count must match the signature.
func (c *Call) Return(words ...uint64) error {
	if _, n := c.Descriptor.Signature.Arity(); len(words) != n {
		return errors.SignatureMismatch(errors.PhaseHost, c.Descriptor.Key(),
			c.Descriptor.Signature.String(), fmt.Sprintf("%d result(s)", len(words)))
	}
	c.results = append(c.results[:0], words...)
	return nil
}

// ReturnValue flattens v into the results.
func (c *Call) ReturnValue(v any) error {
	words, err := marshal.FlattenWords(v)
	if err != nil {
		return err
	}
	return c.Return(words...)
}
