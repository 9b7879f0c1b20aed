package marshal

import (
	"context"
	"reflect"

	"github.com/wippyai/wasm-bridge/errors"
	"github.com/wippyai/wasm-bridge/memory"
)

// PassByReference copies the byte image of v into guest memory and returns
// the handle of the new region. The caller owns the handle and frees it.
func PassByReference(ctx context.Context, b *memory.Bridge, v any) (memory.Handle, error) {
	if b == nil {
		return 0, errors.NotInitialized(errors.PhaseEncode, "memory bridge")
	}
	buf, err := Encode(v)
	if err != nil {
		return 0, err
	}
	return b.CopyIn(ctx, buf)
}

// ReadReference decodes the aggregate stored in view into out. The view
// must be at least as long as out's layout.
func ReadReference(view memory.View, out any) error {
	l, err := LayoutOf(reflect.TypeOf(out))
	if err != nil {
		return err
	}
	buf, err := view.ReadAt(0, l.Size)
	if err != nil {
		return err
	}
	return Decode(buf, out)
}

// ReadAt decodes the aggregate at a guest-provided pointer, such as an
// argument of a host function or the result of a guest export.
func ReadAt(b *memory.Bridge, ptr uint32, out any) error {
	if b == nil {
		return errors.NotInitialized(errors.PhaseDecode, "memory bridge")
	}
	l, err := LayoutOf(reflect.TypeOf(out))
	if err != nil {
		return err
	}
	view, err := b.Borrow(ptr, l.Size)
	if err != nil {
		return err
	}
	return ReadReference(view, out)
}

// WriteAt stores the byte image of v at a guest-provided pointer.
func WriteAt(b *memory.Bridge, ptr uint32, v any) error {
	if b == nil {
		return errors.NotInitialized(errors.PhaseEncode, "memory bridge")
	}
	buf, err := Encode(v)
	if err != nil {
		return err
	}
	view, err := b.Borrow(ptr, uint32(len(buf)))
	if err != nil {
		return err
	}
	return view.Write(0, buf)
}
