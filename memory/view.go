package memory

import (
	"encoding/binary"

	"github.com/wippyai/wasm-bridge/errors"
)

// View is a length-checked window onto a region of guest memory.
// Reads past Len fail with ShortRead; nothing is ever partially returned.
type View struct {
	bridge *Bridge
	Handle Handle
	Ptr    uint32
	Len    uint32
}

// check fails once the backing handle is no longer valid.
func (v View) check() error {
	if v.bridge == nil {
		return errors.NotInitialized(errors.PhaseMemory, "view")
	}
	if v.Handle != 0 {
		if _, err := v.bridge.table.Get(v.Handle); err != nil {
			return err
		}
	}
	return nil
}

// access runs fn under the bridge guard, if any.
func (v View) access(fn func() error) error {
	if v.bridge != nil && v.bridge.guard != nil {
		return v.bridge.guard(fn)
	}
	return fn()
}

// ReadAt returns n bytes starting off bytes into the region.
func (v View) ReadAt(off, n uint32) ([]byte, error) {
	var out []byte
	err := v.access(func() error {
		if err := v.check(); err != nil {
			return err
		}
		if uint64(off)+uint64(n) > uint64(v.Len) {
			return errors.ShortRead(errors.PhaseMemory, off, n, v.Len)
		}
		if n == 0 {
			out = []byte{}
			return nil
		}
		var err error
		out, err = v.bridge.mem.Read(v.Ptr+off, n)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Bytes returns the whole region.
func (v View) Bytes() ([]byte, error) {
	return v.ReadAt(0, v.Len)
}

func (v View) U8(off uint32) (uint8, error) {
	b, err := v.ReadAt(off, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (v View) U16(off uint32) (uint16, error) {
	b, err := v.ReadAt(off, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (v View) U32(off uint32) (uint32, error) {
	b, err := v.ReadAt(off, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (v View) U64(off uint32) (uint64, error) {
	b, err := v.ReadAt(off, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// Write stores data off bytes into the region. Writes that would leave the
// region fail with OutOfBounds and change nothing.
func (v View) Write(off uint32, data []byte) error {
	return v.access(func() error {
		if err := v.check(); err != nil {
			return err
		}
		if uint64(off)+uint64(len(data)) > uint64(v.Len) {
			return errors.OutOfBounds(errors.PhaseMemory, v.Ptr+off, uint32(len(data)), nil)
		}
		return v.bridge.mem.Write(v.Ptr+off, data)
	})
}

// Sub returns a view of n bytes starting off bytes into the region.
func (v View) Sub(off, n uint32) (View, error) {
	if uint64(off)+uint64(n) > uint64(v.Len) {
		return View{}, errors.ShortRead(errors.PhaseMemory, off, n, v.Len)
	}
	sub := v
	sub.Ptr += off
	sub.Len = n
	return sub, nil
}
