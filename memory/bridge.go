package memory

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"

	wasmbridge "github.com/wippyai/wasm-bridge"
	"github.com/wippyai/wasm-bridge/errors"
)

// DefaultMaxString bounds CString reads when no limit is given.
const DefaultMaxString = 64 * 1024

// Bridge moves bytes between the host and one guest instance and tracks
// the regions it hands out as handles.
type Bridge struct {
	mem    GuestMemory
	alloc  wasmbridge.Allocator
	table  *Table
	logger *zap.Logger
	guard  func(func() error) error
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the bridge logger.
func WithLogger(l *zap.Logger) Option {
	return func(b *Bridge) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithTable uses t instead of a fresh table, so observers can be attached
// before the bridge exists.
func WithTable(t *Table) Option {
	return func(b *Bridge) {
		if t != nil {
			b.table = t
		}
	}
}

// WithGuard makes views from this bridge run every memory access through
// guard, which typically holds the owning instance's lock around it.
func WithGuard(guard func(func() error) error) Option {
	return func(b *Bridge) {
		b.guard = guard
	}
}

// NewBridge creates a bridge over mem. alloc may be nil for read-only use,
// in which case CopyIn fails with OutOfMemory.
func NewBridge(mem GuestMemory, alloc wasmbridge.Allocator, opts ...Option) *Bridge {
	b := &Bridge{
		mem:    mem,
		alloc:  alloc,
		table:  NewTable(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Table returns the bridge's handle table.
func (b *Bridge) Table() *Table {
	return b.table
}

// Memory returns the guest memory the bridge operates on.
func (b *Bridge) Memory() GuestMemory {
	return b.mem
}

// Live returns the number of outstanding handles.
func (b *Bridge) Live() int {
	return b.table.Len()
}

// CopyIn allocates len(data) bytes in the guest, copies data there and
// returns a handle to the region. Nothing is written when allocation fails.
func (b *Bridge) CopyIn(ctx context.Context, data []byte) (Handle, error) {
	if len(data) == 0 {
		return 0, errors.InvalidInput(errors.PhaseMemory, "cannot copy an empty byte sequence")
	}
	if uint64(len(data)) > math.MaxUint32 {
		return 0, errors.OutOfMemory(math.MaxUint32, fmt.Errorf("%d bytes exceed the 32-bit address space", len(data)))
	}
	if b.alloc == nil {
		return 0, errors.OutOfMemory(uint32(len(data)), fmt.Errorf("no guest allocator"))
	}
	if b.mem == nil {
		return 0, errors.NotInitialized(errors.PhaseMemory, "guest memory")
	}

	size := uint32(len(data))
	ptr, err := b.alloc.Alloc(ctx, size)
	if err != nil {
		return 0, err
	}
	if err := b.mem.Write(ptr, data); err != nil {
		b.release(ctx, ptr, size)
		return 0, err
	}

	h, err := b.table.Insert(Region{Ptr: ptr, Len: size, Owned: true})
	if err != nil {
		b.release(ctx, ptr, size)
		return 0, err
	}

	b.logger.Debug("copied into guest",
		zap.Uint64("handle", uint64(h)),
		zap.Uint32("ptr", ptr),
		zap.Uint32("size", size))
	return h, nil
}

func (b *Bridge) release(ctx context.Context, ptr, size uint32) {
	if err := b.alloc.Free(ctx, ptr, size); err != nil {
		b.logger.Warn("release of guest block failed",
			zap.Uint32("ptr", ptr),
			zap.Uint32("size", size),
			zap.Error(err))
	}
}

// Track registers a guest-owned region, such as a pointer returned by a
// guest export, so it can be passed around as a handle. Freeing the handle
// leaves the guest block alone.
func (b *Bridge) Track(ptr, size uint32) (Handle, error) {
	if err := b.checkRange(ptr, size); err != nil {
		return 0, err
	}
	return b.table.Insert(Region{Ptr: ptr, Len: size})
}

// Resolve returns a view of the region named by h. The view rechecks h on
// every access, so it fails once h is freed.
func (b *Bridge) Resolve(h Handle) (View, error) {
	r, err := b.table.Get(h)
	if err != nil {
		return View{}, err
	}
	return View{bridge: b, Handle: h, Ptr: r.Ptr, Len: r.Len}, nil
}

// Ptr returns the guest offset of h, for passing the region to guest code.
func (b *Bridge) Ptr(h Handle) (uint32, error) {
	r, err := b.table.Get(h)
	if err != nil {
		return 0, err
	}
	return r.Ptr, nil
}

// Free invalidates h and, for bridge-allocated regions, returns the block
// to the guest allocator. Freeing twice reports InvalidHandle.
func (b *Bridge) Free(ctx context.Context, h Handle) error {
	r, err := b.table.Remove(h)
	if err != nil {
		return err
	}
	if r.Owned && b.alloc != nil {
		if err := b.alloc.Free(ctx, r.Ptr, r.Len); err != nil {
			return err
		}
	}
	return nil
}

// Borrow returns a transient view over a guest-provided region. It is not
// backed by a handle and is only meaningful during the current call.
func (b *Bridge) Borrow(ptr, size uint32) (View, error) {
	if err := b.checkRange(ptr, size); err != nil {
		return View{}, err
	}
	return View{bridge: b, Ptr: ptr, Len: size}, nil
}

// CString reads a NUL-terminated string starting at ptr. At most limit
// bytes are scanned; a missing terminator within that range is InvalidData.
// A limit of 0 means DefaultMaxString.
func (b *Bridge) CString(ptr, limit uint32) (string, error) {
	if b.mem == nil {
		return "", errors.NotInitialized(errors.PhaseMemory, "guest memory")
	}
	if limit == 0 {
		limit = DefaultMaxString
	}
	size := b.mem.Size()
	if ptr >= size {
		return "", errors.OutOfBounds(errors.PhaseMemory, ptr, 1, nil)
	}
	n := size - ptr
	if n > limit {
		n = limit
	}
	buf, err := b.mem.Read(ptr, n)
	if err != nil {
		return "", err
	}
	for i, c := range buf {
		if c == 0 {
			return string(buf[:i]), nil
		}
	}
	return "", errors.InvalidData(errors.PhaseMemory, nil,
		fmt.Sprintf("no NUL terminator within %d bytes at %#x", n, ptr))
}

// Close invalidates every handle. Guest blocks are not freed; they go away
// with the instance.
func (b *Bridge) Close() {
	b.table.Close()
}

func (b *Bridge) checkRange(ptr, size uint32) error {
	if b.mem == nil {
		return errors.NotInitialized(errors.PhaseMemory, "guest memory")
	}
	if size == 0 {
		return errors.InvalidInput(errors.PhaseMemory, "empty region")
	}
	if uint64(ptr)+uint64(size) > uint64(b.mem.Size()) {
		return errors.OutOfBounds(errors.PhaseMemory, ptr, size, nil)
	}
	return nil
}
