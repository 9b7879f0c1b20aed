package memory

import (
	"fmt"
	"sync/atomic"

	wasmbridge "github.com/wippyai/wasm-bridge"
)

// Handle is an opaque reference to a region of one instance's memory.
// The high 32 bits hold the tag of the table that issued it. Of the low
// 32 bits, the bottom 20 hold the slot index plus one and the top 12 a
// generation that changes every time the slot is reused.
// Handle 0 is reserved and always invalid.
type Handle uint64

const (
	slotBits = 20
	slotMask = 1<<slotBits - 1
	maxSlots = slotMask
	maxGen   = 1<<(32-slotBits) - 1
	tagShift = 32
)

// tags hands every table a distinct tag, so a handle issued by one
// instance never names a region of another.
var tags atomic.Uint32

func nextTag() uint32 {
	for {
		if t := tags.Add(1); t != 0 {
			return t
		}
	}
}

func makeHandle(tag, slot, gen uint32) Handle {
	return Handle(uint64(tag)<<tagShift | uint64(gen<<slotBits|(slot+1)))
}

func (h Handle) slot() (uint32, bool) {
	s := uint32(h) & slotMask
	if s == 0 {
		return 0, false
	}
	return s - 1, true
}

func (h Handle) generation() uint32 {
	return uint32(h) >> slotBits
}

func (h Handle) tag() uint32 {
	return uint32(h >> tagShift)
}

func (h Handle) String() string {
	s, _ := h.slot()
	return fmt.Sprintf("handle(%d@%d#%d)", s, h.generation(), h.tag())
}

// Region is a byte range in guest memory.
type Region struct {
	Ptr uint32
	Len uint32
	// Owned regions were allocated by the bridge; freeing them releases the
	// guest block. Tracked guest-owned regions only drop the table entry.
	Owned bool
}

// End returns the first offset past the region.
func (r Region) End() uint64 {
	return uint64(r.Ptr) + uint64(r.Len)
}

// GuestMemory is the memory surface the bridge reads and writes.
type GuestMemory interface {
	wasmbridge.Memory
	wasmbridge.MemorySizer
}

// EventType identifies a handle lifecycle change.
type EventType uint8

const (
	EventCreated EventType = iota
	EventFreed
	EventInvalidated
)

func (t EventType) String() string {
	switch t {
	case EventCreated:
		return "created"
	case EventFreed:
		return "freed"
	case EventInvalidated:
		return "invalidated"
	}
	return "unknown"
}

// Event represents a handle lifecycle event.
type Event struct {
	Region Region
	Handle Handle
	Type   EventType
}

// Observer receives notifications about handle lifecycle events.
type Observer interface {
	OnHandleEvent(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) OnHandleEvent(e Event) { f(e) }
