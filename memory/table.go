package memory

import (
	"sync"

	"github.com/wippyai/wasm-bridge/errors"
)

// Table maps handles to regions. Freed slots are recycled with a new
// generation so a stale handle never names a later region. A slot whose
// generation would wrap is retired instead of reused.
type Table struct {
	entries   []entry
	freeList  []uint32
	observers []Observer
	live      int
	tag       uint32
	mu        sync.Mutex
	closed    bool
}

type entry struct {
	region Region
	gen    uint32
	valid  bool
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{
		entries:  make([]entry, 0, 64),
		freeList: make([]uint32, 0, 16),
		tag:      nextTag(),
	}
}

// Subscribe adds an observer for lifecycle events.
func (t *Table) Subscribe(o Observer) {
	t.mu.Lock()
	t.observers = append(t.observers, o)
	t.mu.Unlock()
}

// Insert stores a region and returns its handle.
func (t *Table) Insert(r Region) (Handle, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0, errors.Closed("handle table")
	}

	var slot uint32
	if n := len(t.freeList); n > 0 {
		slot = t.freeList[n-1]
		t.freeList = t.freeList[:n-1]
	} else {
		if len(t.entries) >= maxSlots {
			t.mu.Unlock()
			return 0, errors.OutOfMemory(r.Len, errors.Unsupported(errors.PhaseMemory, "handle table is full"))
		}
		t.entries = append(t.entries, entry{gen: 1})
		slot = uint32(len(t.entries) - 1)
	}

	e := &t.entries[slot]
	e.region = r
	e.valid = true
	t.live++
	h := makeHandle(t.tag, slot, e.gen)
	observers := t.observers
	t.mu.Unlock()

	notify(observers, Event{Type: EventCreated, Handle: h, Region: r})
	return h, nil
}

// Tag identifies the table in the handles it issues.
func (t *Table) Tag() uint32 {
	return t.tag
}

// lookup returns the entry for h. Caller holds mu.
func (t *Table) lookup(h Handle) (*entry, error) {
	slot, ok := h.slot()
	if !ok {
		return nil, errors.InvalidHandle(uint64(h), "zero handle")
	}
	if h.tag() != t.tag {
		return nil, errors.InvalidHandle(uint64(h), "foreign handle")
	}
	if t.closed {
		return nil, errors.InvalidHandle(uint64(h), "instance memory was torn down")
	}
	if int(slot) >= len(t.entries) {
		return nil, errors.InvalidHandle(uint64(h), "unknown handle")
	}
	e := &t.entries[slot]
	if !e.valid || e.gen != h.generation() {
		return nil, errors.InvalidHandle(uint64(h), "handle was freed")
	}
	return e, nil
}

// Get returns the region named by h.
func (t *Table) Get(h Handle) (Region, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, err := t.lookup(h)
	if err != nil {
		return Region{}, err
	}
	return e.region, nil
}

// Remove invalidates h and returns the region it named.
func (t *Table) Remove(h Handle) (Region, error) {
	t.mu.Lock()
	e, err := t.lookup(h)
	if err != nil {
		t.mu.Unlock()
		return Region{}, err
	}

	r := e.region
	e.valid = false
	e.region = Region{}
	t.live--
	slot, _ := h.slot()
	if e.gen < maxGen {
		e.gen++
		t.freeList = append(t.freeList, slot)
	}
	observers := t.observers
	t.mu.Unlock()

	notify(observers, Event{Type: EventFreed, Handle: h, Region: r})
	return r, nil
}

// Len returns the number of live handles.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.live
}

// Close invalidates every live handle. Later lookups fail with
// InvalidHandle and Insert fails with Closed.
func (t *Table) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true

	var events []Event
	for i := range t.entries {
		e := &t.entries[i]
		if e.valid {
			events = append(events, Event{
				Type:   EventInvalidated,
				Handle: makeHandle(t.tag, uint32(i), e.gen),
				Region: e.region,
			})
			e.valid = false
		}
	}
	t.entries = nil
	t.freeList = nil
	t.live = 0
	observers := t.observers
	t.mu.Unlock()

	for _, ev := range events {
		notify(observers, ev)
	}
}

func notify(observers []Observer, e Event) {
	for _, o := range observers {
		o.OnHandleEvent(e)
	}
}
