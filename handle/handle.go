// Package handle maps opaque integer tokens to Go values so that a value can
// be referred to from the other side of the native boundary without handing
// out a pointer.
//
// A Handle packs a slot index with the slot's generation. Freed slots are
// reused, and every reuse bumps the generation, so a token that outlived its
// registration is reported as stale instead of resolving to whatever took
// its slot. Handles always fit in a uintptr: slot and generation each get
// half of the platform's pointer width.
package handle

import (
	"sync"

	"github.com/dropbox/nativebridge/errors"
)

type Handle uint64

// Half the bits of a uintptr: 16 on 32-bit targets, 32 on 64-bit ones.
const platformSlotBits = (32 << (^uintptr(0) >> 63)) / 2

var (
	ErrUnknownHandle = errors.NewKind(errors.StaleContext, "handle: unknown handle")
	ErrStaleHandle   = errors.NewKind(errors.StaleContext, "handle: stale handle")
)

type entry struct {
	generation uint32
	live       bool
	value      interface{}
}

// A thread-safe handle table.
type Registry struct {
	lock     sync.RWMutex
	slotBits uint
	entries  []entry
	free     []uint32
	live     int
}

func NewRegistry() *Registry {
	return newRegistry(platformSlotBits)
}

// Handles from this registry use 2*slotBits bits.
func newRegistry(slotBits uint) *Registry {
	return &Registry{slotBits: slotBits}
}

// Largest slot index, and largest generation.
func (r *Registry) maxField() uint64 {
	return uint64(1)<<r.slotBits - 1
}

func (r *Registry) makeHandle(slot uint32, generation uint32) Handle {
	return Handle(uint64(generation)<<r.slotBits | uint64(slot))
}

func (r *Registry) split(h Handle) (slot uint32, generation uint32, ok bool) {
	if uint64(h)>>(2*r.slotBits) != 0 {
		return 0, 0, false
	}
	return uint32(uint64(h) & r.maxField()), uint32(uint64(h) >> r.slotBits), true
}

// Stores v and returns a fresh handle for it. The zero Handle is never
// returned. Panics when every slot is live (65536 on 32-bit targets).
func (r *Registry) Register(v interface{}) Handle {
	r.lock.Lock()
	defer r.lock.Unlock()

	var slot uint32
	if n := len(r.free); n > 0 {
		slot = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		if uint64(len(r.entries)) > r.maxField() {
			panic("handle: registry full")
		}
		slot = uint32(len(r.entries))
		r.entries = append(r.entries, entry{})
	}

	e := &r.entries[slot]
	e.generation++
	if e.generation == 0 || uint64(e.generation) > r.maxField() {
		// Generation 0 is reserved so that slot 0 never yields Handle(0).
		e.generation = 1
	}
	e.live = true
	e.value = v
	r.live++
	return r.makeHandle(slot, e.generation)
}

func (r *Registry) lookup(h Handle) (*entry, uint32, error) {
	slot, generation, ok := r.split(h)
	if h == 0 || !ok || int(slot) >= len(r.entries) {
		return nil, 0, ErrUnknownHandle
	}
	e := &r.entries[slot]
	if e.generation != generation || !e.live {
		return nil, 0, ErrStaleHandle
	}
	return e, slot, nil
}

// Returns the value registered under h.
func (r *Registry) Get(h Handle) (interface{}, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	e, _, err := r.lookup(h)
	if err != nil {
		return nil, err
	}
	return e.value, nil
}

// Returns the value registered under h and removes the registration. Only
// one caller can ever take a given handle.
func (r *Registry) Take(h Handle) (interface{}, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	e, slot, err := r.lookup(h)
	if err != nil {
		return nil, err
	}
	v := e.value
	r.release(slot, e)
	return v, nil
}

// Removes the registration. Returns false if h was unknown or stale.
func (r *Registry) Delete(h Handle) bool {
	r.lock.Lock()
	defer r.lock.Unlock()

	e, slot, err := r.lookup(h)
	if err != nil {
		return false
	}
	r.release(slot, e)
	return true
}

func (r *Registry) release(slot uint32, e *entry) {
	e.live = false
	e.value = nil
	r.free = append(r.free, slot)
	r.live--
}

// Number of live registrations.
func (r *Registry) Len() int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return r.live
}
