package gvm

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/gpuvm/gvm/internal/slotmap"
	"github.com/vkngwrapper/gpuvm/memutils/metadata"
	"github.com/vkngwrapper/gpuvm/memutils/pagetable"
)

// Binding records that an Object is mapped into an AddressSpace at a particular range. Bindings are
// created by AddressSpace.Bind and stay valid until they are unbound explicitly, evicted, or their
// object is destroyed, at which point State reports BindingStateUnbound.
type Binding struct {
	space  *AddressSpace
	object *Object

	handle    metadata.AllocationHandle
	boundKey  slotmap.Key
	activeKey slotmap.Key

	offset     int
	size       int
	color      metadata.Color
	cache      pagetable.CacheLevel
	entryFlags pagetable.EntryFlags
	sequence   uint64

	state BindingState
	pins  int
}

func (b *Binding) Space() *AddressSpace { return b.space }

func (b *Binding) Object() *Object { return b.object }

// Offset returns the first byte of the binding's range within its space
func (b *Binding) Offset() int { return b.offset }

// Size returns the length of the binding's range, which is the object's size rounded up to whole pages
func (b *Binding) Size() int { return b.size }

// End returns the first byte past the binding's range
func (b *Binding) End() int { return b.offset + b.size }

func (b *Binding) CacheLevel() pagetable.CacheLevel { return b.cache }

func (b *Binding) EntryFlags() pagetable.EntryFlags { return b.entryFlags }

// Sequence orders bindings within a space by creation time. Older bindings have smaller sequences.
func (b *Binding) Sequence() uint64 { return b.sequence }

// State returns the binding's current lifecycle state
func (b *Binding) State() BindingState {
	b.space.mutex.Lock()
	defer b.space.mutex.Unlock()

	return b.state
}

// IsPinned reports whether any PinHandle for the binding is outstanding
func (b *Binding) IsPinned() bool {
	b.space.mutex.Lock()
	defer b.space.mutex.Unlock()

	return b.pins > 0
}

// Pin prevents the binding from being evicted or unbound until the returned handle is released.
// Pinning an unbound binding panics.
func (b *Binding) Pin() *PinHandle {
	b.space.mutex.Lock()
	defer b.space.mutex.Unlock()

	return b.pinLocked()
}

func (b *Binding) pinLocked() *PinHandle {
	if b.state == BindingStateUnbound {
		panic(errors.AssertionFailedf("attempted to pin an unbound binding of object %d", b.object.id))
	}

	b.pins++
	return &PinHandle{binding: b}
}

// MarkActive records that device work referencing the binding has been submitted. It is a shorthand for
// AddressSpace.MarkActive.
func (b *Binding) MarkActive() {
	b.space.MarkActive(b)
}

func (b *Binding) evictable() bool {
	return b.pins == 0 && b.state == BindingStateInactive
}

// PinHandle keeps a Binding resident. Release may be called any number of times; only the first call
// has an effect.
type PinHandle struct {
	binding *Binding
	once    sync.Once
}

// Binding returns the pinned binding
func (h *PinHandle) Binding() *Binding { return h.binding }

// Release drops the pin
func (h *PinHandle) Release() {
	h.once.Do(func() {
		space := h.binding.space
		space.mutex.Lock()
		defer space.mutex.Unlock()

		if h.binding.pins <= 0 {
			panic(errors.AssertionFailedf("binding of object %d was unpinned more times than it was pinned", h.binding.object.id))
		}
		h.binding.pins--
	})
}
