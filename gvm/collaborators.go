package gvm

import (
	"context"

	"github.com/vkngwrapper/gpuvm/memutils/pagetable"
)

//go:generate mockgen -source collaborators.go -destination ./mocks/collaborators.go

// PageProvider supplies the physical pages that back an Object. GetPages is called when an object is
// bound into its first address space and PutPages once its last binding is gone.
type PageProvider interface {
	// GetPages returns one physical page address per page of the object, in order. A failure should
	// wrap memutils.ErrOutOfMemory.
	GetPages(object *Object) ([]pagetable.PhysAddr, error)
	PutPages(object *Object, pages []pagetable.PhysAddr)
}

// CompletionOracle reports whether the device has finished all work that referenced a Binding.
//
// Both methods are called with the owning space's lock held, and that lock is not reentrant. They must
// not call back into the space, nor into Binding methods that take its lock such as State, IsPinned,
// Pin or MarkActive.
type CompletionOracle interface {
	// IsIdle reports whether all device work that referenced binding has retired. It must not block.
	IsIdle(binding *Binding) bool
	// Wait blocks until binding is idle or ctx is done, returning ctx's error in the latter case
	Wait(ctx context.Context, binding *Binding) error
}

// HangSignal is the process-wide device-hang flag. It is consulted before every blocking wait, and a
// wait in progress is abandoned as soon as Done is closed.
type HangSignal interface {
	Hung() bool
	// Done returns a channel that is closed once the device is hung. A nil channel means the signal
	// never interrupts a wait.
	Done() <-chan struct{}
}

type idleOracle struct{}

func (idleOracle) IsIdle(binding *Binding) bool { return true }

func (idleOracle) Wait(ctx context.Context, binding *Binding) error { return nil }

type neverHung struct{}

func (neverHung) Hung() bool { return false }

func (neverHung) Done() <-chan struct{} { return nil }
