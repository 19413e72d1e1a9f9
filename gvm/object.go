package gvm

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/gpuvm/memutils"
	"github.com/vkngwrapper/gpuvm/memutils/pagetable"
)

var nextObjectID atomic.Uint64

// Object is a piece of device memory that can be bound into one or more address spaces. The object owns
// its bindings; address spaces only refer to them.
type Object struct {
	id       uint64
	size     int
	provider PageProvider
	name     string

	mutex    sync.Mutex
	pages    []pagetable.PhysAddr
	pagesPin int
	bindings *swiss.Map[*AddressSpace, *Binding]
	// evictedFrom holds the spaces whose eviction list names this object
	evictedFrom *swiss.Map[*AddressSpace, struct{}]
	destroyed   bool
}

// NewObject creates an Object of size bytes whose pages come from provider
func NewObject(size int, provider PageProvider) *Object {
	if size <= 0 {
		panic(errors.AssertionFailedf("object size must be greater than 0, but was %d", size))
	}

	return &Object{
		id:       nextObjectID.Add(1),
		size:     size,
		provider: provider,
		bindings:    swiss.NewMap[*AddressSpace, *Binding](4),
		evictedFrom: swiss.NewMap[*AddressSpace, struct{}](4),
	}
}

func (o *Object) ID() uint64 { return o.id }

func (o *Object) Size() int { return o.size }

func (o *Object) Name() string { return o.name }

func (o *Object) SetName(name string) { o.name = name }

// Binding returns the object's binding in space, if it has one
func (o *Object) Binding(space *AddressSpace) (*Binding, bool) {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	return o.bindings.Get(space)
}

// Bindings returns a snapshot of every live binding of the object
func (o *Object) Bindings() []*Binding {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	bindings := make([]*Binding, 0, o.bindings.Count())
	o.bindings.Iter(func(space *AddressSpace, binding *Binding) bool {
		bindings = append(bindings, binding)
		return false
	})
	return bindings
}

// PagesPinned reports how many bindings currently hold the object's pages
func (o *Object) PagesPinned() int {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	return o.pagesPin
}

// acquirePages pins the object's pages, fetching them from the provider on first use
func (o *Object) acquirePages(pageSize int) ([]pagetable.PhysAddr, error) {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	if o.destroyed {
		return nil, errors.Newf("object %d has been destroyed", o.id)
	}

	if o.pages == nil {
		if o.provider == nil {
			return nil, errors.Wrapf(memutils.ErrOutOfMemory, "object %d has no page provider", o.id)
		}

		pages, err := o.provider.GetPages(o)
		if err != nil {
			if !errors.Is(err, memutils.ErrOutOfMemory) {
				err = errors.Mark(err, memutils.ErrOutOfMemory)
			}
			return nil, errors.Wrapf(err, "failed to get pages for object %d", o.id)
		}
		o.pages = pages
	}

	needed := memutils.PageCount(o.size, pageSize)
	if supplied := len(o.pages); supplied < needed {
		if o.pagesPin == 0 {
			o.provider.PutPages(o, o.pages)
			o.pages = nil
		}
		return nil, errors.Wrapf(memutils.ErrOutOfMemory, "object %d needs %d pages but its provider supplied %d", o.id, needed, supplied)
	}

	o.pagesPin++
	return o.pages[:needed], nil
}

func (o *Object) releasePages() {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	if o.pagesPin <= 0 {
		panic(errors.AssertionFailedf("object %d released its pages more times than it acquired them", o.id))
	}

	o.pagesPin--
	if o.pagesPin == 0 && o.pages != nil {
		o.provider.PutPages(o, o.pages)
		o.pages = nil
	}
}

func (o *Object) attach(space *AddressSpace, binding *Binding) {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	o.bindings.Put(space, binding)
}

func (o *Object) detach(space *AddressSpace) {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	o.bindings.Delete(space)
}

// Destroy unbinds the object from every address space it is bound into. Unbinding waits for device work
// as Unbind does, and fails if any binding is pinned. Once every binding is gone the object can no longer
// be bound, and no space reports it as evicted.
func (o *Object) Destroy(ctx context.Context) error {
	for _, binding := range o.Bindings() {
		if err := binding.space.unbindObject(ctx, o); err != nil {
			return errors.Wrapf(err, "failed to unbind object %d", o.id)
		}
	}

	o.mutex.Lock()
	o.destroyed = true
	var evictedFrom []*AddressSpace
	o.evictedFrom.Iter(func(space *AddressSpace, _ struct{}) bool {
		evictedFrom = append(evictedFrom, space)
		return false
	})
	o.mutex.Unlock()

	for _, space := range evictedFrom {
		space.forgetEvicted(o)
	}
	return nil
}
