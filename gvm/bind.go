package gvm

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/gpuvm/gvm/internal/slotmap"
	"github.com/vkngwrapper/gpuvm/memutils"
	"github.com/vkngwrapper/gpuvm/memutils/metadata"
	"github.com/vkngwrapper/gpuvm/memutils/pagetable"
)

// BindOptions controls where and how an object is mapped by AddressSpace.Bind
type BindOptions struct {
	// Alignment of the binding's offset. It must be a power of two; 0 means page alignment.
	Alignment uint
	// Start and End bound the placement. An End of 0 means the top of the usable space.
	Start, End int
	// Offset is the exact placement when Flags contains BindFixed
	Offset int
	// Cache is written into every leaf entry and, when the space colors its ranges, is the binding's color
	Cache pagetable.CacheLevel
	// EntryFlags are written into every leaf entry
	EntryFlags pagetable.EntryFlags
	Flags      BindFlags
}

func (o BindOptions) evictFlags() EvictFlags {
	if o.Flags&BindAllowBlocking != 0 {
		return EvictAllowBlocking
	}
	return 0
}

type lockedSpace struct {
	space *AddressSpace
}

func (l lockedSpace) Validate() error {
	return l.space.validateLocked()
}

func (s *AddressSpace) colorFor(cache pagetable.CacheLevel) metadata.Color {
	if s.colorCheck.GuardSize() == 0 {
		return 0
	}
	return metadata.Color(cache)
}

func (s *AddressSpace) bindingFits(binding *Binding, options BindOptions, color metadata.Color) bool {
	if binding.color != color || binding.cache != options.Cache || binding.entryFlags != options.EntryFlags {
		return false
	}
	if options.Alignment > 0 && !memutils.IsAligned(binding.offset, options.Alignment) {
		return false
	}
	if options.Flags&BindFixed != 0 {
		return binding.offset == options.Offset
	}
	if binding.offset < options.Start {
		return false
	}
	return options.End == 0 || binding.End() <= options.End
}

// Bind maps object into the space and returns its Binding. If the object is already bound somewhere
// that satisfies options, the existing binding is returned. If it is bound somewhere that does not,
// it is unbound first, which fails with memutils.ErrBusy if the binding is pinned.
//
// When no free range exists, Bind evicts other bindings unless options.Flags contains BindNoEvict.
// Eviction waits for the device only when BindAllowBlocking is set, and falls back to evicting the
// whole space only when BindEvictAll is set. New bindings start out inactive.
func (s *AddressSpace) Bind(ctx context.Context, object *Object, options BindOptions) (*Binding, error) {
	s.logger.Debug("AddressSpace::Bind")

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.destroyed {
		return nil, errors.New("attempted to bind into a destroyed address space")
	}

	return s.bindLocked(ctx, object, options)
}

func (s *AddressSpace) bindLocked(ctx context.Context, object *Object, options BindOptions) (*Binding, error) {
	color := s.colorFor(options.Cache)

	if existing, bound := s.byObject.Get(object); bound {
		if s.bindingFits(existing, options, color) {
			return existing, nil
		}

		err := s.unbindBindingLocked(ctx, existing, options.Flags&BindAllowBlocking != 0)
		if err != nil {
			return nil, errors.Wrapf(err, "object %d is bound at a placement that does not satisfy the request", object.id)
		}
	}

	pages, err := object.acquirePages(s.geometry.PageSize)
	if err != nil {
		return nil, err
	}

	binding := &Binding{
		space:      s,
		object:     object,
		color:      color,
		cache:      options.Cache,
		entryFlags: options.EntryFlags,
		state:      BindingStateBinding,
	}

	r, err := s.placeLocked(ctx, object.size, options, color, binding)
	if err != nil {
		object.releasePages()
		return nil, err
	}

	binding.handle = r.handle
	binding.offset = r.Offset
	binding.size = r.Size

	err = s.insertEntriesLocked(r, pages, options.Cache, options.EntryFlags)
	if err != nil {
		s.releaseLocked(r)
		object.releasePages()
		binding.state = BindingStateUnbound
		return nil, err
	}

	s.nextSequence++
	binding.sequence = s.nextSequence
	binding.state = BindingStateInactive
	binding.boundKey = s.bound.Insert(binding)
	s.byObject.Put(object, binding)
	s.forgetEvictedLocked(object)
	object.attach(s, binding)

	memutils.DebugValidate(lockedSpace{space: s})
	return binding, nil
}

func (s *AddressSpace) placeLocked(ctx context.Context, objectSize int, options BindOptions, color metadata.Color, binding *Binding) (Range, error) {
	size := memutils.AlignUp(objectSize, uint(s.geometry.PageSize))

	if options.Flags&BindFixed != 0 {
		r, err := s.reserveFixedLocked(options.Offset, size, color, binding)
		if err == nil || options.Flags&BindNoEvict != 0 ||
			!(errors.Is(err, memutils.ErrOutOfSpace) || errors.Is(err, memutils.ErrColorConflict)) {
			return r, err
		}

		err = s.evictForNodeLocked(ctx, options.Offset, size, color, options.evictFlags())
		if err != nil {
			return Range{}, err
		}
		return s.reserveFixedLocked(options.Offset, size, color, binding)
	}

	request := ReserveRequest{
		Size:      size,
		Alignment: options.Alignment,
		Color:     color,
		Start:     options.Start,
		End:       options.End,
		Flags:     options.Flags,
	}

	r, err := s.reserveLocked(request, binding)
	if err == nil || options.Flags&BindNoEvict != 0 || !errors.Is(err, memutils.ErrOutOfSpace) {
		return r, err
	}

	err = s.evictForRequestLocked(ctx, EvictRequest{
		Size:      size,
		Alignment: options.Alignment,
		Color:     color,
		Start:     options.Start,
		End:       options.End,
		High:      options.Flags&BindHigh != 0,
		Flags:     options.evictFlags(),
	})
	if err != nil && errors.Is(err, memutils.ErrOutOfSpace) && options.Flags&BindEvictAll != 0 {
		err = s.evictAllLocked(ctx, options.evictFlags())
	}
	if err != nil {
		return Range{}, err
	}

	return s.reserveLocked(request, binding)
}

// Unbind clears the binding's entries, returns its range, and drops the object's pages if no other
// binding holds them. An active binding is waited on first, for at most the space's wait timeout.
// Unbinding a pinned binding fails with memutils.ErrBusy; unbinding a binding twice panics.
func (s *AddressSpace) Unbind(ctx context.Context, binding *Binding) error {
	s.logger.Debug("AddressSpace::Unbind")

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if binding.space != s {
		panic(errors.AssertionFailedf("attempted to unbind object %d from a space it does not belong to", binding.object.id))
	}
	if binding.state == BindingStateUnbound {
		panic(errors.AssertionFailedf("attempted to unbind object %d, which is already unbound", binding.object.id))
	}

	return s.unbindBindingLocked(ctx, binding, true)
}

func (s *AddressSpace) unbindObject(ctx context.Context, object *Object) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	binding, bound := s.byObject.Get(object)
	if !bound {
		return nil
	}
	return s.unbindBindingLocked(ctx, binding, true)
}

func (s *AddressSpace) unbindBindingLocked(ctx context.Context, binding *Binding, allowBlocking bool) error {
	if binding.pins > 0 {
		return errors.Wrapf(memutils.ErrBusy, "binding of object %d is pinned", binding.object.id)
	}

	if binding.state == BindingStateActive && !s.retireBindingLocked(binding) {
		if !allowBlocking {
			return errors.Wrapf(memutils.ErrBusy, "binding of object %d is still in use by the device", binding.object.id)
		}
		if err := s.waitIdleLocked(ctx, []*Binding{binding}); err != nil {
			return err
		}
	}

	s.releaseBindingLocked(binding, false)
	memutils.DebugValidate(lockedSpace{space: s})
	return nil
}

// releaseBindingLocked tears a binding down. Entries are cleared before the range and the pages are
// returned, so no entry ever translates to memory that has been handed back.
func (s *AddressSpace) releaseBindingLocked(binding *Binding, evicted bool) {
	r := Range{
		Offset: binding.offset,
		Size:   binding.size,
		Color:  binding.color,
		handle: binding.handle,
	}
	s.clearRangeLocked(r)
	s.releaseLocked(r)

	if !binding.activeKey.IsNil() {
		s.active.Remove(binding.activeKey)
		binding.activeKey = slotmap.NilKey
	}
	s.bound.Remove(binding.boundKey)
	binding.boundKey = slotmap.NilKey
	s.byObject.Delete(binding.object)

	binding.object.detach(s)
	binding.object.releasePages()

	binding.state = BindingStateUnbound
	binding.handle = metadata.NoAllocation

	if evicted {
		s.rememberEvictedLocked(binding.object)
	}
}

// MarkActive records that device work referencing binding has been submitted. The binding stays
// active until the completion oracle reports it idle during Retire or a wait.
func (s *AddressSpace) MarkActive(binding *Binding) {
	s.logger.Debug("AddressSpace::MarkActive")

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if binding.space != s {
		panic(errors.AssertionFailedf("attempted to mark object %d active in a space it does not belong to", binding.object.id))
	}

	switch binding.state {
	case BindingStateActive:
	case BindingStateInactive:
		binding.state = BindingStateActive
		binding.activeKey = s.active.Insert(binding)
	default:
		panic(errors.AssertionFailedf("attempted to mark a binding of object %d active in state %s", binding.object.id, binding.state))
	}
}

// Retire asks the completion oracle about every active binding and marks the idle ones inactive. It
// returns the number of bindings retired.
func (s *AddressSpace) Retire() int {
	s.logger.Debug("AddressSpace::Retire")

	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.retireLocked()
}

func (s *AddressSpace) retireLocked() int {
	var idle []*Binding
	s.active.Each(func(key slotmap.Key, binding *Binding) bool {
		if s.oracle.IsIdle(binding) {
			idle = append(idle, binding)
		}
		return true
	})

	for _, binding := range idle {
		s.markInactiveLocked(binding)
	}
	return len(idle)
}

// RetireBinding marks binding inactive if the completion oracle reports it idle, and reports whether
// the binding is now inactive.
func (s *AddressSpace) RetireBinding(binding *Binding) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.retireBindingLocked(binding)
}

func (s *AddressSpace) retireBindingLocked(binding *Binding) bool {
	switch binding.state {
	case BindingStateInactive:
		return true
	case BindingStateActive:
		if s.oracle.IsIdle(binding) {
			s.markInactiveLocked(binding)
			return true
		}
	}
	return false
}

func (s *AddressSpace) markInactiveLocked(binding *Binding) {
	s.active.Remove(binding.activeKey)
	binding.activeKey = slotmap.NilKey
	binding.state = BindingStateInactive
}

// WaitIdle blocks until the device is done with binding, for at most the space's wait timeout. It
// fails with memutils.ErrDeviceHung if the device is hung or ctx is cancelled, and with
// memutils.ErrBusy if the timeout expires first.
func (s *AddressSpace) WaitIdle(ctx context.Context, binding *Binding) error {
	s.logger.Debug("AddressSpace::WaitIdle")

	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.waitIdleLocked(ctx, []*Binding{binding})
}

func (s *AddressSpace) waitIdleLocked(ctx context.Context, bindings []*Binding) error {
	var pending []*Binding
	for _, binding := range bindings {
		if binding.state == BindingStateActive && !s.retireBindingLocked(binding) {
			pending = append(pending, binding)
		}
	}
	if len(pending) == 0 {
		return nil
	}

	if s.hang.Hung() {
		return errors.Wrapf(memutils.ErrDeviceHung, "refusing to wait for %d active bindings", len(pending))
	}

	waitCtx, cancel := context.WithTimeout(ctx, s.waitTimeout)
	defer cancel()

	if hung := s.hang.Done(); hung != nil {
		go func() {
			select {
			case <-hung:
				cancel()
			case <-waitCtx.Done():
			}
		}()
	}

	for _, binding := range pending {
		err := s.oracle.Wait(waitCtx, binding)
		switch {
		case err == nil:
			s.markInactiveLocked(binding)
		case s.hang.Hung():
			return errors.Wrapf(memutils.ErrDeviceHung, "device hung while waiting for object %d", binding.object.id)
		case ctx.Err() != nil:
			return errors.Wrapf(memutils.ErrDeviceHung, "wait for object %d was abandoned: %s", binding.object.id, ctx.Err())
		case waitCtx.Err() != nil:
			return errors.Wrapf(memutils.ErrBusy, "timed out after %s waiting for object %d", s.waitTimeout, binding.object.id)
		default:
			return errors.Wrapf(memutils.ErrDeviceHung, "wait for object %d failed: %s", binding.object.id, err)
		}
	}

	return nil
}
