package gvm

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/gpuvm/gvm/internal/utils"
	"github.com/vkngwrapper/gpuvm/memutils"
	"golang.org/x/exp/slog"
)

// ScratchPool hands out short-lived buffers bound into an address space. Released buffers stay bound and
// are handed out again once the device is done with them, so most acquisitions need neither new pages
// nor new page-table entries.
//
// Idle buffers are unpinned, so the space may evict them under pressure. An evicted buffer keeps its
// pages' provider and is bound again the next time it is handed out.
type ScratchPool struct {
	logger  *slog.Logger
	mutex   utils.OptionalMutex
	space   *AddressSpace
	options ScratchPoolOptions

	// buckets hold idle buffers, least recently released first
	buckets     [][]*ScratchBuffer
	outstanding int
	created     int
	reused      int
	torndown    bool
}

// ScratchBuffer is a pinned, bound buffer handed out by ScratchPool.Acquire. It must be returned with
// Release.
type ScratchBuffer struct {
	pool    *ScratchPool
	object  *Object
	binding *Binding
	pin     *PinHandle
	bucket  int
}

func (b *ScratchBuffer) Object() *Object { return b.object }

// Binding returns the buffer's binding. It is only valid until the buffer is released.
func (b *ScratchBuffer) Binding() *Binding { return b.binding }

// Offset returns the first byte of the buffer within its address space
func (b *ScratchBuffer) Offset() int { return b.binding.Offset() }

// Size returns the buffer's capacity in bytes
func (b *ScratchBuffer) Size() int { return b.object.Size() }

// Release unpins the buffer and returns it to its pool. Releasing a buffer twice panics.
func (b *ScratchBuffer) Release() {
	b.pool.release(b)
}

// BucketFor returns the index of the bucket that serves requests of size bytes
func (p *ScratchPool) BucketFor(size int) int {
	pages := memutils.PageCount(size, p.space.PageSize())
	return memutils.Clamp(memutils.Log2Floor(pages), 0, p.options.MaxBucket)
}

func (p *ScratchPool) bindOptions() BindOptions {
	return BindOptions{
		Alignment:  p.options.Alignment,
		Cache:      p.options.Cache,
		EntryFlags: p.options.EntryFlags,
		Flags:      p.options.BindFlags,
	}
}

// Acquire returns a pinned buffer of at least minSize bytes. The oldest idle buffer in minSize's bucket
// that is large enough and that the completion oracle reports idle is reused. If there is none, a new
// buffer of minSize bytes rounded up to whole pages is created and bound. Binding failures are returned
// unchanged.
func (p *ScratchPool) Acquire(ctx context.Context, minSize int) (*ScratchBuffer, error) {
	p.logger.Debug("ScratchPool::Acquire")

	if minSize <= 0 {
		return nil, errors.Newf("scratch buffer size must be greater than 0, but was %d", minSize)
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.torndown {
		return nil, errors.New("attempted to acquire a buffer from a scratch pool that was torn down")
	}

	bucketIndex := p.BucketFor(minSize)
	bucket := p.buckets[bucketIndex]
	for i, buffer := range bucket {
		if buffer.object.Size() < minSize {
			continue
		}

		binding, pin, err := p.space.claimIdle(ctx, buffer.object, p.bindOptions())
		if err != nil {
			return nil, err
		}
		if binding == nil {
			// Still in use by the device
			continue
		}

		p.buckets[bucketIndex] = append(bucket[:i:i], bucket[i+1:]...)
		buffer.binding = binding
		buffer.pin = pin
		p.outstanding++
		p.reused++
		return buffer, nil
	}

	size := memutils.AlignUp(minSize, uint(p.space.PageSize()))
	object := NewObject(size, p.options.Pages)
	object.SetName("scratch")

	binding, pin, err := p.space.claimIdle(ctx, object, p.bindOptions())
	if err != nil {
		return nil, errors.Wrapf(err, "failed to bind a new %d-byte scratch buffer", size)
	}

	p.outstanding++
	p.created++
	return &ScratchBuffer{
		pool:    p,
		object:  object,
		binding: binding,
		pin:     pin,
		bucket:  p.BucketFor(size),
	}, nil
}

func (p *ScratchPool) release(buffer *ScratchBuffer) {
	p.logger.Debug("ScratchPool::Release")

	p.mutex.Lock()
	defer p.mutex.Unlock()

	if buffer.pin == nil {
		panic(errors.AssertionFailedf("attempted to release scratch buffer %d, which is not acquired", buffer.object.ID()))
	}

	buffer.pin.Release()
	buffer.pin = nil
	buffer.binding = nil
	p.outstanding--

	if p.torndown {
		if err := buffer.object.Destroy(context.Background()); err != nil {
			p.logger.Error("failed to destroy a scratch buffer released after teardown",
				slog.Uint64("object", buffer.object.ID()),
				slog.String("error", err.Error()),
			)
		}
		return
	}

	p.buckets[buffer.bucket] = append(p.buckets[buffer.bucket], buffer)
}

// Teardown unbinds and destroys every idle buffer. Buffers the device may still be using are waited on,
// for at most the space's wait timeout each, unless deviceIdle asserts that the device has finished all
// work. Buffers still acquired are destroyed when they are released. The pool cannot be used afterward.
func (p *ScratchPool) Teardown(ctx context.Context, deviceIdle bool) error {
	p.logger.Debug("ScratchPool::Teardown")

	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.torndown {
		return errors.New("scratch pool was already torn down")
	}
	p.torndown = true

	var err error
	for bucketIndex, bucket := range p.buckets {
		for _, buffer := range bucket {
			dropErr := p.space.dropObject(ctx, buffer.object, deviceIdle)
			if dropErr == nil {
				dropErr = buffer.object.Destroy(ctx)
			}
			if dropErr != nil {
				err = errors.CombineErrors(err, errors.Wrapf(dropErr, "failed to tear down scratch buffer %d", buffer.object.ID()))
			}
		}
		p.buckets[bucketIndex] = nil
	}

	if p.outstanding > 0 {
		p.logger.Warn("scratch pool torn down with buffers still acquired", slog.Int("outstanding", p.outstanding))
	}

	return err
}

// ScratchPoolStatistics holds a snapshot of a pool's contents
type ScratchPoolStatistics struct {
	// Idle is the number of idle buffers in each bucket
	Idle []int
	// IdleBytes is the combined capacity of the idle buffers
	IdleBytes int
	// Outstanding is the number of buffers currently acquired
	Outstanding int
	// Created is the number of buffers the pool has created
	Created int
	// Reused is the number of acquisitions served by an idle buffer
	Reused int
}

func (p *ScratchPool) Statistics() ScratchPoolStatistics {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	stats := ScratchPoolStatistics{
		Idle:        make([]int, len(p.buckets)),
		Outstanding: p.outstanding,
		Created:     p.created,
		Reused:      p.reused,
	}
	for bucketIndex, bucket := range p.buckets {
		stats.Idle[bucketIndex] = len(bucket)
		for _, buffer := range bucket {
			stats.IdleBytes += buffer.object.Size()
		}
	}
	return stats
}

// claimIdle pins object's binding if the completion oracle reports it idle, binding the object first if
// it has no binding. It returns a nil binding if the object is bound and still in use by the device.
func (s *AddressSpace) claimIdle(ctx context.Context, object *Object, options BindOptions) (*Binding, *PinHandle, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.destroyed {
		return nil, nil, errors.New("attempted to bind into a destroyed address space")
	}

	if existing, bound := s.byObject.Get(object); bound && !s.retireBindingLocked(existing) {
		return nil, nil, nil
	}

	binding, err := s.bindLocked(ctx, object, options)
	if err != nil {
		return nil, nil, err
	}

	return binding, binding.pinLocked(), nil
}

// dropObject unbinds object from the space, if it is bound. If assumeIdle is set, outstanding device work
// is taken to have completed without asking the completion oracle.
func (s *AddressSpace) dropObject(ctx context.Context, object *Object, assumeIdle bool) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	binding, bound := s.byObject.Get(object)
	if !bound {
		return nil
	}

	if assumeIdle && binding.state == BindingStateActive {
		s.markInactiveLocked(binding)
	}
	return s.unbindBindingLocked(ctx, binding, true)
}
