package gvm

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/gpuvm/memutils/pagetable"
	"golang.org/x/exp/slog"
)

// DefaultMaxBucket is the largest bucket index used when ScratchPoolOptions.MaxBucket is left at 0.
// Buffers of 8 pages or more share the last bucket.
const DefaultMaxBucket = 3

// ScratchPoolOptions contains the settings for a new ScratchPool. Only Pages is required.
type ScratchPoolOptions struct {
	// Flags may contain CreateExternallySynchronized, in which case the pool takes no lock of its own
	Flags CreateFlags
	// MaxBucket is the index of the last bucket. Bucket i holds buffers of 2^i to 2^(i+1)-1 pages, and
	// the last bucket holds everything larger.
	MaxBucket int
	// Pages backs every buffer the pool creates
	Pages PageProvider

	// Cache and EntryFlags are used for every buffer's mapping
	Cache      pagetable.CacheLevel
	EntryFlags pagetable.EntryFlags
	// BindFlags are used when binding buffers. BindFixed is not permitted.
	BindFlags BindFlags
	// Alignment of every buffer's offset. It must be a power of two; 0 means page alignment.
	Alignment uint
}

// NewScratchPool creates a ScratchPool whose buffers are bound into space
//
// logger - receives debug logging for every public operation
//
// space - the address space buffers are bound into. It must outlive the pool.
//
// options - bucketing and mapping settings for the pool's buffers
func NewScratchPool(logger *slog.Logger, space *AddressSpace, options ScratchPoolOptions) (*ScratchPool, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if space == nil {
		return nil, errors.New("a scratch pool requires an address space")
	}
	if options.Pages == nil {
		return nil, errors.New("a scratch pool requires a page provider")
	}
	if options.BindFlags&BindFixed != 0 {
		return nil, errors.New("scratch buffers cannot be bound at a fixed offset")
	}
	if options.MaxBucket < 0 {
		return nil, errors.Newf("max bucket must be non-negative, but was %d", options.MaxBucket)
	}
	if options.MaxBucket == 0 {
		options.MaxBucket = DefaultMaxBucket
	}

	pool := &ScratchPool{
		logger:  logger,
		space:   space,
		options: options,
		buckets: make([][]*ScratchBuffer, options.MaxBucket+1),
	}
	pool.mutex.Synchronize(options.Flags&CreateExternallySynchronized == 0)

	return pool, nil
}
