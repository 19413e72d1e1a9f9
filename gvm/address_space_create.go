package gvm

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/gpuvm/gvm/internal/slotmap"
	"github.com/vkngwrapper/gpuvm/memutils"
	"github.com/vkngwrapper/gpuvm/memutils/metadata"
	"github.com/vkngwrapper/gpuvm/memutils/pagetable"
	"golang.org/x/exp/slog"
	"golang.org/x/time/rate"
)

const (
	// DefaultPageSize is the page size used when CreateOptions.PageSize is left at 0
	DefaultPageSize int = 4096
	// DefaultFanOut is the number of entries per page table used when CreateOptions.FanOut is left at 0
	DefaultFanOut int = 512
	// DefaultWaitTimeout bounds every wait for the device when CreateOptions.WaitTimeout is left at 0
	DefaultWaitTimeout = 2 * time.Second
)

// CreateOptions contains the settings for a new AddressSpace. Only Size is required.
type CreateOptions struct {
	// Flags indicates specific address space behaviors to activate or deactivate
	Flags CreateFlags
	// Size is the number of bytes of virtual address space to manage. It must be a multiple of PageSize.
	Size int
	// PageSize is the granularity of mappings. It must be a power of two.
	PageSize int
	// FanOut is the number of entries in each page table. It must be a power of two.
	FanOut int
	// ReservedSize bytes at the top of the space are withheld from every reservation and eviction
	ReservedSize int

	// ColorGuard enables coloring when it is greater than 0. Bindings whose cache levels differ are kept
	// at least ColorGuard bytes apart; the guard is rounded up to whole pages.
	ColorGuard int

	// Encoder produces the device's bit layout for page-table entries. Encoder64 is used if it is nil.
	Encoder pagetable.Encoder
	// TableAllocator provides the pages backing page tables. A RuntimeAllocator is used if it is nil.
	TableAllocator pagetable.TableAllocator
	// ScratchPage is the physical page every unmapped entry points at. If it is 0, a page is obtained
	// from TableAllocator and returned when the space is destroyed.
	ScratchPage pagetable.PhysAddr

	// Oracle reports device completion. If it is nil, every binding is treated as idle.
	Oracle CompletionOracle
	// Hang is consulted before every blocking wait. If it is nil, the device is never considered hung.
	Hang HangSignal
	// WaitTimeout bounds every wait for the device
	WaitTimeout time.Duration
}

// New creates an AddressSpace
//
// logger - receives debug logging for every public operation, along with warnings and errors
//
// options - the shape of the space and its collaborators
func New(logger *slog.Logger, options CreateOptions) (*AddressSpace, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if options.PageSize == 0 {
		options.PageSize = DefaultPageSize
	}
	if options.FanOut == 0 {
		options.FanOut = DefaultFanOut
	}
	if options.WaitTimeout == 0 {
		options.WaitTimeout = DefaultWaitTimeout
	}
	if options.Oracle == nil {
		options.Oracle = idleOracle{}
	}
	if options.Hang == nil {
		options.Hang = neverHung{}
	}

	geometry, err := pagetable.NewGeometry(options.Size, options.PageSize, options.FanOut)
	if err != nil {
		return nil, errors.Wrap(err, "invalid address space geometry")
	}

	if options.ReservedSize < 0 || options.ReservedSize >= options.Size {
		return nil, errors.Newf("reserved size %d must be non-negative and smaller than the space size %d", options.ReservedSize, options.Size)
	}
	if !memutils.IsAligned(options.ReservedSize, uint(options.PageSize)) {
		return nil, errors.Wrapf(memutils.ErrMisaligned, "reserved size %d is not a multiple of the page size %d", options.ReservedSize, options.PageSize)
	}

	if options.TableAllocator == nil {
		options.TableAllocator = pagetable.NewRuntimeAllocator(pagetable.PhysAddr(options.PageSize), options.PageSize)
	}

	var colorCheck metadata.ColorCheck = metadata.NoColorCheck{}
	if options.ColorGuard > 0 {
		colorCheck = metadata.GuardColorCheck{Guard: memutils.AlignUp(options.ColorGuard, uint(options.PageSize))}
	}

	space := &AddressSpace{
		logger:         logger,
		flags:          options.Flags,
		geometry:       geometry,
		reservedSize:   options.ReservedSize,
		waitTimeout:    options.WaitTimeout,
		colorCheck:     colorCheck,
		ranges:         metadata.NewRangeManager(options.Size, colorCheck),
		tableAllocator: options.TableAllocator,
		scratchPage:    options.ScratchPage,
		reservedHandle: metadata.NoAllocation,
		oracle:         options.Oracle,
		hang:           options.Hang,
		byObject:       swiss.NewMap[*Object, *Binding](42),
		unboundKeys:    swiss.NewMap[*Object, slotmap.Key](8),
		pressureLog:    rate.Sometimes{First: 1, Interval: time.Second},
	}
	space.mutex.Synchronize(options.Flags&CreateExternallySynchronized == 0)

	if space.scratchPage == 0 {
		space.scratchPage, err = options.TableAllocator.NewTable()
		if err != nil {
			return nil, errors.Wrap(err, "failed to allocate the scratch page")
		}
		space.ownsScratch = true
	}

	space.tables, err = pagetable.NewTables(geometry, space.scratchPage, options.Encoder, options.TableAllocator)
	if err != nil {
		if space.ownsScratch {
			options.TableAllocator.FreeTable(space.scratchPage)
		}
		return nil, err
	}

	if options.ReservedSize > 0 {
		space.reservedHandle, err = space.ranges.Reserve(options.Size-options.ReservedSize, options.ReservedSize)
		if err != nil {
			space.tables.Destroy()
			if space.ownsScratch {
				options.TableAllocator.FreeTable(space.scratchPage)
			}
			return nil, err
		}
	}

	return space, nil
}
