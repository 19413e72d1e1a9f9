package gvm

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/gpuvm/gvm/internal/utils"
	"github.com/vkngwrapper/gpuvm/memutils"
	"github.com/vkngwrapper/gpuvm/memutils/evict"
	"github.com/vkngwrapper/gpuvm/memutils/pagetable"
	"golang.org/x/exp/slog"
	"golang.org/x/sync/errgroup"
)

// ManagerOptions contains the settings for a new Manager
type ManagerOptions struct {
	// Flags may contain CreateExternallySynchronized, in which case neither the manager nor its spaces
	// take locks of their own
	Flags CreateFlags
	// Global is the shape of the global space. CreateGlobal is added to its flags.
	Global CreateOptions
	// Private is the default shape of private spaces
	Private CreateOptions
	// TableAllocator backs the page tables of every space, along with the shared scratch page. A
	// RuntimeAllocator is used if it is nil.
	TableAllocator pagetable.TableAllocator
}

// Manager owns the global address space and any number of private ones. Every space it creates shares
// one table allocator and one scratch page.
type Manager struct {
	logger *slog.Logger
	mutex  utils.OptionalRWMutex

	options        ManagerOptions
	tableAllocator pagetable.TableAllocator
	scratchPage    pagetable.PhysAddr

	global  *AddressSpace
	private *swiss.Map[*AddressSpace, struct{}]
}

// NewManager creates a Manager and its global space
//
// logger - passed on to every address space the manager creates
//
// options - the shape of the global space and the defaults for private spaces
func NewManager(logger *slog.Logger, options ManagerOptions) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}

	pageSize := options.Global.PageSize
	if pageSize == 0 {
		pageSize = DefaultPageSize
	}
	if options.Private.PageSize == 0 {
		options.Private.PageSize = pageSize
	}
	if options.Private.PageSize != pageSize {
		return nil, errors.Newf("private spaces must use the global page size %d, but requested %d", pageSize, options.Private.PageSize)
	}

	tableAllocator := options.TableAllocator
	if tableAllocator == nil {
		tableAllocator = pagetable.NewRuntimeAllocator(pagetable.PhysAddr(pageSize), pageSize)
	}

	scratchPage, err := tableAllocator.NewTable()
	if err != nil {
		return nil, errors.Wrap(err, "failed to allocate the shared scratch page")
	}

	manager := &Manager{
		logger:         logger,
		options:        options,
		tableAllocator: tableAllocator,
		scratchPage:    scratchPage,
		private:        swiss.NewMap[*AddressSpace, struct{}](8),
	}
	manager.mutex.Synchronize(options.Flags&CreateExternallySynchronized == 0)

	globalOptions := manager.spaceOptions(options.Global)
	globalOptions.Flags |= CreateGlobal
	manager.global, err = New(logger, globalOptions)
	if err != nil {
		tableAllocator.FreeTable(scratchPage)
		return nil, errors.Wrap(err, "failed to create the global address space")
	}

	return manager, nil
}

func (m *Manager) spaceOptions(options CreateOptions) CreateOptions {
	options.Flags |= m.options.Flags & CreateExternallySynchronized
	options.TableAllocator = m.tableAllocator
	options.ScratchPage = m.scratchPage
	return options
}

// Global returns the global address space
func (m *Manager) Global() *AddressSpace {
	return m.global
}

// ScratchPage returns the physical page that blanks unmapped entries in every space
func (m *Manager) ScratchPage() pagetable.PhysAddr {
	return m.scratchPage
}

// CreatePrivateSpace creates a private address space. If size is 0, the size from ManagerOptions.Private
// is used.
func (m *Manager) CreatePrivateSpace(size int) (*AddressSpace, error) {
	m.logger.Debug("Manager::CreatePrivateSpace")

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.global == nil {
		return nil, errors.New("attempted to create a private space in a destroyed manager")
	}

	options := m.spaceOptions(m.options.Private)
	options.Flags &^= CreateGlobal
	if size > 0 {
		options.Size = size
	}

	space, err := New(m.logger, options)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create a private address space")
	}

	m.private.Put(space, struct{}{})
	return space, nil
}

// DestroyPrivateSpace destroys a private space created by this manager. It fails if the space still has
// bindings or reserved ranges.
func (m *Manager) DestroyPrivateSpace(space *AddressSpace) error {
	m.logger.Debug("Manager::DestroyPrivateSpace")

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if !m.private.Has(space) {
		return errors.New("attempted to destroy an address space that is not a private space of this manager")
	}

	if err := space.Destroy(); err != nil {
		return err
	}

	m.private.Delete(space)
	return nil
}

// Spaces returns the global space followed by every private space
func (m *Manager) Spaces() []*AddressSpace {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	return m.spacesLocked()
}

func (m *Manager) spacesLocked() []*AddressSpace {
	spaces := make([]*AddressSpace, 0, m.private.Count()+1)
	if m.global != nil {
		spaces = append(spaces, m.global)
	}
	m.private.Iter(func(space *AddressSpace, _ struct{}) bool {
		spaces = append(spaces, space)
		return false
	})
	return spaces
}

// ManagerStatistics sums the usage of every space a Manager owns
type ManagerStatistics struct {
	memutils.DetailedStatistics
	Spaces         int
	Bindings       int
	ActiveBindings int
	PinnedBindings int
	PageTables     int
	Eviction       evict.Stats
}

// Statistics returns a snapshot summed over every space
func (m *Manager) Statistics() ManagerStatistics {
	m.logger.Debug("Manager::Statistics")

	m.mutex.RLock()
	defer m.mutex.RUnlock()

	var stats ManagerStatistics
	stats.Reset()
	for _, space := range m.spacesLocked() {
		spaceStats := space.Statistics()
		stats.Merge(&spaceStats.DetailedStatistics)
		stats.Spaces++
		stats.Bindings += spaceStats.Bindings
		stats.ActiveBindings += spaceStats.ActiveBindings
		stats.PinnedBindings += spaceStats.PinnedBindings
		stats.PageTables += spaceStats.PageTables
		stats.Eviction.Add(spaceStats.Eviction)
	}
	return stats
}

// EvictEverything runs EvictAll on every space concurrently. Spaces are independent: one space's
// failure neither rolls back nor interrupts another's evictions, and every space waits under ctx alone.
// The failures of all spaces are returned combined.
func (m *Manager) EvictEverything(ctx context.Context, flags EvictFlags) error {
	m.logger.Debug("Manager::EvictEverything")

	m.mutex.RLock()
	defer m.mutex.RUnlock()

	var group errgroup.Group
	var errMutex sync.Mutex
	var combined error
	for _, space := range m.spacesLocked() {
		group.Go(func() error {
			if err := space.EvictAll(ctx, flags); err != nil {
				errMutex.Lock()
				combined = errors.CombineErrors(combined, err)
				errMutex.Unlock()
			}
			return nil
		})
	}

	_ = group.Wait()
	return combined
}

// Destroy destroys every private space, then the global space, then frees the shared scratch page. It
// stops at the first space that cannot be destroyed.
func (m *Manager) Destroy() error {
	m.logger.Debug("Manager::Destroy")

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.global == nil {
		return errors.New("manager was already destroyed")
	}

	for _, space := range m.spacesLocked()[1:] {
		if err := space.Destroy(); err != nil {
			return errors.Wrap(err, "failed to destroy a private address space")
		}
		m.private.Delete(space)
	}

	if err := m.global.Destroy(); err != nil {
		return errors.Wrap(err, "failed to destroy the global address space")
	}
	m.global = nil

	m.tableAllocator.FreeTable(m.scratchPage)
	return nil
}
