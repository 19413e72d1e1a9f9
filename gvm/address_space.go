package gvm

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/gpuvm/gvm/internal/slotmap"
	"github.com/vkngwrapper/gpuvm/gvm/internal/utils"
	"github.com/vkngwrapper/gpuvm/memutils"
	"github.com/vkngwrapper/gpuvm/memutils/evict"
	"github.com/vkngwrapper/gpuvm/memutils/metadata"
	"github.com/vkngwrapper/gpuvm/memutils/pagetable"
	"golang.org/x/exp/slog"
	"golang.org/x/time/rate"
)

// AddressSpace owns one device-visible virtual range: the free-range bookkeeping, the page-table
// hierarchy that backs it, and the bindings of objects mapped into it. Every operation on the space,
// its bindings, and their pins is serialized by a single per-space lock.
type AddressSpace struct {
	logger *slog.Logger
	mutex  utils.OptionalMutex
	flags  CreateFlags

	geometry     pagetable.Geometry
	reservedSize int
	waitTimeout  time.Duration

	colorCheck     metadata.ColorCheck
	ranges         *metadata.RangeManager
	tables         *pagetable.Tables
	tableAllocator pagetable.TableAllocator
	scratchPage    pagetable.PhysAddr
	ownsScratch    bool
	reservedHandle metadata.AllocationHandle

	oracle CompletionOracle
	hang   HangSignal

	bound        slotmap.Map[*Binding]
	active       slotmap.Map[*Binding]
	unbound      slotmap.Map[*Object]
	unboundKeys  *swiss.Map[*Object, slotmap.Key]
	byObject     *swiss.Map[*Object, *Binding]
	nextSequence uint64

	evictStats  evict.Stats
	pressureLog rate.Sometimes
	destroyed   bool
}

// Range is a reserved stretch of an address space. Ranges returned by Reserve and ReserveFixed belong
// to the caller, who writes entries into them with InsertEntries and returns them with Release.
type Range struct {
	Offset int
	Size   int
	Color  metadata.Color

	handle metadata.AllocationHandle
}

// End returns the first byte past the range
func (r Range) End() int { return r.Offset + r.Size }

// ReserveRequest describes the range Reserve should find
type ReserveRequest struct {
	// Size is rounded up to whole pages
	Size int
	// Alignment must be a power of two. Alignments smaller than a page are raised to a page.
	Alignment uint
	// Color is the compatibility tag of the range. It only matters when the space has a ColorGuard.
	Color metadata.Color
	// Start and End bound the placement. An End of 0 means the top of the usable space.
	Start, End int
	// Flags may contain BindHigh and BindBestFit
	Flags BindFlags
}

// Size returns the total number of bytes the space manages, reserved bytes included
func (s *AddressSpace) Size() int { return s.geometry.Size() }

func (s *AddressSpace) PageSize() int { return s.geometry.PageSize }

func (s *AddressSpace) Geometry() pagetable.Geometry { return s.geometry }

// ReservedSize returns the number of bytes withheld at the top of the space
func (s *AddressSpace) ReservedSize() int { return s.reservedSize }

// ScratchPage returns the physical page every unmapped entry points at
func (s *AddressSpace) ScratchPage() pagetable.PhysAddr { return s.scratchPage }

// IsGlobal reports whether the space was created with CreateGlobal
func (s *AddressSpace) IsGlobal() bool { return s.flags&CreateGlobal != 0 }

func (s *AddressSpace) usableEnd() int {
	return s.geometry.Size() - s.reservedSize
}

func (s *AddressSpace) buildRequest(request ReserveRequest) (metadata.Request, error) {
	pageSize := uint(s.geometry.PageSize)

	alignment := request.Alignment
	if alignment == 0 {
		alignment = pageSize
	}
	if err := memutils.CheckPow2(alignment, "alignment"); err != nil {
		return metadata.Request{}, errors.Wrapf(memutils.ErrMisaligned, "alignment %d is not a power of two", alignment)
	}
	if alignment < pageSize {
		alignment = pageSize
	}

	end := request.End
	if end == 0 || end > s.usableEnd() {
		end = s.usableEnd()
	}

	strategy := metadata.AllocationStrategyMinOffset
	if request.Flags&BindBestFit != 0 {
		strategy = metadata.AllocationStrategyMinMemory
	}

	size := memutils.AlignUp(request.Size, pageSize)
	if size <= 0 {
		return metadata.Request{}, errors.Newf("reservation size must be greater than 0, but was %d", request.Size)
	}

	return metadata.Request{
		Size:      size,
		Alignment: alignment,
		Color:     request.Color,
		Start:     memutils.AlignUp(request.Start, pageSize),
		End:       memutils.AlignDown(end, pageSize),
		Strategy:  strategy,
		Upper:     request.Flags&BindHigh != 0,
	}, nil
}

// Reserve finds a free range satisfying request and marks it used. It never evicts: if no range exists
// it fails with memutils.ErrOutOfSpace, and the caller may use EvictForRequest and try again.
func (s *AddressSpace) Reserve(request ReserveRequest) (Range, error) {
	s.logger.Debug("AddressSpace::Reserve")

	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.reserveLocked(request, nil)
}

func (s *AddressSpace) reserveLocked(request ReserveRequest, userData any) (Range, error) {
	metaRequest, err := s.buildRequest(request)
	if err != nil {
		return Range{}, err
	}

	metaRequest, err = s.ranges.ResolveRequest(metaRequest)
	if err != nil {
		if errors.Is(err, memutils.ErrMisaligned) {
			return Range{}, err
		}
		return Range{}, errors.Wrapf(memutils.ErrOutOfSpace, "unsatisfiable reservation: %s", err)
	}

	success, allocRequest, err := s.ranges.CreateAllocationRequest(metaRequest)
	if err != nil {
		return Range{}, err
	}
	if !success {
		return Range{}, errors.Wrapf(memutils.ErrOutOfSpace, "no free range of %d bytes in [%d, %d)", metaRequest.Size, metaRequest.Start, metaRequest.End)
	}

	handle, err := s.ranges.Alloc(allocRequest, userData)
	if err != nil {
		return Range{}, err
	}

	return Range{
		Offset: allocRequest.Offset,
		Size:   allocRequest.Size,
		Color:  allocRequest.Color,
		handle: handle,
	}, nil
}

// ReserveFixed marks [offset, offset+size) used. offset and size must be page aligned. The call fails
// with memutils.ErrOutOfSpace if any of the range is in use or reserved, and with
// memutils.ErrColorConflict if it would sit too close to an incompatibly colored neighbour.
func (s *AddressSpace) ReserveFixed(offset, size int, color metadata.Color) (Range, error) {
	s.logger.Debug("AddressSpace::ReserveFixed")

	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.reserveFixedLocked(offset, size, color, nil)
}

func (s *AddressSpace) reserveFixedLocked(offset, size int, color metadata.Color, userData any) (Range, error) {
	pageSize := uint(s.geometry.PageSize)
	if !memutils.IsAligned(offset, pageSize) || !memutils.IsAligned(size, pageSize) {
		return Range{}, errors.Wrapf(memutils.ErrMisaligned, "range [%d, %d) is not aligned to the page size %d", offset, offset+size, pageSize)
	}
	if size <= 0 {
		return Range{}, errors.Newf("reservation size must be greater than 0, but was %d", size)
	}
	if offset < 0 || offset+size > s.usableEnd() {
		return Range{}, errors.Wrapf(memutils.ErrOutOfSpace, "range [%d, %d) lies outside the usable space [0, %d)", offset, offset+size, s.usableEnd())
	}

	handle, err := s.ranges.AllocFixed(offset, size, color, userData)
	if err != nil {
		return Range{}, err
	}

	return Range{
		Offset: offset,
		Size:   size,
		Color:  color,
		handle: handle,
	}, nil
}

// checkEntryOwner panics if r belongs to a binding that is not being bound
func (s *AddressSpace) checkEntryOwner(r Range) {
	userData, err := s.ranges.AllocationUserData(r.handle)
	if err != nil {
		panic(errors.NewAssertionErrorWithWrappedErrf(err, "range [%d, %d) is not reserved in this space", r.Offset, r.End()))
	}

	if binding, isBinding := userData.(*Binding); isBinding && binding.state != BindingStateBinding {
		panic(errors.AssertionFailedf("attempted to write page-table entries for a binding of object %d in state %s", binding.object.id, binding.state))
	}
}

// InsertEntries maps pages into r, one leaf entry per page, creating page tables as needed. r must come
// from Reserve or ReserveFixed and pages must hold exactly one address per page of r. If a page table
// cannot be allocated, no entries remain written and the error matches memutils.ErrOutOfMemory.
func (s *AddressSpace) InsertEntries(r Range, pages []pagetable.PhysAddr, cache pagetable.CacheLevel, flags pagetable.EntryFlags) error {
	s.logger.Debug("AddressSpace::InsertEntries")

	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.insertEntriesLocked(r, pages, cache, flags)
}

func (s *AddressSpace) insertEntriesLocked(r Range, pages []pagetable.PhysAddr, cache pagetable.CacheLevel, flags pagetable.EntryFlags) error {
	s.checkEntryOwner(r)

	pageCount := r.Size / s.geometry.PageSize
	if len(pages) != pageCount {
		return errors.Newf("range [%d, %d) holds %d pages, but %d page addresses were provided", r.Offset, r.End(), pageCount, len(pages))
	}

	return s.tables.Insert(r.Offset/s.geometry.PageSize, pages, cache, flags)
}

// ClearRange points every entry in r back at the scratch page and frees page tables left empty
func (s *AddressSpace) ClearRange(r Range) {
	s.logger.Debug("AddressSpace::ClearRange")

	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.clearRangeLocked(r)
}

func (s *AddressSpace) clearRangeLocked(r Range) {
	s.tables.Clear(r.Offset/s.geometry.PageSize, r.Size/s.geometry.PageSize)
}

// Release returns r to free space. Entries must already have been cleared with ClearRange. Releasing a
// range twice, or releasing a range that belongs to a binding, panics.
func (s *AddressSpace) Release(r Range) {
	s.logger.Debug("AddressSpace::Release")

	s.mutex.Lock()
	defer s.mutex.Unlock()

	userData, err := s.ranges.AllocationUserData(r.handle)
	if err == nil {
		if binding, isBinding := userData.(*Binding); isBinding {
			panic(errors.AssertionFailedf("attempted to release the range of a binding of object %d directly", binding.object.id))
		}
	}

	s.releaseLocked(r)
}

func (s *AddressSpace) releaseLocked(r Range) {
	err := s.ranges.Free(r.handle)
	if err != nil {
		panic(errors.NewAssertionErrorWithWrappedErrf(err, "attempted to release range [%d, %d), which is not reserved", r.Offset, r.End()))
	}
}

// Translate returns the leaf entry that maps offset
func (s *AddressSpace) Translate(offset int) pagetable.Entry {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.tables.Lookup(offset / s.geometry.PageSize)
}

// Lookup returns object's binding in this space, if it has one
func (s *AddressSpace) Lookup(object *Object) (*Binding, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.byObject.Get(object)
}

// Bindings returns a snapshot of every binding in the space, in ascending offset order
func (s *AddressSpace) Bindings() []*Binding {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	var bindings []*Binding
	s.ranges.VisitRange(0, s.geometry.Size(), func(region metadata.Region) bool {
		if binding, isBinding := region.UserData.(*Binding); isBinding {
			bindings = append(bindings, binding)
		}
		return true
	})
	return bindings
}

// TakeEvicted returns the objects that lost their binding in this space to eviction since the last
// call, oldest first, and forgets them. Destroyed objects and objects that have been bound again are
// left out.
func (s *AddressSpace) TakeEvicted() []*Object {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	var objects []*Object
	s.unbound.Each(func(key slotmap.Key, object *Object) bool {
		object.mutex.Lock()
		destroyed := object.destroyed
		object.evictedFrom.Delete(s)
		object.mutex.Unlock()

		if _, rebound := s.byObject.Get(object); !rebound && !destroyed {
			objects = append(objects, object)
		}
		return true
	})
	s.unbound.Clear()
	s.unboundKeys.Clear()

	return objects
}

// rememberEvictedLocked records that object lost its binding to eviction. An object evicted again
// moves to the back of the list.
func (s *AddressSpace) rememberEvictedLocked(object *Object) {
	if key, ok := s.unboundKeys.Get(object); ok {
		s.unbound.Remove(key)
	}
	s.unboundKeys.Put(object, s.unbound.Insert(object))

	object.mutex.Lock()
	defer object.mutex.Unlock()
	object.evictedFrom.Put(s, struct{}{})
}

func (s *AddressSpace) forgetEvictedLocked(object *Object) {
	key, ok := s.unboundKeys.Get(object)
	if !ok {
		return
	}
	s.unbound.Remove(key)
	s.unboundKeys.Delete(object)

	object.mutex.Lock()
	defer object.mutex.Unlock()
	object.evictedFrom.Delete(s)
}

func (s *AddressSpace) forgetEvicted(object *Object) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.forgetEvictedLocked(object)
}

// Validate performs internal consistency checks on the space's bookkeeping and page tables
func (s *AddressSpace) Validate() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.validateLocked()
}

func (s *AddressSpace) validateLocked() error {
	if err := s.ranges.Validate(); err != nil {
		return errors.Wrap(err, "free-range bookkeeping is inconsistent")
	}
	if err := s.tables.Validate(); err != nil {
		return errors.Wrap(err, "page tables are inconsistent")
	}

	if used := s.ranges.AllocatedSize(); used > s.geometry.Size()-s.reservedSize {
		return errors.Newf("%d bytes are in use, but only %d bytes are usable", used, s.geometry.Size()-s.reservedSize)
	}

	var err error
	var activeCount int
	s.bound.Each(func(key slotmap.Key, binding *Binding) bool {
		switch binding.state {
		case BindingStateActive:
			activeCount++
			if !s.active.Contains(binding.activeKey) {
				err = errors.Newf("active binding of object %d is missing from the active list", binding.object.id)
				return false
			}
		case BindingStateInactive:
		default:
			err = errors.Newf("bound binding of object %d is in state %s", binding.object.id, binding.state)
			return false
		}

		userData, rangeErr := s.ranges.AllocationUserData(binding.handle)
		if rangeErr != nil || userData != binding {
			err = errors.Newf("binding of object %d does not own its range", binding.object.id)
			return false
		}

		indexed, ok := s.byObject.Get(binding.object)
		if !ok || indexed != binding {
			err = errors.Newf("binding of object %d is not indexed by its object", binding.object.id)
			return false
		}

		entry := s.tables.Lookup(binding.offset / s.geometry.PageSize)
		if entry.Kind != pagetable.EntryPage {
			err = errors.Newf("binding of object %d at offset %d is not mapped", binding.object.id, binding.offset)
			return false
		}
		return true
	})
	if err != nil {
		return err
	}

	if activeCount != s.active.Len() {
		return errors.Newf("the active list holds %d bindings but %d bindings are active", s.active.Len(), activeCount)
	}
	if s.bound.Len() != s.byObject.Count() {
		return errors.Newf("the space holds %d bindings but indexes %d objects", s.bound.Len(), s.byObject.Count())
	}
	if s.unbound.Len() != s.unboundKeys.Count() {
		return errors.Newf("the eviction list holds %d entries but indexes %d objects", s.unbound.Len(), s.unboundKeys.Count())
	}

	return nil
}

// Statistics holds a snapshot of an address space's usage
type Statistics struct {
	memutils.DetailedStatistics
	// Bindings is the number of live bindings
	Bindings int
	// ActiveBindings is the number of bindings with outstanding device work
	ActiveBindings int
	// PinnedBindings is the number of bindings with at least one outstanding pin
	PinnedBindings int
	// PageTables is the number of page tables currently allocated, root included
	PageTables int
	// Eviction holds cumulative eviction metrics
	Eviction evict.Stats
}

// Statistics returns a snapshot of the space's usage
func (s *AddressSpace) Statistics() Statistics {
	s.logger.Debug("AddressSpace::Statistics")

	s.mutex.Lock()
	defer s.mutex.Unlock()

	var stats Statistics
	stats.Reset()
	s.ranges.AddDetailedStatistics(&stats.DetailedStatistics)

	stats.Bindings = s.bound.Len()
	stats.ActiveBindings = s.active.Len()
	s.bound.Each(func(key slotmap.Key, binding *Binding) bool {
		if binding.pins > 0 {
			stats.PinnedBindings++
		}
		return true
	})
	stats.PageTables = s.tables.NodeCount()
	stats.Eviction = s.evictStats

	return stats
}

// BuildStatsString returns a JSON document describing the space. If detailedMap is true, every region
// of the space is listed.
func (s *AddressSpace) BuildStatsString(detailedMap bool) string {
	s.logger.Debug("AddressSpace::BuildStatsString")

	stats := s.Statistics()

	s.mutex.Lock()
	defer s.mutex.Unlock()

	writer := jwriter.NewWriter()
	objState := writer.Object()

	objState.Name("Global").Bool(s.IsGlobal())
	objState.Name("PageSize").Int(s.geometry.PageSize)
	objState.Name("FanOut").Int(s.geometry.FanOut)
	objState.Name("Levels").Int(s.geometry.Levels)

	totalObj := objState.Name("Total").Object()
	s.ranges.BlockJsonData(&totalObj)
	totalObj.Name("Bindings").Int(stats.Bindings)
	totalObj.Name("ActiveBindings").Int(stats.ActiveBindings)
	totalObj.Name("PinnedBindings").Int(stats.PinnedBindings)
	totalObj.Name("PageTables").Int(stats.PageTables)
	totalObj.End()

	evictObj := objState.Name("Eviction").Object()
	evictObj.Name("Scans").Int(stats.Eviction.Scans)
	evictObj.Name("Candidates").Int(stats.Eviction.Candidates)
	evictObj.Name("BindingsEvicted").Int(stats.Eviction.BindingsEvicted)
	evictObj.Name("BytesEvicted").Int(stats.Eviction.BytesEvicted)
	evictObj.Name("BusyResults").Int(stats.Eviction.BusyResults)
	evictObj.Name("NoSpaceResults").Int(stats.Eviction.NoSpaceResults)
	evictObj.End()

	if detailedMap {
		mapObj := objState.Name("DetailedMap").Object()
		s.ranges.PrintDetailedMap(&mapObj, printBinding)
		mapObj.End()
	}

	objState.End()
	return string(writer.Bytes())
}

func printBinding(userData any, json *jwriter.ObjectState) {
	binding, isBinding := userData.(*Binding)
	if !isBinding {
		return
	}

	json.Name("Object").Int(int(binding.object.id))
	if binding.object.name != "" {
		json.Name("Name").String(binding.object.name)
	}
	json.Name("State").String(binding.state.String())
	json.Name("Cache").String(binding.cache.String())
	json.Name("Pinned").Bool(binding.pins > 0)
}

// Destroy frees the space's page tables. It fails if bindings or caller-owned ranges remain.
func (s *AddressSpace) Destroy() error {
	s.logger.Debug("AddressSpace::Destroy")

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.destroyed {
		return errors.New("address space was already destroyed")
	}

	if s.bound.Len() > 0 {
		s.bound.Each(func(key slotmap.Key, binding *Binding) bool {
			s.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED BINDING]",
				slog.Uint64("object", binding.object.id),
				slog.Int("offset", binding.offset),
				slog.Int("size", binding.size),
				slog.String("state", binding.state.String()),
			)
			return true
		})
		return errors.Newf("address space still has %d bindings that remain bound", s.bound.Len())
	}

	if !s.ranges.IsEmpty() {
		return errors.Newf("address space still has %d reserved ranges that remain unreleased", s.ranges.AllocationCount())
	}

	s.tables.Destroy()
	if s.ownsScratch {
		s.tableAllocator.FreeTable(s.scratchPage)
	}
	s.destroyed = true
	return nil
}
