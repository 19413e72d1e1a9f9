package metadata

import (
	"fmt"

	cerrors "github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/google/btree"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/gpuvm/memutils"
)

type rangeNode struct {
	offset   int
	size     int
	color    Color
	reserved bool
	userData any
	handle   AllocationHandle
}

func (n *rangeNode) end() int { return n.offset + n.size }

func (n *rangeNode) region() Region {
	return Region{
		Handle:   n.handle,
		Offset:   n.offset,
		Size:     n.size,
		Color:    n.color,
		UserData: n.userData,
		Reserved: n.reserved,
	}
}

func nodeLess(left, right *rangeNode) bool {
	return left.offset < right.offset
}

// RangeManager tracks which parts of a linear range are in use. Live ranges are kept in a btree ordered by
// offset; free space is implicit as the holes between them. Each live range has a handle that stays valid
// until the range is freed.
//
// RangeManager performs no locking: the consumer is expected to serialize access.
type RangeManager struct {
	size       int
	colorCheck ColorCheck

	nodes      *btree.BTreeG[*rangeNode]
	handles    *swiss.Map[AllocationHandle, *rangeNode]
	nextHandle AllocationHandle

	allocCount     int
	allocatedBytes int
	reservedBytes  int
}

var _ memutils.Validatable = &RangeManager{}

// NewRangeManager creates a RangeManager covering [0, size). colorCheck may be nil, in which case
// colors never conflict.
func NewRangeManager(size int, colorCheck ColorCheck) *RangeManager {
	if colorCheck == nil {
		colorCheck = NoColorCheck{}
	}

	return &RangeManager{
		size:       size,
		colorCheck: colorCheck,
		nodes:      btree.NewG[*rangeNode](16, nodeLess),
		handles:    swiss.NewMap[AllocationHandle, *rangeNode](42),
	}
}

// Size returns the length of the managed range
func (m *RangeManager) Size() int { return m.size }

// ColorCheck returns the color rules this manager places ranges with
func (m *RangeManager) ColorCheck() ColorCheck { return m.colorCheck }

// SumFreeSize returns the number of bytes that are neither allocated nor reserved
func (m *RangeManager) SumFreeSize() int {
	return m.size - m.allocatedBytes - m.reservedBytes
}

// ReservedSize returns the number of bytes held by ranges created with Reserve
func (m *RangeManager) ReservedSize() int { return m.reservedBytes }

// AllocatedSize returns the number of bytes held by live allocations, not counting reserved ranges
func (m *RangeManager) AllocatedSize() int { return m.allocatedBytes }

// AllocationCount returns the number of live allocations, not counting reserved ranges
func (m *RangeManager) AllocationCount() int { return m.allocCount }

// IsEmpty will return true if there are no live allocations. Reserved ranges do not count.
func (m *RangeManager) IsEmpty() bool { return m.allocCount == 0 }

// neighbours returns the last node starting before offset and the first node starting at or after it
func (m *RangeManager) neighbours(offset int) (prev, next *rangeNode) {
	pivot := &rangeNode{offset: offset}
	m.nodes.DescendLessOrEqual(pivot, func(n *rangeNode) bool {
		if n.offset < offset {
			prev = n
			return false
		}
		return true
	})
	m.nodes.AscendGreaterOrEqual(pivot, func(n *rangeNode) bool {
		next = n
		return false
	})
	return prev, next
}

// visitHoles calls handleHole for each free hole that could intersect [start, end), in ascending order,
// along with the nodes that bound it. Holes are reported unclipped so that color adjustment can see the
// real neighbours.
func (m *RangeManager) visitHoles(start, end int, handleHole func(holeStart, holeEnd int, prev, next *rangeNode) bool) {
	prev, _ := m.neighbours(start)
	cursor := 0
	if prev != nil {
		cursor = prev.end()
	}
	if cursor >= end {
		return
	}

	done := false
	m.nodes.AscendGreaterOrEqual(&rangeNode{offset: start}, func(n *rangeNode) bool {
		if n.offset > cursor && !handleHole(cursor, n.offset, prev, n) {
			done = true
			return false
		}

		prev = n
		cursor = n.end()
		if cursor >= end {
			done = true
			return false
		}
		return true
	})

	if !done && cursor < m.size {
		handleHole(cursor, m.size, prev, nil)
	}
}

func nodeColor(n *rangeNode) *Color {
	if n == nil {
		return nil
	}
	return &n.color
}

// PlaceInHole finds where a range described by request would sit inside the hole [holeStart, holeEnd).
// prevColor and nextColor are the colors of the allocations bounding the hole, or nil when the hole is
// bounded by free space or the edge of the managed range. request.End must already be resolved.
func PlaceInHole(check ColorCheck, holeStart, holeEnd int, prevColor, nextColor *Color, request Request) (int, bool) {
	start, end := holeStart, holeEnd
	if guard := check.GuardSize(); guard > 0 {
		if prevColor != nil && check.ColorsConflict(*prevColor, request.Color) {
			start += guard
		}
		if nextColor != nil && check.ColorsConflict(request.Color, *nextColor) {
			end -= guard
		}
	}

	if start < request.Start {
		start = request.Start
	}
	if end > request.End {
		end = request.End
	}
	if end-start < request.Size {
		return 0, false
	}

	alignment := request.Alignment
	if alignment == 0 {
		alignment = 1
	}

	if request.Upper {
		offset := memutils.AlignDown(end-request.Size, alignment)
		if offset < start {
			return 0, false
		}
		return offset, true
	}

	offset := memutils.AlignUp(start, alignment)
	if offset+request.Size > end {
		return 0, false
	}
	return offset, true
}

// ResolveRequest validates request and fills in defaulted fields against this manager's size
func (m *RangeManager) ResolveRequest(request Request) (Request, error) {
	if request.Size <= 0 {
		return request, errors.New("allocation size must be greater than 0")
	}
	if request.Alignment == 0 {
		request.Alignment = 1
	}
	if err := memutils.CheckPow2(request.Alignment, "alignment"); err != nil {
		return request, cerrors.Wrapf(memutils.ErrMisaligned, "alignment %d is not a power of two", request.Alignment)
	}
	if request.End == 0 {
		request.End = m.size
	}
	if request.Start < 0 || request.End > m.size || request.Start >= request.End {
		return request, errors.Errorf("requested placement range [%d, %d) lies outside the managed range of size %d", request.Start, request.End, m.size)
	}
	if request.Strategy == 0 {
		request.Strategy = AllocationStrategyMinOffset
	}

	return request, nil
}

// CreateAllocationRequest retrieves an AllocationRequest object indicating where the manager would place
// the requested range. That object can be passed to Alloc to commit the allocation. The boolean return
// is false when no hole can hold the range.
func (m *RangeManager) CreateAllocationRequest(request Request) (bool, AllocationRequest, error) {
	request, err := m.ResolveRequest(request)
	if err != nil {
		return false, AllocationRequest{}, err
	}
	memutils.DebugValidate(m)

	if request.Size > request.End-request.Start || request.Size > m.SumFreeSize() {
		return false, AllocationRequest{}, nil
	}

	var found bool
	var best AllocationRequest

	m.visitHoles(request.Start, request.End, func(holeStart, holeEnd int, prev, next *rangeNode) bool {
		offset, fits := PlaceInHole(m.colorCheck, holeStart, holeEnd, nodeColor(prev), nodeColor(next), request)
		if !fits {
			return true
		}

		candidate := AllocationRequest{
			Offset:     offset,
			Size:       request.Size,
			Color:      request.Color,
			HoleOffset: holeStart,
			HoleSize:   holeEnd - holeStart,
		}

		switch {
		case request.Upper:
			// Holes arrive in ascending order, the last fit is the highest
			best = candidate
			found = true
			return true
		case request.Strategy&AllocationStrategyMinMemory != 0:
			if !found || candidate.HoleSize < best.HoleSize {
				best = candidate
				found = true
			}
			return best.HoleSize != request.Size
		default:
			best = candidate
			found = true
			return false
		}
	})

	return found, best, nil
}

func (m *RangeManager) insertNode(offset, size int, color Color, reserved bool, userData any) (AllocationHandle, error) {
	if size <= 0 {
		return NoAllocation, errors.New("allocation size must be greater than 0")
	}
	if offset < 0 || offset+size > m.size {
		return NoAllocation, cerrors.Wrapf(memutils.ErrOutOfSpace, "range [%d, %d) lies outside the managed range of size %d", offset, offset+size, m.size)
	}

	prev, next := m.neighbours(offset)
	if prev != nil && prev.end() > offset {
		return NoAllocation, cerrors.Wrapf(memutils.ErrOutOfSpace, "range at offset %d overlaps the allocation at [%d, %d)", offset, prev.offset, prev.end())
	}
	if next != nil && next.offset < offset+size {
		return NoAllocation, cerrors.Wrapf(memutils.ErrOutOfSpace, "range [%d, %d) overlaps the allocation at offset %d", offset, offset+size, next.offset)
	}

	if guard := m.colorCheck.GuardSize(); guard > 0 {
		if prev != nil && offset-prev.end() < guard && m.colorCheck.ColorsConflict(prev.color, color) {
			return NoAllocation, cerrors.Wrapf(memutils.ErrColorConflict, "range at offset %d with color %d is within %d bytes of a range with color %d", offset, color, guard, prev.color)
		}
		if next != nil && next.offset-(offset+size) < guard && m.colorCheck.ColorsConflict(color, next.color) {
			return NoAllocation, cerrors.Wrapf(memutils.ErrColorConflict, "range ending at %d with color %d is within %d bytes of a range with color %d", offset+size, color, guard, next.color)
		}
	}

	m.nextHandle++
	node := &rangeNode{
		offset:   offset,
		size:     size,
		color:    color,
		reserved: reserved,
		userData: userData,
		handle:   m.nextHandle,
	}
	m.nodes.ReplaceOrInsert(node)
	m.handles.Put(node.handle, node)

	if reserved {
		m.reservedBytes += size
	} else {
		m.allocCount++
		m.allocatedBytes += size
	}

	return node.handle, nil
}

// Alloc commits an AllocationRequest object. The method returns an error if the requested range is no
// longer free.
func (m *RangeManager) Alloc(request AllocationRequest, userData any) (AllocationHandle, error) {
	handle, err := m.insertNode(request.Offset, request.Size, request.Color, false, userData)
	if err != nil {
		return NoAllocation, err
	}

	memutils.DebugValidate(m)
	return handle, nil
}

// AllocFixed allocates the range [offset, offset+size) directly. It fails with memutils.ErrOutOfSpace if
// the range is not free and memutils.ErrColorConflict if it would abut an incompatibly colored neighbour.
func (m *RangeManager) AllocFixed(offset, size int, color Color, userData any) (AllocationHandle, error) {
	return m.insertNode(offset, size, color, false, userData)
}

// Reserve permanently removes [offset, offset+size) from circulation. Reserved ranges are reported
// by VisitRange with Reserved set and can only be released with Free.
func (m *RangeManager) Reserve(offset, size int) (AllocationHandle, error) {
	return m.insertNode(offset, size, ColorReserved, true, nil)
}

func (m *RangeManager) getNode(handle AllocationHandle) (*rangeNode, error) {
	node, ok := m.handles.Get(handle)
	if !ok {
		return nil, errors.Errorf("handle %d does not map to a live range in this manager", handle)
	}
	return node, nil
}

// Free returns a live range to free space. The method returns an error if handle is not live, which
// usually indicates a double free.
func (m *RangeManager) Free(handle AllocationHandle) error {
	node, err := m.getNode(handle)
	if err != nil {
		return err
	}

	m.nodes.Delete(node)
	m.handles.Delete(handle)

	if node.reserved {
		m.reservedBytes -= node.size
	} else {
		m.allocCount--
		m.allocatedBytes -= node.size
	}

	memutils.DebugValidate(m)
	return nil
}

// Clear instantly frees all allocations and reserved ranges
func (m *RangeManager) Clear() {
	m.nodes.Clear(false)
	m.handles = swiss.NewMap[AllocationHandle, *rangeNode](42)
	m.allocCount = 0
	m.allocatedBytes = 0
	m.reservedBytes = 0
}

func (m *RangeManager) AllocationOffset(handle AllocationHandle) (int, error) {
	node, err := m.getNode(handle)
	if err != nil {
		return 0, err
	}
	return node.offset, nil
}

func (m *RangeManager) AllocationSize(handle AllocationHandle) (int, error) {
	node, err := m.getNode(handle)
	if err != nil {
		return 0, err
	}
	return node.size, nil
}

func (m *RangeManager) AllocationColor(handle AllocationHandle) (Color, error) {
	node, err := m.getNode(handle)
	if err != nil {
		return 0, err
	}
	return node.color, nil
}

func (m *RangeManager) AllocationUserData(handle AllocationHandle) (any, error) {
	node, err := m.getNode(handle)
	if err != nil {
		return nil, err
	}
	return node.userData, nil
}

func (m *RangeManager) SetAllocationUserData(handle AllocationHandle, userData any) error {
	node, err := m.getNode(handle)
	if err != nil {
		return err
	}
	node.userData = userData
	return nil
}

// VisitRange calls handleRegion for each allocation and hole that intersects [start, end), in ascending
// offset order. Holes are clipped to [start, end); allocations are reported whole. Iteration stops early if
// handleRegion returns false.
func (m *RangeManager) VisitRange(start, end int, handleRegion func(region Region) bool) {
	if end > m.size {
		end = m.size
	}
	if start < 0 {
		start = 0
	}
	if start >= end {
		return
	}

	cursor := start
	prev, _ := m.neighbours(start)
	if prev != nil && prev.end() > start {
		if !handleRegion(prev.region()) {
			return
		}
		cursor = prev.end()
	}

	stopped := false
	m.nodes.AscendGreaterOrEqual(&rangeNode{offset: start}, func(n *rangeNode) bool {
		if n.offset >= end {
			return false
		}
		if n.offset > cursor {
			if !handleRegion(Region{Handle: NoAllocation, Offset: cursor, Size: n.offset - cursor, Free: true}) {
				stopped = true
				return false
			}
		}
		if !handleRegion(n.region()) {
			stopped = true
			return false
		}
		cursor = n.end()
		return true
	})

	if !stopped && cursor < end {
		handleRegion(Region{Handle: NoAllocation, Offset: cursor, Size: end - cursor, Free: true})
	}
}

// VisitAllRegions will call the provided callback once for each allocation and free region in
// the managed range. Reserved ranges are reported as allocations with nil userData.
func (m *RangeManager) VisitAllRegions(handleBlock func(handle AllocationHandle, offset int, size int, userData any, free bool) error) error {
	var err error
	m.VisitRange(0, m.size, func(region Region) bool {
		err = handleBlock(region.Handle, region.Offset, region.Size, region.UserData, region.Free)
		return err == nil
	})
	return err
}

// Validate performs internal consistency checks: ranges are ordered and disjoint, lie inside the
// managed range, match the handle index, and free, allocated and reserved bytes add up to the size.
func (m *RangeManager) Validate() error {
	var cursor, allocCount, allocated, reserved, free int
	var err error

	m.nodes.Ascend(func(n *rangeNode) bool {
		if n.size <= 0 {
			err = errors.Errorf("range at offset %d has non-positive size %d", n.offset, n.size)
			return false
		}
		if n.offset < cursor {
			err = errors.Errorf("range at offset %d overlaps the previous range, which ends at %d", n.offset, cursor)
			return false
		}

		indexed, ok := m.handles.Get(n.handle)
		if !ok || indexed != n {
			err = errors.Errorf("range at offset %d is not indexed by its handle %d", n.offset, n.handle)
			return false
		}

		free += n.offset - cursor
		if n.reserved {
			reserved += n.size
		} else {
			allocCount++
			allocated += n.size
		}
		cursor = n.end()
		return true
	})
	if err != nil {
		return err
	}

	if cursor > m.size {
		return errors.Errorf("the last range ends at %d, past the managed size %d", cursor, m.size)
	}
	free += m.size - cursor

	if m.nodes.Len() != m.handles.Count() {
		return errors.Errorf("the manager holds %d ranges but indexes %d handles", m.nodes.Len(), m.handles.Count())
	}
	if allocCount != m.allocCount {
		return errors.Errorf("the allocation count of the manager is %d, but the ranges only added up to %d", m.allocCount, allocCount)
	}
	if allocated != m.allocatedBytes {
		return errors.Errorf("the allocated size of the manager is %d, but the ranges only added up to %d", m.allocatedBytes, allocated)
	}
	if reserved != m.reservedBytes {
		return errors.Errorf("the reserved size of the manager is %d, but the reserved ranges only added up to %d", m.reservedBytes, reserved)
	}
	if free+allocated+reserved != m.size {
		return errors.Errorf("free (%d), allocated (%d) and reserved (%d) bytes do not add up to the managed size %d", free, allocated, reserved, m.size)
	}

	return nil
}

// AddDetailedStatistics sums this manager's statistics into the provided memutils.DetailedStatistics object.
func (m *RangeManager) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.AddRange(m.size)
	stats.AddReserved(m.reservedBytes)

	m.VisitRange(0, m.size, func(region Region) bool {
		switch {
		case region.Free:
			stats.AddHole(region.Size)
		case !region.Reserved:
			stats.AddAllocation(region.Size)
		}
		return true
	})
}

// AddStatistics sums this manager's statistics into the provided memutils.Statistics object.
func (m *RangeManager) AddStatistics(stats *memutils.Statistics) {
	stats.AddRange(m.size)
	stats.AddReserved(m.reservedBytes)
	stats.AllocationCount += m.allocCount
	stats.AllocationBytes += m.allocatedBytes
}

// BlockJsonData populates a json object with information about this range
func (m *RangeManager) BlockJsonData(json *jwriter.ObjectState) {
	var unusedRangeCount int
	m.VisitRange(0, m.size, func(region Region) bool {
		if region.Free {
			unusedRangeCount++
		}
		return true
	})

	json.Name("TotalBytes").Int(m.size)
	json.Name("UnusedBytes").Int(m.SumFreeSize())
	json.Name("ReservedBytes").Int(m.reservedBytes)
	json.Name("Allocations").Int(m.allocCount)
	json.Name("UnusedRanges").Int(unusedRangeCount)
}

// PrintDetailedMap writes every region of the range, in order, into a json array
func (m *RangeManager) PrintDetailedMap(json *jwriter.ObjectState, describe func(userData any, obj *jwriter.ObjectState)) {
	arrayState := json.Name("Regions").Array()
	defer arrayState.End()

	m.VisitRange(0, m.size, func(region Region) bool {
		obj := arrayState.Object()
		defer obj.End()

		obj.Name("Offset").Int(region.Offset)
		obj.Name("Size").Int(region.Size)
		switch {
		case region.Free:
			obj.Name("Type").String("Free")
		case region.Reserved:
			obj.Name("Type").String("Reserved")
		default:
			obj.Name("Type").String("Allocation")
			obj.Name("Color").Int(int(region.Color))
			if describe != nil {
				describe(region.UserData, &obj)
			} else if region.UserData != nil {
				obj.Name("CustomData").String(fmt.Sprintf("%+v", region.UserData))
			}
		}
		return true
	})
}
