package metadata

import "math"

// AllocationHandle is a numeric handle used to identify individual allocations within a RangeManager
type AllocationHandle uint64

const (
	NoAllocation AllocationHandle = math.MaxUint64
)

// Region is a contiguous stretch of a managed range, either a live allocation or a hole between
// allocations. Regions are produced in ascending offset order by RangeManager.VisitRange.
type Region struct {
	Handle   AllocationHandle
	Offset   int
	Size     int
	Color    Color
	UserData any
	Free     bool
	Reserved bool
}

// End returns the first offset past the region
func (r Region) End() int {
	return r.Offset + r.Size
}
