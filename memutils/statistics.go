package memutils

import "math"

// Statistics holds the byte accounting for one or more managed ranges. Every byte of RangeBytes is
// either allocated, reserved or free.
type Statistics struct {
	RangeCount      int
	AllocationCount int
	RangeBytes      int
	AllocationBytes int
	ReservedBytes   int
}

// AddRange accounts for a managed range of the given size. Its bytes start out free.
func (s *Statistics) AddRange(size int) {
	s.RangeCount++
	s.RangeBytes += size
}

// AddReserved moves size bytes from free to reserved. Reserved spans are not allocations.
func (s *Statistics) AddReserved(size int) {
	s.ReservedBytes += size
}

// Merge folds other into s
func (s *Statistics) Merge(other Statistics) {
	s.RangeCount += other.RangeCount
	s.AllocationCount += other.AllocationCount
	s.RangeBytes += other.RangeBytes
	s.AllocationBytes += other.AllocationBytes
	s.ReservedBytes += other.ReservedBytes
}

// FreeBytes is the number of bytes neither allocated nor reserved
func (s *Statistics) FreeBytes() int {
	return s.RangeBytes - s.AllocationBytes - s.ReservedBytes
}

// DetailedStatistics adds the size extremes of holes and allocations. The minimums are math.MaxInt
// until something has been observed, so a zero value must be Reset before use.
type DetailedStatistics struct {
	Statistics
	UnusedRangeCount   int
	AllocationSizeMin  int
	AllocationSizeMax  int
	UnusedRangeSizeMin int
	UnusedRangeSizeMax int
}

func widen(lowest, highest *int, low, high int) {
	*lowest = min(*lowest, low)
	*highest = max(*highest, high)
}

func (s *DetailedStatistics) Reset() {
	*s = DetailedStatistics{
		AllocationSizeMin:  math.MaxInt,
		UnusedRangeSizeMin: math.MaxInt,
	}
}

// AddHole accounts for a free hole. The hole's bytes are already counted by AddRange.
func (s *DetailedStatistics) AddHole(size int) {
	s.UnusedRangeCount++
	widen(&s.UnusedRangeSizeMin, &s.UnusedRangeSizeMax, size, size)
}

func (s *DetailedStatistics) AddAllocation(size int) {
	s.AllocationCount++
	s.AllocationBytes += size
	widen(&s.AllocationSizeMin, &s.AllocationSizeMax, size, size)
}

func (s *DetailedStatistics) Merge(other *DetailedStatistics) {
	s.Statistics.Merge(other.Statistics)
	s.UnusedRangeCount += other.UnusedRangeCount
	widen(&s.UnusedRangeSizeMin, &s.UnusedRangeSizeMax, other.UnusedRangeSizeMin, other.UnusedRangeSizeMax)
	widen(&s.AllocationSizeMin, &s.AllocationSizeMax, other.AllocationSizeMin, other.AllocationSizeMax)
}
