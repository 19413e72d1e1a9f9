package metadata

// Request describes a range the consumer would like to place inside a RangeManager.
type Request struct {
	// Size is the length in bytes of the requested range
	Size int
	// Alignment is the minimum alignment of the range's offset. It must be a power of two.
	Alignment uint
	// Color is the compatibility tag of the new range, see ColorCheck
	Color Color
	// Start and End bound the placement: the range must lie entirely within [Start, End). An End of 0
	// means the end of the managed range.
	Start, End int
	// Strategy chooses between first fit and best fit
	Strategy AllocationStrategy
	// Upper places the range as high as possible inside [Start, End) instead of as low as possible
	Upper bool
}

// AllocationRequest is a type returned from RangeManager.CreateAllocationRequest which indicates where the
// manager intends to place a new range. The request can be committed with RangeManager.Alloc as long as
// the manager has not been modified in the meantime.
type AllocationRequest struct {
	// Offset is the chosen start of the range
	Offset int
	// Size is the length of the range
	Size int
	// Color is the compatibility tag of the range
	Color Color
	// HoleOffset and HoleSize describe the free region the range was carved from
	HoleOffset int
	HoleSize   int
}
