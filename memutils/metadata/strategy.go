package metadata

// AllocationStrategy exposes several options for choosing the location of a new range. If none is
// chosen, AllocationStrategyMinOffset is used.
type AllocationStrategy uint32

const (
	// AllocationStrategyMinMemory selects the smallest free hole that can hold the range, to minimize
	// fragmentation, possibly at the expense of allocation time
	AllocationStrategyMinMemory AllocationStrategy = 1 << iota
	// AllocationStrategyMinTime selects the first suitable hole found while walking the range.
	AllocationStrategyMinTime
	// AllocationStrategyMinOffset selects the lowest offset that can hold the range.
	AllocationStrategyMinOffset
)

var allocationStrategyMapping = map[AllocationStrategy]string{
	AllocationStrategyMinMemory: "AllocationStrategyMinMemory",
	AllocationStrategyMinTime:   "AllocationStrategyMinTime",
	AllocationStrategyMinOffset: "AllocationStrategyMinOffset",
}

func (s AllocationStrategy) String() string {
	return allocationStrategyMapping[s]
}
