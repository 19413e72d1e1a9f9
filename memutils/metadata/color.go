package metadata

// Color is a cache/tiling compatibility tag carried by every allocation. Neighbouring allocations
// whose colors conflict may not abut: a guard gap must separate them.
type Color int

const (
	// ColorReserved is the color of permanently reserved ranges. It never matches a caller color.
	ColorReserved Color = -1
)

// ColorCheck decides whether two colors may share a boundary and how large the separating gap must be
// when they may not.
type ColorCheck interface {
	ColorsConflict(left, right Color) bool
	GuardSize() int
}

// NoColorCheck is a ColorCheck for address spaces that do not color their allocations: nothing ever
// conflicts.
type NoColorCheck struct{}

func (NoColorCheck) ColorsConflict(left, right Color) bool { return false }
func (NoColorCheck) GuardSize() int                        { return 0 }

// GuardColorCheck requires a Guard-sized gap between any two neighbours whose colors differ.
type GuardColorCheck struct {
	Guard int
}

func (c GuardColorCheck) ColorsConflict(left, right Color) bool {
	return left != right
}

func (c GuardColorCheck) GuardSize() int {
	return c.Guard
}
