package pagetable

import (
	cerrors "github.com/cockroachdb/errors"
	"github.com/vkngwrapper/gpuvm/memutils"
)

// Geometry describes the shape of a page-table hierarchy: how large a page is, how many entries each
// table holds, and how many levels of tables sit between the root and the pages. A wide flat space and
// a small restricted one share the same code and differ only in their Geometry.
type Geometry struct {
	PageSize int
	FanOut   int
	Levels   int
	Pages    int
}

// NewGeometry computes the Geometry for a space of spaceSize bytes. pageSize and fanOut must be powers of
// two, fanOut must be at least 2, and spaceSize must be a nonzero multiple of pageSize. The depth of the
// hierarchy is the smallest number of levels whose combined reach covers every page, and never less than 1.
func NewGeometry(spaceSize, pageSize, fanOut int) (Geometry, error) {
	if err := memutils.CheckPow2(pageSize, "pageSize"); err != nil {
		return Geometry{}, err
	}
	if err := memutils.CheckPow2(fanOut, "fanOut"); err != nil {
		return Geometry{}, err
	}
	if fanOut < 2 {
		return Geometry{}, cerrors.Newf("fanOut must be at least 2, but was %d", fanOut)
	}
	if spaceSize <= 0 || !memutils.IsAligned(spaceSize, uint(pageSize)) {
		return Geometry{}, cerrors.Wrapf(memutils.ErrMisaligned, "space size %d is not a positive multiple of the page size %d", spaceSize, pageSize)
	}

	pages := spaceSize / pageSize
	levels := 1
	for reach := fanOut; reach < pages; reach *= fanOut {
		levels++
	}

	return Geometry{
		PageSize: pageSize,
		FanOut:   fanOut,
		Levels:   levels,
		Pages:    pages,
	}, nil
}

// Size is the number of bytes the geometry addresses
func (g Geometry) Size() int {
	return g.Pages * g.PageSize
}

// span returns the number of pages covered by a single entry in a table at the provided level. Level 0
// is the root; level Levels-1 holds leaf entries that map a single page.
func (g Geometry) span(level int) int {
	span := 1
	for i := level + 1; i < g.Levels; i++ {
		span *= g.FanOut
	}
	return span
}

// Index returns the entry index that page occupies within its table at the provided level
func (g Geometry) Index(level, page int) int {
	return (page / g.span(level)) % g.FanOut
}
