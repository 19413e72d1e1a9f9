package pagetable

import (
	"sync"

	cerrors "github.com/cockroachdb/errors"
	"github.com/vkngwrapper/gpuvm/memutils"
)

// TableAllocator supplies the device pages that back each table in the hierarchy
type TableAllocator interface {
	// NewTable returns the physical address of a fresh, table-sized page
	NewTable() (PhysAddr, error)
	// FreeTable returns a page obtained from NewTable
	FreeTable(addr PhysAddr)
}

// RuntimeAllocator is a TableAllocator that hands out synthetic addresses from a private window, reusing
// freed addresses first. It never touches device memory and is intended for simulation and tests.
// A nonzero Limit caps the number of tables outstanding at once.
type RuntimeAllocator struct {
	Base     PhysAddr
	PageSize int
	Limit    int

	mutex       sync.Mutex
	next        PhysAddr
	freed       []PhysAddr
	outstanding int
}

var _ TableAllocator = &RuntimeAllocator{}

// NewRuntimeAllocator creates a RuntimeAllocator that hands out pageSize-aligned addresses starting at base
func NewRuntimeAllocator(base PhysAddr, pageSize int) *RuntimeAllocator {
	return &RuntimeAllocator{
		Base:     base,
		PageSize: pageSize,
		next:     base,
	}
}

func (a *RuntimeAllocator) NewTable() (PhysAddr, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.Limit > 0 && a.outstanding >= a.Limit {
		return 0, cerrors.Wrapf(memutils.ErrOutOfMemory, "runtime allocator is limited to %d tables", a.Limit)
	}
	a.outstanding++

	if len(a.freed) > 0 {
		addr := a.freed[len(a.freed)-1]
		a.freed = a.freed[:len(a.freed)-1]
		return addr, nil
	}

	if a.next < a.Base {
		a.next = a.Base
	}
	addr := a.next
	a.next += PhysAddr(a.PageSize)
	return addr, nil
}

func (a *RuntimeAllocator) FreeTable(addr PhysAddr) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.outstanding--
	a.freed = append(a.freed, addr)
}

// Outstanding returns the number of tables currently handed out
func (a *RuntimeAllocator) Outstanding() int {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.outstanding
}
