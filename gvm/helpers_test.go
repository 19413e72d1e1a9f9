package gvm_test

import (
	"context"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/gpuvm/gvm"
	"github.com/vkngwrapper/gpuvm/memutils"
	"github.com/vkngwrapper/gpuvm/memutils/pagetable"
	"golang.org/x/exp/slog"
)

const pageSize = 4096

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// pageProvider hands out sequential page addresses and counts calls
type pageProvider struct {
	mutex sync.Mutex
	next  pagetable.PhysAddr
	gets  int
	puts  int
}

func newPageProvider() *pageProvider {
	return &pageProvider{next: 0x1_0000_0000}
}

func (p *pageProvider) GetPages(object *gvm.Object) ([]pagetable.PhysAddr, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	pages := make([]pagetable.PhysAddr, memutils.PageCount(object.Size(), pageSize))
	for i := range pages {
		pages[i] = p.next
		p.next += pageSize
	}
	p.gets++
	return pages, nil
}

func (p *pageProvider) PutPages(object *gvm.Object, pages []pagetable.PhysAddr) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.puts++
}

func (p *pageProvider) counts() (int, int) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return p.gets, p.puts
}

func newSpace(t *testing.T, pages int, options gvm.CreateOptions) *gvm.AddressSpace {
	options.Size = pages * pageSize
	options.PageSize = pageSize
	if options.FanOut == 0 {
		options.FanOut = 4
	}

	space, err := gvm.New(testLogger(), options)
	require.NoError(t, err)
	return space
}

func bindPages(t *testing.T, space *gvm.AddressSpace, provider gvm.PageProvider, pages int, options gvm.BindOptions) (*gvm.Object, *gvm.Binding) {
	object := gvm.NewObject(pages*pageSize, provider)
	binding, err := space.Bind(context.Background(), object, options)
	require.NoError(t, err)
	require.NoError(t, space.Validate())
	return object, binding
}

func requireBound(t *testing.T, bindings ...*gvm.Binding) {
	for _, binding := range bindings {
		require.NotEqual(t, gvm.BindingStateUnbound, binding.State(), "binding of object %d", binding.Object().ID())
	}
}

func requireUnbound(t *testing.T, bindings ...*gvm.Binding) {
	for _, binding := range bindings {
		require.Equal(t, gvm.BindingStateUnbound, binding.State(), "binding of object %d", binding.Object().ID())
	}
}
