package gvm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/gpuvm/memutils/pagetable"
)

type fixedPages struct{}

func (fixedPages) GetPages(object *Object) ([]pagetable.PhysAddr, error) {
	pages := make([]pagetable.PhysAddr, (object.Size()+4095)/4096)
	for i := range pages {
		pages[i] = pagetable.PhysAddr(0x4000_0000 + i*4096)
	}
	return pages, nil
}

func (fixedPages) PutPages(object *Object, pages []pagetable.PhysAddr) {}

func TestEntriesOnlyWrittenWhileBinding(t *testing.T) {
	space, err := New(nil, CreateOptions{Size: 16 * 4096, PageSize: 4096, FanOut: 4})
	require.NoError(t, err)

	binding, err := space.Bind(context.Background(), NewObject(2*4096, fixedPages{}), BindOptions{})
	require.NoError(t, err)

	r := Range{
		Offset: binding.offset,
		Size:   binding.size,
		Color:  binding.color,
		handle: binding.handle,
	}
	pages := []pagetable.PhysAddr{0x10000, 0x20000}

	require.Panics(t, func() {
		_ = space.InsertEntries(r, pages, pagetable.CacheNone, 0)
	})

	binding.MarkActive()
	require.Panics(t, func() {
		_ = space.InsertEntries(r, pages, pagetable.CacheNone, 0)
	})

	require.Panics(t, func() {
		space.Release(r)
	})

	// The failed writes left the mapping alone
	require.Equal(t, pagetable.PhysAddr(0x4000_0000), space.Translate(0).Address)
	require.NoError(t, space.Validate())
}

func TestPinHandleUnderflowPanics(t *testing.T) {
	space, err := New(nil, CreateOptions{Size: 16 * 4096, PageSize: 4096, FanOut: 4})
	require.NoError(t, err)

	binding, err := space.Bind(context.Background(), NewObject(4096, fixedPages{}), BindOptions{})
	require.NoError(t, err)

	handle := binding.Pin()
	binding.pins = 0
	require.Panics(t, handle.Release)
}

func TestEvictionListHoldsEachObjectOnce(t *testing.T) {
	ctx := context.Background()
	space, err := New(nil, CreateOptions{Size: 16 * 4096, PageSize: 4096, FanOut: 4})
	require.NoError(t, err)

	object := NewObject(2*4096, fixedPages{})
	other := NewObject(4096, fixedPages{})
	for i := 0; i < 1000; i++ {
		_, err := space.Bind(ctx, object, BindOptions{})
		require.NoError(t, err)
		_, err = space.Bind(ctx, other, BindOptions{})
		require.NoError(t, err)
		require.NoError(t, space.EvictAll(ctx, 0))
	}
	require.Equal(t, 2, space.unbound.Len())
	require.NoError(t, space.Validate())

	// Binding again drops the object from the list
	_, err = space.Bind(ctx, other, BindOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, space.unbound.Len())

	// So does destroying it
	require.NoError(t, object.Destroy(ctx))
	require.Equal(t, 0, space.unbound.Len())
	require.Equal(t, 0, object.evictedFrom.Count())
	require.NoError(t, space.Validate())

	require.Empty(t, space.TakeEvicted())
	require.NoError(t, space.EvictAll(ctx, 0))
	require.Equal(t, []*Object{other}, space.TakeEvicted())
	require.Equal(t, 0, other.evictedFrom.Count())
}
