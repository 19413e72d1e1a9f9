package gvm_test

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/gpuvm/gvm"
	mock_gvm "github.com/vkngwrapper/gpuvm/gvm/mocks"
	"github.com/vkngwrapper/gpuvm/memutils"
	"github.com/vkngwrapper/gpuvm/memutils/pagetable"
	"go.uber.org/mock/gomock"
)

func TestBindLifecycle(t *testing.T) {
	ctx := context.Background()
	provider := newPageProvider()
	space := newSpace(t, 16, gvm.CreateOptions{})

	object := gvm.NewObject(3*pageSize+100, provider)
	binding, err := space.Bind(ctx, object, gvm.BindOptions{Cache: pagetable.CacheLLC})
	require.NoError(t, err)
	require.Equal(t, gvm.BindingStateInactive, binding.State())
	require.Equal(t, 0, binding.Offset())
	require.Equal(t, 4*pageSize, binding.Size())
	require.Equal(t, space, binding.Space())
	require.Equal(t, object, binding.Object())

	for i := 0; i < 4; i++ {
		entry := space.Translate(i * pageSize)
		require.Equal(t, pagetable.EntryPage, entry.Kind)
		require.Equal(t, pagetable.PhysAddr(0x1_0000_0000+i*pageSize), entry.Address)
		require.Equal(t, pagetable.CacheLLC, entry.Cache)
	}

	found, ok := space.Lookup(object)
	require.True(t, ok)
	require.Same(t, binding, found)
	found, ok = object.Binding(space)
	require.True(t, ok)
	require.Same(t, binding, found)

	// Binding again with compatible options is a no-op
	again, err := space.Bind(ctx, object, gvm.BindOptions{Cache: pagetable.CacheLLC})
	require.NoError(t, err)
	require.Same(t, binding, again)
	gets, puts := provider.counts()
	require.Equal(t, 1, gets)
	require.Equal(t, 0, puts)

	binding.MarkActive()
	require.Equal(t, gvm.BindingStateActive, binding.State())
	require.Equal(t, 1, space.Statistics().ActiveBindings)
	require.Equal(t, 1, space.Retire())
	require.Equal(t, gvm.BindingStateInactive, binding.State())

	require.NoError(t, space.Unbind(ctx, binding))
	require.Equal(t, gvm.BindingStateUnbound, binding.State())
	require.True(t, space.Translate(0).IsEmpty())
	require.Equal(t, 0, object.PagesPinned())
	_, ok = space.Lookup(object)
	require.False(t, ok)
	require.Empty(t, object.Bindings())

	_, puts = provider.counts()
	require.Equal(t, 1, puts)

	require.Panics(t, func() {
		_ = space.Unbind(ctx, binding)
	})
	require.Panics(t, func() {
		binding.Pin()
	})
	require.Panics(t, func() {
		binding.MarkActive()
	})

	require.NoError(t, space.Validate())
	require.NoError(t, space.Destroy())
}

func TestBindSharesPagesAcrossSpaces(t *testing.T) {
	ctx := context.Background()
	provider := newPageProvider()
	first := newSpace(t, 16, gvm.CreateOptions{})
	second := newSpace(t, 64, gvm.CreateOptions{})

	object := gvm.NewObject(2*pageSize, provider)
	firstBinding, err := first.Bind(ctx, object, gvm.BindOptions{})
	require.NoError(t, err)
	secondBinding, err := second.Bind(ctx, object, gvm.BindOptions{Flags: gvm.BindHigh})
	require.NoError(t, err)
	require.Equal(t, 62*pageSize, secondBinding.Offset())

	require.Equal(t, 2, object.PagesPinned())
	require.Len(t, object.Bindings(), 2)
	require.Equal(t, first.Translate(0).Address, second.Translate(62*pageSize).Address)

	require.NoError(t, first.Unbind(ctx, firstBinding))
	gets, puts := provider.counts()
	require.Equal(t, 1, gets)
	require.Equal(t, 0, puts)

	require.NoError(t, second.Unbind(ctx, secondBinding))
	_, puts = provider.counts()
	require.Equal(t, 1, puts)
}

func TestBindMovesMisplacedBinding(t *testing.T) {
	ctx := context.Background()
	provider := newPageProvider()
	space := newSpace(t, 16, gvm.CreateOptions{})

	object, binding := bindPages(t, space, provider, 2, gvm.BindOptions{})
	require.Equal(t, 0, binding.Offset())

	pin := binding.Pin()
	_, err := space.Bind(ctx, object, gvm.BindOptions{Flags: gvm.BindFixed, Offset: 8 * pageSize})
	require.ErrorIs(t, err, memutils.ErrBusy)
	require.Equal(t, gvm.BindingStateInactive, binding.State())
	pin.Release()
	// Releasing twice is harmless
	pin.Release()

	moved, err := space.Bind(ctx, object, gvm.BindOptions{Flags: gvm.BindFixed, Offset: 8 * pageSize})
	require.NoError(t, err)
	require.Equal(t, 8*pageSize, moved.Offset())
	require.Equal(t, gvm.BindingStateUnbound, binding.State())
	require.True(t, space.Translate(0).IsEmpty())
	require.False(t, space.Translate(8*pageSize).IsEmpty())
	require.NoError(t, space.Validate())
}

func TestBindPageProviderFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	provider := mock_gvm.NewMockPageProvider(ctrl)
	space := newSpace(t, 16, gvm.CreateOptions{})

	object := gvm.NewObject(2*pageSize, provider)
	provider.EXPECT().GetPages(object).Return(nil, errors.New("device memory exhausted"))

	_, err := space.Bind(context.Background(), object, gvm.BindOptions{})
	require.True(t, errors.Is(err, memutils.ErrOutOfMemory))

	short := []pagetable.PhysAddr{0x10000}
	provider.EXPECT().GetPages(object).Return(short, nil)
	provider.EXPECT().PutPages(object, short)

	_, err = space.Bind(context.Background(), object, gvm.BindOptions{})
	require.ErrorIs(t, err, memutils.ErrOutOfMemory)

	require.Empty(t, space.Bindings())
	require.Equal(t, 16*pageSize, space.Statistics().UnusedRangeSizeMax)
}

func TestBindNoEvict(t *testing.T) {
	provider := newPageProvider()
	space := newSpace(t, 16, gvm.CreateOptions{})

	_, binding := bindPages(t, space, provider, 12, gvm.BindOptions{})

	_, err := space.Bind(context.Background(), gvm.NewObject(8*pageSize, provider), gvm.BindOptions{Flags: gvm.BindNoEvict})
	require.ErrorIs(t, err, memutils.ErrOutOfSpace)
	requireBound(t, binding)
}

func TestBindOptionsRespected(t *testing.T) {
	provider := newPageProvider()
	space := newSpace(t, 64, gvm.CreateOptions{})

	_, low := bindPages(t, space, provider, 1, gvm.BindOptions{Alignment: 16 * pageSize, Start: pageSize})
	require.Equal(t, 16*pageSize, low.Offset())

	_, high := bindPages(t, space, provider, 2, gvm.BindOptions{Flags: gvm.BindHigh, End: 32 * pageSize})
	require.Equal(t, 30*pageSize, high.Offset())

	_, ro := bindPages(t, space, provider, 1, gvm.BindOptions{EntryFlags: pagetable.FlagReadOnly | pagetable.FlagNoExecute})
	require.Equal(t, 0, ro.Offset())
	require.Equal(t, pagetable.FlagReadOnly|pagetable.FlagNoExecute, space.Translate(0).Flags)
	require.Equal(t, pagetable.FlagReadOnly|pagetable.FlagNoExecute, ro.EntryFlags())
	require.Equal(t, pagetable.CacheNone, ro.CacheLevel())
	require.Less(t, low.Sequence(), high.Sequence())
	require.Less(t, high.Sequence(), ro.Sequence())

	bindings := space.Bindings()
	require.Equal(t, []*gvm.Binding{ro, low, high}, bindings)
}

func TestObjectDestroy(t *testing.T) {
	ctx := context.Background()
	provider := newPageProvider()
	first := newSpace(t, 16, gvm.CreateOptions{})
	second := newSpace(t, 16, gvm.CreateOptions{})

	object := gvm.NewObject(pageSize, provider)
	firstBinding, err := first.Bind(ctx, object, gvm.BindOptions{})
	require.NoError(t, err)
	secondBinding, err := second.Bind(ctx, object, gvm.BindOptions{})
	require.NoError(t, err)

	pin := secondBinding.Pin()
	require.ErrorIs(t, object.Destroy(ctx), memutils.ErrBusy)
	pin.Release()

	require.NoError(t, object.Destroy(ctx))
	requireUnbound(t, firstBinding, secondBinding)
	_, puts := provider.counts()
	require.Equal(t, 1, puts)

	_, err = first.Bind(ctx, object, gvm.BindOptions{})
	require.Error(t, err)

	require.NoError(t, first.Destroy())
	require.NoError(t, second.Destroy())
}

func TestNewObjectPanicsOnEmptySize(t *testing.T) {
	require.Panics(t, func() {
		gvm.NewObject(0, newPageProvider())
	})
}
