package fence_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/gpuvm/gvm"
	"github.com/vkngwrapper/gpuvm/gvm/fence"
	"github.com/vkngwrapper/gpuvm/memutils"
	"github.com/vkngwrapper/gpuvm/memutils/pagetable"
)

type pages struct{}

func (pages) GetPages(object *gvm.Object) ([]pagetable.PhysAddr, error) {
	result := make([]pagetable.PhysAddr, memutils.PageCount(object.Size(), 4096))
	for i := range result {
		result[i] = pagetable.PhysAddr(0x8000_0000 + i*4096)
	}
	return result, nil
}

func (pages) PutPages(object *gvm.Object, pages []pagetable.PhysAddr) {}

func bindings(t *testing.T, oracle gvm.CompletionOracle, count int) []*gvm.Binding {
	space, err := gvm.New(nil, gvm.CreateOptions{Size: 64 * 4096, FanOut: 8, Oracle: oracle})
	require.NoError(t, err)

	var result []*gvm.Binding
	for i := 0; i < count; i++ {
		binding, err := space.Bind(context.Background(), gvm.NewObject(4096, pages{}), gvm.BindOptions{})
		require.NoError(t, err)
		result = append(result, binding)
	}
	return result
}

func TestTimelineRetiresInOrder(t *testing.T) {
	timeline := fence.NewTimeline()
	b := bindings(t, timeline, 3)

	first := timeline.Submit(b[0], b[1])
	second := timeline.Submit(b[1])
	require.Equal(t, fence.Seqno(1), first)
	require.Equal(t, fence.Seqno(2), second)
	require.Equal(t, second, timeline.Last())
	require.Equal(t, 2, timeline.Pending())

	require.Equal(t, gvm.BindingStateActive, b[0].State())
	require.False(t, timeline.IsIdle(b[0]))
	require.False(t, timeline.IsIdle(b[1]))
	require.True(t, timeline.IsIdle(b[2]))

	timeline.Signal(first)
	require.Equal(t, first, timeline.Completed())
	require.True(t, timeline.IsIdle(b[0]))
	require.False(t, timeline.IsIdle(b[1]))
	require.Equal(t, 1, timeline.Pending())

	// The space learns about completion when it retires
	require.Equal(t, 1, b[0].Space().Retire())
	require.Equal(t, gvm.BindingStateInactive, b[0].State())
	require.Equal(t, gvm.BindingStateActive, b[1].State())

	// Signaling backwards or past the last submission is clamped
	timeline.Signal(0)
	require.Equal(t, first, timeline.Completed())
	timeline.Signal(100)
	require.Equal(t, second, timeline.Completed())
	require.Equal(t, 0, timeline.Pending())
}

func TestTimelineWait(t *testing.T) {
	timeline := fence.NewTimeline()
	b := bindings(t, timeline, 1)

	timeline.Submit(b[0])
	seqno := timeline.Submit(b[0])

	go func() {
		time.Sleep(5 * time.Millisecond)
		timeline.Signal(seqno - 1)
		time.Sleep(5 * time.Millisecond)
		timeline.Signal(seqno)
	}()

	require.NoError(t, timeline.Wait(context.Background(), b[0]))
	require.True(t, timeline.IsIdle(b[0]))

	timeline.Submit(b[0])
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, timeline.Wait(ctx, b[0]), context.DeadlineExceeded)
}

func TestTimelineWaitThroughSpace(t *testing.T) {
	timeline := fence.NewTimeline()
	b := bindings(t, timeline, 1)
	timeline.Submit(b[0])

	go func() {
		time.Sleep(5 * time.Millisecond)
		timeline.SignalAll()
	}()

	require.NoError(t, b[0].Space().WaitIdle(context.Background(), b[0]))
	require.Equal(t, gvm.BindingStateInactive, b[0].State())
}

func TestPollingOracle(t *testing.T) {
	var polls atomic.Int32
	oracle := fence.NewPollingOracle(func(binding *gvm.Binding) bool {
		return polls.Add(1) >= 4
	}, nil)
	b := bindings(t, oracle, 1)

	require.NoError(t, oracle.Wait(context.Background(), b[0]))
	require.Equal(t, int32(4), polls.Load())
	require.True(t, oracle.IsIdle(b[0]))
}

func TestPollingOracleContext(t *testing.T) {
	oracle := fence.NewPollingOracle(func(binding *gvm.Binding) bool {
		return false
	}, nil)
	b := bindings(t, oracle, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, oracle.Wait(ctx, b[0]), context.DeadlineExceeded)
}

func TestPollingOracleHang(t *testing.T) {
	hang := &fence.HangFlag{}
	oracle := fence.NewPollingOracle(func(binding *gvm.Binding) bool {
		return false
	}, hang)
	b := bindings(t, oracle, 1)

	go func() {
		time.Sleep(5 * time.Millisecond)
		hang.Set()
	}()

	require.ErrorIs(t, oracle.Wait(context.Background(), b[0]), memutils.ErrDeviceHung)
	require.True(t, hang.Hung())
	hang.Clear()
	require.False(t, hang.Hung())
}

func TestPollingOracleUnderSpaceLock(t *testing.T) {
	var polls atomic.Int32
	var seen atomic.Uint64
	oracle := fence.NewPollingOracle(func(binding *gvm.Binding) bool {
		// Only lock-free accessors are safe here
		seen.Store(binding.Object().ID())
		return binding.Size() > 0 && binding.End() > binding.Offset() && polls.Add(1) >= 3
	}, nil)
	b := bindings(t, oracle, 1)
	b[0].MarkActive()

	done := make(chan error, 1)
	go func() {
		done <- b[0].Space().WaitIdle(context.Background(), b[0])
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("wait through the space did not return")
	}
	require.Equal(t, b[0].Object().ID(), seen.Load())
	require.Equal(t, gvm.BindingStateInactive, b[0].State())
}

func TestHangFlagDone(t *testing.T) {
	hang := &fence.HangFlag{}
	done := hang.Done()

	select {
	case <-done:
		t.Fatal("done channel closed before the device hung")
	default:
	}

	hang.Set()
	hang.Set()
	<-done
	<-hang.Done()

	hang.Clear()
	select {
	case <-hang.Done():
		t.Fatal("done channel closed after the device was reset")
	default:
	}
}

func TestHangInterruptsTimelineWait(t *testing.T) {
	timeline := fence.NewTimeline()
	hang := &fence.HangFlag{}
	space, err := gvm.New(nil, gvm.CreateOptions{
		Size:        64 * 4096,
		FanOut:      8,
		Oracle:      timeline,
		Hang:        hang,
		WaitTimeout: 10 * time.Second,
	})
	require.NoError(t, err)

	binding, err := space.Bind(context.Background(), gvm.NewObject(4096, pages{}), gvm.BindOptions{})
	require.NoError(t, err)
	timeline.Submit(binding)

	go func() {
		time.Sleep(20 * time.Millisecond)
		hang.Set()
	}()

	start := time.Now()
	err = space.WaitIdle(context.Background(), binding)
	require.ErrorIs(t, err, memutils.ErrDeviceHung)
	require.Less(t, time.Since(start), 2*time.Second)
	require.Equal(t, gvm.BindingStateActive, binding.State())

	hang.Clear()
	timeline.SignalAll()
	require.NoError(t, space.WaitIdle(context.Background(), binding))
}
