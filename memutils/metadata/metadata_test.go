package metadata_test

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/gpuvm/memutils"
	"github.com/vkngwrapper/gpuvm/memutils/metadata"
)

func allocate(t *testing.T, m *metadata.RangeManager, request metadata.Request) (metadata.AllocationHandle, int) {
	success, allocRequest, err := m.CreateAllocationRequest(request)
	require.NoError(t, err)
	require.True(t, success)

	handle, err := m.Alloc(allocRequest, nil)
	require.NoError(t, err)
	require.NoError(t, m.Validate())

	return handle, allocRequest.Offset
}

func TestRangeManagerAlloc(t *testing.T) {
	m := metadata.NewRangeManager(1000, nil)

	var stats memutils.DetailedStatistics
	stats.Reset()
	m.AddDetailedStatistics(&stats)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			RangeCount: 1,
			RangeBytes: 1000,
		},
		UnusedRangeCount:   1,
		AllocationSizeMin:  math.MaxInt,
		AllocationSizeMax:  0,
		UnusedRangeSizeMin: 1000,
		UnusedRangeSizeMax: 1000,
	}, stats)

	alloc1, offset := allocate(t, m, metadata.Request{Size: 100})
	require.Equal(t, 0, offset)

	_, offset = allocate(t, m, metadata.Request{Size: 50, Strategy: metadata.AllocationStrategyMinMemory})
	require.Equal(t, 100, offset)

	stats.Reset()
	m.AddDetailedStatistics(&stats)
	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			RangeCount:      1,
			RangeBytes:      1000,
			AllocationCount: 2,
			AllocationBytes: 150,
		},
		UnusedRangeCount:   1,
		AllocationSizeMin:  50,
		AllocationSizeMax:  100,
		UnusedRangeSizeMin: 850,
		UnusedRangeSizeMax: 850,
	}, stats)

	var basic memutils.Statistics
	m.AddStatistics(&basic)
	require.Equal(t, memutils.Statistics{
		RangeCount:      1,
		RangeBytes:      1000,
		AllocationCount: 2,
		AllocationBytes: 150,
	}, basic)
	require.Equal(t, 850, basic.FreeBytes())

	require.NoError(t, m.Free(alloc1))
	require.Equal(t, 1, m.AllocationCount())
	require.Equal(t, 950, m.SumFreeSize())

	// Best fit prefers the 100-byte hole at the front
	_, offset = allocate(t, m, metadata.Request{Size: 80, Strategy: metadata.AllocationStrategyMinMemory})
	require.Equal(t, 0, offset)

	// First fit skips the 20 bytes left at the front
	_, offset = allocate(t, m, metadata.Request{Size: 30})
	require.Equal(t, 150, offset)
}

func TestRangeManagerBestFitExactMatch(t *testing.T) {
	m := metadata.NewRangeManager(1000, nil)

	_, err := m.AllocFixed(100, 100, 0, nil)
	require.NoError(t, err)
	_, err = m.AllocFixed(250, 100, 0, nil)
	require.NoError(t, err)

	// Holes: [0,100) [200,250) [350,1000)
	_, offset := allocate(t, m, metadata.Request{Size: 50, Strategy: metadata.AllocationStrategyMinMemory})
	require.Equal(t, 200, offset)

	_, offset = allocate(t, m, metadata.Request{Size: 50, Strategy: metadata.AllocationStrategyMinOffset})
	require.Equal(t, 0, offset)
}

func TestRangeManagerAlignmentAndBounds(t *testing.T) {
	m := metadata.NewRangeManager(1000, nil)

	_, err := m.AllocFixed(0, 10, 0, nil)
	require.NoError(t, err)

	_, offset := allocate(t, m, metadata.Request{Size: 10, Alignment: 64})
	require.Equal(t, 64, offset)

	_, offset = allocate(t, m, metadata.Request{Size: 10, Start: 500, End: 600})
	require.Equal(t, 500, offset)

	_, offset = allocate(t, m, metadata.Request{Size: 100, Alignment: 64, Upper: true})
	require.Equal(t, 896, offset)

	success, _, err := m.CreateAllocationRequest(metadata.Request{Size: 200, Start: 500, End: 600})
	require.NoError(t, err)
	require.False(t, success)

	_, _, err = m.CreateAllocationRequest(metadata.Request{Size: 10, Alignment: 3})
	require.True(t, errors.Is(err, memutils.ErrMisaligned))

	_, _, err = m.CreateAllocationRequest(metadata.Request{Size: 0})
	require.Error(t, err)

	_, _, err = m.CreateAllocationRequest(metadata.Request{Size: 10, Start: 900, End: 1100})
	require.Error(t, err)
}

func TestRangeManagerColors(t *testing.T) {
	m := metadata.NewRangeManager(256, metadata.GuardColorCheck{Guard: 16})

	_, err := m.AllocFixed(0, 64, 1, nil)
	require.NoError(t, err)

	success, request, err := m.CreateAllocationRequest(metadata.Request{Size: 64, Color: 2})
	require.NoError(t, err)
	require.True(t, success)
	require.Equal(t, 80, request.Offset)

	success, request, err = m.CreateAllocationRequest(metadata.Request{Size: 64, Color: 2, Alignment: 64})
	require.NoError(t, err)
	require.True(t, success)
	require.Equal(t, 128, request.Offset)

	success, request, err = m.CreateAllocationRequest(metadata.Request{Size: 64, Color: 1})
	require.NoError(t, err)
	require.True(t, success)
	require.Equal(t, 64, request.Offset)

	_, err = m.AllocFixed(70, 10, 2, nil)
	require.True(t, errors.Is(err, memutils.ErrColorConflict))

	_, err = m.AllocFixed(60, 10, 1, nil)
	require.True(t, errors.Is(err, memutils.ErrOutOfSpace))

	_, err = m.AllocFixed(80, 10, 2, nil)
	require.NoError(t, err)
	require.NoError(t, m.Validate())
}

func TestRangeManagerReserve(t *testing.T) {
	m := metadata.NewRangeManager(1000, nil)

	reserved, err := m.Reserve(900, 100)
	require.NoError(t, err)
	require.Equal(t, 900, m.SumFreeSize())
	require.Equal(t, 100, m.ReservedSize())
	require.True(t, m.IsEmpty())

	success, _, err := m.CreateAllocationRequest(metadata.Request{Size: 950})
	require.NoError(t, err)
	require.False(t, success)

	var regions []metadata.Region
	m.VisitRange(0, 1000, func(region metadata.Region) bool {
		regions = append(regions, region)
		return true
	})
	require.Len(t, regions, 2)
	require.True(t, regions[0].Free)
	require.Equal(t, 900, regions[0].Size)
	require.True(t, regions[1].Reserved)
	require.Equal(t, metadata.ColorReserved, regions[1].Color)

	require.NoError(t, m.Free(reserved))
	require.Equal(t, 1000, m.SumFreeSize())
	require.Error(t, m.Free(reserved))
}

func TestRangeManagerVisitRange(t *testing.T) {
	m := metadata.NewRangeManager(100, nil)

	first, err := m.AllocFixed(10, 10, 0, "first")
	require.NoError(t, err)
	second, err := m.AllocFixed(40, 20, 0, "second")
	require.NoError(t, err)

	var regions []metadata.Region
	m.VisitRange(15, 50, func(region metadata.Region) bool {
		regions = append(regions, region)
		return true
	})

	require.Equal(t, []metadata.Region{
		{Handle: first, Offset: 10, Size: 10, UserData: "first"},
		{Handle: metadata.NoAllocation, Offset: 20, Size: 20, Free: true},
		{Handle: second, Offset: 40, Size: 20, UserData: "second"},
	}, regions)

	var free []int
	err = m.VisitAllRegions(func(handle metadata.AllocationHandle, offset int, size int, userData any, isFree bool) error {
		if isFree {
			free = append(free, offset)
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []int{0, 20, 60}, free)

	regions = regions[:0]
	m.VisitRange(0, 100, func(region metadata.Region) bool {
		regions = append(regions, region)
		return !region.Free
	})
	require.Len(t, regions, 1)
}

func TestRangeManagerUserData(t *testing.T) {
	m := metadata.NewRangeManager(100, nil)

	handle, err := m.AllocFixed(10, 10, 3, 1)
	require.NoError(t, err)

	require.NoError(t, m.SetAllocationUserData(handle, 2))
	userData, err := m.AllocationUserData(handle)
	require.NoError(t, err)
	require.Equal(t, 2, userData)

	color, err := m.AllocationColor(handle)
	require.NoError(t, err)
	require.Equal(t, metadata.Color(3), color)

	offset, err := m.AllocationOffset(handle)
	require.NoError(t, err)
	require.Equal(t, 10, offset)

	m.Clear()
	require.Equal(t, 100, m.SumFreeSize())
	_, err = m.AllocationOffset(handle)
	require.Error(t, err)
}

func TestRangeManagerJson(t *testing.T) {
	m := metadata.NewRangeManager(100, nil)
	_, err := m.AllocFixed(10, 10, 0, nil)
	require.NoError(t, err)

	writer := jwriter.NewWriter()
	objState := writer.Object()
	m.BlockJsonData(&objState)
	m.PrintDetailedMap(&objState, nil)
	objState.End()

	require.NoError(t, writer.Error())
	require.JSONEq(t, `{
		"TotalBytes": 100,
		"UnusedBytes": 90,
		"ReservedBytes": 0,
		"Allocations": 1,
		"UnusedRanges": 2,
		"Regions": [
			{"Offset": 0, "Size": 10, "Type": "Free"},
			{"Offset": 10, "Size": 10, "Type": "Allocation", "Color": 0},
			{"Offset": 20, "Size": 80, "Type": "Free"}
		]
	}`, string(writer.Bytes()))
}

func TestPlaceInHole(t *testing.T) {
	check := metadata.GuardColorCheck{Guard: 4}
	left := metadata.Color(1)

	offset, fits := metadata.PlaceInHole(check, 0, 32, &left, nil, metadata.Request{Size: 8, Color: 2, End: 32})
	require.True(t, fits)
	require.Equal(t, 4, offset)

	offset, fits = metadata.PlaceInHole(check, 0, 32, &left, &left, metadata.Request{Size: 8, Color: 2, End: 32, Upper: true})
	require.True(t, fits)
	require.Equal(t, 20, offset)

	_, fits = metadata.PlaceInHole(check, 0, 12, &left, &left, metadata.Request{Size: 8, Color: 2, End: 32})
	require.False(t, fits)
}

func requireConsistentLayout(t *testing.T, m *metadata.RangeManager, guard int, live map[metadata.AllocationHandle]metadata.Region) {
	require.NoError(t, m.Validate())
	require.Equal(t, m.Size(), m.SumFreeSize()+m.AllocatedSize()+m.ReservedSize())

	cursor := 0
	free := 0
	seen := 0
	var prev *metadata.Region
	m.VisitRange(0, m.Size(), func(region metadata.Region) bool {
		require.Equal(t, cursor, region.Offset)
		cursor = region.End()

		if region.Free {
			free += region.Size
			return true
		}

		seen++
		expected, ok := live[region.Handle]
		require.True(t, ok, "region at %d has no live handle", region.Offset)
		require.Equal(t, expected.Offset, region.Offset)
		require.Equal(t, expected.Size, region.Size)
		require.Equal(t, expected.Reserved, region.Reserved)

		if prev != nil && m.ColorCheck().ColorsConflict(prev.Color, region.Color) {
			require.GreaterOrEqual(t, region.Offset-prev.End(), guard,
				"colors %d and %d sit %d bytes apart", prev.Color, region.Color, region.Offset-prev.End())
		}
		current := region
		prev = &current
		return true
	})

	require.Equal(t, m.Size(), cursor)
	require.Equal(t, m.SumFreeSize(), free)
	require.Equal(t, len(live), seen)
}

func TestRangeManagerRandomSequences(t *testing.T) {
	const size = 1 << 14
	const guard = 16
	alignments := []uint{1, 16, 64, 256}
	strategies := []metadata.AllocationStrategy{
		metadata.AllocationStrategyMinOffset,
		metadata.AllocationStrategyMinMemory,
	}

	for seed := int64(1); seed <= 8; seed++ {
		rng := rand.New(rand.NewSource(seed))
		m := metadata.NewRangeManager(size, metadata.GuardColorCheck{Guard: guard})
		live := make(map[metadata.AllocationHandle]metadata.Region)
		var handles []metadata.AllocationHandle

		tail := rng.Intn(4) * 512
		if tail > 0 {
			handle, err := m.Reserve(size-tail, tail)
			require.NoError(t, err)
			live[handle] = metadata.Region{Offset: size - tail, Size: tail, Color: metadata.ColorReserved, Reserved: true}
			handles = append(handles, handle)
		}
		requireConsistentLayout(t, m, guard, live)

		for step := 0; step < 2000; step++ {
			switch roll := rng.Intn(10); {
			case roll < 6:
				request := metadata.Request{
					Size:      1 + rng.Intn(512),
					Alignment: alignments[rng.Intn(len(alignments))],
					Color:     metadata.Color(rng.Intn(3)),
					Strategy:  strategies[rng.Intn(len(strategies))],
					Upper:     rng.Intn(3) == 0,
				}
				success, allocRequest, err := m.CreateAllocationRequest(request)
				require.NoError(t, err)
				if !success {
					break
				}
				require.Zero(t, allocRequest.Offset%int(request.Alignment))

				handle, err := m.Alloc(allocRequest, nil)
				require.NoError(t, err, "seed %d step %d", seed, step)
				live[handle] = metadata.Region{Offset: allocRequest.Offset, Size: request.Size, Color: request.Color}
				handles = append(handles, handle)
			case roll < 7:
				offset := rng.Intn(size - 64)
				length := 1 + rng.Intn(64)
				handle, err := m.Reserve(offset, length)
				if err != nil {
					require.True(t, errors.Is(err, memutils.ErrOutOfSpace) || errors.Is(err, memutils.ErrColorConflict), err.Error())
					break
				}
				live[handle] = metadata.Region{Offset: offset, Size: length, Color: metadata.ColorReserved, Reserved: true}
				handles = append(handles, handle)
			default:
				if len(handles) == 0 {
					break
				}
				index := rng.Intn(len(handles))
				handle := handles[index]
				handles[index] = handles[len(handles)-1]
				handles = handles[:len(handles)-1]

				require.NoError(t, m.Free(handle))
				delete(live, handle)
			}

			requireConsistentLayout(t, m, guard, live)
		}

		for _, handle := range handles {
			require.NoError(t, m.Free(handle))
		}
		require.Equal(t, size, m.SumFreeSize())
		require.True(t, m.IsEmpty())
		require.NoError(t, m.Validate())
	}
}
