package main

import (
	"context"
	"math/rand/v2"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/gpuvm/gvm"
	"github.com/vkngwrapper/gpuvm/gvm/fence"
	"github.com/vkngwrapper/gpuvm/memutils"
	"github.com/vkngwrapper/gpuvm/memutils/pagetable"
	"golang.org/x/exp/slog"
)

// phaseReport counts how each operation in a phase turned out
type phaseReport struct {
	Name       string
	Bound      int
	OutOfSpace int
	Busy       int
	DeviceHung int
	Pinned     int
	Submitted  int
	Evicted    int

	ScratchAcquired int
	ScratchFailed   int
}

func (r *phaseReport) countFailure(err error) error {
	switch {
	case errors.Is(err, memutils.ErrOutOfSpace):
		r.OutOfSpace++
	case errors.Is(err, memutils.ErrBusy):
		r.Busy++
	case errors.Is(err, memutils.ErrDeviceHung):
		r.DeviceHung++
	default:
		return err
	}
	return nil
}

type report struct {
	Phases    []phaseReport
	Manager   gvm.ManagerStatistics
	Pool      gvm.ScratchPoolStatistics
	LivePages int
	// SpaceStats holds BuildStatsString for every space, taken before teardown
	SpaceStats []string
}

type simulation struct {
	logger   *slog.Logger
	workload *workload
	random   *rand.Rand

	pages    *simulatedPages
	timeline *fence.Timeline
	hang     *fence.HangFlag
	manager  *gvm.Manager
	pool     *gvm.ScratchPool

	objects []*gvm.Object
	next    int
}

// simulate runs every phase of w against a fresh manager and tears everything down afterwards. Expected
// failures such as running out of space are counted in the report; anything else aborts the run.
func simulate(ctx context.Context, logger *slog.Logger, w *workload, detailedMap bool) (*report, error) {
	pageSize := w.Space.PageSize
	if pageSize == 0 {
		pageSize = gvm.DefaultPageSize
	}

	sim := &simulation{
		logger:   logger,
		workload: w,
		random:   rand.New(rand.NewPCG(w.Seed, w.Seed^0x9e3779b97f4a7c15)),
		pages:    newSimulatedPages(pageSize),
		timeline: fence.NewTimeline(),
		hang:     &fence.HangFlag{},
	}

	spaceOptions := gvm.CreateOptions{
		Size:         w.Space.Size,
		PageSize:     pageSize,
		FanOut:       w.Space.FanOut,
		ReservedSize: w.Space.ReservedSize,
		ColorGuard:   w.Space.ColorGuard,
		Oracle:       sim.timeline,
		Hang:         sim.hang,
		WaitTimeout:  w.Space.WaitTimeout.Duration,
	}
	privateOptions := spaceOptions
	privateOptions.ReservedSize = 0
	if w.Space.PrivateSize > 0 {
		privateOptions.Size = w.Space.PrivateSize
	}

	var err error
	sim.manager, err = gvm.NewManager(logger, gvm.ManagerOptions{
		Global:  spaceOptions,
		Private: privateOptions,
	})
	if err != nil {
		return nil, err
	}

	for i := 0; i < w.Space.Privates; i++ {
		_, err = sim.manager.CreatePrivateSpace(0)
		if err != nil {
			return nil, errors.CombineErrors(err, sim.manager.Destroy())
		}
	}

	sim.pool, err = gvm.NewScratchPool(logger, sim.manager.Global(), gvm.ScratchPoolOptions{
		MaxBucket: w.Pool.MaxBucket,
		Pages:     sim.pages,
	})
	if err != nil {
		return nil, errors.CombineErrors(err, sim.manager.Destroy())
	}

	var result report
	for _, phase := range w.Phases {
		phaseResult, err := sim.runPhase(ctx, phase)
		if err != nil {
			return nil, errors.CombineErrors(errors.Wrapf(err, "phase %q", phase.Name), sim.teardown(ctx))
		}
		result.Phases = append(result.Phases, phaseResult)
	}

	result.Manager = sim.manager.Statistics()
	result.Pool = sim.pool.Statistics()
	for _, space := range sim.manager.Spaces() {
		result.SpaceStats = append(result.SpaceStats, space.BuildStatsString(detailedMap))
	}

	if err := sim.teardown(ctx); err != nil {
		return nil, err
	}
	result.LivePages = sim.pages.Live()

	return &result, nil
}

func (s *simulation) between(low, high int) int {
	return low + s.random.IntN(high-low+1)
}

func (s *simulation) runPhase(ctx context.Context, phase phaseConfig) (phaseReport, error) {
	s.logger.Info("Starting phase", slog.String("phase", phase.Name))

	result := phaseReport{Name: phase.Name}
	flags, err := phase.bindFlags()
	if err != nil {
		return result, err
	}

	spaces := s.manager.Spaces()
	pageSize := spaces[0].PageSize()
	caches := max(phase.Caches, 1)

	var pins []*gvm.PinHandle
	defer func() {
		for _, pin := range pins {
			pin.Release()
		}
	}()

	for i := 0; i < phase.Objects; i++ {
		object := gvm.NewObject(s.between(phase.MinPages, phase.MaxPages)*pageSize, s.pages)
		object.SetName(phase.Name)
		s.objects = append(s.objects, object)

		space := spaces[s.next%len(spaces)]
		s.next++

		binding, err := space.Bind(ctx, object, gvm.BindOptions{
			Cache: pagetable.CacheLevel(s.random.IntN(caches)),
			Flags: flags,
		})
		if err != nil {
			if err := result.countFailure(err); err != nil {
				return result, err
			}
			continue
		}
		result.Bound++

		if s.random.IntN(100) < phase.PinPercent {
			pins = append(pins, binding.Pin())
			result.Pinned++
		}
		if s.random.IntN(100) < phase.ActivePercent {
			s.timeline.Submit(binding)
			result.Submitted++
		}
	}

	for i := 0; i < phase.ScratchAcquires; i++ {
		buffer, err := s.pool.Acquire(ctx, s.between(1, phase.ScratchMaxPages)*pageSize)
		if err != nil {
			result.ScratchFailed++
			if err := result.countFailure(err); err != nil {
				return result, err
			}
			continue
		}
		result.ScratchAcquired++

		if s.random.IntN(100) < phase.ActivePercent {
			s.timeline.Submit(buffer.Binding())
		}
		buffer.Release()
	}

	if phase.Hang {
		s.logger.Warn("Marking the device hung", slog.String("phase", phase.Name))
		s.hang.Set()
	}
	if phase.Signal {
		s.timeline.SignalAll()
	}
	if phase.EvictAll {
		err = s.manager.EvictEverything(ctx, gvm.EvictAllowBlocking)
		if err != nil && !errors.Is(err, memutils.ErrDeviceHung) {
			return result, err
		}
	}

	for _, space := range spaces {
		result.Evicted += len(space.TakeEvicted())
	}

	s.logger.Info("Finished phase",
		slog.String("phase", phase.Name),
		slog.Int("bound", result.Bound),
		slog.Int("evicted", result.Evicted),
		slog.Int("outOfSpace", result.OutOfSpace),
		slog.Int("busy", result.Busy),
	)
	return result, nil
}

// teardown idles the device and releases everything the simulation created
func (s *simulation) teardown(ctx context.Context) error {
	s.hang.Clear()
	s.timeline.SignalAll()

	err := s.pool.Teardown(ctx, true)
	for _, object := range s.objects {
		err = errors.CombineErrors(err, object.Destroy(ctx))
	}
	return errors.CombineErrors(err, s.manager.Destroy())
}
