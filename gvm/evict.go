package gvm

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/gpuvm/gvm/internal/slotmap"
	"github.com/vkngwrapper/gpuvm/memutils"
	"github.com/vkngwrapper/gpuvm/memutils/evict"
	"github.com/vkngwrapper/gpuvm/memutils/metadata"
	"golang.org/x/exp/slog"
)

// EvictRequest describes the range that EvictForRequest should make room for
type EvictRequest struct {
	// Size is rounded up to whole pages
	Size int
	// Alignment must be a power of two. Alignments smaller than a page are raised to a page.
	Alignment uint
	Color     metadata.Color
	// Start and End bound the placement. An End of 0 means the top of the usable space.
	Start, End int
	// High looks for room as high in the placement range as possible
	High  bool
	Flags EvictFlags
}

func (s *AddressSpace) disposition(region metadata.Region) evict.Disposition {
	binding, isBinding := region.UserData.(*Binding)
	if !isBinding || binding.pins > 0 {
		return evict.DispositionBlocked
	}

	switch binding.state {
	case BindingStateInactive:
		return evict.DispositionEvictable
	case BindingStateActive:
		return evict.DispositionActive
	default:
		return evict.DispositionBlocked
	}
}

func (s *AddressSpace) collectCandidates(start, end int) []evict.Candidate {
	guard := s.colorCheck.GuardSize()
	start = max(start-guard, 0)
	end = min(end+guard, s.geometry.Size())

	var candidates []evict.Candidate
	s.ranges.VisitRange(start, end, func(region metadata.Region) bool {
		candidate := evict.Candidate{Region: region}
		if !region.Free {
			candidate.Disposition = s.disposition(region)
		}
		candidates = append(candidates, candidate)
		return true
	})
	return candidates
}

// EvictForRequest unbinds just enough bindings that a subsequent Reserve with the same parameters can
// succeed. Bindings are considered in ascending address order and pinned bindings are never chosen.
//
// If room can only be made by evicting bindings the device is still using, the call fails with
// memutils.ErrBusy unless request.Flags contains EvictAllowBlocking, in which case it waits for them
// first, for at most the space's wait timeout. If room cannot be made even then, it fails with
// memutils.ErrOutOfSpace and nothing is evicted.
func (s *AddressSpace) EvictForRequest(ctx context.Context, request EvictRequest) error {
	s.logger.Debug("AddressSpace::EvictForRequest")

	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.evictForRequestLocked(ctx, request)
}

func (s *AddressSpace) evictForRequestLocked(ctx context.Context, request EvictRequest) error {
	flags := BindFlags(0)
	if request.High {
		flags |= BindHigh
	}

	metaRequest, err := s.buildRequest(ReserveRequest{
		Size:      request.Size,
		Alignment: request.Alignment,
		Color:     request.Color,
		Start:     request.Start,
		End:       request.End,
		Flags:     flags,
	})
	if err != nil {
		return err
	}
	metaRequest, err = s.ranges.ResolveRequest(metaRequest)
	if err != nil {
		if errors.Is(err, memutils.ErrMisaligned) {
			return err
		}
		return errors.Wrapf(memutils.ErrOutOfSpace, "cannot evict for an unsatisfiable request: %s", err)
	}

	s.retireLocked()

	candidates := s.collectCandidates(metaRequest.Start, metaRequest.End)
	result := evict.Scan(metaRequest, candidates, s.colorCheck)
	s.evictStats.Record(result)

	switch result.Outcome {
	case evict.OutcomeNoSpace:
		s.pressureLog.Do(func() {
			s.logger.Warn("eviction found no room",
				slog.Int("size", metaRequest.Size),
				slog.Int("start", metaRequest.Start),
				slog.Int("end", metaRequest.End),
				slog.Int("free", s.ranges.SumFreeSize()),
			)
		})
		return errors.Wrapf(memutils.ErrOutOfSpace, "evicting every unpinned binding in [%d, %d) would not make room for %d bytes", metaRequest.Start, metaRequest.End, metaRequest.Size)

	case evict.OutcomeBusy:
		if request.Flags&EvictAllowBlocking == 0 {
			return errors.Wrapf(memutils.ErrBusy, "making room for %d bytes requires evicting bindings still in use by the device", metaRequest.Size)
		}

		victims := make([]*Binding, 0, len(result.Victims))
		for _, victim := range result.Victims {
			victims = append(victims, victim.UserData.(*Binding))
		}
		if err := s.waitIdleLocked(ctx, victims); err != nil {
			return err
		}
	}

	s.evictVictimsLocked(result.Victims)
	return nil
}

func (s *AddressSpace) evictVictimsLocked(victims []evict.Candidate) {
	for _, victim := range victims {
		binding := victim.UserData.(*Binding)
		s.evictStats.BindingsEvicted++
		s.evictStats.BytesEvicted += binding.size
		s.releaseBindingLocked(binding, true)
	}

	memutils.DebugValidate(lockedSpace{space: s})
}

// EvictForNode unbinds every binding that overlaps [offset, offset+size), along with neighbours whose
// color would conflict with color across the guard gap, so that ReserveFixed can claim the range. Nothing
// is evicted if any of them is pinned or reserved, in which case the call fails with
// memutils.ErrOutOfSpace. Active bindings are handled as in EvictForRequest.
func (s *AddressSpace) EvictForNode(ctx context.Context, offset, size int, color metadata.Color, flags EvictFlags) error {
	s.logger.Debug("AddressSpace::EvictForNode")

	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.evictForNodeLocked(ctx, offset, size, color, flags)
}

func (s *AddressSpace) evictForNodeLocked(ctx context.Context, offset, size int, color metadata.Color, flags EvictFlags) error {
	pageSize := uint(s.geometry.PageSize)
	if !memutils.IsAligned(offset, pageSize) || !memutils.IsAligned(size, pageSize) {
		return errors.Wrapf(memutils.ErrMisaligned, "range [%d, %d) is not aligned to the page size %d", offset, offset+size, pageSize)
	}
	if size <= 0 || offset < 0 || offset+size > s.usableEnd() {
		return errors.Wrapf(memutils.ErrOutOfSpace, "range [%d, %d) lies outside the usable space [0, %d)", offset, offset+size, s.usableEnd())
	}

	s.retireLocked()

	guard := s.colorCheck.GuardSize()
	end := offset + size

	var victims []evict.Candidate
	var active []*Binding
	for _, candidate := range s.collectCandidates(offset, end) {
		if candidate.Free {
			continue
		}

		overlaps := candidate.Offset < end && candidate.End() > offset
		if !overlaps {
			switch {
			case guard == 0:
				continue
			case candidate.End() <= offset && (offset-candidate.End() >= guard || !s.colorCheck.ColorsConflict(candidate.Color, color)):
				continue
			case candidate.Offset >= end && (candidate.Offset-end >= guard || !s.colorCheck.ColorsConflict(color, candidate.Color)):
				continue
			}
		}

		switch candidate.Disposition {
		case evict.DispositionBlocked:
			return errors.Wrapf(memutils.ErrOutOfSpace, "range [%d, %d) is held by a pinned or reserved range at offset %d", offset, end, candidate.Offset)
		case evict.DispositionActive:
			if flags&EvictAllowBlocking == 0 {
				return errors.Wrapf(memutils.ErrBusy, "range [%d, %d) is held by a binding still in use by the device", offset, end)
			}
			active = append(active, candidate.UserData.(*Binding))
		}
		victims = append(victims, candidate)
	}

	if err := s.waitIdleLocked(ctx, active); err != nil {
		return err
	}

	s.evictStats.Scans++
	s.evictVictimsLocked(victims)
	return nil
}

// EvictAll unbinds every unpinned binding in the space. Each round retires completed device work and
// unbinds every inactive binding. When flags contains EvictAllowBlocking, the remaining active bindings
// are then waited on and another round begins; otherwise they are left in place. The call returns once
// a round finds nothing left to wait for.
func (s *AddressSpace) EvictAll(ctx context.Context, flags EvictFlags) error {
	s.logger.Debug("AddressSpace::EvictAll")

	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.evictAllLocked(ctx, flags)
}

func (s *AddressSpace) evictAllLocked(ctx context.Context, flags EvictFlags) error {
	for {
		s.retireLocked()

		var victims []evict.Candidate
		var active []*Binding
		s.bound.Each(func(key slotmap.Key, binding *Binding) bool {
			switch {
			case binding.evictable():
				victims = append(victims, evict.Candidate{
					Region: metadata.Region{
						Handle:   binding.handle,
						Offset:   binding.offset,
						Size:     binding.size,
						Color:    binding.color,
						UserData: binding,
					},
				})
			case binding.pins == 0 && binding.state == BindingStateActive:
				active = append(active, binding)
			}
			return true
		})

		s.evictStats.Scans++
		s.evictVictimsLocked(victims)

		if len(active) == 0 || flags&EvictAllowBlocking == 0 {
			return nil
		}

		if err := s.waitIdleLocked(ctx, active); err != nil {
			return err
		}
	}
}
