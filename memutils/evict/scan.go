package evict

import (
	"fmt"

	"github.com/vkngwrapper/gpuvm/memutils/metadata"
)

// Disposition describes whether the scan may pick an allocation as a victim
type Disposition uint8

const (
	// DispositionEvictable allocations can be unbound immediately
	DispositionEvictable Disposition = iota
	// DispositionActive allocations can be unbound once the device is done with them
	DispositionActive
	// DispositionBlocked allocations are pinned or otherwise may not be unbound
	DispositionBlocked
)

var dispositionMapping = map[Disposition]string{
	DispositionEvictable: "DispositionEvictable",
	DispositionActive:    "DispositionActive",
	DispositionBlocked:   "DispositionBlocked",
}

func (d Disposition) String() string {
	str, ok := dispositionMapping[d]
	if !ok {
		return fmt.Sprintf("Disposition(%d)", uint8(d))
	}
	return str
}

// Outcome is the overall verdict of a Scan
type Outcome uint8

const (
	// OutcomeNoSpace means that evicting every unpinned allocation in range would still not make room
	OutcomeNoSpace Outcome = iota
	// OutcomeFound means that evicting Victims makes room at Offset
	OutcomeFound
	// OutcomeBusy means that evicting Victims makes room at Offset, but some of them are still in use
	// by the device
	OutcomeBusy
)

var outcomeMapping = map[Outcome]string{
	OutcomeNoSpace: "OutcomeNoSpace",
	OutcomeFound:   "OutcomeFound",
	OutcomeBusy:    "OutcomeBusy",
}

func (o Outcome) String() string {
	str, ok := outcomeMapping[o]
	if !ok {
		return fmt.Sprintf("Outcome(%d)", uint8(o))
	}
	return str
}

// Candidate is one region of the scanned range. Free regions carry no disposition.
type Candidate struct {
	metadata.Region
	Disposition Disposition
}

func (c Candidate) blocks(allowActive bool) bool {
	if c.Free {
		return false
	}
	if c.Reserved || c.Disposition == DispositionBlocked {
		return true
	}
	return c.Disposition == DispositionActive && !allowActive
}

// Result reports what a Scan found
type Result struct {
	Outcome Outcome
	// Offset is where the requested range fits once Victims are gone
	Offset int
	// Victims are the allocations that must be unbound, in ascending offset order
	Victims []Candidate
	// Scanned is the number of candidates examined across all passes
	Scanned int
}

// VictimBytes is the total size of the victims
func (r Result) VictimBytes() int {
	var total int
	for _, victim := range r.Victims {
		total += victim.Size
	}
	return total
}

// Scan looks for a set of allocations whose removal makes room for request. candidates must be in
// ascending offset order and cover request's placement range without gaps, as produced by
// metadata.RangeManager.VisitRange; request must already be resolved.
//
// Candidates are accumulated in address order: each blocked allocation resets the window, and the
// first window that can hold the request wins. This favours a cheap scan over tight packing. Only
// window allocations that overlap the placement, or that sit within the color guard of it with a
// conflicting color, become victims.
//
// If no window works using only evictable allocations, the scan is repeated treating active allocations
// as evictable. Success on that pass yields OutcomeBusy along with the victims the caller would need to
// wait on.
func Scan(request metadata.Request, candidates []Candidate, check metadata.ColorCheck) Result {
	if check == nil {
		check = metadata.NoColorCheck{}
	}

	var result Result

	offset, victims, scanned, found := scanPass(request, candidates, check, false)
	result.Scanned += scanned
	if found {
		result.Outcome = OutcomeFound
		result.Offset = offset
		result.Victims = victims
		return result
	}

	offset, victims, scanned, found = scanPass(request, candidates, check, true)
	result.Scanned += scanned
	if found {
		result.Outcome = OutcomeBusy
		result.Offset = offset
		result.Victims = victims
		return result
	}

	result.Outcome = OutcomeNoSpace
	return result
}

func scanPass(request metadata.Request, candidates []Candidate, check metadata.ColorCheck, allowActive bool) (int, []Candidate, int, bool) {
	windowStart := -1
	var leftColor *metadata.Color

	for i := range candidates {
		candidate := candidates[i]

		if candidate.blocks(allowActive) {
			windowStart = -1
			color := candidate.Color
			leftColor = &color
			continue
		}

		if windowStart < 0 {
			windowStart = i
		}

		var rightColor *metadata.Color
		if i+1 < len(candidates) && !candidates[i+1].Free {
			color := candidates[i+1].Color
			rightColor = &color
		}

		offset, fits := metadata.PlaceInHole(check, candidates[windowStart].Offset, candidate.End(), leftColor, rightColor, request)
		if !fits {
			continue
		}

		return offset, selectVictims(candidates[windowStart:i+1], offset, request, check), i + 1, true
	}

	return 0, nil, len(candidates), false
}

func selectVictims(window []Candidate, offset int, request metadata.Request, check metadata.ColorCheck) []Candidate {
	var victims []Candidate
	end := offset + request.Size
	guard := check.GuardSize()

	for _, candidate := range window {
		if candidate.Free {
			continue
		}

		switch {
		case candidate.Offset < end && candidate.End() > offset:
			victims = append(victims, candidate)
		case guard == 0:
		case candidate.End() <= offset && offset-candidate.End() < guard && check.ColorsConflict(candidate.Color, request.Color):
			victims = append(victims, candidate)
		case candidate.Offset >= end && candidate.Offset-end < guard && check.ColorsConflict(request.Color, candidate.Color):
			victims = append(victims, candidate)
		}
	}

	return victims
}
