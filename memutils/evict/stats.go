package evict

// Stats accumulates eviction metrics over the life of an address space
type Stats struct {
	// Scans is the number of eviction scans performed
	Scans int
	// Candidates is the number of regions examined across all scans
	Candidates int
	// BindingsEvicted is the number of victims that were actually unbound
	BindingsEvicted int
	// BytesEvicted is the total size of the unbound victims
	BytesEvicted int
	// BusyResults is the number of scans that found room only behind active victims
	BusyResults int
	// NoSpaceResults is the number of scans that found no room at all
	NoSpaceResults int
}

func (s *Stats) Add(stats Stats) {
	s.Scans += stats.Scans
	s.Candidates += stats.Candidates
	s.BindingsEvicted += stats.BindingsEvicted
	s.BytesEvicted += stats.BytesEvicted
	s.BusyResults += stats.BusyResults
	s.NoSpaceResults += stats.NoSpaceResults
}

// Record folds a scan result into the stats
func (s *Stats) Record(result Result) {
	s.Scans++
	s.Candidates += result.Scanned

	switch result.Outcome {
	case OutcomeBusy:
		s.BusyResults++
	case OutcomeNoSpace:
		s.NoSpaceResults++
	}
}
