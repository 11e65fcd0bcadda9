package cache

import "sync/atomic"

// Stats collects fork cache performance counters. All fields are safe for
// concurrent access; the handler increments them on its request path.
type Stats struct {
	Hits           atomic.Uint64 // requests answered from the cache or side-buffer
	Misses         atomic.Uint64 // requests that had to wait on a fetch
	AccountFetches atomic.Uint64
	StorageFetches atomic.Uint64
	HashFetches    atomic.Uint64
	FetchErrors    atomic.Uint64
}

// StatsSnapshot is an immutable copy of the counters
type StatsSnapshot struct {
	Hits           uint64
	Misses         uint64
	AccountFetches uint64
	StorageFetches uint64
	HashFetches    uint64
	FetchErrors    uint64
}

// Snapshot returns an immutable copy of the current statistics
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Hits:           s.Hits.Load(),
		Misses:         s.Misses.Load(),
		AccountFetches: s.AccountFetches.Load(),
		StorageFetches: s.StorageFetches.Load(),
		HashFetches:    s.HashFetches.Load(),
		FetchErrors:    s.FetchErrors.Load(),
	}
}

// Fetches returns the total number of remote fetches started
func (s StatsSnapshot) Fetches() uint64 {
	return s.AccountFetches + s.StorageFetches + s.HashFetches
}

// HitRate returns hits / (hits + misses), 0 when nothing was recorded
func (s *Stats) HitRate() float64 {
	hits := s.Hits.Load()
	total := hits + s.Misses.Load()
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}
