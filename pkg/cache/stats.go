package cache

import "sync/atomic"

// Stats tracks cache performance counters for the debug surface.
// Read-only for consumers; no effect on correctness.
type Stats struct {
	Hits          atomic.Int64
	Misses        atomic.Int64
	StaleHits     atomic.Int64
	Sets          atomic.Int64
	Evictions     atomic.Int64
	Invalidations atomic.Int64
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Hits          int64   `json:"hits"`
	Misses        int64   `json:"misses"`
	StaleHits     int64   `json:"stale_hits"`
	Sets          int64   `json:"sets"`
	Evictions     int64   `json:"evictions"`
	Invalidations int64   `json:"invalidations"`
	HitRate       float64 `json:"hit_rate"`
	Entries       int     `json:"entries"`
}

// Stats returns a snapshot of the counters and current entry count.
func (c *Cache) Stats() Snapshot {
	s := Snapshot{
		Hits:          c.stats.Hits.Load(),
		Misses:        c.stats.Misses.Load(),
		StaleHits:     c.stats.StaleHits.Load(),
		Sets:          c.stats.Sets.Load(),
		Evictions:     c.stats.Evictions.Load(),
		Invalidations: c.stats.Invalidations.Load(),
		Entries:       c.Len(),
	}

	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

// ResetStats zeroes every counter. Intended for test isolation.
func (c *Cache) ResetStats() {
	c.stats.Hits.Store(0)
	c.stats.Misses.Store(0)
	c.stats.StaleHits.Store(0)
	c.stats.Sets.Store(0)
	c.stats.Evictions.Store(0)
	c.stats.Invalidations.Store(0)
}
