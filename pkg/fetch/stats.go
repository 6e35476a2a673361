package fetch

import (
	"fmt"
	"sync/atomic"

	"github.com/tunabay/go-infounit"
)

// Stats is a snapshot of engine counters and store occupancy.
type Stats struct {
	Requests       int64              `json:"requests"`        // Get and GetFor calls, including invalid keys.
	Hits           int64              `json:"hits"`            // served from the store.
	Misses         int64              `json:"misses"`          // joined or started a fetch.
	FetchesStarted int64              `json:"fetches_started"` // network operations begun.
	Failures       int64              `json:"failures"`        // fetches that ended in an error.
	Superseded     int64              `json:"superseded"`      // deliveries replaced by a superseded error.
	Evictions      int64              `json:"evictions"`       // entries evicted to make room.
	Rejected       int64              `json:"rejected"`        // decoded entries too large to cache.
	Entries        int                `json:"entries"`         // entries currently cached.
	TotalCost      infounit.ByteCount `json:"total_cost"`      // decoded size currently cached.
	InFlight       int                `json:"in_flight"`       // fetches currently in progress.
}

// String returns the string representation of Stats.
func (s Stats) String() string {
	return fmt.Sprintf(
		"entries=%d, cost=%.1S, req=%d, hit=%d, miss=%d, fetch=%d, fail=%d, stale=%d, evict=%d, reject=%d, inflight=%d",
		s.Entries,
		s.TotalCost,
		s.Requests,
		s.Hits,
		s.Misses,
		s.FetchesStarted,
		s.Failures,
		s.Superseded,
		s.Evictions,
		s.Rejected,
		s.InFlight,
	)
}

type counters struct {
	requests       atomic.Int64
	hits           atomic.Int64
	misses         atomic.Int64
	fetchesStarted atomic.Int64
	failures       atomic.Int64
	superseded     atomic.Int64
	evictions      atomic.Int64
	rejected       atomic.Int64
}
