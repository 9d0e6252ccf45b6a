package metrics

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
)

// Stats keeps the running visit counters. Safe for concurrent use.
type Stats struct {
	total    atomic.Uint64
	failed   atomic.Uint64
	attempts atomic.Uint64
	retries  atomic.Uint64

	proxies func() int
}

// NewStats creates a collector. activeProxies reports the pool size for snapshots, nil means 0.
func NewStats(activeProxies func() int) *Stats {
	return &Stats{proxies: activeProxies}
}

// Success counts a visit that ended with a 2xx response
func (s *Stats) Success() { s.total.Add(1) }

// Failure counts a visit whose retry budget ran out
func (s *Stats) Failure() { s.failed.Add(1) }

// Attempt counts one request attempt; retry marks attempts after the first
func (s *Stats) Attempt(retry bool) {
	s.attempts.Add(1)
	if retry {
		s.retries.Add(1)
	}
}

// Snapshot is a point-in-time view of Stats
type Snapshot struct {
	TotalVisits   uint64 `json:"totalVisits"`
	FailedVisits  uint64 `json:"failedVisits"`
	Attempts      uint64 `json:"attempts"`
	Retries       uint64 `json:"retries"`
	SuccessRate   Rate   `json:"successRate"`
	ActiveProxies int    `json:"activeProxies"`
}

// Snapshot reads all counters. Counters are loaded one by one, so a snapshot taken while
// visits complete may mix values from adjacent instants.
func (s *Stats) Snapshot() Snapshot {
	snap := Snapshot{
		TotalVisits:  s.total.Load(),
		FailedVisits: s.failed.Load(),
		Attempts:     s.attempts.Load(),
		Retries:      s.retries.Load(),
	}
	snap.SuccessRate = successRate(snap.TotalVisits, snap.FailedVisits)
	if s.proxies != nil {
		snap.ActiveProxies = s.proxies()
	}
	return snap
}

// Rate is a percentage that may be undefined
type Rate struct {
	Percent float64
	Defined bool
}

// String renders the rate with two decimals, or "undefined"
func (r Rate) String() string {
	if !r.Defined {
		return "undefined"
	}
	return fmt.Sprintf("%.2f%%", r.Percent)
}

// MarshalJSON renders the formatted rate, or null when undefined
func (r Rate) MarshalJSON() ([]byte, error) {
	if !r.Defined {
		return []byte("null"), nil
	}
	return json.Marshal(r.String())
}

// successRate is (total - failed) / total, undefined without any successful visit
func successRate(total, failed uint64) Rate {
	if total == 0 {
		return Rate{}
	}
	return Rate{
		Percent: (float64(total) - float64(failed)) / float64(total) * 100,
		Defined: true,
	}
}
