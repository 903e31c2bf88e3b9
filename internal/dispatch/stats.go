package dispatch

import (
	"sync"

	"github.com/atmx/control-plane/internal/model"
)

// Counters aggregates execution outcomes. AvgLatencyMs is an incremental mean.
type Counters struct {
	Total        int64   `json:"total"`
	Successful   int64   `json:"successful"`
	Failed       int64   `json:"failed"`
	SuccessRate  float64 `json:"success_rate"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	SLAMisses    int64   `json:"sla_misses"`
}

func (c *Counters) add(success bool, latencyMs float64) {
	c.Total++
	if success {
		c.Successful++
	} else {
		c.Failed++
	}
	c.AvgLatencyMs += (latencyMs - c.AvgLatencyMs) / float64(c.Total)
	c.SuccessRate = float64(c.Successful) / float64(c.Total)
}

// ExecutionStats is a JSON snapshot of global and per-tier execution counters.
type ExecutionStats struct {
	Global Counters                `json:"global"`
	ByTier map[model.Tier]Counters `json:"by_tier"`
}

type statsTracker struct {
	mu     sync.Mutex
	global Counters
	byTier map[model.Tier]*Counters
}

func newStatsTracker() *statsTracker {
	return &statsTracker{byTier: make(map[model.Tier]*Counters)}
}

func (s *statsTracker) tierLocked(tier model.Tier) *Counters {
	c, ok := s.byTier[tier]
	if !ok {
		c = &Counters{}
		s.byTier[tier] = c
	}
	return c
}

func (s *statsTracker) record(tier model.Tier, success bool, latencyMs float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.global.add(success, latencyMs)
	s.tierLocked(tier).add(success, latencyMs)
}

func (s *statsTracker) slaMiss(tier model.Tier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.global.SLAMisses++
	s.tierLocked(tier).SLAMisses++
}

func (s *statsTracker) snapshot() ExecutionStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := ExecutionStats{
		Global: s.global,
		ByTier: make(map[model.Tier]Counters, len(s.byTier)),
	}
	for t, c := range s.byTier {
		out.ByTier[t] = *c
	}
	return out
}
