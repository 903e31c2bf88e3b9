package health

import (
	"time"

	"github.com/atmx/control-plane/internal/model"
)

// Snapshot is a JSON-serializable copy of one account's health record.
type Snapshot struct {
	Account              string             `json:"account"`
	Key                  model.AccountKey   `json:"key"`
	Status               model.HealthStatus `json:"status"`
	ConsecutiveFailures  int                `json:"consecutive_failures"`
	ConsecutiveSuccesses int                `json:"consecutive_successes"`
	TotalFailures        int                `json:"total_failures"`
	TotalSuccesses       int                `json:"total_successes"`
	FailureCounts        map[string]int     `json:"failure_counts"`
	CircuitOpen          bool               `json:"circuit_open"`
	CircuitOpenedAt      *time.Time         `json:"circuit_opened_at,omitempty"`
	HalfOpen             bool               `json:"half_open"`
	HalfOpenAttempts     int                `json:"half_open_attempts"`
	QuarantineCount      int                `json:"quarantine_count"`
	QuarantineRemaining  float64            `json:"quarantine_remaining_seconds,omitempty"`
	AvgLatencyMs         float64            `json:"avg_latency_ms"`
	LastFailureAt        *time.Time         `json:"last_failure_at,omitempty"`
	LastSuccessAt        *time.Time         `json:"last_success_at,omitempty"`
	RegisteredAt         time.Time          `json:"registered_at"`
}

// snapshot must be called with a.mu held.
func (a *account) snapshot(now time.Time, cfg Config) Snapshot {
	counts := make(map[string]int, model.NumFailureTypes)
	for i, n := range a.failureCounts {
		if n > 0 {
			counts[model.FailureType(i).String()] = n
		}
	}

	s := Snapshot{
		Account:              a.key.String(),
		Key:                  a.key,
		Status:               a.status,
		ConsecutiveFailures:  a.consecutiveFailures,
		ConsecutiveSuccesses: a.consecutiveSuccesses,
		TotalFailures:        a.totalFailures,
		TotalSuccesses:       a.totalSuccesses,
		FailureCounts:        counts,
		CircuitOpen:          a.circuitOpen,
		CircuitOpenedAt:      timePtr(a.circuitOpenedAt),
		HalfOpen:             a.halfOpen,
		HalfOpenAttempts:     a.halfOpenAttempts,
		QuarantineCount:      a.quarantineCount,
		AvgLatencyMs:         a.avgLatencyMs,
		LastFailureAt:        timePtr(a.lastFailureAt),
		LastSuccessAt:        timePtr(a.lastSuccessAt),
		RegisteredAt:         a.registeredAt,
	}
	if a.status == model.StatusQuarantined {
		if left := cfg.Timeout - now.Sub(a.circuitOpenedAt); left > 0 {
			s.QuarantineRemaining = left.Seconds()
		}
	}
	return s
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}
