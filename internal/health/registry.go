// Package health implements per-account circuit breakers.
//
// Every broker account (model.AccountKey) owns an independent health record
// guarded by its own mutex, so failures on one account can never change whether
// another account may trade. The registry-wide lock is held only to find or
// create an account's record.
//
// State machine:
//
//	Healthy ⇄ Degraded       ⌈FailureThreshold/2⌉ failures / SuccessThreshold successes
//	Healthy|Degraded → Quarantined   FailureThreshold consecutive failures (circuit opens)
//	Quarantined → Recovering         after Timeout, one half-open probe is admitted
//	                                 (a probe unanswered for Timeout frees its slot)
//	Recovering → Healthy             SuccessThreshold consecutive successes
//	Recovering → Quarantined         any failure while half-open
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/atmx/control-plane/internal/model"
)

// latencyAlpha is the EMA smoothing factor for operation latency.
const latencyAlpha = 0.3

// Stable CanExecute reasons. Quarantine denials are prefixed with
// ReasonQuarantined and carry the remaining time.
const (
	ReasonHealthy         = "healthy"
	ReasonDegraded        = "degraded"
	ReasonQuarantined     = "quarantined"
	ReasonCircuitOpen     = "circuit open"
	ReasonRecoveryAttempt = "recovery attempt"
	ReasonHalfOpenLimit   = "half-open probe limit reached"
)

var ErrInvalidConfig = errors.New("health: invalid config")

// Config holds the circuit breaker thresholds shared by every account.
type Config struct {
	// FailureThreshold consecutive failures open the circuit.
	FailureThreshold int `json:"failure_threshold"`
	// SuccessThreshold consecutive successes close it again.
	SuccessThreshold int `json:"success_threshold"`
	// Timeout is how long an account stays quarantined before a probe.
	Timeout time.Duration `json:"timeout"`
	// MaxHalfOpenCalls is the number of concurrent probes while recovering.
	MaxHalfOpenCalls int `json:"max_half_open_calls"`
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 3,
		Timeout:          300 * time.Second,
		MaxHalfOpenCalls: 1,
	}
}

// Validate rejects thresholds that would make the state machine unusable.
func (c Config) Validate() error {
	switch {
	case c.FailureThreshold < 1:
		return fmt.Errorf("%w: failure threshold must be >= 1, got %d", ErrInvalidConfig, c.FailureThreshold)
	case c.SuccessThreshold < 1:
		return fmt.Errorf("%w: success threshold must be >= 1, got %d", ErrInvalidConfig, c.SuccessThreshold)
	case c.Timeout <= 0:
		return fmt.Errorf("%w: timeout must be positive, got %s", ErrInvalidConfig, c.Timeout)
	case c.MaxHalfOpenCalls < 1:
		return fmt.Errorf("%w: max half-open calls must be >= 1, got %d", ErrInvalidConfig, c.MaxHalfOpenCalls)
	}
	return nil
}

func (c Config) degradeThreshold() int {
	return (c.FailureThreshold + 1) / 2
}

// Transition describes one account status change.
type Transition struct {
	Key    model.AccountKey   `json:"key"`
	From   model.HealthStatus `json:"from"`
	To     model.HealthStatus `json:"to"`
	Reason string             `json:"reason"`
	At     time.Time          `json:"at"`
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithTransitionHook registers fn to be called after every status change.
// It runs under the account's lock, so one account's transitions arrive in
// order. fn must not block or call back into the registry.
func WithTransitionHook(fn func(Transition)) Option {
	return func(r *Registry) { r.onTransition = fn }
}

// Registry tracks health for every account it has seen.
type Registry struct {
	cfg          Config
	now          func() time.Time
	onTransition func(Transition)

	mu       sync.RWMutex // guards accounts map only
	accounts map[model.AccountKey]*account
}

// NewRegistry creates a registry with the given thresholds.
func NewRegistry(cfg Config, opts ...Option) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Registry{
		cfg:      cfg,
		now:      time.Now,
		accounts: make(map[model.AccountKey]*account),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Config returns the thresholds in use.
func (r *Registry) Config() Config { return r.cfg }

// RegisterAccount creates a Healthy record for key if none exists.
func (r *Registry) RegisterAccount(key model.AccountKey) {
	r.lookup(key)
}

// CanExecute reports whether key may place an operation now. Unseen keys
// are registered as Healthy.
func (r *Registry) CanExecute(key model.AccountKey) (bool, string) {
	a := r.lookup(key)
	now := r.now()

	a.mu.Lock()
	defer a.mu.Unlock()
	allowed, reason, tr := a.canExecute(now, r.cfg)
	r.emit(tr)
	return allowed, reason
}

// RecordSuccess records a completed operation and its latency in milliseconds.
func (r *Registry) RecordSuccess(key model.AccountKey, latencyMs float64) {
	a := r.lookup(key)
	now := r.now()

	a.mu.Lock()
	defer a.mu.Unlock()
	r.emit(a.recordSuccess(now, latencyMs, r.cfg))
}

// RecordFailure records a failed operation of the given type.
func (r *Registry) RecordFailure(key model.AccountKey, ft model.FailureType) {
	a := r.lookup(key)
	now := r.now()

	a.mu.Lock()
	defer a.mu.Unlock()
	r.emit(a.recordFailure(now, ft, r.cfg))
}

// ReleaseProbe returns a half-open probe slot taken by CanExecute when the
// admitted operation ended without reaching the broker, so no success or
// failure will be recorded for it. It is a no-op outside the half-open
// window.
func (r *Registry) ReleaseProbe(key model.AccountKey) {
	a := r.lookup(key)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.circuitOpen && a.halfOpen && a.halfOpenAttempts > 0 {
		a.halfOpenAttempts--
	}
}

// ResetAccount force-resets key to a fresh Healthy record.
func (r *Registry) ResetAccount(key model.AccountKey) Snapshot {
	a := r.lookup(key)
	now := r.now()

	a.mu.Lock()
	from := a.status
	a.reset()
	var tr *Transition
	if from != model.StatusHealthy {
		tr = &Transition{Key: a.key, From: from, To: model.StatusHealthy, Reason: "manual reset", At: now}
	}
	snap := a.snapshot(now, r.cfg)
	slog.Info("account health reset", "account", a.key.String(), "from", from)
	r.emit(tr)
	a.mu.Unlock()
	return snap
}

// GetStatus returns the snapshot for key without registering it.
func (r *Registry) GetStatus(key model.AccountKey) (Snapshot, bool) {
	key = normalizeKey(key)
	r.mu.RLock()
	a, ok := r.accounts[key]
	r.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}

	now := r.now()
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshot(now, r.cfg), true
}

// GetAllStatuses returns snapshots of every account ordered by key.
func (r *Registry) GetAllStatuses() []Snapshot {
	now := r.now()
	accounts := r.all()
	out := make([]Snapshot, 0, len(accounts))
	for _, a := range accounts {
		a.mu.Lock()
		out = append(out, a.snapshot(now, r.cfg))
		a.mu.Unlock()
	}
	return out
}

// IsolationReport summarizes the registry. The four status counts always
// sum to TotalAccounts.
type IsolationReport struct {
	TotalAccounts       int       `json:"total_accounts"`
	Healthy             int       `json:"healthy"`
	Degraded            int       `json:"degraded"`
	Quarantined         int       `json:"quarantined"`
	Recovering          int       `json:"recovering"`
	QuarantinedAccounts []string  `json:"quarantined_accounts"`
	RecoveringAccounts  []string  `json:"recovering_accounts"`
	GeneratedAt         time.Time `json:"generated_at"`
}

// GetIsolationReport counts accounts by status.
func (r *Registry) GetIsolationReport() IsolationReport {
	rep := IsolationReport{
		QuarantinedAccounts: []string{},
		RecoveringAccounts:  []string{},
		GeneratedAt:         r.now().UTC(),
	}
	for _, a := range r.all() {
		a.mu.Lock()
		status := a.status
		a.mu.Unlock()

		rep.TotalAccounts++
		switch status {
		case model.StatusDegraded:
			rep.Degraded++
		case model.StatusQuarantined:
			rep.Quarantined++
			rep.QuarantinedAccounts = append(rep.QuarantinedAccounts, a.key.String())
		case model.StatusRecovering:
			rep.Recovering++
			rep.RecoveringAccounts = append(rep.RecoveringAccounts, a.key.String())
		default:
			rep.Healthy++
		}
	}
	return rep
}

// lookup finds or creates the record for key. The write lock is only taken
// on a miss.
func (r *Registry) lookup(key model.AccountKey) *account {
	key = normalizeKey(key)

	r.mu.RLock()
	a, ok := r.accounts[key]
	r.mu.RUnlock()
	if ok {
		return a
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok = r.accounts[key]; ok {
		return a
	}
	a = &account{key: key, status: model.StatusHealthy, registeredAt: r.now().UTC()}
	r.accounts[key] = a
	slog.Debug("account registered", "account", key.String())
	return a
}

// all returns the account records ordered by key.
func (r *Registry) all() []*account {
	r.mu.RLock()
	accounts := make([]*account, 0, len(r.accounts))
	for _, a := range r.accounts {
		accounts = append(accounts, a)
	}
	r.mu.RUnlock()

	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].key.String() < accounts[j].key.String()
	})
	return accounts
}

func (r *Registry) emit(tr *Transition) {
	if tr == nil {
		return
	}
	level := slog.LevelInfo
	if tr.To == model.StatusQuarantined {
		level = slog.LevelWarn
	}
	slog.Log(context.Background(), level, "account health transition",
		"account", tr.Key.String(),
		"from", tr.From,
		"to", tr.To,
		"reason", tr.Reason,
	)
	if r.onTransition != nil {
		r.onTransition(*tr)
	}
}

func normalizeKey(k model.AccountKey) model.AccountKey {
	return model.NewAccountKey(k.OwnerKind, k.OwnerID, k.BrokerID)
}

// account is the health record of one key. Every field is guarded by mu.
type account struct {
	mu  sync.Mutex
	key model.AccountKey

	status               model.HealthStatus
	consecutiveFailures  int
	consecutiveSuccesses int
	totalFailures        int
	totalSuccesses       int
	failureCounts        [model.NumFailureTypes]int

	circuitOpen      bool
	circuitOpenedAt  time.Time
	halfOpen         bool
	halfOpenAttempts int
	probeAdmittedAt  time.Time
	quarantineCount  int

	avgLatencyMs   float64
	latencySamples int

	lastFailureAt time.Time
	lastSuccessAt time.Time
	registeredAt  time.Time
}

func (a *account) canExecute(now time.Time, cfg Config) (bool, string, *Transition) {
	if a.status == model.StatusQuarantined {
		elapsed := now.Sub(a.circuitOpenedAt)
		if elapsed < cfg.Timeout {
			return false, fmt.Sprintf("%s: %s remaining", ReasonQuarantined, ceilSeconds(cfg.Timeout-elapsed)), nil
		}
		tr := a.transition(model.StatusRecovering, "quarantine timeout elapsed", now)
		a.halfOpen = true
		a.halfOpenAttempts = 1
		a.probeAdmittedAt = now
		a.consecutiveSuccesses = 0
		return true, ReasonRecoveryAttempt, tr
	}

	if a.circuitOpen && !a.halfOpen {
		return false, ReasonCircuitOpen, nil
	}

	if a.circuitOpen && a.halfOpen {
		// A probe with no outcome after Timeout is presumed lost.
		if a.halfOpenAttempts >= cfg.MaxHalfOpenCalls && now.Sub(a.probeAdmittedAt) >= cfg.Timeout {
			a.halfOpenAttempts = 0
		}
		if a.halfOpenAttempts < cfg.MaxHalfOpenCalls {
			a.halfOpenAttempts++
			a.probeAdmittedAt = now
			return true, ReasonRecoveryAttempt, nil
		}
		return false, ReasonHalfOpenLimit, nil
	}

	if a.status == model.StatusDegraded {
		return true, ReasonDegraded, nil
	}
	return true, ReasonHealthy, nil
}

func (a *account) recordSuccess(now time.Time, latencyMs float64, cfg Config) *Transition {
	a.totalSuccesses++
	a.consecutiveSuccesses++
	a.consecutiveFailures = 0
	a.lastSuccessAt = now

	if latencyMs >= 0 && !math.IsNaN(latencyMs) && !math.IsInf(latencyMs, 0) {
		if a.latencySamples == 0 {
			a.avgLatencyMs = latencyMs
		} else {
			a.avgLatencyMs = latencyAlpha*latencyMs + (1-latencyAlpha)*a.avgLatencyMs
		}
		a.latencySamples++
	}

	if a.circuitOpen {
		if a.consecutiveSuccesses >= cfg.SuccessThreshold {
			a.circuitOpen = false
			a.circuitOpenedAt = time.Time{}
			a.halfOpen = false
			a.halfOpenAttempts = 0
			return a.transition(model.StatusHealthy,
				fmt.Sprintf("%d consecutive successes", a.consecutiveSuccesses), now)
		}
		// The probe completed; free its slot for the next one.
		if a.halfOpen && a.halfOpenAttempts > 0 {
			a.halfOpenAttempts--
		}
		return nil
	}

	if a.status == model.StatusDegraded && a.consecutiveSuccesses >= cfg.SuccessThreshold {
		return a.transition(model.StatusHealthy,
			fmt.Sprintf("%d consecutive successes", a.consecutiveSuccesses), now)
	}
	return nil
}

func (a *account) recordFailure(now time.Time, ft model.FailureType, cfg Config) *Transition {
	if ft < 0 || int(ft) >= model.NumFailureTypes {
		ft = model.FailureUnknown
	}
	a.totalFailures++
	a.consecutiveFailures++
	a.consecutiveSuccesses = 0
	a.failureCounts[ft]++
	a.lastFailureAt = now

	// A failed probe re-quarantines immediately.
	if a.circuitOpen && a.halfOpen {
		a.halfOpen = false
		a.halfOpenAttempts = 0
		a.circuitOpenedAt = now
		a.quarantineCount++
		return a.transition(model.StatusQuarantined, "recovery probe failed: "+ft.String(), now)
	}

	if a.consecutiveFailures >= cfg.FailureThreshold {
		if a.circuitOpen {
			return nil
		}
		a.circuitOpen = true
		a.circuitOpenedAt = now
		a.quarantineCount++
		return a.transition(model.StatusQuarantined,
			fmt.Sprintf("%d consecutive failures, last %s", a.consecutiveFailures, ft), now)
	}

	if a.consecutiveFailures >= cfg.degradeThreshold() && a.status == model.StatusHealthy {
		return a.transition(model.StatusDegraded,
			fmt.Sprintf("%d consecutive failures, last %s", a.consecutiveFailures, ft), now)
	}
	return nil
}

func (a *account) transition(to model.HealthStatus, reason string, now time.Time) *Transition {
	from := a.status
	a.status = to
	if from == to {
		return nil
	}
	return &Transition{Key: a.key, From: from, To: to, Reason: reason, At: now.UTC()}
}

func (a *account) reset() {
	a.status = model.StatusHealthy
	a.consecutiveFailures = 0
	a.consecutiveSuccesses = 0
	a.totalFailures = 0
	a.totalSuccesses = 0
	a.failureCounts = [model.NumFailureTypes]int{}
	a.circuitOpen = false
	a.circuitOpenedAt = time.Time{}
	a.halfOpen = false
	a.halfOpenAttempts = 0
	a.probeAdmittedAt = time.Time{}
	a.quarantineCount = 0
	a.avgLatencyMs = 0
	a.latencySamples = 0
	a.lastFailureAt = time.Time{}
	a.lastSuccessAt = time.Time{}
}

func ceilSeconds(d time.Duration) time.Duration {
	return time.Duration(math.Ceil(d.Seconds())) * time.Second
}
