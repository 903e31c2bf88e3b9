// Package controlplane composes account isolation, tier risk gates and
// priority dispatch into the single entry point used by the strategy and
// execution layers.
//
// Per candidate trade the order is fixed: isolation, then risk, then
// routing. Post-trade updates to the three components are independent; a
// failure updating one never blocks the others.
package controlplane

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/control-plane/internal/audit"
	"github.com/atmx/control-plane/internal/dispatch"
	"github.com/atmx/control-plane/internal/health"
	"github.com/atmx/control-plane/internal/metrics"
	"github.com/atmx/control-plane/internal/model"
	"github.com/atmx/control-plane/internal/risk"
	"github.com/atmx/control-plane/internal/store"
)

var (
	ErrTierNotConfigured = errors.New("controlplane: tier not configured")
	ErrAuditFailed       = errors.New("controlplane: action applied but audit failed")
)

// Event types pushed to a Notifier.
const (
	EventAccountTransition = "account_transition"
	EventKillSwitch        = "kill_switch"
	EventQueuesCleared     = "queues_cleared"
)

// Event is a control-plane change pushed to subscribers.
type Event struct {
	Type string    `json:"type"`
	At   time.Time `json:"at"`
	Data any       `json:"data"`
}

// Notifier receives control-plane events. Notify must not block.
type Notifier interface {
	Notify(Event)
}

// Options configures New.
type Options struct {
	// Capital is the starting capital per tier. One risk engine is built
	// for every tier present.
	Capital map[model.Tier]decimal.Decimal
	Health  health.Config
	// Executor places routed orders. Nil disables the dispatch workers.
	Executor dispatch.Executor
	// Store persists the audit trail. Nil uses an in-memory store.
	Store    store.Store
	Notifier Notifier
	// Location is the time zone whose midnight resets daily risk state.
	Location *time.Location
	Clock    func() time.Time
	// HousekeepingInterval drives daily resets and gauge refreshes.
	// Zero means one minute.
	HousekeepingInterval time.Duration
}

// Facade is the control plane. Construct it with New.
type Facade struct {
	registry *health.Registry
	engines  map[model.Tier]*risk.Engine
	router   *dispatch.Router
	trail    *audit.Trail
	notifier Notifier
	now      func() time.Time
	interval time.Duration
	probes   probeSet

	startOnce sync.Once
	runDone   chan struct{}
	wg        sync.WaitGroup
	cancel    context.CancelFunc
}

// New validates opts and builds every component. Configuration faults are
// reported here, never on the trade path.
func New(opts Options) (*Facade, error) {
	if len(opts.Capital) == 0 {
		return nil, fmt.Errorf("%w: no tiers", ErrTierNotConfigured)
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Store == nil {
		opts.Store = store.NewMemoryStore()
	}
	if opts.HousekeepingInterval <= 0 {
		opts.HousekeepingInterval = time.Minute
	}

	f := &Facade{
		engines:  make(map[model.Tier]*risk.Engine, len(opts.Capital)),
		trail:    audit.NewTrail(opts.Store, opts.Clock),
		notifier: opts.Notifier,
		now:      opts.Clock,
		interval: opts.HousekeepingInterval,
		probes:   probeSet{orders: make(map[string]model.AccountKey)},
	}

	reg, err := health.NewRegistry(opts.Health,
		health.WithClock(opts.Clock),
		health.WithTransitionHook(f.onTransition),
	)
	if err != nil {
		return nil, err
	}
	f.registry = reg

	for tier, capital := range opts.Capital {
		eng, err := risk.NewEngine(tier, capital,
			risk.WithClock(opts.Clock),
			risk.WithLocation(opts.Location),
			risk.WithKillSwitchHook(f.onKillSwitch),
		)
		if err != nil {
			return nil, fmt.Errorf("risk engine %s: %w", tier, err)
		}
		f.engines[tier] = eng
		metrics.KillSwitchActive.WithLabelValues(string(tier)).Set(0)
	}

	f.router = dispatch.NewRouter(opts.Executor,
		dispatch.WithClock(opts.Clock),
		dispatch.WithResultHook(f.onResult),
		dispatch.WithDropHook(f.onDrop),
	)
	return f, nil
}

// Start launches workers dispatch workers and the housekeeping loop. Only
// the first call has an effect.
func (f *Facade) Start(ctx context.Context, workers int) {
	f.startOnce.Do(func() {
		ctx, f.cancel = context.WithCancel(ctx)
		f.runDone = make(chan struct{})

		go func() {
			defer close(f.runDone)
			if err := f.router.Run(ctx, workers); err != nil {
				slog.Warn("dispatch disabled", "err", err)
			}
		}()

		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			f.housekeeping(ctx)
		}()
	})
}

// Close stops admission and waits for the workers to drain the lanes. If
// ctx is done first, pending requests are abandoned in their lanes.
func (f *Facade) Close(ctx context.Context) error {
	f.router.Close()
	if f.cancel == nil {
		return nil
	}
	defer f.wg.Wait()

	select {
	case <-f.runDone:
		f.cancel()
		return nil
	case <-ctx.Done():
		f.cancel()
		<-f.runDone
		return ctx.Err()
	}
}

func (f *Facade) housekeeping(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, eng := range f.engines {
				eng.CheckDailyReset()
			}
			f.refreshAccountGauges()
		}
	}
}

func (f *Facade) refreshAccountGauges() {
	rep := f.registry.GetIsolationReport()
	metrics.AccountsByStatus.WithLabelValues(string(model.StatusHealthy)).Set(float64(rep.Healthy))
	metrics.AccountsByStatus.WithLabelValues(string(model.StatusDegraded)).Set(float64(rep.Degraded))
	metrics.AccountsByStatus.WithLabelValues(string(model.StatusQuarantined)).Set(float64(rep.Quarantined))
	metrics.AccountsByStatus.WithLabelValues(string(model.StatusRecovering)).Set(float64(rep.Recovering))
}

func (f *Facade) engine(tier model.Tier) (*risk.Engine, error) {
	eng, ok := f.engines[tier]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrTierNotConfigured, tier)
	}
	return eng, nil
}

func (f *Facade) notify(typ string, data any) {
	if f.notifier == nil {
		return
	}
	f.notifier.Notify(Event{Type: typ, At: f.now().UTC(), Data: data})
}

// --- Hooks ---

func (f *Facade) onTransition(tr health.Transition) {
	metrics.AccountTransitions.WithLabelValues(string(tr.From), string(tr.To)).Inc()
	f.notify(EventAccountTransition, tr)
}

// onKillSwitch audits automatic changes. Manual changes are audited by the
// administrative methods, which know the operator.
func (f *Facade) onKillSwitch(ev risk.KillSwitchEvent) {
	v := 0.0
	if ev.Active {
		v = 1
	}
	metrics.KillSwitchActive.WithLabelValues(string(ev.Tier)).Set(v)
	f.notify(EventKillSwitch, ev)

	if !ev.Automatic {
		return
	}
	action := model.ActionKillSwitchDeactivated
	if ev.Active {
		action = model.ActionKillSwitchActivated
	}
	if _, err := f.trail.Record(context.Background(), action, audit.SystemOperator, tierTarget(ev.Tier), ev.Reason); err != nil {
		slog.Error("audit automatic kill switch change", "tier", ev.Tier, "err", err)
	}
}

// onResult feeds dispatch outcomes back into account health. Shared
// infrastructure outages are not charged to the account.
func (f *Facade) onResult(res dispatch.Result) {
	key := res.Request.Order.Account
	probe := f.probes.untrack(res.Request.Order.ID)
	if errors.Is(res.Err, dispatch.ErrInfraUnavailable) {
		slog.Warn("execution skipped, infrastructure unavailable",
			"account", key.String(),
			"infra", string(res.Request.Infra),
		)
		if probe {
			f.registry.ReleaseProbe(key)
		}
		return
	}
	f.recordHealth(key, res.Success, res.LatencyMs, res.Err)
}

// onDrop frees the half-open slot of a probe that was cancelled or cleared
// before it reached a worker.
func (f *Facade) onDrop(req *model.ExecutionRequest) {
	if f.probes.untrack(req.Order.ID) {
		f.registry.ReleaseProbe(req.Order.Account)
	}
}

func (f *Facade) recordHealth(key model.AccountKey, success bool, latencyMs float64, err error) {
	if success {
		f.registry.RecordSuccess(key, latencyMs)
		return
	}
	ft := model.FailureExecution
	if err != nil {
		ft = health.Classify(err)
	}
	f.registry.RecordFailure(key, ft)
}

// probeSet records which queued orders hold a half-open probe slot.
type probeSet struct {
	mu     sync.Mutex
	orders map[string]model.AccountKey
}

func (p *probeSet) track(orderID string, key model.AccountKey) {
	p.mu.Lock()
	p.orders[orderID] = key
	p.mu.Unlock()
}

// untrack reports whether orderID was a probe.
func (p *probeSet) untrack(orderID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.orders[orderID]
	delete(p.orders, orderID)
	return ok
}

func tierTarget(t model.Tier) string { return "tier:" + string(t) }
