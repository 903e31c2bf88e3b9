// Package risk implements the sequential risk gates every candidate trade
// must pass, and the per-session kill switch.
//
// Gates run in a fixed order and the first failure wins:
//
//	0. kill switch       active switch rejects everything
//	1. capital guard     trade size bounds, position %, concurrent positions
//	2. drawdown guard    daily loss and peak drawdown, both trip the switch
//	3. volatility guard  black-swan level trips the switch, tier threshold rejects
//	4. execution gate    trade must fit in available capital
//
// Inside the volatility guard the black-swan level is tested before the tier
// threshold. Every tier threshold is at or below BlackSwanVolatility, so the
// reverse order would never reach it; a STARTER trade at 97 therefore trips
// the switch at Critical instead of earning a Warning rejection.
package risk

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/control-plane/internal/model"
)

var ErrNegativeCapital = errors.New("risk: capital must not be negative")

// Gate identifiers carried on every Decision.
const (
	GateKillSwitch = "kill_switch"
	GateCapital    = "capital_guard"
	GateDrawdown   = "drawdown_guard"
	GateVolatility = "volatility_guard"
	GateExecution  = "execution_gate"
	GateApproved   = "approved"
)

var hundred = decimal.NewFromInt(100)

// Decision is the outcome of ValidateTrade. Message is never empty.
type Decision struct {
	Approved bool            `json:"approved"`
	Level    model.RiskLevel `json:"level"`
	Gate     string          `json:"gate"`
	Message  string          `json:"message"`
}

// TradeResult is one closed trade reported by the execution layer.
type TradeResult struct {
	PnlDelta      decimal.Decimal `json:"pnl_delta"`
	IsWin         bool            `json:"is_win"`
	DrawdownPct   float64         `json:"drawdown_pct"`
	VolatilityPct float64         `json:"volatility_pct"`
}

// KillSwitchEvent reports a kill switch change.
type KillSwitchEvent struct {
	Tier      model.Tier `json:"tier"`
	Active    bool       `json:"active"`
	Reason    string     `json:"reason"`
	Automatic bool       `json:"automatic"`
	At        time.Time  `json:"at"`
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLocation sets the time zone whose midnight starts a new trading day.
func WithLocation(loc *time.Location) Option {
	return func(e *Engine) { e.loc = loc }
}

// WithKillSwitchHook registers fn for every kill switch change. It runs
// after the engine lock is released.
func WithKillSwitchHook(fn func(KillSwitchEvent)) Option {
	return func(e *Engine) { e.onKillSwitch = fn }
}

// Engine holds the risk state of one tier session. All state is guarded by mu.
type Engine struct {
	tier         model.Tier
	limits       Limits
	now          func() time.Time
	loc          *time.Location
	onKillSwitch func(KillSwitchEvent)

	mu             sync.Mutex
	capital        decimal.Decimal
	peakCapital    decimal.Decimal
	dailyPnl       decimal.Decimal
	dailyResetDate string
	tradesToday    int
	winsToday      int
	lossesToday    int

	killSwitchActive bool
	killSwitchReason string
	killSwitchAt     time.Time
}

// NewEngine creates the risk engine for tier with the starting capital.
func NewEngine(tier model.Tier, capital decimal.Decimal, opts ...Option) (*Engine, error) {
	l, err := LimitsFor(tier)
	if err != nil {
		return nil, err
	}
	if capital.IsNegative() {
		return nil, fmt.Errorf("%w: %s", ErrNegativeCapital, capital)
	}
	e := &Engine{
		tier:        tier,
		limits:      l,
		now:         time.Now,
		loc:         time.Local,
		capital:     capital,
		peakCapital: capital,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.loc == nil {
		e.loc = time.Local
	}
	e.dailyResetDate = e.dateKey(e.now())
	return e, nil
}

// Tier returns the engine's tier.
func (e *Engine) Tier() model.Tier { return e.tier }

// Limits returns the engine's tier limits.
func (e *Engine) Limits() Limits { return e.limits }

// ValidateTrade runs every gate against a candidate trade.
func (e *Engine) ValidateTrade(tradeSizeUSD decimal.Decimal, openPositions int, volatility float64) Decision {
	var events []KillSwitchEvent

	e.mu.Lock()
	events = appendEvent(events, e.resetIfNewDayLocked())
	d, ev := e.validateLocked(tradeSizeUSD, openPositions, volatility)
	events = appendEvent(events, ev)
	e.mu.Unlock()

	e.emit(events)
	return d
}

func (e *Engine) validateLocked(size decimal.Decimal, openPositions int, volatility float64) (Decision, *KillSwitchEvent) {
	l := e.limits

	// Gate 0: kill switch.
	if e.killSwitchActive {
		return reject(model.LevelCritical, GateKillSwitch, "kill switch active: "+e.killSwitchReason), nil
	}

	// Gate 1: capital guard.
	if size.LessThan(l.MinTradeUSD) {
		return reject(model.LevelWarning, GateCapital,
			fmt.Sprintf("trade size $%s below minimum $%s", size.StringFixed(2), l.MinTradeUSD.StringFixed(2))), nil
	}
	if size.GreaterThan(l.MaxTradeUSD) {
		return reject(model.LevelWarning, GateCapital,
			fmt.Sprintf("trade size $%s exceeds maximum $%s", size.StringFixed(2), l.MaxTradeUSD.StringFixed(2))), nil
	}
	if !e.capital.IsPositive() {
		return reject(model.LevelDanger, GateCapital, "no capital available"), nil
	}
	if pct := size.Div(e.capital).Mul(hundred); pct.GreaterThan(l.MaxPositionSizePct) {
		return reject(model.LevelWarning, GateCapital,
			fmt.Sprintf("position size %s%% exceeds limit %s%%", pct.StringFixed(1), l.MaxPositionSizePct.StringFixed(1))), nil
	}
	if openPositions >= l.MaxConcurrentPositions {
		return reject(model.LevelWarning, GateCapital,
			fmt.Sprintf("open positions %d at limit %d", openPositions, l.MaxConcurrentPositions)), nil
	}

	// Gate 2: drawdown guard.
	if e.dailyPnl.IsNegative() {
		lossPct := e.dailyPnl.Neg().Div(e.capital).Mul(hundred)
		if lossPct.GreaterThanOrEqual(l.MaxDailyLossPct) {
			reason := fmt.Sprintf("daily loss limit reached: %s%% >= %s%%", lossPct.StringFixed(1), l.MaxDailyLossPct.StringFixed(1))
			return reject(model.LevelCritical, GateDrawdown, reason), e.activateLocked(reason, true)
		}
	}
	if e.capital.LessThan(e.peakCapital) {
		ddPct := e.peakCapital.Sub(e.capital).Div(e.peakCapital).Mul(hundred)
		if ddPct.GreaterThanOrEqual(l.MaxDrawdownPct) {
			reason := fmt.Sprintf("max drawdown reached: %s%% >= %s%%", ddPct.StringFixed(1), l.MaxDrawdownPct.StringFixed(1))
			return reject(model.LevelCritical, GateDrawdown, reason), e.activateLocked(reason, true)
		}
	}

	// Gate 3: volatility guard. The absolute level is checked first so it
	// stays reachable for tiers whose threshold equals it.
	if volatility > BlackSwanVolatility {
		reason := fmt.Sprintf("black swan volatility %.1f > %.1f", volatility, BlackSwanVolatility)
		return reject(model.LevelCritical, GateVolatility, reason), e.activateLocked(reason, true)
	}
	if volatility > l.VolatilityThreshold {
		return reject(model.LevelWarning, GateVolatility,
			fmt.Sprintf("volatility %.1f exceeds tier threshold %.1f", volatility, l.VolatilityThreshold)), nil
	}

	// Gate 4: execution gate.
	if size.GreaterThan(e.capital) {
		return reject(model.LevelDanger, GateExecution,
			fmt.Sprintf("insufficient capital: trade $%s exceeds available $%s", size.StringFixed(2), e.capital.StringFixed(2))), nil
	}

	return Decision{Approved: true, Level: model.LevelSafe, Gate: GateApproved, Message: "all risk gates passed"}, nil
}

func reject(level model.RiskLevel, gate, msg string) Decision {
	return Decision{Approved: false, Level: level, Gate: gate, Message: msg}
}

// UpdateDailyPnl adds delta to today's realized P&L.
func (e *Engine) UpdateDailyPnl(delta decimal.Decimal) {
	e.mu.Lock()
	ev := e.resetIfNewDayLocked()
	e.dailyPnl = e.dailyPnl.Add(delta)
	e.mu.Unlock()

	e.emit(appendEvent(nil, ev))
}

// UpdateCapital replaces current capital with an authoritative balance.
// Peak capital only ever rises.
func (e *Engine) UpdateCapital(capital decimal.Decimal) error {
	if capital.IsNegative() {
		return fmt.Errorf("%w: %s", ErrNegativeCapital, capital)
	}
	e.mu.Lock()
	ev := e.resetIfNewDayLocked()
	e.capital = capital
	if capital.GreaterThan(e.peakCapital) {
		e.peakCapital = capital
	}
	e.mu.Unlock()

	e.emit(appendEvent(nil, ev))
	return nil
}

// RecordTradeResult applies the outcome of a closed trade. A reported
// drawdown at the tier limit or black-swan volatility trips the switch.
func (e *Engine) RecordTradeResult(res TradeResult) {
	var events []KillSwitchEvent

	e.mu.Lock()
	events = appendEvent(events, e.resetIfNewDayLocked())
	e.dailyPnl = e.dailyPnl.Add(res.PnlDelta)
	e.tradesToday++
	if res.IsWin {
		e.winsToday++
	} else {
		e.lossesToday++
	}

	maxDD := e.limits.MaxDrawdownPct.InexactFloat64()
	switch {
	case res.DrawdownPct >= maxDD:
		reason := fmt.Sprintf("max drawdown reached: %.1f%% >= %.1f%%", res.DrawdownPct, maxDD)
		events = appendEvent(events, e.activateLocked(reason, true))
	case res.VolatilityPct > BlackSwanVolatility:
		reason := fmt.Sprintf("black swan volatility %.1f > %.1f", res.VolatilityPct, BlackSwanVolatility)
		events = appendEvent(events, e.activateLocked(reason, true))
	case e.dailyPnl.IsNegative() && e.capital.IsPositive():
		lossPct := e.dailyPnl.Neg().Div(e.capital).Mul(hundred)
		if lossPct.GreaterThanOrEqual(e.limits.MaxDailyLossPct) {
			reason := fmt.Sprintf("daily loss limit reached: %s%% >= %s%%", lossPct.StringFixed(1), e.limits.MaxDailyLossPct.StringFixed(1))
			events = appendEvent(events, e.activateLocked(reason, true))
		}
	}
	e.mu.Unlock()

	e.emit(events)
}

// ActivateKillSwitch halts trading for this session. It reports false if
// the switch was already active.
func (e *Engine) ActivateKillSwitch(reason string) bool {
	if strings.TrimSpace(reason) == "" {
		reason = "manual"
	}
	e.mu.Lock()
	ev := e.activateLocked(reason, false)
	e.mu.Unlock()

	e.emit(appendEvent(nil, ev))
	return ev != nil
}

// DeactivateKillSwitch resumes trading. It reports false if the switch was
// not active.
func (e *Engine) DeactivateKillSwitch() bool {
	e.mu.Lock()
	ev := e.deactivateLocked("manual", false)
	e.mu.Unlock()

	e.emit(appendEvent(nil, ev))
	return ev != nil
}

// KillSwitchActive reports whether trading is halted.
func (e *Engine) KillSwitchActive() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.killSwitchActive
}

// CheckDailyReset starts a new trading day if local midnight has passed
// since the last check. It reports whether a reset happened.
func (e *Engine) CheckDailyReset() bool {
	e.mu.Lock()
	before := e.dailyResetDate
	ev := e.resetIfNewDayLocked()
	reset := e.dailyResetDate != before
	e.mu.Unlock()

	e.emit(appendEvent(nil, ev))
	return reset
}

func (e *Engine) resetIfNewDayLocked() *KillSwitchEvent {
	today := e.dateKey(e.now())
	if today == e.dailyResetDate {
		return nil
	}
	slog.Info("risk daily reset",
		"tier", e.tier,
		"previous_date", e.dailyResetDate,
		"daily_pnl", e.dailyPnl.String(),
		"trades", e.tradesToday,
	)
	e.dailyResetDate = today
	e.dailyPnl = decimal.Zero
	e.tradesToday, e.winsToday, e.lossesToday = 0, 0, 0

	// Drawdown stops survive the reset and need a manual deactivation.
	if e.killSwitchActive && !isDrawdownReason(e.killSwitchReason) {
		return e.deactivateLocked("daily reset", true)
	}
	return nil
}

func isDrawdownReason(reason string) bool {
	return strings.Contains(strings.ToLower(reason), "drawdown")
}

func (e *Engine) activateLocked(reason string, automatic bool) *KillSwitchEvent {
	if e.killSwitchActive {
		return nil
	}
	at := e.now().UTC()
	e.killSwitchActive = true
	e.killSwitchReason = reason
	e.killSwitchAt = at
	return &KillSwitchEvent{Tier: e.tier, Active: true, Reason: reason, Automatic: automatic, At: at}
}

func (e *Engine) deactivateLocked(reason string, automatic bool) *KillSwitchEvent {
	if !e.killSwitchActive {
		return nil
	}
	prev := e.killSwitchReason
	e.killSwitchActive = false
	e.killSwitchReason = ""
	e.killSwitchAt = time.Time{}
	return &KillSwitchEvent{
		Tier:      e.tier,
		Active:    false,
		Reason:    reason + " (was: " + prev + ")",
		Automatic: automatic,
		At:        e.now().UTC(),
	}
}

func (e *Engine) emit(events []KillSwitchEvent) {
	for _, ev := range events {
		if ev.Active {
			slog.Error("kill switch activated", "tier", ev.Tier, "reason", ev.Reason, "automatic", ev.Automatic)
		} else {
			slog.Warn("kill switch deactivated", "tier", ev.Tier, "reason", ev.Reason, "automatic", ev.Automatic)
		}
		if e.onKillSwitch != nil {
			e.onKillSwitch(ev)
		}
	}
}

func appendEvent(events []KillSwitchEvent, ev *KillSwitchEvent) []KillSwitchEvent {
	if ev == nil {
		return events
	}
	return append(events, *ev)
}

func (e *Engine) dateKey(t time.Time) string {
	return t.In(e.loc).Format("2006-01-02")
}
