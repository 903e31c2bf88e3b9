package risk

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/control-plane/internal/model"
)

// Status is a JSON-serializable snapshot of an engine.
type Status struct {
	Tier                  model.Tier      `json:"tier"`
	Limits                Limits          `json:"limits"`
	Capital               decimal.Decimal `json:"capital"`
	PeakCapital           decimal.Decimal `json:"peak_capital"`
	DrawdownPct           decimal.Decimal `json:"drawdown_pct"`
	DailyPnl              decimal.Decimal `json:"daily_pnl"`
	DailyPnlPct           decimal.Decimal `json:"daily_pnl_pct"`
	DailyResetDate        string          `json:"daily_reset_date"`
	TradesToday           int             `json:"trades_today"`
	WinsToday             int             `json:"wins_today"`
	LossesToday           int             `json:"losses_today"`
	KillSwitchActive      bool            `json:"kill_switch_active"`
	KillSwitchReason      string          `json:"kill_switch_reason,omitempty"`
	KillSwitchActivatedAt *time.Time      `json:"kill_switch_activated_at,omitempty"`
}

// Status returns the current snapshot, running the daily reset first.
func (e *Engine) Status() Status {
	e.mu.Lock()
	ev := e.resetIfNewDayLocked()
	s := Status{
		Tier:             e.tier,
		Limits:           e.limits,
		Capital:          e.capital,
		PeakCapital:      e.peakCapital,
		DrawdownPct:      decimal.Zero,
		DailyPnl:         e.dailyPnl,
		DailyPnlPct:      decimal.Zero,
		DailyResetDate:   e.dailyResetDate,
		TradesToday:      e.tradesToday,
		WinsToday:        e.winsToday,
		LossesToday:      e.lossesToday,
		KillSwitchActive: e.killSwitchActive,
		KillSwitchReason: e.killSwitchReason,
	}
	if e.peakCapital.IsPositive() && e.capital.LessThan(e.peakCapital) {
		s.DrawdownPct = e.peakCapital.Sub(e.capital).Div(e.peakCapital).Mul(hundred).Round(2)
	}
	if e.capital.IsPositive() {
		s.DailyPnlPct = e.dailyPnl.Div(e.capital).Mul(hundred).Round(2)
	}
	if e.killSwitchActive {
		at := e.killSwitchAt
		s.KillSwitchActivatedAt = &at
	}
	e.mu.Unlock()

	e.emit(appendEvent(nil, ev))
	return s
}
