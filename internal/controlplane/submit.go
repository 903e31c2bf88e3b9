package controlplane

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/control-plane/internal/dispatch"
	"github.com/atmx/control-plane/internal/health"
	"github.com/atmx/control-plane/internal/metrics"
	"github.com/atmx/control-plane/internal/model"
	"github.com/atmx/control-plane/internal/risk"
)

// Decision stages.
const (
	StageInput     = "input"
	StageIsolation = "isolation"
	StageRisk      = "risk"
	StageRouting   = "routing"
	StageRouted    = "routed"
)

// Candidate is one trade proposed by the strategy layer.
type Candidate struct {
	Account       model.AccountKey `json:"account"`
	Tier          model.Tier       `json:"tier"`
	TradeSizeUSD  decimal.Decimal  `json:"trade_size_usd"`
	OpenPositions int              `json:"open_positions"`
	Volatility    float64          `json:"volatility"`
	Order         model.Order      `json:"order"`
}

// Decision is the outcome of Submit. Reason is never empty.
type Decision struct {
	Approved bool                        `json:"approved"`
	Stage    string                      `json:"stage"`
	Level    model.RiskLevel             `json:"level,omitempty"`
	Gate     string                      `json:"gate,omitempty"`
	Reason   string                      `json:"reason"`
	Routing  *dispatch.RoutingDescriptor `json:"routing,omitempty"`
}

// Submit runs a candidate through isolation, risk and routing. It always
// returns a decision; the first stage to refuse wins.
func (f *Facade) Submit(c Candidate) Decision {
	d := f.submit(c)
	result := "rejected"
	if d.Approved {
		result = "approved"
	}
	metrics.Decisions.WithLabelValues(d.Stage, result).Inc()
	return d
}

func (f *Facade) submit(c Candidate) Decision {
	if err := c.Account.Validate(); err != nil {
		return Decision{Stage: StageInput, Level: model.LevelDanger, Reason: err.Error()}
	}
	eng, err := f.engine(c.Tier)
	if err != nil {
		return Decision{Stage: StageInput, Level: model.LevelDanger, Reason: err.Error()}
	}

	ok, reason := f.registry.CanExecute(c.Account)
	if !ok {
		return Decision{Stage: StageIsolation, Reason: reason}
	}
	// A recovering account was handed its half-open slot. Every path that
	// ends without an execution outcome must give it back.
	probe := reason == health.ReasonRecoveryAttempt

	rd := eng.ValidateTrade(c.TradeSizeUSD, c.OpenPositions, c.Volatility)
	if !rd.Approved {
		if probe {
			f.registry.ReleaseProbe(c.Account)
		}
		metrics.RiskRejections.WithLabelValues(string(c.Tier), rd.Gate, string(rd.Level)).Inc()
		return Decision{Stage: StageRisk, Level: rd.Level, Gate: rd.Gate, Reason: rd.Message}
	}

	order := c.Order
	order.Account = c.Account
	if order.ID == "" {
		order.ID = uuid.NewString()
	}
	if order.SizeUSD.IsZero() {
		order.SizeUSD = c.TradeSizeUSD
	}
	if probe {
		f.probes.track(order.ID, c.Account)
	}
	desc, err := f.router.RouteOrder(c.Tier, order)
	if err != nil {
		if probe {
			f.probes.untrack(order.ID)
			f.registry.ReleaseProbe(c.Account)
		}
		return Decision{Stage: StageRouting, Level: rd.Level, Gate: rd.Gate, Reason: err.Error()}
	}
	return Decision{
		Approved: true,
		Stage:    StageRouted,
		Level:    rd.Level,
		Gate:     rd.Gate,
		Reason:   rd.Message,
		Routing:  &desc,
	}
}

// RecordOutcome reports an execution performed outside the dispatch
// workers. Account health and router statistics are updated independently.
func (f *Facade) RecordOutcome(key model.AccountKey, tier model.Tier, success bool, latencyMs float64, err error) {
	f.recordHealth(key, success, latencyMs, err)
	f.router.RecordExecution(tier, success, latencyMs)
}

// TradeOutcome is a closed trade reported by the execution layer.
type TradeOutcome struct {
	Tier          model.Tier      `json:"tier"`
	PnlDelta      decimal.Decimal `json:"pnl_delta"`
	IsWin         bool            `json:"is_win"`
	DrawdownPct   float64         `json:"drawdown_pct"`
	VolatilityPct float64         `json:"volatility_pct"`
}

// RecordTradeResult folds a closed trade into its tier's risk state.
func (f *Facade) RecordTradeResult(o TradeOutcome) error {
	eng, err := f.engine(o.Tier)
	if err != nil {
		return err
	}
	eng.RecordTradeResult(risk.TradeResult{
		PnlDelta:      o.PnlDelta,
		IsWin:         o.IsWin,
		DrawdownPct:   o.DrawdownPct,
		VolatilityPct: o.VolatilityPct,
	})
	return nil
}

// UpdateCapital sets a tier's authoritative balance.
func (f *Facade) UpdateCapital(tier model.Tier, balance decimal.Decimal) error {
	eng, err := f.engine(tier)
	if err != nil {
		return err
	}
	if err := eng.UpdateCapital(balance); err != nil {
		return fmt.Errorf("update capital %s: %w", tier, err)
	}
	return nil
}
