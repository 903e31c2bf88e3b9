package risk

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/control-plane/internal/model"
)

// BlackSwanVolatility is the cross-tier volatility level above which the
// kill switch trips regardless of tier.
const BlackSwanVolatility = 95.0

// Limits is the immutable risk envelope of one tier. Percentages are 0-100.
type Limits struct {
	MaxPositionSizePct     decimal.Decimal `json:"max_position_size_pct"`
	MaxDailyLossPct        decimal.Decimal `json:"max_daily_loss_pct"`
	MaxDrawdownPct         decimal.Decimal `json:"max_drawdown_pct"`
	MaxConcurrentPositions int             `json:"max_concurrent_positions"`
	VolatilityThreshold    float64         `json:"volatility_threshold"`
	MinTradeUSD            decimal.Decimal `json:"min_trade_usd"`
	MaxTradeUSD            decimal.Decimal `json:"max_trade_usd"`
}

func limits(maxPos, maxLoss, maxDD int64, concurrent int, vol float64, minTrade, maxTrade int64) Limits {
	return Limits{
		MaxPositionSizePct:     decimal.NewFromInt(maxPos),
		MaxDailyLossPct:        decimal.NewFromInt(maxLoss),
		MaxDrawdownPct:         decimal.NewFromInt(maxDD),
		MaxConcurrentPositions: concurrent,
		VolatilityThreshold:    vol,
		MinTradeUSD:            decimal.NewFromInt(minTrade),
		MaxTradeUSD:            decimal.NewFromInt(maxTrade),
	}
}

// Larger tiers get smaller position percentages, larger absolute trade caps,
// more concurrent positions and a higher volatility tolerance.
var tierLimits = map[model.Tier]Limits{
	model.TierStarter: limits(15, 10, 20, 1, 80, 10, 25),
	model.TierGrowth:  limits(12, 12, 23, 2, 83, 10, 100),
	model.TierPro:     limits(10, 14, 26, 3, 86, 25, 250),
	model.TierElite:   limits(7, 16, 29, 5, 89, 50, 1000),
	model.TierPremium: limits(5, 18, 32, 10, 92, 100, 2500),
	model.TierBaller:  limits(3, 20, 35, 15, 95, 100, 5000),
}

// LimitsFor returns the limits of tier.
func LimitsFor(tier model.Tier) (Limits, error) {
	l, ok := tierLimits[tier]
	if !ok {
		return Limits{}, fmt.Errorf("%w: %q", model.ErrUnknownTier, tier)
	}
	return l, nil
}
