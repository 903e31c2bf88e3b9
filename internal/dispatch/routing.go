package dispatch

import (
	"fmt"
	"time"

	"github.com/atmx/control-plane/internal/model"
)

// Route is the static dispatch profile of a tier.
type Route struct {
	Infra      model.InfraClass `json:"infra"`
	Priority   model.Priority   `json:"priority"`
	MaxLatency time.Duration    `json:"max_latency"`
	RetryLimit int              `json:"retry_limit"`
}

var routingTable = map[model.Tier]Route{
	model.TierStarter: {model.InfraShared, model.PriorityNormal, 5000 * time.Millisecond, 1},
	model.TierGrowth:  {model.InfraShared, model.PriorityNormal, 3000 * time.Millisecond, 2},
	model.TierPro:     {model.InfraPriority, model.PriorityHigh, 2000 * time.Millisecond, 2},
	model.TierElite:   {model.InfraPriorityNodes, model.PriorityVeryHigh, 1500 * time.Millisecond, 3},
	model.TierPremium: {model.InfraPriorityNodes, model.PriorityVeryHigh, 1000 * time.Millisecond, 4},
	model.TierBaller:  {model.InfraDedicated, model.PriorityUltraHigh, 500 * time.Millisecond, 5},
}

// RouteFor returns the routing profile of tier.
func RouteFor(tier model.Tier) (Route, error) {
	r, ok := routingTable[tier]
	if !ok {
		return Route{}, fmt.Errorf("%w: %q", model.ErrUnknownTier, tier)
	}
	return r, nil
}

// InfraClasses lists every infrastructure class in the routing table.
var InfraClasses = []model.InfraClass{
	model.InfraShared,
	model.InfraPriority,
	model.InfraPriorityNodes,
	model.InfraDedicated,
}
