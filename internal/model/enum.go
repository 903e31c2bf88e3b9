package model

import (
	"errors"
	"fmt"
	"strings"
)

var ErrUnknownTier = errors.New("model: unknown tier")

// Tier is a subscription level. It selects risk limits and dispatch priority.
type Tier string

const (
	TierStarter Tier = "STARTER"
	TierGrowth  Tier = "GROWTH"
	TierPro     Tier = "PRO"
	TierElite   Tier = "ELITE"
	TierPremium Tier = "PREMIUM"
	TierBaller  Tier = "BALLER"
)

// Tiers lists every tier from smallest to largest.
var Tiers = []Tier{TierStarter, TierGrowth, TierPro, TierElite, TierPremium, TierBaller}

// ParseTier resolves a tier name case-insensitively.
func ParseTier(s string) (Tier, error) {
	t := Tier(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range Tiers {
		if t == known {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownTier, s)
}

// HealthStatus is the circuit breaker state of one account:
// Healthy=closed, Degraded=closed with warning, Quarantined=open,
// Recovering=half-open.
type HealthStatus string

const (
	StatusHealthy     HealthStatus = "healthy"
	StatusDegraded    HealthStatus = "degraded"
	StatusQuarantined HealthStatus = "quarantined"
	StatusRecovering  HealthStatus = "recovering"
)

// FailureType classifies a broker-side failure.
type FailureType int

const (
	FailureAPI FailureType = iota
	FailureNetwork
	FailureAuth
	FailureRateLimit
	FailureBalance
	FailurePosition
	FailureExecution
	FailureUnknown

	NumFailureTypes = int(FailureUnknown) + 1
)

var failureNames = [NumFailureTypes]string{
	"api_error",
	"network_error",
	"auth_error",
	"rate_limit_error",
	"balance_error",
	"position_error",
	"execution_error",
	"unknown",
}

func (f FailureType) String() string {
	if f < 0 || int(f) >= NumFailureTypes {
		return failureNames[FailureUnknown]
	}
	return failureNames[f]
}

// ParseFailureType maps a name back to its type; unrecognized names are
// FailureUnknown.
func ParseFailureType(s string) FailureType {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range failureNames {
		if name == s {
			return FailureType(i)
		}
	}
	return FailureUnknown
}

// RiskLevel grades a risk decision.
type RiskLevel string

const (
	LevelSafe     RiskLevel = "safe"
	LevelWarning  RiskLevel = "warning"
	LevelDanger   RiskLevel = "danger"
	LevelCritical RiskLevel = "critical"
)

// InfraClass is the execution infrastructure an order is dispatched to.
type InfraClass string

const (
	InfraShared        InfraClass = "shared"
	InfraPriority      InfraClass = "priority"
	InfraPriorityNodes InfraClass = "priority_nodes"
	InfraDedicated     InfraClass = "dedicated"
)

// Priority is a dispatch lane ordinal. Higher drains first.
type Priority int

const (
	PriorityNormal    Priority = 1
	PriorityHigh      Priority = 2
	PriorityVeryHigh  Priority = 3
	PriorityUltraHigh Priority = 4

	NumPriorities = 4
)

func (p Priority) String() string {
	switch p {
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityVeryHigh:
		return "very_high"
	case PriorityUltraHigh:
		return "ultra_high"
	default:
		return "unknown"
	}
}

// Valid reports whether p is one of the four lanes.
func (p Priority) Valid() bool {
	return p >= PriorityNormal && p <= PriorityUltraHigh
}
