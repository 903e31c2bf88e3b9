// Package model defines the core domain types shared across the control plane.
// All monetary values use shopspring/decimal; never float64 for money.
package model

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAccountKey = errors.New("model: invalid account key")
	ErrUnknownOwnerKind  = errors.New("model: unknown owner kind")
)

// OwnerKind distinguishes platform-operated accounts from user accounts.
type OwnerKind string

const (
	OwnerPlatform OwnerKind = "platform"
	OwnerUser     OwnerKind = "user"
)

// AccountKey identifies one broker account. It is the unit of failure
// isolation: health state never crosses keys.
type AccountKey struct {
	OwnerKind OwnerKind `json:"owner_kind"`
	OwnerID   string    `json:"owner_id"`
	BrokerID  string    `json:"broker_id"`
}

// NewAccountKey builds a case-normalized key.
func NewAccountKey(kind OwnerKind, ownerID, brokerID string) AccountKey {
	return AccountKey{
		OwnerKind: OwnerKind(normalize(string(kind))),
		OwnerID:   normalize(ownerID),
		BrokerID:  normalize(brokerID),
	}
}

// ParseAccountKey parses the "kind:owner:broker" form produced by String.
func ParseAccountKey(s string) (AccountKey, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return AccountKey{}, fmt.Errorf("%w: %q", ErrInvalidAccountKey, s)
	}
	key := NewAccountKey(OwnerKind(parts[0]), parts[1], parts[2])
	if err := key.Validate(); err != nil {
		return AccountKey{}, err
	}
	return key, nil
}

// Validate reports whether every component of the key is usable.
func (k AccountKey) Validate() error {
	if k.OwnerKind != OwnerPlatform && k.OwnerKind != OwnerUser {
		return fmt.Errorf("%w: %q", ErrUnknownOwnerKind, k.OwnerKind)
	}
	if k.OwnerID == "" || k.BrokerID == "" {
		return fmt.Errorf("%w: owner and broker are required", ErrInvalidAccountKey)
	}
	return nil
}

func (k AccountKey) String() string {
	return string(k.OwnerKind) + ":" + k.OwnerID + ":" + k.BrokerID
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Order is the opaque order payload handed to the broker layer. The control
// plane only reads Account and SizeUSD.
type Order struct {
	ID       string            `json:"id"`
	Account  AccountKey        `json:"account"`
	Symbol   string            `json:"symbol"`
	Side     string            `json:"side"` // "BUY" or "SELL"
	SizeUSD  decimal.Decimal   `json:"size_usd"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ExecutionRequest is an order admitted into a dispatch lane.
// Immutable once enqueued; consumed exactly once by a worker.
type ExecutionRequest struct {
	ID         string        `json:"id"`
	Order      Order         `json:"order"`
	Tier       Tier          `json:"tier"`
	Priority   Priority      `json:"priority"`
	Infra      InfraClass    `json:"infra"`
	MaxLatency time.Duration `json:"max_latency"`
	RetryLimit int           `json:"retry_limit"`
	EnqueuedAt time.Time     `json:"enqueued_at"`
	Attempts   int           `json:"attempts"`
}

// AuditEntry is an immutable record of an administrative override or an
// automatic stop-the-world action.
type AuditEntry struct {
	ID        string    `json:"id" db:"id"`
	Action    string    `json:"action" db:"action"`
	Operator  string    `json:"operator" db:"operator"`
	Target    string    `json:"target" db:"target"`
	Reason    string    `json:"reason" db:"reason"`
	Timestamp time.Time `json:"timestamp" db:"timestamp"`
}

// Audit actions.
const (
	ActionKillSwitchActivated   = "kill_switch_activated"
	ActionKillSwitchDeactivated = "kill_switch_deactivated"
	ActionAccountReset          = "account_reset"
	ActionQueuesCleared         = "queues_cleared"
)
