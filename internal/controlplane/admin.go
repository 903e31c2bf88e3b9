package controlplane

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"

	"github.com/atmx/control-plane/internal/audit"
	"github.com/atmx/control-plane/internal/dispatch"
	"github.com/atmx/control-plane/internal/health"
	"github.com/atmx/control-plane/internal/model"
	"github.com/atmx/control-plane/internal/risk"
)

// --- Administrative overrides (audited) ---

// ResetAccount force-resets an account to Healthy.
func (f *Facade) ResetAccount(ctx context.Context, key model.AccountKey, operator, reason string) (health.Snapshot, error) {
	if operator == "" {
		return health.Snapshot{}, audit.ErrMissingOperator
	}
	if err := key.Validate(); err != nil {
		return health.Snapshot{}, err
	}
	snap := f.registry.ResetAccount(key)
	return snap, f.record(ctx, model.ActionAccountReset, operator, key.String(), reason)
}

// ActivateKillSwitch halts a tier. It reports whether the switch changed;
// only changes are audited.
func (f *Facade) ActivateKillSwitch(ctx context.Context, tier model.Tier, operator, reason string) (bool, error) {
	if operator == "" {
		return false, audit.ErrMissingOperator
	}
	eng, err := f.engine(tier)
	if err != nil {
		return false, err
	}
	if reason == "" {
		reason = "manual"
	}
	if !eng.ActivateKillSwitch(reason) {
		return false, nil
	}
	return true, f.record(ctx, model.ActionKillSwitchActivated, operator, tierTarget(tier), reason)
}

// DeactivateKillSwitch resumes a tier. This is the only way to clear a
// drawdown-triggered stop.
func (f *Facade) DeactivateKillSwitch(ctx context.Context, tier model.Tier, operator, reason string) (bool, error) {
	if operator == "" {
		return false, audit.ErrMissingOperator
	}
	eng, err := f.engine(tier)
	if err != nil {
		return false, err
	}
	if !eng.DeactivateKillSwitch() {
		return false, nil
	}
	return true, f.record(ctx, model.ActionKillSwitchDeactivated, operator, tierTarget(tier), reason)
}

// ClearQueues drops every pending request. Emergency use only.
func (f *Facade) ClearQueues(ctx context.Context, operator, reason string) (int, error) {
	if operator == "" {
		return 0, audit.ErrMissingOperator
	}
	n := f.router.ClearQueues()
	f.notify(EventQueuesCleared, map[string]int{"dropped": n})
	msg := reason
	if msg == "" {
		msg = "dropped " + strconv.Itoa(n)
	} else {
		msg = fmt.Sprintf("%s (dropped %d)", reason, n)
	}
	return n, f.record(ctx, model.ActionQueuesCleared, operator, "dispatch:queues", msg)
}

func (f *Facade) record(ctx context.Context, action, operator, target, reason string) error {
	if _, err := f.trail.Record(ctx, action, operator, target, reason); err != nil {
		slog.Error("audit failed", "action", action, "target", target, "err", err)
		return fmt.Errorf("%w: %v", ErrAuditFailed, err)
	}
	return nil
}

// --- Read-only snapshots ---

// CanExecute exposes the isolation check on its own.
func (f *Facade) CanExecute(key model.AccountKey) (bool, string) {
	return f.registry.CanExecute(key)
}

// AccountStatus returns one account's health without registering it.
func (f *Facade) AccountStatus(key model.AccountKey) (health.Snapshot, bool) {
	return f.registry.GetStatus(key)
}

// AccountStatuses returns every known account ordered by key.
func (f *Facade) AccountStatuses() []health.Snapshot {
	return f.registry.GetAllStatuses()
}

// IsolationReport counts accounts by health status.
func (f *Facade) IsolationReport() health.IsolationReport {
	return f.registry.GetIsolationReport()
}

// RiskStatus returns one tier's risk state.
func (f *Facade) RiskStatus(tier model.Tier) (risk.Status, error) {
	eng, err := f.engine(tier)
	if err != nil {
		return risk.Status{}, err
	}
	return eng.Status(), nil
}

// RiskStatuses returns every configured tier, lowest tier first.
func (f *Facade) RiskStatuses() []risk.Status {
	out := make([]risk.Status, 0, len(f.engines))
	for _, eng := range f.engines {
		out = append(out, eng.Status())
	}
	sort.Slice(out, func(i, j int) bool { return tierRank(out[i].Tier) < tierRank(out[j].Tier) })
	return out
}

func tierRank(t model.Tier) int {
	for i, x := range model.Tiers {
		if x == t {
			return i
		}
	}
	return len(model.Tiers)
}

// ExecutionStats returns dispatch statistics.
func (f *Facade) ExecutionStats() dispatch.ExecutionStats {
	return f.router.GetExecutionStats()
}

// QueueStatus returns lane depths.
func (f *Facade) QueueStatus() dispatch.QueueStatus {
	return f.router.GetQueueStatus()
}

// Cancel withdraws a routed request that has not been dequeued.
func (f *Facade) Cancel(requestID string) bool {
	return f.router.Cancel(requestID)
}

// AuditLog returns the newest audit entries, optionally for one target.
func (f *Facade) AuditLog(ctx context.Context, target string, limit int) ([]model.AuditEntry, error) {
	return f.trail.Recent(ctx, target, limit)
}
