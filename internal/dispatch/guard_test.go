package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/atmx/control-plane/internal/model"
)

func TestGuardedExecutor_TripsPerInfra(t *testing.T) {
	calls := map[model.InfraClass]int{}
	next := ExecutorFunc(func(_ context.Context, infra model.InfraClass, _ model.Order) (bool, float64, error) {
		calls[infra]++
		if infra == model.InfraShared {
			return false, 5, errors.New("connection refused")
		}
		return true, 5, nil
	})
	g := NewGuardedExecutor(next, GuardConfig{ConsecutiveFailures: 3, OpenTimeout: time.Minute})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, _, err := g.ExecuteOnInfrastructure(ctx, model.InfraShared, order("x")); err == nil {
			t.Fatalf("call %d: expected broker error", i)
		}
	}

	_, _, err := g.ExecuteOnInfrastructure(ctx, model.InfraShared, order("x"))
	if !errors.Is(err, ErrInfraUnavailable) {
		t.Fatalf("expected ErrInfraUnavailable, got %v", err)
	}
	if calls[model.InfraShared] != 3 {
		t.Errorf("open breaker still called next: %d calls", calls[model.InfraShared])
	}

	ok, latency, err := g.ExecuteOnInfrastructure(ctx, model.InfraDedicated, order("y"))
	if !ok || err != nil || latency != 5 {
		t.Errorf("dedicated = %v, %v, %v", ok, latency, err)
	}

	states := g.States()
	if states[model.InfraShared] != "open" || states[model.InfraDedicated] != "closed" {
		t.Errorf("states = %v", states)
	}
}

func TestGuardedExecutor_NotFilledCountsAsFailure(t *testing.T) {
	next := ExecutorFunc(func(context.Context, model.InfraClass, model.Order) (bool, float64, error) {
		return false, 12, nil
	})
	g := NewGuardedExecutor(next, GuardConfig{ConsecutiveFailures: 2, OpenTimeout: time.Minute})

	ok, latency, err := g.ExecuteOnInfrastructure(context.Background(), model.InfraPriority, order("a"))
	if ok || err != nil || latency != 12 {
		t.Fatalf("got %v, %v, %v", ok, latency, err)
	}
	g.ExecuteOnInfrastructure(context.Background(), model.InfraPriority, order("b"))

	if g.States()[model.InfraPriority] != "open" {
		t.Errorf("breaker should be open after two unfilled executions")
	}
}

func TestGuardedExecutor_Pacing(t *testing.T) {
	next := ExecutorFunc(func(context.Context, model.InfraClass, model.Order) (bool, float64, error) {
		return true, 1, nil
	})
	g := NewGuardedExecutor(next, GuardConfig{
		RatePerSecond: map[model.InfraClass]float64{model.InfraShared: 1},
		Burst:         1,
	})

	if _, _, err := g.ExecuteOnInfrastructure(context.Background(), model.InfraShared, order("a")); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, _, err := g.ExecuteOnInfrastructure(ctx, model.InfraShared, order("b")); err == nil {
		t.Error("expected pacing to refuse a second call inside the deadline")
	}

	// Unpaced classes are unaffected.
	if _, _, err := g.ExecuteOnInfrastructure(ctx, model.InfraDedicated, order("c")); err != nil {
		t.Errorf("dedicated: %v", err)
	}
}
