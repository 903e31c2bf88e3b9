package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/atmx/control-plane/internal/metrics"
	"github.com/atmx/control-plane/internal/model"
)

// ErrInfraUnavailable is returned while an infrastructure class's breaker is
// open. It reflects shared infrastructure, not the account that was routed.
var ErrInfraUnavailable = errors.New("dispatch: infrastructure unavailable")

// errNotFilled marks an execution that returned success=false without an
// error, so the breaker still counts it as a failure.
var errNotFilled = errors.New("dispatch: execution not filled")

// GuardConfig configures NewGuardedExecutor.
type GuardConfig struct {
	// ConsecutiveFailures trips an infrastructure breaker.
	ConsecutiveFailures uint32 `yaml:"consecutive_failures"`
	// OpenTimeout is how long a breaker stays open before probing.
	OpenTimeout time.Duration `yaml:"open_timeout"`
	// HalfOpenRequests is the number of probes allowed while half-open.
	HalfOpenRequests uint32 `yaml:"half_open_requests"`
	// RatePerSecond paces calls per infrastructure class. Zero or absent
	// means unpaced.
	RatePerSecond map[model.InfraClass]float64 `yaml:"rate_per_second"`
	Burst         int                          `yaml:"burst"`
}

// DefaultGuardConfig trips after 10 consecutive failures and probes after 30s.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		ConsecutiveFailures: 10,
		OpenTimeout:         30 * time.Second,
		HalfOpenRequests:    1,
		Burst:               1,
	}
}

// GuardedExecutor wraps an Executor with one circuit breaker and an
// optional rate limiter per infrastructure class.
type GuardedExecutor struct {
	next     Executor
	breakers map[model.InfraClass]*gobreaker.CircuitBreaker
	limiters map[model.InfraClass]*rate.Limiter
}

// NewGuardedExecutor wraps next.
func NewGuardedExecutor(next Executor, cfg GuardConfig) *GuardedExecutor {
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = DefaultGuardConfig().ConsecutiveFailures
	}
	if cfg.Burst < 1 {
		cfg.Burst = 1
	}

	g := &GuardedExecutor{
		next:     next,
		breakers: make(map[model.InfraClass]*gobreaker.CircuitBreaker, len(InfraClasses)),
		limiters: make(map[model.InfraClass]*rate.Limiter),
	}
	threshold := cfg.ConsecutiveFailures
	for _, infra := range InfraClasses {
		g.breakers[infra] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        string(infra),
			MaxRequests: cfg.HalfOpenRequests,
			Timeout:     cfg.OpenTimeout,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				slog.Warn("infrastructure breaker state change",
					"infra", name,
					"from", from.String(),
					"to", to.String(),
				)
				metrics.InfraBreakerState.WithLabelValues(name).Set(float64(to))
			},
		})
		metrics.InfraBreakerState.WithLabelValues(string(infra)).Set(0)

		if rps := cfg.RatePerSecond[infra]; rps > 0 {
			g.limiters[infra] = rate.NewLimiter(rate.Limit(rps), cfg.Burst)
		}
	}
	return g
}

// ExecuteOnInfrastructure paces, then runs next through infra's breaker.
func (g *GuardedExecutor) ExecuteOnInfrastructure(ctx context.Context, infra model.InfraClass, order model.Order) (bool, float64, error) {
	if lim := g.limiters[infra]; lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return false, 0, fmt.Errorf("dispatch: pacing %s: %w", infra, err)
		}
	}

	cb, ok := g.breakers[infra]
	if !ok {
		return g.next.ExecuteOnInfrastructure(ctx, infra, order)
	}

	type outcome struct {
		ok        bool
		latencyMs float64
	}
	v, err := cb.Execute(func() (interface{}, error) {
		filled, latencyMs, err := g.next.ExecuteOnInfrastructure(ctx, infra, order)
		if err == nil && !filled {
			err = errNotFilled
		}
		return outcome{filled, latencyMs}, err
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return false, 0, fmt.Errorf("%w: %s: %v", ErrInfraUnavailable, infra, err)
	}
	out, _ := v.(outcome)
	if errors.Is(err, errNotFilled) {
		return false, out.latencyMs, nil
	}
	return out.ok, out.latencyMs, err
}

// States reports each breaker's state by infrastructure class.
func (g *GuardedExecutor) States() map[model.InfraClass]string {
	out := make(map[model.InfraClass]string, len(g.breakers))
	for infra, cb := range g.breakers {
		out[infra] = cb.State().String()
	}
	return out
}
