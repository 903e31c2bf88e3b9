// Package config loads control-plane settings: built-in defaults, then an
// optional YAML file named by CONTROL_PLANE_CONFIG, then environment
// overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/atmx/control-plane/internal/dispatch"
	"github.com/atmx/control-plane/internal/health"
	"github.com/atmx/control-plane/internal/model"
)

// FileEnv names the environment variable holding the YAML config path.
const FileEnv = "CONTROL_PLANE_CONFIG"

var ErrInvalid = errors.New("config: invalid")

// Config is the full process configuration.
type Config struct {
	Port            string        `yaml:"port"`
	DatabaseURL     string        `yaml:"database_url"`
	RedisURL        string        `yaml:"redis_url"`
	CacheTTL        time.Duration `yaml:"cache_ttl"`
	Workers         int           `yaml:"dispatch_workers"`
	Timezone        string        `yaml:"timezone"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	Health Health `yaml:"health"`
	// Capital is the starting balance per tier name. A risk engine runs
	// for every tier listed.
	Capital        map[string]string `yaml:"capital"`
	Infrastructure Infrastructure    `yaml:"infrastructure"`
}

// Health holds the per-account circuit breaker thresholds.
type Health struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
	MaxHalfOpenCalls int           `yaml:"max_half_open_calls"`
}

// Infrastructure configures the breaker and pacing around the executor.
type Infrastructure struct {
	ConsecutiveFailures uint32             `yaml:"consecutive_failures"`
	OpenTimeout         time.Duration      `yaml:"open_timeout"`
	HalfOpenRequests    uint32             `yaml:"half_open_requests"`
	RatePerSecond       map[string]float64 `yaml:"rate_per_second"`
	Burst               int                `yaml:"burst"`
}

// Default returns the built-in configuration.
func Default() Config {
	hc := health.DefaultConfig()
	gc := dispatch.DefaultGuardConfig()

	capital := make(map[string]string, len(model.Tiers))
	for _, t := range model.Tiers {
		capital[string(t)] = "0"
	}
	return Config{
		Port:            "8080",
		CacheTTL:        30 * time.Second,
		Workers:         4,
		Timezone:        "Local",
		ShutdownTimeout: 10 * time.Second,
		Health: Health{
			FailureThreshold: hc.FailureThreshold,
			SuccessThreshold: hc.SuccessThreshold,
			Timeout:          hc.Timeout,
			MaxHalfOpenCalls: hc.MaxHalfOpenCalls,
		},
		Capital: capital,
		Infrastructure: Infrastructure{
			ConsecutiveFailures: gc.ConsecutiveFailures,
			OpenTimeout:         gc.OpenTimeout,
			HalfOpenRequests:    gc.HalfOpenRequests,
			Burst:               gc.Burst,
		},
	}
}

// Load reads the process configuration from the environment.
func Load() (Config, error) {
	return load(os.Getenv)
}

func load(getenv func(string) string) (Config, error) {
	cfg := Default()
	if path := getenv(FileEnv); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(getenv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// mergeFile overlays the YAML file at path. Keys absent from the file keep
// their current values.
func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	// A capital section in the file replaces the default tier set.
	var probe struct {
		Capital map[string]string `yaml:"capital"`
	}
	if err := yaml.Unmarshal(data, &probe); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	if probe.Capital != nil {
		c.Capital = nil
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v := getenv(key)
		if v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q: %v", ErrInvalid, key, v, err)
		}
		*dst = n
		return nil
	}
	dur := func(key string, dst *time.Duration) error {
		v := getenv(key)
		if v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q: %v", ErrInvalid, key, v, err)
		}
		*dst = d
		return nil
	}

	str("PORT", &c.Port)
	str("DATABASE_URL", &c.DatabaseURL)
	str("REDIS_URL", &c.RedisURL)
	str("TIMEZONE", &c.Timezone)
	return errors.Join(
		num("DISPATCH_WORKERS", &c.Workers),
		num("HEALTH_FAILURE_THRESHOLD", &c.Health.FailureThreshold),
		num("HEALTH_SUCCESS_THRESHOLD", &c.Health.SuccessThreshold),
		dur("HEALTH_TIMEOUT", &c.Health.Timeout),
		dur("CACHE_TTL", &c.CacheTTL),
	)
}

// Validate fails fast on settings that would only surface on the trade path.
func (c Config) Validate() error {
	if err := c.HealthConfig().Validate(); err != nil {
		return err
	}
	if c.Workers < 1 {
		return fmt.Errorf("%w: dispatch_workers must be >= 1, got %d", ErrInvalid, c.Workers)
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("%w: cache_ttl must be positive, got %s", ErrInvalid, c.CacheTTL)
	}
	if _, err := c.TierCapital(); err != nil {
		return err
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if _, err := c.GuardConfig(); err != nil {
		return err
	}
	return nil
}

// HealthConfig converts the health section.
func (c Config) HealthConfig() health.Config {
	return health.Config{
		FailureThreshold: c.Health.FailureThreshold,
		SuccessThreshold: c.Health.SuccessThreshold,
		Timeout:          c.Health.Timeout,
		MaxHalfOpenCalls: c.Health.MaxHalfOpenCalls,
	}
}

// TierCapital parses the capital section.
func (c Config) TierCapital() (map[model.Tier]decimal.Decimal, error) {
	if len(c.Capital) == 0 {
		return nil, fmt.Errorf("%w: no tiers configured", ErrInvalid)
	}
	out := make(map[model.Tier]decimal.Decimal, len(c.Capital))
	for name, v := range c.Capital {
		tier, err := model.ParseTier(name)
		if err != nil {
			return nil, fmt.Errorf("%w: capital: %w", ErrInvalid, err)
		}
		amt, err := decimal.NewFromString(strings.TrimSpace(v))
		if err != nil {
			return nil, fmt.Errorf("%w: capital %s=%q: %v", ErrInvalid, name, v, err)
		}
		if amt.IsNegative() {
			return nil, fmt.Errorf("%w: capital %s is negative", ErrInvalid, name)
		}
		out[tier] = amt
	}
	return out, nil
}

// Location resolves the time zone whose midnight resets daily risk state.
func (c Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("%w: timezone %q: %v", ErrInvalid, c.Timezone, err)
	}
	return loc, nil
}

// GuardConfig converts the infrastructure section.
func (c Config) GuardConfig() (dispatch.GuardConfig, error) {
	gc := dispatch.GuardConfig{
		ConsecutiveFailures: c.Infrastructure.ConsecutiveFailures,
		OpenTimeout:         c.Infrastructure.OpenTimeout,
		HalfOpenRequests:    c.Infrastructure.HalfOpenRequests,
		Burst:               c.Infrastructure.Burst,
		RatePerSecond:       make(map[model.InfraClass]float64, len(c.Infrastructure.RatePerSecond)),
	}
	known := make(map[model.InfraClass]bool, len(dispatch.InfraClasses))
	for _, ic := range dispatch.InfraClasses {
		known[ic] = true
	}
	for name, rps := range c.Infrastructure.RatePerSecond {
		ic := model.InfraClass(strings.ToLower(name))
		if !known[ic] {
			return dispatch.GuardConfig{}, fmt.Errorf("%w: unknown infrastructure class %q", ErrInvalid, name)
		}
		if rps < 0 {
			return dispatch.GuardConfig{}, fmt.Errorf("%w: rate_per_second %s is negative", ErrInvalid, name)
		}
		gc.RatePerSecond[ic] = rps
	}
	return gc, nil
}
