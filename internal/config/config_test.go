package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/atmx/control-plane/internal/health"
	"github.com/atmx/control-plane/internal/model"
)

func env(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "control-plane.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load(env(nil))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != "8080" || cfg.Workers != 4 || cfg.CacheTTL != 30*time.Second {
		t.Errorf("defaults = %+v", cfg)
	}
	if cfg.HealthConfig() != health.DefaultConfig() {
		t.Errorf("health = %+v", cfg.HealthConfig())
	}
	capital, _ := cfg.TierCapital()
	if len(capital) != len(model.Tiers) {
		t.Errorf("capital tiers = %d", len(capital))
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := writeFile(t, `
port: "9090"
dispatch_workers: 8
timezone: UTC
health:
  failure_threshold: 4
  timeout: 2m
capital:
  starter: "250.50"
  BALLER: "100000"
infrastructure:
  consecutive_failures: 6
  rate_per_second:
    shared: 20
`)
	cfg, err := load(env(map[string]string{
		FileEnv:                    path,
		"PORT":                     "7070",
		"HEALTH_SUCCESS_THRESHOLD": "2",
	}))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Port != "7070" {
		t.Errorf("env should override file port, got %s", cfg.Port)
	}
	if cfg.Workers != 8 {
		t.Errorf("workers = %d", cfg.Workers)
	}
	hc := cfg.HealthConfig()
	if hc.FailureThreshold != 4 || hc.SuccessThreshold != 2 || hc.Timeout != 2*time.Minute || hc.MaxHalfOpenCalls != 1 {
		t.Errorf("health = %+v", hc)
	}

	capital, err := cfg.TierCapital()
	if err != nil {
		t.Fatal(err)
	}
	if len(capital) != 2 || capital[model.TierStarter].String() != "250.5" {
		t.Errorf("capital = %v", capital)
	}

	gc, _ := cfg.GuardConfig()
	if gc.ConsecutiveFailures != 6 || gc.RatePerSecond[model.InfraShared] != 20 {
		t.Errorf("guard = %+v", gc)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		file string
		want error
	}{
		{"bad workers", map[string]string{"DISPATCH_WORKERS": "many"}, "", ErrInvalid},
		{"zero workers", map[string]string{"DISPATCH_WORKERS": "0"}, "", ErrInvalid},
		{"bad timeout", map[string]string{"HEALTH_TIMEOUT": "soon"}, "", ErrInvalid},
		{"zero threshold", map[string]string{"HEALTH_FAILURE_THRESHOLD": "0"}, "", health.ErrInvalidConfig},
		{"unknown tier", nil, "capital:\n  GOLD: \"10\"\n", model.ErrUnknownTier},
		{"negative capital", nil, "capital:\n  PRO: \"-5\"\n", ErrInvalid},
		{"unknown infra", nil, "infrastructure:\n  rate_per_second:\n    satellite: 1\n", ErrInvalid},
		{"bad timezone", map[string]string{"TIMEZONE": "Mars/Olympus"}, "", ErrInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := map[string]string{}
			for k, v := range tt.env {
				e[k] = v
			}
			if tt.file != "" {
				e[FileEnv] = writeFile(t, tt.file)
			}
			_, err := load(env(e))
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := load(env(map[string]string{FileEnv: "/nonexistent/control-plane.yaml"}))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected ErrNotExist, got %v", err)
	}
}

func TestAccessors_ReportErrorsWithoutValidate(t *testing.T) {
	cfg := Default()
	cfg.Capital = map[string]string{"PRO": "lots"}
	cfg.Timezone = "Mars/Olympus"
	cfg.Infrastructure.RatePerSecond = map[string]float64{"shared": -1}

	if _, err := cfg.TierCapital(); !errors.Is(err, ErrInvalid) {
		t.Errorf("TierCapital: expected ErrInvalid, got %v", err)
	}
	if _, err := cfg.Location(); !errors.Is(err, ErrInvalid) {
		t.Errorf("Location: expected ErrInvalid, got %v", err)
	}
	if _, err := cfg.GuardConfig(); !errors.Is(err, ErrInvalid) {
		t.Errorf("GuardConfig: expected ErrInvalid, got %v", err)
	}
}
