package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	if cfg.Model.Provider != "script" {
		t.Errorf("expected script, got %s", cfg.Model.Provider)
	}
	if cfg.Executor.MaxTurns != 50 {
		t.Errorf("expected 50 turns, got %d", cfg.Executor.MaxTurns)
	}
	if cfg.Executor.IdleTimeout.Duration != 90*time.Second {
		t.Errorf("expected 90s idle timeout, got %v", cfg.Executor.IdleTimeout.Duration)
	}
	if cfg.Cost.WarnUSD != 0.50 || cfg.Cost.ConfirmUSD != 2.00 || cfg.Cost.UrgentUSD != 10.00 {
		t.Errorf("unexpected cost ladder: %+v", cfg.Cost)
	}
	if cfg.Database.Driver != "sqlite" {
		t.Errorf("expected sqlite driver, got %s", cfg.Database.Driver)
	}
	if cfg.Snapshot.TTL.Duration != 24*time.Hour {
		t.Errorf("expected 24h snapshot ttl, got %v", cfg.Snapshot.TTL.Duration)
	}
}

func TestLoadFromTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.toml")
	os.WriteFile(path, []byte(`
[server]
addr = "127.0.0.1:9999"

[executor]
max_turns = 12
idle_timeout = "45s"

[cost]
warn_usd = 0.25

[cost.pricing."test-model"]
input = 1.0
output = 4.0
`), 0644)

	cfg := Load(path)
	if cfg.Server.Addr != "127.0.0.1:9999" {
		t.Errorf("expected 127.0.0.1:9999, got %s", cfg.Server.Addr)
	}
	if cfg.Executor.MaxTurns != 12 {
		t.Errorf("expected 12 turns, got %d", cfg.Executor.MaxTurns)
	}
	if cfg.Executor.IdleTimeout.Duration != 45*time.Second {
		t.Errorf("expected 45s, got %v", cfg.Executor.IdleTimeout.Duration)
	}
	if cfg.Cost.WarnUSD != 0.25 {
		t.Errorf("expected warn 0.25, got %f", cfg.Cost.WarnUSD)
	}
	if p, ok := cfg.Cost.Pricing["test-model"]; !ok || p.Input != 1.0 || p.Output != 4.0 {
		t.Errorf("unexpected pricing: %+v", cfg.Cost.Pricing)
	}
	// Defaults preserved
	if cfg.Executor.MaxBacktracks != 5 {
		t.Errorf("default should be preserved, got %d", cfg.Executor.MaxBacktracks)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("DAZEE_ADDR", "0.0.0.0:4000")
	t.Setenv("DAZEE_DB_DSN", "postgres://localhost/dazee")

	cfg := Load("/nonexistent/path.toml")
	if cfg.Server.Addr != "0.0.0.0:4000" {
		t.Errorf("expected 0.0.0.0:4000, got %s", cfg.Server.Addr)
	}
	if cfg.Database.Driver != "postgres" {
		t.Errorf("DSN env should switch driver to postgres, got %s", cfg.Database.Driver)
	}
	if cfg.Database.DSN != "postgres://localhost/dazee" {
		t.Errorf("expected DSN, got %s", cfg.Database.DSN)
	}
}

func TestModelFallbacks(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.toml")
	os.WriteFile(path, []byte(`
[model]
chat = "big-model"
`), 0644)

	cfg := Load(path)
	if cfg.Model.Intent != "big-model" {
		t.Errorf("intent should fall back to chat model, got %s", cfg.Model.Intent)
	}
	if cfg.Model.Backtrack != "big-model" {
		t.Errorf("backtrack should fall back to chat model, got %s", cfg.Model.Backtrack)
	}
}

func TestDurationRejectsGarbage(t *testing.T) {
	var d Duration
	if err := d.UnmarshalText([]byte("not-a-duration")); err == nil {
		t.Error("expected parse error")
	}
	if err := d.UnmarshalText([]byte("1h30m")); err != nil || d.Duration != 90*time.Minute {
		t.Errorf("expected 90m, got %v err %v", d.Duration, err)
	}
}
