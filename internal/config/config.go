package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server    ServerConfig    `toml:"server"`
	Model     ModelConfig     `toml:"model"`
	Executor  ExecutorConfig  `toml:"executor"`
	Cost      CostConfig      `toml:"cost"`
	Snapshot  SnapshotConfig  `toml:"snapshot"`
	Database  DatabaseConfig  `toml:"database"`
	Memory    MemoryConfig    `toml:"memory"`
	Playbooks PlaybooksConfig `toml:"playbooks"`
	Workspace WorkspaceConfig `toml:"workspace"`
	RateLimit RateLimitConfig `toml:"ratelimit"`
	Observer  ObserverConfig  `toml:"observer"`
}

// Duration decodes TOML strings like "90s" or "2h" via time.ParseDuration.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

type ServerConfig struct {
	Addr      string   `toml:"addr"`
	Heartbeat Duration `toml:"heartbeat"`
}

type ModelConfig struct {
	Provider  string `toml:"provider"`
	Chat      string `toml:"chat"`
	Intent    string `toml:"intent"`
	Backtrack string `toml:"backtrack"`
	MaxTokens int    `toml:"max_tokens"`
	APIKey    string `toml:"api_key"`
}

type ExecutorConfig struct {
	MaxTurns            int      `toml:"max_turns"`
	MaxDuration         Duration `toml:"max_duration"`
	IdleTimeout         Duration `toml:"idle_timeout"`
	LongRunThreshold    int      `toml:"long_run_threshold"`
	ConsecutiveFailures int      `toml:"consecutive_failures"`
	MaxBacktracks       int      `toml:"max_backtracks"`
	ToolTimeout         Duration `toml:"tool_timeout"`
	ResumeTTL           Duration `toml:"resume_ttl"`
}

type CostConfig struct {
	WarnUSD    float64                `toml:"warn_usd"`
	ConfirmUSD float64                `toml:"confirm_usd"`
	UrgentUSD  float64                `toml:"urgent_usd"`
	Pricing    map[string]CostPricing `toml:"pricing"`
}

type CostPricing struct {
	Input  float64 `toml:"input"`
	Output float64 `toml:"output"`
}

type SnapshotConfig struct {
	Dir          string   `toml:"dir"`
	TTL          Duration `toml:"ttl"`
	MinFreeBytes int64    `toml:"min_free_bytes"`
}

type DatabaseConfig struct {
	Driver string `toml:"driver"`
	Path   string `toml:"path"`
	DSN    string `toml:"dsn"`
}

type MemoryConfig struct {
	Path string `toml:"path"`
}

type PlaybooksConfig struct {
	Dir string `toml:"dir"`
}

type WorkspaceConfig struct {
	Dir string `toml:"dir"`
}

type RateLimitConfig struct {
	RPM int `toml:"rpm"`
	TPM int `toml:"tpm"`
}

type ObserverConfig struct {
	Enabled     bool   `toml:"enabled"`
	Endpoint    string `toml:"endpoint"`
	ServiceName string `toml:"service_name"`
}

// InstanceDir returns the per-instance state directory (~/.dazee).
func InstanceDir() string {
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "/tmp"
	}
	return filepath.Join(home, ".dazee")
}

// Default returns a Config with all defaults applied.
func Default() Config {
	instance := InstanceDir()
	home, _ := os.UserHomeDir()
	if home == "" {
		home = "/tmp"
	}
	return Config{
		Server: ServerConfig{Addr: "127.0.0.1:8973", Heartbeat: Duration{30 * time.Second}},
		Model:  ModelConfig{Provider: "script", Chat: "script-chat", MaxTokens: 8192},
		Executor: ExecutorConfig{
			MaxTurns:            50,
			MaxDuration:         Duration{30 * time.Minute},
			IdleTimeout:         Duration{90 * time.Second},
			LongRunThreshold:    10,
			ConsecutiveFailures: 3,
			MaxBacktracks:       5,
			ToolTimeout:         Duration{2 * time.Minute},
			ResumeTTL:           Duration{30 * time.Minute},
		},
		Cost:      CostConfig{WarnUSD: 0.50, ConfirmUSD: 2.00, UrgentUSD: 10.00},
		Snapshot:  SnapshotConfig{Dir: filepath.Join(instance, "snapshots"), TTL: Duration{24 * time.Hour}, MinFreeBytes: 100 << 20},
		Database:  DatabaseConfig{Driver: "sqlite", Path: filepath.Join(instance, "dazee.db")},
		Memory:    MemoryConfig{Path: filepath.Join(instance, "memory.jsonl")},
		Playbooks: PlaybooksConfig{Dir: filepath.Join(instance, "playbooks")},
		Workspace: WorkspaceConfig{Dir: filepath.Join(home, "dazee-workspace")},
		Observer:  ObserverConfig{ServiceName: "dazee"},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = filepath.Join(InstanceDir(), "dazee.toml")
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("DAZEE_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("DAZEE_MODEL_API_KEY"); v != "" {
		cfg.Model.APIKey = v
	}
	if v := os.Getenv("DAZEE_DB_PATH"); v != "" {
		cfg.Database.Driver = "sqlite"
		cfg.Database.Path = v
	}
	if v := os.Getenv("DAZEE_DB_DSN"); v != "" {
		cfg.Database.Driver = "postgres"
		cfg.Database.DSN = v
	}
	if v := os.Getenv("DAZEE_WORKSPACE"); v != "" {
		cfg.Workspace.Dir = v
	}
	if v := os.Getenv("DAZEE_OTLP_ENDPOINT"); v != "" {
		cfg.Observer.Endpoint = v
	}
	if os.Getenv("DAZEE_OBSERVER_ENABLED") == "true" || os.Getenv("DAZEE_OBSERVER_ENABLED") == "1" {
		cfg.Observer.Enabled = true
	}

	// Fallbacks
	if cfg.Model.Intent == "" {
		cfg.Model.Intent = cfg.Model.Chat
	}
	if cfg.Model.Backtrack == "" {
		cfg.Model.Backtrack = cfg.Model.Chat
	}
	if cfg.Database.Driver == "" {
		if cfg.Database.DSN != "" {
			cfg.Database.Driver = "postgres"
		} else {
			cfg.Database.Driver = "sqlite"
		}
	}

	return cfg
}
