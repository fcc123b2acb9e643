package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config captures runtime configuration for the verification service. Values
// come from an optional TOML file with environment-variable overrides.
type Config struct {
	ListenAddress   string       `toml:"listen"`
	DatabasePath    string       `toml:"database"`
	NodeURL         string       `toml:"node_url"`
	NodeAuthToken   string       `toml:"node_token"`
	OracleURL       string       `toml:"oracle_url"`
	LedgerRef       string       `toml:"ledger_ref"`
	SessionTTL      tomlDuration `toml:"session_ttl"`
	SessionSweep    tomlDuration `toml:"session_sweep"`
	SessionCapacity int          `toml:"session_capacity"`
	RateLimitPerMin float64      `toml:"rate_limit_per_min"`
	RateLimitBurst  int          `toml:"rate_limit_burst"`
	Environment     string       `toml:"env"`
}

type tomlDuration struct {
	time.Duration
}

func (d *tomlDuration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

const (
	envListen       = "VERIFYD_LISTEN"
	envDBPath       = "VERIFYD_DB"
	envNodeURL      = "VERIFYD_NODE_URL"
	envNodeToken    = "VERIFYD_NODE_TOKEN"
	envOracleURL    = "VERIFYD_ORACLE_URL"
	envLedgerRef    = "VERIFYD_LEDGER_REF"
	envSessionTTL   = "VERIFYD_SESSION_TTL"
	envSessionSweep = "VERIFYD_SESSION_SWEEP"
	envEnvironment  = "VERIFYD_ENV"
)

// LoadConfig resolves configuration from the given TOML file (optional) and
// environment variables, applying sane defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{
		ListenAddress:   ":8090",
		DatabasePath:    "verifyd.db",
		SessionTTL:      tomlDuration{30 * time.Minute},
		SessionSweep:    tomlDuration{time.Minute},
		SessionCapacity: 65536,
		RateLimitPerMin: 600,
		RateLimitBurst:  50,
		Environment:     "dev",
	}
	if strings.TrimSpace(path) != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("verifyd: parse config %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if strings.TrimSpace(cfg.NodeURL) == "" {
		return nil, fmt.Errorf("verifyd: node URL required (%s)", envNodeURL)
	}
	if strings.TrimSpace(cfg.OracleURL) == "" {
		return nil, fmt.Errorf("verifyd: oracle URL required (%s)", envOracleURL)
	}
	if cfg.SessionTTL.Duration <= 0 {
		cfg.SessionTTL = tomlDuration{30 * time.Minute}
	}
	if cfg.SessionSweep.Duration <= 0 {
		cfg.SessionSweep = tomlDuration{time.Minute}
	}
	if cfg.SessionCapacity <= 0 {
		cfg.SessionCapacity = 65536
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(envListen); v != "" {
		cfg.ListenAddress = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DatabasePath = v
	}
	if v := os.Getenv(envNodeURL); v != "" {
		cfg.NodeURL = v
	}
	if v := os.Getenv(envNodeToken); v != "" {
		cfg.NodeAuthToken = v
	}
	if v := os.Getenv(envOracleURL); v != "" {
		cfg.OracleURL = v
	}
	if v := os.Getenv(envLedgerRef); v != "" {
		cfg.LedgerRef = v
	}
	if v := os.Getenv(envSessionTTL); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			cfg.SessionTTL = tomlDuration{parsed}
		}
	}
	if v := os.Getenv(envSessionSweep); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			cfg.SessionSweep = tomlDuration{parsed}
		}
	}
	if v := os.Getenv(envEnvironment); v != "" {
		cfg.Environment = v
	}
}
