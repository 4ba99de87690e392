package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lendpoold.toml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadParsesFullConfig(t *testing.T) {
	path := writeConfig(t, `ListenAddress = "0.0.0.0:9000"

[pool]
StableSymbol        = "USDH"
StableDecimals      = 6
CollateralSymbol    = "WETH"
CollateralDecimals  = 18
MaxLTVBps           = 7000
LiquidationThresholdBps = 7500
LiquidatorBonusBps  = 300
AprBps              = 1200
MaxQuoteAgeSeconds  = 120

[auth]
Enabled    = true
HMACSecret = "topsecret"
Issuer     = "stablelend-test"
Audience   = "lendpoold-test"
ScopeClaim = "scp"
ClockSkewSeconds = 10
AllowInsecure = false

[ratelimit]
RequestsPerMinute = 120
Burst             = 10

[journal]
Path = "/var/lib/lendpoold/journal"

[telemetry]
OTLPEndpoint = "collector:4318"
Insecure     = true
Environment  = "staging"

[oracle]
MaxAgeSeconds = 90
[[oracle.manual]]
Asset = "WETH"
Price = "1850.25"
[[oracle.feed]]
Name = "primary"
URL = "https://feeds.example.com/prices"
IntervalSeconds = 15
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("validate: %v", err)
	}

	if cfg.ListenAddress != "0.0.0.0:9000" {
		t.Errorf("ListenAddress = %q", cfg.ListenAddress)
	}
	if cfg.Pool.MaxLTVBps != 7000 || cfg.Pool.LiquidationThresholdBps != 7500 {
		t.Errorf("risk knobs = %d/%d", cfg.Pool.MaxLTVBps, cfg.Pool.LiquidationThresholdBps)
	}
	if cfg.Pool.AprBps != 1200 {
		t.Errorf("AprBps = %d", cfg.Pool.AprBps)
	}
	if !cfg.Auth.Enabled || cfg.Auth.HMACSecret != "topsecret" || cfg.Auth.ScopeClaim != "scp" {
		t.Errorf("auth section mismatch: %+v", cfg.Auth)
	}
	if cfg.Auth.ClockSkew() != 10*time.Second {
		t.Errorf("ClockSkew = %v", cfg.Auth.ClockSkew())
	}
	if cfg.RateLimit.RequestsPerMinute != 120 || cfg.RateLimit.Burst != 10 {
		t.Errorf("ratelimit = %+v", cfg.RateLimit)
	}
	if cfg.Journal.Path != "/var/lib/lendpoold/journal" {
		t.Errorf("journal path = %q", cfg.Journal.Path)
	}
	if cfg.Telemetry.OTLPEndpoint != "collector:4318" || !cfg.Telemetry.Insecure {
		t.Errorf("telemetry = %+v", cfg.Telemetry)
	}
	if cfg.Oracle.MaxAge() != 90*time.Second {
		t.Errorf("oracle max age = %v", cfg.Oracle.MaxAge())
	}
	if len(cfg.Oracle.Manual) != 1 || cfg.Oracle.Manual[0].Price != "1850.25" {
		t.Errorf("manual seeds = %+v", cfg.Oracle.Manual)
	}
	if len(cfg.Oracle.Feeds) != 1 || cfg.Oracle.Feeds[0].Interval() != 15*time.Second {
		t.Errorf("feeds = %+v", cfg.Oracle.Feeds)
	}
	if len(cfg.Undecoded) != 0 {
		t.Errorf("unexpected undecoded keys: %v", cfg.Undecoded)
	}

	assets := cfg.Pool.Assets()
	if assets.StableSymbol != "USDH" || assets.CollateralDecimals != 18 {
		t.Errorf("assets = %+v", assets)
	}
	params := cfg.Pool.RiskParameters()
	if params.MaxQuoteAge != 2*time.Minute {
		t.Errorf("MaxQuoteAge = %v", params.MaxQuoteAge)
	}
}

func TestLoadCreatesDefaultConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lendpoold.toml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("default config not written: %v", err)
	}
	if cfg.ListenAddress != ":8645" {
		t.Errorf("ListenAddress = %q", cfg.ListenAddress)
	}
	if cfg.Pool.MaxLTVBps != 7500 || cfg.Pool.LiquidationThresholdBps != 8000 || cfg.Pool.LiquidatorBonusBps != 400 {
		t.Errorf("default risk knobs = %+v", cfg.Pool)
	}
	if !cfg.Auth.Enabled {
		t.Errorf("default auth should be enabled")
	}
	if len(cfg.Oracle.Manual) != 1 || cfg.Oracle.Manual[0].Asset != "WETH" {
		t.Errorf("default manual seeds = %+v", cfg.Oracle.Manual)
	}

	// The written file must load back identically.
	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Pool != cfg.Pool {
		t.Errorf("reload mismatch: %+v vs %+v", reloaded.Pool, cfg.Pool)
	}
	if len(reloaded.Undecoded) != 0 {
		t.Errorf("default file has undecoded keys: %v", reloaded.Undecoded)
	}
}

func TestLoadFillsDefaultsForPartialFile(t *testing.T) {
	path := writeConfig(t, `[pool]
MaxQuoteAgeSeconds = 60
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != ":8645" {
		t.Errorf("ListenAddress = %q", cfg.ListenAddress)
	}
	if cfg.Pool.StableSymbol != "USDH" || cfg.Pool.CollateralSymbol != "WETH" {
		t.Errorf("asset defaults missing: %+v", cfg.Pool)
	}
	if cfg.Pool.MaxLTVBps != 7500 || cfg.Pool.AprBps != 1000 {
		t.Errorf("risk defaults missing: %+v", cfg.Pool)
	}
	if cfg.Pool.MaxQuoteAgeSeconds != 60 {
		t.Errorf("explicit MaxQuoteAgeSeconds overwritten: %d", cfg.Pool.MaxQuoteAgeSeconds)
	}
	if cfg.RateLimit.RequestsPerMinute != 600 || cfg.RateLimit.Burst != 60 {
		t.Errorf("ratelimit defaults missing: %+v", cfg.RateLimit)
	}
	// Auth defaults to disabled when the section is absent, so validation
	// still passes without a secret.
	if cfg.Auth.Enabled {
		t.Errorf("auth enabled without a config section")
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestLoadRecordsUndecodedKeys(t *testing.T) {
	path := writeConfig(t, `ListenAddress = ":8645"
LegacyKnob = true

[pool]
StaleSymbol = "USDH"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Undecoded) != 2 {
		t.Fatalf("undecoded = %v", cfg.Undecoded)
	}
	found := map[string]bool{}
	for _, key := range cfg.Undecoded {
		found[key] = true
	}
	if !found["LegacyKnob"] || !found["pool.StaleSymbol"] {
		t.Errorf("undecoded keys = %v", cfg.Undecoded)
	}
}

func TestEnvOverridesJWTSecret(t *testing.T) {
	t.Setenv(envJWTSecret, "from-env")
	path := writeConfig(t, `[auth]
Enabled = true
HMACSecret = "from-file"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Auth.HMACSecret != "from-env" {
		t.Errorf("HMACSecret = %q, want env override", cfg.Auth.HMACSecret)
	}
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(cfg *Config)
	}{
		{"empty listen address", func(cfg *Config) { cfg.ListenAddress = " " }},
		{"missing symbols", func(cfg *Config) { cfg.Pool.StableSymbol = "" }},
		{"same symbols", func(cfg *Config) { cfg.Pool.CollateralSymbol = cfg.Pool.StableSymbol }},
		{"stable decimals too high", func(cfg *Config) { cfg.Pool.StableDecimals = 19 }},
		{"collateral decimals too high", func(cfg *Config) { cfg.Pool.CollateralDecimals = 19 }},
		{"zero ltv", func(cfg *Config) { cfg.Pool.MaxLTVBps = 0 }},
		{"ltv at threshold", func(cfg *Config) { cfg.Pool.MaxLTVBps = cfg.Pool.LiquidationThresholdBps }},
		{"threshold above 100%", func(cfg *Config) { cfg.Pool.LiquidationThresholdBps = 10_001 }},
		{"bonus above 100%", func(cfg *Config) { cfg.Pool.LiquidatorBonusBps = 10_001 }},
		{"apr above cap", func(cfg *Config) { cfg.Pool.AprBps = MaxAprBps + 1 }},
		{"auth without secret", func(cfg *Config) {
			cfg.Auth.Enabled = true
			cfg.Auth.HMACSecret = ""
			cfg.Auth.AllowInsecure = false
		}},
		{"negative rate limit", func(cfg *Config) { cfg.RateLimit.RequestsPerMinute = -1 }},
		{"manual seed without asset", func(cfg *Config) {
			cfg.Oracle.Manual = []ManualPrice{{Asset: "", Price: "2000"}}
		}},
		{"manual seed bad price", func(cfg *Config) {
			cfg.Oracle.Manual = []ManualPrice{{Asset: "WETH", Price: "zero"}}
		}},
		{"feed without url", func(cfg *Config) {
			cfg.Oracle.Feeds = []OracleFeed{{Name: "primary"}}
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Auth.HMACSecret = "secret"
			tc.mutate(cfg)
			if err := Validate(cfg); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}

	valid := DefaultConfig()
	valid.Auth.HMACSecret = "secret"
	if err := Validate(valid); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}
