package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"stablelend/lending"

	"github.com/BurntSushi/toml"
)

// envJWTSecret overrides auth.HMACSecret so the signing key never has to
// live in the config file.
const envJWTSecret = "LENDPOOLD_JWT_SECRET"

type Config struct {
	ListenAddress string `toml:"ListenAddress"`

	Pool      PoolConfig      `toml:"pool"`
	Auth      AuthConfig      `toml:"auth"`
	RateLimit RateLimitConfig `toml:"ratelimit"`
	Journal   JournalConfig   `toml:"journal"`
	Telemetry TelemetryConfig `toml:"telemetry"`
	Oracle    OracleConfig    `toml:"oracle"`

	// Undecoded lists keys present in the file that no field consumed.
	// The daemon logs them at startup so typos do not fail silently.
	Undecoded []string `toml:"-"`
}

// PoolConfig fixes the asset pair and the risk posture of the deployment.
type PoolConfig struct {
	StableSymbol            string `toml:"StableSymbol"`
	StableDecimals          uint8  `toml:"StableDecimals"`
	CollateralSymbol        string `toml:"CollateralSymbol"`
	CollateralDecimals      uint8  `toml:"CollateralDecimals"`
	MaxLTVBps               uint64 `toml:"MaxLTVBps"`
	LiquidationThresholdBps uint64 `toml:"LiquidationThresholdBps"`
	LiquidatorBonusBps      uint64 `toml:"LiquidatorBonusBps"`
	AprBps                  uint64 `toml:"AprBps"`
	MaxQuoteAgeSeconds      uint64 `toml:"MaxQuoteAgeSeconds"`
}

type AuthConfig struct {
	Enabled          bool   `toml:"Enabled"`
	HMACSecret       string `toml:"HMACSecret"`
	Issuer           string `toml:"Issuer"`
	Audience         string `toml:"Audience"`
	ScopeClaim       string `toml:"ScopeClaim"`
	ClockSkewSeconds uint64 `toml:"ClockSkewSeconds"`
	// AllowInsecure lets the daemon start with auth enabled but no secret,
	// serving unauthenticated. Meant for local development only.
	AllowInsecure bool `toml:"AllowInsecure"`
}

type RateLimitConfig struct {
	RequestsPerMinute int `toml:"RequestsPerMinute"`
	Burst             int `toml:"Burst"`
}

// JournalConfig selects the audit journal backend. An empty path keeps the
// journal in memory, which loses history on restart.
type JournalConfig struct {
	Path string `toml:"Path"`
}

type TelemetryConfig struct {
	OTLPEndpoint string `toml:"OTLPEndpoint"`
	Insecure     bool   `toml:"Insecure"`
	Environment  string `toml:"Environment"`
}

// OracleConfig seeds the price sources. Manual entries are pushed once at
// startup; feeds poll their URL on the given interval.
type OracleConfig struct {
	MaxAgeSeconds uint64        `toml:"MaxAgeSeconds"`
	Manual        []ManualPrice `toml:"manual"`
	Feeds         []OracleFeed  `toml:"feed"`
}

// ManualPrice is a startup seed for the manual price source. Price is a
// decimal string in whole stable units, e.g. "2000" or "1999.50".
type ManualPrice struct {
	Asset string `toml:"Asset"`
	Price string `toml:"Price"`
}

type OracleFeed struct {
	Name            string `toml:"Name"`
	URL             string `toml:"URL"`
	IntervalSeconds uint64 `toml:"IntervalSeconds"`
}

// Load loads the configuration from the given path.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg, err := createDefault(path)
		if err != nil {
			return nil, err
		}
		applyEnvOverrides(cfg)
		return cfg, nil
	}

	cfg := &Config{}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}

	for _, undecoded := range meta.Undecoded() {
		cfg.Undecoded = append(cfg.Undecoded, undecoded.String())
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if secret := strings.TrimSpace(os.Getenv(envJWTSecret)); secret != "" {
		cfg.Auth.HMACSecret = secret
	}
}

// DefaultConfig returns the configuration written for a fresh deployment.
func DefaultConfig() *Config {
	return &Config{
		ListenAddress: ":8645",
		Pool: PoolConfig{
			StableSymbol:            "USDH",
			StableDecimals:          6,
			CollateralSymbol:        "WETH",
			CollateralDecimals:      18,
			MaxLTVBps:               7_500,
			LiquidationThresholdBps: 8_000,
			LiquidatorBonusBps:      400,
			AprBps:                  lending.DefaultAprBps,
			MaxQuoteAgeSeconds:      300,
		},
		Auth: AuthConfig{
			Enabled:          true,
			Issuer:           "stablelend",
			Audience:         "lendpoold",
			ScopeClaim:       "scope",
			ClockSkewSeconds: 30,
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 600,
			Burst:             60,
		},
		Journal: JournalConfig{
			Path: "./lendpoold-data/journal",
		},
		Telemetry: TelemetryConfig{
			Environment: "dev",
		},
		Oracle: OracleConfig{
			MaxAgeSeconds: 300,
			Manual: []ManualPrice{
				{Asset: "WETH", Price: "2000"},
			},
		},
	}
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := DefaultConfig()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills fields the file left at their zero value. Booleans
// stay as decoded.
func applyDefaults(cfg *Config) {
	def := DefaultConfig()

	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = def.ListenAddress
	}
	if strings.TrimSpace(cfg.Pool.StableSymbol) == "" {
		cfg.Pool.StableSymbol = def.Pool.StableSymbol
		cfg.Pool.StableDecimals = def.Pool.StableDecimals
	}
	if strings.TrimSpace(cfg.Pool.CollateralSymbol) == "" {
		cfg.Pool.CollateralSymbol = def.Pool.CollateralSymbol
		cfg.Pool.CollateralDecimals = def.Pool.CollateralDecimals
	}
	if cfg.Pool.MaxLTVBps == 0 {
		cfg.Pool.MaxLTVBps = def.Pool.MaxLTVBps
	}
	if cfg.Pool.LiquidationThresholdBps == 0 {
		cfg.Pool.LiquidationThresholdBps = def.Pool.LiquidationThresholdBps
	}
	if cfg.Pool.LiquidatorBonusBps == 0 {
		cfg.Pool.LiquidatorBonusBps = def.Pool.LiquidatorBonusBps
	}
	if cfg.Pool.AprBps == 0 {
		cfg.Pool.AprBps = def.Pool.AprBps
	}
	if strings.TrimSpace(cfg.Auth.Issuer) == "" {
		cfg.Auth.Issuer = def.Auth.Issuer
	}
	if strings.TrimSpace(cfg.Auth.Audience) == "" {
		cfg.Auth.Audience = def.Auth.Audience
	}
	if strings.TrimSpace(cfg.Auth.ScopeClaim) == "" {
		cfg.Auth.ScopeClaim = def.Auth.ScopeClaim
	}
	if cfg.RateLimit.RequestsPerMinute == 0 {
		cfg.RateLimit.RequestsPerMinute = def.RateLimit.RequestsPerMinute
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = def.RateLimit.Burst
	}
	if strings.TrimSpace(cfg.Telemetry.Environment) == "" {
		cfg.Telemetry.Environment = def.Telemetry.Environment
	}
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

// Assets maps the pool section onto the engine's asset pair.
func (p PoolConfig) Assets() lending.PoolAssets {
	return lending.PoolAssets{
		StableSymbol:       p.StableSymbol,
		StableDecimals:     p.StableDecimals,
		CollateralSymbol:   p.CollateralSymbol,
		CollateralDecimals: p.CollateralDecimals,
	}
}

// RiskParameters maps the pool section onto the engine's risk knobs.
func (p PoolConfig) RiskParameters() lending.RiskParameters {
	return lending.RiskParameters{
		MaxLTVBps:               p.MaxLTVBps,
		LiquidationThresholdBps: p.LiquidationThresholdBps,
		LiquidatorBonusBps:      p.LiquidatorBonusBps,
		MaxQuoteAge:             time.Duration(p.MaxQuoteAgeSeconds) * time.Second,
	}
}

// MaxAge returns the aggregator freshness window.
func (o OracleConfig) MaxAge() time.Duration {
	return time.Duration(o.MaxAgeSeconds) * time.Second
}

// ClockSkew returns the tolerated clock drift for token validation.
func (a AuthConfig) ClockSkew() time.Duration {
	return time.Duration(a.ClockSkewSeconds) * time.Second
}

// Interval returns the poll cadence for the feed, zero meaning the poller's
// own default.
func (f OracleFeed) Interval() time.Duration {
	return time.Duration(f.IntervalSeconds) * time.Second
}
