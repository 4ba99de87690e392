package config

import (
	"fmt"
	"strings"

	"stablelend/oracle"
)

// MaxAprBps caps the configurable borrow rate at 1000% APR.
const MaxAprBps = uint64(100_000)

func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config: nil")
	}
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		return fmt.Errorf("config: ListenAddress empty")
	}
	if strings.TrimSpace(cfg.Pool.StableSymbol) == "" || strings.TrimSpace(cfg.Pool.CollateralSymbol) == "" {
		return fmt.Errorf("pool: asset symbols must be set")
	}
	if cfg.Pool.StableSymbol == cfg.Pool.CollateralSymbol {
		return fmt.Errorf("pool: stable and collateral symbols must differ")
	}
	if cfg.Pool.StableDecimals > 18 || cfg.Pool.CollateralDecimals > 18 {
		return fmt.Errorf("pool: decimals > 18")
	}
	if cfg.Pool.MaxLTVBps == 0 || cfg.Pool.MaxLTVBps >= cfg.Pool.LiquidationThresholdBps {
		return fmt.Errorf("pool: MaxLTVBps must stay below LiquidationThresholdBps")
	}
	if cfg.Pool.LiquidationThresholdBps > 10_000 {
		return fmt.Errorf("pool: LiquidationThresholdBps > 10000")
	}
	if cfg.Pool.LiquidatorBonusBps > 10_000 {
		return fmt.Errorf("pool: LiquidatorBonusBps > 10000")
	}
	if cfg.Pool.AprBps > MaxAprBps {
		return fmt.Errorf("pool: AprBps > %d", MaxAprBps)
	}
	if cfg.Auth.Enabled && strings.TrimSpace(cfg.Auth.HMACSecret) == "" && !cfg.Auth.AllowInsecure {
		return fmt.Errorf("auth: HMACSecret empty; set %s or AllowInsecure", envJWTSecret)
	}
	if cfg.RateLimit.RequestsPerMinute < 0 || cfg.RateLimit.Burst < 0 {
		return fmt.Errorf("ratelimit: negative limits")
	}
	for _, seed := range cfg.Oracle.Manual {
		if strings.TrimSpace(seed.Asset) == "" {
			return fmt.Errorf("oracle: manual entry missing Asset")
		}
		if _, err := oracle.ParseWad(seed.Price); err != nil {
			return fmt.Errorf("oracle: manual price for %s: %w", seed.Asset, err)
		}
	}
	for _, feed := range cfg.Oracle.Feeds {
		if strings.TrimSpace(feed.URL) == "" {
			return fmt.Errorf("oracle: feed %q missing URL", feed.Name)
		}
	}
	return nil
}
