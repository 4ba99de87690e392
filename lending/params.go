package lending

import "time"

// RiskParameters groups the safety limits governing borrowing and
// liquidation. Ratios are expressed in basis points for deterministic integer
// comparisons.
type RiskParameters struct {
	// MaxLTVBps caps the borrowable value as a share of collateral value at
	// origination.
	MaxLTVBps uint64
	// LiquidationThresholdBps is the debt-to-collateral value ratio at which
	// a position becomes liquidatable. Reaching the threshold exactly makes
	// the loan eligible.
	LiquidationThresholdBps uint64
	// LiquidatorBonusBps is the premium over the repayment amount granted to
	// liquidators in collateral value.
	LiquidatorBonusBps uint64
	// MaxQuoteAge rejects oracle quotes older than this horizon. Zero
	// disables the check.
	MaxQuoteAge time.Duration
}

// DefaultRiskParameters returns the production defaults: 75% max LTV, 80%
// liquidation threshold, 4% liquidator bonus and a five minute quote window.
func DefaultRiskParameters() RiskParameters {
	return RiskParameters{
		MaxLTVBps:               7_500,
		LiquidationThresholdBps: 8_000,
		LiquidatorBonusBps:      400,
		MaxQuoteAge:             5 * time.Minute,
	}
}

// PoolAssets identifies the two tokens the pool trades in and their native
// precisions. Decimals above 18 are rejected at configuration time.
type PoolAssets struct {
	StableSymbol       string
	StableDecimals     uint8
	CollateralSymbol   string
	CollateralDecimals uint8
}

// DefaultPoolAssets returns the canonical single-pool deployment: a
// six-decimal stable asset lent against an eighteen-decimal collateral asset.
func DefaultPoolAssets() PoolAssets {
	return PoolAssets{
		StableSymbol:       "USDH",
		StableDecimals:     6,
		CollateralSymbol:   "WETH",
		CollateralDecimals: 18,
	}
}

// ActionPauses exposes fine-grained switches for pausing individual pool
// flows without stopping the daemon.
type ActionPauses struct {
	Deposit   bool
	Withdraw  bool
	Borrow    bool
	Repay     bool
	Liquidate bool
}
