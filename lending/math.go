package lending

import "math/big"

var (
	basisPoints = big.NewInt(10_000)
	wad         = big.NewInt(1_000_000_000_000_000_000)
)

// secondsPerYear fixes the accrual year at 365 days of 86_400 seconds.
const secondsPerYear = 31_536_000

// maxTokenDecimals bounds supported token precision to the WAD scale.
const maxTokenDecimals = 18

// pow10 returns 10^n as a fresh big integer. n must not exceed
// maxTokenDecimals; configuration validation enforces the bound before any
// amount reaches the math helpers.
func pow10(n uint8) *big.Int {
	out := big.NewInt(1)
	ten := big.NewInt(10)
	for i := uint8(0); i < n; i++ {
		out.Mul(out, ten)
	}
	return out
}

// scaleTo18 widens an amount from the token's native precision to 18 decimal
// places so values of different tokens compare in one scale.
func scaleTo18(amount *big.Int, decimals uint8) *big.Int {
	if amount == nil {
		return big.NewInt(0)
	}
	if decimals >= maxTokenDecimals {
		return new(big.Int).Set(amount)
	}
	return new(big.Int).Mul(amount, pow10(maxTokenDecimals-decimals))
}

// scaleFrom18 narrows an 18-decimal value back to the token's native
// precision with floor rounding.
func scaleFrom18(amount *big.Int, decimals uint8) *big.Int {
	if amount == nil {
		return big.NewInt(0)
	}
	if decimals >= maxTokenDecimals {
		return new(big.Int).Set(amount)
	}
	return new(big.Int).Quo(amount, pow10(maxTokenDecimals-decimals))
}

// mulDiv returns a*b/den with floor rounding. All engine amounts are
// non-negative, so Quo truncation and floor coincide.
func mulDiv(a, b, den *big.Int) *big.Int {
	out := new(big.Int).Mul(a, b)
	return out.Quo(out, den)
}

// ceilDiv returns a/b rounded toward positive infinity for non-negative a and
// positive b.
func ceilDiv(a, b *big.Int) *big.Int {
	if a == nil || a.Sign() == 0 {
		return big.NewInt(0)
	}
	out := new(big.Int).Add(a, new(big.Int).Sub(b, big.NewInt(1)))
	return out.Quo(out, b)
}

// collateralValue prices an 18-decimal collateral amount with a WAD price,
// yielding the 18-decimal stable value of the position.
func collateralValue(collateral18, priceWad *big.Int) *big.Int {
	if collateral18 == nil || priceWad == nil {
		return big.NewInt(0)
	}
	return mulDiv(collateral18, priceWad, wad)
}

// applyBps scales an amount by a basis point factor with floor rounding.
func applyBps(amount *big.Int, bps uint64) *big.Int {
	if amount == nil {
		return big.NewInt(0)
	}
	return mulDiv(amount, new(big.Int).SetUint64(bps), basisPoints)
}

// exchangeRate returns the WAD-scaled value of one pool share. An empty pool
// is defined to trade at exactly 1.0 so the first deposit mints one share per
// stable unit.
func exchangeRate(totalAssets, shareSupply *big.Int) *big.Int {
	if shareSupply == nil || shareSupply.Sign() == 0 {
		return new(big.Int).Set(wad)
	}
	return mulDiv(totalAssets, wad, shareSupply)
}
