package lending

import "math/big"

// DefaultAprBps is the annual borrow rate applied when no explicit model is
// configured.
const DefaultAprBps uint64 = 1000

// InterestModel fixes the cost of borrowing. Interest is simple and
// non-compounding: the full obligation is computed once at origination from
// principal, rate and term, and never changes afterwards regardless of when
// the loan is actually settled.
type InterestModel struct {
	// AprBps is the annual rate applied to loan principal, expressed in
	// basis points.
	AprBps uint64
}

// NewInterestModel constructs a fixed-rate model from a basis point APR.
func NewInterestModel(aprBps uint64) *InterestModel {
	return &InterestModel{AprBps: aprBps}
}

// Clone returns a deep copy of the interest model.
func (m *InterestModel) Clone() *InterestModel {
	if m == nil {
		return nil
	}
	return &InterestModel{AprBps: m.AprBps}
}

// SimpleInterest computes principal * aprBps * durationSeconds scaled down by
// the basis point denominator and the seconds in a 365 day year. The single
// trailing floor division keeps every intermediate product exact.
func SimpleInterest(principal *big.Int, aprBps uint64, durationSeconds uint64) *big.Int {
	if principal == nil || principal.Sign() <= 0 || aprBps == 0 || durationSeconds == 0 {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(principal, new(big.Int).SetUint64(aprBps))
	out.Mul(out, new(big.Int).SetUint64(durationSeconds))
	den := new(big.Int).Mul(basisPoints, big.NewInt(secondsPerYear))
	return out.Quo(out, den)
}

// RepaymentAmount returns principal plus the simple interest owed over the
// requested term. A nil model waives interest.
func (m *InterestModel) RepaymentAmount(principal *big.Int, durationSeconds uint64) *big.Int {
	if principal == nil {
		return big.NewInt(0)
	}
	if m == nil {
		return new(big.Int).Set(principal)
	}
	interest := SimpleInterest(principal, m.AprBps, durationSeconds)
	return new(big.Int).Add(principal, interest)
}
