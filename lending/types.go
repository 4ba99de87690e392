package lending

import (
	"math/big"

	"stablelend/crypto"
)

// LoanStatus represents the lifecycle states of an individual loan. A loan is
// written exactly once and transitions at most once, from active to a closed
// state; closed loans are retained forever for auditability.
type LoanStatus uint8

const (
	LoanStatusActive LoanStatus = iota + 1
	LoanStatusRepaid
	LoanStatusLiquidated
)

// String renders the status for logs or event attributes.
func (s LoanStatus) String() string {
	switch s {
	case LoanStatusActive:
		return "active"
	case LoanStatusRepaid:
		return "repaid"
	case LoanStatusLiquidated:
		return "liquidated"
	default:
		return "unknown"
	}
}

// Loan captures the immutable terms and runtime status of a single
// fixed-term loan. Amounts are big integers in the token's native precision:
// Principal and Repayment in stable units, Collateral in collateral units.
type Loan struct {
	// ID is the monotonically assigned loan identifier; zero is never valid.
	ID uint64
	// Borrower is the account that posted collateral and received the
	// principal. Collateral always returns to this account.
	Borrower crypto.Address
	// Principal is the stable amount paid out at origination.
	Principal *big.Int
	// Repayment is the fixed obligation (principal plus simple interest)
	// computed once at origination.
	Repayment *big.Int
	// Collateral is the amount held in pool custody for the life of the
	// loan.
	Collateral *big.Int
	// AprBps records the rate the repayment was computed with.
	AprBps uint64
	// Start is the origination time in unix seconds.
	Start int64
	// Duration is the loan term in seconds. The loan is expired at or after
	// Start+Duration.
	Duration uint64
	// Status tracks the lifecycle state.
	Status LoanStatus
}

// Clone returns a deep copy of the loan so callers can safely mutate the copy
// without affecting the stored instance.
func (l *Loan) Clone() *Loan {
	if l == nil {
		return nil
	}
	clone := &Loan{
		ID:       l.ID,
		Borrower: l.Borrower,
		AprBps:   l.AprBps,
		Start:    l.Start,
		Duration: l.Duration,
		Status:   l.Status,
	}
	if l.Principal != nil {
		clone.Principal = new(big.Int).Set(l.Principal)
	}
	if l.Repayment != nil {
		clone.Repayment = new(big.Int).Set(l.Repayment)
	}
	if l.Collateral != nil {
		clone.Collateral = new(big.Int).Set(l.Collateral)
	}
	return clone
}

// Expired reports whether the loan term has elapsed at the given unix time.
func (l *Loan) Expired(now int64) bool {
	if l == nil {
		return false
	}
	return now >= l.Start+int64(l.Duration)
}

// PoolState is a consistent snapshot of the pool's aggregate accounting.
type PoolState struct {
	// TotalAssets is StableHeld plus TotalBorrowed, the value backing all
	// shares.
	TotalAssets *big.Int
	// StableHeld is the idle stable balance in pool custody.
	StableHeld *big.Int
	// TotalBorrowed is the outstanding principal across active loans.
	TotalBorrowed *big.Int
	// ShareSupply is the total pool shares in circulation.
	ShareSupply *big.Int
	// ExchangeRate is the WAD-scaled stable value of one share.
	ExchangeRate *big.Int
}

// Clone returns a deep copy of the pool state snapshot.
func (p *PoolState) Clone() *PoolState {
	if p == nil {
		return nil
	}
	clone := &PoolState{}
	if p.TotalAssets != nil {
		clone.TotalAssets = new(big.Int).Set(p.TotalAssets)
	}
	if p.StableHeld != nil {
		clone.StableHeld = new(big.Int).Set(p.StableHeld)
	}
	if p.TotalBorrowed != nil {
		clone.TotalBorrowed = new(big.Int).Set(p.TotalBorrowed)
	}
	if p.ShareSupply != nil {
		clone.ShareSupply = new(big.Int).Set(p.ShareSupply)
	}
	if p.ExchangeRate != nil {
		clone.ExchangeRate = new(big.Int).Set(p.ExchangeRate)
	}
	return clone
}

// UserPosition aggregates an account's lender and borrower exposure.
type UserPosition struct {
	// Address is the account the position belongs to.
	Address crypto.Address
	// Shares is the account's pool share balance.
	Shares *big.Int
	// ShareValue is the stable value of those shares at the current exchange
	// rate, floor rounded.
	ShareValue *big.Int
	// ActiveLoanCount is the number of loans currently open.
	ActiveLoanCount int
	// CollateralLocked sums the collateral held against the account's active
	// loans.
	CollateralLocked *big.Int
}

// LiquidationResult reports the settlement amounts of a liquidation.
type LiquidationResult struct {
	// Loan is a snapshot of the loan after closure.
	Loan *Loan
	// Repayment is the stable amount the liquidator paid into the pool.
	Repayment *big.Int
	// CollateralSeized is the collateral delivered to the liquidator,
	// clamped to the posted amount when the bonus entitlement exceeds it.
	CollateralSeized *big.Int
	// CollateralReturned is the remaining collateral released back to the
	// borrower.
	CollateralReturned *big.Int
	// Expired distinguishes term-expiry liquidations from health
	// liquidations.
	Expired bool
}
