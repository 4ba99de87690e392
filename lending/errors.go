package lending

import "errors"

var (
	// ErrInvalidAmount rejects non-positive stable amounts and dust deposits
	// that would mint zero shares.
	ErrInvalidAmount = errors.New("lending: amount must be positive")
	// ErrInvalidDuration rejects loans with a zero term.
	ErrInvalidDuration = errors.New("lending: duration must be positive")
	// ErrCollateralRequired rejects borrows that post no collateral.
	ErrCollateralRequired = errors.New("lending: collateral must be positive")
	// ErrInsufficientCollateral rejects borrows whose requested value exceeds
	// the maximum loan-to-value of the posted collateral.
	ErrInsufficientCollateral = errors.New("lending: requested amount exceeds max LTV")
	// ErrInvalidPrice covers oracle quotes that are missing, stale or not
	// strictly positive.
	ErrInvalidPrice = errors.New("lending: oracle price unavailable")
	// ErrAssetNotSupported signals the oracle carries no feed for the
	// configured collateral asset.
	ErrAssetNotSupported = errors.New("lending: collateral asset not supported")
	// ErrInsufficientLiquidity signals the pool's idle stable balance cannot
	// cover the requested payout or principal.
	ErrInsufficientLiquidity = errors.New("lending: insufficient liquidity")
	// ErrLoanNotFound signals an unknown loan identifier.
	ErrLoanNotFound = errors.New("lending: loan not found")
	// ErrLoanInactive signals the loan was already repaid or liquidated.
	ErrLoanInactive = errors.New("lending: loan is not active")
	// ErrLoanNotExpired rejects expiry liquidations before the term ends.
	ErrLoanNotExpired = errors.New("lending: loan term has not expired")
	// ErrHealthFactorOK rejects health liquidations of positions still above
	// water.
	ErrHealthFactorOK = errors.New("lending: position is healthy")
	// ErrTransferFailed wraps failures reported by the token ledgers.
	ErrTransferFailed = errors.New("lending: transfer failed")
	// ErrPaused signals the requested action is disabled by the pause
	// switchboard.
	ErrPaused = errors.New("lending: action paused")

	errNotConfigured = errors.New("lending: engine not fully configured")
)
