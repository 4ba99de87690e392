package lending

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"stablelend/crypto"
	"stablelend/events"
)

// LedgerClient moves one asset between external accounts and the pool's
// custody balance. Implementations must be safe for concurrent use and must
// return fresh big integers from PoolBalance.
type LedgerClient interface {
	// TransferIn debits the account and credits pool custody.
	TransferIn(from crypto.Address, amount *big.Int) error
	// TransferOut debits pool custody and credits the account.
	TransferOut(to crypto.Address, amount *big.Int) error
	// PoolBalance reports the amount currently held in custody.
	PoolBalance() *big.Int
}

// ShareLedger mints and burns pool shares. The concrete implementation gates
// mutation behind an authority handle claimed by whoever constructs the pool.
type ShareLedger interface {
	Mint(to crypto.Address, amount *big.Int) error
	Burn(from crypto.Address, amount *big.Int) error
	BalanceOf(addr crypto.Address) *big.Int
	TotalSupply() *big.Int
}

// PriceQuote carries one oracle observation: the stable value of a whole
// collateral unit as an 18-decimal fixed-point number.
type PriceQuote struct {
	PriceWad  *big.Int
	Timestamp time.Time
	Source    string
}

// PriceSource quotes the collateral asset in stable terms. Implementations
// return ErrAssetNotSupported when no feed exists for the symbol.
type PriceSource interface {
	Price(asset string) (PriceQuote, error)
}

// Engine orchestrates every state transition of the lending pool. One write
// lock serializes mutations end to end, so no two of them ever interleave and
// readers always observe fully committed state. External transfers executed
// mid-operation are unwound in reverse order if a later step fails, leaving
// ledgers and loan book exactly as before the call.
type Engine struct {
	mu sync.RWMutex

	stable     LedgerClient
	collateral LedgerClient
	shares     ShareLedger
	oracle     PriceSource

	assets        PoolAssets
	params        RiskParameters
	interestModel *InterestModel

	book          *LoanBook
	totalBorrowed *big.Int

	pauses  ActionPauses
	emitter events.Emitter
	nowFn   func() int64
}

// NewEngine constructs a pool engine with the given asset identities and risk
// parameters. The ledgers, share ledger and oracle must be wired before any
// operation runs; emitter, clock and interest model carry safe defaults.
func NewEngine(assets PoolAssets, params RiskParameters) *Engine {
	return &Engine{
		assets:        assets,
		params:        params,
		interestModel: NewInterestModel(DefaultAprBps),
		book:          NewLoanBook(),
		totalBorrowed: big.NewInt(0),
		emitter:       events.NoopEmitter{},
		nowFn:         func() int64 { return time.Now().Unix() },
	}
}

// SetLedgers wires the stable and collateral token ledgers.
func (e *Engine) SetLedgers(stable, collateral LedgerClient) {
	if e == nil {
		return
	}
	e.stable = stable
	e.collateral = collateral
}

// SetShares wires the pool share ledger.
func (e *Engine) SetShares(shares ShareLedger) {
	if e == nil {
		return
	}
	e.shares = shares
}

// SetOracle wires the collateral price source.
func (e *Engine) SetOracle(oracle PriceSource) {
	if e == nil {
		return
	}
	e.oracle = oracle
}

// SetInterestModel configures the rate applied to new loans. Passing nil
// waives interest.
func (e *Engine) SetInterestModel(model *InterestModel) {
	if e == nil {
		return
	}
	e.interestModel = model.Clone()
}

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if e == nil {
		return
	}
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if e == nil {
		return
	}
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetPauses replaces the pause switchboard atomically and records the change
// in the audit stream.
func (e *Engine) SetPauses(p ActionPauses) {
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pauses = p
	e.emit(&PausesUpdatedEvent{Pauses: p})
}

// Pauses returns the currently active pause switchboard.
func (e *Engine) Pauses() ActionPauses {
	if e == nil {
		return ActionPauses{}
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.pauses
}

// Deposit pulls the stable amount from the lender and mints pool shares at
// the current exchange rate. The minted share amount is returned.
func (e *Engine) Deposit(lender crypto.Address, amount *big.Int) (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pauses.Deposit {
		return nil, ErrPaused
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	// Snapshot supply and assets before the pull so the incoming amount does
	// not dilute the minted shares.
	supply := e.shares.TotalSupply()
	assets := e.totalAssets()
	minted := new(big.Int)
	if supply.Sign() == 0 || assets.Sign() == 0 {
		minted.Set(amount)
	} else {
		minted = mulDiv(amount, supply, assets)
		if minted.Sign() == 0 {
			// Dust that would mint nothing and strand the deposit.
			return nil, ErrInvalidAmount
		}
	}

	tx := &engineTx{}
	if err := tx.step(
		func() error { return e.stable.TransferIn(lender, amount) },
		func() error { return e.stable.TransferOut(lender, amount) },
	); err != nil {
		return nil, fmt.Errorf("%w: stable deposit: %w", ErrTransferFailed, err)
	}
	if err := e.shares.Mint(lender, minted); err != nil {
		return nil, tx.rollback(fmt.Errorf("lending: mint shares: %w", err))
	}

	e.emit(&DepositedEvent{
		Lender:       lender,
		Amount:       new(big.Int).Set(amount),
		SharesMinted: new(big.Int).Set(minted),
		ExchangeRate: exchangeRate(e.totalAssets(), e.shares.TotalSupply()),
	})
	return minted, nil
}

// Withdraw pays the requested stable amount out of idle pool liquidity and
// burns the corresponding shares, rounded up so rounding never favors the
// withdrawer. The burned share amount is returned.
func (e *Engine) Withdraw(lender crypto.Address, amount *big.Int) (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pauses.Withdraw {
		return nil, ErrPaused
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	supply := e.shares.TotalSupply()
	if supply.Sign() == 0 {
		return nil, ErrInsufficientLiquidity
	}
	idle := e.stable.PoolBalance()
	if idle.Cmp(amount) < 0 {
		return nil, ErrInsufficientLiquidity
	}
	assets := new(big.Int).Add(idle, e.totalBorrowed)
	burned := ceilDiv(new(big.Int).Mul(amount, supply), assets)

	tx := &engineTx{}
	if err := tx.step(
		func() error { return e.shares.Burn(lender, burned) },
		func() error { return e.shares.Mint(lender, burned) },
	); err != nil {
		return nil, fmt.Errorf("lending: burn shares: %w", err)
	}
	if err := tx.step(
		func() error { return e.stable.TransferOut(lender, amount) },
		func() error { return e.stable.TransferIn(lender, amount) },
	); err != nil {
		return nil, tx.rollback(fmt.Errorf("%w: stable payout: %w", ErrTransferFailed, err))
	}

	e.emit(&WithdrawnEvent{
		Lender:       lender,
		Amount:       new(big.Int).Set(amount),
		SharesBurned: new(big.Int).Set(burned),
	})
	return burned, nil
}

// Borrow opens a fixed-term loan: the borrower posts collateral, the pool
// pays out the principal, and the repayment obligation is fixed immediately
// from the configured rate. A snapshot of the opened loan is returned.
func (e *Engine) Borrow(borrower crypto.Address, amount, collateralAmount *big.Int, durationSeconds uint64) (*Loan, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pauses.Borrow {
		return nil, ErrPaused
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if durationSeconds == 0 {
		return nil, ErrInvalidDuration
	}
	if collateralAmount == nil || collateralAmount.Sign() <= 0 {
		return nil, ErrCollateralRequired
	}

	quote, err := e.collateralQuote()
	if err != nil {
		return nil, err
	}
	collValue := collateralValue(scaleTo18(collateralAmount, e.assets.CollateralDecimals), quote.PriceWad)
	maxBorrowValue := applyBps(collValue, e.params.MaxLTVBps)
	if scaleTo18(amount, e.assets.StableDecimals).Cmp(maxBorrowValue) > 0 {
		return nil, ErrInsufficientCollateral
	}
	if e.stable.PoolBalance().Cmp(amount) < 0 {
		return nil, ErrInsufficientLiquidity
	}

	tx := &engineTx{}
	if err := tx.step(
		func() error { return e.collateral.TransferIn(borrower, collateralAmount) },
		func() error { return e.collateral.TransferOut(borrower, collateralAmount) },
	); err != nil {
		return nil, fmt.Errorf("%w: collateral deposit: %w", ErrTransferFailed, err)
	}
	if err := tx.step(
		func() error { return e.stable.TransferOut(borrower, amount) },
		func() error { return e.stable.TransferIn(borrower, amount) },
	); err != nil {
		return nil, tx.rollback(fmt.Errorf("%w: principal payout: %w", ErrTransferFailed, err))
	}

	var aprBps uint64
	if e.interestModel != nil {
		aprBps = e.interestModel.AprBps
	}
	loan := &Loan{
		Borrower:   borrower,
		Principal:  new(big.Int).Set(amount),
		Repayment:  e.interestModel.RepaymentAmount(amount, durationSeconds),
		Collateral: new(big.Int).Set(collateralAmount),
		AprBps:     aprBps,
		Start:      e.now(),
		Duration:   durationSeconds,
		Status:     LoanStatusActive,
	}
	e.book.Append(loan)
	e.totalBorrowed = new(big.Int).Add(e.totalBorrowed, amount)

	e.emit(&LoanOpenedEvent{Loan: loan.Clone()})
	return loan.Clone(), nil
}

// Repay settles an active loan: the fixed repayment is pulled from the payer
// (any account may pay), the full collateral returns to the borrower, and the
// principal leaves the outstanding total. The amount pulled is returned.
func (e *Engine) Repay(payer crypto.Address, loanID uint64) (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pauses.Repay {
		return nil, ErrPaused
	}

	loan, ok := e.book.Get(loanID)
	if !ok {
		return nil, ErrLoanNotFound
	}
	if loan.Status != LoanStatusActive {
		return nil, ErrLoanInactive
	}

	repayment := new(big.Int).Set(loan.Repayment)
	tx := &engineTx{}
	if err := tx.step(
		func() error { return e.stable.TransferIn(payer, repayment) },
		func() error { return e.stable.TransferOut(payer, repayment) },
	); err != nil {
		return nil, fmt.Errorf("%w: repayment: %w", ErrTransferFailed, err)
	}
	if loan.Collateral.Sign() > 0 {
		if err := tx.step(
			func() error { return e.collateral.TransferOut(loan.Borrower, loan.Collateral) },
			func() error { return e.collateral.TransferIn(loan.Borrower, loan.Collateral) },
		); err != nil {
			return nil, tx.rollback(fmt.Errorf("%w: collateral release: %w", ErrTransferFailed, err))
		}
	}
	if err := e.book.Close(loanID, LoanStatusRepaid); err != nil {
		return nil, tx.rollback(err)
	}
	e.totalBorrowed = new(big.Int).Sub(e.totalBorrowed, loan.Principal)

	e.emit(&LoanRepaidEvent{
		LoanID:             loanID,
		Payer:              payer,
		Amount:             repayment,
		CollateralReleased: new(big.Int).Set(loan.Collateral),
	})
	return repayment, nil
}

// Liquidate settles an unhealthy loan. The liquidator pays the fixed
// repayment and receives the bonus-weighted collateral entitlement, clamped
// to the posted amount; any remainder returns to the borrower.
func (e *Engine) Liquidate(liquidator crypto.Address, loanID uint64) (*LiquidationResult, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pauses.Liquidate {
		return nil, ErrPaused
	}

	loan, ok := e.book.Get(loanID)
	if !ok {
		return nil, ErrLoanNotFound
	}
	if loan.Status != LoanStatusActive {
		return nil, ErrLoanInactive
	}

	quote, err := e.collateralQuote()
	if err != nil {
		return nil, err
	}
	debtValue := scaleTo18(loan.Repayment, e.assets.StableDecimals)
	collValue := collateralValue(scaleTo18(loan.Collateral, e.assets.CollateralDecimals), quote.PriceWad)
	if e.positionHealthy(debtValue, collValue) {
		return nil, ErrHealthFactorOK
	}
	return e.settleLiquidation(liquidator, loan, quote, false)
}

// LiquidateExpired settles a loan whose term has elapsed, healthy or not.
func (e *Engine) LiquidateExpired(liquidator crypto.Address, loanID uint64) (*LiquidationResult, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pauses.Liquidate {
		return nil, ErrPaused
	}

	loan, ok := e.book.Get(loanID)
	if !ok {
		return nil, ErrLoanNotFound
	}
	if loan.Status != LoanStatusActive {
		return nil, ErrLoanInactive
	}
	if !loan.Expired(e.now()) {
		return nil, ErrLoanNotExpired
	}

	quote, err := e.collateralQuote()
	if err != nil {
		return nil, err
	}
	return e.settleLiquidation(liquidator, loan, quote, true)
}

// settleLiquidation executes the shared settlement path. The caller holds the
// write lock and has already validated eligibility.
func (e *Engine) settleLiquidation(liquidator crypto.Address, loan *Loan, quote PriceQuote, expired bool) (*LiquidationResult, error) {
	repayment := new(big.Int).Set(loan.Repayment)

	// The liquidator's entitlement is the repayment plus bonus, valued in
	// collateral units at the fresh quote and never more than the posted
	// collateral; any shortfall is theirs to absorb.
	entitlement := applyBps(repayment, 10_000+e.params.LiquidatorBonusBps)
	seized := scaleFrom18(mulDiv(scaleTo18(entitlement, e.assets.StableDecimals), wad, quote.PriceWad), e.assets.CollateralDecimals)
	if seized.Cmp(loan.Collateral) > 0 {
		seized = new(big.Int).Set(loan.Collateral)
	}
	returned := new(big.Int).Sub(loan.Collateral, seized)

	tx := &engineTx{}
	if err := tx.step(
		func() error { return e.stable.TransferIn(liquidator, repayment) },
		func() error { return e.stable.TransferOut(liquidator, repayment) },
	); err != nil {
		return nil, fmt.Errorf("%w: liquidation repayment: %w", ErrTransferFailed, err)
	}
	if seized.Sign() > 0 {
		if err := tx.step(
			func() error { return e.collateral.TransferOut(liquidator, seized) },
			func() error { return e.collateral.TransferIn(liquidator, seized) },
		); err != nil {
			return nil, tx.rollback(fmt.Errorf("%w: collateral seizure: %w", ErrTransferFailed, err))
		}
	}
	if returned.Sign() > 0 {
		if err := tx.step(
			func() error { return e.collateral.TransferOut(loan.Borrower, returned) },
			func() error { return e.collateral.TransferIn(loan.Borrower, returned) },
		); err != nil {
			return nil, tx.rollback(fmt.Errorf("%w: collateral return: %w", ErrTransferFailed, err))
		}
	}
	if err := e.book.Close(loan.ID, LoanStatusLiquidated); err != nil {
		return nil, tx.rollback(err)
	}
	e.totalBorrowed = new(big.Int).Sub(e.totalBorrowed, loan.Principal)

	e.emit(&LoanLiquidatedEvent{
		LoanID:             loan.ID,
		Liquidator:         liquidator,
		Repayment:          repayment,
		CollateralSeized:   new(big.Int).Set(seized),
		CollateralReturned: new(big.Int).Set(returned),
		Expired:            expired,
	})
	return &LiquidationResult{
		Loan:               loan.Clone(),
		Repayment:          repayment,
		CollateralSeized:   seized,
		CollateralReturned: returned,
		Expired:            expired,
	}, nil
}

// PoolState returns a consistent snapshot of the pool's aggregate accounting.
func (e *Engine) PoolState() (*PoolState, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	idle := e.stable.PoolBalance()
	borrowed := new(big.Int).Set(e.totalBorrowed)
	supply := e.shares.TotalSupply()
	assets := new(big.Int).Add(idle, borrowed)
	return &PoolState{
		TotalAssets:   assets,
		StableHeld:    idle,
		TotalBorrowed: borrowed,
		ShareSupply:   supply,
		ExchangeRate:  exchangeRate(assets, supply),
	}, nil
}

// ExchangeRate returns the WAD-scaled stable value of one pool share.
func (e *Engine) ExchangeRate() (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return exchangeRate(e.totalAssets(), e.shares.TotalSupply()), nil
}

// UserLoans returns the borrower's active loan identifiers in the order the
// loans were opened.
func (e *Engine) UserLoans(addr crypto.Address) ([]uint64, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.book.ActiveLoanIDsByBorrower(addr), nil
}

// UserPosition aggregates the account's share holdings and active borrow
// exposure into one snapshot.
func (e *Engine) UserPosition(addr crypto.Address) (*UserPosition, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	shares := e.shares.BalanceOf(addr)
	rate := exchangeRate(e.totalAssets(), e.shares.TotalSupply())
	ids := e.book.ActiveLoanIDsByBorrower(addr)
	locked := big.NewInt(0)
	for _, id := range ids {
		if loan, ok := e.book.Get(id); ok && loan.Collateral != nil {
			locked.Add(locked, loan.Collateral)
		}
	}
	return &UserPosition{
		Address:          addr,
		Shares:           shares,
		ShareValue:       mulDiv(shares, rate, wad),
		ActiveLoanCount:  len(ids),
		CollateralLocked: locked,
	}, nil
}

// GetLoan returns a snapshot of the loan for the identifier.
func (e *Engine) GetLoan(loanID uint64) (*Loan, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	loan, ok := e.book.Get(loanID)
	if !ok {
		return nil, ErrLoanNotFound
	}
	return loan.Clone(), nil
}

// LoanHealth reports the loan's current debt-to-collateral value ratio as a
// WAD fixed-point number together with its liquidation eligibility. Missing
// or closed loans report (0, false); an active loan whose collateral value
// is zero reports (0, true).
func (e *Engine) LoanHealth(loanID uint64) (*big.Int, bool, error) {
	if err := e.ready(); err != nil {
		return nil, false, err
	}
	e.mu.RLock()
	loan, ok := e.book.Get(loanID)
	var snapshot *Loan
	if ok {
		snapshot = loan.Clone()
	}
	e.mu.RUnlock()

	if snapshot == nil || snapshot.Status != LoanStatusActive {
		return big.NewInt(0), false, nil
	}
	quote, err := e.collateralQuote()
	if err != nil {
		return nil, false, err
	}
	debtValue := scaleTo18(snapshot.Repayment, e.assets.StableDecimals)
	collValue := collateralValue(scaleTo18(snapshot.Collateral, e.assets.CollateralDecimals), quote.PriceWad)
	if collValue.Sign() == 0 {
		return big.NewInt(0), true, nil
	}
	return mulDiv(debtValue, wad, collValue), !e.positionHealthy(debtValue, collValue), nil
}

// ActiveLoans reports the number of currently open loans.
func (e *Engine) ActiveLoans() int {
	if e == nil {
		return 0
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.book.ActiveCount()
}

// totalAssets is the stable value backing all shares: idle custody balance
// plus outstanding principal. Borrowing moves value between the two legs
// without changing the sum, so the exchange rate is unaffected by it.
func (e *Engine) totalAssets() *big.Int {
	return new(big.Int).Add(e.stable.PoolBalance(), e.totalBorrowed)
}

// positionHealthy reports whether the debt value stays strictly below the
// liquidation threshold share of collateral value. Equality is liquidatable.
func (e *Engine) positionHealthy(debtValue, collValue *big.Int) bool {
	if debtValue == nil || debtValue.Sign() == 0 {
		return true
	}
	if collValue == nil || collValue.Sign() == 0 {
		return false
	}
	num := new(big.Int).Mul(debtValue, basisPoints)
	den := new(big.Int).Mul(collValue, new(big.Int).SetUint64(e.params.LiquidationThresholdBps))
	return num.Cmp(den) < 0
}

// collateralQuote fetches a usable price for the collateral asset, enforcing
// positivity and the configured freshness window.
func (e *Engine) collateralQuote() (PriceQuote, error) {
	quote, err := e.oracle.Price(e.assets.CollateralSymbol)
	if err != nil {
		if errors.Is(err, ErrAssetNotSupported) || errors.Is(err, ErrInvalidPrice) {
			return PriceQuote{}, err
		}
		return PriceQuote{}, fmt.Errorf("%w: %v", ErrInvalidPrice, err)
	}
	if quote.PriceWad == nil || quote.PriceWad.Sign() <= 0 {
		return PriceQuote{}, ErrInvalidPrice
	}
	if e.params.MaxQuoteAge > 0 {
		if quote.Timestamp.IsZero() {
			return PriceQuote{}, fmt.Errorf("%w: quote missing timestamp", ErrInvalidPrice)
		}
		if e.now()-quote.Timestamp.Unix() > int64(e.params.MaxQuoteAge/time.Second) {
			return PriceQuote{}, fmt.Errorf("%w: quote from %q is stale", ErrInvalidPrice, quote.Source)
		}
	}
	return quote, nil
}

func (e *Engine) ready() error {
	if e == nil || e.stable == nil || e.collateral == nil || e.shares == nil || e.oracle == nil {
		return errNotConfigured
	}
	return nil
}

func (e *Engine) emit(p events.Payload) {
	if e == nil || e.emitter == nil || p == nil {
		return
	}
	e.emitter.Emit(p)
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

// engineTx records compensating moves for ledger transfers already executed
// in the current mutation. A failure later in the sequence unwinds them in
// reverse order. Compensations move funds the pool provably holds, so an
// error during unwind indicates ledger corruption and is joined into the
// returned failure rather than swallowed.
type engineTx struct {
	undo []func() error
}

func (tx *engineTx) step(do func() error, compensate func() error) error {
	if err := do(); err != nil {
		return err
	}
	tx.undo = append(tx.undo, compensate)
	return nil
}

func (tx *engineTx) rollback(cause error) error {
	err := cause
	for i := len(tx.undo) - 1; i >= 0; i-- {
		if undoErr := tx.undo[i](); undoErr != nil {
			err = errors.Join(err, undoErr)
		}
	}
	return err
}
