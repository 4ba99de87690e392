package lending

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"stablelend/crypto"
	"stablelend/events"
)

const testStart int64 = 1_700_000_000

func usd(units int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(units), big.NewInt(1_000_000))
}

func weth(units int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(units), wad)
}

func priceWad(units int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(units), wad)
}

func testAddr(b byte) crypto.Address {
	raw := make([]byte, crypto.AddressLength)
	raw[crypto.AddressLength-1] = b
	return crypto.NewAddress(crypto.LendPrefix, raw)
}

// testLedger mirrors the custody semantics of the real token ledger: account
// balances plus one pool bucket, with injectable failures.
type testLedger struct {
	balances map[string]*big.Int
	pool     *big.Int
	failIn   error
	failOut  error
}

func newTestLedger() *testLedger {
	return &testLedger{balances: make(map[string]*big.Int), pool: big.NewInt(0)}
}

func (l *testLedger) fund(addr crypto.Address, amount *big.Int) {
	l.balances[string(addr.Bytes())] = new(big.Int).Set(amount)
}

func (l *testLedger) balance(addr crypto.Address) *big.Int {
	bal, ok := l.balances[string(addr.Bytes())]
	if !ok {
		return big.NewInt(0)
	}
	return new(big.Int).Set(bal)
}

func (l *testLedger) TransferIn(from crypto.Address, amount *big.Int) error {
	if l.failIn != nil {
		return l.failIn
	}
	bal, ok := l.balances[string(from.Bytes())]
	if !ok || bal.Cmp(amount) < 0 {
		return fmt.Errorf("account balance below %v", amount)
	}
	bal.Sub(bal, amount)
	l.pool.Add(l.pool, amount)
	return nil
}

func (l *testLedger) TransferOut(to crypto.Address, amount *big.Int) error {
	if l.failOut != nil {
		return l.failOut
	}
	if l.pool.Cmp(amount) < 0 {
		return fmt.Errorf("pool balance below %v", amount)
	}
	l.pool.Sub(l.pool, amount)
	key := string(to.Bytes())
	bal, ok := l.balances[key]
	if !ok {
		bal = big.NewInt(0)
		l.balances[key] = bal
	}
	bal.Add(bal, amount)
	return nil
}

func (l *testLedger) PoolBalance() *big.Int {
	return new(big.Int).Set(l.pool)
}

// total sums pool custody and every account balance for conservation checks.
func (l *testLedger) total() *big.Int {
	out := new(big.Int).Set(l.pool)
	for _, bal := range l.balances {
		out.Add(out, bal)
	}
	return out
}

type testShares struct {
	balances map[string]*big.Int
	supply   *big.Int
	failMint error
	failBurn error
}

func newTestShares() *testShares {
	return &testShares{balances: make(map[string]*big.Int), supply: big.NewInt(0)}
}

func (s *testShares) Mint(to crypto.Address, amount *big.Int) error {
	if s.failMint != nil {
		return s.failMint
	}
	key := string(to.Bytes())
	bal, ok := s.balances[key]
	if !ok {
		bal = big.NewInt(0)
		s.balances[key] = bal
	}
	bal.Add(bal, amount)
	s.supply.Add(s.supply, amount)
	return nil
}

func (s *testShares) Burn(from crypto.Address, amount *big.Int) error {
	if s.failBurn != nil {
		return s.failBurn
	}
	bal, ok := s.balances[string(from.Bytes())]
	if !ok || bal.Cmp(amount) < 0 {
		return fmt.Errorf("share balance below %v", amount)
	}
	bal.Sub(bal, amount)
	s.supply.Sub(s.supply, amount)
	return nil
}

func (s *testShares) BalanceOf(addr crypto.Address) *big.Int {
	bal, ok := s.balances[string(addr.Bytes())]
	if !ok {
		return big.NewInt(0)
	}
	return new(big.Int).Set(bal)
}

func (s *testShares) TotalSupply() *big.Int {
	return new(big.Int).Set(s.supply)
}

type testOracle struct {
	price *big.Int
	ts    time.Time
	err   error
}

func (o *testOracle) Price(string) (PriceQuote, error) {
	if o.err != nil {
		return PriceQuote{}, o.err
	}
	return PriceQuote{PriceWad: new(big.Int).Set(o.price), Timestamp: o.ts, Source: "test"}, nil
}

type captureEmitter struct {
	payloads []events.Payload
}

func (c *captureEmitter) Emit(p events.Payload) {
	c.payloads = append(c.payloads, p)
}

func (c *captureEmitter) countType(eventType string) int {
	n := 0
	for _, p := range c.payloads {
		if p.EventType() == eventType {
			n++
		}
	}
	return n
}

type engineFixture struct {
	engine     *Engine
	stable     *testLedger
	collateral *testLedger
	shares     *testShares
	oracle     *testOracle
	emitter    *captureEmitter
	now        int64
}

func newCustomFixture(t *testing.T, assets PoolAssets, params RiskParameters) *engineFixture {
	t.Helper()
	fix := &engineFixture{
		stable:     newTestLedger(),
		collateral: newTestLedger(),
		shares:     newTestShares(),
		oracle:     &testOracle{price: priceWad(2_000), ts: time.Unix(testStart, 0)},
		emitter:    &captureEmitter{},
		now:        testStart,
	}
	fix.engine = NewEngine(assets, params)
	fix.engine.SetLedgers(fix.stable, fix.collateral)
	fix.engine.SetShares(fix.shares)
	fix.engine.SetOracle(fix.oracle)
	fix.engine.SetEmitter(fix.emitter)
	fix.engine.SetNowFunc(func() int64 { return fix.now })
	return fix
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	params := DefaultRiskParameters()
	params.MaxQuoteAge = 0
	return newCustomFixture(t, DefaultPoolAssets(), params)
}

// seedYield deposits 10_000 stable from the lender and runs one borrow and
// repay cycle at the default 10% rate over a full year, leaving the pool with
// 10_100 stable against 10_000 shares.
func (fix *engineFixture) seedYield(t *testing.T, lender, borrower crypto.Address) {
	t.Helper()
	fix.stable.fund(lender, usd(10_000))
	fix.collateral.fund(borrower, weth(1))
	fix.stable.fund(borrower, usd(100))
	if _, err := fix.engine.Deposit(lender, usd(10_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	loan, err := fix.engine.Borrow(borrower, usd(1_000), weth(1), secondsPerYear)
	if err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if loan.Repayment.Cmp(usd(1_100)) != 0 {
		t.Fatalf("expected repayment 1100e6, got %v", loan.Repayment)
	}
	fix.now += secondsPerYear
	if _, err := fix.engine.Repay(borrower, loan.ID); err != nil {
		t.Fatalf("repay: %v", err)
	}
}

func TestDepositBootstrapMintsOneToOne(t *testing.T) {
	fix := newEngineFixture(t)
	lender := testAddr(1)
	fix.stable.fund(lender, usd(5_000))

	minted, err := fix.engine.Deposit(lender, usd(5_000))
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if minted.Cmp(usd(5_000)) != 0 {
		t.Fatalf("expected 5000e6 shares, got %v", minted)
	}

	state, err := fix.engine.PoolState()
	if err != nil {
		t.Fatalf("pool state: %v", err)
	}
	if state.StableHeld.Cmp(usd(5_000)) != 0 {
		t.Fatalf("stable held = %v, want 5000e6", state.StableHeld)
	}
	if state.ShareSupply.Cmp(usd(5_000)) != 0 {
		t.Fatalf("share supply = %v, want 5000e6", state.ShareSupply)
	}
	if state.ExchangeRate.Cmp(wad) != 0 {
		t.Fatalf("exchange rate = %v, want 1 wad", state.ExchangeRate)
	}
	if fix.stable.balance(lender).Sign() != 0 {
		t.Fatalf("lender balance not pulled: %v", fix.stable.balance(lender))
	}
}

func TestDepositMintsProportionallyAfterYield(t *testing.T) {
	fix := newEngineFixture(t)
	lender, borrower := testAddr(1), testAddr(2)
	fix.seedYield(t, lender, borrower)

	second := testAddr(3)
	fix.stable.fund(second, usd(1_010))
	minted, err := fix.engine.Deposit(second, usd(1_010))
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	// 1_010 at an exchange rate of 1.01 buys exactly 1_000 shares.
	if minted.Cmp(usd(1_000)) != 0 {
		t.Fatalf("expected 1000e6 shares, got %v", minted)
	}
}

func TestDepositRejectsDustThatMintsNothing(t *testing.T) {
	fix := newEngineFixture(t)
	lender, borrower := testAddr(1), testAddr(2)
	fix.seedYield(t, lender, borrower)

	second := testAddr(3)
	fix.stable.fund(second, usd(1))
	if _, err := fix.engine.Deposit(second, big.NewInt(1)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for dust deposit, got %v", err)
	}
	if fix.stable.balance(second).Cmp(usd(1)) != 0 {
		t.Fatalf("dust deposit moved funds: %v", fix.stable.balance(second))
	}
}

func TestDepositRejectsBadAmounts(t *testing.T) {
	fix := newEngineFixture(t)
	lender := testAddr(1)
	for _, amount := range []*big.Int{nil, big.NewInt(0), big.NewInt(-5)} {
		if _, err := fix.engine.Deposit(lender, amount); !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("amount %v: expected ErrInvalidAmount, got %v", amount, err)
		}
	}
}

func TestWithdrawRoundTripExact(t *testing.T) {
	fix := newEngineFixture(t)
	lender := testAddr(1)
	fix.stable.fund(lender, usd(5_000))
	if _, err := fix.engine.Deposit(lender, usd(5_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	burned, err := fix.engine.Withdraw(lender, usd(5_000))
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if burned.Cmp(usd(5_000)) != 0 {
		t.Fatalf("expected 5000e6 shares burned, got %v", burned)
	}
	if fix.stable.balance(lender).Cmp(usd(5_000)) != 0 {
		t.Fatalf("lender balance = %v, want 5000e6", fix.stable.balance(lender))
	}
	state, _ := fix.engine.PoolState()
	if state.ShareSupply.Sign() != 0 || state.StableHeld.Sign() != 0 {
		t.Fatalf("pool not empty after round trip: %+v", state)
	}
	if state.ExchangeRate.Cmp(wad) != 0 {
		t.Fatalf("empty pool rate = %v, want 1 wad", state.ExchangeRate)
	}
}

func TestWithdrawBurnsSharesRoundedUp(t *testing.T) {
	fix := newEngineFixture(t)
	lender, borrower := testAddr(1), testAddr(2)
	fix.seedYield(t, lender, borrower)

	// 102 stable at a 1.01 rate needs 100.9900..e6 shares; the burn rounds up.
	burned, err := fix.engine.Withdraw(lender, usd(102))
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if burned.Cmp(big.NewInt(100_990_100)) != 0 {
		t.Fatalf("expected 100990100 shares burned, got %v", burned)
	}
}

func TestWithdrawAllAfterYield(t *testing.T) {
	fix := newEngineFixture(t)
	lender, borrower := testAddr(1), testAddr(2)
	fix.seedYield(t, lender, borrower)

	rate, err := fix.engine.ExchangeRate()
	if err != nil {
		t.Fatalf("exchange rate: %v", err)
	}
	if rate.Cmp(mustBig(t, "1010000000000000000")) != 0 {
		t.Fatalf("expected 1.01 wad rate, got %v", rate)
	}

	burned, err := fix.engine.Withdraw(lender, usd(10_100))
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if burned.Cmp(usd(10_000)) != 0 {
		t.Fatalf("expected full 10000e6 share burn, got %v", burned)
	}
	if fix.stable.balance(lender).Cmp(usd(10_100)) != 0 {
		t.Fatalf("lender balance = %v, want 10100e6", fix.stable.balance(lender))
	}
	state, _ := fix.engine.PoolState()
	if state.ShareSupply.Sign() != 0 {
		t.Fatalf("share supply left after full withdraw: %v", state.ShareSupply)
	}
}

func TestWithdrawBlockedByOutstandingLoans(t *testing.T) {
	fix := newEngineFixture(t)
	lender, borrower := testAddr(1), testAddr(2)
	fix.stable.fund(lender, usd(5_000))
	fix.collateral.fund(borrower, weth(2))
	if _, err := fix.engine.Deposit(lender, usd(5_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	// Borrowing exactly at the 75% cap is allowed.
	if _, err := fix.engine.Borrow(borrower, usd(3_000), weth(2), 3_600); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	if _, err := fix.engine.Withdraw(lender, usd(2_001)); !errors.Is(err, ErrInsufficientLiquidity) {
		t.Fatalf("expected ErrInsufficientLiquidity, got %v", err)
	}
	if _, err := fix.engine.Withdraw(lender, usd(2_000)); err != nil {
		t.Fatalf("withdraw within idle liquidity: %v", err)
	}
}

func TestWithdrawFromEmptyPool(t *testing.T) {
	fix := newEngineFixture(t)
	if _, err := fix.engine.Withdraw(testAddr(1), usd(1)); !errors.Is(err, ErrInsufficientLiquidity) {
		t.Fatalf("expected ErrInsufficientLiquidity, got %v", err)
	}
}

func TestBorrowRejectsBadParameters(t *testing.T) {
	fix := newEngineFixture(t)
	lender, borrower := testAddr(1), testAddr(2)
	fix.stable.fund(lender, usd(10_000))
	fix.collateral.fund(borrower, weth(10))
	if _, err := fix.engine.Deposit(lender, usd(1_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	cases := []struct {
		name       string
		amount     *big.Int
		collateral *big.Int
		duration   uint64
		want       error
	}{
		{"nil amount", nil, weth(1), 3_600, ErrInvalidAmount},
		{"zero amount", big.NewInt(0), weth(1), 3_600, ErrInvalidAmount},
		{"negative amount", big.NewInt(-1), weth(1), 3_600, ErrInvalidAmount},
		{"zero duration", usd(100), weth(1), 0, ErrInvalidDuration},
		{"nil collateral", usd(100), nil, 3_600, ErrCollateralRequired},
		{"zero collateral", usd(100), big.NewInt(0), 3_600, ErrCollateralRequired},
		{"over max ltv", usd(1_501), weth(1), 3_600, ErrInsufficientCollateral},
		{"idle liquidity short", usd(1_400), weth(1), 3_600, ErrInsufficientLiquidity},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := fix.engine.Borrow(borrower, tc.amount, tc.collateral, tc.duration)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
	if fix.engine.ActiveLoans() != 0 {
		t.Fatalf("rejected borrows opened loans: %d", fix.engine.ActiveLoans())
	}
	if fix.collateral.balance(borrower).Cmp(weth(10)) != 0 {
		t.Fatalf("rejected borrows moved collateral: %v", fix.collateral.balance(borrower))
	}
}

func TestBorrowAtMaxLTVBoundary(t *testing.T) {
	fix := newEngineFixture(t)
	lender, borrower := testAddr(1), testAddr(2)
	fix.stable.fund(lender, usd(10_000))
	fix.collateral.fund(borrower, weth(1))
	if _, err := fix.engine.Deposit(lender, usd(10_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	// 1 collateral unit at 2_000 caps borrowing at exactly 1_500.
	loan, err := fix.engine.Borrow(borrower, usd(1_500), weth(1), 3_600)
	if err != nil {
		t.Fatalf("borrow at boundary: %v", err)
	}
	if loan.ID != 1 {
		t.Fatalf("expected first loan id 1, got %d", loan.ID)
	}
	if loan.Principal.Cmp(usd(1_500)) != 0 {
		t.Fatalf("principal = %v, want 1500e6", loan.Principal)
	}
	wantRepayment := new(big.Int).Add(usd(1_500), big.NewInt(17_123))
	if loan.Repayment.Cmp(wantRepayment) != 0 {
		t.Fatalf("repayment = %v, want %v", loan.Repayment, wantRepayment)
	}
	if loan.Start != testStart || loan.Duration != 3_600 {
		t.Fatalf("unexpected term: start=%d duration=%d", loan.Start, loan.Duration)
	}

	if fix.stable.balance(borrower).Cmp(usd(1_500)) != 0 {
		t.Fatalf("principal not paid out: %v", fix.stable.balance(borrower))
	}
	if fix.collateral.balance(borrower).Sign() != 0 {
		t.Fatalf("collateral not pulled: %v", fix.collateral.balance(borrower))
	}
	if fix.collateral.pool.Cmp(weth(1)) != 0 {
		t.Fatalf("collateral custody = %v, want 1e18", fix.collateral.pool)
	}

	state, _ := fix.engine.PoolState()
	if state.TotalBorrowed.Cmp(usd(1_500)) != 0 {
		t.Fatalf("total borrowed = %v, want 1500e6", state.TotalBorrowed)
	}
	if state.TotalAssets.Cmp(usd(10_000)) != 0 {
		t.Fatalf("borrowing changed total assets: %v", state.TotalAssets)
	}
	if state.ExchangeRate.Cmp(wad) != 0 {
		t.Fatalf("borrowing moved the exchange rate: %v", state.ExchangeRate)
	}
}

func TestBorrowOracleFailures(t *testing.T) {
	fix := newEngineFixture(t)
	lender, borrower := testAddr(1), testAddr(2)
	fix.stable.fund(lender, usd(10_000))
	fix.collateral.fund(borrower, weth(1))
	if _, err := fix.engine.Deposit(lender, usd(10_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	fix.oracle.err = ErrAssetNotSupported
	if _, err := fix.engine.Borrow(borrower, usd(100), weth(1), 3_600); !errors.Is(err, ErrAssetNotSupported) {
		t.Fatalf("expected ErrAssetNotSupported, got %v", err)
	}

	fix.oracle.err = errors.New("feed offline")
	if _, err := fix.engine.Borrow(borrower, usd(100), weth(1), 3_600); !errors.Is(err, ErrInvalidPrice) {
		t.Fatalf("expected ErrInvalidPrice for feed failure, got %v", err)
	}

	fix.oracle.err = nil
	fix.oracle.price = big.NewInt(0)
	if _, err := fix.engine.Borrow(borrower, usd(100), weth(1), 3_600); !errors.Is(err, ErrInvalidPrice) {
		t.Fatalf("expected ErrInvalidPrice for zero price, got %v", err)
	}

	fix.oracle.price = big.NewInt(-1)
	if _, err := fix.engine.Borrow(borrower, usd(100), weth(1), 3_600); !errors.Is(err, ErrInvalidPrice) {
		t.Fatalf("expected ErrInvalidPrice for negative price, got %v", err)
	}
}

func TestBorrowRejectsStaleQuote(t *testing.T) {
	fix := newCustomFixture(t, DefaultPoolAssets(), DefaultRiskParameters())
	lender, borrower := testAddr(1), testAddr(2)
	fix.stable.fund(lender, usd(10_000))
	fix.collateral.fund(borrower, weth(1))
	if _, err := fix.engine.Deposit(lender, usd(10_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	fix.oracle.ts = time.Unix(testStart-600, 0)
	if _, err := fix.engine.Borrow(borrower, usd(100), weth(1), 3_600); !errors.Is(err, ErrInvalidPrice) {
		t.Fatalf("expected ErrInvalidPrice for stale quote, got %v", err)
	}

	fix.oracle.ts = time.Time{}
	if _, err := fix.engine.Borrow(borrower, usd(100), weth(1), 3_600); !errors.Is(err, ErrInvalidPrice) {
		t.Fatalf("expected ErrInvalidPrice for missing timestamp, got %v", err)
	}

	fix.oracle.ts = time.Unix(testStart-60, 0)
	if _, err := fix.engine.Borrow(borrower, usd(100), weth(1), 3_600); err != nil {
		t.Fatalf("fresh quote rejected: %v", err)
	}
}

func TestBorrowRollsBackCollateralOnPayoutFailure(t *testing.T) {
	fix := newEngineFixture(t)
	lender, borrower := testAddr(1), testAddr(2)
	fix.stable.fund(lender, usd(5_000))
	fix.collateral.fund(borrower, weth(1))
	if _, err := fix.engine.Deposit(lender, usd(5_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	fix.stable.failOut = errors.New("stable ledger offline")
	_, err := fix.engine.Borrow(borrower, usd(1_000), weth(1), 3_600)
	if !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}

	if fix.collateral.balance(borrower).Cmp(weth(1)) != 0 {
		t.Fatalf("collateral not returned after rollback: %v", fix.collateral.balance(borrower))
	}
	if fix.collateral.pool.Sign() != 0 {
		t.Fatalf("collateral stuck in custody: %v", fix.collateral.pool)
	}
	if fix.engine.ActiveLoans() != 0 {
		t.Fatalf("failed borrow opened a loan")
	}
	if _, err := fix.engine.GetLoan(1); !errors.Is(err, ErrLoanNotFound) {
		t.Fatalf("expected no loan record, got %v", err)
	}
	state, _ := fix.engine.PoolState()
	if state.TotalBorrowed.Sign() != 0 {
		t.Fatalf("failed borrow changed total borrowed: %v", state.TotalBorrowed)
	}
	if got := fix.emitter.countType(EventTypeLoanOpened); got != 0 {
		t.Fatalf("failed borrow emitted %d open events", got)
	}
}

func TestRepaySettlesLoan(t *testing.T) {
	fix := newEngineFixture(t)
	lender, borrower := testAddr(1), testAddr(2)
	fix.stable.fund(lender, usd(10_000))
	fix.collateral.fund(borrower, weth(1))
	fix.stable.fund(borrower, usd(100))
	if _, err := fix.engine.Deposit(lender, usd(10_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	loan, err := fix.engine.Borrow(borrower, usd(1_000), weth(1), secondsPerYear)
	if err != nil {
		t.Fatalf("borrow: %v", err)
	}

	paid, err := fix.engine.Repay(borrower, loan.ID)
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	if paid.Cmp(usd(1_100)) != 0 {
		t.Fatalf("expected 1100e6 pulled, got %v", paid)
	}
	if fix.collateral.balance(borrower).Cmp(weth(1)) != 0 {
		t.Fatalf("collateral not released: %v", fix.collateral.balance(borrower))
	}
	stored, err := fix.engine.GetLoan(loan.ID)
	if err != nil {
		t.Fatalf("get loan: %v", err)
	}
	if stored.Status != LoanStatusRepaid {
		t.Fatalf("status = %v, want repaid", stored.Status)
	}
	state, _ := fix.engine.PoolState()
	if state.TotalBorrowed.Sign() != 0 {
		t.Fatalf("total borrowed = %v after repay", state.TotalBorrowed)
	}
	if state.StableHeld.Cmp(usd(10_100)) != 0 {
		t.Fatalf("stable held = %v, want 10100e6", state.StableHeld)
	}

	if _, err := fix.engine.Repay(borrower, loan.ID); !errors.Is(err, ErrLoanInactive) {
		t.Fatalf("expected ErrLoanInactive on second repay, got %v", err)
	}
	if _, err := fix.engine.Repay(borrower, 99); !errors.Is(err, ErrLoanNotFound) {
		t.Fatalf("expected ErrLoanNotFound, got %v", err)
	}
}

func TestRepayAcceptsThirdPartyPayer(t *testing.T) {
	fix := newEngineFixture(t)
	lender, borrower, payer := testAddr(1), testAddr(2), testAddr(9)
	fix.stable.fund(lender, usd(10_000))
	fix.collateral.fund(borrower, weth(1))
	fix.stable.fund(payer, usd(2_000))
	if _, err := fix.engine.Deposit(lender, usd(10_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	loan, err := fix.engine.Borrow(borrower, usd(1_000), weth(1), secondsPerYear)
	if err != nil {
		t.Fatalf("borrow: %v", err)
	}

	if _, err := fix.engine.Repay(payer, loan.ID); err != nil {
		t.Fatalf("third party repay: %v", err)
	}
	if fix.stable.balance(payer).Cmp(usd(900)) != 0 {
		t.Fatalf("payer balance = %v, want 900e6", fix.stable.balance(payer))
	}
	// Collateral always returns to the borrower, not the payer.
	if fix.collateral.balance(borrower).Cmp(weth(1)) != 0 {
		t.Fatalf("collateral went astray: %v", fix.collateral.balance(borrower))
	}
	if fix.collateral.balance(payer).Sign() != 0 {
		t.Fatalf("payer received collateral: %v", fix.collateral.balance(payer))
	}
}

func TestRepayRollsBackOnCollateralReleaseFailure(t *testing.T) {
	fix := newEngineFixture(t)
	lender, borrower := testAddr(1), testAddr(2)
	fix.stable.fund(lender, usd(10_000))
	fix.collateral.fund(borrower, weth(1))
	fix.stable.fund(borrower, usd(100))
	if _, err := fix.engine.Deposit(lender, usd(10_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	loan, err := fix.engine.Borrow(borrower, usd(1_000), weth(1), secondsPerYear)
	if err != nil {
		t.Fatalf("borrow: %v", err)
	}
	beforePayer := fix.stable.balance(borrower)

	fix.collateral.failOut = errors.New("collateral ledger offline")
	if _, err := fix.engine.Repay(borrower, loan.ID); !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}

	if fix.stable.balance(borrower).Cmp(beforePayer) != 0 {
		t.Fatalf("repayment not refunded: %v", fix.stable.balance(borrower))
	}
	stored, _ := fix.engine.GetLoan(loan.ID)
	if stored.Status != LoanStatusActive {
		t.Fatalf("failed repay closed the loan: %v", stored.Status)
	}
	state, _ := fix.engine.PoolState()
	if state.TotalBorrowed.Cmp(usd(1_000)) != 0 {
		t.Fatalf("total borrowed changed: %v", state.TotalBorrowed)
	}
	if got := fix.emitter.countType(EventTypeLoanRepaid); got != 0 {
		t.Fatalf("failed repay emitted %d events", got)
	}
}

func TestPausedActionsRejected(t *testing.T) {
	fix := newEngineFixture(t)
	lender, borrower, liquidator := testAddr(1), testAddr(2), testAddr(3)
	fix.stable.fund(lender, usd(10_000))
	fix.collateral.fund(borrower, weth(2))
	fix.stable.fund(borrower, usd(100))
	fix.stable.fund(liquidator, usd(2_000))
	if _, err := fix.engine.Deposit(lender, usd(10_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	loan, err := fix.engine.Borrow(borrower, usd(1_000), weth(1), 3_600)
	if err != nil {
		t.Fatalf("borrow: %v", err)
	}

	fix.engine.SetPauses(ActionPauses{Deposit: true, Withdraw: true, Borrow: true, Repay: true, Liquidate: true})

	if _, err := fix.engine.Deposit(lender, usd(1)); !errors.Is(err, ErrPaused) {
		t.Fatalf("deposit: expected ErrPaused, got %v", err)
	}
	if _, err := fix.engine.Withdraw(lender, usd(1)); !errors.Is(err, ErrPaused) {
		t.Fatalf("withdraw: expected ErrPaused, got %v", err)
	}
	if _, err := fix.engine.Borrow(borrower, usd(1), weth(1), 3_600); !errors.Is(err, ErrPaused) {
		t.Fatalf("borrow: expected ErrPaused, got %v", err)
	}
	if _, err := fix.engine.Repay(borrower, loan.ID); !errors.Is(err, ErrPaused) {
		t.Fatalf("repay: expected ErrPaused, got %v", err)
	}
	if _, err := fix.engine.Liquidate(liquidator, loan.ID); !errors.Is(err, ErrPaused) {
		t.Fatalf("liquidate: expected ErrPaused, got %v", err)
	}
	if _, err := fix.engine.LiquidateExpired(liquidator, loan.ID); !errors.Is(err, ErrPaused) {
		t.Fatalf("liquidate expired: expected ErrPaused, got %v", err)
	}
	if got := fix.engine.Pauses(); !got.Borrow || !got.Liquidate {
		t.Fatalf("pauses not readable: %+v", got)
	}

	fix.engine.SetPauses(ActionPauses{})
	if _, err := fix.engine.Repay(borrower, loan.ID); err != nil {
		t.Fatalf("repay after unpause: %v", err)
	}
	if got := fix.emitter.countType(EventTypePausesUpdated); got != 2 {
		t.Fatalf("expected 2 pause events, got %d", got)
	}
}

func TestEventsEmittedOncePerCommit(t *testing.T) {
	fix := newEngineFixture(t)
	lender, borrower := testAddr(1), testAddr(2)
	fix.seedYield(t, lender, borrower)
	if _, err := fix.engine.Withdraw(lender, usd(100)); err != nil {
		t.Fatalf("withdraw: %v", err)
	}

	wantCounts := map[string]int{
		EventTypeDeposited:  1,
		EventTypeLoanOpened: 1,
		EventTypeLoanRepaid: 1,
		EventTypeWithdrawn:  1,
	}
	for eventType, want := range wantCounts {
		if got := fix.emitter.countType(eventType); got != want {
			t.Fatalf("%s emitted %d times, want %d", eventType, got, want)
		}
	}
	if got := len(fix.emitter.payloads); got != 4 {
		t.Fatalf("expected 4 events total, got %d", got)
	}
}

func TestLedgerConservation(t *testing.T) {
	fix := newEngineFixture(t)
	lender, borrower, liquidator := testAddr(1), testAddr(2), testAddr(3)
	fix.stable.fund(lender, usd(10_000))
	fix.stable.fund(borrower, usd(2_000))
	fix.stable.fund(liquidator, usd(2_000))
	fix.collateral.fund(borrower, weth(3))

	stableTotal := fix.stable.total()
	collateralTotal := fix.collateral.total()
	check := func(stage string) {
		t.Helper()
		if got := fix.stable.total(); got.Cmp(stableTotal) != 0 {
			t.Fatalf("%s: stable total %v, want %v", stage, got, stableTotal)
		}
		if got := fix.collateral.total(); got.Cmp(collateralTotal) != 0 {
			t.Fatalf("%s: collateral total %v, want %v", stage, got, collateralTotal)
		}
	}

	if _, err := fix.engine.Deposit(lender, usd(10_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	check("deposit")

	first, err := fix.engine.Borrow(borrower, usd(1_000), weth(1), secondsPerYear)
	if err != nil {
		t.Fatalf("borrow first: %v", err)
	}
	second, err := fix.engine.Borrow(borrower, usd(1_000), weth(1), secondsPerYear)
	if err != nil {
		t.Fatalf("borrow second: %v", err)
	}
	check("borrow")

	if _, err := fix.engine.Repay(borrower, first.ID); err != nil {
		t.Fatalf("repay: %v", err)
	}
	check("repay")

	fix.oracle.price = priceWad(1_100)
	if _, err := fix.engine.Liquidate(liquidator, second.ID); err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	check("liquidate")

	if _, err := fix.engine.Withdraw(lender, usd(5_000)); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	check("withdraw")
}

func TestQueriesOnEmptyPool(t *testing.T) {
	fix := newEngineFixture(t)

	state, err := fix.engine.PoolState()
	if err != nil {
		t.Fatalf("pool state: %v", err)
	}
	if state.TotalAssets.Sign() != 0 || state.TotalBorrowed.Sign() != 0 || state.ShareSupply.Sign() != 0 {
		t.Fatalf("empty pool state not zero: %+v", state)
	}
	if state.ExchangeRate.Cmp(wad) != 0 {
		t.Fatalf("empty pool rate = %v, want 1 wad", state.ExchangeRate)
	}

	pos, err := fix.engine.UserPosition(testAddr(1))
	if err != nil {
		t.Fatalf("user position: %v", err)
	}
	if pos.Shares.Sign() != 0 || pos.ShareValue.Sign() != 0 || pos.ActiveLoanCount != 0 || pos.CollateralLocked.Sign() != 0 {
		t.Fatalf("empty position not zero: %+v", pos)
	}

	loans, err := fix.engine.UserLoans(testAddr(1))
	if err != nil {
		t.Fatalf("user loans: %v", err)
	}
	if len(loans) != 0 {
		t.Fatalf("expected no loans, got %v", loans)
	}

	if _, err := fix.engine.GetLoan(1); !errors.Is(err, ErrLoanNotFound) {
		t.Fatalf("expected ErrLoanNotFound, got %v", err)
	}

	ltv, liquidatable, err := fix.engine.LoanHealth(1)
	if err != nil {
		t.Fatalf("loan health: %v", err)
	}
	if ltv.Sign() != 0 || liquidatable {
		t.Fatalf("missing loan health = (%v, %v), want (0, false)", ltv, liquidatable)
	}
}

func TestUserLoansAndPosition(t *testing.T) {
	fix := newEngineFixture(t)
	lender, borrower := testAddr(1), testAddr(2)
	fix.stable.fund(lender, usd(10_000))
	fix.collateral.fund(borrower, weth(3))
	fix.stable.fund(borrower, usd(500))
	if _, err := fix.engine.Deposit(lender, usd(10_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	var ids []uint64
	for i := 0; i < 3; i++ {
		loan, err := fix.engine.Borrow(borrower, usd(100), weth(1), 3_600)
		if err != nil {
			t.Fatalf("borrow %d: %v", i, err)
		}
		ids = append(ids, loan.ID)
	}
	if _, err := fix.engine.Repay(borrower, ids[1]); err != nil {
		t.Fatalf("repay: %v", err)
	}

	active, err := fix.engine.UserLoans(borrower)
	if err != nil {
		t.Fatalf("user loans: %v", err)
	}
	if len(active) != 2 || active[0] != ids[0] || active[1] != ids[2] {
		t.Fatalf("active loans = %v, want [%d %d]", active, ids[0], ids[2])
	}

	pos, err := fix.engine.UserPosition(borrower)
	if err != nil {
		t.Fatalf("user position: %v", err)
	}
	if pos.ActiveLoanCount != 2 {
		t.Fatalf("active count = %d, want 2", pos.ActiveLoanCount)
	}
	if pos.CollateralLocked.Cmp(weth(2)) != 0 {
		t.Fatalf("collateral locked = %v, want 2e18", pos.CollateralLocked)
	}

	lenderPos, err := fix.engine.UserPosition(lender)
	if err != nil {
		t.Fatalf("lender position: %v", err)
	}
	if lenderPos.Shares.Cmp(usd(10_000)) != 0 {
		t.Fatalf("lender shares = %v", lenderPos.Shares)
	}
	if lenderPos.ShareValue.Cmp(usd(10_000)) != 0 {
		t.Fatalf("lender share value = %v", lenderPos.ShareValue)
	}
}

func TestEngineRequiresWiring(t *testing.T) {
	eng := NewEngine(DefaultPoolAssets(), DefaultRiskParameters())
	if _, err := eng.Deposit(testAddr(1), usd(1)); !errors.Is(err, errNotConfigured) {
		t.Fatalf("expected errNotConfigured, got %v", err)
	}
	if _, err := eng.PoolState(); !errors.Is(err, errNotConfigured) {
		t.Fatalf("expected errNotConfigured for queries, got %v", err)
	}
}

func TestReturnedStateIsDetached(t *testing.T) {
	fix := newEngineFixture(t)
	lender := testAddr(1)
	fix.stable.fund(lender, usd(5_000))
	if _, err := fix.engine.Deposit(lender, usd(5_000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	state, _ := fix.engine.PoolState()
	state.TotalBorrowed.SetInt64(999)
	fresh, _ := fix.engine.PoolState()
	if fresh.TotalBorrowed.Sign() != 0 {
		t.Fatalf("pool state aliases engine internals: %v", fresh.TotalBorrowed)
	}
}

// TestConcurrentMutationsKeepConservation hammers one engine from parallel
// depositors, borrow/repay cycles and readers. Token conservation and the
// closed-loans bookkeeping must hold regardless of interleaving.
func TestConcurrentMutationsKeepConservation(t *testing.T) {
	fix := newEngineFixture(t)

	seed := testAddr(0xA0)
	fix.stable.fund(seed, usd(10_000))
	if _, err := fix.engine.Deposit(seed, usd(10_000)); err != nil {
		t.Fatalf("seed deposit: %v", err)
	}

	const (
		depositors = 4
		borrowers  = 4
		cycles     = 5
	)
	lenders := make([]crypto.Address, depositors)
	for i := range lenders {
		lenders[i] = testAddr(byte(0xB0 + i))
		fix.stable.fund(lenders[i], usd(1_000))
	}
	debtors := make([]crypto.Address, borrowers)
	for i := range debtors {
		debtors[i] = testAddr(byte(0xC0 + i))
		fix.stable.fund(debtors[i], usd(200))
		fix.collateral.fund(debtors[i], weth(1))
	}

	stableBefore := fix.stable.total()
	collateralBefore := fix.collateral.total()

	errs := make(chan error, depositors+borrowers)
	var wg sync.WaitGroup

	for _, lender := range lenders {
		wg.Add(1)
		go func(lender crypto.Address) {
			defer wg.Done()
			for i := 0; i < cycles; i++ {
				if _, err := fix.engine.Deposit(lender, usd(100)); err != nil {
					errs <- fmt.Errorf("deposit: %w", err)
					return
				}
			}
		}(lender)
	}
	for _, borrower := range debtors {
		wg.Add(1)
		go func(borrower crypto.Address) {
			defer wg.Done()
			for i := 0; i < cycles; i++ {
				loan, err := fix.engine.Borrow(borrower, usd(100), weth(1), secondsPerYear)
				if err != nil {
					errs <- fmt.Errorf("borrow: %w", err)
					return
				}
				if _, err := fix.engine.Repay(borrower, loan.ID); err != nil {
					errs <- fmt.Errorf("repay: %w", err)
					return
				}
			}
		}(borrower)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	for running := true; running; {
		select {
		case <-done:
			running = false
		default:
			if _, err := fix.engine.PoolState(); err != nil {
				t.Errorf("pool state during load: %v", err)
				running = false
			}
			if _, err := fix.engine.ExchangeRate(); err != nil {
				t.Errorf("exchange rate during load: %v", err)
				running = false
			}
		}
	}
	close(errs)
	for err := range errs {
		t.Errorf("worker: %v", err)
	}
	if t.Failed() {
		t.FailNow()
	}

	if got := fix.stable.total(); got.Cmp(stableBefore) != 0 {
		t.Fatalf("stable total = %v, want %v", got, stableBefore)
	}
	if got := fix.collateral.total(); got.Cmp(collateralBefore) != 0 {
		t.Fatalf("collateral total = %v, want %v", got, collateralBefore)
	}

	state, err := fix.engine.PoolState()
	if err != nil {
		t.Fatalf("pool state: %v", err)
	}
	if state.TotalBorrowed.Sign() != 0 {
		t.Fatalf("outstanding principal = %v after all repays", state.TotalBorrowed)
	}
	if state.TotalAssets.Cmp(state.StableHeld) != 0 {
		t.Fatalf("assets %v != idle balance %v with no open loans", state.TotalAssets, state.StableHeld)
	}
	if state.ExchangeRate.Cmp(wad) < 0 {
		t.Fatalf("exchange rate %v fell below 1.0 despite accrued interest", state.ExchangeRate)
	}
	if fix.engine.ActiveLoans() != 0 {
		t.Fatalf("active loans = %d, want 0", fix.engine.ActiveLoans())
	}
}
