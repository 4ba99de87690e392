// Package ledger provides the in-memory asset and share ledgers backing the
// pool. Accounts are debited directly, so a compensating transfer during an
// engine rollback always succeeds whenever the funds exist.
package ledger

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/holiman/uint256"

	"stablelend/crypto"
)

var (
	// ErrInvalidAmount rejects nil, zero or negative transfer amounts.
	ErrInvalidAmount = errors.New("ledger: amount must be positive")
	// ErrAmountOverflow rejects values outside the 256 bit balance range.
	ErrAmountOverflow = errors.New("ledger: amount exceeds 256 bits")
	// ErrInsufficientBalance signals the debited account cannot cover the
	// amount.
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
)

// Token is a single-asset account ledger with one designated custody account
// for the pool. Balances are unsigned 256 bit integers; every mutation is
// both checked and atomic under the ledger lock.
type Token struct {
	mu       sync.RWMutex
	symbol   string
	decimals uint8
	pool     crypto.Address
	balances map[string]*uint256.Int
	supply   *uint256.Int
}

// NewToken constructs an empty ledger for the asset. The pool address is the
// custody account TransferIn credits and TransferOut debits.
func NewToken(symbol string, decimals uint8, pool crypto.Address) *Token {
	return &Token{
		symbol:   symbol,
		decimals: decimals,
		pool:     pool,
		balances: make(map[string]*uint256.Int),
		supply:   uint256.NewInt(0),
	}
}

// Symbol returns the asset identifier the ledger was created with.
func (t *Token) Symbol() string { return t.symbol }

// Decimals returns the asset's native precision.
func (t *Token) Decimals() uint8 { return t.decimals }

// Mint credits newly issued units to the account. It backs genesis funding
// and tests; no RPC surface reaches it.
func (t *Token) Mint(to crypto.Address, amount *big.Int) error {
	value, err := toUint256(amount)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	supply, overflow := new(uint256.Int).AddOverflow(t.supply, value)
	if overflow {
		return ErrAmountOverflow
	}
	if err := t.credit(to, value); err != nil {
		return err
	}
	t.supply = supply
	return nil
}

// TransferIn debits the account and credits pool custody.
func (t *Token) TransferIn(from crypto.Address, amount *big.Int) error {
	value, err := toUint256(amount)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.debit(from, value); err != nil {
		return err
	}
	if err := t.credit(t.pool, value); err != nil {
		t.mustCredit(from, value)
		return err
	}
	return nil
}

// TransferOut debits pool custody and credits the account.
func (t *Token) TransferOut(to crypto.Address, amount *big.Int) error {
	value, err := toUint256(amount)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.debit(t.pool, value); err != nil {
		return err
	}
	if err := t.credit(to, value); err != nil {
		t.mustCredit(t.pool, value)
		return err
	}
	return nil
}

// BalanceOf returns the account's balance as a fresh big integer.
func (t *Token) BalanceOf(addr crypto.Address) *big.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	bal, ok := t.balances[string(addr.Bytes())]
	if !ok {
		return big.NewInt(0)
	}
	return bal.ToBig()
}

// PoolBalance returns the custody account's balance.
func (t *Token) PoolBalance() *big.Int {
	return t.BalanceOf(t.pool)
}

// TotalSupply returns the units ever minted on this ledger.
func (t *Token) TotalSupply() *big.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.supply.ToBig()
}

func (t *Token) debit(addr crypto.Address, value *uint256.Int) error {
	key := string(addr.Bytes())
	bal, ok := t.balances[key]
	if !ok || bal.Lt(value) {
		return fmt.Errorf("%w: %s account %s", ErrInsufficientBalance, t.symbol, addr.String())
	}
	bal.Sub(bal, value)
	return nil
}

func (t *Token) credit(addr crypto.Address, value *uint256.Int) error {
	key := string(addr.Bytes())
	bal, ok := t.balances[key]
	if !ok {
		t.balances[key] = value.Clone()
		return nil
	}
	sum, overflow := new(uint256.Int).AddOverflow(bal, value)
	if overflow {
		return ErrAmountOverflow
	}
	bal.Set(sum)
	return nil
}

// mustCredit re-credits a value just debited in the same critical section.
// The credit cannot overflow because the units existed moments ago.
func (t *Token) mustCredit(addr crypto.Address, value *uint256.Int) {
	if err := t.credit(addr, value); err != nil {
		panic(fmt.Sprintf("ledger: re-credit failed: %v", err))
	}
}

func toUint256(amount *big.Int) (*uint256.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	value, overflow := uint256.FromBig(amount)
	if overflow {
		return nil, ErrAmountOverflow
	}
	return value, nil
}
