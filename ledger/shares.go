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
	// ErrInsufficientShares signals a burn larger than the holder's balance.
	ErrInsufficientShares = errors.New("ledger: insufficient share balance")
	// ErrAuthorityClaimed signals the supply authority was already handed
	// out.
	ErrAuthorityClaimed = errors.New("ledger: supply authority already claimed")
)

// Shares tracks pool share balances. Reads are open to anyone holding the
// ledger; minting and burning require the SupplyAuthority handle, which is
// claimable exactly once so only the pool engine ever adjusts supply.
type Shares struct {
	mu       sync.RWMutex
	balances map[string]*uint256.Int
	supply   *uint256.Int
	claimed  bool
}

// NewShares constructs an empty share ledger.
func NewShares() *Shares {
	return &Shares{
		balances: make(map[string]*uint256.Int),
		supply:   uint256.NewInt(0),
	}
}

// ClaimAuthority hands out the single mint and burn capability.
func (s *Shares) ClaimAuthority() (*SupplyAuthority, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimed {
		return nil, ErrAuthorityClaimed
	}
	s.claimed = true
	return &SupplyAuthority{shares: s}, nil
}

// BalanceOf returns the holder's share balance as a fresh big integer.
func (s *Shares) BalanceOf(addr crypto.Address) *big.Int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bal, ok := s.balances[string(addr.Bytes())]
	if !ok {
		return big.NewInt(0)
	}
	return bal.ToBig()
}

// TotalSupply returns the shares in circulation.
func (s *Shares) TotalSupply() *big.Int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.supply.ToBig()
}

// SupplyAuthority is the mint and burn capability over one share ledger. It
// also exposes the ledger's read surface so a single handle satisfies the
// engine's share ledger dependency.
type SupplyAuthority struct {
	shares *Shares
}

// Mint issues shares to the holder.
func (a *SupplyAuthority) Mint(to crypto.Address, amount *big.Int) error {
	value, err := toUint256(amount)
	if err != nil {
		return err
	}
	s := a.shares
	s.mu.Lock()
	defer s.mu.Unlock()
	supply, overflow := new(uint256.Int).AddOverflow(s.supply, value)
	if overflow {
		return ErrAmountOverflow
	}
	key := string(to.Bytes())
	bal, ok := s.balances[key]
	if !ok {
		s.balances[key] = value.Clone()
		s.supply = supply
		return nil
	}
	sum, overflow := new(uint256.Int).AddOverflow(bal, value)
	if overflow {
		return ErrAmountOverflow
	}
	bal.Set(sum)
	s.supply = supply
	return nil
}

// Burn destroys shares held by the holder.
func (a *SupplyAuthority) Burn(from crypto.Address, amount *big.Int) error {
	value, err := toUint256(amount)
	if err != nil {
		return err
	}
	s := a.shares
	s.mu.Lock()
	defer s.mu.Unlock()
	bal, ok := s.balances[string(from.Bytes())]
	if !ok || bal.Lt(value) {
		return fmt.Errorf("%w: holder %s", ErrInsufficientShares, from.String())
	}
	bal.Sub(bal, value)
	s.supply.Sub(s.supply, value)
	return nil
}

// BalanceOf reads through to the underlying ledger.
func (a *SupplyAuthority) BalanceOf(addr crypto.Address) *big.Int {
	return a.shares.BalanceOf(addr)
}

// TotalSupply reads through to the underlying ledger.
func (a *SupplyAuthority) TotalSupply() *big.Int {
	return a.shares.TotalSupply()
}
