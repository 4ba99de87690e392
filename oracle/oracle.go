// Package oracle supplies collateral prices to the pool. Sources serve
// quotes from memory so engine reads never block on the network; the HTTP
// source refreshes its cache on a poll loop instead.
package oracle

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"
)

var (
	// ErrUnknownAsset signals no source carries a feed for the symbol.
	ErrUnknownAsset = errors.New("oracle: unknown asset")
	// ErrNoFreshQuote signals every known quote is older than the configured
	// window.
	ErrNoFreshQuote = errors.New("oracle: no fresh quote")
	// ErrInvalidQuote rejects quotes without a positive WAD price.
	ErrInvalidQuote = errors.New("oracle: invalid quote")
)

// Quote is one price observation: the stable value of a whole asset unit in
// 18 decimal fixed point.
type Quote struct {
	Asset     string
	PriceWad  *big.Int
	Timestamp time.Time
	Source    string
}

// Clone returns a deep copy of the quote.
func (q Quote) Clone() Quote {
	out := q
	if q.PriceWad != nil {
		out.PriceWad = new(big.Int).Set(q.PriceWad)
	}
	return out
}

// Source yields the latest known quote for an asset.
type Source interface {
	Quote(asset string) (Quote, error)
}

// Manual is an operator-driven source. Prices are pushed over the admin
// surface and stamped on arrival.
type Manual struct {
	mu     sync.RWMutex
	nowFn  func() time.Time
	quotes map[string]Quote
}

// NewManual constructs an empty manual source.
func NewManual() *Manual {
	return &Manual{
		nowFn:  time.Now,
		quotes: make(map[string]Quote),
	}
}

// SetNowFunc overrides the clock used to stamp pushed prices.
func (m *Manual) SetNowFunc(now func() time.Time) {
	if m == nil || now == nil {
		return
	}
	m.nowFn = now
}

// Set stores a price for the asset, stamped with the current time.
func (m *Manual) Set(asset string, priceWad *big.Int) error {
	if priceWad == nil || priceWad.Sign() <= 0 {
		return ErrInvalidQuote
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quotes[asset] = Quote{
		Asset:     asset,
		PriceWad:  new(big.Int).Set(priceWad),
		Timestamp: m.nowFn(),
		Source:    "manual",
	}
	return nil
}

// Quote returns the pushed price for the asset.
func (m *Manual) Quote(asset string) (Quote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.quotes[asset]
	if !ok {
		return Quote{}, ErrUnknownAsset
	}
	return q.Clone(), nil
}

// ParseWad converts a decimal price string denominated in whole stable units
// into the 18-decimal fixed-point scale. Up to 18 fractional digits are
// accepted, so "2000" and "0.5" are both valid.
func ParseWad(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("oracle: empty price")
	}
	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	if len(frac) > 18 {
		return nil, fmt.Errorf("oracle: price %q has more than 18 fractional digits", s)
	}
	digits := whole + frac + strings.Repeat("0", 18-len(frac))
	for _, r := range digits {
		if r < '0' || r > '9' {
			return nil, fmt.Errorf("oracle: invalid price %q", s)
		}
	}
	price, ok := new(big.Int).SetString(digits, 10)
	if !ok || price.Sign() <= 0 {
		return nil, fmt.Errorf("oracle: price %q must be positive", s)
	}
	return price, nil
}
