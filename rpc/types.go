package rpc

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"stablelend/crypto"
	"stablelend/lending"
)

// LoanResult is the JSON rendering of a loan record. Amounts travel as
// decimal strings in native token precision.
type LoanResult struct {
	LoanID     uint64 `json:"loanId"`
	Borrower   string `json:"borrower"`
	Principal  string `json:"principal"`
	Repayment  string `json:"repayment"`
	Collateral string `json:"collateral"`
	AprBps     uint64 `json:"aprBps"`
	Start      int64  `json:"start"`
	Duration   uint64 `json:"duration"`
	Status     string `json:"status"`
}

func loanResultFrom(loan *lending.Loan) *LoanResult {
	if loan == nil {
		return nil
	}
	return &LoanResult{
		LoanID:     loan.ID,
		Borrower:   loan.Borrower.String(),
		Principal:  formatBig(loan.Principal),
		Repayment:  formatBig(loan.Repayment),
		Collateral: formatBig(loan.Collateral),
		AprBps:     loan.AprBps,
		Start:      loan.Start,
		Duration:   loan.Duration,
		Status:     loan.Status.String(),
	}
}

// PoolStateResult is the JSON rendering of the aggregate pool snapshot.
type PoolStateResult struct {
	TotalAssets   string `json:"totalAssets"`
	StableHeld    string `json:"stableHeld"`
	TotalBorrowed string `json:"totalBorrowed"`
	ShareSupply   string `json:"shareSupply"`
	ExchangeRate  string `json:"exchangeRate"`
}

func poolStateResultFrom(state *lending.PoolState) *PoolStateResult {
	if state == nil {
		return nil
	}
	return &PoolStateResult{
		TotalAssets:   formatBig(state.TotalAssets),
		StableHeld:    formatBig(state.StableHeld),
		TotalBorrowed: formatBig(state.TotalBorrowed),
		ShareSupply:   formatBig(state.ShareSupply),
		ExchangeRate:  formatBig(state.ExchangeRate),
	}
}

// PausesResult mirrors the action switchboard.
type PausesResult struct {
	Deposit   bool `json:"deposit"`
	Withdraw  bool `json:"withdraw"`
	Borrow    bool `json:"borrow"`
	Repay     bool `json:"repay"`
	Liquidate bool `json:"liquidate"`
}

func pausesResultFrom(p lending.ActionPauses) PausesResult {
	return PausesResult{
		Deposit:   p.Deposit,
		Withdraw:  p.Withdraw,
		Borrow:    p.Borrow,
		Repay:     p.Repay,
		Liquidate: p.Liquidate,
	}
}

// formatBig renders a big integer as a decimal string, "0" for nil.
func formatBig(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// parseAmount decodes a positive decimal-string amount in native token
// precision.
func parseAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	return amount, nil
}

// decodeAddressParam decodes a bech32 pool account address.
func decodeAddressParam(raw string) (crypto.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return crypto.Address{}, fmt.Errorf("address required")
	}
	addr, err := crypto.DecodeAddress(trimmed)
	if err != nil {
		return crypto.Address{}, fmt.Errorf("invalid address %q: %v", raw, err)
	}
	return addr, nil
}

// decodeParams unmarshals the single parameter object methods expect.
func decodeParams(req *RPCRequest, out interface{}) error {
	if len(req.Params) != 1 {
		return fmt.Errorf("expected parameter object")
	}
	if err := json.Unmarshal(req.Params[0], out); err != nil {
		return fmt.Errorf("invalid parameter object: %v", err)
	}
	return nil
}
