package modules

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"stablelend/audit"
	"stablelend/crypto"
	"stablelend/lending"
)

// LendingModule adapts the pool engine and the audit journal to the JSON-RPC
// transport. Write operations return a synthetic transaction hash so clients
// can correlate their submissions with the event stream.
type LendingModule struct {
	engine  *lending.Engine
	journal *audit.Journal
	nowFn   func() time.Time
}

func NewLendingModule(engine *lending.Engine, journal *audit.Journal) *LendingModule {
	return &LendingModule{engine: engine, journal: journal, nowFn: time.Now}
}

func (m *LendingModule) moduleUnavailable() *ModuleError {
	return &ModuleError{HTTPStatus: http.StatusInternalServerError, Code: codeServerError, Message: "lending module not available"}
}

// Deposit pulls stable funds from the lender and mints pool shares.
func (m *LendingModule) Deposit(from crypto.Address, amount *big.Int) (string, *big.Int, *ModuleError) {
	if m == nil || m.engine == nil {
		return "", nil, m.moduleUnavailable()
	}
	minted, err := m.engine.Deposit(from, amount)
	if err != nil {
		return "", nil, wrapError(err)
	}
	return m.makeTxHash("deposit", from.String(), amount, minted), minted, nil
}

// Withdraw pays out the exact stable amount and burns the covering shares.
func (m *LendingModule) Withdraw(from crypto.Address, amount *big.Int) (string, *big.Int, *ModuleError) {
	if m == nil || m.engine == nil {
		return "", nil, m.moduleUnavailable()
	}
	burned, err := m.engine.Withdraw(from, amount)
	if err != nil {
		return "", nil, wrapError(err)
	}
	return m.makeTxHash("withdraw", from.String(), amount, burned), burned, nil
}

// Borrow opens a fixed-term loan against posted collateral.
func (m *LendingModule) Borrow(borrower crypto.Address, amount, collateral *big.Int, duration uint64) (string, *lending.Loan, *ModuleError) {
	if m == nil || m.engine == nil {
		return "", nil, m.moduleUnavailable()
	}
	loan, err := m.engine.Borrow(borrower, amount, collateral, duration)
	if err != nil {
		return "", nil, wrapError(err)
	}
	return m.makeTxHash("borrow", borrower.String(), amount, collateral), loan, nil
}

// Repay settles a loan in full from the payer's stable balance.
func (m *LendingModule) Repay(payer crypto.Address, loanID uint64) (string, *big.Int, *ModuleError) {
	if m == nil || m.engine == nil {
		return "", nil, m.moduleUnavailable()
	}
	repaid, err := m.engine.Repay(payer, loanID)
	if err != nil {
		return "", nil, wrapError(err)
	}
	primary := fmt.Sprintf("%s:%d", payer.String(), loanID)
	return m.makeTxHash("repay", primary, repaid), repaid, nil
}

// Liquidate settles an unhealthy loan on behalf of the liquidator.
func (m *LendingModule) Liquidate(liquidator crypto.Address, loanID uint64) (string, *lending.LiquidationResult, *ModuleError) {
	return m.liquidate("liquidate", liquidator, loanID, (*lending.Engine).Liquidate)
}

// LiquidateExpired settles a loan whose term has lapsed regardless of health.
func (m *LendingModule) LiquidateExpired(liquidator crypto.Address, loanID uint64) (string, *lending.LiquidationResult, *ModuleError) {
	return m.liquidate("liquidateExpired", liquidator, loanID, (*lending.Engine).LiquidateExpired)
}

func (m *LendingModule) liquidate(kind string, liquidator crypto.Address, loanID uint64, settle func(*lending.Engine, crypto.Address, uint64) (*lending.LiquidationResult, error)) (string, *lending.LiquidationResult, *ModuleError) {
	if m == nil || m.engine == nil {
		return "", nil, m.moduleUnavailable()
	}
	result, err := settle(m.engine, liquidator, loanID)
	if err != nil {
		return "", nil, wrapError(err)
	}
	primary := fmt.Sprintf("%s:%d", liquidator.String(), loanID)
	return m.makeTxHash(kind, primary, result.Repayment, result.CollateralSeized), result, nil
}

// SetPauses replaces the action switchboard and returns the applied state.
func (m *LendingModule) SetPauses(p lending.ActionPauses) (lending.ActionPauses, *ModuleError) {
	if m == nil || m.engine == nil {
		return lending.ActionPauses{}, m.moduleUnavailable()
	}
	m.engine.SetPauses(p)
	return m.engine.Pauses(), nil
}

// PoolState returns a consistent aggregate snapshot.
func (m *LendingModule) PoolState() (*lending.PoolState, *ModuleError) {
	if m == nil || m.engine == nil {
		return nil, m.moduleUnavailable()
	}
	state, err := m.engine.PoolState()
	if err != nil {
		return nil, wrapError(err)
	}
	return state, nil
}

// ExchangeRate returns the WAD-scaled stable value of one share.
func (m *LendingModule) ExchangeRate() (*big.Int, *ModuleError) {
	if m == nil || m.engine == nil {
		return nil, m.moduleUnavailable()
	}
	rate, err := m.engine.ExchangeRate()
	if err != nil {
		return nil, wrapError(err)
	}
	return rate, nil
}

// Loan returns a detached copy of the loan record.
func (m *LendingModule) Loan(loanID uint64) (*lending.Loan, *ModuleError) {
	if m == nil || m.engine == nil {
		return nil, m.moduleUnavailable()
	}
	loan, err := m.engine.GetLoan(loanID)
	if err != nil {
		return nil, wrapError(err)
	}
	return loan, nil
}

// UserLoans lists the account's active loan identifiers in issuance order.
func (m *LendingModule) UserLoans(addr crypto.Address) ([]uint64, *ModuleError) {
	if m == nil || m.engine == nil {
		return nil, m.moduleUnavailable()
	}
	ids, err := m.engine.UserLoans(addr)
	if err != nil {
		return nil, wrapError(err)
	}
	return ids, nil
}

// UserPosition aggregates the account's lender and borrower exposure.
func (m *LendingModule) UserPosition(addr crypto.Address) (*lending.UserPosition, *ModuleError) {
	if m == nil || m.engine == nil {
		return nil, m.moduleUnavailable()
	}
	position, err := m.engine.UserPosition(addr)
	if err != nil {
		return nil, wrapError(err)
	}
	return position, nil
}

// LoanHealth reports the loan's debt-to-threshold ratio and whether it is
// currently liquidatable.
func (m *LendingModule) LoanHealth(loanID uint64) (*big.Int, bool, *ModuleError) {
	if m == nil || m.engine == nil {
		return nil, false, m.moduleUnavailable()
	}
	health, liquidatable, err := m.engine.LoanHealth(loanID)
	if err != nil {
		return nil, false, wrapError(err)
	}
	return health, liquidatable, nil
}

// AuditEvents pages through the journal starting at fromSeq.
func (m *LendingModule) AuditEvents(fromSeq uint64, limit int) ([]audit.Record, *ModuleError) {
	if m == nil || m.journal == nil {
		return nil, &ModuleError{HTTPStatus: http.StatusInternalServerError, Code: codeServerError, Message: "audit journal not available"}
	}
	records, err := m.journal.Records(fromSeq, limit)
	if err != nil {
		return nil, &ModuleError{HTTPStatus: http.StatusInternalServerError, Code: codeServerError, Message: "journal read failed", Data: err.Error()}
	}
	return records, nil
}

func (m *LendingModule) makeTxHash(kind, primary string, amounts ...*big.Int) string {
	parts := []string{kind, primary}
	for _, amount := range amounts {
		if amount != nil {
			parts = append(parts, amount.String())
		}
	}
	parts = append(parts, fmt.Sprintf("%d", m.nowFn().UTC().UnixNano()))
	payload := strings.Join(parts, "|")
	hash := ethcrypto.Keccak256([]byte(payload))
	return "0x" + hex.EncodeToString(hash)
}

// wrapError translates engine sentinels into transport errors. Input
// validation failures map to the invalid-params code, state conflicts to the
// server-error code, and the sentinel text travels as the error data.
func wrapError(err error) *ModuleError {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, lending.ErrInvalidAmount),
		errors.Is(err, lending.ErrInvalidDuration),
		errors.Is(err, lending.ErrCollateralRequired),
		errors.Is(err, lending.ErrInsufficientCollateral):
		return &ModuleError{HTTPStatus: http.StatusBadRequest, Code: codeInvalidParams, Message: "invalid request", Data: err.Error()}
	case errors.Is(err, lending.ErrLoanNotFound):
		return &ModuleError{HTTPStatus: http.StatusNotFound, Code: codeInvalidParams, Message: "loan not found", Data: err.Error()}
	case errors.Is(err, lending.ErrInsufficientLiquidity),
		errors.Is(err, lending.ErrLoanInactive),
		errors.Is(err, lending.ErrLoanNotExpired),
		errors.Is(err, lending.ErrHealthFactorOK),
		errors.Is(err, lending.ErrTransferFailed),
		errors.Is(err, lending.ErrPaused):
		return &ModuleError{HTTPStatus: http.StatusConflict, Code: codeServerError, Message: "operation rejected", Data: err.Error()}
	case errors.Is(err, lending.ErrInvalidPrice),
		errors.Is(err, lending.ErrAssetNotSupported):
		return &ModuleError{HTTPStatus: http.StatusServiceUnavailable, Code: codeServerError, Message: "price unavailable", Data: err.Error()}
	}
	return &ModuleError{HTTPStatus: http.StatusInternalServerError, Code: codeServerError, Message: err.Error()}
}
