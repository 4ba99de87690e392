package lending

import (
	"math/big"
	"strconv"

	"stablelend/crypto"
	"stablelend/events"
)

const (
	EventTypeDeposited      = "lending.deposited"
	EventTypeWithdrawn      = "lending.withdrawn"
	EventTypeLoanOpened     = "lending.loan.opened"
	EventTypeLoanRepaid     = "lending.loan.repaid"
	EventTypeLoanLiquidated = "lending.loan.liquidated"
	EventTypePausesUpdated  = "lending.pauses.updated"
)

// DepositedEvent is emitted after a lender's stable funds are pulled in and
// shares are minted.
type DepositedEvent struct {
	Lender       crypto.Address
	Amount       *big.Int
	SharesMinted *big.Int
	ExchangeRate *big.Int
}

func (e *DepositedEvent) EventType() string { return EventTypeDeposited }

func (e *DepositedEvent) Event() *events.Event {
	attrs := make(map[string]string)
	if e != nil {
		attrs["lender"] = e.Lender.String()
		attrs["amount"] = bigString(e.Amount)
		attrs["sharesMinted"] = bigString(e.SharesMinted)
		attrs["exchangeRate"] = bigString(e.ExchangeRate)
	}
	return &events.Event{Type: EventTypeDeposited, Attributes: attrs}
}

// WithdrawnEvent is emitted after shares are burned and the payout leaves
// pool custody.
type WithdrawnEvent struct {
	Lender       crypto.Address
	Amount       *big.Int
	SharesBurned *big.Int
}

func (e *WithdrawnEvent) EventType() string { return EventTypeWithdrawn }

func (e *WithdrawnEvent) Event() *events.Event {
	attrs := make(map[string]string)
	if e != nil {
		attrs["lender"] = e.Lender.String()
		attrs["amount"] = bigString(e.Amount)
		attrs["sharesBurned"] = bigString(e.SharesBurned)
	}
	return &events.Event{Type: EventTypeWithdrawn, Attributes: attrs}
}

// LoanOpenedEvent is emitted when a borrow commits.
type LoanOpenedEvent struct {
	Loan *Loan
}

func (e *LoanOpenedEvent) EventType() string { return EventTypeLoanOpened }

func (e *LoanOpenedEvent) Event() *events.Event {
	attrs := make(map[string]string)
	if e != nil && e.Loan != nil {
		attrs["loanId"] = strconv.FormatUint(e.Loan.ID, 10)
		attrs["borrower"] = e.Loan.Borrower.String()
		attrs["principal"] = bigString(e.Loan.Principal)
		attrs["repayment"] = bigString(e.Loan.Repayment)
		attrs["collateral"] = bigString(e.Loan.Collateral)
		attrs["aprBps"] = strconv.FormatUint(e.Loan.AprBps, 10)
		attrs["start"] = strconv.FormatInt(e.Loan.Start, 10)
		attrs["duration"] = strconv.FormatUint(e.Loan.Duration, 10)
	}
	return &events.Event{Type: EventTypeLoanOpened, Attributes: attrs}
}

// LoanRepaidEvent is emitted when a repayment settles and collateral returns
// to the borrower.
type LoanRepaidEvent struct {
	LoanID             uint64
	Payer              crypto.Address
	Amount             *big.Int
	CollateralReleased *big.Int
}

func (e *LoanRepaidEvent) EventType() string { return EventTypeLoanRepaid }

func (e *LoanRepaidEvent) Event() *events.Event {
	attrs := make(map[string]string)
	if e != nil {
		attrs["loanId"] = strconv.FormatUint(e.LoanID, 10)
		attrs["payer"] = e.Payer.String()
		attrs["amount"] = bigString(e.Amount)
		attrs["collateralReleased"] = bigString(e.CollateralReleased)
	}
	return &events.Event{Type: EventTypeLoanRepaid, Attributes: attrs}
}

// LoanLiquidatedEvent is emitted when a health or expiry liquidation settles.
type LoanLiquidatedEvent struct {
	LoanID             uint64
	Liquidator         crypto.Address
	Repayment          *big.Int
	CollateralSeized   *big.Int
	CollateralReturned *big.Int
	Expired            bool
}

func (e *LoanLiquidatedEvent) EventType() string { return EventTypeLoanLiquidated }

func (e *LoanLiquidatedEvent) Event() *events.Event {
	attrs := make(map[string]string)
	if e != nil {
		attrs["loanId"] = strconv.FormatUint(e.LoanID, 10)
		attrs["liquidator"] = e.Liquidator.String()
		attrs["repayment"] = bigString(e.Repayment)
		attrs["collateralSeized"] = bigString(e.CollateralSeized)
		attrs["collateralReturned"] = bigString(e.CollateralReturned)
		attrs["expired"] = strconv.FormatBool(e.Expired)
	}
	return &events.Event{Type: EventTypeLoanLiquidated, Attributes: attrs}
}

// PausesUpdatedEvent records an administrative change to the pause
// switchboard.
type PausesUpdatedEvent struct {
	Pauses ActionPauses
}

func (e *PausesUpdatedEvent) EventType() string { return EventTypePausesUpdated }

func (e *PausesUpdatedEvent) Event() *events.Event {
	attrs := make(map[string]string)
	if e != nil {
		attrs["deposit"] = strconv.FormatBool(e.Pauses.Deposit)
		attrs["withdraw"] = strconv.FormatBool(e.Pauses.Withdraw)
		attrs["borrow"] = strconv.FormatBool(e.Pauses.Borrow)
		attrs["repay"] = strconv.FormatBool(e.Pauses.Repay)
		attrs["liquidate"] = strconv.FormatBool(e.Pauses.Liquidate)
	}
	return &events.Event{Type: EventTypePausesUpdated, Attributes: attrs}
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
