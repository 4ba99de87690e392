package rpc

import (
	"net/http"

	"stablelend/audit"
	"stablelend/lending"
)

type lendDepositParams struct {
	From   string `json:"from"`
	Amount string `json:"amount"`
}

type lendWithdrawParams struct {
	From   string `json:"from"`
	Amount string `json:"amount"`
}

type lendBorrowParams struct {
	Borrower   string `json:"borrower"`
	Amount     string `json:"amount"`
	Collateral string `json:"collateral"`
	Duration   uint64 `json:"duration"`
}

type lendRepayParams struct {
	From   string `json:"from"`
	LoanID uint64 `json:"loanId"`
}

type lendLiquidateParams struct {
	Liquidator string `json:"liquidator"`
	LoanID     uint64 `json:"loanId"`
}

type lendLoanParams struct {
	LoanID uint64 `json:"loanId"`
}

type lendAddressParams struct {
	Address string `json:"address"`
}

type auditEventsParams struct {
	FromSeq uint64 `json:"fromSeq"`
	Limit   int    `json:"limit"`
}

type lendDepositResult struct {
	TxHash       string `json:"txHash"`
	MintedShares string `json:"mintedShares"`
}

type lendWithdrawResult struct {
	TxHash       string `json:"txHash"`
	BurnedShares string `json:"burnedShares"`
}

type lendBorrowResult struct {
	TxHash string      `json:"txHash"`
	Loan   *LoanResult `json:"loan"`
}

type lendRepayResult struct {
	TxHash     string `json:"txHash"`
	LoanID     uint64 `json:"loanId"`
	AmountPaid string `json:"amountPaid"`
}

type lendLiquidateResult struct {
	TxHash             string `json:"txHash"`
	LoanID             uint64 `json:"loanId"`
	Repayment          string `json:"repayment"`
	CollateralSeized   string `json:"collateralSeized"`
	CollateralReturned string `json:"collateralReturned"`
	Expired            bool   `json:"expired"`
}

type lendExchangeRateResult struct {
	ExchangeRate string `json:"exchangeRate"`
}

type lendUserLoansResult struct {
	Address string   `json:"address"`
	LoanIDs []uint64 `json:"loanIds"`
}

type lendUserPositionResult struct {
	Address          string `json:"address"`
	Shares           string `json:"shares"`
	ShareValue       string `json:"shareValue"`
	ActiveLoanCount  int    `json:"activeLoanCount"`
	CollateralLocked string `json:"collateralLocked"`
}

type lendLoanHealthResult struct {
	LoanID       uint64 `json:"loanId"`
	HealthFactor string `json:"healthFactor"`
	Liquidatable bool   `json:"liquidatable"`
}

type auditEventsResult struct {
	Records []audit.Record `json:"records"`
	NextSeq uint64         `json:"nextSeq"`
}

func (s *Server) handleLendDeposit(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var input lendDepositParams
	if err := decodeParams(req, &input); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	from, err := decodeAddressParam(input.From)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	amount, err := parseAmount(input.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	txHash, minted, moduleErr := s.lending.Deposit(from, amount)
	if moduleErr != nil {
		writeError(w, moduleErr.HTTPStatus, req.ID, moduleErr.Code, moduleErr.Message, moduleErr.Data)
		return
	}
	writeResult(w, req.ID, lendDepositResult{TxHash: txHash, MintedShares: formatBig(minted)})
}

func (s *Server) handleLendWithdraw(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var input lendWithdrawParams
	if err := decodeParams(req, &input); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	from, err := decodeAddressParam(input.From)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	amount, err := parseAmount(input.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	txHash, burned, moduleErr := s.lending.Withdraw(from, amount)
	if moduleErr != nil {
		writeError(w, moduleErr.HTTPStatus, req.ID, moduleErr.Code, moduleErr.Message, moduleErr.Data)
		return
	}
	writeResult(w, req.ID, lendWithdrawResult{TxHash: txHash, BurnedShares: formatBig(burned)})
}

func (s *Server) handleLendBorrow(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var input lendBorrowParams
	if err := decodeParams(req, &input); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	borrower, err := decodeAddressParam(input.Borrower)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	amount, err := parseAmount(input.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	collateral, err := parseAmount(input.Collateral)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	if input.Duration == 0 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "duration must be positive", nil)
		return
	}
	txHash, loan, moduleErr := s.lending.Borrow(borrower, amount, collateral, input.Duration)
	if moduleErr != nil {
		writeError(w, moduleErr.HTTPStatus, req.ID, moduleErr.Code, moduleErr.Message, moduleErr.Data)
		return
	}
	writeResult(w, req.ID, lendBorrowResult{TxHash: txHash, Loan: loanResultFrom(loan)})
}

func (s *Server) handleLendRepay(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var input lendRepayParams
	if err := decodeParams(req, &input); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	payer, err := decodeAddressParam(input.From)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	if input.LoanID == 0 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "loanId required", nil)
		return
	}
	txHash, repaid, moduleErr := s.lending.Repay(payer, input.LoanID)
	if moduleErr != nil {
		writeError(w, moduleErr.HTTPStatus, req.ID, moduleErr.Code, moduleErr.Message, moduleErr.Data)
		return
	}
	writeResult(w, req.ID, lendRepayResult{TxHash: txHash, LoanID: input.LoanID, AmountPaid: formatBig(repaid)})
}

func (s *Server) handleLendLiquidate(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	s.handleLiquidation(w, req, false)
}

func (s *Server) handleLendLiquidateExpired(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	s.handleLiquidation(w, req, true)
}

func (s *Server) handleLiquidation(w http.ResponseWriter, req *RPCRequest, expired bool) {
	var input lendLiquidateParams
	if err := decodeParams(req, &input); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	liquidator, err := decodeAddressParam(input.Liquidator)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	if input.LoanID == 0 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "loanId required", nil)
		return
	}
	settle := s.lending.Liquidate
	if expired {
		settle = s.lending.LiquidateExpired
	}
	txHash, result, moduleErr := settle(liquidator, input.LoanID)
	if moduleErr != nil {
		writeError(w, moduleErr.HTTPStatus, req.ID, moduleErr.Code, moduleErr.Message, moduleErr.Data)
		return
	}
	writeResult(w, req.ID, lendLiquidateResult{
		TxHash:             txHash,
		LoanID:             input.LoanID,
		Repayment:          formatBig(result.Repayment),
		CollateralSeized:   formatBig(result.CollateralSeized),
		CollateralReturned: formatBig(result.CollateralReturned),
		Expired:            result.Expired,
	})
}

func (s *Server) handleLendSetPauses(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var input PausesResult
	if err := decodeParams(req, &input); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	applied, moduleErr := s.lending.SetPauses(lending.ActionPauses{
		Deposit:   input.Deposit,
		Withdraw:  input.Withdraw,
		Borrow:    input.Borrow,
		Repay:     input.Repay,
		Liquidate: input.Liquidate,
	})
	if moduleErr != nil {
		writeError(w, moduleErr.HTTPStatus, req.ID, moduleErr.Code, moduleErr.Message, moduleErr.Data)
		return
	}
	writeResult(w, req.ID, pausesResultFrom(applied))
}

func (s *Server) handleLendGetPoolState(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 0 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "no parameters expected", nil)
		return
	}
	state, moduleErr := s.lending.PoolState()
	if moduleErr != nil {
		writeError(w, moduleErr.HTTPStatus, req.ID, moduleErr.Code, moduleErr.Message, moduleErr.Data)
		return
	}
	writeResult(w, req.ID, poolStateResultFrom(state))
}

func (s *Server) handleLendGetExchangeRate(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 0 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "no parameters expected", nil)
		return
	}
	rate, moduleErr := s.lending.ExchangeRate()
	if moduleErr != nil {
		writeError(w, moduleErr.HTTPStatus, req.ID, moduleErr.Code, moduleErr.Message, moduleErr.Data)
		return
	}
	writeResult(w, req.ID, lendExchangeRateResult{ExchangeRate: formatBig(rate)})
}

func (s *Server) handleLendGetLoan(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var input lendLoanParams
	if err := decodeParams(req, &input); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	loan, moduleErr := s.lending.Loan(input.LoanID)
	if moduleErr != nil {
		writeError(w, moduleErr.HTTPStatus, req.ID, moduleErr.Code, moduleErr.Message, moduleErr.Data)
		return
	}
	writeResult(w, req.ID, loanResultFrom(loan))
}

func (s *Server) handleLendGetUserLoans(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var input lendAddressParams
	if err := decodeParams(req, &input); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	addr, err := decodeAddressParam(input.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	ids, moduleErr := s.lending.UserLoans(addr)
	if moduleErr != nil {
		writeError(w, moduleErr.HTTPStatus, req.ID, moduleErr.Code, moduleErr.Message, moduleErr.Data)
		return
	}
	if ids == nil {
		ids = []uint64{}
	}
	writeResult(w, req.ID, lendUserLoansResult{Address: addr.String(), LoanIDs: ids})
}

func (s *Server) handleLendGetUserPosition(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var input lendAddressParams
	if err := decodeParams(req, &input); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	addr, err := decodeAddressParam(input.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	position, moduleErr := s.lending.UserPosition(addr)
	if moduleErr != nil {
		writeError(w, moduleErr.HTTPStatus, req.ID, moduleErr.Code, moduleErr.Message, moduleErr.Data)
		return
	}
	writeResult(w, req.ID, lendUserPositionResult{
		Address:          addr.String(),
		Shares:           formatBig(position.Shares),
		ShareValue:       formatBig(position.ShareValue),
		ActiveLoanCount:  position.ActiveLoanCount,
		CollateralLocked: formatBig(position.CollateralLocked),
	})
}

func (s *Server) handleLendGetLoanHealth(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var input lendLoanParams
	if err := decodeParams(req, &input); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
		return
	}
	health, liquidatable, moduleErr := s.lending.LoanHealth(input.LoanID)
	if moduleErr != nil {
		writeError(w, moduleErr.HTTPStatus, req.ID, moduleErr.Code, moduleErr.Message, moduleErr.Data)
		return
	}
	writeResult(w, req.ID, lendLoanHealthResult{
		LoanID:       input.LoanID,
		HealthFactor: formatBig(health),
		Liquidatable: liquidatable,
	})
}

func (s *Server) handleAuditEvents(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	input := auditEventsParams{}
	if len(req.Params) > 0 {
		if err := decodeParams(req, &input); err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, err.Error(), nil)
			return
		}
	}
	records, moduleErr := s.lending.AuditEvents(input.FromSeq, input.Limit)
	if moduleErr != nil {
		writeError(w, moduleErr.HTTPStatus, req.ID, moduleErr.Code, moduleErr.Message, moduleErr.Data)
		return
	}
	if records == nil {
		records = []audit.Record{}
	}
	next := input.FromSeq
	if n := len(records); n > 0 {
		next = records[n-1].Sequence + 1
	}
	writeResult(w, req.ID, auditEventsResult{Records: records, NextSeq: next})
}
