package rpc

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"stablelend/audit"
	"stablelend/events"
	"stablelend/observability"
	"stablelend/rpc/modules"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeUnauthorized   = -32001
	codeServerError    = -32000
	codeRateLimited    = -32020
)

// Server exposes the lending pool over JSON-RPC 2.0 plus a websocket event
// feed. Construct it with NewServer and mount Handler on an http.Server.
type Server struct {
	log     *slog.Logger
	lending *modules.LendingModule
	auth    *Authenticator
	limiter *RateLimiter
	bus     *events.Bus
	journal *audit.Journal
}

// ServerConfig wires the server's collaborators. Lending is required; a nil
// Auth serves unauthenticated and a nil Limiter applies no throttling.
type ServerConfig struct {
	Lending *modules.LendingModule
	Bus     *events.Bus
	Journal *audit.Journal
	Auth    *Authenticator
	Limiter *RateLimiter
	Log     *slog.Logger
}

func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Log
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		log:     logger.With("component", "rpc"),
		lending: cfg.Lending,
		auth:    cfg.Auth,
		limiter: cfg.Limiter,
		bus:     cfg.Bus,
		journal: cfg.Journal,
	}
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      int               `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

// handle is the main request handler that routes to method handlers.
func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	method := s.dispatch(recorder, r)
	observability.RPC().Observe(method, errorStatus(recorder.status), time.Since(start))
}

// dispatch parses the envelope and routes to the named method, returning the
// method label for metrics.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) string {
	reader := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	defer func() {
		_ = reader.Close()
	}()

	w.Header().Set("Content-Type", "application/json")

	if s.limiter != nil && !s.limiter.Allow(clientID(r)) {
		observability.RPC().RecordThrottle("rate_limit")
		writeError(w, http.StatusTooManyRequests, nil, codeRateLimited, "rate limit exceeded", nil)
		return "throttled"
	}

	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", maxRequestBytes)
		}
		writeError(w, status, nil, codeInvalidRequest, message, err.Error())
		return "invalid"
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		return "invalid"
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return "invalid"
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return "invalid"
	}
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return "invalid"
	}

	// Every method shares POST /, so the transport span needs the method name
	// to be useful.
	trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("rpc.method", req.Method))

	switch req.Method {
	case "lend_deposit":
		if !s.authorize(w, r, req, ScopeLendWrite) {
			return req.Method
		}
		s.handleLendDeposit(w, r, req)
	case "lend_withdraw":
		if !s.authorize(w, r, req, ScopeLendWrite) {
			return req.Method
		}
		s.handleLendWithdraw(w, r, req)
	case "lend_borrow":
		if !s.authorize(w, r, req, ScopeLendWrite) {
			return req.Method
		}
		s.handleLendBorrow(w, r, req)
	case "lend_repay":
		if !s.authorize(w, r, req, ScopeLendWrite) {
			return req.Method
		}
		s.handleLendRepay(w, r, req)
	case "lend_liquidate":
		if !s.authorize(w, r, req, ScopeLendWrite) {
			return req.Method
		}
		s.handleLendLiquidate(w, r, req)
	case "lend_liquidateExpired":
		if !s.authorize(w, r, req, ScopeLendWrite) {
			return req.Method
		}
		s.handleLendLiquidateExpired(w, r, req)
	case "lend_setPauses":
		if !s.authorize(w, r, req, ScopeAdmin) {
			return req.Method
		}
		s.handleLendSetPauses(w, r, req)
	case "lend_getPoolState":
		s.handleLendGetPoolState(w, r, req)
	case "lend_getExchangeRate":
		s.handleLendGetExchangeRate(w, r, req)
	case "lend_getLoan":
		s.handleLendGetLoan(w, r, req)
	case "lend_getUserLoans":
		s.handleLendGetUserLoans(w, r, req)
	case "lend_getUserPosition":
		s.handleLendGetUserPosition(w, r, req)
	case "lend_getLoanHealth":
		s.handleLendGetLoanHealth(w, r, req)
	case "audit_events":
		s.handleAuditEvents(w, r, req)
	default:
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, fmt.Sprintf("unknown method %s", req.Method), nil)
	}
	return req.Method
}

// authorize enforces the scope for a mutating method, writing the error
// response itself when the caller is rejected.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request, req *RPCRequest, scope string) bool {
	authErr := s.auth.Authorize(r, scope)
	if authErr == nil {
		return true
	}
	observability.RPC().RecordThrottle("unauthorized")
	writeError(w, authErr.Status, req.ID, codeUnauthorized, authErr.Message, nil)
	return false
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Hijack passes through so the websocket upgrade works behind the logging
// middleware.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hj.Hijack()
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// errorStatus reports the status for metric labelling, zero when the request
// succeeded.
func errorStatus(status int) int {
	if status < 400 {
		return 0
	}
	return status
}
