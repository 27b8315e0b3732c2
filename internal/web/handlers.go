package web

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/stocksim/internal/domain"
)

// userIDHeader identifies the caller. Authentication itself happens in
// front of this service.
const userIDHeader = "X-User-ID"

type tradeRequest struct {
	Ticker   string `json:"ticker"`
	Quantity int64  `json:"quantity"`
}

type cashRequest struct {
	Amount string `json:"amount"`
}

type transactionResponse struct {
	ID       string `json:"id"`
	Ticker   string `json:"ticker,omitempty"`
	Quantity int64  `json:"quantity,omitempty"`
	Price    string `json:"price"`
	Total    string `json:"total"`
	Type     string `json:"type"`
	Ts       int64  `json:"ts"`
}

func toTransactionResponse(tx domain.Transaction) transactionResponse {
	return transactionResponse{
		ID:       tx.ID,
		Ticker:   tx.Ticker,
		Quantity: tx.Quantity,
		Price:    tx.Price.String(),
		Total:    tx.Total.String(),
		Type:     string(tx.Type),
		Ts:       tx.Ts.UnixMilli(),
	}
}

func (s *Server) handleBuy(w http.ResponseWriter, r *http.Request) {
	s.handleTrade(w, r, s.engine.ExecuteBuy)
}

func (s *Server) handleSell(w http.ResponseWriter, r *http.Request) {
	s.handleTrade(w, r, s.engine.ExecuteSell)
}

func (s *Server) handleTrade(w http.ResponseWriter, r *http.Request,
	exec func(ctx context.Context, userID, ticker string, quantity int64) (domain.Transaction, error)) {

	userID, ok := s.caller(w, r)
	if !ok {
		return
	}

	var req tradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if req.Ticker == "" {
		writeError(w, http.StatusBadRequest, "ticker is required")
		return
	}

	tx, err := exec(r.Context(), userID, req.Ticker, req.Quantity)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionResponse(tx))
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	s.handleCash(w, r, s.engine.Deposit)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	s.handleCash(w, r, s.engine.Withdraw)
}

func (s *Server) handleCash(w http.ResponseWriter, r *http.Request,
	exec func(ctx context.Context, userID string, amount decimal.Decimal) (domain.Transaction, error)) {

	userID, ok := s.caller(w, r)
	if !ok {
		return
	}

	var req cashRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "amount must be a decimal string")
		return
	}

	tx, err := exec(r.Context(), userID, amount)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionResponse(tx))
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.caller(w, r)
	if !ok {
		return
	}
	balance, err := s.ledger.Balance(userID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"balance": balance.String()})
}

func (s *Server) handleHoldings(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.caller(w, r)
	if !ok {
		return
	}
	holdings, err := s.ledger.Holdings(userID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, holdings)
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.caller(w, r)
	if !ok {
		return
	}
	txs, err := s.ledger.Transactions(userID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	resp := make([]transactionResponse, len(txs))
	for i, tx := range txs {
		resp[i] = toTransactionResponse(tx)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) caller(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := r.Header.Get(userIDHeader)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "missing "+userIDHeader+" header")
		return "", false
	}
	return userID, true
}

// writeDomainError maps typed domain failures to HTTP codes. Anything not
// in the taxonomy is logged in full and reported as a generic failure,
// never echoing internal error text.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidQuantity),
		errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrQuoteUnavailable),
		errors.Is(err, domain.ErrInsufficientFunds),
		errors.Is(err, domain.ErrInsufficientHoldings):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrUnknownUser):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrBusy):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// the caller went away mid-request, nothing failed on our side
		writeError(w, http.StatusRequestTimeout, "request cancelled")
	default:
		s.logger.Error("internal error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
