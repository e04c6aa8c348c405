package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

type depositRequest struct {
	Amount         decimal.Decimal `json:"amount"`
	Asset          string          `json:"asset" validate:"omitempty,max=16"`
	IdempotencyKey string          `json:"idempotency_key" validate:"max=128"`
}

type depositResponse struct {
	PreviousBalance decimal.Decimal `json:"previous_balance"`
	DepositedAmount decimal.Decimal `json:"deposited_amount"`
	Balance         decimal.Decimal `json:"balance"`
	Replayed        bool            `json:"replayed,omitempty"`
}

type withdrawRequest struct {
	Amount  decimal.Decimal `json:"amount"`
	Asset   string          `json:"asset" validate:"omitempty,max=16"`
	Address string          `json:"address" validate:"required,max=256"`
}

// Balance handles GET /wallet/{userID}/balance
func (s *Server) Balance(w http.ResponseWriter, r *http.Request) {
	acct, err := s.Ledger.Balance(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":                acct.UserID,
		"free_balance":           acct.FreeBalance,
		"locked_balance":         acct.LockedBalance,
		"total_balance":          acct.Total(),
		"cumulative_profit_loss": acct.CumulativeProfitLoss,
	})
}

// Deposit handles POST /wallet/{userID}/deposit
func (s *Server) Deposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	rec, err := s.Ledger.Deposit(r.Context(), chi.URLParam(r, "userID"), req.Amount, req.Asset, req.IdempotencyKey)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, depositResponse{
		PreviousBalance: rec.PreviousFree,
		DepositedAmount: req.Amount,
		Balance:         rec.Account.FreeBalance,
		Replayed:        rec.Replayed,
	})
}

// Withdraw handles POST /wallet/{userID}/withdraw
func (s *Server) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req withdrawRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	rec, err := s.Ledger.Withdraw(r.Context(), chi.URLParam(r, "userID"), req.Amount, req.Asset, req.Address)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// WalletHistory handles GET /wallet/{userID}/history. ?group=kind groups
// the records by transaction kind.
func (s *Server) WalletHistory(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if r.URL.Query().Get("group") == "kind" {
		grouped, err := s.Ledger.HistoryByKind(r.Context(), userID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, grouped)
		return
	}
	txs, err := s.Ledger.History(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, txs)
}

// Assets handles GET /wallet/{userID}/assets
func (s *Server) Assets(w http.ResponseWriter, r *http.Request) {
	byAsset, err := s.Ledger.BalanceByAsset(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, byAsset)
}
