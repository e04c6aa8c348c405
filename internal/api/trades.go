package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/apperr"
	"github.com/atmx/ledger-engine/internal/model"
	"github.com/atmx/ledger-engine/internal/trade"
)

// tradeRequest is the JSON body of POST /trades/buy and /trades/sell.
// at_market trades at the current market price and ignores price.
type tradeRequest struct {
	UserID        string          `json:"user_id" validate:"required,max=64"`
	Symbol        string          `json:"symbol" validate:"required,max=32"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	DurationValue int64           `json:"duration_value"`
	DurationUnit  string          `json:"duration_unit" validate:"required"`
	AtMarket      bool            `json:"at_market"`
}

func (s *Server) openTrade(dir model.Direction) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req tradeRequest
		if err := s.decode(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		t, err := s.Trades.Open(r.Context(), trade.OpenRequest{
			UserID:        req.UserID,
			Symbol:        req.Symbol,
			Direction:     dir,
			Quantity:      req.Quantity,
			Price:         req.Price,
			DurationValue: req.DurationValue,
			DurationUnit:  req.DurationUnit,
			AtMarket:      req.AtMarket,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, t)
	}
}

// GetTrade handles GET /trades/{tradeID}
func (s *Server) GetTrade(w http.ResponseWriter, r *http.Request) {
	t, err := s.Trades.Get(r.Context(), chi.URLParam(r, "tradeID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// SettleTrade handles POST /trades/{tradeID}/settle
func (s *Server) SettleTrade(w http.ResponseWriter, r *http.Request) {
	t, err := s.Trades.Settle(r.Context(), chi.URLParam(r, "tradeID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// OpenTrades handles GET /users/{userID}/trades/open
func (s *Server) OpenTrades(w http.ResponseWriter, r *http.Request) {
	s.listTrades(w, r, s.Trades.OpenTrades)
}

// ClosedTrades handles GET /users/{userID}/trades/closed
func (s *Server) ClosedTrades(w http.ResponseWriter, r *http.Request) {
	s.listTrades(w, r, s.Trades.ClosedTrades)
}

// TradeHistory handles GET /users/{userID}/trades/history
func (s *Server) TradeHistory(w http.ResponseWriter, r *http.Request) {
	s.listTrades(w, r, s.Trades.History)
}

func (s *Server) listTrades(w http.ResponseWriter, r *http.Request, list func(context.Context, string) ([]model.Trade, error)) {
	trades, err := list(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, trades)
}

// Exposure handles GET /users/{userID}/exposure
func (s *Server) Exposure(w http.ResponseWriter, r *http.Request) {
	exp, err := s.Trades.Exposure(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exp)
}

// FilterTrades handles GET /trades?user_id=&symbol=&direction=&status=&from=&to=&limit=
func (s *Server) FilterTrades(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	trades, err := s.Trades.Filter(r.Context(), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, trades)
}

func parseFilter(r *http.Request) (model.TradeFilter, error) {
	q := r.URL.Query()
	f := model.TradeFilter{
		UserID:    q.Get("user_id"),
		Symbol:    q.Get("symbol"),
		Direction: model.Direction(q.Get("direction")),
		Status:    model.TradeStatus(q.Get("status")),
	}
	switch f.Direction {
	case "", model.Buy, model.Sell:
	default:
		return f, apperr.Validation("direction must be buy or sell, got %q", f.Direction)
	}
	switch f.Status {
	case "", model.TradeOpen, model.TradeClosing, model.TradeClosed:
	default:
		return f, apperr.Validation("unknown status %q", f.Status)
	}

	var err error
	if f.From, err = parseTime(q.Get("from")); err != nil {
		return f, apperr.Validation("from: %v", err)
	}
	if f.To, err = parseTime(q.Get("to")); err != nil {
		return f, apperr.Validation("to: %v", err)
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, apperr.Validation("limit must be a non-negative integer, got %q", v)
		}
		f.Limit = n
	}
	return f, nil
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}
