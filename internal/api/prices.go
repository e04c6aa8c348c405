package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/symbol"
)

type setPriceRequest struct {
	Price decimal.Decimal `json:"price"`
}

// GetPrice handles GET /prices/{symbol}
func (s *Server) GetPrice(w http.ResponseWriter, r *http.Request) {
	pair, err := symbol.Parse(chi.URLParam(r, "symbol"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	price, err := s.Prices.Price(r.Context(), pair.String())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"symbol": pair.String(), "price": price})
}

// SetPrice handles PUT /prices/{symbol}
func (s *Server) SetPrice(w http.ResponseWriter, r *http.Request) {
	var req setPriceRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	pair, err := symbol.Parse(chi.URLParam(r, "symbol"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.PriceAdmin.SetPrice(pair.String(), req.Price); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"symbol": pair.String(), "price": req.Price})
}

// ClearPrice handles DELETE /prices/{symbol}
func (s *Server) ClearPrice(w http.ResponseWriter, r *http.Request) {
	pair, err := symbol.Parse(chi.URLParam(r, "symbol"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.PriceAdmin.ClearPrice(pair.String()); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
