package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/tournament"
)

type createTournamentRequest struct {
	Name         string          `json:"name" validate:"required,max=128"`
	EntryAmount  decimal.Decimal `json:"entry_amount"`
	Duration     int64           `json:"duration"`
	DurationUnit string          `json:"duration_unit" validate:"required"`
}

type joinTournamentRequest struct {
	UserID string `json:"user_id" validate:"required,max=64"`
}

type resultRequest struct {
	UserID     string          `json:"user_id" validate:"required,max=64"`
	ProfitLoss decimal.Decimal `json:"profit_loss"`
}

// CreateTournament handles POST /tournaments
func (s *Server) CreateTournament(w http.ResponseWriter, r *http.Request) {
	var req createTournamentRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	t, err := s.Tournaments.Create(r.Context(), tournament.CreateRequest{
		Name:         req.Name,
		EntryAmount:  req.EntryAmount,
		Duration:     req.Duration,
		DurationUnit: req.DurationUnit,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

// ListTournaments handles GET /tournaments
func (s *Server) ListTournaments(w http.ResponseWriter, r *http.Request) {
	ts, err := s.Tournaments.All(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ts)
}

// ActiveTournaments handles GET /tournaments/active
func (s *Server) ActiveTournaments(w http.ResponseWriter, r *http.Request) {
	ts, err := s.Tournaments.Active(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ts)
}

// GetTournament handles GET /tournaments/{tournamentID}
func (s *Server) GetTournament(w http.ResponseWriter, r *http.Request) {
	st, err := s.Tournaments.Get(r.Context(), chi.URLParam(r, "tournamentID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// JoinTournament handles POST /tournaments/{tournamentID}/join
func (s *Server) JoinTournament(w http.ResponseWriter, r *http.Request) {
	var req joinTournamentRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	p, err := s.Tournaments.Join(r.Context(), chi.URLParam(r, "tournamentID"), req.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// StartTournament handles POST /tournaments/{tournamentID}/start
func (s *Server) StartTournament(w http.ResponseWriter, r *http.Request) {
	t, err := s.Tournaments.Start(r.Context(), chi.URLParam(r, "tournamentID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// RecordResult handles POST /tournaments/{tournamentID}/results
func (s *Server) RecordResult(w http.ResponseWriter, r *http.Request) {
	var req resultRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	p, err := s.Tournaments.RecordResult(r.Context(), chi.URLParam(r, "tournamentID"), req.UserID, req.ProfitLoss)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// SettleTournament handles POST /tournaments/{tournamentID}/settle
func (s *Server) SettleTournament(w http.ResponseWriter, r *http.Request) {
	plan, err := s.Tournaments.Settle(r.Context(), chi.URLParam(r, "tournamentID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

// ReconcileTournament handles POST /tournaments/{tournamentID}/reconcile
func (s *Server) ReconcileTournament(w http.ResponseWriter, r *http.Request) {
	plan, err := s.Tournaments.Reconcile(r.Context(), chi.URLParam(r, "tournamentID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

// Leaderboard handles GET /tournaments/{tournamentID}/leaderboard
func (s *Server) Leaderboard(w http.ResponseWriter, r *http.Request) {
	board, err := s.Tournaments.Leaderboard(r.Context(), chi.URLParam(r, "tournamentID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, board)
}
