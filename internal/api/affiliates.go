package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

type joinAffiliateRequest struct {
	ReferralCode string `json:"referral_code" validate:"required,max=32"`
}

type distributeRequest struct {
	SourceUserID string          `json:"source_user_id" validate:"required,max=64"`
	Volume       decimal.Decimal `json:"volume"`
	Reference    string          `json:"reference" validate:"required,max=128"`
}

type manualCommissionRequest struct {
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference" validate:"required,max=128"`
}

// EnsureAffiliate handles POST /affiliates/{userID}
func (s *Server) EnsureAffiliate(w http.ResponseWriter, r *http.Request) {
	aff, err := s.Commissions.EnsureAffiliate(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, aff)
}

// JoinAffiliate handles POST /affiliates/{userID}/join
func (s *Server) JoinAffiliate(w http.ResponseWriter, r *http.Request) {
	var req joinAffiliateRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	aff, err := s.Commissions.Join(r.Context(), chi.URLParam(r, "userID"), req.ReferralCode)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, aff)
}

// AffiliateDashboard handles GET /affiliates/{userID}/dashboard
func (s *Server) AffiliateDashboard(w http.ResponseWriter, r *http.Request) {
	dash, err := s.Commissions.Dashboard(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dash)
}

// Referrals handles GET /affiliates/{userID}/referrals
func (s *Server) Referrals(w http.ResponseWriter, r *http.Request) {
	users, err := s.Commissions.Referrals(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

// Distribute handles POST /affiliates/distribute
func (s *Server) Distribute(w http.ResponseWriter, r *http.Request) {
	var req distributeRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.Commissions.Distribute(r.Context(), req.SourceUserID, req.Volume, req.Reference); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "distributed"})
}

// ManualCommission handles POST /affiliates/{userID}/commission
func (s *Server) ManualCommission(w http.ResponseWriter, r *http.Request) {
	var req manualCommissionRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	rec, err := s.Commissions.CreditManual(r.Context(), chi.URLParam(r, "userID"), req.Amount, req.Reference)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// AffiliateStats handles GET /affiliates/stats
func (s *Server) AffiliateStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.Commissions.Stats(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
