package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/atmx/ledger-engine/internal/model"
)

type createUserRequest struct {
	ID    string `json:"id" validate:"max=64"`
	Email string `json:"email" validate:"omitempty,email"`
	Role  string `json:"role" validate:"omitempty,oneof=user admin"`
}

type updateUserRequest struct {
	Email *string `json:"email" validate:"omitempty,email"`
	Role  *string `json:"role" validate:"omitempty,oneof=user admin"`
}

// CreateUser handles POST /users
func (s *Server) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	u := &model.User{
		ID:        strings.TrimSpace(req.ID),
		Email:     req.Email,
		Role:      req.Role,
		CreatedAt: time.Now().UTC(),
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.Role == "" {
		u.Role = "user"
	}
	if err := s.Users.CreateUser(r.Context(), u); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

// GetUser handles GET /users/{userID}
func (s *Server) GetUser(w http.ResponseWriter, r *http.Request) {
	u, err := s.Users.GetUser(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// UpdateUser handles PATCH /users/{userID}
func (s *Server) UpdateUser(w http.ResponseWriter, r *http.Request) {
	var req updateUserRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	u, err := s.Users.UpdateUser(r.Context(), chi.URLParam(r, "userID"), model.UserUpdate{
		Email: req.Email,
		Role:  req.Role,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}
