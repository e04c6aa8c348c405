package tournament

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/model"
)

// Status is a tournament with its pool and participant count.
type Status struct {
	Tournament   *model.Tournament     `json:"tournament"`
	PoolBalance  decimal.Decimal       `json:"pool_balance"`
	Participants int                   `json:"participants"`
	Plan         *model.SettlementPlan `json:"settlement,omitempty"`
}

// Standing is one leaderboard row.
type Standing struct {
	Rank int `json:"rank"`
	model.Participant
}

// Get returns the tournament status. Ended tournaments include their plan.
func (e *Engine) Get(ctx context.Context, id string) (*Status, error) {
	t, err := e.store.GetTournament(ctx, id)
	if err != nil {
		return nil, err
	}
	pool, err := e.store.GetPool(ctx, id)
	if err != nil {
		return nil, err
	}
	ps, err := e.store.ListParticipants(ctx, id)
	if err != nil {
		return nil, err
	}
	st := &Status{Tournament: t, PoolBalance: pool.Balance, Participants: len(ps)}
	if t.Status == model.TournamentEnded {
		if st.Plan, err = e.store.GetSettlementPlan(ctx, id); err != nil {
			return nil, err
		}
	}
	return st, nil
}

// Active returns the running tournaments.
func (e *Engine) Active(ctx context.Context) ([]model.Tournament, error) {
	return e.list(ctx, model.TournamentRunning)
}

// All returns every tournament, newest first.
func (e *Engine) All(ctx context.Context) ([]model.Tournament, error) {
	return e.list(ctx, "")
}

func (e *Engine) list(ctx context.Context, status model.TournamentStatus) ([]model.Tournament, error) {
	ts, err := e.store.ListTournaments(ctx, status)
	if err != nil {
		return nil, err
	}
	if ts == nil {
		ts = []model.Tournament{}
	}
	return ts, nil
}

// Leaderboard ranks the participants the same way settlement does.
func (e *Engine) Leaderboard(ctx context.Context, id string) ([]Standing, error) {
	if _, err := e.store.GetTournament(ctx, id); err != nil {
		return nil, err
	}
	ps, err := e.store.ListParticipants(ctx, id)
	if err != nil {
		return nil, err
	}
	ranked := Rank(ps)
	out := make([]Standing, len(ranked))
	for i, p := range ranked {
		out[i] = Standing{Rank: i + 1, Participant: p}
	}
	return out, nil
}
