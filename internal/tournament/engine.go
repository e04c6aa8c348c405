// Package tournament runs pooled-entry tournaments: escrowed entry fees,
// ranking, and a planned, re-runnable payout.
package tournament

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/apperr"
	"github.com/atmx/ledger-engine/internal/ledger"
	"github.com/atmx/ledger-engine/internal/metrics"
	"github.com/atmx/ledger-engine/internal/model"
	"github.com/atmx/ledger-engine/internal/notify"
	"github.com/atmx/ledger-engine/internal/store"
)

var (
	ErrNotUpcoming = apperr.New(apperr.KindConflict, "tournament_not_upcoming", "tournament is not upcoming")
	ErrNotRunning  = apperr.New(apperr.KindConflict, "tournament_not_running", "tournament is not running")
	ErrNotEnded    = apperr.New(apperr.KindConflict, "tournament_not_ended", "tournament has not ended")
)

// Ledger moves entry fees and payouts.
type Ledger interface {
	Debit(ctx context.Context, userID string, amount decimal.Decimal, kind model.TxKind, ref string) (*ledger.Receipt, error)
	Credit(ctx context.Context, userID string, amount decimal.Decimal, kind model.TxKind, ref string) (*ledger.Receipt, error)
}

// Engine implements the tournament operations.
type Engine struct {
	store    store.TournamentStore
	ledger   Ledger
	notifier notify.Notifier
	table    []decimal.Decimal
	now      func() time.Time
}

// NewEngine creates a tournament engine paying out with table. A nil table
// uses DefaultPayoutTable; n may be nil.
func NewEngine(st store.TournamentStore, l Ledger, n notify.Notifier, table []decimal.Decimal) *Engine {
	if table == nil {
		table = DefaultPayoutTable
	}
	if n == nil {
		n = notify.NewFanout(0)
	}
	return &Engine{
		store:    st,
		ledger:   l,
		notifier: n,
		table:    table,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the engine's clock. Intended for tests.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// CreateRequest describes a new tournament.
type CreateRequest struct {
	Name         string          `json:"name"`
	EntryAmount  decimal.Decimal `json:"entry_amount"`
	Duration     int64           `json:"duration"`
	DurationUnit string          `json:"duration_unit"`
}

// Create adds an upcoming tournament with an empty pool.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (*model.Tournament, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, apperr.Validation("name is required")
	}
	if !req.EntryAmount.IsPositive() {
		return nil, apperr.Validation("entry_amount must be positive, got %s", req.EntryAmount)
	}
	unit, err := model.ParseDurationUnit(req.DurationUnit)
	if err != nil {
		return nil, apperr.ErrValidation.Wrap(err)
	}
	if _, err := model.ToDuration(req.Duration, unit); err != nil {
		return nil, apperr.ErrValidation.Wrap(err)
	}

	t := &model.Tournament{
		ID:           uuid.NewString(),
		Name:         name,
		EntryAmount:  req.EntryAmount,
		Duration:     req.Duration,
		DurationUnit: unit,
		Status:       model.TournamentUpcoming,
		CreatedAt:    e.now(),
	}
	if err := e.store.CreateTournament(ctx, t); err != nil {
		return nil, err
	}
	slog.Info("tournament created", "id", t.ID, "name", t.Name, "entry", t.EntryAmount.String())
	return t, nil
}

// Join debits the entry fee into the pool and creates the participant.
func (e *Engine) Join(ctx context.Context, tournamentID, userID string) (*model.Participant, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, apperr.Validation("user_id is required")
	}
	t, err := e.store.GetTournament(ctx, tournamentID)
	if err != nil {
		return nil, err
	}
	if t.Status != model.TournamentUpcoming {
		return nil, ErrNotUpcoming.With("tournament %s is %s", t.ID, t.Status)
	}
	if _, err := e.store.GetParticipant(ctx, tournamentID, userID); err == nil {
		return nil, store.ErrAlreadyJoined.With("user %s, tournament %s", userID, tournamentID)
	} else if !apperr.IsKind(err, apperr.KindNotFound) {
		return nil, err
	}

	nonce := uuid.NewString()[:8]
	if _, err := e.ledger.Debit(ctx, userID, t.EntryAmount, model.TxTournamentEntry, entryRef(t.ID, userID, nonce)); err != nil {
		return nil, err
	}

	p := &model.Participant{
		TournamentID:   t.ID,
		UserID:         userID,
		InvestedAmount: t.EntryAmount,
		CurrentBalance: t.EntryAmount,
		ProfitLoss:     decimal.Zero,
		JoinedAt:       e.now(),
	}
	if err := e.store.AddParticipant(ctx, p); err != nil {
		if _, rerr := e.ledger.Credit(ctx, userID, t.EntryAmount, model.TxTournamentRefund, refundRef(t.ID, userID, nonce)); rerr != nil {
			slog.Error("entry fee refund failed",
				"alert", true,
				"tournament_id", t.ID,
				"user", userID,
				"amount", t.EntryAmount.String(),
				"err", rerr,
			)
		}
		if errors.Is(err, store.ErrNotClaimable) {
			return nil, ErrNotUpcoming.With("tournament %s", t.ID)
		}
		return nil, err
	}

	slog.Info("tournament joined", "tournament_id", t.ID, "user", userID, "entry", t.EntryAmount.String())
	return p, nil
}

// Start moves an upcoming tournament to running and schedules its
// settlement at the end time.
func (e *Engine) Start(ctx context.Context, tournamentID string) (*model.Tournament, error) {
	t, err := e.store.GetTournament(ctx, tournamentID)
	if err != nil {
		return nil, err
	}
	if t.Status != model.TournamentUpcoming {
		return nil, ErrNotUpcoming.With("tournament %s is %s", t.ID, t.Status)
	}
	dur, err := model.ToDuration(t.Duration, t.DurationUnit)
	if err != nil {
		return nil, apperr.ErrValidation.Wrap(err)
	}

	start := e.now()
	end := start.Add(dur)
	job := &model.SettlementJob{
		ID:        uuid.NewString(),
		Kind:      model.JobTournament,
		EntityID:  t.ID,
		DueAt:     end,
		Status:    model.JobPending,
		CreatedAt: start,
		UpdatedAt: start,
	}
	t, err = e.store.StartTournament(ctx, tournamentID, start, end, job)
	if apperr.IsKind(err, apperr.KindConflict) {
		return nil, ErrNotUpcoming.With("tournament %s", tournamentID)
	}
	if err != nil {
		return nil, err
	}
	slog.Info("tournament started", "id", t.ID, "end", end)
	return t, nil
}

// RecordResult applies a simulated trading result to a participant of a
// running tournament.
func (e *Engine) RecordResult(ctx context.Context, tournamentID, userID string, delta decimal.Decimal) (*model.Participant, error) {
	p, err := e.store.GetParticipant(ctx, tournamentID, userID)
	if err != nil {
		return nil, err
	}
	if p.CurrentBalance.Add(delta).IsNegative() {
		return nil, apperr.Validation("result %s would leave a negative tournament balance", delta)
	}
	p, err = e.store.AdjustParticipant(ctx, tournamentID, userID, delta)
	if apperr.IsKind(err, apperr.KindConflict) {
		return nil, ErrNotRunning.With("tournament %s", tournamentID)
	}
	return p, err
}

// Settle ends a running tournament and pays out its pool. Settling an
// ended tournament returns the stored plan without paying anything.
func (e *Engine) Settle(ctx context.Context, tournamentID string) (*model.SettlementPlan, error) {
	t, err := e.store.GetTournament(ctx, tournamentID)
	if err != nil {
		return nil, err
	}
	switch t.Status {
	case model.TournamentEnded:
		return e.store.GetSettlementPlan(ctx, tournamentID)
	case model.TournamentUpcoming:
		return nil, ErrNotRunning.With("tournament %s has not started", tournamentID)
	}

	now := e.now()
	_, plan, err := e.store.EndTournament(ctx, tournamentID, func(pool decimal.Decimal, participants []model.Participant) *model.SettlementPlan {
		return BuildPlan(tournamentID, pool, participants, e.table, now)
	})
	if err != nil {
		if !apperr.IsKind(err, apperr.KindConflict) {
			return nil, err
		}
		cur, gerr := e.store.GetTournament(ctx, tournamentID)
		if gerr == nil && cur.Status == model.TournamentEnded {
			return e.store.GetSettlementPlan(ctx, tournamentID)
		}
		return nil, fmt.Errorf("end tournament %s: %w", tournamentID, err)
	}

	metrics.TournamentSettlements.Inc()
	slog.Info("tournament ended",
		"id", tournamentID,
		"pool", plan.PoolBalance.String(),
		"payouts", len(plan.Payouts),
		"house_remainder", plan.HouseRemainder.String(),
	)
	return e.applyPayouts(ctx, plan), nil
}

// Reconcile retries the unpaid entries of an ended tournament's plan.
func (e *Engine) Reconcile(ctx context.Context, tournamentID string) (*model.SettlementPlan, error) {
	t, err := e.store.GetTournament(ctx, tournamentID)
	if err != nil {
		return nil, err
	}
	if t.Status != model.TournamentEnded {
		return nil, ErrNotEnded.With("tournament %s is %s", tournamentID, t.Status)
	}
	plan, err := e.store.GetSettlementPlan(ctx, tournamentID)
	if err != nil {
		return nil, err
	}
	return e.applyPayouts(ctx, plan), nil
}

// SettleJob adapts Settle and Reconcile to the scheduler. It fails while any
// payout is still unpaid so the job is retried.
func (e *Engine) SettleJob(ctx context.Context, job model.SettlementJob) error {
	plan, err := e.Settle(ctx, job.EntityID)
	if err != nil {
		return err
	}
	if len(plan.Unpaid()) > 0 {
		if plan, err = e.Reconcile(ctx, job.EntityID); err != nil {
			return err
		}
	}
	if n := len(plan.Unpaid()); n > 0 {
		return fmt.Errorf("tournament %s: %d payouts unpaid", job.EntityID, n)
	}
	return nil
}

// applyPayouts credits every unpaid entry, one recipient at a time. A failed
// credit is recorded and does not stop the others.
func (e *Engine) applyPayouts(ctx context.Context, plan *model.SettlementPlan) *model.SettlementPlan {
	for i := range plan.Payouts {
		po := &plan.Payouts[i]
		if po.Status == model.PayoutPaid {
			continue
		}
		_, err := e.ledger.Credit(ctx, po.UserID, po.Amount, model.TxTournamentPayout, payoutRef(plan.TournamentID, po.UserID))
		if err != nil {
			metrics.PayoutFailures.Inc()
			slog.Error("tournament payout failed",
				"alert", true,
				"tournament_id", plan.TournamentID,
				"user", po.UserID,
				"amount", po.Amount.String(),
				"err", err,
			)
			po.Status = model.PayoutFailed
			po.LastError = err.Error()
			if merr := e.store.MarkPayout(ctx, plan.TournamentID, po.UserID, model.PayoutFailed, po.LastError); merr != nil {
				slog.Error("mark payout failed", "tournament_id", plan.TournamentID, "user", po.UserID, "err", merr)
			}
			continue
		}

		po.Status = model.PayoutPaid
		po.LastError = ""
		if merr := e.store.MarkPayout(ctx, plan.TournamentID, po.UserID, model.PayoutPaid, ""); merr != nil {
			// The credit is applied; Reconcile replays it as a no-op.
			slog.Error("mark payout paid", "tournament_id", plan.TournamentID, "user", po.UserID, "err", merr)
		}
		e.notifier.TradeUpdate(ctx, po.UserID, notify.Event{
			Type: notify.EventTournamentPayout,
			Data: map[string]any{
				"tournament_id": plan.TournamentID,
				"rank":          po.Rank,
				"amount":        po.Amount,
				"reason":        po.Reason,
			},
		})
	}
	return plan
}

func entryRef(tid, uid, nonce string) string {
	return "tournament:" + tid + ":entry:" + uid + ":" + nonce
}

func refundRef(tid, uid, nonce string) string {
	return "tournament:" + tid + ":refund:" + uid + ":" + nonce
}

func payoutRef(tid, uid string) string {
	return "tournament:" + tid + ":payout:" + uid
}
