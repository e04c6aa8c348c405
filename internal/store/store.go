// Package store defines the persistence interfaces for the ledger engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and single-process development).
package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/apperr"
	"github.com/atmx/ledger-engine/internal/model"
)

var (
	// ErrDuplicateReference is returned by UpdateAccount when the produced
	// transaction reuses a reference that was already recorded. Nothing is
	// applied in that case.
	ErrDuplicateReference = apperr.New(apperr.KindConflict, "duplicate_reference", "store: reference already applied")

	// ErrNotClaimable is returned when a compare-and-set guard does not hold.
	ErrNotClaimable = apperr.New(apperr.KindConflict, "not_claimable", "store: entity is not in the expected state")

	// ErrDuplicateCode is returned when a referral code is already taken.
	ErrDuplicateCode = apperr.New(apperr.KindConflict, "duplicate_code", "store: referral code already exists")

	// ErrAffiliateExists is returned when the user already has an affiliate record.
	ErrAffiliateExists = apperr.New(apperr.KindConflict, "affiliate_exists", "store: affiliate already exists")

	// ErrAlreadyJoined is returned when a participant record already exists
	// for the (user, tournament) pair.
	ErrAlreadyJoined = apperr.New(apperr.KindConflict, "already_joined", "user already joined this tournament")

	// ErrUserExists is returned when a user profile id is taken.
	ErrUserExists = apperr.New(apperr.KindConflict, "user_exists", "store: user already exists")
)

// AccountMutation changes acct in place and returns the transaction record
// describing the change. Returning an error aborts the mutation and leaves
// the account untouched.
type AccountMutation func(acct *model.Account) (*model.WalletTransaction, error)

// AccountStore owns balances and the wallet transaction log.
type AccountStore interface {
	// GetAccount returns the account or a not_found error.
	GetAccount(ctx context.Context, userID string) (*model.Account, error)

	// UpdateAccount loads the account (creating it with zero balances if
	// absent), applies mutate and appends the returned transaction, all
	// atomically. A non-empty reference that was already recorded yields
	// ErrDuplicateReference and no change.
	UpdateAccount(ctx context.Context, userID string, mutate AccountMutation) (*model.Account, *model.WalletTransaction, error)

	// ListWalletTransactions returns a user's records, newest first.
	ListWalletTransactions(ctx context.Context, userID string) ([]model.WalletTransaction, error)
}

// UserStore is the user directory.
type UserStore interface {
	CreateUser(ctx context.Context, u *model.User) error
	GetUser(ctx context.Context, id string) (*model.User, error)
	UpdateUser(ctx context.Context, id string, upd model.UserUpdate) (*model.User, error)
}

// TradeStore persists trades and their settlement jobs.
type TradeStore interface {
	// CreateTrade persists an open trade together with its settlement job.
	CreateTrade(ctx context.Context, t *model.Trade, job *model.SettlementJob) error

	GetTrade(ctx context.Context, id string) (*model.Trade, error)

	// ListTrades returns matching trades, newest first.
	ListTrades(ctx context.Context, f model.TradeFilter) ([]model.Trade, error)

	// ClaimTrade moves an open trade to closing and stamps ClaimedAt = now.
	// A closing trade whose claim is older than lease may be claimed again.
	// Any other state yields ErrNotClaimable.
	ClaimTrade(ctx context.Context, id string, now time.Time, lease time.Duration) (*model.Trade, error)

	// SaveTradeOutcome stores ExitPrice, ProfitLoss and Result on a closing
	// trade whose ClaimedAt still equals t.ClaimedAt.
	SaveTradeOutcome(ctx context.Context, t *model.Trade) error

	// CloseTrade moves a closing trade to closed, fenced by t.ClaimedAt.
	CloseTrade(ctx context.Context, t *model.Trade) error
}

// AffiliateUpdate enumerates the affiliate fields an operation may change.
type AffiliateUpdate struct {
	ParentUserID *string
	AddReferral  *string
}

// AffiliateStore persists referral records and commission history.
type AffiliateStore interface {
	// CreateAffiliate inserts a new record. Fails with ErrDuplicateCode or
	// ErrAffiliateExists.
	CreateAffiliate(ctx context.Context, a *model.Affiliate) error

	GetAffiliate(ctx context.Context, userID string) (*model.Affiliate, error)
	GetAffiliateByCode(ctx context.Context, code string) (*model.Affiliate, error)
	UpdateAffiliate(ctx context.Context, userID string, upd AffiliateUpdate) (*model.Affiliate, error)

	// RecordCommission appends to the history and adds the amount to the
	// total and withdrawable counters. An entry whose non-empty Reference is
	// already recorded for userID is a no-op.
	RecordCommission(ctx context.Context, userID string, e model.CommissionEntry) error

	// CommissionStats returns the sum of all commission ever recorded and the
	// number of affiliates.
	CommissionStats(ctx context.Context) (decimal.Decimal, int, error)
}

// TournamentStore persists tournaments, pools, participants and plans.
type TournamentStore interface {
	CreateTournament(ctx context.Context, t *model.Tournament) error
	GetTournament(ctx context.Context, id string) (*model.Tournament, error)

	// ListTournaments returns tournaments newest first; an empty status
	// returns all of them.
	ListTournaments(ctx context.Context, status model.TournamentStatus) ([]model.Tournament, error)

	GetPool(ctx context.Context, tournamentID string) (*model.Pool, error)

	// AddParticipant inserts p and adds p.InvestedAmount to the pool, only
	// while the tournament is upcoming. Fails with ErrAlreadyJoined or
	// ErrNotClaimable.
	AddParticipant(ctx context.Context, p *model.Participant) error

	GetParticipant(ctx context.Context, tournamentID, userID string) (*model.Participant, error)
	ListParticipants(ctx context.Context, tournamentID string) ([]model.Participant, error)

	// AdjustParticipant adds delta to current balance and P&L while the
	// tournament is running.
	AdjustParticipant(ctx context.Context, tournamentID, userID string, delta decimal.Decimal) (*model.Participant, error)

	// StartTournament moves upcoming to running and persists job.
	StartTournament(ctx context.Context, id string, start, end time.Time, job *model.SettlementJob) (*model.Tournament, error)

	// EndTournament moves running to ended, zeroes the pool and stores the
	// plan that build returns. build sees the pool balance and participants
	// as of the end; AdjustParticipant cannot interleave with it.
	EndTournament(ctx context.Context, id string, build PlanBuilder) (*model.Tournament, *model.SettlementPlan, error)

	GetSettlementPlan(ctx context.Context, tournamentID string) (*model.SettlementPlan, error)

	// MarkPayout records the outcome of one planned credit.
	MarkPayout(ctx context.Context, tournamentID, userID string, status model.PayoutStatus, lastErr string) error
}

// PlanBuilder computes a settlement plan from a tournament's final pool and
// participants.
type PlanBuilder func(pool decimal.Decimal, participants []model.Participant) *model.SettlementPlan

// JobStore persists durable settlement jobs.
type JobStore interface {
	// DueJobs returns up to limit pending jobs with DueAt <= now, oldest first.
	DueJobs(ctx context.Context, now time.Time, limit int) ([]model.SettlementJob, error)
	CompleteJob(ctx context.Context, id string, now time.Time) error
	RetryJob(ctx context.Context, id string, next time.Time, lastErr string) error
	FailJob(ctx context.Context, id string, lastErr string) error
	ListJobs(ctx context.Context, status model.JobStatus) ([]model.SettlementJob, error)
}

// Store is the full persistence interface. PostgreSQL is the source of
// truth; Redis provides a read-through cache layer.
type Store interface {
	AccountStore
	UserStore
	TradeStore
	AffiliateStore
	TournamentStore
	JobStore
}
