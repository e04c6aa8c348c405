// Package model defines the core domain types for the ledger engine.
// All monetary values use shopspring/decimal for exact arithmetic.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// DefaultAsset is the asset used when a caller does not name one.
const DefaultAsset = "USDT"

// Account is a user's balance sheet. There is exactly one per user.
type Account struct {
	UserID               string          `json:"user_id" db:"user_id"`
	FreeBalance          decimal.Decimal `json:"free_balance" db:"free_balance"`
	LockedBalance        decimal.Decimal `json:"locked_balance" db:"locked_balance"`
	CumulativeProfitLoss decimal.Decimal `json:"cumulative_profit_loss" db:"cumulative_profit_loss"`
	CreatedAt            time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at" db:"updated_at"`
}

// Total is free plus locked balance.
func (a *Account) Total() decimal.Decimal {
	return a.FreeBalance.Add(a.LockedBalance)
}

// TxKind is the kind of balance-affecting event.
type TxKind string

const (
	TxDeposit          TxKind = "deposit"
	TxWithdraw         TxKind = "withdraw"
	TxLock             TxKind = "lock"
	TxUnlock           TxKind = "unlock"
	TxCommission       TxKind = "commission"
	TxTournamentEntry  TxKind = "tournament_entry"
	TxTournamentPayout TxKind = "tournament_payout"
	TxTournamentRefund TxKind = "tournament_refund"
)

// TxStatus is the settlement status of a wallet transaction.
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxCompleted TxStatus = "completed"
)

// WalletTransaction is an immutable record of one ledger mutation.
// Amount is signed: it is the change applied to the free balance.
type WalletTransaction struct {
	ID          string          `json:"id" db:"id"`
	UserID      string          `json:"user_id" db:"user_id"`
	CryptoAsset string          `json:"crypto_asset" db:"crypto_asset"`
	Amount      decimal.Decimal `json:"amount" db:"amount"`
	Kind        TxKind          `json:"kind" db:"kind"`
	Status      TxStatus        `json:"status" db:"status"`
	Reference   string          `json:"reference,omitempty" db:"reference"`
	Address     string          `json:"address,omitempty" db:"address"`
	Description string          `json:"description,omitempty" db:"description"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// User is the profile kept by the user directory.
type User struct {
	ID                string    `json:"id" db:"id"`
	Email             string    `json:"email,omitempty" db:"email"`
	Role              string    `json:"role" db:"role"`
	ParentAffiliateID string    `json:"parent_affiliate_id,omitempty" db:"parent_affiliate_id"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
}

// UserUpdate enumerates the profile fields an operation may change.
// Nil fields are left untouched.
type UserUpdate struct {
	Email             *string
	Role              *string
	ParentAffiliateID *string
}

// Direction of a trade.
type Direction string

const (
	Buy  Direction = "buy"
	Sell Direction = "sell"
)

// TradeStatus moves open -> closing -> closed and never backwards.
type TradeStatus string

const (
	TradeOpen    TradeStatus = "open"
	TradeClosing TradeStatus = "closing"
	TradeClosed  TradeStatus = "closed"
)

// TradeResult is the settled outcome of a trade.
type TradeResult string

const (
	ResultProfit TradeResult = "profit"
	ResultLoss   TradeResult = "loss"
)

// Trade is a time-boxed directional position.
type Trade struct {
	ID            string           `json:"id" db:"id"`
	UserID        string           `json:"user_id" db:"user_id"`
	Symbol        string           `json:"symbol" db:"symbol"`
	Direction     Direction        `json:"direction" db:"direction"`
	Quantity      decimal.Decimal  `json:"quantity" db:"quantity"`
	EntryPrice    decimal.Decimal  `json:"entry_price" db:"entry_price"`
	ExitPrice     *decimal.Decimal `json:"exit_price,omitempty" db:"exit_price"`
	Stake         decimal.Decimal  `json:"stake" db:"stake"`
	DurationValue int64            `json:"duration_value" db:"duration_value"`
	DurationUnit  DurationUnit     `json:"duration_unit" db:"duration_unit"`
	ExpiryAt      time.Time        `json:"expiry_at" db:"expiry_at"`
	Status        TradeStatus      `json:"status" db:"status"`
	ProfitLoss    decimal.Decimal  `json:"profit_loss" db:"profit_loss"`
	Result        TradeResult      `json:"result,omitempty" db:"result"`
	ClaimedAt     *time.Time       `json:"-" db:"claimed_at"`
	ClosedAt      *time.Time       `json:"closed_at,omitempty" db:"closed_at"`
	CreatedAt     time.Time        `json:"created_at" db:"created_at"`
}

// HasOutcome reports whether the exit price and P&L have been recorded.
func (t *Trade) HasOutcome() bool {
	return t.ExitPrice != nil
}

// TradeFilter selects trades. Zero fields do not filter.
type TradeFilter struct {
	UserID    string
	Symbol    string
	Direction Direction
	Status    TradeStatus
	From      time.Time
	To        time.Time
	Limit     int
}

// Matches reports whether t satisfies the filter.
func (f TradeFilter) Matches(t *Trade) bool {
	if f.UserID != "" && t.UserID != f.UserID {
		return false
	}
	if f.Symbol != "" && t.Symbol != f.Symbol {
		return false
	}
	if f.Direction != "" && t.Direction != f.Direction {
		return false
	}
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if !f.From.IsZero() && t.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !t.CreatedAt.Before(f.To) {
		return false
	}
	return true
}

// CommissionEntry is one credit in an affiliate's commission history.
// Level 0 marks a manual credit.
type CommissionEntry struct {
	Amount       decimal.Decimal `json:"amount" db:"amount"`
	Level        int             `json:"level" db:"level"`
	SourceUserID string          `json:"source_user_id" db:"source_user_id"`
	Reference    string          `json:"reference,omitempty" db:"reference"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// Affiliate is a user's referral record.
type Affiliate struct {
	UserID                 string            `json:"user_id" db:"user_id"`
	ReferralCode           string            `json:"referral_code" db:"referral_code"`
	ParentUserID           string            `json:"parent_user_id,omitempty" db:"parent_user_id"`
	ReferredUsers          []string          `json:"referred_users"`
	TotalCommission        decimal.Decimal   `json:"total_commission" db:"total_commission"`
	WithdrawableCommission decimal.Decimal   `json:"withdrawable_commission" db:"withdrawable_commission"`
	CommissionHistory      []CommissionEntry `json:"commission_history"`
	CreatedAt              time.Time         `json:"created_at" db:"created_at"`
}

// HasReferred reports whether userID is in the referred set.
func (a *Affiliate) HasReferred(userID string) bool {
	for _, id := range a.ReferredUsers {
		if id == userID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (a *Affiliate) Clone() *Affiliate {
	c := *a
	c.ReferredUsers = append([]string(nil), a.ReferredUsers...)
	c.CommissionHistory = append([]CommissionEntry(nil), a.CommissionHistory...)
	return &c
}

// TournamentStatus moves upcoming -> running -> ended.
type TournamentStatus string

const (
	TournamentUpcoming TournamentStatus = "upcoming"
	TournamentRunning  TournamentStatus = "running"
	TournamentEnded    TournamentStatus = "ended"
)

// Tournament is a pooled-entry competition.
type Tournament struct {
	ID           string           `json:"id" db:"id"`
	Name         string           `json:"name" db:"name"`
	EntryAmount  decimal.Decimal  `json:"entry_amount" db:"entry_amount"`
	Duration     int64            `json:"duration" db:"duration"`
	DurationUnit DurationUnit     `json:"duration_unit" db:"duration_unit"`
	Status       TournamentStatus `json:"status" db:"status"`
	StartTime    *time.Time       `json:"start_time,omitempty" db:"start_time"`
	EndTime      *time.Time       `json:"end_time,omitempty" db:"end_time"`
	CreatedAt    time.Time        `json:"created_at" db:"created_at"`
}

// Pool holds the escrowed entry fees of a tournament.
type Pool struct {
	TournamentID string          `json:"tournament_id" db:"tournament_id"`
	Balance      decimal.Decimal `json:"balance" db:"balance"`
}

// Participant is a user's wallet inside one tournament.
type Participant struct {
	TournamentID   string          `json:"tournament_id" db:"tournament_id"`
	UserID         string          `json:"user_id" db:"user_id"`
	InvestedAmount decimal.Decimal `json:"invested_amount" db:"invested_amount"`
	CurrentBalance decimal.Decimal `json:"current_balance" db:"current_balance"`
	ProfitLoss     decimal.Decimal `json:"profit_loss" db:"profit_loss"`
	JoinedAt       time.Time       `json:"joined_at" db:"joined_at"`
}

// PayoutStatus tracks one recipient's credit during tournament settlement.
type PayoutStatus string

const (
	PayoutPending PayoutStatus = "pending"
	PayoutPaid    PayoutStatus = "paid"
	PayoutFailed  PayoutStatus = "failed"
)

// PayoutReason says why a participant is paid.
type PayoutReason string

const (
	PayoutRankShare     PayoutReason = "rank_share"
	PayoutCapitalReturn PayoutReason = "capital_return"
)

// Payout is one line of a settlement plan.
type Payout struct {
	UserID    string          `json:"user_id" db:"user_id"`
	Rank      int             `json:"rank" db:"rank"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	Reason    PayoutReason    `json:"reason" db:"reason"`
	Status    PayoutStatus    `json:"status" db:"status"`
	LastError string          `json:"last_error,omitempty" db:"last_error"`
}

// SettlementPlan is computed once per tournament before any credit is applied.
type SettlementPlan struct {
	TournamentID   string          `json:"tournament_id"`
	PoolBalance    decimal.Decimal `json:"pool_balance"`
	HouseRemainder decimal.Decimal `json:"house_remainder"`
	Payouts        []Payout        `json:"payouts"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Total is the sum of all planned payouts.
func (p *SettlementPlan) Total() decimal.Decimal {
	sum := decimal.Zero
	for _, po := range p.Payouts {
		sum = sum.Add(po.Amount)
	}
	return sum
}

// Unpaid returns the payouts not yet credited.
func (p *SettlementPlan) Unpaid() []Payout {
	var out []Payout
	for _, po := range p.Payouts {
		if po.Status != PayoutPaid {
			out = append(out, po)
		}
	}
	return out
}

// Clone returns a deep copy.
func (p *SettlementPlan) Clone() *SettlementPlan {
	c := *p
	c.Payouts = append([]Payout(nil), p.Payouts...)
	return &c
}

// JobKind names the entity a settlement job settles.
type JobKind string

const (
	JobTrade      JobKind = "trade"
	JobTournament JobKind = "tournament"
)

// JobStatus is the lifecycle of a settlement job.
type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobDone    JobStatus = "done"
	JobFailed  JobStatus = "failed"
)

// SettlementJob is a durable timer: settle EntityID at or after DueAt.
type SettlementJob struct {
	ID        string    `json:"id" db:"id"`
	Kind      JobKind   `json:"kind" db:"kind"`
	EntityID  string    `json:"entity_id" db:"entity_id"`
	DueAt     time.Time `json:"due_at" db:"due_at"`
	Status    JobStatus `json:"status" db:"status"`
	Attempts  int       `json:"attempts" db:"attempts"`
	LastError string    `json:"last_error,omitempty" db:"last_error"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
