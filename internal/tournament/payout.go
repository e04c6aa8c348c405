package tournament

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/model"
)

// payoutPlaces is the number of decimal places payouts are truncated to.
const payoutPlaces = 8

// DefaultPayoutTable is the share of the distributable pool per rank, in
// percent, for ranks 1 to 10.
var DefaultPayoutTable = []decimal.Decimal{
	decimal.NewFromInt(30),
	decimal.NewFromInt(20),
	decimal.NewFromInt(15),
	decimal.NewFromInt(10),
	decimal.NewFromInt(8),
	decimal.NewFromInt(6),
	decimal.NewFromInt(4),
	decimal.NewFromInt(3),
	decimal.NewFromInt(2),
	decimal.NewFromInt(2),
}

var hundred = decimal.NewFromInt(100)

// Rank returns a copy of participants ordered by profit desc, then join time
// asc, then user id asc.
func Rank(participants []model.Participant) []model.Participant {
	ranked := append([]model.Participant(nil), participants...)
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if c := a.ProfitLoss.Cmp(b.ProfitLoss); c != 0 {
			return c > 0
		}
		if !a.JoinedAt.Equal(b.JoinedAt) {
			return a.JoinedAt.Before(b.JoinedAt)
		}
		return a.UserID < b.UserID
	})
	return ranked
}

// BuildPlan computes every payout before any credit is applied.
//
// Participants ranked past the table get their currentBalance back first,
// scaled down proportionally if those returns exceed the pool. The table
// percentages then apply to what is left. Amounts are truncated to eight
// decimal places and whatever is not allocated is the house remainder, so
// the plan total never exceeds pool.
func BuildPlan(tournamentID string, pool decimal.Decimal, participants []model.Participant, table []decimal.Decimal, now time.Time) *model.SettlementPlan {
	plan := &model.SettlementPlan{
		TournamentID: tournamentID,
		PoolBalance:  pool,
		Payouts:      []model.Payout{},
		CreatedAt:    now,
	}
	if !pool.IsPositive() {
		plan.HouseRemainder = decimal.Max(pool, decimal.Zero)
		return plan
	}

	ranked := Rank(participants)
	places := len(table)
	if places > len(ranked) {
		places = len(ranked)
	}

	returns := decimal.Zero
	for _, p := range ranked[places:] {
		if p.CurrentBalance.IsPositive() {
			returns = returns.Add(p.CurrentBalance)
		}
	}
	scaled := returns.GreaterThan(pool)

	var capital []model.Payout
	returned := decimal.Zero
	for i, p := range ranked[places:] {
		if !p.CurrentBalance.IsPositive() {
			continue
		}
		amt := p.CurrentBalance
		if scaled {
			amt = amt.Mul(pool).Div(returns)
		}
		amt = decimal.Min(amt.Truncate(payoutPlaces), pool.Sub(returned))
		if !amt.IsPositive() {
			continue
		}
		returned = returned.Add(amt)
		capital = append(capital, model.Payout{
			UserID: p.UserID,
			Rank:   places + i + 1,
			Amount: amt,
			Reason: model.PayoutCapitalReturn,
			Status: model.PayoutPending,
		})
	}

	distributable := decimal.Max(pool.Sub(returned), decimal.Zero)
	shared := decimal.Zero
	for i := 0; i < places; i++ {
		amt := distributable.Mul(table[i]).Div(hundred).Truncate(payoutPlaces)
		amt = decimal.Min(amt, distributable.Sub(shared))
		if !amt.IsPositive() {
			continue
		}
		shared = shared.Add(amt)
		plan.Payouts = append(plan.Payouts, model.Payout{
			UserID: ranked[i].UserID,
			Rank:   i + 1,
			Amount: amt,
			Reason: model.PayoutRankShare,
			Status: model.PayoutPending,
		})
	}
	plan.Payouts = append(plan.Payouts, capital...)
	plan.HouseRemainder = pool.Sub(plan.Total())
	return plan
}
