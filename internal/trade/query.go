package trade

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/model"
	"github.com/atmx/ledger-engine/internal/risk"
	"github.com/atmx/ledger-engine/internal/symbol"
)

// Get returns one trade.
func (e *Engine) Get(ctx context.Context, id string) (*model.Trade, error) {
	return e.store.GetTrade(ctx, id)
}

// OpenTrades returns the user's actionable trades: status open and not yet
// expired. Expired trades awaiting settlement are left out.
func (e *Engine) OpenTrades(ctx context.Context, userID string) ([]model.Trade, error) {
	trades, err := e.list(ctx, model.TradeFilter{UserID: userID, Status: model.TradeOpen})
	if err != nil {
		return nil, err
	}
	now := e.now()
	out := trades[:0]
	for _, t := range trades {
		if t.ExpiryAt.After(now) {
			out = append(out, t)
		}
	}
	return out, nil
}

// ClosedTrades returns the user's settled trades, newest first.
func (e *Engine) ClosedTrades(ctx context.Context, userID string) ([]model.Trade, error) {
	return e.list(ctx, model.TradeFilter{UserID: userID, Status: model.TradeClosed})
}

// History returns every trade of the user, newest first.
func (e *Engine) History(ctx context.Context, userID string) ([]model.Trade, error) {
	return e.list(ctx, model.TradeFilter{UserID: userID})
}

// Filter returns trades matching f. The symbol is canonicalized first.
func (e *Engine) Filter(ctx context.Context, f model.TradeFilter) ([]model.Trade, error) {
	if f.Symbol != "" {
		canonical, err := symbol.Canonical(f.Symbol)
		if err != nil {
			return nil, err
		}
		f.Symbol = canonical
	}
	return e.list(ctx, f)
}

// Exposure returns the user's locked stake per symbol across open trades,
// including expired ones still awaiting settlement.
func (e *Engine) Exposure(ctx context.Context, userID string) (map[string]decimal.Decimal, error) {
	trades, err := e.list(ctx, model.TradeFilter{UserID: userID, Status: model.TradeOpen})
	if err != nil {
		return nil, err
	}
	return risk.OpenExposure(trades), nil
}

func (e *Engine) list(ctx context.Context, f model.TradeFilter) ([]model.Trade, error) {
	trades, err := e.store.ListTrades(ctx, f)
	if err != nil {
		return nil, err
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	return trades, nil
}
