package trade

import (
	"context"

	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/apperr"
	"github.com/atmx/ledger-engine/internal/model"
)

// ComputeOutcome returns the profit or loss of a settled trade. A buy wins
// when the exit price is above entry, a sell when it is below; an unchanged
// price loses. A win pays stake × payoutRatio, a loss forfeits the stake.
func ComputeOutcome(dir model.Direction, entry, exit, stake, payoutRatio decimal.Decimal) (decimal.Decimal, model.TradeResult) {
	won := exit.GreaterThan(entry)
	if dir == model.Sell {
		won = exit.LessThan(entry)
	}
	if won {
		return stake.Mul(payoutRatio), model.ResultProfit
	}
	return stake.Neg(), model.ResultLoss
}

// fetchPrice reads the exit price with a per-attempt timeout, retrying
// failures with exponential backoff and jitter.
func (e *Engine) fetchPrice(ctx context.Context, sym string) (decimal.Decimal, error) {
	var price decimal.Decimal
	backoff := retry.WithMaxRetries(e.cfg.PriceRetries,
		retry.WithJitterPercent(10, retry.NewExponential(e.cfg.PriceBackoff)))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		actx, cancel := context.WithTimeout(ctx, e.cfg.PriceTimeout)
		defer cancel()

		p, err := e.prices.Price(actx, sym)
		switch {
		case apperr.IsKind(err, apperr.KindValidation):
			return err
		case err != nil:
			return retry.RetryableError(err)
		case !p.IsPositive():
			return retry.RetryableError(apperr.External(nil, "non-positive price %s", p))
		}
		price = p
		return nil
	})
	return price, err
}
